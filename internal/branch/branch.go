// Package branch forks deliberations: a fork copies a session's history up to
// a chosen round into a new session that explores an alternative path while
// the parent continues unaffected.
package branch

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/conclave-ai/conclave/council"
	"github.com/conclave-ai/conclave/internal/deliberation"
	"github.com/conclave-ai/conclave/pkg/store"
)

// ErrBadForkRound is returned when the fork point is outside the parent's
// completed rounds.
var ErrBadForkRound = errors.New("fork round out of range")

// Manager creates forks on persisted records and registers the children as
// live councils.
type Manager struct {
	store        store.Store
	deliberation *deliberation.Manager
}

// NewManager creates a branch manager over the shared store.
func NewManager(st store.Store, dm *deliberation.Manager) *Manager {
	return &Manager{store: st, deliberation: dm}
}

// Fork copies the parent's rounds 1..atRound into a fresh session. The child
// starts paused with its own id and cost accounting; the parent is not
// touched. atRound zero forks from the very beginning.
func (m *Manager) Fork(ctx context.Context, parentID string, atRound int, label string) (*deliberation.Council, error) {
	parent, err := m.store.LoadSession(ctx, parentID)
	if err != nil {
		return nil, err
	}
	rounds, err := m.store.LoadRounds(ctx, parentID)
	if err != nil {
		return nil, fmt.Errorf("load parent rounds: %w", err)
	}
	if atRound < 0 || atRound > len(rounds) {
		return nil, fmt.Errorf("%w: %d of %d completed rounds", ErrBadForkRound, atRound, len(rounds))
	}

	child := parent.Clone()
	child.ID = uuid.New().String()
	child.State = council.StatePaused
	child.CurrentRound = atRound
	child.ParentSessionID = parentID
	child.TotalCostUSD = 0
	child.CreatedAt = time.Now().UTC()
	if atRound > 0 {
		score := rounds[atRound-1].ConvergenceScore
		child.ConvergenceScore = &score
	} else {
		child.ConvergenceScore = nil
	}

	if err := m.store.SaveSession(ctx, child); err != nil {
		return nil, fmt.Errorf("persist fork: %w", err)
	}

	history := make([]*council.Round, 0, atRound)
	for _, round := range rounds[:atRound] {
		copied := round.Clone(child.ID)
		if err := m.store.SaveRound(ctx, copied); err != nil {
			return nil, fmt.Errorf("copy round %d into fork: %w", round.Number, err)
		}
		history = append(history, copied)
	}

	rel := &council.BranchRelation{
		ParentID:  parentID,
		ChildID:   child.ID,
		ForkRound: atRound,
		Label:     label,
		CreatedAt: time.Now().UTC(),
	}
	if err := m.store.SaveBranch(ctx, rel); err != nil {
		return nil, fmt.Errorf("record branch relation: %w", err)
	}

	log.Printf("session %s forked into %s at round %d (%q)", parentID, child.ID, atRound, label)
	return m.deliberation.Adopt(child, history), nil
}

// Branches lists the forks taken from a parent session.
func (m *Manager) Branches(ctx context.Context, parentID string) ([]*council.BranchRelation, error) {
	if _, err := m.store.LoadSession(ctx, parentID); err != nil {
		return nil, err
	}
	return m.store.ListBranches(ctx, parentID)
}
