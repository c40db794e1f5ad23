// Package store provides persistence for deliberation records.
// Backends store Sessions, their immutable Rounds, and the branch relations
// between sessions. A Round is written only after full assembly; backends
// enforce strictly increasing round numbers per session.
package store

import (
	"context"
	"errors"

	"github.com/conclave-ai/conclave/council"
)

// Common errors for storage operations.
var (
	// ErrSessionNotFound is returned when a session doesn't exist.
	ErrSessionNotFound = errors.New("session not found")
	// ErrRoundConflict is returned when a round number is not the next in sequence.
	ErrRoundConflict = errors.New("round number conflicts with stored history")
	// ErrStoreClosed is returned when operating on a closed store.
	ErrStoreClosed = errors.New("store is closed")
)

// Store abstracts deliberation persistence.
// Implementations must be safe for concurrent use; writes are atomic per record.
type Store interface {
	// SaveSession creates or updates a session record.
	SaveSession(ctx context.Context, sess *council.Session) error

	// LoadSession retrieves a session by ID.
	// Returns ErrSessionNotFound if the session doesn't exist.
	LoadSession(ctx context.Context, sessionID string) (*council.Session, error)

	// ListSessions returns stored sessions matching the filter options.
	ListSessions(ctx context.Context, opts ListOptions) ([]*council.Session, error)

	// DeleteSession removes a session, its rounds, and its branch records.
	DeleteSession(ctx context.Context, sessionID string) error

	// SaveRound appends a fully assembled round. The round number must be
	// exactly one past the last stored round for the session, otherwise
	// ErrRoundConflict is returned.
	SaveRound(ctx context.Context, round *council.Round) error

	// LoadRounds retrieves all rounds for a session in round order.
	LoadRounds(ctx context.Context, sessionID string) ([]*council.Round, error)

	// SaveBranch records a fork relation.
	SaveBranch(ctx context.Context, rel *council.BranchRelation) error

	// ListBranches returns the branch relations whose parent is the given session.
	ListBranches(ctx context.Context, parentID string) ([]*council.BranchRelation, error)

	// Close releases any resources held by the store.
	Close() error
}

// ListOptions provides filtering for session listing.
type ListOptions struct {
	// State filters sessions by lifecycle state (empty = all).
	State council.State
	// Limit caps the number of results (0 = no cap).
	Limit int
	// Offset skips the first N results.
	Offset int
}
