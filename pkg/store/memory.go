package store

import (
	"context"
	"sort"
	"sync"

	"github.com/conclave-ai/conclave/council"
)

// MemoryStore is an in-memory Store for tests and single-process deployments.
// All records are deep-copied on the way in and out, so callers can never
// mutate stored state by reference.
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]*council.Session
	rounds   map[string][]*council.Round
	branches map[string][]*council.BranchRelation
	closed   bool
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sessions: make(map[string]*council.Session),
		rounds:   make(map[string][]*council.Round),
		branches: make(map[string][]*council.BranchRelation),
	}
}

// SaveSession creates or updates a session record.
func (s *MemoryStore) SaveSession(ctx context.Context, sess *council.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStoreClosed
	}
	s.sessions[sess.ID] = sess.Clone()
	return nil
}

// LoadSession retrieves a session by ID.
func (s *MemoryStore) LoadSession(ctx context.Context, sessionID string) (*council.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrStoreClosed
	}
	sess, ok := s.sessions[sessionID]
	if !ok {
		return nil, ErrSessionNotFound
	}
	return sess.Clone(), nil
}

// ListSessions returns stored sessions matching the filter options,
// newest first.
func (s *MemoryStore) ListSessions(ctx context.Context, opts ListOptions) ([]*council.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrStoreClosed
	}

	result := make([]*council.Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		if opts.State != "" && sess.State != opts.State {
			continue
		}
		result = append(result, sess.Clone())
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.After(result[j].CreatedAt)
	})
	return paginate(result, opts), nil
}

// DeleteSession removes a session, its rounds, and its branch records.
func (s *MemoryStore) DeleteSession(ctx context.Context, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStoreClosed
	}
	delete(s.sessions, sessionID)
	delete(s.rounds, sessionID)
	delete(s.branches, sessionID)
	return nil
}

// SaveRound appends a fully assembled round.
func (s *MemoryStore) SaveRound(ctx context.Context, round *council.Round) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStoreClosed
	}
	existing := s.rounds[round.SessionID]
	if round.Number != len(existing)+1 {
		return ErrRoundConflict
	}
	s.rounds[round.SessionID] = append(existing, round.Clone(round.SessionID))
	return nil
}

// LoadRounds retrieves all rounds for a session in round order.
func (s *MemoryStore) LoadRounds(ctx context.Context, sessionID string) ([]*council.Round, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrStoreClosed
	}
	rounds := s.rounds[sessionID]
	result := make([]*council.Round, len(rounds))
	for i, r := range rounds {
		result[i] = r.Clone(sessionID)
	}
	return result, nil
}

// SaveBranch records a fork relation.
func (s *MemoryStore) SaveBranch(ctx context.Context, rel *council.BranchRelation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStoreClosed
	}
	copied := *rel
	s.branches[rel.ParentID] = append(s.branches[rel.ParentID], &copied)
	return nil
}

// ListBranches returns the branch relations whose parent is the given session.
func (s *MemoryStore) ListBranches(ctx context.Context, parentID string) ([]*council.BranchRelation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrStoreClosed
	}
	rels := s.branches[parentID]
	result := make([]*council.BranchRelation, len(rels))
	for i, rel := range rels {
		copied := *rel
		result[i] = &copied
	}
	return result, nil
}

// Close releases the store. Further operations return ErrStoreClosed.
func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func paginate(sessions []*council.Session, opts ListOptions) []*council.Session {
	if opts.Offset > 0 {
		if opts.Offset >= len(sessions) {
			return nil
		}
		sessions = sessions[opts.Offset:]
	}
	if opts.Limit > 0 && len(sessions) > opts.Limit {
		sessions = sessions[:opts.Limit]
	}
	return sessions
}
