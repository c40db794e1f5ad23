package deliberation

import (
	"context"
	"fmt"
	"log"
	"sync"

	"github.com/conclave-ai/conclave/council"
	"github.com/conclave-ai/conclave/internal/llm/provider"
	"github.com/conclave-ai/conclave/pkg/store"
)

// Manager keeps one live Council per session over a shared store. Sessions
// that only exist on disk are hydrated on first access.
type Manager struct {
	cfg Config

	mu       sync.Mutex
	councils map[string]*Council
}

// NewManager creates a manager. The config's Store and Invoker are required;
// the remaining collaborators fall back to defaults in NewCouncil.
func NewManager(cfg Config) *Manager {
	return &Manager{
		cfg:      cfg,
		councils: make(map[string]*Council),
	}
}

// CreateParams are the inputs for a new session.
type CreateParams struct {
	Topic     string
	Agents    []council.Agent
	MaxRounds int
	Model     string
	UseTools  bool
}

// Create validates and persists a new forming session. Requests for a model
// that has been shut down upstream are refused with ErrModelRetired so the
// caller can surface the retirement notice.
func (m *Manager) Create(ctx context.Context, params CreateParams) (*Council, error) {
	if err := provider.CheckModel(params.Model); err != nil {
		return nil, err
	}

	sess, err := council.NewSession(params.Topic, params.Agents, params.MaxRounds, params.Model, params.UseTools)
	if err != nil {
		return nil, err
	}
	if err := m.cfg.Store.SaveSession(ctx, sess); err != nil {
		return nil, fmt.Errorf("persist new session: %w", err)
	}
	log.Printf("session %s created: topic=%q agents=%d max_rounds=%d model=%s",
		sess.ID, sess.Topic, len(sess.Agents), sess.MaxRounds, sess.Model)

	c := NewCouncil(sess, nil, m.cfg)
	m.mu.Lock()
	m.councils[sess.ID] = c
	m.mu.Unlock()
	return c, nil
}

// Get returns the live council for a session, hydrating it from the store if
// it is not resident. Returns store.ErrSessionNotFound when the session does
// not exist anywhere.
func (m *Manager) Get(ctx context.Context, sessionID string) (*Council, error) {
	m.mu.Lock()
	if c, ok := m.councils[sessionID]; ok {
		m.mu.Unlock()
		return c, nil
	}
	m.mu.Unlock()

	sess, err := m.cfg.Store.LoadSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	history, err := m.cfg.Store.LoadRounds(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("load rounds for %s: %w", sessionID, err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	// Another goroutine may have hydrated it while we were reading.
	if c, ok := m.councils[sessionID]; ok {
		return c, nil
	}
	c := NewCouncil(sess, history, m.cfg)
	m.councils[sessionID] = c
	return c, nil
}

// Adopt registers an already-persisted session (such as a fork) as a live
// council and returns it.
func (m *Manager) Adopt(sess *council.Session, history []*council.Round) *Council {
	c := NewCouncil(sess, history, m.cfg)
	m.mu.Lock()
	m.councils[sess.ID] = c
	m.mu.Unlock()
	return c
}

// List returns stored sessions matching the options.
func (m *Manager) List(ctx context.Context, opts store.ListOptions) ([]*council.Session, error) {
	return m.cfg.Store.ListSessions(ctx, opts)
}

// Delete removes a session from the store and evicts its live council.
func (m *Manager) Delete(ctx context.Context, sessionID string) error {
	if err := m.cfg.Store.DeleteSession(ctx, sessionID); err != nil {
		return err
	}
	m.mu.Lock()
	delete(m.councils, sessionID)
	m.mu.Unlock()
	return nil
}

// Store exposes the backing store for collaborators such as the branch
// manager.
func (m *Manager) Store() store.Store { return m.cfg.Store }
