// Package council defines the core records of a deliberation: the Session and
// its lifecycle states, the Rounds and Contributions the agents produce, tool
// calls, queued human injections, and branch relations between sessions.
//
// These are value records shared by the deliberation engine, the persistence
// backends, and the transports. They carry no behavior beyond validation and
// deep copying; all mutation happens inside the engine that owns the session.
package council

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// State is the lifecycle state of a Session.
type State string

const (
	// StateForming is the initial state: the session exists but deliberation
	// has not started. Agents and topic may still be adjusted freely.
	StateForming State = "forming"
	// StateRunning means the round executor is advancing (or ready to advance)
	// rounds for this session.
	StateRunning State = "running"
	// StatePaused means deliberation is suspended at a round boundary and can
	// be resumed.
	StatePaused State = "paused"
	// StateComplete is terminal: no further rounds may execute.
	StateComplete State = "complete"
)

// Valid reports whether s is one of the defined lifecycle states.
func (s State) Valid() bool {
	switch s {
	case StateForming, StateRunning, StatePaused, StateComplete:
		return true
	}
	return false
}

// Terminal reports whether the state admits no further transitions.
func (s State) Terminal() bool { return s == StateComplete }

// Agent is a roster entry: one participant in a deliberation.
type Agent struct {
	// ID uniquely identifies the agent within the session roster.
	ID string `json:"id"`
	// Name is the display name used when framing contributions for other agents.
	Name string `json:"name"`
	// Persona is the system-prompt fragment describing how this agent argues.
	Persona string `json:"persona,omitempty"`
}

// Session is the authoritative record of one deliberation.
type Session struct {
	// ID is the unique session identifier.
	ID string `json:"id"`
	// Topic is the question the council deliberates on.
	Topic string `json:"topic"`
	// Agents is the roster in speaking order. Mutable while running or paused,
	// never mid-round.
	Agents []Agent `json:"agents"`
	// State is the lifecycle state.
	State State `json:"state"`
	// CurrentRound is the number of fully completed rounds. Monotonic,
	// never exceeds MaxRounds.
	CurrentRound int `json:"currentRound"`
	// MaxRounds is the session-scoped round ceiling.
	MaxRounds int `json:"maxRounds"`
	// Model is the model identifier used for every agent invocation.
	Model string `json:"model"`
	// UseTools enables tool interleaving during contributions.
	UseTools bool `json:"useTools"`
	// TotalCostUSD accumulates the estimated spend across all model calls.
	TotalCostUSD float64 `json:"totalCostUsd"`
	// ConvergenceScore is the most recent agreement score, nil until the
	// detector has run at least once.
	ConvergenceScore *float64 `json:"convergenceScore,omitempty"`
	// ParentSessionID is set when this session was created by forking.
	ParentSessionID string `json:"parentSessionId,omitempty"`
	// CreatedAt is when the session was created.
	CreatedAt time.Time `json:"createdAt"`
}

// Common validation errors.
var (
	ErrEmptyTopic    = errors.New("session topic is empty")
	ErrNoAgents      = errors.New("session has no agents")
	ErrBadMaxRounds  = errors.New("max rounds must be positive")
	ErrDuplicateAgent = errors.New("duplicate agent id in roster")
)

// NewSession creates a forming session with a fresh ID.
func NewSession(topic string, agents []Agent, maxRounds int, model string, useTools bool) (*Session, error) {
	s := &Session{
		ID:        uuid.New().String(),
		Topic:     topic,
		Agents:    append([]Agent(nil), agents...),
		State:     StateForming,
		MaxRounds: maxRounds,
		Model:     model,
		UseTools:  useTools,
		CreatedAt: time.Now().UTC(),
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return s, nil
}

// Validate checks the structural invariants of the session record.
func (s *Session) Validate() error {
	if s.Topic == "" {
		return ErrEmptyTopic
	}
	if len(s.Agents) == 0 {
		return ErrNoAgents
	}
	if s.MaxRounds <= 0 {
		return ErrBadMaxRounds
	}
	seen := make(map[string]bool, len(s.Agents))
	for _, a := range s.Agents {
		if a.ID == "" {
			return fmt.Errorf("agent %q has empty id", a.Name)
		}
		if seen[a.ID] {
			return ErrDuplicateAgent
		}
		seen[a.ID] = true
	}
	if s.CurrentRound > s.MaxRounds {
		return fmt.Errorf("current round %d exceeds max rounds %d", s.CurrentRound, s.MaxRounds)
	}
	return nil
}

// AgentByID returns the roster entry with the given id.
func (s *Session) AgentByID(id string) (Agent, bool) {
	for _, a := range s.Agents {
		if a.ID == id {
			return a, true
		}
	}
	return Agent{}, false
}

// Clone returns a deep copy of the session record.
func (s *Session) Clone() *Session {
	clone := *s
	clone.Agents = append([]Agent(nil), s.Agents...)
	if s.ConvergenceScore != nil {
		score := *s.ConvergenceScore
		clone.ConvergenceScore = &score
	}
	return &clone
}
