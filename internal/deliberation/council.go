// Package deliberation runs council sessions: it owns the lifecycle state
// machine, executes rounds agent by agent, folds human injections into the
// shared context, and emits the canonical event stream the transports
// translate.
package deliberation

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/conclave-ai/conclave/council"
	"github.com/conclave-ai/conclave/internal/convergence"
	"github.com/conclave-ai/conclave/internal/llm/provider"
	"github.com/conclave-ai/conclave/internal/tools"
	pkgobs "github.com/conclave-ai/conclave/pkg/observability"
	"github.com/conclave-ai/conclave/pkg/store"
)

// Lifecycle and concurrency errors.
var (
	ErrInvalidTransition = errors.New("invalid state transition")
	ErrAlreadyRunning    = errors.New("deliberation loop already running")
	ErrRoundInProgress   = errors.New("round in progress, roster is frozen")
	ErrAttachBusy        = errors.New("another stream is already attached")
	ErrLastAgent         = errors.New("cannot remove the last agent")
)

// errStopped aborts the run loop without an error event when Stop wins the
// race against an in-flight model call.
var errStopped = errors.New("deliberation stopped")

// Config carries the collaborators a council needs.
type Config struct {
	Store    store.Store
	Invoker  provider.Invoker
	Detector convergence.Detector
	Tools    *tools.Registry

	// Threshold is the convergence score that ends the deliberation early.
	// Zero means convergence.DefaultThreshold.
	Threshold float64
	// Temperature and MaxTokens apply to every model call.
	Temperature float64
	MaxTokens   int
	// MaxToolIterations bounds the tool loop per contribution. Zero means
	// defaultMaxToolIterations.
	MaxToolIterations int
}

const (
	defaultMaxToolIterations = 5
	eventBufferSize          = 1024
)

// Council is the live actor for one session. All mutation goes through its
// methods; reads get snapshot copies. A single run loop advances rounds at a
// time, so events come out in a total order per session.
type Council struct {
	cfg Config

	mu      sync.Mutex
	sess    *council.Session
	history []*council.Round

	injection *council.HumanInjection

	events chan council.Event

	loopActive  bool
	roundActive bool
	pauseReq    bool
	stopReq     bool
	cancelRun   context.CancelFunc
}

// NewCouncil wraps a session record with its prior rounds into a live actor.
func NewCouncil(sess *council.Session, history []*council.Round, cfg Config) *Council {
	if cfg.Detector == nil {
		cfg.Detector = convergence.NewLexicalDetector()
	}
	if cfg.Threshold == 0 {
		cfg.Threshold = convergence.DefaultThreshold
	}
	if cfg.MaxToolIterations == 0 {
		cfg.MaxToolIterations = defaultMaxToolIterations
	}
	return &Council{
		cfg:     cfg,
		sess:    sess,
		history: append([]*council.Round(nil), history...),
	}
}

// ID returns the session id.
func (c *Council) ID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sess.ID
}

// Snapshot returns a deep copy of the current session record.
func (c *Council) Snapshot() *council.Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sess.Clone()
}

// Rounds returns copies of the completed rounds so far.
func (c *Council) Rounds() []*council.Round {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*council.Round, len(c.history))
	for i, r := range c.history {
		out[i] = r.Clone(r.SessionID)
	}
	return out
}

// Attach claims the session's event stream. Only one attachment may exist at
// a time; the returned detach function releases it. Events emitted while no
// attachment is draining are dropped.
func (c *Council) Attach() (<-chan council.Event, func(), error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.events != nil {
		return nil, nil, ErrAttachBusy
	}
	ch := make(chan council.Event, eventBufferSize)
	c.events = ch

	detach := func() {
		c.mu.Lock()
		if c.events == ch {
			c.events = nil
		}
		c.mu.Unlock()
	}
	return ch, detach, nil
}

// emit delivers an event to the current attachment, if any. A full buffer
// sheds the event rather than stalling the round executor. The check and the
// send happen under the lock: once Stop has set stopReq, no agent-scoped
// event from a still-draining model call can land after the terminal end.
func (c *Council) emit(ev council.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.stopReq && ev.AgentScoped() {
		return
	}
	pkgobs.RecordEvent(string(ev.Type))
	if c.events == nil {
		return
	}
	select {
	case c.events <- ev:
	default:
		log.Printf("session %s: event buffer full, dropping %s", ev.SessionID, ev.Type)
	}
}

// Pause requests suspension. While a round is executing the request takes
// effect at the round boundary, after exactly one more round_complete. With
// no round in flight the transition is immediate.
func (c *Council) Pause(ctx context.Context) error {
	c.mu.Lock()
	if c.sess.State != council.StateRunning {
		c.mu.Unlock()
		return fmt.Errorf("%w: pause from %s", ErrInvalidTransition, c.sess.State)
	}
	if c.loopActive {
		c.pauseReq = true
		c.mu.Unlock()
		return nil
	}
	c.sess.State = council.StatePaused
	sess := c.sess.Clone()
	c.mu.Unlock()

	if err := c.cfg.Store.SaveSession(ctx, sess); err != nil {
		return fmt.Errorf("persist pause: %w", err)
	}
	c.emit(council.NewEvent(council.EventPaused, sess.ID))
	return nil
}

// Resume moves a paused session back to running. It does not advance rounds
// by itself; the next RunRounds call does.
func (c *Council) Resume(ctx context.Context) error {
	c.mu.Lock()
	if c.sess.State != council.StatePaused {
		c.mu.Unlock()
		return fmt.Errorf("%w: resume from %s", ErrInvalidTransition, c.sess.State)
	}
	c.sess.State = council.StateRunning
	c.pauseReq = false
	sess := c.sess.Clone()
	c.mu.Unlock()

	if err := c.cfg.Store.SaveSession(ctx, sess); err != nil {
		return fmt.Errorf("persist resume: %w", err)
	}
	c.emit(council.NewEvent(council.EventResumed, sess.ID))
	return nil
}

// Stop terminates the deliberation immediately. An in-flight model call is
// cancelled and the truncated round is discarded without a round_complete.
func (c *Council) Stop(ctx context.Context) error {
	c.mu.Lock()
	state := c.sess.State
	if state != council.StateRunning && state != council.StatePaused {
		c.mu.Unlock()
		return fmt.Errorf("%w: stop from %s", ErrInvalidTransition, state)
	}
	c.stopReq = true
	if c.cancelRun != nil {
		c.cancelRun()
	}
	c.sess.State = council.StateComplete
	sess := c.sess.Clone()
	c.mu.Unlock()

	if err := c.cfg.Store.SaveSession(ctx, sess); err != nil {
		return fmt.Errorf("persist stop: %w", err)
	}
	pkgobs.SessionStopped()
	c.emit(council.NewEvent(council.EventStopped, sess.ID))
	c.emit(council.NewEvent(council.EventEnd, sess.ID))
	return nil
}

// ButtIn queues a human message for the next round. The slot holds one
// message; a newer one replaces an unconsumed older one.
func (c *Council) ButtIn(message string) error {
	c.mu.Lock()
	if c.sess.State.Terminal() {
		c.mu.Unlock()
		return fmt.Errorf("%w: butt-in on %s session", ErrInvalidTransition, council.StateComplete)
	}
	c.injection = &council.HumanInjection{
		Message:  message,
		QueuedAt: time.Now().UTC(),
	}
	id := c.sess.ID
	c.mu.Unlock()

	ev := council.NewEvent(council.EventButtInQueued, id)
	ev.Content = message
	c.emit(ev)
	return nil
}

// PendingInjection returns a copy of the queued injection, or nil.
func (c *Council) PendingInjection() *council.HumanInjection {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.injection == nil {
		return nil
	}
	inj := *c.injection
	return &inj
}

// AddAgent appends an agent to the roster. Allowed between rounds in any
// non-terminal state; rejected while a round is executing.
func (c *Council) AddAgent(ctx context.Context, agent council.Agent) error {
	c.mu.Lock()
	if c.sess.State.Terminal() {
		c.mu.Unlock()
		return fmt.Errorf("%w: roster change on complete session", ErrInvalidTransition)
	}
	if c.roundActive {
		c.mu.Unlock()
		return ErrRoundInProgress
	}
	if _, exists := c.sess.AgentByID(agent.ID); exists {
		c.mu.Unlock()
		return council.ErrDuplicateAgent
	}
	c.sess.Agents = append(c.sess.Agents, agent)
	sess := c.sess.Clone()
	c.mu.Unlock()

	if err := c.cfg.Store.SaveSession(ctx, sess); err != nil {
		return fmt.Errorf("persist roster change: %w", err)
	}
	return nil
}

// RemoveAgent removes an agent from the roster. The roster never goes empty.
func (c *Council) RemoveAgent(ctx context.Context, agentID string) error {
	c.mu.Lock()
	if c.sess.State.Terminal() {
		c.mu.Unlock()
		return fmt.Errorf("%w: roster change on complete session", ErrInvalidTransition)
	}
	if c.roundActive {
		c.mu.Unlock()
		return ErrRoundInProgress
	}
	idx := -1
	for i, a := range c.sess.Agents {
		if a.ID == agentID {
			idx = i
			break
		}
	}
	if idx == -1 {
		c.mu.Unlock()
		return fmt.Errorf("agent %q not in roster", agentID)
	}
	if len(c.sess.Agents) == 1 {
		c.mu.Unlock()
		return ErrLastAgent
	}
	c.sess.Agents = append(c.sess.Agents[:idx], c.sess.Agents[idx+1:]...)
	sess := c.sess.Clone()
	c.mu.Unlock()

	if err := c.cfg.Store.SaveSession(ctx, sess); err != nil {
		return fmt.Errorf("persist roster change: %w", err)
	}
	return nil
}
