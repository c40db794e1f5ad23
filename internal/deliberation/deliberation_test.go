package deliberation

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"testing"

	"github.com/conclave-ai/conclave/council"
	"github.com/conclave-ai/conclave/internal/convergence"
	"github.com/conclave-ai/conclave/internal/llm/provider"
	"github.com/conclave-ai/conclave/pkg/store"
)

// fakeInvoker scripts model responses per call index and records every
// request it saw.
type fakeInvoker struct {
	mu      sync.Mutex
	calls   []provider.Request
	respond func(ctx context.Context, call int, req provider.Request) (*provider.Result, error)
}

func (f *fakeInvoker) Name() string { return "fake" }

func (f *fakeInvoker) Invoke(ctx context.Context, req provider.Request) (*provider.Result, error) {
	f.mu.Lock()
	call := len(f.calls)
	f.calls = append(f.calls, req)
	respond := f.respond
	f.mu.Unlock()

	if respond == nil {
		return &provider.Result{
			Content:      fmt.Sprintf("position %d", call),
			InputTokens:  100,
			OutputTokens: 50,
		}, nil
	}
	return respond(ctx, call, req)
}

func (f *fakeInvoker) InvokeStream(ctx context.Context, req provider.Request) (provider.Stream, error) {
	result, err := f.Invoke(ctx, req)
	if err != nil {
		return nil, err
	}
	return newFakeStream(result), nil
}

func (f *fakeInvoker) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func (f *fakeInvoker) request(call int) provider.Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[call]
}

// fakeStream splits the scripted content into two token deltas before the
// terminal chunk, so streaming paths are actually exercised.
type fakeStream struct {
	chunks []*provider.Chunk
	pos    int
}

func newFakeStream(result *provider.Result) *fakeStream {
	var chunks []*provider.Chunk
	if content := result.Content; content != "" {
		if mid := len(content) / 2; mid > 0 {
			chunks = append(chunks, &provider.Chunk{Delta: content[:mid]})
			chunks = append(chunks, &provider.Chunk{Delta: content[mid:]})
		} else {
			chunks = append(chunks, &provider.Chunk{Delta: content})
		}
	}
	chunks = append(chunks, &provider.Chunk{Result: result})
	return &fakeStream{chunks: chunks}
}

func (s *fakeStream) Recv() (*provider.Chunk, error) {
	if s.pos >= len(s.chunks) {
		return nil, io.EOF
	}
	chunk := s.chunks[s.pos]
	s.pos++
	return chunk, nil
}

func (s *fakeStream) Close() error { return nil }

func twoAgents() []council.Agent {
	return []council.Agent{
		{ID: "a1", Name: "Ada", Persona: "argues from first principles"},
		{ID: "a2", Name: "Lin", Persona: "argues from precedent"},
	}
}

func newTestCouncil(t *testing.T, maxRounds int, detector convergence.Detector, invoker *fakeInvoker) (*Council, store.Store) {
	t.Helper()
	st := store.NewMemoryStore()
	t.Cleanup(func() { st.Close() })

	sess, err := council.NewSession("should we rewrite it", twoAgents(), maxRounds, "gpt-4o", false)
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}
	if err := st.SaveSession(context.Background(), sess); err != nil {
		t.Fatalf("SaveSession: %v", err)
	}

	c := NewCouncil(sess, nil, Config{
		Store:    st,
		Invoker:  invoker,
		Detector: detector,
	})
	return c, st
}

func drainEvents(ch <-chan council.Event) []council.Event {
	var events []council.Event
	for {
		select {
		case ev := <-ch:
			events = append(events, ev)
		default:
			return events
		}
	}
}

func countType(events []council.Event, t council.EventType) int {
	n := 0
	for _, ev := range events {
		if ev.Type == t {
			n++
		}
	}
	return n
}

func eventTypes(events []council.Event) []council.EventType {
	out := make([]council.EventType, len(events))
	for i, ev := range events {
		out[i] = ev.Type
	}
	return out
}

func TestRunToMaxRounds(t *testing.T) {
	invoker := &fakeInvoker{}
	c, st := newTestCouncil(t, 3, &convergence.FixedDetector{Value: 0.1}, invoker)
	ctx := context.Background()

	ch, detach, err := c.Attach()
	if err != nil {
		t.Fatalf("Attach: %v", err)
	}
	defer detach()

	if err := c.RunRounds(ctx, 0); err != nil {
		t.Fatalf("RunRounds: %v", err)
	}

	sess := c.Snapshot()
	if sess.State != council.StateComplete {
		t.Errorf("state = %s, want complete", sess.State)
	}
	if sess.CurrentRound != 3 {
		t.Errorf("current round = %d, want 3", sess.CurrentRound)
	}
	if sess.TotalCostUSD <= 0 {
		t.Error("cost should have accumulated")
	}
	if sess.ConvergenceScore == nil || *sess.ConvergenceScore != 0.1 {
		t.Errorf("convergence score = %v", sess.ConvergenceScore)
	}

	rounds, err := st.LoadRounds(ctx, sess.ID)
	if err != nil {
		t.Fatalf("LoadRounds: %v", err)
	}
	if len(rounds) != 3 {
		t.Fatalf("stored rounds = %d, want 3", len(rounds))
	}
	for i, round := range rounds {
		if round.Number != i+1 {
			t.Errorf("round %d has number %d", i, round.Number)
		}
		if len(round.Contributions) != 2 {
			t.Errorf("round %d contributions = %d, want 2", round.Number, len(round.Contributions))
		}
	}

	events := drainEvents(ch)
	if got := countType(events, council.EventRoundComplete); got != 3 {
		t.Errorf("round_complete events = %d, want 3", got)
	}
	if got := countType(events, council.EventConsensus); got != 0 {
		t.Errorf("consensus events = %d, want 0", got)
	}
	if countType(events, council.EventStart) != 1 || countType(events, council.EventEnd) != 1 {
		t.Errorf("start/end events malformed: %v", eventTypes(events))
	}
	if events[0].Type != council.EventStart {
		t.Errorf("first event = %s, want start", events[0].Type)
	}
	if events[len(events)-1].Type != council.EventEnd {
		t.Errorf("last event = %s, want end", events[len(events)-1].Type)
	}
	if countType(events, council.EventAgentToken) == 0 {
		t.Error("expected token deltas on the canonical stream")
	}

	// 3 rounds * 2 agents, one model call each.
	if invoker.callCount() != 6 {
		t.Fatalf("model calls = %d, want 6", invoker.callCount())
	}
	// The second speaker of round 1 must see the first speaker's text.
	second := invoker.request(1)
	found := false
	for _, m := range second.Messages {
		if m.Speaker == "Ada" && strings.Contains(m.Content, "position 0") {
			found = true
		}
	}
	if !found {
		t.Error("second agent did not see the first agent's same-round contribution")
	}
}

func TestConsensusEndsEarly(t *testing.T) {
	invoker := &fakeInvoker{}
	c, st := newTestCouncil(t, 5, &convergence.FixedDetector{Value: 0.95}, invoker)
	ctx := context.Background()

	ch, detach, _ := c.Attach()
	defer detach()

	if err := c.RunRounds(ctx, 0); err != nil {
		t.Fatalf("RunRounds: %v", err)
	}

	sess := c.Snapshot()
	if sess.State != council.StateComplete {
		t.Errorf("state = %s, want complete", sess.State)
	}
	if sess.CurrentRound != 1 {
		t.Errorf("current round = %d, want 1", sess.CurrentRound)
	}

	events := drainEvents(ch)
	if countType(events, council.EventConsensus) != 1 {
		t.Errorf("consensus events = %d, want 1: %v", countType(events, council.EventConsensus), eventTypes(events))
	}
	if countType(events, council.EventRoundComplete) != 1 {
		t.Errorf("round_complete events = %d, want 1", countType(events, council.EventRoundComplete))
	}

	rounds, _ := st.LoadRounds(ctx, sess.ID)
	if len(rounds) != 1 {
		t.Errorf("stored rounds = %d, want 1", len(rounds))
	}
}

func TestPauseHonoredAtRoundBoundary(t *testing.T) {
	var c *Council
	invoker := &fakeInvoker{}
	invoker.respond = func(ctx context.Context, call int, req provider.Request) (*provider.Result, error) {
		// First model call of round 2: pause lands mid-round.
		if call == 2 {
			if err := c.Pause(ctx); err != nil {
				t.Errorf("Pause: %v", err)
			}
		}
		return &provider.Result{Content: fmt.Sprintf("position %d", call), InputTokens: 10, OutputTokens: 5}, nil
	}
	c, st := newTestCouncil(t, 5, &convergence.FixedDetector{Value: 0.1}, invoker)
	ctx := context.Background()

	ch, detach, _ := c.Attach()
	defer detach()

	if err := c.RunRounds(ctx, 0); err != nil {
		t.Fatalf("RunRounds: %v", err)
	}

	sess := c.Snapshot()
	if sess.State != council.StatePaused {
		t.Fatalf("state = %s, want paused", sess.State)
	}
	if sess.CurrentRound != 2 {
		t.Errorf("current round = %d, want 2 (round in flight completes)", sess.CurrentRound)
	}

	events := drainEvents(ch)
	if got := countType(events, council.EventRoundComplete); got != 2 {
		t.Errorf("round_complete events = %d, want exactly 2", got)
	}
	if countType(events, council.EventPaused) != 1 {
		t.Errorf("paused events = %d, want 1", countType(events, council.EventPaused))
	}
	last := events[len(events)-1]
	if last.Type != council.EventPaused {
		t.Errorf("last event = %s, want paused", last.Type)
	}

	// Resume and run to the round ceiling.
	if err := c.Resume(ctx); err != nil {
		t.Fatalf("Resume: %v", err)
	}
	if err := c.RunRounds(ctx, 0); err != nil {
		t.Fatalf("RunRounds after resume: %v", err)
	}
	sess = c.Snapshot()
	if sess.State != council.StateComplete || sess.CurrentRound != 5 {
		t.Errorf("after resume: state=%s round=%d, want complete/5", sess.State, sess.CurrentRound)
	}

	rounds, _ := st.LoadRounds(ctx, sess.ID)
	if len(rounds) != 5 {
		t.Errorf("stored rounds = %d, want 5", len(rounds))
	}
}

func TestStopMidRoundDiscardsTruncatedRound(t *testing.T) {
	var c *Council
	invoker := &fakeInvoker{}
	invoker.respond = func(ctx context.Context, call int, req provider.Request) (*provider.Result, error) {
		if call == 2 {
			if err := c.Stop(context.Background()); err != nil {
				t.Errorf("Stop: %v", err)
			}
			<-ctx.Done()
			return nil, ctx.Err()
		}
		return &provider.Result{Content: fmt.Sprintf("position %d", call), InputTokens: 10, OutputTokens: 5}, nil
	}
	c, st := newTestCouncil(t, 5, &convergence.FixedDetector{Value: 0.1}, invoker)
	ctx := context.Background()

	ch, detach, _ := c.Attach()
	defer detach()

	if err := c.RunRounds(ctx, 0); err != nil {
		t.Fatalf("RunRounds: %v", err)
	}

	sess := c.Snapshot()
	if sess.State != council.StateComplete {
		t.Errorf("state = %s, want complete", sess.State)
	}
	if sess.CurrentRound != 1 {
		t.Errorf("current round = %d, want 1 (truncated round discarded)", sess.CurrentRound)
	}

	rounds, _ := st.LoadRounds(ctx, sess.ID)
	if len(rounds) != 1 {
		t.Errorf("stored rounds = %d, want 1", len(rounds))
	}

	events := drainEvents(ch)
	if got := countType(events, council.EventRoundComplete); got != 1 {
		t.Errorf("round_complete events = %d, want 1 (none for the truncated round)", got)
	}
	if countType(events, council.EventStopped) != 1 {
		t.Errorf("stopped events = %d, want 1", countType(events, council.EventStopped))
	}
	if countType(events, council.EventError) != 0 {
		t.Errorf("stop must not surface an error event: %v", eventTypes(events))
	}
}

func TestInvokerFailureAbandonsRound(t *testing.T) {
	failures := 1
	invoker := &fakeInvoker{}
	invoker.respond = func(ctx context.Context, call int, req provider.Request) (*provider.Result, error) {
		// Second speaker of round 1 fails once; the retry succeeds.
		if call == 1 && failures > 0 {
			failures--
			return nil, provider.NewInvokerError("fake", provider.ErrorCodeServerError, "upstream exploded", nil)
		}
		return &provider.Result{Content: fmt.Sprintf("position %d", call), InputTokens: 10, OutputTokens: 5}, nil
	}
	c, st := newTestCouncil(t, 2, &convergence.FixedDetector{Value: 0.1}, invoker)
	ctx := context.Background()

	ch, detach, _ := c.Attach()
	defer detach()

	err := c.RunRounds(ctx, 0)
	if err == nil {
		t.Fatal("expected error from failed round")
	}
	var ie *provider.InvokerError
	if !errors.As(err, &ie) {
		t.Errorf("error should preserve the invoker classification: %v", err)
	}

	sess := c.Snapshot()
	if sess.State != council.StateRunning {
		t.Errorf("state = %s, want running (failure does not kill the session)", sess.State)
	}
	if sess.CurrentRound != 0 {
		t.Errorf("current round = %d, want 0 (abandoned round not counted)", sess.CurrentRound)
	}
	if rounds, _ := st.LoadRounds(ctx, sess.ID); len(rounds) != 0 {
		t.Errorf("stored rounds = %d, want 0", len(rounds))
	}

	events := drainEvents(ch)
	if countType(events, council.EventError) != 1 {
		t.Errorf("error events = %d, want 1", countType(events, council.EventError))
	}
	if countType(events, council.EventRoundComplete) != 0 {
		t.Error("abandoned round must not emit round_complete")
	}

	// The retry re-executes round 1 from scratch.
	if err := c.RunRounds(ctx, 0); err != nil {
		t.Fatalf("retry RunRounds: %v", err)
	}
	sess = c.Snapshot()
	if sess.State != council.StateComplete || sess.CurrentRound != 2 {
		t.Errorf("after retry: state=%s round=%d, want complete/2", sess.State, sess.CurrentRound)
	}
}

func TestRunRoundsBounded(t *testing.T) {
	invoker := &fakeInvoker{}
	c, _ := newTestCouncil(t, 5, &convergence.FixedDetector{Value: 0.1}, invoker)
	ctx := context.Background()

	if err := c.RunRounds(ctx, 2); err != nil {
		t.Fatalf("RunRounds: %v", err)
	}
	sess := c.Snapshot()
	if sess.State != council.StateRunning {
		t.Errorf("state = %s, want running after a bounded run", sess.State)
	}
	if sess.CurrentRound != 2 {
		t.Errorf("current round = %d, want 2", sess.CurrentRound)
	}
}

func TestHumanInjectionConsumedOnce(t *testing.T) {
	invoker := &fakeInvoker{}
	c, st := newTestCouncil(t, 2, &convergence.FixedDetector{Value: 0.1}, invoker)
	ctx := context.Background()

	if err := c.ButtIn("consider the maintenance cost"); err != nil {
		t.Fatalf("ButtIn: %v", err)
	}
	// Last write wins while the slot is unconsumed.
	if err := c.ButtIn("actually, consider the migration cost"); err != nil {
		t.Fatalf("ButtIn: %v", err)
	}

	ch, detach, _ := c.Attach()
	defer detach()

	if err := c.RunRounds(ctx, 0); err != nil {
		t.Fatalf("RunRounds: %v", err)
	}

	events := drainEvents(ch)
	if got := countType(events, council.EventHumanInjected); got != 1 {
		t.Fatalf("human_message_injected events = %d, want 1", got)
	}
	for _, ev := range events {
		if ev.Type == council.EventHumanInjected {
			if ev.Round != 1 {
				t.Errorf("injection landed in round %d, want 1", ev.Round)
			}
			if ev.Content != "actually, consider the migration cost" {
				t.Errorf("injection content = %q, want the overriding message", ev.Content)
			}
		}
	}

	if c.PendingInjection() != nil {
		t.Error("slot should be empty after consumption")
	}

	rounds, _ := st.LoadRounds(ctx, c.ID())
	if rounds[0].Injection == nil || rounds[0].Injection.Message != "actually, consider the migration cost" {
		t.Errorf("round 1 injection record = %+v", rounds[0].Injection)
	}
	if rounds[1].Injection != nil {
		t.Error("round 2 must not re-consume the injection")
	}

	// Every model call from the injection onward sees the moderator message.
	for call := 0; call < invoker.callCount(); call++ {
		seen := false
		for _, m := range invoker.request(call).Messages {
			if m.Speaker == "Moderator" && strings.Contains(m.Content, "migration cost") {
				seen = true
			}
		}
		if !seen {
			t.Errorf("call %d did not see the injected message", call)
		}
	}
}

func TestInjectionRestoredWhenRoundFails(t *testing.T) {
	failures := 1
	invoker := &fakeInvoker{}
	invoker.respond = func(ctx context.Context, call int, req provider.Request) (*provider.Result, error) {
		if failures > 0 {
			failures--
			return nil, provider.NewInvokerError("fake", provider.ErrorCodeServerError, "boom", nil)
		}
		return &provider.Result{Content: "fine", InputTokens: 1, OutputTokens: 1}, nil
	}
	c, _ := newTestCouncil(t, 1, &convergence.FixedDetector{Value: 0.1}, invoker)
	ctx := context.Background()

	if err := c.ButtIn("do not forget the users"); err != nil {
		t.Fatalf("ButtIn: %v", err)
	}
	if err := c.RunRounds(ctx, 0); err == nil {
		t.Fatal("expected round failure")
	}

	inj := c.PendingInjection()
	if inj == nil || inj.Message != "do not forget the users" {
		t.Fatalf("injection should be restored after a discarded round, got %+v", inj)
	}

	ch, detach, _ := c.Attach()
	defer detach()
	if err := c.RunRounds(ctx, 0); err != nil {
		t.Fatalf("retry: %v", err)
	}
	events := drainEvents(ch)
	if countType(events, council.EventHumanInjected) != 1 {
		t.Error("restored injection should land in the retried round")
	}
}

// faultStore wraps a store and fails chosen SaveSession calls by sequence
// number.
type faultStore struct {
	store.Store
	mu       sync.Mutex
	saves    int
	failSave func(n int) bool
}

func (s *faultStore) SaveSession(ctx context.Context, sess *council.Session) error {
	s.mu.Lock()
	s.saves++
	n := s.saves
	s.mu.Unlock()
	if s.failSave != nil && s.failSave(n) {
		return errors.New("disk full")
	}
	return s.Store.SaveSession(ctx, sess)
}

func TestInjectionNotReplayedWhenSessionSaveFails(t *testing.T) {
	invoker := &fakeInvoker{}
	st := store.NewMemoryStore()
	t.Cleanup(func() { st.Close() })
	// Save 1 persists the running state; save 2 follows round 1.
	fs := &faultStore{Store: st, failSave: func(n int) bool { return n == 2 }}

	sess, err := council.NewSession("should we rewrite it", twoAgents(), 2, "gpt-4o", false)
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}
	if err := st.SaveSession(context.Background(), sess); err != nil {
		t.Fatalf("SaveSession: %v", err)
	}
	c := NewCouncil(sess, nil, Config{
		Store:    fs,
		Invoker:  invoker,
		Detector: &convergence.FixedDetector{Value: 0.1},
	})
	ctx := context.Background()

	if err := c.ButtIn("consider the maintenance cost"); err != nil {
		t.Fatalf("ButtIn: %v", err)
	}

	ch, detach, _ := c.Attach()
	defer detach()

	err = c.RunRounds(ctx, 0)
	if err == nil || !strings.Contains(err.Error(), "persist session after round 1") {
		t.Fatalf("RunRounds = %v, want the session-save failure", err)
	}

	// The round itself is durable, so the injection stays consumed.
	rounds, _ := st.LoadRounds(ctx, c.ID())
	if len(rounds) != 1 {
		t.Fatalf("stored rounds = %d, want 1", len(rounds))
	}
	if rounds[0].Injection == nil {
		t.Fatal("round 1 should carry the consumed injection")
	}
	if c.PendingInjection() != nil {
		t.Error("injection must not be re-queued once its round is persisted")
	}
	if sess := c.Snapshot(); sess.State != council.StateRunning || sess.CurrentRound != 1 {
		t.Errorf("state=%s round=%d, want running/1", sess.State, sess.CurrentRound)
	}

	events := drainEvents(ch)
	for _, ev := range events {
		if ev.Type == council.EventError && ev.Round != 0 {
			t.Errorf("session-save failure reported as round %d error", ev.Round)
		}
	}

	// The retry resumes at round 2; the message never lands a second time.
	if err := c.RunRounds(ctx, 0); err != nil {
		t.Fatalf("retry RunRounds: %v", err)
	}
	rounds, _ = st.LoadRounds(ctx, c.ID())
	if len(rounds) != 2 {
		t.Fatalf("stored rounds = %d, want 2", len(rounds))
	}
	if rounds[1].Injection != nil {
		t.Error("round 2 re-consumed the injection")
	}
	events = append(events, drainEvents(ch)...)
	if got := countType(events, council.EventHumanInjected); got != 1 {
		t.Errorf("human_message_injected events = %d, want exactly 1", got)
	}
}

func TestStopSuppressesTrailingAgentEvents(t *testing.T) {
	var c *Council
	invoker := &fakeInvoker{}
	invoker.respond = func(ctx context.Context, call int, req provider.Request) (*provider.Result, error) {
		// First model call of round 2: stop lands, but this provider keeps
		// streaming as if it never saw the cancellation.
		if call == 2 {
			if err := c.Stop(context.Background()); err != nil {
				t.Errorf("Stop: %v", err)
			}
			return &provider.Result{Content: "late words", InputTokens: 5, OutputTokens: 5}, nil
		}
		return &provider.Result{Content: fmt.Sprintf("position %d", call), InputTokens: 10, OutputTokens: 5}, nil
	}
	c, st := newTestCouncil(t, 5, &convergence.FixedDetector{Value: 0.1}, invoker)
	ctx := context.Background()

	ch, detach, _ := c.Attach()
	defer detach()

	if err := c.RunRounds(ctx, 0); err != nil {
		t.Fatalf("RunRounds: %v", err)
	}

	sess := c.Snapshot()
	if sess.State != council.StateComplete || sess.CurrentRound != 1 {
		t.Errorf("state=%s round=%d, want complete/1", sess.State, sess.CurrentRound)
	}
	if rounds, _ := st.LoadRounds(ctx, sess.ID); len(rounds) != 1 {
		t.Errorf("stored rounds = %d, want 1 (truncated round discarded)", len(rounds))
	}

	events := drainEvents(ch)
	endAt := -1
	for i, ev := range events {
		if ev.Type == council.EventEnd {
			endAt = i
		}
	}
	if endAt == -1 {
		t.Fatal("no end event")
	}
	for _, ev := range events[endAt+1:] {
		t.Errorf("event %s trails end", ev.Type)
	}
	for _, ev := range events {
		if ev.Type == council.EventAgentToken && strings.Contains(ev.Content, "late") {
			t.Error("token delta from the cancelled call reached the wire")
		}
	}
	if got := countType(events, council.EventRoundComplete); got != 1 {
		t.Errorf("round_complete events = %d, want 1", got)
	}
}

func TestAttachExclusive(t *testing.T) {
	c, _ := newTestCouncil(t, 1, nil, &fakeInvoker{})

	_, detach, err := c.Attach()
	if err != nil {
		t.Fatalf("Attach: %v", err)
	}
	if _, _, err := c.Attach(); !errors.Is(err, ErrAttachBusy) {
		t.Errorf("second Attach = %v, want ErrAttachBusy", err)
	}
	detach()
	_, detach2, err := c.Attach()
	if err != nil {
		t.Errorf("Attach after detach: %v", err)
	}
	detach2()
}

func TestRosterFrozenMidRound(t *testing.T) {
	var c *Council
	var midRoundErr error
	invoker := &fakeInvoker{}
	invoker.respond = func(ctx context.Context, call int, req provider.Request) (*provider.Result, error) {
		if call == 0 {
			midRoundErr = c.AddAgent(ctx, council.Agent{ID: "a3", Name: "Rex"})
		}
		return &provider.Result{Content: "x", InputTokens: 1, OutputTokens: 1}, nil
	}
	c, _ = newTestCouncil(t, 1, &convergence.FixedDetector{Value: 0.1}, invoker)

	if err := c.RunRounds(context.Background(), 0); err != nil {
		t.Fatalf("RunRounds: %v", err)
	}
	if !errors.Is(midRoundErr, ErrRoundInProgress) {
		t.Errorf("mid-round AddAgent = %v, want ErrRoundInProgress", midRoundErr)
	}
}

func TestRosterChangesBetweenRounds(t *testing.T) {
	invoker := &fakeInvoker{}
	c, _ := newTestCouncil(t, 3, &convergence.FixedDetector{Value: 0.1}, invoker)
	ctx := context.Background()

	if err := c.RunRounds(ctx, 1); err != nil {
		t.Fatalf("RunRounds: %v", err)
	}

	if err := c.AddAgent(ctx, council.Agent{ID: "a3", Name: "Rex", Persona: "contrarian"}); err != nil {
		t.Fatalf("AddAgent: %v", err)
	}
	if err := c.AddAgent(ctx, council.Agent{ID: "a3", Name: "Rex"}); !errors.Is(err, council.ErrDuplicateAgent) {
		t.Errorf("duplicate AddAgent = %v", err)
	}

	if err := c.RunRounds(ctx, 1); err != nil {
		t.Fatalf("RunRounds: %v", err)
	}
	rounds := c.Rounds()
	if len(rounds[1].Contributions) != 3 {
		t.Errorf("round 2 contributions = %d, want 3 after roster grows", len(rounds[1].Contributions))
	}

	if err := c.RemoveAgent(ctx, "a2"); err != nil {
		t.Fatalf("RemoveAgent: %v", err)
	}
	if err := c.RemoveAgent(ctx, "nope"); err == nil {
		t.Error("removing unknown agent should fail")
	}
	if err := c.RemoveAgent(ctx, "a1"); err != nil {
		t.Fatalf("RemoveAgent: %v", err)
	}
	if err := c.RemoveAgent(ctx, "a3"); !errors.Is(err, ErrLastAgent) {
		t.Errorf("removing last agent = %v, want ErrLastAgent", err)
	}
}

func TestInvalidTransitions(t *testing.T) {
	c, _ := newTestCouncil(t, 1, nil, &fakeInvoker{})
	ctx := context.Background()

	if err := c.Pause(ctx); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("pause from forming = %v", err)
	}
	if err := c.Resume(ctx); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("resume from forming = %v", err)
	}
	if err := c.Stop(ctx); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("stop from forming = %v", err)
	}

	if err := c.RunRounds(ctx, 0); err != nil {
		t.Fatalf("RunRounds: %v", err)
	}
	// Session ran to completion above.
	if err := c.RunRounds(ctx, 0); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("run on complete = %v", err)
	}
	if err := c.ButtIn("too late"); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("butt-in on complete = %v", err)
	}
	if err := c.Stop(ctx); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("stop on complete = %v", err)
	}
}
