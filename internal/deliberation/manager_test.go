package deliberation

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/conclave-ai/conclave/council"
	"github.com/conclave-ai/conclave/internal/convergence"
	"github.com/conclave-ai/conclave/internal/llm/provider"
	"github.com/conclave-ai/conclave/internal/tools"
	"github.com/conclave-ai/conclave/pkg/store"
)

func newTestManager(st store.Store, invoker provider.Invoker) *Manager {
	return NewManager(Config{
		Store:    st,
		Invoker:  invoker,
		Detector: &convergence.FixedDetector{Value: 0.1},
	})
}

func TestManagerCreate(t *testing.T) {
	st := store.NewMemoryStore()
	defer st.Close()
	m := newTestManager(st, &fakeInvoker{})
	ctx := context.Background()

	c, err := m.Create(ctx, CreateParams{
		Topic:     "monolith or services",
		Agents:    twoAgents(),
		MaxRounds: 3,
		Model:     "gpt-4o",
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	sess := c.Snapshot()
	if sess.State != council.StateForming {
		t.Errorf("state = %s, want forming", sess.State)
	}
	if stored, err := st.LoadSession(ctx, sess.ID); err != nil || stored.Topic != "monolith or services" {
		t.Errorf("session not persisted: %v %+v", err, stored)
	}

	// Validation failures surface the domain sentinels.
	if _, err := m.Create(ctx, CreateParams{Topic: "", Agents: twoAgents(), MaxRounds: 3, Model: "gpt-4o"}); !errors.Is(err, council.ErrEmptyTopic) {
		t.Errorf("empty topic = %v", err)
	}
	if _, err := m.Create(ctx, CreateParams{Topic: "t", MaxRounds: 3, Model: "gpt-4o"}); !errors.Is(err, council.ErrNoAgents) {
		t.Errorf("no agents = %v", err)
	}
}

func TestManagerRefusesRetiredModel(t *testing.T) {
	st := store.NewMemoryStore()
	defer st.Close()
	m := newTestManager(st, &fakeInvoker{})

	_, err := m.Create(context.Background(), CreateParams{
		Topic:     "anything",
		Agents:    twoAgents(),
		MaxRounds: 1,
		Model:     "gpt-3.5-turbo",
	})
	if !errors.Is(err, provider.ErrModelRetired) {
		t.Fatalf("err = %v, want ErrModelRetired", err)
	}
	if !strings.Contains(err.Error(), "gpt-4o-mini") {
		t.Errorf("retirement error should carry the replacement notice: %v", err)
	}

	sessions, _ := st.ListSessions(context.Background(), store.ListOptions{})
	if len(sessions) != 0 {
		t.Error("refused session must not be persisted")
	}
}

func TestManagerGetHydratesFromStore(t *testing.T) {
	st := store.NewMemoryStore()
	defer st.Close()
	ctx := context.Background()

	first := newTestManager(st, &fakeInvoker{})
	c, err := first.Create(ctx, CreateParams{Topic: "t", Agents: twoAgents(), MaxRounds: 2, Model: "gpt-4o"})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := c.RunRounds(ctx, 1); err != nil {
		t.Fatalf("RunRounds: %v", err)
	}
	id := c.ID()

	// A fresh manager over the same store sees the session and its history.
	second := newTestManager(st, &fakeInvoker{})
	hydrated, err := second.Get(ctx, id)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if hydrated.Snapshot().CurrentRound != 1 {
		t.Errorf("hydrated round = %d, want 1", hydrated.Snapshot().CurrentRound)
	}
	if len(hydrated.Rounds()) != 1 {
		t.Errorf("hydrated history = %d rounds, want 1", len(hydrated.Rounds()))
	}
	// History replays into the context of the next round.
	if err := hydrated.RunRounds(ctx, 1); err != nil {
		t.Fatalf("RunRounds on hydrated council: %v", err)
	}
	if hydrated.Snapshot().CurrentRound != 2 {
		t.Errorf("round after hydrated run = %d, want 2", hydrated.Snapshot().CurrentRound)
	}

	if _, err := second.Get(ctx, "no-such-session"); !errors.Is(err, store.ErrSessionNotFound) {
		t.Errorf("unknown session = %v", err)
	}
}

func TestManagerDelete(t *testing.T) {
	st := store.NewMemoryStore()
	defer st.Close()
	m := newTestManager(st, &fakeInvoker{})
	ctx := context.Background()

	c, err := m.Create(ctx, CreateParams{Topic: "t", Agents: twoAgents(), MaxRounds: 1, Model: "gpt-4o"})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := m.Delete(ctx, c.ID()); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := m.Get(ctx, c.ID()); !errors.Is(err, store.ErrSessionNotFound) {
		t.Errorf("Get after delete = %v", err)
	}
}

func TestToolLoop(t *testing.T) {
	st := store.NewMemoryStore()
	defer st.Close()
	ctx := context.Background()

	invoker := &fakeInvoker{}
	invoker.respond = func(ctx context.Context, call int, req provider.Request) (*provider.Result, error) {
		// The first speaker asks for the calculator once, then concludes.
		if call == 0 {
			return &provider.Result{
				ToolCalls: []provider.ToolInvocation{{
					ID:        "call_1",
					Name:      "calculator",
					Arguments: json.RawMessage(`{"expression":"6*7"}`),
				}},
				InputTokens:  20,
				OutputTokens: 10,
				FinishReason: "tool_calls",
			}, nil
		}
		return &provider.Result{Content: "the answer is 42", InputTokens: 10, OutputTokens: 5}, nil
	}

	sess, err := council.NewSession("how many", twoAgents(), 1, "gpt-4o", true)
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}
	if err := st.SaveSession(ctx, sess); err != nil {
		t.Fatalf("SaveSession: %v", err)
	}
	c := NewCouncil(sess, nil, Config{
		Store:    st,
		Invoker:  invoker,
		Detector: &convergence.FixedDetector{Value: 0.1},
		Tools:    tools.NewDefaultRegistry(),
	})

	ch, detach, _ := c.Attach()
	defer detach()

	if err := c.RunRounds(ctx, 0); err != nil {
		t.Fatalf("RunRounds: %v", err)
	}

	rounds := c.Rounds()
	contrib := rounds[0].Contributions[0]
	if len(contrib.ToolCalls) != 1 {
		t.Fatalf("tool calls = %d, want 1", len(contrib.ToolCalls))
	}
	tc := contrib.ToolCalls[0]
	if tc.Name != "calculator" || tc.Status != council.ToolStatusComplete {
		t.Errorf("tool call = %+v", tc)
	}
	if !strings.Contains(string(tc.Result), "42") {
		t.Errorf("tool result = %s", tc.Result)
	}
	if contrib.Content != "the answer is 42" {
		t.Errorf("content = %q", contrib.Content)
	}
	// Token usage spans both iterations of the loop.
	if contrib.InputTokens != 30 || contrib.OutputTokens != 15 {
		t.Errorf("tokens = %d/%d, want 30/15", contrib.InputTokens, contrib.OutputTokens)
	}

	events := drainEvents(ch)
	if countType(events, council.EventAgentToolStart) != 1 || countType(events, council.EventAgentToolDone) != 1 {
		t.Errorf("tool events missing: %v", eventTypes(events))
	}

	// The follow-up request carried the tool result back to the model.
	followUp := invoker.request(1)
	var sawToolResult bool
	for _, m := range followUp.Messages {
		if m.Role == "tool" && m.ToolCallID == "call_1" && strings.Contains(m.Content, "42") {
			sawToolResult = true
		}
	}
	if !sawToolResult {
		t.Error("tool result was not fed back to the model")
	}
	if len(followUp.Tools) == 0 {
		t.Error("tool specs should accompany every call of a tools session")
	}
}

func TestToolFailureFeedsErrorToModel(t *testing.T) {
	st := store.NewMemoryStore()
	defer st.Close()
	ctx := context.Background()

	invoker := &fakeInvoker{}
	invoker.respond = func(ctx context.Context, call int, req provider.Request) (*provider.Result, error) {
		if call == 0 {
			return &provider.Result{
				ToolCalls: []provider.ToolInvocation{{
					ID:        "call_1",
					Name:      "calculator",
					Arguments: json.RawMessage(`{"expression":"1/0"}`),
				}},
			}, nil
		}
		return &provider.Result{Content: "that does not divide"}, nil
	}

	sess, _ := council.NewSession("divide", twoAgents(), 1, "gpt-4o", true)
	if err := st.SaveSession(ctx, sess); err != nil {
		t.Fatalf("SaveSession: %v", err)
	}
	c := NewCouncil(sess, nil, Config{
		Store:    st,
		Invoker:  invoker,
		Detector: &convergence.FixedDetector{Value: 0.1},
		Tools:    tools.NewDefaultRegistry(),
	})

	if err := c.RunRounds(ctx, 0); err != nil {
		t.Fatalf("tool failure must not abandon the round: %v", err)
	}

	tc := c.Rounds()[0].Contributions[0].ToolCalls[0]
	if tc.Status != council.ToolStatusError {
		t.Errorf("status = %s, want error", tc.Status)
	}
	followUp := invoker.request(1)
	var sawError bool
	for _, m := range followUp.Messages {
		if m.Role == "tool" && strings.Contains(m.Content, "tool error") {
			sawError = true
		}
	}
	if !sawError {
		t.Error("tool error was not surfaced to the model")
	}
}
