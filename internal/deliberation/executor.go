package deliberation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/conclave-ai/conclave/council"
	"github.com/conclave-ai/conclave/internal/llm/provider"
	"github.com/conclave-ai/conclave/internal/observability"
	pkgobs "github.com/conclave-ai/conclave/pkg/observability"
)

// RunRounds drives the deliberation forward by up to n rounds, blocking the
// caller. n <= 0 means run until max_rounds or consensus. The loop yields at
// the round boundary on a pause request, stops silently when the context is
// cancelled, and returns the round's error when an agent invocation fails
// (the session stays running so the caller may retry).
func (c *Council) RunRounds(ctx context.Context, n int) error {
	c.mu.Lock()
	if c.loopActive {
		c.mu.Unlock()
		return ErrAlreadyRunning
	}
	var started, resumed bool
	prior := c.sess.State
	switch c.sess.State {
	case council.StateForming:
		c.sess.State = council.StateRunning
		started = true
	case council.StatePaused:
		c.sess.State = council.StateRunning
		c.pauseReq = false
		resumed = true
	case council.StateRunning:
	default:
		c.mu.Unlock()
		return fmt.Errorf("%w: run from %s", ErrInvalidTransition, c.sess.State)
	}
	c.loopActive = true
	runCtx, cancel := context.WithCancel(ctx)
	c.cancelRun = cancel
	sess := c.sess.Clone()
	c.mu.Unlock()

	defer func() {
		cancel()
		c.mu.Lock()
		c.loopActive = false
		c.cancelRun = nil
		c.mu.Unlock()
	}()

	if started || resumed {
		if err := c.cfg.Store.SaveSession(ctx, sess); err != nil {
			c.mu.Lock()
			c.sess.State = prior
			c.mu.Unlock()
			return fmt.Errorf("persist session start: %w", err)
		}
	}
	if started {
		pkgobs.SessionStarted()
		ev := council.NewEvent(council.EventStart, sess.ID)
		ev.Content = sess.Topic
		c.emit(ev)
	}
	if resumed {
		c.emit(council.NewEvent(council.EventResumed, sess.ID))
	}

	executed := 0
	for {
		c.mu.Lock()
		state := c.sess.State
		stopReq := c.stopReq
		remaining := c.sess.MaxRounds - c.sess.CurrentRound
		c.mu.Unlock()

		if stopReq || state != council.StateRunning {
			return nil
		}
		if remaining <= 0 {
			return c.finish(ctx)
		}
		if n > 0 && executed >= n {
			return nil
		}
		if runCtx.Err() != nil {
			return nil
		}

		if err := c.runRound(runCtx); err != nil {
			if errors.Is(err, errStopped) {
				return nil
			}
			return err
		}
		executed++

		c.mu.Lock()
		done := c.sess.State.Terminal()
		pause := c.pauseReq
		if pause && !done {
			c.sess.State = council.StatePaused
			c.pauseReq = false
		}
		sess = c.sess.Clone()
		c.mu.Unlock()

		if done {
			return nil
		}
		if pause {
			if err := c.cfg.Store.SaveSession(ctx, sess); err != nil {
				return fmt.Errorf("persist pause: %w", err)
			}
			c.emit(council.NewEvent(council.EventPaused, sess.ID))
			return nil
		}
	}
}

// runRound executes one full pass through the roster. The round is persisted
// only after every agent has contributed; any failure discards it.
func (c *Council) runRound(ctx context.Context) error {
	c.mu.Lock()
	c.roundActive = true
	sess := c.sess.Clone()
	inj := c.injection
	c.injection = nil
	history := append([]*council.Round(nil), c.history...)
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		c.roundActive = false
		c.mu.Unlock()
	}()

	num := sess.CurrentRound + 1
	start := time.Now()
	ctx, span := observability.StartSpan(ctx, "deliberation.round",
		trace.WithAttributes(
			attribute.String("session.id", sess.ID),
			attribute.Int("round.number", num),
			attribute.Int("roster.size", len(sess.Agents)),
		),
	)
	defer span.End()

	// A discarded round must not swallow the human message. Restore it unless
	// a newer one arrived meanwhile.
	restore := func() {
		if inj == nil {
			return
		}
		inj.Round = nil
		c.mu.Lock()
		if c.injection == nil {
			c.injection = inj
		}
		c.mu.Unlock()
	}
	fail := func(agent *council.Agent, err error) error {
		restore()
		span.RecordError(err)
		pkgobs.RecordRound("error", time.Since(start))
		if c.stopping() || ctx.Err() != nil {
			return errStopped
		}
		ev := council.NewEvent(council.EventError, sess.ID)
		ev.Round = num
		if agent != nil {
			ev.AgentID = agent.ID
			ev.AgentName = agent.Name
		}
		ev.Err = err.Error()
		c.emit(ev)
		return err
	}

	ev := council.NewEvent(council.EventRoundStart, sess.ID)
	ev.Round = num
	c.emit(ev)

	conversation := c.baseConversation(sess, history)
	if inj != nil {
		landed := num
		inj.Round = &landed
		conversation = append(conversation, injectionMessage(inj.Message))

		ev := council.NewEvent(council.EventHumanInjected, sess.ID)
		ev.Round = num
		ev.Content = inj.Message
		c.emit(ev)
	}

	contributions := make([]council.Contribution, 0, len(sess.Agents))
	var roundCost float64
	for i := range sess.Agents {
		// A stop may land while a model call that ignores cancellation keeps
		// streaming; the truncated round is discarded either way.
		if c.stopping() || ctx.Err() != nil {
			return fail(nil, errStopped)
		}
		agent := sess.Agents[i]

		ev := council.NewEvent(council.EventAgentStart, sess.ID)
		ev.Round = num
		ev.AgentID = agent.ID
		ev.AgentName = agent.Name
		c.emit(ev)

		contrib, err := c.runAgent(ctx, sess, agent, conversation, num)
		if err != nil {
			return fail(&agent, err)
		}
		contributions = append(contributions, *contrib)
		roundCost += provider.EstimateCost(sess.Model, contrib.InputTokens, contrib.OutputTokens)
		conversation = append(conversation, provider.Message{
			Role:    "assistant",
			Speaker: agent.Name,
			Content: contrib.Content,
		})

		done := council.NewEvent(council.EventAgentComplete, sess.ID)
		done.Round = num
		done.AgentID = agent.ID
		done.AgentName = agent.Name
		done.Content = contrib.Content
		c.emit(done)
	}

	contents := make([]string, len(contributions))
	for i, contrib := range contributions {
		contents[i] = contrib.Content
	}
	score := c.cfg.Detector.Score(contents)

	if c.stopping() || ctx.Err() != nil {
		return fail(nil, errStopped)
	}

	round := &council.Round{
		SessionID:        sess.ID,
		Number:           num,
		Contributions:    contributions,
		Injection:        inj,
		ConvergenceScore: score,
		CreatedAt:        time.Now().UTC(),
	}
	if err := c.cfg.Store.SaveRound(ctx, round); err != nil {
		return fail(nil, fmt.Errorf("persist round %d: %w", num, err))
	}

	c.mu.Lock()
	c.sess.CurrentRound = num
	c.sess.ConvergenceScore = &score
	c.sess.TotalCostUSD += roundCost
	c.history = append(c.history, round)
	updated := c.sess.Clone()
	c.mu.Unlock()

	if err := c.cfg.Store.SaveSession(ctx, updated); err != nil {
		// The round is already durable and the injection consumed with it;
		// rewinding either would replay the human message into a second round.
		err = fmt.Errorf("persist session after round %d: %w", num, err)
		span.RecordError(err)
		if c.stopping() || ctx.Err() != nil {
			return errStopped
		}
		ev := council.NewEvent(council.EventError, sess.ID)
		ev.Err = err.Error()
		c.emit(ev)
		return err
	}

	pkgobs.RecordRound("complete", time.Since(start))
	span.SetAttributes(attribute.Float64("round.convergence_score", score))

	complete := council.NewEvent(council.EventRoundComplete, sess.ID)
	complete.Round = num
	complete.Score = &score
	c.emit(complete)

	if score >= c.cfg.Threshold {
		consensus := council.NewEvent(council.EventConsensus, updated.ID)
		consensus.Round = num
		consensus.Score = &score
		c.emit(consensus)
		return c.finish(ctx)
	}
	if num >= updated.MaxRounds {
		return c.finish(ctx)
	}
	return nil
}

// finish moves the session to its terminal state and emits end.
func (c *Council) finish(ctx context.Context) error {
	c.mu.Lock()
	if c.sess.State.Terminal() {
		c.mu.Unlock()
		return nil
	}
	c.sess.State = council.StateComplete
	sess := c.sess.Clone()
	c.mu.Unlock()

	if err := c.cfg.Store.SaveSession(ctx, sess); err != nil {
		return fmt.Errorf("persist completion: %w", err)
	}
	pkgobs.SessionStopped()
	c.emit(council.NewEvent(council.EventEnd, sess.ID))
	return nil
}

func (c *Council) stopping() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stopReq
}

// runAgent produces one contribution, streaming tokens as they arrive and
// interleaving tool calls when the session allows them.
func (c *Council) runAgent(ctx context.Context, sess *council.Session, agent council.Agent, conversation []provider.Message, num int) (*council.Contribution, error) {
	messages := make([]provider.Message, 0, len(conversation)+1)
	messages = append(messages, provider.Message{Role: "system", Content: systemPrompt(sess, agent)})
	messages = append(messages, conversation...)

	var toolSpecs []provider.ToolSpec
	if sess.UseTools && c.cfg.Tools != nil {
		toolSpecs = c.cfg.Tools.Specs()
	}

	contrib := &council.Contribution{AgentID: agent.ID}
	for iteration := 0; ; iteration++ {
		result, err := c.streamOnce(ctx, provider.Request{
			Model:       sess.Model,
			Messages:    messages,
			Tools:       toolSpecs,
			Temperature: c.cfg.Temperature,
			MaxTokens:   c.cfg.MaxTokens,
		}, sess.ID, num, agent)
		if err != nil {
			return nil, fmt.Errorf("agent %s: %w", agent.ID, err)
		}

		contrib.InputTokens += result.InputTokens
		contrib.OutputTokens += result.OutputTokens
		if result.Content != "" {
			if contrib.Content != "" {
				contrib.Content += "\n"
			}
			contrib.Content += result.Content
		}

		if len(result.ToolCalls) == 0 || len(toolSpecs) == 0 || iteration >= c.cfg.MaxToolIterations {
			return contrib, nil
		}

		messages = append(messages, provider.Message{
			Role:      "assistant",
			Speaker:   agent.Name,
			Content:   result.Content,
			ToolCalls: result.ToolCalls,
		})
		for _, call := range result.ToolCalls {
			output := c.executeTool(ctx, sess.ID, num, agent, call, contrib)
			messages = append(messages, provider.Message{
				Role:       "tool",
				ToolCallID: toolCallRef(call),
				Content:    output,
			})
		}
	}
}

// executeTool runs one tool call, records it on the contribution, and returns
// the text to feed back to the model. Tool failures do not fail the round;
// the error is surfaced to the model instead.
func (c *Council) executeTool(ctx context.Context, sessionID string, num int, agent council.Agent, call provider.ToolInvocation, contrib *council.Contribution) string {
	tc := council.ToolCall{
		Name:   call.Name,
		Input:  append(json.RawMessage(nil), call.Arguments...),
		Status: council.ToolStatusRunning,
	}

	startEv := council.NewEvent(council.EventAgentToolStart, sessionID)
	startEv.Round = num
	startEv.AgentID = agent.ID
	startEv.AgentName = agent.Name
	running := tc
	startEv.ToolCall = &running
	c.emit(startEv)

	result, err := c.cfg.Tools.Call(ctx, call.Name, call.Arguments)
	pkgobs.RecordToolCall(call.Name, err)

	var output string
	if err != nil {
		tc.Status = council.ToolStatusError
		tc.Result, _ = json.Marshal(map[string]string{"error": err.Error()})
		output = fmt.Sprintf("tool error: %v", err)
	} else {
		tc.Status = council.ToolStatusComplete
		tc.Result = result
		output = string(result)
	}
	contrib.ToolCalls = append(contrib.ToolCalls, tc)

	doneEv := council.NewEvent(council.EventAgentToolDone, sessionID)
	doneEv.Round = num
	doneEv.AgentID = agent.ID
	doneEv.AgentName = agent.Name
	finished := tc
	doneEv.ToolCall = &finished
	c.emit(doneEv)

	return output
}

// streamOnce performs one streaming model call, emitting a token event per
// delta and returning the assembled result.
func (c *Council) streamOnce(ctx context.Context, req provider.Request, sessionID string, num int, agent council.Agent) (*provider.Result, error) {
	stream, err := c.cfg.Invoker.InvokeStream(ctx, req)
	if err != nil {
		return nil, err
	}
	defer stream.Close()

	for {
		chunk, err := stream.Recv()
		if err != nil {
			return nil, err
		}
		if chunk.Result != nil {
			return chunk.Result, nil
		}
		if chunk.Delta == "" {
			continue
		}
		ev := council.NewEvent(council.EventAgentToken, sessionID)
		ev.Round = num
		ev.AgentID = agent.ID
		ev.AgentName = agent.Name
		ev.Content = chunk.Delta
		c.emit(ev)
	}
}

// baseConversation replays the deliberation so far as a shared transcript.
func (c *Council) baseConversation(sess *council.Session, history []*council.Round) []provider.Message {
	var messages []provider.Message
	for _, round := range history {
		if round.Injection != nil {
			messages = append(messages, injectionMessage(round.Injection.Message))
		}
		for _, contrib := range round.Contributions {
			name := contrib.AgentID
			if agent, ok := sess.AgentByID(contrib.AgentID); ok {
				name = agent.Name
			}
			messages = append(messages, provider.Message{
				Role:    "assistant",
				Speaker: name,
				Content: contrib.Content,
			})
		}
	}
	return messages
}

func injectionMessage(text string) provider.Message {
	return provider.Message{Role: "user", Speaker: "Moderator", Content: text}
}

// toolCallRef picks the identifier a tool result message answers to. OpenAI
// assigns call ids; Gemini matches on the function name.
func toolCallRef(call provider.ToolInvocation) string {
	if call.ID != "" {
		return call.ID
	}
	return call.Name
}

func systemPrompt(sess *council.Session, agent council.Agent) string {
	var b strings.Builder
	fmt.Fprintf(&b, "You are %s, one of %d members of a council deliberating on this topic:\n%s\n\n",
		agent.Name, len(sess.Agents), sess.Topic)
	if agent.Persona != "" {
		fmt.Fprintf(&b, "Your perspective: %s\n\n", agent.Persona)
	}
	b.WriteString("Read the deliberation so far, then give your own contribution. " +
		"Engage with the other members' arguments, concede points when they are right, " +
		"and work toward a position the council can share.")
	if sess.UseTools {
		b.WriteString(" Call the available tools when they help ground your argument in facts.")
	}
	return b.String()
}
