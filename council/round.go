package council

import (
	"encoding/json"
	"time"
)

// ToolStatus is the lifecycle state of a single tool call.
type ToolStatus string

const (
	ToolStatusRunning  ToolStatus = "running"
	ToolStatusComplete ToolStatus = "complete"
	ToolStatusError    ToolStatus = "error"
)

// ToolCall records one tool invocation an agent issued while producing a
// contribution. Result is nil until the call finishes.
type ToolCall struct {
	Name   string          `json:"name"`
	Input  json.RawMessage `json:"input,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
	Status ToolStatus      `json:"status"`
}

// Contribution is one agent's output within a single round.
type Contribution struct {
	// AgentID identifies the roster entry that produced this contribution.
	AgentID string `json:"agentId"`
	// Content is the full text, accumulated from streamed fragments.
	Content string `json:"content"`
	// InputTokens and OutputTokens are the token counts reported by the model.
	InputTokens  int `json:"inputTokens"`
	OutputTokens int `json:"outputTokens"`
	// ToolCalls are the tool invocations issued while producing this
	// contribution, in issue order.
	ToolCalls []ToolCall `json:"toolCalls,omitempty"`
}

// Round is one complete pass through the roster. Rounds are immutable once
// recorded: a round is persisted only after every roster agent has contributed,
// otherwise it is discarded and not counted.
type Round struct {
	// SessionID is the owning session.
	SessionID string `json:"sessionId"`
	// Number is 1-based and strictly increasing within a session.
	Number int `json:"number"`
	// Contributions are in roster order at the time the round executed.
	Contributions []Contribution `json:"contributions"`
	// Injection is the human message that landed in this round, if any.
	Injection *HumanInjection `json:"injection,omitempty"`
	// ConvergenceScore is the agreement score computed over this round.
	ConvergenceScore float64 `json:"convergenceScore"`
	// CreatedAt is when the round finished assembling.
	CreatedAt time.Time `json:"createdAt"`
}

// Clone returns a structural deep copy of the round, optionally re-keyed to a
// different session. Forking never aliases: tool call payloads are copied too.
func (r *Round) Clone(sessionID string) *Round {
	clone := &Round{
		SessionID:        sessionID,
		Number:           r.Number,
		ConvergenceScore: r.ConvergenceScore,
		CreatedAt:        r.CreatedAt,
		Contributions:    make([]Contribution, len(r.Contributions)),
	}
	if r.Injection != nil {
		inj := *r.Injection
		if r.Injection.Round != nil {
			n := *r.Injection.Round
			inj.Round = &n
		}
		clone.Injection = &inj
	}
	for i, c := range r.Contributions {
		cc := c
		cc.ToolCalls = make([]ToolCall, len(c.ToolCalls))
		for j, tc := range c.ToolCalls {
			tc.Input = append(json.RawMessage(nil), tc.Input...)
			tc.Result = append(json.RawMessage(nil), tc.Result...)
			cc.ToolCalls[j] = tc
		}
		clone.Contributions[i] = cc
	}
	return clone
}

// HumanInjection is an out-of-band human message queued for the next round.
// A session holds at most one pending injection; a newer message overwrites an
// unconsumed older one.
type HumanInjection struct {
	// Message is the free-text content to fold into the shared context.
	Message string `json:"message"`
	// Round is the round number the injection landed in, nil while queued.
	Round *int `json:"round,omitempty"`
	// QueuedAt is when the message was submitted.
	QueuedAt time.Time `json:"queuedAt"`
}

// BranchRelation records a fork from a parent session into a child.
type BranchRelation struct {
	ParentID string `json:"parentId"`
	ChildID  string `json:"childId"`
	// ForkRound is the last parent round copied into the child.
	ForkRound int    `json:"forkRound"`
	Label     string `json:"label,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}
