package council

import "time"

// EventType identifies a deliberation stream event.
type EventType string

// Event vocabulary shared by both transports. The round executor emits the
// full fine-grained stream; each transport translates it to its own wire
// granularity (the one-shot stream drops token deltas, the persistent
// connection forwards everything).
const (
	EventStart           EventType = "start"
	EventRoundStart      EventType = "round_start"
	EventAgentStart      EventType = "agent_start"
	EventAgentToken      EventType = "agent_token"
	EventAgentComplete   EventType = "agent_complete"
	EventAgentToolStart  EventType = "agent_tool_start"
	EventAgentToolDone   EventType = "agent_tool_complete"
	EventToolCall        EventType = "tool_call"
	EventHumanInjected   EventType = "human_message_injected"
	EventRoundComplete   EventType = "round_complete"
	EventPaused          EventType = "paused"
	EventResumed         EventType = "resumed"
	EventStopped         EventType = "stopped"
	EventConsensus       EventType = "consensus"
	EventEnd             EventType = "end"
	EventError           EventType = "error"
	EventConnected       EventType = "connected"
	EventButtInQueued    EventType = "butt_in_queued"
	EventPong            EventType = "pong"
	EventModelNotice     EventType = "model_notice"
)

// Event is the canonical stream event emitted by the round executor. One event
// type serves both transports so their semantics cannot drift.
type Event struct {
	Type      EventType `json:"type"`
	SessionID string    `json:"sessionId"`
	// Round is the 1-based round number the event belongs to, 0 for
	// session-scoped events.
	Round int `json:"round,omitempty"`
	// AgentID and AgentName identify the speaking agent for agent-scoped events.
	AgentID   string `json:"agentId,omitempty"`
	AgentName string `json:"agentName,omitempty"`
	// Content carries a token delta for agent_token, the full contribution for
	// agent_complete, the injected message for human_message_injected, or a
	// human-readable notice.
	Content string `json:"content,omitempty"`
	// ToolCall is set on tool events.
	ToolCall *ToolCall `json:"toolCall,omitempty"`
	// Score is the convergence score on round_complete and consensus events.
	Score *float64 `json:"score,omitempty"`
	// Err is the error message on error events.
	Err string `json:"error,omitempty"`
	// Timestamp is when the event was emitted.
	Timestamp time.Time `json:"timestamp"`
}

// NewEvent creates an event stamped with the current time.
func NewEvent(t EventType, sessionID string) Event {
	return Event{Type: t, SessionID: sessionID, Timestamp: time.Now().UTC()}
}

// AgentScoped reports whether the event carries per-agent ordering semantics.
func (e Event) AgentScoped() bool {
	switch e.Type {
	case EventAgentStart, EventAgentToken, EventAgentComplete, EventAgentToolStart, EventAgentToolDone, EventToolCall:
		return true
	}
	return false
}
