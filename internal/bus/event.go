// Package bus carries the orchestrator's observable events from producers
// (router, liveness tracker, lifecycle manager, sidecar control) to push
// subscribers.
package bus

import "time"

// EventKind discriminates the closed set of event variants. Wire names match
// pkg/protocol event types.
type EventKind string

const (
	KindMessage         EventKind = "message"
	KindHeartbeat       EventKind = "heartbeat"
	KindAgentStatus     EventKind = "agent_status"
	KindTeamStatus      EventKind = "team_status"
	KindConsoleAttached EventKind = "console.attached"
	KindConsoleData     EventKind = "console.data"
	KindConsoleDetached EventKind = "console.detached"
	// KindClosed is terminal: the subscription is being torn down. Reason
	// distinguishes overflow from ordinary teardown (team deleted).
	KindClosed EventKind = "closed"
)

// Event is the single envelope published on the broadcaster. Exactly one of
// the payload pointers matching Kind is set.
type Event struct {
	Kind     EventKind `json:"type"`
	TeamID   string    `json:"team_id"`
	TenantID string    `json:"-"` // scope matching only, never on the wire
	Time     time.Time `json:"time"`

	Message     *ChatMessage   `json:"message,omitempty"`
	Heartbeat   *Heartbeat     `json:"heartbeat,omitempty"`
	AgentStatus *AgentStatus   `json:"agent_status,omitempty"`
	TeamStatus  *TeamStatus    `json:"team_status,omitempty"`
	Console     *ConsoleFrame  `json:"console,omitempty"`
	Reason      string         `json:"reason,omitempty"` // KindClosed only
}

// ChatMessage is a routed chat line. Tag/TagBody are set when the text
// carried a leading [UPPER_TAG].
type ChatMessage struct {
	Channel string  `json:"channel"`
	Nick    string  `json:"nick"`
	Text    string  `json:"text"`
	Tag     *string `json:"tag"`
	TagBody *string `json:"tag_body"`
}

// Heartbeat reports a liveness ping from inside a container.
type Heartbeat struct {
	AgentID string    `json:"agent_id"`
	At      time.Time `json:"at"`
}

// AgentStatus reports an agent state transition.
type AgentStatus struct {
	AgentID string `json:"agent_id"`
	From    string `json:"from"`
	To      string `json:"to"`
}

// TeamStatus reports a team state transition.
type TeamStatus struct {
	From string `json:"from"`
	To   string `json:"to"`
}

// ConsoleFrame carries console lifecycle and byte-stream data.
// Data is base64 on the wire (raw PTY bytes are not valid UTF-8).
type ConsoleFrame struct {
	AgentID string `json:"agent_id"`
	Data    string `json:"data,omitempty"`
}
