package protocol

import "encoding/json"

// ProtocolVersion is bumped on breaking changes to the push-channel wire
// format. Clients may check it via GET /health.
const ProtocolVersion = 2

// Frame is the envelope for every JSON message on the push channel, in both
// directions. Type is one of the Frame* or Event* constants; unused fields
// are omitted from the wire.
type Frame struct {
	Type    string          `json:"type"`
	Token   string          `json:"token,omitempty"`    // auth
	TeamID  string          `json:"team_id,omitempty"`  // subscribe / subscribed
	AgentID string          `json:"agent_id,omitempty"` // console.*
	Data    string          `json:"data,omitempty"`     // console.input / console.data, base64
	Error   string          `json:"error,omitempty"`    // error / overflow frames
	Event   json.RawMessage `json:"event,omitempty"`    // broadcast event payload
}

// NewErrorFrame builds a terminal error frame.
func NewErrorFrame(msg string) Frame {
	return Frame{Type: FrameError, Error: msg}
}

// Console byte streams are carried base64-encoded in Frame.Data: PTY output
// is arbitrary binary and JSON strings must be valid UTF-8.
