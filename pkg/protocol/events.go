package protocol

// Event types pushed from server to subscribers over /ws.
// These mirror bus.EventKind one-to-one; the push channel adds the
// handshake and console control frames below.
const (
	EventMessage         = "message"
	EventHeartbeat       = "heartbeat"
	EventAgentStatus     = "agent_status"
	EventTeamStatus      = "team_status"
	EventConsoleAttached = "console.attached"
	EventConsoleData     = "console.data"
	EventConsoleDetached = "console.detached"
)

// Control frame types on the push channel (client → server unless noted).
const (
	FrameAuth          = "auth"
	FrameAuthenticated = "authenticated" // server → client
	FrameSubscribe     = "subscribe"
	FrameSubscribed    = "subscribed" // server → client
	FrameConsoleAttach = "console.attach"
	FrameConsoleDetach = "console.detach"
	FrameConsoleInput  = "console.input"
	FrameError         = "error"    // server → client, terminal on auth failures
	FrameOverflow      = "overflow" // server → client, terminal: subscriber too slow
)
