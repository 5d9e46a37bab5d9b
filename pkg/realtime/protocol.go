package realtime

import "time"

// Client-to-server message types.
const (
	TypeAuthenticate = "authenticate"
	TypeSubscribe    = "subscribe"
	TypeUnsubscribe  = "unsubscribe"
	TypeTerminal     = "terminal"
)

// Server-to-client message types.
const (
	TypeEvent   = "event"
	TypeSession = "session"
	TypeError   = "error"
	TypePong    = "pong"
)

// Sent in both directions: clients ping to keep their window fresh, and
// the hub pings idle connections from its keepalive loop.
const TypePing = "ping"

// Event names carried by event messages.
const (
	EventConnected     = "connected"
	EventAuthenticated = "authenticated"
	EventSubscribed    = "subscribed"
	EventUnsubscribed  = "unsubscribed"
)

// Session message actions.
const (
	ActionOutput          = "output"
	ActionStateChange     = "state_change"
	ActionApprovalRequest = "approval_request"
	ActionCompleted       = "completed"
	ActionInput           = "input"
)

// ClientMessage is the decoded form of every client-to-server message.
// Fields beyond Type apply per message type.
type ClientMessage struct {
	Type      string `json:"type"`
	Timestamp string `json:"timestamp,omitempty"`

	// authenticate
	Token  string `json:"token,omitempty"`
	UserID string `json:"userId,omitempty"`

	// subscribe / unsubscribe / terminal
	SessionID string `json:"sessionId,omitempty"`
	RunnerID  string `json:"runnerId,omitempty"`

	// terminal
	Action string `json:"action,omitempty"`
	Data   string `json:"data,omitempty"`
}

// ServerMessage is the encoded form of every server-to-client message.
type ServerMessage struct {
	Type      string `json:"type"`
	Timestamp string `json:"timestamp"`

	// event
	Event string `json:"event,omitempty"`

	// session / terminal
	Action    string `json:"action,omitempty"`
	SessionID string `json:"sessionId,omitempty"`
	RunnerID  string `json:"runnerId,omitempty"`

	Data interface{} `json:"data,omitempty"`

	// error
	Code    string `json:"code,omitempty"`
	Message string `json:"message,omitempty"`
}

func (h *Hub) serverMessage(msgType string) ServerMessage {
	return ServerMessage{Type: msgType, Timestamp: h.clock.Now().UTC().Format(time.RFC3339)}
}

// TerminalInput is the internal event surfaced when a subscribed client
// sends terminal input for a session.
type TerminalInput struct {
	ClientID  string
	SessionID string
	Data      string
}
