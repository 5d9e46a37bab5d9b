package coordinator

import (
	"time"

	v1 "github.com/codefleet/codefleet/api/control/v1"
)

// EventType names a session domain event.
type EventType string

const (
	EventSessionCreated      EventType = "session_created"
	EventSessionStateChanged EventType = "session_state_changed"
	EventSessionCompleted    EventType = "session_completed"
	EventApprovalRequested   EventType = "approval_requested"
	EventApprovalResolved    EventType = "approval_resolved"
	EventUsageUpdated        EventType = "usage_updated"
)

// Event is a session domain event. Session is always a snapshot.
type Event struct {
	Type    EventType
	Session *v1.Session

	From v1.SessionState
	To   v1.SessionState

	Approval *v1.ApprovalRequest
	Decision v1.ApprovalDecision
	Reason   string

	At time.Time
}

// CommandKind names a control-plane-to-runner command.
type CommandKind string

const (
	CommandStartSession     CommandKind = "startSession"
	CommandStopSession      CommandKind = "stopSession"
	CommandPauseSession     CommandKind = "pauseSession"
	CommandResumeSession    CommandKind = "resumeSession"
	CommandApprovalDecision CommandKind = "approvalDecision"
	CommandTerminalInput    CommandKind = "terminalInput"
)

// RunnerCommand is an instruction for the runner hosting a session. The
// application wiring forwards these over the runner transport.
type RunnerCommand struct {
	Kind      CommandKind
	RunnerID  string
	SessionID string

	// Graceful applies to stopSession.
	Graceful bool
	// Decision and Reason apply to approvalDecision.
	Decision v1.ApprovalDecision
	Reason   string
	// Data applies to terminalInput.
	Data string
	// Session applies to startSession.
	Session *v1.Session
}
