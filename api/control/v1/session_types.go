package v1

import "time"

// SessionState is the lifecycle state of a session.
type SessionState string

const (
	SessionStateCreated            SessionState = "CREATED"
	SessionStatePreparingWorkspace SessionState = "PREPARING_WORKSPACE"
	SessionStateStartingProvider   SessionState = "STARTING_PROVIDER"
	SessionStateRunning            SessionState = "RUNNING"
	SessionStateWaitingForApproval SessionState = "WAITING_FOR_APPROVAL"
	SessionStatePausedByHuman      SessionState = "PAUSED_BY_HUMAN"
	SessionStateStopping           SessionState = "STOPPING"
	SessionStateCompleted          SessionState = "COMPLETED"
	SessionStateFailed             SessionState = "FAILED"
	SessionStateTimedOut           SessionState = "TIMED_OUT"
)

// IsTerminal reports whether s is one of the terminal states.
func (s SessionState) IsTerminal() bool {
	switch s {
	case SessionStateCompleted, SessionStateFailed, SessionStateTimedOut:
		return true
	}
	return false
}

// CompletionPath records which actor drove a session to its terminal state.
type CompletionPath string

const (
	CompletionPathStopRequested  CompletionPath = "stop_requested"
	CompletionPathRunnerReported CompletionPath = "runner_reported"
	CompletionPathWatchdog       CompletionPath = "watchdog"
)

// RepoRef names the repository a session operates against.
type RepoRef struct {
	URL    string `json:"url"`
	Branch string `json:"branch,omitempty"`
	Commit string `json:"commit,omitempty"`
}

// WorkspaceInfo describes the prepared working copy on the runner.
type WorkspaceInfo struct {
	Path      string `json:"path,omitempty"`
	SizeBytes *int64 `json:"sizeBytes,omitempty"`
}

// SessionUsage accumulates resource consumption reported by the runner.
// All fields are monotonically non-decreasing.
type SessionUsage struct {
	TokensIn       int64 `json:"tokensIn"`
	TokensOut      int64 `json:"tokensOut"`
	APICalls       int64 `json:"apiCalls"`
	ComputeSeconds int64 `json:"computeSeconds"`
}

// Add folds a usage delta into u, clamping negative deltas to zero so the
// totals never regress.
func (u *SessionUsage) Add(delta SessionUsage) {
	u.TokensIn += max64(delta.TokensIn, 0)
	u.TokensOut += max64(delta.TokensOut, 0)
	u.APICalls += max64(delta.APICalls, 0)
	u.ComputeSeconds += max64(delta.ComputeSeconds, 0)
}

func max64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}

// SessionOptions carries per-session overrides supplied at Create.
type SessionOptions struct {
	TimeoutMinutes *int `json:"timeoutMinutes,omitempty"`
}

// ApprovalAction is the category of action a session needs a human to
// approve.
type ApprovalAction string

const (
	ApprovalActionMerge   ApprovalAction = "merge"
	ApprovalActionDepsAdd ApprovalAction = "deps_add"
	ApprovalActionSecrets ApprovalAction = "secrets"
	ApprovalActionDeploy  ApprovalAction = "deploy"
)

// ApprovalDecision is a human's answer to an approval request.
type ApprovalDecision string

const (
	ApprovalAllow ApprovalDecision = "allow"
	ApprovalDeny  ApprovalDecision = "deny"
)

// ApprovalRequest is a pending human gate on a session. While any request
// is pending the session sits in WAITING_FOR_APPROVAL.
type ApprovalRequest struct {
	ApprovalID  string                 `json:"approvalId"`
	SessionID   string                 `json:"sessionId"`
	Action      ApprovalAction         `json:"action"`
	Description string                 `json:"description"`
	RequestedAt time.Time              `json:"requestedAt"`
	Context     map[string]interface{} `json:"context,omitempty"`
}

// DeepCopy returns a copy of the request with no shared references.
func (a *ApprovalRequest) DeepCopy() *ApprovalRequest {
	out := *a
	if a.Context != nil {
		out.Context = make(map[string]interface{}, len(a.Context))
		for k, v := range a.Context {
			out.Context[k] = v
		}
	}
	return &out
}

// Session is an agent run on behalf of an organization against a
// repository.
type Session struct {
	SessionID        string            `json:"sessionId"`
	OrgID            string            `json:"orgId"`
	Provider         ProviderID        `json:"provider"`
	Repo             RepoRef           `json:"repo"`
	Workspace        WorkspaceInfo     `json:"workspace"`
	Task             string            `json:"task,omitempty"`
	RunnerID         string            `json:"runnerId,omitempty"`
	State            SessionState      `json:"state"`
	StateReason      string            `json:"stateReason,omitempty"`
	CompletionPath   CompletionPath    `json:"completionPath,omitempty"`
	StartedAt        time.Time         `json:"startedAt"`
	CompletedAt      *time.Time        `json:"completedAt,omitempty"`
	Usage            SessionUsage      `json:"usage"`
	Options          SessionOptions    `json:"options"`
	PendingApprovals []ApprovalRequest `json:"pendingApprovals,omitempty"`
}

// DeepCopy returns a snapshot of the session safe to hand across component
// boundaries.
func (s *Session) DeepCopy() *Session {
	out := *s
	if s.CompletedAt != nil {
		t := *s.CompletedAt
		out.CompletedAt = &t
	}
	if s.Workspace.SizeBytes != nil {
		n := *s.Workspace.SizeBytes
		out.Workspace.SizeBytes = &n
	}
	if s.Options.TimeoutMinutes != nil {
		n := *s.Options.TimeoutMinutes
		out.Options.TimeoutMinutes = &n
	}
	if s.PendingApprovals != nil {
		out.PendingApprovals = make([]ApprovalRequest, 0, len(s.PendingApprovals))
		for i := range s.PendingApprovals {
			out.PendingApprovals = append(out.PendingApprovals, *s.PendingApprovals[i].DeepCopy())
		}
	}
	return &out
}

// SessionSummary is the list-view projection of a session.
type SessionSummary struct {
	SessionID   string       `json:"sessionId"`
	OrgID       string       `json:"orgId"`
	Provider    ProviderID   `json:"provider"`
	RepoURL     string       `json:"repoUrl"`
	State       SessionState `json:"state"`
	RunnerID    string       `json:"runnerId,omitempty"`
	StartedAt   time.Time    `json:"startedAt"`
	CompletedAt *time.Time   `json:"completedAt,omitempty"`
}
