package coordinator

import (
	v1 "github.com/codefleet/codefleet/api/control/v1"
	"github.com/codefleet/codefleet/support/apiresponse"

	"github.com/google/uuid"
)

// RequestApproval queues a human gate on the session. A RUNNING session
// moves to WAITING_FOR_APPROVAL; a session already waiting or paused just
// accumulates the request.
func (c *Coordinator) RequestApproval(sessionID string, action v1.ApprovalAction, description string, context map[string]interface{}) (*v1.ApprovalRequest, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	s, ok := c.sessions[sessionID]
	if !ok {
		return nil, apiresponse.NotFound(apiresponse.CodeSessionNotFound, "session %q not found", sessionID)
	}

	req := v1.ApprovalRequest{
		ApprovalID:  uuid.NewString(),
		SessionID:   sessionID,
		Action:      action,
		Description: description,
		RequestedAt: c.clock.Now(),
		Context:     context,
	}
	s.PendingApprovals = append(s.PendingApprovals, req)

	if s.State == v1.SessionStateRunning {
		c.transitionLocked(s, v1.SessionStateWaitingForApproval, string(action), "")
	}
	c.notifier.Publish(Event{Type: EventApprovalRequested, Session: s.DeepCopy(),
		Approval: req.DeepCopy(), At: req.RequestedAt})

	if err := c.store.SaveSession(s); err != nil {
		c.log.Error(err, "failed to persist session", "sessionID", sessionID)
	}
	return req.DeepCopy(), nil
}

// ResolveApproval answers one pending request. The decision is forwarded
// to the runner; control-plane state only changes by removal. The session
// returns to RUNNING when, and only when, its pending list empties while
// it is WAITING_FOR_APPROVAL.
func (c *Coordinator) ResolveApproval(sessionID, approvalID string, decision v1.ApprovalDecision, reason string) (*v1.Session, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	s, ok := c.sessions[sessionID]
	if !ok {
		return nil, apiresponse.NotFound(apiresponse.CodeSessionNotFound, "session %q not found", sessionID)
	}

	idx := -1
	for i := range s.PendingApprovals {
		if s.PendingApprovals[i].ApprovalID == approvalID {
			idx = i
			break
		}
	}
	if idx < 0 {
		return nil, apiresponse.NotFound(apiresponse.CodeApprovalNotFound,
			"approval %q not found on session %q", approvalID, sessionID)
	}
	resolved := s.PendingApprovals[idx]
	s.PendingApprovals = append(s.PendingApprovals[:idx], s.PendingApprovals[idx+1:]...)

	if len(s.PendingApprovals) == 0 && s.State == v1.SessionStateWaitingForApproval {
		c.transitionLocked(s, v1.SessionStateRunning, "", "")
	}

	if err := c.store.SaveSession(s); err != nil {
		return nil, apiresponse.NewError(apiresponse.KindInternal, apiresponse.CodeInternal,
			"failed to persist approval resolution: %v", err)
	}

	c.notifier.Publish(Event{Type: EventApprovalResolved, Session: s.DeepCopy(),
		Approval: resolved.DeepCopy(), Decision: decision, Reason: reason, At: c.clock.Now()})
	if s.RunnerID != "" {
		c.commands.Publish(RunnerCommand{Kind: CommandApprovalDecision, RunnerID: s.RunnerID,
			SessionID: sessionID, Decision: decision, Reason: reason})
	}
	return s.DeepCopy(), nil
}
