// Package realtime fans session output, state transitions, approval
// prompts, and terminal I/O out to connected clients over a full-duplex
// JSON transport.
package realtime

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	v1 "github.com/codefleet/codefleet/api/control/v1"
	"github.com/codefleet/codefleet/support/apiresponse"
	"github.com/codefleet/codefleet/support/config"
	"github.com/codefleet/codefleet/support/events"

	"github.com/go-logr/logr"
	"github.com/google/uuid"
	"k8s.io/apimachinery/pkg/util/wait"
	"k8s.io/utils/clock"
)

// TokenValidator checks an authentication token for a user. Token issuance
// is out of scope; the default validator only requires both fields to be
// present.
type TokenValidator func(token, userID string) bool

func defaultValidator(token, userID string) bool {
	return token != "" && userID != ""
}

// Hub owns client connections and the broadcast paths.
type Hub struct {
	log      logr.Logger
	clock    clock.PassiveClock
	cfg      config.RealtimeConfig
	validate TokenValidator

	terminalInput events.Notifier[TerminalInput]

	mu      sync.RWMutex
	clients map[string]*client
}

// Option tweaks hub construction.
type Option func(*Hub)

// WithTokenValidator replaces the default token validator.
func WithTokenValidator(v TokenValidator) Option {
	return func(h *Hub) { h.validate = v }
}

// NewHub builds a realtime hub.
func NewHub(log logr.Logger, clk clock.PassiveClock, cfg config.RealtimeConfig, opts ...Option) *Hub {
	h := &Hub{
		log:      log.WithName("realtime"),
		clock:    clk,
		cfg:      cfg,
		validate: defaultValidator,
		clients:  map[string]*client{},
	}
	for _, o := range opts {
		o(h)
	}
	return h
}

// SubscribeTerminalInput registers a handler for validated terminal input
// from clients.
func (h *Hub) SubscribeTerminalInput(fn events.Handler[TerminalInput]) func() {
	return h.terminalInput.Subscribe(fn)
}

// Register attaches a new connection, assigns it a clientID, and sends the
// connected event. The caller owns the read loop and must call
// HandleMessage for each inbound frame and Disconnect when the transport
// drops.
func (h *Hub) Register(conn Conn) string {
	id := uuid.NewString()
	c := newClient(id, conn, h.cfg.SendQueueSize, h.clock.Now())

	h.mu.Lock()
	h.clients[id] = c
	h.mu.Unlock()

	msg := h.serverMessage(TypeEvent)
	msg.Event = EventConnected
	msg.Data = map[string]string{"clientId": id}
	c.send(msg)
	return id
}

// Disconnect removes a client and closes its transport.
func (h *Hub) Disconnect(clientID, reason string) {
	h.mu.Lock()
	c, ok := h.clients[clientID]
	delete(h.clients, clientID)
	h.mu.Unlock()
	if ok {
		c.close(reason)
	}
}

// HandleMessage processes one inbound frame from a client. Protocol errors
// answer with an error message; they do not drop the connection except for
// the connection limit.
func (h *Hub) HandleMessage(clientID string, raw []byte) {
	h.mu.RLock()
	c, ok := h.clients[clientID]
	h.mu.RUnlock()
	if !ok {
		return
	}

	if h.cfg.MaxMessageSize > 0 && len(raw) > h.cfg.MaxMessageSize {
		h.sendError(c, apiresponse.CodeInvalidMessage, "message exceeds maximum size")
		return
	}

	var msg ClientMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		h.sendError(c, apiresponse.CodeInvalidMessage, "malformed JSON")
		return
	}

	c.mu.Lock()
	c.lastPingAt = h.clock.Now()
	c.mu.Unlock()

	switch msg.Type {
	case TypeAuthenticate:
		h.handleAuthenticate(c, msg)
	case TypeSubscribe:
		h.handleSubscribe(c, msg, true)
	case TypeUnsubscribe:
		h.handleSubscribe(c, msg, false)
	case TypeTerminal:
		h.handleTerminal(c, msg)
	case TypePing:
		c.send(h.serverMessage(TypePong))
	default:
		h.sendError(c, apiresponse.CodeUnknownMessageType, "unknown message type %q", msg.Type)
	}
}

func (h *Hub) handleAuthenticate(c *client, msg ClientMessage) {
	if msg.Token == "" || msg.UserID == "" || !h.validate(msg.Token, msg.UserID) {
		h.sendError(c, apiresponse.CodeAuthFailed, "authentication failed")
		return
	}

	h.mu.RLock()
	existing := 0
	for _, other := range h.clients {
		if other == c {
			continue
		}
		other.mu.Lock()
		if other.authenticated && other.userID == msg.UserID {
			existing++
		}
		other.mu.Unlock()
	}
	h.mu.RUnlock()
	if existing >= h.cfg.MaxConnectionsPerUser {
		h.sendError(c, apiresponse.CodeConnectionLimit,
			"user %q already has %d connections", msg.UserID, existing)
		h.Disconnect(c.id, "connection limit")
		return
	}

	c.mu.Lock()
	c.authenticated = true
	c.userID = msg.UserID
	c.authenticatedAt = h.clock.Now()
	c.mu.Unlock()

	out := h.serverMessage(TypeEvent)
	out.Event = EventAuthenticated
	out.Data = map[string]string{"userId": msg.UserID}
	c.send(out)
}

func (h *Hub) handleSubscribe(c *client, msg ClientMessage, subscribe bool) {
	c.mu.Lock()
	if !c.authenticated {
		c.mu.Unlock()
		h.sendError(c, apiresponse.CodeNotAuthenticated, "authenticate first")
		return
	}
	if subscribe {
		if msg.SessionID != "" {
			c.subscribedSessions.Insert(msg.SessionID)
		}
		if msg.RunnerID != "" {
			c.subscribedRunners.Insert(msg.RunnerID)
		}
	} else {
		if msg.SessionID != "" {
			c.subscribedSessions.Delete(msg.SessionID)
		}
		if msg.RunnerID != "" {
			c.subscribedRunners.Delete(msg.RunnerID)
		}
	}
	c.mu.Unlock()

	out := h.serverMessage(TypeEvent)
	if subscribe {
		out.Event = EventSubscribed
	} else {
		out.Event = EventUnsubscribed
	}
	out.SessionID = msg.SessionID
	out.RunnerID = msg.RunnerID
	c.send(out)
}

func (h *Hub) handleTerminal(c *client, msg ClientMessage) {
	if msg.Action != ActionInput {
		h.sendError(c, apiresponse.CodeInvalidMessage, "unsupported terminal action %q", msg.Action)
		return
	}
	c.mu.Lock()
	authenticated := c.authenticated
	subscribed := c.subscribedSessions.Has(msg.SessionID)
	c.mu.Unlock()

	if !authenticated {
		h.sendError(c, apiresponse.CodeNotAuthenticated, "authenticate first")
		return
	}
	if !subscribed {
		h.sendError(c, apiresponse.CodeNotSubscribed, "not subscribed to session %q", msg.SessionID)
		return
	}
	h.terminalInput.Publish(TerminalInput{ClientID: c.id, SessionID: msg.SessionID, Data: msg.Data})
}

func (h *Hub) sendError(c *client, code, format string, args ...interface{}) {
	kind := apiresponse.KindAuth
	switch code {
	case apiresponse.CodeInvalidMessage, apiresponse.CodeUnknownMessageType:
		kind = apiresponse.KindInputValidation
	case apiresponse.CodeConnectionLimit:
		kind = apiresponse.KindResourceExhaustion
	}
	e := apiresponse.NewError(kind, code, format, args...)
	msg := h.serverMessage(TypeError)
	msg.Code = e.Code
	msg.Message = e.Message
	c.send(msg)
}

// snapshotClients copies the client list outside the map lock.
func (h *Hub) snapshotClients() []*client {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]*client, 0, len(h.clients))
	for _, c := range h.clients {
		out = append(out, c)
	}
	return out
}

// BroadcastSessionOutput delivers session output to subscribed clients.
func (h *Hub) BroadcastSessionOutput(sessionID string, output interface{}) {
	msg := h.serverMessage(TypeSession)
	msg.Action = ActionOutput
	msg.SessionID = sessionID
	msg.Data = output
	h.broadcastToSession(sessionID, msg)
}

// BroadcastSessionStateChange delivers a state transition to subscribed
// clients.
func (h *Hub) BroadcastSessionStateChange(sessionID string, from, to v1.SessionState, reason string) {
	msg := h.serverMessage(TypeSession)
	msg.Action = ActionStateChange
	msg.SessionID = sessionID
	msg.Data = map[string]string{"from": string(from), "to": string(to), "reason": reason}
	h.broadcastToSession(sessionID, msg)
	if to.IsTerminal() {
		done := h.serverMessage(TypeSession)
		done.Action = ActionCompleted
		done.SessionID = sessionID
		done.Data = map[string]string{"state": string(to)}
		h.broadcastToSession(sessionID, done)
	}
}

// BroadcastApprovalRequest delivers an approval prompt to subscribed
// clients.
func (h *Hub) BroadcastApprovalRequest(req *v1.ApprovalRequest) {
	msg := h.serverMessage(TypeSession)
	msg.Action = ActionApprovalRequest
	msg.SessionID = req.SessionID
	msg.Data = req
	h.broadcastToSession(req.SessionID, msg)
}

// BroadcastTerminalOutput delivers terminal output to subscribed clients.
func (h *Hub) BroadcastTerminalOutput(sessionID, data string) {
	msg := h.serverMessage(TypeTerminal)
	msg.Action = ActionOutput
	msg.SessionID = sessionID
	msg.Data = data
	h.broadcastToSession(sessionID, msg)
}

// BroadcastRunnerEvent delivers a runner-scoped event to clients
// subscribed to that runner.
func (h *Hub) BroadcastRunnerEvent(runnerID, event string, data interface{}) {
	msg := h.serverMessage(TypeEvent)
	msg.Event = event
	msg.RunnerID = runnerID
	msg.Data = data
	for _, c := range h.snapshotClients() {
		c.mu.Lock()
		deliver := c.authenticated && c.subscribedRunners.Has(runnerID)
		c.mu.Unlock()
		if deliver {
			c.send(msg)
		}
	}
}

// BroadcastEvent delivers a generic event to every authenticated client.
func (h *Hub) BroadcastEvent(event string, data interface{}) {
	msg := h.serverMessage(TypeEvent)
	msg.Event = event
	msg.Data = data
	for _, c := range h.snapshotClients() {
		c.mu.Lock()
		deliver := c.authenticated
		c.mu.Unlock()
		if deliver {
			c.send(msg)
		}
	}
}

// SendToUser delivers an event to every connection authenticated as
// userID.
func (h *Hub) SendToUser(userID, event string, data interface{}) {
	msg := h.serverMessage(TypeEvent)
	msg.Event = event
	msg.Data = data
	for _, c := range h.snapshotClients() {
		c.mu.Lock()
		deliver := c.authenticated && c.userID == userID
		c.mu.Unlock()
		if deliver {
			c.send(msg)
		}
	}
}

func (h *Hub) broadcastToSession(sessionID string, msg ServerMessage) {
	for _, c := range h.snapshotClients() {
		c.mu.Lock()
		deliver := c.authenticated && c.subscribedSessions.Has(sessionID)
		c.mu.Unlock()
		if deliver {
			c.send(msg)
		}
	}
}

// Stats is a point-in-time view of hub health.
type Stats struct {
	Clients       int
	Authenticated int
	Dropped       uint64
}

// Stats reports connection counts and the total of dropped messages.
func (h *Hub) Stats() Stats {
	var s Stats
	for _, c := range h.snapshotClients() {
		s.Clients++
		c.mu.Lock()
		if c.authenticated {
			s.Authenticated++
		}
		s.Dropped += c.dropped
		c.mu.Unlock()
	}
	return s
}

// Start runs the ping/timeout loop until ctx is cancelled.
func (h *Hub) Start(ctx context.Context) {
	interval := time.Duration(h.cfg.PingIntervalMs) * time.Millisecond
	wait.UntilWithContext(ctx, func(context.Context) { h.CheckConnections() }, interval)
}

// CheckConnections sends a ping to every client and closes those that have
// been silent past the connection timeout.
func (h *Hub) CheckConnections() {
	now := h.clock.Now()
	timeout := time.Duration(h.cfg.ConnectionTimeoutMs) * time.Millisecond

	for _, c := range h.snapshotClients() {
		c.mu.Lock()
		stale := now.Sub(c.lastPingAt) > timeout
		c.mu.Unlock()

		if stale {
			h.log.V(1).Info("closing stale connection", "clientID", c.id)
			h.Disconnect(c.id, "Connection timeout")
			continue
		}
		c.send(h.serverMessage(TypePing))
	}
}
