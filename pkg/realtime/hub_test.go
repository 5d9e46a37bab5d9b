package realtime

import (
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/codefleet/codefleet/support/apiresponse"
	"github.com/codefleet/codefleet/support/config"

	. "github.com/onsi/gomega"
	"github.com/go-logr/logr"
	clocktesting "k8s.io/utils/clock/testing"
)

type fakeConn struct {
	mu          sync.Mutex
	msgs        []ServerMessage
	closed      bool
	closeReason string
}

func (f *fakeConn) WriteMessage(data []byte) error {
	var msg ServerMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.msgs = append(f.msgs, msg)
	return nil
}

func (f *fakeConn) Close(reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	f.closeReason = reason
	return nil
}

func (f *fakeConn) messages() []ServerMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]ServerMessage(nil), f.msgs...)
}

func (f *fakeConn) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

func testRealtimeConfig() config.RealtimeConfig {
	return config.RealtimeConfig{
		PingIntervalMs:        1000,
		ConnectionTimeoutMs:   5000,
		MaxMessageSize:        1 << 16,
		MaxConnectionsPerUser: 2,
		SendQueueSize:         16,
	}
}

func newTestHub(cfg config.RealtimeConfig) (*Hub, *clocktesting.FakeClock) {
	clk := clocktesting.NewFakeClock(time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC))
	return NewHub(logr.Discard(), clk, cfg), clk
}

func clientJSON(t *testing.T, msg ClientMessage) []byte {
	t.Helper()
	raw, err := json.Marshal(msg)
	if err != nil {
		t.Fatal(err)
	}
	return raw
}

// connectAndAuth registers a connection and authenticates it.
func connectAndAuth(t *testing.T, g *WithT, h *Hub, userID string) (string, *fakeConn) {
	t.Helper()
	conn := &fakeConn{}
	id := h.Register(conn)
	h.HandleMessage(id, clientJSON(t, ClientMessage{Type: TypeAuthenticate, Token: "tok", UserID: userID}))
	g.Eventually(func() []ServerMessage { return conn.messages() }).Should(
		ContainElement(WithTransform(func(m ServerMessage) string { return m.Event }, Equal(EventAuthenticated))))
	return id, conn
}

func TestConnectSendsClientID(t *testing.T) {
	g := NewWithT(t)
	h, _ := newTestHub(testRealtimeConfig())

	conn := &fakeConn{}
	id := h.Register(conn)

	g.Eventually(func() []ServerMessage { return conn.messages() }).Should(HaveLen(1))
	first := conn.messages()[0]
	g.Expect(first.Type).To(Equal(TypeEvent))
	g.Expect(first.Event).To(Equal(EventConnected))
	g.Expect(first.Data).To(HaveKeyWithValue("clientId", id))
}

func TestAuthenticateRejectsMissingFields(t *testing.T) {
	g := NewWithT(t)
	h, _ := newTestHub(testRealtimeConfig())

	conn := &fakeConn{}
	id := h.Register(conn)
	h.HandleMessage(id, clientJSON(t, ClientMessage{Type: TypeAuthenticate, Token: "tok"}))

	g.Eventually(func() []ServerMessage { return conn.messages() }).Should(
		ContainElement(WithTransform(func(m ServerMessage) string { return m.Code },
			Equal(apiresponse.CodeAuthFailed))))
}

func TestSubscribeRequiresAuthentication(t *testing.T) {
	g := NewWithT(t)
	h, _ := newTestHub(testRealtimeConfig())

	conn := &fakeConn{}
	id := h.Register(conn)
	h.HandleMessage(id, clientJSON(t, ClientMessage{Type: TypeSubscribe, SessionID: "s-1"}))

	g.Eventually(func() []ServerMessage { return conn.messages() }).Should(
		ContainElement(WithTransform(func(m ServerMessage) string { return m.Code },
			Equal(apiresponse.CodeNotAuthenticated))))
}

func TestConnectionLimitPerUser(t *testing.T) {
	g := NewWithT(t)
	cfg := testRealtimeConfig()
	cfg.MaxConnectionsPerUser = 1
	h, _ := newTestHub(cfg)

	connectAndAuth(t, g, h, "u1")

	second := &fakeConn{}
	id2 := h.Register(second)
	h.HandleMessage(id2, clientJSON(t, ClientMessage{Type: TypeAuthenticate, Token: "tok", UserID: "u1"}))

	g.Eventually(func() []ServerMessage { return second.messages() }).Should(
		ContainElement(WithTransform(func(m ServerMessage) string { return m.Code },
			Equal(apiresponse.CodeConnectionLimit))))
	g.Eventually(second.isClosed).Should(BeTrue())

	// A different user still connects.
	connectAndAuth(t, g, h, "u2")
}

func TestSubscribeUnsubscribeRoundTrip(t *testing.T) {
	g := NewWithT(t)
	h, _ := newTestHub(testRealtimeConfig())
	id, conn := connectAndAuth(t, g, h, "u1")

	h.HandleMessage(id, clientJSON(t, ClientMessage{Type: TypeSubscribe, SessionID: "s-1"}))
	h.HandleMessage(id, clientJSON(t, ClientMessage{Type: TypeUnsubscribe, SessionID: "s-1"}))
	h.HandleMessage(id, clientJSON(t, ClientMessage{Type: TypeSubscribe, SessionID: "s-1"}))

	h.BroadcastSessionOutput("s-1", "hello")

	g.Eventually(func() int {
		n := 0
		for _, m := range conn.messages() {
			if m.Type == TypeSession && m.Action == ActionOutput {
				n++
			}
		}
		return n
	}).Should(Equal(1))
}

func TestBroadcastOnlyReachesSubscribers(t *testing.T) {
	g := NewWithT(t)
	h, _ := newTestHub(testRealtimeConfig())

	subID, subConn := connectAndAuth(t, g, h, "u1")
	_, otherConn := connectAndAuth(t, g, h, "u2")
	unauth := &fakeConn{}
	h.Register(unauth)

	h.HandleMessage(subID, clientJSON(t, ClientMessage{Type: TypeSubscribe, SessionID: "s-1"}))
	h.BroadcastTerminalOutput("s-1", "$ make test")

	g.Eventually(func() []ServerMessage { return subConn.messages() }).Should(
		ContainElement(WithTransform(func(m ServerMessage) string { return m.Action }, Equal(ActionOutput))))
	g.Consistently(func() []ServerMessage { return otherConn.messages() }).ShouldNot(
		ContainElement(WithTransform(func(m ServerMessage) string { return m.Type }, Equal(TypeTerminal))))

	// Generic events reach every authenticated client but not the
	// unauthenticated one.
	h.BroadcastEvent("version_discovered", map[string]string{"provider": "codex"})
	g.Eventually(func() []ServerMessage { return otherConn.messages() }).Should(
		ContainElement(WithTransform(func(m ServerMessage) string { return m.Event }, Equal("version_discovered"))))
	g.Consistently(func() []ServerMessage { return unauth.messages() }).ShouldNot(
		ContainElement(WithTransform(func(m ServerMessage) string { return m.Event }, Equal("version_discovered"))))
}

func TestTerminalInputGating(t *testing.T) {
	g := NewWithT(t)
	h, _ := newTestHub(testRealtimeConfig())
	id, conn := connectAndAuth(t, g, h, "u1")

	var inputs []TerminalInput
	var mu sync.Mutex
	h.SubscribeTerminalInput(func(in TerminalInput) {
		mu.Lock()
		defer mu.Unlock()
		inputs = append(inputs, in)
	})

	h.HandleMessage(id, clientJSON(t, ClientMessage{Type: TypeTerminal, Action: ActionInput, SessionID: "s-1", Data: "ls\n"}))
	g.Eventually(func() []ServerMessage { return conn.messages() }).Should(
		ContainElement(WithTransform(func(m ServerMessage) string { return m.Code },
			Equal(apiresponse.CodeNotSubscribed))))

	h.HandleMessage(id, clientJSON(t, ClientMessage{Type: TypeSubscribe, SessionID: "s-1"}))
	h.HandleMessage(id, clientJSON(t, ClientMessage{Type: TypeTerminal, Action: ActionInput, SessionID: "s-1", Data: "ls\n"}))

	g.Eventually(func() int { mu.Lock(); defer mu.Unlock(); return len(inputs) }).Should(Equal(1))
	mu.Lock()
	g.Expect(inputs[0].SessionID).To(Equal("s-1"))
	g.Expect(inputs[0].Data).To(Equal("ls\n"))
	mu.Unlock()
}

func TestPingPongAndProtocolErrors(t *testing.T) {
	g := NewWithT(t)
	h, _ := newTestHub(testRealtimeConfig())
	id, conn := connectAndAuth(t, g, h, "u1")

	h.HandleMessage(id, clientJSON(t, ClientMessage{Type: TypePing}))
	g.Eventually(func() []ServerMessage { return conn.messages() }).Should(
		ContainElement(WithTransform(func(m ServerMessage) string { return m.Type }, Equal(TypePong))))

	h.HandleMessage(id, []byte("{not json"))
	g.Eventually(func() []ServerMessage { return conn.messages() }).Should(
		ContainElement(WithTransform(func(m ServerMessage) string { return m.Code },
			Equal(apiresponse.CodeInvalidMessage))))

	h.HandleMessage(id, clientJSON(t, ClientMessage{Type: "teleport"}))
	g.Eventually(func() []ServerMessage { return conn.messages() }).Should(
		ContainElement(WithTransform(func(m ServerMessage) string { return m.Code },
			Equal(apiresponse.CodeUnknownMessageType))))
}

func TestConnectionTimeoutCloses(t *testing.T) {
	g := NewWithT(t)
	h, clk := newTestHub(testRealtimeConfig()) // timeout 5000ms
	id, conn := connectAndAuth(t, g, h, "u1")

	clk.Step(3 * time.Second)
	h.CheckConnections()
	g.Expect(conn.isClosed()).To(BeFalse())
	g.Eventually(func() []ServerMessage { return conn.messages() }).Should(
		ContainElement(WithTransform(func(m ServerMessage) string { return m.Type }, Equal(TypePing))))

	// Client answers the ping; the window restarts.
	h.HandleMessage(id, clientJSON(t, ClientMessage{Type: TypePing}))
	clk.Step(4 * time.Second)
	h.CheckConnections()
	g.Expect(conn.isClosed()).To(BeFalse())

	clk.Step(6 * time.Second)
	h.CheckConnections()
	g.Eventually(conn.isClosed).Should(BeTrue())
	g.Expect(h.Stats().Clients).To(BeZero())
}

// blockingConn stalls its first write until released, letting tests fill
// the send queue deterministically.
type blockingConn struct {
	fakeConn
	release chan struct{}
}

func (b *blockingConn) WriteMessage(data []byte) error {
	<-b.release
	return b.fakeConn.WriteMessage(data)
}

func TestSlowClientDropsOldest(t *testing.T) {
	g := NewWithT(t)
	cfg := testRealtimeConfig()
	cfg.SendQueueSize = 2
	h, _ := newTestHub(cfg)

	conn := &blockingConn{release: make(chan struct{})}
	id := h.Register(conn)

	// Mark the client authenticated and subscribed directly; the writer is
	// still blocked on the connected event.
	h.mu.RLock()
	c := h.clients[id]
	h.mu.RUnlock()
	c.mu.Lock()
	c.authenticated = true
	c.userID = "u1"
	c.subscribedSessions.Insert("s-1")
	c.mu.Unlock()

	for i := 0; i < 10; i++ {
		h.BroadcastSessionOutput("s-1", i)
	}

	stats := h.Stats()
	g.Expect(stats.Dropped).To(BeNumerically(">=", uint64(8)))

	close(conn.release)
	g.Eventually(func() int { return len(conn.messages()) }).Should(BeNumerically(">=", 2))
}
