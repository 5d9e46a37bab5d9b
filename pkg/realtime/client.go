package realtime

import (
	"encoding/json"
	"sync"
	"time"

	"k8s.io/apimachinery/pkg/util/sets"
)

// Conn is the full-duplex transport the hub writes to. Implementations
// must tolerate Close being called more than once. The websocket adapter
// is the shipped implementation; tests use in-memory fakes.
type Conn interface {
	WriteMessage(data []byte) error
	Close(reason string) error
}

// client is one connected transport client. The send path is serialized by
// a dedicated writer goroutine draining a bounded queue; enqueueing never
// blocks the broadcasting component: when the queue is full the oldest
// message is dropped and counted.
type client struct {
	id   string
	conn Conn

	mu                 sync.Mutex
	userID             string
	authenticated      bool
	subscribedSessions sets.Set[string]
	subscribedRunners  sets.Set[string]
	connectedAt        time.Time
	authenticatedAt    time.Time
	lastPingAt         time.Time
	dropped            uint64
	closed             bool

	sendQ chan []byte
	done  chan struct{}
}

func newClient(id string, conn Conn, queueSize int, now time.Time) *client {
	c := &client{
		id:                 id,
		conn:               conn,
		subscribedSessions: sets.New[string](),
		subscribedRunners:  sets.New[string](),
		connectedAt:        now,
		lastPingAt:         now,
		sendQ:              make(chan []byte, queueSize),
		done:               make(chan struct{}),
	}
	go c.writeLoop()
	return c
}

func (c *client) writeLoop() {
	for {
		select {
		case msg := <-c.sendQ:
			if err := c.conn.WriteMessage(msg); err != nil {
				return
			}
		case <-c.done:
			// Drain whatever is already queued, then stop.
			for {
				select {
				case msg := <-c.sendQ:
					_ = c.conn.WriteMessage(msg)
				default:
					return
				}
			}
		}
	}
}

// send marshals and enqueues msg, dropping the oldest queued message when
// the queue is full.
func (c *client) send(msg ServerMessage) {
	raw, err := json.Marshal(msg)
	if err != nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	for {
		select {
		case c.sendQ <- raw:
			return
		default:
		}
		select {
		case <-c.sendQ:
			c.dropped++
		default:
		}
	}
}

// close stops the writer and closes the transport. Idempotent.
func (c *client) close(reason string) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.mu.Unlock()
	close(c.done)
	_ = c.conn.Close(reason)
}
