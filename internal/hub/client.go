package hub

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/coder/websocket"
)

// sendBuffer bounds the per-client outbound queue. A client that
// cannot drain it loses messages rather than stalling the session.
const sendBuffer = 256

// conn is one connected WebSocket client.
type conn struct {
	id          string
	clientType  string
	authSession string // session the bearer token is scoped to
	ws          *websocket.Conn

	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once

	mu        sync.Mutex
	sessionID string // attached session, empty between attaches
	lastAck   time.Time
	dropped   int

	// partial command line, for guardrail checks
	cmdline string
}

func newConn(id, clientType, authSession string, ws *websocket.Conn) *conn {
	return &conn{
		id:          id,
		clientType:  clientType,
		authSession: authSession,
		ws:          ws,
		send:        make(chan []byte, sendBuffer),
		done:        make(chan struct{}),
		lastAck:     time.Now(),
	}
}

// enqueue queues an encoded frame, dropping it when the client is
// congested. Returns false on drop.
func (c *conn) enqueue(frame []byte) bool {
	select {
	case c.send <- frame:
		return true
	default:
		c.mu.Lock()
		c.dropped++
		c.mu.Unlock()
		return false
	}
}

// enqueueJSON marshals v and queues it.
func (c *conn) enqueueJSON(v any) bool {
	frame, err := json.Marshal(v)
	if err != nil {
		return false
	}
	return c.enqueue(frame)
}

// writePump drains the send queue to the socket until the connection
// dies.
func (c *conn) writePump(ctx context.Context) {
	for {
		select {
		case frame := <-c.send:
			writeCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			err := c.ws.Write(writeCtx, websocket.MessageText, frame)
			cancel()
			if err != nil {
				return
			}
		case <-c.done:
			return
		case <-ctx.Done():
			return
		}
	}
}

// attachedTo returns the currently attached session.
func (c *conn) attachedTo() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionID
}

func (c *conn) setAttached(sessionID string) {
	c.mu.Lock()
	c.sessionID = sessionID
	c.mu.Unlock()
}

func (c *conn) markAlive() {
	c.mu.Lock()
	c.lastAck = time.Now()
	c.mu.Unlock()
}

func (c *conn) aliveSince() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastAck
}

func (c *conn) close() {
	c.closeOnce.Do(func() { close(c.done) })
}
