package realtime

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/eventmarket/messaging/internal/model"
)

const (
	writeWait  = 10 * time.Second
	pingPeriod = 30 * time.Second

	// SendBuffer is the number of outbound frames queued per connection
	// before the client is considered too slow and disconnected.
	SendBuffer = 128
)

var (
	ErrConnectionClosed = errors.New("realtime: connection closed")
	ErrBufferFull       = errors.New("realtime: send buffer full")
)

// Connection wraps a websocket and serializes outbound writes through a
// buffered channel. It is safe for concurrent use.
type Connection struct {
	ID string

	ws   *websocket.Conn
	send chan []byte
	done chan struct{}
	once sync.Once

	shutdownOnce   sync.Once
	shutdownCode   int
	shutdownReason string

	mu         sync.Mutex
	identity   model.Identity
	registered bool
	lastActive time.Time
}

// NewConnection wraps ws. A nil ws yields a connection whose frames stay
// queued, which is what tests use to observe delivery.
func NewConnection(ws *websocket.Conn) *Connection {
	return &Connection{
		ID:         uuid.NewString(),
		ws:         ws,
		send:       make(chan []byte, SendBuffer),
		done:       make(chan struct{}),
		lastActive: time.Now(),
	}
}

// Identity returns the bound identity and whether the connection is registered.
func (c *Connection) Identity() (model.Identity, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.identity, c.registered
}

// UserID is the bound user, or "" before registration.
func (c *Connection) UserID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.identity.UserID
}

// Touch records inbound activity.
func (c *Connection) Touch() {
	c.mu.Lock()
	c.lastActive = time.Now()
	c.mu.Unlock()
}

// LastActive is the time of the most recent inbound frame or registration.
func (c *Connection) LastActive() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastActive
}

func (c *Connection) bind(id model.Identity) {
	c.mu.Lock()
	c.identity = id
	c.registered = true
	c.lastActive = time.Now()
	c.mu.Unlock()
}

func (c *Connection) unbind() {
	c.mu.Lock()
	c.registered = false
	c.mu.Unlock()
}

// Start launches the write loop. It must be called exactly once.
func (c *Connection) Start() {
	if c.ws == nil {
		return
	}
	go c.writeLoop()
}

// Send enqueues payload for delivery. A full buffer closes the connection.
func (c *Connection) Send(payload []byte) error {
	select {
	case <-c.done:
		return ErrConnectionClosed
	default:
	}

	select {
	case <-c.done:
		return ErrConnectionClosed
	case c.send <- payload:
		return nil
	default:
		// Senders may hold hub locks; the close handshake must not block them.
		c.abort(websocket.ClosePolicyViolation, "send buffer full")
		return ErrBufferFull
	}
}

// Shutdown closes the connection once every frame queued before it has been
// written. A full buffer closes immediately.
func (c *Connection) Shutdown(code int, reason string) {
	c.shutdownOnce.Do(func() {
		c.shutdownCode, c.shutdownReason = code, reason
		if c.ws == nil {
			c.Close(code, reason)
			return
		}
		select {
		case c.send <- nil:
		default:
			c.abort(code, reason)
		}
	})
}

// Done is closed once the connection is closed.
func (c *Connection) Done() <-chan struct{} {
	return c.done
}

// Close terminates the connection and stops the write loop. It waits for
// the close frame to be written or for writeWait to pass.
func (c *Connection) Close(code int, reason string) {
	if c.markDone() {
		c.closeSocket(code, reason)
	}
}

// abort marks the connection closed immediately and finishes the close
// handshake in the background.
func (c *Connection) abort(code int, reason string) {
	if c.markDone() {
		go c.closeSocket(code, reason)
	}
}

func (c *Connection) markDone() (first bool) {
	c.once.Do(func() {
		close(c.done)
		first = true
	})
	return first
}

func (c *Connection) closeSocket(code int, reason string) {
	if c.ws == nil {
		return
	}
	_ = c.ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(writeWait))
	_ = c.ws.Close()
}

func (c *Connection) writeLoop() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case msg := <-c.send:
			if msg == nil {
				c.Close(c.shutdownCode, c.shutdownReason)
				return
			}
			if err := c.write(websocket.TextMessage, msg); err != nil {
				c.Close(websocket.CloseAbnormalClosure, "write failed")
				return
			}
		case <-ticker.C:
			if err := c.write(websocket.PingMessage, nil); err != nil {
				c.Close(websocket.CloseAbnormalClosure, "ping failed")
				return
			}
		}
	}
}

func (c *Connection) write(messageType int, payload []byte) error {
	if err := c.ws.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	return c.ws.WriteMessage(messageType, payload)
}
