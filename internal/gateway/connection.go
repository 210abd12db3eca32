package gateway

import (
	"sync"
	"time"

	"github.com/projectpulse/notifier/internal/event"
)

// Transport is the write side of one client socket. The registry entry
// owns it exclusively and closes it when the connection is removed.
type Transport interface {
	WriteMessage(m event.Message) error
	Close() error
}

// Connection is one live client session. A connection starts unscoped;
// a subscribe frame assigns it a single project scope (last one wins).
type Connection struct {
	Id          string
	ConnectedAt time.Time

	transport Transport
	send      chan event.Message
	done      chan struct{}
	closeOnce sync.Once

	mu             sync.RWMutex
	projectId      string
	userId         string
	alive          bool
	lastResponseAt time.Time
}

func NewConnection(id string, transport Transport, sendBufferSize int) *Connection {
	if sendBufferSize <= 0 {
		sendBufferSize = 64
	}

	now := time.Now()

	return &Connection{
		Id:             id,
		ConnectedAt:    now,
		transport:      transport,
		send:           make(chan event.Message, sendBufferSize),
		done:           make(chan struct{}),
		alive:          true,
		lastResponseAt: now,
	}
}

func (c *Connection) SetProjectScope(projectId string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.projectId = projectId
}

func (c *Connection) ProjectScope() string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return c.projectId
}

func (c *Connection) SetUserId(userId string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.userId = userId
}

func (c *Connection) UserId() string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return c.userId
}

// MarkPending flips the liveness flag down; the connection must respond
// before the monitor's next tick or it is evicted.
func (c *Connection) MarkPending() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.alive = false
}

func (c *Connection) MarkAlive(respondedAt time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.alive = true
	c.lastResponseAt = respondedAt
}

func (c *Connection) IsAlive() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return c.alive
}

func (c *Connection) LastResponseAt() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return c.lastResponseAt
}

// Enqueue hands a message to the connection's writer without blocking.
// It reports false when the connection is closed or its send queue is
// full; the caller decides what to do with the connection then.
func (c *Connection) Enqueue(m event.Message) bool {
	select {
	case <-c.done:
		return false
	default:
	}

	select {
	case c.send <- m:
		return true
	default:
		return false
	}
}

// Done is closed when the connection has been torn down.
func (c *Connection) Done() <-chan struct{} {
	return c.done
}

// Close stops the writer and releases the transport. Idempotent; the
// transport is closed exactly once no matter how many removal paths race.
func (c *Connection) Close() {
	c.closeOnce.Do(func() {
		close(c.done)
		c.transport.Close()
	})
}
