package hub

import (
	"sync"

	"github.com/google/uuid"
)

type Role string

const (
	RoleUnclassified Role = "unclassified"
	RoleDashboard    Role = "dashboard"
	RoleExecutor     Role = "executor"
)

// Conn is the hub-side handle for one duplex connection. Outbound frames are
// queued on a bounded channel drained by a single writer pump; the hub never
// writes to the transport directly. A full queue marks the connection dead
// rather than blocking a broadcast.
type Conn struct {
	id string

	out       chan []byte
	closed    chan struct{}
	closeOnce sync.Once
}

func newConn(queueSize int) *Conn {
	if queueSize <= 0 {
		queueSize = 256
	}
	return &Conn{
		id:     uuid.NewString(),
		out:    make(chan []byte, queueSize),
		closed: make(chan struct{}),
	}
}

func (c *Conn) ID() string { return c.id }

// Outbound is drained by the connection's writer pump.
func (c *Conn) Outbound() <-chan []byte { return c.out }

// Closed is signalled when the hub gives up on this connection.
func (c *Conn) Closed() <-chan struct{} { return c.closed }

func (c *Conn) close() {
	c.closeOnce.Do(func() { close(c.closed) })
}

// trySend queues a frame without blocking. It reports false when the
// connection is closed or its queue is full.
func (c *Conn) trySend(frame []byte) bool {
	select {
	case <-c.closed:
		return false
	default:
	}
	select {
	case c.out <- frame:
		return true
	default:
		return false
	}
}
