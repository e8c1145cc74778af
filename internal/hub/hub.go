package hub

import (
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/slotwatch/bookerd/internal/observability"
	"github.com/slotwatch/bookerd/internal/protocol"
)

// Handler processes one inbound message from a connection whose role is
// eligible for the message type.
type Handler func(conn *Conn, msg any)

type handlerKey struct {
	role Role
	typ  protocol.MessageType
}

// Hub tracks live connections partitioned by role and routes typed messages
// between them. Membership changes are visible to the next dispatch
// immediately; there is no queueing of membership changes.
type Hub struct {
	mu       sync.Mutex
	conns    map[*Conn]Role
	handlers map[handlerKey]Handler

	queueSize int
	metrics   *observability.Metrics
	now       func() time.Time
}

func New(queueSize int, metrics *observability.Metrics) *Hub {
	return &Hub{
		conns:     make(map[*Conn]Role),
		handlers:  make(map[handlerKey]Handler),
		queueSize: queueSize,
		metrics:   metrics,
		now:       time.Now,
	}
}

// Handle registers the handler for a (role, type) pair. Registration happens
// during wiring, before any connection is admitted.
func (h *Hub) Handle(role Role, typ protocol.MessageType, fn Handler) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.handlers[handlerKey{role: role, typ: typ}] = fn
}

// Admit creates a connection handle in the unclassified pool.
func (h *Hub) Admit() *Conn {
	c := newConn(h.queueSize)
	h.mu.Lock()
	h.conns[c] = RoleUnclassified
	h.mu.Unlock()
	h.updateGauges()
	return c
}

// Remove drops a connection from whatever set it is in. Removing a
// connection that is not present is a no-op, which absorbs double-close races.
func (h *Hub) Remove(c *Conn) {
	h.mu.Lock()
	_, present := h.conns[c]
	delete(h.conns, c)
	h.mu.Unlock()
	c.close()
	if present {
		h.updateGauges()
	}
}

// Role reports the connection's current role, or unclassified if it is gone.
func (h *Hub) Role(c *Conn) Role {
	h.mu.Lock()
	defer h.mu.Unlock()
	role, ok := h.conns[c]
	if !ok {
		return RoleUnclassified
	}
	return role
}

// Snapshot returns the live connections currently holding a role.
func (h *Hub) Snapshot(role Role) []*Conn {
	h.mu.Lock()
	defer h.mu.Unlock()
	var out []*Conn
	for c, r := range h.conns {
		if r == role {
			out = append(out, c)
		}
	}
	return out
}

// reclassify moves a connection out of the unclassified pool. Classification
// is one-directional and final for the life of the connection.
func (h *Hub) reclassify(c *Conn, role Role) (Role, bool) {
	h.mu.Lock()
	current, ok := h.conns[c]
	if !ok {
		h.mu.Unlock()
		return RoleUnclassified, false
	}
	if current != RoleUnclassified {
		h.mu.Unlock()
		return current, current == role
	}
	h.conns[c] = role
	h.mu.Unlock()
	h.updateGauges()
	return role, true
}

// Dispatch parses a raw inbound frame and routes it. Protocol errors are
// answered with an error_event to the sender and never propagate.
func (h *Hub) Dispatch(c *Conn, raw []byte) {
	msg, err := protocol.ParseClientMessage(raw)
	if err != nil {
		log.Printf("hub: protocol error from %s: %v", c.ID(), err)
		h.SendTo(c, protocol.ErrorEvent{
			Type:   protocol.TypeErrorEvent,
			Code:   "invalid_message",
			Detail: err.Error(),
		})
		return
	}

	typ, _ := protocol.MessageTypeOf(msg)
	if h.metrics != nil {
		h.metrics.WSMessages.WithLabelValues("inbound", string(typ)).Inc()
	}

	switch m := msg.(type) {
	case protocol.Ping:
		h.SendTo(c, protocol.Pong{Type: protocol.TypePong, TSMs: h.now().UnixMilli()})
		return
	case protocol.HelloDashboard:
		h.classify(c, RoleDashboard)
		return
	case protocol.HelloExecutor:
		h.classify(c, RoleExecutor)
		return
	default:
		_ = m
	}

	role := h.Role(c)
	if role == RoleUnclassified {
		// No hello yet: a connection speaking task commands is a dashboard.
		role, _ = h.reclassify(c, RoleDashboard)
	}

	h.mu.Lock()
	fn, ok := h.handlers[handlerKey{role: role, typ: typ}]
	h.mu.Unlock()
	if !ok {
		log.Printf("hub: no handler for type %q from role %q (conn %s)", typ, role, c.ID())
		h.SendTo(c, protocol.ErrorEvent{
			Type:   protocol.TypeErrorEvent,
			Code:   "not_eligible",
			Detail: "message type " + string(typ) + " is not accepted from role " + string(role),
		})
		return
	}
	fn(c, msg)
}

func (h *Hub) classify(c *Conn, role Role) {
	got, ok := h.reclassify(c, role)
	if !ok && got != role {
		h.SendTo(c, protocol.ErrorEvent{
			Type:   protocol.TypeErrorEvent,
			Code:   "already_classified",
			Detail: "connection is already " + string(got),
		})
		return
	}
	log.Printf("hub: conn %s classified as %s", c.ID(), role)
	h.SendTo(c, protocol.Welcome{
		Type:    protocol.TypeWelcome,
		Role:    string(role),
		Message: "bookerd is ready",
	})
}

// SendTo queues one message for a single connection. A connection that cannot
// accept the frame is treated as dead and removed.
func (h *Hub) SendTo(c *Conn, v any) bool {
	frame, err := json.Marshal(v)
	if err != nil {
		log.Printf("hub: marshal outbound: %v", err)
		return false
	}
	return h.deliver(c, frame, v)
}

// Broadcast serializes once and fans the message out to every live connection
// in the role's set, returning the delivered count. An empty target set is a
// zero-delivery success: executors connect opportunistically and "nobody is
// listening right now" is normal.
func (h *Hub) Broadcast(v any, role Role) int {
	frame, err := json.Marshal(v)
	if err != nil {
		log.Printf("hub: marshal broadcast: %v", err)
		return 0
	}
	typ, _ := protocol.MessageTypeOf(v)

	delivered := 0
	for _, c := range h.Snapshot(role) {
		if h.deliver(c, frame, v) {
			delivered++
			if h.metrics != nil {
				h.metrics.BroadcastDeliveries.WithLabelValues(string(typ), "delivered").Inc()
			}
		} else if h.metrics != nil {
			h.metrics.BroadcastDeliveries.WithLabelValues(string(typ), "dropped").Inc()
		}
	}
	return delivered
}

func (h *Hub) deliver(c *Conn, frame []byte, v any) bool {
	if c.trySend(frame) {
		if h.metrics != nil {
			if typ, ok := protocol.MessageTypeOf(v); ok {
				h.metrics.WSMessages.WithLabelValues("outbound", string(typ)).Inc()
			}
		}
		return true
	}
	log.Printf("hub: conn %s queue full or closed, dropping connection", c.ID())
	h.Remove(c)
	return false
}

// Counts reports live connections per role for the health endpoints.
func (h *Hub) Counts() map[Role]int {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := map[Role]int{RoleUnclassified: 0, RoleDashboard: 0, RoleExecutor: 0}
	for _, r := range h.conns {
		out[r]++
	}
	return out
}

func (h *Hub) updateGauges() {
	if h.metrics == nil {
		return
	}
	for role, n := range h.Counts() {
		h.metrics.ActiveConnections.WithLabelValues(string(role)).Set(float64(n))
	}
}
