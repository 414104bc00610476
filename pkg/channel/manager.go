// Package channel fans stream state out to connected WebSocket clients.
// Overlay connections (/socket) are read-only consumers; dashboard
// connections (/control) may additionally issue commands. The protocol is
// JSON, one message per WebSocket frame, discriminated on "t".
//
// Delivery contract per client: the snapshot frame always arrives before
// any delta, deltas arrive in bus order, and a client that cannot keep up
// with its outbound queue is disconnected rather than allowed to stall
// the broadcast path.
package channel

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"

	"github.com/zelan-stream/zelan/pkg/bus"
	"github.com/zelan-stream/zelan/pkg/fleet"
	"github.com/zelan-stream/zelan/pkg/models"
	"github.com/zelan-stream/zelan/pkg/supervisor"
)

// Heartbeat contract: a ping every pingInterval, disconnect after
// idleTimeout without any inbound frame (6x ratio).
const (
	defaultPingInterval = 15 * time.Second
	defaultIdleTimeout  = 90 * time.Second
	sendQueueSize       = 1024
)

// Role distinguishes read-only overlays from command-capable dashboards.
type Role int

const (
	RoleOverlay Role = iota
	RoleDashboard
)

// Command is a dashboard request. Name selects the operation; the other
// fields are operation-specific.
type Command struct {
	Name          string              `json:"name"`
	Node          string              `json:"node,omitempty"`
	ID            string              `json:"id,omitempty"`
	Spec          *models.ProcessSpec `json:"spec,omitempty"`
	Alert         *models.Alert       `json:"alert,omitempty"`
	Rotation      []models.AlertType  `json:"rotation,omitempty"`
	CorrelationID string              `json:"correlation_id"`
}

// CommandHandler executes one dashboard command.
type CommandHandler func(ctx context.Context, cmd Command) error

// Manager owns the client set and the bus-to-client forwarding loop.
type Manager struct {
	bus      *bus.Bus
	snapshot func() *models.StreamState
	handler  CommandHandler
	topics   []string
	logger   *slog.Logger

	pingInterval time.Duration
	idleTimeout  time.Duration
	queueSize    int

	mu      sync.Mutex
	clients map[*client]struct{}
}

type client struct {
	conn *websocket.Conn
	role Role
	send chan []byte
	done chan struct{}

	lastSeen  atomic.Int64 // unix nanos of last inbound frame
	closeOnce sync.Once
}

// NewManager creates a channel manager. snapshot supplies the
// connection-time state; topics lists bus patterns forwarded beyond the
// built-in stream and process events.
func NewManager(b *bus.Bus, snapshot func() *models.StreamState, handler CommandHandler, topics []string) *Manager {
	return &Manager{
		bus:          b,
		snapshot:     snapshot,
		handler:      handler,
		topics:       topics,
		logger:       slog.With("component", "channel"),
		pingInterval: defaultPingInterval,
		idleTimeout:  defaultIdleTimeout,
		queueSize:    sendQueueSize,
		clients:      make(map[*client]struct{}),
	}
}

// Run forwards bus traffic to clients and drives the heartbeat until the
// context is cancelled.
func (m *Manager) Run(ctx context.Context) error {
	patterns := append([]string{models.EventStreamState, "process.*"}, m.topics...)
	sub := m.bus.Subscribe(patterns...)
	defer sub.Close()

	ticker := time.NewTicker(m.pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			m.closeAll(websocket.StatusGoingAway, "shutdown")
			return ctx.Err()
		case env, ok := <-sub.C():
			if !ok {
				m.closeAll(websocket.StatusGoingAway, "shutdown")
				return nil
			}
			frame, err := encodeFrame(env.Type, env.Payload)
			if err != nil {
				m.logger.Warn("Dropping unencodable envelope", "event_type", env.Type, "error", err)
				continue
			}
			m.broadcast(frame)
		case <-ticker.C:
			m.heartbeat()
		}
	}
}

// ClientCount reports the connected-client total for health summaries.
func (m *Manager) ClientCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.clients)
}

// Serve owns one WebSocket connection until it closes: registers the
// client, delivers the snapshot, then pumps inbound frames. Blocks, so
// call it from the HTTP handler goroutine.
func (m *Manager) Serve(ctx context.Context, conn *websocket.Conn, role Role) {
	c := &client{
		conn: conn,
		role: role,
		send: make(chan []byte, m.queueSize),
		done: make(chan struct{}),
	}
	c.lastSeen.Store(time.Now().UnixNano())

	// Snapshot read, snapshot enqueue, and registration happen under the
	// broadcast lock: a state change is either in the snapshot or queued
	// behind it, never lost between the two.
	m.mu.Lock()
	snap, err := encodeSnapshot(m.snapshot())
	if err != nil {
		m.mu.Unlock()
		m.logger.Error("Snapshot encode failed", "error", err)
		conn.Close(websocket.StatusInternalError, "snapshot")
		return
	}
	c.send <- snap
	m.clients[c] = struct{}{}
	total := len(m.clients)
	m.mu.Unlock()
	m.logger.Info("Client connected", "role", roleName(role), "clients", total)

	go m.writeLoop(ctx, c)
	m.readLoop(ctx, c)

	m.unregister(c)
	c.close(websocket.StatusNormalClosure, "")
}

func (m *Manager) unregister(c *client) {
	m.mu.Lock()
	delete(m.clients, c)
	total := len(m.clients)
	m.mu.Unlock()
	m.logger.Info("Client disconnected", "role", roleName(c.role), "clients", total)
}

// broadcast queues a frame on every client. A full queue means the client
// has fallen a whole window behind; it is cut loose immediately.
func (m *Manager) broadcast(frame []byte) {
	m.mu.Lock()
	clients := make([]*client, 0, len(m.clients))
	for c := range m.clients {
		clients = append(clients, c)
	}
	m.mu.Unlock()

	for _, c := range clients {
		select {
		case c.send <- frame:
		default:
			m.logger.Warn("Disconnecting slow consumer", "role", roleName(c.role))
			c.close(websocket.StatusPolicyViolation, "slow_consumer")
		}
	}
}

func (m *Manager) heartbeat() {
	cutoff := time.Now().Add(-m.idleTimeout).UnixNano()
	m.broadcast([]byte(`{"t":"ping"}`))

	m.mu.Lock()
	clients := make([]*client, 0, len(m.clients))
	for c := range m.clients {
		clients = append(clients, c)
	}
	m.mu.Unlock()

	for _, c := range clients {
		if c.lastSeen.Load() < cutoff {
			m.logger.Info("Disconnecting idle client", "role", roleName(c.role))
			c.close(websocket.StatusPolicyViolation, "idle_timeout")
		}
	}
}

func (m *Manager) closeAll(code websocket.StatusCode, reason string) {
	m.mu.Lock()
	clients := make([]*client, 0, len(m.clients))
	for c := range m.clients {
		clients = append(clients, c)
	}
	m.clients = make(map[*client]struct{})
	m.mu.Unlock()
	for _, c := range clients {
		c.close(code, reason)
	}
}

func (m *Manager) writeLoop(ctx context.Context, c *client) {
	for {
		select {
		case <-c.done:
			return
		case <-ctx.Done():
			return
		case frame := <-c.send:
			if err := c.conn.Write(ctx, websocket.MessageText, frame); err != nil {
				c.close(websocket.StatusNormalClosure, "")
				return
			}
		}
	}
}

func (m *Manager) readLoop(ctx context.Context, c *client) {
	for {
		_, data, err := c.conn.Read(ctx)
		if err != nil {
			return
		}
		c.lastSeen.Store(time.Now().UnixNano())

		var frame struct {
			T string `json:"t"`
		}
		if err := json.Unmarshal(data, &frame); err != nil {
			m.logger.Debug("Dropping malformed client frame", "error", err)
			continue
		}

		switch frame.T {
		case "pong":
		case "command":
			m.handleCommand(ctx, c, data)
		default:
			m.logger.Debug("Dropping unknown client frame", "type", frame.T)
		}
	}
}

func (m *Manager) handleCommand(ctx context.Context, c *client, data []byte) {
	var cmd Command
	if err := json.Unmarshal(data, &cmd); err != nil {
		c.reply("", false, "invalid_message")
		return
	}
	if c.role != RoleDashboard {
		c.reply(cmd.CorrelationID, false, "invalid_message")
		return
	}
	if m.handler == nil {
		c.reply(cmd.CorrelationID, false, "unknown_type")
		return
	}

	if err := m.handler(ctx, cmd); err != nil {
		m.logger.Info("Command failed",
			"command", cmd.Name, "node", cmd.Node, "process_id", cmd.ID, "error", err)
		c.reply(cmd.CorrelationID, false, errorCode(err))
		return
	}
	c.reply(cmd.CorrelationID, true, "")
}

type replyFrame struct {
	T             string `json:"t"`
	CorrelationID string `json:"correlation_id"`
	OK            bool   `json:"ok"`
	Error         string `json:"error,omitempty"`
}

func (c *client) reply(correlationID string, ok bool, code string) {
	data, err := json.Marshal(replyFrame{
		T:             "reply",
		CorrelationID: correlationID,
		OK:            ok,
		Error:         code,
	})
	if err != nil {
		return
	}
	select {
	case c.send <- data:
	default:
		c.close(websocket.StatusPolicyViolation, "slow_consumer")
	}
}

func (c *client) close(code websocket.StatusCode, reason string) {
	c.closeOnce.Do(func() {
		close(c.done)
		_ = c.conn.Close(code, reason)
	})
}

// encodeFrame renders a bus envelope as a protocol frame: the payload's
// fields inline plus the "t" discriminator.
func encodeFrame(eventType string, payload any) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	fields := map[string]json.RawMessage{}
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, err
	}
	fields["t"] = json.RawMessage(`"` + eventType + `"`)
	return json.Marshal(fields)
}

func encodeSnapshot(state *models.StreamState) ([]byte, error) {
	return json.Marshal(struct {
		T     string              `json:"t"`
		State *models.StreamState `json:"state"`
	}{T: "snapshot", State: state})
}

// errorCode maps handler failures to the protocol's machine-readable
// error vocabulary.
func errorCode(err error) string {
	switch {
	case errors.Is(err, supervisor.ErrAlreadyExists),
		errors.Is(err, supervisor.ErrNotFound),
		errors.Is(err, supervisor.ErrBusy),
		errors.Is(err, supervisor.ErrPortInUse),
		errors.Is(err, supervisor.ErrInvalidState),
		errors.Is(err, fleet.ErrNodeNotFound),
		errors.Is(err, fleet.ErrNodeUnreachable),
		errors.Is(err, fleet.ErrTimeout):
		return unwrapSentinel(err)
	case errors.Is(err, ErrUnknownCommand):
		return "unknown_type"
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	default:
		return "internal"
	}
}

// unwrapSentinel digs out the sentinel's own message so wrapped context
// never leaks into the protocol field.
func unwrapSentinel(err error) string {
	for _, sentinel := range []error{
		supervisor.ErrAlreadyExists, supervisor.ErrNotFound, supervisor.ErrBusy,
		supervisor.ErrPortInUse, supervisor.ErrInvalidState,
		fleet.ErrNodeNotFound, fleet.ErrNodeUnreachable, fleet.ErrTimeout,
	} {
		if errors.Is(err, sentinel) {
			return sentinel.Error()
		}
	}
	return "internal"
}

func roleName(r Role) string {
	if r == RoleDashboard {
		return "dashboard"
	}
	return "overlay"
}
