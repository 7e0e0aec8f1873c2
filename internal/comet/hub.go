// ABOUTME: Live registry of agent connections keyed by routing key.
// ABOUTME: Single source of truth for reachability; a superseding handshake evicts the old conn.

package comet

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/jiascheduler/automate/internal/protocol"
)

// TunnelCloser is notified when a connection dies so every tunnel session
// bound to it can be torn down without waiting for idle timeouts.
type TunnelCloser interface {
	CloseAllFor(key string)
}

// RegistryListener observes connections entering and leaving the hub. The
// bus binding uses it to subscribe the relay under each live routing key.
type RegistryListener interface {
	OnRegister(key string)
	OnUnregister(key string)
}

// AgentInfo is a point-in-time view of one connection for status endpoints.
type AgentInfo struct {
	Key         string    `json:"key"`
	Namespace   string    `json:"namespace,omitempty"`
	IP          string    `json:"ip"`
	Version     string    `json:"version,omitempty"`
	State       string    `json:"state"`
	ConnectedAt time.Time `json:"connected_at"`
	LastSeen    time.Time `json:"last_seen"`
	Pending     int       `json:"pending"`
}

// Hub owns the routing key → connection map. Dispatch paths consult it
// directly, never a cache: staleness is misdelivery.
type Hub struct {
	mu       sync.RWMutex
	conns    map[string]*Conn
	tunnels  TunnelCloser
	listener RegistryListener
	logger   *slog.Logger

	// DefaultTimeout bounds a request when the caller does not supply one.
	DefaultTimeout time.Duration
}

// NewHub creates an empty hub.
func NewHub(logger *slog.Logger) *Hub {
	return &Hub{
		conns:          make(map[string]*Conn),
		logger:         logger.With("component", "comet"),
		DefaultTimeout: 30 * time.Second,
	}
}

// SetTunnelCloser wires the tunnel manager's teardown hook. Call before
// serving connections.
func (h *Hub) SetTunnelCloser(tc TunnelCloser) { h.tunnels = tc }

// SetListener wires registry observation. Call before serving connections.
func (h *Hub) SetListener(l RegistryListener) { h.listener = l }

// Register installs conn under its routing key after a successful handshake.
// Exactly one live connection is kept per key: an existing one is sent a
// close notice and dropped so the same key never yields duplicate delivery.
func (h *Hub) Register(conn *Conn) {
	conn.onClose = h.connClosed
	conn.markAuthenticated()

	h.mu.Lock()
	old := h.conns[conn.Key]
	h.conns[conn.Key] = conn
	total := len(h.conns)
	h.mu.Unlock()

	if old != nil {
		old.sendCloseNotice("superseded by a new connection")
		old.Close("superseded")
	} else if h.listener != nil {
		h.listener.OnRegister(conn.Key)
	}

	h.logger.Info("agent connected",
		"key", conn.Key,
		"version", conn.Version,
		"superseded", old != nil,
		"total_agents", total,
	)
}

// connClosed is the Conn close hook: removes the mapping (only if it still
// points at this conn; a superseded conn must not evict its replacement)
// and tears down the connection's tunnel sessions.
func (h *Hub) connClosed(conn *Conn) {
	h.mu.Lock()
	removed := false
	if h.conns[conn.Key] == conn {
		delete(h.conns, conn.Key)
		removed = true
	}
	h.mu.Unlock()

	if removed && h.listener != nil {
		h.listener.OnUnregister(conn.Key)
	}
	if h.tunnels != nil {
		h.tunnels.CloseAllFor(conn.Key)
	}
}

// Get returns the live connection for a routing key.
func (h *Hub) Get(key string) (*Conn, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	conn, ok := h.conns[key]
	return conn, ok
}

// IsOnline reports whether a routing key is reachable right now.
func (h *Hub) IsOnline(key string) bool {
	_, ok := h.Get(key)
	return ok
}

// List snapshots all live connections.
func (h *Hub) List() []AgentInfo {
	h.mu.RLock()
	defer h.mu.RUnlock()

	infos := make([]AgentInfo, 0, len(h.conns))
	for _, c := range h.conns {
		infos = append(infos, AgentInfo{
			Key:         c.Key,
			Namespace:   c.Namespace,
			IP:          c.IP,
			Version:     c.Version,
			State:       c.State().String(),
			ConnectedAt: c.ConnectedAt,
			LastSeen:    c.LastSeen(),
			Pending:     c.PendingCount(),
		})
	}
	return infos
}

// Send forwards a fire-and-forget envelope to the connection for key.
// Returns ErrUnreachable when no live connection exists.
func (h *Hub) Send(key string, env *protocol.Envelope) error {
	conn, ok := h.Get(key)
	if !ok {
		return ErrUnreachable
	}
	return conn.Send(env)
}

// Request forwards a reply-bearing envelope and waits for the correlated
// response. Unknown or dead keys fail immediately with ErrUnreachable
// rather than blocking.
func (h *Hub) Request(ctx context.Context, key string, env *protocol.Envelope, timeout time.Duration) (*protocol.Response, error) {
	conn, ok := h.Get(key)
	if !ok {
		return nil, ErrUnreachable
	}
	if timeout <= 0 {
		timeout = h.DefaultTimeout
	}
	return conn.Request(ctx, env, timeout)
}

// Disconnect force-closes the connection for a routing key, if any.
func (h *Hub) Disconnect(key string, reason string) {
	if conn, ok := h.Get(key); ok {
		conn.Close(reason)
	}
}

// Shutdown closes every connection, used at process exit.
func (h *Hub) Shutdown(reason string) {
	h.mu.RLock()
	conns := make([]*Conn, 0, len(h.conns))
	for _, c := range h.conns {
		conns = append(conns, c)
	}
	h.mu.RUnlock()

	for _, c := range conns {
		c.Close(reason)
	}
}
