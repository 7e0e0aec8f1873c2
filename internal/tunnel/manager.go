// ABOUTME: TunnelManager: opens LinkPairs over the relay and forwards tunnel traffic.
// ABOUTME: Owns session lifecycle; idle timeouts and dead connections tear sessions down.

package tunnel

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/jiascheduler/automate/internal/comet"
	"github.com/jiascheduler/automate/internal/protocol"
)

// Sender is the slice of the relay hub the manager needs: fire-and-forget
// and correlated sends toward a routing key.
type Sender interface {
	Send(key string, env *protocol.Envelope) error
	Request(ctx context.Context, key string, env *protocol.Envelope, timeout time.Duration) (*protocol.Response, error)
}

// Manager owns every LinkPair. It is the comet.Handler for tunnel envelopes
// and the comet.TunnelCloser for connection death.
type Manager struct {
	mu       sync.Mutex
	sessions map[string]*Session
	byKey    map[string]map[string]*Session

	sender      Sender
	openTimeout time.Duration
	idleTimeout time.Duration
	logger      *slog.Logger
	done        chan struct{}
	stopOnce    sync.Once
}

// NewManager creates a tunnel manager. idleTimeout zero disables the idle
// reaper.
func NewManager(sender Sender, openTimeout, idleTimeout time.Duration, logger *slog.Logger) *Manager {
	m := &Manager{
		sessions:    make(map[string]*Session),
		byKey:       make(map[string]map[string]*Session),
		sender:      sender,
		openTimeout: openTimeout,
		idleTimeout: idleTimeout,
		logger:      logger.With("component", "tunnel"),
		done:        make(chan struct{}),
	}
	if idleTimeout > 0 {
		go m.reapIdle()
	}
	return m
}

// Open builds a LinkPair toward the agent at key: allocates a session id,
// sends the tunnel-open control envelope, and waits for the agent's ack.
// The pair is Open once this returns nil error.
func (m *Manager) Open(ctx context.Context, key string, params protocol.TunnelOpenParams) (*Session, error) {
	params.SessionID = uuid.NewString()

	s := &Session{
		ID:       params.SessionID,
		Key:      key,
		Purpose:  params.Purpose,
		manager:  m,
		toClient: make(chan []byte, sessionBufferChunks),
		closed:   make(chan struct{}),
		openedAt: time.Now(),
	}
	s.touch()

	m.mu.Lock()
	m.sessions[s.ID] = s
	if m.byKey[key] == nil {
		m.byKey[key] = make(map[string]*Session)
	}
	m.byKey[key][s.ID] = s
	m.mu.Unlock()

	env, err := protocol.NewEnvelope(protocol.NewCorrelationID("tunnel"), protocol.KindTunnelOpen, &params)
	if err != nil {
		m.remove(s)
		return nil, err
	}

	resp, err := m.sender.Request(ctx, key, env, m.openTimeout)
	if err != nil {
		m.remove(s)
		return nil, fmt.Errorf("opening tunnel to %s: %w", key, err)
	}
	if !resp.OK() {
		m.remove(s)
		return nil, fmt.Errorf("agent refused tunnel: %s", resp.Error)
	}

	m.logger.Info("tunnel opened", "session_id", s.ID, "key", key, "purpose", s.Purpose)
	return s, nil
}

// Get returns the session for id, if it is still registered.
func (m *Manager) Get(sessionID string) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionID]
	return s, ok
}

// SessionCount reports open sessions, optionally filtered by routing key.
func (m *Manager) SessionCount(key string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if key == "" {
		return len(m.sessions)
	}
	return len(m.byKey[key])
}

// writeToAgent forwards a client-originated chunk through the relay. Raw
// bytes, never interpreted.
func (m *Manager) writeToAgent(s *Session, chunk []byte) error {
	env, err := protocol.NewEnvelope("", protocol.KindTunnelData, &protocol.TunnelDataParams{
		SessionID: s.ID,
		Chunk:     chunk,
	})
	if err != nil {
		return err
	}
	if err := m.sender.Send(s.Key, env); err != nil {
		m.close(s, "agent unreachable", false)
		return ErrSessionClosed
	}
	return nil
}

// OnTunnelData implements comet.Handler: chunks from the agent end are
// delivered to the client end in arrival order.
func (m *Manager) OnTunnelData(_ *comet.Conn, p *protocol.TunnelDataParams) {
	s, ok := m.Get(p.SessionID)
	if !ok {
		m.logger.Warn("dropping data for unknown session", "session_id", p.SessionID)
		return
	}
	s.deliver(p.Chunk)
}

// OnTunnelClose implements comet.Handler: the agent end closed, so the
// client end is released without echoing a close back.
func (m *Manager) OnTunnelClose(_ *comet.Conn, p *protocol.TunnelCloseParams) {
	s, ok := m.Get(p.SessionID)
	if !ok {
		return
	}
	reason := p.Reason
	if reason == "" {
		reason = "closed by agent"
	}
	m.close(s, reason, false)
}

// CloseAllFor implements comet.TunnelCloser: the agent connection died, so
// every session bound to it closes now, not at its idle deadline.
func (m *Manager) CloseAllFor(key string) {
	m.mu.Lock()
	sessions := make([]*Session, 0, len(m.byKey[key]))
	for _, s := range m.byKey[key] {
		sessions = append(sessions, s)
	}
	m.mu.Unlock()

	for _, s := range sessions {
		m.close(s, "agent disconnected", false)
	}
}

// Shutdown closes every session and stops the idle reaper.
func (m *Manager) Shutdown() {
	m.stopOnce.Do(func() { close(m.done) })

	m.mu.Lock()
	sessions := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.mu.Unlock()

	for _, s := range sessions {
		m.close(s, "shutting down", true)
	}
}

// close tears one session down. notifyAgent controls whether a tunnel-close
// envelope is sent toward the agent end (never when the close originated
// there or the connection is already gone).
func (m *Manager) close(s *Session, reason string, notifyAgent bool) {
	if !s.markClosed(reason) {
		return
	}
	m.remove(s)

	if notifyAgent {
		env, err := protocol.NewEnvelope("", protocol.KindTunnelClose, &protocol.TunnelCloseParams{
			SessionID: s.ID,
			Reason:    reason,
		})
		if err == nil {
			// Best effort: the agent may already be gone.
			_ = m.sender.Send(s.Key, env)
		}
	}

	m.logger.Info("tunnel closed", "session_id", s.ID, "key", s.Key, "reason", reason)
}

func (m *Manager) remove(s *Session) {
	m.mu.Lock()
	delete(m.sessions, s.ID)
	if peers := m.byKey[s.Key]; peers != nil {
		delete(peers, s.ID)
		if len(peers) == 0 {
			delete(m.byKey, s.Key)
		}
	}
	m.mu.Unlock()
}

// reapIdle closes sessions that exceeded the idle timeout.
func (m *Manager) reapIdle() {
	interval := m.idleTimeout / 2
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.mu.Lock()
			var idle []*Session
			for _, s := range m.sessions {
				if time.Since(s.idleSince()) > m.idleTimeout {
					idle = append(idle, s)
				}
			}
			m.mu.Unlock()

			for _, s := range idle {
				m.close(s, "idle timeout", true)
			}
		case <-m.done:
			return
		}
	}
}
