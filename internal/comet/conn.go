// ABOUTME: One live agent connection: state machine, read/write pumps, heartbeat deadline.
// ABOUTME: Owns the pending-request table; disconnect promptly fails everything in flight.

package comet

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jiascheduler/automate/internal/protocol"
)

// State tracks the connection lifecycle:
// Connecting → Authenticated → Active → Closing → Closed.
type State int32

const (
	StateConnecting State = iota
	StateAuthenticated
	StateActive
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateAuthenticated:
		return "authenticated"
	case StateActive:
		return "active"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Transport is the framed message pipe beneath one connection. The websocket
// implementation lives in server.go; tests substitute an in-memory pipe.
type Transport interface {
	ReadMessage() ([]byte, error)
	WriteMessage(data []byte) error
	Close() error
}

// Handler receives inbound envelopes that are not responses to pending
// requests: tunnel traffic and session teardown.
type Handler interface {
	OnTunnelData(conn *Conn, p *protocol.TunnelDataParams)
	OnTunnelClose(conn *Conn, p *protocol.TunnelCloseParams)
}

// outboxSize bounds queued outbound frames per connection. A full outbox
// blocks senders, which is what propagates backpressure into the tunnel
// layer instead of buffering without limit.
const outboxSize = 64

// ConnParams configures a new Conn.
type ConnParams struct {
	Key              string
	Namespace        string
	IP               string
	Version          string
	Transport        Transport
	HeartbeatTimeout time.Duration
	Logger           *slog.Logger
}

// Conn represents one authenticated agent connection keyed by routing key.
type Conn struct {
	Key         string
	Namespace   string
	IP          string
	Version     string
	ConnectedAt time.Time

	transport Transport
	writeMu   sync.Mutex
	pending   *pendingTable
	outbox    chan []byte
	done      chan struct{}
	closeOnce sync.Once
	state     atomic.Int32
	lastSeen  atomic.Int64
	hbTimeout time.Duration
	onClose   func(*Conn)
	logger    *slog.Logger
}

// NewConn creates a connection in the Connecting state.
func NewConn(p ConnParams) *Conn {
	c := &Conn{
		Key:         p.Key,
		Namespace:   p.Namespace,
		IP:          p.IP,
		Version:     p.Version,
		ConnectedAt: time.Now(),
		transport:   p.Transport,
		pending:     newPendingTable(),
		outbox:      make(chan []byte, outboxSize),
		done:        make(chan struct{}),
		hbTimeout:   p.HeartbeatTimeout,
		logger:      p.Logger.With("key", p.Key),
	}
	c.state.Store(int32(StateConnecting))
	c.lastSeen.Store(time.Now().UnixNano())
	return c
}

// State returns the current lifecycle state.
func (c *Conn) State() State {
	return State(c.state.Load())
}

// LastSeen returns the time of the most recent valid inbound frame.
func (c *Conn) LastSeen() time.Time {
	return time.Unix(0, c.lastSeen.Load())
}

// markAuthenticated records a successful handshake.
func (c *Conn) markAuthenticated() {
	c.state.CompareAndSwap(int32(StateConnecting), int32(StateAuthenticated))
}

// markActive moves Authenticated → Active on the first post-handshake
// message and refreshes the liveness clock on every one after.
func (c *Conn) markActive() {
	c.lastSeen.Store(time.Now().UnixNano())
	c.state.CompareAndSwap(int32(StateAuthenticated), int32(StateActive))
}

// Send queues one envelope for the write pump. Blocks when the outbox is
// full; fails once the connection is closed.
func (c *Conn) Send(env *protocol.Envelope) error {
	data, err := protocol.Encode(env)
	if err != nil {
		return err
	}
	select {
	case <-c.done:
		return ErrClosed
	default:
	}
	select {
	case c.outbox <- data:
		return nil
	case <-c.done:
		return ErrClosed
	}
}

// Request sends a reply-bearing envelope and waits for the correlated
// response. Resolution is exactly once: a matching response, the timeout, or
// connection death, whichever comes first.
func (c *Conn) Request(ctx context.Context, env *protocol.Envelope, timeout time.Duration) (*protocol.Response, error) {
	if env.ID == "" {
		return nil, fmt.Errorf("%w: request envelope without correlation id", ErrProtocol)
	}

	ch := c.pending.create(env.ID, timeout)
	if err := c.Send(env); err != nil {
		c.pending.remove(env.ID)
		return nil, err
	}

	select {
	case out := <-ch:
		return out.resp, out.err
	case <-ctx.Done():
		c.pending.remove(env.ID)
		return nil, ctx.Err()
	}
}

// PendingCount reports in-flight requests, for status endpoints and tests.
func (c *Conn) PendingCount() int {
	return c.pending.size()
}

// Run drives the connection: write pump, heartbeat watchdog, and the read
// loop. Blocks until the connection closes. Envelopes from one connection
// are processed in arrival order.
func (c *Conn) Run(handler Handler) {
	go c.writePump()
	go c.watchdog()
	c.readLoop(handler)
}

// write serializes transport writes between the pump and the direct path
// used for close notices.
func (c *Conn) write(data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.transport.WriteMessage(data)
}

func (c *Conn) writePump() {
	for {
		select {
		case data := <-c.outbox:
			if err := c.write(data); err != nil {
				c.Close("write failed: " + err.Error())
				return
			}
		case <-c.done:
			return
		}
	}
}

// watchdog closes the connection when no valid frame arrives within the
// heartbeat window.
func (c *Conn) watchdog() {
	if c.hbTimeout <= 0 {
		return
	}
	ticker := time.NewTicker(c.hbTimeout / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if time.Since(c.LastSeen()) > c.hbTimeout {
				c.Close("heartbeat timeout")
				return
			}
		case <-c.done:
			return
		}
	}
}

func (c *Conn) readLoop(handler Handler) {
	for {
		data, err := c.transport.ReadMessage()
		if err != nil {
			c.Close("read failed: " + err.Error())
			return
		}

		env, err := protocol.Decode(data)
		if err != nil {
			// Malformed frame is a protocol violation: drop the peer,
			// never the relay.
			c.logger.Warn("dropping malformed frame", "error", err)
			c.Close("protocol violation")
			return
		}

		c.markActive()

		switch env.Kind {
		case protocol.KindHeartbeat:
			// Liveness already refreshed by markActive.

		case protocol.KindResponse:
			resp, err := protocol.UnmarshalPayload[protocol.Response](env)
			if err != nil {
				c.logger.Warn("dropping malformed response", "error", err, "id", env.ID)
				continue
			}
			if !c.pending.resolve(env.ID, resp) {
				c.logger.Warn("discarding response for unknown or resolved request", "id", env.ID)
			}

		case protocol.KindTunnelData:
			p, err := protocol.UnmarshalPayload[protocol.TunnelDataParams](env)
			if err != nil {
				c.logger.Warn("dropping malformed tunnel data", "error", err)
				continue
			}
			if handler != nil {
				handler.OnTunnelData(c, p)
			}

		case protocol.KindTunnelClose:
			p, err := protocol.UnmarshalPayload[protocol.TunnelCloseParams](env)
			if err != nil {
				c.logger.Warn("dropping malformed tunnel close", "error", err)
				continue
			}
			if handler != nil {
				handler.OnTunnelClose(c, p)
			}

		default:
			c.logger.Warn("dropping unexpected inbound kind", "kind", env.Kind)
		}
	}
}

// sendCloseNotice tells a superseded connection why it is being dropped.
// Written directly, not through the outbox: the connection is about to be
// closed and the notice must not die queued behind it. Still best effort:
// a dead peer just fails the write.
func (c *Conn) sendCloseNotice(reason string) {
	env, err := protocol.NewEnvelope("", protocol.KindResponse, &protocol.Response{
		Code:  protocol.CodeSuperseded,
		Error: reason,
	})
	if err != nil {
		return
	}
	data, err := protocol.Encode(env)
	if err != nil {
		return
	}
	_ = c.write(data)
}

// Close tears the connection down exactly once: fails all pending requests
// without waiting out their deadlines, runs the close hook (hub removal and
// tunnel teardown), and releases the transport.
func (c *Conn) Close(reason string) {
	c.closeOnce.Do(func() {
		c.state.Store(int32(StateClosing))
		close(c.done)
		c.pending.failAll(ErrClosed)
		if c.onClose != nil {
			c.onClose(c)
		}
		c.transport.Close()
		c.state.Store(int32(StateClosed))
		c.logger.Info("agent disconnected", "reason", reason)
	})
}
