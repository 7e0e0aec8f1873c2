// ABOUTME: Adapts a tunnel session into a net.Conn so standard clients can
// ABOUTME: run over the relay; used by the SSH layer below.

// Package sshpipe drives SSH sessions through relayed tunnels.
package sshpipe

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"time"

	"github.com/jiascheduler/automate/internal/tunnel"
)

// NetConn wraps a tunnel session as a net.Conn. Chunk boundaries from the
// wire are invisible to the caller: reads drain a chunk across as many calls
// as needed.
type NetConn struct {
	sess *tunnel.Session

	mu       sync.Mutex
	leftover []byte
	deadline time.Time
}

// WrapSession returns a net.Conn view of an open tunnel session.
func WrapSession(sess *tunnel.Session) *NetConn {
	return &NetConn{sess: sess}
}

func (c *NetConn) Read(p []byte) (int, error) {
	c.mu.Lock()
	if len(c.leftover) > 0 {
		n := copy(p, c.leftover)
		c.leftover = c.leftover[n:]
		c.mu.Unlock()
		return n, nil
	}
	deadline := c.deadline
	c.mu.Unlock()

	ctx := context.Background()
	if !deadline.IsZero() {
		var cancel context.CancelFunc
		ctx, cancel = context.WithDeadline(ctx, deadline)
		defer cancel()
	}

	chunk, err := c.sess.Read(ctx)
	if err != nil {
		if errors.Is(err, tunnel.ErrSessionClosed) {
			return 0, io.EOF
		}
		if errors.Is(err, context.DeadlineExceeded) {
			return 0, timeoutError{}
		}
		return 0, err
	}

	n := copy(p, chunk)
	if n < len(chunk) {
		c.mu.Lock()
		c.leftover = append(c.leftover, chunk[n:]...)
		c.mu.Unlock()
	}
	return n, nil
}

func (c *NetConn) Write(p []byte) (int, error) {
	// The session may hold the chunk past this call; the caller may not.
	chunk := make([]byte, len(p))
	copy(chunk, p)
	if err := c.sess.Write(chunk); err != nil {
		if errors.Is(err, tunnel.ErrSessionClosed) {
			return 0, io.ErrClosedPipe
		}
		return 0, err
	}
	return len(p), nil
}

func (c *NetConn) Close() error {
	c.sess.Close("client closed")
	return nil
}

func (c *NetConn) LocalAddr() net.Addr  { return tunnelAddr{id: c.sess.ID} }
func (c *NetConn) RemoteAddr() net.Addr { return tunnelAddr{id: c.sess.Key} }

func (c *NetConn) SetDeadline(t time.Time) error {
	return c.SetReadDeadline(t)
}

func (c *NetConn) SetReadDeadline(t time.Time) error {
	c.mu.Lock()
	c.deadline = t
	c.mu.Unlock()
	return nil
}

// SetWriteDeadline is a no-op: writes block only on session backpressure,
// which the relay bounds.
func (c *NetConn) SetWriteDeadline(time.Time) error { return nil }

type tunnelAddr struct{ id string }

func (a tunnelAddr) Network() string { return "tunnel" }
func (a tunnelAddr) String() string  { return a.id }

type timeoutError struct{}

func (timeoutError) Error() string   { return "sshpipe: read deadline exceeded" }
func (timeoutError) Timeout() bool   { return true }
func (timeoutError) Temporary() bool { return true }
