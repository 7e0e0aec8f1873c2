// ABOUTME: LinkPair session: two ends of one relayed byte stream sharing a session id.
// ABOUTME: Order-preserving, byte-transparent, bounded buffering with close propagation.

package tunnel

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"
)

// ErrSessionClosed is returned by reads and writes on a closed session. The
// peer end observes closure, not an error, unless a protocol fault caused it.
var ErrSessionClosed = errors.New("tunnel: session closed")

// sessionBufferChunks bounds the agent→client buffer per session. When the
// client end cannot drain, forwarding blocks rather than buffering without
// limit; that stall is the backpressure signal toward the agent side.
const sessionBufferChunks = 256

// Session is one LinkPair: the client-facing end of a relayed byte stream
// whose agent-facing end lives behind a routing key. Bytes written to one
// end are delivered to the other in order while both ends remain open.
type Session struct {
	ID      string
	Key     string // routing key of the agent end
	Purpose string

	manager      *Manager
	toClient     chan []byte
	closed       chan struct{}
	closeOnce    sync.Once
	closeReason  atomic.Value // string
	lastActivity atomic.Int64
	openedAt     time.Time
}

func (s *Session) touch() {
	s.lastActivity.Store(time.Now().UnixNano())
}

func (s *Session) idleSince() time.Time {
	return time.Unix(0, s.lastActivity.Load())
}

// Read returns the next chunk arriving from the agent end, in send order.
// Buffered chunks are drained before closure is reported; then reads return
// ErrSessionClosed.
func (s *Session) Read(ctx context.Context) ([]byte, error) {
	// Drain before observing closure so no delivered byte is lost.
	select {
	case chunk := <-s.toClient:
		s.touch()
		return chunk, nil
	default:
	}

	select {
	case chunk := <-s.toClient:
		s.touch()
		return chunk, nil
	case <-s.closed:
		return nil, ErrSessionClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Write forwards one chunk toward the agent end. Blocks when the agent
// connection cannot accept more data; that is the designed backpressure.
func (s *Session) Write(chunk []byte) error {
	select {
	case <-s.closed:
		return ErrSessionClosed
	default:
	}
	s.touch()
	return s.manager.writeToAgent(s, chunk)
}

// Close tears down both ends. The agent side is notified best-effort; the
// client side observes ErrSessionClosed after draining buffered chunks.
func (s *Session) Close(reason string) {
	s.manager.close(s, reason, true)
}

// CloseReason reports why the session ended, empty while open.
func (s *Session) CloseReason() string {
	if v := s.closeReason.Load(); v != nil {
		return v.(string)
	}
	return ""
}

// Done is closed when the session ends, for select loops on the client end.
func (s *Session) Done() <-chan struct{} { return s.closed }

// deliver hands an agent-originated chunk to the client end. Blocks when the
// bounded buffer is full so the caller (the agent connection's read loop)
// stops reading instead of buffering without limit. Unblocks on close.
func (s *Session) deliver(chunk []byte) {
	s.touch()
	select {
	case s.toClient <- chunk:
	case <-s.closed:
	}
}

// markClosed flips the session to closed exactly once. The buffer channel is
// never closed (closed signals EOF) so a racing deliver can never panic.
func (s *Session) markClosed(reason string) bool {
	did := false
	s.closeOnce.Do(func() {
		s.closeReason.Store(reason)
		close(s.closed)
		did = true
	})
	return did
}
