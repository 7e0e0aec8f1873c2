// ABOUTME: Tests for the net.Conn adapter over a tunnel session.
// ABOUTME: Covers chunk splitting, EOF on close, and read deadlines.

package sshpipe

import (
	"context"
	"io"
	"log/slog"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jiascheduler/automate/internal/protocol"
	"github.com/jiascheduler/automate/internal/tunnel"
)

// ackSender accepts tunnel opens and records forwarded chunks.
type ackSender struct {
	mu   sync.Mutex
	sent [][]byte
}

func (f *ackSender) Send(key string, env *protocol.Envelope) error {
	if env.Kind == protocol.KindTunnelData {
		p, err := protocol.UnmarshalPayload[protocol.TunnelDataParams](env)
		if err != nil {
			return err
		}
		f.mu.Lock()
		f.sent = append(f.sent, p.Chunk)
		f.mu.Unlock()
	}
	return nil
}

func (f *ackSender) Request(ctx context.Context, key string, env *protocol.Envelope, timeout time.Duration) (*protocol.Response, error) {
	return &protocol.Response{Code: protocol.CodeOK}, nil
}

func (f *ackSender) chunks() [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([][]byte(nil), f.sent...)
}

func openSession(t *testing.T) (*tunnel.Manager, *tunnel.Session, *ackSender) {
	t.Helper()
	sender := &ackSender{}
	m := tunnel.NewManager(sender, time.Second, 0, slog.Default())
	t.Cleanup(m.Shutdown)

	sess, err := m.Open(context.Background(), "jiascheduler:ins:10.0.0.1", protocol.TunnelOpenParams{Purpose: "shell"})
	require.NoError(t, err)
	return m, sess, sender
}

func TestNetConnRead(t *testing.T) {
	t.Run("one chunk drains across multiple reads", func(t *testing.T) {
		m, sess, _ := openSession(t)
		conn := WrapSession(sess)

		m.OnTunnelData(nil, &protocol.TunnelDataParams{SessionID: sess.ID, Chunk: []byte("hello world")})

		buf := make([]byte, 5)
		n, err := conn.Read(buf)
		require.NoError(t, err)
		assert.Equal(t, "hello", string(buf[:n]))

		rest := make([]byte, 64)
		n, err = conn.Read(rest)
		require.NoError(t, err)
		assert.Equal(t, " world", string(rest[:n]))
	})

	t.Run("session close yields EOF", func(t *testing.T) {
		_, sess, _ := openSession(t)
		conn := WrapSession(sess)

		sess.Close("done")

		_, err := conn.Read(make([]byte, 8))
		assert.ErrorIs(t, err, io.EOF)
	})

	t.Run("read deadline produces a net timeout", func(t *testing.T) {
		_, sess, _ := openSession(t)
		conn := WrapSession(sess)
		require.NoError(t, conn.SetReadDeadline(time.Now().Add(30*time.Millisecond)))

		_, err := conn.Read(make([]byte, 8))
		require.Error(t, err)
		var nerr net.Error
		require.ErrorAs(t, err, &nerr)
		assert.True(t, nerr.Timeout())
	})
}

func TestNetConnWrite(t *testing.T) {
	_, sess, sender := openSession(t)
	conn := WrapSession(sess)

	n, err := conn.Write([]byte("cd /tmp\n"))
	require.NoError(t, err)
	assert.Equal(t, 8, n)

	chunks := sender.chunks()
	require.Len(t, chunks, 1)
	assert.Equal(t, []byte("cd /tmp\n"), chunks[0])

	t.Run("write after close fails", func(t *testing.T) {
		require.NoError(t, conn.Close())
		_, err := conn.Write([]byte("x"))
		assert.ErrorIs(t, err, io.ErrClosedPipe)
	})
}

func TestNetConnAddrs(t *testing.T) {
	_, sess, _ := openSession(t)
	conn := WrapSession(sess)

	assert.Equal(t, "tunnel", conn.RemoteAddr().Network())
	assert.Equal(t, "jiascheduler:ins:10.0.0.1", conn.RemoteAddr().String())
	assert.Equal(t, sess.ID, conn.LocalAddr().String())
}
