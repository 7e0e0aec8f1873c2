// ABOUTME: Tests for LinkPair ordering, backpressure, and close propagation.
// ABOUTME: Uses a fake Sender so no relay or websocket is involved.

package tunnel

import (
	"bytes"
	"context"
	"crypto/rand"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jiascheduler/automate/internal/comet"
	"github.com/jiascheduler/automate/internal/protocol"
)

// fakeSender records envelopes sent toward agents and acks tunnel opens.
type fakeSender struct {
	mu       sync.Mutex
	sent     []*protocol.Envelope
	sendErr  error
	refuse   bool
	openSeen *protocol.TunnelOpenParams
}

func (f *fakeSender) Send(key string, env *protocol.Envelope) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return f.sendErr
	}
	f.sent = append(f.sent, env)
	return nil
}

func (f *fakeSender) Request(ctx context.Context, key string, env *protocol.Envelope, timeout time.Duration) (*protocol.Response, error) {
	if env.Kind == protocol.KindTunnelOpen {
		p, err := protocol.UnmarshalPayload[protocol.TunnelOpenParams](env)
		if err != nil {
			return nil, err
		}
		f.mu.Lock()
		f.openSeen = p
		f.mu.Unlock()
	}
	if f.refuse {
		return &protocol.Response{Code: protocol.CodeError, Error: "no pty available"}, nil
	}
	return &protocol.Response{Code: protocol.CodeOK}, nil
}

func (f *fakeSender) sentChunks(sessionID string) [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	var chunks [][]byte
	for _, env := range f.sent {
		if env.Kind != protocol.KindTunnelData {
			continue
		}
		p, err := protocol.UnmarshalPayload[protocol.TunnelDataParams](env)
		if err != nil || p.SessionID != sessionID {
			continue
		}
		chunks = append(chunks, p.Chunk)
	}
	return chunks
}

func newTestManager(t *testing.T, sender Sender, idle time.Duration) *Manager {
	t.Helper()
	m := NewManager(sender, 5*time.Second, idle, slog.Default())
	t.Cleanup(m.Shutdown)
	return m
}

func TestOpen(t *testing.T) {
	t.Run("registers an acked session", func(t *testing.T) {
		sender := &fakeSender{}
		m := newTestManager(t, sender, 0)

		s, err := m.Open(context.Background(), "jiascheduler:ins:10.0.0.1", protocol.TunnelOpenParams{Purpose: "shell"})
		require.NoError(t, err)
		require.NotNil(t, sender.openSeen)
		assert.Equal(t, s.ID, sender.openSeen.SessionID)
		assert.Equal(t, 1, m.SessionCount("jiascheduler:ins:10.0.0.1"))
	})

	t.Run("surfaces agent refusal and removes the session", func(t *testing.T) {
		sender := &fakeSender{refuse: true}
		m := newTestManager(t, sender, 0)

		_, err := m.Open(context.Background(), "jiascheduler:ins:10.0.0.1", protocol.TunnelOpenParams{Purpose: "shell"})
		require.Error(t, err)
		assert.Equal(t, 0, m.SessionCount(""))
	})
}

func TestForwarding(t *testing.T) {
	t.Run("delivers agent chunks to the client end in order", func(t *testing.T) {
		sender := &fakeSender{}
		m := newTestManager(t, sender, 0)
		s, err := m.Open(context.Background(), "k1", protocol.TunnelOpenParams{Purpose: "shell"})
		require.NoError(t, err)

		for i := byte(0); i < 100; i++ {
			m.OnTunnelData(nil, &protocol.TunnelDataParams{SessionID: s.ID, Chunk: []byte{i}})
		}

		ctx := context.Background()
		for i := byte(0); i < 100; i++ {
			chunk, err := s.Read(ctx)
			require.NoError(t, err)
			require.Equal(t, []byte{i}, chunk)
		}
	})

	t.Run("forwards client writes to the agent verbatim", func(t *testing.T) {
		sender := &fakeSender{}
		m := newTestManager(t, sender, 0)
		s, err := m.Open(context.Background(), "k1", protocol.TunnelOpenParams{Purpose: "sftp"})
		require.NoError(t, err)

		payload := make([]byte, 32*1024)
		_, err = rand.Read(payload)
		require.NoError(t, err)

		require.NoError(t, s.Write(payload[:1]))
		require.NoError(t, s.Write(payload[1:])) // mixed small/large writes

		chunks := sender.sentChunks(s.ID)
		require.Len(t, chunks, 2)
		assert.True(t, bytes.Equal(payload, append(append([]byte{}, chunks[0]...), chunks[1]...)))
	})

	t.Run("carries megabytes of mixed writes without loss or reorder", func(t *testing.T) {
		sender := &fakeSender{}
		m := newTestManager(t, sender, 0)
		s, err := m.Open(context.Background(), "k1", protocol.TunnelOpenParams{Purpose: "shell"})
		require.NoError(t, err)

		// Slow client end: drain with delays while the agent side floods.
		var got []byte
		doneReading := make(chan struct{})
		go func() {
			defer close(doneReading)
			ctx := context.Background()
			for {
				chunk, err := s.Read(ctx)
				if err != nil {
					return
				}
				got = append(got, chunk...)
				time.Sleep(50 * time.Microsecond)
			}
		}()

		var want []byte
		sizes := []int{1, 7, 512, 16 * 1024, 3, 64 * 1024}
		total := 0
		i := 0
		for total < 2*1024*1024 {
			chunk := make([]byte, sizes[i%len(sizes)])
			_, err := rand.Read(chunk)
			require.NoError(t, err)
			want = append(want, chunk...)
			total += len(chunk)
			i++
			// deliver blocks when the bounded buffer is full, which is
			// the backpressure contract under test.
			m.OnTunnelData(nil, &protocol.TunnelDataParams{SessionID: s.ID, Chunk: chunk})
		}

		s.Close("test done")
		<-doneReading
		require.Equal(t, len(want), len(got))
		assert.True(t, bytes.Equal(want, got))
	})
}

func TestClose(t *testing.T) {
	t.Run("client close notifies the agent", func(t *testing.T) {
		sender := &fakeSender{}
		m := newTestManager(t, sender, 0)
		s, err := m.Open(context.Background(), "k1", protocol.TunnelOpenParams{Purpose: "shell"})
		require.NoError(t, err)

		s.Close("user quit")

		sender.mu.Lock()
		defer sender.mu.Unlock()
		require.NotEmpty(t, sender.sent)
		last := sender.sent[len(sender.sent)-1]
		assert.Equal(t, protocol.KindTunnelClose, last.Kind)
		assert.Equal(t, 0, m.SessionCount(""))
	})

	t.Run("agent close releases the client end without an echo", func(t *testing.T) {
		sender := &fakeSender{}
		m := newTestManager(t, sender, 0)
		s, err := m.Open(context.Background(), "k1", protocol.TunnelOpenParams{Purpose: "shell"})
		require.NoError(t, err)

		m.OnTunnelClose(nil, &protocol.TunnelCloseParams{SessionID: s.ID, Reason: "shell exited"})

		_, err = s.Read(context.Background())
		assert.ErrorIs(t, err, ErrSessionClosed)
		assert.Equal(t, "shell exited", s.CloseReason())

		// No tunnel-close went back toward the agent.
		sender.mu.Lock()
		defer sender.mu.Unlock()
		for _, env := range sender.sent {
			assert.NotEqual(t, protocol.KindTunnelClose, env.Kind)
		}
	})

	t.Run("agent disconnect closes only that agent's sessions", func(t *testing.T) {
		sender := &fakeSender{}
		m := newTestManager(t, sender, 0)
		s1, err := m.Open(context.Background(), "k1", protocol.TunnelOpenParams{Purpose: "shell"})
		require.NoError(t, err)
		s2, err := m.Open(context.Background(), "k1", protocol.TunnelOpenParams{Purpose: "sftp"})
		require.NoError(t, err)
		other, err := m.Open(context.Background(), "k2", protocol.TunnelOpenParams{Purpose: "shell"})
		require.NoError(t, err)

		m.CloseAllFor("k1")

		for _, s := range []*Session{s1, s2} {
			_, err := s.Read(context.Background())
			assert.ErrorIs(t, err, ErrSessionClosed)
		}
		assert.Equal(t, 0, m.SessionCount("k1"))
		assert.Equal(t, 1, m.SessionCount("k2"))
		assert.NoError(t, other.Write([]byte("still alive")))
	})

	t.Run("idle timeout forces closure", func(t *testing.T) {
		sender := &fakeSender{}
		m := NewManager(sender, time.Second, 50*time.Millisecond, slog.Default())
		defer m.Shutdown()

		s, err := m.Open(context.Background(), "k1", protocol.TunnelOpenParams{Purpose: "shell"})
		require.NoError(t, err)

		select {
		case <-s.Done():
		case <-time.After(5 * time.Second):
			t.Fatal("idle session was not reaped")
		}
		assert.Equal(t, "idle timeout", s.CloseReason())
	})

	t.Run("write after close fails", func(t *testing.T) {
		sender := &fakeSender{}
		m := newTestManager(t, sender, 0)
		s, err := m.Open(context.Background(), "k1", protocol.TunnelOpenParams{Purpose: "shell"})
		require.NoError(t, err)

		s.Close("done")
		assert.ErrorIs(t, s.Write([]byte("late")), ErrSessionClosed)
	})
}

// Interface conformance with the relay's expectations.
var (
	_ comet.TunnelCloser = (*Manager)(nil)
	_ comet.Handler      = (*Manager)(nil)
)
