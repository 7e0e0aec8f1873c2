// ABOUTME: Tests for the hub and connection lifecycle over an in-memory pipe.
// ABOUTME: Covers supersede, disconnect isolation, timeouts, and protocol violations.

package comet

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jiascheduler/automate/internal/protocol"
)

// pipeTransport is an in-memory Transport: the test plays the agent side.
type pipeTransport struct {
	inbound   chan []byte
	outbound  chan []byte
	closed    chan struct{}
	closeOnce sync.Once
}

func newPipe() *pipeTransport {
	return &pipeTransport{
		inbound:  make(chan []byte, 64),
		outbound: make(chan []byte, 64),
		closed:   make(chan struct{}),
	}
}

func (p *pipeTransport) ReadMessage() ([]byte, error) {
	select {
	case data := <-p.inbound:
		return data, nil
	case <-p.closed:
		return nil, errors.New("transport closed")
	}
}

func (p *pipeTransport) WriteMessage(data []byte) error {
	select {
	case p.outbound <- data:
		return nil
	case <-p.closed:
		return errors.New("transport closed")
	}
}

func (p *pipeTransport) Close() error {
	p.closeOnce.Do(func() { close(p.closed) })
	return nil
}

// push injects an agent-side frame into the conn's read loop.
func (p *pipeTransport) push(t *testing.T, env *protocol.Envelope) {
	t.Helper()
	data, err := protocol.Encode(env)
	require.NoError(t, err)
	select {
	case p.inbound <- data:
	case <-time.After(time.Second):
		t.Fatal("read loop never drained the pipe")
	}
}

// next pops the next relay-written frame.
func (p *pipeTransport) next(t *testing.T) *protocol.Envelope {
	t.Helper()
	select {
	case data := <-p.outbound:
		env, err := protocol.Decode(data)
		require.NoError(t, err)
		return env
	case <-time.After(time.Second):
		t.Fatal("no frame written within deadline")
		return nil
	}
}

// attach creates an in-memory agent connection, registers it, and starts its
// pumps. hbTimeout zero disables the watchdog.
func attach(t *testing.T, hub *Hub, key string, hbTimeout time.Duration) (*Conn, *pipeTransport) {
	t.Helper()
	pipe := newPipe()
	conn := NewConn(ConnParams{
		Key:              key,
		IP:               "10.0.0.1",
		Transport:        pipe,
		HeartbeatTimeout: hbTimeout,
		Logger:           slog.Default(),
	})
	hub.Register(conn)
	go conn.Run(nil)
	t.Cleanup(func() { conn.Close("test over") })
	return conn, pipe
}

// answer replies ok to every reply-bearing envelope the relay writes.
func answer(pipe *pipeTransport) (stop func()) {
	done := make(chan struct{})
	go func() {
		for {
			select {
			case data := <-pipe.outbound:
				env, err := protocol.Decode(data)
				if err != nil || !env.Kind.ExpectsReply() {
					continue
				}
				reply, err := protocol.NewEnvelope(env.ID, protocol.KindResponse, &protocol.Response{Code: protocol.CodeOK})
				if err != nil {
					continue
				}
				out, err := protocol.Encode(reply)
				if err != nil {
					continue
				}
				select {
				case pipe.inbound <- out:
				case <-done:
					return
				}
			case <-done:
				return
			}
		}
	}()
	return func() { close(done) }
}

func dispatchEnvelope(t *testing.T) *protocol.Envelope {
	t.Helper()
	env, err := protocol.NewEnvelope(protocol.NewCorrelationID("dispatch"), protocol.KindDispatch, &protocol.DispatchJobParams{
		JobID:  "job-1",
		Action: protocol.ActionRun,
		Run:    &protocol.RunParams{Command: "uptime"},
	})
	require.NoError(t, err)
	return env
}

func TestHubRequest(t *testing.T) {
	t.Run("round trip resolves with the agent response", func(t *testing.T) {
		hub := NewHub(slog.Default())
		_, pipe := attach(t, hub, "k1", 0)
		stop := answer(pipe)
		defer stop()

		resp, err := hub.Request(context.Background(), "k1", dispatchEnvelope(t), time.Second)
		require.NoError(t, err)
		assert.True(t, resp.OK())
	})

	t.Run("unknown key fails immediately with ErrUnreachable", func(t *testing.T) {
		hub := NewHub(slog.Default())

		start := time.Now()
		_, err := hub.Request(context.Background(), "ghost", dispatchEnvelope(t), time.Minute)
		assert.ErrorIs(t, err, ErrUnreachable)
		assert.Less(t, time.Since(start), time.Second, "unreachable must not wait out the timeout")
	})

	t.Run("silent agent yields ErrTimeout", func(t *testing.T) {
		hub := NewHub(slog.Default())
		attach(t, hub, "k1", 0)

		_, err := hub.Request(context.Background(), "k1", dispatchEnvelope(t), 50*time.Millisecond)
		assert.ErrorIs(t, err, ErrTimeout)
	})

	t.Run("cancelled context abandons the request", func(t *testing.T) {
		hub := NewHub(slog.Default())
		conn, _ := attach(t, hub, "k1", 0)

		ctx, cancel := context.WithCancel(context.Background())
		go func() {
			time.Sleep(20 * time.Millisecond)
			cancel()
		}()

		_, err := hub.Request(ctx, "k1", dispatchEnvelope(t), time.Minute)
		assert.ErrorIs(t, err, context.Canceled)
		assert.Eventually(t, func() bool { return conn.PendingCount() == 0 },
			time.Second, 10*time.Millisecond, "abandoned request left a pending slot")
	})
}

func TestHubSupersede(t *testing.T) {
	hub := NewHub(slog.Default())
	listener := &recordingListener{}
	hub.SetListener(listener)

	old, oldPipe := attach(t, hub, "k1", 0)
	neu, _ := attach(t, hub, "k1", 0)

	// The old connection gets the close notice, then dies.
	env := oldPipe.next(t)
	resp, err := protocol.UnmarshalPayload[protocol.Response](env)
	require.NoError(t, err)
	assert.Equal(t, protocol.CodeSuperseded, resp.Code)

	assert.Eventually(t, func() bool { return old.State() == StateClosed },
		time.Second, 10*time.Millisecond)

	// The replacement stays routable; the old conn's death must not evict it.
	got, ok := hub.Get("k1")
	require.True(t, ok)
	assert.Same(t, neu, got)

	// One logical registration: no unregister fired for the handover.
	assert.Equal(t, 1, listener.registers("k1"))
	assert.Equal(t, 0, listener.unregisters("k1"))

	hub.Disconnect("k1", "test")
	assert.Eventually(t, func() bool { return listener.unregisters("k1") == 1 },
		time.Second, 10*time.Millisecond)
}

func TestHubDisconnectIsolation(t *testing.T) {
	hub := NewHub(slog.Default())
	closer := &recordingCloser{}
	hub.SetTunnelCloser(closer)

	doomed, _ := attach(t, hub, "k1", 0)
	_, survivorPipe := attach(t, hub, "k2", 0)
	stop := answer(survivorPipe)
	defer stop()

	// Several requests in flight on the doomed connection.
	const inflight = 4
	errs := make(chan error, inflight)
	for i := 0; i < inflight; i++ {
		env := dispatchEnvelope(t)
		go func() {
			_, err := hub.Request(context.Background(), "k1", env, time.Minute)
			errs <- err
		}()
	}
	require.Eventually(t, func() bool { return doomed.PendingCount() == inflight },
		time.Second, 5*time.Millisecond)

	start := time.Now()
	hub.Disconnect("k1", "network partition")

	for i := 0; i < inflight; i++ {
		select {
		case err := <-errs:
			assert.ErrorIs(t, err, ErrClosed)
		case <-time.After(time.Second):
			t.Fatal("pending request not failed on disconnect")
		}
	}
	assert.Less(t, time.Since(start), time.Second, "disconnect must fail pending promptly")

	// Tunnel teardown fired for the dead key only; the survivor still works.
	assert.Eventually(t, func() bool { return closer.count("k1") == 1 },
		time.Second, 10*time.Millisecond)
	assert.Equal(t, 0, closer.count("k2"))

	resp, err := hub.Request(context.Background(), "k2", dispatchEnvelope(t), time.Second)
	require.NoError(t, err)
	assert.True(t, resp.OK())

	assert.False(t, hub.IsOnline("k1"))
	assert.True(t, hub.IsOnline("k2"))
}

func TestConnHeartbeatTimeout(t *testing.T) {
	hub := NewHub(slog.Default())
	conn, _ := attach(t, hub, "k1", 60*time.Millisecond)

	assert.Eventually(t, func() bool { return conn.State() == StateClosed },
		time.Second, 10*time.Millisecond, "silent connection never hit the heartbeat deadline")
	assert.False(t, hub.IsOnline("k1"))
}

func TestConnHeartbeatRefresh(t *testing.T) {
	hub := NewHub(slog.Default())
	conn, pipe := attach(t, hub, "k1", 150*time.Millisecond)

	// Steady heartbeats keep the connection alive well past the deadline.
	deadline := time.Now().Add(500 * time.Millisecond)
	for time.Now().Before(deadline) {
		env, err := protocol.NewEnvelope("", protocol.KindHeartbeat, &protocol.HeartbeatParams{
			TimestampMS: time.Now().UnixMilli(),
		})
		require.NoError(t, err)
		pipe.push(t, env)
		time.Sleep(40 * time.Millisecond)
	}

	assert.NotEqual(t, StateClosed, conn.State())
	assert.True(t, hub.IsOnline("k1"))
}

func TestConnProtocolViolation(t *testing.T) {
	hub := NewHub(slog.Default())
	conn, pipe := attach(t, hub, "k1", 0)

	pipe.inbound <- []byte("this is not an envelope")

	assert.Eventually(t, func() bool { return conn.State() == StateClosed },
		time.Second, 10*time.Millisecond, "malformed frame must close the connection")
	assert.False(t, hub.IsOnline("k1"))
}

func TestConnLateResponseDiscarded(t *testing.T) {
	hub := NewHub(slog.Default())
	conn, pipe := attach(t, hub, "k1", 0)

	env := dispatchEnvelope(t)
	_, err := hub.Request(context.Background(), "k1", env, 30*time.Millisecond)
	require.ErrorIs(t, err, ErrTimeout)

	// The answer arrives after the deadline: logged and dropped, nothing more.
	late, err := protocol.NewEnvelope(env.ID, protocol.KindResponse, &protocol.Response{Code: protocol.CodeOK})
	require.NoError(t, err)
	pipe.push(t, late)

	time.Sleep(50 * time.Millisecond)
	assert.NotEqual(t, StateClosed, conn.State())
	assert.Equal(t, 0, conn.PendingCount())
}

func TestHubShutdown(t *testing.T) {
	hub := NewHub(slog.Default())
	a, _ := attach(t, hub, "k1", 0)
	b, _ := attach(t, hub, "k2", 0)

	hub.Shutdown("restarting")

	assert.Eventually(t, func() bool {
		return a.State() == StateClosed && b.State() == StateClosed
	}, time.Second, 10*time.Millisecond)
	assert.Empty(t, hub.List())
}

// recordingListener counts register/unregister events per key.
type recordingListener struct {
	mu    sync.Mutex
	reg   map[string]int
	unreg map[string]int
}

func (l *recordingListener) OnRegister(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.reg == nil {
		l.reg = make(map[string]int)
	}
	l.reg[key]++
}

func (l *recordingListener) OnUnregister(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.unreg == nil {
		l.unreg = make(map[string]int)
	}
	l.unreg[key]++
}

func (l *recordingListener) registers(key string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.reg[key]
}

func (l *recordingListener) unregisters(key string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.unreg[key]
}

// recordingCloser counts tunnel teardown calls per key.
type recordingCloser struct {
	mu    sync.Mutex
	calls map[string]int
}

func (c *recordingCloser) CloseAllFor(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.calls == nil {
		c.calls = make(map[string]int)
	}
	c.calls[key]++
}

func (c *recordingCloser) count(key string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls[key]
}
