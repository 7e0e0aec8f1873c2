// ABOUTME: Binds the relay hub to the bus: one subscription per live routing key.
// ABOUTME: Envelopes published anywhere in the control plane reach the relay holding the agent.

package bus

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/jiascheduler/automate/internal/comet"
	"github.com/jiascheduler/automate/internal/protocol"
)

// Binding subscribes the relay under each routing key it holds a connection
// for, and forwards bus traffic onto that connection. Implements
// comet.RegistryListener.
type Binding struct {
	bus     *Bus
	hub     *comet.Hub
	timeout time.Duration
	logger  *slog.Logger

	mu   sync.Mutex
	subs map[string]*Subscription
}

// NewBinding wires a hub to the bus. Attach with hub.SetListener.
func NewBinding(b *Bus, hub *comet.Hub, timeout time.Duration, logger *slog.Logger) *Binding {
	return &Binding{
		bus:     b,
		hub:     hub,
		timeout: timeout,
		subs:    make(map[string]*Subscription),
		logger:  logger.With("component", "bus-binding"),
	}
}

// OnRegister subscribes the relay under a newly connected routing key.
func (bn *Binding) OnRegister(key string) {
	sub, err := bn.bus.Subscribe(key, func(env *protocol.Envelope) *protocol.Envelope {
		return bn.forward(key, env)
	})
	if err != nil {
		bn.logger.Error("subscribing routing key", "key", key, "error", err)
		return
	}

	bn.mu.Lock()
	if old := bn.subs[key]; old != nil {
		_ = old.Unsubscribe()
	}
	bn.subs[key] = sub
	bn.mu.Unlock()
}

// OnUnregister drops the subscription when the agent's connection goes away.
func (bn *Binding) OnUnregister(key string) {
	bn.mu.Lock()
	sub := bn.subs[key]
	delete(bn.subs, key)
	bn.mu.Unlock()

	if sub != nil {
		_ = sub.Unsubscribe()
	}
}

// Shutdown drops every subscription.
func (bn *Binding) Shutdown() {
	bn.mu.Lock()
	subs := bn.subs
	bn.subs = make(map[string]*Subscription)
	bn.mu.Unlock()

	for _, sub := range subs {
		_ = sub.Unsubscribe()
	}
}

// forward hands one bus envelope to the live connection. Reply-bearing
// envelopes wait for the agent's response; the rest are fire-and-forget.
func (bn *Binding) forward(key string, env *protocol.Envelope) *protocol.Envelope {
	if !env.Kind.ExpectsReply() {
		if err := bn.hub.Send(key, env); err != nil {
			bn.logger.Warn("bus forward failed", "key", key, "kind", env.Kind, "error", err)
		}
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), bn.timeout)
	defer cancel()

	resp, err := bn.hub.Request(ctx, key, env, bn.timeout)
	if err != nil {
		resp = &protocol.Response{Code: errCode(err), Error: err.Error()}
	}

	reply, err := protocol.NewEnvelope(env.ID, protocol.KindResponse, resp)
	if err != nil {
		bn.logger.Error("building bus reply", "key", key, "error", err)
		return nil
	}
	return reply
}

// errCode maps relay errors onto wire response codes so remote callers can
// distinguish "never delivered" from "delivered but no answer".
func errCode(err error) string {
	switch {
	case errors.Is(err, comet.ErrUnreachable):
		return protocol.CodeUnreachable
	case errors.Is(err, comet.ErrTimeout):
		return protocol.CodeTimeout
	default:
		return protocol.CodeError
	}
}
