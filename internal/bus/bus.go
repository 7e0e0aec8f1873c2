// ABOUTME: Pub/sub addressing glue binding routing keys to NATS subjects.
// ABOUTME: Lets dispatch originate from any control-plane process and reach the right relay.

package bus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/jiascheduler/automate/internal/protocol"
)

// ErrNoResponder indicates no relay is subscribed under the routing key,
// the bus-level analogue of an unreachable target.
var ErrNoResponder = errors.New("bus: no subscriber for routing key")

// Handler processes one envelope delivered for a routing key. A non-nil
// return value is sent back to the requester when one is waiting.
type Handler func(env *protocol.Envelope) *protocol.Envelope

// Bus is a thin addressing layer over a NATS connection. Routing keys map to
// subjects verbatim: the key grammar (product, "ins", namespace, ip) never
// produces an empty subject token or a wildcard, so independently computed
// subjects always agree.
type Bus struct {
	nc     *nats.Conn
	logger *slog.Logger
}

// Connect establishes the NATS connection. Failure here is fatal by policy:
// a control plane that cannot reach its transport must abort startup, not
// run silently nonfunctional.
func Connect(url string, logger *slog.Logger) (*Bus, error) {
	nc, err := nats.Connect(url,
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("connecting to bus at %s: %w", url, err)
	}
	logger = logger.With("component", "bus")
	logger.Info("bus connected", "url", url)
	return &Bus{nc: nc, logger: logger}, nil
}

// Subject returns the transport subject for a routing key.
func Subject(key string) string { return key }

// Publish sends a fire-and-forget envelope toward a routing key.
func (b *Bus) Publish(key string, env *protocol.Envelope) error {
	data, err := protocol.Encode(env)
	if err != nil {
		return err
	}
	if err := b.nc.Publish(Subject(key), data); err != nil {
		return fmt.Errorf("publishing to %s: %w", key, err)
	}
	return nil
}

// Request sends an envelope toward a routing key and waits for the reply
// envelope from whichever relay holds the connection.
func (b *Bus) Request(ctx context.Context, key string, env *protocol.Envelope) (*protocol.Envelope, error) {
	data, err := protocol.Encode(env)
	if err != nil {
		return nil, err
	}

	msg, err := b.nc.RequestWithContext(ctx, Subject(key), data)
	if err != nil {
		if errors.Is(err, nats.ErrNoResponders) {
			return nil, ErrNoResponder
		}
		return nil, fmt.Errorf("requesting %s: %w", key, err)
	}

	reply, err := protocol.Decode(msg.Data)
	if err != nil {
		return nil, err
	}
	return reply, nil
}

// Subscription is one active routing-key binding.
type Subscription struct {
	sub *nats.Subscription
}

// Unsubscribe removes the binding.
func (s *Subscription) Unsubscribe() error { return s.sub.Unsubscribe() }

// Subscribe binds a handler under a routing key. The relay holding an
// agent's connection is the only expected subscriber for its key.
func (b *Bus) Subscribe(key string, handler Handler) (*Subscription, error) {
	sub, err := b.nc.Subscribe(Subject(key), func(msg *nats.Msg) {
		env, err := protocol.Decode(msg.Data)
		if err != nil {
			// A malformed bus message is dropped, same as on the wire.
			b.logger.Warn("dropping malformed bus message", "key", key, "error", err)
			return
		}

		reply := handler(env)
		if reply != nil && msg.Reply != "" {
			data, err := protocol.Encode(reply)
			if err != nil {
				b.logger.Warn("dropping unencodable reply", "key", key, "error", err)
				return
			}
			if err := msg.Respond(data); err != nil {
				b.logger.Warn("bus reply failed", "key", key, "error", err)
			}
		}
	})
	if err != nil {
		return nil, fmt.Errorf("subscribing to %s: %w", key, err)
	}
	return &Subscription{sub: sub}, nil
}

// Close drains and closes the underlying connection.
func (b *Bus) Close() {
	if err := b.nc.Drain(); err != nil {
		b.logger.Warn("bus drain failed", "error", err)
	}
}
