// ABOUTME: Bus-backed job dispatcher used by the scheduler daemon.
// ABOUTME: Publishes dispatch envelopes and maps reply codes back onto relay errors.

package bus

import (
	"context"
	"errors"
	"fmt"

	"github.com/jiascheduler/automate/internal/comet"
	"github.com/jiascheduler/automate/internal/protocol"
)

// JobDispatcher sends JobActions toward routing keys over the bus. It
// satisfies scheduler.Dispatcher without the scheduler process holding any
// agent connection itself.
type JobDispatcher struct {
	bus *Bus
}

// NewJobDispatcher returns a dispatcher over the given bus.
func NewJobDispatcher(b *Bus) *JobDispatcher {
	return &JobDispatcher{bus: b}
}

// Dispatch wraps the action in a dispatch envelope, requests over the bus,
// and surfaces the relay's verdict as a distinct error per failure class.
func (d *JobDispatcher) Dispatch(ctx context.Context, key string, action *protocol.DispatchJobParams) error {
	env, err := protocol.NewEnvelope(protocol.NewCorrelationID("dispatch"), protocol.KindDispatch, action)
	if err != nil {
		return err
	}

	reply, err := d.bus.Request(ctx, key, env)
	if err != nil {
		if errors.Is(err, ErrNoResponder) {
			return comet.ErrUnreachable
		}
		return err
	}

	resp, err := protocol.UnmarshalPayload[protocol.Response](reply)
	if err != nil {
		return err
	}

	switch resp.Code {
	case protocol.CodeOK:
		return nil
	case protocol.CodeUnreachable:
		return comet.ErrUnreachable
	case protocol.CodeTimeout:
		return comet.ErrTimeout
	default:
		return fmt.Errorf("dispatch to %s failed: %s", key, resp.Error)
	}
}
