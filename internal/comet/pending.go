// ABOUTME: Pending-request table mapping correlation ids to single-resolution slots.
// ABOUTME: Every slot resolves exactly once: response, deadline expiry, or connection death.

package comet

import (
	"sync"
	"time"

	"github.com/jiascheduler/automate/internal/protocol"
)

// outcome is the single result of one pending request.
type outcome struct {
	resp *protocol.Response
	err  error
}

// slot is one pending request. The sync.Once enforces the exactly-once
// resolution invariant regardless of which path (response, timeout,
// disconnect) fires first; losers are discarded.
type slot struct {
	once  sync.Once
	ch    chan outcome
	timer *time.Timer
}

func (s *slot) resolve(resp *protocol.Response, err error) {
	s.once.Do(func() {
		if s.timer != nil {
			s.timer.Stop()
		}
		s.ch <- outcome{resp: resp, err: err}
	})
}

// pendingTable tracks in-flight requests for one connection.
type pendingTable struct {
	mu    sync.Mutex
	slots map[string]*slot
}

func newPendingTable() *pendingTable {
	return &pendingTable{slots: make(map[string]*slot)}
}

// create registers a slot for the given correlation id and arms its deadline.
// The returned channel yields exactly one outcome.
func (t *pendingTable) create(id string, timeout time.Duration) <-chan outcome {
	s := &slot{ch: make(chan outcome, 1)}
	s.timer = time.AfterFunc(timeout, func() {
		t.remove(id)
		s.resolve(nil, ErrTimeout)
	})

	t.mu.Lock()
	t.slots[id] = s
	t.mu.Unlock()
	return s.ch
}

// resolve completes the slot for id with a response. Returns false when no
// slot exists, meaning a duplicate or late response the caller discards.
func (t *pendingTable) resolve(id string, resp *protocol.Response) bool {
	t.mu.Lock()
	s, ok := t.slots[id]
	if ok {
		delete(t.slots, id)
	}
	t.mu.Unlock()

	if !ok {
		return false
	}
	s.resolve(resp, nil)
	return true
}

// remove drops the slot for id without resolving it. Used by the deadline
// path and by callers abandoning a request they never managed to send.
func (t *pendingTable) remove(id string) {
	t.mu.Lock()
	delete(t.slots, id)
	t.mu.Unlock()
}

// failAll resolves every outstanding slot with err. Called on disconnect so
// no request waits out its individual deadline on a dead connection.
func (t *pendingTable) failAll(err error) {
	t.mu.Lock()
	slots := make([]*slot, 0, len(t.slots))
	for id, s := range t.slots {
		slots = append(slots, s)
		delete(t.slots, id)
	}
	t.mu.Unlock()

	for _, s := range slots {
		s.resolve(nil, err)
	}
}

// size reports the number of in-flight requests.
func (t *pendingTable) size() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.slots)
}
