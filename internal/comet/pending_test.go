// ABOUTME: Tests for the pending-request table's exactly-once resolution.
// ABOUTME: Covers response, timeout, disconnect, and late-duplicate paths.

package comet

import (
	"testing"
	"time"

	"github.com/jiascheduler/automate/internal/protocol"
)

func TestPendingResolve(t *testing.T) {
	t.Run("response resolves the slot", func(t *testing.T) {
		p := newPendingTable()
		ch := p.create("req-1", time.Second)

		if !p.resolve("req-1", &protocol.Response{Code: protocol.CodeOK}) {
			t.Fatal("resolve returned false for a live slot")
		}

		out := <-ch
		if out.err != nil {
			t.Fatalf("unexpected error: %v", out.err)
		}
		if !out.resp.OK() {
			t.Errorf("resp code = %q, want ok", out.resp.Code)
		}
		if p.size() != 0 {
			t.Errorf("size = %d after resolution, want 0", p.size())
		}
	})

	t.Run("duplicate response is discarded", func(t *testing.T) {
		p := newPendingTable()
		p.create("req-1", time.Second)

		p.resolve("req-1", &protocol.Response{Code: protocol.CodeOK})
		if p.resolve("req-1", &protocol.Response{Code: protocol.CodeError}) {
			t.Error("second resolve returned true, want false")
		}
	})

	t.Run("response for unknown id is discarded", func(t *testing.T) {
		p := newPendingTable()
		if p.resolve("never-created", &protocol.Response{Code: protocol.CodeOK}) {
			t.Error("resolve returned true for unknown id")
		}
	})

	t.Run("deadline expiry yields ErrTimeout", func(t *testing.T) {
		p := newPendingTable()
		ch := p.create("req-1", 20*time.Millisecond)

		select {
		case out := <-ch:
			if out.err != ErrTimeout {
				t.Errorf("err = %v, want ErrTimeout", out.err)
			}
		case <-time.After(time.Second):
			t.Fatal("slot never resolved")
		}
		if p.size() != 0 {
			t.Errorf("size = %d after timeout, want 0", p.size())
		}
	})

	t.Run("response after timeout is discarded", func(t *testing.T) {
		p := newPendingTable()
		ch := p.create("req-1", 10*time.Millisecond)
		<-ch

		if p.resolve("req-1", &protocol.Response{Code: protocol.CodeOK}) {
			t.Error("late resolve returned true, want false")
		}
	})
}

func TestPendingFailAll(t *testing.T) {
	p := newPendingTable()
	chans := make([]<-chan outcome, 5)
	for i := range chans {
		chans[i] = p.create(protocol.NewCorrelationID("req"), time.Minute)
	}

	start := time.Now()
	p.failAll(ErrClosed)

	for i, ch := range chans {
		select {
		case out := <-ch:
			if out.err != ErrClosed {
				t.Errorf("slot %d err = %v, want ErrClosed", i, out.err)
			}
		case <-time.After(time.Second):
			t.Fatalf("slot %d never resolved", i)
		}
	}

	// Failure must be prompt, not deferred to each slot's minute deadline.
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("failAll took %v", elapsed)
	}
	if p.size() != 0 {
		t.Errorf("size = %d after failAll, want 0", p.size())
	}
}
