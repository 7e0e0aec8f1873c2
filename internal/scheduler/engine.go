// ABOUTME: SchedulerEngine: a due-time min-heap and the loop that fires BaseJobs.
// ABOUTME: Job insertion wakes an earlier-sleeping loop; one failed occurrence never kills a schedule.

package scheduler

import (
	"container/heap"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jiascheduler/automate/internal/protocol"
)

// ErrJobExists is returned when adding a job whose id is already scheduled.
var ErrJobExists = errors.New("scheduler: job already scheduled")

// ErrNoTargets is returned when a job names no routing keys.
var ErrNoTargets = errors.New("scheduler: job has no targets")

// BaseJob is a schedulable unit: when the trigger fires, Action is
// dispatched to every target routing key. Action is immutable once
// dispatched.
type BaseJob struct {
	ID         string
	Name       string
	ExecutorID string
	Targets    []string
	Trigger    Trigger
	Action     protocol.DispatchJobParams
}

// Dispatcher forwards a due occurrence toward one routing key. The engine is
// fire-and-forget: results are observed asynchronously by whoever records
// execution history, not by the schedule.
type Dispatcher interface {
	Dispatch(ctx context.Context, key string, action *protocol.DispatchJobParams) error
}

// Outcome reports one dispatch occurrence for history recording.
type Outcome struct {
	JobID string
	Key   string
	At    time.Time
	Run   int
	Err   error
}

// entry is one scheduled job with its next due time. index is -1 while the
// entry is detached from the heap (being fired).
type entry struct {
	job       *BaseJob
	due       time.Time
	runs      int
	index     int // heap bookkeeping
	cancelled bool
}

// dueHeap orders entries by next due time, earliest on top.
type dueHeap []*entry

func (h dueHeap) Len() int            { return len(h) }
func (h dueHeap) Less(i, j int) bool  { return h[i].due.Before(h[j].due) }
func (h dueHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i]; h[i].index = i; h[j].index = j }
func (h *dueHeap) Push(x any)         { e := x.(*entry); e.index = len(*h); *h = append(*h, e) }
func (h *dueHeap) Pop() any           { old := *h; n := len(old); e := old[n-1]; old[n-1] = nil; *h = old[:n-1]; return e }

// Engine owns all trigger state. It is the only writer of the due-time
// queue; every mutation goes through its serialized entry points.
type Engine struct {
	mu      sync.Mutex
	heap    dueHeap
	entries map[string]*entry

	dispatcher Dispatcher
	onOutcome  func(Outcome)
	wake       chan struct{}
	now        func() time.Time
	timeout    time.Duration
	logger     *slog.Logger
}

// NewEngine creates an engine dispatching through d. onOutcome may be nil;
// when set it receives one call per (occurrence, target).
func NewEngine(d Dispatcher, onOutcome func(Outcome), logger *slog.Logger) *Engine {
	return &Engine{
		entries:    make(map[string]*entry),
		dispatcher: d,
		onOutcome:  onOutcome,
		wake:       make(chan struct{}, 1),
		now:        time.Now,
		timeout:    30 * time.Second,
		logger:     logger.With("component", "scheduler"),
	}
}

// Add schedules a job. A first due time already in the past fires once
// immediately on the next loop turn (catch-up), then the trigger resumes its
// normal cadence.
func (e *Engine) Add(job *BaseJob) error {
	if job.ID == "" || job.Trigger == nil {
		return fmt.Errorf("scheduler: job requires an id and a trigger")
	}
	if len(job.Targets) == 0 {
		return ErrNoTargets
	}
	if err := job.Action.Validate(); err != nil {
		return err
	}

	now := e.now()
	due := job.Trigger.First(now)
	if due.IsZero() {
		return fmt.Errorf("scheduler: trigger for job %s never fires", job.ID)
	}
	if due.Before(now) {
		due = now
	}

	e.mu.Lock()
	if _, exists := e.entries[job.ID]; exists {
		e.mu.Unlock()
		return ErrJobExists
	}
	ent := &entry{job: job, due: due}
	e.entries[job.ID] = ent
	heap.Push(&e.heap, ent)
	e.mu.Unlock()

	e.logger.Info("job scheduled", "job_id", job.ID, "name", job.Name, "due", due)
	e.poke()
	return nil
}

// Remove cancels a schedule. Returns false when the job is not scheduled
// (already retired or never added). A job caught mid-fire completes that
// occurrence but is not rescheduled.
func (e *Engine) Remove(jobID string) bool {
	e.mu.Lock()
	ent, ok := e.entries[jobID]
	if ok {
		delete(e.entries, jobID)
		ent.cancelled = true
		if ent.index >= 0 {
			heap.Remove(&e.heap, ent.index)
		}
	}
	e.mu.Unlock()

	if ok {
		e.logger.Info("job cancelled", "job_id", jobID)
		e.poke()
	}
	return ok
}

// Scheduled reports whether a job is still in the queue.
func (e *Engine) Scheduled(jobID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.entries[jobID]
	return ok
}

// Len reports the number of scheduled jobs.
func (e *Engine) Len() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.entries)
}

// poke wakes the loop so an earlier due time is noticed.
func (e *Engine) poke() {
	select {
	case e.wake <- struct{}{}:
	default:
	}
}

// Run drives the trigger loop until ctx is cancelled: sleep until the
// earliest due time or a wake-up, pop everything due, dispatch, reinsert.
func (e *Engine) Run(ctx context.Context) {
	e.logger.Info("scheduler started")
	for {
		next, ok := e.nextDue()
		if !ok {
			select {
			case <-e.wake:
				continue
			case <-ctx.Done():
				return
			}
		}

		delay := time.Until(next)
		if delay > 0 {
			timer := time.NewTimer(delay)
			select {
			case <-timer.C:
			case <-e.wake:
				timer.Stop()
				continue
			case <-ctx.Done():
				timer.Stop()
				return
			}
		}

		for _, ent := range e.popDue() {
			e.fire(ctx, ent)
		}
	}
}

func (e *Engine) nextDue() (time.Time, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.heap) == 0 {
		return time.Time{}, false
	}
	return e.heap[0].due, true
}

// popDue removes every entry due at or before now. Entries are returned
// detached; fire decides whether they re-enter the queue.
func (e *Engine) popDue() []*entry {
	now := e.now()
	e.mu.Lock()
	defer e.mu.Unlock()

	var due []*entry
	for len(e.heap) > 0 && !e.heap[0].due.After(now) {
		ent := heap.Pop(&e.heap).(*entry)
		ent.index = -1
		due = append(due, ent)
	}
	return due
}

// fire dispatches one occurrence and reschedules the trigger. Dispatch runs
// off the loop goroutine so a slow or timing-out target never delays other
// schedules. An unreachable target fails this occurrence only.
func (e *Engine) fire(ctx context.Context, ent *entry) {
	now := e.now()
	ent.runs++
	job := ent.job
	// The loop goroutine increments runs again on the next occurrence, so the
	// dispatch goroutine works from its own copy.
	run := ent.runs

	go func() {
		for _, key := range job.Targets {
			dctx, cancel := context.WithTimeout(ctx, e.timeout)
			err := e.dispatcher.Dispatch(dctx, key, &job.Action)
			cancel()

			if err != nil {
				e.logger.Warn("dispatch failed",
					"job_id", job.ID,
					"key", key,
					"run", run,
					"error", err,
				)
			} else {
				e.logger.Debug("dispatched", "job_id", job.ID, "key", key, "run", run)
			}
			if e.onOutcome != nil {
				e.onOutcome(Outcome{JobID: job.ID, Key: key, At: now, Run: run, Err: err})
			}
		}
	}()

	next := job.Trigger.Next(now)

	e.mu.Lock()
	if ent.cancelled {
		e.mu.Unlock()
		return
	}
	if next.IsZero() {
		delete(e.entries, job.ID)
		e.mu.Unlock()
		e.logger.Info("job retired", "job_id", job.ID, "runs", ent.runs)
		return
	}
	if !next.After(now) {
		// A trigger must never refire in the same instant.
		next = now.Add(minInterval)
	}
	ent.due = next
	heap.Push(&e.heap, ent)
	e.mu.Unlock()
}
