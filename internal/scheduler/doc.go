// Package scheduler fires job dispatches at their due times.
//
// # Model
//
// A job pairs a Trigger (once, interval, or cron) with a dispatch action and
// a set of routing-key targets. The engine keeps jobs in a due-time min-heap
// and runs one loop: sleep until the earliest due time, wake early when the
// set changes, pop everything due, dispatch, reschedule.
//
// Next-due computation is always strictly after "now". A relay that was down
// across several interval windows fires each recovered job once on restart,
// not once per missed window. One-shot jobs retire after firing.
//
// # Failure isolation
//
// Dispatch goes through the Dispatcher interface (bus-backed in production).
// A target that is unreachable or times out fails that occurrence only:
// the outcome is reported through the callback and the schedule continues
// untouched. Nothing a single occurrence does can kill a schedule.
package scheduler
