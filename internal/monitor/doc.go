// Package monitor turns safety readings into scheduler actions.
//
// Monitor is the single authority for acting on the safety signal. Each
// Evaluate reads the safety source once and compares the reading with the
// last state it applied:
//
//   - read failure: the tick is skipped, nothing changes
//   - same as last applied: nothing happens (debounce)
//   - safe: run the before_start actions, then ensure the Ekos schedule runs
//   - unsafe: abort the schedule at once, then run the after_stop actions
//
// The applied state only moves when the primary action succeeded or failed
// for a reason a retry cannot fix. A control plane that cannot be reached
// leaves the state untouched so the next tick tries again; in particular an
// abort that could not be delivered is repeated on every poll.
//
// Scheduler drives Evaluate on a fixed interval. Ticks never overlap: a tick
// that comes due while an evaluation is in flight is skipped, not queued.
//
// Thread Safety: Evaluate must only be called from one goroutine at a time
// (Scheduler guarantees this). Snapshot is safe for concurrent use.
package monitor
