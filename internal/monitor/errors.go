package monitor

import "errors"

var (
	// ErrBusy is returned by Scheduler.Trigger while an evaluation is in flight.
	ErrBusy = errors.New("monitor: evaluation in progress")

	// ErrNotRunning is returned by Scheduler.Trigger outside Run.
	ErrNotRunning = errors.New("monitor: scheduler not running")

	// ErrInvalidConfig is returned by New for missing collaborators.
	ErrInvalidConfig = errors.New("monitor: invalid config")
)
