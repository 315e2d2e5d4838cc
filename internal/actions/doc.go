// Package actions runs the ordered HTTP side effects that surround control
// plane transitions: typically opening a roof or powering a mount before the
// scheduler starts, and closing up after it stops.
//
// A Sequence is an ordered list of Steps. Execution is strictly sequential:
//
//  1. Each step is a GET request; 2xx is success.
//  2. A failed step is retried per retry.Policy.
//  3. Between successfully completed steps the executor sleeps the step's
//     DelayAfter, or the configured default.
//  4. The first step that exhausts its retries aborts the rest of the
//     sequence. Steps already executed are not rolled back.
//
// Usage:
//
//	exec := actions.NewExecutor(actions.Config{Enabled: true, Retry: policy, BeforeStart: seq})
//	if res := exec.BeforeStart(ctx); res.Err != nil {
//	    log.Warn("pre-start sequence failed", "completed", res.Completed, "error", res.Err)
//	}
package actions
