package monitor

import (
	"time"

	"github.com/nerrad567/skyguard-core/internal/actions"
	"github.com/nerrad567/skyguard-core/internal/safety"
)

// Action is the control plane action an evaluation attempted.
type Action string

// Actions.
const (
	ActionNone  Action = "none"
	ActionStart Action = "start"
	ActionAbort Action = "abort"
)

// Outcome is the result of one evaluation.
type Outcome string

// Outcomes.
const (
	// OutcomeSkipped means the safety reading could not be obtained.
	OutcomeSkipped Outcome = "skipped"
	// OutcomeUnchanged means the reading matched the applied state.
	OutcomeUnchanged Outcome = "unchanged"
	// OutcomeStarted means the schedule is running after a safe reading.
	OutcomeStarted Outcome = "started"
	// OutcomeStopped means the schedule was aborted after an unsafe reading.
	OutcomeStopped Outcome = "stopped"
	// OutcomeFailed means the attempted action did not complete.
	OutcomeFailed Outcome = "failed"
)

// SequenceRun summarises one action sequence executed during an evaluation.
type SequenceRun struct {
	Name       string    `json:"name"`
	Total      int       `json:"total"`
	Completed  int       `json:"completed"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
	Error      string    `json:"error,omitempty"`
}

// OK reports whether the sequence ran to completion.
func (r SequenceRun) OK() bool {
	return r.Error == ""
}

func newSequenceRun(res actions.Result) SequenceRun {
	run := SequenceRun{
		Name:       res.Name,
		Total:      res.Total,
		Completed:  res.Completed,
		StartedAt:  res.StartedAt,
		FinishedAt: res.FinishedAt,
	}
	if res.Err != nil {
		run.Error = res.Err.Error()
	}
	return run
}

// Transition records one evaluation.
type Transition struct {
	ID         string          `json:"id"`
	StartedAt  time.Time       `json:"started_at"`
	FinishedAt time.Time       `json:"finished_at"`
	Reading    *safety.Reading `json:"reading,omitempty"`

	// Previous is the applied state before this evaluation; nil before the
	// first applied transition.
	Previous *bool `json:"previous,omitempty"`

	Action    Action        `json:"action"`
	Outcome   Outcome       `json:"outcome"`
	Sequences []SequenceRun `json:"sequences,omitempty"`

	// Applied reports whether the reading became the applied state.
	Applied bool `json:"applied"`

	Err   error  `json:"-"`
	Error string `json:"error,omitempty"`
}

// Acted reports whether the evaluation attempted a control plane action.
func (t Transition) Acted() bool {
	return t.Action != ActionNone
}

// Duration returns how long the evaluation took.
func (t Transition) Duration() time.Duration {
	return t.FinishedAt.Sub(t.StartedAt)
}

func (t *Transition) fail(err error) {
	t.Outcome = OutcomeFailed
	t.setErr(err)
}

func (t *Transition) setErr(err error) {
	t.Err = err
	if err != nil {
		t.Error = err.Error()
	}
}
