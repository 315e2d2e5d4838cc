package influxdb

import (
	"context"
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"

	"github.com/nerrad567/skyguard-core/internal/monitor"
	"github.com/nerrad567/skyguard-core/internal/safety"
)

// Measurement names.
const (
	MeasurementSafetyReading = "safety_reading"
	MeasurementEvaluation    = "evaluation"
	MeasurementActionRun     = "action_run"
)

var _ monitor.Recorder = (*Client)(nil)

// RecordReading writes a safety_reading point.
func (c *Client) RecordReading(_ context.Context, r safety.Reading) error {
	c.WritePoint(safetyReadingPoint(c.siteID, r))
	return nil
}

// RecordTransition writes an evaluation point plus one action_run point per
// sequence the evaluation ran.
func (c *Client) RecordTransition(_ context.Context, t monitor.Transition) error {
	for _, p := range transitionPoints(c.siteID, t) {
		c.WritePoint(p)
	}
	return nil
}

// WritePoint queues p for the next batch.
//
// The write is non-blocking. Points written while not connected are
// dropped silently; failures of queued points arrive through SetOnError.
//
// Parameters:
//   - p: Point to write, normally built by the Record methods
func (c *Client) WritePoint(p *write.Point) {
	if !c.IsConnected() {
		return
	}
	c.writeAPI.WritePoint(p)
}

func safetyReadingPoint(siteID string, r safety.Reading) *write.Point {
	safe := 0
	if r.IsSafe {
		safe = 1
	}
	return write.NewPoint(
		MeasurementSafetyReading,
		map[string]string{"site": siteID},
		map[string]any{
			"is_safe": r.IsSafe,
			"safe":    safe,
		},
		timestampOr(r.ObservedAt),
	)
}

func transitionPoints(siteID string, t monitor.Transition) []*write.Point {
	fields := map[string]any{
		"applied":     t.Applied,
		"duration_ms": durationMillis(t.Duration()),
	}
	if t.Reading != nil {
		fields["is_safe"] = t.Reading.IsSafe
	}
	if t.Error != "" {
		fields["error"] = t.Error
	}

	points := []*write.Point{write.NewPoint(
		MeasurementEvaluation,
		map[string]string{
			"site":    siteID,
			"action":  string(t.Action),
			"outcome": string(t.Outcome),
		},
		fields,
		timestampOr(t.FinishedAt),
	)}

	for _, run := range t.Sequences {
		points = append(points, write.NewPoint(
			MeasurementActionRun,
			map[string]string{
				"site":     siteID,
				"sequence": run.Name,
			},
			map[string]any{
				"transition_id": t.ID,
				"total":         run.Total,
				"completed":     run.Completed,
				"ok":            run.OK(),
				"duration_ms":   durationMillis(run.FinishedAt.Sub(run.StartedAt)),
			},
			timestampOr(run.FinishedAt),
		))
	}
	return points
}

func durationMillis(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}

func timestampOr(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now()
	}
	return t
}
