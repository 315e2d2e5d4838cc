package mqtt

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nerrad567/skyguard-core/internal/monitor"
	"github.com/nerrad567/skyguard-core/internal/safety"
)

// publisher is the subset of Client used by StatePublisher.
type publisher interface {
	Publish(topic string, payload []byte, qos byte, retained bool) error
	IsConnected() bool
	Topics() Topics
	QoS() byte
}

// SafetyStatePayload is published retained on the safety state topic.
type SafetyStatePayload struct {
	SiteID     string    `json:"site_id"`
	IsSafe     bool      `json:"is_safe"`
	ObservedAt time.Time `json:"observed_at"`
}

// SchedulerStatusPayload is published retained on the scheduler status topic.
type SchedulerStatusPayload struct {
	SiteID    string          `json:"site_id"`
	Action    monitor.Action  `json:"action"`
	Outcome   monitor.Outcome `json:"outcome"`
	Applied   bool            `json:"applied"`
	Error     string          `json:"error,omitempty"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// TransitionEventPayload is published on the transition event topic.
type TransitionEventPayload struct {
	SiteID string `json:"site_id"`
	monitor.Transition
}

// StatePublisher publishes readings and transitions. It implements
// monitor.Recorder.
//
// While the broker is unreachable publishing is skipped silently; the next
// reading republishes retained state once the client reconnects.
type StatePublisher struct {
	pub    publisher
	siteID string
}

var _ monitor.Recorder = (*StatePublisher)(nil)

// NewStatePublisher creates a StatePublisher on client.
func NewStatePublisher(client *Client, siteID string) *StatePublisher {
	return newStatePublisher(client, siteID)
}

func newStatePublisher(pub publisher, siteID string) *StatePublisher {
	return &StatePublisher{pub: pub, siteID: siteID}
}

// RecordReading publishes the reading on the safety state topic.
func (p *StatePublisher) RecordReading(_ context.Context, r safety.Reading) error {
	return p.publish(p.pub.Topics().SafetyState(), true, SafetyStatePayload{
		SiteID:     p.siteID,
		IsSafe:     r.IsSafe,
		ObservedAt: r.ObservedAt.UTC(),
	})
}

// RecordTransition publishes transitions that acted: an event plus the
// retained scheduler status.
func (p *StatePublisher) RecordTransition(_ context.Context, t monitor.Transition) error {
	if !t.Acted() {
		return nil
	}

	topics := p.pub.Topics()
	if err := p.publish(topics.TransitionEvent(), false, TransitionEventPayload{SiteID: p.siteID, Transition: t}); err != nil {
		return err
	}
	return p.publish(topics.SchedulerStatus(), true, SchedulerStatusPayload{
		SiteID:    p.siteID,
		Action:    t.Action,
		Outcome:   t.Outcome,
		Applied:   t.Applied,
		Error:     t.Error,
		UpdatedAt: t.FinishedAt.UTC(),
	})
}

func (p *StatePublisher) publish(topic string, retained bool, v any) error {
	if !p.pub.IsConnected() {
		return nil
	}
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encoding %s: %w", topic, err)
	}
	return p.pub.Publish(topic, payload, p.pub.QoS(), retained)
}
