package influxdb

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"

	"github.com/nerrad567/skyguard-core/internal/infrastructure/config"
	"github.com/nerrad567/skyguard-core/internal/monitor"
	"github.com/nerrad567/skyguard-core/internal/safety"
)

// fakeInflux answers /ping and records line protocol posted to /api/v2/write.
type fakeInflux struct {
	*httptest.Server

	mu     sync.Mutex
	bodies []string
	query  string
}

func newFakeInflux(t *testing.T) *fakeInflux {
	t.Helper()
	f := &fakeInflux{}
	f.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/ping":
			w.WriteHeader(http.StatusNoContent)
		case "/api/v2/write":
			body, _ := io.ReadAll(r.Body)
			f.mu.Lock()
			f.bodies = append(f.bodies, string(body))
			f.query = r.URL.RawQuery
			f.mu.Unlock()
			w.WriteHeader(http.StatusNoContent)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	t.Cleanup(f.Close)
	return f
}

func (f *fakeInflux) written() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return strings.Join(f.bodies, "\n")
}

// waitFor polls until the server has received want.
func (f *fakeInflux) waitFor(t *testing.T, want string) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if strings.Contains(f.written(), want) {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("server never received %q; got %q", want, f.written())
}

func testConfig(url string) config.InfluxDBConfig {
	return config.InfluxDBConfig{
		Enabled:       true,
		URL:           url,
		Token:         "test-token",
		Org:           "obs",
		Bucket:        "skyguard",
		BatchSize:     10,
		FlushInterval: time.Second,
	}
}

func tags(p *write.Point) map[string]string {
	out := map[string]string{}
	for _, tag := range p.TagList() {
		out[tag.Key] = tag.Value
	}
	return out
}

func fields(p *write.Point) map[string]any {
	out := map[string]any{}
	for _, f := range p.FieldList() {
		out[f.Key] = f.Value
	}
	return out
}

// =============================================================================
// Points
// =============================================================================

func TestSafetyReadingPoint(t *testing.T) {
	at := time.Date(2026, 10, 1, 21, 0, 0, 0, time.UTC)
	p := safetyReadingPoint("ridge", safety.Reading{IsSafe: true, ObservedAt: at})

	if p.Name() != MeasurementSafetyReading {
		t.Errorf("Name() = %q", p.Name())
	}
	if got := tags(p)["site"]; got != "ridge" {
		t.Errorf("site tag = %q", got)
	}
	f := fields(p)
	if f["is_safe"] != true || f["safe"] != int64(1) {
		t.Errorf("fields = %v", f)
	}
	if !p.Time().Equal(at) {
		t.Errorf("Time() = %v, want %v", p.Time(), at)
	}

	unsafe := safetyReadingPoint("ridge", safety.Reading{IsSafe: false, ObservedAt: at})
	if fields(unsafe)["safe"] != int64(0) {
		t.Errorf("unsafe safe field = %v", fields(unsafe)["safe"])
	}
}

func TestTransitionPoints(t *testing.T) {
	start := time.Date(2026, 10, 1, 21, 0, 0, 0, time.UTC)
	tr := monitor.Transition{
		ID:         "abc",
		StartedAt:  start,
		FinishedAt: start.Add(1500 * time.Millisecond),
		Reading:    &safety.Reading{IsSafe: false},
		Action:     monitor.ActionAbort,
		Outcome:    monitor.OutcomeStopped,
		Applied:    true,
		Sequences: []monitor.SequenceRun{{
			Name:       "after_stop",
			Total:      2,
			Completed:  1,
			StartedAt:  start.Add(time.Second),
			FinishedAt: start.Add(1200 * time.Millisecond),
			Error:      "step 2 failed",
		}},
	}

	points := transitionPoints("ridge", tr)
	if len(points) != 2 {
		t.Fatalf("len(points) = %d, want 2", len(points))
	}

	eval := points[0]
	if eval.Name() != MeasurementEvaluation {
		t.Errorf("Name() = %q", eval.Name())
	}
	tg := tags(eval)
	if tg["action"] != "abort" || tg["outcome"] != "stopped" || tg["site"] != "ridge" {
		t.Errorf("evaluation tags = %v", tg)
	}
	f := fields(eval)
	if f["applied"] != true || f["is_safe"] != false || f["duration_ms"] != 1500.0 {
		t.Errorf("evaluation fields = %v", f)
	}
	if _, ok := f["error"]; ok {
		t.Error("error field written for a transition without error")
	}

	run := points[1]
	if run.Name() != MeasurementActionRun || tags(run)["sequence"] != "after_stop" {
		t.Errorf("action run point = %s %v", run.Name(), tags(run))
	}
	rf := fields(run)
	if rf["ok"] != false || rf["completed"] != int64(1) || rf["total"] != int64(2) || rf["transition_id"] != "abc" {
		t.Errorf("action run fields = %v", rf)
	}
	if rf["duration_ms"] != 200.0 {
		t.Errorf("action run duration_ms = %v, want 200", rf["duration_ms"])
	}
}

func TestTransitionPoints_Skipped(t *testing.T) {
	tr := monitor.Transition{Action: monitor.ActionNone, Outcome: monitor.OutcomeSkipped, Error: "device unreachable"}

	points := transitionPoints("ridge", tr)
	if len(points) != 1 {
		t.Fatalf("len(points) = %d, want 1", len(points))
	}
	f := fields(points[0])
	if f["error"] != "device unreachable" {
		t.Errorf("error field = %v", f["error"])
	}
	if _, ok := f["is_safe"]; ok {
		t.Error("is_safe written without a reading")
	}
	if points[0].Time().IsZero() {
		t.Error("zero timestamp not replaced")
	}
}

// =============================================================================
// Client
// =============================================================================

func TestConnect_Disabled(t *testing.T) {
	cfg := testConfig("http://127.0.0.1:1")
	cfg.Enabled = false

	_, err := Connect(cfg, "ridge")
	if !errors.Is(err, ErrDisabled) {
		t.Errorf("Connect() error = %v, want ErrDisabled", err)
	}
}

func TestConnect_Unreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	_, err := Connect(testConfig(url), "ridge")
	if !errors.Is(err, ErrConnectionFailed) {
		t.Errorf("Connect() error = %v, want ErrConnectionFailed", err)
	}
}

func TestClient_RecordsThroughWriteAPI(t *testing.T) {
	srv := newFakeInflux(t)

	client, err := Connect(testConfig(srv.URL), "ridge")
	if err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	defer client.Close()

	if !client.IsConnected() {
		t.Fatal("IsConnected() = false after Connect()")
	}
	if err := client.HealthCheck(context.Background()); err != nil {
		t.Errorf("HealthCheck() error = %v", err)
	}

	ctx := context.Background()
	if err := client.RecordReading(ctx, safety.Reading{IsSafe: true, ObservedAt: time.Now()}); err != nil {
		t.Fatalf("RecordReading() error = %v", err)
	}
	tr := monitor.Transition{
		ID:         "t1",
		StartedAt:  time.Now(),
		FinishedAt: time.Now(),
		Action:     monitor.ActionStart,
		Outcome:    monitor.OutcomeStarted,
		Applied:    true,
	}
	if err := client.RecordTransition(ctx, tr); err != nil {
		t.Fatalf("RecordTransition() error = %v", err)
	}
	client.Flush()

	srv.waitFor(t, "safety_reading,site=ridge")
	srv.waitFor(t, "evaluation,action=start,outcome=started,site=ridge")

	srv.mu.Lock()
	query := srv.query
	srv.mu.Unlock()
	if !strings.Contains(query, "bucket=skyguard") || !strings.Contains(query, "org=obs") {
		t.Errorf("write query = %q", query)
	}
}

func TestClient_Close(t *testing.T) {
	srv := newFakeInflux(t)

	client, err := Connect(testConfig(srv.URL), "ridge")
	if err != nil {
		t.Fatalf("Connect() error = %v", err)
	}

	if err := client.Close(); err != nil {
		t.Errorf("Close() error = %v", err)
	}
	if client.IsConnected() {
		t.Error("IsConnected() = true after Close()")
	}
	if err := client.HealthCheck(context.Background()); !errors.Is(err, ErrNotConnected) {
		t.Errorf("HealthCheck() after Close = %v, want ErrNotConnected", err)
	}

	// Writes and flushes after close are dropped.
	client.WritePoint(safetyReadingPoint("ridge", safety.Reading{}))
	client.Flush()
	if err := client.Close(); err != nil {
		t.Errorf("second Close() error = %v", err)
	}
}

func TestClose_Nil(t *testing.T) {
	client := &Client{}
	if err := client.Close(); err != nil {
		t.Errorf("Close() on empty client = %v", err)
	}
}
