package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nerrad567/skyguard-core/internal/infrastructure/config"
	"github.com/nerrad567/skyguard-core/internal/infrastructure/logging"
	"github.com/nerrad567/skyguard-core/internal/journal"
	"github.com/nerrad567/skyguard-core/internal/monitor"
	"github.com/nerrad567/skyguard-core/internal/process"
)

type fakeMonitor struct {
	snap monitor.Snapshot
}

func (f *fakeMonitor) Snapshot() monitor.Snapshot { return f.snap }

type fakeScheduler struct {
	transition monitor.Transition
	err        error
	calls      int
}

func (f *fakeScheduler) Trigger(context.Context) (monitor.Transition, error) {
	f.calls++
	return f.transition, f.err
}

func (f *fakeScheduler) Stats() monitor.SchedulerStats {
	return monitor.SchedulerStats{Ticks: 7, Skipped: 1, Triggered: int64(f.calls)}
}

type fakeJournal struct {
	entries    []journal.Entry
	lastFilter journal.Filter
	err        error
}

func (f *fakeJournal) List(_ context.Context, filter journal.Filter) (*journal.ListResult, error) {
	f.lastFilter = filter
	if f.err != nil {
		return nil, f.err
	}
	return &journal.ListResult{Entries: f.entries, Total: len(f.entries), Limit: filter.Limit}, nil
}

func (f *fakeJournal) Get(_ context.Context, id string) (*journal.Entry, error) {
	for i := range f.entries {
		if f.entries[i].ID == id {
			return &f.entries[i], nil
		}
	}
	return nil, journal.ErrNotFound
}

type fakeHost struct{}

func (fakeHost) Stats() process.Stats {
	return process.Stats{Name: "kstars", Status: process.StatusRunning, PID: 4242}
}

type checkFunc func(ctx context.Context) error

func (f checkFunc) HealthCheck(ctx context.Context) error { return f(ctx) }

type fixture struct {
	server    *Server
	monitor   *fakeMonitor
	scheduler *fakeScheduler
	journal   *fakeJournal
}

func newFixture(t *testing.T, mutate ...func(*Deps)) *fixture {
	t.Helper()

	f := &fixture{
		monitor:   &fakeMonitor{},
		scheduler: &fakeScheduler{},
		journal:   &fakeJournal{},
	}
	deps := Deps{
		Config: config.APIConfig{
			Host:     "127.0.0.1",
			Port:     0,
			Timeouts: config.APITimeoutConfig{Read: 5 * time.Second, Write: 5 * time.Second, Idle: 5 * time.Second},
			Auth:     config.APIAuthConfig{TokenTTL: time.Hour},
			WebSocket: config.WebSocketConfig{
				MaxMessageSize: 4096,
				PingInterval:   time.Second,
				PongTimeout:    time.Second,
			},
		},
		Logger:    logging.NewWithWriter(io.Discard, config.LoggingConfig{Level: "error"}, "test"),
		Monitor:   f.monitor,
		Scheduler: f.scheduler,
		Journal:   f.journal,
		Version:   "test",
	}
	for _, m := range mutate {
		m(&deps)
	}

	srv, err := New(deps)
	require.NoError(t, err)
	f.server = srv
	return f
}

func (f *fixture) do(t *testing.T, method, target string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, nil)
	rec := httptest.NewRecorder()
	f.server.Handler().ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func TestNew_RequiresDependencies(t *testing.T) {
	_, err := New(Deps{})
	assert.Error(t, err)

	_, err = New(Deps{Logger: logging.Default()})
	assert.Error(t, err)
}

func TestHealth(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodGet, "/api/v1/health")

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))
	body := decode[HealthResponse](t, rec)
	assert.Equal(t, "ok", body.Status)
	assert.Equal(t, "test", body.Version)
}

func TestHealth_Degraded(t *testing.T) {
	f := newFixture(t, func(d *Deps) {
		d.Checks = map[string]HealthChecker{
			"database": checkFunc(func(context.Context) error { return nil }),
			"mqtt":     checkFunc(func(context.Context) error { return errors.New("mqtt: client not connected") }),
		}
	})

	rec := f.do(t, http.MethodGet, "/api/v1/health")

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	body := decode[HealthResponse](t, rec)
	assert.Equal(t, "degraded", body.Status)
	assert.Equal(t, "ok", body.Checks["database"])
	assert.Contains(t, body.Checks["mqtt"], "not connected")
}

func TestRequestIDPropagated(t *testing.T) {
	f := newFixture(t)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/health", nil)
	req.Header.Set("X-Request-ID", "abc-123")
	rec := httptest.NewRecorder()
	f.server.Handler().ServeHTTP(rec, req)

	assert.Equal(t, "abc-123", rec.Header().Get("X-Request-ID"))
}

func TestStatus(t *testing.T) {
	safe := true
	f := newFixture(t, func(d *Deps) { d.Host = fakeHost{} })
	f.monitor.snap = monitor.Snapshot{LastApplied: &safe, Evaluations: 12}

	rec := f.do(t, http.MethodGet, "/api/v1/status")

	require.Equal(t, http.StatusOK, rec.Code)
	body := decode[StatusResponse](t, rec)
	require.NotNil(t, body.Monitor.LastApplied)
	assert.True(t, *body.Monitor.LastApplied)
	assert.Equal(t, 12, body.Monitor.Evaluations)
	assert.Equal(t, int64(7), body.Scheduler.Ticks)
	require.NotNil(t, body.Host)
	assert.Equal(t, 4242, body.Host.PID)
	assert.Positive(t, body.Runtime.Goroutines)
}

func TestStatus_WithoutHost(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodGet, "/api/v1/status")

	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotContains(t, rec.Body.String(), `"host"`)
}

func TestEvaluate(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus int
	}{
		{"success", nil, http.StatusOK},
		{"busy", monitor.ErrBusy, http.StatusConflict},
		{"not running", monitor.ErrNotRunning, http.StatusServiceUnavailable},
		{"cancelled", context.Canceled, http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			f.scheduler.err = tt.err
			f.scheduler.transition = monitor.Transition{ID: "t1", Action: monitor.ActionStart, Outcome: monitor.OutcomeStarted}

			rec := f.do(t, http.MethodPost, "/api/v1/evaluate")

			assert.Equal(t, tt.wantStatus, rec.Code)
			assert.Equal(t, 1, f.scheduler.calls)
			if tt.err == nil {
				body := decode[monitor.Transition](t, rec)
				assert.Equal(t, "t1", body.ID)
				assert.Equal(t, monitor.OutcomeStarted, body.Outcome)
			}
		})
	}
}

func TestEvaluate_RequiresPost(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodGet, "/api/v1/evaluate")

	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
	assert.Zero(t, f.scheduler.calls)
}

func TestListTransitions(t *testing.T) {
	f := newFixture(t)
	f.journal.entries = []journal.Entry{
		{ID: "b", Action: "abort", Outcome: "stopped"},
		{ID: "a", Action: "start", Outcome: "started"},
	}

	rec := f.do(t, http.MethodGet, "/api/v1/transitions?limit=10&offset=0&action=abort")

	require.Equal(t, http.StatusOK, rec.Code)
	body := decode[journal.ListResult](t, rec)
	assert.Len(t, body.Entries, 2)
	assert.Equal(t, "b", body.Entries[0].ID)
	assert.Equal(t, 10, f.journal.lastFilter.Limit)
	assert.Equal(t, "abort", f.journal.lastFilter.Action)
}

func TestListTransitions_BadQuery(t *testing.T) {
	f := newFixture(t)

	for _, q := range []string{"limit=ten", "limit=-1", "offset=x"} {
		rec := f.do(t, http.MethodGet, "/api/v1/transitions?"+q)
		assert.Equal(t, http.StatusBadRequest, rec.Code, q)
	}
}

func TestListTransitions_StoreError(t *testing.T) {
	f := newFixture(t)
	f.journal.err = errors.New("database is locked")

	rec := f.do(t, http.MethodGet, "/api/v1/transitions")

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.NotContains(t, rec.Body.String(), "locked")
}

func TestGetTransition(t *testing.T) {
	f := newFixture(t)
	f.journal.entries = []journal.Entry{{ID: "t-42", Action: "abort"}}

	rec := f.do(t, http.MethodGet, "/api/v1/transitions/t-42")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "t-42", decode[journal.Entry](t, rec).ID)

	rec = f.do(t, http.MethodGet, "/api/v1/transitions/missing")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, ErrCodeNotFound, decode[Error](t, rec).Code)
}

func TestTransitions_NoJournal(t *testing.T) {
	f := newFixture(t, func(d *Deps) { d.Journal = nil })

	assert.Equal(t, http.StatusServiceUnavailable, f.do(t, http.MethodGet, "/api/v1/transitions").Code)
	assert.Equal(t, http.StatusServiceUnavailable, f.do(t, http.MethodGet, "/api/v1/transitions/x").Code)
}

func TestStartAndClose(t *testing.T) {
	f := newFixture(t)

	require.NoError(t, f.server.Start(context.Background()))
	addr := f.server.Addr()
	require.NotEmpty(t, addr)

	resp, err := http.Get("http://" + addr + "/api/v1/health")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.True(t, strings.Contains(string(body), `"status":"ok"`))

	require.NoError(t, f.server.Close())
	_, err = http.Get("http://" + addr + "/api/v1/health")
	assert.Error(t, err)
}

func TestStart_PortInUse(t *testing.T) {
	first := newFixture(t)
	require.NoError(t, first.server.Start(context.Background()))
	defer first.server.Close()

	_, port, _ := strings.Cut(first.server.Addr(), ":")
	second := newFixture(t, func(d *Deps) {
		n, err := strconv.Atoi(port)
		require.NoError(t, err)
		d.Config.Port = n
	})
	assert.Error(t, second.server.Start(context.Background()))
}

func TestClose_NotStarted(t *testing.T) {
	f := newFixture(t)
	assert.NoError(t, f.server.Close())
}
