package journal

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nerrad567/skyguard-core/internal/infrastructure/database"
	"github.com/nerrad567/skyguard-core/internal/monitor"
	"github.com/nerrad567/skyguard-core/internal/safety"
	"github.com/nerrad567/skyguard-core/migrations"
)

func openJournal(t *testing.T) *Journal {
	t.Helper()
	ctx := context.Background()
	db, err := database.Open(ctx, database.Config{Path: filepath.Join(t.TempDir(), "journal.db"), WALMode: true})
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() }) //nolint:errcheck // test cleanup
	require.NoError(t, db.Migrate(ctx, migrations.FS))
	return New(db.DB)
}

var base = time.Date(2026, 10, 17, 21, 0, 0, 0, time.UTC)

func transition(offset time.Duration, safe bool, action monitor.Action, outcome monitor.Outcome) monitor.Transition {
	at := base.Add(offset)
	return monitor.Transition{
		ID:         "t-" + offset.String(),
		StartedAt:  at,
		FinishedAt: at.Add(2 * time.Second),
		Reading:    &safety.Reading{IsSafe: safe, ObservedAt: at},
		Action:     action,
		Outcome:    outcome,
		Applied:    outcome != monitor.OutcomeFailed,
	}
}

func TestRecordTransition_SkipsNonActing(t *testing.T) {
	j := openJournal(t)
	ctx := context.Background()

	require.NoError(t, j.RecordTransition(ctx, transition(0, true, monitor.ActionNone, monitor.OutcomeUnchanged)))
	require.NoError(t, j.RecordTransition(ctx, monitor.Transition{ID: "skip", Action: monitor.ActionNone, Outcome: monitor.OutcomeSkipped}))
	require.NoError(t, j.RecordReading(ctx, safety.Reading{IsSafe: true}))

	res, err := j.List(ctx, Filter{})
	require.NoError(t, err)
	assert.Equal(t, 0, res.Total)
	assert.Empty(t, res.Entries)
}

func TestInsertAndGet(t *testing.T) {
	j := openJournal(t)
	ctx := context.Background()

	tr := transition(0, false, monitor.ActionAbort, monitor.OutcomeStopped)
	tr.Previous = boolPtr(true)
	tr.Sequences = []monitor.SequenceRun{
		{Name: "after_stop", Total: 3, Completed: 1, StartedAt: base, FinishedAt: base.Add(time.Second), Error: "step 2 failed"},
	}
	require.NoError(t, j.RecordTransition(ctx, tr))

	got, err := j.Get(ctx, tr.ID)
	require.NoError(t, err)
	assert.Equal(t, tr.ID, got.ID)
	assert.True(t, got.StartedAt.Equal(tr.StartedAt))
	require.NotNil(t, got.IsSafe)
	assert.False(t, *got.IsSafe)
	require.NotNil(t, got.Previous)
	assert.True(t, *got.Previous)
	require.NotNil(t, got.ObservedAt)
	assert.True(t, got.ObservedAt.Equal(base))
	assert.Equal(t, "abort", got.Action)
	assert.Equal(t, "stopped", got.Outcome)
	assert.True(t, got.Applied)
	assert.Empty(t, got.Error)

	require.Len(t, got.Runs, 1)
	assert.Equal(t, "after_stop", got.Runs[0].Name)
	assert.Equal(t, 3, got.Runs[0].Total)
	assert.Equal(t, 1, got.Runs[0].Completed)
	assert.Equal(t, "step 2 failed", got.Runs[0].Error)
	assert.NotEmpty(t, got.Runs[0].ID)
}

func TestInsert_WithoutReading(t *testing.T) {
	j := openJournal(t)
	ctx := context.Background()

	tr := monitor.Transition{
		StartedAt: base, FinishedAt: base,
		Action: monitor.ActionStart, Outcome: monitor.OutcomeFailed,
		Error: "control: service not running after 5 checks",
	}
	require.NoError(t, j.Insert(ctx, tr))

	res, err := j.List(ctx, Filter{})
	require.NoError(t, err)
	require.Len(t, res.Entries, 1)
	e := res.Entries[0]
	assert.NotEmpty(t, e.ID, "an ID is generated")
	assert.Nil(t, e.IsSafe)
	assert.Nil(t, e.ObservedAt)
	assert.Nil(t, e.Previous)
	assert.False(t, e.Applied)
	assert.Equal(t, tr.Error, e.Error)
	assert.NotNil(t, e.Runs)
}

func TestGet_NotFound(t *testing.T) {
	j := openJournal(t)

	_, err := j.Get(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestList_OrderFilterAndPaging(t *testing.T) {
	j := openJournal(t)
	ctx := context.Background()

	require.NoError(t, j.Insert(ctx, transition(0, true, monitor.ActionStart, monitor.OutcomeStarted)))
	require.NoError(t, j.Insert(ctx, transition(time.Hour, false, monitor.ActionAbort, monitor.OutcomeStopped)))
	require.NoError(t, j.Insert(ctx, transition(2*time.Hour, true, monitor.ActionStart, monitor.OutcomeFailed)))

	res, err := j.List(ctx, Filter{})
	require.NoError(t, err)
	assert.Equal(t, 3, res.Total)
	assert.Equal(t, DefaultLimit, res.Limit)
	require.Len(t, res.Entries, 3)
	assert.Equal(t, "t-2h0m0s", res.Entries[0].ID, "most recent first")
	assert.Equal(t, "t-0s", res.Entries[2].ID)

	res, err = j.List(ctx, Filter{Action: "start"})
	require.NoError(t, err)
	assert.Equal(t, 2, res.Total)

	res, err = j.List(ctx, Filter{Action: "start", Outcome: "failed"})
	require.NoError(t, err)
	require.Equal(t, 1, res.Total)
	assert.Equal(t, "t-2h0m0s", res.Entries[0].ID)

	res, err = j.List(ctx, Filter{Limit: 1, Offset: 1})
	require.NoError(t, err)
	assert.Equal(t, 3, res.Total)
	require.Len(t, res.Entries, 1)
	assert.Equal(t, "t-1h0m0s", res.Entries[0].ID)

	res, err = j.List(ctx, Filter{Limit: 10_000, Offset: -3})
	require.NoError(t, err)
	assert.Equal(t, MaxLimit, res.Limit)
	assert.Equal(t, 0, res.Offset)
}

func TestPrune(t *testing.T) {
	j := openJournal(t)
	ctx := context.Background()

	old := transition(0, true, monitor.ActionStart, monitor.OutcomeStarted)
	old.Sequences = []monitor.SequenceRun{{Name: "before_start", StartedAt: base, FinishedAt: base}}
	require.NoError(t, j.Insert(ctx, old))
	require.NoError(t, j.Insert(ctx, transition(48*time.Hour, false, monitor.ActionAbort, monitor.OutcomeStopped)))

	n, err := j.Prune(ctx, base.Add(24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	res, err := j.List(ctx, Filter{})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Total)

	var runs int
	require.NoError(t, j.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM action_runs").Scan(&runs))
	assert.Zero(t, runs, "action runs are removed with their transition")
}

func boolPtr(b bool) *bool { return &b }
