// Package journal persists the evaluations that acted on the scheduler, with
// the action sequences they ran, so partially applied sequences can be
// reviewed after the fact.
package journal

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/nerrad567/skyguard-core/internal/monitor"
	"github.com/nerrad567/skyguard-core/internal/safety"
)

// List page sizes.
const (
	DefaultLimit = 50
	MaxLimit     = 500
)

// ErrNotFound is returned by Get for an unknown ID.
var ErrNotFound = errors.New("journal: entry not found")

// ActionRun is one action sequence executed during a transition.
type ActionRun struct {
	ID         string    `json:"id"`
	Name       string    `json:"name"`
	Total      int       `json:"total"`
	Completed  int       `json:"completed"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
	Error      string    `json:"error,omitempty"`
}

// Entry is a journaled transition.
type Entry struct {
	ID         string      `json:"id"`
	StartedAt  time.Time   `json:"started_at"`
	FinishedAt time.Time   `json:"finished_at"`
	IsSafe     *bool       `json:"is_safe,omitempty"`
	ObservedAt *time.Time  `json:"observed_at,omitempty"`
	Previous   *bool       `json:"previous,omitempty"`
	Action     string      `json:"action"`
	Outcome    string      `json:"outcome"`
	Applied    bool        `json:"applied"`
	Error      string      `json:"error,omitempty"`
	Runs       []ActionRun `json:"action_runs"`
}

// Filter narrows List.
type Filter struct {
	Action  string // optional: start, abort
	Outcome string // optional: started, stopped, failed
	Limit   int    // default 50, max 500
	Offset  int
}

// ListResult is one page of entries, most recent first.
type ListResult struct {
	Entries []Entry `json:"entries"`
	Total   int     `json:"total"`
	Limit   int     `json:"limit"`
	Offset  int     `json:"offset"`
}

// Journal stores transitions in SQLite.
type Journal struct {
	db *sql.DB
}

// New creates a Journal on a migrated database.
func New(db *sql.DB) *Journal {
	return &Journal{db: db}
}

var _ monitor.Recorder = (*Journal)(nil)

// RecordReading is a no-op: readings go to telemetry, not the journal.
func (j *Journal) RecordReading(context.Context, safety.Reading) error {
	return nil
}

// RecordTransition stores t if it attempted an action. Skipped and unchanged
// evaluations are not journaled.
func (j *Journal) RecordTransition(ctx context.Context, t monitor.Transition) error {
	if !t.Acted() {
		return nil
	}
	return j.Insert(ctx, t)
}

// Insert stores t and its action runs in one transaction.
func (j *Journal) Insert(ctx context.Context, t monitor.Transition) error {
	if t.ID == "" {
		t.ID = uuid.NewString()
	}

	var isSafe, observedAt any
	if t.Reading != nil {
		isSafe = boolInt(t.Reading.IsSafe)
		observedAt = formatTime(t.Reading.ObservedAt)
	}
	var previous any
	if t.Previous != nil {
		previous = boolInt(*t.Previous)
	}

	tx, err := j.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("starting journal transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	_, err = tx.ExecContext(ctx,
		`INSERT INTO transitions (id, started_at, finished_at, is_safe, observed_at, previous, action, outcome, applied, error)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, formatTime(t.StartedAt), formatTime(t.FinishedAt),
		isSafe, observedAt, previous,
		string(t.Action), string(t.Outcome), boolInt(t.Applied),
		nullableString(t.Error),
	)
	if err != nil {
		return fmt.Errorf("inserting transition: %w", err)
	}

	for i, run := range t.Sequences {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO action_runs (id, transition_id, position, name, total, completed, started_at, finished_at, error)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			uuid.NewString(), t.ID, i, run.Name, run.Total, run.Completed,
			formatTime(run.StartedAt), formatTime(run.FinishedAt),
			nullableString(run.Error),
		)
		if err != nil {
			return fmt.Errorf("inserting action run: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transition: %w", err)
	}
	return nil
}

const entryColumns = "id, started_at, finished_at, is_safe, observed_at, previous, action, outcome, applied, error"

// Get returns one entry with its action runs.
func (j *Journal) Get(ctx context.Context, id string) (*Entry, error) {
	row := j.db.QueryRowContext(ctx, "SELECT "+entryColumns+" FROM transitions WHERE id = ?", id)
	e, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if err := j.loadRuns(ctx, []*Entry{e}); err != nil {
		return nil, err
	}
	return e, nil
}

// List returns entries matching filter, most recent first.
func (j *Journal) List(ctx context.Context, filter Filter) (*ListResult, error) {
	if filter.Limit <= 0 {
		filter.Limit = DefaultLimit
	}
	if filter.Limit > MaxLimit {
		filter.Limit = MaxLimit
	}
	if filter.Offset < 0 {
		filter.Offset = 0
	}

	var (
		conditions []string
		args       []any
	)
	if filter.Action != "" {
		conditions = append(conditions, "action = ?")
		args = append(args, filter.Action)
	}
	if filter.Outcome != "" {
		conditions = append(conditions, "outcome = ?")
		args = append(args, filter.Outcome)
	}
	where := ""
	if len(conditions) > 0 {
		where = " WHERE " + strings.Join(conditions, " AND ")
	}

	var total int
	if err := j.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM transitions"+where, args...).Scan(&total); err != nil { //nolint:gosec // WHERE built from fixed conditions
		return nil, fmt.Errorf("counting transitions: %w", err)
	}

	query := "SELECT " + entryColumns + " FROM transitions" + where + " ORDER BY started_at DESC LIMIT ? OFFSET ?" //nolint:gosec // WHERE built from fixed conditions
	rows, err := j.db.QueryContext(ctx, query, append(args, filter.Limit, filter.Offset)...)
	if err != nil {
		return nil, fmt.Errorf("querying transitions: %w", err)
	}
	defer rows.Close()

	var entries []*Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating transitions: %w", err)
	}
	rows.Close()

	if err := j.loadRuns(ctx, entries); err != nil {
		return nil, err
	}

	out := &ListResult{Entries: make([]Entry, 0, len(entries)), Total: total, Limit: filter.Limit, Offset: filter.Offset}
	for _, e := range entries {
		out.Entries = append(out.Entries, *e)
	}
	return out, nil
}

// Prune deletes entries started before cutoff and returns how many were
// removed. Their action runs go with them.
func (j *Journal) Prune(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := j.db.ExecContext(ctx, "DELETE FROM transitions WHERE started_at < ?", formatTime(cutoff))
	if err != nil {
		return 0, fmt.Errorf("pruning transitions: %w", err)
	}
	return res.RowsAffected()
}

func (j *Journal) loadRuns(ctx context.Context, entries []*Entry) error {
	for _, e := range entries {
		rows, err := j.db.QueryContext(ctx,
			`SELECT id, name, total, completed, started_at, finished_at, error
			 FROM action_runs WHERE transition_id = ? ORDER BY position`, e.ID)
		if err != nil {
			return fmt.Errorf("querying action runs: %w", err)
		}

		e.Runs = []ActionRun{}
		for rows.Next() {
			var (
				r                 ActionRun
				started, finished string
				errText           sql.NullString
			)
			if err := rows.Scan(&r.ID, &r.Name, &r.Total, &r.Completed, &started, &finished, &errText); err != nil {
				rows.Close()
				return fmt.Errorf("scanning action run: %w", err)
			}
			r.StartedAt = parseTime(started)
			r.FinishedAt = parseTime(finished)
			r.Error = errText.String
			e.Runs = append(e.Runs, r)
		}
		err = rows.Err()
		rows.Close()
		if err != nil {
			return fmt.Errorf("iterating action runs: %w", err)
		}
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanEntry(s scanner) (*Entry, error) {
	var (
		e                   Entry
		started, finished   string
		isSafe, previous    sql.NullInt64
		observedAt, errText sql.NullString
		applied             int64
	)
	if err := s.Scan(&e.ID, &started, &finished, &isSafe, &observedAt, &previous,
		&e.Action, &e.Outcome, &applied, &errText); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scanning transition: %w", err)
	}

	e.StartedAt = parseTime(started)
	e.FinishedAt = parseTime(finished)
	if isSafe.Valid {
		v := isSafe.Int64 == 1
		e.IsSafe = &v
	}
	if observedAt.Valid {
		ts := parseTime(observedAt.String)
		e.ObservedAt = &ts
	}
	if previous.Valid {
		v := previous.Int64 == 1
		e.Previous = &v
	}
	e.Applied = applied == 1
	e.Error = errText.String
	return &e, nil
}

// timeLayout sorts lexically in chronological order for UTC times.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// nullableString maps "" to NULL.
func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
