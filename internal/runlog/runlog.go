// Package runlog keeps the scheduler's run ledger in a small SQLite file so a
// restarted daemon can tell which daily slots already succeeded.
package runlog

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/sqlitedialect"
	"github.com/uptrace/bun/driver/sqliteshim"
)

// Run statuses.
const (
	StatusRunning   = "running"
	StatusSucceeded = "succeeded"
	StatusFailed    = "failed"
)

// MemoryPath opens a private in-memory ledger.
const MemoryPath = ":memory:"

// SlotLayout formats the scheduled fire time of a run.
const SlotLayout = "2006-01-02T15:04Z"

// Run is one row of the ledger.
type Run struct {
	bun.BaseModel `bun:"table:scheduler_runs,alias:sr"`

	ID          string     `bun:"id,pk" json:"id"`
	Job         string     `bun:"job,notnull" json:"job"`
	Slot        string     `bun:"slot,notnull" json:"slot"`
	TargetStart time.Time  `bun:"target_start,notnull" json:"target_start"`
	TargetEnd   time.Time  `bun:"target_end,notnull" json:"target_end"`
	StartedAt   time.Time  `bun:"started_at,notnull" json:"started_at"`
	FinishedAt  *time.Time `bun:"finished_at" json:"finished_at,omitempty"`
	Status      string     `bun:"status,notnull" json:"status"`
	Records     int        `bun:"records,notnull" json:"records"`
	Available   int        `bun:"available,notnull" json:"available"`
	Error       *string    `bun:"error" json:"error,omitempty"`
}

// Duration is the wall time of a finished run, or zero while it is running.
func (r *Run) Duration() time.Duration {
	if r.FinishedAt == nil {
		return 0
	}
	return r.FinishedAt.Sub(r.StartedAt)
}

// SlotKey returns the ledger key of a scheduled fire time.
func SlotKey(t time.Time) string {
	return t.UTC().Format(SlotLayout)
}

// Ledger records scheduler runs.
type Ledger struct {
	db  *bun.DB
	now func() time.Time
}

// Open opens (creating if needed) the ledger at path and ensures its schema.
func Open(ctx context.Context, path string) (*Ledger, error) {
	if path != MemoryPath {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create ledger directory: %w", err)
		}
	}

	sqldb, err := sql.Open(sqliteshim.ShimName, path)
	if err != nil {
		return nil, fmt.Errorf("failed to open run ledger: %w", err)
	}
	// one connection keeps an in-memory database alive and serializes writers
	sqldb.SetMaxOpenConns(1)

	db := bun.NewDB(sqldb, sqlitedialect.New())

	pragmas := []string{"PRAGMA synchronous = NORMAL", "PRAGMA busy_timeout = 5000"}
	if path != MemoryPath {
		pragmas = append(pragmas, "PRAGMA journal_mode = WAL")
	}
	for _, p := range pragmas {
		if _, err := db.ExecContext(ctx, p); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to apply %q: %w", p, err)
		}
	}

	if _, err := db.NewCreateTable().Model((*Run)(nil)).IfNotExists().Exec(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create scheduler_runs: %w", err)
	}
	if _, err := db.NewCreateIndex().
		Model((*Run)(nil)).
		Index("idx_scheduler_runs_job_slot").
		IfNotExists().
		Column("job", "slot").
		Exec(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create scheduler_runs index: %w", err)
	}

	return &Ledger{db: db, now: time.Now}, nil
}

// Close releases the database.
func (l *Ledger) Close() error {
	return l.db.Close()
}

// Start inserts a running row for job at slot and returns it.
func (l *Ledger) Start(ctx context.Context, job, slot string, targetStart, targetEnd time.Time) (*Run, error) {
	run := &Run{
		ID:          uuid.NewString(),
		Job:         job,
		Slot:        slot,
		TargetStart: targetStart.UTC(),
		TargetEnd:   targetEnd.UTC(),
		StartedAt:   l.now().UTC(),
		Status:      StatusRunning,
	}
	if _, err := l.db.NewInsert().Model(run).Exec(ctx); err != nil {
		return nil, fmt.Errorf("failed to record run start: %w", err)
	}
	return run, nil
}

// Finish closes run with its counts. A non-nil runErr marks the run failed.
func (l *Ledger) Finish(ctx context.Context, run *Run, records, available int, runErr error) error {
	finished := l.now().UTC()
	run.FinishedAt = &finished
	run.Records = records
	run.Available = available
	run.Status = StatusSucceeded
	run.Error = nil
	if runErr != nil {
		msg := runErr.Error()
		run.Status = StatusFailed
		run.Error = &msg
	}

	_, err := l.db.NewUpdate().
		Model(run).
		Column("finished_at", "records", "available", "status", "error").
		WherePK().
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("failed to record run finish: %w", err)
	}
	return nil
}

// SucceededForSlot reports whether job already has a successful run for slot.
func (l *Ledger) SucceededForSlot(ctx context.Context, job, slot string) (bool, error) {
	ok, err := l.db.NewSelect().
		Model((*Run)(nil)).
		Where("job = ?", job).
		Where("slot = ?", slot).
		Where("status = ?", StatusSucceeded).
		Exists(ctx)
	if err != nil {
		return false, fmt.Errorf("failed to query run ledger: %w", err)
	}
	return ok, nil
}

// LastSucceeded returns job's most recent successful run. ok is false if there is none.
func (l *Ledger) LastSucceeded(ctx context.Context, job string) (*Run, bool, error) {
	run := new(Run)
	err := l.db.NewSelect().
		Model(run).
		Where("job = ?", job).
		Where("status = ?", StatusSucceeded).
		OrderExpr("started_at DESC").
		Limit(1).
		Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to query run ledger: %w", err)
	}
	return run, true, nil
}

// Recent lists up to limit runs of job, newest first. An empty job lists every job.
func (l *Ledger) Recent(ctx context.Context, job string, limit int) ([]Run, error) {
	if limit <= 0 {
		limit = 20
	}
	var runs []Run
	q := l.db.NewSelect().Model(&runs).OrderExpr("started_at DESC").Limit(limit)
	if job != "" {
		q = q.Where("job = ?", job)
	}
	if err := q.Scan(ctx); err != nil {
		return nil, fmt.Errorf("failed to query run ledger: %w", err)
	}
	return runs, nil
}

// MarkAbandoned fails every run still marked running. A daemon calls it on
// startup; such rows belong to a process that died mid-run.
func (l *Ledger) MarkAbandoned(ctx context.Context) (int64, error) {
	res, err := l.db.NewUpdate().
		Model((*Run)(nil)).
		Set("status = ?", StatusFailed).
		Set("error = ?", "abandoned: process exited before the run finished").
		Set("finished_at = ?", l.now().UTC()).
		Where("status = ?", StatusRunning).
		Exec(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to mark abandoned runs: %w", err)
	}
	return res.RowsAffected()
}
