package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/johnayoung/go-futures-availability/internal/models"
	"github.com/johnayoung/go-futures-availability/internal/runlog"
)

// ErrRunInProgress is returned when a slot fires while the previous run is still going.
var ErrRunInProgress = errors.New("a scheduled run is already in progress")

// DailyRunner runs one daily update.
type DailyRunner interface {
	Window(opts DailyOptions) (start, end time.Time)
	DailyUpdate(ctx context.Context, opts DailyOptions) (*RunSummary, error)
}

// RunLedger records scheduled runs.
type RunLedger interface {
	Start(ctx context.Context, job, slot string, targetStart, targetEnd time.Time) (*runlog.Run, error)
	Finish(ctx context.Context, run *runlog.Run, records, available int, runErr error) error
	SucceededForSlot(ctx context.Context, job, slot string) (bool, error)
	MarkAbandoned(ctx context.Context) (int64, error)
}

// SchedulerConfig configures the daily trigger.
type SchedulerConfig struct {
	// At is the UTC wall-clock time of the daily run, "15:04".
	At string
	// RunMissed runs the most recent slot on start if it has not succeeded yet.
	RunMissed bool
	// Update is passed to every run; its Date is set from the slot.
	Update DailyOptions
}

// SchedulerStats is a point-in-time view of the scheduler.
type SchedulerStats struct {
	Running   bool      `json:"running"`
	Completed int64     `json:"completed"`
	Failed    int64     `json:"failed"`
	LastRun   time.Time `json:"last_run"`
	NextRun   time.Time `json:"next_run"`
}

// Scheduler fires the daily update once per day at a fixed UTC time. At most
// one run is in flight. It implements suture.Service.
type Scheduler struct {
	runner DailyRunner
	ledger RunLedger
	hour   int
	minute int
	cfg    SchedulerConfig
	logger *slog.Logger

	now   func() time.Time
	after func(time.Duration) <-chan time.Time

	running   atomic.Bool
	completed atomic.Int64
	failed    atomic.Int64

	mu      sync.RWMutex
	lastRun time.Time
	nextRun time.Time
}

// NewScheduler creates a scheduler. cfg.At defaults to 02:00.
func NewScheduler(runner DailyRunner, ledger RunLedger, cfg SchedulerConfig, logger *slog.Logger) (*Scheduler, error) {
	if cfg.At == "" {
		cfg.At = "02:00"
	}
	at, err := time.Parse("15:04", cfg.At)
	if err != nil {
		return nil, fmt.Errorf("invalid schedule time %q: %w", cfg.At, err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		runner: runner,
		ledger: ledger,
		hour:   at.Hour(),
		minute: at.Minute(),
		cfg:    cfg,
		logger: logger.With("component", "scheduler"),
		now:    time.Now,
		after:  time.After,
	}, nil
}

// String names the service in supervisor logs.
func (s *Scheduler) String() string {
	return "daily-update-scheduler"
}

// NextSlot returns the first fire time strictly after t.
func (s *Scheduler) NextSlot(t time.Time) time.Time {
	slot := s.slotOn(t)
	if !slot.After(t) {
		slot = slot.AddDate(0, 0, 1)
	}
	return slot
}

// LastSlot returns the latest fire time at or before t.
func (s *Scheduler) LastSlot(t time.Time) time.Time {
	slot := s.slotOn(t)
	if slot.After(t) {
		slot = slot.AddDate(0, 0, -1)
	}
	return slot
}

func (s *Scheduler) slotOn(t time.Time) time.Time {
	d := models.DateOf(t)
	return time.Date(d.Year(), d.Month(), d.Day(), s.hour, s.minute, 0, 0, time.UTC)
}

// Serve runs until ctx is canceled. A failed run is logged and recorded in the
// ledger; the next slot runs as usual. Ledger errors are returned so the
// supervisor restarts the service.
func (s *Scheduler) Serve(ctx context.Context) error {
	if n, err := s.ledger.MarkAbandoned(ctx); err != nil {
		return err
	} else if n > 0 {
		s.logger.Warn("marked runs left over from a previous process as failed", "count", n)
	}

	s.logger.Info("scheduler started", "at_utc", fmt.Sprintf("%02d:%02d", s.hour, s.minute), "run_missed", s.cfg.RunMissed)

	if s.cfg.RunMissed {
		if err := s.RunSlot(ctx, s.LastSlot(s.now())); err != nil && !isRunFailure(err) {
			return err
		}
	}

	for {
		next := s.NextSlot(s.now())
		s.mu.Lock()
		s.nextRun = next
		s.mu.Unlock()
		s.logger.Info("next run scheduled", "slot", runlog.SlotKey(next), "in", next.Sub(s.now()).Round(time.Second))

		select {
		case <-ctx.Done():
			s.logger.Info("scheduler stopped")
			return ctx.Err()
		case <-s.after(next.Sub(s.now())):
		}

		if err := s.RunSlot(ctx, next); err != nil && !isRunFailure(err) {
			return err
		}
	}
}

// runFailure marks an error from the update itself, as opposed to the ledger.
type runFailure struct{ err error }

func (e *runFailure) Error() string { return e.err.Error() }
func (e *runFailure) Unwrap() error { return e.err }

func isRunFailure(err error) bool {
	var rf *runFailure
	return errors.As(err, &rf) || errors.Is(err, ErrRunInProgress)
}

// RunSlot runs the update owed to slot unless the ledger shows it already
// succeeded. The window ends the day before the slot.
func (s *Scheduler) RunSlot(ctx context.Context, slot time.Time) error {
	if !s.running.CompareAndSwap(false, true) {
		s.logger.Warn("previous run still in progress, slot skipped", "slot", runlog.SlotKey(slot))
		return ErrRunInProgress
	}
	defer s.running.Store(false)

	key := runlog.SlotKey(slot)
	done, err := s.ledger.SucceededForSlot(ctx, KindDailyUpdate, key)
	if err != nil {
		return err
	}
	if done {
		s.logger.Info("slot already succeeded, skipping", "slot", key)
		return nil
	}

	opts := s.cfg.Update
	opts.Date = models.Yesterday(slot)
	start, end := s.runner.Window(opts)

	run, err := s.ledger.Start(ctx, KindDailyUpdate, key, start, end)
	if err != nil {
		return err
	}
	s.logger.Info("scheduled run starting", "slot", key, "ledger_id", run.ID,
		"start", models.FormatDate(start), "end", models.FormatDate(end))

	summary, runErr := s.runner.DailyUpdate(ctx, opts)

	var records, available int
	if summary != nil {
		records, available = summary.Records, summary.Available
	}
	// the ledger row must close even when shutdown canceled the run
	if err := s.ledger.Finish(context.WithoutCancel(ctx), run, records, available, runErr); err != nil {
		return err
	}

	s.mu.Lock()
	s.lastRun = s.now()
	s.mu.Unlock()

	if runErr != nil {
		s.failed.Add(1)
		s.logger.Error("scheduled run failed", "slot", key, "ledger_id", run.ID, "error", runErr)
		return &runFailure{err: runErr}
	}
	s.completed.Add(1)
	s.logger.Info("scheduled run succeeded", "slot", key, "ledger_id", run.ID, "records", records, "available", available)
	return nil
}

// Stats returns current counters.
func (s *Scheduler) Stats() SchedulerStats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return SchedulerStats{
		Running:   s.running.Load(),
		Completed: s.completed.Load(),
		Failed:    s.failed.Load(),
		LastRun:   s.lastRun,
		NextRun:   s.nextRun,
	}
}
