package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/johnayoung/go-futures-availability/internal/metrics"
	"github.com/johnayoung/go-futures-availability/internal/models"
	"github.com/johnayoung/go-futures-availability/internal/probe"
)

// ErrNoSymbols is returned when a run resolves to an empty symbol list.
var ErrNoSymbols = errors.New("no symbols to probe")

// BackfillOptions selects the range and symbols of a backfill.
type BackfillOptions struct {
	// Start defaults to the configured backfill start, End to yesterday (UTC).
	Start time.Time
	End   time.Time
	// Resume starts at the day after the saved checkpoint, if one exists.
	Resume bool
	// Symbols overrides the provider's list; nil loads it.
	Symbols []string
	Workers int
	// Targeted backfills of a few symbols neither read nor write the checkpoint.
	Targeted bool
}

// Backfill probes every date in range, oldest first. Each date is probed,
// upserted and then checkpointed before the next one starts, so a failure
// leaves the checkpoint at the last fully stored date. A completed backfill
// clears the checkpoint.
func (o *Orchestrator) Backfill(ctx context.Context, opts BackfillOptions) (*RunSummary, error) {
	ctx, log, summary := o.beginRun(ctx, KindBackfill)
	began := o.now()

	err := o.backfill(ctx, opts, summary, log)

	summary.Duration = o.now().Sub(began)
	metrics.RecordRun(KindBackfill, summary.Duration, err)
	if err != nil {
		return summary, err
	}
	log.Info("backfill complete",
		"start", models.FormatDate(summary.Start),
		"end", models.FormatDate(summary.End),
		"dates", summary.Dates,
		"records", summary.Records,
		"available", summary.Available,
		"duration", summary.Duration)
	return summary, nil
}

func (o *Orchestrator) backfill(ctx context.Context, opts BackfillOptions, summary *RunSummary, log *slog.Logger) error {
	start, end := opts.Start, opts.End
	if start.IsZero() {
		start = o.cfg.BackfillStart
	}
	if end.IsZero() {
		end = models.Yesterday(o.now())
	}
	start, end = models.DateOf(start), models.DateOf(end)
	useCheckpoint := !opts.Targeted

	if opts.Resume && useCheckpoint {
		last, ok, err := o.checkpoint.Load()
		if err != nil {
			return fmt.Errorf("failed to load checkpoint: %w", err)
		}
		if ok {
			start = last.AddDate(0, 0, 1)
			summary.Resumed = true
			log.Info("resuming from checkpoint", "checkpoint", models.FormatDate(last), "start", models.FormatDate(start))
		}
	}
	summary.Start, summary.End = start, end

	if start.After(end) {
		if !summary.Resumed {
			return fmt.Errorf("start date %s is after end date %s", models.FormatDate(start), models.FormatDate(end))
		}
		log.Info("checkpoint already covers the range, nothing to do", "end", models.FormatDate(end))
		if err := o.checkpoint.Clear(); err != nil {
			return fmt.Errorf("failed to clear checkpoint: %w", err)
		}
		return nil
	}

	symbols, err := o.batch.ResolveSymbols(opts.Symbols)
	if err != nil {
		return err
	}
	if len(symbols) == 0 {
		return ErrNoSymbols
	}
	summary.Symbols = len(symbols)

	workers := opts.Workers
	if workers < 1 {
		workers = o.cfg.BackfillWorkers
	}
	workers = o.batch.WithWorkers(workers).Workers()

	dates := models.DateRange(start, end)
	log.Info("backfill starting",
		"start", models.FormatDate(start),
		"end", models.FormatDate(end),
		"days", len(dates),
		"symbols", len(symbols),
		"workers", workers,
		"targeted", opts.Targeted)

	for i, date := range dates {
		if err := ctx.Err(); err != nil {
			return o.backfillStopped(log, date, useCheckpoint, err)
		}

		records, err := o.batch.ProbeAllSymbols(ctx, date, symbols, workers)
		if err != nil {
			return o.backfillStopped(log, date, useCheckpoint, err)
		}
		if err := o.store.InsertBatch(ctx, records); err != nil {
			return o.backfillStopped(log, date, useCheckpoint, fmt.Errorf("failed to store %s: %w", models.FormatDate(date), err))
		}
		metrics.RecordDateProcessed()

		if useCheckpoint {
			if err := o.checkpoint.Save(date); err != nil {
				return o.backfillStopped(log, date, useCheckpoint, fmt.Errorf("failed to save checkpoint: %w", err))
			}
			metrics.SetCheckpoint(date)
		}

		summary.add(records)
		log.Info("date complete",
			"date", models.FormatDate(date),
			"available", countAvailable(records),
			"total", len(records),
			"progress", fmt.Sprintf("%d/%d", i+1, len(dates)))
	}

	if useCheckpoint {
		if err := o.checkpoint.Clear(); err != nil {
			return fmt.Errorf("backfill finished but the checkpoint could not be cleared: %w", err)
		}
	}
	return nil
}

// backfillStopped logs how to pick the run back up and wraps err with its date.
func (o *Orchestrator) backfillStopped(log *slog.Logger, date time.Time, useCheckpoint bool, err error) error {
	args := []any{"date", models.FormatDate(date), "error", err}
	if useCheckpoint {
		args = append(args, "resume_hint", "rerun backfill with --resume to continue from "+models.FormatDate(date))
	}
	log.Error("backfill stopped", args...)

	var dateErr *probe.DateError
	if errors.As(err, &dateErr) {
		return err
	}
	return &probe.DateError{Date: date, Err: err}
}
