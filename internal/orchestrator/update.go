package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/johnayoung/go-futures-availability/internal/metrics"
	"github.com/johnayoung/go-futures-availability/internal/models"
	"github.com/johnayoung/go-futures-availability/internal/validation"
)

// DailyOptions selects the window of a daily update.
type DailyOptions struct {
	// Date is the last day of the window; zero means yesterday (UTC).
	Date time.Time
	// LookbackDays is the window length ending at Date; zero uses the configured value.
	LookbackDays int
	Workers      int
	Symbols      []string
}

// Window returns the inclusive date range a daily update covers.
func (o *Orchestrator) Window(opts DailyOptions) (start, end time.Time) {
	end = opts.Date
	if end.IsZero() {
		end = models.Yesterday(o.now())
	}
	end = models.DateOf(end)

	days := opts.LookbackDays
	if days < 1 {
		days = o.cfg.LookbackDays
	}
	return end.AddDate(0, 0, -(days - 1)), end
}

// DailyUpdate re-probes the lookback window ending at opts.Date and upserts
// each date as soon as its batch succeeds. It keeps no checkpoint: a rerun
// simply repeats the window. Validation runs after ingestion under the
// configured policy.
func (o *Orchestrator) DailyUpdate(ctx context.Context, opts DailyOptions) (*RunSummary, error) {
	ctx, log, summary := o.beginRun(ctx, KindDailyUpdate)
	began := o.now()

	err := o.dailyUpdate(ctx, opts, summary, log)

	summary.Duration = o.now().Sub(began)
	metrics.RecordRun(KindDailyUpdate, summary.Duration, err)
	if err != nil {
		log.Error("daily update failed",
			"start", models.FormatDate(summary.Start),
			"end", models.FormatDate(summary.End),
			"dates_stored", summary.Dates,
			"error", err)
		return summary, err
	}
	log.Info("daily update complete",
		"start", models.FormatDate(summary.Start),
		"end", models.FormatDate(summary.End),
		"records", summary.Records,
		"available", summary.Available,
		"duration", summary.Duration)
	return summary, nil
}

func (o *Orchestrator) dailyUpdate(ctx context.Context, opts DailyOptions, summary *RunSummary, log *slog.Logger) error {
	start, end := o.Window(opts)
	summary.Start, summary.End = start, end

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
		workers = o.cfg.UpdateWorkers
	}
	batch := o.batch.WithWorkers(workers)

	log.Info("daily update starting",
		"start", models.FormatDate(start),
		"end", models.FormatDate(end),
		"symbols", len(symbols),
		"workers", batch.Workers())

	_, err = batch.ProbeDateRange(ctx, start, end, symbols, func(ctx context.Context, date time.Time, records []models.AvailabilityRecord) error {
		if err := o.store.InsertBatch(ctx, records); err != nil {
			return err
		}
		metrics.RecordDateProcessed()
		summary.add(records)
		log.Info("date stored",
			"date", models.FormatDate(date),
			"available", countAvailable(records),
			"total", len(records))
		return nil
	})
	if err != nil {
		return err
	}

	if o.auditor == nil {
		return nil
	}
	report, err := o.auditor.Run(ctx, validation.Options{
		Start:            start,
		End:              end,
		CompletenessFrom: start,
		Continuity:       true,
		Completeness:     true,
		CrossCheck:       o.cfg.CrossCheck,
		CrossCheckDate:   end,
	})
	summary.Validation = report
	if err != nil {
		return fmt.Errorf("post-update validation: %w", err)
	}
	return nil
}
