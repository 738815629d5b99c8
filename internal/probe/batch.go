package probe

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"golang.org/x/time/rate"

	apperrors "github.com/johnayoung/go-futures-availability/internal/errors"
	"github.com/johnayoung/go-futures-availability/internal/metrics"
	"github.com/johnayoung/go-futures-availability/internal/models"
)

// DefaultWorkers is the pool size used when a caller passes zero.
const DefaultWorkers = 10

// Runner probes one archive.
type Runner interface {
	Probe(ctx context.Context, symbol string, date time.Time) (models.ProbeResult, error)
}

// SymbolProvider supplies the symbol universe when a caller passes none.
type SymbolProvider interface {
	LoadSymbols(kind string) ([]string, error)
}

// CheckpointFunc is invoked after each date of a range probes cleanly.
type CheckpointFunc func(ctx context.Context, date time.Time, records []models.AvailabilityRecord) error

// BatchOptions tunes a BatchProber.
type BatchOptions struct {
	Workers    int
	SymbolKind string
	// RateLimiter paces every worker; nil disables pacing.
	RateLimiter *rate.Limiter
	// ErrorRateThreshold trips the per-date breaker once the failure ratio exceeds it; 0 disables.
	ErrorRateThreshold float64
	// BreakerMinRequests is the sample size before the breaker may trip.
	BreakerMinRequests uint32
}

// BatchProber fans probes for one date out over a bounded pool.
type BatchProber struct {
	prober  Runner
	symbols SymbolProvider
	opts    BatchOptions
	logger  *slog.Logger
}

// NewBatchProber creates a batch prober. symbols may be nil if callers always pass explicit lists.
func NewBatchProber(prober Runner, symbols SymbolProvider, opts BatchOptions, logger *slog.Logger) *BatchProber {
	if opts.Workers < 1 {
		opts.Workers = DefaultWorkers
	}
	if opts.SymbolKind == "" {
		opts.SymbolKind = "perpetual"
	}
	if opts.BreakerMinRequests == 0 {
		opts.BreakerMinRequests = 50
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &BatchProber{
		prober:  prober,
		symbols: symbols,
		opts:    opts,
		logger:  logger,
	}
}

// WithWorkers returns a copy of b whose per-date pool has n workers. n < 1 returns b.
func (b *BatchProber) WithWorkers(n int) *BatchProber {
	if n < 1 {
		return b
	}
	c := *b
	c.opts.Workers = n
	return &c
}

// Workers is the per-date pool size.
func (b *BatchProber) Workers() int {
	return b.opts.Workers
}

// ResolveSymbols returns symbols deduplicated in order, or the provider's list when symbols is nil.
func (b *BatchProber) ResolveSymbols(symbols []string) ([]string, error) {
	if symbols == nil {
		if b.symbols == nil {
			return nil, fmt.Errorf("no symbols given and no symbol provider configured")
		}
		loaded, err := b.symbols.LoadSymbols(b.opts.SymbolKind)
		if err != nil {
			return nil, fmt.Errorf("failed to load %s symbols: %w", b.opts.SymbolKind, err)
		}
		symbols = loaded
	}

	seen := make(map[string]struct{}, len(symbols))
	out := make([]string, 0, len(symbols))
	for _, s := range symbols {
		if _, dup := seen[s]; dup || s == "" {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return out, nil
}

// ProbeAllSymbols probes every symbol for date with at most workers probes in flight.
// Every probe runs to completion; a failure never cancels its siblings. If any probe
// failed the call returns nil records and a *BatchError naming each failing symbol.
// Records come back in completion order.
func (b *BatchProber) ProbeAllSymbols(ctx context.Context, date time.Time, symbols []string, workers int) ([]models.AvailabilityRecord, error) {
	date = models.DateOf(date)
	symbols, err := b.ResolveSymbols(symbols)
	if err != nil {
		return nil, err
	}
	if len(symbols) == 0 {
		return []models.AvailabilityRecord{}, nil
	}
	if workers < 1 {
		workers = b.opts.Workers
	}
	if workers > len(symbols) {
		workers = len(symbols)
	}

	start := time.Now()
	day := models.FormatDate(date)

	var (
		mu        sync.Mutex
		wg        sync.WaitGroup
		records   = make([]models.AvailabilityRecord, 0, len(symbols))
		failures  []SymbolFailure
		available int
	)

	pool := NewWorkerPool(workers, b.opts.RateLimiter, b.jobFunc(date), b.logger)
	if err := pool.Start(ctx); err != nil {
		return nil, err
	}

	for _, symbol := range symbols {
		wg.Add(1)
		pool.Submit(ctx, WorkerJob{Symbol: symbol, Date: date}, func(res models.ProbeResult, err error) {
			defer wg.Done()
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				failures = append(failures, SymbolFailure{Symbol: symbol, Err: err})
				return
			}
			rec := res.Record()
			if rec.Available {
				available++
			}
			records = append(records, rec)
		})
	}

	wg.Wait()
	if err := pool.Stop(context.Background()); err != nil {
		b.logger.Warn("worker pool stop failed", "date", day, "error", err)
	}

	duration := time.Since(start)
	metrics.RecordBatch(duration, len(failures) > 0)

	if ctx.Err() != nil {
		return nil, fmt.Errorf("batch probe interrupted on %s: %w", day, ctx.Err())
	}

	if len(failures) > 0 {
		batchErr := &BatchError{
			Date:      date,
			Total:     len(symbols),
			Failures:  sortedFailures(failures),
			Successes: records,
		}
		b.logger.Warn("batch probe failed",
			"date", day,
			"failed", len(failures),
			"total", len(symbols),
			"duration", duration)
		return nil, batchErr
	}

	b.logger.Info("batch probe complete",
		"date", day,
		"symbols", len(symbols),
		"available", available,
		"unavailable", len(records)-available,
		"workers", workers,
		"duration", duration)

	return records, nil
}

// jobFunc wraps the prober in a breaker scoped to a single date batch.
func (b *BatchProber) jobFunc(date time.Time) JobFunc {
	if b.opts.ErrorRateThreshold <= 0 {
		return func(ctx context.Context, job WorkerJob) (models.ProbeResult, error) {
			return b.prober.Probe(ctx, job.Symbol, job.Date)
		}
	}

	cb := apperrors.NewBreaker[models.ProbeResult](apperrors.BreakerSettings{
		Name:         "probe-" + models.FormatDate(date),
		FailureRatio: b.opts.ErrorRateThreshold,
		MinRequests:  b.opts.BreakerMinRequests,
		OpenTimeout:  time.Hour,
		OnOpen:       metrics.RecordBreakerTrip,
	}, b.logger)

	return func(ctx context.Context, job WorkerJob) (models.ProbeResult, error) {
		res, err := cb.Execute(func() (models.ProbeResult, error) {
			return b.prober.Probe(ctx, job.Symbol, job.Date)
		})
		if apperrors.IsCircuitOpen(err) {
			return models.ProbeResult{Symbol: job.Symbol, Date: job.Date}, &ProbeError{
				Symbol: job.Symbol,
				Date:   job.Date,
				Kind:   KindCircuitOpen,
				Err:    err,
			}
		}
		if res.Symbol == "" {
			res.Symbol, res.Date = job.Symbol, job.Date
		}
		return res, err
	}
}

// ProbeDateRange probes each date from start to end inclusive, strictly in order.
// After a date's batch succeeds, callback (if set) runs before the next date starts.
// A failure stops the walk and is returned as a *DateError.
func (b *BatchProber) ProbeDateRange(ctx context.Context, start, end time.Time, symbols []string, callback CheckpointFunc) ([]models.AvailabilityRecord, error) {
	start, end = models.DateOf(start), models.DateOf(end)
	if start.After(end) {
		return nil, fmt.Errorf("start date %s is after end date %s", models.FormatDate(start), models.FormatDate(end))
	}

	symbols, err := b.ResolveSymbols(symbols)
	if err != nil {
		return nil, err
	}

	dates := models.DateRange(start, end)
	b.logger.Info("probing date range",
		"start", models.FormatDate(start),
		"end", models.FormatDate(end),
		"days", len(dates),
		"symbols", len(symbols))

	var all []models.AvailabilityRecord
	for i, date := range dates {
		if err := ctx.Err(); err != nil {
			return nil, &DateError{Date: date, Err: err}
		}

		records, err := b.ProbeAllSymbols(ctx, date, symbols, b.opts.Workers)
		if err != nil {
			return nil, &DateError{Date: date, Err: err}
		}

		if callback != nil {
			if err := callback(ctx, date, records); err != nil {
				return nil, &DateError{Date: date, Err: fmt.Errorf("checkpoint callback: %w", err)}
			}
		}

		all = append(all, records...)
		b.logger.Debug("date complete",
			"date", models.FormatDate(date),
			"progress", fmt.Sprintf("%d/%d", i+1, len(dates)))
	}

	return all, nil
}

func sortedFailures(failures []SymbolFailure) []SymbolFailure {
	sort.Slice(failures, func(i, j int) bool { return failures[i].Symbol < failures[j].Symbol })
	return failures
}
