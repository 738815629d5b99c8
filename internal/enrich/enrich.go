package enrich

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/johnayoung/go-futures-availability/internal/metrics"
	"github.com/johnayoung/go-futures-availability/internal/models"
	"github.com/johnayoung/go-futures-availability/internal/storage"
)

// Enrichment status label values.
const (
	StatusUpdated = "updated"
	StatusMissing = "missing"
	StatusFailed  = "failed"
)

// DefaultWorkers bounds concurrent downloads when none is configured.
const DefaultWorkers = 8

// Options selects the rows to enrich.
type Options struct {
	Filter storage.VolumeFilter
	// DryRun lists the pending rows without downloading anything.
	DryRun bool
}

// Failure is one row that could not be enriched.
type Failure struct {
	Symbol string    `json:"symbol"`
	Date   time.Time `json:"date"`
	Error  string    `json:"error"`
}

// Summary reports an enrichment pass.
type Summary struct {
	Total    int                 `json:"total"`
	Updated  int                 `json:"updated"`
	Missing  int                 `json:"missing"`
	Failed   int                 `json:"failed"`
	Pending  []storage.RecordRef `json:"pending,omitempty"`
	Failures []Failure           `json:"failures,omitempty"`
	Duration time.Duration       `json:"duration"`
}

// Enricher fills volume columns for available rows that lack them.
type Enricher struct {
	store   storage.VolumeStore
	fetcher Fetcher
	workers int
	logger  *slog.Logger
}

// NewEnricher creates an enricher with at most workers concurrent downloads.
func NewEnricher(store storage.VolumeStore, fetcher Fetcher, workers int, logger *slog.Logger) *Enricher {
	if workers <= 0 {
		workers = DefaultWorkers
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Enricher{
		store:   store,
		fetcher: fetcher,
		workers: workers,
		logger:  logger.With("component", "enrich"),
	}
}

// Run enriches every row matched by opts.Filter. A missing 1d archive is
// skipped, not failed. Per-row failures do not stop the pass; they are
// reported in the summary and turned into a single error at the end.
func (e *Enricher) Run(ctx context.Context, opts Options) (*Summary, error) {
	start := time.Now()

	refs, err := e.store.RecordsNeedingVolume(ctx, opts.Filter)
	if err != nil {
		return nil, fmt.Errorf("failed to list records needing volume: %w", err)
	}

	summary := &Summary{Total: len(refs)}
	e.logger.Info("records needing volume metrics", "count", len(refs), "dry_run", opts.DryRun)
	if opts.DryRun || len(refs) == 0 {
		summary.Pending = refs
		summary.Duration = time.Since(start)
		return summary, nil
	}

	var (
		mu    sync.Mutex
		g     errgroup.Group
		count int
	)
	g.SetLimit(e.workers)

	for _, ref := range refs {
		if ctx.Err() != nil {
			break
		}
		g.Go(func() error {
			status, err := e.enrichOne(ctx, ref)
			metrics.RecordEnrich(status)

			mu.Lock()
			defer mu.Unlock()
			count++
			switch status {
			case StatusUpdated:
				summary.Updated++
			case StatusMissing:
				summary.Missing++
			default:
				summary.Failed++
				summary.Failures = append(summary.Failures, Failure{Symbol: ref.Symbol, Date: ref.Date, Error: err.Error()})
			}
			if count%100 == 0 {
				e.logger.Info("enrichment progress", "done", count, "total", len(refs))
			}
			return nil
		})
	}
	_ = g.Wait()

	sort.Slice(summary.Failures, func(i, j int) bool {
		a, b := summary.Failures[i], summary.Failures[j]
		if !a.Date.Equal(b.Date) {
			return a.Date.Before(b.Date)
		}
		return a.Symbol < b.Symbol
	})
	summary.Duration = time.Since(start)

	e.logger.Info("volume enrichment complete",
		"total", summary.Total,
		"updated", summary.Updated,
		"missing", summary.Missing,
		"failed", summary.Failed,
		"duration", summary.Duration)

	if err := ctx.Err(); err != nil {
		return summary, err
	}
	if summary.Failed > 0 {
		return summary, fmt.Errorf("volume enrichment failed for %d/%d records", summary.Failed, summary.Total)
	}
	return summary, nil
}

func (e *Enricher) enrichOne(ctx context.Context, ref storage.RecordRef) (string, error) {
	m, err := e.fetcher.Fetch(ctx, ref.Symbol, ref.Date)
	if errors.Is(err, ErrArchiveNotFound) {
		e.logger.Debug("1d kline not found, skipped", "symbol", ref.Symbol, "date", models.FormatDate(ref.Date))
		return StatusMissing, nil
	}
	if err != nil {
		e.logger.Warn("failed to fetch 1d kline", "symbol", ref.Symbol, "date", models.FormatDate(ref.Date), "error", err)
		return StatusFailed, err
	}

	if err := e.store.UpdateVolumeMetrics(ctx, ref.Symbol, ref.Date, m); err != nil {
		e.logger.Warn("failed to store volume metrics", "symbol", ref.Symbol, "date", models.FormatDate(ref.Date), "error", err)
		return StatusFailed, err
	}
	return StatusUpdated, nil
}
