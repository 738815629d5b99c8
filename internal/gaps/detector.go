package gaps

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/johnayoung/go-futures-availability/internal/models"
	"github.com/johnayoung/go-futures-availability/internal/orchestrator"
	"github.com/johnayoung/go-futures-availability/internal/storage"
)

// Detector compares the store against the symbol list.
type Detector struct {
	db      storage.Querier
	symbols SymbolLister
	kind    string
	logger  *slog.Logger
	now     func() time.Time
}

// NewDetector creates a detector over the symbols of kind.
func NewDetector(db storage.Querier, symbols SymbolLister, kind string, logger *slog.Logger) *Detector {
	if kind == "" {
		kind = "perpetual"
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Detector{
		db:      db,
		symbols: symbols,
		kind:    kind,
		logger:  logger.With("component", "gap_detector"),
		now:     time.Now,
	}
}

// NewSymbols returns listed symbols that have never been probed, sorted.
func (d *Detector) NewSymbols(ctx context.Context) ([]string, error) {
	listed, err := d.symbols.LoadSymbols(d.kind)
	if err != nil {
		return nil, fmt.Errorf("failed to load %s symbols: %w", d.kind, err)
	}

	rows, err := d.db.Query(ctx, `SELECT DISTINCT symbol FROM daily_availability`)
	if err != nil {
		return nil, fmt.Errorf("failed to query stored symbols: %w", err)
	}
	stored := make(map[string]struct{}, len(rows))
	for _, row := range rows {
		s, err := storage.AsString(row[0])
		if err != nil {
			return nil, err
		}
		stored[s] = struct{}{}
	}

	var fresh []string
	for _, s := range listed {
		if _, ok := stored[s]; !ok {
			fresh = append(fresh, s)
		}
	}
	sort.Strings(fresh)

	d.logger.Info("new symbol check", "listed", len(listed), "stored", len(stored), "new", len(fresh))
	return fresh, nil
}

// DateGaps returns, per symbol, each run of dates in [start, end] that has no
// row although the symbol has rows on both sides of it. Zero bounds mean the
// first futures date and yesterday.
func (d *Detector) DateGaps(ctx context.Context, start, end time.Time) ([]Gap, error) {
	if start.IsZero() {
		start = models.FirstFuturesDate
	}
	if end.IsZero() {
		end = models.Yesterday(d.now())
	}
	start, end = models.DateOf(start), models.DateOf(end)
	if start.After(end) {
		return nil, fmt.Errorf("start date %s is after end date %s", models.FormatDate(start), models.FormatDate(end))
	}

	rows, err := d.db.Query(ctx, `
		WITH ordered AS (
			SELECT
				symbol,
				date,
				LAG(date) OVER (PARTITION BY symbol ORDER BY date) AS prev
			FROM daily_availability
			WHERE date BETWEEN CAST($1 AS DATE) AND CAST($2 AS DATE)
		)
		SELECT
			symbol,
			CAST(prev + INTERVAL 1 DAY AS DATE) AS gap_start,
			CAST(date - INTERVAL 1 DAY AS DATE) AS gap_end
		FROM ordered
		WHERE prev IS NOT NULL AND date - prev > 1
		ORDER BY symbol, gap_start`, start, end)
	if err != nil {
		return nil, fmt.Errorf("failed to query date gaps: %w", err)
	}

	gaps := make([]Gap, 0, len(rows))
	for _, row := range rows {
		symbol, err := storage.AsString(row[0])
		if err != nil {
			return nil, err
		}
		from, err := storage.AsTime(row[1])
		if err != nil {
			return nil, err
		}
		to, err := storage.AsTime(row[2])
		if err != nil {
			return nil, err
		}
		from, to = models.DateOf(from), models.DateOf(to)
		gaps = append(gaps, Gap{Symbol: symbol, Start: from, End: to, Days: models.DaysInclusive(from, to)})
	}

	d.logger.Info("date gap check", "start", models.FormatDate(start), "end", models.FormatDate(end), "gaps", len(gaps))
	return gaps, nil
}

// Detect runs both checks.
func (d *Detector) Detect(ctx context.Context, start, end time.Time) (*Report, error) {
	fresh, err := d.NewSymbols(ctx)
	if err != nil {
		return nil, err
	}
	gaps, err := d.DateGaps(ctx, start, end)
	if err != nil {
		return nil, err
	}
	return &Report{NewSymbols: fresh, DateGaps: gaps}, nil
}

// Fill backfills everything in report. New symbols are backfilled together
// over [since, until]; date gaps sharing a range are backfilled together.
// A failed fill does not stop the others.
func (d *Detector) Fill(ctx context.Context, b Backfiller, report *Report, since, until time.Time) (*FillResult, error) {
	type job struct {
		label   string
		symbols []string
		start   time.Time
		end     time.Time
	}

	var jobs []job
	if len(report.NewSymbols) > 0 {
		jobs = append(jobs, job{label: "new symbols", symbols: report.NewSymbols, start: since, end: until})
	}

	byRange := make(map[[2]time.Time][]string)
	var ranges [][2]time.Time
	for _, g := range report.DateGaps {
		key := [2]time.Time{g.Start, g.End}
		if _, ok := byRange[key]; !ok {
			ranges = append(ranges, key)
		}
		byRange[key] = append(byRange[key], g.Symbol)
	}
	sort.Slice(ranges, func(i, j int) bool {
		if !ranges[i][0].Equal(ranges[j][0]) {
			return ranges[i][0].Before(ranges[j][0])
		}
		return ranges[i][1].Before(ranges[j][1])
	})
	for _, r := range ranges {
		jobs = append(jobs, job{
			label:   models.FormatDate(r[0]) + ".." + models.FormatDate(r[1]),
			symbols: byRange[r],
			start:   r[0],
			end:     r[1],
		})
	}

	result := &FillResult{}
	for _, j := range jobs {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		summary, err := b.Backfill(ctx, orchestrator.BackfillOptions{
			Start:    j.start,
			End:      j.end,
			Symbols:  j.symbols,
			Targeted: true,
		})
		result.Backfills++
		if summary != nil {
			result.Records += summary.Records
		}
		if err != nil {
			d.logger.Warn("gap fill failed", "gap", j.label, "symbols", len(j.symbols), "error", err)
			result.Failed = append(result.Failed, j.label)
			continue
		}
		d.logger.Info("gap filled", "gap", j.label, "symbols", len(j.symbols))
	}

	if len(result.Failed) > 0 {
		return result, fmt.Errorf("%d of %d gap fills failed", len(result.Failed), len(jobs))
	}
	return result, nil
}
