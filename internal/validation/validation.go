// Package validation audits the availability store: date continuity, per-day
// symbol completeness and a cross-check of the latest day against the live
// futures exchangeInfo endpoint.
package validation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/johnayoung/go-futures-availability/internal/config"
	"github.com/johnayoung/go-futures-availability/internal/metrics"
	"github.com/johnayoung/go-futures-availability/internal/models"
	"github.com/johnayoung/go-futures-availability/internal/storage"
)

// Check names used in reports and metrics.
const (
	CheckContinuity   = "continuity"
	CheckCompleteness = "completeness"
	CheckCrossCheck   = "cross_check"
)

// ErrValidationFailed is returned by a strict Runner when any check fails.
var ErrValidationFailed = errors.New("validation failed")

// DateCount is the number of available symbols on one date.
type DateCount struct {
	Date        time.Time `json:"date"`
	SymbolCount int64     `json:"symbol_count"`
}

// Validator runs the individual checks.
type Validator struct {
	db       storage.Querier
	exchange SymbolSource
	logger   *slog.Logger
}

// NewValidator creates a validator. exchange may be nil when cross-checks are not used.
func NewValidator(db storage.Querier, exchange SymbolSource, logger *slog.Logger) *Validator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Validator{
		db:       db,
		exchange: exchange,
		logger:   logger.With("component", "validation"),
	}
}

// The series is built by the scalar generate_series; the driver cannot bind
// parameters passed to the table function form.
const continuitySQL = `
	SELECT CAST(t.ts AS DATE) AS expected_date
	FROM (
		SELECT unnest(generate_series(CAST($1 AS TIMESTAMP), CAST($2 AS TIMESTAMP), INTERVAL 1 DAY)) AS ts
	) AS t
	WHERE NOT EXISTS (
		SELECT 1 FROM daily_availability a WHERE a.date = CAST(t.ts AS DATE)
	)
	ORDER BY expected_date`

// CheckContinuity returns every date in [start, end] that has no rows at all.
func (v *Validator) CheckContinuity(ctx context.Context, start, end time.Time) ([]time.Time, error) {
	start, end = models.DateOf(start), models.DateOf(end)
	if start.After(end) {
		return nil, fmt.Errorf("continuity check: start %s is after end %s", models.FormatDate(start), models.FormatDate(end))
	}

	rows, err := v.db.Query(ctx, continuitySQL, start, end)
	if err != nil {
		return nil, fmt.Errorf("continuity check failed for range %s to %s: %w",
			models.FormatDate(start), models.FormatDate(end), err)
	}

	missing := make([]time.Time, 0, len(rows))
	for _, row := range rows {
		d, err := storage.AsTime(row[0])
		if err != nil {
			return nil, fmt.Errorf("continuity check: %w", err)
		}
		missing = append(missing, models.DateOf(d))
	}
	return missing, nil
}

// Dates where every probe came back 404 still count, with zero available symbols.
const completenessSQL = `
	SELECT date, COUNT(*) FILTER (WHERE available) AS symbol_count
	FROM daily_availability
	WHERE date >= CAST($1 AS DATE) AND date <= CAST($2 AS DATE)
	GROUP BY date
	HAVING COUNT(*) FILTER (WHERE available) < $3
	ORDER BY date`

// CheckCompleteness returns the dates in [start, end] whose available symbol
// count is below minSymbols.
func (v *Validator) CheckCompleteness(ctx context.Context, start, end time.Time, minSymbols int) ([]DateCount, error) {
	rows, err := v.db.Query(ctx, completenessSQL, models.DateOf(start), models.DateOf(end), minSymbols)
	if err != nil {
		return nil, fmt.Errorf("completeness check failed for dates >= %s: %w", models.FormatDate(start), err)
	}
	return scanDateCounts(rows)
}

const symbolCountsSQL = `
	SELECT date, COUNT(*) AS symbol_count
	FROM daily_availability
	WHERE date >= CAST($1 AS DATE) AND available = TRUE
	GROUP BY date
	ORDER BY date`

// SymbolCounts returns the available symbol count of every date since start.
func (v *Validator) SymbolCounts(ctx context.Context, start time.Time) ([]DateCount, error) {
	rows, err := v.db.Query(ctx, symbolCountsSQL, models.DateOf(start))
	if err != nil {
		return nil, fmt.Errorf("failed to get symbol counts summary: %w", err)
	}
	return scanDateCounts(rows)
}

func scanDateCounts(rows [][]any) ([]DateCount, error) {
	out := make([]DateCount, 0, len(rows))
	for _, row := range rows {
		d, err := storage.AsTime(row[0])
		if err != nil {
			return nil, err
		}
		n, err := storage.AsInt64(row[1])
		if err != nil {
			return nil, err
		}
		out = append(out, DateCount{Date: models.DateOf(d), SymbolCount: n})
	}
	return out, nil
}

// Options selects and parameterizes the checks of one Run. Zero dates take the
// defaults: continuity from the first futures date, completeness over the
// configured window, both ending yesterday.
type Options struct {
	Start            time.Time
	End              time.Time
	CompletenessFrom time.Time
	MinSymbolCount   int
	CrossCheckDate   time.Time

	Continuity   bool
	Completeness bool
	CrossCheck   bool
}

// Report collects the outcome of every check that ran.
type Report struct {
	Start          time.Time         `json:"start"`
	End            time.Time         `json:"end"`
	MissingDates   []time.Time       `json:"missing_dates,omitempty"`
	IncompleteDays []DateCount       `json:"incomplete_days,omitempty"`
	CrossCheck     *CrossCheckResult `json:"cross_check,omitempty"`
	Ran            []string          `json:"ran"`
	Failed         []string          `json:"failed,omitempty"`
}

// Passed reports whether every check that ran passed.
func (r *Report) Passed() bool {
	return len(r.Failed) == 0
}

// Summary is a one-line description for logs and CLI output.
func (r *Report) Summary() string {
	if r.Passed() {
		return fmt.Sprintf("validation passed (%s)", strings.Join(r.Ran, ", "))
	}
	parts := make([]string, 0, len(r.Failed))
	for _, check := range r.Failed {
		switch check {
		case CheckContinuity:
			parts = append(parts, fmt.Sprintf("%d missing dates", len(r.MissingDates)))
		case CheckCompleteness:
			parts = append(parts, fmt.Sprintf("%d incomplete dates", len(r.IncompleteDays)))
		case CheckCrossCheck:
			if r.CrossCheck != nil {
				parts = append(parts, fmt.Sprintf("cross-check match %.2f%%", r.CrossCheck.MatchPercentage))
			} else {
				parts = append(parts, "cross-check error")
			}
		}
	}
	return "validation failed: " + strings.Join(parts, "; ")
}

// Runner applies a failure policy on top of the Validator.
type Runner struct {
	validator *Validator
	cfg       config.ValidationConfig
	logger    *slog.Logger
	now       func() time.Time
}

// NewRunner creates a runner with cfg's policy and thresholds.
func NewRunner(validator *Validator, cfg config.ValidationConfig, logger *slog.Logger) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{
		validator: validator,
		cfg:       cfg,
		logger:    logger.With("component", "validation_runner"),
		now:       time.Now,
	}
}

// Strict reports whether failed checks are returned as errors.
func (r *Runner) Strict() bool {
	return r.cfg.Policy == config.PolicyStrict
}

// Run executes the selected checks. Query errors are always returned. A failed
// check yields an error wrapping ErrValidationFailed only under the strict policy;
// under the advisory policy it is logged and the report is returned with a nil error.
func (r *Runner) Run(ctx context.Context, opts Options) (*Report, error) {
	yesterday := models.Yesterday(r.now())

	report := &Report{Start: opts.Start, End: opts.End}
	if report.Start.IsZero() {
		report.Start = models.FirstFuturesDate
	}
	if report.End.IsZero() {
		report.End = yesterday
	}
	report.Start, report.End = models.DateOf(report.Start), models.DateOf(report.End)

	if opts.Continuity {
		report.Ran = append(report.Ran, CheckContinuity)
		missing, err := r.validator.CheckContinuity(ctx, report.Start, report.End)
		if err != nil {
			return nil, err
		}
		report.MissingDates = missing
		if len(missing) > 0 {
			r.fail(report, CheckContinuity, "dates missing from coverage",
				"missing", len(missing), "first_missing", models.FormatDate(missing[0]))
		}
	}

	if opts.Completeness {
		report.Ran = append(report.Ran, CheckCompleteness)
		from := opts.CompletenessFrom
		if from.IsZero() {
			from = report.End.AddDate(0, 0, -r.cfg.CompletenessDays)
		}
		minSymbols := opts.MinSymbolCount
		if minSymbols == 0 {
			minSymbols = r.cfg.MinSymbolCount
		}
		incomplete, err := r.validator.CheckCompleteness(ctx, from, report.End, minSymbols)
		if err != nil {
			return nil, err
		}
		report.IncompleteDays = incomplete
		if len(incomplete) > 0 {
			r.fail(report, CheckCompleteness, "dates below expected symbol count",
				"dates", len(incomplete), "min_symbols", minSymbols)
		}
	}

	if opts.CrossCheck {
		report.Ran = append(report.Ran, CheckCrossCheck)
		date := opts.CrossCheckDate
		if date.IsZero() {
			date = report.End
		}
		result, err := r.validator.CrossCheck(ctx, date, r.cfg.MatchThreshold)
		if err != nil {
			return nil, err
		}
		report.CrossCheck = result
		if !result.SLOMet {
			r.fail(report, CheckCrossCheck, "exchangeInfo match below threshold",
				"match_percentage", result.MatchPercentage,
				"threshold", r.cfg.MatchThreshold,
				"only_in_db", len(result.OnlyInDB),
				"only_in_api", len(result.OnlyInAPI))
		}
	}

	if report.Passed() {
		r.logger.Info(report.Summary())
		return report, nil
	}
	if r.Strict() {
		return report, fmt.Errorf("%w: %s", ErrValidationFailed, report.Summary())
	}
	r.logger.Warn("advisory validation failure", "summary", report.Summary())
	return report, nil
}

func (r *Runner) fail(report *Report, check, msg string, args ...any) {
	report.Failed = append(report.Failed, check)
	metrics.RecordValidationFailure(check)
	r.logger.Warn(msg, append([]any{"check", check}, args...)...)
}
