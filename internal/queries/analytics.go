package queries

import (
	"context"
	"fmt"
	"time"

	"github.com/johnayoung/go-futures-availability/internal/models"
)

// DailyCount is the number of available symbols on a date.
type DailyCount struct {
	Date           time.Time `json:"date"`
	AvailableCount int64     `json:"available_count"`
}

// AvailabilitySummary returns the available count of every stored date.
func (q *Queries) AvailabilitySummary(ctx context.Context) ([]DailyCount, error) {
	return q.dailyCounts(ctx, "availability summary", `
		SELECT date, COUNT(*) AS available_count
		FROM daily_availability
		WHERE available = TRUE
		GROUP BY date
		ORDER BY date`)
}

// CountsInRange returns the available count of each stored date in [start, end].
func (q *Queries) CountsInRange(ctx context.Context, start, end time.Time) ([]DailyCount, error) {
	return q.dailyCounts(ctx, "counts in range", `
		SELECT date, COUNT(*) AS available_count
		FROM daily_availability
		WHERE date BETWEEN CAST($1 AS DATE) AND CAST($2 AS DATE) AND available = TRUE
		GROUP BY date
		ORDER BY date`, models.DateOf(start), models.DateOf(end))
}

func (q *Queries) dailyCounts(ctx context.Context, name, sql string, args ...any) ([]DailyCount, error) {
	rows, err := q.query(ctx, name, sql, args...)
	if err != nil {
		return nil, err
	}
	out := make([]DailyCount, 0, len(rows))
	for _, row := range rows {
		s := scanner{row: row}
		c := DailyCount{Date: s.date(0), AvailableCount: s.int64(1)}
		if s.err != nil {
			return nil, fmt.Errorf("%s: %w", name, s.err)
		}
		out = append(out, c)
	}
	return out, nil
}

// NewListings returns symbols available on date that were never available before it.
func (q *Queries) NewListings(ctx context.Context, date time.Time) ([]string, error) {
	return q.symbols(ctx, "new listings", `
		SELECT symbol
		FROM daily_availability
		WHERE available = TRUE
		  AND date = CAST($1 AS DATE)
		  AND symbol NOT IN (
		      SELECT DISTINCT symbol FROM daily_availability
		      WHERE date < CAST($1 AS DATE) AND available = TRUE
		  )
		ORDER BY symbol`, models.DateOf(date))
}

// Delistings returns symbols available the day before date but not on date.
func (q *Queries) Delistings(ctx context.Context, date time.Time) ([]string, error) {
	day := models.DateOf(date)
	return q.symbols(ctx, "delistings", `
		SELECT symbol
		FROM daily_availability
		WHERE available = TRUE
		  AND date = CAST($1 AS DATE)
		  AND symbol NOT IN (
		      SELECT DISTINCT symbol FROM daily_availability
		      WHERE date = CAST($2 AS DATE) AND available = TRUE
		  )
		ORDER BY symbol`, day.AddDate(0, 0, -1), day)
}

// DailyAggregates reads the materialized daily_symbol_counts rows in [start, end].
func (q *Queries) DailyAggregates(ctx context.Context, start, end time.Time) ([]models.DailyAggregate, error) {
	rows, err := q.query(ctx, "daily aggregates", `
		SELECT date, total_symbols, available_symbols, unavailable_symbols, last_updated
		FROM daily_symbol_counts
		WHERE date BETWEEN CAST($1 AS DATE) AND CAST($2 AS DATE)
		ORDER BY date`, models.DateOf(start), models.DateOf(end))
	if err != nil {
		return nil, err
	}

	out := make([]models.DailyAggregate, 0, len(rows))
	for _, row := range rows {
		s := scanner{row: row}
		agg := models.DailyAggregate{
			Date:               s.date(0),
			TotalSymbols:       int(s.int64(1)),
			AvailableSymbols:   int(s.int64(2)),
			UnavailableSymbols: int(s.int64(3)),
			LastUpdated:        s.time(4),
		}
		if s.err != nil {
			return nil, fmt.Errorf("daily aggregates: %w", s.err)
		}
		out = append(out, agg)
	}
	return out, nil
}
