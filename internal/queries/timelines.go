package queries

import (
	"context"
	"fmt"
	"time"

	"github.com/johnayoung/go-futures-availability/internal/models"
)

// TimelineEntry is one probed date of a symbol.
type TimelineEntry struct {
	Date          time.Time `json:"date"`
	Available     bool      `json:"available"`
	FileSizeBytes *int64    `json:"file_size_bytes"`
	StatusCode    int       `json:"status_code"`
}

// Timeline returns every probed date of symbol in date order.
func (q *Queries) Timeline(ctx context.Context, symbol string) ([]TimelineEntry, error) {
	rows, err := q.query(ctx, "timeline", `
		SELECT date, available, file_size_bytes, status_code
		FROM daily_availability
		WHERE symbol = $1
		ORDER BY date`, symbol)
	if err != nil {
		return nil, err
	}

	out := make([]TimelineEntry, 0, len(rows))
	for _, row := range rows {
		s := scanner{row: row}
		entry := TimelineEntry{
			Date:          s.date(0),
			Available:     s.boolean(1),
			FileSizeBytes: s.nullInt64(2),
			StatusCode:    int(s.int64(3)),
		}
		if s.err != nil {
			return nil, fmt.Errorf("timeline: %w", s.err)
		}
		out = append(out, entry)
	}
	return out, nil
}

// FirstListed returns the first date symbol was available. ok is false when it never was.
func (q *Queries) FirstListed(ctx context.Context, symbol string) (date time.Time, ok bool, err error) {
	return q.boundaryDate(ctx, "first listing", `
		SELECT MIN(date) FROM daily_availability
		WHERE symbol = $1 AND available = TRUE`, symbol)
}

// LastAvailable returns the last date symbol was available. ok is false when it never was.
func (q *Queries) LastAvailable(ctx context.Context, symbol string) (date time.Time, ok bool, err error) {
	return q.boundaryDate(ctx, "last available", `
		SELECT MAX(date) FROM daily_availability
		WHERE symbol = $1 AND available = TRUE`, symbol)
}

func (q *Queries) boundaryDate(ctx context.Context, name, sql, symbol string) (time.Time, bool, error) {
	rows, err := q.query(ctx, name, sql, symbol)
	if err != nil {
		return time.Time{}, false, err
	}
	if len(rows) == 0 || rows[0][0] == nil {
		return time.Time{}, false, nil
	}
	s := scanner{row: rows[0]}
	d := s.date(0)
	if s.err != nil {
		return time.Time{}, false, fmt.Errorf("%s: %w", name, s.err)
	}
	return models.DateOf(d), true, nil
}
