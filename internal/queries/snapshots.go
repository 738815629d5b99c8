package queries

import (
	"context"
	"fmt"
	"time"

	"github.com/johnayoung/go-futures-availability/internal/models"
)

// SnapshotEntry is an available symbol on one date.
type SnapshotEntry struct {
	Symbol        string     `json:"symbol"`
	FileSizeBytes *int64     `json:"file_size_bytes"`
	LastModified  *time.Time `json:"last_modified"`
}

// AvailableOn returns the symbols whose archive existed on date, sorted by symbol.
func (q *Queries) AvailableOn(ctx context.Context, date time.Time) ([]SnapshotEntry, error) {
	rows, err := q.query(ctx, "snapshot", `
		SELECT symbol, file_size_bytes, last_modified
		FROM daily_availability
		WHERE date = CAST($1 AS DATE) AND available = TRUE
		ORDER BY symbol`, models.DateOf(date))
	if err != nil {
		return nil, err
	}

	out := make([]SnapshotEntry, 0, len(rows))
	for _, row := range rows {
		s := scanner{row: row}
		entry := SnapshotEntry{
			Symbol:        s.str(0),
			FileSizeBytes: s.nullInt64(1),
			LastModified:  s.nullTime(2),
		}
		if s.err != nil {
			return nil, fmt.Errorf("snapshot: %w", s.err)
		}
		out = append(out, entry)
	}
	return out, nil
}

// SymbolsInRange returns every symbol available on at least one date in [start, end].
func (q *Queries) SymbolsInRange(ctx context.Context, start, end time.Time) ([]string, error) {
	if start.After(end) {
		return nil, fmt.Errorf("start %s is after end %s", models.FormatDate(start), models.FormatDate(end))
	}
	return q.symbols(ctx, "symbols in range", `
		SELECT DISTINCT symbol
		FROM daily_availability
		WHERE date BETWEEN CAST($1 AS DATE) AND CAST($2 AS DATE) AND available = TRUE
		ORDER BY symbol`, models.DateOf(start), models.DateOf(end))
}
