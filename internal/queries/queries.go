// Package queries answers read-only questions about the availability store:
// point-in-time snapshots, per-symbol timelines, listing analytics and
// volume rankings. Every method runs parameterized SQL through storage.Querier.
package queries

import (
	"context"
	"fmt"
	"time"

	"github.com/johnayoung/go-futures-availability/internal/models"
	"github.com/johnayoung/go-futures-availability/internal/storage"
)

// Queries is the read API over daily_availability and daily_symbol_counts.
type Queries struct {
	db storage.Querier
}

// New returns a Queries reading through db.
func New(db storage.Querier) *Queries {
	return &Queries{db: db}
}

func (q *Queries) query(ctx context.Context, name, sql string, args ...any) ([][]any, error) {
	rows, err := q.db.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("%s query failed: %w", name, err)
	}
	return rows, nil
}

func (q *Queries) symbols(ctx context.Context, name, sql string, args ...any) ([]string, error) {
	rows, err := q.query(ctx, name, sql, args...)
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(rows))
	for _, row := range rows {
		s, err := storage.AsString(row[0])
		if err != nil {
			return nil, fmt.Errorf("%s: %w", name, err)
		}
		out = append(out, s)
	}
	return out, nil
}

// scanner reads one row column by column and keeps the first conversion error.
type scanner struct {
	row []any
	err error
}

func (s *scanner) int64(i int) int64 {
	v, err := storage.AsInt64(s.row[i])
	s.keep(err)
	return v
}

func (s *scanner) float(i int) float64 {
	v, err := storage.AsFloat64(s.row[i])
	s.keep(err)
	return v
}

func (s *scanner) time(i int) time.Time {
	v, err := storage.AsTime(s.row[i])
	s.keep(err)
	return v
}

func (s *scanner) date(i int) time.Time {
	return models.DateOf(s.time(i))
}

func (s *scanner) str(i int) string {
	v, err := storage.AsString(s.row[i])
	s.keep(err)
	return v
}

func (s *scanner) boolean(i int) bool {
	v, err := storage.AsBool(s.row[i])
	s.keep(err)
	return v
}

func (s *scanner) nullInt64(i int) *int64 {
	if s.row[i] == nil {
		return nil
	}
	v := s.int64(i)
	return &v
}

func (s *scanner) nullTime(i int) *time.Time {
	if s.row[i] == nil {
		return nil
	}
	v := s.time(i)
	return &v
}

func (s *scanner) keep(err error) {
	if err != nil && s.err == nil {
		s.err = err
	}
}
