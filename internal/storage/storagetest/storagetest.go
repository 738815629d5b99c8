// Package storagetest provides in-memory stores and record fixtures for tests
// of packages built on top of storage.
package storagetest

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/johnayoung/go-futures-availability/internal/models"
	"github.com/johnayoung/go-futures-availability/internal/storage"
)

// NewStore returns an initialized in-memory DuckDB store closed at test end.
func NewStore(t testing.TB) *storage.DuckDBStore {
	t.Helper()

	store, err := storage.NewDuckDBStore(storage.MemoryPath, nil)
	require.NoError(t, err)
	require.NoError(t, store.Initialize(context.Background()))
	t.Cleanup(func() { _ = store.Close() })
	return store
}

// Available builds a valid record for an archive that exists.
func Available(symbol string, date time.Time, size int64) models.AvailabilityRecord {
	lm := date.Add(26 * time.Hour)
	return models.AvailabilityRecord{
		Date:           date,
		Symbol:         symbol,
		Available:      true,
		FileSizeBytes:  &size,
		LastModified:   &lm,
		URL:            archiveURL(symbol, date),
		StatusCode:     200,
		ProbeTimestamp: lm,
	}
}

// Missing builds a valid record for an archive that does not exist.
func Missing(symbol string, date time.Time) models.AvailabilityRecord {
	return models.AvailabilityRecord{
		Date:           date,
		Symbol:         symbol,
		Available:      false,
		URL:            archiveURL(symbol, date),
		StatusCode:     404,
		ProbeTimestamp: date.Add(26 * time.Hour),
	}
}

// Seed inserts records and fails the test on error.
func Seed(t testing.TB, store storage.AvailabilityWriter, records ...models.AvailabilityRecord) {
	t.Helper()
	require.NoError(t, store.InsertBatch(context.Background(), records))
}

// Day returns midnight UTC of the given calendar date.
func Day(year int, month time.Month, day int) time.Time {
	return time.Date(year, month, day, 0, 0, 0, 0, time.UTC)
}

func archiveURL(symbol string, date time.Time) string {
	d := models.FormatDate(date)
	return fmt.Sprintf("https://data.binance.vision/data/futures/um/daily/klines/%s/1m/%s-1m-%s.zip", symbol, symbol, d)
}
