package storage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/johnayoung/go-futures-availability/internal/models"
)

var day0 = time.Date(2024, 1, 15, 0, 0, 0, 0, time.UTC)

// createTestStore creates an initialized in-memory store closed at test end.
func createTestStore(t *testing.T) *DuckDBStore {
	t.Helper()

	store, err := NewDuckDBStore(MemoryPath, slog.Default())
	require.NoError(t, err, "failed to create test DuckDB store")
	require.NoError(t, store.Initialize(context.Background()))
	t.Cleanup(func() { _ = store.Close() })

	return store
}

func availableRecord(symbol string, date time.Time, size int64) models.AvailabilityRecord {
	lm := date.Add(26 * time.Hour)
	return models.AvailabilityRecord{
		Date:           date,
		Symbol:         symbol,
		Available:      true,
		FileSizeBytes:  &size,
		LastModified:   &lm,
		URL:            fmt.Sprintf("https://data.binance.vision/%s/%s.zip", symbol, models.FormatDate(date)),
		StatusCode:     200,
		ProbeTimestamp: date.Add(26 * time.Hour),
	}
}

func missingRecord(symbol string, date time.Time) models.AvailabilityRecord {
	return models.AvailabilityRecord{
		Date:           date,
		Symbol:         symbol,
		Available:      false,
		URL:            fmt.Sprintf("https://data.binance.vision/%s/%s.zip", symbol, models.FormatDate(date)),
		StatusCode:     404,
		ProbeTimestamp: date.Add(26 * time.Hour),
	}
}

func queryInt(t *testing.T, store *DuckDBStore, query string, args ...any) int64 {
	t.Helper()
	rows, err := store.Query(context.Background(), query, args...)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	require.Len(t, rows[0], 1)

	switch v := rows[0][0].(type) {
	case int64:
		return v
	case int32:
		return int64(v)
	case nil:
		return 0
	default:
		t.Fatalf("unexpected integer type %T", v)
		return 0
	}
}

func countRows(t *testing.T, store *DuckDBStore) int64 {
	return queryInt(t, store, "SELECT COUNT(*) FROM daily_availability")
}

func TestDuckDBStore_Initialize(t *testing.T) {
	store := createTestStore(t)
	ctx := context.Background()

	t.Run("is idempotent", func(t *testing.T) {
		require.NoError(t, store.Initialize(ctx))
		require.NoError(t, store.Initialize(ctx))
	})

	t.Run("all migrations applied", func(t *testing.T) {
		status, err := store.MigrationStatus(ctx)
		require.NoError(t, err)
		assert.Equal(t, 3, status.CurrentVersion)
		assert.Equal(t, 3, status.LatestVersion)
		assert.Zero(t, status.PendingMigrations)
		assert.True(t, status.DatabaseInitialized)
		assert.Len(t, status.AppliedMigrations, 3)
	})

	t.Run("tables exist", func(t *testing.T) {
		for _, table := range []string{tableAvailability, tableCounts, tableStaging} {
			n := queryInt(t, store, "SELECT COUNT(*) FROM information_schema.tables WHERE table_name = $1", table)
			assert.Equal(t, int64(1), n, table)
		}
	})
}

func TestDuckDBStore_MigrateFromPreVolumeSchema(t *testing.T) {
	ctx := context.Background()
	store, err := NewDuckDBStore(MemoryPath, slog.Default())
	require.NoError(t, err)
	defer store.Close()

	manager := NewMigrationManager(store.db, slog.Default())
	require.NoError(t, manager.Migrate(ctx, 1))

	volumeCols := "SELECT COUNT(*) FROM information_schema.columns WHERE table_name = 'daily_availability' AND column_name = 'quote_volume_usdt'"
	assert.Equal(t, int64(0), queryInt(t, store, volumeCols))

	require.NoError(t, store.Initialize(ctx))
	assert.Equal(t, int64(1), queryInt(t, store, volumeCols))
	assert.Equal(t, int64(len(availabilityColumns)),
		queryInt(t, store, "SELECT COUNT(*) FROM information_schema.columns WHERE table_name = 'daily_availability'"))

	t.Run("rollback removes later versions", func(t *testing.T) {
		require.NoError(t, manager.Rollback(ctx, 2))
		status, err := manager.GetStatus(ctx)
		require.NoError(t, err)
		assert.Equal(t, 2, status.CurrentVersion)
		assert.Equal(t, 1, status.PendingMigrations)
		assert.Equal(t, int64(0), queryInt(t, store,
			"SELECT COUNT(*) FROM duckdb_indexes() WHERE index_name = 'idx_symbol_date'"))
	})
}

func TestDuckDBStore_InsertBatch_EmptyIsNoop(t *testing.T) {
	store := createTestStore(t)

	require.NoError(t, store.InsertBatch(context.Background(), nil))
	require.NoError(t, store.InsertBatch(context.Background(), []models.AvailabilityRecord{}))
	assert.Equal(t, int64(0), countRows(t, store))
	assert.Equal(t, int64(0), queryInt(t, store, "SELECT COUNT(*) FROM daily_symbol_counts"))
}

func TestDuckDBStore_InsertBatch_StoresAllColumns(t *testing.T) {
	store := createTestStore(t)
	ctx := context.Background()

	records := []models.AvailabilityRecord{
		availableRecord("BTCUSDT", day0, 8421337),
		missingRecord("NEWUSDT", day0),
	}
	require.NoError(t, store.InsertBatch(ctx, records))

	rows, err := store.Query(ctx, `
		SELECT symbol, available, file_size_bytes, last_modified, status_code, url, quote_volume_usdt
		FROM daily_availability ORDER BY symbol`)
	require.NoError(t, err)
	require.Len(t, rows, 2)

	btc := rows[0]
	assert.Equal(t, "BTCUSDT", btc[0])
	assert.Equal(t, true, btc[1])
	assert.Equal(t, int64(8421337), btc[2])
	assert.Equal(t, day0.Add(26*time.Hour), btc[3].(time.Time).UTC())
	assert.Equal(t, int32(200), btc[4])
	assert.Equal(t, records[0].URL, btc[5])
	assert.Nil(t, btc[6])

	missing := rows[1]
	assert.Equal(t, "NEWUSDT", missing[0])
	assert.Equal(t, false, missing[1])
	assert.Nil(t, missing[2])
	assert.Nil(t, missing[3])
	assert.Equal(t, int32(404), missing[4])
}

func TestDuckDBStore_InsertBatch_Idempotent(t *testing.T) {
	store := createTestStore(t)
	ctx := context.Background()

	first := []models.AvailabilityRecord{
		availableRecord("BTCUSDT", day0, 100),
		availableRecord("ETHUSDT", day0, 200),
	}
	require.NoError(t, store.InsertBatch(ctx, first))
	require.NoError(t, store.InsertBatch(ctx, first))
	assert.Equal(t, int64(2), countRows(t, store))

	t.Run("re-probe overwrites the row", func(t *testing.T) {
		require.NoError(t, store.InsertBatch(ctx, []models.AvailabilityRecord{missingRecord("ETHUSDT", day0)}))

		assert.Equal(t, int64(2), countRows(t, store))
		assert.Equal(t, int64(0), queryInt(t, store,
			"SELECT COUNT(*) FROM daily_availability WHERE symbol = 'ETHUSDT' AND available"))
		assert.Equal(t, int64(0), queryInt(t, store,
			"SELECT COUNT(*) FROM daily_availability WHERE symbol = 'ETHUSDT' AND file_size_bytes IS NOT NULL"))
	})

	t.Run("duplicate keys within a batch keep the last record", func(t *testing.T) {
		batch := []models.AvailabilityRecord{
			availableRecord("SOLUSDT", day0, 1),
			availableRecord("SOLUSDT", day0, 2),
			availableRecord("SOLUSDT", day0, 3),
		}
		require.NoError(t, store.InsertBatch(ctx, batch))
		assert.Equal(t, int64(3), queryInt(t, store,
			"SELECT file_size_bytes FROM daily_availability WHERE symbol = 'SOLUSDT'"))
	})
}

func TestDuckDBStore_InsertBatch_OverlappingRanges(t *testing.T) {
	store := createTestStore(t)
	ctx := context.Background()

	symbols := []string{"BTCUSDT", "ETHUSDT", "SOLUSDT", "XRPUSDT"}
	batchFor := func(start, end time.Time) []models.AvailabilityRecord {
		var out []models.AvailabilityRecord
		for _, d := range models.DateRange(start, end) {
			for _, s := range symbols {
				out = append(out, availableRecord(s, d, 10))
			}
		}
		return out
	}

	require.NoError(t, store.InsertBatch(ctx, batchFor(day0, day0.AddDate(0, 0, 4))))
	require.NoError(t, store.InsertBatch(ctx, batchFor(day0.AddDate(0, 0, 2), day0.AddDate(0, 0, 7))))

	assert.Equal(t, int64(8*len(symbols)), countRows(t, store))
	assert.Equal(t, int64(0), queryInt(t, store, `
		SELECT COUNT(*) FROM (
			SELECT date, symbol FROM daily_availability GROUP BY date, symbol HAVING COUNT(*) > 1
		)`))
	assert.Equal(t, int64(0), queryInt(t, store, "SELECT COUNT(*) FROM availability_staging"))
}

func TestDuckDBStore_InsertBatch_RejectsInvalid(t *testing.T) {
	store := createTestStore(t)
	ctx := context.Background()

	bad := availableRecord("BTCUSDT", day0, 1)
	bad.StatusCode = 500

	err := store.InsertBatch(ctx, []models.AvailabilityRecord{availableRecord("ETHUSDT", day0, 1), bad})
	require.Error(t, err)

	var storageErr *StorageError
	require.ErrorAs(t, err, &storageErr)
	assert.Equal(t, "insert", storageErr.Operation)
	assert.Equal(t, tableAvailability, storageErr.Table)
	assert.Contains(t, err.Error(), "batch of 2 records")

	var validationErr *models.ValidationError
	assert.True(t, errors.As(err, &validationErr))

	assert.Equal(t, int64(0), countRows(t, store), "nothing from a rejected batch is written")
}

func TestDuckDBStore_AggregatesMatchBaseTable(t *testing.T) {
	store := createTestStore(t)
	ctx := context.Background()

	day1 := day0.AddDate(0, 0, 1)
	require.NoError(t, store.InsertBatch(ctx, []models.AvailabilityRecord{
		availableRecord("BTCUSDT", day0, 1),
		availableRecord("ETHUSDT", day0, 1),
		missingRecord("NEWUSDT", day0),
		availableRecord("BTCUSDT", day1, 1),
	}))

	assertCounts := func(t *testing.T, date time.Time, total, available, unavailable int64) {
		t.Helper()
		rows, err := store.Query(ctx,
			"SELECT total_symbols, available_symbols, unavailable_symbols FROM daily_symbol_counts WHERE date = $1", date)
		require.NoError(t, err)
		require.Len(t, rows, 1)
		assert.Equal(t, int32(total), rows[0][0])
		assert.Equal(t, int32(available), rows[0][1])
		assert.Equal(t, int32(unavailable), rows[0][2])
	}

	assertCounts(t, day0, 3, 2, 1)
	assertCounts(t, day1, 1, 1, 0)

	t.Run("refreshed incrementally on overwrite", func(t *testing.T) {
		require.NoError(t, store.InsertBatch(ctx, []models.AvailabilityRecord{missingRecord("ETHUSDT", day0)}))
		assertCounts(t, day0, 3, 1, 2)
		assertCounts(t, day1, 1, 1, 0)
	})

	t.Run("full refresh agrees with base table", func(t *testing.T) {
		require.NoError(t, store.RefreshAggregates(ctx))

		mismatches := queryInt(t, store, `
			SELECT COUNT(*) FROM daily_symbol_counts c
			JOIN (
				SELECT date, COUNT(*) AS total, COUNT(*) FILTER (WHERE available) AS avail
				FROM daily_availability GROUP BY date
			) b ON b.date = c.date
			WHERE c.total_symbols <> b.total OR c.available_symbols <> b.avail
				OR c.unavailable_symbols <> b.total - b.avail`)
		assert.Equal(t, int64(0), mismatches)
		assert.Equal(t, int64(2), queryInt(t, store, "SELECT COUNT(*) FROM daily_symbol_counts"))
	})
}

func TestDuckDBStore_InsertRecord(t *testing.T) {
	store := createTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.InsertRecord(ctx, availableRecord("BTCUSDT", day0.Add(5*time.Hour), 42)))
	assert.Equal(t, int64(1), countRows(t, store))
	assert.Equal(t, int64(1), queryInt(t, store,
		"SELECT COUNT(*) FROM daily_availability WHERE date = $1", day0))

	bad := missingRecord("ETHUSDT", day0)
	bad.Symbol = ""
	err := store.InsertRecord(ctx, bad)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "symbol")
}

func TestDuckDBStore_VolumeMetrics(t *testing.T) {
	store := createTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.InsertBatch(ctx, []models.AvailabilityRecord{
		availableRecord("BTCUSDT", day0, 8421337),
		availableRecord("ETHUSDT", day0, 100),
		availableRecord("BTCUSDT", day0.AddDate(0, 0, 1), 100),
		missingRecord("NEWUSDT", day0),
	}))

	t.Run("records needing volume skip unavailable rows", func(t *testing.T) {
		refs, err := store.RecordsNeedingVolume(ctx, VolumeFilter{})
		require.NoError(t, err)
		assert.Equal(t, []RecordRef{
			{Symbol: "BTCUSDT", Date: day0},
			{Symbol: "ETHUSDT", Date: day0},
			{Symbol: "BTCUSDT", Date: day0.AddDate(0, 0, 1)},
		}, refs)
	})

	t.Run("filters narrow the result", func(t *testing.T) {
		refs, err := store.RecordsNeedingVolume(ctx, VolumeFilter{
			Start:   day0,
			End:     day0,
			Symbols: []string{"ETHUSDT", "NEWUSDT"},
		})
		require.NoError(t, err)
		assert.Equal(t, []RecordRef{{Symbol: "ETHUSDT", Date: day0}}, refs)

		refs, err = store.RecordsNeedingVolume(ctx, VolumeFilter{Limit: 1})
		require.NoError(t, err)
		assert.Len(t, refs, 1)
	})

	vm := models.VolumeMetrics{
		QuoteVolumeUSDT:         1234567.5,
		TradeCount:              98765,
		VolumeBase:              28.25,
		TakerBuyVolumeBase:      14.5,
		TakerBuyQuoteVolumeUSDT: 600000,
		OpenPrice:               42000,
		HighPrice:               43000,
		LowPrice:                41000,
		ClosePrice:              42500,
	}

	t.Run("update touches only volume columns", func(t *testing.T) {
		require.NoError(t, store.UpdateVolumeMetrics(ctx, "BTCUSDT", day0, vm))

		rows, err := store.Query(ctx, `
			SELECT available, file_size_bytes, status_code, quote_volume_usdt, trade_count, close_price
			FROM daily_availability WHERE symbol = 'BTCUSDT' AND date = $1`, day0)
		require.NoError(t, err)
		require.Len(t, rows, 1)
		assert.Equal(t, true, rows[0][0])
		assert.Equal(t, int64(8421337), rows[0][1])
		assert.Equal(t, int32(200), rows[0][2])
		assert.Equal(t, 1234567.5, rows[0][3])
		assert.Equal(t, int64(98765), rows[0][4])
		assert.Equal(t, 42500.0, rows[0][5])

		refs, err := store.RecordsNeedingVolume(ctx, VolumeFilter{})
		require.NoError(t, err)
		assert.Len(t, refs, 2)
	})

	t.Run("update of a missing row fails", func(t *testing.T) {
		err := store.UpdateVolumeMetrics(ctx, "DOGEUSDT", day0, vm)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "no availability row")
	})

	t.Run("invalid metrics are rejected", func(t *testing.T) {
		bad := vm
		bad.HighPrice = 1
		require.Error(t, store.UpdateVolumeMetrics(ctx, "ETHUSDT", day0, bad))
	})

	t.Run("batch with volume persists it", func(t *testing.T) {
		rec := availableRecord("XRPUSDT", day0, 5)
		rec.Volume = &vm
		require.NoError(t, store.InsertBatch(ctx, []models.AvailabilityRecord{rec}))
		assert.Equal(t, int64(98765), queryInt(t, store,
			"SELECT trade_count FROM daily_availability WHERE symbol = 'XRPUSDT'"))
	})
}

func TestDuckDBStore_GetStats(t *testing.T) {
	store := createTestStore(t)
	ctx := context.Background()

	empty, err := store.GetStats(ctx)
	require.NoError(t, err)
	assert.Zero(t, empty.TotalRecords)
	assert.True(t, empty.EarliestDate.IsZero())

	require.NoError(t, store.InsertBatch(ctx, []models.AvailabilityRecord{
		availableRecord("BTCUSDT", day0, 1),
		missingRecord("ETHUSDT", day0),
		availableRecord("BTCUSDT", day0.AddDate(0, 0, 3), 1),
	}))

	stats, err := store.GetStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(3), stats.TotalRecords)
	assert.Equal(t, int64(2), stats.AvailableRecords)
	assert.Zero(t, stats.RecordsWithVolume)
	assert.Equal(t, 2, stats.TotalSymbols)
	assert.Equal(t, 2, stats.TotalDates)
	assert.Equal(t, day0, stats.EarliestDate)
	assert.Equal(t, day0.AddDate(0, 0, 3), stats.LatestDate)
	assert.Contains(t, stats.QueryPerformance, "insert_batch")
}

func TestDuckDBStore_ConcurrentWriters(t *testing.T) {
	store := createTestStore(t)
	ctx := context.Background()

	const writers = 8
	var wg sync.WaitGroup
	errs := make(chan error, writers)

	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			// every writer overlaps with its neighbour by one date
			var batch []models.AvailabilityRecord
			for _, d := range models.DateRange(day0.AddDate(0, 0, w), day0.AddDate(0, 0, w+1)) {
				for _, s := range []string{"BTCUSDT", "ETHUSDT"} {
					batch = append(batch, availableRecord(s, d, int64(w)))
				}
			}
			errs <- store.InsertBatch(ctx, batch)
		}(w)
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		require.NoError(t, err)
	}
	assert.Equal(t, int64((writers+1)*2), countRows(t, store))
	assert.Equal(t, int64(writers+1), queryInt(t, store, "SELECT COUNT(*) FROM daily_symbol_counts"))
}

func TestDuckDBStore_CloseAndReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "nested", "availability.duckdb")

	store, err := NewDuckDBStore(path, slog.Default())
	require.NoError(t, err)
	require.NoError(t, store.Initialize(ctx))
	require.NoError(t, store.InsertBatch(ctx, []models.AvailabilityRecord{availableRecord("BTCUSDT", day0, 1)}))

	require.NoError(t, store.Close())
	require.NoError(t, store.Close(), "second close is harmless")

	t.Run("operations after close fail", func(t *testing.T) {
		assert.Error(t, store.HealthCheck(ctx))
		assert.Error(t, store.InsertBatch(ctx, []models.AvailabilityRecord{availableRecord("ETHUSDT", day0, 1)}))
		_, err := store.Query(ctx, "SELECT 1")
		assert.Error(t, err)
	})

	reopened, err := NewDuckDBStore(path, slog.Default())
	require.NoError(t, err)
	defer reopened.Close()
	require.NoError(t, reopened.Initialize(ctx))

	assert.Equal(t, int64(1), countRows(t, reopened))
	assert.NoError(t, reopened.HealthCheck(ctx))
}

func TestStorageError(t *testing.T) {
	base := errors.New("disk full")

	err := NewInsertError("daily_availability", base)
	assert.Equal(t, "storage operation insert on table daily_availability failed: disk full", err.Error())
	assert.ErrorIs(t, err, base)

	err = NewStorageError("close", "", "", base)
	assert.Equal(t, "storage operation close failed: disk full", err.Error())

	assert.Equal(t, "delete", NewDeleteError("t", base).Operation)
	assert.Equal(t, "update", NewUpdateError("t", base).Operation)
	assert.Equal(t, "SELECT 1", NewQueryError("t", "SELECT 1", base).Query)
}

func TestBuildVolumeFilterQuery(t *testing.T) {
	query, args := buildVolumeFilterQuery(VolumeFilter{
		Start:   day0,
		Symbols: []string{"A", "B"},
		Limit:   10,
	})
	assert.Contains(t, query, "date >= $1")
	assert.Contains(t, query, "symbol IN ($2, $3)")
	assert.Contains(t, query, "LIMIT $4")
	assert.Equal(t, []any{day0, "A", "B", 10}, args)
}
