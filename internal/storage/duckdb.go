// Package storage provides the DuckDB-backed availability store.
// Batches are bulk-loaded through the DuckDB Appender API into a staging table and
// merged into daily_availability with INSERT OR REPLACE, so re-probing a date
// overwrites rows instead of duplicating them.
package storage

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/marcboeker/go-duckdb/v2"

	"github.com/johnayoung/go-futures-availability/internal/config"
	apperrors "github.com/johnayoung/go-futures-availability/internal/errors"
	"github.com/johnayoung/go-futures-availability/internal/metrics"
	"github.com/johnayoung/go-futures-availability/internal/models"
)

// MemoryPath opens a private in-memory database.
const MemoryPath = ":memory:"

// availabilityColumns is the full daily_availability column list in table order.
var availabilityColumns = append([]string{
	"date",
	"symbol",
	"available",
	"file_size_bytes",
	"last_modified",
	"url",
	"status_code",
	"probe_timestamp",
}, volumeColumns...)

// DuckDBStore implements FullStorage on a single DuckDB connection.
type DuckDBStore struct {
	db       *sql.DB
	dbPath   string
	logger   *slog.Logger
	settings config.StorageConfig
	retrier  *apperrors.ErrorClassifier

	// mu guards db; writeMu serializes every statement that modifies data.
	mu      sync.RWMutex
	writeMu sync.Mutex

	queryTimes map[string][]time.Duration
	queryMu    sync.RWMutex
}

// StoreOption configures a DuckDBStore.
type StoreOption func(*DuckDBStore)

// WithSettings applies DuckDB memory and thread limits during Initialize.
func WithSettings(cfg config.StorageConfig) StoreOption {
	return func(d *DuckDBStore) { d.settings = cfg }
}

// WithOpenRetry retries the initial connection, e.g. while another process holds the file lock.
func WithOpenRetry(classifier *apperrors.ErrorClassifier) StoreOption {
	return func(d *DuckDBStore) { d.retrier = classifier }
}

// NewDuckDBStore creates a store for dbPath, which can be ":memory:" or a file path.
// Parent directories of a file path are created. No schema work happens until Initialize.
func NewDuckDBStore(dbPath string, logger *slog.Logger, opts ...StoreOption) (*DuckDBStore, error) {
	if logger == nil {
		logger = slog.Default()
	}

	if dbPath != MemoryPath && dbPath != "" {
		if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
			return nil, NewStorageError("open", "", "", fmt.Errorf("failed to create database directory: %w", err))
		}
	}

	db, err := sql.Open("duckdb", dbPath)
	if err != nil {
		return nil, NewStorageError("open", "", "", fmt.Errorf("failed to open DuckDB database: %w", err))
	}

	// One connection: DuckDB allows a single writer per process and the
	// appender, staging table and merge transaction must share a session.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	store := &DuckDBStore{
		db:         db,
		dbPath:     dbPath,
		logger:     logger,
		queryTimes: make(map[string][]time.Duration),
	}
	for _, opt := range opts {
		opt(store)
	}
	return store, nil
}

// Initialize connects, applies settings and runs pending migrations.
func (d *DuckDBStore) Initialize(ctx context.Context) error {
	d.writeMu.Lock()
	defer d.writeMu.Unlock()

	db, err := d.handle()
	if err != nil {
		return NewStorageError("initialize", "", "", err)
	}

	d.logger.Info("initializing DuckDB storage", "db_path", d.dbPath)

	ping := func() error { return db.PingContext(ctx) }
	if d.retrier != nil {
		err = d.retrier.Retry(ctx, "storage", "open", ping)
	} else {
		err = ping()
	}
	if err != nil {
		return NewStorageError("initialize", "", "", fmt.Errorf("failed to connect to %s: %w", d.dbPath, err))
	}

	d.applySettings(ctx, db)

	if err := NewMigrationManager(db, d.logger).MigrateToLatest(ctx); err != nil {
		return NewStorageError("migrate", tableMigrations, "", err)
	}

	// Rows left behind by a crash between append and merge are stale.
	if _, err := db.ExecContext(ctx, "DELETE FROM "+tableStaging); err != nil {
		return NewDeleteError(tableStaging, err)
	}

	return nil
}

func (d *DuckDBStore) applySettings(ctx context.Context, db *sql.DB) {
	settings := []string{"SET enable_progress_bar = false"}
	if d.settings.MemoryLimit != "" {
		settings = append(settings, fmt.Sprintf("SET memory_limit = '%s'", strings.ReplaceAll(d.settings.MemoryLimit, "'", "")))
	}
	if d.settings.Threads > 0 {
		settings = append(settings, fmt.Sprintf("SET threads = %d", d.settings.Threads))
	}

	for _, setting := range settings {
		if _, err := db.ExecContext(ctx, setting); err != nil {
			d.logger.Warn("failed to set configuration", "config", setting, "error", err)
		}
	}
}

// InsertBatch validates, deduplicates (last record per key wins) and upserts records.
// The merge, the aggregate refresh for the touched dates and the staging cleanup
// commit together or not at all.
func (d *DuckDBStore) InsertBatch(ctx context.Context, records []models.AvailabilityRecord) error {
	if len(records) == 0 {
		return nil
	}

	start := time.Now()
	defer func() {
		d.recordQueryTime("insert_batch", time.Since(start))
	}()

	rows, err := prepareRecords(records)
	if err != nil {
		return NewInsertError(tableAvailability, fmt.Errorf("batch of %d records rejected: %w", len(records), err))
	}

	if err := d.upsert(ctx, rows); err != nil {
		return NewInsertError(tableAvailability, fmt.Errorf("batch of %d records failed: %w", len(records), err))
	}

	metrics.RecordRowsStored(len(rows))
	d.logger.Debug("stored availability batch",
		"records", len(rows),
		"duplicates", len(records)-len(rows),
		"duration", time.Since(start))

	return nil
}

// InsertRecord upserts one record.
func (d *DuckDBStore) InsertRecord(ctx context.Context, record models.AvailabilityRecord) error {
	start := time.Now()
	defer func() {
		d.recordQueryTime("insert_record", time.Since(start))
	}()

	record.Date = models.DateOf(record.Date)
	if err := record.Validate(); err != nil {
		return NewInsertError(tableAvailability, fmt.Errorf("record %s rejected: %w", record.Key(), err))
	}
	if err := d.upsert(ctx, []models.AvailabilityRecord{record}); err != nil {
		return NewInsertError(tableAvailability, fmt.Errorf("failed to insert %s on %s: %w",
			record.Symbol, models.FormatDate(record.Date), err))
	}

	metrics.RecordRowsStored(1)
	return nil
}

// prepareRecords validates every record and keeps the last one for each key,
// preserving first-seen order.
func prepareRecords(records []models.AvailabilityRecord) ([]models.AvailabilityRecord, error) {
	index := make(map[models.RecordKey]int, len(records))
	out := make([]models.AvailabilityRecord, 0, len(records))

	for i := range records {
		rec := records[i]
		rec.Date = models.DateOf(rec.Date)
		if err := rec.Validate(); err != nil {
			return nil, fmt.Errorf("invalid record %s at index %d: %w", rec.Key(), i, err)
		}
		key := rec.Key()
		if pos, dup := index[key]; dup {
			out[pos] = rec
			continue
		}
		index[key] = len(out)
		out = append(out, rec)
	}
	return out, nil
}

func (d *DuckDBStore) upsert(ctx context.Context, rows []models.AvailabilityRecord) error {
	d.writeMu.Lock()
	defer d.writeMu.Unlock()

	db, err := d.handle()
	if err != nil {
		return err
	}

	conn, err := db.Conn(ctx)
	if err != nil {
		return fmt.Errorf("failed to get connection: %w", err)
	}
	defer conn.Close()

	if _, err := conn.ExecContext(ctx, "DELETE FROM "+tableStaging); err != nil {
		return fmt.Errorf("failed to clear staging: %w", err)
	}

	if err := appendStaging(conn, rows); err != nil {
		return err
	}

	tx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to start transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, mergeStagingSQL); err != nil {
		return fmt.Errorf("failed to merge staged rows: %w", err)
	}
	if _, err := tx.ExecContext(ctx, refreshStagedDatesSQL); err != nil {
		return fmt.Errorf("failed to refresh %s: %w", tableCounts, err)
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM "+tableStaging); err != nil {
		return fmt.Errorf("failed to clear staging: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit: %w", err)
	}
	return nil
}

var (
	mergeStagingSQL = fmt.Sprintf(
		"INSERT OR REPLACE INTO %s (%s) SELECT %s FROM %s",
		tableAvailability,
		strings.Join(availabilityColumns, ", "),
		strings.Join(availabilityColumns, ", "),
		tableStaging)

	refreshStagedDatesSQL = `
		INSERT OR REPLACE INTO daily_symbol_counts
		SELECT
			date,
			CAST(COUNT(*) AS INTEGER),
			CAST(SUM(CASE WHEN available THEN 1 ELSE 0 END) AS INTEGER),
			CAST(SUM(CASE WHEN NOT available THEN 1 ELSE 0 END) AS INTEGER),
			CAST(CURRENT_TIMESTAMP AS TIMESTAMP)
		FROM daily_availability
		WHERE date IN (SELECT DISTINCT date FROM availability_staging)
		GROUP BY date`

	refreshAllSQL = `
		INSERT OR REPLACE INTO daily_symbol_counts
		SELECT
			date,
			CAST(COUNT(*) AS INTEGER),
			CAST(SUM(CASE WHEN available THEN 1 ELSE 0 END) AS INTEGER),
			CAST(SUM(CASE WHEN NOT available THEN 1 ELSE 0 END) AS INTEGER),
			CAST(CURRENT_TIMESTAMP AS TIMESTAMP)
		FROM daily_availability
		GROUP BY date`
)

// appendStaging bulk-loads rows through the DuckDB Appender on conn's driver connection.
func appendStaging(conn *sql.Conn, rows []models.AvailabilityRecord) error {
	return conn.Raw(func(dc any) error {
		driverConn, ok := dc.(*duckdb.Conn)
		if !ok {
			return fmt.Errorf("underlying connection is not a DuckDB connection")
		}

		appender, err := duckdb.NewAppenderFromConn(driverConn, "", tableStaging)
		if err != nil {
			return fmt.Errorf("failed to create appender: %w", err)
		}

		for i := range rows {
			if err := appender.AppendRow(stagingValues(&rows[i])...); err != nil {
				appender.Close()
				return fmt.Errorf("failed to append %s: %w", rows[i].Key(), err)
			}
		}

		if err := appender.Flush(); err != nil {
			appender.Close()
			return fmt.Errorf("failed to flush appender: %w", err)
		}
		return appender.Close()
	})
}

// stagingValues maps a record to appender values. Appenders are strict about
// Go types: INTEGER takes int32, BIGINT int64, and NULL is a bare nil.
func stagingValues(r *models.AvailabilityRecord) []driver.Value {
	values := []driver.Value{
		r.Date,
		r.Symbol,
		r.Available,
		nil,
		nil,
		r.URL,
		int32(r.StatusCode),
		r.ProbeTimestamp.UTC(),
	}
	if r.FileSizeBytes != nil {
		values[3] = *r.FileSizeBytes
	}
	if r.LastModified != nil {
		values[4] = r.LastModified.UTC()
	}

	if v := r.Volume; v != nil {
		return append(values,
			v.QuoteVolumeUSDT,
			v.TradeCount,
			v.VolumeBase,
			v.TakerBuyVolumeBase,
			v.TakerBuyQuoteVolumeUSDT,
			v.OpenPrice,
			v.HighPrice,
			v.LowPrice,
			v.ClosePrice)
	}
	return append(values, nil, nil, nil, nil, nil, nil, nil, nil, nil)
}

// Query executes arbitrary SQL and returns every row as column values in select order.
func (d *DuckDBStore) Query(ctx context.Context, query string, args ...any) ([][]any, error) {
	start := time.Now()
	defer func() {
		d.recordQueryTime("query", time.Since(start))
	}()

	db, err := d.handle()
	if err != nil {
		return nil, NewQueryError("", query, err)
	}

	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, NewQueryError("", query, fmt.Errorf("failed to execute query: %w", err))
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, NewQueryError("", query, err)
	}

	result := make([][]any, 0)
	for rows.Next() {
		values := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, NewQueryError("", query, fmt.Errorf("failed to scan row: %w", err))
		}
		result = append(result, values)
	}

	if err := rows.Err(); err != nil {
		return nil, NewQueryError("", query, fmt.Errorf("row iteration error: %w", err))
	}
	return result, nil
}

// RefreshAggregates recomputes daily_symbol_counts from scratch and drops
// aggregate rows whose date no longer has availability rows.
func (d *DuckDBStore) RefreshAggregates(ctx context.Context) error {
	start := time.Now()
	defer func() {
		d.recordQueryTime("refresh_aggregates", time.Since(start))
	}()

	d.writeMu.Lock()
	defer d.writeMu.Unlock()

	db, err := d.handle()
	if err != nil {
		return NewUpdateError(tableCounts, err)
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return NewUpdateError(tableCounts, fmt.Errorf("failed to start transaction: %w", err))
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, refreshAllSQL); err != nil {
		return NewStorageError("update", tableCounts, refreshAllSQL, err)
	}
	orphans := "DELETE FROM daily_symbol_counts WHERE date NOT IN (SELECT DISTINCT date FROM daily_availability)"
	if _, err := tx.ExecContext(ctx, orphans); err != nil {
		return NewStorageError("delete", tableCounts, orphans, err)
	}

	if err := tx.Commit(); err != nil {
		return NewUpdateError(tableCounts, fmt.Errorf("failed to commit: %w", err))
	}

	d.logger.Debug("refreshed daily aggregates", "duration", time.Since(start))
	return nil
}

// UpdateVolumeMetrics sets the nine volume columns of the (date, symbol) row.
// Availability columns are left untouched. A missing row is an error.
func (d *DuckDBStore) UpdateVolumeMetrics(ctx context.Context, symbol string, date time.Time, m models.VolumeMetrics) error {
	start := time.Now()
	defer func() {
		d.recordQueryTime("update_volume", time.Since(start))
	}()

	if err := m.Validate(); err != nil {
		return NewUpdateError(tableAvailability, fmt.Errorf("%s on %s: %w", symbol, models.FormatDate(date), err))
	}

	d.writeMu.Lock()
	defer d.writeMu.Unlock()

	db, err := d.handle()
	if err != nil {
		return NewUpdateError(tableAvailability, err)
	}

	sets := make([]string, len(volumeColumns))
	for i, col := range volumeColumns {
		sets[i] = fmt.Sprintf("%s = $%d", col, i+1)
	}
	query := fmt.Sprintf("UPDATE %s SET %s WHERE symbol = $%d AND date = $%d",
		tableAvailability, strings.Join(sets, ", "), len(volumeColumns)+1, len(volumeColumns)+2)

	res, err := db.ExecContext(ctx, query,
		m.QuoteVolumeUSDT,
		m.TradeCount,
		m.VolumeBase,
		m.TakerBuyVolumeBase,
		m.TakerBuyQuoteVolumeUSDT,
		m.OpenPrice,
		m.HighPrice,
		m.LowPrice,
		m.ClosePrice,
		symbol,
		models.DateOf(date))
	if err != nil {
		return NewStorageError("update", tableAvailability, query, err)
	}

	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return NewUpdateError(tableAvailability, fmt.Errorf("no availability row for %s on %s", symbol, models.FormatDate(date)))
	}
	return nil
}

// RecordsNeedingVolume lists available rows whose quote_volume_usdt is NULL, oldest first.
func (d *DuckDBStore) RecordsNeedingVolume(ctx context.Context, filter VolumeFilter) ([]RecordRef, error) {
	query, args := buildVolumeFilterQuery(filter)

	rows, err := d.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}

	refs := make([]RecordRef, 0, len(rows))
	for _, row := range rows {
		symbol, _ := row[0].(string)
		date, ok := row[1].(time.Time)
		if !ok {
			return nil, NewQueryError(tableAvailability, query, fmt.Errorf("unexpected date value %T", row[1]))
		}
		refs = append(refs, RecordRef{Symbol: symbol, Date: models.DateOf(date)})
	}
	return refs, nil
}

func buildVolumeFilterQuery(filter VolumeFilter) (string, []any) {
	conditions := []string{"available = TRUE", "quote_volume_usdt IS NULL"}
	var args []any
	argPos := 1

	if !filter.Start.IsZero() {
		conditions = append(conditions, fmt.Sprintf("date >= $%d", argPos))
		args = append(args, models.DateOf(filter.Start))
		argPos++
	}
	if !filter.End.IsZero() {
		conditions = append(conditions, fmt.Sprintf("date <= $%d", argPos))
		args = append(args, models.DateOf(filter.End))
		argPos++
	}
	if len(filter.Symbols) > 0 {
		placeholders := make([]string, len(filter.Symbols))
		for i, s := range filter.Symbols {
			placeholders[i] = fmt.Sprintf("$%d", argPos)
			args = append(args, s)
			argPos++
		}
		conditions = append(conditions, "symbol IN ("+strings.Join(placeholders, ", ")+")")
	}

	query := "SELECT symbol, date FROM daily_availability WHERE " +
		strings.Join(conditions, " AND ") +
		" ORDER BY date, symbol"

	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", argPos)
		args = append(args, filter.Limit)
	}
	return query, args
}

// GetStats returns row counts, the covered date span and average operation times.
func (d *DuckDBStore) GetStats(ctx context.Context) (*StorageStats, error) {
	start := time.Now()
	defer func() {
		d.recordQueryTime("get_stats", time.Since(start))
	}()

	db, err := d.handle()
	if err != nil {
		return nil, NewStorageError("stats", "", "", err)
	}

	query := `
		SELECT
			COUNT(*),
			COUNT(*) FILTER (WHERE available),
			COUNT(quote_volume_usdt),
			COUNT(DISTINCT symbol),
			COUNT(DISTINCT date),
			MIN(date),
			MAX(date)
		FROM daily_availability`

	stats := &StorageStats{}
	var earliest, latest sql.NullTime
	if err := db.QueryRowContext(ctx, query).Scan(
		&stats.TotalRecords,
		&stats.AvailableRecords,
		&stats.RecordsWithVolume,
		&stats.TotalSymbols,
		&stats.TotalDates,
		&earliest,
		&latest,
	); err != nil {
		return nil, NewQueryError(tableAvailability, query, fmt.Errorf("failed to read stats: %w", err))
	}
	if earliest.Valid {
		stats.EarliestDate = models.DateOf(earliest.Time)
	}
	if latest.Valid {
		stats.LatestDate = models.DateOf(latest.Time)
	}

	d.queryMu.RLock()
	stats.QueryPerformance = make(map[string]time.Duration, len(d.queryTimes))
	for operation, times := range d.queryTimes {
		if len(times) == 0 {
			continue
		}
		var total time.Duration
		for _, t := range times {
			total += t
		}
		stats.QueryPerformance[operation] = total / time.Duration(len(times))
	}
	d.queryMu.RUnlock()

	return stats, nil
}

// MigrationStatus reports applied and pending schema versions.
func (d *DuckDBStore) MigrationStatus(ctx context.Context) (*MigrationStatus, error) {
	db, err := d.handle()
	if err != nil {
		return nil, NewStorageError("migrate", tableMigrations, "", err)
	}
	return NewMigrationManager(db, d.logger).GetStatus(ctx)
}

// HealthCheck performs a lightweight query to verify database connectivity.
func (d *DuckDBStore) HealthCheck(ctx context.Context) error {
	start := time.Now()
	defer func() {
		d.recordQueryTime("health_check", time.Since(start))
	}()

	db, err := d.handle()
	if err != nil {
		return NewStorageError("health_check", "", "", fmt.Errorf("database health check failed: %w", err))
	}

	var result int
	if err := db.QueryRowContext(ctx, "SELECT 1").Scan(&result); err != nil {
		return NewStorageError("health_check", "", "SELECT 1", fmt.Errorf("database health check failed: %w", err))
	}
	if result != 1 {
		return NewStorageError("health_check", "", "SELECT 1", fmt.Errorf("unexpected health check result: %d", result))
	}
	return nil
}

// Close waits for in-flight writes, checkpoints the WAL into the database
// file and closes the connection. Subsequent calls return nil.
func (d *DuckDBStore) Close() error {
	d.writeMu.Lock()
	defer d.writeMu.Unlock()

	d.mu.Lock()
	defer d.mu.Unlock()

	if d.db == nil {
		return nil
	}

	if _, err := d.db.Exec("CHECKPOINT"); err != nil {
		d.logger.Warn("checkpoint before close failed", "error", err)
	}

	err := d.db.Close()
	d.db = nil
	if err != nil {
		return NewStorageError("close", "", "", fmt.Errorf("failed to close database: %w", err))
	}

	d.logger.Info("closed DuckDB storage", "db_path", d.dbPath)
	return nil
}

func (d *DuckDBStore) handle() (*sql.DB, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.db == nil {
		return nil, fmt.Errorf("database connection is closed")
	}
	return d.db, nil
}

// recordQueryTime keeps the last 100 durations per operation.
func (d *DuckDBStore) recordQueryTime(operation string, duration time.Duration) {
	d.queryMu.Lock()
	defer d.queryMu.Unlock()

	times := d.queryTimes[operation]
	if len(times) >= 100 {
		times = times[1:]
	}
	d.queryTimes[operation] = append(times, duration)
}

var (
	_ FullStorage   = (*DuckDBStore)(nil)
	_ HealthChecker = (*DuckDBStore)(nil)
)
