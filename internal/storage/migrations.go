package storage

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strings"
	"time"
)

const (
	tableAvailability = "daily_availability"
	tableCounts       = "daily_symbol_counts"
	tableStaging      = "availability_staging"
	tableMigrations   = "schema_migrations"
)

// volumeColumns are the enrichment columns in table order.
var volumeColumns = []string{
	"quote_volume_usdt",
	"trade_count",
	"volume_base",
	"taker_buy_volume_base",
	"taker_buy_quote_volume_usdt",
	"open_price",
	"high_price",
	"low_price",
	"close_price",
}

// Migration represents a single database migration with version and implementation
type Migration struct {
	Version     int
	Description string
	Up          func(ctx context.Context, tx *sql.Tx) error
	Down        func(ctx context.Context, tx *sql.Tx) error
}

// MigrationManager applies versioned schema changes and records them in schema_migrations.
type MigrationManager struct {
	db      *sql.DB
	logger  *slog.Logger
	migrate []Migration
}

// NewMigrationManager creates a new migration manager instance
func NewMigrationManager(db *sql.DB, logger *slog.Logger) *MigrationManager {
	if logger == nil {
		logger = slog.Default()
	}

	return &MigrationManager{
		db:      db,
		logger:  logger,
		migrate: getAllMigrations(),
	}
}

// Initialize creates the migrations table if it doesn't exist
func (m *MigrationManager) Initialize(ctx context.Context) error {
	createMigrationsTable := `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			description VARCHAR NOT NULL,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP,
			execution_time BIGINT NOT NULL DEFAULT 0
		)`

	if _, err := m.db.ExecContext(ctx, createMigrationsTable); err != nil {
		return fmt.Errorf("failed to create migrations table: %w", err)
	}
	return nil
}

// Migrate runs all pending migrations up to the target version
func (m *MigrationManager) Migrate(ctx context.Context, targetVersion int) error {
	if err := m.Initialize(ctx); err != nil {
		return fmt.Errorf("failed to initialize migration manager: %w", err)
	}

	currentVersion, err := m.getCurrentVersion(ctx)
	if err != nil {
		return fmt.Errorf("failed to get current version: %w", err)
	}

	if currentVersion >= targetVersion {
		m.logger.Debug("schema is up to date", "current_version", currentVersion)
		return nil
	}

	m.logger.Info("starting migration",
		"current_version", currentVersion,
		"target_version", targetVersion)

	applied := 0
	for _, migration := range m.migrate {
		if migration.Version <= currentVersion || migration.Version > targetVersion {
			continue
		}
		if err := m.runMigration(ctx, migration); err != nil {
			return fmt.Errorf("failed to run migration %d: %w", migration.Version, err)
		}
		applied++
	}

	m.logger.Info("migrations completed",
		"final_version", targetVersion,
		"migrations_run", applied)

	return nil
}

// MigrateToLatest runs all available migrations
func (m *MigrationManager) MigrateToLatest(ctx context.Context) error {
	if len(m.migrate) == 0 {
		return nil
	}
	return m.Migrate(ctx, m.LatestVersion())
}

// LatestVersion is the highest version this binary knows about.
func (m *MigrationManager) LatestVersion() int {
	if len(m.migrate) == 0 {
		return 0
	}
	return m.migrate[len(m.migrate)-1].Version
}

// Rollback rolls back migrations to the target version
func (m *MigrationManager) Rollback(ctx context.Context, targetVersion int) error {
	currentVersion, err := m.getCurrentVersion(ctx)
	if err != nil {
		return fmt.Errorf("failed to get current version: %w", err)
	}

	if currentVersion <= targetVersion {
		m.logger.Info("no rollback needed", "current_version", currentVersion)
		return nil
	}

	m.logger.Info("starting rollback",
		"current_version", currentVersion,
		"target_version", targetVersion)

	for i := len(m.migrate) - 1; i >= 0; i-- {
		migration := m.migrate[i]
		if migration.Version <= targetVersion || migration.Version > currentVersion {
			continue
		}
		if err := m.rollbackMigration(ctx, migration); err != nil {
			return fmt.Errorf("failed to rollback migration %d: %w", migration.Version, err)
		}
	}

	return nil
}

// GetStatus returns the current migration status
func (m *MigrationManager) GetStatus(ctx context.Context) (*MigrationStatus, error) {
	if err := m.Initialize(ctx); err != nil {
		return nil, err
	}

	currentVersion, err := m.getCurrentVersion(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get current version: %w", err)
	}

	appliedMigrations, err := m.getAppliedMigrations(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get applied migrations: %w", err)
	}

	pendingCount := 0
	for _, migration := range m.migrate {
		if migration.Version > currentVersion {
			pendingCount++
		}
	}

	return &MigrationStatus{
		CurrentVersion:      currentVersion,
		LatestVersion:       m.LatestVersion(),
		AppliedMigrations:   appliedMigrations,
		PendingMigrations:   pendingCount,
		TotalMigrations:     len(m.migrate),
		DatabaseInitialized: currentVersion >= 1,
	}, nil
}

// runMigration executes a single migration with timing and error handling
func (m *MigrationManager) runMigration(ctx context.Context, migration Migration) error {
	start := time.Now()

	m.logger.Info("applying migration",
		"version", migration.Version,
		"description", migration.Description)

	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to start transaction: %w", err)
	}
	defer tx.Rollback()

	if err := migration.Up(ctx, tx); err != nil {
		return fmt.Errorf("migration execution failed: %w", err)
	}

	insertQuery := `
		INSERT INTO schema_migrations (version, description, applied_at, execution_time)
		VALUES ($1, $2, $3, $4)`

	if _, err := tx.ExecContext(ctx, insertQuery,
		migration.Version,
		migration.Description,
		start,
		time.Since(start).Nanoseconds()); err != nil {
		return fmt.Errorf("failed to record migration: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit migration: %w", err)
	}

	m.logger.Info("migration applied",
		"version", migration.Version,
		"duration", time.Since(start))

	return nil
}

// rollbackMigration executes a single migration rollback
func (m *MigrationManager) rollbackMigration(ctx context.Context, migration Migration) error {
	if migration.Down == nil {
		return fmt.Errorf("migration %d has no rollback function", migration.Version)
	}

	m.logger.Info("rolling back migration",
		"version", migration.Version,
		"description", migration.Description)

	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to start rollback transaction: %w", err)
	}
	defer tx.Rollback()

	if err := migration.Down(ctx, tx); err != nil {
		return fmt.Errorf("rollback execution failed: %w", err)
	}

	if _, err := tx.ExecContext(ctx, "DELETE FROM schema_migrations WHERE version = $1", migration.Version); err != nil {
		return fmt.Errorf("failed to remove migration record: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit rollback: %w", err)
	}
	return nil
}

// getCurrentVersion returns the highest applied migration version
func (m *MigrationManager) getCurrentVersion(ctx context.Context) (int, error) {
	var version int
	err := m.db.QueryRowContext(ctx, "SELECT COALESCE(MAX(version), 0) FROM schema_migrations").Scan(&version)
	if err != nil {
		if strings.Contains(err.Error(), "does not exist") {
			return 0, nil
		}
		return 0, fmt.Errorf("failed to get current version: %w", err)
	}
	return version, nil
}

// getAppliedMigrations returns list of applied migrations with metadata
func (m *MigrationManager) getAppliedMigrations(ctx context.Context) ([]AppliedMigration, error) {
	rows, err := m.db.QueryContext(ctx, `
		SELECT version, description, applied_at, execution_time
		FROM schema_migrations
		ORDER BY version`)
	if err != nil {
		return nil, fmt.Errorf("failed to query applied migrations: %w", err)
	}
	defer rows.Close()

	var migrations []AppliedMigration
	for rows.Next() {
		var migration AppliedMigration
		var executionTime int64

		if err := rows.Scan(
			&migration.Version,
			&migration.Description,
			&migration.AppliedAt,
			&executionTime,
		); err != nil {
			return nil, fmt.Errorf("failed to scan migration row: %w", err)
		}

		migration.ExecutionTime = time.Duration(executionTime)
		migrations = append(migrations, migration)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating migration rows: %w", err)
	}
	return migrations, nil
}

// getAllMigrations returns the complete list of available migrations
func getAllMigrations() []Migration {
	return []Migration{
		{
			Version:     1,
			Description: "Availability, daily counts and staging tables",
			Up:          migrationV1Up,
			Down:        migrationV1Down,
		},
		{
			Version:     2,
			Description: "Add volume metric columns",
			Up:          migrationV2Up,
			Down:        migrationV2Down,
		},
		{
			Version:     3,
			Description: "Add symbol timeline index",
			Up:          migrationV3Up,
			Down:        migrationV3Down,
		},
	}
}

func execAll(ctx context.Context, tx *sql.Tx, queries []string) error {
	for _, query := range queries {
		if _, err := tx.ExecContext(ctx, query); err != nil {
			return fmt.Errorf("failed to execute %q: %w", firstLine(query), err)
		}
	}
	return nil
}

func firstLine(query string) string {
	query = strings.TrimSpace(query)
	if i := strings.IndexByte(query, '\n'); i >= 0 {
		return query[:i]
	}
	return query
}

// Migration V1: probe result table, its per-date aggregate and the appender staging table.
// The staging table has no key so duplicate appends never fail mid-batch.
func migrationV1Up(ctx context.Context, tx *sql.Tx) error {
	return execAll(ctx, tx, []string{
		`CREATE TABLE IF NOT EXISTS daily_availability (
			date DATE NOT NULL,
			symbol VARCHAR NOT NULL USING COMPRESSION dictionary,
			available BOOLEAN NOT NULL,
			file_size_bytes BIGINT USING COMPRESSION bitpacking,
			last_modified TIMESTAMP,
			url VARCHAR NOT NULL USING COMPRESSION dictionary,
			status_code INTEGER NOT NULL USING COMPRESSION bitpacking,
			probe_timestamp TIMESTAMP NOT NULL,
			PRIMARY KEY (date, symbol)
		)`,
		`CREATE TABLE IF NOT EXISTS daily_symbol_counts (
			date DATE PRIMARY KEY,
			total_symbols INTEGER NOT NULL,
			available_symbols INTEGER NOT NULL,
			unavailable_symbols INTEGER NOT NULL,
			last_updated TIMESTAMP NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS availability_staging (
			date DATE NOT NULL,
			symbol VARCHAR NOT NULL,
			available BOOLEAN NOT NULL,
			file_size_bytes BIGINT,
			last_modified TIMESTAMP,
			url VARCHAR NOT NULL,
			status_code INTEGER NOT NULL,
			probe_timestamp TIMESTAMP NOT NULL
		)`,
	})
}

func migrationV1Down(ctx context.Context, tx *sql.Tx) error {
	return execAll(ctx, tx, []string{
		"DROP TABLE IF EXISTS availability_staging",
		"DROP TABLE IF EXISTS daily_symbol_counts",
		"DROP TABLE IF EXISTS daily_availability",
	})
}

// Migration V2: volume metrics are nullable; rows probed before enrichment keep NULLs.
func migrationV2Up(ctx context.Context, tx *sql.Tx) error {
	var queries []string
	for _, table := range []string{tableAvailability, tableStaging} {
		for _, col := range volumeColumns {
			colType := "DOUBLE"
			if col == "trade_count" {
				colType = "BIGINT"
			}
			queries = append(queries, fmt.Sprintf("ALTER TABLE %s ADD COLUMN IF NOT EXISTS %s %s", table, col, colType))
		}
	}
	return execAll(ctx, tx, queries)
}

func migrationV2Down(ctx context.Context, tx *sql.Tx) error {
	var queries []string
	for _, table := range []string{tableStaging, tableAvailability} {
		for i := len(volumeColumns) - 1; i >= 0; i-- {
			queries = append(queries, fmt.Sprintf("ALTER TABLE %s DROP COLUMN IF EXISTS %s", table, volumeColumns[i]))
		}
	}
	return execAll(ctx, tx, queries)
}

// Migration V3: per-symbol timelines scan by (symbol, date). Only key columns are
// indexed because INSERT OR REPLACE rewrites every other column.
func migrationV3Up(ctx context.Context, tx *sql.Tx) error {
	return execAll(ctx, tx, []string{
		"CREATE INDEX IF NOT EXISTS idx_symbol_date ON daily_availability (symbol, date)",
	})
}

func migrationV3Down(ctx context.Context, tx *sql.Tx) error {
	return execAll(ctx, tx, []string{
		"DROP INDEX IF EXISTS idx_symbol_date",
	})
}

// MigrationStatus represents the current state of database migrations
type MigrationStatus struct {
	CurrentVersion      int                `json:"current_version"`
	LatestVersion       int                `json:"latest_version"`
	AppliedMigrations   []AppliedMigration `json:"applied_migrations"`
	PendingMigrations   int                `json:"pending_migrations"`
	TotalMigrations     int                `json:"total_migrations"`
	DatabaseInitialized bool               `json:"database_initialized"`
}

// AppliedMigration represents a migration that has been successfully applied
type AppliedMigration struct {
	Version       int           `json:"version"`
	Description   string        `json:"description"`
	AppliedAt     time.Time     `json:"applied_at"`
	ExecutionTime time.Duration `json:"execution_time"`
}
