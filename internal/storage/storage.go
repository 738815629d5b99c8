// Package storage defines the persistence interfaces for availability data.
// These interfaces keep the orchestrator, validators and queries independent
// of the DuckDB backend and let tests substitute lightweight fakes.
package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/johnayoung/go-futures-availability/internal/models"
)

// AvailabilityWriter persists probe results.
type AvailabilityWriter interface {
	// InsertBatch upserts records keyed by (date, symbol) and refreshes the
	// daily aggregates for the touched dates in the same transaction.
	// An empty slice is a no-op.
	InsertBatch(ctx context.Context, records []models.AvailabilityRecord) error

	// InsertRecord upserts a single record.
	InsertRecord(ctx context.Context, record models.AvailabilityRecord) error
}

// Querier runs read-only SQL against the store.
type Querier interface {
	// Query executes sql with positional args and returns every row as a slice of column values.
	Query(ctx context.Context, sql string, args ...any) ([][]any, error)
}

// VolumeStore is the enrichment side of the store.
type VolumeStore interface {
	// RecordsNeedingVolume lists available rows that have no volume metrics yet.
	RecordsNeedingVolume(ctx context.Context, filter VolumeFilter) ([]RecordRef, error)

	// UpdateVolumeMetrics writes the nine volume columns of one existing row and nothing else.
	UpdateVolumeMetrics(ctx context.Context, symbol string, date time.Time, metrics models.VolumeMetrics) error
}

// StorageManager handles lifecycle and operational concerns.
type StorageManager interface {
	// Initialize applies pending migrations. Safe to call more than once.
	Initialize(ctx context.Context) error

	// RefreshAggregates recomputes daily_symbol_counts for every date.
	RefreshAggregates(ctx context.Context) error

	// GetStats returns row counts, the covered date span and operation timings.
	GetStats(ctx context.Context) (*StorageStats, error)

	// Close flushes pending writes to the database file and releases the connection.
	// Calling Close twice is harmless.
	Close() error

	HealthChecker
}

// HealthChecker provides health monitoring capabilities for storage backends.
type HealthChecker interface {
	// HealthCheck verifies that the storage backend is operational.
	HealthCheck(ctx context.Context) error
}

// FullStorage is implemented by the DuckDB store.
type FullStorage interface {
	AvailabilityWriter
	Querier
	VolumeStore
	StorageManager
}

// VolumeFilter narrows RecordsNeedingVolume. Zero values mean unbounded.
type VolumeFilter struct {
	Start   time.Time
	End     time.Time
	Symbols []string
	Limit   int
}

// RecordRef names one row of daily_availability.
type RecordRef struct {
	Symbol string
	Date   time.Time
}

// StorageStats provides operational metrics about the store.
type StorageStats struct {
	// TotalRecords is the number of (date, symbol) rows
	TotalRecords int64

	AvailableRecords  int64
	RecordsWithVolume int64

	// TotalSymbols is the number of distinct symbols ever probed
	TotalSymbols int

	// TotalDates is the number of distinct dates with at least one row
	TotalDates int

	EarliestDate time.Time
	LatestDate   time.Time

	// QueryPerformance contains average durations by operation
	QueryPerformance map[string]time.Duration
}

// StorageError represents errors that occur during storage operations.
type StorageError struct {
	// Operation is the storage operation that failed (e.g., "insert", "query")
	Operation string

	// Table is the database table involved in the operation
	Table string

	// Query is the SQL statement or operation details (may be empty)
	Query string

	// Err is the underlying error that caused the failure
	Err error
}

// Error implements the error interface for StorageError.
func (e *StorageError) Error() string {
	if e.Table != "" {
		return fmt.Sprintf("storage operation %s on table %s failed: %v", e.Operation, e.Table, e.Err)
	}
	return fmt.Sprintf("storage operation %s failed: %v", e.Operation, e.Err)
}

// Unwrap returns the underlying error for error chain support.
func (e *StorageError) Unwrap() error {
	return e.Err
}

// NewStorageError creates a new StorageError with the provided details.
func NewStorageError(operation, table, query string, err error) *StorageError {
	return &StorageError{
		Operation: operation,
		Table:     table,
		Query:     query,
		Err:       err,
	}
}

// NewQueryError creates a StorageError specifically for query operations.
func NewQueryError(table, query string, err error) *StorageError {
	return &StorageError{
		Operation: "query",
		Table:     table,
		Query:     query,
		Err:       err,
	}
}

// NewInsertError creates a StorageError specifically for insert operations.
func NewInsertError(table string, err error) *StorageError {
	return &StorageError{
		Operation: "insert",
		Table:     table,
		Err:       err,
	}
}

// NewUpdateError creates a StorageError specifically for update operations.
func NewUpdateError(table string, err error) *StorageError {
	return &StorageError{
		Operation: "update",
		Table:     table,
		Err:       err,
	}
}

// NewDeleteError creates a StorageError specifically for delete operations.
func NewDeleteError(table string, err error) *StorageError {
	return &StorageError{
		Operation: "delete",
		Table:     table,
		Err:       err,
	}
}
