// Package models provides data structures and validation for futures data availability.
// This package contains the availability record persisted per (date, symbol), the typed
// outcome of a single existence probe, the derived daily aggregate, and the optional
// volume metrics attached by the enrichment pass.
package models

import (
	"fmt"
	"time"
)

// AvailabilityRecord is one row of daily_availability, keyed by (Date, Symbol).
// FileSizeBytes and LastModified are set only when Available is true.
type AvailabilityRecord struct {
	Date           time.Time      `json:"date" db:"date"`
	Symbol         string         `json:"symbol" db:"symbol"`
	Available      bool           `json:"available" db:"available"`
	FileSizeBytes  *int64         `json:"file_size_bytes,omitempty" db:"file_size_bytes"`
	LastModified   *time.Time     `json:"last_modified,omitempty" db:"last_modified"`
	URL            string         `json:"url" db:"url"`
	StatusCode     int            `json:"status_code" db:"status_code"`
	ProbeTimestamp time.Time      `json:"probe_timestamp" db:"probe_timestamp"`
	Volume         *VolumeMetrics `json:"volume,omitempty"`
}

// RecordKey identifies a record. Two records with equal keys describe the same row.
type RecordKey struct {
	Date   string
	Symbol string
}

// String returns "YYYY-MM-DD/SYMBOL".
func (k RecordKey) String() string {
	return k.Date + "/" + k.Symbol
}

// Key returns the (date, symbol) identity of the record.
func (r *AvailabilityRecord) Key() RecordKey {
	return RecordKey{Date: FormatDate(r.Date), Symbol: r.Symbol}
}

// ValidationError represents a record validation error with specific field context.
type ValidationError struct {
	Field   string
	Message string
}

// Error implements the error interface for ValidationError.
func (e ValidationError) Error() string {
	return fmt.Sprintf("validation error for field %s: %s", e.Field, e.Message)
}

// Validate checks that the record is internally consistent before it is written.
// An available record must carry status 200 and a file size; an unavailable record
// must carry status 404 and no size or last-modified metadata.
func (r *AvailabilityRecord) Validate() error {
	if r.Date.IsZero() {
		return &ValidationError{Field: "date", Message: "date cannot be zero"}
	}
	if r.Symbol == "" {
		return &ValidationError{Field: "symbol", Message: "symbol cannot be empty"}
	}
	if r.URL == "" {
		return &ValidationError{Field: "url", Message: "url cannot be empty"}
	}
	if r.ProbeTimestamp.IsZero() {
		return &ValidationError{Field: "probe_timestamp", Message: "probe timestamp cannot be zero"}
	}

	if r.Available {
		if r.StatusCode != 200 {
			return &ValidationError{Field: "status_code", Message: fmt.Sprintf("available record must have status 200, got %d", r.StatusCode)}
		}
		if r.FileSizeBytes == nil {
			return &ValidationError{Field: "file_size_bytes", Message: "available record must have a file size"}
		}
		if *r.FileSizeBytes < 0 {
			return &ValidationError{Field: "file_size_bytes", Message: "file size cannot be negative"}
		}
	} else {
		if r.StatusCode != 404 {
			return &ValidationError{Field: "status_code", Message: fmt.Sprintf("unavailable record must have status 404, got %d", r.StatusCode)}
		}
		if r.FileSizeBytes != nil || r.LastModified != nil {
			return &ValidationError{Field: "file_size_bytes", Message: "unavailable record cannot carry file metadata"}
		}
	}

	if r.Volume != nil {
		if err := r.Volume.Validate(); err != nil {
			return err
		}
	}

	return nil
}

// String returns a compact human readable form used in logs and errors.
func (r *AvailabilityRecord) String() string {
	return fmt.Sprintf("%s %s available=%t status=%d", FormatDate(r.Date), r.Symbol, r.Available, r.StatusCode)
}

// DailyAggregate is one row of daily_symbol_counts.
type DailyAggregate struct {
	Date               time.Time `json:"date"`
	TotalSymbols       int       `json:"total_symbols"`
	AvailableSymbols   int       `json:"available_symbols"`
	UnavailableSymbols int       `json:"unavailable_symbols"`
	LastUpdated        time.Time `json:"last_updated"`
}

// CountAvailable returns how many records in the slice are available.
func CountAvailable(records []AvailabilityRecord) int {
	n := 0
	for i := range records {
		if records[i].Available {
			n++
		}
	}
	return n
}
