package probe

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/johnayoung/go-futures-availability/internal/models"
)

// ErrorKind classifies why a probe failed.
type ErrorKind string

const (
	KindHTTPStatus  ErrorKind = "http_status"
	KindTimeout     ErrorKind = "timeout"
	KindNetwork     ErrorKind = "network"
	KindCanceled    ErrorKind = "canceled"
	KindCircuitOpen ErrorKind = "circuit_open"
)

// ProbeError reports a probe that ended in neither Found nor NotFound.
type ProbeError struct {
	Symbol     string
	Date       time.Time
	URL        string
	Kind       ErrorKind
	StatusCode int
	Err        error
}

func (e *ProbeError) Error() string {
	switch e.Kind {
	case KindHTTPStatus:
		return fmt.Sprintf("unexpected HTTP status %d for %s", e.StatusCode, e.URL)
	case KindCircuitOpen:
		return "circuit breaker open, probe skipped"
	default:
		return fmt.Sprintf("%s error probing %s: %v", e.Kind, e.URL, e.Err)
	}
}

func (e *ProbeError) Unwrap() error {
	return e.Err
}

// SymbolFailure pairs a failing symbol with its error.
type SymbolFailure struct {
	Symbol string
	Err    error
}

// BatchError aggregates every failed probe of one date's batch.
// Successes holds the records that did probe cleanly; they are never committed.
type BatchError struct {
	Date      time.Time
	Total     int
	Failures  []SymbolFailure
	Successes []models.AvailabilityRecord
}

func (e *BatchError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "batch probe failed for %d/%d symbols on %s:", len(e.Failures), e.Total, models.FormatDate(e.Date))
	for _, f := range e.Failures {
		fmt.Fprintf(&b, "\n  - %s: %v", f.Symbol, f.Err)
	}
	return b.String()
}

// Unwrap exposes every symbol error to errors.Is and errors.As.
func (e *BatchError) Unwrap() []error {
	errs := make([]error, 0, len(e.Failures))
	for _, f := range e.Failures {
		errs = append(errs, f.Err)
	}
	return errs
}

// FailedSymbols returns the failing symbols in sorted order.
func (e *BatchError) FailedSymbols() []string {
	symbols := make([]string, 0, len(e.Failures))
	for _, f := range e.Failures {
		symbols = append(symbols, f.Symbol)
	}
	sort.Strings(symbols)
	return symbols
}

// DateError attaches the failing date to an error raised while walking a date range.
type DateError struct {
	Date time.Time
	Err  error
}

func (e *DateError) Error() string {
	return fmt.Sprintf("probe failed for %s: %v", models.FormatDate(e.Date), e.Err)
}

func (e *DateError) Unwrap() error {
	return e.Err
}
