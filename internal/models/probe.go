package models

import (
	"time"
)

// ProbeOutcome is the typed result of a single existence check.
// Exactly two implementations exist: Found and NotFound.
type ProbeOutcome interface {
	isProbeOutcome()
	Available() bool
}

// Found means the remote archive existed when probed.
type Found struct {
	FileSizeBytes int64
	LastModified  *time.Time
}

// NotFound means the remote store answered 404 for the archive.
type NotFound struct{}

func (Found) isProbeOutcome()    {}
func (NotFound) isProbeOutcome() {}

// Available reports true for Found.
func (Found) Available() bool { return true }

// Available reports false for NotFound.
func (NotFound) Available() bool { return false }

// ProbeResult carries the outcome of one probe plus its audit fields.
type ProbeResult struct {
	Symbol         string
	Date           time.Time
	Outcome        ProbeOutcome
	URL            string
	StatusCode     int
	ProbeTimestamp time.Time
}

// Record converts the result into the row persisted by the store.
func (p ProbeResult) Record() AvailabilityRecord {
	rec := AvailabilityRecord{
		Date:           DateOf(p.Date),
		Symbol:         p.Symbol,
		URL:            p.URL,
		StatusCode:     p.StatusCode,
		ProbeTimestamp: p.ProbeTimestamp,
	}

	switch o := p.Outcome.(type) {
	case Found:
		size := o.FileSizeBytes
		rec.Available = true
		rec.FileSizeBytes = &size
		if o.LastModified != nil {
			lm := o.LastModified.UTC()
			rec.LastModified = &lm
		}
	case NotFound:
		rec.Available = false
	}

	return rec
}
