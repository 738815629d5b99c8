// Package gaps finds coverage holes in the availability table: symbols from
// the symbol list that were never probed, and runs of dates missing from a
// symbol's probed history. Detected holes are filled with targeted backfills.
package gaps

import (
	"context"
	"time"

	"github.com/johnayoung/go-futures-availability/internal/orchestrator"
)

// Gap is a run of consecutive dates with no row for one symbol.
type Gap struct {
	Symbol string    `json:"symbol"`
	Start  time.Time `json:"start"`
	End    time.Time `json:"end"`
	Days   int       `json:"days"`
}

// Report is the result of a full detection pass.
type Report struct {
	// NewSymbols are listed symbols with no row at all, sorted.
	NewSymbols []string `json:"new_symbols"`
	// DateGaps are holes inside each symbol's probed span.
	DateGaps []Gap `json:"date_gaps"`
}

// Empty reports whether nothing needs filling.
func (r *Report) Empty() bool {
	return len(r.NewSymbols) == 0 && len(r.DateGaps) == 0
}

// SymbolLister supplies the symbols that should be present in the store.
type SymbolLister interface {
	LoadSymbols(kind string) ([]string, error)
}

// Backfiller runs a backfill for a range and symbol subset.
type Backfiller interface {
	// Backfill probes and stores every date in opts for opts.Symbols.
	//
	// Parameters:
	//   - ctx: Context for cancellation
	//   - opts: Range and symbols; gap fills always set Targeted so the
	//     full-history checkpoint is left alone
	//
	// Returns:
	//   - *orchestrator.RunSummary: Counts of what was stored, also on failure
	//   - error: The first date that failed, as a *probe.DateError
	Backfill(ctx context.Context, opts orchestrator.BackfillOptions) (*orchestrator.RunSummary, error)
}

// FillResult summarizes a fill pass.
type FillResult struct {
	Backfills int      `json:"backfills"`
	Records   int      `json:"records"`
	Failed    []string `json:"failed,omitempty"`
}
