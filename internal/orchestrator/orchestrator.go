// Package orchestrator drives ingestion runs: the checkpointed historical
// backfill, the daily lookback update and the daemon that schedules it.
package orchestrator

import (
	"context"
	"log/slog"
	"time"

	"github.com/johnayoung/go-futures-availability/internal/logger"
	"github.com/johnayoung/go-futures-availability/internal/models"
	"github.com/johnayoung/go-futures-availability/internal/probe"
	"github.com/johnayoung/go-futures-availability/internal/storage"
	"github.com/johnayoung/go-futures-availability/internal/validation"
)

// Run kinds, used as metric labels and ledger job names.
const (
	KindBackfill    = "backfill"
	KindDailyUpdate = "daily_update"
)

// Checkpoint persists backfill progress.
type Checkpoint interface {
	Save(date time.Time) error
	Load() (date time.Time, ok bool, err error)
	Clear() error
}

// Auditor validates the store after an update.
type Auditor interface {
	Run(ctx context.Context, opts validation.Options) (*validation.Report, error)
}

// Config holds run defaults taken from the application config.
type Config struct {
	// BackfillStart is the first date of a backfill without an explicit start.
	BackfillStart   time.Time
	BackfillWorkers int
	LookbackDays    int
	UpdateWorkers   int
	// CrossCheck adds the exchangeInfo comparison to post-update validation.
	CrossCheck bool
}

// RunSummary describes a finished (or failed) run.
type RunSummary struct {
	RunID      string             `json:"run_id"`
	Kind       string             `json:"kind"`
	Start      time.Time          `json:"start"`
	End        time.Time          `json:"end"`
	Symbols    int                `json:"symbols"`
	Dates      int                `json:"dates"`
	Records    int                `json:"records"`
	Available  int                `json:"available"`
	Resumed    bool               `json:"resumed,omitempty"`
	Duration   time.Duration      `json:"duration"`
	Validation *validation.Report `json:"validation,omitempty"`
}

func (s *RunSummary) add(records []models.AvailabilityRecord) {
	s.Dates++
	s.Records += len(records)
	s.Available += countAvailable(records)
}

// Orchestrator sequences probing, ingestion, checkpointing and validation.
type Orchestrator struct {
	batch      *probe.BatchProber
	store      storage.AvailabilityWriter
	checkpoint Checkpoint
	auditor    Auditor
	cfg        Config
	logger     *slog.Logger
	now        func() time.Time
}

// New creates an orchestrator. auditor may be nil to skip post-update validation.
func New(batch *probe.BatchProber, store storage.AvailabilityWriter, checkpoint Checkpoint, auditor Auditor, cfg Config, log *slog.Logger) *Orchestrator {
	if cfg.BackfillStart.IsZero() {
		cfg.BackfillStart = models.FirstFuturesDate
	}
	if cfg.LookbackDays < 1 {
		cfg.LookbackDays = 1
	}
	if log == nil {
		log = slog.Default()
	}
	return &Orchestrator{
		batch:      batch,
		store:      store,
		checkpoint: checkpoint,
		auditor:    auditor,
		cfg:        cfg,
		logger:     log.With("component", "orchestrator"),
		now:        time.Now,
	}
}

// beginRun tags ctx and the logger with a fresh run id.
func (o *Orchestrator) beginRun(ctx context.Context, kind string) (context.Context, *slog.Logger, *RunSummary) {
	runID := logger.GetRunID(ctx)
	if runID == "" {
		runID = logger.NewRunID()
		ctx = logger.WithRunID(ctx, runID)
	}
	ctx = logger.WithOperation(ctx, kind)
	log := o.logger.With("run_id", runID, "operation", kind)
	return ctx, log, &RunSummary{RunID: runID, Kind: kind}
}

func countAvailable(records []models.AvailabilityRecord) int {
	n := 0
	for _, r := range records {
		if r.Available {
			n++
		}
	}
	return n
}
