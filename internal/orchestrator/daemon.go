package orchestrator

import (
	"context"
	"log/slog"
	"time"

	"github.com/thejerf/suture/v4"
	"github.com/thejerf/sutureslog"
)

// DaemonConfig tunes the supervisor's restart policy.
type DaemonConfig struct {
	FailureThreshold float64
	FailureDecay     float64
	FailureBackoff   time.Duration
	ShutdownTimeout  time.Duration
}

// DefaultDaemonConfig returns suture's usual restart policy.
func DefaultDaemonConfig() DaemonConfig {
	return DaemonConfig{
		FailureThreshold: 5,
		FailureDecay:     30,
		FailureBackoff:   15 * time.Second,
		ShutdownTimeout:  10 * time.Second,
	}
}

// Daemon supervises the scheduler and any sidecar services such as the
// metrics endpoint, restarting whichever one fails.
type Daemon struct {
	root *suture.Supervisor
}

// NewDaemon builds the supervisor. Zero config fields take the defaults.
func NewDaemon(cfg DaemonConfig, logger *slog.Logger, services ...suture.Service) *Daemon {
	def := DefaultDaemonConfig()
	if cfg.FailureThreshold == 0 {
		cfg.FailureThreshold = def.FailureThreshold
	}
	if cfg.FailureDecay == 0 {
		cfg.FailureDecay = def.FailureDecay
	}
	if cfg.FailureBackoff == 0 {
		cfg.FailureBackoff = def.FailureBackoff
	}
	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = def.ShutdownTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}

	handler := &sutureslog.Handler{Logger: logger}
	root := suture.New("availability", suture.Spec{
		EventHook:        handler.MustHook(),
		FailureThreshold: cfg.FailureThreshold,
		FailureDecay:     cfg.FailureDecay,
		FailureBackoff:   cfg.FailureBackoff,
		Timeout:          cfg.ShutdownTimeout,
	})
	for _, svc := range services {
		root.Add(svc)
	}
	return &Daemon{root: root}
}

// Serve blocks until ctx is canceled.
func (d *Daemon) Serve(ctx context.Context) error {
	return d.root.Serve(ctx)
}
