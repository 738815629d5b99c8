// Binance futures data-availability tracker CLI.
// It probes data.binance.vision for daily 1m kline archives of every USDT-M
// futures symbol, records which (symbol, date) archives exist in DuckDB and
// answers availability queries over that history.
//
// Usage:
//
//	availability backfill --resume
//	availability update --lookback 3
//	availability schedule
//	availability query available --date 2024-01-15
//
// For detailed help on any command, use: availability <command> --help
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"golang.org/x/time/rate"

	"github.com/johnayoung/go-futures-availability/internal/checkpoint"
	"github.com/johnayoung/go-futures-availability/internal/config"
	apperrors "github.com/johnayoung/go-futures-availability/internal/errors"
	"github.com/johnayoung/go-futures-availability/internal/logger"
	"github.com/johnayoung/go-futures-availability/internal/models"
	"github.com/johnayoung/go-futures-availability/internal/orchestrator"
	"github.com/johnayoung/go-futures-availability/internal/probe"
	"github.com/johnayoung/go-futures-availability/internal/storage"
	"github.com/johnayoung/go-futures-availability/internal/symbols"
	"github.com/johnayoung/go-futures-availability/internal/validation"
)

// CLI version information
const (
	Version = "1.0.0"
	AppName = "availability"
)

// Exit codes following standard conventions
const (
	ExitSuccess       = 0
	ExitUsageError    = 1
	ExitConfigError   = 2
	ExitConnectionErr = 3
	ExitDataError     = 4
	ExitInterrupt     = 130
)

// CLI holds the components shared by every command. The store and HTTP
// client are created on first use so that help and discovery never touch
// the database.
type CLI struct {
	config  *config.AppConfig
	logs    *logger.LoggerManager
	logger  *slog.Logger
	retrier *apperrors.ErrorClassifier
	client  *http.Client
	store   *storage.DuckDBStore
}

type command struct {
	run     func(cli *CLI, ctx context.Context, args []string) error
	failure string
}

var commands = map[string]command{
	"backfill": {(*CLI).handleBackfill, "Backfill failed"},
	"update":   {(*CLI).handleUpdate, "Daily update failed"},
	"schedule": {(*CLI).handleSchedule, "Scheduler failed"},
	"discover": {(*CLI).handleDiscover, "Symbol discovery failed"},
	"validate": {(*CLI).handleValidate, "Validation failed"},
	"query":    {(*CLI).handleQuery, "Query failed"},
	"enrich":   {(*CLI).handleEnrich, "Volume enrichment failed"},
	"gaps":     {(*CLI).handleGaps, "Gap analysis failed"},
	"stats":    {(*CLI).handleStats, "Stats failed"},
}

// main is the entry point for the CLI application
func main() {
	os.Exit(run(os.Args[1:]))
}

func run(argv []string) int {
	if len(argv) < 1 {
		printUsage()
		return ExitUsageError
	}

	name, args := argv[0], argv[1:]
	switch name {
	case "version", "--version", "-v":
		fmt.Printf("%s version %s\n", AppName, Version)
		return ExitSuccess
	case "help", "--help", "-h":
		if len(args) > 0 {
			printCommandHelp(args[0])
		} else {
			printUsage()
		}
		return ExitSuccess
	}

	cmd, ok := commands[name]
	if !ok {
		fmt.Fprintf(os.Stderr, "Error: Unknown command '%s'\n\n", name)
		printUsage()
		return ExitUsageError
	}

	// Setup signal handling for graceful shutdown
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	cli := &CLI{}
	if err := cli.initialize(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: Failed to initialize CLI: %v\n", err)
		return ExitConfigError
	}
	defer cli.close()

	err := cmd.run(cli, ctx, args)
	if err == nil {
		return ExitSuccess
	}

	code := exitCode(ctx, err)
	if code == ExitUsageError {
		fmt.Fprintf(os.Stderr, "Error: %v\n\nRun '%s help %s' for usage.\n", err, AppName, name)
	} else {
		cli.logger.Error(cmd.failure, "error", err)
	}
	return code
}

// exitCode maps a command error onto the documented exit codes.
func exitCode(ctx context.Context, err error) int {
	var usage *usageError
	switch {
	case errors.As(err, &usage):
		return ExitUsageError
	case ctx.Err() != nil || errors.Is(err, context.Canceled):
		return ExitInterrupt
	case errors.Is(err, errConfig):
		return ExitConfigError
	}

	switch apperrors.ClassifyType(err) {
	case apperrors.ErrorTypeNetwork, apperrors.ErrorTypeTimeout, apperrors.ErrorTypeCircuitOpen:
		return ExitConnectionErr
	}
	var se *storage.StorageError
	if errors.As(err, &se) && se.Operation == "open" {
		return ExitConnectionErr
	}
	return ExitDataError
}

// errConfig marks a setting that parsed but cannot be used.
var errConfig = errors.New("configuration error")

// initialize loads .env, the layered configuration and the logger.
func (cli *CLI) initialize() error {
	// A missing .env is normal outside development.
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to load .env: %w", err)
	}

	cfg, err := config.Load("")
	if err != nil {
		return err
	}
	cli.config = cfg

	logs, err := logger.NewLoggerManager(cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to setup logging: %w", err)
	}
	cli.logs = logs
	cli.logger = logs.GetLogger()
	slog.SetDefault(cli.logger)

	cli.retrier = apperrors.NewErrorClassifier(cfg.Retry, logs.GetComponentLogger("retry").Logger)
	return nil
}

func (cli *CLI) close() {
	if cli.store != nil {
		if err := cli.store.Close(); err != nil {
			cli.logger.Warn("failed to close store", "error", err)
		}
	}
	if cli.logs != nil {
		cli.logs.Close()
	}
}

// httpClient returns the shared client, sized for the larger probe pool.
func (cli *CLI) httpClient() *http.Client {
	if cli.client == nil {
		maxConns := max(cli.config.Prober.Workers, cli.config.Update.Workers)
		cli.client = probe.NewHTTPClient(probe.ClientConfig{
			Timeout:        cli.config.Prober.Timeout,
			ConnectTimeout: cli.config.Prober.ConnectTimeout,
			MaxConns:       maxConns,
		})
	}
	return cli.client
}

// openStore opens and migrates the DuckDB store once per process.
func (cli *CLI) openStore(ctx context.Context) (*storage.DuckDBStore, error) {
	if cli.store != nil {
		return cli.store, nil
	}
	store, err := storage.NewDuckDBStore(cli.config.Storage.DBPath,
		cli.logs.GetComponentLogger("storage").Logger,
		storage.WithSettings(cli.config.Storage),
		storage.WithOpenRetry(cli.retrier))
	if err != nil {
		return nil, err
	}
	if err := store.Initialize(ctx); err != nil {
		store.Close()
		return nil, fmt.Errorf("failed to initialize storage schema: %w", err)
	}
	cli.store = store
	return store, nil
}

func (cli *CLI) symbolProvider() *symbols.FileProvider {
	return symbols.NewFileProvider(cli.config.Symbols.Path)
}

func (cli *CLI) newValidator(store storage.Querier) *validation.Validator {
	exchange := validation.NewExchangeInfoClient(cli.httpClient(), cli.config.Validation.ExchangeInfoURL, cli.retrier)
	return validation.NewValidator(store, exchange, cli.logs.GetComponentLogger("validation").Logger)
}

// newOrchestrator wires prober, batch prober, store, checkpoint and the
// post-update validation runner.
func (cli *CLI) newOrchestrator(ctx context.Context) (*orchestrator.Orchestrator, error) {
	cfg := cli.config
	store, err := cli.openStore(ctx)
	if err != nil {
		return nil, err
	}

	prober := probe.NewProber(cli.httpClient(),
		probe.WithBaseURL(cfg.Prober.BaseURL),
		probe.WithLogger(cli.logs.GetComponentLogger("prober").Logger))

	var limiter *rate.Limiter
	if cfg.Prober.RateLimit > 0 {
		burst := max(cfg.Prober.RateBurst, 1)
		limiter = rate.NewLimiter(rate.Limit(cfg.Prober.RateLimit), burst)
	}

	batch := probe.NewBatchProber(prober, cli.symbolProvider(), probe.BatchOptions{
		Workers:            cfg.Prober.Workers,
		SymbolKind:         cfg.Prober.SymbolKind,
		RateLimiter:        limiter,
		ErrorRateThreshold: cfg.Prober.ErrorRateThreshold,
		BreakerMinRequests: cfg.Prober.BreakerMinRequests,
	}, cli.logs.GetComponentLogger("batch").Logger)

	var start = models.FirstFuturesDate
	if cfg.Backfill.StartDate != "" {
		if start, err = models.ParseDate(cfg.Backfill.StartDate); err != nil {
			return nil, fmt.Errorf("%w: backfill.start_date: %v", errConfig, err)
		}
	}

	auditor := validation.NewRunner(cli.newValidator(store), cfg.Validation, cli.logs.GetComponentLogger("validation").Logger)

	return orchestrator.New(batch, store, checkpoint.New(cfg.Backfill.CheckpointPath), auditor, orchestrator.Config{
		BackfillStart:   start,
		BackfillWorkers: cfg.Prober.Workers,
		LookbackDays:    cfg.Update.LookbackDays,
		UpdateWorkers:   cfg.Update.Workers,
		CrossCheck:      cfg.Validation.CrossCheck,
	}, cli.logs.GetComponentLogger("orchestrator").Logger), nil
}
