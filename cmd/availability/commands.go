package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/thejerf/suture/v4"

	"github.com/johnayoung/go-futures-availability/internal/checkpoint"
	"github.com/johnayoung/go-futures-availability/internal/config"
	"github.com/johnayoung/go-futures-availability/internal/enrich"
	"github.com/johnayoung/go-futures-availability/internal/gaps"
	"github.com/johnayoung/go-futures-availability/internal/metrics"
	"github.com/johnayoung/go-futures-availability/internal/models"
	"github.com/johnayoung/go-futures-availability/internal/orchestrator"
	"github.com/johnayoung/go-futures-availability/internal/runlog"
	"github.com/johnayoung/go-futures-availability/internal/storage"
	"github.com/johnayoung/go-futures-availability/internal/symbols"
	"github.com/johnayoung/go-futures-availability/internal/validation"
)

// handleBackfill handles the 'backfill' command for historical probing
func (cli *CLI) handleBackfill(ctx context.Context, args []string) error {
	flags, err := parseBackfillFlags(args)
	if err != nil {
		return err
	}
	if flags.Help {
		printCommandHelp("backfill")
		return nil
	}
	if flags.Resume && len(flags.Symbols) > 0 {
		return usagef("--resume cannot be combined with --symbols")
	}

	start, err := parseDateFlag("--start", flags.Start)
	if err != nil {
		return err
	}
	end, err := parseDateFlag("--end", flags.End)
	if err != nil {
		return err
	}

	orch, err := cli.newOrchestrator(ctx)
	if err != nil {
		return err
	}

	summary, err := orch.Backfill(ctx, orchestrator.BackfillOptions{
		Start:    start,
		End:      end,
		Resume:   flags.Resume,
		Symbols:  flags.Symbols,
		Workers:  flags.Workers,
		Targeted: len(flags.Symbols) > 0,
	})
	if err != nil {
		if summary != nil && summary.Dates > 0 {
			printRunSummary(summary)
		}
		if len(flags.Symbols) == 0 && !errors.Is(err, orchestrator.ErrNoSymbols) {
			fmt.Fprintf(os.Stderr, "\nProgress is checkpointed. Resume with: %s backfill --resume\n", AppName)
		}
		return err
	}

	printRunSummary(summary)
	return nil
}

// handleUpdate handles the 'update' command for the daily lookback re-probe
func (cli *CLI) handleUpdate(ctx context.Context, args []string) error {
	flags, err := parseUpdateFlags(args)
	if err != nil {
		return err
	}
	if flags.Help {
		printCommandHelp("update")
		return nil
	}

	date, err := parseDateFlag("--date", flags.Date)
	if err != nil {
		return err
	}

	orch, err := cli.newOrchestrator(ctx)
	if err != nil {
		return err
	}

	summary, err := orch.DailyUpdate(ctx, orchestrator.DailyOptions{
		Date:         date,
		LookbackDays: flags.Lookback,
		Workers:      flags.Workers,
		Symbols:      flags.Symbols,
	})
	if summary != nil {
		printRunSummary(summary)
	}
	return err
}

// handleSchedule runs the daily update daemon, or prints the run ledger with --status
func (cli *CLI) handleSchedule(ctx context.Context, args []string) error {
	flags, err := parseScheduleFlags(args)
	if err != nil {
		return err
	}
	if flags.Help {
		printCommandHelp("schedule")
		return nil
	}

	ledger, err := runlog.Open(ctx, cli.config.Scheduler.StateDBPath)
	if err != nil {
		return err
	}
	defer ledger.Close()

	if flags.Status {
		return printLedger(ctx, ledger, flags.Limit)
	}

	at := cli.config.Scheduler.Time
	if flags.At != "" {
		if _, err := time.Parse("15:04", flags.At); err != nil {
			return usagef("invalid --at %q, use HH:MM (UTC)", flags.At)
		}
		at = flags.At
	}

	orch, err := cli.newOrchestrator(ctx)
	if err != nil {
		return err
	}

	sched, err := orchestrator.NewScheduler(orch, ledger, orchestrator.SchedulerConfig{
		At:        at,
		RunMissed: cli.config.Scheduler.RunMissed,
	}, cli.logs.GetComponentLogger("scheduler").Logger)
	if err != nil {
		return fmt.Errorf("%w: %v", errConfig, err)
	}

	services := []suture.Service{sched}
	if cli.config.Metrics.Addr != "" {
		services = append(services, metrics.NewServer(cli.config.Metrics, cli.store, cli.logs.GetComponentLogger("metrics").Logger))
	}
	daemon := orchestrator.NewDaemon(orchestrator.DefaultDaemonConfig(), cli.logs.GetComponentLogger("supervisor").Logger, services...)

	fmt.Printf("Scheduler running daily at %s UTC (lookback %d days). Press Ctrl+C to stop.\n",
		at, cli.config.Update.LookbackDays)
	if cli.config.Metrics.Addr != "" {
		fmt.Printf("Metrics on http://%s%s\n", cli.config.Metrics.Addr, cli.config.Metrics.Path)
	}

	err = daemon.Serve(ctx)
	if ctx.Err() != nil {
		cli.logger.Info("scheduler stopped", "reason", context.Cause(ctx))
		return nil
	}
	return err
}

func printLedger(ctx context.Context, ledger *runlog.Ledger, limit int) error {
	runs, err := ledger.Recent(ctx, "", limit)
	if err != nil {
		return err
	}
	rows := make([][]string, 0, len(runs))
	for _, r := range runs {
		errText := "-"
		if r.Error != nil {
			errText = *r.Error
		}
		duration := "-"
		if d := r.Duration(); d > 0 {
			duration = d.Round(time.Second).String()
		}
		rows = append(rows, []string{
			r.Slot, r.Status,
			fmtDate(r.TargetStart) + ".." + fmtDate(r.TargetEnd),
			fmtInt(r.Records), fmtInt(r.Available), duration, errText,
		})
	}
	outputTable([]string{"SLOT", "STATUS", "WINDOW", "RECORDS", "AVAILABLE", "DURATION", "ERROR"}, rows)
	return nil
}

// handleDiscover lists the archive bucket and merges new symbols into symbols.json
func (cli *CLI) handleDiscover(ctx context.Context, args []string) error {
	flags, err := parseDiscoverFlags(args)
	if err != nil {
		return err
	}
	if flags.Help {
		printCommandHelp("discover")
		return nil
	}

	cfg := cli.config.Symbols
	discoverer := symbols.NewDiscoverer(cli.httpClient(), cfg.DiscoveryURL, cfg.MarketType, cli.retrier,
		cli.logs.GetComponentLogger("discovery").Logger)

	found, err := discoverer.Discover(ctx)
	if err != nil {
		return err
	}

	current, err := symbols.ReadSymbolsFile(cfg.Path)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	merged, diff := symbols.Merge(current, found, discoverer.Source(), time.Now())

	fmt.Printf("Discovered %d perpetual and %d delivery symbols in %d requests (%s)\n",
		len(found.Perpetual), len(found.Delivery), found.Requests, found.Duration.Round(time.Millisecond))
	printSymbolChanges("New perpetual", diff.NewPerpetual)
	printSymbolChanges("New delivery", diff.NewDelivery)
	printSymbolChanges("No longer listed (kept)", append(diff.MissingPerpetual, diff.MissingDelivery...))

	if flags.DryRun {
		fmt.Println("Dry run: symbols file not written")
		return nil
	}
	if err := symbols.WriteSymbolsFile(cfg.Path, merged); err != nil {
		return err
	}
	fmt.Printf("Wrote %d symbols to %s\n", merged.Metadata.TotalAll, cfg.Path)
	return nil
}

func printSymbolChanges(label string, syms []string) {
	if len(syms) == 0 {
		return
	}
	const shown = 20
	list := syms
	suffix := ""
	if len(list) > shown {
		list = list[:shown]
		suffix = fmt.Sprintf(" ... (+%d)", len(syms)-shown)
	}
	fmt.Printf("%s (%d): %s%s\n", label, len(syms), strings.Join(list, ", "), suffix)
}

// handleValidate runs the data-quality checks against the store
func (cli *CLI) handleValidate(ctx context.Context, args []string) error {
	flags, err := parseValidateFlags(args)
	if err != nil {
		return err
	}
	if flags.Help {
		printCommandHelp("validate")
		return nil
	}

	opts := validation.Options{}
	if opts.Start, err = parseDateFlag("--start", flags.Start); err != nil {
		return err
	}
	if opts.End, err = parseDateFlag("--end", flags.End); err != nil {
		return err
	}
	if opts.CompletenessFrom, err = parseDateFlag("--completeness-from", flags.CompletenessFrom); err != nil {
		return err
	}
	if opts.CrossCheckDate, err = parseDateFlag("--date", flags.CrossCheckDate); err != nil {
		return err
	}
	if flags.MinSymbols >= 0 {
		opts.MinSymbolCount = flags.MinSymbols
	}

	checks := flags.Checks
	if len(checks) == 0 {
		checks = []string{"continuity", "completeness"}
		if cli.config.Validation.CrossCheck {
			checks = append(checks, "crosscheck")
		}
	}
	for _, c := range checks {
		switch c {
		case "continuity":
			opts.Continuity = true
		case "completeness":
			opts.Completeness = true
		case "crosscheck":
			opts.CrossCheck = true
		case "all":
			opts.Continuity, opts.Completeness, opts.CrossCheck = true, true, true
		}
	}

	store, err := cli.openStore(ctx)
	if err != nil {
		return err
	}

	vcfg := cli.config.Validation
	if flags.Strict {
		vcfg.Policy = config.PolicyStrict
	}
	runner := validation.NewRunner(cli.newValidator(store), vcfg, cli.logs.GetComponentLogger("validation").Logger)

	report, err := runner.Run(ctx, opts)
	if report != nil {
		if flags.Format == "json" {
			if jerr := outputJSON(report); jerr != nil {
				return jerr
			}
		} else {
			printReport(report)
		}
	}
	return err
}

func printReport(r *validation.Report) {
	fmt.Printf("Validation %s..%s: %s\n", fmtDate(r.Start), fmtDate(r.End), r.Summary())
	if len(r.MissingDates) > 0 {
		dates := make([]string, 0, len(r.MissingDates))
		for _, d := range r.MissingDates {
			dates = append(dates, fmtDate(d))
		}
		fmt.Printf("\nMissing dates (%d):\n  %s\n", len(dates), strings.Join(dates, "\n  "))
	}
	if len(r.IncompleteDays) > 0 {
		fmt.Printf("\nIncomplete dates (%d):\n", len(r.IncompleteDays))
		rows := make([][]string, 0, len(r.IncompleteDays))
		for _, dc := range r.IncompleteDays {
			rows = append(rows, []string{fmtDate(dc.Date), fmtInt(dc.SymbolCount)})
		}
		outputTable([]string{"DATE", "AVAILABLE"}, rows)
	}
	if cc := r.CrossCheck; cc != nil {
		fmt.Printf("\nCross-check %s: db=%d api=%d match=%d (%.2f%%), SLO met: %t\n",
			fmtDate(cc.Date), cc.DBSymbolCount, cc.APISymbolCount, cc.MatchCount, cc.MatchPercentage, cc.SLOMet)
		printSymbolChanges("Only in DB", cc.OnlyInDB)
		printSymbolChanges("Only in exchangeInfo", cc.OnlyInAPI)
	}
}

// handleEnrich downloads 1d klines for available rows lacking volume
func (cli *CLI) handleEnrich(ctx context.Context, args []string) error {
	flags, err := parseEnrichFlags(args)
	if err != nil {
		return err
	}
	if flags.Help {
		printCommandHelp("enrich")
		return nil
	}

	filter := storage.VolumeFilter{Symbols: flags.Symbols, Limit: flags.Limit}
	if filter.Start, err = parseDateFlag("--start", flags.Start); err != nil {
		return err
	}
	if filter.End, err = parseDateFlag("--end", flags.End); err != nil {
		return err
	}

	store, err := cli.openStore(ctx)
	if err != nil {
		return err
	}

	workers := flags.Workers
	if workers < 1 {
		workers = cli.config.Enrich.Workers
	}
	downloader := enrich.NewDownloader(cli.httpClient(), cli.config.Prober.BaseURL, cli.retrier)
	enricher := enrich.NewEnricher(store, downloader, workers, cli.logs.GetComponentLogger("enrich").Logger)

	summary, err := enricher.Run(ctx, enrich.Options{Filter: filter, DryRun: flags.DryRun})
	if err != nil {
		return err
	}

	if flags.DryRun {
		fmt.Printf("%d rows need volume metrics\n", len(summary.Pending))
		rows := make([][]string, 0, len(summary.Pending))
		for _, ref := range summary.Pending {
			rows = append(rows, []string{fmtDate(ref.Date), ref.Symbol})
		}
		outputTable([]string{"DATE", "SYMBOL"}, rows)
		return nil
	}

	fmt.Printf("Enriched %d of %d rows (%d archives missing, %d failed) in %s\n",
		summary.Updated, summary.Total, summary.Missing, summary.Failed, summary.Duration.Round(time.Millisecond))
	for _, f := range summary.Failures {
		fmt.Printf("  %s %s: %s\n", fmtDate(f.Date), f.Symbol, f.Error)
	}
	if summary.Failed > 0 {
		return fmt.Errorf("%d rows could not be enriched", summary.Failed)
	}
	return nil
}

// handleGaps finds never-probed symbols and per-symbol date holes, optionally filling them
func (cli *CLI) handleGaps(ctx context.Context, args []string) error {
	flags, err := parseGapsFlags(args)
	if err != nil {
		return err
	}
	if flags.Help {
		printCommandHelp("gaps")
		return nil
	}

	start, err := parseDateFlag("--start", flags.Start)
	if err != nil {
		return err
	}
	end, err := parseDateFlag("--end", flags.End)
	if err != nil {
		return err
	}

	store, err := cli.openStore(ctx)
	if err != nil {
		return err
	}
	detector := gaps.NewDetector(store, cli.symbolProvider(), cli.config.Prober.SymbolKind,
		cli.logs.GetComponentLogger("gaps").Logger)

	report, err := detector.Detect(ctx, start, end)
	if err != nil {
		return fmt.Errorf("gap detection failed: %w", err)
	}

	if flags.Format == "json" && !flags.Fill {
		return outputJSON(report)
	}
	printGapReport(report)

	if report.Empty() {
		return nil
	}
	if !flags.Fill {
		fmt.Printf("\nTo backfill these gaps, run: %s gaps --fill\n", AppName)
		return nil
	}

	orch, err := cli.newOrchestrator(ctx)
	if err != nil {
		return err
	}
	result, err := detector.Fill(ctx, orch, report, start, end)
	if result != nil {
		fmt.Printf("\nRan %d targeted backfills, stored %d records\n", result.Backfills, result.Records)
		if len(result.Failed) > 0 {
			fmt.Printf("Failed: %s\n", strings.Join(result.Failed, ", "))
		}
	}
	return err
}

func printGapReport(r *gaps.Report) {
	if r.Empty() {
		fmt.Println("No gaps found")
		return
	}
	if len(r.NewSymbols) > 0 {
		printSymbolChanges("Symbols never probed", r.NewSymbols)
	}
	if len(r.DateGaps) > 0 {
		fmt.Printf("\nFound %d date gaps:\n", len(r.DateGaps))
		rows := make([][]string, 0, len(r.DateGaps))
		for _, g := range r.DateGaps {
			rows = append(rows, []string{g.Symbol, fmtDate(g.Start), fmtDate(g.End), fmtInt(g.Days)})
		}
		outputTable([]string{"SYMBOL", "FROM", "TO", "DAYS"}, rows)
	}
}

// handleStats prints store counters, schema version and backfill progress
func (cli *CLI) handleStats(ctx context.Context, args []string) error {
	flags, err := parseStatsFlags(args)
	if err != nil {
		return err
	}
	if flags.Help {
		printCommandHelp("stats")
		return nil
	}

	store, err := cli.openStore(ctx)
	if err != nil {
		return err
	}
	stats, err := store.GetStats(ctx)
	if err != nil {
		return err
	}
	migrations, err := store.MigrationStatus(ctx)
	if err != nil {
		return err
	}
	cp, hasCheckpoint, err := checkpoint.New(cli.config.Backfill.CheckpointPath).Load()
	if err != nil {
		cli.logger.Warn("checkpoint unreadable", "path", cli.config.Backfill.CheckpointPath, "error", err)
	}

	if flags.Format == "json" {
		out := struct {
			Storage    *storage.StorageStats    `json:"storage"`
			Schema     *storage.MigrationStatus `json:"schema"`
			Checkpoint *string                  `json:"checkpoint"`
		}{Storage: stats, Schema: migrations}
		if hasCheckpoint {
			s := models.FormatDate(cp)
			out.Checkpoint = &s
		}
		return outputJSON(out)
	}

	checkpointText := "none"
	if hasCheckpoint {
		checkpointText = models.FormatDate(cp) + " (backfill incomplete, resume with --resume)"
	}
	rows := [][]string{
		{"Database", cli.config.Storage.DBPath},
		{"Schema version", fmt.Sprintf("%d of %d", migrations.CurrentVersion, migrations.LatestVersion)},
		{"Records", fmtInt(stats.TotalRecords)},
		{"Available", fmtInt(stats.AvailableRecords)},
		{"With volume", fmtInt(stats.RecordsWithVolume)},
		{"Symbols", fmtInt(stats.TotalSymbols)},
		{"Dates", fmtInt(stats.TotalDates)},
		{"Range", fmtDate(stats.EarliestDate) + ".." + fmtDate(stats.LatestDate)},
		{"Checkpoint", checkpointText},
	}
	outputTable([]string{"METRIC", "VALUE"}, rows)
	return nil
}

func printRunSummary(s *orchestrator.RunSummary) {
	rows := [][]string{
		{"Run", s.RunID},
		{"Kind", s.Kind},
		{"Range", fmtDate(s.Start) + ".." + fmtDate(s.End)},
		{"Symbols", fmtInt(s.Symbols)},
		{"Dates stored", fmtInt(s.Dates)},
		{"Records", fmtInt(s.Records)},
		{"Available", fmtInt(s.Available)},
		{"Duration", s.Duration.Round(time.Millisecond).String()},
	}
	if s.Resumed {
		rows = append(rows, []string{"Resumed", strconv.FormatBool(s.Resumed)})
	}
	if s.Validation != nil {
		rows = append(rows, []string{"Validation", s.Validation.Summary()})
	}
	outputTable([]string{"FIELD", "VALUE"}, rows)
}
