package main

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/johnayoung/go-futures-availability/internal/models"
)

// usageError marks bad command-line input; main exits with ExitUsageError.
type usageError struct{ msg string }

func (e *usageError) Error() string { return e.msg }

func usagef(format string, args ...any) error {
	return &usageError{msg: fmt.Sprintf(format, args...)}
}

// BackfillFlags represents flags for the backfill command
type BackfillFlags struct {
	Start   string
	End     string
	Resume  bool
	Symbols []string
	Workers int
	Help    bool
}

// UpdateFlags represents flags for the update command
type UpdateFlags struct {
	Date     string
	Lookback int
	Workers  int
	Symbols  []string
	Help     bool
}

// ScheduleFlags represents flags for the schedule command
type ScheduleFlags struct {
	At     string
	Status bool
	Limit  int
	Help   bool
}

// DiscoverFlags represents flags for the discover command
type DiscoverFlags struct {
	DryRun bool
	Help   bool
}

// ValidateFlags represents flags for the validate command
type ValidateFlags struct {
	Start            string
	End              string
	CompletenessFrom string
	CrossCheckDate   string
	MinSymbols       int
	Checks           []string
	Strict           bool
	Format           string
	Help             bool
}

// QueryFlags represents flags for the query command
type QueryFlags struct {
	View      string
	Symbol    string
	Date      string
	Start     string
	End       string
	Days      int
	Limit     int
	MinVolume float64
	Format    string
	Help      bool
}

// EnrichFlags represents flags for the enrich command
type EnrichFlags struct {
	Start   string
	End     string
	Symbols []string
	Limit   int
	Workers int
	DryRun  bool
	Help    bool
}

// GapsFlags represents flags for the gaps command
type GapsFlags struct {
	Start  string
	End    string
	Fill   bool
	Format string
	Help   bool
}

// StatsFlags represents flags for the stats command
type StatsFlags struct {
	Format string
	Help   bool
}

// value returns the argument following args[*i] and advances i past it.
func value(args []string, i *int) (string, error) {
	if *i+1 >= len(args) {
		return "", usagef("%s requires a value", args[*i])
	}
	*i++
	return args[*i], nil
}

func intValue(args []string, i *int) (int, error) {
	name := args[*i]
	raw, err := value(args, i)
	if err != nil {
		return 0, err
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, usagef("invalid %s value %q", name, raw)
	}
	return n, nil
}

func listValue(args []string, i *int) ([]string, error) {
	raw, err := value(args, i)
	if err != nil {
		return nil, err
	}
	var out []string
	for _, s := range strings.Split(raw, ",") {
		if s = strings.ToUpper(strings.TrimSpace(s)); s != "" {
			out = append(out, s)
		}
	}
	return out, nil
}

func formatValue(args []string, i *int) (string, error) {
	raw, err := value(args, i)
	if err != nil {
		return "", err
	}
	if raw != "table" && raw != "json" {
		return "", usagef("invalid format %q, use table or json", raw)
	}
	return raw, nil
}

// parseDateFlag parses an optional YYYY-MM-DD flag value; "" yields the zero time.
func parseDateFlag(name, raw string) (time.Time, error) {
	if raw == "" {
		return time.Time{}, nil
	}
	d, err := models.ParseDate(raw)
	if err != nil {
		return time.Time{}, usagef("invalid %s date %q, use YYYY-MM-DD", name, raw)
	}
	return d, nil
}

// parseBackfillFlags parses command line arguments for the backfill command
func parseBackfillFlags(args []string) (*BackfillFlags, error) {
	flags := &BackfillFlags{}

	var err error
	for i := 0; i < len(args) && err == nil; i++ {
		switch args[i] {
		case "--start", "-s":
			flags.Start, err = value(args, &i)
		case "--end", "-e":
			flags.End, err = value(args, &i)
		case "--resume", "-r":
			flags.Resume = true
		case "--symbols":
			flags.Symbols, err = listValue(args, &i)
		case "--workers", "-w":
			flags.Workers, err = intValue(args, &i)
		case "--help", "-h":
			flags.Help = true
		default:
			return nil, usagef("unknown flag: %s", args[i])
		}
	}
	if err != nil {
		return nil, err
	}
	if flags.Resume && flags.Start != "" {
		return nil, usagef("--resume and --start are mutually exclusive")
	}
	return flags, nil
}

// parseUpdateFlags parses command line arguments for the update command
func parseUpdateFlags(args []string) (*UpdateFlags, error) {
	flags := &UpdateFlags{}

	var err error
	for i := 0; i < len(args) && err == nil; i++ {
		switch args[i] {
		case "--date", "-d":
			flags.Date, err = value(args, &i)
		case "--lookback", "-l":
			flags.Lookback, err = intValue(args, &i)
		case "--workers", "-w":
			flags.Workers, err = intValue(args, &i)
		case "--symbols":
			flags.Symbols, err = listValue(args, &i)
		case "--help", "-h":
			flags.Help = true
		default:
			return nil, usagef("unknown flag: %s", args[i])
		}
	}
	if err != nil {
		return nil, err
	}
	if flags.Lookback < 0 {
		return nil, usagef("--lookback must be positive")
	}
	return flags, nil
}

// parseScheduleFlags parses command line arguments for the schedule command
func parseScheduleFlags(args []string) (*ScheduleFlags, error) {
	flags := &ScheduleFlags{Limit: 20}

	var err error
	for i := 0; i < len(args) && err == nil; i++ {
		switch args[i] {
		case "--at":
			flags.At, err = value(args, &i)
		case "--status":
			flags.Status = true
		case "--limit", "-n":
			flags.Limit, err = intValue(args, &i)
		case "--help", "-h":
			flags.Help = true
		default:
			return nil, usagef("unknown flag: %s", args[i])
		}
	}
	if err != nil {
		return nil, err
	}
	return flags, nil
}

// parseDiscoverFlags parses command line arguments for the discover command
func parseDiscoverFlags(args []string) (*DiscoverFlags, error) {
	flags := &DiscoverFlags{}
	for _, arg := range args {
		switch arg {
		case "--dry-run":
			flags.DryRun = true
		case "--help", "-h":
			flags.Help = true
		default:
			return nil, usagef("unknown flag: %s", arg)
		}
	}
	return flags, nil
}

// parseValidateFlags parses command line arguments for the validate command
func parseValidateFlags(args []string) (*ValidateFlags, error) {
	flags := &ValidateFlags{Format: "table", MinSymbols: -1}

	var err error
	for i := 0; i < len(args) && err == nil; i++ {
		switch args[i] {
		case "--start", "-s":
			flags.Start, err = value(args, &i)
		case "--end", "-e":
			flags.End, err = value(args, &i)
		case "--completeness-from":
			flags.CompletenessFrom, err = value(args, &i)
		case "--date", "-d":
			flags.CrossCheckDate, err = value(args, &i)
		case "--min-symbols":
			flags.MinSymbols, err = intValue(args, &i)
		case "--checks", "-c":
			var raw string
			raw, err = value(args, &i)
			for _, c := range strings.Split(raw, ",") {
				if c = strings.ToLower(strings.TrimSpace(c)); c != "" {
					flags.Checks = append(flags.Checks, c)
				}
			}
		case "--strict":
			flags.Strict = true
		case "--format", "-f":
			flags.Format, err = formatValue(args, &i)
		case "--help", "-h":
			flags.Help = true
		default:
			return nil, usagef("unknown flag: %s", args[i])
		}
	}
	if err != nil {
		return nil, err
	}
	for _, c := range flags.Checks {
		switch c {
		case "continuity", "completeness", "crosscheck", "all":
		default:
			return nil, usagef("unknown check %q, use continuity, completeness, crosscheck or all", c)
		}
	}
	return flags, nil
}

// queryViews lists the views accepted by the query command.
var queryViews = []string{
	"available", "range", "timeline", "first", "last",
	"summary", "counts", "listings", "delistings", "aggregates",
	"top", "percentile", "average", "trend", "market",
}

// parseQueryFlags parses command line arguments for the query command.
// The first non-flag argument names the view.
func parseQueryFlags(args []string) (*QueryFlags, error) {
	flags := &QueryFlags{Format: "table", Limit: 20, Days: 30}

	var err error
	for i := 0; i < len(args) && err == nil; i++ {
		switch args[i] {
		case "--symbol", "-S":
			flags.Symbol, err = value(args, &i)
			flags.Symbol = strings.ToUpper(flags.Symbol)
		case "--date", "-d":
			flags.Date, err = value(args, &i)
		case "--start", "-s":
			flags.Start, err = value(args, &i)
		case "--end", "-e":
			flags.End, err = value(args, &i)
		case "--days":
			flags.Days, err = intValue(args, &i)
		case "--limit", "-l":
			flags.Limit, err = intValue(args, &i)
		case "--min-volume":
			var raw string
			if raw, err = value(args, &i); err == nil {
				if flags.MinVolume, err = strconv.ParseFloat(raw, 64); err != nil {
					err = usagef("invalid --min-volume value %q", raw)
				}
			}
		case "--format", "-f":
			flags.Format, err = formatValue(args, &i)
		case "--help", "-h":
			flags.Help = true
		default:
			if strings.HasPrefix(args[i], "-") || flags.View != "" {
				return nil, usagef("unknown flag: %s", args[i])
			}
			flags.View = args[i]
		}
	}
	if err != nil {
		return nil, err
	}
	if flags.Help {
		return flags, nil
	}
	if flags.View == "" {
		return nil, usagef("query needs a view: %s", strings.Join(queryViews, ", "))
	}
	known := false
	for _, v := range queryViews {
		known = known || v == flags.View
	}
	if !known {
		return nil, usagef("unknown query view %q", flags.View)
	}
	return flags, nil
}

// parseEnrichFlags parses command line arguments for the enrich command
func parseEnrichFlags(args []string) (*EnrichFlags, error) {
	flags := &EnrichFlags{}

	var err error
	for i := 0; i < len(args) && err == nil; i++ {
		switch args[i] {
		case "--start", "-s":
			flags.Start, err = value(args, &i)
		case "--end", "-e":
			flags.End, err = value(args, &i)
		case "--symbols":
			flags.Symbols, err = listValue(args, &i)
		case "--limit", "-l":
			flags.Limit, err = intValue(args, &i)
		case "--workers", "-w":
			flags.Workers, err = intValue(args, &i)
		case "--dry-run":
			flags.DryRun = true
		case "--help", "-h":
			flags.Help = true
		default:
			return nil, usagef("unknown flag: %s", args[i])
		}
	}
	if err != nil {
		return nil, err
	}
	return flags, nil
}

// parseGapsFlags parses command line arguments for the gaps command
func parseGapsFlags(args []string) (*GapsFlags, error) {
	flags := &GapsFlags{Format: "table"}

	var err error
	for i := 0; i < len(args) && err == nil; i++ {
		switch args[i] {
		case "--start", "-s":
			flags.Start, err = value(args, &i)
		case "--end", "-e":
			flags.End, err = value(args, &i)
		case "--fill", "-b":
			flags.Fill = true
		case "--format", "-f":
			flags.Format, err = formatValue(args, &i)
		case "--help", "-h":
			flags.Help = true
		default:
			return nil, usagef("unknown flag: %s", args[i])
		}
	}
	if err != nil {
		return nil, err
	}
	return flags, nil
}

// parseStatsFlags parses command line arguments for the stats command
func parseStatsFlags(args []string) (*StatsFlags, error) {
	flags := &StatsFlags{Format: "table"}

	var err error
	for i := 0; i < len(args) && err == nil; i++ {
		switch args[i] {
		case "--format", "-f":
			flags.Format, err = formatValue(args, &i)
		case "--help", "-h":
			flags.Help = true
		default:
			return nil, usagef("unknown flag: %s", args[i])
		}
	}
	if err != nil {
		return nil, err
	}
	return flags, nil
}
