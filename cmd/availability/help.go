package main

import "fmt"

// printUsage prints the main usage information
func printUsage() {
	fmt.Printf(`%s - Binance USDT-M futures data-availability tracker

USAGE:
    %s <command> [options]

COMMANDS:
    backfill    Probe every date from 2019-09-25 (or --start) to yesterday
    update      Re-probe the lookback window ending yesterday
    schedule    Run the daily update as a supervised daemon
    discover    Refresh symbols.json from the archive bucket listing
    validate    Check continuity, completeness and the exchangeInfo cross-check
    query       Look up availability and volume history
    enrich      Fill volume metrics from 1d kline archives
    gaps        Find never-probed symbols and missing dates, optionally fill them
    stats       Show store counters and backfill progress
    version     Show version information
    help        Show help for a command

CONFIGURATION:
    Settings load from defaults, then availability.yaml (or CONFIG_PATH),
    then environment variables such as DB_PATH, LOOKBACK_DAYS, PROBE_WORKERS,
    VALIDATION_POLICY and LOG_LEVEL. A .env file in the working directory
    is read first.

EXIT CODES:
    0 success, 1 usage, 2 configuration, 3 connection, 4 data, 130 interrupted

For detailed help on any command, use: %s help <command>
`, AppName, AppName, AppName)
}

// printCommandHelp prints detailed help for a specific command
func printCommandHelp(command string) {
	switch command {
	case "backfill":
		fmt.Printf(`%s backfill - Probe historical dates and store availability

USAGE:
    %s backfill [options]

OPTIONS:
    --start, -s <date>      First date (default: backfill.start_date, 2019-09-25)
    --end, -e <date>        Last date (default: yesterday UTC)
    --resume, -r            Continue from the day after the saved checkpoint
    --symbols <list>        Comma-separated symbols; runs a targeted backfill
                            that leaves the checkpoint alone
    --workers, -w <n>       Concurrent probes (default: prober.workers)
    --help, -h              Show this help message

EXAMPLES:
    # Full history, resumable
    %s backfill

    # Continue after an interruption
    %s backfill --resume

    # Re-probe two symbols for one month
    %s backfill --symbols BTCUSDT,ETHUSDT --start 2024-01-01 --end 2024-01-31

NOTES:
    - Dates run oldest first; each date is stored before the checkpoint moves
    - Any failed probe stops the run at that date
`, AppName, AppName, AppName, AppName, AppName)
	case "update":
		fmt.Printf(`%s update - Re-probe the most recent dates

USAGE:
    %s update [options]

OPTIONS:
    --date, -d <date>       Last date of the window (default: yesterday UTC)
    --lookback, -l <days>   Window length (default: update.lookback_days)
    --workers, -w <n>       Concurrent probes (default: update.workers)
    --symbols <list>        Comma-separated symbols (default: symbols.json)
    --help, -h              Show this help message

EXAMPLES:
    %s update
    %s update --lookback 7

NOTES:
    - Validation runs afterwards; validation.policy=strict turns a failed
      check into a non-zero exit
`, AppName, AppName, AppName, AppName)
	case "schedule":
		fmt.Printf(`%s schedule - Run the daily update on a fixed UTC time

USAGE:
    %s schedule [options]

OPTIONS:
    --at <HH:MM>            UTC run time (default: scheduler.time, 02:00)
    --status                Print recent runs from the run ledger and exit
    --limit, -n <n>         Rows shown by --status (default: 20)
    --help, -h              Show this help message

NOTES:
    - Runs never overlap; a slot that already succeeded is not repeated
    - With scheduler.run_missed the last missed slot runs on start
    - METRICS_ADDR exposes /metrics and /health while the daemon runs
    - Press Ctrl+C to stop gracefully
`, AppName, AppName)
	case "discover":
		fmt.Printf(`%s discover - Refresh the symbol list

USAGE:
    %s discover [options]

OPTIONS:
    --dry-run               Show what changed without writing symbols.json
    --help, -h              Show this help message

NOTES:
    - Symbols missing from the listing are kept; their history still matters
`, AppName, AppName)
	case "validate":
		fmt.Printf(`%s validate - Check the stored history

USAGE:
    %s validate [options]

OPTIONS:
    --checks, -c <list>         continuity, completeness, crosscheck or all
                                (default: continuity,completeness)
    --start, -s <date>          Continuity start (default: 2019-09-25)
    --end, -e <date>            Last date checked (default: yesterday UTC)
    --completeness-from <date>  Completeness start (default: 90 days ago)
    --min-symbols <n>           Completeness threshold (default: 700)
    --date, -d <date>           Cross-check date (default: yesterday UTC)
    --strict                    Exit non-zero when a check fails
    --format, -f <format>       table or json (default: table)
    --help, -h                  Show this help message
`, AppName, AppName)
	case "query":
		fmt.Printf(`%s query - Look up stored availability and volume

USAGE:
    %s query <view> [options]

VIEWS:
    available     Symbols available on --date
    range         Symbols available at any point in --start..--end
    timeline      Every stored row of --symbol
    first, last   First listing or last available date of --symbol
    summary       Available count of every stored date
    counts        Available count per date in range
    listings      Symbols first available on --date
    delistings    Symbols whose last available day was before --date
    aggregates    Daily totals from the aggregate table
    top           Top --limit symbols by quote volume on --date
    percentile    Volume percentile of --symbol on --date
    average       Average volume of --symbol over range
    trend         Daily volume of --symbol over the last --days
    market        Market-wide volume summary on --date

OPTIONS:
    --symbol, -S <symbol>   Symbol for per-symbol views
    --date, -d <date>       Date (default: yesterday UTC)
    --start, -s <date>      Range start (default: --days before --end)
    --end, -e <date>        Range end (default: yesterday UTC)
    --days <n>              Range length or trend window (default: 30)
    --limit, -l <n>         Rows for top (default: 20)
    --min-volume <usdt>     Minimum volume for top
    --format, -f <format>   table or json (default: table)
    --help, -h              Show this help message

EXAMPLES:
    %s query available --date 2024-01-15
    %s query timeline --symbol BTCUSDT --format json
    %s query top --date 2024-01-15 --limit 10
`, AppName, AppName, AppName, AppName, AppName)
	case "enrich":
		fmt.Printf(`%s enrich - Add volume metrics to available rows

USAGE:
    %s enrich [options]

OPTIONS:
    --start, -s <date>      Only rows on or after date
    --end, -e <date>        Only rows on or before date
    --symbols <list>        Only these symbols
    --limit, -l <n>         At most n rows
    --workers, -w <n>       Concurrent downloads (default: enrich.workers)
    --dry-run               List pending rows without downloading
    --help, -h              Show this help message
`, AppName, AppName)
	case "gaps":
		fmt.Printf(`%s gaps - Find and fill holes in the stored history

USAGE:
    %s gaps [options]

OPTIONS:
    --start, -s <date>      First date checked (default: 2019-09-25)
    --end, -e <date>        Last date checked (default: yesterday UTC)
    --fill, -b              Backfill what was found with targeted runs
    --format, -f <format>   table or json (default: table)
    --help, -h              Show this help message

NOTES:
    - New symbols are listed in symbols.json but have no stored row
    - Date gaps are missing days between a symbol's first and last row
    - Fills never touch the full-history checkpoint
`, AppName, AppName)
	case "stats":
		fmt.Printf(`%s stats - Show store statistics

USAGE:
    %s stats [--format table|json]
`, AppName, AppName)
	default:
		fmt.Printf("Unknown command: %s\n\n", command)
		printUsage()
	}
}
