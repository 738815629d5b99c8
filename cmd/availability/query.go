package main

import (
	"context"
	"strconv"
	"time"

	"github.com/johnayoung/go-futures-availability/internal/models"
	"github.com/johnayoung/go-futures-availability/internal/queries"
)

// queryResult is what one view produced: the raw value for JSON plus a table rendering.
type queryResult struct {
	data    any
	headers []string
	rows    [][]string
}

// queryRange resolves --start/--end, defaulting to the --days window ending yesterday.
func queryRange(flags *QueryFlags) (time.Time, time.Time, error) {
	start, err := parseDateFlag("--start", flags.Start)
	if err != nil {
		return time.Time{}, time.Time{}, err
	}
	end, err := parseDateFlag("--end", flags.End)
	if err != nil {
		return time.Time{}, time.Time{}, err
	}
	if end.IsZero() {
		end = models.Yesterday(time.Now())
	}
	if start.IsZero() {
		start = end.AddDate(0, 0, -(max(flags.Days, 1) - 1))
	}
	if start.After(end) {
		return time.Time{}, time.Time{}, usagef("start %s is after end %s", fmtDate(start), fmtDate(end))
	}
	return start, end, nil
}

func queryDate(flags *QueryFlags) (time.Time, error) {
	date, err := parseDateFlag("--date", flags.Date)
	if err != nil {
		return time.Time{}, err
	}
	if date.IsZero() {
		date = models.Yesterday(time.Now())
	}
	return date, nil
}

// handleQuery handles the 'query' command for availability and volume lookups
func (cli *CLI) handleQuery(ctx context.Context, args []string) error {
	flags, err := parseQueryFlags(args)
	if err != nil {
		return err
	}
	if flags.Help {
		printCommandHelp("query")
		return nil
	}

	switch flags.View {
	case "timeline", "first", "last", "percentile", "average", "trend":
		if flags.Symbol == "" {
			return usagef("query %s requires --symbol", flags.View)
		}
	}

	store, err := cli.openStore(ctx)
	if err != nil {
		return err
	}
	q := queries.New(store)

	cli.logger.Debug("running query", "view", flags.View, "symbol", flags.Symbol)

	res, err := runQuery(ctx, q, flags)
	if err != nil {
		return err
	}

	if flags.Format == "json" {
		return outputJSON(res.data)
	}
	outputTable(res.headers, res.rows)
	return nil
}

func runQuery(ctx context.Context, q *queries.Queries, flags *QueryFlags) (*queryResult, error) {
	switch flags.View {
	case "available":
		date, err := queryDate(flags)
		if err != nil {
			return nil, err
		}
		entries, err := q.AvailableOn(ctx, date)
		if err != nil {
			return nil, err
		}
		res := &queryResult{data: entries, headers: []string{"SYMBOL", "FILE_SIZE", "LAST_MODIFIED"}}
		for _, e := range entries {
			res.rows = append(res.rows, []string{e.Symbol, fmtSize(e.FileSizeBytes), fmtTime(e.LastModified)})
		}
		return res, nil

	case "range":
		start, end, err := queryRange(flags)
		if err != nil {
			return nil, err
		}
		syms, err := q.SymbolsInRange(ctx, start, end)
		if err != nil {
			return nil, err
		}
		return symbolList(syms), nil

	case "timeline":
		entries, err := q.Timeline(ctx, flags.Symbol)
		if err != nil {
			return nil, err
		}
		res := &queryResult{data: entries, headers: []string{"DATE", "AVAILABLE", "FILE_SIZE", "STATUS"}}
		for _, e := range entries {
			res.rows = append(res.rows, []string{fmtDate(e.Date), strconv.FormatBool(e.Available), fmtSize(e.FileSizeBytes), fmtInt(e.StatusCode)})
		}
		return res, nil

	case "first", "last":
		lookup := q.FirstListed
		if flags.View == "last" {
			lookup = q.LastAvailable
		}
		date, ok, err := lookup(ctx, flags.Symbol)
		if err != nil {
			return nil, err
		}
		out := struct {
			Symbol string     `json:"symbol"`
			Date   *time.Time `json:"date"`
		}{Symbol: flags.Symbol}
		if ok {
			out.Date = &date
		}
		return &queryResult{data: out, headers: []string{"SYMBOL", "DATE"}, rows: [][]string{{flags.Symbol, fmtDate(date)}}}, nil

	case "summary":
		counts, err := q.AvailabilitySummary(ctx)
		if err != nil {
			return nil, err
		}
		return dailyCounts(counts), nil

	case "counts":
		start, end, err := queryRange(flags)
		if err != nil {
			return nil, err
		}
		counts, err := q.CountsInRange(ctx, start, end)
		if err != nil {
			return nil, err
		}
		return dailyCounts(counts), nil

	case "listings", "delistings":
		date, err := queryDate(flags)
		if err != nil {
			return nil, err
		}
		lookup := q.NewListings
		if flags.View == "delistings" {
			lookup = q.Delistings
		}
		syms, err := lookup(ctx, date)
		if err != nil {
			return nil, err
		}
		return symbolList(syms), nil

	case "aggregates":
		start, end, err := queryRange(flags)
		if err != nil {
			return nil, err
		}
		aggs, err := q.DailyAggregates(ctx, start, end)
		if err != nil {
			return nil, err
		}
		res := &queryResult{data: aggs, headers: []string{"DATE", "TOTAL", "AVAILABLE", "UNAVAILABLE"}}
		for _, a := range aggs {
			res.rows = append(res.rows, []string{fmtDate(a.Date), fmtInt(a.TotalSymbols), fmtInt(a.AvailableSymbols), fmtInt(a.UnavailableSymbols)})
		}
		return res, nil

	case "top":
		date, err := queryDate(flags)
		if err != nil {
			return nil, err
		}
		ranks, err := q.TopByVolume(ctx, date, flags.Limit, flags.MinVolume)
		if err != nil {
			return nil, err
		}
		res := &queryResult{data: ranks, headers: []string{"RANK", "SYMBOL", "VOLUME_USDT", "TRADES", "SHARE_%"}}
		for _, r := range ranks {
			res.rows = append(res.rows, []string{fmtInt(r.Rank), r.Symbol, fmtVolume(r.QuoteVolumeUSDT), fmtInt(r.TradeCount), fmtFloat(r.MarketSharePct, 2)})
		}
		return res, nil

	case "percentile":
		date, err := queryDate(flags)
		if err != nil {
			return nil, err
		}
		p, ok, err := q.Percentile(ctx, flags.Symbol, date)
		if err != nil {
			return nil, err
		}
		res := &queryResult{data: p, headers: []string{"SYMBOL", "RANK", "OF", "PERCENTILE"}}
		if ok {
			res.rows = [][]string{{p.Symbol, fmtInt(p.Rank), fmtInt(p.TotalSymbols), fmtFloat(p.Percentile, 2)}}
		}
		return res, nil

	case "average":
		start, end, err := queryRange(flags)
		if err != nil {
			return nil, err
		}
		avg, ok, err := q.AverageVolume(ctx, flags.Symbol, start, end)
		if err != nil {
			return nil, err
		}
		res := &queryResult{data: avg, headers: []string{"SYMBOL", "AVG_VOLUME", "AVG_TRADES", "DAYS", "MIN", "MAX"}}
		if ok {
			res.rows = [][]string{{avg.Symbol, fmtVolume(avg.AvgVolumeUSDT), fmtFloat(avg.AvgTradeCount, 0),
				fmtInt(avg.DaysWithData), fmtVolume(avg.MinVolumeUSDT), fmtVolume(avg.MaxVolumeUSDT)}}
		}
		return res, nil

	case "trend":
		points, err := q.VolumeTrend(ctx, flags.Symbol, flags.Days)
		if err != nil {
			return nil, err
		}
		res := &queryResult{data: points, headers: []string{"DATE", "VOLUME_USDT", "TRADES"}}
		for _, p := range points {
			res.rows = append(res.rows, []string{fmtDate(p.Date), fmtVolume(p.QuoteVolumeUSDT), fmtInt(p.TradeCount)})
		}
		return res, nil

	case "market":
		date, err := queryDate(flags)
		if err != nil {
			return nil, err
		}
		m, ok, err := q.MarketSummaryOn(ctx, date)
		if err != nil {
			return nil, err
		}
		res := &queryResult{data: m, headers: []string{"DATE", "TOTAL_VOLUME", "TRADES", "SYMBOLS", "AVG_VOLUME"}}
		if ok {
			res.rows = [][]string{{fmtDate(m.Date), fmtVolume(m.TotalVolumeUSDT), fmtInt(m.TotalTradeCount), fmtInt(m.SymbolCount), fmtVolume(m.AvgVolumeUSDT)}}
		}
		return res, nil
	}
	return nil, usagef("unknown query view %q", flags.View)
}

func symbolList(syms []string) *queryResult {
	res := &queryResult{data: syms, headers: []string{"SYMBOL"}}
	for _, s := range syms {
		res.rows = append(res.rows, []string{s})
	}
	return res
}

func dailyCounts(counts []queries.DailyCount) *queryResult {
	res := &queryResult{data: counts, headers: []string{"DATE", "AVAILABLE"}}
	for _, c := range counts {
		res.rows = append(res.rows, []string{fmtDate(c.Date), fmtInt(c.AvailableCount)})
	}
	return res
}
