package queries

import (
	"context"
	"fmt"
	"time"

	"github.com/johnayoung/go-futures-availability/internal/models"
)

// VolumeRank is one row of a daily volume ranking.
type VolumeRank struct {
	Symbol          string  `json:"symbol"`
	QuoteVolumeUSDT float64 `json:"quote_volume_usdt"`
	TradeCount      int64   `json:"trade_count"`
	Rank            int64   `json:"volume_rank"`
	MarketSharePct  float64 `json:"market_share_pct"`
}

// TopByVolume ranks enriched symbols on date by quote volume. minVolume, when
// positive, drops smaller symbols before ranking and before computing market share.
func (q *Queries) TopByVolume(ctx context.Context, date time.Time, limit int, minVolume float64) ([]VolumeRank, error) {
	if limit <= 0 {
		limit = 10
	}
	rows, err := q.query(ctx, "top by volume", `
		WITH ranked AS (
			SELECT
				symbol,
				quote_volume_usdt,
				trade_count,
				RANK() OVER (ORDER BY quote_volume_usdt DESC) AS volume_rank,
				SUM(quote_volume_usdt) OVER () AS total_market_volume
			FROM daily_availability
			WHERE date = CAST($1 AS DATE)
			  AND available = TRUE
			  AND quote_volume_usdt IS NOT NULL
			  AND quote_volume_usdt >= $2
		)
		SELECT
			symbol,
			quote_volume_usdt,
			trade_count,
			volume_rank,
			CASE WHEN total_market_volume > 0
			     THEN ROUND(100.0 * quote_volume_usdt / total_market_volume, 2)
			     ELSE 0 END AS market_share_pct
		FROM ranked
		ORDER BY quote_volume_usdt DESC, symbol
		LIMIT $3`, models.DateOf(date), minVolume, limit)
	if err != nil {
		return nil, err
	}

	out := make([]VolumeRank, 0, len(rows))
	for _, row := range rows {
		s := scanner{row: row}
		r := VolumeRank{
			Symbol:          s.str(0),
			QuoteVolumeUSDT: s.float(1),
			TradeCount:      s.int64(2),
			Rank:            s.int64(3),
			MarketSharePct:  s.float(4),
		}
		if s.err != nil {
			return nil, fmt.Errorf("top by volume: %w", s.err)
		}
		out = append(out, r)
	}
	return out, nil
}

// VolumePercentile places one symbol within the enriched symbols of a date.
type VolumePercentile struct {
	Symbol       string  `json:"symbol"`
	Rank         int64   `json:"rank"`
	TotalSymbols int64   `json:"total_symbols"`
	Percentile   float64 `json:"percentile"`
}

// Percentile returns symbol's volume rank on date. ok is false without volume data.
func (q *Queries) Percentile(ctx context.Context, symbol string, date time.Time) (*VolumePercentile, bool, error) {
	rows, err := q.query(ctx, "volume percentile", `
		WITH ranked AS (
			SELECT
				symbol,
				RANK() OVER (ORDER BY quote_volume_usdt DESC) AS rank,
				COUNT(*) OVER () AS total_symbols
			FROM daily_availability
			WHERE date = CAST($1 AS DATE)
			  AND available = TRUE
			  AND quote_volume_usdt IS NOT NULL
		)
		SELECT rank, total_symbols,
		       ROUND(100.0 * (total_symbols - rank) / total_symbols, 2) AS percentile
		FROM ranked
		WHERE symbol = $2`, models.DateOf(date), symbol)
	if err != nil {
		return nil, false, err
	}
	if len(rows) == 0 {
		return nil, false, nil
	}

	s := scanner{row: rows[0]}
	p := &VolumePercentile{
		Symbol:       symbol,
		Rank:         s.int64(0),
		TotalSymbols: s.int64(1),
		Percentile:   s.float(2),
	}
	if s.err != nil {
		return nil, false, fmt.Errorf("volume percentile: %w", s.err)
	}
	return p, true, nil
}

// VolumeAverage summarizes a symbol's enriched days in a range.
type VolumeAverage struct {
	Symbol        string  `json:"symbol"`
	AvgVolumeUSDT float64 `json:"avg_volume_usdt"`
	AvgTradeCount float64 `json:"avg_trade_count"`
	DaysWithData  int64   `json:"days_with_data"`
	MinVolumeUSDT float64 `json:"min_volume_usdt"`
	MaxVolumeUSDT float64 `json:"max_volume_usdt"`
}

// AverageVolume averages symbol's volume over [start, end]. ok is false without volume data.
func (q *Queries) AverageVolume(ctx context.Context, symbol string, start, end time.Time) (*VolumeAverage, bool, error) {
	rows, err := q.query(ctx, "average volume", `
		SELECT
			AVG(quote_volume_usdt),
			AVG(trade_count),
			COUNT(*),
			MIN(quote_volume_usdt),
			MAX(quote_volume_usdt)
		FROM daily_availability
		WHERE symbol = $1
		  AND date BETWEEN CAST($2 AS DATE) AND CAST($3 AS DATE)
		  AND available = TRUE
		  AND quote_volume_usdt IS NOT NULL`, symbol, models.DateOf(start), models.DateOf(end))
	if err != nil {
		return nil, false, err
	}
	if len(rows) == 0 || rows[0][0] == nil {
		return nil, false, nil
	}

	s := scanner{row: rows[0]}
	avg := &VolumeAverage{
		Symbol:        symbol,
		AvgVolumeUSDT: s.float(0),
		AvgTradeCount: s.float(1),
		DaysWithData:  s.int64(2),
		MinVolumeUSDT: s.float(3),
		MaxVolumeUSDT: s.float(4),
	}
	if s.err != nil {
		return nil, false, fmt.Errorf("average volume: %w", s.err)
	}
	return avg, true, nil
}

// VolumePoint is one enriched day of a symbol.
type VolumePoint struct {
	Date            time.Time `json:"date"`
	QuoteVolumeUSDT float64   `json:"quote_volume_usdt"`
	TradeCount      int64     `json:"trade_count"`
}

// VolumeTrend returns up to days of symbol's most recent enriched days, newest first.
func (q *Queries) VolumeTrend(ctx context.Context, symbol string, days int) ([]VolumePoint, error) {
	if days <= 0 {
		days = 30
	}
	rows, err := q.query(ctx, "volume trend", `
		SELECT date, quote_volume_usdt, trade_count
		FROM daily_availability
		WHERE symbol = $1
		  AND available = TRUE
		  AND quote_volume_usdt IS NOT NULL
		ORDER BY date DESC
		LIMIT $2`, symbol, days)
	if err != nil {
		return nil, err
	}

	out := make([]VolumePoint, 0, len(rows))
	for _, row := range rows {
		s := scanner{row: row}
		p := VolumePoint{Date: s.date(0), QuoteVolumeUSDT: s.float(1), TradeCount: s.int64(2)}
		if s.err != nil {
			return nil, fmt.Errorf("volume trend: %w", s.err)
		}
		out = append(out, p)
	}
	return out, nil
}

// MarketSummary totals the enriched symbols of one date.
type MarketSummary struct {
	Date            time.Time `json:"date"`
	TotalVolumeUSDT float64   `json:"total_volume_usdt"`
	TotalTradeCount int64     `json:"total_trade_count"`
	SymbolCount     int64     `json:"symbol_count"`
	AvgVolumeUSDT   float64   `json:"avg_volume_usdt"`
}

// MarketSummaryOn totals volume on date. ok is false without volume data.
func (q *Queries) MarketSummaryOn(ctx context.Context, date time.Time) (*MarketSummary, bool, error) {
	day := models.DateOf(date)
	rows, err := q.query(ctx, "market summary", `
		SELECT
			SUM(quote_volume_usdt),
			SUM(trade_count),
			COUNT(*),
			AVG(quote_volume_usdt)
		FROM daily_availability
		WHERE date = CAST($1 AS DATE)
		  AND available = TRUE
		  AND quote_volume_usdt IS NOT NULL`, day)
	if err != nil {
		return nil, false, err
	}
	if len(rows) == 0 || rows[0][0] == nil {
		return nil, false, nil
	}

	s := scanner{row: rows[0]}
	summary := &MarketSummary{
		Date:            day,
		TotalVolumeUSDT: s.float(0),
		TotalTradeCount: s.int64(1),
		SymbolCount:     s.int64(2),
		AvgVolumeUSDT:   s.float(3),
	}
	if s.err != nil {
		return nil, false, fmt.Errorf("market summary: %w", s.err)
	}
	return summary, true, nil
}
