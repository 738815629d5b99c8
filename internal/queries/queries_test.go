package queries

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/johnayoung/go-futures-availability/internal/models"
	"github.com/johnayoung/go-futures-availability/internal/storage/storagetest"
)

var (
	d1 = storagetest.Day(2024, 1, 14)
	d2 = storagetest.Day(2024, 1, 15)
	d3 = storagetest.Day(2024, 1, 16)
)

// Fixture:
//
//	         BTC  ETH  SOL  NEW
//	d1       yes  yes  yes  no
//	d2       yes  yes  no   yes
//	d3       yes  no   no   yes
func newFixture(t *testing.T) *Queries {
	t.Helper()
	store := storagetest.NewStore(t)
	storagetest.Seed(t, store,
		storagetest.Available("BTCUSDT", d1, 1000),
		storagetest.Available("ETHUSDT", d1, 900),
		storagetest.Available("SOLUSDT", d1, 800),
		storagetest.Missing("NEWUSDT", d1),
		storagetest.Available("BTCUSDT", d2, 1100),
		storagetest.Available("ETHUSDT", d2, 950),
		storagetest.Missing("SOLUSDT", d2),
		storagetest.Available("NEWUSDT", d2, 10),
		storagetest.Available("BTCUSDT", d3, 1200),
		storagetest.Missing("ETHUSDT", d3),
		storagetest.Missing("SOLUSDT", d3),
		storagetest.Available("NEWUSDT", d3, 20),
	)

	ctx := context.Background()
	volume := func(symbol string, date time.Time, quote float64, trades int64) {
		require.NoError(t, store.UpdateVolumeMetrics(ctx, symbol, date, models.VolumeMetrics{
			QuoteVolumeUSDT: quote,
			TradeCount:      trades,
			VolumeBase:      quote / 100,
			OpenPrice:       100, HighPrice: 110, LowPrice: 90, ClosePrice: 105,
		}))
	}
	volume("BTCUSDT", d2, 6000, 600)
	volume("ETHUSDT", d2, 3000, 300)
	volume("NEWUSDT", d2, 1000, 100)
	volume("BTCUSDT", d1, 4000, 400)
	volume("BTCUSDT", d3, 5000, 500)

	return New(store)
}

func TestSnapshots(t *testing.T) {
	q := newFixture(t)
	ctx := context.Background()

	t.Run("available on date", func(t *testing.T) {
		got, err := q.AvailableOn(ctx, d2.Add(15*time.Hour))
		require.NoError(t, err)
		require.Len(t, got, 3)
		assert.Equal(t, "BTCUSDT", got[0].Symbol)
		assert.Equal(t, "ETHUSDT", got[1].Symbol)
		assert.Equal(t, "NEWUSDT", got[2].Symbol)
		require.NotNil(t, got[0].FileSizeBytes)
		assert.Equal(t, int64(1100), *got[0].FileSizeBytes)
		assert.NotNil(t, got[0].LastModified)
	})

	t.Run("empty date", func(t *testing.T) {
		got, err := q.AvailableOn(ctx, d3.AddDate(0, 0, 10))
		require.NoError(t, err)
		assert.Empty(t, got)
	})

	t.Run("symbols in range", func(t *testing.T) {
		got, err := q.SymbolsInRange(ctx, d2, d3)
		require.NoError(t, err)
		assert.Equal(t, []string{"BTCUSDT", "ETHUSDT", "NEWUSDT"}, got)

		_, err = q.SymbolsInRange(ctx, d3, d1)
		assert.Error(t, err)
	})
}

func TestTimelines(t *testing.T) {
	q := newFixture(t)
	ctx := context.Background()

	timeline, err := q.Timeline(ctx, "ETHUSDT")
	require.NoError(t, err)
	require.Len(t, timeline, 3)
	assert.Equal(t, d1, timeline[0].Date)
	assert.True(t, timeline[0].Available)
	assert.Equal(t, 200, timeline[0].StatusCode)
	assert.False(t, timeline[2].Available)
	assert.Equal(t, 404, timeline[2].StatusCode)
	assert.Nil(t, timeline[2].FileSizeBytes)

	first, ok, err := q.FirstListed(ctx, "NEWUSDT")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, d2, first)

	last, ok, err := q.LastAvailable(ctx, "SOLUSDT")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, d1, last)

	_, ok, err = q.FirstListed(ctx, "NOPEUSDT")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestAnalytics(t *testing.T) {
	q := newFixture(t)
	ctx := context.Background()

	summary, err := q.AvailabilitySummary(ctx)
	require.NoError(t, err)
	assert.Equal(t, []DailyCount{
		{Date: d1, AvailableCount: 3},
		{Date: d2, AvailableCount: 3},
		{Date: d3, AvailableCount: 2},
	}, summary)

	counts, err := q.CountsInRange(ctx, d2, d3)
	require.NoError(t, err)
	assert.Len(t, counts, 2)

	listings, err := q.NewListings(ctx, d2)
	require.NoError(t, err)
	assert.Equal(t, []string{"NEWUSDT"}, listings)

	listings, err = q.NewListings(ctx, d3)
	require.NoError(t, err)
	assert.Empty(t, listings)

	delistings, err := q.Delistings(ctx, d2)
	require.NoError(t, err)
	assert.Equal(t, []string{"SOLUSDT"}, delistings)

	delistings, err = q.Delistings(ctx, d3)
	require.NoError(t, err)
	assert.Equal(t, []string{"ETHUSDT"}, delistings)

	aggs, err := q.DailyAggregates(ctx, d1, d3)
	require.NoError(t, err)
	require.Len(t, aggs, 3)
	for _, agg := range aggs {
		assert.Equal(t, 4, agg.TotalSymbols)
		assert.Equal(t, agg.TotalSymbols, agg.AvailableSymbols+agg.UnavailableSymbols)
		assert.False(t, agg.LastUpdated.IsZero())
	}
	assert.Equal(t, 2, aggs[2].AvailableSymbols)
}

func TestVolume(t *testing.T) {
	q := newFixture(t)
	ctx := context.Background()

	t.Run("top by volume", func(t *testing.T) {
		top, err := q.TopByVolume(ctx, d2, 2, 0)
		require.NoError(t, err)
		require.Len(t, top, 2)
		assert.Equal(t, VolumeRank{Symbol: "BTCUSDT", QuoteVolumeUSDT: 6000, TradeCount: 600, Rank: 1, MarketSharePct: 60}, top[0])
		assert.Equal(t, "ETHUSDT", top[1].Symbol)
		assert.Equal(t, int64(2), top[1].Rank)
		assert.Equal(t, 30.0, top[1].MarketSharePct)
	})

	t.Run("min volume filter", func(t *testing.T) {
		top, err := q.TopByVolume(ctx, d2, 10, 2000)
		require.NoError(t, err)
		require.Len(t, top, 2)
		assert.InDelta(t, 66.67, top[0].MarketSharePct, 0.001)
	})

	t.Run("percentile", func(t *testing.T) {
		p, ok, err := q.Percentile(ctx, "NEWUSDT", d2)
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, int64(3), p.Rank)
		assert.Equal(t, int64(3), p.TotalSymbols)
		assert.Equal(t, 0.0, p.Percentile)

		p, ok, err = q.Percentile(ctx, "BTCUSDT", d2)
		require.NoError(t, err)
		require.True(t, ok)
		assert.InDelta(t, 66.67, p.Percentile, 0.001)

		_, ok, err = q.Percentile(ctx, "SOLUSDT", d2)
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("average", func(t *testing.T) {
		avg, ok, err := q.AverageVolume(ctx, "BTCUSDT", d1, d3)
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, 5000.0, avg.AvgVolumeUSDT)
		assert.Equal(t, 500.0, avg.AvgTradeCount)
		assert.Equal(t, int64(3), avg.DaysWithData)
		assert.Equal(t, 4000.0, avg.MinVolumeUSDT)
		assert.Equal(t, 6000.0, avg.MaxVolumeUSDT)

		_, ok, err = q.AverageVolume(ctx, "SOLUSDT", d1, d3)
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("trend", func(t *testing.T) {
		trend, err := q.VolumeTrend(ctx, "BTCUSDT", 2)
		require.NoError(t, err)
		require.Len(t, trend, 2)
		assert.Equal(t, d3, trend[0].Date)
		assert.Equal(t, d2, trend[1].Date)
		assert.Equal(t, int64(600), trend[1].TradeCount)
	})

	t.Run("market summary", func(t *testing.T) {
		summary, ok, err := q.MarketSummaryOn(ctx, d2)
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, 10000.0, summary.TotalVolumeUSDT)
		assert.Equal(t, int64(1000), summary.TotalTradeCount)
		assert.Equal(t, int64(3), summary.SymbolCount)
		assert.InDelta(t, 3333.33, summary.AvgVolumeUSDT, 0.01)

		_, ok, err = q.MarketSummaryOn(ctx, d3.AddDate(0, 0, 1))
		require.NoError(t, err)
		assert.False(t, ok)
	})
}

type failingQuerier struct{}

func (failingQuerier) Query(context.Context, string, ...any) ([][]any, error) {
	return nil, errors.New("database is closed")
}

func TestQueryErrorsAreWrapped(t *testing.T) {
	q := New(failingQuerier{})
	_, err := q.AvailableOn(context.Background(), d1)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "snapshot query failed")
	assert.Contains(t, err.Error(), "database is closed")
}

type rowsQuerier [][]any

func (r rowsQuerier) Query(context.Context, string, ...any) ([][]any, error) {
	return r, nil
}

func TestScannerRejectsUnexpectedTypes(t *testing.T) {
	q := New(rowsQuerier{{"2024-01-15", struct{}{}}})
	_, err := q.AvailabilitySummary(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unexpected")
}
