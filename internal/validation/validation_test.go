package validation

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/johnayoung/go-futures-availability/internal/config"
	apperrors "github.com/johnayoung/go-futures-availability/internal/errors"
	"github.com/johnayoung/go-futures-availability/internal/models"
	"github.com/johnayoung/go-futures-availability/internal/storage/storagetest"
)

var (
	d1 = storagetest.Day(2024, 3, 1)
	d2 = storagetest.Day(2024, 3, 2)
	d3 = storagetest.Day(2024, 3, 3)
	d4 = storagetest.Day(2024, 3, 4)
	d5 = storagetest.Day(2024, 3, 5)
)

type staticSource struct {
	symbols []string
	err     error
}

func (s staticSource) TradingSymbols(context.Context) ([]string, error) {
	return s.symbols, s.err
}

// seedGappedStore stores d1, d2 and d4 with three symbols each; d3 and d5 are absent.
// On d4 only one symbol is available.
func seedGappedStore(t *testing.T) *Validator {
	t.Helper()
	store := storagetest.NewStore(t)
	storagetest.Seed(t, store,
		storagetest.Available("BTCUSDT", d1, 100),
		storagetest.Available("ETHUSDT", d1, 100),
		storagetest.Available("SOLUSDT", d1, 100),
		storagetest.Available("BTCUSDT", d2, 100),
		storagetest.Available("ETHUSDT", d2, 100),
		storagetest.Missing("SOLUSDT", d2),
		storagetest.Available("BTCUSDT", d4, 100),
		storagetest.Missing("ETHUSDT", d4),
		storagetest.Missing("SOLUSDT", d4),
	)
	return NewValidator(store, staticSource{symbols: []string{"BTCUSDT", "ETHUSDT", "XRPUSDT"}}, nil)
}

func TestValidator_CheckContinuity(t *testing.T) {
	v := seedGappedStore(t)
	ctx := context.Background()

	missing, err := v.CheckContinuity(ctx, d1, d5)
	require.NoError(t, err)
	assert.Equal(t, []time.Time{d3, d5}, missing)

	missing, err = v.CheckContinuity(ctx, d1, d2)
	require.NoError(t, err)
	assert.Empty(t, missing)

	_, err = v.CheckContinuity(ctx, d2, d1)
	assert.Error(t, err)
}

func TestValidator_CheckCompleteness(t *testing.T) {
	v := seedGappedStore(t)
	ctx := context.Background()

	tests := []struct {
		name       string
		minSymbols int
		want       []DateCount
	}{
		{name: "all complete", minSymbols: 1, want: []DateCount{}},
		{name: "two required", minSymbols: 2, want: []DateCount{{Date: d4, SymbolCount: 1}}},
		{
			name:       "three required",
			minSymbols: 3,
			want:       []DateCount{{Date: d2, SymbolCount: 2}, {Date: d4, SymbolCount: 1}},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := v.CheckCompleteness(ctx, d1, d5, tt.minSymbols)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	t.Run("window excludes earlier dates", func(t *testing.T) {
		got, err := v.CheckCompleteness(ctx, d3, d5, 3)
		require.NoError(t, err)
		assert.Equal(t, []DateCount{{Date: d4, SymbolCount: 1}}, got)
	})

	t.Run("symbol counts", func(t *testing.T) {
		got, err := v.SymbolCounts(ctx, d1)
		require.NoError(t, err)
		assert.Equal(t, []DateCount{
			{Date: d1, SymbolCount: 3},
			{Date: d2, SymbolCount: 2},
			{Date: d4, SymbolCount: 1},
		}, got)
	})
}

func TestValidator_CrossCheck(t *testing.T) {
	v := seedGappedStore(t)

	result, err := v.CrossCheck(context.Background(), d1, 95)
	require.NoError(t, err)

	assert.Equal(t, d1, result.Date)
	assert.Equal(t, 3, result.DBSymbolCount)
	assert.Equal(t, 3, result.APISymbolCount)
	assert.Equal(t, 2, result.MatchCount)
	assert.Equal(t, 50.0, result.MatchPercentage)
	assert.Equal(t, []string{"SOLUSDT"}, result.OnlyInDB)
	assert.Equal(t, []string{"XRPUSDT"}, result.OnlyInAPI)
	assert.False(t, result.SLOMet)

	t.Run("empty sets", func(t *testing.T) {
		r := compareSymbolSets(map[string]struct{}{}, map[string]struct{}{})
		assert.Equal(t, 0.0, r.MatchPercentage)
	})

	t.Run("source error", func(t *testing.T) {
		store := storagetest.NewStore(t)
		failing := NewValidator(store, staticSource{err: errors.New("boom")}, nil)
		_, err := failing.CrossCheck(context.Background(), d1, 95)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "boom")
	})

	t.Run("no source", func(t *testing.T) {
		_, err := NewValidator(storagetest.NewStore(t), nil, nil).CrossCheck(context.Background(), d1, 95)
		assert.Error(t, err)
	})
}

func TestRunner_Policies(t *testing.T) {
	v := seedGappedStore(t)
	opts := Options{Start: d1, End: d5, Continuity: true, Completeness: true, MinSymbolCount: 1, CompletenessFrom: d1}

	t.Run("advisory returns report without error", func(t *testing.T) {
		runner := NewRunner(v, config.ValidationConfig{Policy: config.PolicyAdvisory}, nil)
		report, err := runner.Run(context.Background(), opts)
		require.NoError(t, err)
		require.NotNil(t, report)
		assert.False(t, report.Passed())
		assert.Equal(t, []string{CheckContinuity}, report.Failed)
		assert.Equal(t, []time.Time{d3, d5}, report.MissingDates)
		assert.Contains(t, report.Summary(), "2 missing dates")
	})

	t.Run("strict returns ErrValidationFailed", func(t *testing.T) {
		runner := NewRunner(v, config.ValidationConfig{Policy: config.PolicyStrict}, nil)
		report, err := runner.Run(context.Background(), opts)
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrValidationFailed)
		require.NotNil(t, report)
		assert.Equal(t, []string{CheckContinuity, CheckCompleteness}, report.Ran)
	})

	t.Run("strict passes on a clean window", func(t *testing.T) {
		runner := NewRunner(v, config.ValidationConfig{Policy: config.PolicyStrict, MatchThreshold: 40}, nil)
		report, err := runner.Run(context.Background(), Options{
			Start: d1, End: d2,
			Continuity: true, Completeness: true, CrossCheck: true,
			MinSymbolCount: 2, CompletenessFrom: d1, CrossCheckDate: d1,
		})
		require.NoError(t, err)
		assert.True(t, report.Passed())
		require.NotNil(t, report.CrossCheck)
		assert.True(t, report.CrossCheck.SLOMet)
	})

	t.Run("defaults use configured window", func(t *testing.T) {
		runner := NewRunner(v, config.ValidationConfig{
			Policy:           config.PolicyAdvisory,
			MinSymbolCount:   3,
			CompletenessDays: 2,
		}, nil)
		runner.now = func() time.Time { return d5.Add(3 * time.Hour) }

		report, err := runner.Run(context.Background(), Options{Completeness: true})
		require.NoError(t, err)
		assert.Equal(t, d4, report.End)
		assert.Equal(t, models.FirstFuturesDate, report.Start)
		assert.Equal(t, []DateCount{{Date: d2, SymbolCount: 2}, {Date: d4, SymbolCount: 1}}, report.IncompleteDays)
	})
}

func TestExchangeInfoClient(t *testing.T) {
	const body = `{"timezone":"UTC","symbols":[
		{"symbol":"BTCUSDT","status":"TRADING","contractType":"PERPETUAL"},
		{"symbol":"ETHUSDT","status":"TRADING","contractType":"PERPETUAL"},
		{"symbol":"BTCUSDT_250328","status":"TRADING","contractType":"CURRENT_QUARTER"},
		{"symbol":"LUNAUSDT","status":"SETTLING","contractType":"PERPETUAL"},
		{"symbol":"ETHBUSD","status":"TRADING","contractType":"PERPETUAL"}
	]}`

	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, body)
	}))
	defer server.Close()

	retrier := apperrors.NewErrorClassifier(config.RetryPolicyConfig{
		MaxAttempts: 3, InitialDelay: time.Millisecond, MaxDelay: time.Millisecond, Multiplier: 1,
	}, nil)
	client := NewExchangeInfoClient(server.Client(), server.URL, retrier)

	symbols, err := client.TradingSymbols(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"BTCUSDT", "ETHUSDT"}, symbols)
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))

	t.Run("client error is permanent", func(t *testing.T) {
		var hits int32
		bad := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			atomic.AddInt32(&hits, 1)
			w.WriteHeader(http.StatusTeapot)
		}))
		defer bad.Close()

		_, err := NewExchangeInfoClient(bad.Client(), bad.URL, retrier).TradingSymbols(context.Background())
		require.Error(t, err)
		assert.Equal(t, int32(1), atomic.LoadInt32(&hits))
	})
}
