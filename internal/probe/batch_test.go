package probe

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/johnayoung/go-futures-availability/internal/models"
)

// stubRunner answers probes from a function and tracks concurrency.
type stubRunner struct {
	fn       func(symbol string, date time.Time) (models.ProbeResult, error)
	calls    int64
	inFlight int64
	maxSeen  int64
	delay    time.Duration
}

func (s *stubRunner) Probe(ctx context.Context, symbol string, date time.Time) (models.ProbeResult, error) {
	atomic.AddInt64(&s.calls, 1)
	n := atomic.AddInt64(&s.inFlight, 1)
	defer atomic.AddInt64(&s.inFlight, -1)
	for {
		seen := atomic.LoadInt64(&s.maxSeen)
		if n <= seen || atomic.CompareAndSwapInt64(&s.maxSeen, seen, n) {
			break
		}
	}
	if s.delay > 0 {
		time.Sleep(s.delay)
	}
	return s.fn(symbol, date)
}

func found(symbol string, date time.Time) (models.ProbeResult, error) {
	return models.ProbeResult{
		Symbol:         symbol,
		Date:           date,
		Outcome:        models.Found{FileSizeBytes: 100},
		URL:            "u/" + symbol,
		StatusCode:     200,
		ProbeTimestamp: time.Now().UTC(),
	}, nil
}

func serverError(symbol string, date time.Time) (models.ProbeResult, error) {
	return models.ProbeResult{Symbol: symbol, Date: date}, &ProbeError{
		Symbol: symbol, Date: date, URL: "u/" + symbol, Kind: KindHTTPStatus, StatusCode: 500,
	}
}

func symbolList(n int) []string {
	out := make([]string, n)
	for i := range out {
		out[i] = fmt.Sprintf("SYM%02dUSDT", i+1)
	}
	return out
}

type staticSymbols struct {
	symbols []string
	kinds   []string
	mu      sync.Mutex
}

func (s *staticSymbols) LoadSymbols(kind string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.kinds = append(s.kinds, kind)
	return s.symbols, nil
}

func TestProbeAllSymbols_AllSucceed(t *testing.T) {
	runner := &stubRunner{fn: found}
	bp := NewBatchProber(runner, nil, BatchOptions{}, nil)

	records, err := bp.ProbeAllSymbols(context.Background(), testDate, symbolList(25), 5)
	require.NoError(t, err)
	assert.Len(t, records, 25)
	assert.Equal(t, int64(25), runner.calls)

	seen := map[string]bool{}
	for _, r := range records {
		assert.True(t, r.Available)
		assert.Equal(t, testDate, r.Date)
		seen[r.Symbol] = true
	}
	assert.Len(t, seen, 25)
}

func TestProbeAllSymbols_OneFailureRaisesAndNamesSymbol(t *testing.T) {
	symbols := symbolList(10)
	failing := symbols[6] // symbol #7

	runner := &stubRunner{fn: func(symbol string, date time.Time) (models.ProbeResult, error) {
		if symbol == failing {
			return serverError(symbol, date)
		}
		return found(symbol, date)
	}}
	bp := NewBatchProber(runner, nil, BatchOptions{}, nil)

	records, err := bp.ProbeAllSymbols(context.Background(), testDate, symbols, 4)
	require.Error(t, err)
	assert.Nil(t, records, "partial results must not be returned")

	var batchErr *BatchError
	require.ErrorAs(t, err, &batchErr)
	assert.Equal(t, []string{failing}, batchErr.FailedSymbols())
	assert.Equal(t, 10, batchErr.Total)
	assert.Len(t, batchErr.Successes, 9)
	assert.Equal(t, int64(10), runner.calls, "every symbol is attempted")

	assert.True(t, strings.HasPrefix(err.Error(), "batch probe failed for 1/10 symbols on 2024-01-15:"))
	assert.Contains(t, err.Error(), "  - SYM07USDT: unexpected HTTP status 500")

	var pErr *ProbeError
	require.ErrorAs(t, err, &pErr)
	assert.Equal(t, 500, pErr.StatusCode)
}

func TestProbeAllSymbols_FailureNeverCancelsSiblings(t *testing.T) {
	var slowDone int64
	runner := &stubRunner{fn: func(symbol string, date time.Time) (models.ProbeResult, error) {
		if symbol == "SYM01USDT" {
			return serverError(symbol, date)
		}
		time.Sleep(20 * time.Millisecond)
		atomic.AddInt64(&slowDone, 1)
		return found(symbol, date)
	}}
	bp := NewBatchProber(runner, nil, BatchOptions{}, nil)

	_, err := bp.ProbeAllSymbols(context.Background(), testDate, symbolList(12), 4)
	require.Error(t, err)
	assert.Equal(t, int64(11), atomic.LoadInt64(&slowDone))
}

func TestProbeAllSymbols_BoundedConcurrency(t *testing.T) {
	runner := &stubRunner{fn: found, delay: 5 * time.Millisecond}
	bp := NewBatchProber(runner, nil, BatchOptions{}, nil)

	_, err := bp.ProbeAllSymbols(context.Background(), testDate, symbolList(30), 3)
	require.NoError(t, err)
	assert.LessOrEqual(t, atomic.LoadInt64(&runner.maxSeen), int64(3))
	assert.Greater(t, atomic.LoadInt64(&runner.maxSeen), int64(0))
}

func TestProbeAllSymbols_SymbolResolution(t *testing.T) {
	t.Run("nil symbols use the provider and configured kind", func(t *testing.T) {
		provider := &staticSymbols{symbols: []string{"BTCUSDT", "ETHUSDT", "BTCUSDT"}}
		runner := &stubRunner{fn: found}
		bp := NewBatchProber(runner, provider, BatchOptions{SymbolKind: "all"}, nil)

		records, err := bp.ProbeAllSymbols(context.Background(), testDate, nil, 2)
		require.NoError(t, err)
		assert.Len(t, records, 2, "duplicates are probed once")
		assert.Equal(t, []string{"all"}, provider.kinds)
	})

	t.Run("nil symbols without a provider is an error", func(t *testing.T) {
		bp := NewBatchProber(&stubRunner{fn: found}, nil, BatchOptions{}, nil)
		_, err := bp.ProbeAllSymbols(context.Background(), testDate, nil, 2)
		assert.Error(t, err)
	})

	t.Run("empty list is a no-op", func(t *testing.T) {
		runner := &stubRunner{fn: found}
		bp := NewBatchProber(runner, nil, BatchOptions{}, nil)
		records, err := bp.ProbeAllSymbols(context.Background(), testDate, []string{}, 2)
		require.NoError(t, err)
		assert.Empty(t, records)
		assert.Zero(t, runner.calls)
	})
}

func TestProbeAllSymbols_CircuitBreaker(t *testing.T) {
	t.Run("trips after sample and fails the rest fast", func(t *testing.T) {
		runner := &stubRunner{fn: serverError}
		bp := NewBatchProber(runner, nil, BatchOptions{
			ErrorRateThreshold: 0.05,
			BreakerMinRequests: 5,
		}, nil)

		_, err := bp.ProbeAllSymbols(context.Background(), testDate, symbolList(40), 1)
		require.Error(t, err)

		var batchErr *BatchError
		require.ErrorAs(t, err, &batchErr)
		assert.Len(t, batchErr.Failures, 40, "skipped probes are still reported")
		assert.Equal(t, int64(5), runner.calls)

		open := 0
		for _, f := range batchErr.Failures {
			var pErr *ProbeError
			if errors.As(f.Err, &pErr) && pErr.Kind == KindCircuitOpen {
				open++
			}
		}
		assert.Equal(t, 35, open)
		assert.Contains(t, err.Error(), "circuit breaker open")
	})

	t.Run("zero threshold disables the breaker", func(t *testing.T) {
		runner := &stubRunner{fn: serverError}
		bp := NewBatchProber(runner, nil, BatchOptions{BreakerMinRequests: 5}, nil)

		_, err := bp.ProbeAllSymbols(context.Background(), testDate, symbolList(40), 1)
		require.Error(t, err)
		assert.Equal(t, int64(40), runner.calls)
	})

	t.Run("404s never trip the breaker", func(t *testing.T) {
		runner := &stubRunner{fn: func(symbol string, date time.Time) (models.ProbeResult, error) {
			return models.ProbeResult{Symbol: symbol, Date: date, Outcome: models.NotFound{}, URL: "u", StatusCode: 404}, nil
		}}
		bp := NewBatchProber(runner, nil, BatchOptions{ErrorRateThreshold: 0.05, BreakerMinRequests: 5}, nil)

		records, err := bp.ProbeAllSymbols(context.Background(), testDate, symbolList(40), 2)
		require.NoError(t, err)
		assert.Len(t, records, 40)
	})
}

func TestProbeAllSymbols_OverHTTP(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case strings.Contains(r.URL.Path, "/SYM03USDT/"):
			w.WriteHeader(http.StatusServiceUnavailable)
		case strings.Contains(r.URL.Path, "/SYM01USDT/"):
			w.WriteHeader(http.StatusNotFound)
		default:
			w.Header().Set("Content-Length", "42")
			w.WriteHeader(http.StatusOK)
		}
	}))
	defer server.Close()

	prober := NewProber(server.Client(), WithBaseURL(server.URL))
	bp := NewBatchProber(prober, nil, BatchOptions{}, nil)

	_, err := bp.ProbeAllSymbols(context.Background(), testDate, symbolList(5), 5)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "SYM03USDT: unexpected HTTP status 503")

	records, err := bp.ProbeAllSymbols(context.Background(), testDate, []string{"SYM01USDT", "SYM02USDT"}, 2)
	require.NoError(t, err)
	require.Len(t, records, 2)
	for _, r := range records {
		assert.NoError(t, r.Validate())
	}
}

func TestProbeDateRange(t *testing.T) {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	end := time.Date(2024, 1, 3, 0, 0, 0, 0, time.UTC)

	t.Run("dates run in order with callback after each", func(t *testing.T) {
		var order []string
		var mu sync.Mutex
		runner := &stubRunner{fn: func(symbol string, date time.Time) (models.ProbeResult, error) {
			mu.Lock()
			defer mu.Unlock()
			order = append(order, "probe:"+models.FormatDate(date))
			return found(symbol, date)
		}}
		bp := NewBatchProber(runner, nil, BatchOptions{Workers: 2}, nil)

		records, err := bp.ProbeDateRange(context.Background(), start, end, []string{"BTCUSDT"},
			func(ctx context.Context, date time.Time, recs []models.AvailabilityRecord) error {
				mu.Lock()
				defer mu.Unlock()
				order = append(order, "checkpoint:"+models.FormatDate(date))
				assert.Len(t, recs, 1)
				return nil
			})
		require.NoError(t, err)
		assert.Len(t, records, 3)
		assert.Equal(t, []string{
			"probe:2024-01-01", "checkpoint:2024-01-01",
			"probe:2024-01-02", "checkpoint:2024-01-02",
			"probe:2024-01-03", "checkpoint:2024-01-03",
		}, order)
	})

	t.Run("failure names the date and stops the walk", func(t *testing.T) {
		runner := &stubRunner{fn: func(symbol string, date time.Time) (models.ProbeResult, error) {
			if date.Day() == 2 && symbol == "ETHUSDT" {
				return serverError(symbol, date)
			}
			return found(symbol, date)
		}}
		bp := NewBatchProber(runner, nil, BatchOptions{}, nil)

		var checkpoints []string
		_, err := bp.ProbeDateRange(context.Background(), start, end, []string{"BTCUSDT", "ETHUSDT"},
			func(ctx context.Context, date time.Time, recs []models.AvailabilityRecord) error {
				checkpoints = append(checkpoints, models.FormatDate(date))
				return nil
			})
		require.Error(t, err)

		var dateErr *DateError
		require.ErrorAs(t, err, &dateErr)
		assert.Equal(t, "2024-01-02", models.FormatDate(dateErr.Date))
		assert.True(t, strings.HasPrefix(err.Error(), "probe failed for 2024-01-02: batch probe failed for 1/2 symbols"))
		assert.Equal(t, []string{"2024-01-01"}, checkpoints)

		var batchErr *BatchError
		assert.ErrorAs(t, err, &batchErr)
	})

	t.Run("callback error stops the walk", func(t *testing.T) {
		bp := NewBatchProber(&stubRunner{fn: found}, nil, BatchOptions{}, nil)
		boom := errors.New("disk full")

		_, err := bp.ProbeDateRange(context.Background(), start, end, []string{"BTCUSDT"},
			func(ctx context.Context, date time.Time, recs []models.AvailabilityRecord) error {
				return boom
			})
		require.ErrorIs(t, err, boom)
		assert.Contains(t, err.Error(), "probe failed for 2024-01-01")
	})

	t.Run("start after end is rejected", func(t *testing.T) {
		bp := NewBatchProber(&stubRunner{fn: found}, nil, BatchOptions{}, nil)
		_, err := bp.ProbeDateRange(context.Background(), end, start, []string{"BTCUSDT"}, nil)
		assert.Error(t, err)
	})
}

func TestWorkerPool(t *testing.T) {
	t.Run("submit on canceled context reports the error", func(t *testing.T) {
		pool := NewWorkerPool(2, nil, func(ctx context.Context, job WorkerJob) (models.ProbeResult, error) {
			return found(job.Symbol, job.Date)
		}, nil)
		require.NoError(t, pool.Start(context.Background()))
		defer pool.Stop(context.Background())

		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		done := make(chan error, 1)
		pool.Submit(ctx, WorkerJob{Symbol: "BTCUSDT", Date: testDate}, func(_ models.ProbeResult, err error) {
			done <- err
		})
		assert.ErrorIs(t, <-done, context.Canceled)
	})

	t.Run("double start and stop are rejected", func(t *testing.T) {
		pool := NewWorkerPool(1, nil, func(ctx context.Context, job WorkerJob) (models.ProbeResult, error) {
			return found(job.Symbol, job.Date)
		}, nil)
		require.NoError(t, pool.Start(context.Background()))
		assert.Error(t, pool.Start(context.Background()))
		require.NoError(t, pool.Stop(context.Background()))
		assert.Error(t, pool.Stop(context.Background()))
	})

	t.Run("stats count outcomes", func(t *testing.T) {
		pool := NewWorkerPool(2, nil, func(ctx context.Context, job WorkerJob) (models.ProbeResult, error) {
			if job.Symbol == "BAD" {
				return serverError(job.Symbol, job.Date)
			}
			return found(job.Symbol, job.Date)
		}, nil)
		require.NoError(t, pool.Start(context.Background()))

		var wg sync.WaitGroup
		for _, s := range []string{"A", "B", "BAD"} {
			wg.Add(1)
			pool.Submit(context.Background(), WorkerJob{Symbol: s, Date: testDate}, func(models.ProbeResult, error) { wg.Done() })
		}
		wg.Wait()
		require.NoError(t, pool.Stop(context.Background()))

		stats := pool.GetStats()
		assert.Equal(t, int64(2), stats.CompletedJobs)
		assert.Equal(t, int64(1), stats.FailedJobs)
		assert.Equal(t, 0, stats.ActiveWorkers)
	})
}
