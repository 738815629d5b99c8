package errors

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/sony/gobreaker/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/johnayoung/go-futures-availability/internal/config"
)

func fastPolicy(attempts int) config.RetryPolicyConfig {
	return config.RetryPolicyConfig{
		MaxAttempts:  attempts,
		InitialDelay: time.Millisecond,
		MaxDelay:     5 * time.Millisecond,
		Multiplier:   2,
		Jitter:       0,
	}
}

func TestErrorClassification(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	classifier := NewErrorClassifier(config.DefaultConfig().Retry, logger)

	tests := []struct {
		name              string
		error             error
		expectedType      ErrorType
		expectedRetryable bool
	}{
		{"network connection refused", fmt.Errorf("dial tcp: connection refused"), ErrorTypeNetwork, true},
		{"timeout string", fmt.Errorf("context deadline exceeded"), ErrorTypeTimeout, true},
		{"timeout sentinel", fmt.Errorf("wrapped: %w", context.DeadlineExceeded), ErrorTypeTimeout, true},
		{"canceled", fmt.Errorf("wrapped: %w", context.Canceled), ErrorTypeCanceled, false},
		{"http 429", NewHTTPStatusError(429, "u"), ErrorTypeRateLimit, true},
		{"http 503", NewHTTPStatusError(503, "u"), ErrorTypeServerError, true},
		{"http 403", NewHTTPStatusError(403, "u"), ErrorTypeBadRequest, false},
		{"parse failure", fmt.Errorf("parse exchangeInfo: malformed json"), ErrorTypeValidation, false},
		{"breaker open", fmt.Errorf("probe: %w", gobreaker.ErrOpenState), ErrorTypeCircuitOpen, false},
		{"unknown error", fmt.Errorf("something went wrong"), ErrorTypeUnknown, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			classified := classifier.Classify(tt.error, "test_component", "test_operation")

			assert.Equal(t, tt.expectedType, classified.Type, "Error type mismatch")
			assert.Equal(t, tt.expectedRetryable, classified.Retryable, "Retryable mismatch")
			assert.Equal(t, "test_component", classified.Component)
			assert.NotZero(t, classified.Timestamp)
		})
	}

	assert.Nil(t, classifier.Classify(nil, "c", "o"))
}

func TestRetryMechanism(t *testing.T) {
	classifier := NewErrorClassifier(fastPolicy(3), slog.Default())
	ctx := context.Background()

	t.Run("succeeds after transient failures", func(t *testing.T) {
		calls := 0
		err := classifier.Retry(ctx, "discovery", "list", func() error {
			calls++
			if calls < 3 {
				return NewHTTPStatusError(503, "u")
			}
			return nil
		})
		require.NoError(t, err)
		assert.Equal(t, 3, calls)
	})

	t.Run("gives up after max attempts", func(t *testing.T) {
		calls := 0
		err := classifier.Retry(ctx, "discovery", "list", func() error {
			calls++
			return fmt.Errorf("connection reset by peer")
		})
		require.Error(t, err)
		assert.Equal(t, 3, calls)
		assert.Contains(t, err.Error(), "after 3 attempts")
		assert.Equal(t, ErrorTypeNetwork, GetErrorType(err))
	})

	t.Run("does not retry permanent errors", func(t *testing.T) {
		calls := 0
		err := classifier.Retry(ctx, "discovery", "list", func() error {
			calls++
			return NewHTTPStatusError(404, "u")
		})
		require.Error(t, err)
		assert.Equal(t, 1, calls)
		assert.False(t, IsRetryable(err))
	})

	t.Run("stops on context cancellation", func(t *testing.T) {
		cctx, cancel := context.WithCancel(ctx)
		cancel()
		calls := 0
		err := classifier.Retry(cctx, "discovery", "list", func() error {
			calls++
			return fmt.Errorf("connection refused")
		})
		require.Error(t, err)
		assert.LessOrEqual(t, calls, 1)
	})
}

func TestErrorStats(t *testing.T) {
	classifier := NewErrorClassifier(fastPolicy(1), slog.Default())

	classifier.Classify(fmt.Errorf("connection refused"), "c", "o")
	classifier.Classify(fmt.Errorf("connection refused"), "c", "o")
	classifier.Classify(NewHTTPStatusError(500, "u"), "c", "o")

	stats := classifier.GetStats()
	assert.Equal(t, int64(2), stats[ErrorTypeNetwork].Count)
	assert.Equal(t, int64(1), stats[ErrorTypeServerError].Count)
	assert.False(t, stats[ErrorTypeNetwork].FirstSeen.IsZero())
}

func TestNewBreaker(t *testing.T) {
	cb := NewBreaker[int](BreakerSettings{
		Name:         "test",
		FailureRatio: 0.5,
		MinRequests:  4,
		OpenTimeout:  time.Minute,
	}, slog.Default())

	fail := func() (int, error) { return 0, fmt.Errorf("boom") }
	ok := func() (int, error) { return 1, nil }

	// below the sample size the breaker stays closed regardless of failures
	for i := 0; i < 3; i++ {
		_, err := cb.Execute(fail)
		require.Error(t, err)
		assert.False(t, IsCircuitOpen(err))
	}
	assert.Equal(t, gobreaker.StateClosed, cb.State())

	_, err := cb.Execute(ok)
	require.NoError(t, err)
	_, err = cb.Execute(fail)
	require.Error(t, err)
	assert.Equal(t, gobreaker.StateOpen, cb.State())

	_, err = cb.Execute(ok)
	require.Error(t, err)
	assert.True(t, IsCircuitOpen(err))
}

func TestClassifiedErrorInterface(t *testing.T) {
	base := fmt.Errorf("root cause")
	ce := &ClassifiedError{Err: base, Type: ErrorTypeNetwork, Component: "symbols", Operation: "discover"}

	assert.ErrorIs(t, ce, base)
	assert.ErrorIs(t, ce, &ClassifiedError{Type: ErrorTypeNetwork})
	assert.Contains(t, ce.Error(), "[symbols/network] discover")

	assert.Nil(t, WrapError(nil, "a", "b", "c"))
	wrapped := WrapError(base, "store", "insert", "write failed")
	assert.ErrorIs(t, wrapped, base)
	assert.Equal(t, "write failed in store.insert: root cause", wrapped.Error())
}
