package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/johnayoung/go-futures-availability/internal/errors"
	"github.com/johnayoung/go-futures-availability/internal/storage"
	"github.com/johnayoung/go-futures-availability/internal/validation"
)

func TestParseBackfillFlags(t *testing.T) {
	flags, err := parseBackfillFlags([]string{"--start", "2024-01-01", "-e", "2024-01-31", "--symbols", "btcusdt, ETHUSDT,", "-w", "20"})
	require.NoError(t, err)
	assert.Equal(t, "2024-01-01", flags.Start)
	assert.Equal(t, "2024-01-31", flags.End)
	assert.Equal(t, []string{"BTCUSDT", "ETHUSDT"}, flags.Symbols)
	assert.Equal(t, 20, flags.Workers)

	tests := []struct {
		name string
		args []string
		want string
	}{
		{"missing value", []string{"--start"}, "--start requires a value"},
		{"bad int", []string{"--workers", "many"}, `invalid --workers value "many"`},
		{"unknown flag", []string{"--pair", "BTC-USD"}, "unknown flag: --pair"},
		{"resume with start", []string{"--resume", "--start", "2024-01-01"}, "mutually exclusive"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := parseBackfillFlags(tt.args)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
			var usage *usageError
			assert.ErrorAs(t, err, &usage)
		})
	}
}

func TestParseQueryFlags(t *testing.T) {
	flags, err := parseQueryFlags([]string{"timeline", "--symbol", "btcusdt", "-f", "json"})
	require.NoError(t, err)
	assert.Equal(t, "timeline", flags.View)
	assert.Equal(t, "BTCUSDT", flags.Symbol)
	assert.Equal(t, "json", flags.Format)
	assert.Equal(t, 20, flags.Limit)

	flags, err = parseQueryFlags([]string{"top", "--min-volume", "1e6", "--limit", "5"})
	require.NoError(t, err)
	assert.Equal(t, 1e6, flags.MinVolume)
	assert.Equal(t, 5, flags.Limit)

	_, err = parseQueryFlags(nil)
	assert.ErrorContains(t, err, "query needs a view")

	_, err = parseQueryFlags([]string{"candles"})
	assert.ErrorContains(t, err, `unknown query view "candles"`)

	_, err = parseQueryFlags([]string{"available", "extra"})
	assert.ErrorContains(t, err, "unknown flag: extra")

	_, err = parseQueryFlags([]string{"available", "--format", "csv"})
	assert.ErrorContains(t, err, `invalid format "csv"`)

	flags, err = parseQueryFlags([]string{"--help"})
	require.NoError(t, err)
	assert.True(t, flags.Help)
}

func TestParseValidateFlags(t *testing.T) {
	flags, err := parseValidateFlags([]string{"--checks", "Continuity, crosscheck", "--strict"})
	require.NoError(t, err)
	assert.Equal(t, []string{"continuity", "crosscheck"}, flags.Checks)
	assert.True(t, flags.Strict)
	assert.Equal(t, -1, flags.MinSymbols, "unset threshold keeps the configured one")

	_, err = parseValidateFlags([]string{"--checks", "volume"})
	assert.ErrorContains(t, err, `unknown check "volume"`)
}

func TestParseUpdateAndScheduleFlags(t *testing.T) {
	flags, err := parseUpdateFlags([]string{"--date", "2024-03-01", "--lookback", "7"})
	require.NoError(t, err)
	assert.Equal(t, "2024-03-01", flags.Date)
	assert.Equal(t, 7, flags.Lookback)

	_, err = parseUpdateFlags([]string{"--lookback", "-2"})
	assert.ErrorContains(t, err, "--lookback must be positive")

	sched, err := parseScheduleFlags([]string{"--status", "-n", "5"})
	require.NoError(t, err)
	assert.True(t, sched.Status)
	assert.Equal(t, 5, sched.Limit)
}

func TestParseDateFlag(t *testing.T) {
	d, err := parseDateFlag("--date", "")
	require.NoError(t, err)
	assert.True(t, d.IsZero())

	d, err = parseDateFlag("--date", "2024-02-29")
	require.NoError(t, err)
	assert.Equal(t, time.Date(2024, 2, 29, 0, 0, 0, 0, time.UTC), d)

	_, err = parseDateFlag("--date", "02/29/2024")
	var usage *usageError
	assert.ErrorAs(t, err, &usage)
}

func TestExitCode(t *testing.T) {
	ctx := context.Background()
	canceled, cancel := context.WithCancel(ctx)
	cancel()

	tests := []struct {
		name string
		ctx  context.Context
		err  error
		want int
	}{
		{"usage", ctx, usagef("--date requires a value"), ExitUsageError},
		{"interrupted", canceled, errors.New("probe failed for 2024-01-02: context canceled"), ExitInterrupt},
		{"config", ctx, fmt.Errorf("%w: bad start", errConfig), ExitConfigError},
		{"network", ctx, &net.OpError{Op: "dial", Err: errors.New("connection refused")}, ExitConnectionErr},
		{"store open", ctx, storage.NewStorageError("open", "", "", errors.New("locked")), ExitConnectionErr},
		{"http 404", ctx, apperrors.NewHTTPStatusError(404, "https://example.test"), ExitDataError},
		{"strict validation", ctx, fmt.Errorf("post-update validation: %w", validation.ErrValidationFailed), ExitDataError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, exitCode(tt.ctx, tt.err))
		})
	}
}

func TestRunWithoutInitialization(t *testing.T) {
	assert.Equal(t, ExitUsageError, run(nil))
	assert.Equal(t, ExitSuccess, run([]string{"version"}))
	assert.Equal(t, ExitSuccess, run([]string{"help", "query"}))
	assert.Equal(t, ExitUsageError, run([]string{"collect"}))
}

func TestWriteTable(t *testing.T) {
	var buf bytes.Buffer
	writeTable(&buf, []string{"SYMBOL", "DAYS"}, [][]string{
		{"BTCUSDT", "1"},
		{"1000PEPEUSDT", "12"},
	})

	lines := strings.Split(strings.TrimRight(buf.String(), "\n"), "\n")
	require.Len(t, lines, 4)
	assert.Equal(t, "SYMBOL        DAYS", lines[0])
	assert.Equal(t, strings.Repeat("-", 18), lines[1])
	assert.Equal(t, "BTCUSDT       1", lines[2])
	assert.Equal(t, "1000PEPEUSDT  12", lines[3])

	buf.Reset()
	writeTable(&buf, []string{"SYMBOL"}, nil)
	assert.Contains(t, buf.String(), "(no rows)")
}

func TestWriteJSON(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, writeJSON(&buf, map[string]int{"available": 3}))
	assert.JSONEq(t, `{"available": 3}`, buf.String())
}

func TestFmtVolume(t *testing.T) {
	assert.Equal(t, "1.50B", fmtVolume(1.5e9))
	assert.Equal(t, "12.35M", fmtVolume(12_345_678))
	assert.Equal(t, "999.00", fmtVolume(999))
}
