// Package probe checks whether daily kline archives exist on the Binance public data
// store and fans those checks out across a bounded worker pool, one date at a time.
package probe

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/johnayoung/go-futures-availability/internal/metrics"
	"github.com/johnayoung/go-futures-availability/internal/models"
)

// DefaultBaseURL is the public Binance data archive.
const DefaultBaseURL = "https://data.binance.vision"

// ClientConfig sizes the shared HTTP client.
type ClientConfig struct {
	Timeout        time.Duration
	ConnectTimeout time.Duration
	MaxConns       int
}

// NewHTTPClient builds a pooled client meant to be created once per run and shared by every worker.
func NewHTTPClient(cfg ClientConfig) *http.Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 5 * time.Second
	}
	if cfg.MaxConns <= 0 {
		cfg.MaxConns = 10
	}

	transport := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   cfg.ConnectTimeout,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:          cfg.MaxConns * 2,
		MaxIdleConnsPerHost:   cfg.MaxConns,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   cfg.ConnectTimeout,
		ResponseHeaderTimeout: cfg.Timeout,
		ForceAttemptHTTP2:     true,
	}

	return &http.Client{
		Transport: transport,
		Timeout:   cfg.Timeout,
	}
}

// ArchiveURL builds the daily kline archive URL for symbol, interval and date.
// The symbol is escaped as a single path segment.
func ArchiveURL(baseURL, symbol, interval string, date time.Time) string {
	sym := EscapeSymbol(symbol)
	day := models.FormatDate(date)
	return fmt.Sprintf("%s/data/futures/um/daily/klines/%s/%s/%s-%s-%s.zip",
		strings.TrimRight(baseURL, "/"), sym, interval, sym, interval, day)
}

// EscapeSymbol percent-encodes every byte outside the URL unreserved set.
// ASCII alphanumeric symbols come back unchanged.
func EscapeSymbol(symbol string) string {
	const hex = "0123456789ABCDEF"
	var b strings.Builder
	b.Grow(len(symbol))
	for i := 0; i < len(symbol); i++ {
		c := symbol[i]
		if isUnreserved(c) {
			b.WriteByte(c)
			continue
		}
		b.WriteByte('%')
		b.WriteByte(hex[c>>4])
		b.WriteByte(hex[c&0x0f])
	}
	return b.String()
}

func isUnreserved(c byte) bool {
	return ('a' <= c && c <= 'z') || ('A' <= c && c <= 'Z') || ('0' <= c && c <= '9') ||
		c == '-' || c == '_' || c == '.' || c == '~'
}

// Prober issues HEAD requests against the archive. It is safe for concurrent use.
type Prober struct {
	client  *http.Client
	baseURL string
	logger  *slog.Logger
	now     func() time.Time
}

// ProberOption configures a Prober.
type ProberOption func(*Prober)

// WithBaseURL points the prober at a different archive host.
func WithBaseURL(baseURL string) ProberOption {
	return func(p *Prober) { p.baseURL = baseURL }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) ProberOption {
	return func(p *Prober) { p.logger = logger }
}

// WithClock overrides the probe timestamp source.
func WithClock(now func() time.Time) ProberOption {
	return func(p *Prober) { p.now = now }
}

// NewProber creates a prober around an injected HTTP client.
// A nil client gets a default pooled client.
func NewProber(client *http.Client, opts ...ProberOption) *Prober {
	if client == nil {
		client = NewHTTPClient(ClientConfig{})
	}
	p := &Prober{
		client:  client,
		baseURL: DefaultBaseURL,
		logger:  slog.Default(),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// URL returns the 1m archive URL probed for symbol on date.
func (p *Prober) URL(symbol string, date time.Time) string {
	return ArchiveURL(p.baseURL, symbol, "1m", date)
}

// Probe checks one archive. 200 yields Found and 404 yields NotFound, both with a nil error.
// Every other status, timeout or transport failure returns a *ProbeError and is never retried.
func (p *Prober) Probe(ctx context.Context, symbol string, date time.Time) (models.ProbeResult, error) {
	date = models.DateOf(date)
	target := p.URL(symbol, date)
	start := time.Now()

	result := models.ProbeResult{
		Symbol: symbol,
		Date:   date,
		URL:    target,
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodHead, target, nil)
	if err != nil {
		return result, &ProbeError{Symbol: symbol, Date: date, URL: target, Kind: KindNetwork, Err: err}
	}

	resp, err := p.client.Do(req)
	result.ProbeTimestamp = p.now().UTC()
	if err != nil {
		metrics.RecordProbe(metrics.OutcomeError, time.Since(start))
		return result, &ProbeError{Symbol: symbol, Date: date, URL: target, Kind: transportKind(err), Err: err}
	}
	defer resp.Body.Close()

	result.StatusCode = resp.StatusCode

	switch resp.StatusCode {
	case http.StatusOK:
		size := resp.ContentLength
		if size < 0 {
			size = 0
		}
		found := models.Found{FileSizeBytes: size}
		if lm := resp.Header.Get("Last-Modified"); lm != "" {
			if t, perr := http.ParseTime(lm); perr == nil {
				t = t.UTC()
				found.LastModified = &t
			}
		}
		result.Outcome = found
		metrics.RecordProbe(metrics.OutcomeFound, time.Since(start))
		return result, nil

	case http.StatusNotFound:
		result.Outcome = models.NotFound{}
		metrics.RecordProbe(metrics.OutcomeNotFound, time.Since(start))
		return result, nil

	default:
		metrics.RecordProbe(metrics.OutcomeError, time.Since(start))
		p.logger.Debug("unexpected probe status",
			"symbol", symbol,
			"date", models.FormatDate(date),
			"status", resp.StatusCode)
		return result, &ProbeError{
			Symbol:     symbol,
			Date:       date,
			URL:        target,
			Kind:       KindHTTPStatus,
			StatusCode: resp.StatusCode,
		}
	}
}

func transportKind(err error) ErrorKind {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return KindTimeout
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	if errors.Is(err, context.Canceled) {
		return KindCanceled
	}
	return KindNetwork
}
