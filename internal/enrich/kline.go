// Package enrich attaches daily volume metrics to available rows by reading
// the 1d kline archive published next to each 1m archive.
package enrich

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/jszwec/csvutil"
	"github.com/shopspring/decimal"

	apperrors "github.com/johnayoung/go-futures-availability/internal/errors"
	"github.com/johnayoung/go-futures-availability/internal/models"
	"github.com/johnayoung/go-futures-availability/internal/probe"
)

// ErrArchiveNotFound means no 1d archive exists for the symbol and date.
var ErrArchiveNotFound = errors.New("1d kline archive not found")

// maxArchiveBytes caps a 1d archive download. Real files are a few hundred bytes.
const maxArchiveBytes = 1 << 20

// klineHeader is the column order of Binance kline CSVs, used when a file has no header row.
var klineHeader = []string{
	"open_time", "open", "high", "low", "close", "volume", "close_time",
	"quote_volume", "count", "taker_buy_volume", "taker_buy_quote_volume", "ignore",
}

type klineRow struct {
	OpenTime            int64           `csv:"open_time"`
	Open                decimal.Decimal `csv:"open"`
	High                decimal.Decimal `csv:"high"`
	Low                 decimal.Decimal `csv:"low"`
	Close               decimal.Decimal `csv:"close"`
	Volume              decimal.Decimal `csv:"volume"`
	CloseTime           int64           `csv:"close_time"`
	QuoteVolume         decimal.Decimal `csv:"quote_volume"`
	Count               int64           `csv:"count"`
	TakerBuyVolume      decimal.Decimal `csv:"taker_buy_volume"`
	TakerBuyQuoteVolume decimal.Decimal `csv:"taker_buy_quote_volume"`
	Ignore              string          `csv:"ignore"`
}

func (k *klineRow) metrics() models.VolumeMetrics {
	return models.VolumeMetrics{
		QuoteVolumeUSDT:         k.QuoteVolume.InexactFloat64(),
		TradeCount:              k.Count,
		VolumeBase:              k.Volume.InexactFloat64(),
		TakerBuyVolumeBase:      k.TakerBuyVolume.InexactFloat64(),
		TakerBuyQuoteVolumeUSDT: k.TakerBuyQuoteVolume.InexactFloat64(),
		OpenPrice:               k.Open.InexactFloat64(),
		HighPrice:               k.High.InexactFloat64(),
		LowPrice:                k.Low.InexactFloat64(),
		ClosePrice:              k.Close.InexactFloat64(),
	}
}

// ParseKlineCSV decodes the single row of a 1d kline CSV. A header row is optional.
func ParseKlineCSV(data []byte) (models.VolumeMetrics, error) {
	data = bytes.TrimPrefix(data, []byte("\xef\xbb\xbf"))
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return models.VolumeMetrics{}, fmt.Errorf("failed to parse kline csv: empty file")
	}

	var header []string
	if c := trimmed[0]; c >= '0' && c <= '9' {
		header = klineHeader
	}

	dec, err := csvutil.NewDecoder(csv.NewReader(bytes.NewReader(trimmed)), header...)
	if err != nil {
		return models.VolumeMetrics{}, fmt.Errorf("failed to parse kline csv header: %w", err)
	}

	var row klineRow
	if err := dec.Decode(&row); err != nil {
		if errors.Is(err, io.EOF) {
			return models.VolumeMetrics{}, fmt.Errorf("failed to parse kline csv: no data row")
		}
		return models.VolumeMetrics{}, fmt.Errorf("failed to parse kline csv: %w", err)
	}

	m := row.metrics()
	if err := m.Validate(); err != nil {
		return models.VolumeMetrics{}, fmt.Errorf("invalid kline row: %w", err)
	}
	return m, nil
}

// ExtractKlineCSV returns the CSV inside a 1d archive. It prefers the entry
// named after the archive and falls back to the first .csv entry.
func ExtractKlineCSV(archive []byte, want string) ([]byte, error) {
	zr, err := zip.NewReader(bytes.NewReader(archive), int64(len(archive)))
	if err != nil {
		return nil, fmt.Errorf("invalid zip archive: %w", err)
	}

	var pick *zip.File
	for _, f := range zr.File {
		name := path.Base(f.Name)
		if name == want {
			pick = f
			break
		}
		if pick == nil && strings.HasSuffix(name, ".csv") {
			pick = f
		}
	}
	if pick == nil {
		return nil, fmt.Errorf("invalid zip archive: no csv entry")
	}

	rc, err := pick.Open()
	if err != nil {
		return nil, fmt.Errorf("failed to open %s in archive: %w", pick.Name, err)
	}
	defer rc.Close()
	return io.ReadAll(io.LimitReader(rc, maxArchiveBytes))
}

// Fetcher returns the volume metrics of one symbol and date, or an error
// wrapping ErrArchiveNotFound.
type Fetcher interface {
	Fetch(ctx context.Context, symbol string, date time.Time) (models.VolumeMetrics, error)
}

// Downloader fetches 1d archives over HTTP.
type Downloader struct {
	client  *http.Client
	baseURL string
	retrier *apperrors.ErrorClassifier
}

// NewDownloader creates a downloader. retrier may be nil for a single attempt.
func NewDownloader(client *http.Client, baseURL string, retrier *apperrors.ErrorClassifier) *Downloader {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	if baseURL == "" {
		baseURL = probe.DefaultBaseURL
	}
	return &Downloader{client: client, baseURL: baseURL, retrier: retrier}
}

// URL returns the 1d archive URL of symbol on date.
func (d *Downloader) URL(symbol string, date time.Time) string {
	return probe.ArchiveURL(d.baseURL, symbol, "1d", date)
}

// Fetch downloads, unzips and parses the 1d archive. Transient HTTP failures are retried.
func (d *Downloader) Fetch(ctx context.Context, symbol string, date time.Time) (models.VolumeMetrics, error) {
	var body []byte
	get := func() error {
		var err error
		body, err = d.download(ctx, d.URL(symbol, date))
		return err
	}

	var err error
	if d.retrier != nil {
		err = d.retrier.Retry(ctx, "enrich", "download", get)
	} else {
		err = get()
	}
	if err != nil {
		return models.VolumeMetrics{}, err
	}

	csvName := fmt.Sprintf("%s-1d-%s.csv", symbol, models.FormatDate(date))
	raw, err := ExtractKlineCSV(body, csvName)
	if err != nil {
		return models.VolumeMetrics{}, fmt.Errorf("%s %s: %w", symbol, models.FormatDate(date), err)
	}
	m, err := ParseKlineCSV(raw)
	if err != nil {
		return models.VolumeMetrics{}, fmt.Errorf("%s %s: %w", symbol, models.FormatDate(date), err)
	}
	return m, nil
}

func (d *Downloader) download(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := d.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		return io.ReadAll(io.LimitReader(resp.Body, maxArchiveBytes))
	case http.StatusNotFound:
		io.Copy(io.Discard, resp.Body)
		// the status error makes the classifier treat 404 as permanent
		return nil, fmt.Errorf("%w: %w", ErrArchiveNotFound, apperrors.NewHTTPStatusError(resp.StatusCode, url))
	default:
		io.Copy(io.Discard, resp.Body)
		return nil, apperrors.NewHTTPStatusError(resp.StatusCode, url)
	}
}
