package symbols

import (
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	apperrors "github.com/johnayoung/go-futures-availability/internal/errors"
)

// DefaultDiscoveryURL is the regional S3 endpoint of the public archive bucket.
const DefaultDiscoveryURL = "https://s3-ap-northeast-1.amazonaws.com/data.binance.vision"

// maxPages stops a listing that never reports IsTruncated=false.
const maxPages = 1000

// Discovery is the classified result of a bucket listing.
type Discovery struct {
	Perpetual []string
	Delivery  []string
	Requests  int
	Duration  time.Duration
}

// Discoverer enumerates symbol directories under the daily klines prefix.
type Discoverer struct {
	client     *http.Client
	baseURL    string
	marketType string
	retrier    *apperrors.ErrorClassifier
	logger     *slog.Logger
}

// NewDiscoverer creates a discoverer. retrier may be nil for a single attempt per page.
func NewDiscoverer(client *http.Client, baseURL, marketType string, retrier *apperrors.ErrorClassifier, logger *slog.Logger) *Discoverer {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	if baseURL == "" {
		baseURL = DefaultDiscoveryURL
	}
	if marketType == "" {
		marketType = "um"
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Discoverer{
		client:     client,
		baseURL:    strings.TrimRight(baseURL, "/"),
		marketType: marketType,
		retrier:    retrier,
		logger:     logger,
	}
}

// Prefix is the listed key prefix.
func (d *Discoverer) Prefix() string {
	return fmt.Sprintf("data/futures/%s/daily/klines/", d.marketType)
}

// Source describes the listing location for symbols.json metadata.
func (d *Discoverer) Source() string {
	return "s3://data.binance.vision/" + d.Prefix()
}

type listBucketResult struct {
	IsTruncated    bool   `xml:"IsTruncated"`
	NextMarker     string `xml:"NextMarker"`
	CommonPrefixes []struct {
		Prefix string `xml:"Prefix"`
	} `xml:"CommonPrefixes"`
}

// Discover pages through the listing and returns sorted perpetual and delivery symbols.
func (d *Discoverer) Discover(ctx context.Context) (*Discovery, error) {
	start := time.Now()
	prefix := d.Prefix()

	var (
		all      []string
		marker   string
		requests int
	)

	for requests < maxPages {
		requests++

		var page *listBucketResult
		fetch := func() error {
			var err error
			page, err = d.fetchPage(ctx, prefix, marker)
			return err
		}

		var err error
		if d.retrier != nil {
			err = d.retrier.Retry(ctx, "symbols", "discover", fetch)
		} else {
			err = fetch()
		}
		if err != nil {
			return nil, fmt.Errorf("symbol discovery failed on request %d: %w", requests, err)
		}

		batch := make([]string, 0, len(page.CommonPrefixes))
		for _, cp := range page.CommonPrefixes {
			symbol := strings.TrimPrefix(strings.TrimSuffix(cp.Prefix, "/"), prefix)
			if i := strings.LastIndexByte(symbol, '/'); i >= 0 {
				symbol = symbol[i+1:]
			}
			if symbol != "" {
				batch = append(batch, symbol)
			}
		}
		all = append(all, batch...)

		d.logger.Debug("listed symbol page", "request", requests, "symbols", len(batch), "total", len(all))

		if !page.IsTruncated {
			break
		}
		switch {
		case page.NextMarker != "":
			marker = page.NextMarker
		case len(batch) > 0:
			marker = prefix + batch[len(batch)-1] + "/"
		default:
			return d.classify(all, requests, start), nil
		}
	}

	return d.classify(all, requests, start), nil
}

func (d *Discoverer) classify(all []string, requests int, start time.Time) *Discovery {
	out := &Discovery{Requests: requests, Duration: time.Since(start)}
	seen := make(map[string]struct{}, len(all))
	for _, s := range all {
		if _, dup := seen[s]; dup {
			continue
		}
		seen[s] = struct{}{}
		if Classify(s) == KindDelivery {
			out.Delivery = append(out.Delivery, s)
		} else {
			out.Perpetual = append(out.Perpetual, s)
		}
	}
	sort.Strings(out.Perpetual)
	sort.Strings(out.Delivery)

	d.logger.Info("symbol discovery complete",
		"perpetual", len(out.Perpetual),
		"delivery", len(out.Delivery),
		"requests", requests,
		"duration", out.Duration)
	return out
}

func (d *Discoverer) fetchPage(ctx context.Context, prefix, marker string) (*listBucketResult, error) {
	params := url.Values{}
	params.Set("prefix", prefix)
	params.Set("delimiter", "/")
	if marker != "" {
		params.Set("marker", marker)
	}
	target := d.baseURL + "?" + params.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, err
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch S3 listing: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, resp.Body)
		return nil, apperrors.NewHTTPStatusError(resp.StatusCode, target)
	}

	var page listBucketResult
	if err := xml.NewDecoder(resp.Body).Decode(&page); err != nil {
		return nil, fmt.Errorf("failed to parse S3 XML response: %w", err)
	}
	return &page, nil
}

// Classify returns KindDelivery when the part after the last underscore is a
// YYMMDD expiry date, otherwise KindPerpetual.
func Classify(symbol string) string {
	i := strings.LastIndexByte(symbol, '_')
	if i < 0 {
		return KindPerpetual
	}
	suffix := symbol[i+1:]
	if len(suffix) != 6 {
		return KindPerpetual
	}
	if _, err := time.Parse("060102", suffix); err != nil {
		return KindPerpetual
	}
	return KindDelivery
}
