package validation

import (
	"context"
	"fmt"
	"io"
	"math"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/goccy/go-json"

	apperrors "github.com/johnayoung/go-futures-availability/internal/errors"
	"github.com/johnayoung/go-futures-availability/internal/models"
)

// DefaultExchangeInfoURL is the USDT-M futures exchangeInfo endpoint.
const DefaultExchangeInfoURL = "https://fapi.binance.com/fapi/v1/exchangeInfo"

// SymbolSource returns the symbols currently trading on the exchange.
type SymbolSource interface {
	TradingSymbols(ctx context.Context) ([]string, error)
}

// ExchangeInfoClient reads the live USDT perpetual universe from exchangeInfo.
type ExchangeInfoClient struct {
	client  *http.Client
	url     string
	retrier *apperrors.ErrorClassifier
}

// NewExchangeInfoClient creates a client. retrier may be nil for a single attempt.
func NewExchangeInfoClient(client *http.Client, url string, retrier *apperrors.ErrorClassifier) *ExchangeInfoClient {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	if url == "" {
		url = DefaultExchangeInfoURL
	}
	return &ExchangeInfoClient{client: client, url: url, retrier: retrier}
}

type exchangeInfo struct {
	Symbols []struct {
		Symbol       string `json:"symbol"`
		Status       string `json:"status"`
		ContractType string `json:"contractType"`
	} `json:"symbols"`
}

// TradingSymbols returns PERPETUAL contracts in TRADING status quoted in USDT.
func (c *ExchangeInfoClient) TradingSymbols(ctx context.Context) ([]string, error) {
	var info *exchangeInfo
	fetch := func() error {
		var err error
		info, err = c.fetch(ctx)
		return err
	}

	var err error
	if c.retrier != nil {
		err = c.retrier.Retry(ctx, "validation", "exchange_info", fetch)
	} else {
		err = fetch()
	}
	if err != nil {
		return nil, fmt.Errorf("failed to fetch exchangeInfo: %w", err)
	}

	symbols := make([]string, 0, len(info.Symbols))
	for _, s := range info.Symbols {
		if s.ContractType == "PERPETUAL" && s.Status == "TRADING" && strings.HasSuffix(s.Symbol, "USDT") {
			symbols = append(symbols, s.Symbol)
		}
	}
	sort.Strings(symbols)
	return symbols, nil
}

func (c *ExchangeInfoClient) fetch(ctx context.Context) (*exchangeInfo, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, resp.Body)
		return nil, apperrors.NewHTTPStatusError(resp.StatusCode, c.url)
	}

	var info exchangeInfo
	if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
		return nil, fmt.Errorf("failed to parse exchangeInfo response: %w", err)
	}
	return &info, nil
}

// CrossCheckResult compares the stored symbols of one date with the live exchange.
type CrossCheckResult struct {
	Date            time.Time `json:"date"`
	DBSymbolCount   int       `json:"db_symbol_count"`
	APISymbolCount  int       `json:"api_symbol_count"`
	MatchCount      int       `json:"match_count"`
	MatchPercentage float64   `json:"match_percentage"`
	OnlyInDB        []string  `json:"only_in_db"`
	OnlyInAPI       []string  `json:"only_in_api"`
	SLOMet          bool      `json:"slo_met"`
}

const availableOnDateSQL = `
	SELECT symbol FROM daily_availability
	WHERE date = CAST($1 AS DATE) AND available = TRUE`

// CrossCheck compares available symbols on date against the exchange. The match
// percentage is the intersection over the union, rounded to two decimals; the
// SLO is met when it is strictly above threshold.
func (v *Validator) CrossCheck(ctx context.Context, date time.Time, threshold float64) (*CrossCheckResult, error) {
	if v.exchange == nil {
		return nil, fmt.Errorf("cross-check requires an exchange symbol source")
	}
	date = models.DateOf(date)

	rows, err := v.db.Query(ctx, availableOnDateSQL, date)
	if err != nil {
		return nil, fmt.Errorf("cross-check validation failed for %s: %w", models.FormatDate(date), err)
	}
	dbSymbols := make(map[string]struct{}, len(rows))
	for _, row := range rows {
		if s, ok := row[0].(string); ok {
			dbSymbols[s] = struct{}{}
		}
	}

	live, err := v.exchange.TradingSymbols(ctx)
	if err != nil {
		return nil, fmt.Errorf("cross-check validation failed for %s: %w", models.FormatDate(date), err)
	}
	apiSymbols := make(map[string]struct{}, len(live))
	for _, s := range live {
		apiSymbols[s] = struct{}{}
	}

	result := compareSymbolSets(dbSymbols, apiSymbols)
	result.Date = date
	result.SLOMet = result.MatchPercentage > threshold

	v.logger.Info("cross-check complete",
		"date", models.FormatDate(date),
		"db_symbols", result.DBSymbolCount,
		"api_symbols", result.APISymbolCount,
		"match_percentage", result.MatchPercentage,
		"slo_met", result.SLOMet)
	return result, nil
}

func compareSymbolSets(db, api map[string]struct{}) *CrossCheckResult {
	result := &CrossCheckResult{
		DBSymbolCount:  len(db),
		APISymbolCount: len(api),
		OnlyInDB:       []string{},
		OnlyInAPI:      []string{},
	}
	for s := range db {
		if _, ok := api[s]; ok {
			result.MatchCount++
		} else {
			result.OnlyInDB = append(result.OnlyInDB, s)
		}
	}
	for s := range api {
		if _, ok := db[s]; !ok {
			result.OnlyInAPI = append(result.OnlyInAPI, s)
		}
	}
	sort.Strings(result.OnlyInDB)
	sort.Strings(result.OnlyInAPI)

	if union := result.MatchCount + len(result.OnlyInDB) + len(result.OnlyInAPI); union > 0 {
		pct := float64(result.MatchCount) / float64(union) * 100
		result.MatchPercentage = math.Round(pct*100) / 100
	}
	return result
}
