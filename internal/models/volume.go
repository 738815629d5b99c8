package models

import (
	"fmt"
)

// VolumeMetrics holds the nine enrichment columns parsed from a 1d kline archive.
type VolumeMetrics struct {
	QuoteVolumeUSDT         float64 `json:"quote_volume_usdt"`
	TradeCount              int64   `json:"trade_count"`
	VolumeBase              float64 `json:"volume_base"`
	TakerBuyVolumeBase      float64 `json:"taker_buy_volume_base"`
	TakerBuyQuoteVolumeUSDT float64 `json:"taker_buy_quote_volume_usdt"`
	OpenPrice               float64 `json:"open_price"`
	HighPrice               float64 `json:"high_price"`
	LowPrice                float64 `json:"low_price"`
	ClosePrice              float64 `json:"close_price"`
}

// Validate checks value ranges and the OHLC relationship.
func (v *VolumeMetrics) Validate() error {
	if v.QuoteVolumeUSDT < 0 || v.VolumeBase < 0 || v.TakerBuyVolumeBase < 0 || v.TakerBuyQuoteVolumeUSDT < 0 {
		return &ValidationError{Field: "volume", Message: "volumes cannot be negative"}
	}
	if v.TradeCount < 0 {
		return &ValidationError{Field: "trade_count", Message: "trade count cannot be negative"}
	}
	if v.HighPrice < v.LowPrice {
		return &ValidationError{Field: "high_price", Message: fmt.Sprintf("high %v below low %v", v.HighPrice, v.LowPrice)}
	}
	if v.OpenPrice > v.HighPrice || v.OpenPrice < v.LowPrice || v.ClosePrice > v.HighPrice || v.ClosePrice < v.LowPrice {
		return &ValidationError{Field: "open_price", Message: "open and close must lie within [low, high]"}
	}
	return nil
}
