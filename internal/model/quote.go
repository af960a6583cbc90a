package model

import (
	"encoding/json"
	"time"
)

// TickTimeLayout is the wire format for tick timestamps stored in the cache.
// Matches the dd-mm-yyyy expiry convention used across the instrument catalogue.
const TickTimeLayout = "02-01-2006 15:04:05"

// FormatTickTime renders a timestamp in the stored-quote layout.
// Zero times render as the empty string.
func FormatTickTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.Format(TickTimeLayout)
}

// ParseTickTime parses a stored-quote timestamp. Empty input yields a zero time.
func ParseTickTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	return time.ParseInLocation(TickTimeLayout, s, time.Local)
}

// DepthItem is one price level of the order book ladder.
type DepthItem struct {
	Quantity int64   `json:"quantity"`
	Price    float64 `json:"price"`
	Orders   int64   `json:"orders"`
}

// Depth holds the buy and sell ladders, best level first.
type Depth struct {
	Buy  []DepthItem `json:"buy"`
	Sell []DepthItem `json:"sell"`
}

// OHLC is the day's open/high/low/close for an instrument.
// Close is the previous day's closing price during a live session.
type OHLC struct {
	Open  float64 `json:"open"`
	High  float64 `json:"high"`
	Low   float64 `json:"low"`
	Close float64 `json:"close"`
}

// Quote is the latest full-mode snapshot for one instrument token.
// Each new tick from the provider fully replaces the previous value;
// there is no field-level merge.
type Quote struct {
	InstrumentToken    uint32  `json:"instrument_token"`
	Mode               string  `json:"mode"`
	Tradable           bool    `json:"tradable"`
	LastPrice          float64 `json:"last_price"`
	LastTradedQuantity int64   `json:"last_traded_quantity"`
	AverageTradedPrice float64 `json:"average_traded_price"`
	VolumeTraded       int64   `json:"volume_traded"`
	TotalBuyQuantity   int64   `json:"total_buy_quantity"`
	TotalSellQuantity  int64   `json:"total_sell_quantity"`
	OHLC               OHLC    `json:"ohlc"`
	Change             float64 `json:"change"` // percent vs previous close
	LastTradeTime      string  `json:"last_trade_time"`
	OI                 int64   `json:"oi"`
	OIDayHigh          int64   `json:"oi_day_high"`
	OIDayLow           int64   `json:"oi_day_low"`
	ExchangeTimestamp  string  `json:"exchange_timestamp"`
	Depth              Depth   `json:"depth"`
}

// JSON serializes the quote for cache storage.
func (q *Quote) JSON() []byte {
	b, _ := json.Marshal(q)
	return b
}

// ExchangeTime parses the exchange timestamp. Callers use it to judge
// staleness; a degraded shard keeps serving quotes with old timestamps.
func (q *Quote) ExchangeTime() (time.Time, error) {
	return ParseTickTime(q.ExchangeTimestamp)
}
