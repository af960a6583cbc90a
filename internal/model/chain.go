package model

import "encoding/json"

// OptionDetail is one side (CE or PE) of a strike record. The field set and
// names are the read-side compatibility contract: consumers parse this
// structure out of the cache directly.
type OptionDetail struct {
	BidQuantity        int64       `json:"bid_quantity"`
	BidPrice           float64     `json:"bid_price"`
	AskQuantity        int64       `json:"ask_quantity"`
	AskPrice           float64     `json:"ask_price"`
	Premium            float64     `json:"premium"`
	LastTradeTime      string      `json:"last_trade_time"`
	ExchangeTimestamp  string      `json:"exchange_timestamp"`
	LastTradedQuantity int64       `json:"last_traded_quantity"`
	Change             float64     `json:"change"`
	OI                 int64       `json:"oi"`
	OIDayHigh          int64       `json:"oi_day_high"`
	OIDayLow           int64       `json:"oi_day_low"`
	TotalBuyQuantity   int64       `json:"total_buy_quantity"`
	OHLC               OHLC        `json:"ohlc"`
	TotalSellQuantity  int64       `json:"total_sell_quantity"`
	Volume             int64       `json:"volume"`
	Bid                []DepthItem `json:"bid"`
	Ask                []DepthItem `json:"ask"`
	Tradable           bool        `json:"tradable"`
	Depth              Depth       `json:"depth"`
	InstrumentToken    uint32      `json:"instrument_token"`
}

// NewOptionDetail flattens a cached quote into the chain's per-side record.
func NewOptionDetail(q *Quote) *OptionDetail {
	d := &OptionDetail{
		Premium:            q.LastPrice,
		LastTradeTime:      q.LastTradeTime,
		ExchangeTimestamp:  q.ExchangeTimestamp,
		LastTradedQuantity: q.LastTradedQuantity,
		Change:             q.Change,
		OI:                 q.OI,
		OIDayHigh:          q.OIDayHigh,
		OIDayLow:           q.OIDayLow,
		TotalBuyQuantity:   q.TotalBuyQuantity,
		OHLC:               q.OHLC,
		TotalSellQuantity:  q.TotalSellQuantity,
		Volume:             q.VolumeTraded,
		Bid:                q.Depth.Buy,
		Ask:                q.Depth.Sell,
		Tradable:           q.Tradable,
		Depth:              q.Depth,
		InstrumentToken:    q.InstrumentToken,
	}
	if len(q.Depth.Buy) > 0 {
		d.BidQuantity = q.Depth.Buy[0].Quantity
		d.BidPrice = q.Depth.Buy[0].Price
	}
	if len(q.Depth.Sell) > 0 {
		d.AskQuantity = q.Depth.Sell[0].Quantity
		d.AskPrice = q.Depth.Sell[0].Price
	}
	return d
}

// StrikeRecord joins the call and put quotes at one strike price.
// A missing side means the contract is not listed or not yet ticked.
type StrikeRecord struct {
	StrikePrice float64       `json:"strike_price"`
	CE          *OptionDetail `json:"ce,omitempty"`
	PE          *OptionDetail `json:"pe,omitempty"`
}

// OptionChain is the derived, read-only view for one underlying. It is
// rebuilt wholesale on every builder pass and swapped into the cache as a
// single value, so no reader ever observes strikes from two different passes.
type OptionChain struct {
	TradingSymbol   string                    `json:"trading_symbol"`
	Exchange        string                    `json:"exchange"`
	Segment         string                    `json:"segment"`
	UnderlyingValue *float64                  `json:"underlying_value"`
	Expiry          map[string][]StrikeRecord `json:"expiry"`
	Source          string                    `json:"source"`
	LotSize         int                       `json:"lot_size"`
}

// JSON serializes the chain for cache storage.
func (c *OptionChain) JSON() []byte {
	b, _ := json.Marshal(c)
	return b
}
