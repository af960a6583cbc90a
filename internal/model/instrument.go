package model

import (
	"fmt"
	"strings"
)

// OptionInstrument is one option contract row from the instrument catalogue.
// A contract covers exactly one strike and one side (CE or PE) of one
// underlying at one expiry. Immutable for the trading day once resolved.
type OptionInstrument struct {
	Token          uint32  `json:"token"`
	ExchangeToken  string  `json:"exchange_token"`
	Exchange       string  `json:"exchange"`
	TradingSymbol  string  `json:"trading_symbol"`
	Name           string  `json:"name"`
	Expiry         string  `json:"expiry"` // dd-mm-yyyy
	StrikePrice    float64 `json:"strike_price"`
	TickSize       float64 `json:"tick_size"`
	LotSize        int     `json:"lot_size"`
	InstrumentType string  `json:"instrument_type"` // CE or PE
	Segment        string  `json:"segment"`
}

// IsCall reports whether the contract is the call side.
func (oi *OptionInstrument) IsCall() bool {
	return strings.EqualFold(oi.InstrumentType, "CE")
}

// SymbolKey returns the subscription key of the underlying, e.g. "NFO:HDFCBANK".
func (oi *OptionInstrument) SymbolKey() string {
	return oi.Exchange + ":" + oi.Name
}

// ParseSymbolKey splits an "exchange:symbol" subscription key.
func ParseSymbolKey(key string) (exchange, symbol string, err error) {
	idx := strings.IndexByte(key, ':')
	if idx <= 0 || idx == len(key)-1 {
		return "", "", fmt.Errorf("trading symbol %q must be of the form exchange:symbol, e.g. NFO:HDFCBANK", key)
	}
	return key[:idx], key[idx+1:], nil
}

// SpotSymbolKey maps an option underlying key to the cash-market key that
// carries its spot price ("NFO:HDFCBANK" -> "NSE:HDFCBANK"). Index and
// non-NFO underlyings have no cash counterpart here and return "".
func SpotSymbolKey(key string) string {
	exchange, symbol, err := ParseSymbolKey(key)
	if err != nil || exchange != "NFO" {
		return ""
	}
	if strings.Contains(strings.ToUpper(symbol), "NIFTY") {
		return ""
	}
	return "NSE:" + symbol
}
