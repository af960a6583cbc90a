package kiteticker

import (
	"encoding/binary"
	"fmt"
	"time"
)

// DepthLevel is one level of the five-deep bid or offer ladder.
type DepthLevel struct {
	Quantity int64
	Price    float64
	Orders   int64
}

// Depth holds the buy and sell ladders, best level first.
type Depth struct {
	Buy  []DepthLevel
	Sell []DepthLevel
}

// Tick is one parsed market data packet. Field availability depends on Mode:
// ltp packets carry only the last price, quote packets add OHLC and volume,
// full packets add open interest, timestamps and depth.
type Tick struct {
	Mode            string
	InstrumentToken uint32
	IsIndex         bool
	Tradable        bool

	LastPrice          float64
	LastTradedQuantity int64
	AverageTradedPrice float64
	VolumeTraded       int64
	TotalBuyQuantity   int64
	TotalSellQuantity  int64

	Open  float64
	High  float64
	Low   float64
	Close float64

	// Change is the percent move of LastPrice from the previous close.
	Change float64

	LastTradeTime     time.Time
	OI                int64
	OIDayHigh         int64
	OIDayLow          int64
	ExchangeTimestamp time.Time

	Depth Depth
}

// exchange segment constants embedded in the low byte of the token
const (
	segmentCDS     = 3
	segmentBCD     = 6
	segmentIndices = 9
)

// ParseBinary splits a binary frame into packets and parses each into a Tick.
// Frame layout: uint16 packet count, then per packet a uint16 length followed
// by the packet bytes. All integers are big-endian; prices are integers
// scaled by a per-segment divisor.
func ParseBinary(b []byte) ([]Tick, error) {
	if len(b) < 2 {
		return nil, fmt.Errorf("frame too short: %d bytes", len(b))
	}
	count := int(binary.BigEndian.Uint16(b[0:2]))

	ticks := make([]Tick, 0, count)
	offset := 2
	for i := 0; i < count; i++ {
		if offset+2 > len(b) {
			return nil, fmt.Errorf("packet %d: truncated length header", i)
		}
		size := int(binary.BigEndian.Uint16(b[offset : offset+2]))
		offset += 2
		if offset+size > len(b) {
			return nil, fmt.Errorf("packet %d: %d bytes declared, %d left", i, size, len(b)-offset)
		}
		tick, err := parsePacket(b[offset : offset+size])
		if err != nil {
			return nil, fmt.Errorf("packet %d: %w", i, err)
		}
		ticks = append(ticks, tick)
		offset += size
	}
	return ticks, nil
}

func parsePacket(p []byte) (Tick, error) {
	if len(p) < 8 {
		return Tick{}, fmt.Errorf("packet too short: %d bytes", len(p))
	}

	token := binary.BigEndian.Uint32(p[0:4])
	segment := token & 0xFF

	div := 100.0
	switch segment {
	case segmentCDS:
		div = 10000000.0
	case segmentBCD:
		div = 10000.0
	}

	tick := Tick{
		InstrumentToken: token,
		IsIndex:         segment == segmentIndices,
		Tradable:        segment != segmentIndices,
		LastPrice:       price(p, 4, div),
	}

	if tick.IsIndex {
		parseIndexPacket(&tick, p, div)
		return tick, nil
	}

	switch {
	case len(p) >= 184:
		tick.Mode = ModeFull
	case len(p) >= 44:
		tick.Mode = ModeQuote
	default:
		tick.Mode = ModeLTP
		return tick, nil
	}

	tick.LastTradedQuantity = i64(p, 8)
	tick.AverageTradedPrice = price(p, 12, div)
	tick.VolumeTraded = i64(p, 16)
	tick.TotalBuyQuantity = i64(p, 20)
	tick.TotalSellQuantity = i64(p, 24)
	tick.Open = price(p, 28, div)
	tick.High = price(p, 32, div)
	tick.Low = price(p, 36, div)
	tick.Close = price(p, 40, div)
	if tick.Close != 0 {
		tick.Change = (tick.LastPrice - tick.Close) / tick.Close * 100
	}

	if tick.Mode != ModeFull {
		return tick, nil
	}

	tick.LastTradeTime = unixTime(p, 44)
	tick.OI = i64(p, 48)
	tick.OIDayHigh = i64(p, 52)
	tick.OIDayLow = i64(p, 56)
	tick.ExchangeTimestamp = unixTime(p, 60)
	tick.Depth = parseDepth(p[64:184], div)
	return tick, nil
}

// parseIndexPacket handles index packets, whose field order differs from
// tradable instruments and which carry no volume or depth.
func parseIndexPacket(tick *Tick, p []byte, div float64) {
	switch {
	case len(p) >= 32:
		tick.Mode = ModeFull
	case len(p) >= 28:
		tick.Mode = ModeQuote
	default:
		tick.Mode = ModeLTP
		return
	}

	tick.High = price(p, 8, div)
	tick.Low = price(p, 12, div)
	tick.Open = price(p, 16, div)
	tick.Close = price(p, 20, div)
	if tick.Close != 0 {
		tick.Change = (tick.LastPrice - tick.Close) / tick.Close * 100
	}
	if tick.Mode == ModeFull {
		tick.ExchangeTimestamp = unixTime(p, 28)
	}
}

// parseDepth reads the ten 12-byte depth entries: five buy then five sell,
// each (quantity uint32, price uint32, orders uint16, 2 bytes padding).
func parseDepth(b []byte, div float64) Depth {
	d := Depth{
		Buy:  make([]DepthLevel, 0, 5),
		Sell: make([]DepthLevel, 0, 5),
	}
	for i := 0; i < 10; i++ {
		start := i * 12
		if start+12 > len(b) {
			break
		}
		level := DepthLevel{
			Quantity: int64(binary.BigEndian.Uint32(b[start : start+4])),
			Price:    float64(int32(binary.BigEndian.Uint32(b[start+4:start+8]))) / div,
			Orders:   int64(binary.BigEndian.Uint16(b[start+8 : start+10])),
		}
		if i < 5 {
			d.Buy = append(d.Buy, level)
		} else {
			d.Sell = append(d.Sell, level)
		}
	}
	return d
}

func price(p []byte, offset int, div float64) float64 {
	return float64(int32(binary.BigEndian.Uint32(p[offset:offset+4]))) / div
}

func i64(p []byte, offset int) int64 {
	return int64(int32(binary.BigEndian.Uint32(p[offset : offset+4])))
}

func unixTime(p []byte, offset int) time.Time {
	ts := int64(int32(binary.BigEndian.Uint32(p[offset : offset+4])))
	if ts == 0 {
		return time.Time{}
	}
	return time.Unix(ts, 0)
}
