package kiteticker

import (
	"encoding/binary"
	"math"
	"testing"
	"time"
)

func putU32(b []byte, offset int, v uint32) {
	binary.BigEndian.PutUint32(b[offset:offset+4], v)
}

// buildFullPacket crafts a 184-byte full-mode packet for a tradable
// instrument (NFO segment low byte).
func buildFullPacket(token uint32) []byte {
	p := make([]byte, 184)
	putU32(p, 0, token)
	putU32(p, 4, 12345)  // ltp 123.45
	putU32(p, 8, 50)     // last traded qty
	putU32(p, 12, 12300) // avg price 123.00
	putU32(p, 16, 9000)  // volume
	putU32(p, 20, 400)   // total buy qty
	putU32(p, 24, 600)   // total sell qty
	putU32(p, 28, 12000) // open 120.00
	putU32(p, 32, 12600) // high 126.00
	putU32(p, 36, 11900) // low 119.00
	putU32(p, 40, 12000) // close 120.00
	putU32(p, 44, 1700000000)
	putU32(p, 48, 150000) // oi
	putU32(p, 52, 160000)
	putU32(p, 56, 140000)
	putU32(p, 60, 1700000005)
	for i := 0; i < 10; i++ {
		start := 64 + i*12
		putU32(p, start, uint32(100+i))     // qty
		putU32(p, start+4, uint32(12340+i)) // price
		binary.BigEndian.PutUint16(p[start+8:start+10], uint16(i+1))
	}
	return p
}

func frame(packets ...[]byte) []byte {
	b := make([]byte, 2)
	binary.BigEndian.PutUint16(b, uint16(len(packets)))
	for _, p := range packets {
		size := make([]byte, 2)
		binary.BigEndian.PutUint16(size, uint16(len(p)))
		b = append(b, size...)
		b = append(b, p...)
	}
	return b
}

func TestParseBinary_FullPacket(t *testing.T) {
	// NFO tokens have low byte 2
	token := uint32(53490)<<8 | 2
	ticks, err := ParseBinary(frame(buildFullPacket(token)))
	if err != nil {
		t.Fatalf("ParseBinary: %v", err)
	}
	if len(ticks) != 1 {
		t.Fatalf("got %d ticks, want 1", len(ticks))
	}
	tick := ticks[0]

	if tick.Mode != ModeFull {
		t.Errorf("mode = %q, want %q", tick.Mode, ModeFull)
	}
	if tick.InstrumentToken != token {
		t.Errorf("token = %d, want %d", tick.InstrumentToken, token)
	}
	if !tick.Tradable || tick.IsIndex {
		t.Errorf("tradable = %v, index = %v for NFO token", tick.Tradable, tick.IsIndex)
	}
	if tick.LastPrice != 123.45 {
		t.Errorf("last price = %v, want 123.45", tick.LastPrice)
	}
	if tick.VolumeTraded != 9000 {
		t.Errorf("volume = %d, want 9000", tick.VolumeTraded)
	}
	if tick.OI != 150000 {
		t.Errorf("oi = %d, want 150000", tick.OI)
	}
	if tick.Open != 120 || tick.High != 126 || tick.Low != 119 || tick.Close != 120 {
		t.Errorf("ohlc = %v/%v/%v/%v", tick.Open, tick.High, tick.Low, tick.Close)
	}
	wantChange := (123.45 - 120.0) / 120.0 * 100
	if math.Abs(tick.Change-wantChange) > 1e-9 {
		t.Errorf("change = %v, want %v", tick.Change, wantChange)
	}
	if got := tick.ExchangeTimestamp; !got.Equal(time.Unix(1700000005, 0)) {
		t.Errorf("exchange timestamp = %v", got)
	}
	if got := tick.LastTradeTime; !got.Equal(time.Unix(1700000000, 0)) {
		t.Errorf("last trade time = %v", got)
	}

	if len(tick.Depth.Buy) != 5 || len(tick.Depth.Sell) != 5 {
		t.Fatalf("depth sizes = %d buy, %d sell", len(tick.Depth.Buy), len(tick.Depth.Sell))
	}
	if tick.Depth.Buy[0].Quantity != 100 || tick.Depth.Buy[0].Price != 123.40 || tick.Depth.Buy[0].Orders != 1 {
		t.Errorf("best bid = %+v", tick.Depth.Buy[0])
	}
	if tick.Depth.Sell[0].Quantity != 105 || tick.Depth.Sell[0].Price != 123.45 || tick.Depth.Sell[0].Orders != 6 {
		t.Errorf("best ask = %+v", tick.Depth.Sell[0])
	}
}

func TestParseBinary_LTPPacket(t *testing.T) {
	p := make([]byte, 8)
	putU32(p, 0, 408065) // low byte 1, NSE
	putU32(p, 4, 150075)

	ticks, err := ParseBinary(frame(p))
	if err != nil {
		t.Fatalf("ParseBinary: %v", err)
	}
	if ticks[0].Mode != ModeLTP {
		t.Errorf("mode = %q, want %q", ticks[0].Mode, ModeLTP)
	}
	if ticks[0].LastPrice != 1500.75 {
		t.Errorf("last price = %v, want 1500.75", ticks[0].LastPrice)
	}
}

func TestParseBinary_IndexFullPacket(t *testing.T) {
	p := make([]byte, 32)
	putU32(p, 0, 256265)   // NIFTY 50, low byte 9
	putU32(p, 4, 2250000)  // ltp 22500.00
	putU32(p, 8, 2260000)  // high
	putU32(p, 12, 2240000) // low
	putU32(p, 16, 2245000) // open
	putU32(p, 20, 2248000) // close
	putU32(p, 24, 0)       // unused net change field
	putU32(p, 28, 1700000010)

	ticks, err := ParseBinary(frame(p))
	if err != nil {
		t.Fatalf("ParseBinary: %v", err)
	}
	tick := ticks[0]
	if !tick.IsIndex || tick.Tradable {
		t.Errorf("index = %v, tradable = %v for index token", tick.IsIndex, tick.Tradable)
	}
	if tick.Mode != ModeFull {
		t.Errorf("mode = %q, want %q", tick.Mode, ModeFull)
	}
	if tick.LastPrice != 22500 || tick.High != 22600 || tick.Low != 22400 || tick.Open != 22450 || tick.Close != 22480 {
		t.Errorf("prices = %v h=%v l=%v o=%v c=%v", tick.LastPrice, tick.High, tick.Low, tick.Open, tick.Close)
	}
	if !tick.ExchangeTimestamp.Equal(time.Unix(1700000010, 0)) {
		t.Errorf("exchange timestamp = %v", tick.ExchangeTimestamp)
	}
}

func TestParseBinary_MultiplePackets(t *testing.T) {
	full := buildFullPacket(uint32(100)<<8 | 2)
	ltp := make([]byte, 8)
	putU32(ltp, 0, 408065)
	putU32(ltp, 4, 99900)

	ticks, err := ParseBinary(frame(full, ltp))
	if err != nil {
		t.Fatalf("ParseBinary: %v", err)
	}
	if len(ticks) != 2 {
		t.Fatalf("got %d ticks, want 2", len(ticks))
	}
	if ticks[0].Mode != ModeFull || ticks[1].Mode != ModeLTP {
		t.Errorf("modes = %q, %q", ticks[0].Mode, ticks[1].Mode)
	}
}

func TestParseBinary_Truncated(t *testing.T) {
	full := buildFullPacket(uint32(100)<<8 | 2)
	f := frame(full)
	if _, err := ParseBinary(f[:len(f)-20]); err == nil {
		t.Error("expected error for truncated frame")
	}
	if _, err := ParseBinary([]byte{0x00}); err == nil {
		t.Error("expected error for undersized frame")
	}
}

func TestParseBinary_ZeroCloseNoChange(t *testing.T) {
	p := buildFullPacket(uint32(100)<<8 | 2)
	putU32(p, 40, 0) // close
	ticks, err := ParseBinary(frame(p))
	if err != nil {
		t.Fatalf("ParseBinary: %v", err)
	}
	if ticks[0].Change != 0 {
		t.Errorf("change = %v, want 0 when close is 0", ticks[0].Change)
	}
}
