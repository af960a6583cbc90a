package model

import (
	"context"
	"time"
)

// ── Storage Port Interfaces ──
// These interfaces decouple the pipeline from concrete storage and catalogue
// implementations (Redis, SQLite). Each implementation satisfies one or more.

// QuoteWriter is the ingestion write path: whole-value upserts keyed by
// instrument token, no merge.
type QuoteWriter interface {
	// PutQuote overwrites the stored quote for q.InstrumentToken.
	PutQuote(ctx context.Context, q *Quote) error
}

// QuoteReader reads cached quotes for chain construction.
type QuoteReader interface {
	// GetQuote returns the latest quote for token, or nil if none stored.
	GetQuote(ctx context.Context, token uint32) (*Quote, error)

	// GetQuotes bulk-reads quotes for tokens. Absent tokens are omitted
	// from the result map.
	GetQuotes(ctx context.Context, tokens []uint32) (map[uint32]*Quote, error)
}

// ChainStore reads and writes assembled option chains. PutChain must replace
// the previous chain atomically: readers see either the old or the new chain,
// never a mix.
type ChainStore interface {
	PutChain(ctx context.Context, symbol string, chain *OptionChain) error

	// GetChainJSON returns the serialized chain for symbol, or nil if no
	// chain has been built yet.
	GetChainJSON(ctx context.Context, symbol string) ([]byte, error)
}

// SpotSource resolves the current spot price of an underlying's cash-market
// key (e.g. "NSE:HDFCBANK"). ok is false when no price is known, which is the
// case for index underlyings.
type SpotSource interface {
	Spot(ctx context.Context, symbol string) (float64, bool, error)
}

// QuoteStore is the full cache capability consumed by the stream.
type QuoteStore interface {
	QuoteWriter
	QuoteReader
	ChainStore
	SpotSource
	Close() error
}

// Catalogue is the daily instrument master. Options returns every CE and PE
// contract of the underlying at the expiry, strike-sorted, or a ResolutionError.
type Catalogue interface {
	Options(ctx context.Context, symbolKey, expiry string) ([]OptionInstrument, error)

	// LastRefresh reports when the instrument master was last synced.
	// Zero time means never.
	LastRefresh(ctx context.Context) (time.Time, error)
}
