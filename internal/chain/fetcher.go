package chain

import (
	"context"
	"encoding/json"
	"fmt"

	"optionstream/internal/model"
)

// Subscription answers whether an underlying is part of the active stream.
// *resolver.Resolution satisfies it.
type Subscription interface {
	Covers(symbol string) bool
}

// Fetcher is the read-only access path for assembled chains. It never
// computes anything: it returns whatever the builder last stored and
// distinguishes "never subscribed" from "subscribed but not built yet".
type Fetcher struct {
	chains model.ChainStore
	sub    Subscription
}

func NewFetcher(chains model.ChainStore, sub Subscription) *Fetcher {
	return &Fetcher{chains: chains, sub: sub}
}

// Fetch returns the stored chain JSON for one underlying key.
// An unknown symbol yields ErrNotSubscribed; a known symbol whose first
// build has not completed yields ErrNotReady.
func (f *Fetcher) Fetch(ctx context.Context, symbol string) (json.RawMessage, error) {
	if !f.sub.Covers(symbol) {
		return nil, fmt.Errorf("%s: %w", symbol, model.ErrNotSubscribed)
	}
	raw, err := f.chains.GetChainJSON(ctx, symbol)
	if err != nil {
		return nil, err
	}
	if raw == nil {
		return nil, fmt.Errorf("%s: %w", symbol, model.ErrNotReady)
	}
	return raw, nil
}

// FetchAll returns the stored chains for several underlyings, keyed by
// symbol. Symbols that fail are reported in the error map; a non-empty
// result alongside a non-empty error map is normal.
func (f *Fetcher) FetchAll(ctx context.Context, symbols []string) (map[string]json.RawMessage, map[string]error) {
	chains := make(map[string]json.RawMessage, len(symbols))
	errs := make(map[string]error)
	for _, symbol := range symbols {
		raw, err := f.Fetch(ctx, symbol)
		if err != nil {
			errs[symbol] = err
			continue
		}
		chains[symbol] = raw
	}
	if len(errs) == 0 {
		errs = nil
	}
	return chains, errs
}
