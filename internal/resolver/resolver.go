// Package resolver maps subscription keys ("NFO:HDFCBANK") plus an expiry to
// the full set of option contract tokens, with per-underlying metadata.
// Results are cached for the trading day: the catalogue is a daily bulk dump,
// so repeat resolutions within a day must not hit it again.
package resolver

import (
	"context"
	"fmt"
	"log"
	"sort"
	"strings"
	"sync"
	"time"

	"optionstream/internal/filter"
	"optionstream/internal/model"
)

// Resolution is the outcome of resolving one symbol set at one expiry.
type Resolution struct {
	Expiry string

	// Symbols that resolved, in request order.
	Symbols []string

	// Tokens of every contract to subscribe, in symbol order then strike
	// order. Order is stable so shard assignment stays deterministic.
	Tokens []uint32

	// Contracts per underlying key, strike-sorted, CE before PE at equal
	// strikes. Includes contracts pruned from Tokens by the criteria, so
	// the chain builder still joins whatever quotes exist.
	Contracts map[string][]model.OptionInstrument

	// LotSize per underlying key.
	LotSize map[string]int

	// Failed maps symbols that could not be resolved to their error.
	Failed map[string]error
}

// Covers reports whether the symbol was part of this resolution.
func (r *Resolution) Covers(symbol string) bool {
	_, ok := r.Contracts[symbol]
	return ok
}

type cacheEntry struct {
	day string // yyyy-mm-dd of resolution
	key string // symbols + expiry + criteria
	res *Resolution
}

// Resolver resolves symbol sets through the catalogue with a per-day cache.
type Resolver struct {
	catalogue model.Catalogue
	spots     model.SpotSource

	mu     sync.Mutex
	cached *cacheEntry

	now func() time.Time // test hook
}

// New creates a Resolver. spots may be nil when no pre-subscription pruning
// is wanted.
func New(catalogue model.Catalogue, spots model.SpotSource) *Resolver {
	return &Resolver{catalogue: catalogue, spots: spots, now: time.Now}
}

// Resolve maps the symbol set at expiry to subscription tokens. criteria, when
// non-nil, prunes contracts whose strike is too far from the first OTM strike
// of the underlying's spot price before subscription; underlyings without a
// known spot are left unpruned. A symbol that fails resolution is recorded in
// Resolution.Failed and the rest proceed; the call errors only when nothing
// resolved at all.
func (r *Resolver) Resolve(ctx context.Context, symbols []string, expiry string, criteria filter.Criteria) (*Resolution, error) {
	key := cacheKey(symbols, expiry, criteria)
	day := r.now().Format("2006-01-02")

	r.mu.Lock()
	if c := r.cached; c != nil && c.key == key && c.day == day {
		res := c.res
		r.mu.Unlock()
		return res, nil
	}
	r.mu.Unlock()

	res := &Resolution{
		Expiry:    expiry,
		Contracts: make(map[string][]model.OptionInstrument),
		LotSize:   make(map[string]int),
		Failed:    make(map[string]error),
	}

	for _, symbol := range symbols {
		if _, _, err := model.ParseSymbolKey(symbol); err != nil {
			res.Failed[symbol] = &model.ResolutionError{Symbol: symbol, Reason: err.Error()}
			continue
		}

		contracts, err := r.catalogue.Options(ctx, symbol, expiry)
		if err != nil {
			res.Failed[symbol] = err
			continue
		}
		if len(contracts) == 0 {
			res.Failed[symbol] = &model.ResolutionError{Symbol: symbol, Expiry: expiry, Reason: "no option contracts at expiry"}
			continue
		}

		sortContracts(contracts)
		res.Symbols = append(res.Symbols, symbol)
		res.Contracts[symbol] = contracts
		res.LotSize[symbol] = contracts[0].LotSize
		res.Tokens = append(res.Tokens, r.subscribeTokens(ctx, symbol, contracts, criteria)...)
	}

	if len(res.Symbols) == 0 {
		for _, err := range res.Failed {
			return nil, err
		}
		return nil, &model.ResolutionError{Symbol: strings.Join(symbols, ","), Expiry: expiry, Reason: "no symbols resolved"}
	}

	r.mu.Lock()
	r.cached = &cacheEntry{day: day, key: key, res: res}
	r.mu.Unlock()
	return res, nil
}

// subscribeTokens selects which contract tokens to actually subscribe.
// With a criteria and a known spot, strikes are pruned relative to the first
// OTM strike, which keeps the token count under the connection budget when
// streaming many underlyings.
func (r *Resolver) subscribeTokens(ctx context.Context, symbol string, contracts []model.OptionInstrument, criteria filter.Criteria) []uint32 {
	tokens := make([]uint32, 0, len(contracts))

	spotKey := model.SpotSymbolKey(symbol)
	if criteria == nil || spotKey == "" || r.spots == nil {
		for _, c := range contracts {
			tokens = append(tokens, c.Token)
		}
		return tokens
	}

	spot, ok, err := r.spots.Spot(ctx, spotKey)
	if err != nil || !ok || spot <= 0 {
		if err != nil {
			log.Printf("[resolver] spot lookup %s failed: %v, subscribing all strikes", spotKey, err)
		}
		for _, c := range contracts {
			tokens = append(tokens, c.Token)
		}
		return tokens
	}

	anchor := firstOTMStrike(contracts, spot)
	for _, c := range contracts {
		if criteria.Keep(anchor, c.StrikePrice) {
			tokens = append(tokens, c.Token)
		}
	}
	log.Printf("[resolver] %s: criteria %s kept %d of %d contracts around strike %v",
		symbol, criteria.Name(), len(tokens), len(contracts), anchor)
	return tokens
}

// firstOTMStrike returns the lowest strike at or above the spot price, the
// reference point for distance-based pruning. Falls back to the highest
// strike when the spot is beyond the listed range.
func firstOTMStrike(contracts []model.OptionInstrument, spot float64) float64 {
	for _, c := range contracts {
		if c.StrikePrice >= spot {
			return c.StrikePrice
		}
	}
	return contracts[len(contracts)-1].StrikePrice
}

// sortContracts orders by strike ascending, CE before PE at equal strikes.
func sortContracts(contracts []model.OptionInstrument) {
	sort.SliceStable(contracts, func(i, j int) bool {
		if contracts[i].StrikePrice != contracts[j].StrikePrice {
			return contracts[i].StrikePrice < contracts[j].StrikePrice
		}
		return contracts[i].IsCall() && !contracts[j].IsCall()
	})
}

func cacheKey(symbols []string, expiry string, criteria filter.Criteria) string {
	var b strings.Builder
	for _, s := range symbols {
		b.WriteString(s)
		b.WriteByte('|')
	}
	b.WriteString(expiry)
	if criteria != nil {
		b.WriteByte('|')
		fmt.Fprintf(&b, "%s%v", criteria.Name(), criteria)
	}
	return b.String()
}
