// Package chain assembles option chains from cached quotes: for each
// underlying it joins the call and put quotes at every strike, attaches the
// spot price and writes the result back as one value.
package chain

import (
	"context"
	"log"
	"sort"
	"time"

	"optionstream/internal/filter"
	"optionstream/internal/model"
	"optionstream/internal/resolver"
)

const defaultSource = "kite"

// Config tunes the builder.
type Config struct {
	// Interval between rebuild passes per underlying.
	Interval time.Duration

	// Criteria prunes strikes too far from the spot at build time.
	// Nil keeps every strike.
	Criteria filter.Criteria

	// Source tag stamped on every chain. Defaults to "kite".
	Source string
}

// Builder periodically rebuilds the chain of every resolved underlying.
// Each underlying is rebuilt on its own loop, so two passes over the same
// underlying never overlap and a slow build of one symbol cannot delay others.
type Builder struct {
	quotes model.QuoteReader
	chains model.ChainStore
	spots  model.SpotSource
	cfg    Config

	// OnBuild observes each completed pass.
	OnBuild func(symbol string, strikes int, took time.Duration)
}

func NewBuilder(quotes model.QuoteReader, chains model.ChainStore, spots model.SpotSource, cfg Config) *Builder {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Second
	}
	if cfg.Source == "" {
		cfg.Source = defaultSource
	}
	return &Builder{quotes: quotes, chains: chains, spots: spots, cfg: cfg}
}

// Run rebuilds every underlying of the resolution on the configured interval
// until ctx is cancelled.
func (b *Builder) Run(ctx context.Context, res *resolver.Resolution) {
	for _, symbol := range res.Symbols {
		go b.runSymbol(ctx, symbol, res)
	}
	<-ctx.Done()
}

func (b *Builder) runSymbol(ctx context.Context, symbol string, res *resolver.Resolution) {
	ticker := time.NewTicker(b.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := b.BuildOne(ctx, symbol, res); err != nil {
				log.Printf("[chain] build %s: %v", symbol, err)
			}
		}
	}
}

// BuildAll runs a single pass over every resolved underlying.
func (b *Builder) BuildAll(ctx context.Context, res *resolver.Resolution) error {
	for _, symbol := range res.Symbols {
		if err := b.BuildOne(ctx, symbol, res); err != nil {
			return err
		}
	}
	return nil
}

// BuildOne assembles and stores the chain for one underlying. When not a
// single contract has ticked yet the pass is a no-op: the previously stored
// chain, if any, stays untouched.
func (b *Builder) BuildOne(ctx context.Context, symbol string, res *resolver.Resolution) error {
	started := time.Now()

	contracts := res.Contracts[symbol]
	if len(contracts) == 0 {
		return &model.ResolutionError{Symbol: symbol, Expiry: res.Expiry, Reason: "no contracts resolved"}
	}

	tokens := make([]uint32, len(contracts))
	for i, c := range contracts {
		tokens[i] = c.Token
	}
	quotes, err := b.quotes.GetQuotes(ctx, tokens)
	if err != nil {
		return err
	}
	if len(quotes) == 0 {
		return nil
	}

	spot := b.lookupSpot(ctx, symbol)
	records := b.assemble(contracts, quotes, spot)

	exchange, name, err := model.ParseSymbolKey(symbol)
	if err != nil {
		return err
	}
	chain := &model.OptionChain{
		TradingSymbol:   name,
		Exchange:        exchange,
		Segment:         contracts[0].Segment,
		UnderlyingValue: spot,
		Expiry:          map[string][]model.StrikeRecord{res.Expiry: records},
		Source:          b.cfg.Source,
		LotSize:         res.LotSize[symbol],
	}
	if err := b.chains.PutChain(ctx, symbol, chain); err != nil {
		return err
	}

	if b.OnBuild != nil {
		b.OnBuild(symbol, len(records), time.Since(started))
	}
	return nil
}

// lookupSpot returns the underlying spot, or nil when unknown (index
// underlyings, missing cash quote, lookup failure).
func (b *Builder) lookupSpot(ctx context.Context, symbol string) *float64 {
	if b.spots == nil {
		return nil
	}
	spotKey := model.SpotSymbolKey(symbol)
	if spotKey == "" {
		return nil
	}
	value, ok, err := b.spots.Spot(ctx, spotKey)
	if err != nil {
		log.Printf("[chain] spot lookup %s: %v", spotKey, err)
		return nil
	}
	if !ok {
		return nil
	}
	return &value
}

// assemble joins quotes by strike, ascending. Strikes where neither side has
// ticked are dropped; strikes outside the criteria band around the spot are
// dropped when the spot is known.
func (b *Builder) assemble(contracts []model.OptionInstrument, quotes map[uint32]*model.Quote, spot *float64) []model.StrikeRecord {
	byStrike := make(map[float64]*model.StrikeRecord)
	for i := range contracts {
		c := &contracts[i]
		if b.cfg.Criteria != nil && spot != nil && !b.cfg.Criteria.Keep(*spot, c.StrikePrice) {
			continue
		}
		q, ok := quotes[c.Token]
		if !ok {
			continue
		}
		rec := byStrike[c.StrikePrice]
		if rec == nil {
			rec = &model.StrikeRecord{StrikePrice: c.StrikePrice}
			byStrike[c.StrikePrice] = rec
		}
		if c.IsCall() {
			rec.CE = model.NewOptionDetail(q)
		} else {
			rec.PE = model.NewOptionDetail(q)
		}
	}

	records := make([]model.StrikeRecord, 0, len(byStrike))
	for _, rec := range byStrike {
		records = append(records, *rec)
	}
	sort.Slice(records, func(i, j int) bool {
		return records[i].StrikePrice < records[j].StrikePrice
	})
	return records
}
