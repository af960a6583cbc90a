// Package instruments keeps the option contract catalogue fresh: once per
// trading day the provider's instrument dump is downloaded, filtered to
// option contracts and swapped into the catalogue wholesale.
package instruments

import (
	"context"
	"fmt"
	"log"
	"strconv"
	"time"

	"optionstream/internal/model"
	"optionstream/pkg/kiteconnect"
)

// dumpExpiryLayout is the expiry format of the provider dump (yyyy-mm-dd);
// the catalogue stores dd-mm-yyyy.
const dumpExpiryLayout = "2006-01-02"

// Source downloads the instrument dump. *kiteconnect.Client satisfies it.
type Source interface {
	Instruments(ctx context.Context, exchange string) ([]kiteconnect.Instrument, error)
}

// Sink receives the converted contract set.
type Sink interface {
	ReplaceAll(ctx context.Context, instruments []model.OptionInstrument, fetchedAt time.Time) error
}

// FetchMark records when the dump was last fetched, shared across processes.
type FetchMark interface {
	InstrumentFetchTime(ctx context.Context) (time.Time, error)
	SetInstrumentFetchTime(ctx context.Context, t time.Time) error
}

// Syncer performs the daily catalogue refresh.
type Syncer struct {
	source Source
	sink   Sink
	mark   FetchMark // optional

	// Exchange segment to sync. Defaults to NFO.
	Exchange string

	// OnSync observes completed refreshes.
	OnSync func(contracts int)

	now func() time.Time
}

func NewSyncer(source Source, sink Sink, mark FetchMark) *Syncer {
	return &Syncer{source: source, sink: sink, mark: mark, Exchange: "NFO", now: time.Now}
}

// SyncIfStale refreshes the catalogue unless it was already fetched today.
// Returns whether a refresh happened.
func (s *Syncer) SyncIfStale(ctx context.Context) (bool, error) {
	if s.mark != nil {
		last, err := s.mark.InstrumentFetchTime(ctx)
		if err != nil {
			log.Printf("[instruments] fetch-time lookup failed: %v, refreshing", err)
		} else if sameDay(last, s.now()) {
			return false, nil
		}
	}
	if err := s.Sync(ctx); err != nil {
		return false, err
	}
	return true, nil
}

// Sync unconditionally downloads, converts and swaps in the dump.
func (s *Syncer) Sync(ctx context.Context) error {
	dump, err := s.source.Instruments(ctx, s.Exchange)
	if err != nil {
		return fmt.Errorf("instrument dump: %w", err)
	}

	contracts := Convert(dump)
	if len(contracts) == 0 {
		return fmt.Errorf("instrument dump for %s contained no option contracts", s.Exchange)
	}

	fetchedAt := s.now()
	if err := s.sink.ReplaceAll(ctx, contracts, fetchedAt); err != nil {
		return err
	}
	if s.mark != nil {
		if err := s.mark.SetInstrumentFetchTime(ctx, fetchedAt); err != nil {
			log.Printf("[instruments] recording fetch time: %v", err)
		}
	}
	log.Printf("[instruments] catalogue refreshed: %d option contracts from %s", len(contracts), s.Exchange)
	if s.OnSync != nil {
		s.OnSync(len(contracts))
	}
	return nil
}

// Convert filters the dump to CE/PE contracts and maps them into catalogue
// rows. Rows with unparseable expiries are skipped.
func Convert(dump []kiteconnect.Instrument) []model.OptionInstrument {
	out := make([]model.OptionInstrument, 0, len(dump))
	for _, in := range dump {
		if in.InstrumentType != "CE" && in.InstrumentType != "PE" {
			continue
		}
		expiry, err := time.Parse(dumpExpiryLayout, in.Expiry)
		if err != nil {
			continue
		}
		out = append(out, model.OptionInstrument{
			Token:          in.InstrumentToken,
			ExchangeToken:  strconv.FormatUint(uint64(in.ExchangeToken), 10),
			Exchange:       in.Exchange,
			TradingSymbol:  in.TradingSymbol,
			Name:           in.Name,
			Expiry:         expiry.Format("02-01-2006"),
			StrikePrice:    in.Strike,
			TickSize:       in.TickSize,
			LotSize:        in.LotSize,
			InstrumentType: in.InstrumentType,
			Segment:        in.Segment,
		})
	}
	return out
}

func sameDay(a, b time.Time) bool {
	ay, am, ad := a.Date()
	by, bm, bd := b.Date()
	return ay == by && am == bm && ad == bd
}
