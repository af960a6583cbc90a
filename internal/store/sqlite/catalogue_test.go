package sqlite

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"optionstream/internal/model"
)

func openTestCatalogue(t *testing.T) *Catalogue {
	t.Helper()
	cat, err := Open(Config{DBPath: filepath.Join(t.TempDir(), "instruments.db")})
	if err != nil {
		t.Fatalf("open catalogue: %v", err)
	}
	t.Cleanup(func() { cat.Close() })
	return cat
}

func seedInstruments() []model.OptionInstrument {
	var out []model.OptionInstrument
	token := uint32(20592386)
	for _, strike := range []float64{1360, 1400, 1440} {
		for _, side := range []string{"PE", "CE"} { // intentionally unsorted
			out = append(out, model.OptionInstrument{
				Token:          token,
				ExchangeToken:  "80439",
				Exchange:       "NFO",
				TradingSymbol:  "HDFCBANK23FEB" + side,
				Name:           "HDFCBANK",
				Expiry:         "23-02-2023",
				StrikePrice:    strike,
				TickSize:       0.05,
				LotSize:        550,
				InstrumentType: side,
				Segment:        "NFO-OPT",
			})
			token++
		}
	}
	return out
}

func TestCatalogue_OptionsSortedAndComplete(t *testing.T) {
	cat := openTestCatalogue(t)
	ctx := context.Background()

	if err := cat.ReplaceAll(ctx, seedInstruments(), time.Now()); err != nil {
		t.Fatalf("replace: %v", err)
	}

	got, err := cat.Options(ctx, "NFO:HDFCBANK", "23-02-2023")
	if err != nil {
		t.Fatalf("options: %v", err)
	}
	if len(got) != 6 {
		t.Fatalf("expected 6 contracts, got %d", len(got))
	}

	prev := -1.0
	for i, c := range got {
		if c.StrikePrice < prev {
			t.Errorf("not strike sorted at %d", i)
		}
		if c.StrikePrice == prev && c.IsCall() {
			t.Errorf("CE should precede PE at strike %v", c.StrikePrice)
		}
		prev = c.StrikePrice
	}
	if !got[0].IsCall() {
		t.Error("expected first contract at lowest strike to be the CE")
	}
}

func TestCatalogue_UnknownSymbolVsUnknownExpiry(t *testing.T) {
	cat := openTestCatalogue(t)
	ctx := context.Background()
	if err := cat.ReplaceAll(ctx, seedInstruments(), time.Now()); err != nil {
		t.Fatalf("replace: %v", err)
	}

	var resErr *model.ResolutionError

	_, err := cat.Options(ctx, "NFO:NOSUCH", "23-02-2023")
	if !errors.As(err, &resErr) {
		t.Fatalf("expected ResolutionError, got %v", err)
	}
	if resErr.Reason != "unknown underlying symbol" {
		t.Errorf("expected unknown-symbol reason, got %q", resErr.Reason)
	}

	_, err = cat.Options(ctx, "NFO:HDFCBANK", "30-03-2023")
	if !errors.As(err, &resErr) {
		t.Fatalf("expected ResolutionError, got %v", err)
	}
	if resErr.Reason != "no option contracts at expiry" {
		t.Errorf("expected no-contracts reason, got %q", resErr.Reason)
	}
}

func TestCatalogue_ReplaceAllSwapsWholesale(t *testing.T) {
	cat := openTestCatalogue(t)
	ctx := context.Background()

	if err := cat.ReplaceAll(ctx, seedInstruments(), time.Now()); err != nil {
		t.Fatalf("replace: %v", err)
	}

	fresh := []model.OptionInstrument{{
		Token: 99, ExchangeToken: "1", Exchange: "NFO", TradingSymbol: "SBIN23FEB600CE",
		Name: "SBIN", Expiry: "23-02-2023", StrikePrice: 600, TickSize: 0.05,
		LotSize: 1500, InstrumentType: "CE", Segment: "NFO-OPT",
	}}
	if err := cat.ReplaceAll(ctx, fresh, time.Now()); err != nil {
		t.Fatalf("second replace: %v", err)
	}

	if _, err := cat.Options(ctx, "NFO:HDFCBANK", "23-02-2023"); err == nil {
		t.Error("expected old rows gone after wholesale replace")
	}
	got, err := cat.Options(ctx, "NFO:SBIN", "23-02-2023")
	if err != nil || len(got) != 1 {
		t.Errorf("expected 1 fresh row, got %d (err %v)", len(got), err)
	}
}

func TestCatalogue_LastRefresh(t *testing.T) {
	cat := openTestCatalogue(t)
	ctx := context.Background()

	ts, err := cat.LastRefresh(ctx)
	if err != nil {
		t.Fatalf("last refresh: %v", err)
	}
	if !ts.IsZero() {
		t.Error("expected zero refresh time before first sync")
	}

	when := time.Date(2023, 2, 20, 8, 30, 0, 0, time.UTC)
	if err := cat.ReplaceAll(ctx, seedInstruments(), when); err != nil {
		t.Fatalf("replace: %v", err)
	}
	ts, err = cat.LastRefresh(ctx)
	if err != nil {
		t.Fatalf("last refresh: %v", err)
	}
	if !ts.Equal(when) {
		t.Errorf("expected refresh time %v, got %v", when, ts)
	}
}

func TestCatalogue_Expiries(t *testing.T) {
	cat := openTestCatalogue(t)
	ctx := context.Background()

	rows := seedInstruments()
	rows = append(rows, model.OptionInstrument{
		Token: 500, ExchangeToken: "2", Exchange: "NFO", TradingSymbol: "HDFCBANK23MAR1400CE",
		Name: "HDFCBANK", Expiry: "30-03-2023", StrikePrice: 1400, TickSize: 0.05,
		LotSize: 550, InstrumentType: "CE", Segment: "NFO-OPT",
	})
	if err := cat.ReplaceAll(ctx, rows, time.Now()); err != nil {
		t.Fatalf("replace: %v", err)
	}

	expiries, err := cat.Expiries(ctx, "NFO:HDFCBANK")
	if err != nil {
		t.Fatalf("expiries: %v", err)
	}
	if len(expiries) != 2 {
		t.Errorf("expected 2 expiries, got %v", expiries)
	}
}
