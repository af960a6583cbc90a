package resolver

import (
	"context"
	"errors"
	"testing"
	"time"

	"optionstream/internal/filter"
	"optionstream/internal/model"
)

type fakeCatalogue struct {
	calls     int
	contracts map[string][]model.OptionInstrument
}

func (f *fakeCatalogue) Options(_ context.Context, symbol, expiry string) ([]model.OptionInstrument, error) {
	f.calls++
	contracts, ok := f.contracts[symbol]
	if !ok {
		return nil, &model.ResolutionError{Symbol: symbol, Expiry: expiry, Reason: "unknown symbol"}
	}
	return contracts, nil
}

func (f *fakeCatalogue) LastRefresh(context.Context) (time.Time, error) {
	return time.Now(), nil
}

type fakeSpots map[string]float64

func (f fakeSpots) Spot(_ context.Context, symbol string) (float64, bool, error) {
	v, ok := f[symbol]
	return v, ok, nil
}

func contractsFor(name string, strikes []float64) []model.OptionInstrument {
	var out []model.OptionInstrument
	token := uint32(1000)
	for _, s := range strikes {
		for _, side := range []string{"CE", "PE"} {
			out = append(out, model.OptionInstrument{
				Token:          token,
				Exchange:       "NFO",
				Name:           name,
				Expiry:         "23-02-2023",
				StrikePrice:    s,
				LotSize:        550,
				InstrumentType: side,
				Segment:        "NFO-OPT",
			})
			token++
		}
	}
	return out
}

func TestResolve_DailyCacheSkipsSecondCatalogueCall(t *testing.T) {
	cat := &fakeCatalogue{contracts: map[string][]model.OptionInstrument{
		"NFO:HDFCBANK": contractsFor("HDFCBANK", []float64{1550, 1600, 1650}),
	}}
	r := New(cat, nil)

	first, err := r.Resolve(context.Background(), []string{"NFO:HDFCBANK"}, "23-02-2023", nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	second, err := r.Resolve(context.Background(), []string{"NFO:HDFCBANK"}, "23-02-2023", nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cat.calls != 1 {
		t.Errorf("expected 1 catalogue call, got %d", cat.calls)
	}
	if len(first.Tokens) != len(second.Tokens) {
		t.Fatalf("expected identical token sets, got %d and %d", len(first.Tokens), len(second.Tokens))
	}
	for i := range first.Tokens {
		if first.Tokens[i] != second.Tokens[i] {
			t.Errorf("token[%d] differs between resolutions: %d vs %d", i, first.Tokens[i], second.Tokens[i])
		}
	}
}

func TestResolve_CacheExpiresNextDay(t *testing.T) {
	cat := &fakeCatalogue{contracts: map[string][]model.OptionInstrument{
		"NFO:HDFCBANK": contractsFor("HDFCBANK", []float64{1600}),
	}}
	r := New(cat, nil)

	day := time.Date(2023, 2, 20, 10, 0, 0, 0, time.Local)
	r.now = func() time.Time { return day }
	if _, err := r.Resolve(context.Background(), []string{"NFO:HDFCBANK"}, "23-02-2023", nil); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	r.now = func() time.Time { return day.Add(24 * time.Hour) }
	if _, err := r.Resolve(context.Background(), []string{"NFO:HDFCBANK"}, "23-02-2023", nil); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cat.calls != 2 {
		t.Errorf("expected catalogue refresh on day change, got %d calls", cat.calls)
	}
}

func TestResolve_UnknownSymbolFailsThatSymbolOnly(t *testing.T) {
	cat := &fakeCatalogue{contracts: map[string][]model.OptionInstrument{
		"NFO:HDFCBANK": contractsFor("HDFCBANK", []float64{1600}),
	}}
	r := New(cat, nil)

	res, err := r.Resolve(context.Background(), []string{"NFO:HDFCBANK", "NFO:NOSUCH"}, "23-02-2023", nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !res.Covers("NFO:HDFCBANK") {
		t.Error("expected HDFCBANK to resolve")
	}
	failErr, ok := res.Failed["NFO:NOSUCH"]
	if !ok {
		t.Fatal("expected NFO:NOSUCH in failed set")
	}
	var resErr *model.ResolutionError
	if !errors.As(failErr, &resErr) {
		t.Errorf("expected *model.ResolutionError, got %T", failErr)
	}
}

func TestResolve_AllSymbolsFailing(t *testing.T) {
	cat := &fakeCatalogue{contracts: map[string][]model.OptionInstrument{}}
	r := New(cat, nil)

	_, err := r.Resolve(context.Background(), []string{"NFO:NOSUCH"}, "23-02-2023", nil)
	if err == nil {
		t.Fatal("expected error when no symbol resolves")
	}
	var resErr *model.ResolutionError
	if !errors.As(err, &resErr) {
		t.Errorf("expected *model.ResolutionError, got %T", err)
	}
}

func TestResolve_BadSymbolShape(t *testing.T) {
	cat := &fakeCatalogue{contracts: map[string][]model.OptionInstrument{
		"NFO:HDFCBANK": contractsFor("HDFCBANK", []float64{1600}),
	}}
	r := New(cat, nil)

	res, err := r.Resolve(context.Background(), []string{"HDFCBANK", "NFO:HDFCBANK"}, "23-02-2023", nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, ok := res.Failed["HDFCBANK"]; !ok {
		t.Error("expected symbol without exchange prefix to fail validation")
	}
	if cat.calls != 1 {
		t.Errorf("catalogue should not be consulted for malformed symbols, got %d calls", cat.calls)
	}
}

func TestResolve_CriteriaPrunesAroundFirstOTM(t *testing.T) {
	strikes := []float64{750, 800, 900, 1000, 1100, 1200, 1250}
	cat := &fakeCatalogue{contracts: map[string][]model.OptionInstrument{
		"NFO:HDFCBANK": contractsFor("HDFCBANK", strikes),
	}}
	spots := fakeSpots{"NSE:HDFCBANK": 1000}
	r := New(cat, spots)

	res, err := r.Resolve(context.Background(), []string{"NFO:HDFCBANK"}, "23-02-2023", filter.Percentage{Value: 20})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// 5 strikes inside the 20% band, CE+PE each.
	if len(res.Tokens) != 10 {
		t.Errorf("expected 10 subscribed tokens, got %d", len(res.Tokens))
	}
	// All contracts stay available for the chain builder regardless.
	if len(res.Contracts["NFO:HDFCBANK"]) != len(strikes)*2 {
		t.Errorf("expected %d contracts kept for the builder, got %d",
			len(strikes)*2, len(res.Contracts["NFO:HDFCBANK"]))
	}
}

func TestResolve_ContractsStrikeSortedCEFirst(t *testing.T) {
	contracts := contractsFor("HDFCBANK", []float64{1650, 1550, 1600})
	cat := &fakeCatalogue{contracts: map[string][]model.OptionInstrument{"NFO:HDFCBANK": contracts}}
	r := New(cat, nil)

	res, err := r.Resolve(context.Background(), []string{"NFO:HDFCBANK"}, "23-02-2023", nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	got := res.Contracts["NFO:HDFCBANK"]
	prev := -1.0
	for i, c := range got {
		if c.StrikePrice < prev {
			t.Errorf("contracts not strike-sorted at index %d", i)
		}
		if c.StrikePrice == prev && c.IsCall() {
			t.Errorf("CE after PE at strike %v", c.StrikePrice)
		}
		prev = c.StrikePrice
	}
}
