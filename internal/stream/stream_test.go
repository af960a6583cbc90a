package stream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"optionstream/internal/ingest"
	"optionstream/internal/model"
	"optionstream/internal/resolver"
	"optionstream/pkg/kiteticker"
)

// memStore is an in-memory model.QuoteStore.
type memStore struct {
	mu     sync.Mutex
	quotes map[uint32]*model.Quote
	chains map[string][]byte
	spots  map[string]float64
}

func newMemStore() *memStore {
	return &memStore{
		quotes: make(map[uint32]*model.Quote),
		chains: make(map[string][]byte),
		spots:  make(map[string]float64),
	}
}

func (m *memStore) PutQuote(ctx context.Context, q *model.Quote) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.quotes[q.InstrumentToken] = q
	return nil
}

func (m *memStore) GetQuote(ctx context.Context, token uint32) (*model.Quote, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.quotes[token], nil
}

func (m *memStore) GetQuotes(ctx context.Context, tokens []uint32) (map[uint32]*model.Quote, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[uint32]*model.Quote)
	for _, tok := range tokens {
		if q, ok := m.quotes[tok]; ok {
			out[tok] = q
		}
	}
	return out, nil
}

func (m *memStore) PutChain(ctx context.Context, symbol string, chain *model.OptionChain) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.chains[symbol] = chain.JSON()
	return nil
}

func (m *memStore) GetChainJSON(ctx context.Context, symbol string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.chains[symbol], nil
}

func (m *memStore) Spot(ctx context.Context, symbol string) (float64, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.spots[symbol]
	return v, ok, nil
}

func (m *memStore) Close() error { return nil }

// memCatalogue serves a fixed contract list per underlying key.
type memCatalogue struct {
	contracts map[string][]model.OptionInstrument
}

func (c *memCatalogue) Options(ctx context.Context, symbolKey, expiry string) ([]model.OptionInstrument, error) {
	return c.contracts[symbolKey], nil
}

func (c *memCatalogue) LastRefresh(ctx context.Context) (time.Time, error) {
	return time.Now(), nil
}

// fakeConn records its subscription and lets the test inject ticks.
type fakeConn struct {
	mu         sync.Mutex
	hooks      ingest.Hooks
	subscribed []uint32
	full       bool
}

func (c *fakeConn) Connect() error { return nil }
func (c *fakeConn) Subscribe(tokens []uint32) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.subscribed = append(c.subscribed, tokens...)
	return nil
}
func (c *fakeConn) SetMode(mode string, tokens []uint32) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.full = mode == kiteticker.ModeFull
	return nil
}
func (c *fakeConn) Close() {}

func (c *fakeConn) tokens() []uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.full {
		return nil
	}
	return append([]uint32(nil), c.subscribed...)
}

func (c *fakeConn) tick(token uint32, premium float64) {
	c.hooks.OnTick(kiteticker.Tick{
		Mode:            kiteticker.ModeFull,
		InstrumentToken: token,
		Tradable:        true,
		LastPrice:       premium,
	})
}

// connBank collects dialed connections for the test to drive.
type connBank struct {
	mu    sync.Mutex
	conns []*fakeConn
}

func (b *connBank) dial(hooks ingest.Hooks) (ingest.Conn, error) {
	c := &fakeConn{hooks: hooks}
	b.mu.Lock()
	b.conns = append(b.conns, c)
	b.mu.Unlock()
	return c, nil
}

func (b *connBank) count() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.conns)
}

func (b *connBank) all() []*fakeConn {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]*fakeConn(nil), b.conns...)
}

func testContracts(name string, baseToken uint32, strikes ...float64) []model.OptionInstrument {
	var out []model.OptionInstrument
	tok := baseToken
	for _, strike := range strikes {
		for _, side := range []string{"CE", "PE"} {
			out = append(out, model.OptionInstrument{
				Token:          tok,
				Exchange:       "NFO",
				Name:           name,
				TradingSymbol:  fmt.Sprintf("%s%v%s", name, strike, side),
				Expiry:         "26-09-2025",
				StrikePrice:    strike,
				LotSize:        550,
				InstrumentType: side,
				Segment:        "NFO-OPT",
			})
			tok++
		}
	}
	return out
}

func TestStreamEndToEnd(t *testing.T) {
	store := newMemStore()
	cat := &memCatalogue{contracts: map[string][]model.OptionInstrument{
		"NFO:HDFCBANK": testContracts("HDFCBANK", 100, 1580, 1600),
	}}
	bank := &connBank{}

	s := New(Config{
		Symbols:          []string{"NFO:HDFCBANK"},
		Expiry:           "26-09-2025",
		BuildInterval:    10 * time.Millisecond,
		ReadyTimeout:     2 * time.Second,
		MaxConnections:   3,
		MaxTokensPerConn: 2,
	}, resolver.New(cat, store), store, bank.dial)

	startErr := make(chan error, 1)
	go func() { startErr <- s.Start(context.Background()) }()

	// 4 tokens at 2 per connection means 2 shards
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && bank.count() < 2 {
		time.Sleep(5 * time.Millisecond)
	}
	if got := bank.count(); got != 2 {
		t.Fatalf("dialed %d connections, want 2", got)
	}

	// feed one tick per subscribed token on each shard
	for _, conn := range bank.all() {
		toks := conn.tokens()
		for time.Now().Before(deadline) && len(toks) == 0 {
			time.Sleep(5 * time.Millisecond)
			toks = conn.tokens()
		}
		for _, tok := range toks {
			conn.tick(tok, 10+float64(tok))
		}
	}

	select {
	case err := <-startErr:
		if err != nil {
			t.Fatalf("Start: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Start did not return after full coverage")
	}
	defer s.Stop()

	// the builder should produce a chain shortly
	f := s.Fetcher()
	var raw json.RawMessage
	var err error
	for time.Now().Before(deadline) {
		raw, err = f.Fetch(context.Background(), "NFO:HDFCBANK")
		if err == nil {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if err != nil {
		t.Fatalf("Fetch after ready: %v", err)
	}

	var built model.OptionChain
	if err := json.Unmarshal(raw, &built); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	records := built.Expiry["26-09-2025"]
	if len(records) != 2 {
		t.Fatalf("got %d strikes, want 2", len(records))
	}
	for _, rec := range records {
		if rec.CE == nil || rec.PE == nil {
			t.Errorf("strike %v missing a side", rec.StrikePrice)
		}
	}

	st := s.Status()
	if !st.Running || len(st.Shards) != 2 || st.Tokens != 4 {
		t.Errorf("status = %+v", st)
	}
	for _, sh := range st.Shards {
		if sh.Pending != 0 || sh.Degraded {
			t.Errorf("shard %d: pending=%d degraded=%v", sh.ID, sh.Pending, sh.Degraded)
		}
	}
}

func TestStreamReadinessTimeout(t *testing.T) {
	store := newMemStore()
	cat := &memCatalogue{contracts: map[string][]model.OptionInstrument{
		"NFO:HDFCBANK": testContracts("HDFCBANK", 100, 1600),
	}}
	bank := &connBank{}

	s := New(Config{
		Symbols:          []string{"NFO:HDFCBANK"},
		Expiry:           "26-09-2025",
		ReadyTimeout:     50 * time.Millisecond,
		MaxConnections:   3,
		MaxTokensPerConn: 2,
	}, resolver.New(cat, store), store, bank.dial)
	defer s.Stop()

	err := s.Start(context.Background())
	var rte *ReadinessTimeoutError
	if !errors.As(err, &rte) {
		t.Fatalf("err = %v, want ReadinessTimeoutError", err)
	}
	if rte.Pending[0] != 2 {
		t.Errorf("pending = %v, want shard 0 with 2 tokens", rte.Pending)
	}

	// the stream stays up after a readiness timeout
	if !s.Status().Running {
		t.Error("stream not running after readiness timeout")
	}
}

func TestStreamCapacityError(t *testing.T) {
	store := newMemStore()
	cat := &memCatalogue{contracts: map[string][]model.OptionInstrument{
		"NFO:HDFCBANK": testContracts("HDFCBANK", 100, 1500, 1550, 1600, 1650),
	}}
	bank := &connBank{}

	s := New(Config{
		Symbols:          []string{"NFO:HDFCBANK"},
		Expiry:           "26-09-2025",
		MaxConnections:   2,
		MaxTokensPerConn: 2,
	}, resolver.New(cat, store), store, bank.dial)

	err := s.Start(context.Background())
	var ce *model.CapacityError
	if !errors.As(err, &ce) {
		t.Fatalf("err = %v, want CapacityError", err)
	}
	if ce.RequiredConns != 4 {
		t.Errorf("required conns = %d, want 4", ce.RequiredConns)
	}
	if bank.count() != 0 {
		t.Errorf("dialed %d connections before capacity check", bank.count())
	}
}

func TestFetcherBeforeStart(t *testing.T) {
	store := newMemStore()
	s := New(Config{}, resolver.New(&memCatalogue{}, store), store, (&connBank{}).dial)
	if _, err := s.Fetcher().Fetch(context.Background(), "NFO:HDFCBANK"); !errors.Is(err, model.ErrNotSubscribed) {
		t.Errorf("err = %v, want ErrNotSubscribed", err)
	}
}
