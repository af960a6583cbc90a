// Package ingest runs one streaming worker per connection shard: it
// subscribes the shard's tokens in full mode and writes every tick into the
// quote cache as a whole-value upsert.
package ingest

import (
	"context"
	"log"
	"sync"
	"time"

	"optionstream/internal/model"
	"optionstream/pkg/kiteticker"
)

// Conn is the streaming connection a worker drives. *kiteticker.Ticker
// satisfies it once wrapped by KiteDialer.
type Conn interface {
	Connect() error
	Subscribe(tokens []uint32) error
	SetMode(mode string, tokens []uint32) error
	Close()
}

// Hooks are the connection callbacks a worker installs before dialing.
type Hooks struct {
	OnConnect     func()
	OnTick        func(kiteticker.Tick)
	OnError       func(err error)
	OnReconnect   func(attempt int, delay time.Duration)
	OnNoReconnect func(attempts int)
}

// DialFunc builds a connection with the given hooks installed. Separating
// dialing from the worker keeps the worker testable without a live socket.
type DialFunc func(hooks Hooks) (Conn, error)

// KiteDialer returns a DialFunc that creates real websocket tickers.
func KiteDialer(cfg kiteticker.Config) DialFunc {
	return func(hooks Hooks) (Conn, error) {
		t, err := kiteticker.New(cfg)
		if err != nil {
			return nil, err
		}
		t.OnConnect = hooks.OnConnect
		t.OnTick = hooks.OnTick
		t.OnError = hooks.OnError
		t.OnReconnect = hooks.OnReconnect
		t.OnNoReconnect = hooks.OnNoReconnect
		return t, nil
	}
}

// Worker owns one shard of tokens on one connection. It is ready once every
// assigned token has produced at least one stored tick, and degraded once the
// connection exhausts its reconnect budget.
type Worker struct {
	id     int
	tokens []uint32
	dial   DialFunc
	store  model.QuoteWriter

	mu       sync.Mutex
	pending  map[uint32]struct{}
	degraded bool

	readyOnce sync.Once
	readyCh   chan struct{}

	// Initial-connect retry budget, mirroring the ticker's reconnect
	// defaults so a startup outage and a mid-session drop degrade alike.
	ConnectRetries  int
	ConnectDelay    time.Duration
	MaxConnectDelay time.Duration

	// Optional observation hooks.
	OnStored    func(token uint32)
	OnDegraded  func(shard int, attempts int)
	OnReconnect func(shard int)
}

func NewWorker(id int, tokens []uint32, dial DialFunc, store model.QuoteWriter) *Worker {
	pending := make(map[uint32]struct{}, len(tokens))
	for _, tok := range tokens {
		pending[tok] = struct{}{}
	}
	return &Worker{
		id:              id,
		tokens:          tokens,
		dial:            dial,
		store:           store,
		pending:         pending,
		readyCh:         make(chan struct{}),
		ConnectRetries:  5,
		ConnectDelay:    2 * time.Second,
		MaxConnectDelay: 30 * time.Second,
	}
}

func (w *Worker) ID() int { return w.id }

// TokenCount is the size of the assigned shard.
func (w *Worker) TokenCount() int { return len(w.tokens) }

// Ready is closed once every assigned token has ticked at least once.
func (w *Worker) Ready() <-chan struct{} { return w.readyCh }

// PendingCount reports how many assigned tokens have not ticked yet.
func (w *Worker) PendingCount() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.pending)
}

// Degraded reports whether the connection gave up reconnecting. A degraded
// worker's quotes stay readable from the cache; they just stop updating.
func (w *Worker) Degraded() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.degraded
}

// Run connects, subscribes the shard and streams until ctx is cancelled.
// The initial connect is retried with bounded exponential backoff; once the
// budget is exhausted the shard is marked degraded, the same terminal state
// a mid-session drop reaches through the ticker's reconnect loop.
func (w *Worker) Run(ctx context.Context) error {
	delay := w.ConnectDelay
	var lastErr error

	for attempt := 1; attempt <= w.ConnectRetries; attempt++ {
		if attempt > 1 {
			log.Printf("[ingest] shard %d retrying connect, attempt %d in %s", w.id, attempt, delay)
			if w.OnReconnect != nil {
				w.OnReconnect(w.id)
			}
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
			delay *= 2
			if delay > w.MaxConnectDelay {
				delay = w.MaxConnectDelay
			}
		}

		conn, err := w.open(ctx)
		if err != nil {
			lastErr = err
			log.Printf("[ingest] shard %d connect attempt %d: %v", w.id, attempt, err)
			continue
		}

		<-ctx.Done()
		conn.Close()
		return ctx.Err()
	}

	log.Printf("[ingest] shard %d degraded, initial connect failed %d times: %v", w.id, w.ConnectRetries, lastErr)
	w.mu.Lock()
	w.degraded = true
	w.mu.Unlock()
	if w.OnDegraded != nil {
		w.OnDegraded(w.id, w.ConnectRetries)
	}
	return lastErr
}

// open dials and brings one connection up to full-mode streaming.
func (w *Worker) open(ctx context.Context) (Conn, error) {
	conn, err := w.dial(Hooks{
		OnConnect: func() {
			log.Printf("[ingest] shard %d connected, subscribing %d tokens", w.id, len(w.tokens))
		},
		OnTick: func(tick kiteticker.Tick) {
			w.handleTick(ctx, tick)
		},
		OnError: func(err error) {
			log.Printf("[ingest] shard %d stream error: %v", w.id, err)
		},
		OnReconnect: func(attempt int, delay time.Duration) {
			log.Printf("[ingest] shard %d reconnecting, attempt %d in %s", w.id, attempt, delay)
			if w.OnReconnect != nil {
				w.OnReconnect(w.id)
			}
		},
		OnNoReconnect: func(attempts int) {
			log.Printf("[ingest] shard %d degraded after %d reconnect attempts", w.id, attempts)
			w.mu.Lock()
			w.degraded = true
			w.mu.Unlock()
			if w.OnDegraded != nil {
				w.OnDegraded(w.id, attempts)
			}
		},
	})
	if err != nil {
		return nil, err
	}

	if err := conn.Connect(); err != nil {
		return nil, err
	}
	if err := conn.Subscribe(w.tokens); err != nil {
		conn.Close()
		return nil, err
	}
	if err := conn.SetMode(kiteticker.ModeFull, w.tokens); err != nil {
		conn.Close()
		return nil, err
	}
	return conn, nil
}

func (w *Worker) handleTick(ctx context.Context, tick kiteticker.Tick) {
	quote := QuoteFromTick(tick)
	if err := w.store.PutQuote(ctx, quote); err != nil {
		log.Printf("[ingest] shard %d store tick %d: %v", w.id, tick.InstrumentToken, err)
		return
	}
	if w.OnStored != nil {
		w.OnStored(tick.InstrumentToken)
	}

	w.mu.Lock()
	if _, ok := w.pending[tick.InstrumentToken]; ok {
		delete(w.pending, tick.InstrumentToken)
		if len(w.pending) == 0 {
			w.readyOnce.Do(func() { close(w.readyCh) })
		}
	}
	w.mu.Unlock()
}

// QuoteFromTick converts a parsed wire tick into the cache representation.
// Timestamps are rendered as strings in the stored-quote layout.
func QuoteFromTick(tick kiteticker.Tick) *model.Quote {
	q := &model.Quote{
		InstrumentToken:    tick.InstrumentToken,
		Mode:               tick.Mode,
		Tradable:           tick.Tradable,
		LastPrice:          tick.LastPrice,
		LastTradedQuantity: tick.LastTradedQuantity,
		AverageTradedPrice: tick.AverageTradedPrice,
		VolumeTraded:       tick.VolumeTraded,
		TotalBuyQuantity:   tick.TotalBuyQuantity,
		TotalSellQuantity:  tick.TotalSellQuantity,
		OHLC: model.OHLC{
			Open:  tick.Open,
			High:  tick.High,
			Low:   tick.Low,
			Close: tick.Close,
		},
		Change:            tick.Change,
		LastTradeTime:     model.FormatTickTime(tick.LastTradeTime),
		OI:                tick.OI,
		OIDayHigh:         tick.OIDayHigh,
		OIDayLow:          tick.OIDayLow,
		ExchangeTimestamp: model.FormatTickTime(tick.ExchangeTimestamp),
		Depth: model.Depth{
			Buy:  depthItems(tick.Depth.Buy),
			Sell: depthItems(tick.Depth.Sell),
		},
	}
	return q
}

func depthItems(levels []kiteticker.DepthLevel) []model.DepthItem {
	if len(levels) == 0 {
		return nil
	}
	items := make([]model.DepthItem, len(levels))
	for i, l := range levels {
		items[i] = model.DepthItem{Quantity: l.Quantity, Price: l.Price, Orders: l.Orders}
	}
	return items
}
