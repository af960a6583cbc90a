// Package stream orchestrates the pipeline: resolve the symbol set, shard
// the tokens across connections, run one ingest worker per shard, wait for
// first-tick coverage and keep chains rebuilding until stopped.
package stream

import (
	"context"
	"fmt"
	"log"
	"sort"
	"strings"
	"sync"
	"time"

	"optionstream/internal/chain"
	"optionstream/internal/filter"
	"optionstream/internal/ingest"
	"optionstream/internal/model"
	"optionstream/internal/resolver"
	"optionstream/internal/shard"
)

// Provider websocket limits. Hard caps, not tunables: the provider drops
// connections beyond these.
const (
	MaxConnections      = 3
	MaxTokensPerConn    = 3000
	DefaultReadyTimeout = 30 * time.Second
)

// Config describes one streaming session.
type Config struct {
	// Symbols are underlying keys, e.g. "NFO:HDFCBANK".
	Symbols []string

	// Expiry in dd-mm-yyyy.
	Expiry string

	// Criteria prunes far-from-spot strikes before subscription and at
	// build time. Nil streams every strike.
	Criteria filter.Criteria

	// BuildInterval between chain rebuild passes. Default 1s.
	BuildInterval time.Duration

	// ReadyTimeout bounds the wait for first-tick coverage in Start.
	ReadyTimeout time.Duration

	// Connection limits, overridable only downward for testing.
	MaxConnections   int
	MaxTokensPerConn int
}

func (c *Config) fill() {
	if c.BuildInterval <= 0 {
		c.BuildInterval = time.Second
	}
	if c.ReadyTimeout <= 0 {
		c.ReadyTimeout = DefaultReadyTimeout
	}
	if c.MaxConnections <= 0 || c.MaxConnections > MaxConnections {
		c.MaxConnections = MaxConnections
	}
	if c.MaxTokensPerConn <= 0 || c.MaxTokensPerConn > MaxTokensPerConn {
		c.MaxTokensPerConn = MaxTokensPerConn
	}
}

// ReadinessTimeoutError reports which shards were still waiting for their
// first tick when the readiness window closed. The stream keeps running.
type ReadinessTimeoutError struct {
	Pending map[int]int // shard id -> tokens without a tick
}

func (e *ReadinessTimeoutError) Error() string {
	ids := make([]int, 0, len(e.Pending))
	for id := range e.Pending {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	parts := make([]string, 0, len(ids))
	for _, id := range ids {
		parts = append(parts, fmt.Sprintf("shard %d: %d tokens", id, e.Pending[id]))
	}
	return "streaming not ready: " + strings.Join(parts, ", ")
}

// ShardStatus is a point-in-time view of one worker.
type ShardStatus struct {
	ID       int  `json:"id"`
	Tokens   int  `json:"tokens"`
	Pending  int  `json:"pending"`
	Degraded bool `json:"degraded"`
}

// Status is a point-in-time view of the stream.
type Status struct {
	Running bool          `json:"running"`
	Symbols []string      `json:"symbols"`
	Expiry  string        `json:"expiry"`
	Tokens  int           `json:"tokens"`
	Shards  []ShardStatus `json:"shards"`
}

// Stream is one live streaming session.
type Stream struct {
	cfg      Config
	resolver *resolver.Resolver
	store    model.QuoteStore
	dial     ingest.DialFunc

	mu      sync.Mutex
	running bool
	res     *resolver.Resolution
	workers []*ingest.Worker
	cancel  context.CancelFunc

	// Optional observation hooks, forwarded to workers and the builder.
	OnTickStored    func(token uint32)
	OnDegraded      func(shard, attempts int)
	OnReconnect     func(shard int)
	OnBuild         func(symbol string, strikes int, took time.Duration)
	OnResolveFailed func(symbol string, err error)
}

func New(cfg Config, res *resolver.Resolver, store model.QuoteStore, dial ingest.DialFunc) *Stream {
	cfg.fill()
	return &Stream{cfg: cfg, resolver: res, store: store, dial: dial}
}

// Start resolves, shards and connects, then blocks until every shard has
// seen a tick for each of its tokens or the readiness window closes. On a
// readiness timeout the stream keeps running and a ReadinessTimeoutError
// tells the caller which shards are behind. Resolution and capacity
// failures abort before any connection is opened.
//
// For a non-blocking start, call Start from its own goroutine and poll
// Status for per-shard readiness; only the readiness wait blocks, the
// workers and builder always run on background goroutines.
func (s *Stream) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("stream already running")
	}
	s.mu.Unlock()

	res, err := s.resolver.Resolve(ctx, s.cfg.Symbols, s.cfg.Expiry, s.cfg.Criteria)
	if err != nil {
		return err
	}
	for symbol, ferr := range res.Failed {
		log.Printf("[stream] skipping %s: %v", symbol, ferr)
		if s.OnResolveFailed != nil {
			s.OnResolveFailed(symbol, ferr)
		}
	}

	shards, err := shard.Split(res.Tokens, s.cfg.MaxConnections, s.cfg.MaxTokensPerConn)
	if err != nil {
		return err
	}

	runCtx, cancel := context.WithCancel(context.Background())

	workers := make([]*ingest.Worker, len(shards))
	for i, tokens := range shards {
		w := ingest.NewWorker(i, tokens, s.dial, s.store)
		w.OnStored = s.OnTickStored
		w.OnDegraded = s.OnDegraded
		w.OnReconnect = s.OnReconnect
		workers[i] = w
	}

	s.mu.Lock()
	s.running = true
	s.res = res
	s.workers = workers
	s.cancel = cancel
	s.mu.Unlock()

	log.Printf("[stream] %d symbols, %d tokens across %d shards, expiry %s",
		len(res.Symbols), len(res.Tokens), len(shards), res.Expiry)

	for _, w := range workers {
		go func(w *ingest.Worker) {
			if err := w.Run(runCtx); err != nil && runCtx.Err() == nil {
				log.Printf("[stream] shard %d exited: %v", w.ID(), err)
			}
		}(w)
	}

	builder := chain.NewBuilder(s.store, s.store, s.store, chain.Config{
		Interval: s.cfg.BuildInterval,
		Criteria: s.cfg.Criteria,
	})
	builder.OnBuild = s.OnBuild
	go builder.Run(runCtx, res)

	return s.awaitReady(ctx, workers)
}

func (s *Stream) awaitReady(ctx context.Context, workers []*ingest.Worker) error {
	timer := time.NewTimer(s.cfg.ReadyTimeout)
	defer timer.Stop()

	for _, w := range workers {
		select {
		case <-w.Ready():
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
			pending := make(map[int]int)
			for _, w := range workers {
				if n := w.PendingCount(); n > 0 {
					pending[w.ID()] = n
				}
			}
			if len(pending) == 0 {
				return nil
			}
			return &ReadinessTimeoutError{Pending: pending}
		}
	}
	return nil
}

// Stop tears down every connection and the build loops. Stored quotes and
// chains stay in the cache.
func (s *Stream) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return
	}
	s.cancel()
	s.running = false
	log.Printf("[stream] stopped")
}

// Fetcher returns the read path bound to this stream's resolved symbol set.
// Valid only after Start has resolved; before that every fetch reports
// ErrNotSubscribed.
func (s *Stream) Fetcher() *chain.Fetcher {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.res == nil {
		return chain.NewFetcher(s.store, emptySubscription{})
	}
	return chain.NewFetcher(s.store, s.res)
}

// Subscription aliases the fetcher's view of the resolved set.
type Subscription = chain.Subscription

type emptySubscription struct{}

func (emptySubscription) Covers(string) bool { return false }

// Status reports the live shard states.
func (s *Stream) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := Status{Running: s.running}
	if s.res != nil {
		st.Symbols = s.res.Symbols
		st.Expiry = s.res.Expiry
		st.Tokens = len(s.res.Tokens)
	}
	for _, w := range s.workers {
		st.Shards = append(st.Shards, ShardStatus{
			ID:       w.ID(),
			Tokens:   w.TokenCount(),
			Pending:  w.PendingCount(),
			Degraded: w.Degraded(),
		})
	}
	return st
}
