package redis

import (
	"context"
	"log"
	"sync"

	"optionstream/internal/model"
)

// BufferedStore wraps a Store's quote write path with a circuit breaker.
// While the circuit is open, quotes are held locally and replayed once Redis
// recovers. Quotes are last-write-wins, so the buffer coalesces by token:
// only the newest quote per instrument survives, bounding memory at one
// entry per subscribed token.
type BufferedStore struct {
	*Store
	cb  *CircuitBreaker
	ctx context.Context

	mu      sync.Mutex
	pending map[uint32]*model.Quote

	// Callbacks (optional, for metrics)
	OnBuffer func()
	OnFlush  func(count int)
}

// NewBufferedStore wraps store with the given circuit breaker. Buffered
// quotes flush automatically when the circuit closes.
func NewBufferedStore(ctx context.Context, store *Store, cb *CircuitBreaker) *BufferedStore {
	bs := &BufferedStore{
		Store:   store,
		cb:      cb,
		ctx:     ctx,
		pending: make(map[uint32]*model.Quote),
	}

	prev := cb.OnStateChange
	cb.OnStateChange = func(from, to State) {
		if prev != nil {
			prev(from, to)
		}
		if to == StateClosed {
			go bs.flush()
		}
	}

	return bs
}

// PutQuote writes through the circuit breaker, buffering when the circuit
// is open. A buffered write is not an error: the quote will reach the cache
// when Redis recovers, superseded by any newer quote for the same token.
func (bs *BufferedStore) PutQuote(ctx context.Context, q *model.Quote) error {
	err := bs.cb.Execute(func() error {
		return bs.Store.PutQuote(ctx, q)
	})
	if err == ErrCircuitOpen {
		bs.buffer(q)
		return nil
	}
	return err
}

func (bs *BufferedStore) buffer(q *model.Quote) {
	bs.mu.Lock()
	bs.pending[q.InstrumentToken] = q
	bs.mu.Unlock()

	if bs.OnBuffer != nil {
		bs.OnBuffer()
	}
}

// flush replays coalesced pending quotes through the store.
func (bs *BufferedStore) flush() {
	bs.mu.Lock()
	if len(bs.pending) == 0 {
		bs.mu.Unlock()
		return
	}
	toFlush := bs.pending
	bs.pending = make(map[uint32]*model.Quote)
	bs.mu.Unlock()

	for _, q := range toFlush {
		if err := bs.Store.PutQuote(bs.ctx, q); err != nil {
			log.Printf("[redis] flush of buffered quote %d failed: %v", q.InstrumentToken, err)
		}
	}

	log.Printf("[redis] flushed %d buffered quotes", len(toFlush))
	if bs.OnFlush != nil {
		bs.OnFlush(len(toFlush))
	}
}

// PendingCount returns the number of quotes waiting to be flushed.
func (bs *BufferedStore) PendingCount() int {
	bs.mu.Lock()
	defer bs.mu.Unlock()
	return len(bs.pending)
}
