// Package redis implements the quote cache and chain store on Redis.
// Layout: latest quotes live in the "ticks" hash keyed by instrument token,
// assembled chains in the "option_chain" hash keyed by trading symbol, and
// underlying spot prices in the "ltp" hash. Every write is a whole-value
// upsert of a single hash field, so readers never see partial values.
package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strconv"
	"time"

	"optionstream/internal/model"

	goredis "github.com/go-redis/redis/v8"
)

const (
	ticksHash       = "ticks"
	chainHash       = "option_chain"
	ltpHash         = "ltp"
	configKey       = "option_chain_config"
	lastFetchLayout = "02-01-2006 15:04:05"
)

// Config configures the Redis store.
type Config struct {
	Addr     string // e.g. "localhost:6379"
	Password string
	DB       int
}

// Store implements model.QuoteStore on a Redis hash layout.
type Store struct {
	client *goredis.Client
}

// New creates a Store and pings the server.
func New(cfg Config) (*Store, error) {
	client := goredis.NewClient(&goredis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping: %w", err)
	}

	log.Printf("[redis] connected to %s", cfg.Addr)
	return &Store{client: client}, nil
}

// Client returns the underlying Redis client for health checks.
func (s *Store) Client() *goredis.Client { return s.client }

// PutQuote overwrites the stored quote for its instrument token.
func (s *Store) PutQuote(ctx context.Context, q *model.Quote) error {
	field := strconv.FormatUint(uint64(q.InstrumentToken), 10)
	if err := s.client.HSet(ctx, ticksHash, field, q.JSON()).Err(); err != nil {
		return fmt.Errorf("hset %s %s: %w", ticksHash, field, err)
	}
	return nil
}

// GetQuote returns the latest quote for token, or nil when none is stored.
func (s *Store) GetQuote(ctx context.Context, token uint32) (*model.Quote, error) {
	field := strconv.FormatUint(uint64(token), 10)
	data, err := s.client.HGet(ctx, ticksHash, field).Result()
	if err == goredis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("hget %s %s: %w", ticksHash, field, err)
	}
	var q model.Quote
	if err := json.Unmarshal([]byte(data), &q); err != nil {
		return nil, fmt.Errorf("unmarshal quote %s: %w", field, err)
	}
	return &q, nil
}

// GetQuotes bulk-reads quotes with one HMGET. Tokens with no stored quote are
// omitted from the result.
func (s *Store) GetQuotes(ctx context.Context, tokens []uint32) (map[uint32]*model.Quote, error) {
	if len(tokens) == 0 {
		return nil, nil
	}

	fields := make([]string, len(tokens))
	for i, t := range tokens {
		fields[i] = strconv.FormatUint(uint64(t), 10)
	}

	values, err := s.client.HMGet(ctx, ticksHash, fields...).Result()
	if err != nil {
		return nil, fmt.Errorf("hmget %s (%d fields): %w", ticksHash, len(fields), err)
	}

	quotes := make(map[uint32]*model.Quote, len(tokens))
	for i, v := range values {
		data, ok := v.(string)
		if !ok {
			continue
		}
		var q model.Quote
		if err := json.Unmarshal([]byte(data), &q); err != nil {
			log.Printf("[redis] skipping corrupt quote for token %d: %v", tokens[i], err)
			continue
		}
		quotes[tokens[i]] = &q
	}
	return quotes, nil
}

// PutChain replaces the stored chain for symbol in one hash-field write.
func (s *Store) PutChain(ctx context.Context, symbol string, chain *model.OptionChain) error {
	if err := s.client.HSet(ctx, chainHash, symbol, chain.JSON()).Err(); err != nil {
		return fmt.Errorf("hset %s %s: %w", chainHash, symbol, err)
	}
	return nil
}

// GetChainJSON returns the serialized chain for symbol, or nil when no chain
// has been built.
func (s *Store) GetChainJSON(ctx context.Context, symbol string) ([]byte, error) {
	data, err := s.client.HGet(ctx, chainHash, symbol).Result()
	if err == goredis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("hget %s %s: %w", chainHash, symbol, err)
	}
	return []byte(data), nil
}

// Spot returns the cached spot price for a cash-market symbol like
// "NSE:HDFCBANK". ok is false when no price is stored.
func (s *Store) Spot(ctx context.Context, symbol string) (float64, bool, error) {
	data, err := s.client.HGet(ctx, ltpHash, symbol).Result()
	if err == goredis.Nil {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("hget %s %s: %w", ltpHash, symbol, err)
	}
	v, err := strconv.ParseFloat(data, 64)
	if err != nil {
		return 0, false, fmt.Errorf("parse ltp %s=%q: %w", symbol, data, err)
	}
	return v, true, nil
}

// SetSpot stores the spot price for a cash-market symbol. Written during the
// daily instrument sync.
func (s *Store) SetSpot(ctx context.Context, symbol string, price float64) error {
	return s.client.HSet(ctx, ltpHash, symbol, strconv.FormatFloat(price, 'f', -1, 64)).Err()
}

// streamConfig is the persisted service bookkeeping blob.
type streamConfig struct {
	InstrumentLastFetchTime string `json:"instrument_last_fetch_time"`
}

// SetInstrumentFetchTime records when the instrument master was last synced.
func (s *Store) SetInstrumentFetchTime(ctx context.Context, t time.Time) error {
	data, _ := json.Marshal(streamConfig{InstrumentLastFetchTime: t.Format(lastFetchLayout)})
	return s.client.Set(ctx, configKey, data, 0).Err()
}

// InstrumentFetchTime reads the last sync time. Zero time when never synced.
func (s *Store) InstrumentFetchTime(ctx context.Context) (time.Time, error) {
	data, err := s.client.Get(ctx, configKey).Result()
	if err == goredis.Nil {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("get %s: %w", configKey, err)
	}
	var cfg streamConfig
	if err := json.Unmarshal([]byte(data), &cfg); err != nil {
		return time.Time{}, fmt.Errorf("unmarshal %s: %w", configKey, err)
	}
	return time.ParseInLocation(lastFetchLayout, cfg.InstrumentLastFetchTime, time.Local)
}

// Close closes the Redis client.
func (s *Store) Close() error {
	return s.client.Close()
}
