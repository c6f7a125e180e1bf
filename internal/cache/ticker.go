// Package cache holds the latest ticker snapshot per market.
package cache

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	json "github.com/goccy/go-json"
	"github.com/redis/go-redis/v9"

	"kraken-manager/internal/core"
)

const DefaultTTL = 10 * time.Minute

type Tickers interface {
	Put(ctx context.Context, t core.Ticker) error
	// Get returns core.ErrNotFound when no snapshot is cached.
	Get(ctx context.Context, market string) (core.Ticker, error)
	Close() error
}

// Key is the cache key of a market's ticker, e.g. kraken_BTC_USD_ticker.
func Key(market string) string {
	return "kraken_" + strings.ToUpper(strings.TrimSpace(market)) + "_ticker"
}

type RedisOptions struct {
	Addr     string
	Password string
	DB       int
	TTL      time.Duration
}

type RedisTickers struct {
	client *redis.Client
	ttl    time.Duration
}

func NewRedisTickers(opts RedisOptions) *RedisTickers {
	ttl := opts.TTL
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &RedisTickers{
		client: redis.NewClient(&redis.Options{
			Addr:     opts.Addr,
			Password: opts.Password,
			DB:       opts.DB,
		}),
		ttl: ttl,
	}
}

// Ping checks the server is reachable.
func (r *RedisTickers) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

func (r *RedisTickers) Put(ctx context.Context, t core.Ticker) error {
	payload, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("encode ticker: %w", err)
	}
	return r.client.Set(ctx, Key(t.Market), payload, r.ttl).Err()
}

func (r *RedisTickers) Get(ctx context.Context, market string) (core.Ticker, error) {
	raw, err := r.client.Get(ctx, Key(market)).Bytes()
	if errors.Is(err, redis.Nil) {
		return core.Ticker{}, fmt.Errorf("ticker %s: %w", market, core.ErrNotFound)
	}
	if err != nil {
		return core.Ticker{}, err
	}
	var t core.Ticker
	if err := json.Unmarshal(raw, &t); err != nil {
		return core.Ticker{}, fmt.Errorf("decode ticker %s: %w", market, err)
	}
	return t, nil
}

func (r *RedisTickers) Close() error {
	return r.client.Close()
}

// MemoryTickers keeps snapshots in process, for tests and redis-less runs.
type MemoryTickers struct {
	mu      sync.RWMutex
	tickers map[string]core.Ticker
}

func NewMemoryTickers() *MemoryTickers {
	return &MemoryTickers{tickers: make(map[string]core.Ticker)}
}

func (m *MemoryTickers) Put(_ context.Context, t core.Ticker) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tickers[Key(t.Market)] = t
	return nil
}

func (m *MemoryTickers) Get(_ context.Context, market string) (core.Ticker, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.tickers[Key(market)]
	if !ok {
		return core.Ticker{}, fmt.Errorf("ticker %s: %w", market, core.ErrNotFound)
	}
	return t, nil
}

func (m *MemoryTickers) Close() error { return nil }

var (
	_ Tickers = (*RedisTickers)(nil)
	_ Tickers = (*MemoryTickers)(nil)
)
