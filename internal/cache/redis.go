// Package cache mirrors the latest price per symbol to Redis.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"pricewatch/internal/config"
	"pricewatch/internal/logging"
	"pricewatch/internal/models"
)

const (
	// DefaultMaxPending bounds the number of symbols waiting to be written.
	DefaultMaxPending = 1024

	writeTimeout = 2 * time.Second
)

// RedisMirror writes the most recent PriceSample of each symbol to Redis.
// Publish never blocks: pending samples are coalesced per symbol and new
// symbols are dropped while the queue is full. Evictions are always queued
// and delete the key.
type RedisMirror struct {
	client     *redis.Client
	ttl        time.Duration
	maxPending int
	logger     zerolog.Logger

	mu sync.Mutex
	// a nil sample marks an eviction
	pending map[string]*models.PriceSample
	signal  chan struct{}

	written atomic.Int64
	evicted atomic.Int64
	dropped atomic.Int64
	failed  atomic.Int64
}

// NewRedisMirror connects to Redis and verifies the connection.
func NewRedisMirror(ctx context.Context, cfg config.RedisConfig, logger zerolog.Logger) (*RedisMirror, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return newRedisMirror(client, cfg.TTL, DefaultMaxPending, logger), nil
}

func newRedisMirror(client *redis.Client, ttl time.Duration, maxPending int, logger zerolog.Logger) *RedisMirror {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	if maxPending <= 0 {
		maxPending = DefaultMaxPending
	}
	return &RedisMirror{
		client:     client,
		ttl:        ttl,
		maxPending: maxPending,
		logger:     logging.WithComponent(logger, "redis-mirror"),
		pending:    make(map[string]*models.PriceSample),
		signal:     make(chan struct{}, 1),
	}
}

// Key returns the Redis key holding the latest sample for symbol.
func Key(symbol string) string {
	return "latest:" + models.CanonicalSymbol(symbol)
}

// Publish queues sample for symbol.
func (r *RedisMirror) Publish(symbol string, sample models.PriceSample) {
	r.mu.Lock()
	if _, ok := r.pending[symbol]; !ok && len(r.pending) >= r.maxPending {
		r.mu.Unlock()
		r.dropped.Add(1)
		return
	}
	r.pending[symbol] = &sample
	r.mu.Unlock()
	r.wake()
}

// Evict queues removal of the mirrored sample for symbol, replacing any
// pending write.
func (r *RedisMirror) Evict(symbol string) {
	r.mu.Lock()
	r.pending[symbol] = nil
	r.mu.Unlock()
	r.wake()
}

func (r *RedisMirror) wake() {
	select {
	case r.signal <- struct{}{}:
	default:
	}
}

// Run writes queued samples until ctx is done.
func (r *RedisMirror) Run(ctx context.Context) error {
	r.logger.Info().Dur("ttl", r.ttl).Msg("Price mirror started")
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-r.signal:
			r.flush(ctx)
		}
	}
}

func (r *RedisMirror) flush(ctx context.Context) {
	r.mu.Lock()
	batch := r.pending
	r.pending = make(map[string]*models.PriceSample, len(batch))
	r.mu.Unlock()

	for symbol, sample := range batch {
		if sample == nil {
			if err := r.del(ctx, symbol); err != nil {
				r.failed.Add(1)
				r.logger.Warn().Err(err).Str("symbol", symbol).Msg("Failed to evict mirrored price")
				continue
			}
			r.evicted.Add(1)
			continue
		}
		if err := r.set(ctx, symbol, *sample); err != nil {
			r.failed.Add(1)
			r.logger.Warn().Err(err).Str("symbol", symbol).Msg("Failed to mirror price")
			continue
		}
		r.written.Add(1)
	}
}

func (r *RedisMirror) set(ctx context.Context, symbol string, sample models.PriceSample) error {
	data, err := json.Marshal(sample)
	if err != nil {
		return fmt.Errorf("failed to marshal price: %w", err)
	}
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	if err := r.client.Set(ctx, Key(symbol), data, r.ttl).Err(); err != nil {
		return fmt.Errorf("failed to set latest price in redis: %w", err)
	}
	return nil
}

func (r *RedisMirror) del(ctx context.Context, symbol string) error {
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	if err := r.client.Del(ctx, Key(symbol)).Err(); err != nil {
		return fmt.Errorf("failed to delete latest price in redis: %w", err)
	}
	return nil
}

// Latest returns the mirrored sample for symbol, or nil when none is stored.
func (r *RedisMirror) Latest(ctx context.Context, symbol string) (*models.PriceSample, error) {
	data, err := r.client.Get(ctx, Key(symbol)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get latest price from redis: %w", err)
	}

	var sample models.PriceSample
	if err := json.Unmarshal(data, &sample); err != nil {
		return nil, fmt.Errorf("failed to unmarshal price: %w", err)
	}
	return &sample, nil
}

// Evicted returns the number of keys deleted after their symbol stopped
// being watched.
func (r *RedisMirror) Evicted() int64 {
	return r.evicted.Load()
}

// Stats returns the written, dropped and failed counts.
func (r *RedisMirror) Stats() (written, dropped, failed int64) {
	return r.written.Load(), r.dropped.Load(), r.failed.Load()
}

// Close closes the Redis client.
func (r *RedisMirror) Close() error {
	return r.client.Close()
}
