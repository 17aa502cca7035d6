// Package store wraps the shared Redis client behind the access paths the
// trading core uses: plain keys, hashes, sorted sets, sets, cursor scans,
// pipelines and pub/sub, plus a short-TTL read cache for hot keys.
package store

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// ErrDegraded marks a read served from the local cache after Redis failed.
var ErrDegraded = errors.New("store: degraded read from cache")

const (
	writeRetries   = 3
	writeRetryBase = 2 * time.Second

	// Read-cache TTLs per key family.
	SettingsCacheTTL = 30 * time.Second
	HashCacheTTL     = 60 * time.Second
	OrderCacheTTL    = 2 * time.Second
	CountCacheTTL    = 10 * time.Minute
)

// Options configures the shared store client.
type Options struct {
	Addr     string
	Password string
	DB       int
	PoolSize int
}

// Store is the process-wide state store. All components share one instance;
// the underlying client is initialised lazily on first use.
type Store struct {
	opts Options
	log  zerolog.Logger

	initOnce sync.Once
	client   *redis.Client

	cache *readCache

	sweepCancel context.CancelFunc
	sweepDone   chan struct{}
}

// New creates a Store. The Redis connection is not dialed until first use.
func New(opts Options, log zerolog.Logger) *Store {
	if opts.PoolSize <= 0 {
		opts.PoolSize = 20
	}
	return &Store{
		opts:  opts,
		log:   log,
		cache: newReadCache(),
	}
}

// Client returns the shared redis client, creating it on first call and
// starting the cache sweeper alongside it.
func (s *Store) Client() *redis.Client {
	s.initOnce.Do(func() {
		s.client = redis.NewClient(&redis.Options{
			Addr:         s.opts.Addr,
			Password:     s.opts.Password,
			DB:           s.opts.DB,
			PoolSize:     s.opts.PoolSize,
			DialTimeout:  5 * time.Second,
			ReadTimeout:  3 * time.Second,
			WriteTimeout: 3 * time.Second,
		})

		ctx, cancel := context.WithCancel(context.Background())
		s.sweepCancel = cancel
		s.sweepDone = make(chan struct{})
		go s.sweepLoop(ctx)
	})
	return s.client
}

// Close stops the sweeper and closes the connection pool.
func (s *Store) Close() error {
	if s.sweepCancel != nil {
		s.sweepCancel()
		<-s.sweepDone
	}
	if s.client != nil {
		return s.client.Close()
	}
	return nil
}

// Ping checks connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.Client().Ping(ctx).Err()
}

// Reconnect closes and rebuilds the connection pool. Used by the monitor
// health check after repeated ping failures.
func (s *Store) Reconnect() {
	if s.client == nil {
		return
	}
	pool := s.client.Options()
	_ = s.client.Close()
	s.client = redis.NewClient(pool)
	s.log.Warn().Msg("redis connection pool rebuilt")
}

func (s *Store) sweepLoop(ctx context.Context) {
	defer close(s.sweepDone)
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := s.cache.sweep(); n > 0 {
				s.log.Debug().Int("evicted", n).Msg("read cache sweep")
			}
		}
	}
}

// retryWrite runs fn with exponential backoff on connection-level failures.
// Application errors (wrong type, nil reply) are returned immediately.
func (s *Store) retryWrite(ctx context.Context, fn func() error) error {
	var err error
	backoff := writeRetryBase
	for attempt := 0; attempt <= writeRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}
			backoff *= 2
		}
		err = fn()
		if err == nil || !isConnError(err) {
			return err
		}
		s.log.Warn().Err(err).Int("attempt", attempt+1).Msg("redis write retry")
	}
	return err
}

func isConnError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, redis.Nil) {
		return false
	}
	var netErr interface{ Timeout() bool }
	if errors.As(err, &netErr) {
		return true
	}
	// go-redis wraps dial failures as generic errors; treat context-independent
	// I/O failures as connection errors.
	return errors.Is(err, redis.ErrClosed)
}

// --- plain keys ---

func (s *Store) Get(ctx context.Context, key string) (string, error) {
	v, err := s.Client().Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	return v, err
}

// GetCached reads through the local cache with the given TTL. When allowStale
// is true and Redis fails, the last cached value is returned with ErrDegraded.
func (s *Store) GetCached(ctx context.Context, key string, ttl time.Duration, allowStale bool) (string, error) {
	if v, ok := s.cache.get(key); ok {
		return v, nil
	}
	v, err := s.Get(ctx, key)
	if err != nil {
		if allowStale {
			if stale, ok := s.cache.getStale(key); ok {
				return stale, ErrDegraded
			}
		}
		return "", err
	}
	s.cache.set(key, v, ttl)
	return v, nil
}

func (s *Store) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	s.cache.invalidate(key)
	return s.retryWrite(ctx, func() error {
		return s.Client().Set(ctx, key, value, ttl).Err()
	})
}

func (s *Store) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	return s.Client().SetNX(ctx, key, value, ttl).Result()
}

func (s *Store) Del(ctx context.Context, keys ...string) error {
	for _, k := range keys {
		s.cache.invalidate(k)
	}
	return s.retryWrite(ctx, func() error {
		return s.Client().Del(ctx, keys...).Err()
	})
}

func (s *Store) Exists(ctx context.Context, key string) (bool, error) {
	n, err := s.Client().Exists(ctx, key).Result()
	return n > 0, err
}

func (s *Store) Expire(ctx context.Context, key string, ttl time.Duration) error {
	return s.Client().Expire(ctx, key, ttl).Err()
}

func (s *Store) TTL(ctx context.Context, key string) (time.Duration, error) {
	return s.Client().TTL(ctx, key).Result()
}

// --- hashes ---

func (s *Store) HGet(ctx context.Context, key, field string) (string, error) {
	v, err := s.Client().HGet(ctx, key, field).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	return v, err
}

func (s *Store) HSet(ctx context.Context, key string, pairs ...any) error {
	s.cache.invalidate(key)
	return s.retryWrite(ctx, func() error {
		return s.Client().HSet(ctx, key, pairs...).Err()
	})
}

func (s *Store) HSetMap(ctx context.Context, key string, fields map[string]string) error {
	s.cache.invalidate(key)
	args := make([]any, 0, len(fields)*2)
	for k, v := range fields {
		args = append(args, k, v)
	}
	return s.retryWrite(ctx, func() error {
		return s.Client().HSet(ctx, key, args...).Err()
	})
}

func (s *Store) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	return s.Client().HGetAll(ctx, key).Result()
}

func (s *Store) HDel(ctx context.Context, key string, fields ...string) error {
	s.cache.invalidate(key)
	return s.retryWrite(ctx, func() error {
		return s.Client().HDel(ctx, key, fields...).Err()
	})
}

// HSetNX sets a hash field only when absent; returns whether it was set.
func (s *Store) HSetNX(ctx context.Context, key, field, value string) (bool, error) {
	s.cache.invalidate(key)
	return s.Client().HSetNX(ctx, key, field, value).Result()
}

func (s *Store) HIncrBy(ctx context.Context, key, field string, incr int64) error {
	return s.retryWrite(ctx, func() error {
		return s.Client().HIncrBy(ctx, key, field, incr).Err()
	})
}

// --- sorted sets (scored by unix time) ---

func (s *Store) ZAdd(ctx context.Context, key string, score float64, member string) error {
	return s.retryWrite(ctx, func() error {
		return s.Client().ZAdd(ctx, key, redis.Z{Score: score, Member: member}).Err()
	})
}

func (s *Store) ZRevRange(ctx context.Context, key string, start, stop int64) ([]string, error) {
	return s.Client().ZRevRange(ctx, key, start, stop).Result()
}

func (s *Store) ZCard(ctx context.Context, key string) (int64, error) {
	return s.Client().ZCard(ctx, key).Result()
}

// --- sets ---

func (s *Store) SAdd(ctx context.Context, key string, members ...string) error {
	return s.retryWrite(ctx, func() error {
		return s.Client().SAdd(ctx, key, members).Err()
	})
}

func (s *Store) SRem(ctx context.Context, key string, members ...string) error {
	return s.retryWrite(ctx, func() error {
		return s.Client().SRem(ctx, key, members).Err()
	})
}

func (s *Store) SMembers(ctx context.Context, key string) ([]string, error) {
	return s.Client().SMembers(ctx, key).Result()
}

// --- lists (dispatcher queues) ---

func (s *Store) RPush(ctx context.Context, key string, values ...string) error {
	return s.retryWrite(ctx, func() error {
		return s.Client().RPush(ctx, key, values).Err()
	})
}

func (s *Store) LPop(ctx context.Context, key string) (string, error) {
	v, err := s.Client().LPop(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	return v, err
}

func (s *Store) LLen(ctx context.Context, key string) (int64, error) {
	return s.Client().LLen(ctx, key).Result()
}

// --- scan ---

// Scan iterates keys matching pattern with a cursor, never KEYS. fn is called
// per batch; returning false stops the scan early.
func (s *Store) Scan(ctx context.Context, pattern string, fn func(keys []string) bool) error {
	var cursor uint64
	for {
		keys, next, err := s.Client().Scan(ctx, cursor, pattern, 200).Result()
		if err != nil {
			return err
		}
		if len(keys) > 0 && !fn(keys) {
			return nil
		}
		cursor = next
		if cursor == 0 {
			return nil
		}
	}
}

// ScanAll collects every key matching pattern.
func (s *Store) ScanAll(ctx context.Context, pattern string) ([]string, error) {
	var out []string
	err := s.Scan(ctx, pattern, func(keys []string) bool {
		out = append(out, keys...)
		return true
	})
	return out, err
}

// --- pipeline ---

// Pipelined runs fn against a pipeline and executes it atomically enough for
// our multi-key writes (both directions of an identity mapping, archive moves).
func (s *Store) Pipelined(ctx context.Context, fn func(pipe redis.Pipeliner) error) error {
	return s.retryWrite(ctx, func() error {
		_, err := s.Client().TxPipelined(ctx, fn)
		return err
	})
}

// --- pub/sub ---

func (s *Store) Publish(ctx context.Context, channel, payload string) error {
	return s.Client().Publish(ctx, channel, payload).Err()
}

// Subscribe returns a live subscription; the caller owns Close.
func (s *Store) Subscribe(ctx context.Context, channels ...string) *redis.PubSub {
	return s.Client().Subscribe(ctx, channels...)
}
