package kv

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/Siddhant-K-code/pairwise/pkg/types"
)

// RedisConfig holds Redis connection configuration.
type RedisConfig struct {
	// URL is the Redis connection URL (e.g., redis://localhost:6379/0).
	URL string

	// KeyPrefix is prepended to every left key.
	KeyPrefix string

	// TTL expires stored mappings. Zero keeps them forever.
	TTL time.Duration

	// PoolSize is the connection pool size.
	PoolSize int

	// DialTimeout is the connection timeout.
	DialTimeout time.Duration

	// MaxRetries bounds WATCH/MULTI retries per update.
	MaxRetries int
}

// DefaultRedisConfig returns sensible defaults.
func DefaultRedisConfig() RedisConfig {
	return RedisConfig{
		URL:         "redis://localhost:6379/0",
		KeyPrefix:   "pairwise:",
		PoolSize:    10,
		DialTimeout: 5 * time.Second,
		MaxRetries:  DefaultMaxRetries,
	}
}

// Redis stores each left key as a hash of right key → score string.
type Redis struct {
	cfg    RedisConfig
	client *redis.Client
}

// NewRedis connects to Redis and verifies the connection.
func NewRedis(ctx context.Context, cfg RedisConfig) (*Redis, error) {
	if cfg.URL == "" {
		return nil, errors.New("kv: redis URL is required")
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = DefaultMaxRetries
	}

	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("kv: parse redis URL: %w", err)
	}
	if cfg.PoolSize > 0 {
		opts.PoolSize = cfg.PoolSize
	}
	if cfg.DialTimeout > 0 {
		opts.DialTimeout = cfg.DialTimeout
	}

	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("kv: ping redis: %w", err)
	}

	return &Redis{cfg: cfg, client: client}, nil
}

func (r *Redis) key(left types.Key) string {
	return r.cfg.KeyPrefix + string(left)
}

// Get returns the mapping stored for left.
func (r *Redis) Get(ctx context.Context, left types.Key) (Scores, error) {
	raw, err := r.client.HGetAll(ctx, r.key(left)).Result()
	if err != nil {
		return nil, err
	}
	if len(raw) == 0 {
		return nil, ErrNotFound
	}
	return decodeHash(raw)
}

// Update runs fn inside a WATCH/MULTI transaction and retries when another
// writer touched the key in between.
func (r *Redis) Update(ctx context.Context, left types.Key, fn UpdateFunc) error {
	key := r.key(left)

	txf := func(tx *redis.Tx) error {
		raw, err := tx.HGetAll(ctx, key).Result()
		if err != nil && !errors.Is(err, redis.Nil) {
			return err
		}
		cur, err := decodeHash(raw)
		if err != nil {
			return err
		}

		next := fn(cur)

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Del(ctx, key)
			if len(next) > 0 {
				pipe.HSet(ctx, key, encodeHash(next))
				if r.cfg.TTL > 0 {
					pipe.Expire(ctx, key, r.cfg.TTL)
				}
			}
			return nil
		})
		return err
	}

	for attempt := 0; attempt < r.cfg.MaxRetries; attempt++ {
		err := r.client.Watch(ctx, txf, key)
		if err == nil {
			return nil
		}
		if !errors.Is(err, redis.TxFailedErr) {
			return fmt.Errorf("kv: update %s: %w", key, err)
		}
	}
	return fmt.Errorf("kv: update %s: %w", key, ErrConflict)
}

// Close closes the connection pool.
func (r *Redis) Close() error {
	return r.client.Close()
}

func encodeHash(m Scores) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[string(k)] = strconv.FormatFloat(float64(v), 'f', -1, 32)
	}
	return out
}

func decodeHash(raw map[string]string) (Scores, error) {
	out := make(Scores, len(raw))
	for k, v := range raw {
		f, err := strconv.ParseFloat(v, 32)
		if err != nil {
			return nil, fmt.Errorf("kv: bad score %q for %s: %w", v, k, err)
		}
		out[types.Key(k)] = float32(f)
	}
	return out, nil
}
