/*
 * Copyright (C) 2024, Vizaxe
 *
 * This file is part of demandas-cache.
 *
 * demandas-cache is free software: you can redistribute it and/or modify
 * it under the terms of the GNU General Public License as published by
 * the Free Software Foundation, either version 3 of the License, or
 * (at your option) any later version.
 *
 * demandas-cache is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
 * GNU General Public License for more details.
 *
 * You should have received a copy of the GNU General Public License
 * along with this program.  If not, see <https://www.gnu.org/licenses/>.
 */

package redis_cache_backend

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync/atomic"
	"time"

	"github.com/gerenciador-demandas/demandas-cache/pkg/cache_backend"
	"github.com/gerenciador-demandas/demandas-cache/pkg/utils"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	defaultClientTimeout = time.Second
	scanCount            = 256
)

var _ cache_backend.CacheBackend[string] = (*RedisCache[string])(nil)

// RedisCache stores json encoded values in redis. Expiration is done by
// redis itself. Size limits and eviction are left to the server's
// maxmemory policy, so Stats reports MaxSize 0.
type RedisCache[V any] struct {
	opts   RedisCacheOpts
	logger *zap.Logger
	closed atomic.Bool
}

type RedisCacheOpts struct {
	// Client cannot be nil.
	Client redis.Cmdable

	// ClientCloser closes Client when RedisCache.Close is called.
	// Optional.
	ClientCloser io.Closer

	// ClientTimeout specifies the timeout for read and write operations.
	// Default is 1s.
	ClientTimeout time.Duration

	// DefaultTTL is used when Set is called without a ttl. Default is 5m.
	DefaultTTL time.Duration

	// KeyPrefix is prepended to every key, separated by ":".
	KeyPrefix string

	// Logger is the *zap.Logger for this RedisCache.
	// A nil Logger will disable logging.
	Logger *zap.Logger
}

func (opts *RedisCacheOpts) init() error {
	if opts.Client == nil {
		return errors.New("nil client")
	}
	utils.SetDefaultNum(&opts.ClientTimeout, defaultClientTimeout)
	utils.SetDefaultNum(&opts.DefaultTTL, cache_backend.DefaultTTL)
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return nil
}

func NewRedisCache[V any](opts RedisCacheOpts) (*RedisCache[V], error) {
	if err := opts.init(); err != nil {
		return nil, err
	}
	return &RedisCache[V]{opts: opts, logger: opts.Logger}, nil
}

// NewRedisCacheFromURL dials a client from a redis url. The client is
// closed with the cache.
func NewRedisCacheFromURL[V any](url string, opts RedisCacheOpts) (*RedisCache[V], error) {
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("invalid redis url, %w", err)
	}
	opt.MaxRetries = -1
	r := redis.NewClient(opt)
	opts.Client = r
	opts.ClientCloser = r
	return NewRedisCache[V](opts)
}

func (c *RedisCache[V]) key(k string) string {
	return utils.JoinKey(c.opts.KeyPrefix, ":", k)
}

func (c *RedisCache[V]) ctx() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), c.opts.ClientTimeout)
}

// Close closes the client if a ClientCloser was given.
func (c *RedisCache[V]) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	if f := c.opts.ClientCloser; f != nil {
		return f.Close()
	}
	return nil
}

func (c *RedisCache[V]) Get(key string) (value V, ok bool) {
	ctx, cancel := c.ctx()
	defer cancel()
	b, err := c.opts.Client.Get(ctx, c.key(key)).Bytes()
	if err != nil {
		if err != redis.Nil {
			c.logger.Warn("redis get", zap.String("key", key), zap.Error(err))
		}
		return
	}
	if err := json.Unmarshal(b, &value); err != nil {
		c.logger.Warn("invalid cached value", zap.String("key", key), zap.Error(err))
		return value, false
	}
	return value, true
}

// Peek is Get. No access statistics are kept in redis.
func (c *RedisCache[V]) Peek(key string) (value V, ok bool) {
	return c.Get(key)
}

func (c *RedisCache[V]) Has(key string) bool {
	ctx, cancel := c.ctx()
	defer cancel()
	n, err := c.opts.Client.Exists(ctx, c.key(key)).Result()
	if err != nil {
		c.logger.Warn("redis exists", zap.String("key", key), zap.Error(err))
		return false
	}
	return n > 0
}

// Set stores value with the ttl in opts. Priority has no effect.
func (c *RedisCache[V]) Set(key string, value V, opts ...cache_backend.SetOption) {
	o := cache_backend.ApplySetOptions(c.opts.DefaultTTL, opts...)
	b, err := json.Marshal(value)
	if err != nil {
		c.logger.Warn("failed to encode value", zap.String("key", key), zap.Error(err))
		return
	}
	ctx, cancel := c.ctx()
	defer cancel()
	if err := c.opts.Client.Set(ctx, c.key(key), b, o.TTL).Err(); err != nil {
		c.logger.Warn("redis set", zap.String("key", key), zap.Error(err))
	}
}

func (c *RedisCache[V]) Delete(key string) bool {
	ctx, cancel := c.ctx()
	defer cancel()
	n, err := c.opts.Client.Del(ctx, c.key(key)).Result()
	if err != nil {
		c.logger.Warn("redis del", zap.String("key", key), zap.Error(err))
		return false
	}
	return n > 0
}

// Clear deletes every key under KeyPrefix.
func (c *RedisCache[V]) Clear() {
	ctx, cancel := c.ctx()
	defer cancel()
	err := c.scan(ctx, func(keys []string) error {
		return c.opts.Client.Del(ctx, keys...).Err()
	})
	if err != nil {
		c.logger.Warn("redis clear", zap.Error(err))
	}
}

// Len returns the number of keys under KeyPrefix.
func (c *RedisCache[V]) Len() int {
	ctx, cancel := c.ctx()
	defer cancel()
	if len(c.opts.KeyPrefix) == 0 {
		i, err := c.opts.Client.DBSize(ctx).Result()
		if err != nil {
			c.logger.Error("dbsize", zap.Error(err))
			return 0
		}
		return int(i)
	}
	n := 0
	err := c.scan(ctx, func(keys []string) error {
		n += len(keys)
		return nil
	})
	if err != nil {
		c.logger.Error("redis scan", zap.Error(err))
	}
	return n
}

func (c *RedisCache[V]) Stats() cache_backend.Stats {
	return cache_backend.Stats{Size: c.Len()}
}

func (c *RedisCache[V]) scan(ctx context.Context, f func(keys []string) error) error {
	var cursor uint64
	match := c.key("*")
	for {
		keys, next, err := c.opts.Client.Scan(ctx, cursor, match, scanCount).Result()
		if err != nil {
			return err
		}
		if len(keys) > 0 {
			if err := f(keys); err != nil {
				return err
			}
		}
		if next == 0 {
			return nil
		}
		cursor = next
	}
}
