package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
)

const variantKeyPrefix = "variants_for_item_"

func variantKey(itemID uint) string {
	return fmt.Sprintf("%s%d", variantKeyPrefix, itemID)
}

type RedisOptions struct {
	Addr     string
	Password string
	DB       int
}

// NewRedisClient connects and pings the server.
func NewRedisClient(ctx context.Context, opts RedisOptions) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:         opts.Addr,
		Password:     opts.Password,
		DB:           opts.DB,
		PoolSize:     10,
		MinIdleConns: 2,
		MaxRetries:   3,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("redis ping %s: %w", opts.Addr, err)
	}
	return rdb, nil
}

type Redis struct {
	rdb *redis.Client
	ttl time.Duration
	log *zap.Logger
}

func NewRedis(rdb *redis.Client, ttl time.Duration, log *zap.Logger) *Redis {
	if log == nil {
		log = zap.NewNop()
	}
	return &Redis{rdb: rdb, ttl: ttl, log: log}
}

// Options returns the cached list or loads and stores it. Redis failures fall
// back to the loader.
func (r *Redis) Options(ctx context.Context, itemID uint, load Loader) ([]VariantOption, error) {
	key := variantKey(itemID)

	val, err := r.rdb.Get(ctx, key).Result()
	if err == nil {
		var cached []VariantOption
		if err := json.Unmarshal([]byte(val), &cached); err == nil {
			return cached, nil
		}
	} else if !errors.Is(err, redis.Nil) {
		r.log.Warn("redis get failed, falling back to database", zap.String("key", key), zap.Error(err))
	}

	opts, err := load(ctx, itemID)
	if err != nil {
		return nil, err
	}
	if data, err := json.Marshal(opts); err == nil {
		if err := r.rdb.Set(ctx, key, data, r.ttl).Err(); err != nil {
			r.log.Warn("redis set failed", zap.String("key", key), zap.Error(err))
		}
	}
	return opts, nil
}

func (r *Redis) Invalidate(ctx context.Context, itemIDs ...uint) {
	if len(itemIDs) == 0 {
		return
	}
	keys := make([]string, len(itemIDs))
	for i, id := range itemIDs {
		keys[i] = variantKey(id)
	}
	if err := r.rdb.Del(ctx, keys...).Err(); err != nil {
		r.log.Warn("redis invalidate failed", zap.Strings("keys", keys), zap.Error(err))
	}
}
