package cache

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"tg-source-bot/internal/infra/metrics"
)

// RedisGuard реализует domain.EditGuard через Redis. Переживает перезапуск и работает между репликами.
type RedisGuard struct {
	client *redis.Client
	prefix string
}

// NewRedis создаёт охранник правок. Ключи хранятся как "<prefix>:<key>".
func NewRedis(client *redis.Client, prefix string) *RedisGuard {
	prefix = strings.TrimSuffix(prefix, ":")
	if prefix == "" {
		prefix = "tg-source-bot"
	}
	return &RedisGuard{client: client, prefix: prefix + ":"}
}

func (g *RedisGuard) key(key string) string {
	return g.prefix + key
}

// Seen проверяет, заявлена ли правка.
func (g *RedisGuard) Seen(ctx context.Context, key string) (bool, error) {
	start := time.Now()
	n, err := g.client.Exists(ctx, g.key(key)).Result()
	metrics.ObserveNetworkRequest("redis", "exists", "edit_guard", start, err)
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// Claim заявляет правку через SETNX.
func (g *RedisGuard) Claim(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	start := time.Now()
	ok, err := g.client.SetNX(ctx, g.key(key), "1", ttl).Result()
	metrics.ObserveNetworkRequest("redis", "setnx", "edit_guard", start, err)
	return ok, err
}

// Release снимает заявку.
func (g *RedisGuard) Release(ctx context.Context, key string) error {
	start := time.Now()
	err := g.client.Del(ctx, g.key(key)).Err()
	if errors.Is(err, redis.Nil) {
		err = nil
	}
	metrics.ObserveNetworkRequest("redis", "del", "edit_guard", start, err)
	return err
}

// Ping проверяет доступность Redis.
func (g *RedisGuard) Ping(ctx context.Context) error {
	return g.client.Ping(ctx).Err()
}
