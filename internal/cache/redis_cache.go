package cache

import (
	"context"
	"time"

	redis "github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
)

const balanceKeyPrefix = "khat:balance:"

type RedisBalanceCache struct {
	client *redis.Client
}

func NewRedisBalanceCache(addr string, password string, db int) *RedisBalanceCache {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	return &RedisBalanceCache{client: client}
}

func (c *RedisBalanceCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

func (c *RedisBalanceCache) Close() error {
	return c.client.Close()
}

func (c *RedisBalanceCache) Get(ctx context.Context, customerID string) (decimal.Decimal, bool, error) {
	val, err := c.client.Get(ctx, balanceKeyPrefix+customerID).Result()
	if err == redis.Nil {
		return decimal.Zero, false, nil
	}
	if err != nil {
		return decimal.Zero, false, err
	}

	balance, err := decimal.NewFromString(val)
	if err != nil {
		return decimal.Zero, false, err
	}
	return balance, true, nil
}

func (c *RedisBalanceCache) Set(ctx context.Context, customerID string, balance decimal.Decimal, ttl time.Duration) error {
	return c.client.Set(ctx, balanceKeyPrefix+customerID, balance.String(), ttl).Err()
}

func (c *RedisBalanceCache) Invalidate(ctx context.Context, customerID string) error {
	return c.client.Del(ctx, balanceKeyPrefix+customerID).Err()
}
