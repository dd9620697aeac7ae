package cache

import (
	"context"
	"encoding/json"
	"time"

	redis "github.com/redis/go-redis/v9"

	"beautika/backend/internal/pricing"
)

type RedisRuleSetCache struct {
	client *redis.Client
}

func NewRedisRuleSetCache(addr string, password string, db int) *RedisRuleSetCache {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	return &RedisRuleSetCache{client: client}
}

func (c *RedisRuleSetCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

func (c *RedisRuleSetCache) Close() error {
	return c.client.Close()
}

func (c *RedisRuleSetCache) Get(ctx context.Context, key string) (*pricing.RuleSet, bool, error) {
	val, err := c.client.Get(ctx, key).Result()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}

	var rs pricing.RuleSet
	if err := json.Unmarshal([]byte(val), &rs); err != nil {
		return nil, false, err
	}
	return &rs, true, nil
}

func (c *RedisRuleSetCache) Set(ctx context.Context, key string, value *pricing.RuleSet, ttl time.Duration) error {
	if value == nil {
		return nil
	}
	payload, err := json.Marshal(value)
	if err != nil {
		return err
	}
	return c.client.Set(ctx, key, payload, ttl).Err()
}

func (c *RedisRuleSetCache) Invalidate(ctx context.Context, key string) error {
	return c.client.Del(ctx, key).Err()
}
