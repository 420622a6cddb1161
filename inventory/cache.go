package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// ProductCache is the redis side of the cache-aside product read path.
type ProductCache struct {
	client *redis.Client
	ttl    time.Duration
}

func NewProductCache(addr string, ttl time.Duration) (*ProductCache, error) {
	client := redis.NewClient(&redis.Options{
		Addr: addr,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return &ProductCache{
		client: client,
		ttl:    ttl,
	}, nil
}

func (c *ProductCache) Close() error {
	return c.client.Close()
}

func productKey(id string) string {
	return "product:" + id
}

// GetProduct returns (nil, nil) on a cache miss.
func (c *ProductCache) GetProduct(ctx context.Context, id string) (*Product, error) {
	data, err := c.client.Get(ctx, productKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("redis get error: %w", err)
	}

	var p Product
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("failed to unmarshal product: %w", err)
	}
	return &p, nil
}

func (c *ProductCache) SetProduct(ctx context.Context, p *Product) error {
	data, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("failed to marshal product: %w", err)
	}
	if err := c.client.Set(ctx, productKey(p.ProductID), data, c.ttl).Err(); err != nil {
		return fmt.Errorf("redis set error: %w", err)
	}
	return nil
}

func (c *ProductCache) InvalidateProduct(ctx context.Context, id string) error {
	return c.client.Del(ctx, productKey(id)).Err()
}
