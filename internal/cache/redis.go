// Package cache provides the Redis read-through cache for blocks and the tag list.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"omfs/api/internal/store"
	"omfs/api/internal/trackchange"
)

const tagListKey = "tags:all"

// RedisCache stores JSON copies of blocks and the tag list with a TTL.
type RedisCache struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// blockEntry keeps the ledger beside the block so an uninitialized ledger
// survives the round trip as uninitialized.
type blockEntry struct {
	Block  store.ContentBlock  `json:"block"`
	Ledger *trackchange.Ledger `json:"ledger"`
}

// NewRedisCache connects to redisURL and verifies the connection.
func NewRedisCache(redisURL string, ttl time.Duration) (*RedisCache, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}
	return NewRedisCacheWithClient(client, ttl), nil
}

func NewRedisCacheWithClient(client *redis.Client, ttl time.Duration) *RedisCache {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &RedisCache{client: client, prefix: "content:", ttl: ttl}
}

func (c *RedisCache) blockKey(blockID string) string {
	return c.prefix + "block:" + blockID
}

// GetBlock returns the cached block. A miss is (zero, false, nil).
func (c *RedisCache) GetBlock(ctx context.Context, blockID string) (store.ContentBlock, bool, error) {
	raw, err := c.client.Get(ctx, c.blockKey(blockID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return store.ContentBlock{}, false, nil
	}
	if err != nil {
		return store.ContentBlock{}, false, fmt.Errorf("get cached block: %w", err)
	}

	var entry blockEntry
	if err := json.Unmarshal(raw, &entry); err != nil {
		return store.ContentBlock{}, false, fmt.Errorf("decode cached block: %w", err)
	}
	entry.Block.TrackedChanges = trackchange.Ledger{}
	if entry.Ledger != nil {
		entry.Block.TrackedChanges = *entry.Ledger
	}
	return entry.Block, true, nil
}

func (c *RedisCache) PutBlock(ctx context.Context, block store.ContentBlock) error {
	entry := blockEntry{Block: block}
	if block.TrackedChanges.Initialized() {
		ledger := block.TrackedChanges
		entry.Ledger = &ledger
	}
	raw, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("encode cached block: %w", err)
	}
	if err := c.client.Set(ctx, c.blockKey(block.ID), raw, c.ttl).Err(); err != nil {
		return fmt.Errorf("cache block: %w", err)
	}
	return nil
}

// GetTags returns the cached tag list. A miss is (nil, false, nil).
func (c *RedisCache) GetTags(ctx context.Context) ([]store.Tag, bool, error) {
	raw, err := c.client.Get(ctx, c.prefix+tagListKey).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("get cached tags: %w", err)
	}
	var tags []store.Tag
	if err := json.Unmarshal(raw, &tags); err != nil {
		return nil, false, fmt.Errorf("decode cached tags: %w", err)
	}
	return tags, true, nil
}

func (c *RedisCache) PutTags(ctx context.Context, tags []store.Tag) error {
	raw, err := json.Marshal(tags)
	if err != nil {
		return fmt.Errorf("encode cached tags: %w", err)
	}
	if err := c.client.Set(ctx, c.prefix+tagListKey, raw, c.ttl).Err(); err != nil {
		return fmt.Errorf("cache tags: %w", err)
	}
	return nil
}

// Invalidate drops the given blocks and the tag list. Other cached blocks keep
// their embedded usage counts; readers overlay the tag list's counts on a hit.
func (c *RedisCache) Invalidate(ctx context.Context, blockIDs ...string) error {
	keys := make([]string, 0, len(blockIDs)+1)
	for _, id := range blockIDs {
		keys = append(keys, c.blockKey(id))
	}
	keys = append(keys, c.prefix+tagListKey)
	if err := c.client.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("invalidate cache: %w", err)
	}
	return nil
}

func (c *RedisCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

func (c *RedisCache) Close() error {
	return c.client.Close()
}
