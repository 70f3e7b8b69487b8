// Package cache stores moderation verdicts so a repeated prompt is not sent
// to the classification service again within the TTL.
// It supports both in-memory (single instance) and Redis (distributed) backends.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"strconv"
	"sync"
	"time"

	"github.com/felipepmaragno/foundry-gateway/internal/domain"
	"github.com/redis/go-redis/v9"
)

// Cache defines the interface for verdict caching backends.
type Cache interface {
	Get(ctx context.Context, key string) (*domain.Verdict, bool)
	Set(ctx context.Context, key string, verdict *domain.Verdict, ttl time.Duration) error
}

// GenerateKey hashes the prompt together with the threshold it was judged
// against, so a threshold change never serves a stale verdict.
func GenerateKey(text string, threshold int) string {
	hash := sha256.Sum256([]byte(strconv.Itoa(threshold) + "\x00" + text))
	return "moderation:" + hex.EncodeToString(hash[:])
}

type InMemoryCache struct {
	mu    sync.RWMutex
	items map[string]*cacheItem
	stop  chan struct{}
	once  sync.Once
}

type cacheItem struct {
	verdict   domain.Verdict
	expiresAt time.Time
}

func NewInMemoryCache() *InMemoryCache {
	c := &InMemoryCache{
		items: make(map[string]*cacheItem),
		stop:  make(chan struct{}),
	}
	go c.cleanup()
	return c
}

func (c *InMemoryCache) Get(ctx context.Context, key string) (*domain.Verdict, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	item, ok := c.items[key]
	if !ok {
		return nil, false
	}

	if time.Now().After(item.expiresAt) {
		return nil, false
	}

	v := copyVerdict(item.verdict)
	return &v, true
}

func (c *InMemoryCache) Set(ctx context.Context, key string, verdict *domain.Verdict, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.items[key] = &cacheItem{
		verdict:   copyVerdict(*verdict),
		expiresAt: time.Now().Add(ttl),
	}

	return nil
}

// Close stops the background cleanup loop.
func (c *InMemoryCache) Close() error {
	c.once.Do(func() { close(c.stop) })
	return nil
}

func (c *InMemoryCache) cleanup() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-c.stop:
			return
		case <-ticker.C:
			c.evictExpired(time.Now())
		}
	}
}

func (c *InMemoryCache) evictExpired(now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for key, item := range c.items {
		if now.After(item.expiresAt) {
			delete(c.items, key)
		}
	}
}

func copyVerdict(v domain.Verdict) domain.Verdict {
	out := domain.Verdict{Safe: v.Safe}
	if v.Severities != nil {
		out.Severities = make(map[domain.Category]int, len(v.Severities))
		for k, s := range v.Severities {
			out.Severities[k] = s
		}
	}
	return out
}

type RedisCache struct {
	client *redis.Client
}

func NewRedisCacheWithClient(client *redis.Client) *RedisCache {
	return &RedisCache{client: client}
}

func (c *RedisCache) Get(ctx context.Context, key string) (*domain.Verdict, bool) {
	data, err := c.client.Get(ctx, key).Bytes()
	if err != nil {
		return nil, false
	}

	var verdict domain.Verdict
	if err := json.Unmarshal(data, &verdict); err != nil {
		return nil, false
	}

	return &verdict, true
}

func (c *RedisCache) Set(ctx context.Context, key string, verdict *domain.Verdict, ttl time.Duration) error {
	data, err := json.Marshal(verdict)
	if err != nil {
		return err
	}

	return c.client.Set(ctx, key, data, ttl).Err()
}
