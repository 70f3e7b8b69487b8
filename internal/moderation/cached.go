package moderation

import (
	"context"
	"log/slog"
	"time"

	"github.com/felipepmaragno/foundry-gateway/internal/cache"
	"github.com/felipepmaragno/foundry-gateway/internal/domain"
	"github.com/felipepmaragno/foundry-gateway/internal/metrics"
)

// Cached remembers verdicts by prompt hash. Cache failures fall through to
// the wrapped moderator; errors from it are never cached.
type Cached struct {
	next      Moderator
	cache     cache.Cache
	ttl       time.Duration
	threshold int
}

func NewCached(next Moderator, c cache.Cache, ttl time.Duration, threshold int) *Cached {
	return &Cached{
		next:      next,
		cache:     c,
		ttl:       ttl,
		threshold: threshold,
	}
}

func (c *Cached) Evaluate(ctx context.Context, text string) (domain.Verdict, error) {
	key := cache.GenerateKey(text, c.threshold)

	if v, ok := c.cache.Get(ctx, key); ok {
		metrics.RecordVerdictCache(true)
		return *v, nil
	}
	metrics.RecordVerdictCache(false)

	verdict, err := c.next.Evaluate(ctx, text)
	if err != nil {
		return verdict, err
	}

	if err := c.cache.Set(ctx, key, &verdict, c.ttl); err != nil {
		slog.Warn("failed to cache verdict", "error", err)
	}

	return verdict, nil
}
