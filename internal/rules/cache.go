package rules

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"

	"cmdgate/internal/constants"
	"cmdgate/internal/logger"
	"cmdgate/pkg/circuitbreaker"
	"cmdgate/pkg/metrics"
)

// Cache holds the full ordered rule set so a match never needs to hit
// PostgreSQL on the hot path. Failures are treated as misses: the
// caller falls through to the repository.
type Cache interface {
	Get(ctx context.Context) ([]Rule, bool)
	Set(ctx context.Context, rules []Rule)
	Invalidate(ctx context.Context)
}

type RedisCache struct {
	client  *redis.Client
	breaker *circuitbreaker.Wrapper
	ttl     time.Duration
	logger  logger.Logger
}

func NewRedisCache(client *redis.Client, ttl time.Duration, log logger.Logger) *RedisCache {
	if ttl <= 0 {
		ttl = constants.DefaultRuleCacheTTL
	}
	return &RedisCache{
		client:  client,
		breaker: circuitbreaker.NewWrapper(circuitbreaker.DefaultConfig("rule-cache")),
		ttl:     ttl,
		logger:  log,
	}
}

func (c *RedisCache) Get(ctx context.Context) ([]Rule, bool) {
	result, err := c.breaker.ExecuteWithContext(ctx, func() (interface{}, error) {
		return c.client.Get(ctx, constants.RuleCacheKey).Result()
	})
	if err == redis.Nil {
		metrics.RuleCacheRequestsTotal.WithLabelValues("miss").Inc()
		return nil, false
	}
	if err != nil {
		metrics.RuleCacheRequestsTotal.WithLabelValues("error").Inc()
		c.logger.WarnwCtx(ctx, "rule cache read failed", "error", err)
		return nil, false
	}

	var rules []Rule
	if err := json.Unmarshal([]byte(result.(string)), &rules); err != nil {
		metrics.RuleCacheRequestsTotal.WithLabelValues("error").Inc()
		c.logger.WarnwCtx(ctx, "rule cache payload corrupt", "error", err)
		return nil, false
	}

	metrics.RuleCacheRequestsTotal.WithLabelValues("hit").Inc()
	return rules, true
}

func (c *RedisCache) Set(ctx context.Context, rules []Rule) {
	payload, err := json.Marshal(rules)
	if err != nil {
		c.logger.WarnwCtx(ctx, "rule cache marshal failed", "error", err)
		return
	}

	_, err = c.breaker.ExecuteWithContext(ctx, func() (interface{}, error) {
		return nil, c.client.Set(ctx, constants.RuleCacheKey, payload, c.ttl).Err()
	})
	if err != nil {
		c.logger.WarnwCtx(ctx, "rule cache write failed", "error", err)
	}
}

func (c *RedisCache) Invalidate(ctx context.Context) {
	_, err := c.breaker.ExecuteWithContext(ctx, func() (interface{}, error) {
		return nil, c.client.Del(ctx, constants.RuleCacheKey).Err()
	})
	if err != nil {
		c.logger.WarnwCtx(ctx, "rule cache invalidation failed", "error", err)
	}
}

// NopCache is used when Redis is not configured.
type NopCache struct{}

func (NopCache) Get(ctx context.Context) ([]Rule, bool) { return nil, false }
func (NopCache) Set(ctx context.Context, rules []Rule)  {}
func (NopCache) Invalidate(ctx context.Context)         {}

var _ Cache = (*RedisCache)(nil)
var _ Cache = NopCache{}
