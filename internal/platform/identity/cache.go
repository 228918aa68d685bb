package identity

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// PatientCache remembers patient references known to exist.
type PatientCache interface {
	Known(ctx context.Context, patientRef string) (bool, error)
	Remember(ctx context.Context, patientRef string, ttl time.Duration) error
}

// CachedGateway serves positive answers from a PatientCache and asks the
// wrapped gateway otherwise. Negative answers and errors are never cached:
// a patient created a moment ago must be billable right away.
type CachedGateway struct {
	next   Gateway
	cache  PatientCache
	ttl    time.Duration
	logger zerolog.Logger
}

func NewCachedGateway(next Gateway, cache PatientCache, ttl time.Duration, logger zerolog.Logger) *CachedGateway {
	return &CachedGateway{next: next, cache: cache, ttl: ttl, logger: logger}
}

func (g *CachedGateway) VerifyPatientExists(ctx context.Context, patientRef string) (bool, error) {
	known, err := g.cache.Known(ctx, patientRef)
	if err != nil {
		g.logger.Warn().Err(err).Str("patient_ref", patientRef).Msg("patient cache lookup failed")
	} else if known {
		return true, nil
	}

	exists, err := g.next.VerifyPatientExists(ctx, patientRef)
	if err != nil || !exists {
		return exists, err
	}
	if err := g.cache.Remember(ctx, patientRef, g.ttl); err != nil {
		g.logger.Warn().Err(err).Str("patient_ref", patientRef).Msg("patient cache write failed")
	}
	return true, nil
}

// RedisPatientCache stores known patient references as expiring keys.
type RedisPatientCache struct {
	client    *redis.Client
	keyPrefix string
}

// NewRedisPatientCache connects to redisURL (redis://host:port/db) and
// checks the connection.
func NewRedisPatientCache(ctx context.Context, redisURL string) (*RedisPatientCache, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return NewRedisPatientCacheWithClient(client, ""), nil
}

// NewRedisPatientCacheWithClient wraps an existing client.
func NewRedisPatientCacheWithClient(client *redis.Client, keyPrefix string) *RedisPatientCache {
	if keyPrefix == "" {
		keyPrefix = "billing:patient:"
	}
	return &RedisPatientCache{client: client, keyPrefix: keyPrefix}
}

func (c *RedisPatientCache) Known(ctx context.Context, patientRef string) (bool, error) {
	n, err := c.client.Exists(ctx, c.keyPrefix+patientRef).Result()
	if err != nil {
		return false, fmt.Errorf("redis exists: %w", err)
	}
	return n > 0, nil
}

func (c *RedisPatientCache) Remember(ctx context.Context, patientRef string, ttl time.Duration) error {
	if err := c.client.Set(ctx, c.keyPrefix+patientRef, "1", ttl).Err(); err != nil {
		return fmt.Errorf("redis set: %w", err)
	}
	return nil
}

// Close releases the Redis connection pool.
func (c *RedisPatientCache) Close() error {
	return c.client.Close()
}

var (
	_ PatientCache = (*RedisPatientCache)(nil)
	_ Gateway      = (*CachedGateway)(nil)
	_ Gateway      = (*HTTPGateway)(nil)
)
