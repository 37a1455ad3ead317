// Package cache provides a unified caching interface with multiple backend support.
//
// This package wraps battle-tested caching libraries:
//   - github.com/patrickmn/go-cache for local in-memory caching
//   - github.com/go-redis/redis/v8 for caching shared across broker replicas
//
// The credential broker uses it for side caches that sit next to the
// credential cache proper: short-TTL negative lookups ("instance does not
// exist") and health snapshot responses. The credential cache itself lives in
// internal/credentials and is not built on this package because it needs
// typed entries and expiry semantics tied to token lifetimes.
//
// Usage:
//
//	// Local cache
//	c := cache.NewLocalCache(5*time.Minute, 10*time.Minute)
//	c.Set(ctx, "key", "value", 1*time.Hour)
//	val, found := c.Get(ctx, "key")
//
//	// Redis cache
//	c := cache.NewRedisCache(redisClient, "credbroker:")
//	c.Set(ctx, "key", map[string]string{"foo": "bar"}, 1*time.Hour)
//
//	// Using factory
//	config := cache.Config{
//		Type:        cache.TypeRedis,
//		TTL:         5 * time.Minute,
//		RedisClient: redisClient,
//	}
//	c, err := cache.New(config)
package cache
