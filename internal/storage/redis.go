package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// RedisClient is the expiring key-value store behind the rate limiter and
// session revocation list.
type RedisClient struct {
	client *redis.Client
	prefix string
}

// NewRedisClient initializes a new Redis client
func NewRedisClient(ctx context.Context, addr, password string, db int) (*RedisClient, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	// Test the connection
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to ping Redis: %w", err)
	}

	return NewRedisClientFromClient(client, "dropvault:"), nil
}

// NewRedisClientFromClient wraps an existing client. Every key is stored
// under prefix.
func NewRedisClientFromClient(client *redis.Client, prefix string) *RedisClient {
	return &RedisClient{client: client, prefix: prefix}
}

// Close closes the Redis connection
func (rc *RedisClient) Close() error {
	return rc.client.Close()
}

func (rc *RedisClient) key(k string) string {
	return rc.prefix + k
}

// IncrWithTTL increments key and resets its expiry in one MULTI/EXEC, so
// concurrent failures from one identifier never undercount.
func (rc *RedisClient) IncrWithTTL(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	ctx, span := tracer.Start(ctx, "redis.incr_with_ttl",
		trace.WithAttributes(attribute.Int64("ttl_seconds", int64(ttl.Seconds()))),
	)
	defer span.End()

	var incr *redis.IntCmd
	_, err := rc.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		incr = pipe.Incr(ctx, rc.key(key))
		pipe.Expire(ctx, rc.key(key), ttl)
		return nil
	})
	if err != nil {
		span.RecordError(err)
		return 0, fmt.Errorf("failed to increment counter: %w", err)
	}

	n := incr.Val()
	span.SetAttributes(attribute.Int64("count", n))
	return n, nil
}

// decrScript decrements a counter and drops it once it reaches zero, so a
// release racing with the counter's expiry never leaves a negative key
// without a TTL.
var decrScript = redis.NewScript(`
local v = redis.call('DECR', KEYS[1])
if v <= 0 then
	redis.call('DEL', KEYS[1])
	return 0
end
return v
`)

// Decr decrements key, keeping its expiry, and deletes it at zero.
func (rc *RedisClient) Decr(ctx context.Context, key string) (int64, error) {
	ctx, span := tracer.Start(ctx, "redis.decr")
	defer span.End()

	n, err := decrScript.Run(ctx, rc.client, []string{rc.key(key)}).Int64()
	if err != nil {
		span.RecordError(err)
		return 0, fmt.Errorf("failed to decrement counter: %w", err)
	}

	span.SetAttributes(attribute.Int64("count", n))
	return n, nil
}

// SetWithTTL sets key to a flag value that expires after ttl.
func (rc *RedisClient) SetWithTTL(ctx context.Context, key string, ttl time.Duration) error {
	ctx, span := tracer.Start(ctx, "redis.set_with_ttl",
		trace.WithAttributes(attribute.Int64("ttl_seconds", int64(ttl.Seconds()))),
	)
	defer span.End()

	if err := rc.client.Set(ctx, rc.key(key), 1, ttl).Err(); err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to set key: %w", err)
	}
	return nil
}

// Exists reports whether key is present
func (rc *RedisClient) Exists(ctx context.Context, key string) (bool, error) {
	ctx, span := tracer.Start(ctx, "redis.exists")
	defer span.End()

	n, err := rc.client.Exists(ctx, rc.key(key)).Result()
	if err != nil {
		span.RecordError(err)
		return false, fmt.Errorf("failed to check key: %w", err)
	}

	span.SetAttributes(attribute.Bool("exists", n > 0))
	return n > 0, nil
}

// Delete removes key
func (rc *RedisClient) Delete(ctx context.Context, key string) error {
	ctx, span := tracer.Start(ctx, "redis.delete")
	defer span.End()

	if err := rc.client.Del(ctx, rc.key(key)).Err(); err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to delete key: %w", err)
	}
	return nil
}
