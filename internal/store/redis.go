package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rotisserie/eris"

	"github.com/jononovo/send-claw2-sub007/internal/model"
)

const defaultKeyPrefix = "supersearch:result:"

// RedisCache keeps result sets in Redis so several processes share one
// cache. Entries expire on their own TTL.
type RedisCache struct {
	client *redis.Client
	prefix string
}

// RedisOptions configures NewRedisCache.
type RedisOptions struct {
	Addr      string
	Password  string
	DB        int
	KeyPrefix string
}

// NewRedisCache connects to Redis and verifies the connection.
func NewRedisCache(ctx context.Context, opts RedisOptions) (*RedisCache, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         opts.Addr,
		Password:     opts.Password,
		DB:           opts.DB,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close() //nolint:errcheck
		return nil, eris.Wrapf(err, "redis: ping %s", opts.Addr)
	}
	return NewRedisCacheFromClient(client, opts.KeyPrefix), nil
}

// NewRedisCacheFromClient wraps an existing client.
func NewRedisCacheFromClient(client *redis.Client, prefix string) *RedisCache {
	if prefix == "" {
		prefix = defaultKeyPrefix
	}
	return &RedisCache{client: client, prefix: prefix}
}

func (c *RedisCache) key(fingerprint string) string {
	return c.prefix + fingerprint
}

// Get returns nil, nil on a miss.
func (c *RedisCache) Get(ctx context.Context, fingerprint string) (*model.ResultSet, error) {
	data, err := c.client.Get(ctx, c.key(fingerprint)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "redis: get %s", fingerprint)
	}
	var rs model.ResultSet
	if err := json.Unmarshal(data, &rs); err != nil {
		return nil, eris.Wrap(err, "redis: unmarshal result")
	}
	return &rs, nil
}

// setIfNewer writes the result (KEYS[1]) and its generation stamp (KEYS[2])
// unless the cached stamp is later than ARGV[2]. ARGV[3] is the TTL in
// milliseconds, zero for none.
var setIfNewer = redis.NewScript(`
local cur = redis.call('GET', KEYS[2])
if cur and tonumber(cur) > tonumber(ARGV[2]) then
  return 0
end
local ttl = tonumber(ARGV[3])
if ttl > 0 then
  redis.call('SET', KEYS[1], ARGV[1], 'PX', ttl)
  redis.call('SET', KEYS[2], ARGV[2], 'PX', ttl)
else
  redis.call('SET', KEYS[1], ARGV[1])
  redis.call('SET', KEYS[2], ARGV[2])
end
return 1
`)

func (c *RedisCache) stampKey(fingerprint string) string {
	return c.key(fingerprint) + ":generated_at"
}

// Set caches rs unless the entry already holds a result generated later,
// so a slow run finishing after a newer one cannot replace it.
func (c *RedisCache) Set(ctx context.Context, rs *model.ResultSet, ttl time.Duration) error {
	_, err := c.SetIfNewer(ctx, rs, ttl)
	return err
}

// SetIfNewer is Set that also reports whether rs was written.
func (c *RedisCache) SetIfNewer(ctx context.Context, rs *model.ResultSet, ttl time.Duration) (bool, error) {
	data, err := json.Marshal(rs)
	if err != nil {
		return false, eris.Wrap(err, "redis: marshal result")
	}
	keys := []string{c.key(rs.Fingerprint), c.stampKey(rs.Fingerprint)}
	written, err := setIfNewer.Run(ctx, c.client, keys, data, rs.GeneratedAt.UnixMicro(), ttl.Milliseconds()).Int()
	if err != nil {
		return false, eris.Wrapf(err, "redis: set %s", rs.Fingerprint)
	}
	return written == 1, nil
}

// Delete removes one entry, or every entry under the prefix when
// fingerprint is empty.
func (c *RedisCache) Delete(ctx context.Context, fingerprint string) error {
	if fingerprint != "" {
		return eris.Wrapf(c.client.Del(ctx, c.key(fingerprint), c.stampKey(fingerprint)).Err(), "redis: del %s", fingerprint)
	}

	iter := c.client.Scan(ctx, 0, c.prefix+"*", 100).Iterator()
	var batch []string
	for iter.Next(ctx) {
		batch = append(batch, iter.Val())
		if len(batch) == 100 {
			if err := c.client.Del(ctx, batch...).Err(); err != nil {
				return eris.Wrap(err, "redis: del batch")
			}
			batch = batch[:0]
		}
	}
	if err := iter.Err(); err != nil {
		return eris.Wrap(err, "redis: scan")
	}
	if len(batch) > 0 {
		return eris.Wrap(c.client.Del(ctx, batch...).Err(), "redis: del batch")
	}
	return nil
}

// Close closes the client.
func (c *RedisCache) Close() error {
	return c.client.Close()
}
