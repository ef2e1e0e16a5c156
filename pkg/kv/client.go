// Package kv is a thin typed wrapper over Redis. Every key is transparently
// prefixed with the tenant the client was bound to, so callers never see or
// build cross-tenant keys.
package kv

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/quarryhq/quarry/pkg/tenant"
)

// Client is a tenant-scoped handle on the KV broker.
type Client struct {
	rdb     *redis.Client
	replica *redis.Client
	prefix  string
}

// NewClient binds a Redis client to a tenant. The replica handle is used for
// read-only scans; pass nil to fall back to the primary.
func NewClient(rdb, replica *redis.Client, tenantSlug string) *Client {
	if replica == nil {
		replica = rdb
	}
	return &Client{rdb: rdb, replica: replica, prefix: tenant.KeyPrefix(tenantSlug)}
}

// Prefix returns the tenant key prefix the client is bound to.
func (c *Client) Prefix() string { return c.prefix }

func (c *Client) key(k string) string { return c.prefix + k }

// Get returns the string value of key, or ("", false, nil) when absent.
func (c *Client) Get(ctx context.Context, key string) (string, bool, error) {
	val, err := c.rdb.Get(ctx, c.key(key)).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return val, true, nil
}

// Set writes key with an optional TTL (0 = no expiry). When nx is true the
// write only happens if the key is absent; the bool result reports whether
// the value was written.
func (c *Client) Set(ctx context.Context, key, value string, ttl time.Duration, nx bool) (bool, error) {
	if nx {
		return c.rdb.SetNX(ctx, c.key(key), value, ttl).Result()
	}
	if err := c.rdb.Set(ctx, c.key(key), value, ttl).Err(); err != nil {
		return false, err
	}
	return true, nil
}

// Delete removes the given keys.
func (c *Client) Delete(ctx context.Context, keys ...string) error {
	full := make([]string, len(keys))
	for i, k := range keys {
		full[i] = c.key(k)
	}
	return c.rdb.Del(ctx, full...).Err()
}

// Exists reports whether key is present.
func (c *Client) Exists(ctx context.Context, key string) (bool, error) {
	n, err := c.rdb.Exists(ctx, c.key(key)).Result()
	return n > 0, err
}

// Incr atomically increments the integer at key and returns the new value.
func (c *Client) Incr(ctx context.Context, key string) (int64, error) {
	return c.rdb.Incr(ctx, c.key(key)).Result()
}

// Expire refreshes the TTL on key.
func (c *Client) Expire(ctx context.Context, key string, ttl time.Duration) error {
	return c.rdb.Expire(ctx, c.key(key), ttl).Err()
}

// SAdd adds members to the set at key.
func (c *Client) SAdd(ctx context.Context, key string, members ...string) error {
	args := make([]any, len(members))
	for i, m := range members {
		args[i] = m
	}
	return c.rdb.SAdd(ctx, c.key(key), args...).Err()
}

// SRem removes members from the set at key.
func (c *Client) SRem(ctx context.Context, key string, members ...string) error {
	args := make([]any, len(members))
	for i, m := range members {
		args[i] = m
	}
	return c.rdb.SRem(ctx, c.key(key), args...).Err()
}

// SMembers returns all members of the set at key.
func (c *Client) SMembers(ctx context.Context, key string) ([]string, error) {
	return c.rdb.SMembers(ctx, c.key(key)).Result()
}

// SIsMember reports set membership.
func (c *Client) SIsMember(ctx context.Context, key, member string) (bool, error) {
	return c.rdb.SIsMember(ctx, c.key(key), member).Result()
}

// SCard returns the cardinality of the set at key.
func (c *Client) SCard(ctx context.Context, key string) (int64, error) {
	return c.rdb.SCard(ctx, c.key(key)).Result()
}

// ScanKeys walks the replica for keys matching the (tenant-relative) pattern
// and returns them with the tenant prefix stripped.
func (c *Client) ScanKeys(ctx context.Context, match string) ([]string, error) {
	var keys []string
	var cursor uint64
	for {
		batch, next, err := c.replica.Scan(ctx, cursor, c.key(match), 256).Result()
		if err != nil {
			return nil, err
		}
		for _, k := range batch {
			keys = append(keys, k[len(c.prefix):])
		}
		if next == 0 {
			return keys, nil
		}
		cursor = next
	}
}

// LPush enqueues values at the head of the list at key.
func (c *Client) LPush(ctx context.Context, key string, values ...string) error {
	args := make([]any, len(values))
	for i, v := range values {
		args[i] = v
	}
	return c.rdb.LPush(ctx, c.key(key), args...).Err()
}

// LLen returns the length of the list at key.
func (c *Client) LLen(ctx context.Context, key string) (int64, error) {
	return c.rdb.LLen(ctx, c.key(key)).Result()
}

// Raw exposes the underlying client for operations the wrapper does not
// cover (queue pops, pub/sub). Keys passed to it must be built with FullKey.
func (c *Client) Raw() *redis.Client { return c.rdb }

// FullKey returns the tenant-prefixed form of a key for use with Raw.
func (c *Client) FullKey(key string) string { return c.key(key) }
