// Package redis provides distributed document locks and the dead-letter
// index. Locks keep two pipeline instances from syncing the same document
// concurrently; the dead-letter set makes DEAD jobs cheap to enumerate for
// operators without scanning the jobs table.
package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Client wraps Redis operations for the sync pipeline.
type Client struct {
	rdb *redis.Client
}

// Config holds Redis connection configuration.
type Config struct {
	URL      string `yaml:"url"`
	Password string `yaml:"password"`
}

// NewClient creates a new Redis client.
func NewClient(cfg Config) (*Client, error) {
	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis URL: %w", err)
	}
	if cfg.Password != "" {
		opts.Password = cfg.Password
	}

	rdb := redis.NewClient(opts)

	// Test connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return &Client{rdb: rdb}, nil
}

// Close closes the Redis connection.
func (c *Client) Close() error {
	return c.rdb.Close()
}

// Health checks if Redis is reachable.
func (c *Client) Health(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}

// Key helpers
func lockKey(docID string) string {
	return fmt.Sprintf("sync_lock:%s", docID)
}

const deadLetterKey = "dead_jobs"

// AcquireLock attempts to take the sync lock for a document. The owner token
// identifies the holder; Release only deletes the lock if the token still
// matches, so an expired lock picked up by another instance is never stolen
// back.
func (c *Client) AcquireLock(ctx context.Context, docID, owner string, ttl time.Duration) (bool, error) {
	ok, err := c.rdb.SetNX(ctx, lockKey(docID), owner, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("setnx failed: %w", err)
	}
	return ok, nil
}

var releaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0
`)

// ReleaseLock releases the document lock if still held by owner.
func (c *Client) ReleaseLock(ctx context.Context, docID, owner string) error {
	if err := releaseScript.Run(ctx, c.rdb, []string{lockKey(docID)}, owner).Err(); err != nil && err != redis.Nil {
		return fmt.Errorf("lock release failed: %w", err)
	}
	return nil
}

var refreshScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("pexpire", KEYS[1], ARGV[2])
end
return 0
`)

// RefreshLock extends the TTL of a held lock. Returns false when the lock
// expired or was taken over.
func (c *Client) RefreshLock(ctx context.Context, docID, owner string, ttl time.Duration) (bool, error) {
	res, err := refreshScript.Run(ctx, c.rdb, []string{lockKey(docID)}, owner, ttl.Milliseconds()).Int()
	if err != nil && err != redis.Nil {
		return false, fmt.Errorf("lock refresh failed: %w", err)
	}
	return res == 1, nil
}

// MarkDead records a document in the dead-letter index.
func (c *Client) MarkDead(ctx context.Context, docID string) error {
	return c.rdb.ZAdd(ctx, deadLetterKey, redis.Z{
		Score:  float64(time.Now().Unix()),
		Member: docID,
	}).Err()
}

// ClearDead removes a document from the dead-letter index, typically after
// manual recovery.
func (c *Client) ClearDead(ctx context.Context, docID string) error {
	return c.rdb.ZRem(ctx, deadLetterKey, docID).Err()
}

// DeadDocs lists dead-lettered documents, oldest first.
func (c *Client) DeadDocs(ctx context.Context, limit int64) ([]string, error) {
	if limit <= 0 {
		limit = 100
	}
	return c.rdb.ZRange(ctx, deadLetterKey, 0, limit-1).Result()
}
