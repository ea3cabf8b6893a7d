package dataset

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/go-redis/redis/v8"
)

// CacheStore persists the raw dataset between runs
type CacheStore interface {
	// Get returns the cached blob and whether it exists
	Get(ctx context.Context, name string) ([]byte, bool, error)
	Put(ctx context.Context, name string, data []byte) error
}

// DirCache stores cache files in a local directory. Concurrent first-time
// writers simply overwrite each other with equivalent content.
type DirCache struct {
	Dir string
}

// NewDirCache returns a cache rooted at dir
func NewDirCache(dir string) *DirCache {
	return &DirCache{Dir: dir}
}

// Get reads a cache file
func (c *DirCache) Get(_ context.Context, name string) ([]byte, bool, error) {
	data, err := os.ReadFile(filepath.Join(c.Dir, name))
	if errors.Is(err, os.ErrNotExist) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("read cache file %s: %w", name, err)
	}
	return data, true, nil
}

// Put writes a cache file, creating the directory when needed
func (c *DirCache) Put(_ context.Context, name string, data []byte) error {
	if err := os.MkdirAll(c.Dir, 0755); err != nil {
		return fmt.Errorf("failed to create directory %s: %w", c.Dir, err)
	}
	if err := os.WriteFile(filepath.Join(c.Dir, name), data, 0644); err != nil {
		return fmt.Errorf("write cache file %s: %w", name, err)
	}
	return nil
}

// RedisCache keeps the cached tables in Redis so several replicas share one copy
type RedisCache struct {
	client redis.UniversalClient
	prefix string
	ttl    time.Duration
}

// NewRedisCache wraps a redis client. A zero ttl keeps entries forever.
func NewRedisCache(client redis.UniversalClient, prefix string, ttl time.Duration) *RedisCache {
	return &RedisCache{client: client, prefix: prefix, ttl: ttl}
}

func (c *RedisCache) key(name string) string {
	return c.prefix + name
}

// Get fetches a blob by name
func (c *RedisCache) Get(ctx context.Context, name string) ([]byte, bool, error) {
	data, err := c.client.Get(ctx, c.key(name)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("redis get %s: %w", c.key(name), err)
	}
	return data, true, nil
}

// Put stores a blob by name
func (c *RedisCache) Put(ctx context.Context, name string, data []byte) error {
	if err := c.client.Set(ctx, c.key(name), data, c.ttl).Err(); err != nil {
		return fmt.Errorf("redis set %s: %w", c.key(name), err)
	}
	return nil
}
