package rbac

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const permissionVersionKey = "rbac:perms:version"

// Cache stores resolved permission rows in Redis. Entries are namespaced by a
// version counter so a single INCR invalidates every role at once.
type Cache struct {
	client *redis.Client
	ttl    time.Duration
}

// NewCache instantiates the cache helper.
func NewCache(client *redis.Client, ttl time.Duration) *Cache {
	return &Cache{client: client, ttl: ttl}
}

func (c *Cache) version(ctx context.Context) (int64, error) {
	ver, err := c.client.Get(ctx, permissionVersionKey).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	return ver, err
}

func (c *Cache) key(ctx context.Context, roleID int64, model string) (string, error) {
	ver, err := c.version(ctx)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("rbac:perms:%d:%d:%s", ver, roleID, model), nil
}

// Get returns cached rows for role and model.
func (c *Cache) Get(ctx context.Context, roleID int64, model string) ([]FieldPermission, bool, error) {
	if c == nil || c.client == nil {
		return nil, false, nil
	}
	key, err := c.key(ctx, roleID, model)
	if err != nil {
		return nil, false, err
	}
	raw, err := c.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	var perms []FieldPermission
	if err := json.Unmarshal(raw, &perms); err != nil {
		return nil, false, err
	}
	return perms, true, nil
}

// Set stores rows for role and model.
func (c *Cache) Set(ctx context.Context, roleID int64, model string, perms []FieldPermission) error {
	if c == nil || c.client == nil {
		return nil
	}
	key, err := c.key(ctx, roleID, model)
	if err != nil {
		return err
	}
	raw, err := json.Marshal(perms)
	if err != nil {
		return err
	}
	return c.client.Set(ctx, key, raw, c.ttl).Err()
}

// Invalidate drops every cached entry by bumping the version.
func (c *Cache) Invalidate(ctx context.Context) error {
	if c == nil || c.client == nil {
		return nil
	}
	return c.client.Incr(ctx, permissionVersionKey).Err()
}
