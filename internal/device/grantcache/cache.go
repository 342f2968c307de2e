// Package grantcache caches firewall rule lookups by comment fragment in Redis.
// Only hits are cached; a rule created by an operator is picked up on the next lookup.
package grantcache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/netcore-24/2FA-Mikrotik-TG-Only/internal/device"
)

const defaultPrefix = "vpn2fa:grant"

// Client decorates a device.Client with a Redis-backed FindGrantByTag.
// All other calls go straight to the device.
type Client struct {
	device.Client
	redis  redis.UniversalClient
	prefix string
	ttl    time.Duration
	log    *zap.Logger
}

// New wraps inner. A nil redis client or a non-positive ttl disables caching.
func New(inner device.Client, client redis.UniversalClient, ttl time.Duration, log *zap.Logger) *Client {
	if log == nil {
		log = zap.NewNop()
	}
	return &Client{Client: inner, redis: client, prefix: defaultPrefix, ttl: ttl, log: log}
}

func (c *Client) enabled() bool {
	return c.redis != nil && c.ttl > 0
}

// FindGrantByTag returns the cached rule id for fragment or asks the device.
// Redis failures are logged and bypassed.
func (c *Client) FindGrantByTag(ctx context.Context, fragment string) (string, bool, error) {
	if !c.enabled() || strings.TrimSpace(fragment) == "" {
		return c.Client.FindGrantByTag(ctx, fragment)
	}
	key := c.tagKey(fragment)
	id, err := c.redis.Get(ctx, key).Result()
	switch {
	case err == nil && id != "":
		return id, true, nil
	case err != nil && !errors.Is(err, redis.Nil):
		c.log.Warn("grant cache read failed", zap.String("key", key), zap.Error(err))
	}

	id, ok, err := c.Client.FindGrantByTag(ctx, fragment)
	if err != nil || !ok {
		return id, ok, err
	}
	pipe := c.redis.TxPipeline()
	pipe.Set(ctx, key, id, c.ttl)
	pipe.SAdd(ctx, c.ruleKey(id), key)
	pipe.Expire(ctx, c.ruleKey(id), c.ttl+time.Minute)
	if _, err := pipe.Exec(ctx); err != nil {
		c.log.Warn("grant cache write failed", zap.String("key", key), zap.Error(err))
	}
	return id, true, nil
}

// SetGrantEnabled forwards to the device. A device-side rejection usually means the
// rule was deleted, so every cached tag pointing at it is dropped.
func (c *Client) SetGrantEnabled(ctx context.Context, grantID string, enabled bool) error {
	err := c.Client.SetGrantEnabled(ctx, grantID, enabled)
	if err != nil && errors.Is(err, device.ErrDevice) && c.enabled() {
		if ierr := c.InvalidateRule(ctx, grantID); ierr != nil {
			c.log.Warn("grant cache invalidate failed", zap.String("grant_id", grantID), zap.Error(ierr))
		}
	}
	return err
}

// InvalidateRule removes every cached fragment that resolved to grantID.
func (c *Client) InvalidateRule(ctx context.Context, grantID string) error {
	if !c.enabled() || grantID == "" {
		return nil
	}
	index := c.ruleKey(grantID)
	keys, err := c.redis.SMembers(ctx, index).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return err
	}
	pipe := c.redis.TxPipeline()
	if len(keys) > 0 {
		pipe.Del(ctx, keys...)
	}
	pipe.Del(ctx, index)
	_, err = pipe.Exec(ctx)
	return err
}

func (c *Client) tagKey(fragment string) string {
	sum := sha256.Sum256([]byte(strings.ToLower(strings.TrimSpace(fragment))))
	return c.prefix + ":tag:" + hex.EncodeToString(sum[:16])
}

func (c *Client) ruleKey(id string) string {
	return c.prefix + ":rule:" + id
}
