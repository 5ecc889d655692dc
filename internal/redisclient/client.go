package redisclient

import (
	"context"
	_ "embed"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"

	"trust-service/internal/service"
)

//go:embed scripts/login_failures.lua
var loginFailuresScript string

const (
	snapshotTTL = 5 * time.Minute
)

type Client struct {
	rdb             *redis.Client
	loginFailScript *redis.Script
	loginFailWindow time.Duration
}

// NewClient creates a new Redis client with Lua scripts loaded.
func NewClient(addr, password string, db int, loginFailWindow time.Duration) (*Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}

	if loginFailWindow <= 0 {
		loginFailWindow = 15 * time.Minute
	}

	return &Client{
		rdb:             rdb,
		loginFailScript: redis.NewScript(loginFailuresScript),
		loginFailWindow: loginFailWindow,
	}, nil
}

// Close closes the Redis connection
func (c *Client) Close() error {
	return c.rdb.Close()
}

func snapshotKey(userID int64) string {
	return fmt.Sprintf("trust:snapshot:%d", userID)
}

// GetTrustSnapshot returns the cached trust view, or nil on a miss.
func (c *Client) GetTrustSnapshot(ctx context.Context, userID int64) (*service.TrustSnapshot, error) {
	raw, err := c.rdb.Get(ctx, snapshotKey(userID)).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var snap service.TrustSnapshot
	if err := json.Unmarshal(raw, &snap); err != nil {
		return nil, fmt.Errorf("failed to decode cached snapshot: %w", err)
	}
	return &snap, nil
}

// SetTrustSnapshot caches the trust view with a short TTL.
func (c *Client) SetTrustSnapshot(ctx context.Context, snap *service.TrustSnapshot) error {
	raw, err := json.Marshal(snap)
	if err != nil {
		return err
	}
	return c.rdb.Set(ctx, snapshotKey(snap.UserID), raw, snapshotTTL).Err()
}

// InvalidateTrustSnapshot drops the cached trust view after a score write.
func (c *Client) InvalidateTrustSnapshot(ctx context.Context, userID int64) error {
	return c.rdb.Del(ctx, snapshotKey(userID)).Err()
}

// RegisterLoginFailure bumps the windowed failure counter via the embedded
// Lua script and returns the running count with the current window id. The
// window id is stable for the window's duration so callers can build
// idempotent event keys from it.
func (c *Client) RegisterLoginFailure(ctx context.Context, userID int64) (int64, string, error) {
	windowID := fmt.Sprintf("%d", time.Now().Unix()/int64(c.loginFailWindow.Seconds()))
	key := fmt.Sprintf("trust:login-fail:%d:%s", userID, windowID)

	count, err := c.loginFailScript.Run(ctx, c.rdb,
		[]string{key}, int(c.loginFailWindow.Seconds())).Int64()
	if err != nil {
		return 0, "", fmt.Errorf("login failure script failed: %w", err)
	}
	return count, windowID, nil
}
