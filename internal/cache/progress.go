package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/terra-clan/assessment-engine/internal/models"
)

// versionTTL bounds how long the version key of an idle session is kept.
const versionTTL = 24 * time.Hour

var errStaleProgress = errors.New("progress entry invalidated")

// ProgressCache stores the last aggregated progress of each session
type ProgressCache struct {
	client *redis.Client
	ttl    time.Duration
}

// NewProgressCache creates a progress cache whose entries live for ttl
func NewProgressCache(client *redis.Client, ttl time.Duration) *ProgressCache {
	return &ProgressCache{client: client, ttl: ttl}
}

// Get returns the cached progress, or nil on a miss
func (c *ProgressCache) Get(ctx context.Context, sessionID string) (*models.SessionProgress, error) {
	data, err := c.client.Get(ctx, progressKey(sessionID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read progress cache: %w", err)
	}

	var p models.SessionProgress
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("failed to decode cached progress: %w", err)
	}
	return &p, nil
}

// Version returns the invalidation generation of the session's entry.
func (c *ProgressCache) Version(ctx context.Context, sessionID string) (int64, error) {
	v, err := c.client.Get(ctx, versionKey(sessionID)).Int64()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return 0, nil
		}
		return 0, fmt.Errorf("failed to read progress version: %w", err)
	}
	return v, nil
}

// Set stores p unless the entry was invalidated after version was read. A
// skipped write is not an error.
func (c *ProgressCache) Set(ctx context.Context, sessionID string, p *models.SessionProgress, version int64) error {
	data, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("failed to encode progress: %w", err)
	}

	vkey := versionKey(sessionID)
	err = c.client.Watch(ctx, func(tx *redis.Tx) error {
		current, err := tx.Get(ctx, vkey).Int64()
		if err != nil && !errors.Is(err, redis.Nil) {
			return err
		}
		if current != version {
			return errStaleProgress
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, progressKey(sessionID), data, c.ttl)
			return nil
		})
		return err
	}, vkey)

	switch {
	case err == nil, errors.Is(err, errStaleProgress), errors.Is(err, redis.TxFailedErr):
		return nil
	}
	return fmt.Errorf("failed to write progress cache: %w", err)
}

// Invalidate drops the entry and bumps its version so in-flight writes
// computed before the call are discarded.
func (c *ProgressCache) Invalidate(ctx context.Context, sessionID string) error {
	vkey := versionKey(sessionID)
	_, err := c.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Incr(ctx, vkey)
		pipe.Expire(ctx, vkey, versionTTL)
		pipe.Del(ctx, progressKey(sessionID))
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to invalidate progress cache: %w", err)
	}
	return nil
}

func progressKey(sessionID string) string {
	return "progress:" + sessionID
}

func versionKey(sessionID string) string {
	return "progress:" + sessionID + ":version"
}
