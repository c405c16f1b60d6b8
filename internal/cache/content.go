package cache

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"math/rand/v2"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/singleflight"

	"github.com/terra-clan/assessment-engine/internal/models"
	"github.com/terra-clan/assessment-engine/internal/progress"
)

// ContentCache is a read-through cache over a content source. Entries are
// stored as JSON with a jittered TTL, and concurrent misses for the same key
// share one load. Missing content is never cached.
type ContentCache struct {
	client *redis.Client
	source progress.ContentSource
	ttl    time.Duration
	sf     singleflight.Group
}

// NewContentCache wraps source with a Redis cache
func NewContentCache(client *redis.Client, source progress.ContentSource, ttl time.Duration) *ContentCache {
	return &ContentCache{
		client: client,
		source: source,
		ttl:    ttl,
	}
}

// GetExercise returns the exercise, from cache when possible
func (c *ContentCache) GetExercise(ctx context.Context, id string) (*models.Exercise, error) {
	var ex *models.Exercise
	err := c.load(ctx, exerciseKey(id), &ex, func() (any, error) {
		return c.source.GetExercise(ctx, id)
	})
	return ex, err
}

// GetChallenge returns the challenge with its steps, from cache when possible
func (c *ContentCache) GetChallenge(ctx context.Context, id string) (*models.Challenge, error) {
	var ch *models.Challenge
	err := c.load(ctx, challengeKey(id), &ch, func() (any, error) {
		return c.source.GetChallenge(ctx, id)
	})
	return ch, err
}

// InvalidateExercise drops the cached exercise
func (c *ContentCache) InvalidateExercise(ctx context.Context, id string) error {
	return c.client.Del(ctx, exerciseKey(id)).Err()
}

// InvalidateChallenge drops the cached challenge
func (c *ContentCache) InvalidateChallenge(ctx context.Context, id string) error {
	return c.client.Del(ctx, challengeKey(id)).Err()
}

// load fills dst (a pointer to a pointer) from the key, or from fetch on a
// miss. A Redis failure degrades to fetching from the source.
func (c *ContentCache) load(ctx context.Context, key string, dst any, fetch func() (any, error)) error {
	if c.get(ctx, key, dst) {
		return nil
	}

	raw, err, _ := c.sf.Do(key, func() (interface{}, error) {
		// Another caller may have filled the key while we waited.
		if data, err := c.client.Get(ctx, key).Bytes(); err == nil {
			return data, nil
		}

		value, err := fetch()
		if err != nil {
			return nil, err
		}

		data, err := json.Marshal(value)
		if err != nil {
			return nil, err
		}
		if string(data) == "null" {
			return data, nil
		}

		if err := c.client.Set(ctx, key, data, c.ttlWithJitter()).Err(); err != nil {
			slog.Warn("failed to cache content", "key", key, "error", err)
		}
		return data, nil
	})
	if err != nil {
		return err
	}

	return json.Unmarshal(raw.([]byte), dst)
}

func (c *ContentCache) get(ctx context.Context, key string, dst any) bool {
	data, err := c.client.Get(ctx, key).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			slog.Warn("content cache read failed", "key", key, "error", err)
		}
		return false
	}

	if err := json.Unmarshal(data, dst); err != nil {
		slog.Warn("dropping undecodable cache entry", "key", key, "error", err)
		c.client.Del(ctx, key)
		return false
	}
	return true
}

func (c *ContentCache) ttlWithJitter() time.Duration {
	if c.ttl <= 0 {
		return 0
	}
	jitterMax := int64(c.ttl) / 10
	return c.ttl + time.Duration(rand.Int64N(jitterMax+1))
}

func exerciseKey(id string) string {
	return "content:exercise:" + id
}

func challengeKey(id string) string {
	return "content:challenge:" + id
}
