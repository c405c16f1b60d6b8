package progress

import (
	"context"
	"fmt"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"github.com/terra-clan/assessment-engine/internal/models"
)

// ContentSource supplies authored content.
type ContentSource interface {
	// GetExercise returns the exercise with its challenges (steps optional).
	GetExercise(ctx context.Context, id string) (*models.Exercise, error)
	// GetChallenge returns the challenge with its steps.
	GetChallenge(ctx context.Context, id string) (*models.Challenge, error)
}

// ProgressSource supplies the progress records of a session.
type ProgressSource interface {
	ListProgress(ctx context.Context, sessionID string) ([]models.StepProgressRecord, error)
}

const defaultConcurrency = 8

// Collector fetches content and progress for a session and aggregates them.
// Every fetch is settled independently: a challenge that cannot be loaded is
// degraded to its step_count metadata instead of failing the pass.
type Collector struct {
	content     ContentSource
	progress    ProgressSource
	policy      CompletionPolicy
	concurrency int
	logger      *slog.Logger
}

// CollectorOption configures a Collector
type CollectorOption func(*Collector)

// WithCollectorPolicy sets the completion policy used by Collect.
func WithCollectorPolicy(p CompletionPolicy) CollectorOption {
	return func(c *Collector) {
		c.policy = p
	}
}

// WithConcurrency bounds the number of in-flight content fetches.
func WithConcurrency(n int) CollectorOption {
	return func(c *Collector) {
		if n > 0 {
			c.concurrency = n
		}
	}
}

// WithLogger sets the logger for degraded fetches.
func WithLogger(logger *slog.Logger) CollectorOption {
	return func(c *Collector) {
		c.logger = logger
	}
}

// NewCollector creates a collector
func NewCollector(content ContentSource, progress ProgressSource, opts ...CollectorOption) *Collector {
	c := &Collector{
		content:     content,
		progress:    progress,
		policy:      LenientCompletion,
		concurrency: defaultConcurrency,
		logger:      slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Policy returns the configured completion policy.
func (c *Collector) Policy() CompletionPolicy {
	return c.policy
}

// Collect aggregates the progress of sessionID over exerciseIDs. Only a
// failure to read the progress records fails the call.
func (c *Collector) Collect(ctx context.Context, sessionID string, exerciseIDs []string) (*models.SessionProgress, Snapshot, error) {
	records, err := c.progress.ListProgress(ctx, sessionID)
	if err != nil {
		return nil, Snapshot{}, fmt.Errorf("failed to read progress: %w", err)
	}
	snap := NewSnapshot(records)

	contents := c.Fetch(ctx, exerciseIDs)

	result := &models.SessionProgress{
		Exercises: make([]models.ExerciseProgressSummary, 0, len(contents)),
	}
	for _, ex := range contents {
		result.Exercises = append(result.Exercises, ComputeExerciseProgress(ex, snap, WithPolicy(c.policy)))
	}
	result.Stats = ComputeGlobalStats(result.Exercises)

	return result, snap, nil
}

// Fetch loads the content of every exercise and its candidate-visible
// challenges. The result has one entry per exercise id, in input order.
func (c *Collector) Fetch(ctx context.Context, exerciseIDs []string) []ExerciseContent {
	exercises := make([]*models.Exercise, len(exerciseIDs))

	g := new(errgroup.Group)
	g.SetLimit(c.concurrency)
	for i, id := range exerciseIDs {
		g.Go(func() error {
			ex, err := c.content.GetExercise(ctx, id)
			if err == nil && ex == nil {
				err = fmt.Errorf("exercise %s not found", id)
			}
			if err != nil {
				c.logger.Warn("exercise content unreachable",
					"exercise_id", id, "error", fmt.Errorf("%w: %w", ErrContentUnreachable, err))
				return nil
			}
			exercises[i] = ex
			return nil
		})
	}
	_ = g.Wait()

	// Challenges candidates cannot see are neither fetched nor counted.
	type slot struct {
		ex, ch int
		meta   *models.Challenge
	}
	var slots []slot
	result := make([]ExerciseContent, len(exerciseIDs))
	for i, id := range exerciseIDs {
		result[i].ExerciseID = id
		if exercises[i] == nil {
			continue
		}
		result[i].Challenges = make([]ChallengeContent, 0, len(exercises[i].Challenges))
		for _, ch := range exercises[i].Challenges {
			if !ch.VisibleToCandidate() {
				continue
			}
			slots = append(slots, slot{ex: i, ch: len(result[i].Challenges), meta: ch})
			result[i].Challenges = append(result[i].Challenges, ChallengeContent{})
		}
	}

	g = new(errgroup.Group)
	g.SetLimit(c.concurrency)
	for _, s := range slots {
		meta := s.meta
		g.Go(func() error {
			result[s.ex].Challenges[s.ch] = c.fetchChallenge(ctx, meta)
			return nil
		})
	}
	_ = g.Wait()

	return result
}

func (c *Collector) fetchChallenge(ctx context.Context, meta *models.Challenge) ChallengeContent {
	ch, err := c.content.GetChallenge(ctx, meta.ID)
	if err == nil && ch == nil {
		err = fmt.Errorf("challenge %s not found", meta.ID)
	}
	if err != nil {
		err = fmt.Errorf("%w: %w", ErrContentUnreachable, err)
		c.logger.Warn("challenge content unreachable, counting step_count",
			"challenge_id", meta.ID, "step_count", meta.StepCount, "error", err)
		return Unreachable(meta, err)
	}
	return Loaded(ch)
}
