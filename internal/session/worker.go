package session

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/terra-clan/assessment-engine/internal/models"
)

// Runtime is what the worker drives. *Manager implements it.
type Runtime interface {
	Active(ctx context.Context) ([]*models.CandidateSession, error)
	Tick(ctx context.Context, id string) (TickResult, error)
	RefreshProgress(ctx context.Context, id string) error
}

// Worker runs two independent loops over in-progress sessions: the minute
// countdown and a slower progress refresh. A slow refresh never delays the
// countdown.
type Worker struct {
	runtime      Runtime
	tickInterval time.Duration
	pollInterval time.Duration
	limiter      *rate.Limiter
	wg           sync.WaitGroup
}

// NewWorker creates a session worker. pollRPS bounds the number of progress
// refreshes per second.
func NewWorker(runtime Runtime, tickInterval, pollInterval time.Duration, pollRPS float64) *Worker {
	if tickInterval <= 0 {
		tickInterval = time.Minute
	}
	if pollInterval <= 0 {
		pollInterval = 2 * time.Minute
	}
	if pollRPS <= 0 {
		pollRPS = 10
	}

	return &Worker{
		runtime:      runtime,
		tickInterval: tickInterval,
		pollInterval: pollInterval,
		limiter:      rate.NewLimiter(rate.Limit(pollRPS), 1),
	}
}

// Start launches both loops; they stop when ctx is cancelled.
func (w *Worker) Start(ctx context.Context) {
	w.wg.Add(2)
	go w.run(ctx, "countdown", w.tickInterval, func(ctx context.Context) { w.TickAll(ctx) })
	go w.run(ctx, "progress refresh", w.pollInterval, func(ctx context.Context) { w.RefreshAll(ctx) })
}

// Wait blocks until both loops have stopped.
func (w *Worker) Wait() {
	w.wg.Wait()
}

func (w *Worker) run(ctx context.Context, name string, interval time.Duration, cycle func(context.Context)) {
	defer w.wg.Done()
	slog.Info("session worker started", "loop", name, "interval", interval)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	// Run immediately on start
	cycle(ctx)

	for {
		select {
		case <-ctx.Done():
			slog.Info("session worker stopped", "loop", name)
			return
		case <-ticker.C:
			cycle(ctx)
		}
	}
}

// TickAll runs the countdown for every in-progress session and returns how
// many sessions this call expired.
func (w *Worker) TickAll(ctx context.Context) int {
	sessions, err := w.runtime.Active(ctx)
	if err != nil {
		slog.Error("failed to list active sessions", "error", err)
		return 0
	}

	expired := 0
	for _, s := range sessions {
		result, err := w.runtime.Tick(ctx, s.ID)
		if err != nil {
			if !errors.Is(err, ErrSessionNotFound) {
				slog.Error("failed to tick session", "session_id", s.ID, "error", err)
			}
			continue
		}
		if result.Expired {
			expired++
		}
	}

	if expired > 0 {
		slog.Info("sessions expired", "count", expired)
	}
	return expired
}

// RefreshAll recomputes progress for every in-progress session, rate
// limited. It returns the number of sessions refreshed.
func (w *Worker) RefreshAll(ctx context.Context) int {
	sessions, err := w.runtime.Active(ctx)
	if err != nil {
		slog.Error("failed to list active sessions", "error", err)
		return 0
	}

	refreshed := 0
	for _, s := range sessions {
		if err := w.limiter.Wait(ctx); err != nil {
			return refreshed
		}
		if err := w.runtime.RefreshProgress(ctx, s.ID); err != nil {
			slog.Warn("failed to refresh progress", "session_id", s.ID, "error", err)
			continue
		}
		refreshed++
	}

	slog.Debug("progress refresh cycle done", "sessions", len(sessions), "refreshed", refreshed)
	return refreshed
}
