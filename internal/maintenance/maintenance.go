// Package maintenance runs the relay's periodic housekeeping: idle-session
// eviction and turn-event retention, driven by a cron schedule.
package maintenance

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	cronlib "github.com/robfig/cron/v3"

	"github.com/basket/claw-relay/internal/bus"
	otelx "github.com/basket/claw-relay/internal/otel"
	"github.com/basket/claw-relay/internal/persistence"
	"github.com/basket/claw-relay/internal/session"
)

// cronParser parses standard 5-field cron expressions (minute, hour, dom,
// month, dow).
var cronParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow,
)

// Config holds the sweeper's dependencies and tunables.
type Config struct {
	Cache    *session.Cache
	Store    *persistence.Store
	EventBus *bus.Bus
	Metrics  *otelx.Metrics
	Logger   *slog.Logger

	// Schedule is a 5-field cron spec for the sweep.
	Schedule string

	SessionIdleTimeout   time.Duration
	SessionMaxConcurrent int
	TurnEventRetainDays  int
}

// Sweeper evicts idle sessions and prunes old turn events on schedule.
type Sweeper struct {
	cfg      Config
	schedule cronlib.Schedule

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewSweeper parses the cron spec and builds the sweeper.
func NewSweeper(cfg Config) (*Sweeper, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	schedule, err := cronParser.Parse(cfg.Schedule)
	if err != nil {
		return nil, fmt.Errorf("parse maintenance cron %q: %w", cfg.Schedule, err)
	}
	return &Sweeper{cfg: cfg, schedule: schedule}, nil
}

// Start begins the sweep loop in a background goroutine.
func (s *Sweeper) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	go s.loop(ctx)
	s.cfg.Logger.Info("maintenance sweeper started", "schedule", s.cfg.Schedule)
}

// Stop cancels the loop and waits for it to exit.
func (s *Sweeper) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	s.cfg.Logger.Info("maintenance sweeper stopped")
}

func (s *Sweeper) loop(ctx context.Context) {
	defer s.wg.Done()

	for {
		next := s.schedule.Next(time.Now())
		timer := time.NewTimer(time.Until(next))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
			s.RunOnce(ctx)
		}
	}
}

// RunOnce performs one sweep: eviction first, then retention.
func (s *Sweeper) RunOnce(ctx context.Context) {
	evicted := s.cfg.Cache.EvictIdle(ctx, s.cfg.SessionIdleTimeout, s.cfg.SessionMaxConcurrent)
	if evicted > 0 {
		s.cfg.EventBus.Publish(bus.TopicSessionEvicted, bus.SessionEvictedEvent{Count: evicted})
		if s.cfg.Metrics != nil {
			s.cfg.Metrics.SessionEvictions.Add(ctx, int64(evicted))
		}
	}

	result, err := s.cfg.Store.RunRetention(ctx, s.cfg.TurnEventRetainDays)
	if err != nil {
		s.cfg.Logger.Error("turn event retention failed", "error", err)
		return
	}
	if result.TurnEventsDeleted > 0 {
		s.cfg.Logger.Info("pruned turn events", "deleted", result.TurnEventsDeleted)
	}
}
