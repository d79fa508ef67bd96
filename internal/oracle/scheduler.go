package oracle

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// SchedulerConfig configures the cycle scheduler.
type SchedulerConfig struct {
	Interval time.Duration `yaml:"interval"`
}

// DefaultSchedulerConfig returns the default cycle cadence.
func DefaultSchedulerConfig() SchedulerConfig {
	return SchedulerConfig{Interval: 30 * time.Second}
}

// Scheduler drives the engine on a fixed interval. Cycles never overlap: a
// tick that fires while the previous cycle is still running is skipped.
type Scheduler struct {
	cfg    SchedulerConfig
	engine *Engine
	logger *slog.Logger

	running sync.Mutex
}

// NewScheduler creates a scheduler for the engine.
func NewScheduler(cfg SchedulerConfig, engine *Engine, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Interval == 0 {
		cfg.Interval = DefaultSchedulerConfig().Interval
	}
	return &Scheduler{
		cfg:    cfg,
		engine: engine,
		logger: logger.With("component", "scheduler"),
	}
}

// Run ticks until the context is cancelled. An immediate first cycle runs on
// startup so a restart does not wait a full interval.
func (s *Scheduler) Run(ctx context.Context) error {
	s.logger.Info("scheduler started", "interval", s.cfg.Interval)

	s.tick(ctx, time.Now().UTC())

	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("scheduler stopped")
			return ctx.Err()
		case now := <-ticker.C:
			s.tick(ctx, now.UTC())
		}
	}
}

// tick runs one cycle unless a previous one is still in flight.
func (s *Scheduler) tick(ctx context.Context, now time.Time) {
	if !s.running.TryLock() {
		s.logger.Warn("previous cycle still running, skipping tick")
		return
	}
	defer s.running.Unlock()

	if err := s.engine.Cycle(ctx, now); err != nil {
		s.logger.Error("reconciliation cycle failed", "error", err)
	}
}
