package usecase

import (
	"context"
	"log/slog"
	"time"

	"IncidentEnricher/internal/ports"
)

// Scheduler wires the cron driver with the pipeline use case.
type Scheduler struct {
	driver   ports.Scheduler
	pipeline *Pipeline
	lookback time.Duration
	logger   *slog.Logger
}

// NewScheduler returns a helper to start/stop recurring runs. Each trigger
// processes Bronze rows published within lookback of the trigger time.
func NewScheduler(driver ports.Scheduler, pipeline *Pipeline, lookback time.Duration, logger *slog.Logger) *Scheduler {
	if lookback <= 0 {
		lookback = 24 * time.Hour
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{driver: driver, pipeline: pipeline, lookback: lookback, logger: logger}
}

// Start registers the pipeline with the provided scheduler.
func (s *Scheduler) Start(ctx context.Context) error {
	if s.driver == nil || s.pipeline == nil {
		return nil
	}
	return s.driver.Start(ctx, func(trigger time.Time) { s.Trigger(ctx, trigger) })
}

// Trigger runs the pipeline once for the window ending at trigger.
func (s *Scheduler) Trigger(ctx context.Context, trigger time.Time) {
	sel := Selector{Since: trigger.Add(-s.lookback)}
	if _, err := s.pipeline.Run(ctx, sel); err != nil {
		s.logger.Error("scheduled run failed", "trigger", trigger, "error", err)
	}
}

// Stop gracefully tears down the underlying scheduler.
func (s *Scheduler) Stop(ctx context.Context) error {
	if s.driver == nil {
		return nil
	}

	return s.driver.Stop(ctx)
}
