package dispatch

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// Scheduler re-runs ProcessPending on a fixed interval. Notifications left
// pending by a timeout or transport error are picked up on the next tick.
type Scheduler struct {
	dispatcher *Dispatcher
	interval   time.Duration
	logger     *zap.Logger
}

func NewScheduler(d *Dispatcher, interval time.Duration, logger *zap.Logger) *Scheduler {
	return &Scheduler{dispatcher: d, interval: interval, logger: logger}
}

// Run ticks until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.logger.Info("dispatch scheduler started", zap.Duration("interval", s.interval))

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("dispatch scheduler stopping")
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

func (s *Scheduler) tick(ctx context.Context) {
	results, err := s.dispatcher.ProcessPending(ctx)
	if err != nil {
		s.logger.Error("scheduled dispatch failed", zap.Error(err))
		return
	}
	if len(results) == 0 {
		return
	}
	summary := Summarize(results)
	s.logger.Info("processed pending notifications",
		zap.Int("total", summary.Total),
		zap.Int("delivered", summary.Delivered),
		zap.Int("timed_out", summary.TimedOut),
		zap.Int("errored", summary.Errored),
		zap.Int("skipped", summary.Skipped),
	)
}
