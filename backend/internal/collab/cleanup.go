package collab

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

const DefaultCleanupInterval = 5 * time.Minute

// Sweeper runs one cleanup pass. Engine implements it.
type Sweeper interface {
	Sweep(ctx context.Context) SweepStats
}

// Scheduler calls Sweep on a fixed interval until stopped.
type Scheduler struct {
	sweeper  Sweeper
	interval time.Duration
	logger   *slog.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

func NewScheduler(sweeper Sweeper, interval time.Duration, logger *slog.Logger) *Scheduler {
	if interval <= 0 {
		interval = DefaultCleanupInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		sweeper:  sweeper,
		interval: interval,
		logger:   logger.With("component", "cleanup"),
	}
}

// Start launches the loop. Calling it twice is a no-op.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return
	}
	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})
	go s.loop(ctx, s.done)
}

// Stop ends the loop and waits for a running pass to finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel, s.done = nil, nil
	s.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

func (s *Scheduler) loop(ctx context.Context, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.logger.Info("cleanup started", "interval", s.interval)
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("cleanup stopped")
			return
		case <-ticker.C:
			start := time.Now()
			stats := s.sweeper.Sweep(ctx)
			if stats.Evicted > 0 || stats.ExpiredUsers > 0 || stats.Trimmed > 0 {
				s.logger.Info("cleanup pass",
					"sessions", stats.Sessions, "evicted", stats.Evicted,
					"expired_users", stats.ExpiredUsers, "trimmed", stats.Trimmed,
					"took", time.Since(start))
			}
		}
	}
}
