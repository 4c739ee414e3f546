package events

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/MLidstrom/castellan/internal/infrastructure/repository"
)

// Sweeper periodically deletes events older than the retention window. The
// durable store relies on it; the in-memory store additionally enforces the
// window at read time so reads stay correct between sweeps.
type Sweeper struct {
	repo     repository.EventRepository
	window   time.Duration
	interval time.Duration
	logger   *zap.Logger
	now      func() time.Time
}

func NewSweeper(repo repository.EventRepository, window, interval time.Duration, logger *zap.Logger) *Sweeper {
	if window <= 0 {
		window = 24 * time.Hour
	}
	if interval <= 0 {
		interval = time.Hour
	}
	return &Sweeper{
		repo:     repo,
		window:   window,
		interval: interval,
		logger:   logger,
		now:      time.Now,
	}
}

// Run sweeps on the configured interval until ctx is cancelled. One sweep
// runs immediately on startup.
func (s *Sweeper) Run(ctx context.Context) {
	s.sweep(ctx)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.sweep(ctx)
		case <-ctx.Done():
			return
		}
	}
}

func (s *Sweeper) sweep(ctx context.Context) {
	cutoff := s.now().Add(-s.window)
	removed, err := s.repo.DeleteOlderThan(ctx, cutoff)
	if err != nil {
		s.logger.Error("retention sweep failed", zap.Error(err))
		return
	}
	if removed > 0 {
		s.logger.Info("retention sweep completed",
			zap.Int64("removed", removed),
			zap.Time("cutoff", cutoff))
	}
}
