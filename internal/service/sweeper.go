package service

import (
	"context"
	"log/slog"
	"time"
)

// Sweeper periodically locks rounds whose betting window has closed, so a
// missed or late admin lock never leaves an expired round accepting bets.
type Sweeper struct {
	rounds   *RoundService
	interval time.Duration
	logger   *slog.Logger
}

// NewSweeper creates a Sweeper that runs every interval.
func NewSweeper(rounds *RoundService, interval time.Duration, logger *slog.Logger) *Sweeper {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &Sweeper{rounds: rounds, interval: interval, logger: logger}
}

// Run sweeps until the context is cancelled. It always returns ctx.Err().
func (s *Sweeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.logger.InfoContext(ctx, "sweeper: started",
		slog.Duration("interval", s.interval),
	)

	for {
		select {
		case <-ctx.Done():
			s.logger.InfoContext(ctx, "sweeper: stopped")
			return ctx.Err()
		case <-ticker.C:
			s.sweep(ctx)
		}
	}
}

func (s *Sweeper) sweep(ctx context.Context) {
	locked, err := s.rounds.LockExpired(ctx, time.Now().UTC())
	if err != nil {
		s.logger.ErrorContext(ctx, "sweeper: sweep failed",
			slog.String("error", err.Error()),
		)
		return
	}
	if locked > 0 {
		s.logger.InfoContext(ctx, "sweeper: locked expired rounds",
			slog.Int("count", locked),
		)
	}
}
