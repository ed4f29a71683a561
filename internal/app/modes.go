package app

import (
	"context"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/updownlive/updown-engine/internal/crypto"
	"github.com/updownlive/updown-engine/internal/server"
	"github.com/updownlive/updown-engine/internal/server/handler"
	"github.com/updownlive/updown-engine/internal/server/ws"
)

// ServeMode runs the HTTP + WebSocket API together with the operator alerter.
func (a *App) ServeMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting serve mode")

	g, ctx := errgroup.WithContext(ctx)

	a.startServer(ctx, g, deps)
	a.startAlerter(ctx, g, deps)

	return g.Wait()
}

// SweepMode runs only the expired-round lock sweep.
func (a *App) SweepMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting sweep mode")
	return deps.Sweeper.Run(ctx)
}

// ArchiveMode runs only the periodic settlement archive export.
func (a *App) ArchiveMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting archive mode")
	return a.runArchiveLoop(ctx, deps)
}

// FullMode runs the API server, the lock sweep, and the archive export in one
// process.
func (a *App) FullMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting full mode")

	g, ctx := errgroup.WithContext(ctx)

	a.startServer(ctx, g, deps)
	a.startAlerter(ctx, g, deps)

	g.Go(func() error {
		return deps.Sweeper.Run(ctx)
	})
	g.Go(func() error {
		return a.runArchiveLoop(ctx, deps)
	})

	return g.Wait()
}

// startServer registers the HTTP server and WebSocket hub with the errgroup.
// The server is shut down gracefully when the group context is cancelled.
func (a *App) startServer(ctx context.Context, g *errgroup.Group, deps *Dependencies) {
	if !a.cfg.Server.Enabled {
		a.logger.InfoContext(ctx, "http server disabled by config")
		return
	}

	hub := ws.NewHub(deps.SignalBus, a.logger, ws.Config{
		Mode:      a.cfg.Mode,
		StartedAt: time.Now().UTC(),
	})
	g.Go(func() error {
		return hub.Run(ctx)
	})

	var adminAuth *crypto.AdminAuth
	if a.cfg.Server.AdminAPIKey != "" {
		adminAuth = &crypto.AdminAuth{
			Key:    a.cfg.Server.AdminAPIKey,
			Secret: a.cfg.Server.AdminAPISecret,
		}
	}

	handlers := server.Handlers{
		Health:      handler.NewHealthHandler(a.logger),
		Rounds:      handler.NewRoundHandler(deps.Rounds, deps.Settlement, a.cfg.Engine.DefaultDurationMinutes, a.logger),
		Predictions: handler.NewPredictionHandler(deps.Predictions, a.logger),
		Users:       handler.NewUserHandler(deps.Users, a.logger),
	}

	srv := server.NewServer(server.Config{
		Port:        a.cfg.Server.Port,
		CORSOrigins: a.cfg.Server.CORSOrigins,
		AdminAuth:   adminAuth,
		ChainID:     a.cfg.Chain.ChainID,
	}, handlers, hub, a.logger)

	g.Go(func() error {
		return srv.Start()
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			a.logger.Error("server shutdown failed", slog.String("error", err.Error()))
		}
		return ctx.Err()
	})
}

// startAlerter registers the operator notification relay with the errgroup
// when at least one notification channel is configured.
func (a *App) startAlerter(ctx context.Context, g *errgroup.Group, deps *Dependencies) {
	if deps.Alerter == nil || !deps.Notifier.HasSenders() {
		return
	}
	g.Go(func() error {
		return deps.Alerter.Run(ctx)
	})
}

// runArchiveLoop periodically exports settled history older than the
// retention window to object storage.
func (a *App) runArchiveLoop(ctx context.Context, deps *Dependencies) error {
	if deps.Archiver == nil {
		a.logger.InfoContext(ctx, "archiver not configured, skipping archive loop")
		<-ctx.Done()
		return ctx.Err()
	}

	interval := a.cfg.S3.ArchiveInterval.Duration
	if interval <= 0 {
		interval = 24 * time.Hour
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	a.logger.InfoContext(ctx, "archive loop started",
		slog.Duration("interval", interval),
		slog.Int("retention_days", a.cfg.S3.ArchiveRetentionDays),
	)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			a.archiveOnce(ctx, deps)
		}
	}
}

// archiveOnce runs the three exports against a single cutoff. Failures are
// logged and retried on the next tick; the exports are idempotent because
// deletion is a separate verified step.
func (a *App) archiveOnce(ctx context.Context, deps *Dependencies) {
	cutoff := time.Now().UTC().AddDate(0, 0, -a.cfg.S3.ArchiveRetentionDays)

	rounds, err := deps.Archiver.ArchiveRounds(ctx, cutoff)
	if err != nil {
		a.logger.ErrorContext(ctx, "archive rounds failed", slog.String("error", err.Error()))
	}
	predictions, err := deps.Archiver.ArchivePredictions(ctx, cutoff)
	if err != nil {
		a.logger.ErrorContext(ctx, "archive predictions failed", slog.String("error", err.Error()))
	}
	entries, err := deps.Archiver.ArchiveLedger(ctx, cutoff)
	if err != nil {
		a.logger.ErrorContext(ctx, "archive ledger failed", slog.String("error", err.Error()))
	}

	a.logger.InfoContext(ctx, "archive pass complete",
		slog.Time("cutoff", cutoff),
		slog.Int64("rounds", rounds),
		slog.Int64("predictions", predictions),
		slog.Int64("ledger_entries", entries),
	)
}
