// Package server exposes the engine's HTTP and WebSocket API: admin round
// lifecycle endpoints, user bet and account endpoints, and the event relay.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/updownlive/updown-engine/internal/crypto"
	"github.com/updownlive/updown-engine/internal/server/handler"
	"github.com/updownlive/updown-engine/internal/server/middleware"
	"github.com/updownlive/updown-engine/internal/server/ws"
)

// Config holds the HTTP server configuration.
type Config struct {
	Port        int
	CORSOrigins []string
	// AdminAuth guards the round lifecycle endpoints. If nil, admin
	// authentication is disabled.
	AdminAuth *crypto.AdminAuth
	// ChainID scopes signed user identity proofs.
	ChainID int64
}

// Handlers aggregates all HTTP handlers that the server needs to register.
type Handlers struct {
	Health      *handler.HealthHandler
	Rounds      *handler.RoundHandler
	Predictions *handler.PredictionHandler
	Users       *handler.UserHandler
}

// Server is the HTTP + WebSocket API server for the up/down engine.
type Server struct {
	httpServer *http.Server
	mux        *http.ServeMux
	logger     *slog.Logger
}

// NewServer creates a new Server with all routes registered on the ServeMux.
// Admin endpoints sit behind the HMAC middleware, bet submission behind the
// user identity middleware; reads are open.
func NewServer(cfg Config, handlers Handlers, wsHub *ws.Hub, logger *slog.Logger) *Server {
	mux := http.NewServeMux()

	admin := middleware.AdminAuth(cfg.AdminAuth)
	user := middleware.UserAuth(cfg.ChainID)

	// Health check (no auth required).
	mux.HandleFunc("GET /api/health", handlers.Health.HealthCheck)

	// Round lifecycle (admin / oracle).
	mux.Handle("POST /api/rounds", admin(http.HandlerFunc(handlers.Rounds.StartRound)))
	mux.Handle("POST /api/rounds/{id}/lock", admin(http.HandlerFunc(handlers.Rounds.LockRound)))
	mux.Handle("POST /api/rounds/{id}/cancel", admin(http.HandlerFunc(handlers.Rounds.CancelRound)))
	mux.Handle("POST /api/rounds/{id}/resolve", admin(http.HandlerFunc(handlers.Rounds.ResolveRound)))

	// Round reads.
	mux.HandleFunc("GET /api/rounds", handlers.Rounds.ListRounds)
	mux.HandleFunc("GET /api/rounds/current", handlers.Rounds.GetCurrentRound)
	mux.HandleFunc("GET /api/rounds/{id}", handlers.Rounds.GetRound)
	mux.HandleFunc("GET /api/rounds/{id}/bets", handlers.Predictions.ListRoundBets)

	// Bets.
	mux.Handle("POST /api/bets", user(http.HandlerFunc(handlers.Predictions.SubmitBet)))
	mux.HandleFunc("GET /api/bets/{id}", handlers.Predictions.GetBet)

	// Accounts.
	mux.HandleFunc("POST /api/users", handlers.Users.Register)
	mux.HandleFunc("GET /api/users/{id}", handlers.Users.GetUser)
	mux.HandleFunc("GET /api/users/{id}/bets", handlers.Predictions.ListUserBets)
	mux.HandleFunc("GET /api/users/{id}/ledger", handlers.Users.GetLedger)
	mux.HandleFunc("GET /api/users/{id}/balance/chain", handlers.Users.GetChainBalance)

	// WebSocket endpoint.
	if wsHub != nil {
		mux.HandleFunc("GET /ws", wsHub.HandleWS)
	}

	// Build the middleware chain.
	var h http.Handler = mux

	// Apply request logging middleware.
	h = middleware.Logging(logger)(h)

	// Apply CORS middleware.
	h = middleware.CORS(cfg.CORSOrigins)(h)

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      h,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return &Server{
		httpServer: srv,
		mux:        mux,
		logger:     logger,
	}
}

// Start begins listening for HTTP requests. It blocks until the server
// encounters an error or is shut down.
func (s *Server) Start() error {
	s.logger.Info("server: starting",
		slog.String("addr", s.httpServer.Addr),
	)
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server: listen: %w", err)
	}
	return nil
}

// Shutdown gracefully shuts down the server, waiting for in-flight requests
// to complete within the given context deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("server: shutting down")
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("server: shutdown: %w", err)
	}
	return nil
}
