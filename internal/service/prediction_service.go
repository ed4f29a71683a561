package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/updownlive/updown-engine/internal/domain"
)

// Per-user bet submission rate limit defaults.
const (
	defaultBetRateLimit  = 5
	defaultBetRateWindow = time.Second
)

// SubmitRequest carries one bet submission. SignKey is the user's transient
// signing credential for the on-chain leg; it is never persisted.
type SubmitRequest struct {
	UserID  string
	Amount  float64
	Side    domain.Side
	SignKey string
}

// PredictionService handles bet submission and queries. Submission follows
// local-write, remote-write, confirm: the prediction row is created first,
// the stake is mirrored on-chain, and only then is the balance debited. A
// failed remote leg hard-deletes the row, so no stake can exist locally
// without its mirror.
type PredictionService struct {
	predictions domain.PredictionStore
	rounds      domain.RoundStore
	users       domain.UserStore
	cache       domain.RoundCache
	limiter     domain.RateLimiter
	gateway     ChainGateway
	rateLimit   int
	rateWindow  time.Duration
	logger      *slog.Logger
}

// NewPredictionService creates a PredictionService with all required
// dependencies. A non-positive rateLimit or rateWindow falls back to the
// package defaults.
func NewPredictionService(
	predictions domain.PredictionStore,
	rounds domain.RoundStore,
	users domain.UserStore,
	cache domain.RoundCache,
	limiter domain.RateLimiter,
	gateway ChainGateway,
	rateLimit int,
	rateWindow time.Duration,
	logger *slog.Logger,
) *PredictionService {
	if rateLimit <= 0 {
		rateLimit = defaultBetRateLimit
	}
	if rateWindow <= 0 {
		rateWindow = defaultBetRateWindow
	}
	return &PredictionService{
		predictions: predictions,
		rounds:      rounds,
		users:       users,
		cache:       cache,
		limiter:     limiter,
		gateway:     gateway,
		rateLimit:   rateLimit,
		rateWindow:  rateWindow,
		logger:      logger,
	}
}

// Submit places a user's stake on the open round.
func (s *PredictionService) Submit(ctx context.Context, req SubmitRequest) (domain.Prediction, error) {
	if req.Amount <= 0 {
		return domain.Prediction{}, domain.NewValidationError("INVALID_AMOUNT",
			"amount must be positive, got %v", req.Amount)
	}
	if !req.Side.Valid() {
		return domain.Prediction{}, domain.NewValidationError("INVALID_SIDE",
			"side must be %q or %q", domain.SideUp, domain.SideDown)
	}
	if req.UserID == "" {
		return domain.Prediction{}, domain.NewValidationError("MISSING_USER", "user id required")
	}

	// A broken limiter backend must not take betting down with it, so a
	// limiter error degrades open.
	allowed, err := s.limiter.Allow(ctx, "bets:"+req.UserID, s.rateLimit, s.rateWindow)
	if err != nil {
		s.logger.WarnContext(ctx, "prediction_service: rate limiter unavailable, allowing bet",
			slog.String("user_id", req.UserID),
			slog.String("error", err.Error()),
		)
	} else if !allowed {
		return domain.Prediction{}, domain.ErrRateLimited
	}

	round, err := s.rounds.GetCurrent(ctx)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return domain.Prediction{}, domain.NewNotFoundError("NO_OPEN_ROUND",
				"no round is accepting bets")
		}
		return domain.Prediction{}, fmt.Errorf("prediction_service: get current round: %w", err)
	}
	if round.Status != domain.RoundStatusActive {
		return domain.Prediction{}, domain.NewConflictError("ROUND_NOT_ACTIVE",
			"round %s is not accepting bets", round.ID)
	}
	if round.Expired(time.Now().UTC()) {
		return domain.Prediction{}, domain.NewConflictError("ROUND_EXPIRED",
			"betting window for round %s has closed", round.ID)
	}

	user, err := s.users.GetByID(ctx, req.UserID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return domain.Prediction{}, domain.NewNotFoundError("USER_NOT_FOUND",
				"user %s not found", req.UserID)
		}
		return domain.Prediction{}, fmt.Errorf("prediction_service: get user %s: %w", req.UserID, err)
	}
	// Early check to avoid burning a contract call on an obviously
	// underfunded stake; the funding transaction re-checks under its guard.
	if user.Balance < req.Amount {
		return domain.Prediction{}, domain.NewConflictError("INSUFFICIENT_BALANCE",
			"balance %v is below stake %v", user.Balance, req.Amount)
	}

	pred := domain.Prediction{
		ID:      uuid.NewString(),
		RoundID: round.ID,
		UserID:  user.ID,
		Amount:  req.Amount,
		Side:    req.Side,
	}

	if err := s.predictions.Create(ctx, pred); err != nil {
		if errors.Is(err, domain.ErrAlreadyExists) {
			return domain.Prediction{}, domain.NewConflictError("ALREADY_BET",
				"user %s already has a stake on round %s", user.ID, round.ID)
		}
		return domain.Prediction{}, fmt.Errorf("prediction_service: create prediction: %w", err)
	}

	// The remote leg needs both an on-chain address and the caller's signing
	// key; bets without either stay local only.
	if user.Address != "" && req.SignKey != "" {
		if _, err := s.gateway.PlaceBet(ctx, user.Address, req.SignKey, req.Amount, req.Side); err != nil {
			if delErr := s.predictions.Delete(ctx, pred.ID); delErr != nil {
				s.logger.ErrorContext(ctx, "prediction_service: rollback after chain failure failed",
					slog.String("prediction_id", pred.ID),
					slog.String("error", delErr.Error()),
				)
			}
			s.logger.WarnContext(ctx, "prediction_service: chain bet failed, prediction rolled back",
				slog.String("prediction_id", pred.ID),
				slog.String("round_id", round.ID),
				slog.String("user_id", user.ID),
				slog.String("error", err.Error()),
			)
			return domain.Prediction{}, err
		}
	}

	if err := s.predictions.Fund(ctx, pred); err != nil {
		// The remote leg (if any) already landed; the deleted row is left for
		// reconciliation to find via the contract's records.
		if delErr := s.predictions.Delete(ctx, pred.ID); delErr != nil {
			s.logger.ErrorContext(ctx, "prediction_service: rollback after funding failure failed",
				slog.String("prediction_id", pred.ID),
				slog.String("error", delErr.Error()),
			)
		}
		switch {
		case errors.Is(err, domain.ErrInsufficientBalance):
			return domain.Prediction{}, domain.NewConflictError("INSUFFICIENT_BALANCE",
				"balance fell below stake %v", req.Amount)
		case errors.Is(err, domain.ErrRoundClosed):
			return domain.Prediction{}, domain.NewConflictError("ROUND_EXPIRED",
				"betting window for round %s has closed", round.ID)
		default:
			return domain.Prediction{}, fmt.Errorf("prediction_service: fund prediction: %w", err)
		}
	}

	s.logger.InfoContext(ctx, "prediction_service: bet placed",
		slog.String("prediction_id", pred.ID),
		slog.String("round_id", round.ID),
		slog.String("user_id", user.ID),
		slog.String("side", string(pred.Side)),
		slog.Float64("amount", pred.Amount),
	)

	return pred, nil
}

// Get returns a prediction by ID.
func (s *PredictionService) Get(ctx context.Context, id string) (domain.Prediction, error) {
	pred, err := s.predictions.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return domain.Prediction{}, domain.NewNotFoundError("PREDICTION_NOT_FOUND",
				"prediction %s not found", id)
		}
		return domain.Prediction{}, fmt.Errorf("prediction_service: get prediction %s: %w", id, err)
	}
	return pred, nil
}

// ListByRound returns every stake on a round.
func (s *PredictionService) ListByRound(ctx context.Context, roundID string) ([]domain.Prediction, error) {
	preds, err := s.predictions.ListByRound(ctx, roundID)
	if err != nil {
		return nil, fmt.Errorf("prediction_service: list by round %s: %w", roundID, err)
	}
	return preds, nil
}

// ListByUser returns a user's stake history newest first.
func (s *PredictionService) ListByUser(ctx context.Context, userID string, opts domain.ListOpts) ([]domain.Prediction, error) {
	preds, err := s.predictions.ListByUser(ctx, userID, opts)
	if err != nil {
		return nil, fmt.Errorf("prediction_service: list by user %s: %w", userID, err)
	}
	return preds, nil
}
