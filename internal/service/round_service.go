// Package service implements the engine's use cases on top of the domain
// store interfaces: round lifecycle, bet submission, and settlement.
package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/updownlive/updown-engine/internal/domain"
)

// ChainGateway mirrors engine state onto the contract. Implementations own
// retries and error classification; every failure surfaces as a
// *domain.ChainError.
type ChainGateway interface {
	CreateRound(ctx context.Context, startPrice float64, durationMinutes int) (txRef string, err error)
	PlaceBet(ctx context.Context, userAddress, signKey string, amount float64, side domain.Side) (txRef string, err error)
	ResolveRound(ctx context.Context, finalPrice float64) (txRef string, err error)
	GetBalance(ctx context.Context, userAddress string) (float64, error)
}

// startLockKey serialises round starts across engine instances.
const startLockKey = "round:start"

// maxDurationMinutes caps a round at one day.
const maxDurationMinutes = 1440

// startLockTTL bounds how long a crashed starter can block the next one. It
// must exceed the gateway's operation budget.
const startLockTTL = 45 * time.Second

// RoundService drives the round lifecycle:
// PENDING -> ACTIVE -> LOCKED -> RESOLVED, with CANCELLED reachable from any
// non-terminal state. A round only becomes visible to bettors (ACTIVE) after
// its on-chain mirror exists.
type RoundService struct {
	rounds      domain.RoundStore
	predictions domain.PredictionStore
	cache       domain.RoundCache
	locks       domain.LockManager
	bus         domain.SignalBus
	gateway     ChainGateway
	logger      *slog.Logger
}

// NewRoundService creates a RoundService with all required dependencies.
func NewRoundService(
	rounds domain.RoundStore,
	predictions domain.PredictionStore,
	cache domain.RoundCache,
	locks domain.LockManager,
	bus domain.SignalBus,
	gateway ChainGateway,
	logger *slog.Logger,
) *RoundService {
	return &RoundService{
		rounds:      rounds,
		predictions: predictions,
		cache:       cache,
		locks:       locks,
		bus:         bus,
		gateway:     gateway,
		logger:      logger,
	}
}

// Start opens a new round: persist it PENDING, mirror it onto the contract,
// then activate it with the returned transaction reference. A failed mirror
// cancels the local round so no half-created round can accept bets. The
// database's single-open-round constraint backs up the distributed lock.
func (s *RoundService) Start(ctx context.Context, mode domain.RoundMode, startPrice float64, durationMinutes int) (domain.Round, error) {
	if !mode.Supported() {
		return domain.Round{}, domain.NewUnimplementedError("MODE_NOT_SUPPORTED",
			"round mode %q has no settlement support", mode)
	}
	if startPrice <= 0 {
		return domain.Round{}, domain.NewValidationError("INVALID_START_PRICE",
			"start price must be positive, got %v", startPrice)
	}
	if durationMinutes <= 0 || durationMinutes > maxDurationMinutes {
		return domain.Round{}, domain.NewValidationError("INVALID_DURATION",
			"duration must be between 1 and %d minutes, got %d", maxDurationMinutes, durationMinutes)
	}

	unlock, err := s.locks.Acquire(ctx, startLockKey, startLockTTL)
	if err != nil {
		if errors.Is(err, domain.ErrLockHeld) {
			return domain.Round{}, domain.NewConflictError("ROUND_START_IN_PROGRESS",
				"another round start is in progress")
		}
		return domain.Round{}, fmt.Errorf("round_service: acquire start lock: %w", err)
	}
	defer unlock()

	if _, err := s.rounds.GetCurrent(ctx); err == nil {
		return domain.Round{}, domain.NewConflictError("ROUND_ALREADY_OPEN",
			"an open round already exists")
	} else if !errors.Is(err, domain.ErrNotFound) {
		return domain.Round{}, fmt.Errorf("round_service: check current round: %w", err)
	}

	now := time.Now().UTC()
	round := domain.Round{
		ID:         uuid.NewString(),
		Mode:       mode,
		Status:     domain.RoundStatusPending,
		StartTime:  now,
		EndTime:    now.Add(time.Duration(durationMinutes) * time.Minute),
		StartPrice: startPrice,
	}

	if err := s.rounds.Create(ctx, round); err != nil {
		if errors.Is(err, domain.ErrAlreadyExists) {
			return domain.Round{}, domain.NewConflictError("ROUND_ALREADY_OPEN",
				"an open round already exists")
		}
		return domain.Round{}, fmt.Errorf("round_service: create round: %w", err)
	}

	txRef, err := s.gateway.CreateRound(ctx, startPrice, durationMinutes)
	if err != nil {
		// The local round must not outlive a failed mirror. Cancellation here
		// is best-effort: a failed rollback leaves a PENDING round that the
		// operator can cancel manually, and no bets can land on it.
		if cancelErr := s.rounds.CancelWithRefunds(ctx, round.ID, "chain create failed"); cancelErr != nil {
			s.logger.ErrorContext(ctx, "round_service: rollback after chain failure failed",
				slog.String("round_id", round.ID),
				slog.String("error", cancelErr.Error()),
			)
		}
		s.logger.WarnContext(ctx, "round_service: chain create failed, round cancelled",
			slog.String("round_id", round.ID),
			slog.String("error", err.Error()),
		)
		return domain.Round{}, err
	}

	if err := s.rounds.SetActive(ctx, round.ID, txRef); err != nil {
		return domain.Round{}, fmt.Errorf("round_service: activate round %s: %w", round.ID, err)
	}
	round.Status = domain.RoundStatusActive
	round.TxRef = txRef

	if cacheErr := s.cache.SetCurrent(ctx, round); cacheErr != nil {
		s.logger.WarnContext(ctx, "round_service: cache current round failed",
			slog.String("round_id", round.ID),
			slog.String("error", cacheErr.Error()),
		)
	}

	evt, _ := json.Marshal(domain.RoundStartedEvent{
		Event:      "round_started",
		RoundID:    round.ID,
		Mode:       round.Mode,
		StartPrice: round.StartPrice,
		EndTime:    round.EndTime,
		TxRef:      txRef,
	})
	if pubErr := s.bus.Publish(ctx, domain.ChannelRounds, evt); pubErr != nil {
		s.logger.WarnContext(ctx, "round_service: publish round_started failed",
			slog.String("round_id", round.ID),
			slog.String("error", pubErr.Error()),
		)
	}

	s.logger.InfoContext(ctx, "round_service: round started",
		slog.String("round_id", round.ID),
		slog.String("mode", string(round.Mode)),
		slog.Float64("start_price", round.StartPrice),
		slog.Time("end_time", round.EndTime),
		slog.String("tx_ref", txRef),
	)

	return round, nil
}

// GetCurrent returns the open round, serving from cache when possible.
func (s *RoundService) GetCurrent(ctx context.Context) (domain.Round, error) {
	if round, err := s.cache.GetCurrent(ctx); err == nil {
		return round, nil
	} else if !errors.Is(err, domain.ErrNotFound) {
		s.logger.WarnContext(ctx, "round_service: round cache read failed",
			slog.String("error", err.Error()),
		)
	}

	round, err := s.rounds.GetCurrent(ctx)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return domain.Round{}, domain.NewNotFoundError("NO_OPEN_ROUND", "no open round")
		}
		return domain.Round{}, fmt.Errorf("round_service: get current round: %w", err)
	}

	if cacheErr := s.cache.SetCurrent(ctx, round); cacheErr != nil {
		s.logger.WarnContext(ctx, "round_service: cache current round failed",
			slog.String("round_id", round.ID),
			slog.String("error", cacheErr.Error()),
		)
	}
	return round, nil
}

// Get returns a round by ID.
func (s *RoundService) Get(ctx context.Context, id string) (domain.Round, error) {
	round, err := s.rounds.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return domain.Round{}, domain.NewNotFoundError("ROUND_NOT_FOUND", "round %s not found", id)
		}
		return domain.Round{}, fmt.Errorf("round_service: get round %s: %w", id, err)
	}
	return round, nil
}

// ListRecent returns rounds newest first.
func (s *RoundService) ListRecent(ctx context.Context, opts domain.ListOpts) ([]domain.Round, error) {
	rounds, err := s.rounds.ListRecent(ctx, opts)
	if err != nil {
		return nil, fmt.Errorf("round_service: list recent rounds: %w", err)
	}
	return rounds, nil
}

// Lock closes the betting window: ACTIVE -> LOCKED. Locking is purely local;
// the contract needs no mirror because the final resolution call carries all
// it needs.
func (s *RoundService) Lock(ctx context.Context, id string) (domain.Round, error) {
	if err := s.rounds.Lock(ctx, id); err != nil {
		switch {
		case errors.Is(err, domain.ErrNotFound):
			return domain.Round{}, domain.NewNotFoundError("ROUND_NOT_FOUND", "round %s not found", id)
		case errors.Is(err, domain.ErrAlreadyExists):
			return domain.Round{}, domain.NewConflictError("ROUND_NOT_ACTIVE",
				"round %s is not active", id)
		default:
			return domain.Round{}, fmt.Errorf("round_service: lock round %s: %w", id, err)
		}
	}

	if cacheErr := s.cache.Invalidate(ctx); cacheErr != nil {
		s.logger.WarnContext(ctx, "round_service: invalidate round cache failed",
			slog.String("error", cacheErr.Error()),
		)
	}

	evt, _ := json.Marshal(domain.RoundLockedEvent{Event: "round_locked", RoundID: id})
	if pubErr := s.bus.Publish(ctx, domain.ChannelRounds, evt); pubErr != nil {
		s.logger.WarnContext(ctx, "round_service: publish round_locked failed",
			slog.String("round_id", id),
			slog.String("error", pubErr.Error()),
		)
	}

	s.logger.InfoContext(ctx, "round_service: round locked", slog.String("round_id", id))

	return s.Get(ctx, id)
}

// LockExpired locks every ACTIVE round whose betting window has closed. It
// returns the number of rounds locked. Called by the sweeper; safe to run
// concurrently because Lock is a guarded transition.
func (s *RoundService) LockExpired(ctx context.Context, now time.Time) (int, error) {
	expired, err := s.rounds.ListActiveExpired(ctx, now)
	if err != nil {
		return 0, fmt.Errorf("round_service: list expired rounds: %w", err)
	}

	locked := 0
	for _, round := range expired {
		if _, err := s.Lock(ctx, round.ID); err != nil {
			// A concurrent sweep already moved it; nothing lost.
			if se, ok := domain.AsServiceError(err); ok && se.Severity == domain.SeverityConflict {
				continue
			}
			s.logger.ErrorContext(ctx, "round_service: auto-lock failed",
				slog.String("round_id", round.ID),
				slog.String("error", err.Error()),
			)
			continue
		}
		locked++
	}
	return locked, nil
}

// Cancel aborts a non-terminal round and refunds every stake in full. The
// refund, ledger append, and state flip commit atomically in the store.
func (s *RoundService) Cancel(ctx context.Context, id, reason string) error {
	// Snapshot stakes up front so refund events can be published after the
	// store marks them refunded.
	preds, err := s.predictions.ListByRound(ctx, id)
	if err != nil {
		return fmt.Errorf("round_service: list predictions for cancel: %w", err)
	}

	if err := s.rounds.CancelWithRefunds(ctx, id, reason); err != nil {
		switch {
		case errors.Is(err, domain.ErrNotFound):
			return domain.NewNotFoundError("ROUND_NOT_FOUND", "round %s not found", id)
		case errors.Is(err, domain.ErrAlreadyExists):
			return domain.NewConflictError("ROUND_TERMINAL",
				"round %s is already resolved or cancelled", id)
		default:
			return fmt.Errorf("round_service: cancel round %s: %w", id, err)
		}
	}

	if cacheErr := s.cache.Invalidate(ctx); cacheErr != nil {
		s.logger.WarnContext(ctx, "round_service: invalidate round cache failed",
			slog.String("error", cacheErr.Error()),
		)
	}

	for _, p := range preds {
		if p.Refunded {
			continue
		}
		evt, _ := json.Marshal(domain.ResultEvent{
			Event:   "refund",
			RoundID: id,
			UserID:  p.UserID,
			Payout:  p.Amount,
		})
		if pubErr := s.bus.Publish(ctx, domain.ChannelResults, evt); pubErr != nil {
			s.logger.WarnContext(ctx, "round_service: publish refund event failed",
				slog.String("round_id", id),
				slog.String("user_id", p.UserID),
				slog.String("error", pubErr.Error()),
			)
		}
	}

	s.logger.InfoContext(ctx, "round_service: round cancelled",
		slog.String("round_id", id),
		slog.String("reason", reason),
		slog.Int("refunds", len(preds)),
	)
	return nil
}
