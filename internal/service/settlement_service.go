package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/updownlive/updown-engine/internal/domain"
)

// settleLockTTL bounds a settlement's exclusive hold. It must exceed the
// gateway's operation budget.
const settleLockTTL = 45 * time.Second

// SettlementService resolves locked rounds: it computes the pari-mutuel
// outcome, applies it atomically, and mirrors the final price onto the
// contract. The local settlement is authoritative; a failed mirror is logged
// for out-of-band reconciliation and never rolls payouts back.
type SettlementService struct {
	rounds      domain.RoundStore
	predictions domain.PredictionStore
	users       domain.UserStore
	cache       domain.RoundCache
	locks       domain.LockManager
	bus         domain.SignalBus
	gateway     ChainGateway
	logger      *slog.Logger
}

// NewSettlementService creates a SettlementService with all required
// dependencies.
func NewSettlementService(
	rounds domain.RoundStore,
	predictions domain.PredictionStore,
	users domain.UserStore,
	cache domain.RoundCache,
	locks domain.LockManager,
	bus domain.SignalBus,
	gateway ChainGateway,
	logger *slog.Logger,
) *SettlementService {
	return &SettlementService{
		rounds:      rounds,
		predictions: predictions,
		users:       users,
		cache:       cache,
		locks:       locks,
		bus:         bus,
		gateway:     gateway,
		logger:      logger,
	}
}

// ComputeSettlement derives the full outcome set for a round at the given
// final price. Pure function, exported for testing.
//
// Winners split the losing pool in proportion to their stake:
//
//	payout = stake + stake/winPool * losePool
//
// A final price equal to the start price is a tie: every stake is refunded
// and no prediction gets a win/loss outcome. A one-sided round pays the
// winners their stake back (the losing pool is empty) and the losers nothing.
func ComputeSettlement(round domain.Round, preds []domain.Prediction, finalPrice float64) domain.Settlement {
	st := domain.Settlement{
		RoundID:    round.ID,
		FinalPrice: finalPrice,
	}

	if finalPrice == round.StartPrice {
		st.Tie = true
		for _, p := range preds {
			if p.Refunded {
				continue
			}
			st.Outcomes = append(st.Outcomes, domain.PredictionOutcome{
				PredictionID: p.ID,
				UserID:       p.UserID,
				Payout:       p.Amount,
				Refund:       true,
			})
		}
		return st
	}

	winner := domain.SideDown
	if finalPrice > round.StartPrice {
		winner = domain.SideUp
	}
	st.Winner = winner

	for _, p := range preds {
		if p.Refunded {
			continue
		}
		if p.Side == winner {
			st.WinPool += p.Amount
		} else {
			st.LosePool += p.Amount
		}
	}

	for _, p := range preds {
		if p.Refunded {
			continue
		}
		won := p.Side == winner
		o := domain.PredictionOutcome{
			PredictionID: p.ID,
			UserID:       p.UserID,
			Won:          &won,
		}
		if won {
			o.Payout = p.Amount
			if st.WinPool > 0 {
				o.Payout += p.Amount / st.WinPool * st.LosePool
			}
		}
		st.Outcomes = append(st.Outcomes, o)
	}

	return st
}

// Resolve settles a round at the given final price. An ACTIVE round is
// locked on the way in, so an operator can close a round early.
func (s *SettlementService) Resolve(ctx context.Context, roundID string, finalPrice float64) (domain.Settlement, error) {
	if finalPrice <= 0 {
		return domain.Settlement{}, domain.NewValidationError("INVALID_FINAL_PRICE",
			"final price must be positive, got %v", finalPrice)
	}

	unlock, err := s.locks.Acquire(ctx, "round:settle:"+roundID, settleLockTTL)
	if err != nil {
		if errors.Is(err, domain.ErrLockHeld) {
			return domain.Settlement{}, domain.NewConflictError("SETTLEMENT_IN_PROGRESS",
				"round %s is being settled", roundID)
		}
		return domain.Settlement{}, fmt.Errorf("settlement_service: acquire settle lock: %w", err)
	}
	defer unlock()

	round, err := s.rounds.GetByID(ctx, roundID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return domain.Settlement{}, domain.NewNotFoundError("ROUND_NOT_FOUND",
				"round %s not found", roundID)
		}
		return domain.Settlement{}, fmt.Errorf("settlement_service: get round %s: %w", roundID, err)
	}

	switch round.Status {
	case domain.RoundStatusLocked:
		// Ready to settle.
	case domain.RoundStatusActive:
		if err := s.rounds.Lock(ctx, roundID); err != nil && !errors.Is(err, domain.ErrAlreadyExists) {
			return domain.Settlement{}, fmt.Errorf("settlement_service: lock round %s: %w", roundID, err)
		}
	default:
		return domain.Settlement{}, domain.NewConflictError("ROUND_NOT_LOCKED",
			"round %s is %s, not locked", roundID, round.Status)
	}

	preds, err := s.predictions.ListByRound(ctx, roundID)
	if err != nil {
		return domain.Settlement{}, fmt.Errorf("settlement_service: list predictions: %w", err)
	}

	st := ComputeSettlement(round, preds, finalPrice)

	if err := s.rounds.ApplySettlement(ctx, st); err != nil {
		switch {
		case errors.Is(err, domain.ErrNotFound):
			return domain.Settlement{}, domain.NewNotFoundError("ROUND_NOT_FOUND",
				"round %s not found", roundID)
		case errors.Is(err, domain.ErrAlreadyExists):
			return domain.Settlement{}, domain.NewConflictError("ROUND_NOT_LOCKED",
				"round %s was settled concurrently", roundID)
		default:
			return domain.Settlement{}, fmt.Errorf("settlement_service: apply settlement: %w", err)
		}
	}

	if cacheErr := s.cache.Invalidate(ctx); cacheErr != nil {
		s.logger.WarnContext(ctx, "settlement_service: invalidate round cache failed",
			slog.String("error", cacheErr.Error()),
		)
	}

	// The mirror is deliberately best-effort: payouts are already committed
	// and must not be unwound over a chain hiccup. The divergence is logged
	// with the round's reference so reconciliation can replay it.
	if _, err := s.gateway.ResolveRound(ctx, finalPrice); err != nil {
		s.logger.ErrorContext(ctx, "settlement_service: chain resolve failed, local settlement stands",
			slog.String("round_id", roundID),
			slog.String("tx_ref", round.TxRef),
			slog.Float64("final_price", finalPrice),
			slog.String("error", err.Error()),
		)
	}

	s.publishResults(ctx, st)
	s.appendSettlementRecord(ctx, st)

	s.logger.InfoContext(ctx, "settlement_service: round resolved",
		slog.String("round_id", roundID),
		slog.Float64("final_price", finalPrice),
		slog.Bool("tie", st.Tie),
		slog.String("winner", string(st.Winner)),
		slog.Float64("win_pool", st.WinPool),
		slog.Float64("lose_pool", st.LosePool),
		slog.Int("outcomes", len(st.Outcomes)),
	)

	return st, nil
}

// publishResults fans one ResultEvent per outcome onto the results channel.
// Best-effort; a missed event never fails the settlement.
func (s *SettlementService) publishResults(ctx context.Context, st domain.Settlement) {
	for _, o := range st.Outcomes {
		evt := domain.ResultEvent{
			RoundID: st.RoundID,
			UserID:  o.UserID,
			Payout:  o.Payout,
		}
		switch {
		case o.Refund:
			evt.Event = "refund"
		case o.Won != nil && *o.Won:
			evt.Event = "win"
			if user, err := s.users.GetByID(ctx, o.UserID); err == nil {
				evt.Streak = user.Streak
			}
		default:
			evt.Event = "loss"
		}

		payload, _ := json.Marshal(evt)
		if err := s.bus.Publish(ctx, domain.ChannelResults, payload); err != nil {
			s.logger.WarnContext(ctx, "settlement_service: publish result failed",
				slog.String("round_id", st.RoundID),
				slog.String("user_id", o.UserID),
				slog.String("error", err.Error()),
			)
		}
	}
}

// appendSettlementRecord writes the whole settlement to the durable stream
// for consumers that must not miss one.
func (s *SettlementService) appendSettlementRecord(ctx context.Context, st domain.Settlement) {
	record, err := json.Marshal(st)
	if err != nil {
		s.logger.ErrorContext(ctx, "settlement_service: marshal settlement record failed",
			slog.String("round_id", st.RoundID),
			slog.String("error", err.Error()),
		)
		return
	}
	if err := s.bus.StreamAppend(ctx, domain.StreamSettlements, record); err != nil {
		s.logger.WarnContext(ctx, "settlement_service: append settlement record failed",
			slog.String("round_id", st.RoundID),
			slog.String("error", err.Error()),
		)
	}
}
