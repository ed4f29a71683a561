package chain

import (
	"context"
	"errors"
	"log/slog"
	"math/big"
	"math/rand"
	"time"

	"github.com/updownlive/updown-engine/internal/domain"
)

// RoundContract is the raw contract surface the gateway wraps. All values are
// contract base units; implementations return plain errors (or pre-classified
// *domain.ChainError) without retrying.
type RoundContract interface {
	CreateRound(ctx context.Context, startPrice, duration *big.Int) (txRef string, err error)
	PlaceBet(ctx context.Context, userAddress, signKey string, amount *big.Int, side domain.Side) (txRef string, err error)
	ResolveRound(ctx context.Context, finalPrice *big.Int) (txRef string, err error)
	GetBalance(ctx context.Context, userAddress string) (*big.Int, error)
}

// Options tune the gateway's retry discipline.
type Options struct {
	// AdminAttempts bounds create/resolve/balance calls.
	AdminAttempts int
	// UserAttempts bounds bet placement; smaller, to cap user-facing latency.
	UserAttempts int
	// BaseBackoff is the first retry delay; doubles per attempt up to MaxBackoff.
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
	// Budget is the wall-clock limit per operation. It supersedes the attempt
	// budget: once it elapses the in-flight attempt is abandoned and TIMEOUT
	// is raised.
	Budget time.Duration
}

// DefaultOptions match the documented retry policy.
func DefaultOptions() Options {
	return Options{
		AdminAttempts: 3,
		UserAttempts:  2,
		BaseBackoff:   time.Second,
		MaxBackoff:    10 * time.Second,
		Budget:        30 * time.Second,
	}
}

// jitterFrac is the +-30% randomisation applied to every backoff delay.
const jitterFrac = 0.3

// Gateway is the single path to the contract. It scales values to base
// units, retries TRANSIENT failures with capped exponential backoff, and
// converts every failure into a *domain.ChainError. It holds no engine state
// and never calls back into the services.
type Gateway struct {
	contract RoundContract
	opts     Options
	logger   *slog.Logger
	// sleep is swapped out by tests to avoid real delays.
	sleep func(ctx context.Context, d time.Duration) error
}

// NewGateway wraps the given contract client.
func NewGateway(contract RoundContract, opts Options, logger *slog.Logger) *Gateway {
	if opts.AdminAttempts <= 0 {
		opts.AdminAttempts = DefaultOptions().AdminAttempts
	}
	if opts.UserAttempts <= 0 {
		opts.UserAttempts = DefaultOptions().UserAttempts
	}
	if opts.BaseBackoff <= 0 {
		opts.BaseBackoff = DefaultOptions().BaseBackoff
	}
	if opts.MaxBackoff <= 0 {
		opts.MaxBackoff = DefaultOptions().MaxBackoff
	}
	if opts.Budget <= 0 {
		opts.Budget = DefaultOptions().Budget
	}
	return &Gateway{
		contract: contract,
		opts:     opts,
		logger:   logger.With(slog.String("component", "chain_gateway")),
		sleep:    sleepCtx,
	}
}

// CreateRound mirrors a new round onto the contract. durationMinutes is
// converted to the contract's network unit (seconds).
func (g *Gateway) CreateRound(ctx context.Context, startPrice float64, durationMinutes int) (string, error) {
	price, err := ToBaseUnits(startPrice)
	if err != nil {
		return "", err
	}
	if durationMinutes <= 0 {
		return "", domain.NewChainError(domain.ChainErrValidation, "duration must be positive")
	}
	duration := big.NewInt(int64(durationMinutes) * 60)

	return g.execute(ctx, "create_round", g.opts.AdminAttempts, func(ctx context.Context) (string, error) {
		return g.contract.CreateRound(ctx, price, duration)
	})
}

// PlaceBet mirrors a user's stake onto the contract, signed with the user's
// credential. Uses the smaller user retry budget.
func (g *Gateway) PlaceBet(ctx context.Context, userAddress, signKey string, amount float64, side domain.Side) (string, error) {
	units, err := ToBaseUnits(amount)
	if err != nil {
		return "", err
	}
	if userAddress == "" {
		return "", domain.NewChainError(domain.ChainErrValidation, "user address required")
	}
	if !side.Valid() {
		return "", domain.NewChainError(domain.ChainErrValidation, "unknown side")
	}

	return g.execute(ctx, "place_bet", g.opts.UserAttempts, func(ctx context.Context) (string, error) {
		return g.contract.PlaceBet(ctx, userAddress, signKey, units, side)
	})
}

// ResolveRound submits the final price for the contract's current round.
func (g *Gateway) ResolveRound(ctx context.Context, finalPrice float64) (string, error) {
	price, err := ToBaseUnits(finalPrice)
	if err != nil {
		return "", err
	}

	return g.execute(ctx, "resolve_round", g.opts.AdminAttempts, func(ctx context.Context) (string, error) {
		return g.contract.ResolveRound(ctx, price)
	})
}

// GetBalance reads the user's on-chain balance in display units.
func (g *Gateway) GetBalance(ctx context.Context, userAddress string) (float64, error) {
	if userAddress == "" {
		return 0, domain.NewChainError(domain.ChainErrValidation, "user address required")
	}

	var raw *big.Int
	_, err := g.execute(ctx, "get_balance", g.opts.AdminAttempts, func(ctx context.Context) (string, error) {
		var callErr error
		raw, callErr = g.contract.GetBalance(ctx, userAddress)
		return "", callErr
	})
	if err != nil {
		return 0, err
	}
	return FromBaseUnits(raw)
}

// execute runs fn under the gateway's retry discipline: up to maxAttempts
// tries, retrying only retryable classifications, with capped exponential
// backoff and jitter, all inside the wall-clock budget.
func (g *Gateway) execute(ctx context.Context, op string, maxAttempts int, fn func(context.Context) (string, error)) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, g.opts.Budget)
	defer cancel()

	start := time.Now()
	var lastErr *domain.ChainError

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		txRef, err := fn(ctx)
		elapsed := time.Since(start)
		if err == nil {
			g.logger.Info("contract call succeeded",
				slog.String("op", op),
				slog.Int("attempt", attempt),
				slog.Duration("elapsed", elapsed),
			)
			return txRef, nil
		}

		if ctxErr := budgetError(ctx, err); ctxErr != nil {
			g.logger.Warn("contract call budget exhausted",
				slog.String("op", op),
				slog.Int("attempt", attempt),
				slog.Duration("elapsed", elapsed),
			)
			return "", ctxErr
		}

		lastErr = classifyErr(err)
		g.logger.Warn("contract call failed",
			slog.String("op", op),
			slog.Int("attempt", attempt),
			slog.Duration("elapsed", elapsed),
			slog.String("type", string(lastErr.Type)),
			slog.Bool("retryable", lastErr.Retryable),
			slog.String("error", lastErr.Message),
		)

		if !lastErr.Retryable || attempt == maxAttempts {
			return "", lastErr
		}

		if err := g.sleep(ctx, g.backoff(attempt)); err != nil {
			return "", domain.NewChainError(domain.ChainErrTimeout,
				"operation budget exhausted during backoff: "+lastErr.Message)
		}
	}

	return "", lastErr
}

// backoff returns the delay before the next attempt: base doubled per retry,
// capped, then jittered by +-30%.
func (g *Gateway) backoff(attempt int) time.Duration {
	d := g.opts.BaseBackoff << uint(attempt-1)
	if d > g.opts.MaxBackoff {
		d = g.opts.MaxBackoff
	}
	jitter := 1 + jitterFrac*(2*rand.Float64()-1)
	return time.Duration(float64(d) * jitter)
}

// budgetError maps a context expiry into the TIMEOUT taxonomy entry. The
// possibly-still-pending remote transaction is left for reconciliation.
func budgetError(ctx context.Context, err error) *domain.ChainError {
	if ctx.Err() == nil {
		return nil
	}
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return domain.NewChainError(domain.ChainErrTimeout, "operation budget exhausted: "+err.Error())
	}
	return domain.NewChainError(domain.ChainErrTimeout, "operation cancelled: "+err.Error())
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
