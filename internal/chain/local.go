package chain

import (
	"context"
	"math/big"

	"github.com/updownlive/updown-engine/internal/domain"
)

// LocalContract is the RoundContract used when the contract mirror is
// disabled. Writes succeed immediately with an empty transaction reference
// so the engine's two-phase flow stays identical in local-only deployments.
type LocalContract struct{}

// NewLocalContract creates a LocalContract.
func NewLocalContract() *LocalContract {
	return &LocalContract{}
}

var _ RoundContract = (*LocalContract)(nil)

func (c *LocalContract) CreateRound(ctx context.Context, startPrice, duration *big.Int) (string, error) {
	return "", nil
}

func (c *LocalContract) PlaceBet(ctx context.Context, userAddress, signKey string, amount *big.Int, side domain.Side) (string, error) {
	return "", nil
}

func (c *LocalContract) ResolveRound(ctx context.Context, finalPrice *big.Int) (string, error) {
	return "", nil
}

// GetBalance reports zero; there is no contract to read from.
func (c *LocalContract) GetBalance(ctx context.Context, userAddress string) (*big.Int, error) {
	return big.NewInt(0), nil
}
