package chain

import (
	"math"
	"math/big"

	"github.com/updownlive/updown-engine/internal/domain"
)

// scaleFactor is the fixed-point factor applied to every price and amount
// crossing the gateway. The contract only sees base-unit integers.
const scaleFactor = 1e7

// ToBaseUnits converts a display value to contract base units. Non-finite and
// non-positive inputs are a VALIDATION failure raised before any remote call.
func ToBaseUnits(v float64) (*big.Int, error) {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return nil, domain.NewChainError(domain.ChainErrValidation, "cannot scale non-finite value")
	}
	if v <= 0 {
		return nil, domain.NewChainError(domain.ChainErrValidation, "cannot scale non-positive value")
	}
	scaled := math.Round(v * scaleFactor)
	if math.IsInf(scaled, 0) || scaled > math.MaxInt64 {
		return nil, domain.NewChainError(domain.ChainErrValidation, "scaled value overflows base units")
	}
	return big.NewInt(int64(scaled)), nil
}

// FromBaseUnits converts contract base units back to a display value.
func FromBaseUnits(v *big.Int) (float64, error) {
	if v == nil || v.Sign() <= 0 {
		return 0, domain.NewChainError(domain.ChainErrValidation, "cannot unscale non-positive value")
	}
	f, _ := new(big.Float).SetInt(v).Float64()
	if math.IsInf(f, 0) {
		return 0, domain.NewChainError(domain.ChainErrValidation, "base units overflow float range")
	}
	return f / scaleFactor, nil
}
