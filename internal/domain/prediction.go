package domain

import "time"

// Side is the direction a user stakes on.
type Side string

const (
	SideUp   Side = "up"
	SideDown Side = "down"
)

// Valid reports whether s is a recognised side.
func (s Side) Valid() bool {
	return s == SideUp || s == SideDown
}

// Prediction is one user's single stake on one round. A (round, user) pair is
// unique; the storage layer enforces it. Outcome and Payout stay nil/zero
// until the round resolves or is cancelled.
type Prediction struct {
	ID      string
	RoundID string
	UserID  string
	Amount  float64
	Side    Side
	// RangeID references a price range for the unsupported range mode.
	// Always empty for up/down predictions.
	RangeID string
	// Outcome is nil until settlement: true for a win, false for a loss,
	// and left nil when the stake was refunded (tie or cancellation).
	Outcome *bool
	// Payout is the credited amount determined at settlement: stake plus the
	// proportional share of the losing pool for winners, the stake itself for
	// refunds, zero for losses.
	Payout float64
	// Refunded marks stakes returned by a tie or a round cancellation.
	// Refunded predictions are excluded from the round's pool totals.
	Refunded  bool
	CreatedAt time.Time
	UpdatedAt time.Time
}

// PredictionOutcome is one row of a computed settlement: the per-prediction
// result the settlement engine derives before the storage layer applies the
// whole set atomically.
type PredictionOutcome struct {
	PredictionID string
	UserID       string
	// Won is nil for refunds (tie), otherwise the win/loss flag.
	Won    *bool
	Payout float64
	Refund bool
}

// Settlement is the full, already-computed result of resolving a round.
// Applying it must be all-or-nothing.
type Settlement struct {
	RoundID    string
	FinalPrice float64
	Winner     Side // meaningful only when Tie is false and WinPool > 0
	Tie        bool
	WinPool    float64
	LosePool   float64
	Outcomes   []PredictionOutcome
}
