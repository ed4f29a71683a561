package domain

import (
	"context"
	"time"
)

// ListOpts provides pagination and time filtering for list queries.
type ListOpts struct {
	Limit  int
	Offset int
	Since  *time.Time
	Until  *time.Time
}

// RoundStore persists rounds and owns the single-active-round invariant via a
// storage-level uniqueness constraint: inserting a second PENDING/ACTIVE
// round fails with ErrAlreadyExists.
type RoundStore interface {
	Create(ctx context.Context, r Round) error
	GetByID(ctx context.Context, id string) (Round, error)
	// GetCurrent returns the round that is PENDING or ACTIVE, or ErrNotFound.
	GetCurrent(ctx context.Context) (Round, error)
	// SetActive transitions PENDING -> ACTIVE, recording the external
	// transaction reference. Returns ErrNotFound when the round is missing
	// and ErrAlreadyExists when it is not PENDING.
	SetActive(ctx context.Context, id, txRef string) error
	// Lock transitions ACTIVE -> LOCKED; any other source state is an
	// ErrAlreadyExists conflict.
	Lock(ctx context.Context, id string) error
	// ListActiveExpired returns ACTIVE rounds whose end time has passed.
	ListActiveExpired(ctx context.Context, now time.Time) ([]Round, error)
	// CancelWithRefunds atomically sets the round CANCELLED, zeroes its
	// pools, returns every non-refunded stake to its owner's balance, and
	// appends the refund ledger entries. Illegal from terminal states.
	CancelWithRefunds(ctx context.Context, id, reason string) error
	// ApplySettlement atomically writes every prediction outcome, credits
	// winner balances, bumps win counts and streaks, resets loser streaks,
	// appends ledger entries, and marks the round RESOLVED with the end
	// price. All rows commit or none do.
	ApplySettlement(ctx context.Context, s Settlement) error
	ListRecent(ctx context.Context, opts ListOpts) ([]Round, error)
	// ListResolvedBefore returns terminal rounds older than the cutoff, for
	// archival.
	ListResolvedBefore(ctx context.Context, before time.Time) ([]Round, error)
}

// PredictionStore persists predictions. The (round, user) pairing is unique
// at the storage layer; Create surfaces a duplicate as ErrAlreadyExists.
type PredictionStore interface {
	Create(ctx context.Context, p Prediction) error
	// Delete removes a prediction that never completed its remote leg. Hard
	// delete: the row had no consistent cross-system identity yet.
	Delete(ctx context.Context, id string) error
	// Fund performs the atomic stake commit: debit the user's balance,
	// increment the round's pool for the side, and append the provisional
	// ledger entry. Fails without partial effects when the balance guard or
	// the active-round guard does not hold.
	Fund(ctx context.Context, p Prediction) error
	GetByID(ctx context.Context, id string) (Prediction, error)
	GetByRoundAndUser(ctx context.Context, roundID, userID string) (Prediction, error)
	ListByRound(ctx context.Context, roundID string) ([]Prediction, error)
	ListByUser(ctx context.Context, userID string, opts ListOpts) ([]Prediction, error)
	// ListBefore returns predictions created before the cutoff, for archival.
	ListBefore(ctx context.Context, before time.Time) ([]Prediction, error)
}

// UserStore persists users. Balance, wins, and streak are only written by the
// transactional methods on RoundStore and PredictionStore.
type UserStore interface {
	Create(ctx context.Context, u User) error
	GetByID(ctx context.Context, id string) (User, error)
	GetByAddress(ctx context.Context, address string) (User, error)
}

// LedgerStore reads the append-only balance ledger. Writes happen inside the
// same transactions that move balances.
type LedgerStore interface {
	ListByUser(ctx context.Context, userID string, opts ListOpts) ([]LedgerEntry, error)
	ListByRound(ctx context.Context, roundID string) ([]LedgerEntry, error)
	ListBefore(ctx context.Context, before time.Time) ([]LedgerEntry, error)
}
