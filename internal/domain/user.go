package domain

import "time"

// User carries the virtual balance and the win/streak counters. Balance is
// mutated only inside the storage layer's transactional methods, driven by
// the prediction and settlement services; request handlers never touch it.
type User struct {
	ID string
	// Address is the user's on-chain address used when mirroring bets to the
	// contract. Optional; users without an address bet locally only.
	Address   string
	Balance   float64
	Wins      int
	Streak    int
	CreatedAt time.Time
	UpdatedAt time.Time
}

// LedgerResult labels a ledger entry with the stake's eventual fate.
type LedgerResult string

const (
	// LedgerResultLoss is the provisional label given to every stake debit;
	// it stands until the round resolves in the user's favour.
	LedgerResultLoss   LedgerResult = "LOSS"
	LedgerResultWin    LedgerResult = "WIN"
	LedgerResultRefund LedgerResult = "REFUND"
)

// LedgerEntry is one signed balance movement. Stake debits are negative,
// payouts and refunds positive. The ledger is append-only.
type LedgerEntry struct {
	ID           string
	UserID       string
	RoundID      string
	PredictionID string
	Amount       float64
	Result       LedgerResult
	CreatedAt    time.Time
}
