package domain

import "time"

// Signal bus channels for engine events. The WebSocket hub relays these to
// connected clients; delivery is best-effort and never blocks settlement.
const (
	ChannelRounds  = "rounds"
	ChannelResults = "results"
)

// StreamSettlements is the durable stream settlement records are appended to.
const StreamSettlements = "stream:settlements"

// RoundStartedEvent is published when a round reaches ACTIVE.
type RoundStartedEvent struct {
	Event      string    `json:"event"` // "round_started"
	RoundID    string    `json:"round_id"`
	Mode       RoundMode `json:"mode"`
	StartPrice float64   `json:"start_price"`
	EndTime    time.Time `json:"end_time"`
	TxRef      string    `json:"tx_ref,omitempty"`
}

// RoundLockedEvent is published when a round is locked for betting.
type RoundLockedEvent struct {
	Event   string `json:"event"` // "round_locked"
	RoundID string `json:"round_id"`
}

// ResultEvent is published per user when a round settles or is cancelled.
type ResultEvent struct {
	Event   string  `json:"event"` // "win", "loss", or "refund"
	RoundID string  `json:"round_id"`
	UserID  string  `json:"user_id"`
	Payout  float64 `json:"payout"`
	Streak  int     `json:"streak,omitempty"`
}
