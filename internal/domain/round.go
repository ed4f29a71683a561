// Package domain defines the core types and store interfaces for the up/down
// prediction round engine. It has no dependencies on storage, transport, or
// chain packages; those implement the interfaces declared here.
package domain

import (
	"time"
)

// RoundMode selects the game variant for a round.
type RoundMode string

const (
	// RoundModeUpDown is the binary price-direction mode. It is the only
	// mode with on-chain settlement support.
	RoundModeUpDown RoundMode = "updown"
	// RoundModeRange is the price-range mode. Its settlement math is not
	// implemented; starting a range round fails with an unimplemented error.
	RoundModeRange RoundMode = "range"
)

// Supported reports whether the mode can be started by the engine.
func (m RoundMode) Supported() bool {
	return m == RoundModeUpDown
}

// RoundStatus tracks the round lifecycle.
//
// PENDING -> ACTIVE -> LOCKED -> RESOLVED, with CANCELLED reachable from
// every non-terminal state. RESOLVED and CANCELLED are terminal.
type RoundStatus string

const (
	RoundStatusPending   RoundStatus = "pending"
	RoundStatusActive    RoundStatus = "active"
	RoundStatusLocked    RoundStatus = "locked"
	RoundStatusResolved  RoundStatus = "resolved"
	RoundStatusCancelled RoundStatus = "cancelled"
)

// Terminal reports whether no further transitions are legal from s.
func (s RoundStatus) Terminal() bool {
	return s == RoundStatusResolved || s == RoundStatusCancelled
}

// Round is one timed betting period. Pool totals aggregate the non-refunded
// prediction amounts per side; EndPrice is set exactly when the round is
// resolved.
type Round struct {
	ID         string
	Mode       RoundMode
	Status     RoundStatus
	StartTime  time.Time
	EndTime    time.Time
	StartPrice float64
	EndPrice   *float64
	UpPool     float64
	DownPool   float64
	// TxRef is the external transaction reference returned by the contract
	// when the remote create succeeded. Empty when chain mirroring is
	// disabled or the round never reached ACTIVE.
	TxRef        string
	CancelReason string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Expired reports whether the round's betting window has closed at the given
// instant. Bets are rejected past EndTime even before the lock sweep runs.
func (r Round) Expired(now time.Time) bool {
	return !now.Before(r.EndTime)
}

// Pool returns the aggregated stake for the given side.
func (r Round) Pool(side Side) float64 {
	if side == SideUp {
		return r.UpPool
	}
	return r.DownPool
}
