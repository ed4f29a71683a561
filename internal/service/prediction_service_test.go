package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/updownlive/updown-engine/internal/domain"
)

type predictionFixture struct {
	store   *memStore
	preds   *memPredictions
	users   *memUsers
	limiter *fakeLimiter
	gateway *fakeGateway
	svc     *PredictionService
}

func newPredictionFixture() *predictionFixture {
	store := newMemStore()
	f := &predictionFixture{
		store:   store,
		preds:   &memPredictions{store},
		users:   &memUsers{store},
		limiter: &fakeLimiter{allow: true},
		gateway: &fakeGateway{},
	}
	f.svc = NewPredictionService(f.preds, store, f.users, &fakeCache{}, f.limiter, f.gateway, 0, 0, testLogger())
	return f
}

func (f *predictionFixture) openRound() domain.Round {
	now := time.Now().UTC()
	r := domain.Round{
		ID: "r1", Mode: domain.RoundModeUpDown, Status: domain.RoundStatusActive,
		StartTime: now, EndTime: now.Add(5 * time.Minute), StartPrice: 100,
	}
	f.store.addRound(r)
	return r
}

func TestSubmitBet(t *testing.T) {
	f := newPredictionFixture()
	f.openRound()
	f.store.addUser(domain.User{ID: "alice", Address: "0xAlice", Balance: 200})

	pred, err := f.svc.Submit(context.Background(), SubmitRequest{
		UserID: "alice", Amount: 50, Side: domain.SideUp, SignKey: "key",
	})
	require.NoError(t, err)
	assert.Equal(t, "r1", pred.RoundID)
	assert.Equal(t, domain.SideUp, pred.Side)

	assert.Equal(t, 1, f.gateway.opCount("place_bet"))

	alice, _ := f.users.GetByID(context.Background(), "alice")
	assert.Equal(t, 150.0, alice.Balance)

	r, _ := f.store.GetByID(context.Background(), "r1")
	assert.Equal(t, 50.0, r.UpPool)
	assert.Zero(t, r.DownPool)

	ledger := &memLedger{f.store}
	entries, _ := ledger.ListByUser(context.Background(), "alice", domain.ListOpts{})
	require.Len(t, entries, 1)
	assert.Equal(t, -50.0, entries[0].Amount)
	assert.Equal(t, domain.LedgerResultLoss, entries[0].Result)
}

func TestSubmitWithoutAddressSkipsChain(t *testing.T) {
	f := newPredictionFixture()
	f.openRound()
	f.store.addUser(domain.User{ID: "bob", Balance: 100})

	_, err := f.svc.Submit(context.Background(), SubmitRequest{
		UserID: "bob", Amount: 25, Side: domain.SideDown,
	})
	require.NoError(t, err)
	assert.Equal(t, 0, f.gateway.opCount("place_bet"))

	r, _ := f.store.GetByID(context.Background(), "r1")
	assert.Equal(t, 25.0, r.DownPool)
}

func TestSubmitValidation(t *testing.T) {
	f := newPredictionFixture()

	cases := []struct {
		name string
		req  SubmitRequest
	}{
		{"zero amount", SubmitRequest{UserID: "u", Amount: 0, Side: domain.SideUp}},
		{"negative amount", SubmitRequest{UserID: "u", Amount: -5, Side: domain.SideUp}},
		{"bad side", SubmitRequest{UserID: "u", Amount: 5, Side: domain.Side("sideways")}},
		{"missing user", SubmitRequest{Amount: 5, Side: domain.SideUp}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := f.svc.Submit(context.Background(), tc.req)
			se, ok := domain.AsServiceError(err)
			require.True(t, ok)
			assert.Equal(t, domain.SeverityValidation, se.Severity)
		})
	}
}

func TestSubmitRateLimited(t *testing.T) {
	f := newPredictionFixture()
	f.limiter.allow = false

	_, err := f.svc.Submit(context.Background(), SubmitRequest{
		UserID: "alice", Amount: 10, Side: domain.SideUp,
	})
	assert.ErrorIs(t, err, domain.ErrRateLimited)
}

func TestSubmitProceedsWhenLimiterFails(t *testing.T) {
	f := newPredictionFixture()
	f.openRound()
	f.store.addUser(domain.User{ID: "alice", Balance: 100})
	f.limiter.err = errors.New("redis: connection refused")

	// The limiter backend being down must not reject the bet.
	pred, err := f.svc.Submit(context.Background(), SubmitRequest{
		UserID: "alice", Amount: 10, Side: domain.SideUp,
	})
	require.NoError(t, err)
	assert.Equal(t, "r1", pred.RoundID)
	assert.Equal(t, 1, f.limiter.calls)
}

func TestSubmitWithoutSignKeySkipsChain(t *testing.T) {
	f := newPredictionFixture()
	f.openRound()
	f.store.addUser(domain.User{ID: "carol", Address: "0xCarol", Balance: 100})

	// An address alone is not enough; without the caller's signing key the
	// bet stays local.
	_, err := f.svc.Submit(context.Background(), SubmitRequest{
		UserID: "carol", Amount: 30, Side: domain.SideUp,
	})
	require.NoError(t, err)
	assert.Equal(t, 0, f.gateway.opCount("place_bet"))

	r, _ := f.store.GetByID(context.Background(), "r1")
	assert.Equal(t, 30.0, r.UpPool)
}

func TestSubmitNoOpenRound(t *testing.T) {
	f := newPredictionFixture()
	f.store.addUser(domain.User{ID: "alice", Balance: 100})

	_, err := f.svc.Submit(context.Background(), SubmitRequest{
		UserID: "alice", Amount: 10, Side: domain.SideUp,
	})
	se, ok := domain.AsServiceError(err)
	require.True(t, ok)
	assert.Equal(t, "NO_OPEN_ROUND", se.Code)
}

func TestSubmitExpiredRound(t *testing.T) {
	f := newPredictionFixture()
	now := time.Now().UTC()
	f.store.addRound(domain.Round{
		ID: "r1", Mode: domain.RoundModeUpDown, Status: domain.RoundStatusActive,
		StartTime: now.Add(-10 * time.Minute), EndTime: now.Add(-time.Minute), StartPrice: 100,
	})
	f.store.addUser(domain.User{ID: "alice", Balance: 100})

	_, err := f.svc.Submit(context.Background(), SubmitRequest{
		UserID: "alice", Amount: 10, Side: domain.SideUp,
	})
	se, ok := domain.AsServiceError(err)
	require.True(t, ok)
	assert.Equal(t, "ROUND_EXPIRED", se.Code)
}

func TestSubmitInsufficientBalance(t *testing.T) {
	f := newPredictionFixture()
	f.openRound()
	f.store.addUser(domain.User{ID: "alice", Balance: 5})

	_, err := f.svc.Submit(context.Background(), SubmitRequest{
		UserID: "alice", Amount: 10, Side: domain.SideUp,
	})
	se, ok := domain.AsServiceError(err)
	require.True(t, ok)
	assert.Equal(t, "INSUFFICIENT_BALANCE", se.Code)
	// Rejected before any contract call.
	assert.Equal(t, 0, f.gateway.opCount("place_bet"))
}

func TestSubmitDuplicateBet(t *testing.T) {
	f := newPredictionFixture()
	f.openRound()
	f.store.addUser(domain.User{ID: "alice", Balance: 200})

	_, err := f.svc.Submit(context.Background(), SubmitRequest{
		UserID: "alice", Amount: 10, Side: domain.SideUp,
	})
	require.NoError(t, err)

	_, err = f.svc.Submit(context.Background(), SubmitRequest{
		UserID: "alice", Amount: 10, Side: domain.SideDown,
	})
	se, ok := domain.AsServiceError(err)
	require.True(t, ok)
	assert.Equal(t, "ALREADY_BET", se.Code)
}

func TestSubmitChainFailureRollsBack(t *testing.T) {
	f := newPredictionFixture()
	f.openRound()
	f.store.addUser(domain.User{ID: "alice", Address: "0xAlice", Balance: 200})
	f.gateway.betErr = domain.NewChainError(domain.ChainErrInsufficientFunds, "insufficient funds")

	_, err := f.svc.Submit(context.Background(), SubmitRequest{
		UserID: "alice", Amount: 50, Side: domain.SideUp, SignKey: "key",
	})
	var cerr *domain.ChainError
	require.ErrorAs(t, err, &cerr)
	assert.Equal(t, domain.ChainErrInsufficientFunds, cerr.Type)

	// No prediction row, no balance movement, no pool growth.
	preds, _ := f.preds.ListByRound(context.Background(), "r1")
	assert.Empty(t, preds)

	alice, _ := f.users.GetByID(context.Background(), "alice")
	assert.Equal(t, 200.0, alice.Balance)

	r, _ := f.store.GetByID(context.Background(), "r1")
	assert.Zero(t, r.UpPool)

	// The slot is free again after the rollback.
	f.gateway.betErr = nil
	_, err = f.svc.Submit(context.Background(), SubmitRequest{
		UserID: "alice", Amount: 50, Side: domain.SideUp, SignKey: "key",
	})
	assert.NoError(t, err)
}
