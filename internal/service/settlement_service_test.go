package service

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/updownlive/updown-engine/internal/domain"
)

func TestComputeSettlementWinnersSplitLosingPool(t *testing.T) {
	round := domain.Round{ID: "r1", StartPrice: 100}
	preds := []domain.Prediction{
		{ID: "p1", UserID: "alice", Amount: 60, Side: domain.SideUp},
		{ID: "p2", UserID: "bob", Amount: 40, Side: domain.SideUp},
		{ID: "p3", UserID: "carol", Amount: 50, Side: domain.SideDown},
	}

	st := ComputeSettlement(round, preds, 110)

	assert.False(t, st.Tie)
	assert.Equal(t, domain.SideUp, st.Winner)
	assert.Equal(t, 100.0, st.WinPool)
	assert.Equal(t, 50.0, st.LosePool)
	require.Len(t, st.Outcomes, 3)

	byID := map[string]domain.PredictionOutcome{}
	for _, o := range st.Outcomes {
		byID[o.PredictionID] = o
	}

	// stake + stake/winPool * losePool
	assert.InDelta(t, 60+60.0/100*50, byID["p1"].Payout, 1e-9)
	assert.InDelta(t, 40+40.0/100*50, byID["p2"].Payout, 1e-9)
	assert.True(t, *byID["p1"].Won)
	assert.False(t, *byID["p3"].Won)
	assert.Zero(t, byID["p3"].Payout)

	// Payouts conserve the total staked pool.
	total := 0.0
	for _, o := range st.Outcomes {
		total += o.Payout
	}
	assert.InDelta(t, 150.0, total, 1e-9)
}

func TestComputeSettlementTieRefundsEverything(t *testing.T) {
	round := domain.Round{ID: "r1", StartPrice: 100}
	preds := []domain.Prediction{
		{ID: "p1", UserID: "alice", Amount: 60, Side: domain.SideUp},
		{ID: "p2", UserID: "bob", Amount: 40, Side: domain.SideDown},
	}

	st := ComputeSettlement(round, preds, 100)

	assert.True(t, st.Tie)
	require.Len(t, st.Outcomes, 2)
	for _, o := range st.Outcomes {
		assert.True(t, o.Refund)
		assert.Nil(t, o.Won)
	}
	byID := map[string]domain.PredictionOutcome{}
	for _, o := range st.Outcomes {
		byID[o.PredictionID] = o
	}
	assert.Equal(t, 60.0, byID["p1"].Payout)
	assert.Equal(t, 40.0, byID["p2"].Payout)
}

func TestComputeSettlementOneSidedRound(t *testing.T) {
	round := domain.Round{ID: "r1", StartPrice: 100}

	// Everyone on the losing side: no winners, stakes are lost.
	preds := []domain.Prediction{
		{ID: "p1", UserID: "alice", Amount: 60, Side: domain.SideDown},
	}
	st := ComputeSettlement(round, preds, 110)
	assert.Equal(t, domain.SideUp, st.Winner)
	assert.Zero(t, st.WinPool)
	require.Len(t, st.Outcomes, 1)
	assert.False(t, *st.Outcomes[0].Won)
	assert.Zero(t, st.Outcomes[0].Payout)

	// Everyone on the winning side: stake back, nothing more.
	preds = []domain.Prediction{
		{ID: "p2", UserID: "bob", Amount: 30, Side: domain.SideUp},
	}
	st = ComputeSettlement(round, preds, 110)
	require.Len(t, st.Outcomes, 1)
	assert.True(t, *st.Outcomes[0].Won)
	assert.Equal(t, 30.0, st.Outcomes[0].Payout)
}

func TestComputeSettlementSkipsRefundedStakes(t *testing.T) {
	round := domain.Round{ID: "r1", StartPrice: 100}
	preds := []domain.Prediction{
		{ID: "p1", UserID: "alice", Amount: 60, Side: domain.SideUp},
		{ID: "p2", UserID: "bob", Amount: 40, Side: domain.SideDown, Refunded: true},
	}

	st := ComputeSettlement(round, preds, 110)
	assert.Equal(t, 60.0, st.WinPool)
	assert.Zero(t, st.LosePool)
	assert.Len(t, st.Outcomes, 1)
}

type settlementFixture struct {
	store   *memStore
	preds   *memPredictions
	users   *memUsers
	cache   *fakeCache
	bus     *fakeBus
	gateway *fakeGateway
	svc     *SettlementService
}

func newSettlementFixture() *settlementFixture {
	store := newMemStore()
	f := &settlementFixture{
		store:   store,
		preds:   &memPredictions{store},
		users:   &memUsers{store},
		cache:   &fakeCache{},
		bus:     &fakeBus{},
		gateway: &fakeGateway{},
	}
	f.svc = NewSettlementService(store, f.preds, f.users, f.cache, newFakeLocks(), f.bus, f.gateway, testLogger())
	return f
}

func (f *settlementFixture) lockedRound() {
	now := time.Now().UTC()
	f.store.addRound(domain.Round{
		ID: "r1", Mode: domain.RoundModeUpDown, Status: domain.RoundStatusLocked,
		StartTime: now.Add(-10 * time.Minute), EndTime: now.Add(-time.Minute),
		StartPrice: 100, UpPool: 100, DownPool: 50,
	})
	f.store.addUser(domain.User{ID: "alice", Balance: 0, Wins: 2, Streak: 2})
	f.store.addUser(domain.User{ID: "bob", Balance: 10, Streak: 4})
	f.store.addPrediction(domain.Prediction{ID: "p1", RoundID: "r1", UserID: "alice", Amount: 100, Side: domain.SideUp})
	f.store.addPrediction(domain.Prediction{ID: "p2", RoundID: "r1", UserID: "bob", Amount: 50, Side: domain.SideDown})
}

func TestResolveRound(t *testing.T) {
	f := newSettlementFixture()
	f.lockedRound()

	st, err := f.svc.Resolve(context.Background(), "r1", 120)
	require.NoError(t, err)
	assert.Equal(t, domain.SideUp, st.Winner)

	r, _ := f.store.GetByID(context.Background(), "r1")
	assert.Equal(t, domain.RoundStatusResolved, r.Status)
	require.NotNil(t, r.EndPrice)
	assert.Equal(t, 120.0, *r.EndPrice)

	alice, _ := f.users.GetByID(context.Background(), "alice")
	assert.Equal(t, 150.0, alice.Balance) // 100 stake + whole 50 losing pool
	assert.Equal(t, 3, alice.Wins)
	assert.Equal(t, 3, alice.Streak)

	bob, _ := f.users.GetByID(context.Background(), "bob")
	assert.Equal(t, 10.0, bob.Balance)
	assert.Zero(t, bob.Streak)

	assert.Equal(t, 1, f.gateway.opCount("resolve_round"))

	results := f.bus.onChannel(domain.ChannelResults)
	require.Len(t, results, 2)
	kinds := map[string]domain.ResultEvent{}
	for _, m := range results {
		var evt domain.ResultEvent
		require.NoError(t, json.Unmarshal(m.payload, &evt))
		kinds[evt.Event] = evt
	}
	assert.Equal(t, 150.0, kinds["win"].Payout)
	assert.Equal(t, 3, kinds["win"].Streak)
	assert.Zero(t, kinds["loss"].Payout)

	require.Len(t, f.bus.streamed, 1)
	assert.Equal(t, domain.StreamSettlements, f.bus.streamed[0].channel)
}

func TestResolveTie(t *testing.T) {
	f := newSettlementFixture()
	f.lockedRound()

	st, err := f.svc.Resolve(context.Background(), "r1", 100)
	require.NoError(t, err)
	assert.True(t, st.Tie)

	alice, _ := f.users.GetByID(context.Background(), "alice")
	bob, _ := f.users.GetByID(context.Background(), "bob")
	assert.Equal(t, 100.0, alice.Balance)
	assert.Equal(t, 60.0, bob.Balance)
	// A tie neither extends nor breaks streaks.
	assert.Equal(t, 2, alice.Streak)
	assert.Equal(t, 4, bob.Streak)

	p1, _ := f.preds.GetByID(context.Background(), "p1")
	assert.True(t, p1.Refunded)
	assert.Nil(t, p1.Outcome)
}

func TestResolveChainFailureKeepsLocalSettlement(t *testing.T) {
	f := newSettlementFixture()
	f.lockedRound()
	f.gateway.resolveErr = domain.NewChainError(domain.ChainErrTransient, "timeout")

	_, err := f.svc.Resolve(context.Background(), "r1", 120)
	require.NoError(t, err)

	r, _ := f.store.GetByID(context.Background(), "r1")
	assert.Equal(t, domain.RoundStatusResolved, r.Status)

	alice, _ := f.users.GetByID(context.Background(), "alice")
	assert.Equal(t, 150.0, alice.Balance)
}

func TestResolveClosesActiveRoundEarly(t *testing.T) {
	f := newSettlementFixture()
	now := time.Now().UTC()
	f.store.addRound(domain.Round{
		ID: "open", Mode: domain.RoundModeUpDown, Status: domain.RoundStatusActive,
		StartTime: now, EndTime: now.Add(5 * time.Minute), StartPrice: 100,
	})

	// Time remaining does not block resolution; the round locks on the way in.
	_, err := f.svc.Resolve(context.Background(), "open", 120)
	require.NoError(t, err)

	r, _ := f.store.GetByID(context.Background(), "open")
	assert.Equal(t, domain.RoundStatusResolved, r.Status)
}

func TestResolveRejectsUnsettleableRound(t *testing.T) {
	f := newSettlementFixture()
	now := time.Now().UTC()
	f.store.addRound(domain.Round{
		ID: "gone", Mode: domain.RoundModeUpDown, Status: domain.RoundStatusCancelled,
		StartTime: now.Add(-10 * time.Minute), EndTime: now.Add(-time.Minute), StartPrice: 100,
	})

	_, err := f.svc.Resolve(context.Background(), "gone", 120)
	se, ok := domain.AsServiceError(err)
	require.True(t, ok)
	assert.Equal(t, "ROUND_NOT_LOCKED", se.Code)

	_, err = f.svc.Resolve(context.Background(), "missing", 120)
	se, ok = domain.AsServiceError(err)
	require.True(t, ok)
	assert.Equal(t, domain.SeverityNotFound, se.Severity)
}

func TestResolveLocksExpiredActiveRound(t *testing.T) {
	f := newSettlementFixture()
	now := time.Now().UTC()
	f.store.addRound(domain.Round{
		ID: "r1", Mode: domain.RoundModeUpDown, Status: domain.RoundStatusActive,
		StartTime: now.Add(-10 * time.Minute), EndTime: now.Add(-time.Minute), StartPrice: 100,
	})

	_, err := f.svc.Resolve(context.Background(), "r1", 90)
	require.NoError(t, err)

	r, _ := f.store.GetByID(context.Background(), "r1")
	assert.Equal(t, domain.RoundStatusResolved, r.Status)
}

func TestResolveTwiceConflicts(t *testing.T) {
	f := newSettlementFixture()
	f.lockedRound()

	_, err := f.svc.Resolve(context.Background(), "r1", 120)
	require.NoError(t, err)

	_, err = f.svc.Resolve(context.Background(), "r1", 130)
	se, ok := domain.AsServiceError(err)
	require.True(t, ok)
	assert.Equal(t, domain.SeverityConflict, se.Severity)
}

func TestResolveRejectsBadPrice(t *testing.T) {
	f := newSettlementFixture()

	_, err := f.svc.Resolve(context.Background(), "r1", 0)
	se, ok := domain.AsServiceError(err)
	require.True(t, ok)
	assert.Equal(t, domain.SeverityValidation, se.Severity)
}
