package service

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/updownlive/updown-engine/internal/domain"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type roundFixture struct {
	store   *memStore
	preds   *memPredictions
	cache   *fakeCache
	locks   *fakeLocks
	bus     *fakeBus
	gateway *fakeGateway
	svc     *RoundService
}

func newRoundFixture() *roundFixture {
	store := newMemStore()
	f := &roundFixture{
		store:   store,
		preds:   &memPredictions{store},
		cache:   &fakeCache{},
		locks:   newFakeLocks(),
		bus:     &fakeBus{},
		gateway: &fakeGateway{},
	}
	f.svc = NewRoundService(store, f.preds, f.cache, f.locks, f.bus, f.gateway, testLogger())
	return f
}

func TestStartRound(t *testing.T) {
	f := newRoundFixture()

	round, err := f.svc.Start(context.Background(), domain.RoundModeUpDown, 101.5, 5)
	require.NoError(t, err)

	assert.Equal(t, domain.RoundStatusActive, round.Status)
	assert.Equal(t, "0xcreate", round.TxRef)
	assert.Equal(t, 101.5, round.StartPrice)
	assert.WithinDuration(t, round.StartTime.Add(5*time.Minute), round.EndTime, time.Second)

	stored, err := f.store.GetByID(context.Background(), round.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.RoundStatusActive, stored.Status)

	cached, err := f.cache.GetCurrent(context.Background())
	require.NoError(t, err)
	assert.Equal(t, round.ID, cached.ID)

	events := f.bus.onChannel(domain.ChannelRounds)
	require.Len(t, events, 1)
	var evt domain.RoundStartedEvent
	require.NoError(t, json.Unmarshal(events[0].payload, &evt))
	assert.Equal(t, "round_started", evt.Event)
	assert.Equal(t, round.ID, evt.RoundID)
}

func TestStartRangeModeUnimplemented(t *testing.T) {
	f := newRoundFixture()

	_, err := f.svc.Start(context.Background(), domain.RoundModeRange, 100, 5)
	se, ok := domain.AsServiceError(err)
	require.True(t, ok)
	assert.Equal(t, domain.SeverityUnimplemented, se.Severity)
	assert.Equal(t, 0, f.gateway.opCount("create_round"))
}

func TestStartRejectsBadInput(t *testing.T) {
	f := newRoundFixture()

	_, err := f.svc.Start(context.Background(), domain.RoundModeUpDown, 0, 5)
	se, ok := domain.AsServiceError(err)
	require.True(t, ok)
	assert.Equal(t, domain.SeverityValidation, se.Severity)

	_, err = f.svc.Start(context.Background(), domain.RoundModeUpDown, 100, 0)
	se, ok = domain.AsServiceError(err)
	require.True(t, ok)
	assert.Equal(t, domain.SeverityValidation, se.Severity)

	// A day is the ceiling; anything longer never reaches the store.
	_, err = f.svc.Start(context.Background(), domain.RoundModeUpDown, 100, 10000)
	se, ok = domain.AsServiceError(err)
	require.True(t, ok)
	assert.Equal(t, "INVALID_DURATION", se.Code)
	assert.Equal(t, 0, f.store.roundCount())

	_, err = f.svc.Start(context.Background(), domain.RoundModeUpDown, 100, 1440)
	require.NoError(t, err)
}

func TestStartSecondRoundConflicts(t *testing.T) {
	f := newRoundFixture()

	_, err := f.svc.Start(context.Background(), domain.RoundModeUpDown, 100, 5)
	require.NoError(t, err)

	_, err = f.svc.Start(context.Background(), domain.RoundModeUpDown, 100, 5)
	se, ok := domain.AsServiceError(err)
	require.True(t, ok)
	assert.Equal(t, domain.SeverityConflict, se.Severity)
	assert.Equal(t, "ROUND_ALREADY_OPEN", se.Code)
}

func TestStartChainFailureCancelsRound(t *testing.T) {
	f := newRoundFixture()
	f.gateway.createErr = domain.NewChainError(domain.ChainErrTransient, "connection refused")

	_, err := f.svc.Start(context.Background(), domain.RoundModeUpDown, 100, 5)
	var cerr *domain.ChainError
	require.ErrorAs(t, err, &cerr)
	assert.Equal(t, domain.ChainErrTransient, cerr.Type)

	// The local round is cancelled, not left half-created; a new start works.
	_, err = f.svc.GetCurrent(context.Background())
	se, ok := domain.AsServiceError(err)
	require.True(t, ok)
	assert.Equal(t, domain.SeverityNotFound, se.Severity)

	f.gateway.createErr = nil
	_, err = f.svc.Start(context.Background(), domain.RoundModeUpDown, 100, 5)
	assert.NoError(t, err)
}

func TestGetCurrentFallsBackToStore(t *testing.T) {
	f := newRoundFixture()

	round, err := f.svc.Start(context.Background(), domain.RoundModeUpDown, 100, 5)
	require.NoError(t, err)

	require.NoError(t, f.cache.Invalidate(context.Background()))

	got, err := f.svc.GetCurrent(context.Background())
	require.NoError(t, err)
	assert.Equal(t, round.ID, got.ID)

	// The miss repopulated the cache.
	_, err = f.cache.GetCurrent(context.Background())
	assert.NoError(t, err)
}

func TestLockRound(t *testing.T) {
	f := newRoundFixture()

	round, err := f.svc.Start(context.Background(), domain.RoundModeUpDown, 100, 5)
	require.NoError(t, err)

	locked, err := f.svc.Lock(context.Background(), round.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.RoundStatusLocked, locked.Status)

	// Cache dropped, second lock conflicts.
	_, err = f.cache.GetCurrent(context.Background())
	assert.ErrorIs(t, err, domain.ErrNotFound)

	_, err = f.svc.Lock(context.Background(), round.ID)
	se, ok := domain.AsServiceError(err)
	require.True(t, ok)
	assert.Equal(t, domain.SeverityConflict, se.Severity)

	events := f.bus.onChannel(domain.ChannelRounds)
	require.Len(t, events, 2)
	var evt domain.RoundLockedEvent
	require.NoError(t, json.Unmarshal(events[1].payload, &evt))
	assert.Equal(t, "round_locked", evt.Event)
}

func TestLockExpired(t *testing.T) {
	f := newRoundFixture()
	now := time.Now().UTC()

	f.store.addRound(domain.Round{
		ID: "expired", Mode: domain.RoundModeUpDown, Status: domain.RoundStatusActive,
		StartTime: now.Add(-10 * time.Minute), EndTime: now.Add(-5 * time.Minute), StartPrice: 100,
	})
	f.store.addRound(domain.Round{
		ID: "old-resolved", Mode: domain.RoundModeUpDown, Status: domain.RoundStatusResolved,
		StartTime: now.Add(-time.Hour), EndTime: now.Add(-50 * time.Minute), StartPrice: 100,
	})

	locked, err := f.svc.LockExpired(context.Background(), now)
	require.NoError(t, err)
	assert.Equal(t, 1, locked)

	r, err := f.store.GetByID(context.Background(), "expired")
	require.NoError(t, err)
	assert.Equal(t, domain.RoundStatusLocked, r.Status)
}

func TestCancelRefundsStakes(t *testing.T) {
	f := newRoundFixture()
	now := time.Now().UTC()

	f.store.addUser(domain.User{ID: "alice", Balance: 60})
	f.store.addUser(domain.User{ID: "bob", Balance: 0})
	f.store.addRound(domain.Round{
		ID: "r1", Mode: domain.RoundModeUpDown, Status: domain.RoundStatusActive,
		StartTime: now, EndTime: now.Add(5 * time.Minute), StartPrice: 100,
		UpPool: 40, DownPool: 100,
	})
	f.store.addPrediction(domain.Prediction{ID: "p1", RoundID: "r1", UserID: "alice", Amount: 40, Side: domain.SideUp})
	f.store.addPrediction(domain.Prediction{ID: "p2", RoundID: "r1", UserID: "bob", Amount: 100, Side: domain.SideDown})

	require.NoError(t, f.svc.Cancel(context.Background(), "r1", "oracle outage"))

	r, err := f.store.GetByID(context.Background(), "r1")
	require.NoError(t, err)
	assert.Equal(t, domain.RoundStatusCancelled, r.Status)
	assert.Equal(t, "oracle outage", r.CancelReason)
	assert.Zero(t, r.UpPool)
	assert.Zero(t, r.DownPool)

	users := &memUsers{f.store}
	alice, _ := users.GetByID(context.Background(), "alice")
	bob, _ := users.GetByID(context.Background(), "bob")
	assert.Equal(t, 100.0, alice.Balance)
	assert.Equal(t, 100.0, bob.Balance)

	p1, _ := f.preds.GetByID(context.Background(), "p1")
	assert.True(t, p1.Refunded)
	assert.Nil(t, p1.Outcome)
	assert.Equal(t, 40.0, p1.Payout)

	refunds := f.bus.onChannel(domain.ChannelResults)
	assert.Len(t, refunds, 2)

	// Terminal rounds cannot be cancelled again.
	err = f.svc.Cancel(context.Background(), "r1", "twice")
	se, ok := domain.AsServiceError(err)
	require.True(t, ok)
	assert.Equal(t, domain.SeverityConflict, se.Severity)
}
