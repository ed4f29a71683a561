package service

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/updownlive/updown-engine/internal/domain"
)

// memStore is an in-memory implementation of the store interfaces with the
// same guard semantics as the SQL layer.
type memStore struct {
	mu      sync.Mutex
	rounds  map[string]*domain.Round
	preds   map[string]*domain.Prediction
	users   map[string]*domain.User
	ledger  []domain.LedgerEntry
	nowFunc func() time.Time
}

func newMemStore() *memStore {
	return &memStore{
		rounds:  make(map[string]*domain.Round),
		preds:   make(map[string]*domain.Prediction),
		users:   make(map[string]*domain.User),
		nowFunc: func() time.Time { return time.Now().UTC() },
	}
}

func (m *memStore) addUser(u domain.User) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := u
	m.users[u.ID] = &cp
}

func (m *memStore) addRound(r domain.Round) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := r
	m.rounds[r.ID] = &cp
}

func (m *memStore) addPrediction(p domain.Prediction) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := p
	m.preds[p.ID] = &cp
}

func (m *memStore) roundCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.rounds)
}

// --- domain.RoundStore ---

func (m *memStore) Create(ctx context.Context, r domain.Round) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.rounds {
		if existing.Status == domain.RoundStatusPending || existing.Status == domain.RoundStatusActive {
			return domain.ErrAlreadyExists
		}
	}
	cp := r
	m.rounds[r.ID] = &cp
	return nil
}

func (m *memStore) GetByID(ctx context.Context, id string) (domain.Round, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rounds[id]
	if !ok {
		return domain.Round{}, domain.ErrNotFound
	}
	return *r, nil
}

func (m *memStore) GetCurrent(ctx context.Context) (domain.Round, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.rounds {
		if r.Status == domain.RoundStatusPending || r.Status == domain.RoundStatusActive {
			return *r, nil
		}
	}
	return domain.Round{}, domain.ErrNotFound
}

func (m *memStore) SetActive(ctx context.Context, id, txRef string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rounds[id]
	if !ok {
		return domain.ErrNotFound
	}
	if r.Status != domain.RoundStatusPending {
		return domain.ErrAlreadyExists
	}
	r.Status = domain.RoundStatusActive
	r.TxRef = txRef
	return nil
}

func (m *memStore) Lock(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rounds[id]
	if !ok {
		return domain.ErrNotFound
	}
	if r.Status != domain.RoundStatusActive {
		return domain.ErrAlreadyExists
	}
	r.Status = domain.RoundStatusLocked
	return nil
}

func (m *memStore) ListActiveExpired(ctx context.Context, now time.Time) ([]domain.Round, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.Round
	for _, r := range m.rounds {
		if r.Status == domain.RoundStatusActive && !now.Before(r.EndTime) {
			out = append(out, *r)
		}
	}
	return out, nil
}

func (m *memStore) CancelWithRefunds(ctx context.Context, id, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rounds[id]
	if !ok {
		return domain.ErrNotFound
	}
	if r.Status.Terminal() {
		return domain.ErrAlreadyExists
	}
	r.Status = domain.RoundStatusCancelled
	r.CancelReason = reason
	r.UpPool, r.DownPool = 0, 0

	for _, p := range m.preds {
		if p.RoundID != id || p.Refunded {
			continue
		}
		if u, ok := m.users[p.UserID]; ok {
			u.Balance += p.Amount
		}
		m.ledger = append(m.ledger, domain.LedgerEntry{
			ID: uuid.NewString(), UserID: p.UserID, RoundID: id,
			PredictionID: p.ID, Amount: p.Amount, Result: domain.LedgerResultRefund,
		})
		p.Refunded = true
		p.Payout = p.Amount
		p.Outcome = nil
	}
	return nil
}

func (m *memStore) ApplySettlement(ctx context.Context, st domain.Settlement) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rounds[st.RoundID]
	if !ok {
		return domain.ErrNotFound
	}
	if r.Status != domain.RoundStatusLocked {
		return domain.ErrAlreadyExists
	}
	r.Status = domain.RoundStatusResolved
	price := st.FinalPrice
	r.EndPrice = &price

	for _, o := range st.Outcomes {
		p := m.preds[o.PredictionID]
		p.Outcome = o.Won
		p.Payout = o.Payout
		p.Refunded = o.Refund

		u := m.users[o.UserID]
		switch {
		case o.Refund:
			u.Balance += o.Payout
		case o.Won != nil && *o.Won:
			u.Balance += o.Payout
			u.Wins++
			u.Streak++
		default:
			u.Streak = 0
		}

		if o.Payout > 0 {
			result := domain.LedgerResultWin
			if o.Refund {
				result = domain.LedgerResultRefund
			}
			m.ledger = append(m.ledger, domain.LedgerEntry{
				ID: uuid.NewString(), UserID: o.UserID, RoundID: st.RoundID,
				PredictionID: o.PredictionID, Amount: o.Payout, Result: result,
			})
		}
	}
	return nil
}

func (m *memStore) ListRecent(ctx context.Context, opts domain.ListOpts) ([]domain.Round, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.Round
	for _, r := range m.rounds {
		out = append(out, *r)
	}
	return out, nil
}

func (m *memStore) ListResolvedBefore(ctx context.Context, before time.Time) ([]domain.Round, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.Round
	for _, r := range m.rounds {
		if r.Status.Terminal() && r.CreatedAt.Before(before) {
			out = append(out, *r)
		}
	}
	return out, nil
}

// --- domain.PredictionStore ---

type memPredictions struct{ *memStore }

func (m *memPredictions) Create(ctx context.Context, p domain.Prediction) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.preds {
		if existing.RoundID == p.RoundID && existing.UserID == p.UserID {
			return domain.ErrAlreadyExists
		}
	}
	cp := p
	m.preds[p.ID] = &cp
	return nil
}

func (m *memPredictions) Delete(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.preds[id]; !ok {
		return domain.ErrNotFound
	}
	delete(m.preds, id)
	return nil
}

func (m *memPredictions) Fund(ctx context.Context, p domain.Prediction) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[p.UserID]
	if !ok {
		return domain.ErrNotFound
	}
	if u.Balance < p.Amount {
		return domain.ErrInsufficientBalance
	}
	r, ok := m.rounds[p.RoundID]
	if !ok || r.Status != domain.RoundStatusActive || !m.nowFunc().Before(r.EndTime) {
		return domain.ErrRoundClosed
	}

	u.Balance -= p.Amount
	if p.Side == domain.SideUp {
		r.UpPool += p.Amount
	} else {
		r.DownPool += p.Amount
	}
	m.ledger = append(m.ledger, domain.LedgerEntry{
		ID: uuid.NewString(), UserID: p.UserID, RoundID: p.RoundID,
		PredictionID: p.ID, Amount: -p.Amount, Result: domain.LedgerResultLoss,
	})
	return nil
}

func (m *memPredictions) GetByID(ctx context.Context, id string) (domain.Prediction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.preds[id]
	if !ok {
		return domain.Prediction{}, domain.ErrNotFound
	}
	return *p, nil
}

func (m *memPredictions) GetByRoundAndUser(ctx context.Context, roundID, userID string) (domain.Prediction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range m.preds {
		if p.RoundID == roundID && p.UserID == userID {
			return *p, nil
		}
	}
	return domain.Prediction{}, domain.ErrNotFound
}

func (m *memPredictions) ListByRound(ctx context.Context, roundID string) ([]domain.Prediction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.Prediction
	for _, p := range m.preds {
		if p.RoundID == roundID {
			out = append(out, *p)
		}
	}
	return out, nil
}

func (m *memPredictions) ListByUser(ctx context.Context, userID string, opts domain.ListOpts) ([]domain.Prediction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.Prediction
	for _, p := range m.preds {
		if p.UserID == userID {
			out = append(out, *p)
		}
	}
	return out, nil
}

func (m *memPredictions) ListBefore(ctx context.Context, before time.Time) ([]domain.Prediction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.Prediction
	for _, p := range m.preds {
		if p.CreatedAt.Before(before) {
			out = append(out, *p)
		}
	}
	return out, nil
}

// --- domain.UserStore ---

type memUsers struct{ *memStore }

func (m *memUsers) Create(ctx context.Context, u domain.User) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.users[u.ID]; ok {
		return domain.ErrAlreadyExists
	}
	for _, existing := range m.users {
		if u.Address != "" && existing.Address == u.Address {
			return domain.ErrAlreadyExists
		}
	}
	cp := u
	m.users[u.ID] = &cp
	return nil
}

func (m *memUsers) GetByID(ctx context.Context, id string) (domain.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[id]
	if !ok {
		return domain.User{}, domain.ErrNotFound
	}
	return *u, nil
}

func (m *memUsers) GetByAddress(ctx context.Context, address string) (domain.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, u := range m.users {
		if u.Address != "" && u.Address == address {
			return *u, nil
		}
	}
	return domain.User{}, domain.ErrNotFound
}

// --- domain.LedgerStore ---

type memLedger struct{ *memStore }

func (m *memLedger) ListByUser(ctx context.Context, userID string, opts domain.ListOpts) ([]domain.LedgerEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.LedgerEntry
	for _, e := range m.ledger {
		if e.UserID == userID {
			out = append(out, e)
		}
	}
	return out, nil
}

func (m *memLedger) ListByRound(ctx context.Context, roundID string) ([]domain.LedgerEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.LedgerEntry
	for _, e := range m.ledger {
		if e.RoundID == roundID {
			out = append(out, e)
		}
	}
	return out, nil
}

func (m *memLedger) ListBefore(ctx context.Context, before time.Time) ([]domain.LedgerEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.LedgerEntry
	for _, e := range m.ledger {
		if e.CreatedAt.Before(before) {
			out = append(out, e)
		}
	}
	return out, nil
}

// --- cache, lock, limiter, bus, gateway fakes ---

type fakeCache struct {
	mu      sync.Mutex
	current *domain.Round
	sets    int
	drops   int
}

func (f *fakeCache) SetCurrent(ctx context.Context, r domain.Round) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := r
	f.current = &cp
	f.sets++
	return nil
}

func (f *fakeCache) GetCurrent(ctx context.Context) (domain.Round, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.current == nil {
		return domain.Round{}, domain.ErrNotFound
	}
	return *f.current, nil
}

func (f *fakeCache) Invalidate(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.current = nil
	f.drops++
	return nil
}

type fakeLocks struct {
	mu   sync.Mutex
	held map[string]bool
}

func newFakeLocks() *fakeLocks { return &fakeLocks{held: make(map[string]bool)} }

func (f *fakeLocks) Acquire(ctx context.Context, key string, ttl time.Duration) (func(), error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.held[key] {
		return nil, domain.ErrLockHeld
	}
	f.held[key] = true
	return func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		delete(f.held, key)
	}, nil
}

type fakeLimiter struct {
	allow bool
	err   error
	calls int
}

func (f *fakeLimiter) Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, error) {
	f.calls++
	return f.allow, f.err
}

type busMessage struct {
	channel string
	payload []byte
}

type fakeBus struct {
	mu        sync.Mutex
	published []busMessage
	streamed  []busMessage
}

func (f *fakeBus) Publish(ctx context.Context, channel string, payload []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.published = append(f.published, busMessage{channel, payload})
	return nil
}

func (f *fakeBus) Subscribe(ctx context.Context, channel string) (<-chan []byte, error) {
	ch := make(chan []byte)
	close(ch)
	return ch, nil
}

func (f *fakeBus) StreamAppend(ctx context.Context, stream string, payload []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.streamed = append(f.streamed, busMessage{stream, payload})
	return nil
}

func (f *fakeBus) StreamRead(ctx context.Context, stream string, lastID string, count int) ([]domain.StreamMessage, error) {
	return nil, nil
}

func (f *fakeBus) onChannel(channel string) []busMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []busMessage
	for _, m := range f.published {
		if m.channel == channel {
			out = append(out, m)
		}
	}
	return out
}

type gatewayCall struct {
	op     string
	amount float64
}

type fakeGateway struct {
	mu         sync.Mutex
	calls      []gatewayCall
	createErr  error
	betErr     error
	resolveErr error
	balance    float64
	balanceErr error
}

func (f *fakeGateway) record(op string, amount float64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, gatewayCall{op, amount})
}

func (f *fakeGateway) CreateRound(ctx context.Context, startPrice float64, durationMinutes int) (string, error) {
	f.record("create_round", startPrice)
	if f.createErr != nil {
		return "", f.createErr
	}
	return "0xcreate", nil
}

func (f *fakeGateway) PlaceBet(ctx context.Context, userAddress, signKey string, amount float64, side domain.Side) (string, error) {
	f.record("place_bet", amount)
	if f.betErr != nil {
		return "", f.betErr
	}
	return "0xbet", nil
}

func (f *fakeGateway) ResolveRound(ctx context.Context, finalPrice float64) (string, error) {
	f.record("resolve_round", finalPrice)
	if f.resolveErr != nil {
		return "", f.resolveErr
	}
	return "0xresolve", nil
}

func (f *fakeGateway) GetBalance(ctx context.Context, userAddress string) (float64, error) {
	f.record("get_balance", 0)
	if f.balanceErr != nil {
		return 0, f.balanceErr
	}
	return f.balance, nil
}

func (f *fakeGateway) opCount(op string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		if c.op == op {
			n++
		}
	}
	return n
}
