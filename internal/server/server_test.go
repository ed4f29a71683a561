package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/updownlive/updown-engine/internal/crypto"
	"github.com/updownlive/updown-engine/internal/domain"
	"github.com/updownlive/updown-engine/internal/server/handler"
	"github.com/updownlive/updown-engine/internal/service"
)

// ---------------------------------------------------------------------------
// fakes
// ---------------------------------------------------------------------------

type fakeRounds struct {
	startErr error
	round    domain.Round
}

func (f *fakeRounds) Start(context.Context, domain.RoundMode, float64, int) (domain.Round, error) {
	if f.startErr != nil {
		return domain.Round{}, f.startErr
	}
	return f.round, nil
}

func (f *fakeRounds) GetCurrent(context.Context) (domain.Round, error) {
	if f.round.ID == "" {
		return domain.Round{}, domain.NewNotFoundError("NO_OPEN_ROUND", "no open round")
	}
	return f.round, nil
}

func (f *fakeRounds) Get(_ context.Context, id string) (domain.Round, error) {
	if id != f.round.ID {
		return domain.Round{}, domain.NewNotFoundError("ROUND_NOT_FOUND", "round %s not found", id)
	}
	return f.round, nil
}

func (f *fakeRounds) ListRecent(context.Context, domain.ListOpts) ([]domain.Round, error) {
	return []domain.Round{f.round}, nil
}

func (f *fakeRounds) Lock(_ context.Context, id string) (domain.Round, error) {
	return f.Get(context.Background(), id)
}

func (f *fakeRounds) Cancel(context.Context, string, string) error { return nil }

type fakeSettlement struct {
	err error
	st  domain.Settlement
}

func (f *fakeSettlement) Resolve(context.Context, string, float64) (domain.Settlement, error) {
	if f.err != nil {
		return domain.Settlement{}, f.err
	}
	return f.st, nil
}

type fakePredictions struct {
	submitErr error
	lastReq   service.SubmitRequest
	pred      domain.Prediction
}

func (f *fakePredictions) Submit(_ context.Context, req service.SubmitRequest) (domain.Prediction, error) {
	f.lastReq = req
	if f.submitErr != nil {
		return domain.Prediction{}, f.submitErr
	}
	return f.pred, nil
}

func (f *fakePredictions) Get(context.Context, string) (domain.Prediction, error) {
	return f.pred, nil
}

func (f *fakePredictions) ListByRound(context.Context, string) ([]domain.Prediction, error) {
	return []domain.Prediction{f.pred}, nil
}

func (f *fakePredictions) ListByUser(context.Context, string, domain.ListOpts) ([]domain.Prediction, error) {
	return []domain.Prediction{f.pred}, nil
}

type fakeUsers struct {
	user domain.User
}

func (f *fakeUsers) Register(context.Context, string) (domain.User, error) { return f.user, nil }
func (f *fakeUsers) Get(context.Context, string) (domain.User, error)      { return f.user, nil }
func (f *fakeUsers) ChainBalance(context.Context, string) (float64, error) { return 42.5, nil }
func (f *fakeUsers) Ledger(context.Context, string, domain.ListOpts) ([]domain.LedgerEntry, error) {
	return nil, nil
}

// ---------------------------------------------------------------------------
// harness
// ---------------------------------------------------------------------------

type testEnv struct {
	server      *Server
	rounds      *fakeRounds
	settlement  *fakeSettlement
	predictions *fakePredictions
	admin       *crypto.AdminAuth
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	rounds := &fakeRounds{round: domain.Round{
		ID:         "round-1",
		Mode:       domain.RoundModeUpDown,
		Status:     domain.RoundStatusActive,
		StartPrice: 100,
		EndTime:    time.Now().Add(5 * time.Minute),
	}}
	settlement := &fakeSettlement{st: domain.Settlement{RoundID: "round-1", FinalPrice: 110}}
	predictions := &fakePredictions{pred: domain.Prediction{
		ID: "pred-1", RoundID: "round-1", UserID: "user-1", Amount: 50, Side: domain.SideUp,
	}}
	users := &fakeUsers{user: domain.User{ID: "user-1", Balance: 1000}}
	admin := &crypto.AdminAuth{Key: "ops", Secret: "topsecret"}

	handlers := Handlers{
		Health:      handler.NewHealthHandler(logger),
		Rounds:      handler.NewRoundHandler(rounds, settlement, 5, logger),
		Predictions: handler.NewPredictionHandler(predictions, logger),
		Users:       handler.NewUserHandler(users, logger),
	}
	srv := NewServer(Config{Port: 0, AdminAuth: admin, ChainID: 137}, handlers, nil, logger)

	return &testEnv{
		server:      srv,
		rounds:      rounds,
		settlement:  settlement,
		predictions: predictions,
		admin:       admin,
	}
}

func (e *testEnv) do(req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	e.server.httpServer.Handler.ServeHTTP(rec, req)
	return rec
}

// adminRequest builds a request carrying valid admin HMAC headers.
func (e *testEnv) adminRequest(method, path, body string) *http.Request {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	for k, v := range e.admin.Headers(method, path, body) {
		req.Header.Set(k, v)
	}
	return req
}

// ---------------------------------------------------------------------------
// tests
// ---------------------------------------------------------------------------

func TestHealthCheck(t *testing.T) {
	env := newTestEnv(t)
	rec := env.do(httptest.NewRequest(http.MethodGet, "/api/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"status":"ok"`)
}

func TestStartRoundRequiresAdminAuth(t *testing.T) {
	env := newTestEnv(t)

	body := `{"start_price":100,"duration_minutes":5}`
	rec := env.do(httptest.NewRequest(http.MethodPost, "/api/rounds", strings.NewReader(body)))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = env.do(env.adminRequest(http.MethodPost, "/api/rounds", body))
	assert.Equal(t, http.StatusCreated, rec.Code)

	var got map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, "round-1", got["id"])
}

func TestStartRoundRejectsTamperedSignature(t *testing.T) {
	env := newTestEnv(t)

	body := `{"start_price":100}`
	req := env.adminRequest(http.MethodPost, "/api/rounds", body)
	req.Body = io.NopCloser(bytes.NewReader([]byte(`{"start_price":999}`)))
	req.ContentLength = int64(len(`{"start_price":999}`))

	rec := env.do(req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestSubmitBetRequiresBearerToken(t *testing.T) {
	env := newTestEnv(t)

	body := `{"amount":50,"side":"up"}`
	rec := env.do(httptest.NewRequest(http.MethodPost, "/api/bets", strings.NewReader(body)))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	req := httptest.NewRequest(http.MethodPost, "/api/bets", strings.NewReader(body))
	req.Header.Set("Authorization", "Bearer user-1")
	rec = env.do(req)
	assert.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, "user-1", env.predictions.lastReq.UserID)
	assert.Equal(t, domain.SideUp, env.predictions.lastReq.Side)
}

func TestServiceErrorSeverityMapping(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want int
	}{
		{"validation", domain.NewValidationError("INVALID_AMOUNT", "amount must be positive"), http.StatusBadRequest},
		{"conflict", domain.NewConflictError("ALREADY_BET", "one bet per round"), http.StatusConflict},
		{"not found", domain.NewNotFoundError("NO_OPEN_ROUND", "no open round"), http.StatusNotFound},
		{"unimplemented", domain.NewUnimplementedError("MODE_NOT_SUPPORTED", "range mode"), http.StatusNotImplemented},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			env := newTestEnv(t)
			env.predictions.submitErr = tc.err

			req := httptest.NewRequest(http.MethodPost, "/api/bets", strings.NewReader(`{"amount":50,"side":"up"}`))
			req.Header.Set("Authorization", "Bearer user-1")
			rec := env.do(req)
			assert.Equal(t, tc.want, rec.Code)
		})
	}
}

func TestChainErrorMapping(t *testing.T) {
	env := newTestEnv(t)

	cases := []struct {
		errType   domain.ChainErrorType
		status    int
		retryable bool
	}{
		{domain.ChainErrTransient, http.StatusServiceUnavailable, true},
		{domain.ChainErrTimeout, http.StatusGatewayTimeout, true},
		{domain.ChainErrValidation, http.StatusBadRequest, false},
		{domain.ChainErrInsufficientFunds, http.StatusConflict, false},
		{domain.ChainErrContract, http.StatusBadGateway, false},
		{domain.ChainErrUnknown, http.StatusBadGateway, false},
	}
	for _, tc := range cases {
		t.Run(string(tc.errType), func(t *testing.T) {
			env.settlement.err = domain.NewChainError(tc.errType, "chain call failed")

			rec := env.do(env.adminRequest(http.MethodPost, "/api/rounds/round-1/resolve", `{"final_price":110}`))
			assert.Equal(t, tc.status, rec.Code)
			if tc.retryable {
				assert.Contains(t, rec.Body.String(), `"retryable":true`)
			} else {
				assert.NotContains(t, rec.Body.String(), `"retryable":true`)
			}
		})
	}
}

func TestRateLimitedMapsTo429(t *testing.T) {
	env := newTestEnv(t)
	env.predictions.submitErr = domain.ErrRateLimited

	req := httptest.NewRequest(http.MethodPost, "/api/bets", strings.NewReader(`{"amount":50,"side":"up"}`))
	req.Header.Set("Authorization", "Bearer user-1")
	rec := env.do(req)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "1", rec.Header().Get("Retry-After"))
}

func TestGetCurrentRound(t *testing.T) {
	env := newTestEnv(t)
	rec := env.do(httptest.NewRequest(http.MethodGet, "/api/rounds/current", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	var got map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, "active", got["status"])
}

func TestGetUnknownRoundReturns404(t *testing.T) {
	env := newTestEnv(t)
	rec := env.do(httptest.NewRequest(http.MethodGet, "/api/rounds/missing", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestResolveRoundReturnsSettlement(t *testing.T) {
	env := newTestEnv(t)
	won := true
	env.settlement.st = domain.Settlement{
		RoundID:    "round-1",
		FinalPrice: 110,
		Winner:     domain.SideUp,
		WinPool:    100,
		LosePool:   50,
		Outcomes: []domain.PredictionOutcome{
			{PredictionID: "pred-1", UserID: "user-1", Won: &won, Payout: 150},
		},
	}

	rec := env.do(env.adminRequest(http.MethodPost, "/api/rounds/round-1/resolve", `{"final_price":110}`))
	assert.Equal(t, http.StatusOK, rec.Code)

	var got map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, "up", got["winner"])
	outcomes, ok := got["outcomes"].([]any)
	require.True(t, ok)
	assert.Len(t, outcomes, 1)
}

func TestRegisterAndChainBalance(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(httptest.NewRequest(http.MethodPost, "/api/users", strings.NewReader(`{}`)))
	assert.Equal(t, http.StatusCreated, rec.Code)

	rec = env.do(httptest.NewRequest(http.MethodGet, "/api/users/user-1/balance/chain", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "42.5")
}
