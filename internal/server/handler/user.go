package handler

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/updownlive/updown-engine/internal/domain"
)

// UserService defines the account methods the user handler requires from the
// service layer.
type UserService interface {
	Register(ctx context.Context, address string) (domain.User, error)
	Get(ctx context.Context, id string) (domain.User, error)
	ChainBalance(ctx context.Context, id string) (float64, error)
	Ledger(ctx context.Context, id string, opts domain.ListOpts) ([]domain.LedgerEntry, error)
}

// UserHandler serves account HTTP endpoints.
type UserHandler struct {
	users  UserService
	logger *slog.Logger
}

// NewUserHandler creates a UserHandler with the given service and logger.
func NewUserHandler(users UserService, logger *slog.Logger) *UserHandler {
	return &UserHandler{
		users:  users,
		logger: logger,
	}
}

// registerRequest is the JSON body for account registration. Address is the
// optional on-chain address; accounts without one play locally only.
type registerRequest struct {
	Address string `json:"address"`
}

// Register creates a new account with the starting virtual balance.
// POST /api/users
func (h *UserHandler) Register(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if r.Body != nil && r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
			return
		}
	}

	user, err := h.users.Register(r.Context(), req.Address)
	if err != nil {
		writeDomainError(w, r, h.logger, err)
		return
	}

	h.logger.InfoContext(r.Context(), "handler: user registered",
		slog.String("user_id", user.ID),
	)
	writeJSON(w, http.StatusCreated, renderUser(user))
}

// GetUser returns a single account by its ID.
// GET /api/users/{id}
func (h *UserHandler) GetUser(w http.ResponseWriter, r *http.Request) {
	id := pathParam(r, "id")
	if id == "" {
		writeError(w, http.StatusBadRequest, "missing user id")
		return
	}

	user, err := h.users.Get(r.Context(), id)
	if err != nil {
		writeDomainError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, renderUser(user))
}

// ledgerResponse wraps the balance ledger output.
type ledgerResponse struct {
	Entries []ledgerEntryJSON `json:"entries"`
	Limit   int               `json:"limit"`
	Offset  int               `json:"offset"`
}

// GetLedger returns the user's balance ledger, newest first.
// GET /api/users/{id}/ledger?limit=50&offset=0
func (h *UserHandler) GetLedger(w http.ResponseWriter, r *http.Request) {
	id := pathParam(r, "id")
	if id == "" {
		writeError(w, http.StatusBadRequest, "missing user id")
		return
	}

	opts := parseListOpts(r)
	entries, err := h.users.Ledger(r.Context(), id, opts)
	if err != nil {
		writeDomainError(w, r, h.logger, err)
		return
	}

	writeJSON(w, http.StatusOK, ledgerResponse{
		Entries: renderLedger(entries),
		Limit:   opts.Limit,
		Offset:  opts.Offset,
	})
}

// GetChainBalance returns the user's on-chain balance read from the contract.
// GET /api/users/{id}/balance/chain
func (h *UserHandler) GetChainBalance(w http.ResponseWriter, r *http.Request) {
	id := pathParam(r, "id")
	if id == "" {
		writeError(w, http.StatusBadRequest, "missing user id")
		return
	}

	balance, err := h.users.ChainBalance(r.Context(), id)
	if err != nil {
		writeDomainError(w, r, h.logger, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"user_id": id,
		"balance": balance,
	})
}
