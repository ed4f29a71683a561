package handler

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/updownlive/updown-engine/internal/domain"
)

// RoundService defines the lifecycle methods the round handler requires from
// the service layer. It is declared locally so the handler package does not
// depend on the concrete service implementation.
type RoundService interface {
	Start(ctx context.Context, mode domain.RoundMode, startPrice float64, durationMinutes int) (domain.Round, error)
	GetCurrent(ctx context.Context) (domain.Round, error)
	Get(ctx context.Context, id string) (domain.Round, error)
	ListRecent(ctx context.Context, opts domain.ListOpts) ([]domain.Round, error)
	Lock(ctx context.Context, id string) (domain.Round, error)
	Cancel(ctx context.Context, id, reason string) error
}

// SettlementService defines the resolve operation the round handler requires.
type SettlementService interface {
	Resolve(ctx context.Context, roundID string, finalPrice float64) (domain.Settlement, error)
}

// RoundHandler serves round lifecycle HTTP endpoints.
type RoundHandler struct {
	rounds     RoundService
	settlement SettlementService
	// defaultDuration fills in the round length when the start request omits
	// it.
	defaultDuration int
	logger          *slog.Logger
}

// NewRoundHandler creates a RoundHandler with the given services and logger.
func NewRoundHandler(rounds RoundService, settlement SettlementService, defaultDurationMinutes int, logger *slog.Logger) *RoundHandler {
	return &RoundHandler{
		rounds:          rounds,
		settlement:      settlement,
		defaultDuration: defaultDurationMinutes,
		logger:          logger,
	}
}

// startRoundRequest is the JSON body for starting a round.
type startRoundRequest struct {
	Mode            string  `json:"mode"`
	StartPrice      float64 `json:"start_price"`
	DurationMinutes int     `json:"duration_minutes"`
}

// StartRound opens a new prediction round.
// POST /api/rounds
func (h *RoundHandler) StartRound(w http.ResponseWriter, r *http.Request) {
	var req startRoundRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	mode := domain.RoundMode(req.Mode)
	if req.Mode == "" {
		mode = domain.RoundModeUpDown
	}
	duration := req.DurationMinutes
	if duration == 0 {
		duration = h.defaultDuration
	}

	round, err := h.rounds.Start(r.Context(), mode, req.StartPrice, duration)
	if err != nil {
		writeDomainError(w, r, h.logger, err)
		return
	}

	h.logger.InfoContext(r.Context(), "handler: round started",
		slog.String("round_id", round.ID),
		slog.Time("end_time", round.EndTime),
	)
	writeJSON(w, http.StatusCreated, renderRound(round))
}

// GetCurrentRound returns the single open round.
// GET /api/rounds/current
func (h *RoundHandler) GetCurrentRound(w http.ResponseWriter, r *http.Request) {
	round, err := h.rounds.GetCurrent(r.Context())
	if err != nil {
		writeDomainError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, renderRound(round))
}

// GetRound returns a single round by its ID.
// GET /api/rounds/{id}
func (h *RoundHandler) GetRound(w http.ResponseWriter, r *http.Request) {
	id := pathParam(r, "id")
	if id == "" {
		writeError(w, http.StatusBadRequest, "missing round id")
		return
	}

	round, err := h.rounds.Get(r.Context(), id)
	if err != nil {
		writeDomainError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, renderRound(round))
}

// listRoundsResponse wraps the round history response.
type listRoundsResponse struct {
	Rounds []roundJSON `json:"rounds"`
	Limit  int         `json:"limit"`
	Offset int         `json:"offset"`
}

// ListRounds returns recent rounds, newest first.
// GET /api/rounds?limit=50&offset=0
func (h *RoundHandler) ListRounds(w http.ResponseWriter, r *http.Request) {
	opts := parseListOpts(r)

	rounds, err := h.rounds.ListRecent(r.Context(), opts)
	if err != nil {
		writeDomainError(w, r, h.logger, err)
		return
	}

	writeJSON(w, http.StatusOK, listRoundsResponse{
		Rounds: renderRounds(rounds),
		Limit:  opts.Limit,
		Offset: opts.Offset,
	})
}

// LockRound closes the betting window on an active round.
// POST /api/rounds/{id}/lock
func (h *RoundHandler) LockRound(w http.ResponseWriter, r *http.Request) {
	id := pathParam(r, "id")
	if id == "" {
		writeError(w, http.StatusBadRequest, "missing round id")
		return
	}

	round, err := h.rounds.Lock(r.Context(), id)
	if err != nil {
		writeDomainError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, renderRound(round))
}

// cancelRoundRequest is the JSON body for cancelling a round.
type cancelRoundRequest struct {
	Reason string `json:"reason"`
}

// CancelRound aborts a round and refunds every stake.
// POST /api/rounds/{id}/cancel
func (h *RoundHandler) CancelRound(w http.ResponseWriter, r *http.Request) {
	id := pathParam(r, "id")
	if id == "" {
		writeError(w, http.StatusBadRequest, "missing round id")
		return
	}

	var req cancelRoundRequest
	if r.Body != nil && r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
			return
		}
	}

	if err := h.rounds.Cancel(r.Context(), id, req.Reason); err != nil {
		writeDomainError(w, r, h.logger, err)
		return
	}

	h.logger.InfoContext(r.Context(), "handler: round cancelled",
		slog.String("round_id", id),
		slog.String("reason", req.Reason),
	)
	writeJSON(w, http.StatusOK, map[string]string{
		"status":   "cancelled",
		"round_id": id,
	})
}

// resolveRoundRequest is the JSON body for resolving a round.
type resolveRoundRequest struct {
	FinalPrice float64 `json:"final_price"`
}

// ResolveRound settles a locked round at the given final price.
// POST /api/rounds/{id}/resolve
func (h *RoundHandler) ResolveRound(w http.ResponseWriter, r *http.Request) {
	id := pathParam(r, "id")
	if id == "" {
		writeError(w, http.StatusBadRequest, "missing round id")
		return
	}

	var req resolveRoundRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	start := time.Now()
	st, err := h.settlement.Resolve(r.Context(), id, req.FinalPrice)
	if err != nil {
		writeDomainError(w, r, h.logger, err)
		return
	}

	h.logger.InfoContext(r.Context(), "handler: round resolved",
		slog.String("round_id", id),
		slog.Int("outcomes", len(st.Outcomes)),
		slog.Duration("duration", time.Since(start)),
	)
	writeJSON(w, http.StatusOK, renderSettlement(st))
}
