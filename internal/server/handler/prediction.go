package handler

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/updownlive/updown-engine/internal/domain"
	"github.com/updownlive/updown-engine/internal/server/middleware"
	"github.com/updownlive/updown-engine/internal/service"
)

// PredictionService defines the bet methods the prediction handler requires
// from the service layer.
type PredictionService interface {
	Submit(ctx context.Context, req service.SubmitRequest) (domain.Prediction, error)
	Get(ctx context.Context, id string) (domain.Prediction, error)
	ListByRound(ctx context.Context, roundID string) ([]domain.Prediction, error)
	ListByUser(ctx context.Context, userID string, opts domain.ListOpts) ([]domain.Prediction, error)
}

// PredictionHandler serves bet submission and query endpoints.
type PredictionHandler struct {
	predictions PredictionService
	logger      *slog.Logger
}

// NewPredictionHandler creates a PredictionHandler with the given service and
// logger.
func NewPredictionHandler(predictions PredictionService, logger *slog.Logger) *PredictionHandler {
	return &PredictionHandler{
		predictions: predictions,
		logger:      logger,
	}
}

// submitBetRequest is the JSON body for placing a bet. SignKey is the user's
// transient signing key for the contract leg; it is never persisted or
// echoed back.
type submitBetRequest struct {
	Amount  float64 `json:"amount"`
	Side    string  `json:"side"`
	SignKey string  `json:"sign_key,omitempty"`
}

// SubmitBet places a bet on the current round for the authenticated user.
// POST /api/bets
func (h *PredictionHandler) SubmitBet(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.UserIDFrom(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "missing user identity")
		return
	}

	var req submitBetRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	pred, err := h.predictions.Submit(r.Context(), service.SubmitRequest{
		UserID:  userID,
		Amount:  req.Amount,
		Side:    domain.Side(req.Side),
		SignKey: req.SignKey,
	})
	if err != nil {
		writeDomainError(w, r, h.logger, err)
		return
	}

	h.logger.InfoContext(r.Context(), "handler: bet placed",
		slog.String("prediction_id", pred.ID),
		slog.String("round_id", pred.RoundID),
		slog.String("side", string(pred.Side)),
	)
	writeJSON(w, http.StatusCreated, renderPrediction(pred))
}

// GetBet returns a single prediction by its ID.
// GET /api/bets/{id}
func (h *PredictionHandler) GetBet(w http.ResponseWriter, r *http.Request) {
	id := pathParam(r, "id")
	if id == "" {
		writeError(w, http.StatusBadRequest, "missing bet id")
		return
	}

	pred, err := h.predictions.Get(r.Context(), id)
	if err != nil {
		writeDomainError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, renderPrediction(pred))
}

// listBetsResponse wraps prediction lists.
type listBetsResponse struct {
	Bets []predictionJSON `json:"bets"`
}

// ListRoundBets returns every prediction on a round.
// GET /api/rounds/{id}/bets
func (h *PredictionHandler) ListRoundBets(w http.ResponseWriter, r *http.Request) {
	id := pathParam(r, "id")
	if id == "" {
		writeError(w, http.StatusBadRequest, "missing round id")
		return
	}

	preds, err := h.predictions.ListByRound(r.Context(), id)
	if err != nil {
		writeDomainError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, listBetsResponse{Bets: renderPredictions(preds)})
}

// ListUserBets returns a user's predictions, newest first.
// GET /api/users/{id}/bets?limit=50&offset=0
func (h *PredictionHandler) ListUserBets(w http.ResponseWriter, r *http.Request) {
	id := pathParam(r, "id")
	if id == "" {
		writeError(w, http.StatusBadRequest, "missing user id")
		return
	}

	preds, err := h.predictions.ListByUser(r.Context(), id, parseListOpts(r))
	if err != nil {
		writeDomainError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, listBetsResponse{Bets: renderPredictions(preds)})
}
