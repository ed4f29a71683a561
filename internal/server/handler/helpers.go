package handler

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/updownlive/updown-engine/internal/domain"
)

// writeJSON marshals v as JSON and writes it to the response with the given
// HTTP status code. If marshaling fails, it falls back to a plain-text 500.
func writeJSON(w http.ResponseWriter, status int, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		http.Error(w, `{"error":"internal server error"}`, http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	w.Write(data)
}

// writeError sends a JSON-formatted error response.
func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// errorBody is the JSON error envelope for typed failures.
type errorBody struct {
	Error     string `json:"error"`
	Code      string `json:"code,omitempty"`
	Retryable bool   `json:"retryable,omitempty"`
	TxRef     string `json:"tx_ref,omitempty"`
}

// writeDomainError maps domain failure types onto HTTP statuses. ServiceError
// severities map to the 4xx/5xx classes, ChainError per failure type with a
// retryable hint, and anything untyped falls through to a logged 500.
func writeDomainError(w http.ResponseWriter, r *http.Request, logger *slog.Logger, err error) {
	if svcErr, ok := domain.AsServiceError(err); ok {
		status := http.StatusInternalServerError
		switch svcErr.Severity {
		case domain.SeverityValidation:
			status = http.StatusBadRequest
		case domain.SeverityNotFound:
			status = http.StatusNotFound
		case domain.SeverityConflict:
			status = http.StatusConflict
		case domain.SeverityUnimplemented:
			status = http.StatusNotImplemented
		case domain.SeverityUnavailable:
			status = http.StatusServiceUnavailable
		}
		writeJSON(w, status, errorBody{Error: svcErr.Message, Code: svcErr.Code})
		return
	}

	var chainErr *domain.ChainError
	if errors.As(err, &chainErr) {
		// Only retryable failures get a 5xx that invites a retry; a bad
		// request or an underfunded account will fail the same way again.
		var status int
		switch chainErr.Type {
		case domain.ChainErrTimeout:
			status = http.StatusGatewayTimeout
		case domain.ChainErrTransient:
			status = http.StatusServiceUnavailable
		case domain.ChainErrValidation:
			status = http.StatusBadRequest
		case domain.ChainErrInsufficientFunds:
			status = http.StatusConflict
		default:
			status = http.StatusBadGateway
		}
		writeJSON(w, status, errorBody{
			Error:     chainErr.Message,
			Code:      string(chainErr.Type),
			Retryable: chainErr.Retryable,
			TxRef:     chainErr.TxHash,
		})
		return
	}

	if errors.Is(err, domain.ErrRateLimited) {
		w.Header().Set("Retry-After", "1")
		writeJSON(w, http.StatusTooManyRequests, errorBody{Error: "rate limit exceeded"})
		return
	}
	if errors.Is(err, domain.ErrNotFound) {
		writeJSON(w, http.StatusNotFound, errorBody{Error: "not found"})
		return
	}

	logger.ErrorContext(r.Context(), "handler: request failed",
		slog.String("method", r.Method),
		slog.String("path", r.URL.Path),
		slog.String("error", err.Error()),
	)
	writeJSON(w, http.StatusInternalServerError, errorBody{Error: "internal server error"})
}

// parseListOpts extracts standard pagination parameters from the query string.
// Defaults: limit=50 (max 500), offset=0.
func parseListOpts(r *http.Request) domain.ListOpts {
	q := r.URL.Query()

	limit := 50
	if v := q.Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	if limit > 500 {
		limit = 500
	}

	offset := 0
	if v := q.Get("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			offset = n
		}
	}

	return domain.ListOpts{
		Limit:  limit,
		Offset: offset,
	}
}

// pathParam extracts a named path parameter from the request using Go 1.22+
// built-in routing (http.Request.PathValue).
func pathParam(r *http.Request, name string) string {
	return r.PathValue(name)
}
