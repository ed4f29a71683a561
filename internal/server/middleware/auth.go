package middleware

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/updownlive/updown-engine/internal/crypto"
)

// maxAuthBodySize bounds how much of a request body the admin middleware
// buffers for signature verification.
const maxAuthBodySize = 1 << 20 // 1 MiB

type contextKey string

const (
	userIDKey  contextKey = "user_id"
	accountKey contextKey = "account"
)

// UserIDFrom returns the authenticated user ID stored by UserAuth.
func UserIDFrom(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(userIDKey).(string)
	return id, ok && id != ""
}

// AccountFrom returns the verified on-chain account stored by UserAuth when
// the request carried a signed identity proof.
func AccountFrom(ctx context.Context) (string, bool) {
	addr, ok := ctx.Value(accountKey).(string)
	return addr, ok && addr != ""
}

// AdminAuth returns middleware that validates the HMAC-signed admin headers
// (key, timestamp, signature over method+path+body). If auth is nil, the
// middleware passes all requests through (disabled).
func AdminAuth(auth *crypto.AdminAuth) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if auth == nil {
				next.ServeHTTP(w, r)
				return
			}

			key := r.Header.Get(crypto.HeaderAdminKey)
			ts := r.Header.Get(crypto.HeaderAdminTimestamp)
			sig := r.Header.Get(crypto.HeaderAdminSignature)
			if key == "" || ts == "" || sig == "" {
				writeUnauthorized(w, "missing admin authentication headers")
				return
			}

			// The body participates in the signature, so buffer it and hand
			// the handler a replayable copy.
			body, err := io.ReadAll(io.LimitReader(r.Body, maxAuthBodySize))
			if err != nil {
				writeUnauthorized(w, "unreadable request body")
				return
			}
			r.Body.Close()
			r.Body = io.NopCloser(bytes.NewReader(body))

			if err := auth.Verify(key, ts, sig, r.Method, r.URL.Path, string(body), time.Now()); err != nil {
				writeUnauthorized(w, "invalid admin signature")
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// userAuthSkew bounds how stale a signed identity proof may be.
const userAuthSkew = 30 * time.Second

// Signed user identity headers. Account, timestamp, and nonce are the signed
// message fields; the signature must recover to the claimed account.
const (
	HeaderUserAccount   = "X-Updown-Account"
	HeaderUserTimestamp = "X-Updown-Auth-Timestamp"
	HeaderUserNonce     = "X-Updown-Auth-Nonce"
	HeaderUserSignature = "X-Updown-Auth-Signature"
)

// UserAuth returns middleware that establishes the caller's identity for user
// endpoints. A Bearer token carrying the user ID is required. When the
// request also claims an on-chain account, the signed proof headers must
// verify against that account.
func UserAuth(chainID int64) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			userID := extractBearer(r)
			if userID == "" {
				writeUnauthorized(w, "missing bearer token")
				return
			}

			ctx := context.WithValue(r.Context(), userIDKey, userID)

			if account := r.Header.Get(HeaderUserAccount); account != "" {
				verified, err := verifyAccountProof(r, chainID, account)
				if err != nil || !verified {
					writeUnauthorized(w, "invalid account signature")
					return
				}
				ctx = context.WithValue(ctx, accountKey, account)
			}

			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// verifyAccountProof checks the signed identity headers: timestamp within
// skew and a signature recovering to the claimed account.
func verifyAccountProof(r *http.Request, chainID int64, account string) (bool, error) {
	ts, err := strconv.ParseInt(r.Header.Get(HeaderUserTimestamp), 10, 64)
	if err != nil {
		return false, err
	}
	nonce, err := strconv.ParseInt(r.Header.Get(HeaderUserNonce), 10, 64)
	if err != nil {
		return false, err
	}

	drift := time.Since(time.Unix(ts, 0))
	if drift < -userAuthSkew || drift > userAuthSkew {
		return false, nil
	}

	recovered, err := crypto.RecoverAuthAddress(int(chainID), account, ts, nonce, r.Header.Get(HeaderUserSignature))
	if err != nil {
		return false, err
	}
	return strings.EqualFold(recovered.Hex(), account), nil
}

// extractBearer returns the Bearer token from the Authorization header, or
// an empty string when absent.
func extractBearer(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if auth == "" {
		return ""
	}
	parts := strings.SplitN(auth, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}

// writeUnauthorized sends a 401 response with a JSON error body.
func writeUnauthorized(w http.ResponseWriter, msg string) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(http.StatusUnauthorized)
	w.Write([]byte(`{"error":"` + msg + `"}`))
}
