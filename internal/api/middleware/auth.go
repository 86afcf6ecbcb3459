package middleware

import (
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/clawroute/clawroute/pkg/models"
)

// TokenAuth enforces bearer-token auth: when a token is configured, every
// /v1/* and /api/* request must present Authorization: Bearer <token>
// (case-insensitive scheme) or ?token=<token>, else HTTP 401. An empty
// token means "open on localhost" — the middleware becomes a pass-through.
type TokenAuth struct {
	token string
}

func NewTokenAuth(token string) *TokenAuth {
	return &TokenAuth{token: token}
}

var publicPaths = map[string]bool{
	"/health":  true,
	"/version": true,
}

func (a *TokenAuth) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if a.token == "" || publicPaths[r.URL.Path] {
			next.ServeHTTP(w, r)
			return
		}

		presented := extractToken(r)
		if presented == "" || subtle.ConstantTimeCompare([]byte(presented), []byte(a.token)) != 1 {
			writeUnauthorized(w)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func extractToken(r *http.Request) string {
	if auth := r.Header.Get("Authorization"); auth != "" {
		if len(auth) > 7 && strings.EqualFold(auth[:7], "bearer ") {
			return strings.TrimSpace(auth[7:])
		}
	}
	return r.URL.Query().Get("token")
}

func writeUnauthorized(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("WWW-Authenticate", `Bearer realm="clawroute"`)
	w.WriteHeader(http.StatusUnauthorized)
	json.NewEncoder(w).Encode(models.APIError{Error: models.APIErrorDetail{
		Message: "missing or invalid authentication token",
		Type:    "invalid_request_error",
		Code:    "unauthorized",
	}})
}
