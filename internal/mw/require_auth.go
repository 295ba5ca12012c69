package mw

import (
	"net/http"

	"github.com/3xpluto/go-ratelimiter/internal/httpx"
)

type AuthHandler interface {
	ValidateBearer(r *http.Request) (string, error)
}

func RequireAuth(auth AuthHandler, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sub, err := auth.ValidateBearer(r)
		if err != nil {
			w.Header().Set("WWW-Authenticate", `Bearer realm="ratelimitd"`)
			httpx.WriteError(w, http.StatusUnauthorized, "unauthorized", nil)
			return
		}
		next.ServeHTTP(w, r.WithContext(WithSubject(r.Context(), sub)))
	})
}

// OptionalAuth attaches the subject of a valid token and lets anonymous
// callers through unchanged.
func OptionalAuth(auth AuthHandler, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sub, err := auth.ValidateBearer(r)
		if err != nil {
			next.ServeHTTP(w, r)
			return
		}
		next.ServeHTTP(w, r.WithContext(WithSubject(r.Context(), sub)))
	})
}
