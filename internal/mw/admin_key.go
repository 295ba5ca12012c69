package mw

import (
	"crypto/subtle"
	"net/http"

	"github.com/3xpluto/go-ratelimiter/internal/httpx"
)

const AdminKeyHeader = "X-Admin-Key"

func RequireAdminKey(adminKey string, next http.Handler) http.Handler {
	// No key configured: the admin endpoints do not exist.
	if adminKey == "" {
		return http.NotFoundHandler()
	}
	want := []byte(adminKey)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if subtle.ConstantTimeCompare([]byte(r.Header.Get(AdminKeyHeader)), want) != 1 {
			httpx.WriteError(w, http.StatusUnauthorized, "unauthorized", nil)
			return
		}
		next.ServeHTTP(w, r)
	})
}
