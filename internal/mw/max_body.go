package mw

import (
	"net/http"

	"github.com/3xpluto/go-ratelimiter/internal/httpx"
)

func MaxBodyBytes(limit int64, next http.Handler) http.Handler {
	if limit <= 0 {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.ContentLength > limit {
			httpx.WriteError(w, http.StatusRequestEntityTooLarge, "request_too_large", map[string]any{
				"max_bytes": limit,
			})
			return
		}
		// chunked bodies fail while the handler decodes them
		r.Body = http.MaxBytesReader(w, r.Body, limit)
		next.ServeHTTP(w, r)
	})
}
