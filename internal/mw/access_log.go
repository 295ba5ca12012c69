package mw

import (
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/3xpluto/go-ratelimiter/internal/httpx"
)

func AccessLog(log zerolog.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sw := &httpx.StatusWriter{ResponseWriter: w}
		start := time.Now()
		next.ServeHTTP(sw, r)

		ev := log.Info()
		if sw.Code() >= http.StatusInternalServerError {
			ev = log.Error()
		}
		if sub, ok := Subject(r.Context()); ok {
			ev = ev.Str("sub", sub)
		}
		ev.Str("rid", RID(r.Context())).
			Str("route", RouteName(r.Context())).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Str("remote", r.RemoteAddr).
			Int("status", sw.Code()).
			Int("bytes", sw.Bytes).
			Dur("duration", time.Since(start)).
			Msg("http_request")
	})
}
