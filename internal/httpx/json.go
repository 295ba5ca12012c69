package httpx

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/3xpluto/go-ratelimiter/internal/ratelimit"
)

func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// WriteError sends {"error": code} plus any extra fields.
func WriteError(w http.ResponseWriter, status int, code string, extra map[string]any) {
	body := map[string]any{"error": code}
	for k, v := range extra {
		body[k] = v
	}
	WriteJSON(w, status, body)
}

// SetRateLimitHeaders describes res with the X-RateLimit-* headers, and
// Retry-After when the call was denied.
func SetRateLimitHeaders(h http.Header, res ratelimit.Result) {
	h.Set("X-RateLimit-Limit", strconv.FormatInt(res.Limit, 10))
	h.Set("X-RateLimit-Remaining", strconv.FormatInt(res.Remaining, 10))
	if !res.ResetAt.IsZero() {
		h.Set("X-RateLimit-Reset", strconv.FormatInt(res.ResetAt.Unix(), 10))
	}
	if res.ExceededTier != "" {
		h.Set("X-RateLimit-Tier", res.ExceededTier)
	}
	if !res.Allowed {
		h.Set("Retry-After", strconv.Itoa(RetryAfterSeconds(res)))
	}
}

// RetryAfterSeconds is res.RetryAfter in whole seconds, at least 1 for a
// denial so clients never retry in a tight loop.
func RetryAfterSeconds(res ratelimit.Result) int {
	if res.Allowed {
		return 0
	}
	secs := int((res.RetryAfter + time.Second - 1) / time.Second)
	if secs < 1 {
		secs = 1
	}
	return secs
}
