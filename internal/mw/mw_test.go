package mw

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func signHS256(t *testing.T, secret string, claims jwt.RegisteredClaims) string {
	t.Helper()
	s, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	require.NoError(t, err)
	return s
}

func bearer(tok string) *http.Request {
	req := httptest.NewRequest(http.MethodPost, "/v1/check", nil)
	req.Header.Set("Authorization", "Bearer "+tok)
	return req
}

func TestAuthenticator_ValidateBearer(t *testing.T) {
	a := Authenticator{HMACSecret: []byte("s3cret")}
	future := jwt.NewNumericDate(time.Now().Add(time.Hour))

	sub, err := a.ValidateBearer(bearer(signHS256(t, "s3cret", jwt.RegisteredClaims{Subject: "user_1", ExpiresAt: future})))
	require.NoError(t, err)
	assert.Equal(t, "user_1", sub)

	_, err = a.ValidateBearer(httptest.NewRequest(http.MethodGet, "/", nil))
	assert.ErrorIs(t, err, ErrMissingToken)

	_, err = a.ValidateBearer(bearer(signHS256(t, "other", jwt.RegisteredClaims{Subject: "user_1"})))
	assert.ErrorIs(t, err, ErrInvalidToken)

	_, err = a.ValidateBearer(bearer(signHS256(t, "s3cret", jwt.RegisteredClaims{ExpiresAt: future})))
	assert.ErrorIs(t, err, ErrInvalidToken)

	past := jwt.NewNumericDate(time.Now().Add(-time.Hour))
	_, err = a.ValidateBearer(bearer(signHS256(t, "s3cret", jwt.RegisteredClaims{Subject: "user_1", ExpiresAt: past})))
	assert.ErrorIs(t, err, ErrInvalidToken)

	none, err := jwt.NewWithClaims(jwt.SigningMethodNone, jwt.RegisteredClaims{Subject: "user_1"}).SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)
	_, err = a.ValidateBearer(bearer(none))
	assert.ErrorIs(t, err, ErrInvalidToken)
}

type stubAuth struct {
	sub string
	err error
}

func (s stubAuth) ValidateBearer(*http.Request) (string, error) { return s.sub, s.err }

func TestRequireAndOptionalAuth(t *testing.T) {
	var got string
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got, _ = Subject(r.Context())
	})

	rec := httptest.NewRecorder()
	RequireAuth(stubAuth{err: ErrMissingToken}, next).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("WWW-Authenticate"))

	rec = httptest.NewRecorder()
	RequireAuth(stubAuth{sub: "alice"}, next).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "alice", got)

	got = "unset"
	rec = httptest.NewRecorder()
	OptionalAuth(stubAuth{err: ErrInvalidToken}, next).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "", got)
}

func TestRequestID(t *testing.T) {
	var seen string
	h := RequestID(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = RID(r.Context())
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Len(t, seen, 36)
	assert.Equal(t, seen, rec.Header().Get("X-Request-Id"))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-Request-Id", "abc-123")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, "abc-123", seen)

	req.Header.Set("X-Request-Id", strings.Repeat("x", 500))
	h.ServeHTTP(httptest.NewRecorder(), req)
	assert.Len(t, seen, 36)
}

func TestRequireAdminKey(t *testing.T) {
	h := RequireAdminKey("k3y", okHandler)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/-/status", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	req := httptest.NewRequest(http.MethodGet, "/-/status", nil)
	req.Header.Set(AdminKeyHeader, "k3y")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = httptest.NewRecorder()
	RequireAdminKey("", okHandler).ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestRecover_LogsAndAnswers500(t *testing.T) {
	var logs bytes.Buffer
	h := Recover(zerolog.New(&logs), http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic(errors.New("kaboom"))
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.JSONEq(t, `{"error":"internal_error"}`, rec.Body.String())
	assert.Contains(t, logs.String(), "kaboom")
}

func TestMaxBodyBytes(t *testing.T) {
	h := MaxBodyBytes(8, okHandler)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"key":"far too long"}`)))
	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{}`)))
	assert.Equal(t, http.StatusNoContent, rec.Code)
}

func TestConcurrencyLimit(t *testing.T) {
	sem := NewSemaphore(1)
	release := make(chan struct{})
	entered := make(chan struct{})
	h := ConcurrencyLimit(sem, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		close(entered)
		<-release
	}))

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))
	}()
	<-entered
	assert.Equal(t, 1, sem.InUse())

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "1", rec.Header().Get("Retry-After"))

	close(release)
	wg.Wait()
	assert.Equal(t, 0, sem.InUse())

	assert.False(t, NewSemaphore(0).Enabled())
	assert.True(t, (*Semaphore)(nil).TryAcquire())
}

func TestInstrumentAndAccessLog(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)
	var logs bytes.Buffer

	h := WithRoute(Instrument(m, AccessLog(zerolog.New(&logs), okHandler)), "check")
	h = RequestID(h)
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodPost, "/v1/check", nil))

	assert.Equal(t, 1.0, testutil.ToFloat64(m.Requests.WithLabelValues("check", http.MethodPost, "204")))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.InFlight))
	assert.Contains(t, logs.String(), `"route":"check"`)
	assert.Contains(t, logs.String(), `"status":204`)
}
