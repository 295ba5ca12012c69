package mw

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/pkg/errors"
)

var (
	ErrMissingToken = errors.New("missing bearer token")
	ErrInvalidToken = errors.New("invalid token")
)

type subjectKeyType string

const subjectKey subjectKeyType = "sub"

// Authenticator validates HS256 bearer tokens and yields their subject.
type Authenticator struct {
	HMACSecret []byte
	Leeway     time.Duration
}

func (a Authenticator) ValidateBearer(r *http.Request) (string, error) {
	authz := r.Header.Get("Authorization")
	if !strings.HasPrefix(authz, "Bearer ") {
		return "", ErrMissingToken
	}
	tokStr := strings.TrimSpace(strings.TrimPrefix(authz, "Bearer "))
	if tokStr == "" {
		return "", ErrMissingToken
	}

	var claims jwt.RegisteredClaims
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithLeeway(a.Leeway),
	)
	tok, err := parser.ParseWithClaims(tokStr, &claims, func(*jwt.Token) (any, error) {
		return a.HMACSecret, nil
	})
	if err != nil || !tok.Valid {
		return "", errors.Wrap(ErrInvalidToken, errMessage(err))
	}
	if claims.Subject == "" {
		return "", errors.Wrap(ErrInvalidToken, "missing sub")
	}
	return claims.Subject, nil
}

func errMessage(err error) string {
	if err == nil {
		return "not valid"
	}
	return err.Error()
}

func WithSubject(ctx context.Context, sub string) context.Context {
	return context.WithValue(ctx, subjectKey, sub)
}

func Subject(ctx context.Context) (string, bool) {
	v, ok := ctx.Value(subjectKey).(string)
	return v, ok && v != ""
}
