// Command token mints HS256 bearer tokens for calling ratelimitd locally.
package main

import (
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func main() {
	var (
		secret string
		sub    string
		issuer string
		ttl    time.Duration
	)
	flag.StringVar(&secret, "secret", "dev-secret", "HS256 secret, must match auth.hmac_secret")
	flag.StringVar(&sub, "sub", "user_123", "subject claim; becomes the rate limit key when a check omits one")
	flag.StringVar(&issuer, "iss", "", "optional issuer claim")
	flag.DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime")
	flag.Parse()

	now := time.Now()
	claims := jwt.RegisteredClaims{
		Subject:   sub,
		Issuer:    issuer,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}
	s, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	fmt.Println(s)
}
