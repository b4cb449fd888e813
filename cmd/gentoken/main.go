// Package main mints HS256 bearer tokens for local runs and load tests
// against a gateway with auth enabled.
package main

import (
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func main() {
	sub := flag.String("sub", "loadtest-user", "token subject")
	iss := flag.String("iss", "https://auth.example.com", "token issuer")
	aud := flag.String("aud", "price-gateway", "token audience")
	scope := flag.String("scope", "prices:read", "space-separated scopes")
	ttl := flag.Duration("ttl", 2*time.Hour, "token lifetime")
	flag.Parse()

	secret := os.Getenv("JWT_SECRET")
	if secret == "" {
		fmt.Fprintln(os.Stderr, "error: JWT_SECRET is not set")
		os.Exit(1)
	}

	s, err := mint([]byte(secret), *sub, *iss, *aud, *scope, *ttl, time.Now())
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	fmt.Print(s)
}

func mint(secret []byte, sub, iss, aud, scope string, ttl time.Duration, now time.Time) (string, error) {
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub":   sub,
		"iss":   iss,
		"aud":   aud,
		"iat":   now.Unix(),
		"exp":   now.Add(ttl).Unix(),
		"scope": scope,
	})
	return token.SignedString(secret)
}
