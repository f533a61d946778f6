// Package token inspects bearer tokens client-side. Decoding here is
// best-effort introspection for expiry arithmetic; the server stays the
// source of truth for signature validity.
package token

import (
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/vishaldhakal/nisimatsuya-client/internal/clock"
)

// RefreshThreshold is the window before expiry during which a proactive
// refresh is due.
const RefreshThreshold = 5 * time.Minute

// Decode extracts the claims of a token without verifying its signature.
// Returns false on any malformed input.
func Decode(tokenString string) (jwt.MapClaims, bool) {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(tokenString, claims); err != nil {
		return nil, false
	}
	return claims, true
}

// IsExpired reports whether the token's exp claim is in the past. A token
// that cannot be decoded, or that carries no exp claim, counts as expired.
func IsExpired(clk clock.Clock, tokenString string) bool {
	exp, ok := expiresAt(tokenString)
	if !ok {
		return true
	}
	return clk.Now().After(exp)
}

// ShouldRefresh reports whether the token is within RefreshThreshold of
// expiry. Undecodable tokens always want a refresh.
func ShouldRefresh(clk clock.Clock, tokenString string) bool {
	exp, ok := expiresAt(tokenString)
	if !ok {
		return true
	}
	return !exp.After(clk.Now().Add(RefreshThreshold))
}

// ExpiresAt returns the token's expiry instant, false when the token is
// undecodable or has no exp claim.
func ExpiresAt(tokenString string) (time.Time, bool) {
	return expiresAt(tokenString)
}

func expiresAt(tokenString string) (time.Time, bool) {
	claims, ok := Decode(tokenString)
	if !ok {
		return time.Time{}, false
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return time.Time{}, false
	}
	return exp.Time, true
}
