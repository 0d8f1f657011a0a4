package realtime

import (
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// tokenExpiry reads the exp claim of a JWT without verifying its signature.
// ok is false for tokens that are not JWTs or carry no exp.
func tokenExpiry(token string) (exp time.Time, ok bool) {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return time.Time{}, false
	}
	expiresAt, err := claims.GetExpirationTime()
	if err != nil || expiresAt == nil {
		return time.Time{}, false
	}
	return expiresAt.Time, true
}

// checkToken rejects JWTs that have already expired
func checkToken(token string, now time.Time) error {
	if token == "" {
		return nil
	}
	if exp, ok := tokenExpiry(token); ok && !exp.After(now) {
		return ErrTokenExpired
	}
	return nil
}
