package auth

import (
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// expiryMargin is subtracted from the token's exp claim so a refresh happens
// before the server starts rejecting the token.
const expiryMargin = 60 * time.Second

// TokenNeedsRefresh reports whether an access token's exp claim falls within
// the safety margin. Malformed tokens report false: the token is used as-is
// and the server rejects it if truly invalid. This check only decides when
// to refresh; it performs no signature verification.
func TokenNeedsRefresh(accessToken string) bool {
	parser := jwt.NewParser()
	claims := jwt.MapClaims{}
	if _, _, err := parser.ParseUnverified(accessToken, claims); err != nil {
		return false
	}

	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return false
	}
	return time.Now().After(exp.Time.Add(-expiryMargin))
}
