package sessioncache

import (
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Claims are the access-token fields the session layer displays.
type Claims struct {
	Subject   string
	Email     string
	Role      string
	ExpiresAt time.Time
}

// Expired reports whether the token carries an expiry in the past.
func (c Claims) Expired(now time.Time) bool {
	return !c.ExpiresAt.IsZero() && !now.Before(c.ExpiresAt)
}

// ParseClaims decodes an access token without verifying its signature;
// the auth service remains the authority on validity.
func ParseClaims(token string) (Claims, error) {
	mapClaims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, mapClaims); err != nil {
		return Claims{}, err
	}
	var claims Claims
	claims.Subject, _ = mapClaims.GetSubject()
	if exp, err := mapClaims.GetExpirationTime(); err == nil && exp != nil {
		claims.ExpiresAt = exp.Time
	}
	claims.Email, _ = mapClaims["email"].(string)
	claims.Role, _ = mapClaims["role"].(string)
	return claims, nil
}
