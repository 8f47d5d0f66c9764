package transport

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Grants is the grant set carried by chat access tokens.
type Grants struct {
	Identity string `json:"identity,omitempty"`
}

// AccessClaims are the claims of a chat access token.
type AccessClaims struct {
	Grants Grants `json:"grants"`
	jwt.RegisteredClaims
}

// TokenInfo is what a client can learn from a token without verifying it.
type TokenInfo struct {
	Identity  string
	ExpiresAt time.Time
}

// ParseClaims decodes token without checking its signature. The backend is
// the only party able to verify it; clients only need the expiry to schedule
// a refresh.
func ParseClaims(token string) (TokenInfo, error) {
	var claims AccessClaims
	if _, _, err := jwt.NewParser().ParseUnverified(token, &claims); err != nil {
		return TokenInfo{}, fmt.Errorf("failed to parse token claims: %w", err)
	}

	info := TokenInfo{Identity: claims.Grants.Identity}
	if info.Identity == "" {
		info.Identity = claims.Subject
	}
	if claims.ExpiresAt != nil {
		info.ExpiresAt = claims.ExpiresAt.Time
	}
	return info, nil
}
