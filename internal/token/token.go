// Package token issues, refreshes and validates bearer tokens. Access
// tokens are stateless signed assertions carrying their scopes; refresh
// tokens are backed by server-held records so scopes can be revoked without
// re-issuing the token.
package token

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"authcore.io/internal/scope"
)

var (
	ErrTokenInvalid            = errors.New("token: invalid")
	ErrTokenNotFound           = errors.New("token: not found")
	ErrTokenDisabled           = errors.New("token: disabled")
	ErrTokenExpired            = errors.New("token: expired")
	ErrTokenNotRefresh         = errors.New("token: not a refresh token")
	ErrIdentityNotFound        = errors.New("token: identity not found")
	ErrIdentityNotActive       = errors.New("token: identity not active")
	ErrIdentityUnauthenticated = errors.New("token: identity can no longer hold the token's scopes")
	ErrUnauthorized            = errors.New("token: requested scopes exceed the identity's grants")
	ErrOAuth2NotConfigured     = errors.New("token: oauth2 exchange not configured")
)

// Claims is the signed token payload. Refresh tokens carry the same
// envelope with an empty scope list; their authoritative scopes live only
// in the server-held record.
type Claims struct {
	Namespace string        `json:"ns"`
	Scopes    []scope.Scope `json:"scopes"`
	Refresh   bool          `json:"refresh"`
	jwt.RegisteredClaims
}

// Record is the server-held state of a refresh token. Scopes are embedded
// at issuance for audit and refresh-time re-validation, not re-derived.
type Record struct {
	Namespace string            `json:"namespace"`
	ID        string            `json:"id"`
	Identity  string            `json:"identity"`
	Scopes    []scope.Scope     `json:"scopes"`
	Disabled  bool              `json:"disabled"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	Version   int64             `json:"version"`
	ExpiresAt time.Time         `json:"expires_at"`
	CreatedAt time.Time         `json:"created_at"`
}

// Pair is the result of token issuance.
type Pair struct {
	AccessToken      string    `json:"access_token"`
	RefreshToken     string    `json:"refresh_token"`
	AccessExpiresAt  time.Time `json:"access_expires_at"`
	RefreshExpiresAt time.Time `json:"refresh_expires_at"`
	Record           Record    `json:"record"`
}
