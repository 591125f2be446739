package models

import (
	"github.com/golang-jwt/jwt/v5"
)

// TokenType discriminates access from refresh tokens. Verification checks
// the tag explicitly; a token of one type never verifies as the other.
type TokenType string

const (
	TokenTypeAccess  TokenType = "access"
	TokenTypeRefresh TokenType = "refresh"
)

// RegisterRequest holds the payload for creating a tenant-scoped account.
type RegisterRequest struct {
	TenantID  string `json:"tenant_id" validate:"required"`
	Email     string `json:"email" validate:"required,email"`
	Password  string `json:"password" validate:"required,min=8"`
	FirstName string `json:"first_name" validate:"required"`
	LastName  string `json:"last_name" validate:"required"`
	IP        string `json:"-"`
	UserAgent string `json:"-"`
}

// LoginRequest holds credentials for authenticating a user within a tenant.
type LoginRequest struct {
	TenantID  string `json:"tenant_id" validate:"required"`
	Email     string `json:"email" validate:"required,email"`
	Password  string `json:"password" validate:"required"`
	IP        string `json:"-"`
	UserAgent string `json:"-"`
}

// RefreshRequest exchanges a refresh token for a new access token.
type RefreshRequest struct {
	RefreshToken string `json:"refresh_token" validate:"required"`
	IP           string `json:"-"`
	UserAgent    string `json:"-"`
}

// TokenPair bundles the issued tokens. ExpiresIn is the access-token
// lifetime in milliseconds.
type TokenPair struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int64  `json:"expires_in"`
}

// AuthResponse returns the authenticated user and issued tokens.
type AuthResponse struct {
	User   UserInfo  `json:"user"`
	Tokens TokenPair `json:"tokens"`
}

// RefreshResponse returns the refreshed access token. RefreshToken is only
// populated when rotation is enabled.
type RefreshResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token,omitempty"`
	ExpiresIn    int64  `json:"expires_in"`
}

// UserInfo describes the authenticated user in responses.
type UserInfo struct {
	ID        string `json:"id"`
	TenantID  string `json:"tenant_id"`
	Email     string `json:"email"`
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`
	RoleID    string `json:"role_id"`
}

// AccessClaims is the JWT payload for access tokens. The jti lives in
// RegisteredClaims.ID and pairs the token with its refresh counterpart.
type AccessClaims struct {
	UserID    string    `json:"user_id"`
	TenantID  string    `json:"tenant_id"`
	RoleID    string    `json:"role_id"`
	Email     string    `json:"email"`
	TokenType TokenType `json:"token_type"`
	jwt.RegisteredClaims
}

// RefreshClaims is the JWT payload for refresh tokens. It carries the same
// jti as the access token issued alongside it.
type RefreshClaims struct {
	UserID    string    `json:"user_id"`
	TenantID  string    `json:"tenant_id"`
	TokenType TokenType `json:"token_type"`
	jwt.RegisteredClaims
}
