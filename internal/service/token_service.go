package service

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/relaycrm/crm-api/internal/models"
	appErrors "github.com/relaycrm/crm-api/pkg/errors"
)

// TokenConfig holds signing material and lifetimes for both token types.
// Secrets are read-only after startup; there is no per-request override.
type TokenConfig struct {
	AccessSecret  string
	RefreshSecret string
	AccessExpiry  time.Duration
	RefreshExpiry time.Duration
	Issuer        string
	Audience      []string
}

// TokenService issues and verifies signed, time-bounded access and refresh
// tokens. Access tokens sign with HS256 and the access secret, refresh tokens
// with HS512 and the refresh secret, so a token of one type can never pass
// verification as the other. Verification is pure: it depends only on the
// token, the configured secrets and the clock. Revocation is layered on top
// by the session store, not here.
type TokenService struct {
	config TokenConfig
	now    func() time.Time
}

// NewTokenService constructs a TokenService.
func NewTokenService(config TokenConfig) *TokenService {
	return &TokenService{config: config, now: time.Now}
}

// GenerateAccessToken signs a short-lived access token carrying the user's
// identity and the given jti.
func (s *TokenService) GenerateAccessToken(user *models.User, jti string) (string, error) {
	issuedAt := s.now().UTC()
	claims := &models.AccessClaims{
		UserID:    user.ID,
		TenantID:  user.TenantID,
		RoleID:    user.RoleID,
		Email:     user.Email,
		TokenType: models.TokenTypeAccess,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        jti,
			Issuer:    s.config.Issuer,
			Subject:   user.ID,
			Audience:  s.config.Audience,
			ExpiresAt: jwt.NewNumericDate(issuedAt.Add(s.config.AccessExpiry)),
			IssuedAt:  jwt.NewNumericDate(issuedAt),
			NotBefore: jwt.NewNumericDate(issuedAt),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(s.config.AccessSecret))
	if err != nil {
		return "", fmt.Errorf("sign access token: %w", err)
	}
	return signed, nil
}

// GenerateRefreshToken signs a long-lived refresh token sharing the jti of
// the access token issued alongside it.
func (s *TokenService) GenerateRefreshToken(user *models.User, jti string) (string, error) {
	issuedAt := s.now().UTC()
	claims := &models.RefreshClaims{
		UserID:    user.ID,
		TenantID:  user.TenantID,
		TokenType: models.TokenTypeRefresh,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        jti,
			Issuer:    s.config.Issuer,
			Subject:   user.ID,
			Audience:  s.config.Audience,
			ExpiresAt: jwt.NewNumericDate(issuedAt.Add(s.config.RefreshExpiry)),
			IssuedAt:  jwt.NewNumericDate(issuedAt),
			NotBefore: jwt.NewNumericDate(issuedAt),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS512, claims)
	signed, err := token.SignedString([]byte(s.config.RefreshSecret))
	if err != nil {
		return "", fmt.Errorf("sign refresh token: %w", err)
	}
	return signed, nil
}

// GenerateTokenPair issues an access/refresh pair tied together by a fresh
// jti. ExpiresIn is the access-token lifetime in milliseconds.
func (s *TokenService) GenerateTokenPair(user *models.User) (*models.TokenPair, string, error) {
	jti := uuid.NewString()

	accessToken, err := s.GenerateAccessToken(user, jti)
	if err != nil {
		return nil, "", err
	}

	refreshToken, err := s.GenerateRefreshToken(user, jti)
	if err != nil {
		return nil, "", err
	}

	return &models.TokenPair{
		AccessToken:  accessToken,
		RefreshToken: refreshToken,
		ExpiresIn:    s.config.AccessExpiry.Milliseconds(),
	}, jti, nil
}

// VerifyAccessToken validates signature, expiry, issuer, audience and type
// tag of an access token.
func (s *TokenService) VerifyAccessToken(tokenString string) (*models.AccessClaims, error) {
	claims := &models.AccessClaims{}
	if err := s.parse(tokenString, claims, jwt.SigningMethodHS256.Name, s.config.AccessSecret, true); err != nil {
		return nil, err
	}
	if claims.TokenType != models.TokenTypeAccess {
		return nil, appErrors.Clone(appErrors.ErrTokenTypeMismatch, "")
	}
	return claims, nil
}

// VerifyRefreshToken validates signature, expiry, issuer, audience and type
// tag of a refresh token.
func (s *TokenService) VerifyRefreshToken(tokenString string) (*models.RefreshClaims, error) {
	claims := &models.RefreshClaims{}
	if err := s.parse(tokenString, claims, jwt.SigningMethodHS512.Name, s.config.RefreshSecret, true); err != nil {
		return nil, err
	}
	if claims.TokenType != models.TokenTypeRefresh {
		return nil, appErrors.Clone(appErrors.ErrTokenTypeMismatch, "")
	}
	return claims, nil
}

// VerifyRefreshTokenSignature checks signature and type but skips claim
// validation, so an already-expired refresh token still resolves to its jti.
// Logout uses this; nothing else should.
func (s *TokenService) VerifyRefreshTokenSignature(tokenString string) (*models.RefreshClaims, error) {
	claims := &models.RefreshClaims{}
	if err := s.parse(tokenString, claims, jwt.SigningMethodHS512.Name, s.config.RefreshSecret, false); err != nil {
		return nil, err
	}
	if claims.TokenType != models.TokenTypeRefresh {
		return nil, appErrors.Clone(appErrors.ErrTokenTypeMismatch, "")
	}
	return claims, nil
}

// Decode extracts claims without verifying the signature. It returns nil on
// malformed input and must never be used to authorize anything; it exists for
// logging and introspection only.
func (s *TokenService) Decode(tokenString string) *models.AccessClaims {
	claims := &models.AccessClaims{}
	parser := jwt.NewParser()
	if _, _, err := parser.ParseUnverified(tokenString, claims); err != nil {
		return nil
	}
	return claims
}

func (s *TokenService) parse(tokenString string, claims jwt.Claims, method, secret string, validateClaims bool) error {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{method}),
		jwt.WithTimeFunc(func() time.Time { return s.now() }),
	}
	if s.config.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(s.config.Issuer))
	}
	if len(s.config.Audience) > 0 {
		opts = append(opts, jwt.WithAudience(s.config.Audience[0]))
	}
	if !validateClaims {
		opts = append(opts, jwt.WithoutClaimsValidation())
	}

	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		return []byte(secret), nil
	}, opts...)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return appErrors.Wrap(err, appErrors.ErrTokenExpired.Code, appErrors.ErrTokenExpired.Status, appErrors.ErrTokenExpired.Message)
		}
		return appErrors.Wrap(err, appErrors.ErrInvalidToken.Code, appErrors.ErrInvalidToken.Status, appErrors.ErrInvalidToken.Message)
	}
	if !token.Valid {
		return appErrors.Clone(appErrors.ErrInvalidToken, "")
	}
	return nil
}
