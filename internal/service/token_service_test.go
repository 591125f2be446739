package service

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relaycrm/crm-api/internal/models"
	appErrors "github.com/relaycrm/crm-api/pkg/errors"
)

func testTokenConfig() TokenConfig {
	return TokenConfig{
		AccessSecret:  "access_secret",
		RefreshSecret: "refresh_secret",
		AccessExpiry:  15 * time.Minute,
		RefreshExpiry: 7 * 24 * time.Hour,
		Issuer:        "relay-crm",
		Audience:      []string{"relay-crm-api"},
	}
}

func testUser() *models.User {
	return &models.User{
		ID:       "u1",
		TenantID: "t1",
		Email:    "a@x.com",
		RoleID:   "USER",
		Active:   true,
	}
}

func TestGenerateTokenPairSharesJTI(t *testing.T) {
	svc := NewTokenService(testTokenConfig())

	pair, jti, err := svc.GenerateTokenPair(testUser())
	require.NoError(t, err)
	assert.NotEmpty(t, jti)
	assert.Equal(t, (15 * time.Minute).Milliseconds(), pair.ExpiresIn)

	accessClaims, err := svc.VerifyAccessToken(pair.AccessToken)
	require.NoError(t, err)
	refreshClaims, err := svc.VerifyRefreshToken(pair.RefreshToken)
	require.NoError(t, err)

	assert.Equal(t, jti, accessClaims.ID)
	assert.Equal(t, jti, refreshClaims.ID)
	assert.Equal(t, "t1", accessClaims.TenantID)
	assert.Equal(t, "t1", refreshClaims.TenantID)
	assert.Equal(t, models.TokenTypeAccess, accessClaims.TokenType)
	assert.Equal(t, models.TokenTypeRefresh, refreshClaims.TokenType)
}

func TestTypeConfusionRejected(t *testing.T) {
	svc := NewTokenService(testTokenConfig())

	pair, _, err := svc.GenerateTokenPair(testUser())
	require.NoError(t, err)

	_, err = svc.VerifyRefreshToken(pair.AccessToken)
	require.Error(t, err)
	assert.Equal(t, appErrors.ErrInvalidToken.Code, appErrors.FromError(err).Code)

	_, err = svc.VerifyAccessToken(pair.RefreshToken)
	require.Error(t, err)
	assert.Equal(t, appErrors.ErrInvalidToken.Code, appErrors.FromError(err).Code)
}

func TestTokenTypeTagChecked(t *testing.T) {
	cfg := testTokenConfig()
	svc := NewTokenService(cfg)

	// Correct secret and algorithm but the wrong type tag must still fail.
	now := time.Now().UTC()
	claims := &models.RefreshClaims{
		UserID:    "u1",
		TenantID:  "t1",
		TokenType: models.TokenTypeAccess,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        "jti-1",
			Issuer:    cfg.Issuer,
			Audience:  cfg.Audience,
			ExpiresAt: jwt.NewNumericDate(now.Add(time.Hour)),
			IssuedAt:  jwt.NewNumericDate(now),
		},
	}
	forged, err := jwt.NewWithClaims(jwt.SigningMethodHS512, claims).SignedString([]byte(cfg.RefreshSecret))
	require.NoError(t, err)

	_, err = svc.VerifyRefreshToken(forged)
	require.Error(t, err)
	assert.Equal(t, appErrors.ErrTokenTypeMismatch.Code, appErrors.FromError(err).Code)
}

func TestExpiredTokenDistinguishable(t *testing.T) {
	svc := NewTokenService(testTokenConfig())
	issued := time.Now().UTC()
	svc.now = func() time.Time { return issued }

	pair, _, err := svc.GenerateTokenPair(testUser())
	require.NoError(t, err)

	svc.now = func() time.Time { return issued.Add(16 * time.Minute) }
	_, err = svc.VerifyAccessToken(pair.AccessToken)
	require.Error(t, err)
	assert.Equal(t, appErrors.ErrTokenExpired.Code, appErrors.FromError(err).Code)

	// The refresh token outlives the access token.
	_, err = svc.VerifyRefreshToken(pair.RefreshToken)
	assert.NoError(t, err)
}

func TestVerifyRefreshTokenSignatureAcceptsExpired(t *testing.T) {
	svc := NewTokenService(testTokenConfig())
	issued := time.Now().UTC()
	svc.now = func() time.Time { return issued }

	pair, jti, err := svc.GenerateTokenPair(testUser())
	require.NoError(t, err)

	svc.now = func() time.Time { return issued.Add(8 * 24 * time.Hour) }
	_, err = svc.VerifyRefreshToken(pair.RefreshToken)
	require.Error(t, err)

	claims, err := svc.VerifyRefreshTokenSignature(pair.RefreshToken)
	require.NoError(t, err)
	assert.Equal(t, jti, claims.ID)
}

func TestWrongIssuerRejected(t *testing.T) {
	svc := NewTokenService(testTokenConfig())
	pair, _, err := svc.GenerateTokenPair(testUser())
	require.NoError(t, err)

	other := testTokenConfig()
	other.Issuer = "someone-else"
	otherSvc := NewTokenService(other)

	_, err = otherSvc.VerifyAccessToken(pair.AccessToken)
	require.Error(t, err)
	assert.Equal(t, appErrors.ErrInvalidToken.Code, appErrors.FromError(err).Code)
}

func TestDecode(t *testing.T) {
	svc := NewTokenService(testTokenConfig())
	pair, jti, err := svc.GenerateTokenPair(testUser())
	require.NoError(t, err)

	decoded := svc.Decode(pair.AccessToken)
	require.NotNil(t, decoded)
	assert.Equal(t, jti, decoded.ID)
	assert.Equal(t, "t1", decoded.TenantID)

	assert.Nil(t, svc.Decode("not-a-token"))
	assert.Nil(t, svc.Decode(""))
}
