package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relaycrm/crm-api/internal/middleware"
	"github.com/relaycrm/crm-api/internal/models"
	appErrors "github.com/relaycrm/crm-api/pkg/errors"
)

type authServiceMock struct {
	registerResp *models.AuthResponse
	registerErr  error
	loginResp    *models.AuthResponse
	loginErr     error
	refreshResp  *models.RefreshResponse
	refreshErr   error
	logoutErr    error
	logoutToken  string
}

func (m *authServiceMock) Register(ctx context.Context, req models.RegisterRequest) (*models.AuthResponse, error) {
	if m.registerErr != nil {
		return nil, m.registerErr
	}
	return m.registerResp, nil
}

func (m *authServiceMock) Login(ctx context.Context, req models.LoginRequest) (*models.AuthResponse, error) {
	if m.loginErr != nil {
		return nil, m.loginErr
	}
	return m.loginResp, nil
}

func (m *authServiceMock) Refresh(ctx context.Context, req models.RefreshRequest) (*models.RefreshResponse, error) {
	if m.refreshErr != nil {
		return nil, m.refreshErr
	}
	return m.refreshResp, nil
}

func (m *authServiceMock) Logout(ctx context.Context, refreshToken, ip, userAgent string) error {
	m.logoutToken = refreshToken
	return m.logoutErr
}

func postJSON(t *testing.T, path string, payload any) (*httptest.ResponseRecorder, *gin.Context) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	body, err := json.Marshal(payload)
	require.NoError(t, err)
	req, _ := http.NewRequest(http.MethodPost, path, bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	c.Request = req
	return w, c
}

func TestAuthHandlerRegisterCreated(t *testing.T) {
	mock := &authServiceMock{registerResp: &models.AuthResponse{
		User:   models.UserInfo{ID: "u1", TenantID: "t1", Email: "a@x.com"},
		Tokens: models.TokenPair{AccessToken: "at", RefreshToken: "rt", ExpiresIn: 900000},
	}}
	handler := NewAuthHandler(mock)

	w, c := postJSON(t, "/auth/register", models.RegisterRequest{
		TenantID: "t1", Email: "a@x.com", Password: "Secure123!", FirstName: "Ada", LastName: "Lovelace",
	})
	handler.Register(c)

	require.Equal(t, http.StatusCreated, w.Code)
	var envelope struct {
		Data models.AuthResponse `json:"data"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &envelope))
	assert.Equal(t, "u1", envelope.Data.User.ID)
	assert.Equal(t, "at", envelope.Data.Tokens.AccessToken)
}

func TestAuthHandlerRegisterInvalidBody(t *testing.T) {
	handler := NewAuthHandler(&authServiceMock{})
	gin.SetMode(gin.TestMode)
	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	req, _ := http.NewRequest(http.MethodPost, "/auth/register", bytes.NewReader([]byte(`not-json`)))
	req.Header.Set("Content-Type", "application/json")
	c.Request = req

	handler.Register(c)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestAuthHandlerRegisterConflict(t *testing.T) {
	mock := &authServiceMock{registerErr: appErrors.Clone(appErrors.ErrConflict, "email already registered")}
	handler := NewAuthHandler(mock)

	w, c := postJSON(t, "/auth/register", models.RegisterRequest{
		TenantID: "t1", Email: "a@x.com", Password: "Secure123!", FirstName: "Ada", LastName: "Lovelace",
	})
	handler.Register(c)
	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestAuthHandlerLoginErrorEnvelope(t *testing.T) {
	mock := &authServiceMock{loginErr: appErrors.Clone(appErrors.ErrInvalidCredentials, "")}
	handler := NewAuthHandler(mock)

	w, c := postJSON(t, "/auth/login", models.LoginRequest{TenantID: "t1", Email: "a@x.com", Password: "nope12345"})
	handler.Login(c)

	require.Equal(t, http.StatusUnauthorized, w.Code)
	var envelope struct {
		Error struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &envelope))
	assert.Equal(t, appErrors.ErrInvalidCredentials.Code, envelope.Error.Code)
	assert.Equal(t, appErrors.ErrInvalidCredentials.Message, envelope.Error.Message)
}

func TestAuthHandlerLoginLocked(t *testing.T) {
	mock := &authServiceMock{loginErr: appErrors.Clone(appErrors.ErrAccountLocked, "")}
	handler := NewAuthHandler(mock)

	w, c := postJSON(t, "/auth/login", models.LoginRequest{TenantID: "t1", Email: "a@x.com", Password: "Secure123!"})
	handler.Login(c)
	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestAuthHandlerRefresh(t *testing.T) {
	mock := &authServiceMock{refreshResp: &models.RefreshResponse{AccessToken: "new-at", ExpiresIn: 900000}}
	handler := NewAuthHandler(mock)

	w, c := postJSON(t, "/auth/refresh", models.RefreshRequest{RefreshToken: "rt"})
	handler.Refresh(c)

	require.Equal(t, http.StatusOK, w.Code)
	var envelope struct {
		Data models.RefreshResponse `json:"data"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &envelope))
	assert.Equal(t, "new-at", envelope.Data.AccessToken)
	assert.Empty(t, envelope.Data.RefreshToken)
}

func TestAuthHandlerRefreshRejected(t *testing.T) {
	mock := &authServiceMock{refreshErr: appErrors.Clone(appErrors.ErrInvalidToken, "")}
	handler := NewAuthHandler(mock)

	w, c := postJSON(t, "/auth/refresh", models.RefreshRequest{RefreshToken: "revoked"})
	handler.Refresh(c)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestAuthHandlerLogoutNoContent(t *testing.T) {
	mock := &authServiceMock{}
	handler := NewAuthHandler(mock)

	w, c := postJSON(t, "/auth/logout", map[string]string{"refresh_token": "rt"})
	handler.Logout(c)
	c.Writer.WriteHeaderNow()

	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, "rt", mock.logoutToken)
}

func TestAuthHandlerLogoutMissingToken(t *testing.T) {
	handler := NewAuthHandler(&authServiceMock{})

	w, c := postJSON(t, "/auth/logout", map[string]string{})
	handler.Logout(c)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestAuthHandlerMe(t *testing.T) {
	handler := NewAuthHandler(&authServiceMock{})
	gin.SetMode(gin.TestMode)
	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	req, _ := http.NewRequest(http.MethodGet, "/auth/me", nil)
	c.Request = req
	c.Set(middleware.ContextUserKey, &models.AccessClaims{UserID: "u1", TenantID: "t1", Email: "a@x.com", RoleID: "USER"})

	handler.Me(c)

	require.Equal(t, http.StatusOK, w.Code)
	var envelope struct {
		Data models.UserInfo `json:"data"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &envelope))
	assert.Equal(t, "u1", envelope.Data.ID)
	assert.Equal(t, "t1", envelope.Data.TenantID)
}

func TestAuthHandlerMeUnauthenticated(t *testing.T) {
	handler := NewAuthHandler(&authServiceMock{})
	gin.SetMode(gin.TestMode)
	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	req, _ := http.NewRequest(http.MethodGet, "/auth/me", nil)
	c.Request = req

	handler.Me(c)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}