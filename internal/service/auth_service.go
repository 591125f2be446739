package service

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/relaycrm/crm-api/internal/models"
	"github.com/relaycrm/crm-api/internal/repository"
	appErrors "github.com/relaycrm/crm-api/pkg/errors"
	"github.com/relaycrm/crm-api/pkg/password"
)

type authUserRepository interface {
	FindByTenantEmail(ctx context.Context, tenantID, email string) (*models.User, error)
	FindByID(ctx context.Context, id string) (*models.User, error)
	Create(ctx context.Context, user *models.User) error
	UpdateLastLogin(ctx context.Context, id string, ts time.Time) error
}

type sessionStore interface {
	Create(ctx context.Context, session *models.Session) error
	Exists(ctx context.Context, jti string) (bool, error)
	Delete(ctx context.Context, jti string) error
}

type auditRecorder interface {
	Record(log *models.AuditLog)
}

// DefaultRoleID is assigned to self-registered accounts.
const DefaultRoleID = "USER"

// AuthConfig defines configuration for authentication flows.
type AuthConfig struct {
	// RotateRefresh makes a successful refresh invalidate the refresh token
	// that was used and issue a new pair.
	RotateRefresh bool
	// OpTimeout bounds every repository and session store call.
	OpTimeout time.Duration
}

// AuthService orchestrates registration, login, refresh and logout across
// the password hasher, token service, login attempt guard and session store.
type AuthService struct {
	repo      authUserRepository
	sessions  sessionStore
	tokens    *TokenService
	guard     *LoginAttemptGuard
	hasher    *password.Hasher
	audit     auditRecorder
	metrics   *MetricsService
	validator *validator.Validate
	logger    *zap.Logger
	config    AuthConfig
}

// NewAuthService constructs an AuthService instance.
func NewAuthService(
	repo authUserRepository,
	sessions sessionStore,
	tokens *TokenService,
	guard *LoginAttemptGuard,
	hasher *password.Hasher,
	audit auditRecorder,
	metrics *MetricsService,
	validate *validator.Validate,
	logger *zap.Logger,
	config AuthConfig,
) *AuthService {
	if logger == nil {
		logger = zap.NewNop()
	}
	if validate == nil {
		validate = validator.New()
	}
	if config.OpTimeout <= 0 {
		config.OpTimeout = 5 * time.Second
	}
	return &AuthService{
		repo:      repo,
		sessions:  sessions,
		tokens:    tokens,
		guard:     guard,
		hasher:    hasher,
		audit:     audit,
		metrics:   metrics,
		validator: validate,
		logger:    logger,
		config:    config,
	}
}

// Register creates a tenant-scoped account and returns the user with a fresh
// token pair. A duplicate (tenant_id, email) is a conflict, not a validation
// failure.
func (s *AuthService) Register(ctx context.Context, req models.RegisterRequest) (*models.AuthResponse, error) {
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid registration payload")
	}

	passwordHash, err := s.hasher.Hash(req.Password)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to hash password")
	}

	user := &models.User{
		TenantID:     req.TenantID,
		Email:        req.Email,
		PasswordHash: passwordHash,
		FirstName:    req.FirstName,
		LastName:     req.LastName,
		RoleID:       DefaultRoleID,
		Active:       true,
	}

	opCtx, cancel := s.opCtx(ctx)
	defer cancel()
	if err := s.repo.Create(opCtx, user); err != nil {
		if errors.Is(err, repository.ErrDuplicateEmail) {
			return nil, appErrors.Clone(appErrors.ErrConflict, "email already registered")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to create user")
	}

	pair, jti, err := s.issueSession(ctx, user, req.IP, req.UserAgent)
	if err != nil {
		return nil, err
	}

	s.recordAudit(&models.AuditLog{
		TenantID:   user.TenantID,
		UserID:     &user.ID,
		Action:     models.AuditActionRegister,
		Resource:   "auth",
		ResourceID: &user.ID,
		NewValues:  []byte(`{"status":"registered"}`),
		IPAddress:  req.IP,
		UserAgent:  req.UserAgent,
	})
	s.logger.Info("user registered",
		zap.String("user_id", user.ID),
		zap.String("tenant_id", user.TenantID),
		zap.String("jti", jti),
	)

	return &models.AuthResponse{User: userInfo(user), Tokens: *pair}, nil
}

// Login authenticates a credential within a tenant. Unknown user, wrong
// password and inactive account all collapse into one generic error so the
// response never signals which check failed.
func (s *AuthService) Login(ctx context.Context, req models.LoginRequest) (*models.AuthResponse, error) {
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid login payload")
	}

	opCtx, cancel := s.opCtx(ctx)
	defer cancel()
	user, err := s.repo.FindByTenantEmail(opCtx, req.TenantID, req.Email)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			s.metrics.RecordLogin(LoginResultFailure)
			s.recordAudit(&models.AuditLog{
				TenantID:  req.TenantID,
				Action:    models.AuditActionLoginFailed,
				Resource:  "auth",
				NewValues: []byte(`{"reason":"unknown_user"}`),
				IPAddress: req.IP,
				UserAgent: req.UserAgent,
			})
			return nil, appErrors.Clone(appErrors.ErrInvalidCredentials, "")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to fetch user")
	}

	// Active lock short-circuits before the password is even checked.
	if err := s.guard.CheckLocked(user); err != nil {
		s.metrics.RecordLogin(LoginResultLocked)
		s.recordAudit(&models.AuditLog{
			TenantID:   user.TenantID,
			UserID:     &user.ID,
			Action:     models.AuditActionLoginFailed,
			Resource:   "auth",
			ResourceID: &user.ID,
			NewValues:  []byte(`{"reason":"locked"}`),
			IPAddress:  req.IP,
			UserAgent:  req.UserAgent,
		})
		return nil, err
	}

	if !s.hasher.Verify(req.Password, user.PasswordHash) {
		return nil, s.handleFailedPassword(ctx, user, req)
	}

	if !user.Active {
		s.metrics.RecordLogin(LoginResultFailure)
		s.recordAudit(&models.AuditLog{
			TenantID:   user.TenantID,
			UserID:     &user.ID,
			Action:     models.AuditActionLoginFailed,
			Resource:   "auth",
			ResourceID: &user.ID,
			NewValues:  []byte(`{"reason":"inactive"}`),
			IPAddress:  req.IP,
			UserAgent:  req.UserAgent,
		})
		return nil, appErrors.Clone(appErrors.ErrInvalidCredentials, "")
	}

	resetCtx, resetCancel := s.opCtx(ctx)
	defer resetCancel()
	if err := s.guard.RecordSuccess(resetCtx, user); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to reset login counters")
	}

	if err := s.repo.UpdateLastLogin(resetCtx, user.ID, time.Now().UTC()); err != nil {
		s.logger.Warn("failed to update last login", zap.Error(err))
	}

	pair, jti, err := s.issueSession(ctx, user, req.IP, req.UserAgent)
	if err != nil {
		return nil, err
	}

	s.metrics.RecordLogin(LoginResultSuccess)
	s.recordAudit(&models.AuditLog{
		TenantID:   user.TenantID,
		UserID:     &user.ID,
		Action:     models.AuditActionLogin,
		Resource:   "auth",
		ResourceID: &user.ID,
		NewValues:  []byte(`{"status":"success"}`),
		IPAddress:  req.IP,
		UserAgent:  req.UserAgent,
	})
	s.logger.Info("user logged in",
		zap.String("user_id", user.ID),
		zap.String("tenant_id", user.TenantID),
		zap.String("jti", jti),
	)

	return &models.AuthResponse{User: userInfo(user), Tokens: *pair}, nil
}

// Refresh exchanges a valid refresh token for a new access token. Both the
// token signature and the session record must check out; a session store
// fault rejects the refresh rather than letting it through.
//
// Lockout gates login only: a refresh token issued before a lock stays
// usable until logout or expiry.
func (s *AuthService) Refresh(ctx context.Context, req models.RefreshRequest) (*models.RefreshResponse, error) {
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid refresh payload")
	}

	claims, err := s.tokens.VerifyRefreshToken(req.RefreshToken)
	if err != nil {
		return nil, err
	}

	opCtx, cancel := s.opCtx(ctx)
	defer cancel()
	exists, err := s.sessions.Exists(opCtx, claims.ID)
	if err != nil {
		s.logger.Error("session lookup failed, rejecting refresh", zap.String("jti", claims.ID), zap.Error(err))
		return nil, appErrors.Clone(appErrors.ErrInvalidToken, "")
	}
	if !exists {
		return nil, appErrors.Clone(appErrors.ErrInvalidToken, "")
	}

	user, err := s.repo.FindByID(opCtx, claims.UserID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrInvalidToken, "")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load user")
	}
	if !user.Active {
		return nil, appErrors.Clone(appErrors.ErrInvalidToken, "")
	}

	res := &models.RefreshResponse{}
	if s.config.RotateRefresh {
		pair, _, err := s.issueSession(ctx, user, req.IP, req.UserAgent)
		if err != nil {
			return nil, err
		}
		deleteCtx, deleteCancel := s.opCtx(ctx)
		defer deleteCancel()
		if err := s.sessions.Delete(deleteCtx, claims.ID); err != nil {
			s.logger.Warn("failed to delete rotated session", zap.String("jti", claims.ID), zap.Error(err))
		}
		res.AccessToken = pair.AccessToken
		res.RefreshToken = pair.RefreshToken
		res.ExpiresIn = pair.ExpiresIn
	} else {
		accessToken, err := s.tokens.GenerateAccessToken(user, claims.ID)
		if err != nil {
			return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to generate access token")
		}
		s.metrics.RecordTokenIssued(string(models.TokenTypeAccess))
		res.AccessToken = accessToken
		res.ExpiresIn = s.tokens.config.AccessExpiry.Milliseconds()
	}

	s.recordAudit(&models.AuditLog{
		TenantID:   user.TenantID,
		UserID:     &user.ID,
		Action:     models.AuditActionRefresh,
		Resource:   "auth",
		ResourceID: &user.ID,
		NewValues:  []byte(`{"status":"refreshed"}`),
		IPAddress:  req.IP,
		UserAgent:  req.UserAgent,
	})

	return res, nil
}

// Logout revokes the session behind a refresh token, making it permanently
// unusable for refresh even before its natural expiry. An expired token is
// still accepted; the operation is idempotent.
func (s *AuthService) Logout(ctx context.Context, refreshToken, ip, userAgent string) error {
	claims, err := s.tokens.VerifyRefreshTokenSignature(refreshToken)
	if err != nil {
		return err
	}

	opCtx, cancel := s.opCtx(ctx)
	defer cancel()
	if err := s.sessions.Delete(opCtx, claims.ID); err != nil {
		return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to revoke session")
	}

	s.recordAudit(&models.AuditLog{
		TenantID:   claims.TenantID,
		UserID:     &claims.UserID,
		Action:     models.AuditActionLogout,
		Resource:   "auth",
		ResourceID: &claims.UserID,
		NewValues:  []byte(`{"status":"logout"}`),
		IPAddress:  ip,
		UserAgent:  userAgent,
	})

	return nil
}

// ValidateAccessToken verifies an access token for the bearer middleware.
func (s *AuthService) ValidateAccessToken(tokenString string) (*models.AccessClaims, error) {
	return s.tokens.VerifyAccessToken(tokenString)
}

func (s *AuthService) handleFailedPassword(ctx context.Context, user *models.User, req models.LoginRequest) error {
	opCtx, cancel := s.opCtx(ctx)
	defer cancel()

	locked, err := s.guard.RecordFailure(opCtx, user)
	if err != nil {
		return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to record login failure")
	}

	s.metrics.RecordLogin(LoginResultFailure)
	reason := `{"reason":"bad_password"}`
	if locked {
		s.metrics.RecordLockout()
		reason = `{"reason":"bad_password","locked":true}`
		s.recordAudit(&models.AuditLog{
			TenantID:   user.TenantID,
			UserID:     &user.ID,
			Action:     models.AuditActionLockout,
			Resource:   "auth",
			ResourceID: &user.ID,
			NewValues:  []byte(`{"status":"locked"}`),
			IPAddress:  req.IP,
			UserAgent:  req.UserAgent,
		})
	}
	s.recordAudit(&models.AuditLog{
		TenantID:   user.TenantID,
		UserID:     &user.ID,
		Action:     models.AuditActionLoginFailed,
		Resource:   "auth",
		ResourceID: &user.ID,
		NewValues:  []byte(reason),
		IPAddress:  req.IP,
		UserAgent:  req.UserAgent,
	})

	// The attempt that trips the lock still reports invalid credentials;
	// the lockout error starts with the next attempt.
	return appErrors.Clone(appErrors.ErrInvalidCredentials, "")
}

func (s *AuthService) issueSession(ctx context.Context, user *models.User, ip, userAgent string) (*models.TokenPair, string, error) {
	pair, jti, err := s.tokens.GenerateTokenPair(user)
	if err != nil {
		return nil, "", appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to issue tokens")
	}

	opCtx, cancel := s.opCtx(ctx)
	defer cancel()
	start := time.Now()
	err = s.sessions.Create(opCtx, &models.Session{
		JTI:       jti,
		UserID:    user.ID,
		TenantID:  user.TenantID,
		IPAddress: ip,
		UserAgent: userAgent,
	})
	s.metrics.ObserveSessionOperation("create", time.Since(start))
	if err != nil {
		return nil, "", appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to persist session")
	}

	s.metrics.RecordTokenIssued(string(models.TokenTypeAccess))
	s.metrics.RecordTokenIssued(string(models.TokenTypeRefresh))
	return pair, jti, nil
}

func (s *AuthService) recordAudit(log *models.AuditLog) {
	if s.audit == nil {
		return
	}
	s.audit.Record(log)
}

func (s *AuthService) opCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.config.OpTimeout)
}

func userInfo(user *models.User) models.UserInfo {
	return models.UserInfo{
		ID:        user.ID,
		TenantID:  user.TenantID,
		Email:     user.Email,
		FirstName: user.FirstName,
		LastName:  user.LastName,
		RoleID:    user.RoleID,
	}
}
