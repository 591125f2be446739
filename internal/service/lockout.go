package service

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/relaycrm/crm-api/internal/models"
	appErrors "github.com/relaycrm/crm-api/pkg/errors"
)

type lockoutRepository interface {
	IncrementFailedLogins(ctx context.Context, id string) (int, error)
	SetLockout(ctx context.Context, id string, until time.Time) error
	ResetFailedLogins(ctx context.Context, id string) error
}

// LoginAttemptGuard tracks consecutive failed logins per credential and
// enforces temporary lockout. Counter updates happen atomically in the
// repository, so concurrent failures against the same account never
// under-count.
type LoginAttemptGuard struct {
	repo      lockoutRepository
	threshold int
	duration  time.Duration
	logger    *zap.Logger
	now       func() time.Time
}

// NewLoginAttemptGuard constructs a guard with the configured threshold and
// lockout duration.
func NewLoginAttemptGuard(repo lockoutRepository, threshold int, duration time.Duration, logger *zap.Logger) *LoginAttemptGuard {
	if threshold <= 0 {
		threshold = 5
	}
	if duration <= 0 {
		duration = 15 * time.Minute
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LoginAttemptGuard{repo: repo, threshold: threshold, duration: duration, logger: logger, now: time.Now}
}

// CheckLocked rejects the attempt while an active lock holds. It runs before
// any password verification: a correct password does not bypass a lock, and
// the expensive hash comparison is skipped entirely.
func (g *LoginAttemptGuard) CheckLocked(user *models.User) error {
	if user.Locked(g.now()) {
		return appErrors.Clone(appErrors.ErrAccountLocked, "")
	}
	return nil
}

// RecordFailure registers a failed attempt and reports whether it tripped the
// lockout. A failure after an expired lock restarts counting at one.
func (g *LoginAttemptGuard) RecordFailure(ctx context.Context, user *models.User) (bool, error) {
	if user.LockedUntil != nil && !user.Locked(g.now()) {
		if err := g.repo.ResetFailedLogins(ctx, user.ID); err != nil {
			return false, err
		}
	}

	count, err := g.repo.IncrementFailedLogins(ctx, user.ID)
	if err != nil {
		return false, err
	}

	if count < g.threshold {
		return false, nil
	}

	until := g.now().UTC().Add(g.duration)
	if err := g.repo.SetLockout(ctx, user.ID, until); err != nil {
		return false, err
	}

	g.logger.Warn("account locked after repeated failures",
		zap.String("user_id", user.ID),
		zap.String("tenant_id", user.TenantID),
		zap.Int("failed_attempts", count),
		zap.Time("locked_until", until),
	)
	return true, nil
}

// RecordSuccess clears the counter and any stale lock after a successful
// login.
func (g *LoginAttemptGuard) RecordSuccess(ctx context.Context, user *models.User) error {
	if user.FailedLoginAttempts == 0 && user.LockedUntil == nil {
		return nil
	}
	return g.repo.ResetFailedLogins(ctx, user.ID)
}
