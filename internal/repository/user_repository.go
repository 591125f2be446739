package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/relaycrm/crm-api/internal/models"
)

// ErrDuplicateEmail is returned when an insert violates the (tenant_id, email)
// uniqueness constraint.
var ErrDuplicateEmail = errors.New("email already registered for tenant")

const pqUniqueViolation = "23505"

// UserRepository provides database access for tenant-scoped credentials.
type UserRepository struct {
	db *sqlx.DB
}

// NewUserRepository creates a new instance of UserRepository.
func NewUserRepository(db *sqlx.DB) *UserRepository {
	return &UserRepository{db: db}
}

const userColumns = `id, tenant_id, email, password_hash, first_name, last_name, role_id, active, failed_login_attempts, locked_until, last_login, created_at, updated_at`

// FindByTenantEmail returns a user by email within a tenant. Lookups are
// never global; the same email under another tenant is a different identity.
func (r *UserRepository) FindByTenantEmail(ctx context.Context, tenantID, email string) (*models.User, error) {
	query := fmt.Sprintf(`SELECT %s FROM users WHERE tenant_id = $1 AND email = $2 LIMIT 1`, userColumns)
	var user models.User
	if err := r.db.GetContext(ctx, &user, query, tenantID, email); err != nil {
		if err == sql.ErrNoRows {
			return nil, err
		}
		return nil, fmt.Errorf("find user by tenant email: %w", err)
	}
	return &user, nil
}

// FindByID returns a user by identifier.
func (r *UserRepository) FindByID(ctx context.Context, id string) (*models.User, error) {
	query := fmt.Sprintf(`SELECT %s FROM users WHERE id = $1 LIMIT 1`, userColumns)
	var user models.User
	if err := r.db.GetContext(ctx, &user, query, id); err != nil {
		if err == sql.ErrNoRows {
			return nil, err
		}
		return nil, fmt.Errorf("find user by id: %w", err)
	}
	return &user, nil
}

// Create inserts a new credential record. A (tenant_id, email) collision
// surfaces as ErrDuplicateEmail.
func (r *UserRepository) Create(ctx context.Context, user *models.User) error {
	if user.ID == "" {
		user.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	if user.CreatedAt.IsZero() {
		user.CreatedAt = now
	}
	user.UpdatedAt = now

	const query = `INSERT INTO users (id, tenant_id, email, password_hash, first_name, last_name, role_id, active, failed_login_attempts, locked_until, created_at, updated_at) VALUES (:id, :tenant_id, :email, :password_hash, :first_name, :last_name, :role_id, :active, :failed_login_attempts, :locked_until, :created_at, :updated_at)`
	if _, err := r.db.NamedExecContext(ctx, query, user); err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == pqUniqueViolation {
			return ErrDuplicateEmail
		}
		return fmt.Errorf("create user: %w", err)
	}
	return nil
}

// IncrementFailedLogins atomically bumps the failed-attempt counter and
// returns the new value. The increment happens in the database so concurrent
// failures against the same credential never under-count.
func (r *UserRepository) IncrementFailedLogins(ctx context.Context, id string) (int, error) {
	const query = `UPDATE users SET failed_login_attempts = failed_login_attempts + 1, updated_at = $2 WHERE id = $1 RETURNING failed_login_attempts`
	var count int
	if err := r.db.GetContext(ctx, &count, query, id, time.Now().UTC()); err != nil {
		return 0, fmt.Errorf("increment failed logins: %w", err)
	}
	return count, nil
}

// SetLockout records the instant until which all login attempts are rejected.
func (r *UserRepository) SetLockout(ctx context.Context, id string, until time.Time) error {
	const query = `UPDATE users SET locked_until = $2, updated_at = $3 WHERE id = $1`
	if _, err := r.db.ExecContext(ctx, query, id, until, time.Now().UTC()); err != nil {
		return fmt.Errorf("set lockout: %w", err)
	}
	return nil
}

// ResetFailedLogins clears the counter and any lockout after a successful login.
func (r *UserRepository) ResetFailedLogins(ctx context.Context, id string) error {
	const query = `UPDATE users SET failed_login_attempts = 0, locked_until = NULL, updated_at = $2 WHERE id = $1`
	if _, err := r.db.ExecContext(ctx, query, id, time.Now().UTC()); err != nil {
		return fmt.Errorf("reset failed logins: %w", err)
	}
	return nil
}

// UpdateLastLogin updates the last_login timestamp for a user.
func (r *UserRepository) UpdateLastLogin(ctx context.Context, id string, ts time.Time) error {
	const query = `UPDATE users SET last_login = $2, updated_at = $3 WHERE id = $1`
	if _, err := r.db.ExecContext(ctx, query, id, ts, ts); err != nil {
		return fmt.Errorf("update last login: %w", err)
	}
	return nil
}

// CreateAuditLog stores an audit log entry.
func (r *UserRepository) CreateAuditLog(ctx context.Context, log *models.AuditLog) error {
	if log.ID == "" {
		log.ID = uuid.NewString()
	}
	if log.CreatedAt.IsZero() {
		log.CreatedAt = time.Now().UTC()
	}
	const query = `INSERT INTO audit_logs (id, tenant_id, user_id, action, resource, resource_id, new_values, ip_address, user_agent, created_at) VALUES (:id, :tenant_id, :user_id, :action, :resource, :resource_id, :new_values, :ip_address, :user_agent, :created_at)`
	if _, err := r.db.NamedExecContext(ctx, query, log); err != nil {
		return fmt.Errorf("create audit log: %w", err)
	}
	return nil
}
