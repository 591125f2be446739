package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/relaycrm/crm-api/internal/models"
)

const sessionKeyPrefix = "session:"

// SessionRepository is the revocation ledger for refresh tokens. Each issued
// refresh token has a session record keyed by its jti; deleting the record
// makes the token unusable for refresh regardless of its signature validity.
type SessionRepository struct {
	client *redis.Client
	ttl    time.Duration
	logger *zap.Logger
}

// NewSessionRepository constructs a session repository. The TTL should match
// the refresh-token lifetime so records expire with the tokens they track.
func NewSessionRepository(client *redis.Client, ttl time.Duration, logger *zap.Logger) *SessionRepository {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SessionRepository{client: client, ttl: ttl, logger: logger}
}

// Create persists a new session keyed by jti.
func (r *SessionRepository) Create(ctx context.Context, session *models.Session) error {
	if session.CreatedAt.IsZero() {
		session.CreatedAt = time.Now().UTC()
	}

	payload, err := json.Marshal(session)
	if err != nil {
		return fmt.Errorf("marshal session %s: %w", session.JTI, err)
	}

	if err := r.client.Set(ctx, sessionKeyPrefix+session.JTI, payload, r.ttl).Err(); err != nil {
		return fmt.Errorf("redis set session %s: %w", session.JTI, err)
	}

	return nil
}

// Exists reports whether a live session exists for the jti. A store error is
// returned as-is so callers can fail closed rather than treating it as a miss.
func (r *SessionRepository) Exists(ctx context.Context, jti string) (bool, error) {
	n, err := r.client.Exists(ctx, sessionKeyPrefix+jti).Result()
	if err != nil {
		return false, fmt.Errorf("redis exists session %s: %w", jti, err)
	}
	return n > 0, nil
}

// Get returns the session record for the jti, or redis.Nil when absent.
func (r *SessionRepository) Get(ctx context.Context, jti string) (*models.Session, error) {
	raw, err := r.client.Get(ctx, sessionKeyPrefix+jti).Bytes()
	if err != nil {
		if err == redis.Nil {
			return nil, err
		}
		return nil, fmt.Errorf("redis get session %s: %w", jti, err)
	}

	var session models.Session
	if err := json.Unmarshal(raw, &session); err != nil {
		return nil, fmt.Errorf("unmarshal session %s: %w", jti, err)
	}
	return &session, nil
}

// Delete removes the session. Deleting a nonexistent session is not an error.
func (r *SessionRepository) Delete(ctx context.Context, jti string) error {
	if err := r.client.Del(ctx, sessionKeyPrefix+jti).Err(); err != nil {
		return fmt.Errorf("redis delete session %s: %w", jti, err)
	}
	return nil
}

// Close releases the underlying Redis connection if present.
func (r *SessionRepository) Close() error {
	if r.client == nil {
		return nil
	}
	return r.client.Close()
}
