package service

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/relaycrm/crm-api/internal/models"
	"github.com/relaycrm/crm-api/pkg/config"
	"github.com/relaycrm/crm-api/pkg/jobs"
)

type auditRepository interface {
	CreateAuditLog(ctx context.Context, log *models.AuditLog) error
}

// AuditService persists audit trail entries asynchronously so audit writes
// never sit on the request path. A dropped entry is logged, not surfaced.
type AuditService struct {
	repo   auditRepository
	queue  *jobs.Queue
	logger *zap.Logger
}

// NewAuditService constructs the audit sink backed by a worker queue.
func NewAuditService(repo auditRepository, cfg config.AuditConfig, logger *zap.Logger) *AuditService {
	if logger == nil {
		logger = zap.NewNop()
	}

	s := &AuditService{repo: repo, logger: logger}
	s.queue = jobs.NewQueue("audit", s.persist, jobs.QueueConfig{
		Workers:    cfg.Workers,
		BufferSize: cfg.BufferSize,
		MaxRetries: cfg.MaxRetries,
		RetryDelay: cfg.RetryDelay,
		Logger:     logger,
	})
	return s
}

// Start launches the audit workers.
func (s *AuditService) Start(ctx context.Context) {
	s.queue.Start(ctx)
}

// Stop drains the workers.
func (s *AuditService) Stop() {
	s.queue.Stop()
}

// Record enqueues an audit entry.
func (s *AuditService) Record(log *models.AuditLog) {
	if log.ID == "" {
		log.ID = uuid.NewString()
	}
	if err := s.queue.Enqueue(jobs.Job{ID: log.ID, Type: log.Action, Payload: log}); err != nil {
		s.logger.Warn("failed to enqueue audit entry", zap.String("action", log.Action), zap.Error(err))
	}
}

func (s *AuditService) persist(ctx context.Context, job jobs.Job) error {
	log, ok := job.Payload.(*models.AuditLog)
	if !ok {
		s.logger.Error("audit job with unexpected payload", zap.String("job_id", job.ID))
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return s.repo.CreateAuditLog(ctx, log)
}
