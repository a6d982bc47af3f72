package service

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"mediafetch/internal/domain"
	"mediafetch/internal/repository"
)

// HistoryService records job snapshots so status survives eviction from the
// active table and process restarts.
type HistoryService interface {
	Record(ctx context.Context, job domain.JobSnapshot) error
	Get(ctx context.Context, id string) (*domain.JobSnapshot, error)
	ListByUser(ctx context.Context, userID int64, limit int) ([]domain.JobSnapshot, error)
	RecoverInterrupted(ctx context.Context) (int, error)
}

type historyService struct {
	jobs   repository.JobRepository
	logger *logrus.Logger
}

func NewHistoryService(jobs repository.JobRepository, logger *logrus.Logger) HistoryService {
	if logger == nil {
		logger = logrus.New()
	}
	return &historyService{jobs: jobs, logger: logger}
}

func (s *historyService) Record(ctx context.Context, job domain.JobSnapshot) error {
	return s.jobs.Save(ctx, &job)
}

func (s *historyService) Get(ctx context.Context, id string) (*domain.JobSnapshot, error) {
	return s.jobs.Get(ctx, id)
}

func (s *historyService) ListByUser(ctx context.Context, userID int64, limit int) ([]domain.JobSnapshot, error) {
	jobs, err := s.jobs.ListByUser(ctx, userID, limit)
	if err != nil {
		return nil, err
	}
	if jobs == nil {
		jobs = []domain.JobSnapshot{}
	}
	return jobs, nil
}

// RecoverInterrupted fails jobs left non-terminal by a previous process.
// Their reservations did not survive the restart, so nothing is charged.
func (s *historyService) RecoverInterrupted(ctx context.Context) (int, error) {
	jobs, err := s.jobs.ListByStates(ctx,
		domain.JobStatePending,
		domain.JobStateResolving,
		domain.JobStateQuotaChecking,
		domain.JobStateDedupChecking,
		domain.JobStateTransferring,
		domain.JobStateDelivering,
	)
	if err != nil {
		return 0, err
	}
	now := time.Now().UTC()
	for i := range jobs {
		job := &jobs[i]
		job.State = domain.JobStateFailed
		job.FailureKind = domain.KindInternal
		job.Reason = "interrupted by restart"
		job.UpdatedAt = now
		job.FinishedAt = &now
		if err := s.jobs.Save(ctx, job); err != nil {
			return i, err
		}
		s.logger.WithField("job_id", job.ID).Warn("Marked interrupted job as failed")
	}
	return len(jobs), nil
}
