package repository

import (
	"context"

	"mediafetch/internal/domain"
)

// JobRepository keeps the history of jobs that left the active table.
type JobRepository interface {
	Init(ctx context.Context) error
	Save(ctx context.Context, job *domain.JobSnapshot) error
	Get(ctx context.Context, id string) (*domain.JobSnapshot, error)
	ListByUser(ctx context.Context, userID int64, limit int) ([]domain.JobSnapshot, error)
	ListByStates(ctx context.Context, states ...domain.JobState) ([]domain.JobSnapshot, error)
}
