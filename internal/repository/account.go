package repository

import (
	"context"

	"mediafetch/internal/domain"
)

// AccountRepository persists quota ledger state between restarts.
type AccountRepository interface {
	Init(ctx context.Context) error
	ReplaceAll(ctx context.Context, accounts []domain.CreditAccount) error
	List(ctx context.Context) ([]domain.CreditAccount, error)
	Get(ctx context.Context, userID int64) (*domain.CreditAccount, error)
}

// CacheRepository persists the fingerprint to file reference map.
type CacheRepository interface {
	Init(ctx context.Context) error
	ReplaceAll(ctx context.Context, entries []domain.CacheEntry) error
	// List returns entries most recently used first.
	List(ctx context.Context) ([]domain.CacheEntry, error)
}
