package service

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"mediafetch/internal/dedup"
	"mediafetch/internal/domain"
	"mediafetch/internal/quota"
	"mediafetch/internal/repository"
)

// AccountService exposes admin credit operations and moves ledger and cache
// state to and from the durable store.
type AccountService interface {
	Load(ctx context.Context) error
	Save(ctx context.Context) error
	Run(ctx context.Context, interval time.Duration)

	Account(ctx context.Context, userID int64) (domain.CreditAccount, error)
	Grant(ctx context.Context, userID, amount int64) (domain.CreditAccount, error)
	SetUnlimited(ctx context.Context, userID int64, unlimited bool) (domain.CreditAccount, error)
	SetBlocked(ctx context.Context, userID int64, blocked bool) (domain.CreditAccount, error)
	ResetWindow(ctx context.Context, userID int64) (domain.CreditAccount, error)
	ListAccounts(ctx context.Context) ([]domain.CreditAccount, error)
}

type accountService struct {
	ledger   *quota.Ledger
	cache    *dedup.Cache
	accounts repository.AccountRepository
	entries  repository.CacheRepository
	logger   *logrus.Logger
}

func NewAccountService(ledger *quota.Ledger, cache *dedup.Cache, accounts repository.AccountRepository, entries repository.CacheRepository, logger *logrus.Logger) AccountService {
	if logger == nil {
		logger = logrus.New()
	}
	return &accountService{
		ledger:   ledger,
		cache:    cache,
		accounts: accounts,
		entries:  entries,
		logger:   logger,
	}
}

// Load restores the ledger and the dedup cache from the repositories.
func (s *accountService) Load(ctx context.Context) error {
	accounts, err := s.accounts.List(ctx)
	if err != nil {
		return fmt.Errorf("load accounts: %w", err)
	}
	entries, err := s.entries.List(ctx)
	if err != nil {
		return fmt.Errorf("load cache entries: %w", err)
	}
	s.ledger.Restore(accounts)
	s.cache.Restore(entries)
	s.logger.WithFields(logrus.Fields{
		"accounts":      len(accounts),
		"cache_entries": s.cache.Len(),
	}).Info("Restored ledger and cache")
	return nil
}

// Save writes the current ledger and cache contents.
func (s *accountService) Save(ctx context.Context) error {
	if err := s.accounts.ReplaceAll(ctx, s.ledger.Snapshot()); err != nil {
		return fmt.Errorf("save accounts: %w", err)
	}
	if err := s.entries.ReplaceAll(ctx, s.cache.Snapshot()); err != nil {
		return fmt.Errorf("save cache entries: %w", err)
	}
	return nil
}

// Run flushes state every interval until ctx is done.
func (s *accountService) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.Save(ctx); err != nil && ctx.Err() == nil {
				s.logger.WithError(err).Warn("Periodic state flush failed")
			}
		}
	}
}

func (s *accountService) Account(ctx context.Context, userID int64) (domain.CreditAccount, error) {
	if userID <= 0 {
		return domain.CreditAccount{}, domain.NewError(domain.KindInvalidInput, "user id is required", nil)
	}
	return s.ledger.Account(userID), nil
}

func (s *accountService) Grant(ctx context.Context, userID, amount int64) (domain.CreditAccount, error) {
	if userID <= 0 {
		return domain.CreditAccount{}, domain.NewError(domain.KindInvalidInput, "user id is required", nil)
	}
	acct, err := s.ledger.Grant(userID, amount)
	if err != nil {
		return acct, err
	}
	s.persist(ctx)
	return acct, nil
}

func (s *accountService) SetUnlimited(ctx context.Context, userID int64, unlimited bool) (domain.CreditAccount, error) {
	if userID <= 0 {
		return domain.CreditAccount{}, domain.NewError(domain.KindInvalidInput, "user id is required", nil)
	}
	acct := s.ledger.SetUnlimited(userID, unlimited)
	s.persist(ctx)
	return acct, nil
}

func (s *accountService) SetBlocked(ctx context.Context, userID int64, blocked bool) (domain.CreditAccount, error) {
	if userID <= 0 {
		return domain.CreditAccount{}, domain.NewError(domain.KindInvalidInput, "user id is required", nil)
	}
	acct := s.ledger.SetBlocked(userID, blocked)
	s.logger.WithFields(logrus.Fields{"user_id": userID, "blocked": blocked}).Info("Account block state changed")
	s.persist(ctx)
	return acct, nil
}

func (s *accountService) ResetWindow(ctx context.Context, userID int64) (domain.CreditAccount, error) {
	if userID <= 0 {
		return domain.CreditAccount{}, domain.NewError(domain.KindInvalidInput, "user id is required", nil)
	}
	acct := s.ledger.ResetWindow(userID)
	s.persist(ctx)
	return acct, nil
}

func (s *accountService) ListAccounts(ctx context.Context) ([]domain.CreditAccount, error) {
	return s.ledger.Snapshot(), nil
}

// persist writes accounts after an admin change. Failure is logged; the
// periodic flush retries.
func (s *accountService) persist(ctx context.Context) {
	if err := s.accounts.ReplaceAll(ctx, s.ledger.Snapshot()); err != nil {
		s.logger.WithError(err).Warn("Failed to persist accounts")
	}
}
