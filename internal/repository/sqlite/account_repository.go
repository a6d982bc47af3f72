package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"mediafetch/internal/domain"
	"mediafetch/internal/repository"
)

const createAccountsTable = `
CREATE TABLE IF NOT EXISTS accounts (
	user_id INTEGER PRIMARY KEY,
	balance INTEGER NOT NULL,
	committed INTEGER NOT NULL DEFAULT 0,
	blocked INTEGER NOT NULL DEFAULT 0,
	window_start DATETIME NULL,
	window_count INTEGER NOT NULL DEFAULT 0,
	prev_window_count INTEGER NOT NULL DEFAULT 0,
	updated_at DATETIME NOT NULL
);
`

type AccountRepository struct {
	db *sql.DB
}

func NewAccountRepository(db *sql.DB) repository.AccountRepository {
	return &AccountRepository{db: db}
}

func (r *AccountRepository) Init(ctx context.Context) error {
	if _, err := r.db.ExecContext(ctx, createAccountsTable); err != nil {
		return fmt.Errorf("create accounts table: %w", err)
	}
	return nil
}

// ReplaceAll swaps the stored ledger for accounts in one transaction.
// Reserved amounts are not persisted.
func (r *AccountRepository) ReplaceAll(ctx context.Context, accounts []domain.CreditAccount) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM accounts`); err != nil {
		return fmt.Errorf("clear accounts: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, `
INSERT INTO accounts (user_id, balance, committed, blocked, window_start, window_count, prev_window_count, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare insert account: %w", err)
	}
	defer stmt.Close()

	now := time.Now().UTC()
	for _, a := range accounts {
		updated := a.UpdatedAt
		if updated.IsZero() {
			updated = now
		}
		var windowStart sql.NullTime
		if !a.WindowStart.IsZero() {
			windowStart = sql.NullTime{Time: a.WindowStart.UTC(), Valid: true}
		}
		if _, err := stmt.ExecContext(ctx,
			a.UserID,
			a.Balance,
			a.Committed,
			a.Blocked,
			windowStart,
			a.WindowCount,
			a.PrevWindowCount,
			updated.UTC(),
		); err != nil {
			return fmt.Errorf("insert account %d: %w", a.UserID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit accounts: %w", err)
	}
	return nil
}

func (r *AccountRepository) List(ctx context.Context) ([]domain.CreditAccount, error) {
	rows, err := r.db.QueryContext(ctx, `
SELECT user_id, balance, committed, blocked, window_start, window_count, prev_window_count, updated_at
FROM accounts
ORDER BY user_id ASC`)
	if err != nil {
		return nil, fmt.Errorf("query accounts: %w", err)
	}
	defer rows.Close()

	var accounts []domain.CreditAccount
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, err
		}
		accounts = append(accounts, *a)
	}
	return accounts, rows.Err()
}

func (r *AccountRepository) Get(ctx context.Context, userID int64) (*domain.CreditAccount, error) {
	row := r.db.QueryRowContext(ctx, `
SELECT user_id, balance, committed, blocked, window_start, window_count, prev_window_count, updated_at
FROM accounts WHERE user_id=?`, userID)
	a, err := scanAccount(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.NewError(domain.KindNotFound, fmt.Sprintf("account %d", userID), nil)
		}
		return nil, err
	}
	return a, nil
}

func scanAccount(scanner interface {
	Scan(dest ...any) error
}) (*domain.CreditAccount, error) {
	var (
		a           domain.CreditAccount
		windowStart sql.NullTime
	)
	if err := scanner.Scan(
		&a.UserID,
		&a.Balance,
		&a.Committed,
		&a.Blocked,
		&windowStart,
		&a.WindowCount,
		&a.PrevWindowCount,
		&a.UpdatedAt,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan account: %w", err)
	}
	if windowStart.Valid {
		a.WindowStart = windowStart.Time
	}
	return &a, nil
}
