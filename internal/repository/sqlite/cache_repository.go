package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"mediafetch/internal/domain"
	"mediafetch/internal/repository"
)

const createCacheTable = `
CREATE TABLE IF NOT EXISTS cache_entries (
	fingerprint TEXT PRIMARY KEY,
	file_ref TEXT NOT NULL,
	last_access DATETIME NOT NULL,
	created_at DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_cache_entries_last_access ON cache_entries(last_access);
`

type CacheRepository struct {
	db *sql.DB
}

func NewCacheRepository(db *sql.DB) repository.CacheRepository {
	return &CacheRepository{db: db}
}

func (r *CacheRepository) Init(ctx context.Context) error {
	if _, err := r.db.ExecContext(ctx, createCacheTable); err != nil {
		return fmt.Errorf("create cache table: %w", err)
	}
	return nil
}

func (r *CacheRepository) ReplaceAll(ctx context.Context, entries []domain.CacheEntry) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM cache_entries`); err != nil {
		return fmt.Errorf("clear cache entries: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, `
INSERT OR REPLACE INTO cache_entries (fingerprint, file_ref, last_access, created_at)
VALUES (?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare insert cache entry: %w", err)
	}
	defer stmt.Close()

	now := time.Now().UTC()
	for _, e := range entries {
		if e.Fingerprint == "" || e.FileRef == "" {
			continue
		}
		last, created := e.LastAccess, e.CreatedAt
		if last.IsZero() {
			last = now
		}
		if created.IsZero() {
			created = last
		}
		if _, err := stmt.ExecContext(ctx, e.Fingerprint, e.FileRef, last.UTC(), created.UTC()); err != nil {
			return fmt.Errorf("insert cache entry %s: %w", e.Fingerprint, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit cache entries: %w", err)
	}
	return nil
}

func (r *CacheRepository) List(ctx context.Context) ([]domain.CacheEntry, error) {
	rows, err := r.db.QueryContext(ctx, `
SELECT fingerprint, file_ref, last_access, created_at
FROM cache_entries
ORDER BY last_access DESC, fingerprint ASC`)
	if err != nil {
		return nil, fmt.Errorf("query cache entries: %w", err)
	}
	defer rows.Close()

	var entries []domain.CacheEntry
	for rows.Next() {
		var e domain.CacheEntry
		if err := rows.Scan(&e.Fingerprint, &e.FileRef, &e.LastAccess, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan cache entry: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
