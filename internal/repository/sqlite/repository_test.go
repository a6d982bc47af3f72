package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"mediafetch/internal/domain"
)

func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := Open(filepath.Join(t.TempDir(), "nested", "test.db"))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestJobRepositorySaveAndQuery(t *testing.T) {
	ctx := context.Background()
	repo := NewJobRepository(openTestDB(t))
	if err := repo.Init(ctx); err != nil {
		t.Fatalf("init: %v", err)
	}
	// second Init must be harmless
	if err := repo.Init(ctx); err != nil {
		t.Fatalf("re-init: %v", err)
	}

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	finished := base.Add(time.Minute)
	jobs := []domain.JobSnapshot{
		{ID: "a", UserID: 7, URL: "https://a", State: domain.JobStateCompleted, FileRef: "s3://b/a", FromCache: true, CreatedAt: base, FinishedAt: &finished},
		{ID: "b", UserID: 7, URL: "https://b", State: domain.JobStateFailed, FailureKind: domain.KindSizeExceeded, Reason: "too big", CreatedAt: base.Add(time.Second)},
		{ID: "c", UserID: 9, URL: "https://c", State: domain.JobStateCancelled, CancelRequested: true, CreatedAt: base.Add(2 * time.Second)},
	}
	for i := range jobs {
		if err := repo.Save(ctx, &jobs[i]); err != nil {
			t.Fatalf("save %s: %v", jobs[i].ID, err)
		}
	}

	got, err := repo.Get(ctx, "a")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.FileRef != "s3://b/a" || !got.FromCache || got.FinishedAt == nil || !got.FinishedAt.Equal(finished) {
		t.Errorf("unexpected job %+v", got)
	}

	b, err := repo.Get(ctx, "b")
	if err != nil {
		t.Fatalf("get b: %v", err)
	}
	if b.FailureKind != domain.KindSizeExceeded || b.Reason != "too big" || b.FinishedAt != nil {
		t.Errorf("unexpected failed job %+v", b)
	}

	if _, err := repo.Get(ctx, "missing"); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("expected not found, got %v", err)
	}

	mine, err := repo.ListByUser(ctx, 7, 10)
	if err != nil {
		t.Fatalf("list by user: %v", err)
	}
	if len(mine) != 2 || mine[0].ID != "b" {
		t.Fatalf("expected newest first for user 7, got %+v", mine)
	}

	terminal, err := repo.ListByStates(ctx, domain.JobStateCancelled, domain.JobStateFailed)
	if err != nil {
		t.Fatalf("list by states: %v", err)
	}
	if len(terminal) != 2 {
		t.Fatalf("expected 2 jobs, got %d", len(terminal))
	}
}

func TestJobRepositoryUpsert(t *testing.T) {
	ctx := context.Background()
	repo := NewJobRepository(openTestDB(t))
	if err := repo.Init(ctx); err != nil {
		t.Fatalf("init: %v", err)
	}
	job := &domain.JobSnapshot{ID: "x", UserID: 1, URL: "https://x", State: domain.JobStateTransferring}
	if err := repo.Save(ctx, job); err != nil {
		t.Fatalf("save: %v", err)
	}
	job.State = domain.JobStateCompleted
	job.BytesTransferred = 42
	if err := repo.Save(ctx, job); err != nil {
		t.Fatalf("update: %v", err)
	}
	got, err := repo.Get(ctx, "x")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.State != domain.JobStateCompleted || got.BytesTransferred != 42 {
		t.Errorf("upsert not applied: %+v", got)
	}
}

func TestAccountRepositoryReplaceAll(t *testing.T) {
	ctx := context.Background()
	repo := NewAccountRepository(openTestDB(t))
	if err := repo.Init(ctx); err != nil {
		t.Fatalf("init: %v", err)
	}

	start := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	first := []domain.CreditAccount{
		{UserID: 1, Balance: 4, Committed: 1, WindowStart: start, WindowCount: 3, PrevWindowCount: 2},
		{UserID: 2, Balance: domain.Unlimited, Blocked: true},
	}
	if err := repo.ReplaceAll(ctx, first); err != nil {
		t.Fatalf("replace: %v", err)
	}

	got, err := repo.Get(ctx, 1)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Balance != 4 || got.WindowCount != 3 || got.PrevWindowCount != 2 || !got.WindowStart.Equal(start) {
		t.Errorf("unexpected account %+v", got)
	}
	unlimited, err := repo.Get(ctx, 2)
	if err != nil {
		t.Fatalf("get unlimited: %v", err)
	}
	if !unlimited.IsUnlimited() || !unlimited.Blocked || !unlimited.WindowStart.IsZero() {
		t.Errorf("unexpected account %+v", unlimited)
	}

	if err := repo.ReplaceAll(ctx, []domain.CreditAccount{{UserID: 3, Balance: 10}}); err != nil {
		t.Fatalf("second replace: %v", err)
	}
	all, err := repo.List(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(all) != 1 || all[0].UserID != 3 {
		t.Fatalf("expected only account 3, got %+v", all)
	}
	if _, err := repo.Get(ctx, 1); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("expected not found after replace, got %v", err)
	}
}

func TestCacheRepositoryOrdersByRecency(t *testing.T) {
	ctx := context.Background()
	repo := NewCacheRepository(openTestDB(t))
	if err := repo.Init(ctx); err != nil {
		t.Fatalf("init: %v", err)
	}

	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	entries := []domain.CacheEntry{
		{Fingerprint: "old", FileRef: "ref-old", LastAccess: now.Add(-time.Hour)},
		{Fingerprint: "new", FileRef: "ref-new", LastAccess: now},
		{Fingerprint: "empty"},
	}
	if err := repo.ReplaceAll(ctx, entries); err != nil {
		t.Fatalf("replace: %v", err)
	}
	got, err := repo.List(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(got))
	}
	if got[0].Fingerprint != "new" || got[1].Fingerprint != "old" {
		t.Errorf("expected most recent first, got %+v", got)
	}
	if !got[1].CreatedAt.Equal(now.Add(-time.Hour)) {
		t.Errorf("created_at should default to last access, got %v", got[1].CreatedAt)
	}
}
