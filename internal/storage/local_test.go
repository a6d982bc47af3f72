package storage

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLocalServiceLifecycle(t *testing.T) {
	ctx := context.Background()
	svc, err := NewLocalService(filepath.Join(t.TempDir(), "library"))
	if err != nil {
		t.Fatalf("NewLocalService: %v", err)
	}

	src := filepath.Join(t.TempDir(), "clip.mp4")
	if err := os.WriteFile(src, []byte("media"), 0o644); err != nil {
		t.Fatalf("write source: %v", err)
	}

	ref, err := svc.Stage(ctx, src, ObjectKey("mediafetch", "abcdef", "clip.mp4"))
	if err != nil {
		t.Fatalf("Stage: %v", err)
	}
	if !strings.HasPrefix(ref, "file://") || !strings.HasSuffix(ref, "mediafetch/ab/abcdef/clip.mp4") {
		t.Fatalf("unexpected reference %q", ref)
	}
	if _, err := os.Stat(src); !os.IsNotExist(err) {
		t.Errorf("source should be moved, stat err = %v", err)
	}

	ok, err := svc.Exists(ctx, ref)
	if err != nil || !ok {
		t.Fatalf("Exists = %v, %v", ok, err)
	}
	if link, err := svc.URL(ctx, ref, time.Hour); err != nil || link != ref {
		t.Errorf("URL = %q, %v", link, err)
	}

	if err := svc.Delete(ctx, ref); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if ok, _ := svc.Exists(ctx, ref); ok {
		t.Errorf("object still exists after delete")
	}
	if err := svc.Delete(ctx, ref); err != nil {
		t.Errorf("deleting a missing object should be a no-op: %v", err)
	}
}

func TestLocalServiceRejectsEscapingKeys(t *testing.T) {
	svc, err := NewLocalService(t.TempDir())
	if err != nil {
		t.Fatalf("NewLocalService: %v", err)
	}
	src := filepath.Join(t.TempDir(), "x")
	os.WriteFile(src, []byte("x"), 0o644)
	if _, err := svc.Stage(context.Background(), src, "../../etc/passwd"); err == nil {
		t.Errorf("expected key escaping the root to be rejected")
	}
	if _, err := svc.Exists(context.Background(), "file:///etc/passwd"); err == nil {
		t.Errorf("expected reference outside the root to be rejected")
	}
	if _, err := svc.Exists(context.Background(), "s3://bucket/key"); err == nil {
		t.Errorf("expected foreign scheme to be rejected")
	}
}

func TestObjectKey(t *testing.T) {
	if got := ObjectKey("/media/", "ff00aa", "a.mp4"); got != "media/ff/ff00aa/a.mp4" {
		t.Errorf("ObjectKey = %s", got)
	}
	if got := ObjectKey("", "f", "a.mp4"); got != "f/f/a.mp4" {
		t.Errorf("ObjectKey = %s", got)
	}
}
