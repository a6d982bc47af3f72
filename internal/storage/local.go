package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// LocalService stages downloads in a directory on disk. References have the
// form file://<absolute path>.
type LocalService struct {
	root string
}

func NewLocalService(root string) (*LocalService, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve storage dir: %w", err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("create storage dir: %w", err)
	}
	return &LocalService{root: abs}, nil
}

func (l *LocalService) Stage(ctx context.Context, localPath, key string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	dst, err := l.pathFor(key)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return "", fmt.Errorf("create object dir: %w", err)
	}
	// rename when on the same filesystem, otherwise copy
	if err := os.Rename(localPath, dst); err != nil {
		if err := copyFile(localPath, dst); err != nil {
			return "", fmt.Errorf("stage %s: %w", localPath, err)
		}
	}
	return "file://" + filepath.ToSlash(dst), nil
}

func (l *LocalService) pathFor(key string) (string, error) {
	key = strings.TrimPrefix(filepath.ToSlash(key), "/")
	dst := filepath.Join(l.root, filepath.FromSlash(key))
	if key == "" || !strings.HasPrefix(dst, l.root+string(filepath.Separator)) {
		return "", fmt.Errorf("invalid object key %q", key)
	}
	return dst, nil
}

func (l *LocalService) parse(ref string) (string, error) {
	rest, err := splitRef(ref, "file")
	if err != nil {
		return "", err
	}
	p := filepath.Clean(filepath.FromSlash(rest))
	if !strings.HasPrefix(p, l.root+string(filepath.Separator)) {
		return "", fmt.Errorf("reference %q is outside the storage dir", ref)
	}
	return p, nil
}

// URL returns the reference itself; local files have no expiring links.
func (l *LocalService) URL(ctx context.Context, ref string, expires time.Duration) (string, error) {
	if _, err := l.parse(ref); err != nil {
		return "", err
	}
	return ref, nil
}

func (l *LocalService) Exists(ctx context.Context, ref string) (bool, error) {
	p, err := l.parse(ref)
	if err != nil {
		return false, err
	}
	if _, err := os.Stat(p); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func (l *LocalService) Delete(ctx context.Context, ref string) error {
	p, err := l.parse(ref)
	if err != nil {
		return err
	}
	if err := os.Remove(p); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("delete %s: %w", ref, err)
	}
	return nil
}

var _ Service = (*LocalService)(nil)

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	tmp := dst + ".tmp"
	out, err := os.Create(tmp)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		os.Remove(tmp)
		return err
	}
	if err := out.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	if err := os.Rename(tmp, dst); err != nil {
		os.Remove(tmp)
		return err
	}
	return os.Remove(src)
}
