package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrNotFound is returned when a file reference no longer points at an object.
var ErrNotFound = errors.New("object not found")

// Service stages finished downloads and turns the resulting references into
// links the delivery layer can resend.
type Service interface {
	// Stage moves the file at localPath under key and returns its reference.
	Stage(ctx context.Context, localPath, key string) (string, error)
	URL(ctx context.Context, ref string, expires time.Duration) (string, error)
	Exists(ctx context.Context, ref string) (bool, error)
	Delete(ctx context.Context, ref string) error
}

// ObjectKey builds "<prefix>/<fingerprint[:2]>/<fingerprint>/<filename>".
func ObjectKey(prefix, fingerprint, filename string) string {
	shard := fingerprint
	if len(shard) > 2 {
		shard = shard[:2]
	}
	parts := []string{strings.Trim(prefix, "/"), shard, fingerprint, filename}
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p != "" {
			out = append(out, p)
		}
	}
	return strings.Join(out, "/")
}

func splitRef(ref, scheme string) (string, error) {
	rest, ok := strings.CutPrefix(ref, scheme+"://")
	if !ok || rest == "" {
		return "", fmt.Errorf("reference %q is not a %s reference", ref, scheme)
	}
	return rest, nil
}
