// Package resolver classifies URLs and turns them into media descriptors
// through platform extractors.
package resolver

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"mediafetch/internal/domain"
)

// Extractor fetches metadata for a URL already classified as platform.
type Extractor interface {
	Extract(ctx context.Context, rawURL string, platform domain.Platform) (*domain.MediaDescriptor, error)
}

// ExtractorFunc adapts a function to Extractor.
type ExtractorFunc func(ctx context.Context, rawURL string, platform domain.Platform) (*domain.MediaDescriptor, error)

func (f ExtractorFunc) Extract(ctx context.Context, rawURL string, platform domain.Platform) (*domain.MediaDescriptor, error) {
	return f(ctx, rawURL, platform)
}

type Config struct {
	// Extractors handles each platform. Platforms without an entry use Generic.
	Extractors     map[domain.Platform]Extractor
	Generic        Extractor
	AllowPlaylists bool
	AllowM3U8      bool
	Timeout        time.Duration
	Logger         *logrus.Logger
}

type Resolver struct {
	cfg Config
	log *logrus.Logger
}

func New(cfg Config) *Resolver {
	if cfg.Logger == nil {
		cfg.Logger = logrus.New()
	}
	if cfg.Extractors == nil {
		cfg.Extractors = map[domain.Platform]Extractor{}
	}
	return &Resolver{cfg: cfg, log: cfg.Logger}
}

// ParseURL accepts only absolute http(s) URLs.
func ParseURL(rawURL string) (*url.URL, error) {
	rawURL = strings.TrimSpace(rawURL)
	u, err := url.ParseRequestURI(rawURL)
	if err != nil {
		return nil, domain.NewError(domain.KindInvalidInput, "malformed url", err)
	}
	switch strings.ToLower(u.Scheme) {
	case "http", "https":
	default:
		return nil, domain.NewError(domain.KindInvalidInput, fmt.Sprintf("unsupported scheme %q", u.Scheme), nil)
	}
	if u.Host == "" {
		return nil, domain.NewError(domain.KindInvalidInput, "url has no host", nil)
	}
	return u, nil
}

// Resolve classifies rawURL and delegates to the matching extractor. It never
// retries; a failed extraction surfaces as ResolutionFailed, or as
// UnsupportedPlatform when only the generic extractor was available.
func (r *Resolver) Resolve(ctx context.Context, rawURL string) (*domain.MediaDescriptor, error) {
	u, err := ParseURL(rawURL)
	if err != nil {
		return nil, err
	}
	if !r.cfg.AllowPlaylists && isPlaylist(u) {
		return nil, domain.NewError(domain.KindInvalidInput, "playlists and channels are not supported", nil)
	}
	if !r.cfg.AllowM3U8 && isM3U8(u) {
		return nil, domain.NewError(domain.KindInvalidInput, "m3u8 links are disabled", nil)
	}

	if r.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.cfg.Timeout)
		defer cancel()
	}

	platform := Classify(u)
	logger := r.log.WithFields(logrus.Fields{"platform": platform, "url": u.String()})

	ext, ok := r.cfg.Extractors[platform]
	if !ok || platform == domain.PlatformGeneric {
		ext, ok = r.cfg.Generic, r.cfg.Generic != nil
	}
	if !ok {
		return nil, domain.NewError(domain.KindUnsupportedPlatform, u.Hostname(), nil)
	}

	desc, err := ext.Extract(ctx, u.String(), platform)
	if err != nil {
		logger.WithError(err).Warn("Extraction failed")
		return nil, r.wrap(ctx, platform, u, err)
	}
	if desc == nil || len(desc.Variants) == 0 {
		return nil, domain.NewError(domain.KindResolutionFailed, "extractor returned no formats", nil)
	}
	if desc.Platform == "" {
		desc.Platform = platform
	}
	if desc.CanonicalURL == "" {
		desc.CanonicalURL = u.String()
	}
	desc.Seal()
	logger.WithFields(logrus.Fields{"title": desc.Title, "variants": len(desc.Variants)}).Info("Media resolved")
	return desc, nil
}

func (r *Resolver) wrap(ctx context.Context, platform domain.Platform, u *url.URL, err error) error {
	switch {
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		return domain.NewError(domain.KindTimeout, "resolution deadline exceeded", err)
	case errors.Is(ctx.Err(), context.Canceled):
		return domain.NewError(domain.KindCancelled, "resolution cancelled", nil)
	}
	switch domain.KindOf(err) {
	case domain.KindInvalidInput, domain.KindUnsupportedPlatform, domain.KindSizeExceeded:
		return err
	}
	if platform == domain.PlatformGeneric {
		return domain.NewError(domain.KindUnsupportedPlatform, u.Hostname(), err)
	}
	return domain.NewError(domain.KindResolutionFailed, string(platform), err)
}
