package resolver

import (
	"context"
	"fmt"
	"net/url"
	"path"
	"regexp"
	"strings"

	"mediafetch/internal/domain"
	"mediafetch/internal/transfer"
)

// Prober reports size, name and range support of a remote file.
type Prober interface {
	Probe(ctx context.Context, rawURL string, headers map[string]string) (transfer.ProbeResult, error)
}

// DirectExtractor describes plain file links from a single HTTP probe.
type DirectExtractor struct {
	Prober Prober
}

var pixeldrainPage = regexp.MustCompile(`^/u/(\w+)`)

func (d *DirectExtractor) Extract(ctx context.Context, rawURL string, platform domain.Platform) (*domain.MediaDescriptor, error) {
	fetchURL := directFileURL(rawURL)
	res, err := d.Prober.Probe(ctx, fetchURL, nil)
	if err != nil {
		return nil, err
	}
	if strings.HasPrefix(strings.ToLower(res.ContentType), "text/html") {
		return nil, domain.NewError(domain.KindResolutionFailed, "link points to a web page, not a file", nil)
	}

	name := res.Filename
	if name == "" {
		name = path.Base(strings.SplitN(fetchURL, "?", 2)[0])
	}
	ext := strings.TrimPrefix(strings.ToLower(path.Ext(name)), ".")
	size := res.Size
	if size < 0 {
		size = 0
	}
	return &domain.MediaDescriptor{
		Platform:     domain.PlatformDirectLink,
		CanonicalURL: rawURL,
		Title:        strings.TrimSuffix(name, path.Ext(name)),
		Filename:     name,
		Variants: []domain.FormatVariant{{
			Quality:       "original",
			AudioOnly:     strings.HasPrefix(strings.ToLower(res.ContentType), "audio/"),
			EstimatedSize: size,
			URLs:          []string{fetchURL},
			Ext:           ext,
		}},
	}, nil
}

// directFileURL rewrites share pages of known hosts to their file endpoint.
func directFileURL(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return rawURL
	}
	host := strings.ToLower(u.Hostname())
	if host == "pixeldrain.com" || strings.HasSuffix(host, ".pixeldrain.com") {
		if m := pixeldrainPage.FindStringSubmatch(u.Path); m != nil {
			return fmt.Sprintf("https://pixeldrain.com/api/file/%s?download", m[1])
		}
	}
	return rawURL
}
