package domain

import (
	"encoding/hex"
	"fmt"
	"path"
	"strings"

	"github.com/flytam/filenamify"
	"golang.org/x/crypto/blake2b"
)

// Platform identifies the source site a URL belongs to.
type Platform string

const (
	PlatformYouTube    Platform = "youtube"
	PlatformTikTok     Platform = "tiktok"
	PlatformInstagram  Platform = "instagram"
	PlatformReddit     Platform = "reddit"
	PlatformDirectLink Platform = "direct"
	PlatformGeneric    Platform = "generic"
)

// Platforms lists the closed set of supported platforms.
var Platforms = []Platform{
	PlatformYouTube,
	PlatformTikTok,
	PlatformInstagram,
	PlatformReddit,
	PlatformDirectLink,
	PlatformGeneric,
}

// FormatVariant is one downloadable rendition of a media item.
type FormatVariant struct {
	Quality       string
	AudioOnly     bool
	EstimatedSize int64
	Duration      int64
	URLs          []string
	Headers       map[string]string
	Ext           string
}

// MediaDescriptor describes resolved media. It is not mutated after resolution.
type MediaDescriptor struct {
	Platform     Platform
	CanonicalURL string
	Title        string
	Filename     string
	Variants     []FormatVariant
	Fingerprint  string
}

// FormatChoice is the user's requested quality.
type FormatChoice struct {
	Quality   string
	AudioOnly bool
}

const QualityBest = "best"

// NormalizeFilename reduces a resolved filename to the form used for fingerprinting.
func NormalizeFilename(name string) string {
	name = strings.TrimSpace(strings.ToLower(name))
	if name == "" {
		return ""
	}
	out, err := filenamify.Filenamify(name, filenamify.Options{Replacement: "_"})
	if err != nil {
		return name
	}
	return out
}

// ComputeFingerprint derives the dedup key from (normalized filename, size, duration).
func ComputeFingerprint(filename string, size, duration int64) string {
	sum := blake2b.Sum256([]byte(fmt.Sprintf("%s|%d|%d", NormalizeFilename(filename), size, duration)))
	return hex.EncodeToString(sum[:])
}

// FingerprintFor returns the dedup key for a specific variant of d.
func (d *MediaDescriptor) FingerprintFor(v FormatVariant) string {
	return ComputeFingerprint(d.Filename, v.EstimatedSize, v.Duration)
}

// Seal fills derived fields. Extractors call it once before returning.
func (d *MediaDescriptor) Seal() {
	if d.Filename == "" {
		d.Filename = filenameFromURL(d.CanonicalURL)
	}
	if len(d.Variants) > 0 {
		d.Fingerprint = d.FingerprintFor(d.Variants[0])
	}
}

// Select picks the variant matching choice. Variants are ordered by preference,
// so "best" (or an empty quality) returns the first eligible one.
func (d *MediaDescriptor) Select(choice FormatChoice) (FormatVariant, error) {
	if len(d.Variants) == 0 {
		return FormatVariant{}, NewError(KindResolutionFailed, "no downloadable formats", nil)
	}
	quality := strings.ToLower(strings.TrimSpace(choice.Quality))
	audio := choice.AudioOnly || quality == "audio"

	if audio {
		for _, v := range d.Variants {
			if v.AudioOnly {
				return v, nil
			}
		}
		return FormatVariant{}, NewError(KindInvalidInput, "no audio-only format available", nil)
	}

	if quality == "" || quality == QualityBest {
		for _, v := range d.Variants {
			if !v.AudioOnly {
				return v, nil
			}
		}
		return d.Variants[0], nil
	}

	for _, v := range d.Variants {
		if v.AudioOnly {
			continue
		}
		if strings.EqualFold(strings.TrimSuffix(v.Quality, "p"), strings.TrimSuffix(quality, "p")) {
			return v, nil
		}
	}
	return FormatVariant{}, NewError(KindInvalidInput, fmt.Sprintf("quality %q not available", choice.Quality), nil)
}

func filenameFromURL(raw string) string {
	trimmed := raw
	if i := strings.IndexAny(trimmed, "?#"); i >= 0 {
		trimmed = trimmed[:i]
	}
	base := path.Base(strings.TrimRight(trimmed, "/"))
	if base == "." || base == "/" {
		return ""
	}
	return base
}
