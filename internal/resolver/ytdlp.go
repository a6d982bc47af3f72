package resolver

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"sort"
	"strings"

	"mediafetch/internal/domain"
)

// Runner executes an external command and returns its stdout.
type Runner func(ctx context.Context, name string, args ...string) ([]byte, error)

func execRunner(ctx context.Context, name string, args ...string) ([]byte, error) {
	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		msg := strings.TrimSpace(stderr.String())
		if i := strings.LastIndexByte(msg, '\n'); i >= 0 {
			msg = msg[i+1:]
		}
		return nil, fmt.Errorf("%s: %w: %s", name, err, msg)
	}
	return stdout.Bytes(), nil
}

// YtDlpExtractor reads metadata from `yt-dlp --dump-single-json` without
// downloading anything.
type YtDlpExtractor struct {
	Path string
	Run  Runner
}

func NewYtDlpExtractor(path string) *YtDlpExtractor {
	if path == "" {
		path = "yt-dlp"
	}
	return &YtDlpExtractor{Path: path, Run: execRunner}
}

type ytdlpInfo struct {
	ID          string            `json:"id"`
	Title       string            `json:"title"`
	Duration    float64           `json:"duration"`
	WebpageURL  string            `json:"webpage_url"`
	URL         string            `json:"url"`
	Ext         string            `json:"ext"`
	Filesize    int64             `json:"filesize"`
	FilesizeApx float64           `json:"filesize_approx"`
	Headers     map[string]string `json:"http_headers"`
	Formats     []ytdlpFormat     `json:"formats"`
}

type ytdlpFormat struct {
	FormatID    string            `json:"format_id"`
	URL         string            `json:"url"`
	Ext         string            `json:"ext"`
	Height      int               `json:"height"`
	VCodec      string            `json:"vcodec"`
	ACodec      string            `json:"acodec"`
	Protocol    string            `json:"protocol"`
	Filesize    int64             `json:"filesize"`
	FilesizeApx float64           `json:"filesize_approx"`
	TBR         float64           `json:"tbr"`
	Headers     map[string]string `json:"http_headers"`
}

func (f ytdlpFormat) size() int64 {
	if f.Filesize > 0 {
		return f.Filesize
	}
	return int64(f.FilesizeApx)
}

func (f ytdlpFormat) hasVideo() bool { return f.VCodec != "" && f.VCodec != "none" }
func (f ytdlpFormat) hasAudio() bool { return f.ACodec != "" && f.ACodec != "none" }

func (y *YtDlpExtractor) Extract(ctx context.Context, rawURL string, platform domain.Platform) (*domain.MediaDescriptor, error) {
	out, err := y.Run(ctx, y.Path, "--dump-single-json", "--no-playlist", "--no-warnings", "--skip-download", rawURL)
	if err != nil {
		return nil, err
	}
	var info ytdlpInfo
	if err := json.Unmarshal(out, &info); err != nil {
		return nil, domain.NewError(domain.KindResolutionFailed, "decode yt-dlp output", err)
	}
	return info.descriptor(platform)
}

func (info ytdlpInfo) descriptor(platform domain.Platform) (*domain.MediaDescriptor, error) {
	duration := int64(info.Duration)
	var progressive, audio []ytdlpFormat
	for _, f := range info.Formats {
		if f.URL == "" || strings.Contains(f.Protocol, "m3u8") || strings.Contains(f.Protocol, "dash") {
			continue
		}
		switch {
		case f.hasVideo() && f.hasAudio():
			progressive = append(progressive, f)
		case f.hasAudio() && !f.hasVideo():
			audio = append(audio, f)
		}
	}
	sort.SliceStable(progressive, func(i, j int) bool {
		if progressive[i].Height != progressive[j].Height {
			return progressive[i].Height > progressive[j].Height
		}
		return progressive[i].size() > progressive[j].size()
	})
	sort.SliceStable(audio, func(i, j int) bool { return audio[i].TBR > audio[j].TBR })

	var variants []domain.FormatVariant
	seen := make(map[string]bool)
	for _, f := range progressive {
		label := "best"
		if f.Height > 0 {
			label = fmt.Sprintf("%dp", f.Height)
		}
		if seen[label] {
			continue
		}
		seen[label] = true
		variants = append(variants, info.variant(f, label, false, duration))
	}
	if len(audio) > 0 {
		variants = append(variants, info.variant(audio[0], "audio", true, duration))
	}
	// single-format sites (and some reddit/tiktok posts) only expose a top-level url
	if len(variants) == 0 && info.URL != "" {
		size := info.Filesize
		if size == 0 {
			size = int64(info.FilesizeApx)
		}
		variants = append(variants, domain.FormatVariant{
			Quality:       "best",
			EstimatedSize: size,
			Duration:      duration,
			URLs:          []string{info.URL},
			Headers:       info.Headers,
			Ext:           info.Ext,
		})
	}
	if len(variants) == 0 {
		return nil, domain.NewError(domain.KindResolutionFailed, "no direct formats available", nil)
	}

	title := info.Title
	if title == "" {
		title = info.ID
	}
	return &domain.MediaDescriptor{
		Platform:     platform,
		CanonicalURL: info.WebpageURL,
		Title:        title,
		Filename:     fmt.Sprintf("%s [%s].%s", title, info.ID, variants[0].Ext),
		Variants:     variants,
	}, nil
}

func (info ytdlpInfo) variant(f ytdlpFormat, label string, audio bool, duration int64) domain.FormatVariant {
	headers := f.Headers
	if len(headers) == 0 {
		headers = info.Headers
	}
	return domain.FormatVariant{
		Quality:       label,
		AudioOnly:     audio,
		EstimatedSize: f.size(),
		Duration:      duration,
		URLs:          []string{f.URL},
		Headers:       headers,
		Ext:           f.Ext,
	}
}
