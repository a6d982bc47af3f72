package resolver

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"

	"github.com/flytam/filenamify"
	"github.com/kkdai/youtube/v2"

	"mediafetch/internal/domain"
)

// videoClient is the subset of *youtube.Client used for extraction.
type videoClient interface {
	GetVideoContext(ctx context.Context, url string) (*youtube.Video, error)
	GetStreamURLContext(ctx context.Context, video *youtube.Video, format *youtube.Format) (string, error)
}

// YouTubeExtractor lists progressive video formats plus the best audio-only
// stream of a single video.
type YouTubeExtractor struct {
	client videoClient
}

func NewYouTubeExtractor(httpClient *http.Client) *YouTubeExtractor {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &YouTubeExtractor{client: &youtube.Client{HTTPClient: httpClient}}
}

func (y *YouTubeExtractor) Extract(ctx context.Context, rawURL string, platform domain.Platform) (*domain.MediaDescriptor, error) {
	video, err := y.client.GetVideoContext(ctx, rawURL)
	if err != nil {
		return nil, youtubeError(err)
	}

	duration := int64(video.Duration.Seconds())
	var progressive []*youtube.Format
	var bestAudio *youtube.Format
	for i := range video.Formats {
		f := &video.Formats[i]
		switch {
		case f.AudioChannels > 0 && f.Height > 0:
			progressive = append(progressive, f)
		case f.AudioChannels > 0 && f.Width == 0 && f.Height == 0:
			if bestAudio == nil || f.Bitrate > bestAudio.Bitrate {
				bestAudio = f
			}
		}
	}
	sort.SliceStable(progressive, func(i, j int) bool {
		if progressive[i].Height != progressive[j].Height {
			return progressive[i].Height > progressive[j].Height
		}
		return progressive[i].ContentLength > progressive[j].ContentLength
	})

	variants := make([]domain.FormatVariant, 0, len(progressive)+1)
	seen := make(map[string]bool)
	for _, f := range progressive {
		label := f.QualityLabel
		if label == "" {
			label = fmt.Sprintf("%dp", f.Height)
		}
		if seen[label] {
			continue
		}
		v, err := y.variant(ctx, video, f, label, false, duration)
		if err != nil {
			return nil, err
		}
		seen[label] = true
		variants = append(variants, v)
	}
	if bestAudio != nil {
		v, err := y.variant(ctx, video, bestAudio, "audio", true, duration)
		if err != nil {
			return nil, err
		}
		variants = append(variants, v)
	}
	if len(variants) == 0 {
		return nil, domain.NewError(domain.KindResolutionFailed, "no downloadable formats", nil)
	}

	name, err := filenamify.Filenamify(video.Title, filenamify.Options{Replacement: "_", MaxLength: 120})
	if err != nil || name == "" {
		name = video.ID
	}
	return &domain.MediaDescriptor{
		Platform:     domain.PlatformYouTube,
		CanonicalURL: "https://www.youtube.com/watch?v=" + video.ID,
		Title:        video.Title,
		Filename:     name + "." + variants[0].Ext,
		Variants:     variants,
	}, nil
}

func (y *YouTubeExtractor) variant(ctx context.Context, video *youtube.Video, f *youtube.Format, label string, audio bool, duration int64) (domain.FormatVariant, error) {
	streamURL, err := y.client.GetStreamURLContext(ctx, video, f)
	if err != nil {
		return domain.FormatVariant{}, youtubeError(err)
	}
	return domain.FormatVariant{
		Quality:       label,
		AudioOnly:     audio,
		EstimatedSize: f.ContentLength,
		Duration:      duration,
		URLs:          []string{streamURL},
		Ext:           mimeToExt(f.MimeType, audio),
	}, nil
}

func mimeToExt(mime string, audio bool) string {
	mime = strings.ToLower(mime)
	switch {
	case strings.Contains(mime, "webm"):
		return "webm"
	case audio && strings.Contains(mime, "mp4"):
		return "m4a"
	default:
		return "mp4"
	}
}

func youtubeError(err error) error {
	switch {
	case errors.Is(err, youtube.ErrLoginRequired),
		errors.Is(err, youtube.ErrVideoPrivate),
		errors.Is(err, youtube.ErrNotPlayableInEmbed):
		return domain.NewError(domain.KindResolutionFailed, "video is restricted", err)
	case errors.Is(err, youtube.ErrInvalidCharactersInVideoID),
		errors.Is(err, youtube.ErrVideoIDMinLength):
		return domain.NewError(domain.KindInvalidInput, "not a video link", err)
	}
	return fmt.Errorf("youtube: %w", err)
}
