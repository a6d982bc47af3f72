package resolver

import (
	"net/url"
	"path"
	"strings"

	"mediafetch/internal/domain"
)

var hostSuffixes = []struct {
	suffix   string
	platform domain.Platform
}{
	{"youtube.com", domain.PlatformYouTube},
	{"youtu.be", domain.PlatformYouTube},
	{"tiktok.com", domain.PlatformTikTok},
	{"instagram.com", domain.PlatformInstagram},
	{"reddit.com", domain.PlatformReddit},
	{"redd.it", domain.PlatformReddit},
	{"pixeldrain.com", domain.PlatformDirectLink},
	{"krakenfiles.com", domain.PlatformDirectLink},
}

var directExtensions = map[string]struct{}{
	".mp4": {}, ".mkv": {}, ".webm": {}, ".mov": {}, ".avi": {}, ".m4v": {},
	".mp3": {}, ".m4a": {}, ".flac": {}, ".wav": {}, ".ogg": {}, ".opus": {},
	".zip": {}, ".rar": {}, ".7z": {}, ".pdf": {}, ".apk": {}, ".iso": {},
}

// Classify maps a URL to a platform using its host suffix, then its path
// extension. Anything unmatched is Generic.
func Classify(u *url.URL) domain.Platform {
	host := strings.TrimSuffix(strings.ToLower(u.Hostname()), ".")
	for _, h := range hostSuffixes {
		if host == h.suffix || strings.HasSuffix(host, "."+h.suffix) {
			return h.platform
		}
	}
	if _, ok := directExtensions[strings.ToLower(path.Ext(u.Path))]; ok {
		return domain.PlatformDirectLink
	}
	return domain.PlatformGeneric
}

func isPlaylist(u *url.URL) bool {
	p := strings.ToLower(u.Path)
	if strings.HasPrefix(p, "/playlist") || strings.HasPrefix(p, "/channel/") {
		return true
	}
	q := u.Query()
	return q.Has("list") && !q.Has("v")
}

func isM3U8(u *url.URL) bool {
	s := strings.ToLower(u.String())
	return strings.Contains(s, "m3u8") || strings.HasSuffix(strings.ToLower(u.Path), ".m3u")
}
