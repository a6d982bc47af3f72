package resolver

import (
	"strings"

	"mvdan.cc/xurls/v2"

	"mediafetch/internal/domain"
)

var strictURLs = xurls.Strict()

// ExtractURL returns the first http(s) link found in free chat text.
func ExtractURL(text string) (string, error) {
	for _, candidate := range strictURLs.FindAllString(text, -1) {
		lower := strings.ToLower(candidate)
		if strings.HasPrefix(lower, "http://") || strings.HasPrefix(lower, "https://") {
			return candidate, nil
		}
	}
	return "", domain.NewError(domain.KindInvalidInput, "no link found in message", nil)
}
