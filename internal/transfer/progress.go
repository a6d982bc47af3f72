package transfer

import (
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// ProgressFunc receives the running byte count and the expected total (0 when unknown).
type ProgressFunc func(done, total int64)

// NewProgressLogger returns a ProgressFunc that logs at most every 500ms.
func NewProgressLogger(logger *logrus.Entry, label string) ProgressFunc {
	var (
		mu      sync.Mutex
		lastLog time.Time
	)
	return func(done, total int64) {
		mu.Lock()
		defer mu.Unlock()
		now := time.Now()
		if total <= 0 {
			if now.Sub(lastLog) < 500*time.Millisecond && done != 0 {
				return
			}
			lastLog = now
			logger.Infof("%s progress: %s", label, FormatBytes(done))
			return
		}

		percent := float64(done) / float64(total) * 100
		if now.Sub(lastLog) < 500*time.Millisecond && done != total {
			return
		}
		lastLog = now
		logger.Infof("%s progress: %.1f%% (%s/%s)", label, percent, FormatBytes(done), FormatBytes(total))
	}
}

// FormatBytes renders b with binary units, e.g. 1.5MiB.
func FormatBytes(b int64) string {
	const unit = 1024
	if b < unit {
		return fmt.Sprintf("%dB", b)
	}
	div, exp := int64(unit), 0
	for n := b / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f%ciB",
		float64(b)/float64(div),
		"KMGTPE"[exp],
	)
}
