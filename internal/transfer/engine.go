// Package transfer moves bytes from a resolved format variant to a local
// file, optionally across parallel ranged connections.
package transfer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"mediafetch/internal/domain"
)

// DefaultMaxSize is the hard ceiling on a single transfer (2 GiB).
const DefaultMaxSize int64 = 2 << 30

type Config struct {
	MaxSize         int64
	MultiConnection bool
	MaxSegments     int
	MinSegmentSize  int64
	// Retries is the number of extra attempts per segment after the first.
	Retries    int
	Backoff    time.Duration
	ChunkSize  int
	UserAgent  string
	HTTPClient *http.Client
	Logger     *logrus.Logger
}

type Engine struct {
	cfg    Config
	client *http.Client
	log    *logrus.Logger
}

func NewEngine(cfg Config) *Engine {
	if cfg.MaxSize <= 0 {
		cfg.MaxSize = DefaultMaxSize
	}
	if cfg.MaxSegments <= 0 {
		cfg.MaxSegments = 16
	}
	if cfg.MinSegmentSize <= 0 {
		cfg.MinSegmentSize = 1 << 20
	}
	if cfg.Retries < 0 {
		cfg.Retries = 0
	}
	if cfg.Backoff <= 0 {
		cfg.Backoff = 500 * time.Millisecond
	}
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = 256 << 10
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = DefaultUserAgent
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Transport: http.DefaultTransport}
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.New()
	}
	return &Engine{cfg: cfg, client: cfg.HTTPClient, log: cfg.Logger}
}

// MaxSize returns the configured ceiling.
func (e *Engine) MaxSize() int64 { return e.cfg.MaxSize }

// CheckSize rejects an estimate above the ceiling. An estimate exactly at the
// ceiling is accepted.
func (e *Engine) CheckSize(size int64) error {
	if size > e.cfg.MaxSize {
		return domain.NewError(domain.KindSizeExceeded,
			fmt.Sprintf("%s exceeds the %s limit", FormatBytes(size), FormatBytes(e.cfg.MaxSize)), nil)
	}
	return nil
}

// Transfer downloads v into destination and returns the bytes written. The
// destination only appears once the transfer is complete; partial output is
// kept in a sibling .part file that is removed on failure or cancellation.
func (e *Engine) Transfer(ctx context.Context, v domain.FormatVariant, destination string, progress ProgressFunc) (int64, error) {
	if err := e.CheckSize(v.EstimatedSize); err != nil {
		return 0, err
	}
	if len(v.URLs) == 0 {
		return 0, domain.NewError(domain.KindInvalidInput, "variant has no transport url", nil)
	}
	if err := ctx.Err(); err != nil {
		return 0, classify(ctx, err)
	}
	if progress == nil {
		progress = func(int64, int64) {}
	}

	var lastErr error
	for _, src := range v.URLs {
		n, err := e.transferFrom(ctx, src, v.Headers, destination, progress)
		if err == nil {
			return n, nil
		}
		lastErr = err
		switch domain.KindOf(err) {
		case domain.KindCancelled, domain.KindTimeout, domain.KindSizeExceeded:
			return 0, err
		}
		e.log.WithError(err).WithField("url", src).Warn("Transfer source failed")
	}
	return 0, lastErr
}

func (e *Engine) transferFrom(ctx context.Context, src string, headers map[string]string, destination string, progress ProgressFunc) (int64, error) {
	probe, err := e.Probe(ctx, src, headers)
	if err != nil {
		return 0, err
	}
	if err := e.CheckSize(probe.Size); err != nil {
		return 0, err
	}
	if probe.FinalURL != "" {
		src = probe.FinalURL
	}

	if err := os.MkdirAll(filepath.Dir(destination), 0o755); err != nil {
		return 0, domain.NewError(domain.KindInternal, "create destination dir", err)
	}
	part := destination + ".part"
	f, err := os.OpenFile(part, os.O_CREATE|os.O_TRUNC|os.O_RDWR, 0o644)
	if err != nil {
		return 0, domain.NewError(domain.KindInternal, "create partial file", err)
	}

	sink := &progressSink{fn: progress, total: max(probe.Size, 0)}
	var n int64
	if segs := e.plan(probe); len(segs) > 1 {
		e.log.WithFields(logrus.Fields{"segments": len(segs), "size": FormatBytes(probe.Size)}).Debug("Segmented transfer")
		n, err = e.fetchSegments(ctx, src, headers, f, segs, sink)
	} else {
		n, err = e.fetchStream(ctx, src, headers, f, probe, sink)
	}

	if err == nil {
		err = f.Sync()
	}
	closeErr := f.Close()
	if err == nil && closeErr != nil {
		err = domain.NewError(domain.KindInternal, "close partial file", closeErr)
	}
	if err == nil {
		if renameErr := os.Rename(part, destination); renameErr != nil {
			err = domain.NewError(domain.KindInternal, "finalize file", renameErr)
		}
	}
	if err != nil {
		_ = os.Remove(part)
		return 0, err
	}
	return n, nil
}

type segment struct {
	index int
	start int64
	end   int64 // inclusive
}

func (s segment) length() int64 { return s.end - s.start + 1 }

// plan splits a known-size, range-capable resource into at most MaxSegments
// pieces of at least MinSegmentSize bytes.
func (e *Engine) plan(p ProbeResult) []segment {
	if !e.cfg.MultiConnection || !p.AcceptRanges || p.Size < 2*e.cfg.MinSegmentSize {
		return nil
	}
	return splitRange(p.Size, e.cfg.MaxSegments, e.cfg.MinSegmentSize)
}

func splitRange(size int64, maxSegments int, minSize int64) []segment {
	count := size / minSize
	if count > int64(maxSegments) {
		count = int64(maxSegments)
	}
	if count < 1 {
		count = 1
	}
	step := size / count
	segs := make([]segment, 0, count)
	for i := int64(0); i < count; i++ {
		start := i * step
		end := start + step - 1
		if i == count-1 {
			end = size - 1
		}
		segs = append(segs, segment{index: int(i), start: start, end: end})
	}
	return segs
}

func (e *Engine) fetchSegments(ctx context.Context, src string, headers map[string]string, f *os.File, segs []segment, sink *progressSink) (int64, error) {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.cfg.MaxSegments)
	for _, seg := range segs {
		g.Go(func() error {
			return e.fetchSegment(gctx, src, headers, f, seg, sink)
		})
	}
	if err := g.Wait(); err != nil {
		// a sibling failure cancels gctx; report the caller's cancellation when it was the cause
		if ctx.Err() != nil {
			return 0, classify(ctx, ctx.Err())
		}
		return 0, err
	}
	var total int64
	for _, seg := range segs {
		total += seg.length()
	}
	return total, nil
}

// fetchSegment retries a single range with exponential backoff, resuming from
// the last byte written.
func (e *Engine) fetchSegment(ctx context.Context, src string, headers map[string]string, f *os.File, seg segment, sink *progressSink) error {
	var written int64
	for attempt := 0; ; attempt++ {
		start := seg.start + written
		w := io.NewOffsetWriter(f, start)
		n, err := e.fetchRange(ctx, src, headers, w, start, seg.end, sink)
		written += n
		if err == nil && written != seg.length() {
			err = domain.NewError(domain.KindNetwork, fmt.Sprintf("segment %d short read: %d of %d bytes", seg.index, written, seg.length()), nil)
		}
		if err == nil {
			return nil
		}
		if !retryable(err) || attempt >= e.cfg.Retries {
			return fmt.Errorf("segment %d: %w", seg.index, err)
		}
		wait := e.backoff(attempt)
		e.log.WithError(err).WithFields(logrus.Fields{
			"segment": seg.index,
			"attempt": attempt + 1,
		}).Warnf("Segment failed, retrying in %s", wait)
		if err := sleep(ctx, wait); err != nil {
			return err
		}
	}
}

// maxBackoff caps the wait between attempts.
const maxBackoff = 30 * time.Second

// backoff doubles the configured wait per attempt, up to maxBackoff.
func (e *Engine) backoff(attempt int) time.Duration {
	wait := e.cfg.Backoff
	for i := 0; i < attempt && wait < maxBackoff; i++ {
		wait *= 2
	}
	if wait > maxBackoff || wait < 0 {
		wait = maxBackoff
	}
	return wait
}

func (e *Engine) fetchRange(ctx context.Context, src string, headers map[string]string, w io.Writer, start, end int64, sink *progressSink) (int64, error) {
	req, err := e.newRequest(ctx, http.MethodGet, src, headers)
	if err != nil {
		return 0, err
	}
	req.Header.Set("Range", fmt.Sprintf("bytes=%d-%d", start, end))
	resp, err := e.client.Do(req)
	if err != nil {
		return 0, classify(ctx, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusPartialContent {
		if resp.StatusCode == http.StatusOK {
			return 0, domain.NewError(domain.KindNetwork, "server ignored range request", nil)
		}
		return 0, statusErr(resp)
	}
	return e.copyChunks(ctx, w, io.LimitReader(resp.Body, end-start+1), sink, -1)
}

// fetchStream downloads the whole resource over one connection. When the
// server supports ranges a retry resumes; otherwise it starts over.
func (e *Engine) fetchStream(ctx context.Context, src string, headers map[string]string, f *os.File, p ProbeResult, sink *progressSink) (int64, error) {
	var written int64
	for attempt := 0; ; attempt++ {
		if written > 0 && !p.AcceptRanges {
			if err := f.Truncate(0); err != nil {
				return 0, domain.NewError(domain.KindInternal, "truncate partial file", err)
			}
			sink.add(-written)
			written = 0
		}
		n, err := e.streamOnce(ctx, src, headers, io.NewOffsetWriter(f, written), written, sink)
		written += n
		if err == nil && p.Size >= 0 && written != p.Size {
			err = domain.NewError(domain.KindNetwork, fmt.Sprintf("short read: %d of %d bytes", written, p.Size), nil)
		}
		if err == nil {
			return written, nil
		}
		if !retryable(err) || attempt >= e.cfg.Retries {
			return 0, err
		}
		wait := e.backoff(attempt)
		e.log.WithError(err).WithField("attempt", attempt+1).Warnf("Stream failed, retrying in %s", wait)
		if err := sleep(ctx, wait); err != nil {
			return 0, err
		}
	}
}

func (e *Engine) streamOnce(ctx context.Context, src string, headers map[string]string, w io.Writer, offset int64, sink *progressSink) (int64, error) {
	req, err := e.newRequest(ctx, http.MethodGet, src, headers)
	if err != nil {
		return 0, err
	}
	if offset > 0 {
		req.Header.Set("Range", fmt.Sprintf("bytes=%d-", offset))
	}
	resp, err := e.client.Do(req)
	if err != nil {
		return 0, classify(ctx, err)
	}
	defer resp.Body.Close()
	switch {
	case offset > 0 && resp.StatusCode == http.StatusPartialContent:
	case offset == 0 && resp.StatusCode == http.StatusOK:
	case offset > 0 && resp.StatusCode == http.StatusOK:
		return 0, domain.NewError(domain.KindNetwork, "server ignored resume range", nil)
	default:
		return 0, statusErr(resp)
	}
	if resp.ContentLength > 0 {
		if err := e.CheckSize(offset + resp.ContentLength); err != nil {
			return 0, err
		}
	}
	// one byte past what is left under the ceiling detects oversize bodies
	limit := e.cfg.MaxSize - offset + 1
	return e.copyChunks(ctx, w, io.LimitReader(resp.Body, limit), sink, e.cfg.MaxSize-offset)
}

// copyChunks copies r into w in ChunkSize pieces, checking ctx between chunks.
// When budget is non-negative, exceeding it fails with SizeExceeded.
func (e *Engine) copyChunks(ctx context.Context, w io.Writer, r io.Reader, sink *progressSink, budget int64) (int64, error) {
	buf := make([]byte, e.cfg.ChunkSize)
	var n int64
	for {
		if err := ctx.Err(); err != nil {
			return n, classify(ctx, err)
		}
		nr, rerr := r.Read(buf)
		if nr > 0 {
			if budget >= 0 && n+int64(nr) > budget {
				return n, domain.NewError(domain.KindSizeExceeded,
					fmt.Sprintf("body exceeds the %s limit", FormatBytes(e.cfg.MaxSize)), nil)
			}
			nw, werr := w.Write(buf[:nr])
			n += int64(nw)
			sink.add(int64(nw))
			if werr != nil {
				return n, domain.NewError(domain.KindInternal, "write partial file", werr)
			}
		}
		if rerr == io.EOF {
			return n, nil
		}
		if rerr != nil {
			return n, classify(ctx, rerr)
		}
	}
}

type progressSink struct {
	mu    sync.Mutex
	fn    ProgressFunc
	done  int64
	total int64
}

func (s *progressSink) add(n int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.done += n
	s.fn(s.done, s.total)
}

type statusError struct {
	Code int
}

func (e *statusError) Error() string {
	return fmt.Sprintf("unexpected status %d %s", e.Code, http.StatusText(e.Code))
}

func statusErr(resp *http.Response) error {
	return domain.NewError(domain.KindNetwork, "", &statusError{Code: resp.StatusCode})
}

// retryable treats client errors other than 408 and 429 as permanent.
func retryable(err error) bool {
	if !domain.Retryable(err) {
		return false
	}
	var se *statusError
	if errors.As(err, &se) && se.Code >= 400 && se.Code < 500 {
		return se.Code == http.StatusRequestTimeout || se.Code == http.StatusTooManyRequests
	}
	return true
}

// classify maps transport and context errors onto the error taxonomy.
func classify(ctx context.Context, err error) error {
	var de *domain.Error
	if errors.As(err, &de) {
		return err
	}
	switch {
	case errors.Is(ctx.Err(), context.Canceled):
		return domain.NewError(domain.KindCancelled, "transfer cancelled", nil)
	case errors.Is(ctx.Err(), context.DeadlineExceeded), errors.Is(err, context.DeadlineExceeded):
		return domain.NewError(domain.KindTimeout, "transfer deadline exceeded", err)
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return domain.NewError(domain.KindTimeout, "", err)
	}
	return domain.NewError(domain.KindNetwork, "", err)
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return classify(ctx, ctx.Err())
	case <-t.C:
		return nil
	}
}
