package transfer

import (
	"context"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"path"
	"strconv"
	"strings"

	"mediafetch/internal/domain"
)

const DefaultUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0.0.0 Safari/537.36"

// ProbeResult describes a remote resource without downloading its body.
type ProbeResult struct {
	// Size is -1 when the server does not report it.
	Size         int64
	AcceptRanges bool
	Filename     string
	ContentType  string
	FinalURL     string
}

// Probe issues a HEAD request and falls back to a one-byte ranged GET when
// the server rejects HEAD or omits the length.
func (e *Engine) Probe(ctx context.Context, rawURL string, headers map[string]string) (ProbeResult, error) {
	res, err := e.probeHead(ctx, rawURL, headers)
	if err == nil && res.Size >= 0 {
		return res, nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ProbeResult{}, classify(ctx, ctxErr)
	}
	ranged, rangeErr := e.probeRange(ctx, rawURL, headers)
	if rangeErr != nil {
		if err == nil {
			// HEAD worked but had no length; a single stream can still proceed
			return res, nil
		}
		return ProbeResult{}, rangeErr
	}
	if ranged.Filename == "" {
		ranged.Filename = res.Filename
	}
	return ranged, nil
}

func (e *Engine) probeHead(ctx context.Context, rawURL string, headers map[string]string) (ProbeResult, error) {
	req, err := e.newRequest(ctx, http.MethodHead, rawURL, headers)
	if err != nil {
		return ProbeResult{}, err
	}
	resp, err := e.client.Do(req)
	if err != nil {
		return ProbeResult{}, classify(ctx, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return ProbeResult{}, statusErr(resp)
	}
	return ProbeResult{
		Size:         resp.ContentLength,
		AcceptRanges: strings.Contains(strings.ToLower(resp.Header.Get("Accept-Ranges")), "bytes"),
		Filename:     filenameFrom(resp),
		ContentType:  resp.Header.Get("Content-Type"),
		FinalURL:     resp.Request.URL.String(),
	}, nil
}

func (e *Engine) probeRange(ctx context.Context, rawURL string, headers map[string]string) (ProbeResult, error) {
	req, err := e.newRequest(ctx, http.MethodGet, rawURL, headers)
	if err != nil {
		return ProbeResult{}, err
	}
	req.Header.Set("Range", "bytes=0-0")
	resp, err := e.client.Do(req)
	if err != nil {
		return ProbeResult{}, classify(ctx, err)
	}
	defer resp.Body.Close()
	// drain the single byte so the connection can be reused
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1))

	res := ProbeResult{
		Size:        -1,
		Filename:    filenameFrom(resp),
		ContentType: resp.Header.Get("Content-Type"),
		FinalURL:    resp.Request.URL.String(),
	}
	switch {
	case resp.StatusCode == http.StatusPartialContent:
		res.AcceptRanges = true
		res.Size = totalFromContentRange(resp.Header.Get("Content-Range"))
	case resp.StatusCode < 300:
		res.Size = resp.ContentLength
	default:
		return ProbeResult{}, statusErr(resp)
	}
	return res, nil
}

func (e *Engine) newRequest(ctx context.Context, method, rawURL string, headers map[string]string) (*http.Request, error) {
	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" {
		return nil, domain.NewError(domain.KindInvalidInput, fmt.Sprintf("bad transport url %q", rawURL), err)
	}
	req, err := http.NewRequestWithContext(ctx, method, u.String(), nil)
	if err != nil {
		return nil, domain.NewError(domain.KindInvalidInput, "build request", err)
	}
	origin := u.Scheme + "://" + u.Host
	req.Header.Set("User-Agent", e.cfg.UserAgent)
	req.Header.Set("Accept", "*/*")
	req.Header.Set("Accept-Language", "en-US,en;q=0.9")
	req.Header.Set("Referer", origin+"/")
	req.Header.Set("Origin", origin)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	return req, nil
}

// totalFromContentRange parses "bytes 0-0/12345". It returns -1 for "*".
func totalFromContentRange(v string) int64 {
	i := strings.LastIndexByte(v, '/')
	if i < 0 {
		return -1
	}
	n, err := strconv.ParseInt(strings.TrimSpace(v[i+1:]), 10, 64)
	if err != nil {
		return -1
	}
	return n
}

func filenameFrom(resp *http.Response) string {
	if cd := resp.Header.Get("Content-Disposition"); cd != "" {
		if _, params, err := mime.ParseMediaType(cd); err == nil {
			if name := params["filename"]; name != "" {
				return path.Base(name)
			}
		}
	}
	if resp.Request != nil && resp.Request.URL != nil {
		if base := path.Base(resp.Request.URL.Path); base != "/" && base != "." {
			return base
		}
	}
	return ""
}
