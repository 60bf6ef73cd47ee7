package fetch

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/hyperifyio/kindlesender/internal/article"
)

const (
	defaultRedirectMaxHops = 5
	defaultMaxBodyBytes    = 10 << 20
	defaultTimeout         = 20 * time.Second
)

var errTooManyRedirects = errors.New("too many redirects")

// Client wraps http.Client with per-request timeouts, a redirect bound,
// content-type gating and body size caps. It never retries on its own.
type Client struct {
	HTTPClient *http.Client
	UserAgent  string
	// PerRequestTimeout bounds each request. Zero means 20s.
	PerRequestTimeout time.Duration
	// RedirectMaxHops caps redirect following to avoid loops. Zero means default (5).
	RedirectMaxHops int
	// MaxBodyBytes caps page bodies. Zero means 10 MiB.
	MaxBodyBytes int64
	// MaxConcurrent limits concurrent in-flight requests per client instance.
	// Zero means unlimited.
	MaxConcurrent int
	Logger        zerolog.Logger

	// internal limiter initialized on first use when MaxConcurrent > 0
	limiter     chan struct{}
	limiterOnce sync.Once
	now         func() time.Time
}

func (c *Client) getHTTPClient() *http.Client {
	if c.HTTPClient != nil {
		// Clone to attach our redirect policy without mutating caller's client
		base := *c.HTTPClient
		base.CheckRedirect = c.checkRedirectFunc()
		return &base
	}
	return &http.Client{CheckRedirect: c.checkRedirectFunc()}
}

func (c *Client) timeout() time.Duration {
	if c.PerRequestTimeout > 0 {
		return c.PerRequestTimeout
	}
	return defaultTimeout
}

// Fetch retrieves an HTML page and detects its character encoding.
func (c *Client) Fetch(ctx context.Context, rawURL string) (article.Source, error) {
	limit := c.MaxBodyBytes
	if limit <= 0 {
		limit = defaultMaxBodyBytes
	}
	res, err := c.get(ctx, rawURL, "text/html,application/xhtml+xml;q=0.9,*/*;q=0.5", limit)
	if err != nil {
		return article.Source{}, err
	}
	if !isAllowedHTMLContentType(res.contentType, res.body) {
		return article.Source{}, &Error{Kind: KindUnsupportedContent, URL: rawURL, StatusCode: res.status,
			Err: fmt.Errorf("content type %q", res.contentType)}
	}
	enc := DetectEncoding(res.body, res.contentType)
	if !enc.Certain {
		c.Logger.Warn().Str("url", rawURL).Str("encoding", enc.Label).Str("source", enc.Source).Msg("character encoding uncertain")
	}
	now := time.Now
	if c.now != nil {
		now = c.now
	}
	return article.Source{
		URL:             rawURL,
		FinalURL:        res.finalURL,
		Body:            res.body,
		ContentType:     res.contentType,
		Encoding:        enc.Label,
		EncodingCertain: enc.Certain,
		EncodingSource:  enc.Source,
		FetchedAt:       now().UTC(),
	}, nil
}

// GetAsset downloads an image. Bodies larger than maxBytes fail with
// KindBodyTooLarge without reading the remainder.
func (c *Client) GetAsset(ctx context.Context, rawURL string, maxBytes int64) ([]byte, string, error) {
	if maxBytes <= 0 {
		maxBytes = defaultMaxBodyBytes
	}
	res, err := c.get(ctx, rawURL, "image/*", maxBytes)
	if err != nil {
		return nil, "", err
	}
	mediaType := mediaTypeOf(res.contentType)
	if !strings.HasPrefix(mediaType, "image/") {
		mediaType = mediaTypeOf(http.DetectContentType(res.body))
	}
	if !strings.HasPrefix(mediaType, "image/") {
		return nil, "", &Error{Kind: KindUnsupportedContent, URL: rawURL, StatusCode: res.status,
			Err: fmt.Errorf("content type %q", res.contentType)}
	}
	return res.body, mediaType, nil
}

type response struct {
	body        []byte
	contentType string
	finalURL    string
	status      int
}

func (c *Client) get(ctx context.Context, rawURL string, accept string, limit int64) (*response, error) {
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		return nil, &Error{Kind: KindInvalidURL, URL: rawURL, Err: err}
	}
	// Reject non-HTTP(S) schemes early
	if !isHTTPScheme(u) || u.Host == "" {
		return nil, &Error{Kind: KindInvalidURL, URL: rawURL, Err: fmt.Errorf("unsupported URL scheme: %q", u.Scheme)}
	}

	// Concurrency gate per client instance
	if err := c.acquire(ctx); err != nil {
		return nil, classify(rawURL, err)
	}
	defer c.release()

	ctx, cancel := context.WithTimeout(ctx, c.timeout())
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, &Error{Kind: KindInvalidURL, URL: rawURL, Err: err}
	}
	if c.UserAgent != "" {
		req.Header.Set("User-Agent", c.UserAgent)
	}
	req.Header.Set("Accept", accept)

	start := time.Now()
	resp, err := c.getHTTPClient().Do(req)
	if err != nil {
		return nil, classify(rawURL, err)
	}
	defer resp.Body.Close()

	c.Logger.Debug().Str("url", rawURL).Int("status", resp.StatusCode).Dur("elapsed", time.Since(start)).Msg("fetched")

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &Error{Kind: KindStatus, URL: rawURL, StatusCode: resp.StatusCode,
			Err: fmt.Errorf("unexpected status: %d", resp.StatusCode)}
	}
	b, err := io.ReadAll(io.LimitReader(resp.Body, limit+1))
	if err != nil {
		return nil, classify(rawURL, fmt.Errorf("read body: %w", err))
	}
	if int64(len(b)) > limit {
		return nil, &Error{Kind: KindBodyTooLarge, URL: rawURL, StatusCode: resp.StatusCode,
			Err: fmt.Errorf("body exceeds %d bytes", limit)}
	}
	final := rawURL
	if resp.Request != nil && resp.Request.URL != nil {
		final = resp.Request.URL.String()
	}
	return &response{body: b, contentType: resp.Header.Get("Content-Type"), finalURL: final, status: resp.StatusCode}, nil
}

func (c *Client) checkRedirectFunc() func(req *http.Request, via []*http.Request) error {
	max := c.RedirectMaxHops
	if max <= 0 {
		max = defaultRedirectMaxHops
	}
	return func(req *http.Request, via []*http.Request) error {
		if len(via) > max {
			return errTooManyRedirects
		}
		// Only allow http/https during redirects
		if req.URL == nil || !isHTTPScheme(req.URL) {
			return errors.New("redirect to unsupported scheme")
		}
		return nil
	}
}

func isHTTPScheme(u *url.URL) bool {
	if u == nil {
		return false
	}
	scheme := strings.ToLower(u.Scheme)
	return scheme == "http" || scheme == "https"
}

func mediaTypeOf(ct string) string {
	mt, _, err := mime.ParseMediaType(ct)
	if err != nil {
		return strings.ToLower(strings.TrimSpace(ct))
	}
	return mt
}

func isAllowedHTMLContentType(ct string, body []byte) bool {
	mt := mediaTypeOf(ct)
	if mt == "" || mt == "application/octet-stream" {
		// Missing or generic type: trust the body
		mt = mediaTypeOf(http.DetectContentType(body))
		if mt == "text/plain" && bytes.Contains(bytes.ToLower(body[:min(len(body), 2048)]), []byte("<html")) {
			return true
		}
	}
	// allow text/html variants and application/xhtml+xml
	return mt == "text/html" || mt == "application/xhtml+xml"
}

func (c *Client) acquire(ctx context.Context) error {
	if c.MaxConcurrent <= 0 {
		return nil
	}
	c.limiterOnce.Do(func() {
		c.limiter = make(chan struct{}, c.MaxConcurrent)
	})
	select {
	case c.limiter <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Client) release() {
	if c.MaxConcurrent <= 0 || c.limiter == nil {
		return
	}
	select {
	case <-c.limiter:
	default:
		// should not happen, but avoid blocking
	}
}
