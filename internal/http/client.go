package http

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/handiism/batch-downloader/internal/model"
	"golang.org/x/time/rate"
)

// Config holds transport settings.
type Config struct {
	// Timeout bounds a whole request including the body read. Zero disables it.
	Timeout time.Duration

	// UserAgent is sent with every request.
	UserAgent string

	// Referer is sent with same-origin requests only.
	Referer string

	// ProxyURL routes requests through an HTTP proxy when set.
	ProxyURL string

	// ProgressInterval is the minimum spacing between progress notifications.
	ProgressInterval time.Duration
}

// DefaultConfig returns the transport defaults.
func DefaultConfig() Config {
	return Config{
		Timeout:          60 * time.Second,
		UserAgent:        "BatchDownloader",
		ProgressInterval: 200 * time.Millisecond,
	}
}

// Request describes one fetch.
type Request struct {
	// URL is the source locator.
	URL string

	// CrossOrigin selects cross-origin request headers.
	CrossOrigin bool

	// Mode is the payload mode the caller will store the body in. It is
	// carried for transports that stream differently per mode; Client reads
	// every body fully into memory and does not consult it.
	Mode model.PayloadMode
}

// Response is a fully read HTTP response.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// OK reports whether the status is in the 2xx range.
func (r *Response) OK() bool {
	return r.StatusCode >= 200 && r.StatusCode < 300
}

// ContentType returns the Content-Type header value, sniffing the body
// when the server did not send one.
func (r *Response) ContentType() string {
	if ct := r.Header.Get("Content-Type"); ct != "" {
		return ct
	}
	if len(r.Body) == 0 {
		return ""
	}
	return http.DetectContentType(r.Body)
}

// Client wraps HTTP operations for the downloader.
//
// Client provides:
//   - Configured User-Agent header
//   - Same-origin Referer / cross-origin Origin headers
//   - Timeout and proxy handling
//   - In-memory downloads with throttled progress notifications
//
// Example usage:
//
//	client, err := NewClient(DefaultConfig())
//
//	resp, err := client.Fetch(ctx, Request{URL: "https://example.com/a.zip"}, func(loaded, total int64) {
//	    fmt.Printf("%d / %d bytes\n", loaded, total)
//	})
type Client struct {
	httpClient       *http.Client
	userAgent        string
	referer          string
	progressInterval time.Duration
}

// NewClient creates a new HTTP client from cfg.
//
// Returns an error if cfg.ProxyURL cannot be parsed.
func NewClient(cfg Config) (*Client, error) {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	if cfg.ProxyURL != "" {
		proxy, err := url.Parse(cfg.ProxyURL)
		if err != nil {
			return nil, fmt.Errorf("parse proxy url: %w", err)
		}
		transport.Proxy = http.ProxyURL(proxy)
	}

	return &Client{
		httpClient: &http.Client{
			Timeout:   cfg.Timeout,
			Transport: transport,
		},
		userAgent:        cfg.UserAgent,
		referer:          cfg.Referer,
		progressInterval: cfg.ProgressInterval,
	}, nil
}

// ProgressWriter wraps a writer to track download progress.
//
// Use this to monitor large downloads by providing an OnUpdate callback
// that receives the current bytes written and total expected bytes.
//
// Example:
//
//	pw := &ProgressWriter{
//	    Writer: &buf,
//	    Total:  contentLength,
//	    OnUpdate: func(written, total int64) {
//	        fmt.Printf("%d / %d bytes\n", written, total)
//	    },
//	}
//	io.Copy(pw, response.Body)
type ProgressWriter struct {
	// Writer is the underlying writer to write data to.
	Writer io.Writer

	// Total is the expected total bytes (from Content-Length header).
	Total int64

	// Written is the current number of bytes written.
	Written int64

	// OnUpdate is called after each Write with current progress.
	// Parameters are (bytesWritten, totalExpected).
	OnUpdate func(written, total int64)

	// Limiter, when set, drops updates that arrive faster than it allows.
	Limiter *rate.Limiter
}

// Write implements io.Writer, tracking progress and calling OnUpdate.
func (pw *ProgressWriter) Write(p []byte) (int, error) {
	n, err := pw.Writer.Write(p)
	pw.Written += int64(n)
	if pw.OnUpdate != nil && (pw.Limiter == nil || pw.Limiter.Allow()) {
		pw.OnUpdate(pw.Written, pw.Total)
	}
	return n, err
}

// Fetch performs a GET request and reads the whole body into memory.
//
// A non-2xx status is not an error: the response is returned so the caller
// can decide. Errors are only returned for transport-level failures
// (bad URL, connection errors, timeouts, cancelled ctx, truncated body).
//
// onProgress may be nil. Notifications are spaced by the configured
// progress interval.
func (c *Client) Fetch(ctx context.Context, req Request, onProgress func(loaded, total int64)) (*Response, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, req.URL, nil)
	if err != nil {
		return nil, err
	}
	c.setHeaders(httpReq, req)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var buf bytes.Buffer
	if resp.ContentLength > 0 {
		buf.Grow(int(resp.ContentLength))
	}

	var writer io.Writer = &buf
	if onProgress != nil && resp.StatusCode >= 200 && resp.StatusCode < 300 {
		pw := &ProgressWriter{
			Writer:   &buf,
			Total:    resp.ContentLength,
			OnUpdate: onProgress,
		}
		if c.progressInterval > 0 {
			pw.Limiter = rate.NewLimiter(rate.Every(c.progressInterval), 1)
		}
		writer = pw
	}

	if _, err := io.Copy(writer, resp.Body); err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}

	return &Response{
		StatusCode: resp.StatusCode,
		Header:     resp.Header,
		Body:       buf.Bytes(),
	}, nil
}

// GetFileSize returns the size of a file at the given URL via HEAD request.
//
// Returns an error if:
//   - The request fails
//   - The server doesn't return a Content-Length header
func (c *Client) GetFileSize(ctx context.Context, url string) (int64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, url, nil)
	if err != nil {
		return 0, err
	}
	req.Header.Set("User-Agent", c.userAgent)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	if resp.ContentLength < 0 {
		return 0, fmt.Errorf("no Content-Length header for %s", url)
	}

	return resp.ContentLength, nil
}

func (c *Client) setHeaders(httpReq *http.Request, req Request) {
	if c.userAgent != "" {
		httpReq.Header.Set("User-Agent", c.userAgent)
	}

	if !req.CrossOrigin {
		if c.referer != "" {
			httpReq.Header.Set("Referer", c.referer)
		}
		return
	}

	httpReq.Header.Set("Sec-Fetch-Mode", "cors")
	if origin := originOf(c.referer); origin != "" {
		httpReq.Header.Set("Origin", origin)
	}
}

func originOf(ref string) string {
	u, err := url.Parse(ref)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return ""
	}
	return u.Scheme + "://" + u.Host
}
