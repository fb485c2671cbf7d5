// Package utils holds small helpers shared by the platform adapters and the
// delivery gate: HTTP downloads with size ceilings, mime allowlists, and
// filesystem path handling for attachment storage.
package utils

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// DownloadOptions configures an attachment download.
type DownloadOptions struct {
	// Timeout bounds the whole request (0 = default 30s).
	Timeout time.Duration

	// MaxSize caps the response body in bytes (0 = default 50MB).
	MaxSize int64

	// Headers are added to the request, e.g. a bot token for platforms that
	// gate media URLs behind auth.
	Headers map[string]string
}

// DefaultDownloadOptions returns the standard download limits.
func DefaultDownloadOptions() DownloadOptions {
	return DownloadOptions{
		Timeout: 30 * time.Second,
		MaxSize: 50 * 1024 * 1024,
	}
}

func (o DownloadOptions) withDefaults() DownloadOptions {
	def := DefaultDownloadOptions()
	if o.Timeout <= 0 {
		o.Timeout = def.Timeout
	}
	if o.MaxSize <= 0 {
		o.MaxSize = def.MaxSize
	}
	return o
}

// DownloadURL fetches a URL into memory, enforcing the timeout and size
// ceiling. Responses larger than MaxSize fail rather than truncate.
func DownloadURL(ctx context.Context, url string, opts DownloadOptions) ([]byte, error) {
	opts = opts.withDefaults()

	ctx, cancel := context.WithTimeout(ctx, opts.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("build download request: %w", err)
	}
	for k, v := range opts.Headers {
		req.Header.Set(k, v)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("download %s: %w", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("download %s: unexpected status %d", url, resp.StatusCode)
	}
	if resp.ContentLength > opts.MaxSize {
		return nil, fmt.Errorf("download %s: content length %d exceeds limit %d", url, resp.ContentLength, opts.MaxSize)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, opts.MaxSize+1))
	if err != nil {
		return nil, fmt.Errorf("read download body: %w", err)
	}
	if int64(len(data)) > opts.MaxSize {
		return nil, fmt.Errorf("download %s: body exceeds limit %d", url, opts.MaxSize)
	}
	return data, nil
}

// MimeAllowed reports whether a mime type passes the allowlist. Entries may
// be exact ("application/pdf") or wildcard ("image/*"). An empty allowlist
// permits nothing.
func MimeAllowed(mimeType string, allowed []string) bool {
	if mimeType == "" {
		return false
	}
	// Strip parameters like "; charset=utf-8".
	if idx := strings.IndexByte(mimeType, ';'); idx >= 0 {
		mimeType = strings.TrimSpace(mimeType[:idx])
	}
	mimeType = strings.ToLower(mimeType)

	for _, entry := range allowed {
		entry = strings.ToLower(strings.TrimSpace(entry))
		if entry == "" {
			continue
		}
		if entry == "*/*" || entry == mimeType {
			return true
		}
		if prefix, ok := strings.CutSuffix(entry, "/*"); ok {
			if strings.HasPrefix(mimeType, prefix+"/") {
				return true
			}
		}
	}
	return false
}
