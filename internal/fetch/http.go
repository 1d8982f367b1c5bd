// Package fetch downloads remote media for delivery: plain HTTP fetches,
// link parsers resolved by trigger signal, and headless page capture.
package fetch

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"relaybot/internal/domain"
	"relaybot/internal/httpx"
	"relaybot/internal/media"
)

const (
	DefaultMaxBytes    = 2 * media.GB
	defaultConcurrency = 4
	defaultUserAgent   = "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/131.0.0.0 Safari/537.36"
)

// HTTPConfig configures an HTTPFetcher.
type HTTPConfig struct {
	Timeout     time.Duration
	MaxBytes    int64
	MaxRetries  int
	Concurrency int
	UserAgent   string
	Logger      *slog.Logger
}

// HTTPFetcher downloads URLs to local files with unique names.
type HTTPFetcher struct {
	retrier     *httpx.Retrier
	maxBytes    int64
	concurrency int
	userAgent   string
	logger      *slog.Logger
}

// NewHTTPFetcher creates an HTTPFetcher.
func NewHTTPFetcher(cfg HTTPConfig) *HTTPFetcher {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Minute
	}
	if cfg.MaxBytes <= 0 {
		cfg.MaxBytes = DefaultMaxBytes
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = defaultConcurrency
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = defaultUserAgent
	}
	return &HTTPFetcher{
		retrier:     &httpx.Retrier{Client: httpx.NewClient(cfg.Timeout), MaxRetries: cfg.MaxRetries, Logger: cfg.Logger},
		maxBytes:    cfg.MaxBytes,
		concurrency: cfg.Concurrency,
		userAgent:   cfg.UserAgent,
		logger:      cfg.Logger,
	}
}

// Fetch downloads rawURL into dir.
func (f *HTTPFetcher) Fetch(ctx context.Context, rawURL, dir string) (domain.MediaItem, error) {
	u, err := url.Parse(rawURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return domain.MediaItem{}, fmt.Errorf("unsupported url %q", rawURL)
	}

	resp, err := f.retrier.Do(ctx, func() (*http.Request, error) {
		r, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
		if err != nil {
			return nil, err
		}
		r.Header.Set("User-Agent", f.userAgent)
		return r, nil
	})
	if err != nil {
		return domain.MediaItem{}, fmt.Errorf("fetch %s: %w", rawURL, err)
	}
	if err := httpx.CheckStatus(resp); err != nil {
		return domain.MediaItem{}, fmt.Errorf("fetch %s: %w", rawURL, err)
	}
	defer resp.Body.Close()
	if resp.ContentLength > f.maxBytes {
		return domain.MediaItem{}, fmt.Errorf("fetch %s: %s exceeds limit", rawURL, media.FormatSize(resp.ContentLength))
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return domain.MediaItem{}, fmt.Errorf("create download dir: %w", err)
	}
	ext := strings.ToLower(path.Ext(u.Path))
	if ext == "" || len(ext) > 6 {
		ext = extFromContentType(resp.Header.Get("Content-Type"))
	}
	dst := filepath.Join(dir, uuid.NewString()+ext)

	n, err := writeCapped(dst, resp.Body, f.maxBytes)
	if err != nil {
		os.Remove(dst)
		return domain.MediaItem{}, fmt.Errorf("fetch %s: %w", rawURL, err)
	}

	if ext == "" {
		if mt, err := mimetype.DetectFile(dst); err == nil && mt.Extension() != "" {
			renamed := dst + mt.Extension()
			if os.Rename(dst, renamed) == nil {
				dst = renamed
			}
		}
	}
	f.logger.Debug("media fetched", "url", rawURL, "path", dst, "size", media.FormatSize(n))
	return domain.MediaItem{Path: dst, Size: n, Kind: kindFromContentType(resp.Header.Get("Content-Type"))}, nil
}

// FetchAll downloads urls concurrently. Results keep the order of urls and
// a failed fetch does not affect the others.
func (f *HTTPFetcher) FetchAll(ctx context.Context, urls []string, dir string) []domain.FetchedItem {
	out := make([]domain.FetchedItem, len(urls))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(f.concurrency)
	for i, u := range urls {
		g.Go(func() error {
			item, err := f.Fetch(gctx, u, dir)
			out[i] = domain.FetchedItem{Source: u, Item: item, Err: err}
			if err != nil {
				f.logger.Warn("media fetch failed", "url", u, "err", err)
			}
			return nil
		})
	}
	g.Wait()
	return out
}

func writeCapped(dst string, r io.Reader, limit int64) (int64, error) {
	file, err := os.Create(dst)
	if err != nil {
		return 0, err
	}
	n, err := io.Copy(file, io.LimitReader(r, limit+1))
	if cerr := file.Close(); err == nil {
		err = cerr
	}
	if err == nil && n > limit {
		err = fmt.Errorf("body exceeds %s", media.FormatSize(limit))
	}
	return n, err
}

func extFromContentType(ct string) string {
	mt, _, err := mime.ParseMediaType(ct)
	if err != nil {
		return ""
	}
	switch mt {
	case "image/jpeg":
		return ".jpg"
	case "video/mp4":
		return ".mp4"
	case "application/octet-stream":
		return ""
	}
	if exts, _ := mime.ExtensionsByType(mt); len(exts) > 0 {
		return exts[0]
	}
	return ""
}

// kindFromContentType is a hint only; delivery re-derives the kind from the
// file itself.
func kindFromContentType(ct string) domain.MediaKind {
	switch {
	case strings.HasPrefix(ct, "image/jpeg"), strings.HasPrefix(ct, "image/png"), strings.HasPrefix(ct, "image/webp"):
		return domain.KindPhoto
	case strings.HasPrefix(ct, "video/"):
		return domain.KindVideo
	}
	return ""
}
