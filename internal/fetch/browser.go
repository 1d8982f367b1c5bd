package fetch

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/chromedp/chromedp"
	"github.com/google/uuid"

	"relaybot/internal/domain"
)

const browserUserAgent = defaultUserAgent

// BrowserConfig holds configuration for the headless browser.
type BrowserConfig struct {
	ProfileDir string // Chrome user data directory (persists cookies/sessions)
	Headless   bool
	Timeout    time.Duration
	Logger     *slog.Logger
}

// Browser drives a Chrome instance to render pages that need JavaScript.
type Browser struct {
	profileDir string
	headless   bool
	timeout    time.Duration
	logger     *slog.Logger
}

// NewBrowser creates a Browser. No process is started until first use.
func NewBrowser(cfg BrowserConfig) *Browser {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.ProfileDir == "" {
		home, _ := os.UserHomeDir()
		cfg.ProfileDir = filepath.Join(home, ".relaybot", "chrome-profile")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}
	return &Browser{
		profileDir: cfg.ProfileDir,
		headless:   cfg.Headless,
		timeout:    cfg.Timeout,
		logger:     cfg.Logger,
	}
}

func (b *Browser) allocatorOptions(headless bool) []chromedp.ExecAllocatorOption {
	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.UserDataDir(b.profileDir),
		chromedp.Flag("disable-blink-features", "AutomationControlled"),
		chromedp.Flag("exclude-switches", "enable-automation"),
		chromedp.UserAgent(browserUserAgent),
		chromedp.WindowSize(1280, 1600),
	)
	if headless {
		return append(opts, chromedp.Headless)
	}
	return append(opts, chromedp.Flag("headless", false))
}

// newContext creates a chromedp context on the browser profile. The caller
// must call cancel.
func (b *Browser) newContext(parent context.Context, headless bool) (context.Context, context.CancelFunc) {
	if err := os.MkdirAll(b.profileDir, 0o755); err != nil {
		b.logger.Error("failed to create profile dir", "dir", b.profileDir, "err", err)
	}
	allocCtx, allocCancel := chromedp.NewExecAllocator(parent, b.allocatorOptions(headless)...)
	taskCtx, taskCancel := chromedp.NewContext(allocCtx)
	return taskCtx, func() {
		taskCancel()
		allocCancel()
	}
}

// Login opens a visible browser on url so the operator can sign in; the
// session is kept in the profile directory for later captures.
func (b *Browser) Login(ctx context.Context, url string) error {
	b.logger.Info("opening browser for login", "url", url)
	taskCtx, cancel := b.newContext(ctx, false)
	defer cancel()

	if err := chromedp.Run(taskCtx, chromedp.Navigate(url)); err != nil {
		return fmt.Errorf("navigate to login page: %w", err)
	}
	b.logger.Info("browser opened, log in and press Ctrl+C when done")
	<-ctx.Done()
	b.logger.Info("login session saved", "profile", b.profileDir)
	return nil
}

// PageCapture is what a rendered page yields.
type PageCapture struct {
	Title       string   `json:"title"`
	Description string   `json:"description"`
	Media       []string `json:"media"`
	Screenshot  []byte   `json:"-"`
}

const extractPageJS = `(function() {
	function meta(name) {
		var el = document.querySelector('meta[property="' + name + '"], meta[name="' + name + '"]');
		return el ? (el.getAttribute('content') || '') : '';
	}
	var media = [];
	document.querySelectorAll('meta[property="og:image"], meta[property="og:video"], meta[property="og:video:url"]').forEach(function(el) {
		var c = el.getAttribute('content');
		if (c && media.indexOf(c) < 0) media.push(c);
	});
	return {
		title: meta('og:title') || document.title || '',
		description: meta('og:description') || meta('description'),
		media: media
	};
})()`

// Capture renders url headlessly and returns its metadata and a full-page
// screenshot.
func (b *Browser) Capture(ctx context.Context, url string) (PageCapture, error) {
	taskCtx, cancel := b.newContext(ctx, b.headless)
	defer cancel()
	taskCtx, timeoutCancel := context.WithTimeout(taskCtx, b.timeout)
	defer timeoutCancel()

	var page PageCapture
	err := chromedp.Run(taskCtx,
		chromedp.Navigate(url),
		chromedp.WaitReady("body"),
		chromedp.Sleep(time.Second),
		chromedp.Evaluate(extractPageJS, &page),
		chromedp.FullScreenshot(&page.Screenshot, 85),
	)
	if err != nil {
		return PageCapture{}, fmt.Errorf("capture %s: %w", url, err)
	}
	b.logger.Debug("page captured", "url", url, "title", page.Title, "media", len(page.Media))
	return page, nil
}

// BrowserParser is the fallback parser: it renders any web link, downloads
// the media the page advertises and falls back to a screenshot.
type BrowserParser struct {
	Browser *Browser
	Fetcher *HTTPFetcher
}

func (BrowserParser) Name() string { return "browser" }

func (BrowserParser) Triggers() []string { return []string{"http://", "https://", "www."} }

func (p BrowserParser) Parse(ctx context.Context, link, dir string) (domain.Download, error) {
	if !strings.Contains(link, "://") {
		link = "https://" + link
	}
	page, err := p.Browser.Capture(ctx, link)
	if err != nil {
		return domain.Download{}, err
	}

	d := domain.Download{Title: strings.TrimSpace(page.Title), Text: strings.TrimSpace(page.Description)}
	if len(page.Media) > 0 && p.Fetcher != nil {
		d.Items = p.Fetcher.FetchAll(ctx, page.Media, dir)
	}
	if len(d.MediaItems()) > 0 || len(page.Screenshot) == 0 {
		return d, nil
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return domain.Download{}, fmt.Errorf("create download dir: %w", err)
	}
	shot := filepath.Join(dir, uuid.NewString()+".jpg")
	if err := os.WriteFile(shot, page.Screenshot, 0o644); err != nil {
		return domain.Download{}, fmt.Errorf("write screenshot: %w", err)
	}
	// Full-page captures are often too tall for a photo.
	d.Items = append(d.Items, domain.FetchedItem{
		Source: link,
		Item:   domain.MediaItem{Path: shot, Size: int64(len(page.Screenshot)), Kind: domain.KindDocument},
	})
	return d, nil
}
