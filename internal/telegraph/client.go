// Package telegraph publishes long answers as Telegraph pages, the
// instant-view documents a chat can link to instead of inlining text.
package telegraph

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"relaybot/internal/domain"
	"relaybot/internal/httpx"
)

const (
	DefaultAPIBase = "https://api.telegra.ph"

	maxTitleLength   = 256
	maxContentBytes  = 64 * 1024
	truncationNotice = "…"
)

// Config configures a Client.
type Config struct {
	APIBase     string
	AccessToken string
	TokenFile   string // where a bootstrapped token is cached between runs
	ShortName   string
	AuthorName  string
	AuthorURL   string
	Timeout     time.Duration
	Logger      *slog.Logger
}

// Client is a domain.DocumentPublisher backed by the Telegraph API.
type Client struct {
	cfg     Config
	retrier *httpx.Retrier
	logger  *slog.Logger

	mu    sync.Mutex
	token string
}

var _ domain.DocumentPublisher = (*Client)(nil)

// NewClient creates a Client. Without an access token one is created on
// first publish.
func NewClient(cfg Config) *Client {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.APIBase == "" {
		cfg.APIBase = DefaultAPIBase
	}
	cfg.APIBase = strings.TrimRight(cfg.APIBase, "/")
	if cfg.ShortName == "" {
		cfg.ShortName = "relaybot"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	return &Client{
		cfg:     cfg,
		retrier: &httpx.Retrier{Client: httpx.NewClient(cfg.Timeout), MaxRetries: 2, Logger: cfg.Logger},
		logger:  cfg.Logger,
		token:   cfg.AccessToken,
	}
}

type apiResponse[T any] struct {
	OK     bool   `json:"ok"`
	Error  string `json:"error"`
	Result T      `json:"result"`
}

type account struct {
	AccessToken string `json:"access_token"`
}

type page struct {
	Path  string `json:"path"`
	URL   string `json:"url"`
	Title string `json:"title"`
}

// Publish renders content as a page and returns its link.
func (c *Client) Publish(ctx context.Context, title, content string) (domain.Document, error) {
	token, err := c.accessToken(ctx)
	if err != nil {
		return domain.Document{}, err
	}
	nodes, err := ToNodes(content)
	if err != nil {
		return domain.Document{}, err
	}
	body, err := encodeNodes(nodes)
	if err != nil {
		return domain.Document{}, err
	}

	title = strings.TrimSpace(title)
	if title == "" {
		title = "Answer"
	}
	if utf8.RuneCountInString(title) > maxTitleLength {
		title = string([]rune(title)[:maxTitleLength-1]) + truncationNotice
	}

	form := url.Values{
		"access_token":   {token},
		"title":          {title},
		"content":        {body},
		"return_content": {"false"},
	}
	if c.cfg.AuthorName != "" {
		form.Set("author_name", c.cfg.AuthorName)
	}
	if c.cfg.AuthorURL != "" {
		form.Set("author_url", c.cfg.AuthorURL)
	}

	p, err := call[page](ctx, c, "createPage", form)
	if err != nil {
		return domain.Document{}, fmt.Errorf("create page: %w", err)
	}
	c.logger.Debug("telegraph page created", "url", p.URL, "chars", textLength(nodes))
	return domain.Document{URL: p.URL, Title: title}, nil
}

// encodeNodes serialises nodes, dropping trailing ones until the payload
// fits Telegraph's content limit.
func encodeNodes(nodes []Node) (string, error) {
	for len(nodes) > 0 {
		b, err := json.Marshal(nodes)
		if err != nil {
			return "", fmt.Errorf("encode nodes: %w", err)
		}
		if len(b) <= maxContentBytes {
			return string(b), nil
		}
		keep := len(nodes) * maxContentBytes / len(b)
		if keep >= len(nodes) {
			keep = len(nodes) - 1
		}
		nodes = append(nodes[:keep:keep], Element{Tag: "p", Children: []Node{truncationNotice}})
		if keep == 0 {
			break
		}
	}
	return "", domain.ErrContentTooLarge
}

func (c *Client) accessToken(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.token != "" {
		return c.token, nil
	}
	if c.cfg.TokenFile != "" {
		if b, err := os.ReadFile(c.cfg.TokenFile); err == nil {
			if t := strings.TrimSpace(string(b)); t != "" {
				c.token = t
				return t, nil
			}
		}
	}

	form := url.Values{"short_name": {c.cfg.ShortName}}
	if c.cfg.AuthorName != "" {
		form.Set("author_name", c.cfg.AuthorName)
	}
	if c.cfg.AuthorURL != "" {
		form.Set("author_url", c.cfg.AuthorURL)
	}
	acc, err := call[account](ctx, c, "createAccount", form)
	if err != nil {
		return "", fmt.Errorf("create telegraph account: %w", err)
	}
	if acc.AccessToken == "" {
		return "", errors.New("create telegraph account: empty access token")
	}
	c.token = acc.AccessToken
	c.logger.Info("telegraph account created", "short_name", c.cfg.ShortName)

	if c.cfg.TokenFile != "" {
		if err := os.MkdirAll(filepath.Dir(c.cfg.TokenFile), 0o700); err == nil {
			err = os.WriteFile(c.cfg.TokenFile, []byte(c.token+"\n"), 0o600)
		}
		if err != nil {
			c.logger.Warn("failed to cache telegraph token", "path", c.cfg.TokenFile, "err", err)
		}
	}
	return c.token, nil
}

func call[T any](ctx context.Context, c *Client, method string, form url.Values) (T, error) {
	var zero T
	encoded := form.Encode()
	resp, err := c.retrier.Do(ctx, func() (*http.Request, error) {
		r, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.APIBase+"/"+method, strings.NewReader(encoded))
		if err != nil {
			return nil, err
		}
		r.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		return r, nil
	})
	if err != nil {
		return zero, err
	}
	if err := httpx.CheckStatus(resp); err != nil {
		return zero, err
	}
	defer resp.Body.Close()

	var out apiResponse[T]
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&out); err != nil {
		return zero, fmt.Errorf("decode %s response: %w", method, err)
	}
	if !out.OK {
		return zero, fmt.Errorf("%s: %s", method, out.Error)
	}
	return out.Result, nil
}
