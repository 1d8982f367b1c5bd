// Package workflow is a client for a Dify-compatible workflow engine: it
// starts streaming runs, decodes their progress events and uploads the
// files a run refers to.
package workflow

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"

	"relaybot/internal/domain"
	"relaybot/internal/httpx"
)

// Config configures a Client.
type Config struct {
	BaseURL    string // e.g. https://api.dify.ai/v1
	APIKey     string
	Timeout    time.Duration // uploads and control calls; streams are unbounded
	MaxRetries int
	RetryDelay time.Duration
	Logger     *slog.Logger
}

// Client talks to the workflow engine's HTTP API.
type Client struct {
	baseURL string
	apiKey  string
	calls   *httpx.Retrier
	streams *httpx.Retrier
	logger  *slog.Logger
}

var _ domain.WorkflowEngine = (*Client)(nil)

// NewClient creates a Client.
func NewClient(cfg Config) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, errors.New("workflow base URL is required")
	}
	if cfg.APIKey == "" {
		return nil, errors.New("workflow API key is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	return &Client{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:  cfg.APIKey,
		calls: &httpx.Retrier{
			Client: httpx.NewClient(cfg.Timeout), MaxRetries: cfg.MaxRetries,
			BaseDelay: cfg.RetryDelay, Logger: cfg.Logger,
		},
		streams: &httpx.Retrier{
			Client: httpx.NewStreamingClient(cfg.Timeout), MaxRetries: cfg.MaxRetries,
			BaseDelay: cfg.RetryDelay, Logger: cfg.Logger,
		},
		logger: cfg.Logger,
	}, nil
}

type fileInput struct {
	Type           string `json:"type"`
	TransferMethod string `json:"transfer_method"`
	UploadFileID   string `json:"upload_file_id"`
}

type runInputs struct {
	BotUsername    string      `json:"bot_username"`
	MessageContext string      `json:"message_context"`
	ParseMode      string      `json:"parse_mode"`
	ForcedCommand  string      `json:"forced_command,omitempty"`
	Files          []fileInput `json:"files,omitempty"`
}

type runRequest struct {
	Inputs       runInputs `json:"inputs"`
	User         string    `json:"user"`
	ResponseMode string    `json:"response_mode"`
}

// Run starts a streaming run. The returned stream owns the connection and
// must be closed.
func (c *Client) Run(ctx context.Context, req domain.WorkflowRequest) (domain.EventStream, error) {
	body := runRequest{
		Inputs: runInputs{
			BotUsername:    req.BotUsername,
			MessageContext: req.MessageContext,
			ParseMode:      string(req.ParseMode),
			ForcedCommand:  string(req.ForcedCommand),
		},
		User:         req.User,
		ResponseMode: "streaming",
	}
	for _, f := range req.Files {
		body.Inputs.Files = append(body.Inputs.Files, fileInput{
			Type: f.Kind, TransferMethod: "local_file", UploadFileID: f.ID,
		})
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal run request: %w", err)
	}

	resp, err := c.streams.Do(ctx, func() (*http.Request, error) {
		r, err := c.newRequest(ctx, http.MethodPost, "/workflows/run", bytes.NewReader(payload))
		if err != nil {
			return nil, err
		}
		r.Header.Set("Content-Type", "application/json")
		r.Header.Set("Accept", "text/event-stream")
		return r, nil
	})
	if err != nil {
		return nil, fmt.Errorf("start workflow run: %w", err)
	}
	if err := httpx.CheckStatus(resp); err != nil {
		return nil, fmt.Errorf("start workflow run: %w", err)
	}
	c.logger.Debug("workflow run started", "user", req.User, "files", len(req.Files), "forced_command", string(req.ForcedCommand))
	return newStream(resp.Body, c.Stop, c.logger), nil
}

// Stop asks the engine to abort a running task.
func (c *Client) Stop(ctx context.Context, taskID string) error {
	payload, _ := json.Marshal(map[string]string{"user": "relaybot"})
	resp, err := c.calls.Do(ctx, func() (*http.Request, error) {
		r, err := c.newRequest(ctx, http.MethodPost, "/workflows/tasks/"+taskID+"/stop", bytes.NewReader(payload))
		if err != nil {
			return nil, err
		}
		r.Header.Set("Content-Type", "application/json")
		return r, nil
	})
	if err != nil {
		return fmt.Errorf("stop task %s: %w", taskID, err)
	}
	if err := httpx.CheckStatus(resp); err != nil {
		return fmt.Errorf("stop task %s: %w", taskID, err)
	}
	resp.Body.Close()
	return nil
}

type uploadResponse struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Size      int64  `json:"size"`
	Extension string `json:"extension"`
	MimeType  string `json:"mime_type"`
}

// Upload sends a local file to the engine on behalf of user.
func (c *Client) Upload(ctx context.Context, path, user string) (domain.UploadedFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return domain.UploadedFile{}, fmt.Errorf("read upload: %w", err)
	}
	mime := mimetype.Detect(data)
	name := filepath.Base(path)

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	if err := mw.WriteField("user", user); err != nil {
		return domain.UploadedFile{}, err
	}
	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="file"; filename=%q`, name))
	h.Set("Content-Type", mime.String())
	part, err := mw.CreatePart(h)
	if err != nil {
		return domain.UploadedFile{}, err
	}
	if _, err := part.Write(data); err != nil {
		return domain.UploadedFile{}, err
	}
	if err := mw.Close(); err != nil {
		return domain.UploadedFile{}, err
	}
	contentType := mw.FormDataContentType()
	payload := buf.Bytes()

	resp, err := c.calls.Do(ctx, func() (*http.Request, error) {
		r, err := c.newRequest(ctx, http.MethodPost, "/files/upload", bytes.NewReader(payload))
		if err != nil {
			return nil, err
		}
		r.Header.Set("Content-Type", contentType)
		return r, nil
	})
	if err != nil {
		return domain.UploadedFile{}, fmt.Errorf("upload %s: %w", name, err)
	}
	if err := httpx.CheckStatus(resp); err != nil {
		return domain.UploadedFile{}, fmt.Errorf("upload %s: %w", name, err)
	}
	defer resp.Body.Close()

	var out uploadResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&out); err != nil {
		return domain.UploadedFile{}, fmt.Errorf("decode upload response: %w", err)
	}
	ext := out.Extension
	if ext == "" {
		ext = strings.TrimPrefix(filepath.Ext(name), ".")
	}
	mt := out.MimeType
	if mt == "" {
		mt = mime.String()
	}
	c.logger.Debug("file uploaded", "name", name, "id", out.ID, "size", out.Size)
	return domain.UploadedFile{
		ID:        out.ID,
		Name:      out.Name,
		Kind:      FileKind(ext, mt),
		Extension: ext,
		MimeType:  mt,
		Size:      out.Size,
	}, nil
}

func (c *Client) newRequest(ctx context.Context, method, path string, body io.Reader) (*http.Request, error) {
	r, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, err
	}
	r.Header.Set("Authorization", "Bearer "+c.apiKey)
	return r, nil
}

var documentExts = map[string]bool{
	"txt": true, "md": true, "markdown": true, "pdf": true, "html": true, "xlsx": true, "xls": true,
	"docx": true, "csv": true, "eml": true, "msg": true, "pptx": true, "ppt": true, "xml": true, "epub": true,
}

// FileKind maps an extension and MIME type onto the engine's file types:
// document, image, audio, video or custom.
func FileKind(ext, mimeType string) string {
	ext = strings.ToLower(strings.TrimPrefix(ext, "."))
	switch {
	case documentExts[ext]:
		return "document"
	case strings.HasPrefix(mimeType, "image/"):
		return "image"
	case strings.HasPrefix(mimeType, "audio/"):
		return "audio"
	case strings.HasPrefix(mimeType, "video/"):
		return "video"
	}
	return "custom"
}
