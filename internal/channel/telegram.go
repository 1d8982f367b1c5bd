package channel

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"relaybot/internal/domain"
)

const (
	telegramMaxSendRetries = 3
	defaultMaxDownload     = 20 << 20
	defaultMessagesPerSec  = 25
)

// ErrTransient marks failures that may succeed when repeated: network
// errors, flood control and server-side errors.
var ErrTransient = errors.New("transient channel failure")

// TelegramConfig configures the Telegram adapter.
type TelegramConfig struct {
	Token        string
	APIEndpoint  string // tgbotapi.APIEndpoint format; empty uses the public API
	FileEndpoint string // tgbotapi.FileEndpoint format
	PollTimeout  int    // seconds
	DownloadDir  string
	MaxDownload  int64
	RatePerSec   float64
	HTTPClient   *http.Client
	Logger       *slog.Logger
}

// Telegram adapts the Bot API to domain.Messenger and turns polled
// updates into domain.InboundMessage values.
type Telegram struct {
	cfg     TelegramConfig
	bot     *tgbotapi.BotAPI
	client  *http.Client
	limiter *rate.Limiter
	logger  *slog.Logger
	sleep   func(ctx context.Context, d time.Duration) error
}

var _ domain.Messenger = (*Telegram)(nil)

// NewTelegram connects to the Bot API and resolves the bot's own identity.
func NewTelegram(cfg TelegramConfig) (*Telegram, error) {
	if cfg.Token == "" {
		return nil, errors.New("telegram token is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.APIEndpoint == "" {
		cfg.APIEndpoint = tgbotapi.APIEndpoint
	}
	if cfg.FileEndpoint == "" {
		cfg.FileEndpoint = tgbotapi.FileEndpoint
	}
	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = 30
	}
	if cfg.MaxDownload <= 0 {
		cfg.MaxDownload = defaultMaxDownload
	}
	if cfg.RatePerSec <= 0 {
		cfg.RatePerSec = defaultMessagesPerSec
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: time.Duration(cfg.PollTimeout+30) * time.Second}
	}

	bot, err := tgbotapi.NewBotAPIWithClient(cfg.Token, cfg.APIEndpoint, cfg.HTTPClient)
	if err != nil {
		return nil, fmt.Errorf("telegram bot init: %w", err)
	}
	cfg.Logger.Info("telegram bot connected", "username", bot.Self.UserName, "id", bot.Self.ID)

	return &Telegram{
		cfg:     cfg,
		bot:     bot,
		client:  cfg.HTTPClient,
		limiter: rate.NewLimiter(rate.Limit(cfg.RatePerSec), 5),
		logger:  cfg.Logger,
		sleep:   sleepCtx,
	}, nil
}

// Username is the bot's @-less username.
func (t *Telegram) Username() string { return t.bot.Self.UserName }

// ID is the bot's user id.
func (t *Telegram) ID() int64 { return t.bot.Self.ID }

// Poll receives updates until ctx is cancelled, calling handle for every
// message or channel post. handle must not block for long.
func (t *Telegram) Poll(ctx context.Context, handle func(*domain.InboundMessage)) error {
	u := tgbotapi.NewUpdate(0)
	u.Timeout = t.cfg.PollTimeout
	u.AllowedUpdates = []string{"message", "channel_post"}
	updates := t.bot.GetUpdatesChan(u)

	t.logger.Info("telegram polling started")
	for {
		select {
		case <-ctx.Done():
			t.logger.Info("telegram polling stopping")
			t.bot.StopReceivingUpdates()
			return nil
		case update, ok := <-updates:
			if !ok {
				return nil
			}
			if msg := convertUpdate(update); msg != nil {
				handle(msg)
			}
		}
	}
}

func convertUpdate(u tgbotapi.Update) *domain.InboundMessage {
	switch {
	case u.Message != nil:
		return convertMessage(u.Message, true)
	case u.ChannelPost != nil:
		return convertMessage(u.ChannelPost, true)
	}
	return nil
}

func convertMessage(m *tgbotapi.Message, withReply bool) *domain.InboundMessage {
	if m == nil || m.Chat == nil {
		return nil
	}
	msg := &domain.InboundMessage{
		ChatID:          m.Chat.ID,
		MessageID:       m.MessageID,
		Text:            m.Text,
		Caption:         m.Caption,
		Entities:        convertEntities(m.Entities),
		CaptionEntities: convertEntities(m.CaptionEntities),
		MediaGroupID:    m.MediaGroupID,
		Date:            time.Unix(int64(m.Date), 0),
	}
	if m.From != nil {
		msg.From = &domain.Sender{ID: m.From.ID, Username: m.From.UserName, Title: strings.TrimSpace(m.From.FirstName + " " + m.From.LastName), IsBot: m.From.IsBot}
	}
	if m.SenderChat != nil {
		msg.SenderChat = &domain.Sender{ID: m.SenderChat.ID, Username: m.SenderChat.UserName, Title: m.SenderChat.Title}
	}
	switch {
	case m.ForwardFrom != nil:
		msg.ForwardedFrom = m.ForwardFrom.UserName
	case m.ForwardFromChat != nil:
		msg.ForwardedFrom = m.ForwardFromChat.Title
	}
	if withReply && m.ReplyToMessage != nil {
		msg.ReplyTo = convertMessage(m.ReplyToMessage, false)
	}

	if n := len(m.Photo); n > 0 {
		// Sizes are ascending; the last one is the original.
		p := m.Photo[n-1]
		msg.Attachments = append(msg.Attachments, domain.Attachment{Kind: domain.AttachPhoto, FileID: p.FileID, Size: int64(p.FileSize)})
	}
	if d := m.Document; d != nil {
		msg.Attachments = append(msg.Attachments, domain.Attachment{Kind: domain.AttachDocument, FileID: d.FileID, FileName: d.FileName, MimeType: d.MimeType, Size: int64(d.FileSize)})
	}
	if v := m.Video; v != nil {
		msg.Attachments = append(msg.Attachments, domain.Attachment{Kind: domain.AttachVideo, FileID: v.FileID, FileName: v.FileName, MimeType: v.MimeType, Size: int64(v.FileSize)})
	}
	if a := m.Audio; a != nil {
		msg.Attachments = append(msg.Attachments, domain.Attachment{Kind: domain.AttachAudio, FileID: a.FileID, FileName: a.FileName, MimeType: a.MimeType, Size: int64(a.FileSize)})
	}
	if v := m.Voice; v != nil {
		msg.Attachments = append(msg.Attachments, domain.Attachment{Kind: domain.AttachVoice, FileID: v.FileID, MimeType: v.MimeType, Size: int64(v.FileSize)})
	}
	if v := m.VideoNote; v != nil {
		msg.Attachments = append(msg.Attachments, domain.Attachment{Kind: domain.AttachVideoNote, FileID: v.FileID, Size: int64(v.FileSize)})
	}
	return msg
}

func convertEntities(in []tgbotapi.MessageEntity) []domain.Entity {
	if len(in) == 0 {
		return nil
	}
	out := make([]domain.Entity, len(in))
	for i, e := range in {
		out[i] = domain.Entity{Type: e.Type, Offset: e.Offset, Length: e.Length}
	}
	return out
}

// Send posts a text message.
func (t *Telegram) Send(ctx context.Context, chatID int64, text string, opts domain.SendOptions) (domain.MessageHandle, domain.Outcome) {
	msg := tgbotapi.NewMessage(chatID, text)
	msg.ParseMode = string(opts.ParseMode)
	msg.ReplyToMessageID = opts.ReplyTo
	msg.AllowSendingWithoutReply = true
	msg.DisableWebPagePreview = opts.DisablePreview

	var sent tgbotapi.Message
	err := t.retry(ctx, "send", func() error {
		var err error
		sent, err = t.bot.Send(msg)
		return err
	})
	if out := Classify(err); !out.OK() {
		return domain.MessageHandle{}, out
	}
	return domain.MessageHandle{ChatID: chatID, MessageID: sent.MessageID}, domain.Delivered()
}

// Edit replaces the text of a message the bot sent. An edit to identical
// content counts as success.
func (t *Telegram) Edit(ctx context.Context, h domain.MessageHandle, text string, mode domain.ParseMode) domain.Outcome {
	edit := tgbotapi.NewEditMessageText(h.ChatID, h.MessageID, text)
	edit.ParseMode = string(mode)
	edit.DisableWebPagePreview = true
	return Classify(t.retry(ctx, "edit", func() error {
		_, err := t.bot.Request(edit)
		return err
	}))
}

// Delete removes a message.
func (t *Telegram) Delete(ctx context.Context, h domain.MessageHandle) error {
	return t.retry(ctx, "delete", func() error {
		_, err := t.bot.Request(tgbotapi.NewDeleteMessage(h.ChatID, h.MessageID))
		return err
	})
}

// SendMedia uploads one item. Uploads consume their reader and are never
// repeated.
func (t *Telegram) SendMedia(ctx context.Context, chatID int64, m domain.OutgoingMedia, replyTo int) (domain.MessageHandle, domain.Outcome) {
	if err := t.limiter.Wait(ctx); err != nil {
		return domain.MessageHandle{}, domain.Failed(err)
	}
	file := tgbotapi.FileReader{Name: m.Name, Reader: m.Reader}

	var c tgbotapi.Chattable
	switch m.Transport {
	case domain.SendAsPhoto, domain.CompressThenPhoto:
		p := tgbotapi.NewPhoto(chatID, file)
		p.Caption, p.ParseMode, p.ReplyToMessageID = m.Caption, string(m.ParseMode), replyTo
		p.AllowSendingWithoutReply = true
		c = p
	case domain.SendAsVideo:
		v := tgbotapi.NewVideo(chatID, file)
		v.Caption, v.ParseMode, v.ReplyToMessageID = m.Caption, string(m.ParseMode), replyTo
		v.AllowSendingWithoutReply = true
		v.SupportsStreaming = m.SupportsStreaming
		c = v
	default:
		d := tgbotapi.NewDocument(chatID, file)
		d.Caption, d.ParseMode, d.ReplyToMessageID = m.Caption, string(m.ParseMode), replyTo
		d.AllowSendingWithoutReply = true
		c = d
	}

	sent, err := t.bot.Send(c)
	if out := Classify(err); !out.OK() {
		t.logger.Warn("telegram media send failed", "chat_id", chatID, "transport", string(m.Transport), "err", err)
		return domain.MessageHandle{}, out
	}
	return domain.MessageHandle{ChatID: chatID, MessageID: sent.MessageID}, domain.Delivered()
}

// SendMediaGroup uploads 2-10 items of compatible kinds as one album.
func (t *Telegram) SendMediaGroup(ctx context.Context, chatID int64, items []domain.OutgoingMedia, replyTo int) ([]domain.MessageHandle, domain.Outcome) {
	if len(items) == 0 || len(items) > 10 {
		return nil, domain.Failed(fmt.Errorf("media group of %d items", len(items)))
	}
	if err := t.limiter.Wait(ctx); err != nil {
		return nil, domain.Failed(err)
	}

	media := make([]interface{}, 0, len(items))
	for _, m := range items {
		file := tgbotapi.FileReader{Name: m.Name, Reader: m.Reader}
		switch m.Transport {
		case domain.SendAsPhoto, domain.CompressThenPhoto:
			p := tgbotapi.NewInputMediaPhoto(file)
			p.Caption, p.ParseMode = m.Caption, string(m.ParseMode)
			media = append(media, p)
		case domain.SendAsVideo:
			v := tgbotapi.NewInputMediaVideo(file)
			v.Caption, v.ParseMode = m.Caption, string(m.ParseMode)
			v.SupportsStreaming = m.SupportsStreaming
			media = append(media, v)
		default:
			d := tgbotapi.NewInputMediaDocument(file)
			d.Caption, d.ParseMode = m.Caption, string(m.ParseMode)
			media = append(media, d)
		}
	}
	group := tgbotapi.NewMediaGroup(chatID, media)
	group.ReplyToMessageID = replyTo

	sent, err := t.bot.SendMediaGroup(group)
	if out := Classify(err); !out.OK() {
		t.logger.Warn("telegram media group failed", "chat_id", chatID, "items", len(items), "err", err)
		return nil, out
	}
	handles := make([]domain.MessageHandle, len(sent))
	for i, m := range sent {
		handles[i] = domain.MessageHandle{ChatID: chatID, MessageID: m.MessageID}
	}
	return handles, domain.Delivered()
}

// React sets a single emoji reaction on a message.
func (t *Telegram) React(ctx context.Context, h domain.MessageHandle, emoji string) error {
	params := tgbotapi.Params{
		"chat_id":    strconv.FormatInt(h.ChatID, 10),
		"message_id": strconv.Itoa(h.MessageID),
		"reaction":   fmt.Sprintf(`[{"type":"emoji","emoji":%q}]`, emoji),
	}
	if err := t.limiter.Wait(ctx); err != nil {
		return err
	}
	_, err := t.bot.MakeRequest("setMessageReaction", params)
	return err
}

// Download fetches an inbound attachment into a per-kind subdirectory of
// the download dir and returns the local path.
func (t *Telegram) Download(ctx context.Context, a domain.Attachment) (string, error) {
	if a.Size > t.cfg.MaxDownload {
		return "", fmt.Errorf("attachment of %d bytes exceeds download limit", a.Size)
	}
	file, err := t.bot.GetFile(tgbotapi.FileConfig{FileID: a.FileID})
	if err != nil {
		return "", fmt.Errorf("get file: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fmt.Sprintf(t.cfg.FileEndpoint, t.cfg.Token, file.FilePath), nil)
	if err != nil {
		return "", err
	}
	resp, err := t.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("download file: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("download file: status %d", resp.StatusCode)
	}

	dir := filepath.Join(t.cfg.DownloadDir, string(a.Kind))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create download dir: %w", err)
	}
	ext := filepath.Ext(file.FilePath)
	if ext == "" {
		ext = filepath.Ext(a.FileName)
	}
	path := filepath.Join(dir, uuid.NewString()+strings.ToLower(ext))

	f, err := os.Create(path)
	if err != nil {
		return "", fmt.Errorf("create download file: %w", err)
	}
	n, err := io.Copy(f, io.LimitReader(resp.Body, t.cfg.MaxDownload+1))
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err == nil && n > t.cfg.MaxDownload {
		err = fmt.Errorf("attachment exceeds download limit of %d bytes", t.cfg.MaxDownload)
	}
	if err != nil {
		os.Remove(path)
		return "", err
	}
	t.logger.Debug("attachment downloaded", "kind", string(a.Kind), "path", path, "bytes", n)
	return path, nil
}

// retry repeats fn on flood control and transient failures, honouring the
// server's retry_after hint.
func (t *Telegram) retry(ctx context.Context, op string, fn func() error) error {
	var err error
	for attempt := 0; attempt <= telegramMaxSendRetries; attempt++ {
		if werr := t.limiter.Wait(ctx); werr != nil {
			return werr
		}
		err = fn()
		if err == nil || !IsTransient(err) || attempt == telegramMaxSendRetries {
			return err
		}
		backoff := time.Duration(attempt+1) * time.Second
		var tgErr *tgbotapi.Error
		if errors.As(err, &tgErr) && tgErr.RetryAfter > 0 {
			backoff = time.Duration(tgErr.RetryAfter) * time.Second
		}
		t.logger.Warn("telegram call failed, retrying", "op", op, "attempt", attempt+1, "backoff", backoff, "err", err)
		if serr := t.sleep(ctx, backoff); serr != nil {
			return err
		}
	}
	return err
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Classify maps a Bot API error onto an Outcome. Length violations become
// TooLarge and "message is not modified" counts as success.
func Classify(err error) domain.Outcome {
	if err == nil {
		return domain.Delivered()
	}
	var tgErr *tgbotapi.Error
	if errors.As(err, &tgErr) {
		msg := strings.ToLower(tgErr.Message)
		switch {
		case strings.Contains(msg, "message is not modified"):
			return domain.Delivered()
		case strings.Contains(msg, "message_too_long"),
			strings.Contains(msg, "message is too long"),
			strings.Contains(msg, "caption is too long"),
			strings.Contains(msg, "text is too long"),
			strings.Contains(msg, "media_caption_too_long"),
			tgErr.Code == http.StatusRequestEntityTooLarge:
			return domain.TooLarge(fmt.Errorf("%w: %s", domain.ErrContentTooLarge, tgErr.Message))
		}
	}
	if IsTransient(err) {
		return domain.Failed(fmt.Errorf("%w: %w", ErrTransient, err))
	}
	return domain.Failed(err)
}

// IsTransient reports whether err is worth retrying.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrTransient) {
		return true
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var tgErr *tgbotapi.Error
	if errors.As(err, &tgErr) {
		return tgErr.Code == http.StatusTooManyRequests || tgErr.Code >= 500 || tgErr.RetryAfter > 0
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}
