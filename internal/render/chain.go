// Package render delivers a final answer into a chat, escalating through
// richer-to-poorer formats and an external document fallback so that
// length is never a hard failure.
package render

import (
	"context"
	"errors"
	"fmt"
	"html"
	"log/slog"
	"strings"
	"unicode/utf8"

	"relaybot/internal/domain"
	"relaybot/internal/metrics"
)

// LoadingText is shown in a placeholder while a document is being published.
const LoadingText = "🔄 Loading..."

// Tier is the fallback level that delivered an answer.
type Tier int

const (
	TierNone Tier = iota
	TierDocument
	TierDirect
	TierEscalated
	TierPlain
)

func (t Tier) String() string {
	switch t {
	case TierDocument:
		return "document"
	case TierDirect:
		return "direct"
	case TierEscalated:
		return "escalated"
	case TierPlain:
		return "plain"
	}
	return "none"
}

// Outcome reports how a delivery ended. Handle is the message that now
// shows the answer (a new placeholder after escalation).
type Outcome struct {
	Delivered bool
	Tier      Tier
	Handle    domain.MessageHandle
	Err       error
}

var errNoPublisher = errors.New("document publisher not configured")

// DefaultParseModes is the richest-first order tried on direct edits.
func DefaultParseModes() []domain.ParseMode {
	return []domain.ParseMode{domain.ParseMarkdown, domain.ParseMarkdownV2, domain.ParseHTML}
}

// Config configures a Chain.
type Config struct {
	Messenger  domain.Messenger
	Publisher  domain.DocumentPublisher // nil disables document tiers
	ParseModes []domain.ParseMode
	MaxLength  int // plain-text chunk size, in UTF-16 code units
	Logger     *slog.Logger
}

// Chain is the render fallback state machine.
type Chain struct {
	messenger domain.Messenger
	publisher domain.DocumentPublisher
	modes     []domain.ParseMode
	maxLen    int
	logger    *slog.Logger
}

// NewChain creates a Chain. Plain text is always tried after the
// configured parse modes.
func NewChain(cfg Config) *Chain {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if len(cfg.ParseModes) == 0 {
		cfg.ParseModes = DefaultParseModes()
	}
	if cfg.MaxLength <= 0 {
		cfg.MaxLength = MaxMessageLength
	}
	modes := make([]domain.ParseMode, 0, len(cfg.ParseModes)+1)
	for _, m := range cfg.ParseModes {
		if m != domain.ParsePlain {
			modes = append(modes, m)
		}
	}
	modes = append(modes, domain.ParsePlain)
	return &Chain{
		messenger: cfg.Messenger,
		publisher: cfg.Publisher,
		modes:     modes,
		maxLen:    cfg.MaxLength,
		logger:    cfg.Logger,
	}
}

// Deliver renders res into the message h. It never returns an error; a
// fully exhausted chain is reported as an undelivered Outcome.
func (c *Chain) Deliver(ctx context.Context, h domain.MessageHandle, res domain.FinalResult) Outcome {
	out := c.deliver(ctx, h, res)
	metrics.RenderOutcome(out.Tier.String()).Inc()
	if !out.Delivered {
		c.logger.Error("answer delivery failed", "chat_id", h.ChatID, "message_id", h.MessageID, "err", out.Err)
	}
	return out
}

func (c *Chain) deliver(ctx context.Context, h domain.MessageHandle, res domain.FinalResult) Outcome {
	title := documentTitle(res)

	// Tier 1: explicitly requested long-form rendering.
	if res.IsLongForm() {
		err := c.publishInto(ctx, h, title, res.Answer)
		if err == nil {
			return Outcome{Delivered: true, Tier: TierDocument, Handle: h}
		}
		c.logger.Warn("long-form rendering failed, trying direct edit", "err", err)
	}

	// Tier 2: direct edit, richest format first.
	tooLarge := false
	var lastErr error
	for _, mode := range c.modes {
		r := c.messenger.Edit(ctx, h, res.Answer, mode)
		switch r.Status {
		case domain.StatusOK:
			return Outcome{Delivered: true, Tier: TierDirect, Handle: h}
		case domain.StatusTooLarge:
			tooLarge = true
		}
		lastErr = r.Err
		c.logger.Debug("direct edit rejected", "parse_mode", string(mode), "status", r.Status.String(), "err", r.Err)
	}

	// Tier 3: oversize content moves to a document on a fresh placeholder.
	if tooLarge {
		placeholder, err := c.escalate(ctx, h, title, res.Answer)
		if err == nil {
			if delErr := c.messenger.Delete(ctx, h); delErr != nil {
				c.logger.Warn("failed to remove progress message", "err", delErr)
			}
			return Outcome{Delivered: true, Tier: TierEscalated, Handle: placeholder}
		}
		c.logger.Warn("document escalation failed, falling back to plain text", "err", err)
		lastErr = err
	}

	// Tier 4: plain text, split to fit.
	if err := c.sendPlain(ctx, h, res.Answer); err != nil {
		return Outcome{Tier: TierNone, Handle: h, Err: errors.Join(lastErr, err)}
	}
	return Outcome{Delivered: true, Tier: TierPlain, Handle: h}
}

// Reply sends text as a new message replying to replyTo, with the same
// fallback guarantees as Deliver.
func (c *Chain) Reply(ctx context.Context, chatID int64, replyTo int, text string) Outcome {
	h, r := c.messenger.Send(ctx, chatID, LoadingText, domain.SendOptions{ReplyTo: replyTo})
	if !r.OK() {
		c.logger.Error("failed to send reply placeholder", "chat_id", chatID, "err", r.Err)
		return Outcome{Err: r.Err}
	}
	return c.Deliver(ctx, h, domain.FinalResult{Answer: text})
}

func (c *Chain) escalate(ctx context.Context, h domain.MessageHandle, title, content string) (domain.MessageHandle, error) {
	if c.publisher == nil {
		return domain.MessageHandle{}, errNoPublisher
	}
	placeholder, r := c.messenger.Send(ctx, h.ChatID, LoadingText, domain.SendOptions{ReplyTo: h.MessageID})
	if !r.OK() {
		return domain.MessageHandle{}, fmt.Errorf("send placeholder: %w", r.Err)
	}
	if err := c.publishInto(ctx, placeholder, title, content); err != nil {
		if delErr := c.messenger.Delete(ctx, placeholder); delErr != nil {
			c.logger.Warn("failed to remove placeholder", "err", delErr)
		}
		return domain.MessageHandle{}, err
	}
	return placeholder, nil
}

// publishInto publishes content as a document and points h at it.
func (c *Chain) publishInto(ctx context.Context, h domain.MessageHandle, title, content string) error {
	if c.publisher == nil {
		return errNoPublisher
	}
	doc, err := c.publisher.Publish(ctx, title, content)
	if err != nil {
		return fmt.Errorf("publish document: %w", err)
	}
	link := fmt.Sprintf(`📄 <a href="%s">%s</a>`, html.EscapeString(doc.URL), html.EscapeString(doc.Title))
	if r := c.messenger.Edit(ctx, h, link, domain.ParseHTML); r.OK() {
		return nil
	}
	if r := c.messenger.Edit(ctx, h, doc.Title+"\n"+doc.URL, domain.ParsePlain); !r.OK() {
		return fmt.Errorf("edit document link: %w", r.Err)
	}
	return nil
}

func (c *Chain) sendPlain(ctx context.Context, h domain.MessageHandle, text string) error {
	chunks := SplitText(text, c.maxLen)
	if len(chunks) == 0 {
		return errors.New("empty answer")
	}
	if r := c.messenger.Edit(ctx, h, chunks[0], domain.ParsePlain); !r.OK() {
		return fmt.Errorf("plain edit: %w", r.Err)
	}
	replyTo := h.MessageID
	for i, chunk := range chunks[1:] {
		next, r := c.messenger.Send(ctx, h.ChatID, chunk, domain.SendOptions{ReplyTo: replyTo})
		if !r.OK() {
			return fmt.Errorf("plain chunk %d/%d: %w", i+2, len(chunks), r.Err)
		}
		replyTo = next.MessageID
	}
	return nil
}

func documentTitle(res domain.FinalResult) string {
	if t := res.Title(); t != "" {
		return t
	}
	first, _, _ := strings.Cut(strings.TrimSpace(res.Answer), "\n")
	first = strings.TrimLeft(first, "#*_ ")
	if first == "" {
		return "Answer"
	}
	if utf8.RuneCountInString(first) > 64 {
		first = string([]rune(first)[:64]) + "…"
	}
	return first
}
