package domain

import (
	"context"
	"errors"
	"io"
)

// ParseMode selects how the channel interprets message markup.
type ParseMode string

const (
	ParsePlain      ParseMode = ""
	ParseMarkdown   ParseMode = "Markdown"
	ParseMarkdownV2 ParseMode = "MarkdownV2"
	ParseHTML       ParseMode = "HTML"
)

// ErrContentTooLarge marks text or captions beyond a hard channel limit.
var ErrContentTooLarge = errors.New("content exceeds channel limit")

// MessageHandle identifies a message the bot can edit or delete.
type MessageHandle struct {
	ChatID    int64
	MessageID int
}

// OutcomeStatus classifies the result of a send or edit.
type OutcomeStatus int

const (
	StatusOK OutcomeStatus = iota
	StatusTooLarge
	StatusFailed
)

func (s OutcomeStatus) String() string {
	switch s {
	case StatusOK:
		return "ok"
	case StatusTooLarge:
		return "too_large"
	default:
		return "failed"
	}
}

// Outcome is returned by send and edit calls instead of a bare error, so
// that oversize content is an explicit variant rather than an exception.
type Outcome struct {
	Status OutcomeStatus
	Err    error
}

// Delivered is the successful Outcome.
func Delivered() Outcome { return Outcome{Status: StatusOK} }

// TooLarge wraps a length-exceeded failure.
func TooLarge(err error) Outcome {
	if err == nil {
		err = ErrContentTooLarge
	}
	return Outcome{Status: StatusTooLarge, Err: err}
}

// Failed wraps any other failure.
func Failed(err error) Outcome { return Outcome{Status: StatusFailed, Err: err} }

// OK reports whether the call succeeded.
func (o Outcome) OK() bool { return o.Status == StatusOK }

// SendOptions tweaks an outgoing text message.
type SendOptions struct {
	ParseMode      ParseMode
	ReplyTo        int
	DisablePreview bool
}

// OutgoingMedia is one media item ready for upload. Reader is owned by the
// caller and must stay open until the send returns.
type OutgoingMedia struct {
	Transport         Transport
	Name              string
	Reader            io.Reader
	Caption           string
	ParseMode         ParseMode
	SupportsStreaming bool
}

// Messenger is the subset of the chat platform the pipeline drives.
type Messenger interface {
	Send(ctx context.Context, chatID int64, text string, opts SendOptions) (MessageHandle, Outcome)
	Edit(ctx context.Context, h MessageHandle, text string, mode ParseMode) Outcome
	Delete(ctx context.Context, h MessageHandle) error
	SendMedia(ctx context.Context, chatID int64, m OutgoingMedia, replyTo int) (MessageHandle, Outcome)
	SendMediaGroup(ctx context.Context, chatID int64, items []OutgoingMedia, replyTo int) ([]MessageHandle, Outcome)
	React(ctx context.Context, h MessageHandle, emoji string) error
}

// Document is a published long-form page.
type Document struct {
	URL   string
	Title string
}

// DocumentPublisher renders long content as a standalone linked document.
type DocumentPublisher interface {
	Publish(ctx context.Context, title, content string) (Document, error)
}
