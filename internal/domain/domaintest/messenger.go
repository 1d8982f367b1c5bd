// Package domaintest provides in-memory fakes of the domain interfaces for
// tests.
package domaintest

import (
	"context"
	"errors"
	"io"
	"sync"

	"relaybot/internal/domain"
)

// Call records one Messenger invocation.
type Call struct {
	Op        string // send | edit | delete | media | group | react
	ChatID    int64
	MessageID int
	Text      string
	ParseMode domain.ParseMode
	ReplyTo   int
	Media     []MediaCall
}

// MediaCall records one uploaded media item, with the bytes read from it.
type MediaCall struct {
	Transport         domain.Transport
	Name              string
	Caption           string
	SupportsStreaming bool
	Data              []byte
}

// Messenger is a recording domain.Messenger. Hooks decide the outcome of
// each call; nil hooks succeed.
type Messenger struct {
	mu     sync.Mutex
	calls  []Call
	nextID int

	EditHook  func(text string, mode domain.ParseMode) domain.Outcome
	SendHook  func(text string, mode domain.ParseMode) domain.Outcome
	MediaHook func(items []domain.OutgoingMedia) domain.Outcome
	ReactErr  error
}

// NewMessenger returns a Messenger whose message ids start at 100.
func NewMessenger() *Messenger {
	return &Messenger{nextID: 100}
}

func (m *Messenger) record(c Call) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, c)
}

func (m *Messenger) newID() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	return m.nextID
}

// Calls returns a copy of every recorded call.
func (m *Messenger) Calls() []Call {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Call(nil), m.calls...)
}

// CallsOf returns the recorded calls of one operation.
func (m *Messenger) CallsOf(op string) []Call {
	var out []Call
	for _, c := range m.Calls() {
		if c.Op == op {
			out = append(out, c)
		}
	}
	return out
}

func (m *Messenger) Send(ctx context.Context, chatID int64, text string, opts domain.SendOptions) (domain.MessageHandle, domain.Outcome) {
	m.record(Call{Op: "send", ChatID: chatID, Text: text, ParseMode: opts.ParseMode, ReplyTo: opts.ReplyTo})
	if m.SendHook != nil {
		if res := m.SendHook(text, opts.ParseMode); !res.OK() {
			return domain.MessageHandle{}, res
		}
	}
	return domain.MessageHandle{ChatID: chatID, MessageID: m.newID()}, domain.Delivered()
}

func (m *Messenger) Edit(ctx context.Context, h domain.MessageHandle, text string, mode domain.ParseMode) domain.Outcome {
	m.record(Call{Op: "edit", ChatID: h.ChatID, MessageID: h.MessageID, Text: text, ParseMode: mode})
	if m.EditHook != nil {
		return m.EditHook(text, mode)
	}
	return domain.Delivered()
}

func (m *Messenger) Delete(ctx context.Context, h domain.MessageHandle) error {
	m.record(Call{Op: "delete", ChatID: h.ChatID, MessageID: h.MessageID})
	return nil
}

func (m *Messenger) SendMedia(ctx context.Context, chatID int64, item domain.OutgoingMedia, replyTo int) (domain.MessageHandle, domain.Outcome) {
	handles, res := m.send("media", chatID, []domain.OutgoingMedia{item}, replyTo)
	if !res.OK() {
		return domain.MessageHandle{}, res
	}
	return handles[0], res
}

func (m *Messenger) SendMediaGroup(ctx context.Context, chatID int64, items []domain.OutgoingMedia, replyTo int) ([]domain.MessageHandle, domain.Outcome) {
	if len(items) > 10 {
		return nil, domain.Failed(errors.New("too many items in media group"))
	}
	return m.send("group", chatID, items, replyTo)
}

func (m *Messenger) send(op string, chatID int64, items []domain.OutgoingMedia, replyTo int) ([]domain.MessageHandle, domain.Outcome) {
	call := Call{Op: op, ChatID: chatID, ReplyTo: replyTo}
	for _, it := range items {
		var data []byte
		if it.Reader != nil {
			data, _ = io.ReadAll(it.Reader)
		}
		call.Media = append(call.Media, MediaCall{
			Transport:         it.Transport,
			Name:              it.Name,
			Caption:           it.Caption,
			SupportsStreaming: it.SupportsStreaming,
			Data:              data,
		})
	}
	m.record(call)
	if m.MediaHook != nil {
		if res := m.MediaHook(items); !res.OK() {
			return nil, res
		}
	}
	handles := make([]domain.MessageHandle, len(items))
	for i := range items {
		handles[i] = domain.MessageHandle{ChatID: chatID, MessageID: m.newID()}
	}
	return handles, domain.Delivered()
}

func (m *Messenger) React(ctx context.Context, h domain.MessageHandle, emoji string) error {
	m.record(Call{Op: "react", ChatID: h.ChatID, MessageID: h.MessageID, Text: emoji})
	return m.ReactErr
}
