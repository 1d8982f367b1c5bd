package render

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"strings"
	"testing"
	"unicode/utf8"

	"relaybot/internal/domain"
	"relaybot/internal/domain/domaintest"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
}

var progress = domain.MessageHandle{ChatID: 5, MessageID: 50}

// lengthLimited mimics the channel: anything over 4096 UTF-16 units is rejected.
func lengthLimited(text string, _ domain.ParseMode) domain.Outcome {
	if TextLength(text) > 4096 {
		return domain.TooLarge(errors.New("Bad Request: message is too long"))
	}
	return domain.Delivered()
}

func newChain(m domain.Messenger, p domain.DocumentPublisher) *Chain {
	cfg := Config{Messenger: m, Logger: testLogger()}
	if p != nil {
		cfg.Publisher = p
	}
	return NewChain(cfg)
}

func TestDeliver_ShortAnswerDirectEdit(t *testing.T) {
	m := domaintest.NewMessenger()
	m.EditHook = lengthLimited
	pub := &domaintest.Publisher{}

	out := newChain(m, pub).Deliver(context.Background(), progress, domain.FinalResult{Answer: "hello", Type: "GeneralQA"})

	if !out.Delivered || out.Tier != TierDirect {
		t.Fatalf("expected direct delivery, got %+v", out)
	}
	edits := m.CallsOf("edit")
	if len(edits) != 1 || edits[0].Text != "hello" || edits[0].MessageID != progress.MessageID {
		t.Fatalf("unexpected edits: %+v", edits)
	}
	if pub.Calls() != 0 {
		t.Fatal("a fitting answer must never reach the document publisher")
	}
}

func TestDeliver_FallsBackThroughParseModes(t *testing.T) {
	m := domaintest.NewMessenger()
	var tried []domain.ParseMode
	m.EditHook = func(text string, mode domain.ParseMode) domain.Outcome {
		tried = append(tried, mode)
		if mode == domain.ParsePlain {
			return domain.Delivered()
		}
		return domain.Failed(errors.New("can't parse entities"))
	}

	out := newChain(m, nil).Deliver(context.Background(), progress, domain.FinalResult{Answer: "*broken_markup"})
	if !out.Delivered || out.Tier != TierDirect {
		t.Fatalf("expected direct delivery via plain text, got %+v", out)
	}
	want := []domain.ParseMode{domain.ParseMarkdown, domain.ParseMarkdownV2, domain.ParseHTML, domain.ParsePlain}
	if len(tried) != len(want) {
		t.Fatalf("tried %v, want %v", tried, want)
	}
	for i := range want {
		if tried[i] != want[i] {
			t.Fatalf("tried %v, want %v", tried, want)
		}
	}
}

func TestDeliver_OversizeEscalatesToDocument(t *testing.T) {
	m := domaintest.NewMessenger()
	m.EditHook = lengthLimited
	pub := &domaintest.Publisher{URL: "https://telegra.ph/long-answer"}
	answer := strings.Repeat("a", 10000)

	out := newChain(m, pub).Deliver(context.Background(), progress, domain.FinalResult{Answer: answer})

	if !out.Delivered || out.Tier != TierEscalated {
		t.Fatalf("expected escalated delivery, got %+v", out)
	}
	if out.Handle == progress {
		t.Fatal("escalation must deliver into a new placeholder")
	}
	if pub.Calls() != 1 {
		t.Fatalf("expected one publish, got %d", pub.Calls())
	}
	sends := m.CallsOf("send")
	if len(sends) != 1 || sends[0].Text != LoadingText || sends[0].ReplyTo != progress.MessageID {
		t.Fatalf("expected a loading placeholder replying to the progress message, got %+v", sends)
	}
	var linked bool
	for _, e := range m.CallsOf("edit") {
		if e.MessageID == out.Handle.MessageID && strings.Contains(e.Text, "https://telegra.ph/long-answer") {
			linked = true
		}
	}
	if !linked {
		t.Fatal("placeholder was not pointed at the document")
	}
	if dels := m.CallsOf("delete"); len(dels) != 1 || dels[0].MessageID != progress.MessageID {
		t.Fatalf("expected the stale progress message to be removed, got %+v", dels)
	}
}

func TestDeliver_LongFormFlagUsesDocumentFirst(t *testing.T) {
	m := domaintest.NewMessenger()
	pub := &domaintest.Publisher{}
	res := domain.FinalResult{Answer: "# Report\n\nbody", Extras: map[string]any{"is_long_form": true, "title": "Weekly report"}}

	out := newChain(m, pub).Deliver(context.Background(), progress, res)

	if !out.Delivered || out.Tier != TierDocument || out.Handle != progress {
		t.Fatalf("expected document tier on the progress message, got %+v", out)
	}
	edits := m.CallsOf("edit")
	if len(edits) != 1 || !strings.Contains(edits[0].Text, "Weekly report") || edits[0].ParseMode != domain.ParseHTML {
		t.Fatalf("unexpected edits: %+v", edits)
	}
}

func TestDeliver_LongFormFailureFallsBackToDirect(t *testing.T) {
	m := domaintest.NewMessenger()
	pub := &domaintest.Publisher{Err: errors.New("telegraph down")}
	res := domain.FinalResult{Answer: "short enough", Extras: map[string]any{"is_instant_view": true}}

	out := newChain(m, pub).Deliver(context.Background(), progress, res)
	if !out.Delivered || out.Tier != TierDirect {
		t.Fatalf("expected direct tier after publisher failure, got %+v", out)
	}
}

func TestDeliver_PublisherFailureFallsBackToPlainChunks(t *testing.T) {
	m := domaintest.NewMessenger()
	m.EditHook = func(text string, mode domain.ParseMode) domain.Outcome {
		return lengthLimited(text, mode)
	}
	pub := &domaintest.Publisher{Err: errors.New("telegraph down")}
	answer := strings.Repeat("b", 10000)

	out := newChain(m, pub).Deliver(context.Background(), progress, domain.FinalResult{Answer: answer})

	if !out.Delivered || out.Tier != TierPlain {
		t.Fatalf("expected plain tier, got %+v", out)
	}
	var plainSends []domaintest.Call
	for _, s := range m.CallsOf("send") {
		if s.Text != LoadingText {
			plainSends = append(plainSends, s)
		}
	}
	if len(plainSends) != 2 {
		t.Fatalf("expected two continuation chunks, got %d", len(plainSends))
	}
	var total int
	for _, e := range m.CallsOf("edit") {
		if e.MessageID == progress.MessageID && e.ParseMode == domain.ParsePlain && utf8.RuneCountInString(e.Text) <= MaxMessageLength {
			total += len(e.Text)
		}
	}
	for _, s := range plainSends {
		total += len(s.Text)
	}
	if total != len(answer) {
		t.Fatalf("plain delivery lost content: %d of %d bytes", total, len(answer))
	}
}

func TestDeliver_ExhaustedChainReportsFailure(t *testing.T) {
	m := domaintest.NewMessenger()
	m.EditHook = func(string, domain.ParseMode) domain.Outcome { return domain.Failed(errors.New("chat not found")) }
	m.SendHook = func(string, domain.ParseMode) domain.Outcome { return domain.Failed(errors.New("chat not found")) }

	out := newChain(m, &domaintest.Publisher{}).Deliver(context.Background(), progress, domain.FinalResult{Answer: "hi"})
	if out.Delivered {
		t.Fatal("expected undelivered outcome")
	}
	if out.Err == nil {
		t.Fatal("expected the failure cause to be reported")
	}
}

func TestReply_SendsPlaceholderThenDelivers(t *testing.T) {
	m := domaintest.NewMessenger()
	out := newChain(m, nil).Reply(context.Background(), 5, 77, "caption overflow text")
	if !out.Delivered {
		t.Fatalf("expected delivery, got %+v", out)
	}
	sends := m.CallsOf("send")
	if len(sends) != 1 || sends[0].ReplyTo != 77 {
		t.Fatalf("expected a placeholder anchored to message 77, got %+v", sends)
	}
	edits := m.CallsOf("edit")
	if len(edits) == 0 || edits[0].Text != "caption overflow text" {
		t.Fatalf("unexpected edits %+v", edits)
	}
}

func TestSplitText(t *testing.T) {
	if got := SplitText("short", 10); len(got) != 1 || got[0] != "short" {
		t.Fatalf("unexpected split %q", got)
	}

	text := strings.Repeat("x", 8) + "\n" + strings.Repeat("y", 8)
	got := SplitText(text, 10)
	if len(got) != 2 || got[0] != strings.Repeat("x", 8) {
		t.Fatalf("expected a newline break, got %q", got)
	}

	runes := strings.Repeat("é", 25)
	for _, c := range SplitText(runes, 10) {
		if utf8.RuneCountInString(c) > 10 {
			t.Fatalf("chunk exceeds limit: %q", c)
		}
	}

	if got := SplitText("\n\nabc", 1); strings.Join(got, "") != "abc" {
		t.Fatalf("tiny windows must still make progress, got %q", got)
	}
}

func TestSplitText_CountsUTF16Units(t *testing.T) {
	text := strings.Repeat("😀", 5000)
	chunks := SplitText(text, MaxMessageLength)
	if len(chunks) != 3 {
		t.Fatalf("expected 3 chunks, got %d", len(chunks))
	}
	for i, c := range chunks {
		if n := TextLength(c); n > MaxMessageLength {
			t.Fatalf("chunk %d is %d UTF-16 units, over %d", i, n, MaxMessageLength)
		}
	}
	if strings.Join(chunks, "") != text {
		t.Fatal("chunks must reassemble the original text")
	}

	if got := SplitText("a😀b", 1); strings.Join(got, "") != "a😀b" || len(got) != 3 {
		t.Fatalf("a wide rune must still fit a window of one, got %q", got)
	}
}

func TestTextLength(t *testing.T) {
	if n := TextLength("hé😀"); n != 4 {
		t.Errorf("TextLength = %d, want 4", n)
	}
}

func TestDocumentTitle(t *testing.T) {
	if got := documentTitle(domain.FinalResult{Answer: "## Heading\nbody"}); got != "Heading" {
		t.Errorf("got %q", got)
	}
	if got := documentTitle(domain.FinalResult{Answer: "x", Extras: map[string]any{"title": " Given "}}); got != "Given" {
		t.Errorf("got %q", got)
	}
	if got := documentTitle(domain.FinalResult{}); got != "Answer" {
		t.Errorf("got %q", got)
	}
}
