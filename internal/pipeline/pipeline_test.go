package pipeline

import (
	"context"
	"errors"
	"io/fs"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"relaybot/internal/classifier"
	"relaybot/internal/domain"
	"relaybot/internal/domain/domaintest"
	"relaybot/internal/fetch"
	"relaybot/internal/mediagroup"
	"relaybot/internal/orchestrator"
	"relaybot/internal/task"
)

const testChat int64 = -1001

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
}

type fakeAttachments struct{ dir string }

func (f fakeAttachments) Download(ctx context.Context, a domain.Attachment) (string, error) {
	p := filepath.Join(f.dir, a.FileID+".jpg")
	return p, os.WriteFile(p, []byte("jpeg"), 0o644)
}

type fakeFetcher struct{}

func (fakeFetcher) FetchAll(ctx context.Context, urls []string, dir string) []domain.FetchedItem {
	os.MkdirAll(dir, 0o755)
	out := make([]domain.FetchedItem, len(urls))
	for i, u := range urls {
		out[i].Source = u
		if strings.Contains(u, "broken") {
			out[i].Err = errors.New("404 not found")
			continue
		}
		p := filepath.Join(dir, path.Base(u))
		if err := os.WriteFile(p, []byte("jpeg"), 0o644); err != nil {
			out[i].Err = err
			continue
		}
		out[i].Item = domain.MediaItem{Path: p, Size: 4, Kind: domain.KindPhoto}
	}
	return out
}

type stubLinks struct {
	d   domain.Download
	err error
}

func (s stubLinks) Download(ctx context.Context, source, dir string) (domain.Download, error) {
	return s.d, s.err
}

type fixture struct {
	messenger *domaintest.Messenger
	chats     *domaintest.ChatStore
	engine    *domaintest.Engine
	handler   *Handler
	dir       string
}

func newFixture(t *testing.T, links domain.Downloader, streams ...*domaintest.Stream) *fixture {
	t.Helper()
	f := &fixture{
		messenger: domaintest.NewMessenger(),
		chats:     domaintest.NewChatStore(testChat),
		engine:    &domaintest.Engine{Streams: streams},
		dir:       t.TempDir(),
	}
	h, err := NewHandler(Config{
		Messenger:   f.messenger,
		Chats:       f.chats,
		Engine:      f.engine,
		Attachments: fakeAttachments{dir: f.dir},
		Fetcher:     fakeFetcher{},
		Links:       links,
		Bot:         classifier.Bot{ID: 7, Username: "relay_bot"},
		ParseMode:   domain.ParseMarkdown,
		DownloadDir: f.dir,
		Logger:      testLogger(),
	})
	if err != nil {
		t.Fatalf("NewHandler: %v", err)
	}
	f.handler = h
	return f
}

func message(id int, text string) *domain.InboundMessage {
	m := &domain.InboundMessage{
		ChatID:    testChat,
		MessageID: id,
		From:      &domain.Sender{ID: 42, Username: "alice"},
		Text:      text,
		Date:      time.Date(2025, 8, 15, 12, 0, 0, 0, time.UTC),
	}
	if i := strings.Index(text, "@relay_bot"); i >= 0 {
		m.Entities = []domain.Entity{{Type: "mention", Offset: i, Length: len("@relay_bot")}}
	}
	return m
}

func lastEdit(t *testing.T, m *domaintest.Messenger) domaintest.Call {
	t.Helper()
	edits := m.CallsOf("edit")
	if len(edits) == 0 {
		t.Fatal("no edits recorded")
	}
	return edits[len(edits)-1]
}

func TestNewHandler_RequiresCollaborators(t *testing.T) {
	if _, err := NewHandler(Config{Logger: testLogger()}); err == nil {
		t.Fatal("expected an error without messenger")
	}
	if _, err := NewHandler(Config{Messenger: domaintest.NewMessenger(), Chats: domaintest.NewChatStore()}); err == nil {
		t.Fatal("expected an error without engine")
	}
}

func TestHandle_MentionRunsWorkflow(t *testing.T) {
	f := newFixture(t, nil, domaintest.Finished("hello", domain.ResultGeneral, nil))

	if err := f.handler.Handle(context.Background(), message(10, "@relay_bot what is a goroutine?")); err != nil {
		t.Fatalf("Handle: %v", err)
	}

	reacts := f.messenger.CallsOf("react")
	if len(reacts) != 1 || reacts[0].Text != "🤔" || reacts[0].MessageID != 10 {
		t.Errorf("unexpected reactions %+v", reacts)
	}
	sends := f.messenger.CallsOf("send")
	if len(sends) != 1 || sends[0].Text != orchestrator.PlanningText || sends[0].ReplyTo != 10 {
		t.Fatalf("expected one placeholder reply, got %+v", sends)
	}

	reqs := f.engine.Requests()
	if len(reqs) != 1 {
		t.Fatalf("expected one workflow run, got %d", len(reqs))
	}
	req := reqs[0]
	if req.User != "alice(42)" || req.BotUsername != "relay_bot" || req.ParseMode != domain.ParseMarkdown {
		t.Errorf("unexpected request %+v", req)
	}
	if !strings.Contains(req.MessageContext, "what is a goroutine?") {
		t.Errorf("message context misses the question: %q", req.MessageContext)
	}

	final := lastEdit(t, f.messenger)
	if final.Text != "hello" || final.ParseMode != domain.ParseMarkdown || final.MessageID != 101 {
		t.Errorf("unexpected final edit %+v", final)
	}
}

func TestHandle_IgnoresChatNotOnAllowList(t *testing.T) {
	f := newFixture(t, nil)
	msg := message(10, "@relay_bot hi")
	msg.ChatID = 555

	if err := f.handler.Handle(context.Background(), msg); err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if calls := f.messenger.Calls(); len(calls) != 0 {
		t.Errorf("expected silence, got %+v", calls)
	}
}

func TestHandle_IgnoresUnaddressedMessage(t *testing.T) {
	f := newFixture(t, nil)
	if err := f.handler.Handle(context.Background(), message(10, "just chatting")); err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if len(f.messenger.Calls()) != 0 || len(f.engine.Requests()) != 0 {
		t.Error("plain message without auto mode should be ignored")
	}
}

func TestHandle_GreetsBareMention(t *testing.T) {
	f := newFixture(t, nil)
	if err := f.handler.Handle(context.Background(), message(10, "@relay_bot")); err != nil {
		t.Fatalf("Handle: %v", err)
	}
	sends := f.messenger.CallsOf("send")
	if len(sends) != 1 || sends[0].Text == "" || sends[0].ReplyTo != 10 {
		t.Errorf("expected one greeting, got %+v", sends)
	}
	if len(f.engine.Requests()) != 0 {
		t.Error("greeting must not run the workflow")
	}
}

func TestHandle_AutoModeUsesRobotReaction(t *testing.T) {
	f := newFixture(t, nil, domaintest.Finished("translated", domain.ResultGeneral, nil))
	f.chats.SetAutoMode(context.Background(), testChat, true)

	if err := f.handler.Handle(context.Background(), message(10, "bonjour tout le monde")); err != nil {
		t.Fatalf("Handle: %v", err)
	}
	reacts := f.messenger.CallsOf("react")
	if len(reacts) != 1 || reacts[0].Text != "🤖" {
		t.Errorf("unexpected reactions %+v", reacts)
	}
	if got := f.engine.Requests()[0].MessageContext; got != "bonjour tout le monde" {
		t.Errorf("unexpected message context %q", got)
	}
}

func TestHandle_UploadsAttachmentsAndRemovesThem(t *testing.T) {
	f := newFixture(t, nil, domaintest.Finished("a cat", domain.ResultGeneral, nil))
	msg := message(10, "")
	msg.Caption = "@relay_bot what is this?"
	msg.CaptionEntities = []domain.Entity{{Type: "mention", Offset: 0, Length: len("@relay_bot")}}
	msg.Attachments = []domain.Attachment{{Kind: domain.AttachPhoto, FileID: "photo1"}}

	if err := f.handler.Handle(context.Background(), msg); err != nil {
		t.Fatalf("Handle: %v", err)
	}
	uploads := f.engine.Uploads()
	if len(uploads) != 1 {
		t.Fatalf("expected one upload, got %v", uploads)
	}
	if got := f.engine.Requests()[0].Files; len(got) != 1 || got[0].ID != "file-1" {
		t.Errorf("uploaded file not passed to the run: %+v", got)
	}
	if _, err := os.Stat(uploads[0]); !errors.Is(err, fs.ErrNotExist) {
		t.Errorf("attachment should be removed after the turn, stat err = %v", err)
	}
}

func TestHandle_StreamFailureEditsPlaceholder(t *testing.T) {
	broken := &domaintest.Stream{Steps: []domaintest.Step{
		{Event: domain.NodeStarted{Kind: domain.NodeLLM, Title: "Thinking", Index: 1}},
	}}
	f := newFixture(t, nil, broken)

	err := f.handler.Handle(context.Background(), message(10, "@relay_bot explain"))
	if !errors.Is(err, ErrTurnFailed) || !errors.Is(err, orchestrator.ErrStreamIncomplete) {
		t.Fatalf("expected incomplete stream turn failure, got %v", err)
	}
	if final := lastEdit(t, f.messenger); final.Text != orchestrator.ErrorText {
		t.Errorf("expected apology, got %q", final.Text)
	}
	if !broken.Closed() {
		t.Error("stream should be closed")
	}
}

func TestHandle_ImageGenerationSendsImages(t *testing.T) {
	extras := map[string]any{"all_image_urls": []any{"https://img.example/a.jpg", "https://img.example/b.jpg"}}
	f := newFixture(t, nil, domaintest.Finished("Here is your fox", domain.ResultImageGeneration, extras))

	if err := f.handler.Handle(context.Background(), message(10, "@relay_bot draw a fox")); err != nil {
		t.Fatalf("Handle: %v", err)
	}
	groups := f.messenger.CallsOf("group")
	if len(groups) != 1 || len(groups[0].Media) != 2 {
		t.Fatalf("expected one album of two, got %+v", groups)
	}
	if groups[0].Media[0].Caption != "Here is your fox" || groups[0].Media[1].Caption != "" {
		t.Errorf("caption must be on the first item only: %+v", groups[0].Media)
	}
	if groups[0].ReplyTo != 10 {
		t.Errorf("album should reply to the trigger, got %d", groups[0].ReplyTo)
	}
	deletes := f.messenger.CallsOf("delete")
	if len(deletes) != 1 || deletes[0].MessageID != 101 {
		t.Errorf("placeholder should be deleted, got %+v", deletes)
	}
	if _, err := os.Stat(filepath.Join(f.dir, "generated", "a.jpg")); !errors.Is(err, fs.ErrNotExist) {
		t.Error("generated images should be removed after delivery")
	}
}

func TestHandle_ImageGenerationFallsBackToText(t *testing.T) {
	extras := map[string]any{"all_image_urls": []any{"https://img.example/broken.jpg"}}
	f := newFixture(t, nil, domaintest.Finished("Generation failed upstream", domain.ResultImageGeneration, extras))

	if err := f.handler.Handle(context.Background(), message(10, "@relay_bot draw")); err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if len(f.messenger.CallsOf("group")) != 0 || len(f.messenger.CallsOf("media")) != 0 {
		t.Error("no media should be sent")
	}
	if final := lastEdit(t, f.messenger); final.Text != "Generation failed upstream" {
		t.Errorf("answer should be rendered as text, got %q", final.Text)
	}
}

func TestHandle_GeolocationSendsStreetView(t *testing.T) {
	extras := map[string]any{
		"photo_links": []any{"https://maps.example/sv1.jpg"},
		"place_name":  "Café <Paris>",
	}
	f := newFixture(t, nil, domaintest.Finished("This is Paris.", domain.ResultGeolocation, extras))

	if err := f.handler.Handle(context.Background(), message(10, "@relay_bot where is this?")); err != nil {
		t.Fatalf("Handle: %v", err)
	}
	media := f.messenger.CallsOf("media")
	if len(media) != 1 || media[0].Media[0].Caption != "<code>Café &lt;Paris&gt;</code>" {
		t.Fatalf("unexpected street view send %+v", media)
	}
	found := false
	for _, e := range f.messenger.CallsOf("edit") {
		if e.Text == "This is Paris." {
			found = true
		}
	}
	if !found {
		t.Error("answer text should be rendered into the placeholder")
	}
}

func TestCommand_AutoAndPause(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	if err := f.handler.Handle(ctx, message(10, "/auto")); err != nil {
		t.Fatal(err)
	}
	if st, _ := f.chats.State(ctx, testChat); !st.AutoMode {
		t.Fatal("/auto should enable auto mode")
	}

	if err := f.handler.Handle(ctx, message(11, "/pause@relay_bot")); err != nil {
		t.Fatal(err)
	}
	if st, _ := f.chats.State(ctx, testChat); st.AutoMode {
		t.Fatal("/pause should disable auto mode")
	}
	if n := len(f.messenger.CallsOf("send")); n != 2 {
		t.Errorf("expected two confirmations, got %d", n)
	}

	if err := f.handler.Handle(ctx, message(12, "/auto@other_bot")); err != nil {
		t.Fatal(err)
	}
	if st, _ := f.chats.State(ctx, testChat); st.AutoMode {
		t.Error("a command for another bot must be ignored")
	}
}

func TestCommand_Imagine(t *testing.T) {
	f := newFixture(t, nil, domaintest.Finished("done", domain.ResultGeneral, nil))

	if err := f.handler.Handle(context.Background(), message(10, "/imagine a red fox")); err != nil {
		t.Fatalf("Handle: %v", err)
	}
	req := f.engine.Requests()[0]
	if req.ForcedCommand != domain.ForceImagine || req.MessageContext != "a red fox" {
		t.Errorf("unexpected request %+v", req)
	}

	f2 := newFixture(t, nil)
	f2.handler.Handle(context.Background(), message(11, "/imagine"))
	if sends := f2.messenger.CallsOf("send"); len(sends) != 1 || !strings.HasPrefix(sends[0].Text, "Usage") {
		t.Errorf("expected usage reply, got %+v", sends)
	}
}

func TestCommand_Parse(t *testing.T) {
	dir := t.TempDir()
	good := filepath.Join(dir, "post.jpg")
	os.WriteFile(good, []byte("jpeg"), 0o644)
	links := stubLinks{d: domain.Download{
		Title: "A post",
		Items: []domain.FetchedItem{
			{Source: "https://cdn.example/1.jpg", Item: domain.MediaItem{Path: good, Size: 4, Kind: domain.KindPhoto}},
			{Source: "https://cdn.example/2.jpg", Err: errors.New("403 forbidden")},
		},
	}}
	f := newFixture(t, links)

	if err := f.handler.Handle(context.Background(), message(10, "/parse https://example.com/post/1")); err != nil {
		t.Fatalf("Handle: %v", err)
	}
	media := f.messenger.CallsOf("media")
	if len(media) != 1 || media[0].Media[0].Caption != "A post" {
		t.Fatalf("unexpected media sends %+v", media)
	}
	if deletes := f.messenger.CallsOf("delete"); len(deletes) != 1 || deletes[0].MessageID != 101 {
		t.Errorf("placeholder should be deleted, got %+v", deletes)
	}
	sends := f.messenger.CallsOf("send")
	notice := sends[len(sends)-1].Text
	if !strings.Contains(notice, "Could not download") || !strings.Contains(notice, "2.jpg") {
		t.Errorf("expected failure notice, got %q", notice)
	}
}

func TestCommand_ParseWithoutParser(t *testing.T) {
	f := newFixture(t, stubLinks{err: fetch.ErrNoParser})

	if err := f.handler.Handle(context.Background(), message(10, "/parse ftp://example.com")); err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if final := lastEdit(t, f.messenger); !strings.Contains(final.Text, "No parser") {
		t.Errorf("unexpected edit %q", final.Text)
	}
}

type failingChats struct{ *domaintest.ChatStore }

func (failingChats) State(ctx context.Context, chatID int64) (domain.ChatState, error) {
	return domain.ChatState{}, errors.New("database is locked")
}

func TestDispatch_RepliesOnUnreportedFailure(t *testing.T) {
	messenger := domaintest.NewMessenger()
	tasks := task.NewSupervisor(task.Config{Logger: testLogger()})
	h, err := NewHandler(Config{
		Messenger: messenger,
		Chats:     failingChats{domaintest.NewChatStore()},
		Engine:    &domaintest.Engine{},
		Tasks:     tasks,
		Bot:       classifier.Bot{ID: 7, Username: "relay_bot"},
		Logger:    testLogger(),
	})
	if err != nil {
		t.Fatal(err)
	}

	h.Dispatch(message(10, "@relay_bot hi"))
	if err := tasks.Shutdown(5 * time.Second); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	sends := messenger.CallsOf("send")
	if len(sends) != 1 || sends[0].Text != FailureReply {
		t.Errorf("expected failure reply, got %+v", sends)
	}
}

func TestDispatch_DoesNotRepeatReportedFailure(t *testing.T) {
	f := newFixture(t, nil, &domaintest.Stream{})
	tasks := task.NewSupervisor(task.Config{Logger: testLogger()})
	f.handler.tasks = tasks

	f.handler.Dispatch(message(10, "@relay_bot hi there"))
	if err := tasks.Shutdown(5 * time.Second); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	for _, s := range f.messenger.CallsOf("send") {
		if s.Text == FailureReply {
			t.Error("failure already shown in the placeholder must not be repeated")
		}
	}
}

func TestDispatch_AlbumCoalescesWithSingleWorker(t *testing.T) {
	f := newFixture(t, nil, domaintest.Finished("two cats", domain.ResultGeneral, nil))
	tasks := task.NewSupervisor(task.Config{Logger: testLogger(), MaxConcurrent: 1})
	f.handler.tasks = tasks
	f.handler.groups = mediagroup.New(mediagroup.Config{Settle: 200 * time.Millisecond})

	first := message(10, "")
	first.MediaGroupID = "album-1"
	first.Caption = "@relay_bot compare these"
	first.CaptionEntities = []domain.Entity{{Type: "mention", Offset: 0, Length: len("@relay_bot")}}
	first.Attachments = []domain.Attachment{{Kind: domain.AttachPhoto, FileID: "photo1"}}
	second := message(11, "")
	second.MediaGroupID = "album-1"
	second.Attachments = []domain.Attachment{{Kind: domain.AttachPhoto, FileID: "photo2"}}

	f.handler.Dispatch(first)
	f.handler.Dispatch(second)
	if err := tasks.Shutdown(5 * time.Second); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}

	if got := f.engine.Uploads(); len(got) != 2 {
		t.Fatalf("expected both album files uploaded, got %v", got)
	}
	reqs := f.engine.Requests()
	if len(reqs) != 1 || len(reqs[0].Files) != 2 {
		t.Fatalf("expected one run with two files, got %+v", reqs)
	}
	if n := f.handler.groups.Len(); n != 0 {
		t.Errorf("album should be taken after the turn, %d groups open", n)
	}
}

func TestParseCommand(t *testing.T) {
	tests := []struct {
		in     string
		name   string
		target string
		arg    string
	}{
		{"/help", "help", "", ""},
		{"/Parse@Relay_Bot https://x.com/1", "parse", "Relay_Bot", "https://x.com/1"},
		{"  /imagine a  red fox ", "imagine", "", "a red fox"},
	}
	for _, tt := range tests {
		cmd := ParseCommand(tt.in)
		if cmd == nil {
			t.Fatalf("ParseCommand(%q) = nil", tt.in)
		}
		if cmd.Name != tt.name || cmd.Target != tt.target || cmd.Argument() != tt.arg {
			t.Errorf("ParseCommand(%q) = %+v", tt.in, cmd)
		}
	}
	for _, in := range []string{"hello", "", "/", "/@bot"} {
		if cmd := ParseCommand(in); cmd != nil {
			t.Errorf("ParseCommand(%q) should be nil, got %+v", in, cmd)
		}
	}
	if !ParseCommand("/help@relay_bot").For("RELAY_BOT") || ParseCommand("/help@other").For("relay_bot") {
		t.Error("unexpected For result")
	}
}

func TestBuildMessageContext(t *testing.T) {
	quoted := message(5, "The meeting moved to Friday.")
	quoted.From = &domain.Sender{ID: 7, Username: "relay_bot", IsBot: true}

	tests := []struct {
		name string
		in   domain.Interaction
		want []string
	}{
		{
			name: "mention",
			in:   domain.Interaction{Category: domain.CategoryMention, Prompt: "hi", Message: *message(10, "@relay_bot hi")},
			want: []string{"alice(42) [2025-08-15 12:00:00]", "@relay_bot hi"},
		},
		{
			name: "mention with reply",
			in: domain.Interaction{Category: domain.CategoryMentionWithReply, Prompt: "translate",
				Message: domain.InboundMessage{Text: "@relay_bot translate", ReplyTo: quoted}},
			want: []string{"<query>\ntranslate\n</query>", "<quote_content>\nThe meeting moved to Friday.\n</quote_content>"},
		},
		{
			name: "reply to bot",
			in: domain.Interaction{Category: domain.CategoryReplyToBot, Prompt: "why?",
				Message: domain.InboundMessage{Text: "why?", ReplyTo: quoted}},
			want: []string{"<query>\nwhy?\n</query>", "relay_bot(7)", "The meeting moved to Friday."},
		},
		{
			name: "photo only",
			in:   domain.Interaction{Category: domain.CategoryAutoTrigger},
			want: []string{ImagePrompt},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := BuildMessageContext(&tt.in)
			for _, w := range tt.want {
				if !strings.Contains(got, w) {
					t.Errorf("context %q misses %q", got, w)
				}
			}
		})
	}
}
