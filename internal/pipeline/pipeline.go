// Package pipeline turns inbound chat messages into answered turns. It
// coalesces albums, classifies, runs the workflow with live progress and
// delivers the final answer together with any media it references.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"html"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"relaybot/internal/classifier"
	"relaybot/internal/domain"
	"relaybot/internal/media"
	"relaybot/internal/mediagroup"
	"relaybot/internal/metrics"
	"relaybot/internal/orchestrator"
	"relaybot/internal/render"
	"relaybot/internal/task"
)

// FailureReply is sent when a turn fails before anything was shown.
const FailureReply = "Sorry, your request failed. Please try again later."

const (
	thinkingReaction    = "🤔"
	autoReaction        = "🤖"
	maxStreetViewPhotos = 9
)

// ErrTurnFailed marks a failure the user has already been told about.
var ErrTurnFailed = errors.New("turn failed")

// AttachmentStore downloads inbound attachments to local files.
type AttachmentStore interface {
	Download(ctx context.Context, a domain.Attachment) (string, error)
}

// MediaFetcher downloads the remote media an answer points at.
type MediaFetcher interface {
	FetchAll(ctx context.Context, urls []string, dir string) []domain.FetchedItem
}

// Config holds the collaborators of a Handler. Messenger, Chats and Engine
// are required; nil components are built from the messenger.
type Config struct {
	Messenger    domain.Messenger
	Chats        domain.ChatStore
	Engine       domain.WorkflowEngine
	Orchestrator *orchestrator.Orchestrator
	Renderer     *render.Chain
	Media        *media.Deliverer
	Groups       *mediagroup.Cache
	Attachments  AttachmentStore   // nil ignores inbound attachments
	Fetcher      MediaFetcher      // nil sends answers as text only
	Links        domain.Downloader // nil disables /parse
	Tasks        *task.Supervisor  // required by Dispatch only
	Bot          classifier.Bot
	ParseMode    domain.ParseMode // markup the workflow is asked to answer in
	DownloadDir  string
	Logger       *slog.Logger
}

// Handler processes one inbound message at a time; it keeps no per-turn
// state, so concurrent calls are safe.
type Handler struct {
	messenger   domain.Messenger
	chats       domain.ChatStore
	engine      domain.WorkflowEngine
	orch        *orchestrator.Orchestrator
	renderer    *render.Chain
	media       *media.Deliverer
	groups      *mediagroup.Cache
	attachments AttachmentStore
	fetcher     MediaFetcher
	links       domain.Downloader
	tasks       *task.Supervisor
	bot         classifier.Bot
	parseMode   domain.ParseMode
	downloadDir string
	logger      *slog.Logger
}

// NewHandler creates a Handler.
func NewHandler(cfg Config) (*Handler, error) {
	if cfg.Messenger == nil {
		return nil, errors.New("pipeline: messenger is required")
	}
	if cfg.Chats == nil {
		return nil, errors.New("pipeline: chat store is required")
	}
	if cfg.Engine == nil {
		return nil, errors.New("pipeline: workflow engine is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Orchestrator == nil {
		cfg.Orchestrator = orchestrator.New(orchestrator.Config{Messenger: cfg.Messenger, Logger: cfg.Logger})
	}
	if cfg.Renderer == nil {
		cfg.Renderer = render.NewChain(render.Config{Messenger: cfg.Messenger, Logger: cfg.Logger})
	}
	if cfg.Media == nil {
		cfg.Media = media.NewDeliverer(media.Config{Messenger: cfg.Messenger, Overflow: cfg.Renderer, Logger: cfg.Logger})
	}
	if cfg.Groups == nil {
		cfg.Groups = mediagroup.New(mediagroup.Config{})
	}
	if cfg.DownloadDir == "" {
		cfg.DownloadDir = filepath.Join(os.TempDir(), "relaybot")
	}
	return &Handler{
		messenger:   cfg.Messenger,
		chats:       cfg.Chats,
		engine:      cfg.Engine,
		orch:        cfg.Orchestrator,
		renderer:    cfg.Renderer,
		media:       cfg.Media,
		groups:      cfg.Groups,
		attachments: cfg.Attachments,
		fetcher:     cfg.Fetcher,
		links:       cfg.Links,
		tasks:       cfg.Tasks,
		bot:         cfg.Bot,
		parseMode:   cfg.ParseMode,
		downloadDir: cfg.DownloadDir,
		logger:      cfg.Logger,
	}, nil
}

// Dispatch handles msg in a supervised task. A failure the user has not
// seen yet gets a generic reply. Album updates are recorded before any
// task slot is taken; only the update that opened the album is run.
func (h *Handler) Dispatch(msg *domain.InboundMessage) {
	album := msg.MediaGroupID != ""
	if album && !h.groups.Add(msg) {
		return
	}
	name := fmt.Sprintf("turn %d/%d", msg.ChatID, msg.MessageID)
	_, err := h.tasks.Submit(name, func(ctx context.Context) error {
		turn := msg
		if album {
			merged, ok := h.groups.Await(ctx, msg.MediaGroupID)
			if !ok {
				return nil
			}
			turn = merged
		}
		err := h.process(ctx, turn)
		if err != nil && !errors.Is(err, ErrTurnFailed) && ctx.Err() == nil {
			h.reply(ctx, turn, FailureReply, domain.ParsePlain)
		}
		return err
	})
	if err != nil {
		if album {
			h.groups.Take(msg.MediaGroupID)
		}
		h.logger.Warn("message dropped", "chat_id", msg.ChatID, "message_id", msg.MessageID, "err", err)
	}
}

// Handle processes one inbound message to completion, waiting for the
// rest of its album first.
func (h *Handler) Handle(ctx context.Context, msg *domain.InboundMessage) error {
	msg, ok := h.groups.Collect(ctx, msg)
	if !ok {
		return nil
	}
	return h.process(ctx, msg)
}

func (h *Handler) process(ctx context.Context, msg *domain.InboundMessage) error {
	state, err := h.chats.State(ctx, msg.ChatID)
	if err != nil {
		return fmt.Errorf("load chat state: %w", err)
	}
	if !state.Allowed {
		h.logger.Debug("ignoring chat not on the allow-list", "chat_id", msg.ChatID)
		return nil
	}

	if cmd := ParseCommand(msg.Body()); cmd != nil {
		if !cmd.For(h.bot.Username) {
			return nil
		}
		if handled, err := h.handleCommand(ctx, cmd, msg); handled {
			return err
		}
	}

	cat := classifier.Classify(msg, state, h.bot)
	if cat == domain.CategoryNone {
		return nil
	}
	h.react(ctx, msg, cat)

	if g := classifier.NeedsGreeting(cat, msg, h.bot.Username); g != classifier.NoGreeting {
		metrics.TurnsTotal("greeting").Inc()
		h.reply(ctx, msg, g.Text(), domain.ParsePlain)
		return nil
	}

	in := &domain.Interaction{
		Category:  cat,
		Requester: classifier.Requester(msg),
		Prompt:    classifier.StripMention(msg.Body(), h.bot.Username),
		Message:   *msg,
	}
	return h.answer(ctx, in, string(cat), BuildMessageContext(in))
}

// answer runs the workflow for in and delivers its result. label names
// the turn in metrics.
func (h *Handler) answer(ctx context.Context, in *domain.Interaction, label, messageContext string) error {
	start := time.Now()
	metrics.TurnsTotal(label).Inc()
	msg := &in.Message

	in.Files = h.downloadAttachments(ctx, in)
	defer h.removeFiles(in.FilePaths())
	files := h.upload(ctx, in)

	placeholder, r := h.messenger.Send(ctx, msg.ChatID, orchestrator.PlanningText, domain.SendOptions{ReplyTo: msg.MessageID})
	if !r.OK() {
		return fmt.Errorf("send placeholder: %w", r.Err)
	}

	stream, err := h.engine.Run(ctx, domain.WorkflowRequest{
		User:           in.Requester,
		BotUsername:    h.bot.Username,
		MessageContext: messageContext,
		ParseMode:      h.parseMode,
		ForcedCommand:  in.ForcedCommand,
		Files:          files,
	})
	if err != nil {
		metrics.StreamFailures.Inc()
		h.edit(ctx, placeholder, orchestrator.ErrorText)
		return fmt.Errorf("%w: start workflow: %w", ErrTurnFailed, err)
	}

	res, err := h.orch.Run(ctx, orchestrator.Turn{Handle: placeholder, ForcedCommand: in.ForcedCommand}, stream)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrTurnFailed, err)
	}

	err = h.deliver(ctx, placeholder, msg, res)
	metrics.TurnLatency.ObserveSince(start)
	h.logger.Info("turn finished", "chat_id", msg.ChatID, "category", label, "type", string(res.Type),
		"elapsed", time.Since(start).Round(time.Millisecond), "ok", err == nil)
	return err
}

// deliver shows res. Image answers become the media they point at; street
// view photos of a geolocation answer are sent alongside its text.
func (h *Handler) deliver(ctx context.Context, placeholder domain.MessageHandle, msg *domain.InboundMessage, res domain.FinalResult) error {
	switch res.Type {
	case domain.ResultImageGeneration:
		if urls := res.ExtraStrings("all_image_urls"); len(urls) > 0 && h.deliverImages(ctx, placeholder, msg, res.Answer, urls) {
			return nil
		}
	case domain.ResultGeolocation:
		var g errgroup.Group
		g.Go(func() error { return h.render(ctx, placeholder, res) })
		g.Go(func() error {
			h.deliverStreetView(ctx, msg, res)
			return nil
		})
		return g.Wait()
	}
	return h.render(ctx, placeholder, res)
}

func (h *Handler) render(ctx context.Context, placeholder domain.MessageHandle, res domain.FinalResult) error {
	out := h.renderer.Deliver(ctx, placeholder, res)
	if out.Delivered {
		return nil
	}
	h.edit(ctx, placeholder, orchestrator.ErrorText)
	return fmt.Errorf("%w: deliver answer: %w", ErrTurnFailed, out.Err)
}

// deliverImages sends generated images with the answer as caption and
// removes the placeholder. It reports false when nothing reached the chat.
func (h *Handler) deliverImages(ctx context.Context, placeholder domain.MessageHandle, msg *domain.InboundMessage, caption string, urls []string) bool {
	if h.fetcher == nil {
		return false
	}
	items := domain.Download{Items: h.fetcher.FetchAll(ctx, urls, h.dir("generated"))}.MediaItems()
	if len(items) == 0 {
		h.logger.Warn("no generated image could be fetched", "chat_id", msg.ChatID, "urls", len(urls))
		return false
	}
	report := h.media.Deliver(ctx, media.Request{
		ChatID:  msg.ChatID,
		ReplyTo: msg.MessageID,
		Items:   items,
		Caption: caption,
	})
	if len(report.Sent()) == 0 {
		return false
	}
	if err := h.messenger.Delete(ctx, placeholder); err != nil {
		h.logger.Warn("failed to remove progress message", "chat_id", msg.ChatID, "err", err)
	}
	return true
}

func (h *Handler) deliverStreetView(ctx context.Context, msg *domain.InboundMessage, res domain.FinalResult) {
	links := res.ExtraStrings("photo_links")
	if len(links) == 0 || h.fetcher == nil {
		return
	}
	if len(links) > maxStreetViewPhotos {
		links = links[:maxStreetViewPhotos]
	}
	caption := "Street View"
	if place := strings.TrimSpace(res.ExtraString("place_name")); place != "" {
		caption = "<code>" + html.EscapeString(place) + "</code>"
	}
	items := domain.Download{Items: h.fetcher.FetchAll(ctx, links, h.dir("streetview"))}.MediaItems()
	if len(items) == 0 {
		return
	}
	h.media.Deliver(ctx, media.Request{
		ChatID:    msg.ChatID,
		ReplyTo:   msg.MessageID,
		Items:     items,
		Caption:   caption,
		ParseMode: domain.ParseHTML,
	})
}

// downloadAttachments fetches the files of the message and, for a mention
// in reply to another message, the files of the quoted message.
func (h *Handler) downloadAttachments(ctx context.Context, in *domain.Interaction) map[domain.AttachmentKind][]string {
	if h.attachments == nil {
		return nil
	}
	atts := in.Message.Attachments
	if in.Category == domain.CategoryMentionWithReply && in.Message.ReplyTo != nil {
		atts = append(slices.Clone(atts), in.Message.ReplyTo.Attachments...)
	}
	files := make(map[domain.AttachmentKind][]string)
	for _, a := range atts {
		path, err := h.attachments.Download(ctx, a)
		if err != nil {
			h.logger.Warn("attachment download failed", "chat_id", in.Message.ChatID, "kind", string(a.Kind), "err", err)
			continue
		}
		files[a.Kind] = append(files[a.Kind], path)
	}
	return files
}

func (h *Handler) upload(ctx context.Context, in *domain.Interaction) []domain.UploadedFile {
	var out []domain.UploadedFile
	for _, path := range in.FilePaths() {
		f, err := h.engine.Upload(ctx, path, in.Requester)
		if err != nil {
			metrics.UploadFailures.Inc()
			h.logger.Warn("attachment upload failed", "file", filepath.Base(path), "err", err)
			continue
		}
		out = append(out, f)
	}
	return out
}

func (h *Handler) removeFiles(paths []string) {
	for _, p := range paths {
		if err := os.Remove(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
			h.logger.Warn("failed to remove attachment", "path", p, "err", err)
		}
	}
}

func (h *Handler) react(ctx context.Context, msg *domain.InboundMessage, cat domain.TaskCategory) {
	emoji := thinkingReaction
	if cat == domain.CategoryAutoTrigger {
		emoji = autoReaction
	}
	if err := h.messenger.React(ctx, domain.MessageHandle{ChatID: msg.ChatID, MessageID: msg.MessageID}, emoji); err != nil {
		h.logger.Debug("reaction failed", "chat_id", msg.ChatID, "err", err)
	}
}

func (h *Handler) reply(ctx context.Context, msg *domain.InboundMessage, text string, mode domain.ParseMode) {
	_, r := h.messenger.Send(ctx, msg.ChatID, text, domain.SendOptions{ParseMode: mode, ReplyTo: msg.MessageID, DisablePreview: true})
	if !r.OK() {
		h.logger.Warn("reply failed", "chat_id", msg.ChatID, "err", r.Err)
	}
}

func (h *Handler) edit(ctx context.Context, handle domain.MessageHandle, text string) {
	if r := h.messenger.Edit(ctx, handle, text, domain.ParsePlain); !r.OK() {
		h.logger.Warn("edit failed", "chat_id", handle.ChatID, "message_id", handle.MessageID, "err", r.Err)
	}
}

func (h *Handler) dir(sub string) string {
	return filepath.Join(h.downloadDir, sub)
}
