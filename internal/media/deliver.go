package media

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"relaybot/internal/domain"
	"relaybot/internal/metrics"
	"relaybot/internal/render"
)

// FallbackCaption labels a delivery that came without a caption.
const FallbackCaption = "📥 Downloaded media"

// ErrOversize marks a failed item that was above every inline limit.
var ErrOversize = errors.New("media exceeds the size ceiling")

// CaptionSink receives caption text that did not fit on its media item.
type CaptionSink interface {
	Reply(ctx context.Context, chatID int64, replyTo int, text string) render.Outcome
}

// Config configures a Deliverer.
type Config struct {
	Messenger  domain.Messenger
	Overflow   CaptionSink // nil drops overflowing captions with a warning
	Compressor Compressor  // nil sends oversized photos as documents
	Policy     Policy
	Logger     *slog.Logger
}

// Deliverer sends local media items to a chat.
type Deliverer struct {
	messenger  domain.Messenger
	overflow   CaptionSink
	compressor Compressor
	policy     Policy
	logger     *slog.Logger
}

// NewDeliverer creates a Deliverer. A zero Policy means DefaultPolicy.
func NewDeliverer(cfg Config) *Deliverer {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Policy == (Policy{}) {
		cfg.Policy = DefaultPolicy()
	}
	return &Deliverer{
		messenger:  cfg.Messenger,
		overflow:   cfg.Overflow,
		compressor: cfg.Compressor,
		policy:     cfg.Policy,
		logger:     cfg.Logger,
	}
}

// Request is one delivery: every item goes to ChatID, replying to ReplyTo.
// Caption goes on the first item of the first batch and is rendered with
// ParseMode.
type Request struct {
	ChatID    int64
	ReplyTo   int
	Items     []domain.MediaItem
	Caption   string
	ParseMode domain.ParseMode
}

// prepared is an item after compression, ready to open and send.
type prepared struct {
	item      domain.MediaItem
	transport domain.Transport
	path      string
	caption   string
}

type overflowCaption struct {
	item domain.MediaItem
	text string
}

// Deliver sends every item and reports per-item outcomes. Failed sends
// are not retried and never undo batches already sent. The original files
// are removed when Deliver returns, whatever the outcome.
func (d *Deliverer) Deliver(ctx context.Context, req Request) domain.DeliveryReport {
	var report domain.DeliveryReport
	defer d.removeOriginals(req.Items)

	items := make([]domain.MediaItem, 0, len(req.Items))
	for _, it := range req.Items {
		if it.Size <= 0 {
			info, err := os.Stat(it.Path)
			if err != nil {
				d.logger.Warn("media item unreadable", "path", it.Path, "err", err)
				report.Outcomes = append(report.Outcomes, domain.ItemOutcome{
					Item: it, Transport: domain.SendAsDocument, Err: fmt.Errorf("stat %s: %w", filepath.Base(it.Path), err),
				})
				continue
			}
			it.Size = info.Size()
		}
		it.Kind = ResolveKind(it)
		items = append(items, it)
	}

	primary := req.Caption
	if strings.TrimSpace(primary) == "" {
		primary = FallbackCaption
	}

	var overflow []overflowCaption
	for bi, batch := range d.policy.Batch(items) {
		group := d.prepare(ctx, batch)
		for i := range group {
			caption := group[i].item.Caption
			if bi == 0 && i == 0 {
				caption = primary
			}
			if render.TextLength(caption) > MaxCaptionLength {
				overflow = append(overflow, overflowCaption{item: group[i].item, text: caption})
				caption = ""
			}
			group[i].caption = caption
		}
		report.Outcomes = append(report.Outcomes, d.sendBatch(ctx, req, group)...)
	}

	for _, o := range report.Outcomes {
		result := "sent"
		if !o.Sent {
			result = "failed"
		}
		metrics.MediaItems(string(o.Transport), result).Inc()
	}
	d.sendOverflow(ctx, req, report, overflow)

	if failed := report.Failed(); len(failed) > 0 {
		d.logger.Warn("media delivery incomplete", "chat_id", req.ChatID,
			"sent", len(report.Outcomes)-len(failed), "failed", len(failed))
	}
	return report
}

// prepare recompresses photos in a CompressThenPhoto batch. A photo whose
// copy still exceeds the compress limit, or that cannot be decoded, falls
// back to a document.
func (d *Deliverer) prepare(ctx context.Context, b domain.DeliveryBatch) []prepared {
	out := make([]prepared, 0, len(b.Items))
	for _, it := range b.Items {
		p := prepared{item: it, transport: b.Transport, path: it.Path}
		if b.Transport == domain.CompressThenPhoto {
			p.transport = domain.SendAsDocument
			if d.compressor != nil {
				c, err := d.compressor.Compress(ctx, it.Path, d.policy.CompressLimit)
				switch {
				case err != nil:
					d.logger.Warn("photo compression failed, sending as document", "path", it.Path, "err", err)
				case c.Size <= d.policy.CompressLimit:
					metrics.Compressions.Inc()
					p.transport = domain.SendAsPhoto
					p.path = c.Path
				default:
					d.logger.Info("compressed photo still too large, sending as document",
						"path", it.Path, "size", FormatSize(c.Size))
					d.removeTemp(c.Path)
				}
			}
		}
		out = append(out, p)
	}
	return out
}

// sendBatch sends one batch and deletes its compressed copies afterwards.
// Items whose final transports differ are sent as separate groups.
func (d *Deliverer) sendBatch(ctx context.Context, req Request, batch []prepared) []domain.ItemOutcome {
	defer func() {
		for _, p := range batch {
			if p.path != p.item.Path {
				d.removeTemp(p.path)
			}
		}
	}()

	var order []domain.Transport
	groups := make(map[domain.Transport][]prepared)
	for _, p := range batch {
		if _, ok := groups[p.transport]; !ok {
			order = append(order, p.transport)
		}
		groups[p.transport] = append(groups[p.transport], p)
	}
	var outcomes []domain.ItemOutcome
	for _, t := range order {
		outcomes = append(outcomes, d.sendGroup(ctx, req, groups[t])...)
	}
	return outcomes
}

// sendGroup opens each file for the duration of one channel call.
func (d *Deliverer) sendGroup(ctx context.Context, req Request, group []prepared) []domain.ItemOutcome {
	outcomes := make([]domain.ItemOutcome, len(group))
	files := make([]*os.File, 0, len(group))
	defer func() {
		for _, f := range files {
			f.Close()
		}
	}()

	var media []domain.OutgoingMedia
	var opened []int
	for i, p := range group {
		outcomes[i] = domain.ItemOutcome{Item: p.item, Transport: p.transport}
		f, err := os.Open(p.path)
		if err != nil {
			outcomes[i].Err = fmt.Errorf("open %s: %w", filepath.Base(p.path), err)
			continue
		}
		files = append(files, f)
		m := domain.OutgoingMedia{
			Transport: p.transport,
			Name:      filepath.Base(p.path),
			Reader:    f,
			Caption:   p.caption,
		}
		if p.caption != "" {
			m.ParseMode = req.ParseMode
		}
		if p.transport == domain.SendAsVideo {
			m.SupportsStreaming = SupportsStreaming(p.path)
			if !m.SupportsStreaming {
				d.logger.Info("video format does not support streaming", "file", m.Name)
			}
		}
		media = append(media, m)
		opened = append(opened, i)
	}
	if len(media) == 0 {
		return outcomes
	}

	var handles []domain.MessageHandle
	var res domain.Outcome
	if len(media) == 1 {
		var h domain.MessageHandle
		h, res = d.messenger.SendMedia(ctx, req.ChatID, media[0], req.ReplyTo)
		handles = []domain.MessageHandle{h}
	} else {
		handles, res = d.messenger.SendMediaGroup(ctx, req.ChatID, media, req.ReplyTo)
	}

	for k, i := range opened {
		if !res.OK() {
			err := res.Err
			if group[i].item.Size > d.policy.VideoLimit {
				err = fmt.Errorf("%w (%s): %w", ErrOversize, FormatSize(group[i].item.Size), res.Err)
			}
			outcomes[i].Err = err
			continue
		}
		outcomes[i].Sent = true
		if k < len(handles) {
			outcomes[i].MessageID = handles[k].MessageID
		}
	}
	if !res.OK() {
		d.logger.Warn("media send failed", "chat_id", req.ChatID, "items", len(media),
			"transport", string(group[0].transport), "err", res.Err)
	}
	return outcomes
}

func (d *Deliverer) sendOverflow(ctx context.Context, req Request, report domain.DeliveryReport, overflow []overflowCaption) {
	for _, o := range overflow {
		if d.overflow == nil {
			d.logger.Warn("caption too long and no follow-up sink configured", "length", render.TextLength(o.text))
			continue
		}
		anchor := 0
		for _, out := range report.Outcomes {
			if out.Sent && out.Item.Path == o.item.Path {
				anchor = out.MessageID
				break
			}
		}
		if anchor == 0 {
			anchor = report.FirstMessageID()
		}
		if anchor == 0 {
			anchor = req.ReplyTo
		}
		d.overflow.Reply(ctx, req.ChatID, anchor, o.text)
	}
}

func (d *Deliverer) removeTemp(path string) {
	if err := removeFile(path); err != nil {
		d.logger.Warn("failed to remove compressed copy", "path", path, "err", err)
	}
}

func (d *Deliverer) removeOriginals(items []domain.MediaItem) {
	for _, it := range items {
		if err := removeFile(it.Path); err != nil {
			d.logger.Warn("failed to remove media file", "path", it.Path, "err", err)
		}
	}
}
