package pipeline

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"relaybot/internal/domain"
	"relaybot/internal/fetch"
	"relaybot/internal/media"
	"relaybot/internal/metrics"
)

const parsingText = "🔍 Parsing link..."

// parse downloads the media of the post at the link in args (or in the
// quoted message) and sends it with the post title as caption.
func (h *Handler) parse(ctx context.Context, msg *domain.InboundMessage, args string) error {
	link := fetch.ExtractLink(args)
	if link == "" && msg.ReplyTo != nil {
		link = fetch.ExtractLink(msg.ReplyTo.Body())
	}
	if link == "" {
		h.reply(ctx, msg, "Usage: /parse <link>", domain.ParsePlain)
		return nil
	}
	if h.links == nil {
		h.reply(ctx, msg, "Link parsing is not enabled.", domain.ParsePlain)
		return nil
	}
	metrics.TurnsTotal("parse").Inc()

	placeholder, r := h.messenger.Send(ctx, msg.ChatID, parsingText, domain.SendOptions{ReplyTo: msg.MessageID})
	if !r.OK() {
		return fmt.Errorf("send placeholder: %w", r.Err)
	}

	d, err := h.links.Download(ctx, link, h.dir("parsed"))
	if err != nil {
		h.logger.Warn("link parse failed", "link", link, "err", err)
		text := "❌ Could not parse this link."
		if errors.Is(err, fetch.ErrNoParser) {
			text = "❌ No parser supports this link."
		}
		h.edit(ctx, placeholder, text)
		return nil
	}

	items := d.MediaItems()
	if len(items) == 0 {
		h.edit(ctx, placeholder, "No media found at this link.")
		return nil
	}
	report := h.media.Deliver(ctx, media.Request{
		ChatID:  msg.ChatID,
		ReplyTo: msg.MessageID,
		Items:   items,
		Caption: postCaption(d),
	})

	delivered := len(report.Sent()) > 0
	if delivered {
		if err := h.messenger.Delete(ctx, placeholder); err != nil {
			h.logger.Warn("failed to remove progress message", "chat_id", msg.ChatID, "err", err)
		}
	}
	if notice := failureNotice(d, report); notice != "" {
		if delivered {
			h.reply(ctx, msg, notice, domain.ParsePlain)
		} else {
			h.edit(ctx, placeholder, notice)
		}
	}
	return nil
}

func postCaption(d domain.Download) string {
	var parts []string
	for _, s := range []string{d.Title, d.Text} {
		if s = strings.TrimSpace(s); s != "" {
			parts = append(parts, s)
		}
	}
	return strings.Join(parts, "\n\n")
}

// failureNotice lists what could not be downloaded and what was
// downloaded but not delivered. It is empty when nothing failed.
func failureNotice(d domain.Download, report domain.DeliveryReport) string {
	var sb strings.Builder
	var missing []domain.FetchedItem
	for _, f := range d.Items {
		if f.Err != nil {
			missing = append(missing, f)
		}
	}
	if len(missing) > 0 {
		sb.WriteString("⚠️ Could not download:\n")
		for _, f := range missing {
			fmt.Fprintf(&sb, "• %s: %v\n", f.Source, f.Err)
		}
	}
	if failed := report.Failed(); len(failed) > 0 {
		if sb.Len() > 0 {
			sb.WriteString("\n")
		}
		sb.WriteString("⚠️ Files downloaded but not delivered:\n")
		for _, o := range failed {
			fmt.Fprintf(&sb, "• %s (%s): %v\n", filepath.Base(o.Item.Path), media.FormatSize(o.Item.Size), o.Err)
		}
	}
	return strings.TrimSpace(sb.String())
}
