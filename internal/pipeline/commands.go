package pipeline

import (
	"context"
	"fmt"
	"strings"

	"relaybot/internal/classifier"
	"relaybot/internal/domain"
)

// Command is a parsed chat command.
type Command struct {
	Name   string   // command name without "/" and bot suffix
	Target string   // bot named in "/cmd@bot", if any
	Args   []string // arguments after the command
	Raw    string   // original full text
}

// ParseCommand checks if text starts with "/" and parses it into a Command.
// Returns nil if the text is not a command.
func ParseCommand(text string) *Command {
	text = strings.TrimSpace(text)
	if !strings.HasPrefix(text, "/") {
		return nil
	}
	parts := strings.Fields(text)
	if len(parts) == 0 {
		return nil
	}

	name, target, _ := strings.Cut(strings.TrimPrefix(parts[0], "/"), "@")
	if name == "" {
		return nil
	}
	return &Command{
		Name:   strings.ToLower(name),
		Target: target,
		Args:   parts[1:],
		Raw:    text,
	}
}

// Argument returns everything after the command name.
func (c *Command) Argument() string {
	return strings.Join(c.Args, " ")
}

// For reports whether the command is addressed to the bot username.
func (c *Command) For(username string) bool {
	return c.Target == "" || strings.EqualFold(c.Target, username)
}

const helpText = `<b>relaybot</b>

Mention me or reply to one of my messages to ask something.

/auto · answer every message in this chat
/pause · answer only mentions and replies
/imagine &lt;prompt&gt; · generate an image
/parse &lt;link&gt; · download the media of a post
/help · show this message`

// handleCommand runs cmd and reports whether it was one of ours. Unknown
// commands fall through to normal classification.
func (h *Handler) handleCommand(ctx context.Context, cmd *Command, msg *domain.InboundMessage) (bool, error) {
	switch cmd.Name {
	case "start", "help":
		h.reply(ctx, msg, helpText, domain.ParseHTML)
		return true, nil

	case "auto", "pause":
		enabled := cmd.Name == "auto"
		if err := h.chats.SetAutoMode(ctx, msg.ChatID, enabled); err != nil {
			return true, fmt.Errorf("set auto mode: %w", err)
		}
		text := "⏸ Auto mode off. I will answer mentions and replies only."
		if enabled {
			text = "▶️ Auto mode on. I will answer every message in this chat."
		}
		h.reply(ctx, msg, text, domain.ParsePlain)
		return true, nil

	case "imagine":
		prompt := cmd.Argument()
		if prompt == "" && msg.ReplyTo != nil {
			prompt = strings.TrimSpace(msg.ReplyTo.Body())
		}
		if prompt == "" {
			h.reply(ctx, msg, "Usage: /imagine <prompt>", domain.ParsePlain)
			return true, nil
		}
		in := &domain.Interaction{
			Category:      domain.CategoryMention,
			Requester:     classifier.Requester(msg),
			Prompt:        prompt,
			ForcedCommand: domain.ForceImagine,
			Message:       *msg,
		}
		return true, h.answer(ctx, in, "imagine", prompt)

	case "parse":
		return true, h.parse(ctx, msg, cmd.Argument())
	}
	return false, nil
}
