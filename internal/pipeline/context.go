package pipeline

import (
	"fmt"
	"strings"

	"relaybot/internal/classifier"
	"relaybot/internal/domain"
)

// ImagePrompt is the request sent when a message carries only a photo.
const ImagePrompt = "Please analyse this image."

const (
	mentionWithReplyTemplate = "<query>\n%s\n</query>\n\n<quote_content>\n%s\n</quote_content>"

	replyTemplate = `The instruction is:
<query>
%s
</query>

The quoted message is:
<quote_content>
%s
</quote_content>

Note: the first line of quote_content names its author; it is not part of the text to work on.`
)

// formatMessage renders one message as "name(id) [time]\ntext".
func formatMessage(m *domain.InboundMessage) string {
	text := m.Body()
	if text == "" {
		text = "[Media]"
	}
	return fmt.Sprintf("%s [%s]\n%s", classifier.Requester(m), m.Date.UTC().Format("2006-01-02 15:04:05"), text)
}

// BuildMessageContext turns an interaction into the text the workflow
// receives. Replies carry the quoted message so the workflow sees what the
// user is pointing at.
func BuildMessageContext(in *domain.Interaction) string {
	prompt := in.Prompt
	if prompt == "" {
		prompt = ImagePrompt
	}
	msg := &in.Message
	switch in.Category {
	case domain.CategoryMention:
		return formatMessage(msg)
	case domain.CategoryMentionWithReply:
		if msg.ReplyTo != nil {
			if quoted := strings.TrimSpace(msg.ReplyTo.Body()); quoted != "" {
				return fmt.Sprintf(mentionWithReplyTemplate, prompt, quoted)
			}
		}
	case domain.CategoryReplyToBot:
		if msg.ReplyTo != nil {
			return fmt.Sprintf(replyTemplate, prompt, formatMessage(msg.ReplyTo))
		}
	}
	return prompt
}
