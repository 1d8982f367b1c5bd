// Package classifier decides whether and how the bot answers a message.
// Everything here is a pure function of its inputs.
package classifier

import (
	"fmt"
	"regexp"
	"strings"
	"sync"
	"unicode/utf16"

	"relaybot/internal/domain"
)

// Bot identifies the account the classifier answers for.
type Bot struct {
	ID       int64
	Username string
}

// Classify maps a message and its chat state to a task category.
// Rules are evaluated in fixed order and the first match wins; a reply to
// the bot outranks a mention.
func Classify(msg *domain.InboundMessage, state domain.ChatState, bot Bot) domain.TaskCategory {
	if msg == nil || !state.Allowed {
		return domain.CategoryNone
	}

	if isReplyToBot(msg, bot) {
		return domain.CategoryReplyToBot
	}

	mentioned := Mentions(msg, bot.Username)
	if msg.ReplyTo != nil && mentioned {
		return domain.CategoryMentionWithReply
	}

	if len(msg.Entities) == 0 && len(msg.CaptionEntities) == 0 && !state.AutoMode {
		return domain.CategoryNone
	}

	if mentioned {
		return domain.CategoryMention
	}

	if state.AutoMode && (msg.Text != "" || msg.Caption != "" || msg.HasPhoto()) {
		return domain.CategoryAutoTrigger
	}

	return domain.CategoryNone
}

func isReplyToBot(msg *domain.InboundMessage, bot Bot) bool {
	if msg.ReplyTo == nil || msg.ReplyTo.From == nil {
		return false
	}
	from := msg.ReplyTo.From
	if !from.IsBot {
		return false
	}
	if bot.ID != 0 && from.ID == bot.ID {
		return true
	}
	return bot.Username != "" && strings.EqualFold(from.Username, bot.Username)
}

// Mentions reports whether a "mention" entity in the text or caption names
// the bot.
func Mentions(msg *domain.InboundMessage, username string) bool {
	if username == "" {
		return false
	}
	return hasMention(msg.Text, msg.Entities, username) ||
		hasMention(msg.Caption, msg.CaptionEntities, username)
}

func hasMention(text string, entities []domain.Entity, username string) bool {
	if text == "" || len(entities) == 0 {
		return false
	}
	units := utf16.Encode([]rune(text))
	for _, e := range entities {
		if e.Type != "mention" {
			continue
		}
		// The entity covers "@name"; skip the leading '@'.
		start, end := e.Offset+1, e.Offset+e.Length
		if start < 1 || end > len(units) || start >= end {
			continue
		}
		name := string(utf16.Decode(units[start:end]))
		if strings.EqualFold(name, username) {
			return true
		}
	}
	return false
}

// mentionPatterns holds one compiled "@username" pattern per bot username.
var mentionPatterns sync.Map // string -> *regexp.Regexp

func mentionPattern(username string) *regexp.Regexp {
	if re, ok := mentionPatterns.Load(username); ok {
		return re.(*regexp.Regexp)
	}
	re, _ := mentionPatterns.LoadOrStore(username, regexp.MustCompile(`(?i)@`+regexp.QuoteMeta(username)+`\b`))
	return re.(*regexp.Regexp)
}

// StripMention removes every "@username" from text and trims the result.
func StripMention(text, username string) string {
	if username == "" {
		return strings.TrimSpace(text)
	}
	return strings.TrimSpace(mentionPattern(username).ReplaceAllString(text, ""))
}

// Requester formats the author of msg as "name(id)". Sender chats win over
// users so anonymous admins and channel posts are attributed to the chat.
func Requester(msg *domain.InboundMessage) string {
	if s := msg.SenderChat; s != nil {
		return fmt.Sprintf("%s(%d)", firstNonEmpty(s.Username, s.Title), s.ID)
	}
	if s := msg.From; s != nil {
		return fmt.Sprintf("%s(%d)", firstNonEmpty(s.Username, s.Title), s.ID)
	}
	return "Anonymous"
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

// Greeting describes the canned reply for a mention without a request.
type Greeting int

const (
	NoGreeting Greeting = iota
	GreetHello
	GreetImagePrompt
)

// NeedsGreeting decides whether a Mention should be answered with a canned
// reply instead of a workflow run. It applies only to CategoryMention.
func NeedsGreeting(cat domain.TaskCategory, msg *domain.InboundMessage, username string) Greeting {
	if cat != domain.CategoryMention {
		return NoGreeting
	}
	if StripMention(msg.Body(), username) != "" {
		return NoGreeting
	}
	if msg.HasPhoto() {
		return GreetImagePrompt
	}
	return GreetHello
}
