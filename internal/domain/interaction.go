package domain

import "context"

// TaskCategory is the classifier's verdict for an inbound message.
type TaskCategory string

const (
	// CategoryNone means the message is intentionally left unanswered.
	CategoryNone             TaskCategory = ""
	CategoryMention          TaskCategory = "mention"
	CategoryMentionWithReply TaskCategory = "mention_with_reply"
	CategoryReplyToBot       TaskCategory = "reply_to_bot"
	CategoryAutoTrigger      TaskCategory = "auto_trigger"
)

// ForcedCommand pins the workflow to one behaviour regardless of its own routing.
type ForcedCommand string

const (
	ForceNone    ForcedCommand = ""
	ForceImagine ForcedCommand = "imagine"
)

// ChatState is the per-chat state the classifier depends on.
type ChatState struct {
	Allowed  bool
	AutoMode bool
}

// ChatStore persists allow-list membership and auto mode per chat.
type ChatStore interface {
	State(ctx context.Context, chatID int64) (ChatState, error)
	SetAllowed(ctx context.Context, chatID int64, allowed bool) error
	SetAutoMode(ctx context.Context, chatID int64, enabled bool) error
}

// Interaction is created once per answerable message and consumed by one turn.
type Interaction struct {
	Category      TaskCategory
	Requester     string
	Prompt        string
	ForcedCommand ForcedCommand
	Files         map[AttachmentKind][]string
	Message       InboundMessage
}

// FilePaths returns every downloaded input file, photos first.
func (i *Interaction) FilePaths() []string {
	order := []AttachmentKind{AttachPhoto, AttachDocument, AttachVideo, AttachAudio, AttachVoice, AttachVideoNote}
	var out []string
	for _, k := range order {
		out = append(out, i.Files[k]...)
	}
	return out
}
