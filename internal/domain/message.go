package domain

import "time"

// AttachmentKind is the kind of file the user attached to an inbound message.
type AttachmentKind string

const (
	AttachPhoto     AttachmentKind = "photo"
	AttachDocument  AttachmentKind = "document"
	AttachVideo     AttachmentKind = "video"
	AttachAudio     AttachmentKind = "audio"
	AttachVoice     AttachmentKind = "voice"
	AttachVideoNote AttachmentKind = "video_note"
)

// Entity is a formatting span inside message text or caption.
// Offset and Length count UTF-16 code units, as reported by the channel.
type Entity struct {
	Type   string
	Offset int
	Length int
}

// Sender identifies the author of a message: a user or, for channel posts
// and anonymous admins, the chat that sent it.
type Sender struct {
	ID       int64
	Username string
	Title    string
	IsBot    bool
}

// Attachment references a file stored by the channel.
type Attachment struct {
	Kind     AttachmentKind
	FileID   string
	FileName string
	MimeType string
	Size     int64
}

// InboundMessage is the channel-neutral view of one incoming message.
type InboundMessage struct {
	ChatID          int64
	MessageID       int
	From            *Sender
	SenderChat      *Sender
	Text            string
	Caption         string
	Entities        []Entity
	CaptionEntities []Entity
	Attachments     []Attachment
	MediaGroupID    string
	ReplyTo         *InboundMessage
	ForwardedFrom   string
	Date            time.Time
}

// HasPhoto reports whether the message carries at least one photo.
func (m *InboundMessage) HasPhoto() bool {
	for _, a := range m.Attachments {
		if a.Kind == AttachPhoto {
			return true
		}
	}
	return false
}

// Body returns the text, or the caption when the message has no text.
func (m *InboundMessage) Body() string {
	if m.Text != "" {
		return m.Text
	}
	return m.Caption
}
