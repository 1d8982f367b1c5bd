package domain

import "context"

// MediaKind is the declared or derived kind of a downloaded file.
type MediaKind string

const (
	KindPhoto    MediaKind = "photo"
	KindVideo    MediaKind = "video"
	KindDocument MediaKind = "document"
)

// MediaItem is a file on local disk waiting to be delivered.
type MediaItem struct {
	Path    string
	Size    int64
	Kind    MediaKind
	Caption string
}

// Transport is how a media item travels to the channel.
type Transport string

const (
	SendAsPhoto       Transport = "photo"
	CompressThenPhoto Transport = "compress_photo"
	SendAsVideo       Transport = "video"
	SendAsDocument    Transport = "document"
)

// DeliveryBatch is a homogeneous group of items sent in one channel call.
type DeliveryBatch struct {
	Transport Transport
	Items     []MediaItem
}

// ItemOutcome is the delivery result for one input item.
type ItemOutcome struct {
	Item      MediaItem
	Transport Transport
	Sent      bool
	MessageID int
	Err       error
}

// DeliveryReport lists the outcome of every item in a delivery, in send order.
type DeliveryReport struct {
	Outcomes []ItemOutcome
}

// Sent returns the outcomes that reached the chat.
func (r DeliveryReport) Sent() []ItemOutcome {
	var out []ItemOutcome
	for _, o := range r.Outcomes {
		if o.Sent {
			out = append(out, o)
		}
	}
	return out
}

// Failed returns the outcomes that did not reach the chat.
func (r DeliveryReport) Failed() []ItemOutcome {
	var out []ItemOutcome
	for _, o := range r.Outcomes {
		if !o.Sent {
			out = append(out, o)
		}
	}
	return out
}

// Complete reports whether every item was sent.
func (r DeliveryReport) Complete() bool {
	return len(r.Outcomes) > 0 && len(r.Failed()) == 0
}

// FirstMessageID returns the message id of the first delivered item, or 0.
func (r DeliveryReport) FirstMessageID() int {
	for _, o := range r.Outcomes {
		if o.Sent && o.MessageID != 0 {
			return o.MessageID
		}
	}
	return 0
}

// FetchedItem is one file produced by a downloader.
type FetchedItem struct {
	Source string
	Item   MediaItem
	Err    error
}

// Download is what a downloader returns for one source reference.
type Download struct {
	Title string
	Text  string
	Items []FetchedItem
}

// MediaItems returns the successfully fetched items.
func (d Download) MediaItems() []MediaItem {
	var out []MediaItem
	for _, f := range d.Items {
		if f.Err == nil && f.Item.Path != "" {
			out = append(out, f.Item)
		}
	}
	return out
}

// Downloader fetches remote media to a local directory. It never deletes
// or moves the files it produced.
type Downloader interface {
	Download(ctx context.Context, source, dir string) (Download, error)
}
