// Package mediagroup coalesces the separate updates a chat client sends for
// one multi-attachment album into a single inbound message.
package mediagroup

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"relaybot/internal/domain"
)

const (
	DefaultTTL       = time.Minute
	DefaultSettle    = 1500 * time.Millisecond
	DefaultMaxGroups = 1024
)

// Config configures a Cache.
type Config struct {
	TTL       time.Duration // groups older than this are discarded
	Settle    time.Duration // how long the opener waits for the rest of an album
	MaxGroups int
	Now       func() time.Time
}

type group struct {
	opened   time.Time
	messages []*domain.InboundMessage
}

// Cache is a time-bounded store of partial albums keyed by media-group id.
// Expired entries are swept in the background by the underlying LRU.
type Cache struct {
	mu     sync.Mutex
	groups *expirable.LRU[string, *group]
	ttl    time.Duration
	settle time.Duration
	now    func() time.Time
}

// New creates a Cache.
func New(cfg Config) *Cache {
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultTTL
	}
	if cfg.Settle <= 0 {
		cfg.Settle = DefaultSettle
	}
	if cfg.MaxGroups <= 0 {
		cfg.MaxGroups = DefaultMaxGroups
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Cache{
		groups: expirable.NewLRU[string, *group](cfg.MaxGroups, nil, cfg.TTL),
		ttl:    cfg.TTL,
		settle: cfg.Settle,
		now:    cfg.Now,
	}
}

// Add records msg under its media-group id and reports whether it opened
// the group. A message already recorded for the group is ignored.
func (c *Cache) Add(msg *domain.InboundMessage) (opened bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	g, ok := c.groups.Peek(msg.MediaGroupID)
	if ok && c.now().Sub(g.opened) > c.ttl {
		c.groups.Remove(msg.MediaGroupID)
		ok = false
	}
	if !ok {
		c.groups.Add(msg.MediaGroupID, &group{opened: c.now(), messages: []*domain.InboundMessage{msg}})
		return true
	}
	for _, m := range g.messages {
		if m.MessageID == msg.MessageID {
			return false
		}
	}
	g.messages = append(g.messages, msg)
	return false
}

// Take removes a group and returns its messages ordered by message id.
// An expired or unknown group yields nil.
func (c *Cache) Take(groupID string) []*domain.InboundMessage {
	c.mu.Lock()
	defer c.mu.Unlock()

	g, ok := c.groups.Peek(groupID)
	if !ok {
		return nil
	}
	c.groups.Remove(groupID)
	if c.now().Sub(g.opened) > c.ttl {
		return nil
	}
	msgs := slices.Clone(g.messages)
	slices.SortFunc(msgs, func(a, b *domain.InboundMessage) int { return a.MessageID - b.MessageID })
	return msgs
}

// Len returns the number of open groups.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.groups.Len()
}

// Collect returns the message to process for msg. Messages outside an
// album pass through. For an album, the update that opened the group
// waits for the settle window and receives the merged album; every other
// update of that album gets ok=false.
func (c *Cache) Collect(ctx context.Context, msg *domain.InboundMessage) (merged *domain.InboundMessage, ok bool) {
	if msg.MediaGroupID == "" {
		return msg, true
	}
	if !c.Add(msg) {
		return nil, false
	}
	return c.Await(ctx, msg.MediaGroupID)
}

// Await waits for the settle window, then takes the group and returns
// it merged. Callers record updates with Add as they arrive so that the
// wait never races the rest of the album.
func (c *Cache) Await(ctx context.Context, groupID string) (merged *domain.InboundMessage, ok bool) {
	t := time.NewTimer(c.settle)
	defer t.Stop()
	select {
	case <-ctx.Done():
		c.Take(groupID)
		return nil, false
	case <-t.C:
	}
	msgs := c.Take(groupID)
	if len(msgs) == 0 {
		return nil, false
	}
	return Merge(msgs), true
}

// Merge folds an album into its first message: attachments are
// concatenated and the first non-empty text or caption wins.
func Merge(msgs []*domain.InboundMessage) *domain.InboundMessage {
	if len(msgs) == 0 {
		return nil
	}
	out := *msgs[0]
	out.Attachments = nil
	var textSet, captionSet bool
	for _, m := range msgs {
		out.Attachments = append(out.Attachments, m.Attachments...)
		if !textSet && m.Text != "" {
			out.Text, out.Entities, textSet = m.Text, m.Entities, true
		}
		if !captionSet && m.Caption != "" {
			out.Caption, out.CaptionEntities, captionSet = m.Caption, m.CaptionEntities, true
		}
		if out.ReplyTo == nil && m.ReplyTo != nil {
			out.ReplyTo = m.ReplyTo
		}
	}
	return &out
}
