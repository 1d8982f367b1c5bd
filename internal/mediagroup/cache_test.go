package mediagroup

import (
	"context"
	"sync"
	"testing"
	"time"

	"relaybot/internal/domain"
	"relaybot/internal/domain/domaintest"
)

func photo(id int, group, caption string) *domain.InboundMessage {
	return &domain.InboundMessage{
		ChatID:       1,
		MessageID:    id,
		MediaGroupID: group,
		Caption:      caption,
		Attachments:  []domain.Attachment{{Kind: domain.AttachPhoto, FileID: "f" + string(rune('a'+id))}},
	}
}

func TestAdd_DeduplicatesByMessage(t *testing.T) {
	c := New(Config{})
	if !c.Add(photo(1, "g", "")) {
		t.Fatal("first message should open the group")
	}
	if c.Add(photo(2, "g", "")) {
		t.Fatal("second message must not reopen the group")
	}
	c.Add(photo(2, "g", ""))
	c.Add(photo(1, "g", ""))

	msgs := c.Take("g")
	if len(msgs) != 2 {
		t.Fatalf("expected 2 unique messages, got %d", len(msgs))
	}
	if c.Len() != 0 {
		t.Error("Take should remove the group")
	}
}

func TestTake_OrdersByMessageID(t *testing.T) {
	c := New(Config{})
	c.Add(photo(7, "g", ""))
	c.Add(photo(5, "g", ""))
	c.Add(photo(6, "g", ""))
	msgs := c.Take("g")
	for i, want := range []int{5, 6, 7} {
		if msgs[i].MessageID != want {
			t.Fatalf("order %v", []int{msgs[0].MessageID, msgs[1].MessageID, msgs[2].MessageID})
		}
	}
}

func TestExpiredGroupIsDiscarded(t *testing.T) {
	clock := domaintest.NewClock()
	c := New(Config{TTL: time.Minute, Now: clock.Now})
	c.Add(photo(1, "g", ""))
	clock.Advance(2 * time.Minute)
	if got := c.Take("g"); got != nil {
		t.Fatalf("expected expired group to be dropped, got %d messages", len(got))
	}

	c.Add(photo(1, "h", ""))
	clock.Advance(2 * time.Minute)
	if !c.Add(photo(2, "h", "")) {
		t.Fatal("a message arriving after expiry should open a fresh group")
	}
	if got := c.Take("h"); len(got) != 1 || got[0].MessageID != 2 {
		t.Fatalf("unexpected group %+v", got)
	}
}

func TestMerge(t *testing.T) {
	reply := &domain.InboundMessage{MessageID: 99}
	second := photo(2, "g", "look at these")
	second.CaptionEntities = []domain.Entity{{Type: "mention", Offset: 0, Length: 4}}
	second.ReplyTo = reply

	m := Merge([]*domain.InboundMessage{photo(1, "g", ""), second, photo(3, "g", "ignored")})
	if m.MessageID != 1 {
		t.Errorf("merged message should keep the first id, got %d", m.MessageID)
	}
	if m.Caption != "look at these" || len(m.CaptionEntities) != 1 {
		t.Errorf("caption %q entities %v", m.Caption, m.CaptionEntities)
	}
	if len(m.Attachments) != 3 {
		t.Errorf("expected 3 attachments, got %d", len(m.Attachments))
	}
	if m.ReplyTo != reply {
		t.Error("reply target should be carried over")
	}
}

func TestCollect(t *testing.T) {
	c := New(Config{Settle: 50 * time.Millisecond})

	plain := &domain.InboundMessage{MessageID: 1, Text: "hi"}
	if got, ok := c.Collect(context.Background(), plain); !ok || got != plain {
		t.Fatal("messages outside an album pass through")
	}

	var wg sync.WaitGroup
	results := make([]*domain.InboundMessage, 3)
	oks := make([]bool, 3)
	for i := range 3 {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if i > 0 {
				time.Sleep(10 * time.Millisecond)
			}
			results[i], oks[i] = c.Collect(context.Background(), photo(10+i, "album", ""))
		}(i)
	}
	wg.Wait()

	if !oks[0] || oks[1] || oks[2] {
		t.Fatalf("only the opener should receive the album, got %v", oks)
	}
	if len(results[0].Attachments) != 3 {
		t.Fatalf("expected 3 attachments, got %d", len(results[0].Attachments))
	}
}

func TestCollect_Cancelled(t *testing.T) {
	c := New(Config{Settle: time.Hour})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, ok := c.Collect(ctx, photo(1, "g", "")); ok {
		t.Fatal("cancelled collect should not return an album")
	}
	if c.Len() != 0 {
		t.Error("cancelled group should be dropped")
	}
}
