package domaintest

import (
	"context"
	"io"
	"sync"
	"time"

	"relaybot/internal/domain"
)

// Clock is a manually advanced clock.
type Clock struct {
	mu sync.Mutex
	t  time.Time
}

// NewClock returns a clock set to a fixed instant.
func NewClock() *Clock {
	return &Clock{t: time.Date(2025, 8, 15, 12, 0, 0, 0, time.UTC)}
}

// Now returns the current fake time.
func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

// Advance moves the clock forward by d.
func (c *Clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

// Step is one scripted stream element. After advances the clock before the
// event is returned.
type Step struct {
	After time.Duration
	Event domain.WorkflowEvent
}

// Stream replays scripted events, then returns Err (io.EOF when nil).
type Stream struct {
	Steps []Step
	Clock *Clock
	Err   error

	mu       sync.Mutex
	consumed int
	closed   bool
}

func (s *Stream) Next(ctx context.Context) (domain.WorkflowEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s.consumed >= len(s.Steps) {
		if s.Err != nil {
			return nil, s.Err
		}
		return nil, io.EOF
	}
	step := s.Steps[s.consumed]
	s.consumed++
	if s.Clock != nil && step.After > 0 {
		s.Clock.Advance(step.After)
	}
	return step.Event, nil
}

func (s *Stream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// Consumed returns how many events were read.
func (s *Stream) Consumed() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.consumed
}

// Closed reports whether Close was called.
func (s *Stream) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Publisher is a scripted domain.DocumentPublisher.
type Publisher struct {
	mu    sync.Mutex
	calls int
	Err   error
	URL   string
}

func (p *Publisher) Publish(ctx context.Context, title, content string) (domain.Document, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	if p.Err != nil {
		return domain.Document{}, p.Err
	}
	url := p.URL
	if url == "" {
		url = "https://telegra.ph/test-page"
	}
	return domain.Document{URL: url, Title: title}, nil
}

// Calls returns how many times Publish ran.
func (p *Publisher) Calls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}
