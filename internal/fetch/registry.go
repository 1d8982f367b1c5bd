package fetch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"relaybot/internal/domain"
)

// ErrNoParser is returned when no registered parser accepts a link.
var ErrNoParser = errors.New("no parser for link")

// Parser turns a share link into downloaded media.
type Parser interface {
	Name() string
	// Triggers are substrings of links the parser claims.
	Triggers() []string
	Parse(ctx context.Context, link, dir string) (domain.Download, error)
}

// Matcher lets a parser refine trigger matching.
type Matcher interface {
	Match(link string) bool
}

// Registry resolves links to parsers in registration order: specific
// parsers are registered first, fallbacks last.
type Registry struct {
	parsers []Parser
	logger  *slog.Logger
}

var _ domain.Downloader = (*Registry)(nil)

// NewRegistry creates an empty Registry.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{logger: logger}
}

// Register appends a parser. A parser without trigger signals is refused.
func (r *Registry) Register(p Parser) error {
	if len(p.Triggers()) == 0 {
		return fmt.Errorf("parser %s has no trigger signals", p.Name())
	}
	r.parsers = append(r.parsers, p)
	r.logger.Debug("parser registered", "name", p.Name(), "triggers", p.Triggers())
	return nil
}

// Resolve returns the first parser whose trigger appears in link.
func (r *Registry) Resolve(link string) (Parser, bool) {
	for _, p := range r.parsers {
		if m, ok := p.(Matcher); ok {
			if m.Match(link) {
				return p, true
			}
			continue
		}
		for _, t := range p.Triggers() {
			if strings.Contains(link, t) {
				return p, true
			}
		}
	}
	return nil, false
}

// Names lists the registered parsers in resolution order.
func (r *Registry) Names() []string {
	out := make([]string, len(r.parsers))
	for i, p := range r.parsers {
		out[i] = p.Name()
	}
	return out
}

// Download resolves source and parses it into dir.
func (r *Registry) Download(ctx context.Context, source, dir string) (domain.Download, error) {
	p, ok := r.Resolve(source)
	if !ok {
		return domain.Download{}, fmt.Errorf("%w: %s", ErrNoParser, source)
	}
	r.logger.Info("parsing link", "parser", p.Name(), "link", source)
	d, err := p.Parse(ctx, source, dir)
	if err != nil {
		return domain.Download{}, fmt.Errorf("%s: %w", p.Name(), err)
	}
	return d, nil
}

// ExtractLink picks the link out of command arguments: the first argument
// that looks like a URL, else the first argument.
func ExtractLink(args string) string {
	fields := strings.Fields(args)
	for _, f := range fields {
		l := strings.ToLower(f)
		if strings.Contains(l, "http") || strings.Contains(l, "www.") {
			return f
		}
	}
	if len(fields) > 0 {
		return fields[0]
	}
	return ""
}
