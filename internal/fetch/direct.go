package fetch

import (
	"context"
	"net/url"
	"path"
	"strings"

	"relaybot/internal/domain"
)

var directExts = map[string]bool{
	".jpg": true, ".jpeg": true, ".png": true, ".webp": true, ".gif": true, ".bmp": true,
	".mp4": true, ".mov": true, ".m4v": true, ".webm": true, ".mkv": true,
	".pdf": true, ".zip": true,
}

// DirectParser downloads links that point straight at a media file.
type DirectParser struct {
	Fetcher *HTTPFetcher
}

func (DirectParser) Name() string { return "direct" }

func (DirectParser) Triggers() []string {
	out := make([]string, 0, len(directExts))
	for ext := range directExts {
		out = append(out, ext)
	}
	return out
}

// Match accepts http(s) links whose path ends in a known media extension.
func (DirectParser) Match(link string) bool {
	u, err := url.Parse(link)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return false
	}
	return directExts[strings.ToLower(path.Ext(u.Path))]
}

func (p DirectParser) Parse(ctx context.Context, link, dir string) (domain.Download, error) {
	item, err := p.Fetcher.Fetch(ctx, link, dir)
	if err != nil {
		return domain.Download{}, err
	}
	u, _ := url.Parse(link)
	return domain.Download{
		Title: path.Base(u.Path),
		Items: []domain.FetchedItem{{Source: link, Item: item}},
	}, nil
}
