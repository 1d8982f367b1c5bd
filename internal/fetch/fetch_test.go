package fetch

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"relaybot/internal/domain"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
}

func mediaServer() *httptest.Server {
	png := []byte("\x89PNG\r\n\x1a\n\x00\x00\x00\rIHDR\x00\x00\x00\x01\x00\x00\x00\x01\x08\x02\x00\x00\x00")
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/photo.jpg":
			w.Header().Set("Content-Type", "image/jpeg")
			w.Write([]byte("jpeg"))
		case "/blob":
			w.Header().Set("Content-Type", "application/octet-stream")
			w.Write(png)
		case "/big.mp4":
			w.Header().Set("Content-Type", "video/mp4")
			w.Write(make([]byte, 2048))
		default:
			http.NotFound(w, r)
		}
	}))
}

func TestFetch(t *testing.T) {
	srv := mediaServer()
	defer srv.Close()
	f := NewHTTPFetcher(HTTPConfig{Logger: testLogger()})
	dir := t.TempDir()

	item, err := f.Fetch(context.Background(), srv.URL+"/photo.jpg", dir)
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if item.Kind != domain.KindPhoto || item.Size != 4 || filepath.Ext(item.Path) != ".jpg" || filepath.Dir(item.Path) != dir {
		t.Errorf("unexpected item %+v", item)
	}

	blob, err := f.Fetch(context.Background(), srv.URL+"/blob", dir)
	if err != nil {
		t.Fatalf("Fetch blob: %v", err)
	}
	if !strings.HasSuffix(blob.Path, ".png") {
		t.Errorf("sniffed extension missing: %s", blob.Path)
	}
}

func TestFetch_Errors(t *testing.T) {
	srv := mediaServer()
	defer srv.Close()
	dir := t.TempDir()
	f := NewHTTPFetcher(HTTPConfig{MaxBytes: 1024, Logger: testLogger()})

	if _, err := f.Fetch(context.Background(), srv.URL+"/big.mp4", dir); err == nil {
		t.Error("oversized body should fail")
	}
	if _, err := f.Fetch(context.Background(), srv.URL+"/missing.jpg", dir); err == nil {
		t.Error("404 should fail")
	}
	if _, err := f.Fetch(context.Background(), "ftp://example.com/a.jpg", dir); err == nil {
		t.Error("non-http scheme should fail")
	}
	entries, _ := os.ReadDir(dir)
	if len(entries) != 0 {
		t.Errorf("failed fetches must not leave files, found %d", len(entries))
	}
}

func TestFetchAll_KeepsOrderAndIsolatesFailures(t *testing.T) {
	srv := mediaServer()
	defer srv.Close()
	f := NewHTTPFetcher(HTTPConfig{Concurrency: 2, Logger: testLogger()})

	urls := []string{srv.URL + "/photo.jpg", srv.URL + "/missing.jpg", srv.URL + "/blob"}
	got := f.FetchAll(context.Background(), urls, t.TempDir())
	if len(got) != 3 {
		t.Fatalf("expected 3 results, got %d", len(got))
	}
	for i, r := range got {
		if r.Source != urls[i] {
			t.Errorf("result %d is for %s", i, r.Source)
		}
	}
	if got[0].Err != nil || got[1].Err == nil || got[2].Err != nil {
		t.Errorf("unexpected errors: %v %v %v", got[0].Err, got[1].Err, got[2].Err)
	}
	d := domain.Download{Items: got}
	if len(d.MediaItems()) != 2 {
		t.Errorf("expected 2 usable items")
	}
}

type stubParser struct {
	name     string
	triggers []string
}

func (s stubParser) Name() string       { return s.name }
func (s stubParser) Triggers() []string { return s.triggers }
func (s stubParser) Parse(ctx context.Context, link, dir string) (domain.Download, error) {
	return domain.Download{Title: s.name}, nil
}

func TestRegistry_ResolvesInRegistrationOrder(t *testing.T) {
	r := NewRegistry(testLogger())
	if err := r.Register(stubParser{name: "xhs", triggers: []string{"xiaohongshu.com", "xhslink.com"}}); err != nil {
		t.Fatal(err)
	}
	r.Register(DirectParser{})
	r.Register(stubParser{name: "fallback", triggers: []string{"http://", "https://"}})

	tests := map[string]string{
		"https://www.xiaohongshu.com/explore/1": "xhs",
		"https://example.com/cat.JPG":           "direct",
		"https://example.com/post/1":            "fallback",
	}
	for link, want := range tests {
		p, ok := r.Resolve(link)
		if !ok || p.Name() != want {
			t.Errorf("Resolve(%s) = %v, want %s", link, p, want)
		}
	}
	if _, ok := r.Resolve("not a link"); ok {
		t.Error("plain text should not resolve")
	}
	if got := strings.Join(r.Names(), ","); got != "xhs,direct,fallback" {
		t.Errorf("Names = %s", got)
	}

	d, err := r.Download(context.Background(), "https://example.com/post/1", t.TempDir())
	if err != nil || d.Title != "fallback" {
		t.Errorf("Download = %+v, %v", d, err)
	}
	if _, err := r.Download(context.Background(), "nothing", t.TempDir()); !errors.Is(err, ErrNoParser) {
		t.Errorf("expected ErrNoParser, got %v", err)
	}
}

func TestRegistry_RefusesParserWithoutTriggers(t *testing.T) {
	if err := NewRegistry(testLogger()).Register(stubParser{name: "empty"}); err == nil {
		t.Fatal("expected an error")
	}
}

func TestDirectParser(t *testing.T) {
	srv := mediaServer()
	defer srv.Close()
	p := DirectParser{Fetcher: NewHTTPFetcher(HTTPConfig{Logger: testLogger()})}

	if !p.Match(srv.URL+"/photo.jpg?size=large") || p.Match(srv.URL+"/page") || p.Match("file:///etc/a.jpg") {
		t.Error("unexpected Match result")
	}
	d, err := p.Parse(context.Background(), srv.URL+"/photo.jpg", t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	if d.Title != "photo.jpg" || len(d.MediaItems()) != 1 {
		t.Errorf("unexpected download %+v", d)
	}
}

func TestExtractLink(t *testing.T) {
	tests := map[string]string{
		"look https://x.com/a/1 please": "https://x.com/a/1",
		"www.example.com/p":             "www.example.com/p",
		"abc def":                       "abc",
		"":                              "",
	}
	for in, want := range tests {
		if got := ExtractLink(in); got != want {
			t.Errorf("ExtractLink(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestBrowserParserTriggers(t *testing.T) {
	r := NewRegistry(testLogger())
	r.Register(BrowserParser{})
	if p, ok := r.Resolve("www.example.com/post"); !ok || p.Name() != "browser" {
		t.Error("browser parser should claim bare www links")
	}
}
