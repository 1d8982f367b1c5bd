package telegraph

import (
	"bytes"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/PuerkitoBio/goquery"
	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"
	"github.com/yuin/goldmark/renderer/html"
)

// Node is a Telegraph content node: either a text string or an element.
type Node any

// Element is a Telegraph element node.
type Element struct {
	Tag      string            `json:"tag"`
	Attrs    map[string]string `json:"attrs,omitempty"`
	Children []Node            `json:"children,omitempty"`
}

var markdown = goldmark.New(
	goldmark.WithExtensions(extension.GFM),
	goldmark.WithRendererOptions(html.WithUnsafe(), html.WithHardWraps()),
)

// allowedTags are the elements Telegraph accepts.
var allowedTags = map[string]bool{
	"a": true, "aside": true, "b": true, "blockquote": true, "br": true, "code": true,
	"em": true, "figcaption": true, "figure": true, "h3": true, "h4": true, "hr": true,
	"i": true, "img": true, "li": true, "ol": true, "p": true, "pre": true, "s": true,
	"strong": true, "u": true, "ul": true, "video": true,
}

// renamedTags maps common HTML onto the nearest allowed element.
var renamedTags = map[string]string{
	"h1": "h3", "h2": "h3", "h5": "h4", "h6": "h4",
	"del": "s", "strike": "s", "ins": "u", "tt": "code", "kbd": "code",
	"div": "p", "section": "p", "article": "p", "table": "pre",
}

// droppedTags are removed along with their content.
var droppedTags = map[string]bool{
	"script": true, "style": true, "iframe": true, "head": true, "noscript": true,
}

// ToNodes converts Markdown (which may embed HTML) into Telegraph nodes.
func ToNodes(content string) ([]Node, error) {
	var buf bytes.Buffer
	if err := markdown.Convert([]byte(content), &buf); err != nil {
		return nil, fmt.Errorf("render markdown: %w", err)
	}
	doc, err := goquery.NewDocumentFromReader(&buf)
	if err != nil {
		return nil, fmt.Errorf("parse html: %w", err)
	}
	nodes := children(doc.Find("body"))
	if len(nodes) == 0 {
		nodes = []Node{Element{Tag: "p", Children: []Node{content}}}
	}
	return nodes, nil
}

func children(sel *goquery.Selection) []Node {
	var out []Node
	sel.Contents().Each(func(_ int, s *goquery.Selection) {
		out = append(out, convert(s)...)
	})
	return out
}

func convert(s *goquery.Selection) []Node {
	name := goquery.NodeName(s)
	switch {
	case name == "#text":
		if t := s.Text(); strings.TrimSpace(t) != "" || t == " " {
			return []Node{t}
		}
		return nil
	case name == "#comment" || droppedTags[name]:
		return nil
	}

	kids := children(s)
	tag := name
	if r, ok := renamedTags[name]; ok {
		tag = r
	}
	if !allowedTags[tag] {
		return kids
	}

	el := Element{Tag: tag, Children: kids}
	switch tag {
	case "a":
		if href, ok := s.Attr("href"); ok {
			el.Attrs = map[string]string{"href": href}
		}
	case "img", "video":
		src, ok := s.Attr("src")
		if !ok {
			return kids
		}
		el.Attrs = map[string]string{"src": src}
		el.Children = nil
	}
	return []Node{el}
}

// textLength is the number of characters of visible text in nodes.
func textLength(nodes []Node) int {
	n := 0
	for _, node := range nodes {
		switch v := node.(type) {
		case string:
			n += utf8.RuneCountInString(v)
		case Element:
			n += textLength(v.Children)
		}
	}
	return n
}
