package extract

import (
	"context"
	"encoding/xml"
	"errors"
	"io"
	"regexp"
	"strings"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

var reTag = regexp.MustCompile(`<[^>]+>`)

// skipped holds elements whose text is never document content.
var skipped = map[atom.Atom]bool{
	atom.Script:   true,
	atom.Style:    true,
	atom.Noscript: true,
	atom.Head:     true,
	atom.Template: true,
}

// block elements end a line of output.
var block = map[atom.Atom]bool{
	atom.P: true, atom.Div: true, atom.Br: true, atom.Li: true, atom.Tr: true,
	atom.H1: true, atom.H2: true, atom.H3: true, atom.H4: true, atom.H5: true, atom.H6: true,
	atom.Section: true, atom.Article: true, atom.Table: true, atom.Blockquote: true,
}

type htmlExtractor struct {
	loader contentLoader
}

func (e htmlExtractor) Extract(ctx context.Context, src Source) (string, Method, error) {
	raw, err := e.loader.load(ctx, src)
	if err != nil {
		return "", MethodHTML, err
	}
	doc, err := html.Parse(strings.NewReader(raw))
	if err != nil {
		return nonEmpty(reTag.ReplaceAllString(raw, "\n"), MethodHTML)
	}

	var sb strings.Builder
	var walk func(n *html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode && skipped[n.DataAtom] {
			return
		}
		if n.Type == html.TextNode {
			if t := strings.TrimSpace(n.Data); t != "" {
				if sb.Len() > 0 {
					sb.WriteByte(' ')
				}
				sb.WriteString(t)
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
		if n.Type == html.ElementNode && block[n.DataAtom] {
			sb.WriteByte('\n')
		}
	}
	walk(doc)

	return nonEmpty(tidyLines(sb.String()), MethodHTML)
}

type xmlExtractor struct {
	loader contentLoader
}

func (e xmlExtractor) Extract(ctx context.Context, src Source) (string, Method, error) {
	raw, err := e.loader.load(ctx, src)
	if err != nil {
		return "", MethodXML, err
	}

	dec := xml.NewDecoder(strings.NewReader(raw))
	dec.Strict = false
	dec.Entity = xml.HTMLEntity

	var parts []string
	for {
		tok, err := dec.Token()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			// Malformed markup: fall back to stripping tags.
			return nonEmpty(strings.Join(strings.Fields(reTag.ReplaceAllString(raw, " ")), " "), MethodXML)
		}
		if cd, ok := tok.(xml.CharData); ok {
			if t := strings.TrimSpace(string(cd)); t != "" {
				parts = append(parts, t)
			}
		}
	}
	return nonEmpty(strings.Join(strings.Fields(strings.Join(parts, " ")), " "), MethodXML)
}

// tidyLines trims every line and drops empty ones.
func tidyLines(s string) string {
	lines := strings.Split(s, "\n")
	out := lines[:0]
	for _, l := range lines {
		if l = strings.TrimSpace(l); l != "" {
			out = append(out, l)
		}
	}
	return strings.Join(out, "\n")
}
