// Package extract reduces HTML or plain text to narratable prose.
package extract

import (
	"fmt"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/PuerkitoBio/goquery"
	"golang.org/x/text/unicode/norm"

	"nl2audio/internal/apperr"
	"nl2audio/internal/models"
	"nl2audio/internal/source"
)

// MinTextLength is the number of runes below which extracted text is
// considered empty and the next alternative is tried.
const MinTextLength = 40

const (
	stageExtract = "extract text"
	untitled     = "Untitled"
)

var (
	skipTags = map[string]bool{
		"script": true, "style": true, "noscript": true, "head": true,
		"template": true, "svg": true, "iframe": true, "#comment": true,
	}
	blockTags = map[string]bool{
		"p": true, "div": true, "section": true, "article": true, "header": true, "footer": true,
		"h1": true, "h2": true, "h3": true, "h4": true, "h5": true, "h6": true,
		"li": true, "ul": true, "ol": true, "blockquote": true, "pre": true,
		"tr": true, "table": true, "td": true, "th": true, "hr": true,
	}
	blankLines = regexp.MustCompile(`\n\s*\n`)
)

// Document is the narratable text of one source.
type Document struct {
	Title       string
	Text        string
	ContentHash string
}

// Extract prefers the HTML rendition and falls back to plain text when the
// HTML yields less than MinTextLength runes. An explicit title wins over
// anything found in the content.
func Extract(c source.Content, explicitTitle string) (Document, error) {
	var (
		text      string
		htmlTitle string
	)
	if strings.TrimSpace(c.HTML) != "" {
		var err error
		text, htmlTitle, err = fromHTML(c.HTML)
		if err != nil {
			return Document{}, apperr.New(apperr.ExtractionFailed, stageExtract, err, "")
		}
	}
	if utf8.RuneCountInString(text) < MinTextLength {
		text = fromPlain(c.Text)
	}
	if utf8.RuneCountInString(text) < MinTextLength {
		return Document{}, apperr.New(apperr.ExtractionFailed, stageExtract,
			fmt.Errorf("no readable text in %s", c.Source), "the source has fewer than 40 readable characters")
	}

	return Document{
		Title:       pickTitle(explicitTitle, htmlTitle, c.TitleHint),
		Text:        text,
		ContentHash: models.ContentHash(text),
	}, nil
}

func pickTitle(candidates ...string) string {
	for _, c := range candidates {
		if t := collapse(norm.NFKC.String(c)); t != "" {
			return t
		}
	}
	return untitled
}

func fromHTML(markup string) (text, title string, err error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(markup))
	if err != nil {
		return "", "", fmt.Errorf("parse html: %w", err)
	}

	title = strings.TrimSpace(doc.Find("title").First().Text())
	if title == "" {
		title = strings.TrimSpace(doc.Find("h1").First().Text())
	}

	root := doc.Find("body")
	if root.Length() == 0 {
		root = doc.Selection
	}
	w := &paragraphWriter{}
	walk(root, w)
	w.flush()
	return strings.Join(w.paragraphs, "\n\n"), title, nil
}

func walk(s *goquery.Selection, w *paragraphWriter) {
	s.Contents().Each(func(_ int, child *goquery.Selection) {
		name := goquery.NodeName(child)
		switch {
		case name == "#text":
			w.write(child.Text())
		case skipTags[name]:
		case name == "br":
			w.flush()
		case blockTags[name]:
			w.flush()
			walk(child, w)
			w.flush()
		default:
			walk(child, w)
		}
	})
}

type paragraphWriter struct {
	current    strings.Builder
	paragraphs []string
}

func (w *paragraphWriter) write(s string) {
	w.current.WriteString(norm.NFKC.String(s))
}

func (w *paragraphWriter) flush() {
	if p := collapse(w.current.String()); p != "" {
		w.paragraphs = append(w.paragraphs, p)
	}
	w.current.Reset()
}

func fromPlain(text string) string {
	text = norm.NFKC.String(strings.ReplaceAll(text, "\r\n", "\n"))
	var out []string
	for _, p := range blankLines.Split(text, -1) {
		if p = collapse(p); p != "" {
			out = append(out, p)
		}
	}
	return strings.Join(out, "\n\n")
}

func collapse(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
