package tts

import (
	"regexp"
	"strings"
	"unicode"
)

// MaxChunkChars bounds a single speech request.
const MaxChunkChars = 3500

var (
	blankLineRun = regexp.MustCompile(`\n[ \t\r]*\n(\s*\n)*`)
	spaceRun     = regexp.MustCompile(`[ \t]+`)
)

// CleanText collapses runs of spaces and blank lines.
func CleanText(text string) string {
	text = strings.ReplaceAll(text, "\r\n", "\n")
	text = blankLineRun.ReplaceAllString(text, "\n\n")
	text = spaceRun.ReplaceAllString(text, " ")
	return strings.TrimSpace(text)
}

// Chunk splits text into pieces of at most maxChars runes. Paragraphs are
// packed together while they fit; a paragraph that is too long on its own is
// broken at the last sentence end, line break, pause or word boundary
// before the limit.
func Chunk(text string, maxChars int) []string {
	if maxChars <= 0 {
		maxChars = MaxChunkChars
	}
	var (
		chunks  []string
		current []rune
	)
	emit := func() {
		if s := strings.TrimSpace(string(current)); s != "" {
			chunks = append(chunks, s)
		}
		current = current[:0]
	}

	for _, para := range paragraphs(CleanText(text)) {
		p := []rune(para)
		if len(current) > 0 && len(current)+2+len(p) > maxChars {
			emit()
		}
		if len(p) > maxChars {
			emit()
			for len(p) > maxChars {
				cut := breakPoint(p, maxChars)
				if s := strings.TrimSpace(string(p[:cut])); s != "" {
					chunks = append(chunks, s)
				}
				p = []rune(strings.TrimLeftFunc(string(p[cut:]), unicode.IsSpace))
			}
		}
		if len(p) == 0 {
			continue
		}
		if len(current) > 0 {
			current = append(current, '\n', '\n')
		}
		current = append(current, p...)
	}
	emit()
	return chunks
}

func paragraphs(text string) []string {
	var out []string
	for _, block := range strings.Split(text, "\n\n") {
		lines := strings.Fields(strings.ReplaceAll(block, "\n", " "))
		if len(lines) > 0 {
			out = append(out, strings.Join(lines, " "))
		}
	}
	return out
}

// breakPoint returns the index after which text should be cut so the head
// stays within maxChars.
func breakPoint(text []rune, maxChars int) int {
	if len(text) <= maxChars {
		return len(text)
	}
	last := maxChars - 1

	for i := last; i > 0; i-- {
		if isSentenceEnd(text[i]) && !isAbbreviation(text, i) {
			return i + 1
		}
	}
	for _, pause := range []func(rune) bool{
		func(r rune) bool { return r == '\n' },
		func(r rune) bool { return r == ',' || r == ';' || r == ':' },
		unicode.IsSpace,
	} {
		for i := last; i > 0; i-- {
			if pause(text[i]) {
				return i + 1
			}
		}
	}
	return maxChars
}

func isSentenceEnd(r rune) bool {
	return r == '.' || r == '!' || r == '?'
}

// isAbbreviation catches initialism periods such as the last one in "U.S." when followed by a space.
func isAbbreviation(text []rune, i int) bool {
	return text[i] == '.' && i > 0 && unicode.IsUpper(text[i-1]) &&
		i+1 < len(text) && unicode.IsSpace(text[i+1])
}
