// Package chunk splits converted markdown into the semantic text units that
// both retrieval channels index.
package chunk

import (
	"regexp"
	"strconv"
	"strings"
	"unicode/utf8"
)

// MaxChars is the hard ceiling on chunk text, counted in runes.
const MaxChars = 8000

// Metadata carries the annotations a chunk keeps from its source document.
type Metadata struct {
	Page       int    `json:"page,omitempty"`
	HeaderPath string `json:"header_path,omitempty"`
}

// Chunk is one immutable unit of indexed text.
type Chunk struct {
	Text     string   `json:"text"`
	Metadata Metadata `json:"metadata"`
}

var (
	headingRegex    = regexp.MustCompile(`^(#{1,2})\s+(.+?)(?:\s+#+)?\s*$`)
	pageMarkerRegex = regexp.MustCompile(`^<!--\s*page:\s*(\d+)\s*-->$`)
)

// PageMarker renders the marker line Split recognises as a page boundary.
func PageMarker(page int) string {
	return "<!-- page: " + strconv.Itoa(page) + " -->"
}

// Split cuts markdown on level-1 and level-2 headings. Heading lines become
// the header path of the following section, empty sections are dropped and
// every section is trimmed and capped at MaxChars. Page markers change the
// page annotation of the chunks that start after them; headings inside fenced
// code blocks are treated as text.
func Split(md string) []Chunk {
	var (
		out     []Chunk
		h1, h2  string
		page    int
		start   int
		buf     strings.Builder
		hasText bool
		inFence bool
	)

	flush := func() {
		text := strings.TrimSpace(buf.String())
		buf.Reset()
		hasText = false
		if text == "" {
			return
		}
		out = append(out, Chunk{
			Text: Truncate(text, MaxChars),
			Metadata: Metadata{
				Page:       start,
				HeaderPath: headerPath(h1, h2),
			},
		})
	}

	md = strings.ReplaceAll(md, "\r\n", "\n")
	for _, line := range strings.Split(md, "\n") {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "```") || strings.HasPrefix(trimmed, "~~~") {
			inFence = !inFence
		}
		if !inFence {
			if m := pageMarkerRegex.FindStringSubmatch(trimmed); m != nil {
				page, _ = strconv.Atoi(m[1])
				if !hasText {
					start = page
				}
				continue
			}
			if m := headingRegex.FindStringSubmatch(trimmed); m != nil {
				flush()
				if len(m[1]) == 1 {
					h1, h2 = m[2], ""
				} else {
					h2 = m[2]
				}
				start = page
				continue
			}
		}
		if !hasText && trimmed != "" {
			start = page
			hasText = true
		}
		buf.WriteString(strings.TrimRight(line, " \t"))
		buf.WriteByte('\n')
	}
	flush()
	return out
}

func headerPath(h1, h2 string) string {
	switch {
	case h1 != "" && h2 != "":
		return h1 + " > " + h2
	case h1 != "":
		return h1
	default:
		return h2
	}
}

// Truncate cuts s to at most n runes.
func Truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	r := []rune(s)
	return string(r[:n])
}
