// Package ingest prepares uploaded documents: it renders page images,
// segments pages into blocks and converts the layout into the markdown the
// index builder chunks.
package ingest

import (
	"bytes"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/go-shiori/go-readability"

	"github.com/mohammad-safakhou/docqa/internal/chunk"
)

// BlockKind classifies a layout block.
type BlockKind string

const (
	BlockTitle     BlockKind = "title"
	BlockSection   BlockKind = "section"
	BlockParagraph BlockKind = "paragraph"
	BlockCode      BlockKind = "code"
)

// Point is a page coordinate in CSS pixels.
type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Block is one segment of a page.
type Block struct {
	Page    int       `json:"page"`
	Kind    BlockKind `json:"kind"`
	Text    string    `json:"text"`
	Lang    string    `json:"lang,omitempty"`
	Polygon []Point   `json:"polygon,omitempty"`
}

// Page is the ordered blocks of one page.
type Page struct {
	Number int
	Blocks []Block
}

// Document is a loaded source file.
type Document struct {
	Title string
	Pages []Page
}

// ErrUnsupported is returned for file types the pipeline cannot read.
var ErrUnsupported = errors.New("unsupported document type")

var (
	markerSplitRegex = regexp.MustCompile(`(?m)^[ \t]*<!--\s*page:\s*(\d+)\s*-->[ \t]*$`)
	headingRegex     = regexp.MustCompile(`^(#{1,2})\s+(.+?)(?:\s+#+)?\s*$`)
)

// Supported reports whether ext (with the dot) can be ingested.
func Supported(ext string) bool {
	switch strings.ToLower(ext) {
	case ".md", ".markdown", ".txt", ".html", ".htm":
		return true
	}
	return false
}

// Load reads and segments the document at path.
func Load(path string) (Document, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Document{}, err
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".md", ".markdown", ".txt":
		return parseText(string(raw)), nil
	case ".html", ".htm":
		return parseHTML(raw, path)
	default:
		return Document{}, fmt.Errorf("%w: %s", ErrUnsupported, filepath.Ext(path))
	}
}

// CountPages returns the number of pages of the document at path.
func CountPages(path string) (int, error) {
	doc, err := Load(path)
	if err != nil {
		return 0, err
	}
	return len(doc.Pages), nil
}

func parseText(src string) Document {
	src = strings.ReplaceAll(src, "\r\n", "\n")
	var texts []string
	switch {
	case strings.Contains(src, "\f"):
		texts = strings.Split(src, "\f")
	case markerSplitRegex.MatchString(src):
		texts = markerSplitRegex.Split(src, -1)
		if strings.TrimSpace(texts[0]) == "" {
			texts = texts[1:]
		}
	default:
		texts = []string{src}
	}
	doc := Document{}
	for i, t := range texts {
		page := Page{Number: i + 1, Blocks: segment(t, i+1)}
		doc.Pages = append(doc.Pages, page)
		if doc.Title == "" {
			for _, b := range page.Blocks {
				if b.Kind == BlockTitle {
					doc.Title = b.Text
					break
				}
			}
		}
	}
	return doc
}

// segment splits one page of markdown-ish text into blocks. Blank lines end
// paragraphs; fenced code is kept verbatim.
func segment(text string, page int) []Block {
	var (
		blocks []Block
		para   []string
		code   []string
		lang   string
		inCode bool
	)
	flushPara := func() {
		if t := strings.TrimSpace(strings.Join(para, "\n")); t != "" {
			blocks = append(blocks, Block{Page: page, Kind: BlockParagraph, Text: t})
		}
		para = para[:0]
	}
	for _, line := range strings.Split(text, "\n") {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "```") || strings.HasPrefix(trimmed, "~~~") {
			if inCode {
				blocks = append(blocks, Block{Page: page, Kind: BlockCode, Lang: lang, Text: strings.Join(code, "\n")})
				code, lang, inCode = nil, "", false
				continue
			}
			flushPara()
			inCode = true
			lang = strings.TrimSpace(trimmed[3:])
			continue
		}
		if inCode {
			code = append(code, line)
			continue
		}
		if m := headingRegex.FindStringSubmatch(trimmed); m != nil {
			flushPara()
			kind := BlockTitle
			if len(m[1]) == 2 {
				kind = BlockSection
			}
			blocks = append(blocks, Block{Page: page, Kind: kind, Text: m[2]})
			continue
		}
		if trimmed == "" {
			flushPara()
			continue
		}
		para = append(para, strings.TrimRight(line, " \t"))
	}
	if inCode {
		blocks = append(blocks, Block{Page: page, Kind: BlockCode, Lang: lang, Text: strings.Join(code, "\n")})
	}
	flushPara()
	return blocks
}

// parseHTML extracts the main article of an HTML page as a single page.
func parseHTML(raw []byte, path string) (Document, error) {
	abs, _ := filepath.Abs(path)
	article, err := readability.FromReader(bytes.NewReader(raw), &url.URL{Scheme: "file", Path: abs})
	if err != nil {
		return Document{}, fmt.Errorf("extract article: %w", err)
	}
	doc := Document{Title: strings.TrimSpace(article.Title)}
	page := Page{Number: 1}
	if doc.Title != "" {
		page.Blocks = append(page.Blocks, Block{Page: 1, Kind: BlockTitle, Text: doc.Title})
	}
	for _, line := range strings.Split(article.TextContent, "\n") {
		if t := strings.Join(strings.Fields(line), " "); t != "" {
			page.Blocks = append(page.Blocks, Block{Page: 1, Kind: BlockParagraph, Text: t})
		}
	}
	doc.Pages = []Page{page}
	return doc, nil
}

// Markdown renders blocks as markdown with a page marker before every page.
func Markdown(blocks []Block) string {
	var b strings.Builder
	page := 0
	for _, blk := range blocks {
		if blk.Page != page {
			page = blk.Page
			b.WriteString(chunk.PageMarker(page) + "\n\n")
		}
		switch blk.Kind {
		case BlockTitle:
			b.WriteString("# " + blk.Text)
		case BlockSection:
			b.WriteString("## " + blk.Text)
		case BlockCode:
			b.WriteString("```" + blk.Lang + "\n" + blk.Text + "\n```")
		default:
			b.WriteString(blk.Text)
		}
		b.WriteString("\n\n")
	}
	return b.String()
}
