// Package citation turns ranked retrieval results into user-facing citation
// records and the context text handed to the generator.
package citation

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/mohammad-safakhou/docqa/internal/chunk"
	"github.com/mohammad-safakhou/docqa/internal/gate"
	"github.com/mohammad-safakhou/docqa/internal/rerank"
)

// Citation is a reference back to a source chunk and its page.
type Citation struct {
	CitationID string  `json:"citation_id"`
	FileID     string  `json:"fileId"`
	Rank       int     `json:"rank"`
	Page       int     `json:"page,omitempty"`
	HeaderPath string  `json:"header_path,omitempty"`
	Snippet    string  `json:"snippet"`
	FullText   string  `json:"full_text"`
	Score      float64 `json:"score"`
	PreviewURL string  `json:"previewUrl"`
}

type config struct {
	maxSnippet  int
	maxFullText int
	previewPath string
}

// Option configures assembly.
type Option func(*config)

// WithMaxSnippetLength truncates snippets to n runes before the ellipsis (default 500).
func WithMaxSnippetLength(n int) Option {
	return func(cfg *config) {
		if n > 0 {
			cfg.maxSnippet = n
		}
	}
}

// WithMaxFullTextLength caps the full text to n runes (default 4000).
func WithMaxFullTextLength(n int) Option {
	return func(cfg *config) {
		if n > 0 {
			cfg.maxFullText = n
		}
	}
}

// WithPreviewPath sets the page preview endpoint (default /api/v1/pdf/page).
func WithPreviewPath(p string) Option {
	return func(cfg *config) {
		if p != "" {
			cfg.previewPath = p
		}
	}
}

func newConfig(opts []Option) config {
	cfg := config{maxSnippet: 500, maxFullText: 4000, previewPath: "/api/v1/pdf/page"}
	for _, opt := range opts {
		opt(&cfg)
	}
	return cfg
}

// ID returns the deterministic citation id for fileID at rank.
func ID(fileID string, rank int) string { return fmt.Sprintf("%s-c%d", fileID, rank) }

// PreviewURL links to the original page image, page 1 when unknown.
func PreviewURL(fileID string, page int, opts ...Option) string {
	cfg := newConfig(opts)
	return previewURL(cfg, fileID, page)
}

func previewURL(cfg config, fileID string, page int) string {
	if page <= 0 {
		page = 1
	}
	return fmt.Sprintf("%s?fileId=%s&page=%d&type=original", cfg.previewPath, url.QueryEscape(fileID), page)
}

// Assemble builds one citation per result in rank order and the context
// text joining "[rank] snippet" blocks. An empty result set yields no
// citations and gate.NoHits.
func Assemble(fileID string, ranked []rerank.Result, opts ...Option) ([]Citation, string) {
	if len(ranked) == 0 {
		return []Citation{}, gate.NoHits
	}
	citations := make([]Citation, 0, len(ranked))
	blocks := make([]string, 0, len(ranked))
	for i, r := range ranked {
		rank := i + 1
		c := FromChunk(fileID, rank, r.Chunk, r.Score(), opts...)
		citations = append(citations, c)
		blocks = append(blocks, fmt.Sprintf("[%d] %s", rank, c.Snippet))
	}
	return citations, strings.Join(blocks, "\n\n")
}

// FromChunk builds the citation for a single chunk.
func FromChunk(fileID string, rank int, c chunk.Chunk, score float64, opts ...Option) Citation {
	cfg := newConfig(opts)
	text := strings.TrimSpace(c.Text)
	return Citation{
		CitationID: ID(fileID, rank),
		FileID:     fileID,
		Rank:       rank,
		Page:       c.Metadata.Page,
		HeaderPath: c.Metadata.HeaderPath,
		Snippet:    Snippet(text, cfg.maxSnippet),
		FullText:   chunk.Truncate(text, cfg.maxFullText),
		Score:      score,
		PreviewURL: previewURL(cfg, fileID, c.Metadata.Page),
	}
}

// Snippet truncates s to n runes and marks the cut with "...".
func Snippet(s string, n int) string {
	cut := chunk.Truncate(s, n)
	if cut == s {
		return s
	}
	return cut + "..."
}
