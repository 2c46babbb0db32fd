package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/mohammad-safakhou/docqa/internal/parsejob"
	"github.com/mohammad-safakhou/docqa/internal/workspace"
)

var tracer = otel.Tracer("docqa/ingest")

// Segments is the persisted layout of a file.
type Segments struct {
	FileID string  `json:"file_id"`
	Title  string  `json:"title,omitempty"`
	Pages  int     `json:"pages"`
	Blocks []Block `json:"blocks"`
}

// Pipeline runs the preparation stages of a file inside its workspace.
// Without a renderer the two rendering stages do nothing.
type Pipeline struct {
	layout   workspace.Layout
	renderer Renderer
	logger   *log.Logger
}

type Option func(*Pipeline)

func WithRenderer(r Renderer) Option {
	return func(p *Pipeline) { p.renderer = r }
}

func WithLogger(l *log.Logger) Option {
	return func(p *Pipeline) {
		if l != nil {
			p.logger = l
		}
	}
}

func NewPipeline(layout workspace.Layout, opts ...Option) *Pipeline {
	p := &Pipeline{
		layout: layout,
		logger: log.New(log.Writer(), "[INGEST] ", log.LstdFlags),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Stages lists the preparation steps in order.
func (p *Pipeline) Stages() []parsejob.Stage {
	return []parsejob.Stage{
		{Name: "render_pages", Run: p.RenderPages},
		{Name: "layout", Run: p.Segment},
		{Name: "annotate", Run: p.Annotate},
		{Name: "convert", Run: p.Convert},
	}
}

func (p *Pipeline) load(fileID string) (Document, error) {
	path, err := p.layout.FindOriginal(fileID)
	if err != nil {
		return Document{}, err
	}
	return Load(path)
}

// RenderPages writes pages/original/page-NNNN.png for every page.
func (p *Pipeline) RenderPages(ctx context.Context, fileID string) error {
	if p.renderer == nil {
		return nil
	}
	ctx, span := tracer.Start(ctx, "ingest.RenderPages")
	defer span.End()
	doc, err := p.load(fileID)
	if err != nil {
		return err
	}
	if err := p.layout.Ensure(fileID); err != nil {
		return err
	}
	shots := make([]Shot, len(doc.Pages))
	for i, page := range doc.Pages {
		shots[i] = Shot{HTML: PageHTML(page, false), Out: p.layout.PagePath(fileID, workspace.PageOriginal, page.Number)}
	}
	span.SetAttributes(attribute.Int("pages", len(shots)))
	if _, err := p.renderer.Render(ctx, shots); err != nil {
		return fmt.Errorf("render original pages: %w", err)
	}
	return nil
}

// Segment writes layout.json with every block of the document.
func (p *Pipeline) Segment(ctx context.Context, fileID string) error {
	_, span := tracer.Start(ctx, "ingest.Segment")
	defer span.End()
	doc, err := p.load(fileID)
	if err != nil {
		return err
	}
	seg := Segments{FileID: fileID, Title: doc.Title, Pages: len(doc.Pages)}
	for _, page := range doc.Pages {
		seg.Blocks = append(seg.Blocks, page.Blocks...)
	}
	span.SetAttributes(attribute.Int("blocks", len(seg.Blocks)))
	p.logger.Printf("segmented file=%s pages=%d blocks=%d", fileID, seg.Pages, len(seg.Blocks))
	return p.saveSegments(seg)
}

// Annotate renders outlined pages into pages/parsed and stores the block
// polygons in layout.json.
func (p *Pipeline) Annotate(ctx context.Context, fileID string) error {
	if p.renderer == nil {
		return nil
	}
	ctx, span := tracer.Start(ctx, "ingest.Annotate")
	defer span.End()
	seg, err := p.LoadSegments(fileID)
	if err != nil {
		return err
	}
	pages := groupPages(seg.Blocks)
	shots := make([]Shot, len(pages))
	for i, page := range pages {
		shots[i] = Shot{HTML: PageHTML(page, true), Out: p.layout.PagePath(fileID, workspace.PageParsed, page.Number)}
	}
	boxes, err := p.renderer.Render(ctx, shots)
	if err != nil {
		return fmt.Errorf("render parsed pages: %w", err)
	}
	var blocks []Block
	for i, page := range pages {
		for j, blk := range page.Blocks {
			if i < len(boxes) && j < len(boxes[i]) {
				blk.Polygon = boxes[i][j].Polygon()
			}
			blocks = append(blocks, blk)
		}
	}
	seg.Blocks = blocks
	return p.saveSegments(seg)
}

// Convert writes output.md from layout.json.
func (p *Pipeline) Convert(ctx context.Context, fileID string) error {
	_, span := tracer.Start(ctx, "ingest.Convert")
	defer span.End()
	seg, err := p.LoadSegments(fileID)
	if err != nil {
		return err
	}
	if err := os.WriteFile(p.layout.Markdown(fileID), []byte(Markdown(seg.Blocks)), 0o644); err != nil {
		return fmt.Errorf("write markdown: %w", err)
	}
	return nil
}

// LoadSegments reads layout.json of fileID.
func (p *Pipeline) LoadSegments(fileID string) (Segments, error) {
	var seg Segments
	raw, err := os.ReadFile(p.layout.Segments(fileID))
	if err != nil {
		return seg, err
	}
	if err := json.Unmarshal(raw, &seg); err != nil {
		return seg, fmt.Errorf("decode layout: %w", err)
	}
	return seg, nil
}

func (p *Pipeline) saveSegments(seg Segments) error {
	raw, err := json.MarshalIndent(seg, "", "  ")
	if err != nil {
		return err
	}
	tmp := p.layout.Segments(seg.FileID) + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, p.layout.Segments(seg.FileID))
}

func groupPages(blocks []Block) []Page {
	var pages []Page
	for _, blk := range blocks {
		if len(pages) == 0 || pages[len(pages)-1].Number != blk.Page {
			pages = append(pages, Page{Number: blk.Page})
		}
		last := &pages[len(pages)-1]
		last.Blocks = append(last.Blocks, blk)
	}
	return pages
}
