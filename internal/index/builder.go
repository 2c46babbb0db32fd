// Package index builds and persists the per-file dense and sparse indices.
package index

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/mohammad-safakhou/docqa/internal/chunk"
	"github.com/mohammad-safakhou/docqa/internal/workspace"
)

// Embedder turns text into dense vectors.
type Embedder interface {
	EmbedMany(ctx context.Context, texts []string) ([][]float32, error)
	Embed(ctx context.Context, text string) ([]float32, error)
	Name() string
}

// Result is the outcome of a successful build.
type Result struct {
	OK     bool `json:"ok"`
	Chunks int  `json:"chunks"`
}

// Builder turns a file's converted markdown into a persisted index.
type Builder struct {
	layout    workspace.Layout
	store     *Store
	embedder  Embedder
	batchSize int
	logger    *log.Logger
}

type BuilderOption func(*Builder)

func WithBatchSize(n int) BuilderOption {
	return func(b *Builder) {
		if n > 0 {
			b.batchSize = n
		}
	}
}

func WithLogger(l *log.Logger) BuilderOption {
	return func(b *Builder) {
		if l != nil {
			b.logger = l
		}
	}
}

func NewBuilder(layout workspace.Layout, store *Store, embedder Embedder, opts ...BuilderOption) *Builder {
	b := &Builder{
		layout:    layout,
		store:     store,
		embedder:  embedder,
		batchSize: 16,
		logger:    log.New(log.Writer(), "[INDEX] ", log.LstdFlags),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Build splits, embeds and persists fileID's converted markdown, superseding
// any previous index of the same file.
func (b *Builder) Build(ctx context.Context, fileID string) (Result, error) {
	raw, err := os.ReadFile(b.layout.Markdown(fileID))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Result{}, newError(CodeMarkdownNotFound, fmt.Errorf("converted text missing for %s", fileID))
		}
		return Result{}, newError(CodeMarkdownNotFound, err)
	}
	chunks := chunk.Split(string(raw))
	if len(chunks) == 0 {
		return Result{}, newError(CodeEmptyMarkdown, fmt.Errorf("no chunks in %s", fileID))
	}

	vectors, err := b.embed(ctx, chunks)
	if err != nil {
		return Result{}, newError(CodeBuildFailed, err)
	}
	idx := &Index{
		Meta: Meta{
			FileID:    fileID,
			Chunks:    len(chunks),
			Dimension: len(vectors[0]),
			Embedder:  b.embedder.Name(),
			BuiltAt:   time.Now().UTC(),
		},
		Chunks:  chunks,
		Vectors: vectors,
	}
	if err := b.store.Save(fileID, idx); err != nil {
		return Result{}, newError(CodeBuildFailed, err)
	}
	b.logger.Printf("built index file=%s chunks=%d dim=%d", fileID, len(chunks), idx.Meta.Dimension)
	return Result{OK: true, Chunks: len(chunks)}, nil
}

func (b *Builder) embed(ctx context.Context, chunks []chunk.Chunk) ([][]float32, error) {
	out := make([][]float32, 0, len(chunks))
	for start := 0; start < len(chunks); start += b.batchSize {
		end := min(start+b.batchSize, len(chunks))
		texts := make([]string, 0, end-start)
		for _, c := range chunks[start:end] {
			texts = append(texts, c.Text)
		}
		vecs, err := b.embedder.EmbedMany(ctx, texts)
		if err != nil {
			return nil, fmt.Errorf("embed chunks %d-%d: %w", start, end-1, err)
		}
		if len(vecs) != len(texts) {
			return nil, fmt.Errorf("embed chunks %d-%d: got %d vectors", start, end-1, len(vecs))
		}
		out = append(out, vecs...)
	}
	dim := len(out[0])
	for i, v := range out {
		if len(v) == 0 || len(v) != dim {
			return nil, fmt.Errorf("chunk %d: embedding dimension %d, want %d", i, len(v), dim)
		}
	}
	return out, nil
}
