// Package retrieval runs a query against the dense and sparse channels of a
// file index and fuses their rankings.
package retrieval

import (
	"context"
	"fmt"
	"log"
	"sort"
	"strconv"

	"github.com/blevesearch/bleve"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"

	"github.com/mohammad-safakhou/docqa/internal/chunk"
	"github.com/mohammad-safakhou/docqa/internal/index"
)

var tracer = otel.Tracer("docqa/retrieval")

// Channel names a retrieval channel.
type Channel string

const (
	Dense  Channel = "dense"
	Sparse Channel = "sparse"
)

// Candidate is one channel hit. ChunkID is the chunk ordinal shared by both
// channels of the same index.
type Candidate struct {
	ChunkID int
	Chunk   chunk.Chunk
	Score   float64
	Channel Channel
}

// Hits holds the ranked output of both channels. Dense scores are squared L2
// distances (lower is closer); sparse scores are bleve relevance scores.
type Hits struct {
	Dense  []Candidate
	Sparse []Candidate
}

// IndexSource loads persisted indices.
type IndexSource interface {
	Load(fileID string) (*index.Index, error)
}

// Retriever executes both channels independently.
type Retriever struct {
	source    IndexSource
	embedder  index.Embedder
	overFetch int
	logger    *log.Logger
}

type Option func(*Retriever)

// WithOverFetch sets the per-channel multiplier applied to k.
func WithOverFetch(n int) Option {
	return func(r *Retriever) {
		if n > 0 {
			r.overFetch = n
		}
	}
}

func WithLogger(l *log.Logger) Option {
	return func(r *Retriever) {
		if l != nil {
			r.logger = l
		}
	}
}

func NewRetriever(source IndexSource, embedder index.Embedder, opts ...Option) *Retriever {
	r := &Retriever{
		source:    source,
		embedder:  embedder,
		overFetch: 3,
		logger:    log.New(log.Writer(), "[RETRIEVE] ", log.LstdFlags),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Retrieve returns up to overFetch*k hits per channel. A missing index fails
// with index.ErrNotFound; a failing channel is logged and comes back empty.
func (r *Retriever) Retrieve(ctx context.Context, fileID, query string, k int) (Hits, error) {
	ctx, span := tracer.Start(ctx, "retrieval.Retrieve")
	defer span.End()
	span.SetAttributes(attribute.String("file_id", fileID), attribute.Int("k", k))

	if k <= 0 {
		k = 1
	}
	idx, err := r.source.Load(fileID)
	if err != nil {
		span.RecordError(err)
		return Hits{}, err
	}
	limit := k * r.overFetch

	var hits Hits
	var g errgroup.Group
	g.Go(func() error {
		dense, err := r.dense(ctx, idx, query, limit)
		if err != nil {
			r.logger.Printf("dense channel failed file=%s: %v", fileID, err)
			return nil
		}
		hits.Dense = dense
		return nil
	})
	g.Go(func() error {
		sparse, err := sparseSearch(idx.Chunks, query, limit)
		if err != nil {
			r.logger.Printf("sparse channel failed file=%s: %v", fileID, err)
			return nil
		}
		hits.Sparse = sparse
		return nil
	})
	_ = g.Wait()

	span.SetAttributes(attribute.Int("dense_hits", len(hits.Dense)), attribute.Int("sparse_hits", len(hits.Sparse)))
	return hits, nil
}

func (r *Retriever) dense(ctx context.Context, idx *index.Index, query string, limit int) ([]Candidate, error) {
	if r.embedder == nil {
		return nil, fmt.Errorf("no embedder configured")
	}
	q, err := r.embedder.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}
	if idx.Meta.Dimension > 0 && len(q) != idx.Meta.Dimension {
		return nil, fmt.Errorf("query dimension %d does not match index dimension %d", len(q), idx.Meta.Dimension)
	}
	return nearest(idx, q, limit), nil
}

// nearest ranks every vector by squared L2 distance to q.
func nearest(idx *index.Index, q []float32, limit int) []Candidate {
	out := make([]Candidate, 0, len(idx.Vectors))
	for i, v := range idx.Vectors {
		out = append(out, Candidate{
			ChunkID: i,
			Chunk:   idx.Chunks[i],
			Score:   squaredL2(q, v),
			Channel: Dense,
		})
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Score < out[j].Score })
	if len(out) > limit {
		out = out[:limit]
	}
	return out
}

func squaredL2(a, b []float32) float64 {
	var sum float64
	n := min(len(a), len(b))
	for i := 0; i < n; i++ {
		d := float64(a[i]) - float64(b[i])
		sum += d * d
	}
	return sum
}

type sparseDoc struct {
	Text string `json:"text"`
}

// sparseSearch builds a throwaway in-memory term index over chunks and runs
// a match query against it.
func sparseSearch(chunks []chunk.Chunk, query string, limit int) ([]Candidate, error) {
	mem, err := bleve.NewMemOnly(bleve.NewIndexMapping())
	if err != nil {
		return nil, fmt.Errorf("open term index: %w", err)
	}
	defer mem.Close()

	batch := mem.NewBatch()
	for i, c := range chunks {
		if err := batch.Index(strconv.Itoa(i), sparseDoc{Text: c.Text}); err != nil {
			return nil, fmt.Errorf("index chunk %d: %w", i, err)
		}
	}
	if err := mem.Batch(batch); err != nil {
		return nil, fmt.Errorf("index chunks: %w", err)
	}

	req := bleve.NewSearchRequestOptions(bleve.NewMatchQuery(query), limit, 0, false)
	res, err := mem.Search(req)
	if err != nil {
		return nil, fmt.Errorf("term search: %w", err)
	}
	out := make([]Candidate, 0, len(res.Hits))
	for _, hit := range res.Hits {
		id, err := strconv.Atoi(hit.ID)
		if err != nil || id < 0 || id >= len(chunks) {
			continue
		}
		out = append(out, Candidate{ChunkID: id, Chunk: chunks[id], Score: hit.Score, Channel: Sparse})
	}
	return out, nil
}

// DenseScores returns the scores of the first n dense hits.
func (h Hits) DenseScores(n int) []float64 {
	out := make([]float64, 0, n)
	for i := 0; i < len(h.Dense) && i < n; i++ {
		out = append(out, h.Dense[i].Score)
	}
	return out
}
