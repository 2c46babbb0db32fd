// Package rerank rescales fused retrieval results with a pairwise relevance
// model.
package rerank

import (
	"context"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/mohammad-safakhou/docqa/internal/retrieval"
)

// Scorer assigns a relevance score to each (query, passage) pair.
type Scorer interface {
	Score(ctx context.Context, query string, passages []string) ([]float64, error)
}

// Loader prepares a Scorer. It is called lazily on first use.
type Loader func(ctx context.Context) (Scorer, error)

// Result is a fused result with its rerank score. Reranked is false when the
// scorer was unavailable and the rrf order was kept.
type Result struct {
	retrieval.FusedResult
	RerankScore float64
	Reranked    bool
}

// Score is the ordering key of r.
func (r Result) Score() float64 {
	if r.Reranked {
		return r.RerankScore
	}
	return r.RRFScore
}

// Reranker loads its scorer on demand and degrades to the incoming order
// whenever loading or scoring fails.
type Reranker struct {
	load       Loader
	retryAfter time.Duration
	logger     *log.Logger
	now        func() time.Time

	mu       sync.Mutex
	scorer   Scorer
	failedAt time.Time
}

type Option func(*Reranker)

// WithRetryAfter sets how long a failed load is remembered before the next
// attempt.
func WithRetryAfter(d time.Duration) Option {
	return func(r *Reranker) { r.retryAfter = d }
}

func WithLogger(l *log.Logger) Option {
	return func(r *Reranker) {
		if l != nil {
			r.logger = l
		}
	}
}

// New returns a reranker. A nil loader yields a reranker that never reorders.
func New(load Loader, opts ...Option) *Reranker {
	r := &Reranker{
		load:       load,
		retryAfter: time.Minute,
		logger:     log.New(log.Writer(), "[RERANK] ", log.LstdFlags),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *Reranker) get(ctx context.Context) (Scorer, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.scorer != nil {
		return r.scorer, nil
	}
	if r.load == nil {
		return nil, fmt.Errorf("no reranker configured")
	}
	if !r.failedAt.IsZero() && r.now().Sub(r.failedAt) < r.retryAfter {
		return nil, fmt.Errorf("reranker unavailable since %s", r.failedAt.Format(time.RFC3339))
	}
	s, err := r.load(ctx)
	if err != nil {
		r.failedAt = r.now()
		return nil, fmt.Errorf("load reranker: %w", err)
	}
	r.scorer = s
	r.failedAt = time.Time{}
	return s, nil
}

// Rerank scores every candidate against query and returns the best topK.
// Ties keep the incoming fused order.
func (r *Reranker) Rerank(ctx context.Context, query string, fused []retrieval.FusedResult, topK int) []Result {
	if topK <= 0 || topK > len(fused) {
		topK = len(fused)
	}
	if len(fused) == 0 {
		return nil
	}
	scorer, err := r.get(ctx)
	if err != nil {
		r.logger.Printf("skipping rerank: %v", err)
		return passthrough(fused, topK)
	}
	passages := make([]string, len(fused))
	for i, f := range fused {
		passages[i] = f.Chunk.Text
	}
	scores, err := scorer.Score(ctx, query, passages)
	if err != nil {
		r.logger.Printf("rerank scoring failed: %v", err)
		return passthrough(fused, topK)
	}
	if len(scores) != len(fused) {
		r.logger.Printf("rerank returned %d scores for %d candidates", len(scores), len(fused))
		return passthrough(fused, topK)
	}
	out := make([]Result, len(fused))
	for i, f := range fused {
		out[i] = Result{FusedResult: f, RerankScore: scores[i], Reranked: true}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].RerankScore > out[j].RerankScore })
	return out[:topK]
}

func passthrough(fused []retrieval.FusedResult, topK int) []Result {
	out := make([]Result, topK)
	for i := 0; i < topK; i++ {
		out[i] = Result{FusedResult: fused[i]}
	}
	return out
}
