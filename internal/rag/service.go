// Package rag composes index building, dual-channel retrieval, fusion,
// reranking, gating and citation assembly behind the build and search entry
// points.
package rag

import (
	"context"
	"errors"
	"log"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/mohammad-safakhou/docqa/internal/citation"
	"github.com/mohammad-safakhou/docqa/internal/gate"
	"github.com/mohammad-safakhou/docqa/internal/index"
	"github.com/mohammad-safakhou/docqa/internal/rerank"
	"github.com/mohammad-safakhou/docqa/internal/retrieval"
)

var tracer = otel.Tracer("docqa/rag")

var gateDecisions = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "docqa_gate_decisions_total",
	Help: "Relevance gate outcomes by branch and reason",
}, []string{"branch", "reason"})

const (
	DefaultSearchK = 5
	DefaultChatK   = 3
)

// Builder builds the index of one file.
type Builder interface {
	Build(ctx context.Context, fileID string) (index.Result, error)
}

// Retriever runs both retrieval channels.
type Retriever interface {
	Retrieve(ctx context.Context, fileID, query string, k int) (retrieval.Hits, error)
}

// Reranker reorders fused results.
type Reranker interface {
	Rerank(ctx context.Context, query string, fused []retrieval.FusedResult, topK int) []rerank.Result
}

// Decider is the relevance gate.
type Decider interface {
	Decide(ctx context.Context, question string, denseScores []float64, contextText string) gate.Decision
}

// SearchResult is the outcome of Search.
type SearchResult struct {
	OK          bool                `json:"ok"`
	Citations   []citation.Citation `json:"citations"`
	ContextText string              `json:"context_text"`
}

// Prepared is the gated evidence for one chat question. Citations and
// ContextText are empty on the no_context branch.
type Prepared struct {
	Decision    gate.Decision
	Citations   []citation.Citation
	ContextText string
}

// Service is the retrieval core.
type Service struct {
	builder   Builder
	retriever Retriever
	reranker  Reranker
	gate      Decider
	rrfK      int
	chatK     int
	citeOpts  []citation.Option
	logger    *log.Logger
}

type Option func(*Service)

// WithReranker enables reranking of the fused list.
func WithReranker(r Reranker) Option {
	return func(s *Service) { s.reranker = r }
}

// WithRRFK sets the fusion smoothing constant.
func WithRRFK(k int) Option {
	return func(s *Service) {
		if k > 0 {
			s.rrfK = k
		}
	}
}

// WithChatK sets how many results condition a chat answer.
func WithChatK(k int) Option {
	return func(s *Service) {
		if k > 0 {
			s.chatK = k
		}
	}
}

func WithCitationOptions(opts ...citation.Option) Option {
	return func(s *Service) { s.citeOpts = append(s.citeOpts, opts...) }
}

func WithLogger(l *log.Logger) Option {
	return func(s *Service) {
		if l != nil {
			s.logger = l
		}
	}
}

func New(builder Builder, retriever Retriever, decider Decider, opts ...Option) *Service {
	s := &Service{
		builder:   builder,
		retriever: retriever,
		gate:      decider,
		rrfK:      retrieval.DefaultRRFK,
		chatK:     DefaultChatK,
		logger:    log.New(log.Writer(), "[RAG] ", log.LstdFlags),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Build (re)builds the index of fileID.
func (s *Service) Build(ctx context.Context, fileID string) (index.Result, error) {
	ctx, span := tracer.Start(ctx, "rag.Build")
	defer span.End()
	span.SetAttributes(attribute.String("file_id", fileID))
	res, err := s.builder.Build(ctx, fileID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		s.logger.Printf("build failed file=%s: %v", fileID, err)
		return index.Result{OK: false}, err
	}
	span.SetAttributes(attribute.Int("chunks", res.Chunks))
	return res, nil
}

func (s *Service) rerank(ctx context.Context, query string, fused []retrieval.FusedResult, k int) []rerank.Result {
	if s.reranker != nil {
		return s.reranker.Rerank(ctx, query, fused, k)
	}
	return head(fused, k)
}

// head keeps the fused order of the first k results.
func head(fused []retrieval.FusedResult, k int) []rerank.Result {
	n := min(k, len(fused))
	out := make([]rerank.Result, n)
	for i := 0; i < n; i++ {
		out[i] = rerank.Result{FusedResult: fused[i]}
	}
	return out
}

// Search returns the top k citations for query and their context text.
func (s *Service) Search(ctx context.Context, fileID, query string, k int) (SearchResult, error) {
	ctx, span := tracer.Start(ctx, "rag.Search")
	defer span.End()
	if k <= 0 {
		k = DefaultSearchK
	}
	span.SetAttributes(attribute.String("file_id", fileID), attribute.Int("k", k))

	hits, err := s.retriever.Retrieve(ctx, fileID, query, k)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return SearchResult{OK: false}, err
	}
	fused := retrieval.Fuse(hits.Dense, hits.Sparse, s.rrfK)
	cites, contextText := citation.Assemble(fileID, s.rerank(ctx, query, fused, k), s.citeOpts...)
	return SearchResult{OK: true, Citations: cites, ContextText: contextText}, nil
}

// Prepare gathers and gates the evidence for a chat question. No file or a
// file without an index answers without context.
func (s *Service) Prepare(ctx context.Context, fileID, question string) (Prepared, error) {
	ctx, span := tracer.Start(ctx, "rag.Prepare")
	defer span.End()
	span.SetAttributes(attribute.String("file_id", fileID))

	noContext := func(reason gate.Reason) Prepared {
		d := gate.Decision{Branch: gate.NoContext, Reason: reason}
		gateDecisions.WithLabelValues(string(d.Branch), string(d.Reason)).Inc()
		return Prepared{Decision: d}
	}
	if strings.TrimSpace(fileID) == "" {
		return noContext(gate.ReasonNoHits), nil
	}

	hits, err := s.retriever.Retrieve(ctx, fileID, question, s.chatK)
	if err != nil {
		if errors.Is(err, index.ErrNotFound) {
			s.logger.Printf("no index for file=%s, answering without context", fileID)
			return noContext(gate.ReasonNoHits), nil
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return Prepared{}, err
	}
	fused := retrieval.Fuse(hits.Dense, hits.Sparse, s.rrfK)

	// The gate sees the fused top-k before any reranking.
	_, gateContext := citation.Assemble(fileID, head(fused, s.chatK), s.citeOpts...)
	decision := s.gate.Decide(ctx, question, hits.DenseScores(3), gateContext)
	gateDecisions.WithLabelValues(string(decision.Branch), string(decision.Reason)).Inc()
	span.SetAttributes(attribute.String("branch", string(decision.Branch)), attribute.String("reason", string(decision.Reason)))
	if decision.Branch != gate.WithContext {
		return Prepared{Decision: decision}, nil
	}

	cites, contextText := citation.Assemble(fileID, s.rerank(ctx, question, fused, s.chatK), s.citeOpts...)
	return Prepared{Decision: decision, Citations: cites, ContextText: contextText}, nil
}
