package server

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/mohammad-safakhou/docqa/config"
	"github.com/mohammad-safakhou/docqa/internal/answer"
	"github.com/mohammad-safakhou/docqa/internal/catalog"
	"github.com/mohammad-safakhou/docqa/internal/citation"
	"github.com/mohammad-safakhou/docqa/internal/gate"
	"github.com/mohammad-safakhou/docqa/internal/index"
	"github.com/mohammad-safakhou/docqa/internal/ingest"
	"github.com/mohammad-safakhou/docqa/internal/llm"
	"github.com/mohammad-safakhou/docqa/internal/parsejob"
	"github.com/mohammad-safakhou/docqa/internal/rag"
	"github.com/mohammad-safakhou/docqa/internal/rerank"
	"github.com/mohammad-safakhou/docqa/internal/retrieval"
	"github.com/mohammad-safakhou/docqa/internal/runtime"
	"github.com/mohammad-safakhou/docqa/internal/session"
	"github.com/mohammad-safakhou/docqa/internal/workspace"
)

// Version is reported by /health.
var Version = "dev"

// App is the fully wired service.
type App struct {
	Config       *config.Config
	Layout       workspace.Layout
	RAG          *rag.Service
	Orchestrator *answer.Orchestrator
	Sessions     session.Store
	Catalog      catalog.Catalog
	Tracker      *parsejob.Tracker
	Runner       *parsejob.Runner
	Registry     *citation.Registry
	Telemetry    *runtime.Telemetry

	closers []func() error
}

// NewEmbedder returns the configured dense embedding provider.
func NewEmbedder(cfg config.EmbeddingConfig) (index.Embedder, error) {
	switch cfg.Provider {
	case "openai":
		return llm.NewOpenAIEmbedder(cfg.BaseURL, cfg.APIKey, cfg.Model, cfg.Timeout)
	case "ollama":
		return llm.NewOllamaEmbedder(cfg.BaseURL, cfg.Model, cfg.Timeout), nil
	default:
		return nil, fmt.Errorf("unknown embedding provider %q", cfg.Provider)
	}
}

// NewRAG wires the retrieval core. chat may be nil, in which case the gate
// decides on the score heuristic alone.
func NewRAG(cfg *config.Config, layout workspace.Layout, chat *llm.Client) (*rag.Service, error) {
	emb, err := NewEmbedder(cfg.Embedding)
	if err != nil {
		return nil, err
	}
	store := index.NewStore(layout)
	builder := index.NewBuilder(layout, store, emb)
	retriever := retrieval.NewRetriever(store, emb, retrieval.WithOverFetch(cfg.Retrieval.OverFetch))

	var verifier gate.Verifier
	if chat != nil {
		verifier = gate.VerifierFunc(chat.Ask)
	}
	g := gate.New(verifier, gate.WithThresholds(cfg.Gate.Top1, cfg.Gate.Mean3))

	opts := []rag.Option{rag.WithRRFK(cfg.Retrieval.RRFK)}
	if cfg.Rerank.Enabled {
		opts = append(opts, rag.WithReranker(rerank.New(rerank.NewHTTPLoader(cfg.Rerank.BaseURL, cfg.Rerank.Model, cfg.Rerank.Timeout))))
	}
	return rag.New(builder, retriever, g, opts...), nil
}

// NewApp builds every collaborator from cfg.
func NewApp(ctx context.Context, cfg *config.Config) (*App, error) {
	a := &App{
		Config:   cfg,
		Layout:   workspace.New(cfg.File.DataDir),
		Tracker:  parsejob.NewTracker(),
		Registry: citation.NewRegistry(0),
	}
	var err error
	if a.Telemetry, err = runtime.SetupTelemetry(ctx, cfg.Telemetry, runtime.TelemetryOptions{ServiceVersion: Version}); err != nil {
		return nil, err
	}

	chat, err := llm.NewClient(llm.Config{
		BaseURL:     cfg.LLM.BaseURL,
		APIKey:      cfg.LLM.APIKey,
		Model:       cfg.LLM.Model,
		Temperature: cfg.LLM.Temperature,
		Timeout:     cfg.LLM.Timeout,
	})
	if err != nil {
		return nil, err
	}
	if a.RAG, err = NewRAG(cfg, a.Layout, chat); err != nil {
		return nil, err
	}

	switch cfg.Storage.SessionBackend {
	case "redis":
		client, err := session.NewRedisClient(ctx, cfg.Storage.Redis.Addr(), cfg.Storage.Redis.Password, cfg.Storage.Redis.DB)
		if err != nil {
			return nil, fmt.Errorf("redis connection failed (%s): %w", cfg.Storage.Redis.Addr(), err)
		}
		a.closers = append(a.closers, client.Close)
		a.Sessions = session.NewRedis(client, cfg.Storage.SessionTTL)
	default:
		a.Sessions = session.NewInMemory()
	}

	if cfg.Storage.Postgres.Enabled() {
		dsn, err := runtime.BuildPostgresDSN(cfg)
		if err != nil {
			return nil, err
		}
		st, err := catalog.NewWithDSN(ctx, dsn)
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("postgres: %w", err)
		}
		a.closers = append(a.closers, st.Close)
		a.Catalog = st
	} else {
		log.Printf("storage.postgres not configured, keeping the file catalog in memory")
		a.Catalog = catalog.NewMemory()
	}

	var popts []ingest.Option
	if cfg.Ingest.RenderPages {
		popts = append(popts, ingest.WithRenderer(ingest.ChromeRenderer{Timeout: cfg.Ingest.ChromeTimeout, Width: cfg.Ingest.PageWidth}))
	}
	pipeline := ingest.NewPipeline(a.Layout, popts...)
	a.Runner = parsejob.NewRunner(a.Tracker, pipeline.Stages(), parsejob.OnReady(a.markParsed))

	generator := answer.WithFallback(chat, chat, cfg.Answer.ChunkSize, nil)
	a.Orchestrator = answer.NewOrchestrator(generator, a.Sessions,
		answer.WithRegistry(a.Registry),
		answer.WithPreviewLimit(cfg.Answer.PreviewLimit),
	)
	return a, nil
}

// markParsed records a finished preparation in the catalog.
func (a *App) markParsed(ctx context.Context, fileID string) error {
	path, err := a.Layout.FindOriginal(fileID)
	if err != nil {
		return err
	}
	pages, err := ingest.CountPages(path)
	if err != nil {
		return err
	}
	return a.Catalog.MarkParsed(ctx, fileID, pages)
}

func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		_ = a.closers[i]()
	}
	a.closers = nil
}

// Handler returns the HTTP API of a.
func (a *App) Handler() (http.Handler, error) {
	var secret []byte
	if a.Config.Server.AuthEnabled {
		s, err := runtime.LoadJWTSecret(a.Config)
		if err != nil {
			return nil, err
		}
		secret = s
	}
	return New(Deps{
		Version:     Version,
		Layout:      a.Layout,
		Catalog:     a.Catalog,
		Knowledge:   a.RAG,
		Answerer:    a.Orchestrator,
		Sessions:    a.Sessions,
		Tracker:     a.Tracker,
		Parser:      a.Runner,
		Registry:    a.Registry,
		Telemetry:   a.Telemetry,
		SearchK:     a.Config.Retrieval.K,
		JWTSecret:   secret,
		CORSOrigins: a.Config.Server.CORSOrigins,
	}), nil
}

// Run serves the API on addr until ctx is cancelled.
func Run(ctx context.Context, cfg *config.Config, addr string) error {
	app, err := NewApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer app.Close()
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := app.Telemetry.Shutdown(flushCtx); err != nil {
			log.Printf("telemetry shutdown: %v", err)
		}
	}()
	h, err := app.Handler()
	if err != nil {
		return err
	}
	if addr == "" {
		addr = cfg.Server.Address
	}
	srv := &http.Server{Addr: addr, Handler: h, ReadHeaderTimeout: 10 * time.Second}
	errCh := make(chan error, 1)
	go func() {
		log.Printf("listening on %s", addr)
		errCh <- srv.ListenAndServe()
	}()
	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}
