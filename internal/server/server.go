// Package server exposes the document QA HTTP API.
package server

import (
	"context"
	"log"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/mohammad-safakhou/docqa/config"
	"github.com/mohammad-safakhou/docqa/internal/answer"
	"github.com/mohammad-safakhou/docqa/internal/catalog"
	"github.com/mohammad-safakhou/docqa/internal/citation"
	"github.com/mohammad-safakhou/docqa/internal/index"
	"github.com/mohammad-safakhou/docqa/internal/parsejob"
	"github.com/mohammad-safakhou/docqa/internal/rag"
	"github.com/mohammad-safakhou/docqa/internal/runtime"
	"github.com/mohammad-safakhou/docqa/internal/session"
	"github.com/mohammad-safakhou/docqa/internal/workspace"
)

// Knowledge is the retrieval core behind chat and the index endpoints.
type Knowledge interface {
	Build(ctx context.Context, fileID string) (index.Result, error)
	Search(ctx context.Context, fileID, query string, k int) (rag.SearchResult, error)
	Prepare(ctx context.Context, fileID, question string) (rag.Prepared, error)
}

// Answerer streams the answer of a gated request.
type Answerer interface {
	Run(ctx context.Context, req answer.Request, emit func(answer.Event) error) (answer.Outcome, error)
}

// Parser starts background preparation of a file.
type Parser interface {
	Start(ctx context.Context, fileID string) (parsejob.Job, error)
}

// Deps are the collaborators of the API.
type Deps struct {
	Version     string
	Layout      workspace.Layout
	Catalog     catalog.Catalog
	Knowledge   Knowledge
	Answerer    Answerer
	Sessions    session.Store
	Tracker     *parsejob.Tracker
	Parser      Parser
	Registry    *citation.Registry
	Telemetry   *runtime.Telemetry
	SearchK     int
	JWTSecret   []byte // nil disables auth
	CORSOrigins []string
	Logger      *log.Logger
}

// New builds the echo instance serving /api/v1.
func New(d Deps) *echo.Echo {
	if d.Logger == nil {
		d.Logger = log.New(log.Writer(), "[HTTP] ", log.LstdFlags)
	}
	if d.Registry == nil {
		d.Registry = citation.NewRegistry(0)
	}
	if d.Tracker == nil {
		d.Tracker = parsejob.NewTracker()
	}
	if d.Telemetry == nil {
		d.Telemetry, _ = runtime.SetupTelemetry(context.Background(), config.TelemetryConfig{}, runtime.TelemetryOptions{})
	}
	if d.SearchK <= 0 {
		d.SearchK = rag.DefaultSearchK
	}
	origins := d.CORSOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
	e.HTTPErrorHandler = errorHandler(d.Logger)
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins:     origins,
		AllowMethods:     []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowHeaders:     []string{echo.HeaderContentType, echo.HeaderAuthorization, "Cookie"},
		AllowCredentials: true,
	}))

	api := e.Group("/api/v1")
	api.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]any{"ok": true, "version": d.Version})
	})
	api.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	protected := api.Group("")
	if len(d.JWTSecret) > 0 {
		protected.Use(runtime.EchoAuthMiddleware(d.JWTSecret))
	}
	(&ChatHandler{
		knowledge: d.Knowledge,
		answerer:  d.Answerer,
		sessions:  d.Sessions,
		telemetry: d.Telemetry,
		logger:    d.Logger,
	}).Register(protected)
	(&FilesHandler{
		layout:    d.Layout,
		catalog:   d.Catalog,
		tracker:   d.Tracker,
		parser:    d.Parser,
		registry:  d.Registry,
		telemetry: d.Telemetry,
		logger:    d.Logger,
	}).Register(protected.Group("/pdf"))
	(&IndexHandler{
		catalog:   d.Catalog,
		knowledge: d.Knowledge,
		registry:  d.Registry,
		searchK:   d.SearchK,
		logger:    d.Logger,
	}).Register(protected.Group("/index"))
	return e
}
