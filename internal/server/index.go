package server

import (
	"log"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/mohammad-safakhou/docqa/internal/catalog"
	"github.com/mohammad-safakhou/docqa/internal/citation"
	"github.com/mohammad-safakhou/docqa/internal/index"
)

type BuildRequest struct {
	FileID string `json:"fileId"`
}

type SearchRequest struct {
	FileID string `json:"fileId"`
	Query  string `json:"query"`
	K      int    `json:"k"`
}

// IndexHandler serves index build and search.
type IndexHandler struct {
	catalog   catalog.Catalog
	knowledge Knowledge
	registry  *citation.Registry
	searchK   int
	logger    *log.Logger
}

func (h *IndexHandler) Register(g *echo.Group) {
	g.POST("/build", h.build)
	g.POST("/search", h.search)
}

// indexError maps a typed index failure onto status with its code.
func indexError(err error, status int) error {
	if code, ok := index.CodeOf(err); ok {
		return apiError(status, string(code), err.Error())
	}
	return err
}

func (h *IndexHandler) build(c echo.Context) error {
	var body BuildRequest
	if err := c.Bind(&body); err != nil {
		return apiError(http.StatusBadRequest, CodeInvalidArgument, "invalid json body")
	}
	fileID, err := requireFileID(body.FileID)
	if err != nil {
		return err
	}
	ctx := c.Request().Context()
	f, ok, err := h.catalog.Get(ctx, fileID)
	if err != nil {
		return err
	}
	if !ok {
		return apiError(http.StatusNotFound, CodeFileNotFound, "file not found: "+fileID)
	}
	if !f.IsParsed {
		return apiError(http.StatusConflict, CodeNeedParseFirst, "parse the file before building its index")
	}
	res, err := h.knowledge.Build(ctx, fileID)
	if err != nil {
		return indexError(err, http.StatusInternalServerError)
	}
	h.registry.ForgetFile(fileID)
	if err := h.catalog.MarkIndexed(ctx, fileID); err != nil {
		h.logger.Printf("mark indexed file=%s: %v", fileID, err)
	}
	return c.JSON(http.StatusOK, res)
}

func (h *IndexHandler) search(c echo.Context) error {
	var body SearchRequest
	if err := c.Bind(&body); err != nil {
		return apiError(http.StatusBadRequest, CodeInvalidArgument, "invalid json body")
	}
	fileID, err := requireFileID(body.FileID)
	if err != nil {
		return err
	}
	if strings.TrimSpace(body.Query) == "" {
		return apiError(http.StatusBadRequest, CodeInvalidArgument, "query required")
	}
	k := body.K
	if k <= 0 {
		k = h.searchK
	}
	res, err := h.knowledge.Search(c.Request().Context(), fileID, body.Query, k)
	if err != nil {
		return indexError(err, http.StatusBadRequest)
	}
	h.registry.Put(res.Citations...)
	if res.Citations == nil {
		res.Citations = []citation.Citation{}
	}
	return c.JSON(http.StatusOK, res)
}
