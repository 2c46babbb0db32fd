package server

import (
	"errors"
	"fmt"
	"io"
	"log"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/mohammad-safakhou/docqa/internal/catalog"
	"github.com/mohammad-safakhou/docqa/internal/citation"
	"github.com/mohammad-safakhou/docqa/internal/ingest"
	"github.com/mohammad-safakhou/docqa/internal/parsejob"
	"github.com/mohammad-safakhou/docqa/internal/runtime"
	"github.com/mohammad-safakhou/docqa/internal/workspace"
)

const maxUpload = "64M"

type UploadResponse struct {
	FileID string `json:"fileId"`
	Name   string `json:"name"`
	Pages  int    `json:"pages"`
}

type ParseRequest struct {
	FileID string `json:"fileId"`
}

type ParseResponse struct {
	JobID string `json:"jobId"`
}

type StatusResponse struct {
	Status   parsejob.Status `json:"status"`
	Progress int             `json:"progress"`
	ErrorMsg string          `json:"errorMsg,omitempty"`
}

type FileNamesResponse struct {
	Files []catalog.Entry `json:"files"`
}

// FileByNameRequest reopens a previously uploaded file by its random name.
type FileByNameRequest struct {
	FileID string `json:"file_id"`
}

type PagesResponse struct {
	Pages int `json:"pages"`
}

// FilesHandler serves upload, preparation and page preview endpoints.
type FilesHandler struct {
	layout    workspace.Layout
	catalog   catalog.Catalog
	tracker   *parsejob.Tracker
	parser    Parser
	registry  *citation.Registry
	telemetry *runtime.Telemetry
	logger    *log.Logger
}

func (h *FilesHandler) Register(g *echo.Group) {
	g.POST("/upload", h.upload, middleware.BodyLimit(maxUpload))
	g.POST("/parse", h.parse)
	g.GET("/status", h.status)
	g.GET("/page", h.page)
	g.POST("/file-by-name", h.fileByName)
	g.GET("/file_names", h.fileNames)
	g.GET("/pages", h.pages)
	g.GET("/chunk", h.chunk)
}

// NewFileID returns "f_" followed by eight lowercase hex characters.
func NewFileID() string {
	return "f_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
}

func requireFileID(id string) (string, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return "", apiError(http.StatusBadRequest, CodeFileIDRequired, "fileId required")
	}
	if !workspace.ValidID(id) {
		return "", apiError(http.StatusBadRequest, CodeInvalidArgument, "malformed fileId")
	}
	return id, nil
}

func (h *FilesHandler) upload(c echo.Context) error {
	fh, err := c.FormFile("file")
	if err != nil {
		return apiError(http.StatusBadRequest, CodeFileRequired, "multipart field \"file\" required")
	}
	ext := strings.ToLower(filepath.Ext(fh.Filename))
	if !ingest.Supported(ext) {
		return apiError(http.StatusBadRequest, CodeUnsupportedType, fmt.Sprintf("unsupported file type %q", ext))
	}
	ctx := c.Request().Context()
	fileID := NewFileID()
	if err := h.layout.Ensure(fileID); err != nil {
		return err
	}
	dst := h.layout.Original(fileID, ext)
	if err := saveUpload(fh, dst); err != nil {
		_ = os.RemoveAll(h.layout.Dir(fileID))
		return err
	}
	pages, err := ingest.CountPages(dst)
	if err != nil {
		_ = os.RemoveAll(h.layout.Dir(fileID))
		return apiError(http.StatusBadRequest, CodeInvalidArgument, "unreadable document: "+err.Error())
	}
	h.tracker.Reset(fileID)
	h.registry.ForgetFile(fileID)
	name := filepath.Base(fh.Filename)
	if _, err := h.catalog.Add(ctx, name, fileID, pages); err != nil {
		_ = os.RemoveAll(h.layout.Dir(fileID))
		return err
	}
	h.telemetry.Uploads.Add(ctx, 1)
	h.logger.Printf("uploaded file=%s name=%q pages=%d", fileID, name, pages)
	return c.JSON(http.StatusOK, UploadResponse{FileID: fileID, Name: name, Pages: pages})
}

func saveUpload(fh *multipart.FileHeader, dst string) error {
	src, err := fh.Open()
	if err != nil {
		return err
	}
	defer src.Close()
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, src); err != nil {
		_ = out.Close()
		return err
	}
	return out.Close()
}

func (h *FilesHandler) parse(c echo.Context) error {
	var body ParseRequest
	if err := c.Bind(&body); err != nil {
		return apiError(http.StatusBadRequest, CodeInvalidArgument, "invalid json body")
	}
	fileID, err := requireFileID(body.FileID)
	if err != nil {
		return err
	}
	ctx := c.Request().Context()
	if _, ok, err := h.catalog.Get(ctx, fileID); err != nil {
		return err
	} else if !ok {
		return apiError(http.StatusNotFound, CodeFileNotFound, "file not found: "+fileID)
	}
	job, err := h.parser.Start(ctx, fileID)
	if errors.Is(err, parsejob.ErrInProgress) {
		return apiError(http.StatusConflict, CodeJobInProgress, "a parse job is already running for "+fileID)
	}
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, ParseResponse{JobID: job.ID})
}

func (h *FilesHandler) status(c echo.Context) error {
	fileID, err := requireFileID(c.QueryParam("fileId"))
	if err != nil {
		return err
	}
	job := h.tracker.Get(fileID)
	resp := StatusResponse{Status: job.Status, Progress: job.Progress}
	if job.Status == parsejob.StatusError {
		resp.ErrorMsg = job.ErrorMsg
	}
	return c.JSON(http.StatusOK, resp)
}

// page serves a rendered page image. Parsed pages are 204 until the file
// has been prepared.
func (h *FilesHandler) page(c echo.Context) error {
	fileID, err := requireFileID(c.QueryParam("fileId"))
	if err != nil {
		return err
	}
	return h.servePage(c, fileID)
}

// fileByName reopens a catalogued file and serves one of its pages.
func (h *FilesHandler) fileByName(c echo.Context) error {
	var body FileByNameRequest
	if err := c.Bind(&body); err != nil {
		return apiError(http.StatusBadRequest, CodeInvalidArgument, "invalid json body")
	}
	fileID, err := requireFileID(body.FileID)
	if err != nil {
		return err
	}
	if _, ok, err := h.catalog.Get(c.Request().Context(), fileID); err != nil {
		return err
	} else if !ok {
		return apiError(http.StatusNotFound, CodeFileNotFound, "file not found: "+fileID)
	}
	return h.servePage(c, fileID)
}

func (h *FilesHandler) servePage(c echo.Context, fileID string) error {
	page, err := strconv.Atoi(c.QueryParam("page"))
	if err != nil || page < 1 {
		return apiError(http.StatusBadRequest, CodeInvalidArgument, "page must be a positive integer")
	}
	kind := workspace.PageKind(c.QueryParam("type"))
	switch kind {
	case "":
		kind = workspace.PageOriginal
	case workspace.PageOriginal, workspace.PageParsed:
	default:
		return apiError(http.StatusBadRequest, CodeInvalidArgument, "type must be original or parsed")
	}
	status := h.tracker.Get(fileID).Status
	if kind == workspace.PageParsed && status == parsejob.StatusParsing {
		return c.NoContent(http.StatusNoContent)
	}
	path := h.layout.PagePath(fileID, kind, page)
	if _, err := os.Stat(path); err != nil {
		if kind == workspace.PageParsed && status != parsejob.StatusReady {
			return c.NoContent(http.StatusNoContent)
		}
		return apiError(http.StatusNotFound, CodePageNotFound, fmt.Sprintf("page %d of %s not found", page, fileID))
	}
	return c.File(path)
}

func (h *FilesHandler) fileNames(c echo.Context) error {
	files, err := h.catalog.List(c.Request().Context())
	if err != nil {
		return err
	}
	if files == nil {
		files = []catalog.Entry{}
	}
	return c.JSON(http.StatusOK, FileNamesResponse{Files: files})
}

func (h *FilesHandler) pages(c echo.Context) error {
	fileID, err := requireFileID(c.QueryParam("fileId"))
	if err != nil {
		return err
	}
	f, ok, err := h.catalog.Get(c.Request().Context(), fileID)
	if err != nil {
		return err
	}
	if !ok {
		return apiError(http.StatusNotFound, CodeFileNotFound, "file not found: "+fileID)
	}
	return c.JSON(http.StatusOK, PagesResponse{Pages: f.Pages})
}

func (h *FilesHandler) chunk(c echo.Context) error {
	id := strings.TrimSpace(c.QueryParam("citationId"))
	if id == "" {
		return apiError(http.StatusBadRequest, CodeInvalidArgument, "citationId required")
	}
	cite, ok := h.registry.Get(id)
	if !ok {
		return apiError(http.StatusNotFound, CodeNotFound, "citation not found: "+id)
	}
	return c.JSON(http.StatusOK, cite)
}
