package server

import (
	"encoding/json"
	"log"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/mohammad-safakhou/docqa/internal/answer"
	"github.com/mohammad-safakhou/docqa/internal/runtime"
	"github.com/mohammad-safakhou/docqa/internal/session"
)

// DefaultSessionID is used when a chat request names no session.
const DefaultSessionID = "default"

var chatRequests = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "docqa_chat_requests_total",
	Help: "Chat requests by whether a file was attached",
}, []string{"with_file"})

type ChatRequest struct {
	Message   string `json:"message"`
	SessionID string `json:"sessionId"`
	FileID    string `json:"fileId"`
}

type ClearRequest struct {
	SessionID string `json:"sessionId"`
}

type ClearResponse struct {
	OK        bool   `json:"ok"`
	SessionID string `json:"sessionId"`
	Cleared   bool   `json:"cleared"`
}

type ChatHandler struct {
	knowledge Knowledge
	answerer  Answerer
	sessions  session.Store
	telemetry *runtime.Telemetry
	logger    *log.Logger
}

func (h *ChatHandler) Register(g *echo.Group) {
	g.POST("/chat", h.chat)
	g.POST("/chat/clear", h.clear)
}

func sessionOrDefault(id string) string {
	if id = strings.TrimSpace(id); id == "" {
		return DefaultSessionID
	}
	return id
}

// chat streams citation, token and terminal events over SSE.
func (h *ChatHandler) chat(c echo.Context) error {
	var body ChatRequest
	if err := c.Bind(&body); err != nil {
		return apiError(http.StatusBadRequest, CodeInvalidArgument, "invalid json body")
	}
	if strings.TrimSpace(body.Message) == "" {
		return apiError(http.StatusBadRequest, CodeInvalidArgument, "message required")
	}
	body.SessionID = sessionOrDefault(body.SessionID)
	if body.FileID = strings.TrimSpace(body.FileID); body.FileID != "" {
		if _, err := requireFileID(body.FileID); err != nil {
			return err
		}
	}

	req := c.Request()
	ctx, span := h.telemetry.Tracer.Start(req.Context(), "ChatHandler.chat")
	defer span.End()
	span.SetAttributes(attribute.String("session_id", body.SessionID), attribute.String("file_id", body.FileID))
	withFile := "false"
	if body.FileID != "" {
		withFile = "true"
	}
	chatRequests.WithLabelValues(withFile).Inc()
	h.telemetry.ChatRequests.Add(ctx, 1)

	resp := c.Response()
	resp.Header().Set(echo.HeaderContentType, "text/event-stream")
	resp.Header().Set(echo.HeaderCacheControl, "no-cache")
	resp.Header().Set("Connection", "keep-alive")
	resp.Header().Set("X-Accel-Buffering", "no")
	flusher, ok := resp.Writer.(http.Flusher)
	if !ok {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "streaming unsupported")
	}
	resp.WriteHeader(http.StatusOK)
	flusher.Flush()

	send := func(ev answer.Event) error {
		data, err := json.Marshal(ev.Payload())
		if err != nil {
			return err
		}
		if _, err := resp.Write([]byte("event: " + string(ev.Kind) + "\n")); err != nil {
			return err
		}
		if _, err := resp.Write([]byte("data: " + string(data) + "\n\n")); err != nil {
			return err
		}
		flusher.Flush()
		return ctx.Err()
	}

	prepared, err := h.knowledge.Prepare(ctx, body.FileID, body.Message)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		h.logger.Printf("chat prepare failed session=%s file=%s: %v", body.SessionID, body.FileID, err)
		_ = send(answer.Event{Kind: answer.KindError, Message: err.Error()})
		return nil
	}
	out, err := h.answerer.Run(ctx, answer.Request{
		Question:    body.Message,
		SessionID:   body.SessionID,
		Branch:      prepared.Decision.Branch,
		Citations:   prepared.Citations,
		ContextText: prepared.ContextText,
	}, send)
	span.SetAttributes(attribute.String("state", string(out.State)), attribute.Bool("used_retrieval", out.UsedRetrieval))
	if err != nil {
		span.RecordError(err)
		h.logger.Printf("chat stream ended session=%s state=%s: %v", body.SessionID, out.State, err)
	}
	// Headers are already sent; failures were reported in-stream.
	return nil
}

func (h *ChatHandler) clear(c echo.Context) error {
	var body ClearRequest
	if c.Request().ContentLength != 0 {
		if err := c.Bind(&body); err != nil {
			return apiError(http.StatusBadRequest, CodeInvalidArgument, "invalid json body")
		}
	}
	id := sessionOrDefault(body.SessionID)
	if err := h.sessions.Clear(c.Request().Context(), id); err != nil {
		return err
	}
	return c.JSON(http.StatusOK, ClearResponse{OK: true, SessionID: id, Cleared: true})
}
