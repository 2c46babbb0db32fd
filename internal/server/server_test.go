package server

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/mohammad-safakhou/docqa/config"
	"github.com/mohammad-safakhou/docqa/internal/answer"
	"github.com/mohammad-safakhou/docqa/internal/catalog"
	"github.com/mohammad-safakhou/docqa/internal/chunk"
	"github.com/mohammad-safakhou/docqa/internal/citation"
	"github.com/mohammad-safakhou/docqa/internal/gate"
	"github.com/mohammad-safakhou/docqa/internal/index"
	"github.com/mohammad-safakhou/docqa/internal/ingest"
	"github.com/mohammad-safakhou/docqa/internal/llm"
	"github.com/mohammad-safakhou/docqa/internal/parsejob"
	"github.com/mohammad-safakhou/docqa/internal/rag"
	"github.com/mohammad-safakhou/docqa/internal/runtime"
	"github.com/mohammad-safakhou/docqa/internal/session"
	"github.com/mohammad-safakhou/docqa/internal/workspace"
)

type stubKnowledge struct {
	prepared   rag.Prepared
	prepareErr error
	built      []string
	buildErr   error
	search     rag.SearchResult
	searchErr  error
	asked      []string
}

func (s *stubKnowledge) Build(_ context.Context, fileID string) (index.Result, error) {
	if s.buildErr != nil {
		return index.Result{}, s.buildErr
	}
	s.built = append(s.built, fileID)
	return index.Result{OK: true, Chunks: 3}, nil
}

func (s *stubKnowledge) Search(context.Context, string, string, int) (rag.SearchResult, error) {
	return s.search, s.searchErr
}

func (s *stubKnowledge) Prepare(_ context.Context, fileID, _ string) (rag.Prepared, error) {
	s.asked = append(s.asked, fileID)
	return s.prepared, s.prepareErr
}

type stubParser struct{ err error }

func (p stubParser) Start(_ context.Context, fileID string) (parsejob.Job, error) {
	return parsejob.Job{ID: "j_00000001", FileID: fileID, Status: parsejob.StatusParsing}, p.err
}

type fixture struct {
	e         *echo.Echo
	deps      Deps
	knowledge *stubKnowledge
	sessions  *session.InMemory
	catalog   *catalog.Memory
}

func words(parts ...string) answer.Generator {
	return answer.GeneratorFunc(func(_ context.Context, _ []llm.Message, emit func(string) error) error {
		for _, p := range parts {
			if err := emit(p); err != nil {
				return err
			}
		}
		return nil
	})
}

func newFixture(t *testing.T, gen answer.Generator, edit func(*Deps)) *fixture {
	t.Helper()
	f := &fixture{
		knowledge: &stubKnowledge{},
		sessions:  session.NewInMemory(),
		catalog:   catalog.NewMemory(),
	}
	registry := citation.NewRegistry(0)
	f.deps = Deps{
		Version:   "test",
		Layout:    workspace.New(t.TempDir()),
		Catalog:   f.catalog,
		Knowledge: f.knowledge,
		Answerer:  answer.NewOrchestrator(gen, f.sessions, answer.WithRegistry(registry)),
		Sessions:  f.sessions,
		Tracker:   parsejob.NewTracker(),
		Parser:    stubParser{},
		Registry:  registry,
	}
	if edit != nil {
		edit(&f.deps)
	}
	f.e = New(f.deps)
	return f
}

func (f *fixture) do(method, target, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	if body != "" {
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	}
	rec := httptest.NewRecorder()
	f.e.ServeHTTP(rec, req)
	return rec
}

func decodeEnvelope(t *testing.T, rec *httptest.ResponseRecorder) ErrorEnvelope {
	t.Helper()
	var env ErrorEnvelope
	if err := json.Unmarshal(rec.Body.Bytes(), &env); err != nil {
		t.Fatalf("decode envelope %q: %v", rec.Body.String(), err)
	}
	return env
}

func expectError(t *testing.T, rec *httptest.ResponseRecorder, status int, code string) {
	t.Helper()
	if rec.Code != status {
		t.Fatalf("expected status %d got %d: %s", status, rec.Code, rec.Body.String())
	}
	env := decodeEnvelope(t, rec)
	if env.Error.Code != code {
		t.Fatalf("expected code %s got %+v", code, env.Error)
	}
	if env.RequestID == "" || env.TS == "" {
		t.Fatalf("envelope must carry requestId and ts: %+v", env)
	}
}

type sseEvent struct {
	name string
	data string
}

func readEvents(t *testing.T, body []byte) []sseEvent {
	t.Helper()
	var out []sseEvent
	var cur sseEvent
	sc := bufio.NewScanner(bytes.NewReader(body))
	for sc.Scan() {
		line := sc.Text()
		switch {
		case strings.HasPrefix(line, "event: "):
			cur.name = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			cur.data = strings.TrimPrefix(line, "data: ")
		case line == "" && cur.name != "":
			out = append(out, cur)
			cur = sseEvent{}
		}
	}
	return out
}

func TestHealth(t *testing.T) {
	f := newFixture(t, words(), nil)
	rec := f.do(http.MethodGet, "/api/v1/health", "")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"version":"test"`) {
		t.Fatalf("unexpected health %d %s", rec.Code, rec.Body.String())
	}
}

func TestChatStreamsCitationsTokensDone(t *testing.T) {
	f := newFixture(t, words("Brakes ", "engage."), nil)
	cite := citation.Citation{CitationID: "f_abc123-c1", FileID: "f_abc123", Rank: 1, Page: 2, Snippet: "brakes", PreviewURL: citation.PreviewURL("f_abc123", 2)}
	f.knowledge.prepared = rag.Prepared{
		Decision:    gate.Decision{Branch: gate.WithContext, Reason: gate.ReasonTop1},
		Citations:   []citation.Citation{cite},
		ContextText: "[1] brakes",
	}

	rec := f.do(http.MethodPost, "/api/v1/chat", `{"message":"How do brakes work?","fileID":"f_abc123"}`)
	if rec.Code != http.StatusOK || rec.Header().Get(echo.HeaderContentType) != "text/event-stream" {
		t.Fatalf("unexpected response %d %q", rec.Code, rec.Header().Get(echo.HeaderContentType))
	}
	events := readEvents(t, rec.Body.Bytes())
	if len(events) < 4 {
		t.Fatalf("expected citation, tokens and done, got %+v", events)
	}
	if events[0].name != "citation" || !strings.Contains(events[0].data, `"citation_id":"f_abc123-c1"`) {
		t.Fatalf("first event must be the citation, got %+v", events[0])
	}
	if events[1].name != "token" || events[1].data != `{"text":"Brakes "}` {
		t.Fatalf("unexpected first token %+v", events[1])
	}
	last := events[len(events)-1]
	if last.name != "done" || last.data != `{"used_retrieval":true}` {
		t.Fatalf("unexpected terminal event %+v", last)
	}

	hist, _ := f.sessions.History(context.Background(), DefaultSessionID)
	if len(hist) != 2 || hist[0].Content != "How do brakes work?" || hist[1].Content != "Brakes engage." {
		t.Fatalf("unexpected default session history %+v", hist)
	}
	if _, ok := f.deps.Registry.Get("f_abc123-c1"); !ok {
		t.Fatalf("streamed citations must be resolvable")
	}
}

func TestChatRecordsSpan(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	tel, err := runtime.SetupTelemetry(context.Background(), config.TelemetryConfig{Enabled: true}, runtime.TelemetryOptions{
		Registerer:     prometheus.NewRegistry(),
		SpanProcessors: []sdktrace.SpanProcessor{recorder},
	})
	if err != nil {
		t.Fatalf("telemetry: %v", err)
	}
	defer tel.Shutdown(context.Background())
	f := newFixture(t, words("ok"), func(d *Deps) { d.Telemetry = tel })
	f.knowledge.prepared = rag.Prepared{Decision: gate.Decision{Branch: gate.NoContext}}

	if rec := f.do(http.MethodPost, "/api/v1/chat", `{"message":"hi","sessionId":"traced"}`); rec.Code != http.StatusOK {
		t.Fatalf("chat: %d", rec.Code)
	}
	var found bool
	for _, s := range recorder.Ended() {
		if s.Name() != "ChatHandler.chat" {
			continue
		}
		found = true
		for _, kv := range s.Attributes() {
			if kv.Key == "session_id" && kv.Value.AsString() != "traced" {
				t.Fatalf("unexpected session attribute %v", kv.Value.AsString())
			}
		}
	}
	if !found {
		t.Fatalf("chat span not recorded")
	}
}

func TestChatWithoutContext(t *testing.T) {
	f := newFixture(t, words("General answer."), nil)
	f.knowledge.prepared = rag.Prepared{Decision: gate.Decision{Branch: gate.NoContext, Reason: gate.ReasonNoHits}}
	rec := f.do(http.MethodPost, "/api/v1/chat", `{"message":"hi","sessionId":"s1"}`)
	events := readEvents(t, rec.Body.Bytes())
	if len(events) != 2 || events[0].name != "token" || events[1].data != `{"used_retrieval":false}` {
		t.Fatalf("unexpected events %+v", events)
	}
}

func TestChatPrepareFailureStreamsError(t *testing.T) {
	f := newFixture(t, words("unused"), nil)
	f.knowledge.prepareErr = errors.New("embedding service down")
	rec := f.do(http.MethodPost, "/api/v1/chat", `{"message":"hi"}`)
	events := readEvents(t, rec.Body.Bytes())
	if len(events) != 1 || events[0].name != "error" || !strings.Contains(events[0].data, "embedding service down") {
		t.Fatalf("unexpected events %+v", events)
	}
}

func TestChatGenerationFailureHasNoDone(t *testing.T) {
	gen := answer.GeneratorFunc(func(context.Context, []llm.Message, func(string) error) error {
		return answer.ErrFallback
	})
	f := newFixture(t, gen, nil)
	f.knowledge.prepared = rag.Prepared{Decision: gate.Decision{Branch: gate.NoContext}}
	rec := f.do(http.MethodPost, "/api/v1/chat", `{"message":"hi"}`)
	events := readEvents(t, rec.Body.Bytes())
	if len(events) != 1 || events[0].name != "error" {
		t.Fatalf("expected a single error event, got %+v", events)
	}
	if hist, _ := f.sessions.History(context.Background(), DefaultSessionID); len(hist) != 0 {
		t.Fatalf("failed answers must not be recorded, got %+v", hist)
	}
}

func TestChatRequiresMessage(t *testing.T) {
	f := newFixture(t, words(), nil)
	expectError(t, f.do(http.MethodPost, "/api/v1/chat", `{"message":"  "}`), http.StatusBadRequest, CodeInvalidArgument)
}

func TestChatRejectsMalformedFileID(t *testing.T) {
	f := newFixture(t, words("unused"), nil)
	for _, id := range []string{"../../etc", "f_abc/../../x", ".hidden"} {
		body := `{"message":"hi","fileId":"` + id + `"}`
		expectError(t, f.do(http.MethodPost, "/api/v1/chat", body), http.StatusBadRequest, CodeInvalidArgument)
	}
	if len(f.knowledge.asked) != 0 {
		t.Fatalf("malformed ids must not reach retrieval, got %v", f.knowledge.asked)
	}
	rec := f.do(http.MethodPost, "/api/v1/chat", `{"message":"hi","fileId":"  "}`)
	if rec.Code != http.StatusOK || len(f.knowledge.asked) != 1 || f.knowledge.asked[0] != "" {
		t.Fatalf("blank fileId must chat without a file: %d %v", rec.Code, f.knowledge.asked)
	}
}

func TestClearSession(t *testing.T) {
	f := newFixture(t, words(), nil)
	ctx := context.Background()
	_ = f.sessions.Append(ctx, "s1", session.Turn{Role: session.RoleUser, Content: "q"})
	_ = f.sessions.Append(ctx, DefaultSessionID, session.Turn{Role: session.RoleUser, Content: "q"})

	rec := f.do(http.MethodPost, "/api/v1/chat/clear", `{"sessionId":"s1"}`)
	var resp ClearResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil || !resp.OK || resp.SessionID != "s1" {
		t.Fatalf("unexpected clear response %s", rec.Body.String())
	}
	if h, _ := f.sessions.History(ctx, "s1"); len(h) != 0 {
		t.Fatalf("s1 must be empty")
	}
	rec = f.do(http.MethodPost, "/api/v1/chat/clear", "")
	if !strings.Contains(rec.Body.String(), `"sessionId":"default"`) {
		t.Fatalf("empty body clears the default session, got %s", rec.Body.String())
	}
	if h, _ := f.sessions.History(ctx, DefaultSessionID); len(h) != 0 {
		t.Fatalf("default session must be empty")
	}
}

func upload(t *testing.T, f *fixture, name, content string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreateFormFile("file", name)
	if err != nil {
		t.Fatalf("form file: %v", err)
	}
	_, _ = part.Write([]byte(content))
	_ = mw.Close()
	req := httptest.NewRequest(http.MethodPost, "/api/v1/pdf/upload", &buf)
	req.Header.Set(echo.HeaderContentType, mw.FormDataContentType())
	rec := httptest.NewRecorder()
	f.e.ServeHTTP(rec, req)
	return rec
}

const manual = "# Lift Manual\nThe cabin travels on rails.\n\f## Brakes\nThe brakes engage on overspeed.\n"

func TestUploadParseBuildFlow(t *testing.T) {
	var f *fixture
	f = newFixture(t, words(), func(d *Deps) {
		pipeline := ingest.NewPipeline(d.Layout)
		d.Parser = parsejob.NewRunner(d.Tracker, pipeline.Stages(), parsejob.OnReady(func(ctx context.Context, fileID string) error {
			return d.Catalog.MarkParsed(ctx, fileID, 2)
		}))
	})

	rec := upload(t, f, "manual.md", manual)
	if rec.Code != http.StatusOK {
		t.Fatalf("upload: %d %s", rec.Code, rec.Body.String())
	}
	var up UploadResponse
	_ = json.Unmarshal(rec.Body.Bytes(), &up)
	if !regexp.MustCompile(`^f_[a-z0-9]{8}$`).MatchString(up.FileID) || up.Pages != 2 || up.Name != "manual.md" {
		t.Fatalf("unexpected upload response %+v", up)
	}

	expectError(t, f.do(http.MethodPost, "/api/v1/index/build", `{"fileId":"`+up.FileID+`"}`), http.StatusConflict, CodeNeedParseFirst)

	rec = f.do(http.MethodPost, "/api/v1/pdf/parse", `{"fileId":"`+up.FileID+`"}`)
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"jobId":"j_`) {
		t.Fatalf("parse: %d %s", rec.Code, rec.Body.String())
	}
	deadline := time.Now().Add(5 * time.Second)
	for {
		var st StatusResponse
		_ = json.Unmarshal(f.do(http.MethodGet, "/api/v1/pdf/status?fileId="+up.FileID, "").Body.Bytes(), &st)
		if st.Status == parsejob.StatusReady && st.Progress == 100 {
			break
		}
		if st.Status == parsejob.StatusError || time.Now().After(deadline) {
			t.Fatalf("parse did not finish: %+v", st)
		}
		time.Sleep(10 * time.Millisecond)
	}
	md, err := os.ReadFile(f.deps.Layout.Markdown(up.FileID))
	if err != nil || len(chunk.Split(string(md))) == 0 {
		t.Fatalf("parse must produce chunkable markdown: %v", err)
	}

	rec = f.do(http.MethodPost, "/api/v1/index/build", `{"fileId":"`+up.FileID+`"}`)
	if rec.Code != http.StatusOK || rec.Body.String() != "{\"ok\":true,\"chunks\":3}\n" {
		t.Fatalf("build: %d %q", rec.Code, rec.Body.String())
	}
	file, _, _ := f.catalog.Get(context.Background(), up.FileID)
	if !file.IsParsed || !file.IsIndexed || file.Pages != 2 {
		t.Fatalf("catalog not updated: %+v", file)
	}

	rec = f.do(http.MethodGet, "/api/v1/pdf/file_names", "")
	if !strings.Contains(rec.Body.String(), `{"file_name":"manual.md","random_name":"`+up.FileID+`"}`) {
		t.Fatalf("unexpected file names %s", rec.Body.String())
	}
	rec = f.do(http.MethodGet, "/api/v1/pdf/pages?fileId="+up.FileID, "")
	if rec.Body.String() != "{\"pages\":2}\n" {
		t.Fatalf("unexpected pages %s", rec.Body.String())
	}
}

func TestUploadRejects(t *testing.T) {
	f := newFixture(t, words(), nil)
	expectError(t, upload(t, f, "scan.tiff", "x"), http.StatusBadRequest, CodeUnsupportedType)
	expectError(t, f.do(http.MethodPost, "/api/v1/pdf/upload", ""), http.StatusBadRequest, CodeFileRequired)
}

func TestParseErrors(t *testing.T) {
	f := newFixture(t, words(), func(d *Deps) { d.Parser = stubParser{err: parsejob.ErrInProgress} })
	expectError(t, f.do(http.MethodPost, "/api/v1/pdf/parse", `{}`), http.StatusBadRequest, CodeFileIDRequired)
	expectError(t, f.do(http.MethodPost, "/api/v1/pdf/parse", `{"fileId":"f_missing1"}`), http.StatusNotFound, CodeFileNotFound)
	_, _ = f.catalog.Add(context.Background(), "a.md", "f_00000001", 1)
	expectError(t, f.do(http.MethodPost, "/api/v1/pdf/parse", `{"fileId":"f_00000001"}`), http.StatusConflict, CodeJobInProgress)
}

func TestStatusReportsErrorMessage(t *testing.T) {
	f := newFixture(t, words(), nil)
	runner := parsejob.NewRunner(f.deps.Tracker, []parsejob.Stage{{Name: "layout", Run: func(context.Context, string) error {
		return errors.New("layout engine crashed")
	}}})
	_, _ = runner.Run(context.Background(), "f_00000001")
	rec := f.do(http.MethodGet, "/api/v1/pdf/status?fileId=f_00000001", "")
	var st StatusResponse
	_ = json.Unmarshal(rec.Body.Bytes(), &st)
	if st.Status != parsejob.StatusError || st.Progress != 0 || !strings.Contains(st.ErrorMsg, "layout engine crashed") {
		t.Fatalf("unexpected status %+v", st)
	}
	rec = f.do(http.MethodGet, "/api/v1/pdf/status?fileId=f_00000002", "")
	if rec.Body.String() != "{\"status\":\"idle\",\"progress\":0}\n" {
		t.Fatalf("unknown files are idle, got %s", rec.Body.String())
	}
}

func TestPageEndpoint(t *testing.T) {
	f := newFixture(t, words(), nil)
	l := f.deps.Layout
	_ = l.Ensure("f_00000001")
	_ = os.MkdirAll(l.PagesDir("f_00000001", workspace.PageOriginal), 0o755)
	_ = os.WriteFile(l.PagePath("f_00000001", workspace.PageOriginal, 1), []byte("\x89PNG"), 0o644)

	rec := f.do(http.MethodGet, "/api/v1/pdf/page?fileId=f_00000001&page=1", "")
	if rec.Code != http.StatusOK || rec.Body.String() != "\x89PNG" {
		t.Fatalf("expected the original page, got %d", rec.Code)
	}
	expectError(t, f.do(http.MethodGet, "/api/v1/pdf/page?fileId=f_00000001&page=9", ""), http.StatusNotFound, CodePageNotFound)
	expectError(t, f.do(http.MethodGet, "/api/v1/pdf/page?fileId=f_00000001&page=0", ""), http.StatusBadRequest, CodeInvalidArgument)
	expectError(t, f.do(http.MethodGet, "/api/v1/pdf/page?fileId=f_00000001&page=1&type=thumb", ""), http.StatusBadRequest, CodeInvalidArgument)
	if rec := f.do(http.MethodGet, "/api/v1/pdf/page?fileId=f_00000001&page=1&type=parsed", ""); rec.Code != http.StatusNoContent {
		t.Fatalf("parsed pages before ready must be 204, got %d", rec.Code)
	}
}

func TestFileByNameServesCataloguedPages(t *testing.T) {
	f := newFixture(t, words(), nil)
	l := f.deps.Layout
	_ = l.Ensure("f_00000002")
	_ = os.MkdirAll(l.PagesDir("f_00000002", workspace.PageOriginal), 0o755)
	_ = os.WriteFile(l.PagePath("f_00000002", workspace.PageOriginal, 2), []byte("\x89PNG2"), 0o644)

	expectError(t, f.do(http.MethodPost, "/api/v1/pdf/file-by-name?page=2", `{"file_id":"f_00000002"}`), http.StatusNotFound, CodeFileNotFound)
	if _, err := f.catalog.Add(context.Background(), "manual.md", "f_00000002", 3); err != nil {
		t.Fatalf("add: %v", err)
	}
	rec := f.do(http.MethodPost, "/api/v1/pdf/file-by-name?page=2&type=original", `{"file_id":"f_00000002"}`)
	if rec.Code != http.StatusOK || rec.Body.String() != "\x89PNG2" {
		t.Fatalf("expected page 2, got %d %q", rec.Code, rec.Body.String())
	}
	expectError(t, f.do(http.MethodPost, "/api/v1/pdf/file-by-name?page=3", `{"file_id":"f_00000002"}`), http.StatusNotFound, CodePageNotFound)
	expectError(t, f.do(http.MethodPost, "/api/v1/pdf/file-by-name?page=1", `{"file_id":""}`), http.StatusBadRequest, CodeFileIDRequired)
	expectError(t, f.do(http.MethodPost, "/api/v1/pdf/file-by-name?page=1", `{"file_id":"../x"}`), http.StatusBadRequest, CodeInvalidArgument)
}

func TestIndexBuildErrors(t *testing.T) {
	f := newFixture(t, words(), nil)
	ctx := context.Background()
	expectError(t, f.do(http.MethodPost, "/api/v1/index/build", `{"fileId":"f_nothere"}`), http.StatusNotFound, CodeFileNotFound)
	_, _ = f.catalog.Add(ctx, "a.md", "f_00000001", 1)
	_ = f.catalog.MarkParsed(ctx, "f_00000001", 1)
	f.knowledge.buildErr = index.ErrEmptyMarkdown
	expectError(t, f.do(http.MethodPost, "/api/v1/index/build", `{"fileId":"f_00000001"}`), http.StatusInternalServerError, string(index.CodeEmptyMarkdown))
	if file, _, _ := f.catalog.Get(ctx, "f_00000001"); file.IsIndexed {
		t.Fatalf("failed builds must not mark the file indexed")
	}
}

func TestIndexSearch(t *testing.T) {
	f := newFixture(t, words(), nil)
	f.knowledge.searchErr = index.ErrNotFound
	expectError(t, f.do(http.MethodPost, "/api/v1/index/search", `{"fileId":"f_00000001","query":"brakes"}`), http.StatusBadRequest, string(index.CodeNotFound))
	expectError(t, f.do(http.MethodPost, "/api/v1/index/search", `{"fileId":"f_00000001"}`), http.StatusBadRequest, CodeInvalidArgument)

	f.knowledge.searchErr = nil
	f.knowledge.search = rag.SearchResult{OK: true, Citations: []citation.Citation{{CitationID: "f_00000001-c1", FileID: "f_00000001", Rank: 1, FullText: "The brakes engage."}}, ContextText: "[1] The brakes engage."}
	rec := f.do(http.MethodPost, "/api/v1/index/search", `{"fileId":"f_00000001","query":"brakes","k":1}`)
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"context_text":"[1] The brakes engage."`) {
		t.Fatalf("search: %d %s", rec.Code, rec.Body.String())
	}
	rec = f.do(http.MethodGet, "/api/v1/pdf/chunk?citationId=f_00000001-c1", "")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "The brakes engage.") {
		t.Fatalf("chunk: %d %s", rec.Code, rec.Body.String())
	}
	expectError(t, f.do(http.MethodGet, "/api/v1/pdf/chunk?citationId=f_00000001-c9", ""), http.StatusNotFound, CodeNotFound)
}

func TestAuthProtectsAPI(t *testing.T) {
	secret := []byte("s3cret")
	f := newFixture(t, words(), func(d *Deps) { d.JWTSecret = secret })
	if rec := f.do(http.MethodGet, "/api/v1/health", ""); rec.Code != http.StatusOK {
		t.Fatalf("health must stay public, got %d", rec.Code)
	}
	expectError(t, f.do(http.MethodGet, "/api/v1/pdf/file_names", ""), http.StatusUnauthorized, CodeUnauthorized)

	tok, _ := runtime.SignJWT("alice", secret, time.Hour)
	req := httptest.NewRequest(http.MethodGet, "/api/v1/pdf/file_names", nil)
	req.Header.Set(echo.HeaderAuthorization, "Bearer "+tok)
	rec := httptest.NewRecorder()
	f.e.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK || rec.Body.String() != "{\"files\":[]}\n" {
		t.Fatalf("authorized request: %d %s", rec.Code, rec.Body.String())
	}
}
