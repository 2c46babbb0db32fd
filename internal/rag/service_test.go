package rag

import (
	"context"
	"errors"
	"hash/fnv"
	"math"
	"os"
	"strings"
	"testing"
	"unicode"

	"github.com/mohammad-safakhou/docqa/internal/chunk"
	"github.com/mohammad-safakhou/docqa/internal/gate"
	"github.com/mohammad-safakhou/docqa/internal/index"
	"github.com/mohammad-safakhou/docqa/internal/rerank"
	"github.com/mohammad-safakhou/docqa/internal/retrieval"
	"github.com/mohammad-safakhou/docqa/internal/workspace"
)

// bagEmbedder hashes lowercase words into a normalised count vector.
type bagEmbedder struct{}

func (bagEmbedder) Name() string { return "bag" }

func (bagEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	vec := make([]float32, 64)
	words := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool { return !unicode.IsLetter(r) })
	for _, w := range words {
		h := fnv.New32a()
		_, _ = h.Write([]byte(w))
		vec[h.Sum32()%64]++
	}
	var norm float64
	for _, v := range vec {
		norm += float64(v * v)
	}
	if norm > 0 {
		n := float32(math.Sqrt(norm))
		for i := range vec {
			vec[i] /= n
		}
	}
	return vec, nil
}

func (e bagEmbedder) EmbedMany(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		out[i], _ = e.Embed(ctx, t)
	}
	return out, nil
}

var manual = chunk.PageMarker(1) + `
# Elevators
Elevator cabins and landing doors.
## Safety
Emergency brakes stop the cabin when the rope slips.
` + chunk.PageMarker(2) + `
# Ventilation
Ventilation fans move fresh air through the shaft.
`

func newService(t *testing.T, verifier gate.Verifier, opts ...Option) (*Service, workspace.Layout) {
	t.Helper()
	layout := workspace.New(t.TempDir())
	store := index.NewStore(layout)
	emb := bagEmbedder{}
	svc := New(
		index.NewBuilder(layout, store, emb),
		retrieval.NewRetriever(store, emb),
		gate.New(verifier),
		opts...,
	)
	return svc, layout
}

func upload(t *testing.T, layout workspace.Layout, fileID, md string) {
	t.Helper()
	if err := layout.Ensure(fileID); err != nil {
		t.Fatalf("ensure: %v", err)
	}
	if err := os.WriteFile(layout.Markdown(fileID), []byte(md), 0o644); err != nil {
		t.Fatalf("write markdown: %v", err)
	}
}

func failVerifier(t *testing.T) gate.Verifier {
	return gate.VerifierFunc(func(context.Context, string) (string, error) {
		t.Errorf("verifier must not be called")
		return "", errors.New("unexpected")
	})
}

func answerVerifier(answer string, calls *int) gate.Verifier {
	return gate.VerifierFunc(func(context.Context, string) (string, error) {
		*calls++
		return answer, nil
	})
}

func TestBuildAndSearchScenario(t *testing.T) {
	svc, layout := newService(t, failVerifier(t))
	upload(t, layout, "f_abc123", manual)
	ctx := context.Background()

	res, err := svc.Build(ctx, "f_abc123")
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if !res.OK || res.Chunks != 3 {
		t.Fatalf("expected {ok:true chunks:3}, got %+v", res)
	}

	out, err := svc.Search(ctx, "f_abc123", "ventilation fans fresh air", 1)
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(out.Citations) != 1 {
		t.Fatalf("expected one citation, got %d", len(out.Citations))
	}
	c := out.Citations[0]
	if c.Page != 2 || c.Rank != 1 || c.CitationID != "f_abc123-c1" {
		t.Fatalf("unexpected citation %+v", c)
	}
	if !strings.Contains(c.PreviewURL, "fileId=f_abc123&page=2") {
		t.Fatalf("unexpected preview url %s", c.PreviewURL)
	}
	if !strings.HasPrefix(out.ContextText, "[1] Ventilation fans") {
		t.Fatalf("unexpected context %q", out.ContextText)
	}
}

func TestSearchWithoutIndex(t *testing.T) {
	svc, _ := newService(t, failVerifier(t))
	_, err := svc.Search(context.Background(), "f_missing", "anything", 5)
	if code, ok := index.CodeOf(err); !ok || code != index.CodeNotFound {
		t.Fatalf("expected INDEX_NOT_FOUND, got %v", err)
	}
}

func TestBuildErrors(t *testing.T) {
	svc, layout := newService(t, failVerifier(t))
	ctx := context.Background()
	if _, err := svc.Build(ctx, "f_none"); !errors.Is(err, index.ErrMarkdownNotFound) {
		t.Fatalf("expected MARKDOWN_NOT_FOUND, got %v", err)
	}
	upload(t, layout, "f_empty", "# Title only\n\n## Another\n")
	res, err := svc.Build(ctx, "f_empty")
	if !errors.Is(err, index.ErrEmptyMarkdown) || res.OK {
		t.Fatalf("expected EMPTY_MD, got %+v %v", res, err)
	}
}

func TestRebuildKeepsSameChunks(t *testing.T) {
	svc, layout := newService(t, failVerifier(t))
	upload(t, layout, "f_abc123", manual)
	ctx := context.Background()

	texts := func() []string {
		out, err := svc.Search(ctx, "f_abc123", "cabin brakes", 3)
		if err != nil {
			t.Fatalf("search: %v", err)
		}
		var ts []string
		for _, c := range out.Citations {
			ts = append(ts, c.FullText)
		}
		return ts
	}
	if _, err := svc.Build(ctx, "f_abc123"); err != nil {
		t.Fatalf("first build: %v", err)
	}
	first := texts()
	if _, err := svc.Build(ctx, "f_abc123"); err != nil {
		t.Fatalf("second build: %v", err)
	}
	second := texts()
	if strings.Join(first, "|") != strings.Join(second, "|") {
		t.Fatalf("rebuild changed results:\n%v\n%v", first, second)
	}
}

func TestPrepareAcceptsCloseMatchWithoutVerifier(t *testing.T) {
	svc, layout := newService(t, failVerifier(t))
	upload(t, layout, "f_abc123", manual)
	ctx := context.Background()
	if _, err := svc.Build(ctx, "f_abc123"); err != nil {
		t.Fatalf("build: %v", err)
	}
	p, err := svc.Prepare(ctx, "f_abc123", "Ventilation fans move fresh air through the shaft.")
	if err != nil {
		t.Fatalf("prepare: %v", err)
	}
	if p.Decision.Branch != gate.WithContext || p.Decision.Reason != gate.ReasonTop1 {
		t.Fatalf("unexpected decision %+v", p.Decision)
	}
	if len(p.Citations) != 3 || p.Citations[0].Page != 2 || p.ContextText == "" {
		t.Fatalf("unexpected prepared evidence %+v", p)
	}
}

func TestPrepareVerifierRejects(t *testing.T) {
	var calls int
	svc, layout := newService(t, answerVerifier("No, not relevant.", &calls))
	upload(t, layout, "f_abc123", manual)
	ctx := context.Background()
	if _, err := svc.Build(ctx, "f_abc123"); err != nil {
		t.Fatalf("build: %v", err)
	}
	p, err := svc.Prepare(ctx, "f_abc123", "quarterly revenue forecast")
	if err != nil {
		t.Fatalf("prepare: %v", err)
	}
	if calls != 1 {
		t.Fatalf("expected the verifier once, got %d", calls)
	}
	if p.Decision.Branch != gate.NoContext || len(p.Citations) != 0 || p.ContextText != "" {
		t.Fatalf("expected no_context without evidence, got %+v", p)
	}
}

func TestPrepareWithoutIndexOrFile(t *testing.T) {
	svc, _ := newService(t, failVerifier(t))
	for _, id := range []string{"", "f_missing"} {
		p, err := svc.Prepare(context.Background(), id, "hello")
		if err != nil {
			t.Fatalf("prepare %q: %v", id, err)
		}
		if p.Decision.Branch != gate.NoContext {
			t.Fatalf("prepare %q: expected no_context, got %+v", id, p.Decision)
		}
	}
}

type brakeScorer struct{}

func (brakeScorer) Score(_ context.Context, _ string, passages []string) ([]float64, error) {
	out := make([]float64, len(passages))
	for i, p := range passages {
		if strings.Contains(p, "brakes") {
			out[i] = 10
		}
	}
	return out, nil
}

func TestSearchUsesReranker(t *testing.T) {
	rr := rerank.New(func(context.Context) (rerank.Scorer, error) { return brakeScorer{}, nil })
	svc, layout := newService(t, failVerifier(t), WithReranker(rr))
	upload(t, layout, "f_abc123", manual)
	ctx := context.Background()
	if _, err := svc.Build(ctx, "f_abc123"); err != nil {
		t.Fatalf("build: %v", err)
	}
	out, err := svc.Search(ctx, "f_abc123", "ventilation cabin", 1)
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(out.Citations) != 1 || !strings.Contains(out.Citations[0].FullText, "brakes") || out.Citations[0].Score != 10 {
		t.Fatalf("expected reranked brake chunk first, got %+v", out.Citations)
	}
	if out.Citations[0].HeaderPath != "Elevators > Safety" {
		t.Fatalf("unexpected header path %q", out.Citations[0].HeaderPath)
	}
}
