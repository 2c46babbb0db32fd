package citation

import (
	"fmt"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/mohammad-safakhou/docqa/internal/chunk"
	"github.com/mohammad-safakhou/docqa/internal/gate"
	"github.com/mohammad-safakhou/docqa/internal/rerank"
	"github.com/mohammad-safakhou/docqa/internal/retrieval"
)

func results(chunks ...chunk.Chunk) []rerank.Result {
	out := make([]rerank.Result, len(chunks))
	for i, c := range chunks {
		out[i] = rerank.Result{FusedResult: retrieval.FusedResult{ChunkID: i, Chunk: c, RRFScore: 0.5}}
	}
	return out
}

func TestAssembleEmpty(t *testing.T) {
	cs, ctx := Assemble("f_1", nil)
	if len(cs) != 0 {
		t.Fatalf("expected no citations, got %d", len(cs))
	}
	if ctx != gate.NoHits {
		t.Fatalf("expected sentinel context, got %q", ctx)
	}
}

func TestAssembleIDsAndContext(t *testing.T) {
	cs, ctx := Assemble("f_abc123", results(
		chunk.Chunk{Text: "alpha", Metadata: chunk.Metadata{Page: 2}},
		chunk.Chunk{Text: "beta"},
		chunk.Chunk{Text: "gamma", Metadata: chunk.Metadata{Page: 7}},
	))
	seen := map[string]bool{}
	for i, c := range cs {
		if c.Rank != i+1 {
			t.Fatalf("expected rank %d, got %d", i+1, c.Rank)
		}
		if c.CitationID != fmt.Sprintf("f_abc123-c%d", i+1) {
			t.Fatalf("unexpected id %s", c.CitationID)
		}
		if seen[c.CitationID] {
			t.Fatalf("duplicate id %s", c.CitationID)
		}
		seen[c.CitationID] = true
	}
	if cs[0].PreviewURL != "/api/v1/pdf/page?fileId=f_abc123&page=2&type=original" {
		t.Fatalf("unexpected preview url %s", cs[0].PreviewURL)
	}
	if !strings.Contains(cs[1].PreviewURL, "page=1") {
		t.Fatalf("unknown page should default to 1: %s", cs[1].PreviewURL)
	}
	if ctx != "[1] alpha\n\n[2] beta\n\n[3] gamma" {
		t.Fatalf("unexpected context %q", ctx)
	}
}

func TestAssembleTruncation(t *testing.T) {
	long := strings.Repeat("a", 5000)
	cs, ctx := Assemble("f_1", results(chunk.Chunk{Text: long}))
	if got := utf8.RuneCountInString(cs[0].Snippet); got != 503 || !strings.HasSuffix(cs[0].Snippet, "...") {
		t.Fatalf("snippet should be 500 runes plus ellipsis, got %d", got)
	}
	if got := len(cs[0].FullText); got != 4000 {
		t.Fatalf("full text should be capped at 4000, got %d", got)
	}
	if !strings.HasPrefix(ctx, "[1] ") || !strings.HasSuffix(ctx, "...") {
		t.Fatalf("context should carry the truncated snippet")
	}
	if Snippet("short", 500) != "short" {
		t.Fatalf("short text must not gain an ellipsis")
	}
}

func TestRegistry(t *testing.T) {
	r := NewRegistry(2)
	r.Put(Citation{CitationID: "a-c1", FileID: "a"}, Citation{CitationID: "b-c1", FileID: "b"})
	r.Put(Citation{CitationID: "a-c2", FileID: "a"})
	if _, ok := r.Get("a-c1"); ok {
		t.Fatalf("oldest entry should be evicted")
	}
	if c, ok := r.Get("a-c2"); !ok || c.FileID != "a" {
		t.Fatalf("expected a-c2")
	}
	r.ForgetFile("a")
	if _, ok := r.Get("a-c2"); ok {
		t.Fatalf("expected file citations to be forgotten")
	}
	if _, ok := r.Get("b-c1"); !ok {
		t.Fatalf("other files must survive ForgetFile")
	}
}
