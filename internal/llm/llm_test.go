package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func openAIServer(t *testing.T) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/v1/chat/completions":
			var req map[string]any
			_ = json.NewDecoder(r.Body).Decode(&req)
			if stream, _ := req["stream"].(bool); stream {
				w.Header().Set("Content-Type", "text/event-stream")
				for _, part := range []string{"Hel", "lo", ""} {
					fmt.Fprintf(w, "data: {\"id\":\"1\",\"object\":\"chat.completion.chunk\",\"model\":\"m\",\"choices\":[{\"index\":0,\"delta\":{\"content\":%q}}]}\n\n", part)
				}
				fmt.Fprint(w, "data: [DONE]\n\n")
				return
			}
			w.Header().Set("Content-Type", "application/json")
			fmt.Fprint(w, `{"id":"1","object":"chat.completion","model":"m","choices":[{"index":0,"message":{"role":"assistant","content":"yes, relevant"},"finish_reason":"stop"}]}`)
		case "/v1/embeddings":
			w.Header().Set("Content-Type", "application/json")
			fmt.Fprint(w, `{"object":"list","model":"m","data":[{"object":"embedding","index":1,"embedding":[0,1]},{"object":"embedding","index":0,"embedding":[1,0]}]}`)
		default:
			http.NotFound(w, r)
		}
	}))
}

func TestClientStreamAndComplete(t *testing.T) {
	srv := openAIServer(t)
	defer srv.Close()
	c, err := NewClient(Config{BaseURL: srv.URL + "/v1", APIKey: "k", Model: "m", Timeout: 5 * time.Second})
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	var parts []string
	err = c.Stream(context.Background(), []Message{{Role: RoleUser, Content: "hi"}}, func(s string) error {
		parts = append(parts, s)
		return nil
	})
	if err != nil {
		t.Fatalf("stream: %v", err)
	}
	if strings.Join(parts, "|") != "Hel|lo" {
		t.Fatalf("unexpected deltas %v", parts)
	}
	got, err := c.Ask(context.Background(), "grade this")
	if err != nil || got != "yes, relevant" {
		t.Fatalf("ask: %q %v", got, err)
	}
}

func TestClientStreamStopsOnEmitError(t *testing.T) {
	srv := openAIServer(t)
	defer srv.Close()
	c, _ := NewClient(Config{BaseURL: srv.URL + "/v1", Model: "m"})
	stop := errors.New("client gone")
	err := c.Stream(context.Background(), nil, func(string) error { return stop })
	if !errors.Is(err, stop) {
		t.Fatalf("expected emit error to propagate, got %v", err)
	}
}

func TestNewClientRequiresModel(t *testing.T) {
	if _, err := NewClient(Config{}); err == nil {
		t.Fatalf("expected error without model")
	}
}

func TestOpenAIEmbedderOrdersByIndex(t *testing.T) {
	srv := openAIServer(t)
	defer srv.Close()
	e, err := NewOpenAIEmbedder(srv.URL+"/v1", "k", "text-embedding-3-large", time.Second)
	if err != nil {
		t.Fatalf("new embedder: %v", err)
	}
	vecs, err := e.EmbedMany(context.Background(), []string{"a", "b"})
	if err != nil {
		t.Fatalf("embed: %v", err)
	}
	if vecs[0][0] != 1 || vecs[1][1] != 1 {
		t.Fatalf("vectors not ordered by index: %v", vecs)
	}
}

func TestOllamaEmbedder(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/embeddings" {
			http.NotFound(w, r)
			return
		}
		var req ollamaEmbeddingRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		if req.Prompt == "boom" {
			http.Error(w, "model not found", http.StatusNotFound)
			return
		}
		_ = json.NewEncoder(w).Encode(ollamaEmbeddingResponse{Embedding: []float32{float32(len(req.Prompt)), 1}})
	}))
	defer srv.Close()

	e := NewOllamaEmbedder(srv.URL, "", time.Second)
	if e.Name() != "ollama:bge-m3" {
		t.Fatalf("unexpected name %s", e.Name())
	}
	vecs, err := e.EmbedMany(context.Background(), []string{"ab", "abc"})
	if err != nil {
		t.Fatalf("embed: %v", err)
	}
	if vecs[0][0] != 2 || vecs[1][0] != 3 {
		t.Fatalf("unexpected vectors %v", vecs)
	}
	if _, err := e.Embed(context.Background(), "boom"); err == nil || !strings.Contains(err.Error(), "404") {
		t.Fatalf("expected status error, got %v", err)
	}
}
