package rerank

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// HTTPScorer talks to a cross-encoder served behind a text-embeddings-inference
// style /rerank endpoint.
type HTTPScorer struct {
	baseURL string
	model   string
	client  *http.Client
}

// NewHTTPLoader returns a Loader that checks the service health before handing
// out a scorer.
func NewHTTPLoader(baseURL, model string, timeout time.Duration) Loader {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	s := &HTTPScorer{
		baseURL: strings.TrimRight(baseURL, "/"),
		model:   model,
		client:  &http.Client{Timeout: timeout},
	}
	return func(ctx context.Context) (Scorer, error) {
		if s.baseURL == "" {
			return nil, fmt.Errorf("rerank base url is empty")
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.baseURL+"/health", nil)
		if err != nil {
			return nil, err
		}
		resp, err := s.client.Do(req)
		if err != nil {
			return nil, fmt.Errorf("rerank health: %w", err)
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return nil, fmt.Errorf("rerank health: status %d", resp.StatusCode)
		}
		return s, nil
	}
}

type rerankRequest struct {
	Model string   `json:"model,omitempty"`
	Query string   `json:"query"`
	Texts []string `json:"texts"`
}

type rerankHit struct {
	Index int     `json:"index"`
	Score float64 `json:"score"`
}

func (s *HTTPScorer) Score(ctx context.Context, query string, passages []string) ([]float64, error) {
	body, err := json.Marshal(rerankRequest{Model: s.model, Query: query, Texts: passages})
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+"/rerank", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("rerank request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("rerank status %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	var hits []rerankHit
	if err := json.NewDecoder(resp.Body).Decode(&hits); err != nil {
		return nil, fmt.Errorf("decode rerank response: %w", err)
	}
	scores := make([]float64, len(passages))
	seen := make([]bool, len(passages))
	for _, h := range hits {
		if h.Index < 0 || h.Index >= len(passages) {
			return nil, fmt.Errorf("rerank index %d out of range", h.Index)
		}
		scores[h.Index] = h.Score
		seen[h.Index] = true
	}
	for i, ok := range seen {
		if !ok {
			return nil, fmt.Errorf("rerank response missing passage %d", i)
		}
	}
	return scores, nil
}
