package embedding

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync/atomic"
	"time"
)

// APIProvider implements Provider using an OpenAI-compatible embeddings API.
type APIProvider struct {
	endpoint  string
	model     string
	apiKey    string
	dimension int
	client    *http.Client

	observed atomic.Int64
}

// NewAPIProvider creates a new APIProvider from the given Config.
func NewAPIProvider(cfg Config) *APIProvider {
	return &APIProvider{
		endpoint:  cfg.Endpoint,
		model:     cfg.Model,
		apiKey:    cfg.APIKey,
		dimension: cfg.Dimension,
		client:    &http.Client{Timeout: 60 * time.Second},
	}
}

type apiRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

type apiEmbeddingData struct {
	Index     int       `json:"index"`
	Embedding []float32 `json:"embedding"`
}

type apiResponse struct {
	Data []apiEmbeddingData `json:"data"`
}

// Embed sends texts to the OpenAI-compatible endpoint and returns embeddings
// in input order.
func (p *APIProvider) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	body, err := json.Marshal(apiRequest{
		Model: p.model,
		Input: texts,
	})
	if err != nil {
		return nil, fmt.Errorf("embedding: marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint+"/embeddings", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("embedding: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if p.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+p.apiKey)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("embedding: send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("embedding: API returned status %d: %s", resp.StatusCode, string(respBody))
	}

	var result apiResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("embedding: decode response: %w", err)
	}
	if len(result.Data) != len(texts) {
		return nil, fmt.Errorf("embedding: got %d embeddings for %d inputs", len(result.Data), len(texts))
	}

	embeddings := make([][]float32, len(texts))
	for _, d := range result.Data {
		if d.Index < 0 || d.Index >= len(texts) {
			return nil, fmt.Errorf("embedding: response index %d out of range for %d inputs", d.Index, len(texts))
		}
		if embeddings[d.Index] != nil {
			return nil, fmt.Errorf("embedding: duplicate response index %d", d.Index)
		}
		if len(d.Embedding) == 0 {
			return nil, fmt.Errorf("embedding: empty vector at index %d", d.Index)
		}
		embeddings[d.Index] = d.Embedding
	}

	if n := len(embeddings[0]); n > 0 {
		p.observed.CompareAndSwap(0, int64(n))
	}
	return embeddings, nil
}

// Dimension returns the dimension seen on the first successful response,
// or the configured default before any call.
func (p *APIProvider) Dimension() int {
	if d := p.observed.Load(); d > 0 {
		return int(d)
	}
	return p.dimension
}
