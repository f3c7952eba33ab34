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

// LocalProvider implements Provider using an Ollama-compatible embeddings API.
type LocalProvider struct {
	endpoint  string
	model     string
	dimension int
	client    *http.Client

	observed atomic.Int64
}

// NewLocalProvider creates a new LocalProvider from the given Config.
func NewLocalProvider(cfg Config) *LocalProvider {
	endpoint := cfg.Endpoint
	if endpoint == "" {
		endpoint = "http://localhost:11434"
	}
	return &LocalProvider{
		endpoint:  endpoint,
		model:     cfg.Model,
		dimension: cfg.Dimension,
		client:    &http.Client{Timeout: 60 * time.Second},
	}
}

type localRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
}

type localResponse struct {
	Embedding []float32 `json:"embedding"`
}

// Embed sends each text to the Ollama-compatible endpoint and returns embeddings.
func (p *LocalProvider) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	embeddings := make([][]float32, 0, len(texts))
	for _, text := range texts {
		vec, err := p.embedSingle(ctx, text)
		if err != nil {
			return nil, err
		}
		embeddings = append(embeddings, vec)
	}

	if n := len(embeddings[0]); n > 0 {
		p.observed.CompareAndSwap(0, int64(n))
	}
	return embeddings, nil
}

func (p *LocalProvider) embedSingle(ctx context.Context, text string) ([]float32, error) {
	body, err := json.Marshal(localRequest{
		Model:  p.model,
		Prompt: text,
	})
	if err != nil {
		return nil, fmt.Errorf("embedding: marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint+"/api/embeddings", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("embedding: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("embedding: send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("embedding: API returned status %d: %s", resp.StatusCode, string(respBody))
	}

	var result localResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("embedding: decode response: %w", err)
	}
	if len(result.Embedding) == 0 {
		return nil, fmt.Errorf("embedding: empty vector for model %q", p.model)
	}
	return result.Embedding, nil
}

// Dimension returns the dimension seen on the first successful response,
// or the configured default before any call.
func (p *LocalProvider) Dimension() int {
	if d := p.observed.Load(); d > 0 {
		return int(d)
	}
	return p.dimension
}
