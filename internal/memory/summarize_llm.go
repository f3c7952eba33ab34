package memory

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
)

// LLMConfig configures an OpenAI-compatible chat completions endpoint.
type LLMConfig struct {
	Endpoint string        `json:"endpoint"`
	Model    string        `json:"model"`
	APIKey   string        `json:"api_key"`
	Timeout  time.Duration `json:"-"`
}

// LLMSummarizer asks a chat model for the summary. Any failure falls back to
// RuleSummarizer, so Summarize only returns an error from the fallback.
type LLMSummarizer struct {
	config   LLMConfig
	client   *http.Client
	fallback RuleSummarizer
	logger   *zap.Logger
}

// NewLLMSummarizer creates a summarizer for the given endpoint.
func NewLLMSummarizer(cfg LLMConfig, logger *zap.Logger) *LLMSummarizer {
	if cfg.Timeout == 0 {
		cfg.Timeout = 60 * time.Second
	}
	if cfg.Endpoint == "" {
		cfg.Endpoint = "https://api.openai.com/v1"
	}
	if cfg.Model == "" {
		cfg.Model = "gpt-4o-mini"
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LLMSummarizer{
		config: cfg,
		client: &http.Client{Timeout: cfg.Timeout},
		logger: logger,
	}
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature,omitempty"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
}

// Summarize implements Summarizer.
func (s *LLMSummarizer) Summarize(ctx context.Context, texts []string, maxLength int) (string, error) {
	if len(texts) == 0 {
		return s.fallback.Summarize(ctx, texts, maxLength)
	}
	if maxLength <= 0 {
		maxLength = DefaultSummaryLength
	}

	summary, err := s.complete(ctx, texts, maxLength)
	if err != nil {
		s.logger.Warn("llm summarization failed, using rule-based summary", zap.Error(err))
		return s.fallback.Summarize(ctx, texts, maxLength)
	}
	s.logger.Debug("llm summarized texts",
		zap.Int("texts", len(texts)),
		zap.Int("chars", len(summary)))
	return summary, nil
}

func (s *LLMSummarizer) complete(ctx context.Context, texts []string, maxLength int) (string, error) {
	body, err := json.Marshal(chatRequest{
		Model: s.config.Model,
		Messages: []chatMessage{
			{Role: "system", Content: fmt.Sprintf("Summarize the following notes in at most %d characters.", maxLength)},
			{Role: "user", Content: strings.Join(texts, "\n")},
		},
		Temperature: 0.5,
		MaxTokens:   maxLength / 2,
	})
	if err != nil {
		return "", fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.config.Endpoint+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if s.config.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+s.config.APIKey)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		return "", fmt.Errorf("API error %d: %s", resp.StatusCode, string(respBody))
	}

	var out chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("decode response: %w", err)
	}
	if len(out.Choices) == 0 {
		return "", fmt.Errorf("empty response from provider")
	}
	summary := strings.TrimSpace(out.Choices[0].Message.Content)
	if summary == "" {
		return "", fmt.Errorf("empty summary from provider")
	}
	return summary, nil
}
