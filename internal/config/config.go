package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/nidhogg/nuka-memory/internal/embedding"
	"github.com/nidhogg/nuka-memory/internal/longterm"
	"github.com/nidhogg/nuka-memory/internal/memory"
	"github.com/nidhogg/nuka-memory/internal/vectorstore"
)

// Working-memory backends.
const (
	BackendMemory   = "memory"
	BackendRedis    = "redis"
	BackendPostgres = "postgres"
)

// Config is the top-level configuration structure.
type Config struct {
	Server     ServerConfig     `json:"server" yaml:"server"`
	Memory     MemoryConfig     `json:"memory" yaml:"memory"`
	Database   DatabaseConfig   `json:"database" yaml:"database"`
	Embedding  embedding.Config `json:"embedding" yaml:"embedding"`
	Summarizer SummarizerConfig `json:"summarizer" yaml:"summarizer"`
}

type ServerConfig struct {
	Port     int    `json:"port" yaml:"port"`
	LogLevel string `json:"log_level" yaml:"log_level"`
}

type MemoryConfig struct {
	MaxWindowSize    int    `json:"max_window_size" yaml:"max_window_size"`
	TTLSeconds       int    `json:"ttl_seconds" yaml:"ttl_seconds"`
	VectorDim        int    `json:"vector_dim" yaml:"vector_dim"`
	RetrievalTopK    int    `json:"retrieval_top_k" yaml:"retrieval_top_k"`
	ContextMaxTokens int    `json:"context_max_tokens" yaml:"context_max_tokens"`
	Metric           string `json:"metric" yaml:"metric"`
	WorkingBackend   string `json:"working_backend" yaml:"working_backend"`
	IndexPath        string `json:"index_path" yaml:"index_path"`
	MetadataPath     string `json:"metadata_path" yaml:"metadata_path"`

	// PromotePriority is LOW, MEDIUM or HIGH; "none" disables promotion.
	PromotePriority string `json:"promote_priority" yaml:"promote_priority"`
	SummaryHistory  int    `json:"summary_history" yaml:"summary_history"`
}

// TTL is TTLSeconds as a duration.
func (m MemoryConfig) TTL() time.Duration {
	return time.Duration(m.TTLSeconds) * time.Second
}

// PromoteThreshold parses PromotePriority. Zero means promotion is off.
func (m MemoryConfig) PromoteThreshold() (memory.Priority, error) {
	if strings.EqualFold(m.PromotePriority, "none") {
		return 0, nil
	}
	return memory.ParsePriority(m.PromotePriority)
}

type DatabaseConfig struct {
	Postgres PostgresConfig `json:"postgres" yaml:"postgres"`
	Redis    RedisConfig    `json:"redis" yaml:"redis"`

	// Qdrant mirrors saved snapshots when Host is set.
	Qdrant vectorstore.QdrantConfig `json:"qdrant" yaml:"qdrant"`
}

type PostgresConfig struct {
	DSN string `json:"dsn" yaml:"dsn"`
}

type RedisConfig struct {
	URL string `json:"url" yaml:"url"`
}

// SummarizerConfig selects the consolidation strategy: "rule" (default) or
// "llm" for an OpenAI-compatible chat endpoint.
type SummarizerConfig struct {
	Provider string `json:"provider" yaml:"provider"`
	Endpoint string `json:"endpoint" yaml:"endpoint"`
	Model    string `json:"model" yaml:"model"`
	APIKey   string `json:"api_key" yaml:"api_key"`
}

// envVarRe matches ${VAR} and ${VAR:default} patterns.
var envVarRe = regexp.MustCompile(`\$\{(\w+)(?::([^}]*))?\}`)

// Load reads a JSON or YAML config file (chosen by extension), substitutes
// environment variable references, applies defaults and validates.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	// Substitute ${VAR} and ${VAR:default} with environment values.
	resolved := envVarRe.ReplaceAllStringFunc(string(data), func(match string) string {
		parts := envVarRe.FindStringSubmatch(match)
		name := parts[1]
		defaultVal := parts[2]
		if v := os.Getenv(name); v != "" {
			return v
		}
		return defaultVal
	})

	var cfg Config
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal([]byte(resolved), &cfg)
	default:
		err = json.Unmarshal([]byte(resolved), &cfg)
	}
	if err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}

	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return &cfg, nil
}

// Default returns a config with every default applied.
func Default() *Config {
	var cfg Config
	cfg.ApplyDefaults()
	return &cfg
}

// ApplyDefaults fills unset fields.
func (c *Config) ApplyDefaults() {
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Server.LogLevel == "" {
		c.Server.LogLevel = "info"
	}

	m := &c.Memory
	if m.MaxWindowSize == 0 {
		m.MaxWindowSize = 10
	}
	if m.TTLSeconds == 0 {
		m.TTLSeconds = 86400
	}
	if m.VectorDim == 0 {
		m.VectorDim = embedding.DefaultDimension
	}
	if m.RetrievalTopK == 0 {
		m.RetrievalTopK = 3
	}
	if m.ContextMaxTokens == 0 {
		m.ContextMaxTokens = 2000
	}
	if m.Metric == "" {
		m.Metric = string(longterm.MetricL2)
	}
	if m.WorkingBackend == "" {
		m.WorkingBackend = BackendMemory
	}
	if m.IndexPath == "" {
		m.IndexPath = longterm.DefaultIndexPath
	}
	if m.MetadataPath == "" {
		m.MetadataPath = longterm.DefaultMetadataPath
	}
	if m.PromotePriority == "" {
		m.PromotePriority = memory.PriorityHigh.String()
	}
	if m.SummaryHistory == 0 {
		m.SummaryHistory = 50
	}

	if c.Embedding.Provider == "" {
		c.Embedding.Provider = "hash"
	}
	if c.Embedding.Dimension == 0 {
		c.Embedding.Dimension = m.VectorDim
	}

	if c.Database.Qdrant.Port == 0 {
		c.Database.Qdrant.Port = 6334
	}
	if c.Summarizer.Provider == "" {
		c.Summarizer.Provider = "rule"
	}
}

// Validate reports every invalid setting at once.
func (c *Config) Validate() error {
	var errs []error
	m := c.Memory
	if m.MaxWindowSize < 1 {
		errs = append(errs, fmt.Errorf("memory.max_window_size must be positive, got %d", m.MaxWindowSize))
	}
	if m.TTLSeconds < 1 {
		errs = append(errs, fmt.Errorf("memory.ttl_seconds must be positive, got %d", m.TTLSeconds))
	}
	if m.VectorDim < 1 {
		errs = append(errs, fmt.Errorf("memory.vector_dim must be positive, got %d", m.VectorDim))
	}
	if m.RetrievalTopK < 1 {
		errs = append(errs, fmt.Errorf("memory.retrieval_top_k must be positive, got %d", m.RetrievalTopK))
	}
	if m.ContextMaxTokens < 1 {
		errs = append(errs, fmt.Errorf("memory.context_max_tokens must be positive, got %d", m.ContextMaxTokens))
	}
	if _, err := longterm.ParseMetric(m.Metric); err != nil {
		errs = append(errs, err)
	}
	if _, err := m.PromoteThreshold(); err != nil {
		errs = append(errs, fmt.Errorf("memory.promote_priority: %w", err))
	}
	if filepath.Clean(m.IndexPath) == filepath.Clean(m.MetadataPath) {
		errs = append(errs, fmt.Errorf("memory.index_path and memory.metadata_path must differ"))
	}
	switch m.WorkingBackend {
	case BackendMemory:
	case BackendRedis:
		if c.Database.Redis.URL == "" {
			errs = append(errs, fmt.Errorf("database.redis.url is required for the redis backend"))
		}
	case BackendPostgres:
		if c.Database.Postgres.DSN == "" {
			errs = append(errs, fmt.Errorf("database.postgres.dsn is required for the postgres backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("memory.working_backend: unknown backend %q", m.WorkingBackend))
	}
	if c.Embedding.Dimension != m.VectorDim {
		errs = append(errs, fmt.Errorf("embedding.dimension %d differs from memory.vector_dim %d", c.Embedding.Dimension, m.VectorDim))
	}
	switch c.Summarizer.Provider {
	case "rule", "llm":
	default:
		errs = append(errs, fmt.Errorf("summarizer.provider: unknown provider %q", c.Summarizer.Provider))
	}
	return errors.Join(errs...)
}
