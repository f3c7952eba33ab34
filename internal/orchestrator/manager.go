// Package orchestrator routes agent memory between the working window and
// the long-term index and assembles the context payload handed to a model.
package orchestrator

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/nidhogg/nuka-memory/internal/longterm"
	"github.com/nidhogg/nuka-memory/internal/memory"
	"github.com/nidhogg/nuka-memory/internal/working"
)

// PromotedTag marks interactions copied into long-term memory.
const PromotedTag = "interaction"

// Config holds orchestration settings.
type Config struct {
	RetrievalTopK    int
	ContextMaxTokens int
	// PromoteThreshold copies turns at or above this priority into long-term
	// memory. The zero value disables promotion.
	PromoteThreshold memory.Priority
	// SummaryHistory bounds how many consolidation results are kept.
	SummaryHistory   int
}

// DefaultConfig returns the documented defaults.
func DefaultConfig() Config {
	return Config{
		RetrievalTopK:    3,
		ContextMaxTokens: 2000,
		PromoteThreshold: memory.PriorityHigh,
		SummaryHistory:   50,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.RetrievalTopK <= 0 {
		c.RetrievalTopK = def.RetrievalTopK
	}
	if c.ContextMaxTokens <= 0 {
		c.ContextMaxTokens = def.ContextMaxTokens
	}
	if c.SummaryHistory <= 0 {
		c.SummaryHistory = def.SummaryHistory
	}
	return c
}

// Option configures a Manager.
type Option func(*Manager)

// WithSummarizer sets the consolidation strategy. The default is
// memory.RuleSummarizer.
func WithSummarizer(s memory.Summarizer) Option {
	return func(m *Manager) { m.summarizer = s }
}

// WithClock overrides time.Now for summary timestamps.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// Manager is the single entry point agents use for memory. Working-memory
// failures are absorbed here; long-term failures always reach the caller.
type Manager struct {
	working    working.Store
	index      *longterm.Index
	coord      *longterm.Coordinator
	config     Config
	summarizer memory.Summarizer
	now        func() time.Time
	logger     *zap.Logger

	summariesMu sync.Mutex
	summaries   []memory.Summary
}

// New wires a Manager from explicit collaborators.
func New(store working.Store, index *longterm.Index, coord *longterm.Coordinator, cfg Config, logger *zap.Logger, opts ...Option) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	m := &Manager{
		working:    store,
		index:      index,
		coord:      coord,
		config:     cfg.withDefaults(),
		summarizer: memory.RuleSummarizer{},
		now:        time.Now,
		logger:     logger,
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// Config returns the effective configuration.
func (m *Manager) Config() Config { return m.config }

// AddInteraction appends a turn to the session window and, when its
// priority reaches the promotion threshold, stores it as a long-term fact.
// The result reports whether the turn reached working memory: false when the
// turn is invalid or the store is unavailable. A promotion failure is logged
// but still reports true, so callers never retry a turn that was stored.
func (m *Manager) AddInteraction(ctx context.Context, sessionID string, role memory.Role, content string, priority memory.Priority, metadata map[string]any) bool {
	if !role.Valid() {
		m.logger.Warn("rejected interaction with unknown role",
			zap.String("session", sessionID),
			zap.String("role", string(role)))
		return false
	}
	priority = priority.OrDefault(memory.PriorityMedium)

	err := m.working.Append(ctx, memory.Turn{
		SessionID: sessionID,
		Role:      role,
		Content:   content,
		Priority:  priority,
		Metadata:  metadata,
	})
	if err != nil {
		m.logger.Warn("working memory append failed",
			zap.String("session", sessionID),
			zap.Error(err))
		return false
	}

	if m.config.PromoteThreshold.Valid() && priority >= m.config.PromoteThreshold {
		id, err := m.index.Add(ctx, content, longterm.AddOptions{
			Tags:     []string{PromotedTag, string(role)},
			Priority: priority,
		})
		if err != nil {
			m.logger.Error("promoting interaction to long-term memory failed",
				zap.String("session", sessionID),
				zap.Error(err))
		} else {
			m.logger.Debug("promoted interaction",
				zap.String("session", sessionID),
				zap.Int64("fact", id))
		}
	}

	m.logger.Debug("added interaction",
		zap.String("session", sessionID),
		zap.String("role", string(role)))
	return true
}

// FactOptions carry the metadata for AddFact.
type FactOptions struct {
	UserID   string
	Tags     []string
	// Priority defaults to HIGH; facts are deliberate writes.
	Priority memory.Priority
}

// AddFact stores an explicit fact and returns its id.
func (m *Manager) AddFact(ctx context.Context, text string, opts FactOptions) (int64, error) {
	id, err := m.index.Add(ctx, text, longterm.AddOptions{
		UserID:   opts.UserID,
		Tags:     opts.Tags,
		Priority: opts.Priority.OrDefault(memory.PriorityHigh),
	})
	if err != nil {
		return 0, err
	}
	m.logger.Info("added fact",
		zap.Int64("id", id),
		zap.String("preview", preview(text, 50)))
	return id, nil
}

// RecentTurns returns the session window, oldest first.
func (m *Manager) RecentTurns(ctx context.Context, sessionID string, limit int) ([]memory.Turn, error) {
	return m.working.Recent(ctx, sessionID, limit)
}

// ClearSession drops a session's working memory.
func (m *Manager) ClearSession(ctx context.Context, sessionID string) bool {
	if err := m.working.Clear(ctx, sessionID); err != nil {
		m.logger.Warn("clear session failed",
			zap.String("session", sessionID),
			zap.Error(err))
		return false
	}
	m.logger.Info("cleared session", zap.String("session", sessionID))
	return true
}

// SearchFacts runs a similarity search. A non-positive TopK uses the
// configured retrieval depth.
func (m *Manager) SearchFacts(ctx context.Context, query string, opts longterm.SearchOptions) ([]longterm.Result, error) {
	if opts.TopK <= 0 {
		opts.TopK = m.config.RetrievalTopK
	}
	return m.index.Search(ctx, query, opts)
}

// GetFact returns one fact by id.
func (m *Manager) GetFact(id int64) (memory.Fact, error) {
	return m.index.Get(id)
}

// ListFacts returns matching facts in id order.
func (m *Manager) ListFacts(filter longterm.Filter) []memory.Fact {
	return m.index.List(filter)
}

// UpdateFact edits a fact in place.
func (m *Manager) UpdateFact(ctx context.Context, id int64, u longterm.Update) (memory.Fact, error) {
	return m.index.Update(ctx, id, u)
}

// DeleteFact removes a fact permanently.
func (m *Manager) DeleteFact(id int64) error {
	if err := m.index.Delete(id); err != nil {
		return err
	}
	m.logger.Info("deleted fact", zap.Int64("id", id))
	return nil
}

// Stats is a read-only view of both tiers.
type Stats struct {
	WorkingAvailable bool           `json:"working_available"`
	Working          working.Stats  `json:"working"`
	LongTerm         longterm.Stats `json:"long_term"`
	Summaries        int            `json:"summaries"`
}

// GetStats reports counts from both tiers. An unreachable working store
// yields zero working counts and WorkingAvailable=false.
func (m *Manager) GetStats(ctx context.Context) Stats {
	st := Stats{LongTerm: m.index.Stats()}
	ws, err := m.working.Stats(ctx)
	if err != nil {
		m.logger.Warn("working memory stats unavailable", zap.Error(err))
	} else {
		st.WorkingAvailable = true
		st.Working = ws
	}
	m.summariesMu.Lock()
	st.Summaries = len(m.summaries)
	m.summariesMu.Unlock()
	return st
}

// SaveMemories persists long-term memory. Empty paths use the configured
// locations.
func (m *Manager) SaveMemories(ctx context.Context, indexPath, metadataPath string) error {
	return m.coord.Save(ctx, longterm.Paths{Index: indexPath, Metadata: metadataPath})
}

// LoadMemories restores long-term memory. Missing files leave the index as
// it is and return nil.
func (m *Manager) LoadMemories(ctx context.Context, indexPath, metadataPath string) error {
	return m.coord.Load(ctx, longterm.Paths{Index: indexPath, Metadata: metadataPath})
}

func preview(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}
