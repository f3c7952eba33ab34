package orchestrator

import (
	"context"
	"fmt"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/nidhogg/nuka-memory/internal/longterm"
	"github.com/nidhogg/nuka-memory/internal/memory"
)

// SummarizeRequest selects the facts to consolidate.
type SummarizeRequest struct {
	longterm.Filter
	Topic     string
	MaxLength int
}

// SummarizeFacts condenses every matching fact into one summary and records
// it in the history. Facts themselves are left untouched. With no matching
// facts the summary is empty and nothing is recorded.
func (m *Manager) SummarizeFacts(ctx context.Context, req SummarizeRequest) (memory.Summary, error) {
	facts := m.index.List(req.Filter)
	out := memory.Summary{
		Topic:     req.Topic,
		CreatedAt: m.now().UTC(),
		SourceIDs: make([]int64, 0, len(facts)),
	}
	if len(facts) == 0 {
		return out, nil
	}

	texts := make([]string, len(facts))
	for i, f := range facts {
		texts[i] = f.Text
		out.SourceIDs = append(out.SourceIDs, f.ID)
		out.OriginalLength += utf8.RuneCountInString(f.Text)
	}

	summary, err := m.summarizer.Summarize(ctx, texts, req.MaxLength)
	if err != nil {
		return memory.Summary{}, fmt.Errorf("summarize facts: %w", err)
	}
	out.Summary = summary
	out.SourceCount = len(facts)

	m.summariesMu.Lock()
	m.summaries = append(m.summaries, out)
	if over := len(m.summaries) - m.config.SummaryHistory; over > 0 {
		m.summaries = append([]memory.Summary(nil), m.summaries[over:]...)
	}
	m.summariesMu.Unlock()

	m.logger.Info("summarized facts",
		zap.String("topic", req.Topic),
		zap.Int("sources", out.SourceCount),
		zap.Float64("compression", out.CompressionRatio()))
	return out, nil
}

// SummaryHistory returns up to limit most recent summaries, oldest first.
// A non-positive limit returns all of them.
func (m *Manager) SummaryHistory(limit int) []memory.Summary {
	m.summariesMu.Lock()
	defer m.summariesMu.Unlock()
	s := m.summaries
	if limit > 0 && len(s) > limit {
		s = s[len(s)-limit:]
	}
	return append([]memory.Summary(nil), s...)
}
