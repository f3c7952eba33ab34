package orchestrator

import (
	"context"
	"fmt"
	"strings"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/nidhogg/nuka-memory/internal/longterm"
	"github.com/nidhogg/nuka-memory/internal/memory"
)

const (
	recentHeader    = "=== Recent Conversation ==="
	knowledgeHeader = "=== Relevant Knowledge ==="

	// CharsPerToken converts a token budget into characters.
	CharsPerToken = 4
)

// ContextRequest selects what goes into a context payload.
type ContextRequest struct {
	SessionID    string
	Query        string
	// SkipLongTerm leaves out retrieved facts even when Query is set.
	SkipLongTerm bool
	// MaxTokens bounds the rendering; non-positive uses ContextMaxTokens.
	MaxTokens    int
}

// Context is the merged payload of both tiers. Text is the rendering of
// exactly the Turns and Facts it carries.
type Context struct {
	Turns        []memory.Turn     `json:"turns"`
	Facts        []longterm.Result `json:"facts"`
	Truncated    bool              `json:"truncated"`
	DroppedTurns int               `json:"dropped_turns"`
	DroppedFacts int               `json:"dropped_facts"`
	Text         string            `json:"text"`
}

// BuildContext merges recent turns with facts relevant to the query and cuts
// the result to the character budget. Whole entries are dropped: the least
// similar fact first, then the oldest turn, so facts always go before turns.
// Working-memory failures yield no turns; search failures are returned.
func (m *Manager) BuildContext(ctx context.Context, req ContextRequest) (Context, error) {
	turns, err := m.working.Recent(ctx, req.SessionID, 0)
	if err != nil {
		m.logger.Warn("working memory unavailable, building context without turns",
			zap.String("session", req.SessionID),
			zap.Error(err))
		turns = nil
	}

	var facts []longterm.Result
	if !req.SkipLongTerm && strings.TrimSpace(req.Query) != "" {
		facts, err = m.index.Search(ctx, req.Query, longterm.SearchOptions{TopK: m.config.RetrievalTopK})
		if err != nil {
			return Context{}, fmt.Errorf("retrieve facts: %w", err)
		}
	}

	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = m.config.ContextMaxTokens
	}
	out := fit(turns, facts, maxTokens*CharsPerToken)
	if out.Truncated {
		m.logger.Debug("context truncated",
			zap.String("session", req.SessionID),
			zap.Int("dropped_facts", out.DroppedFacts),
			zap.Int("dropped_turns", out.DroppedTurns))
	}
	return out, nil
}

// GetAgentContext returns only the rendered text of BuildContext.
func (m *Manager) GetAgentContext(ctx context.Context, req ContextRequest) (string, error) {
	c, err := m.BuildContext(ctx, req)
	if err != nil {
		return "", err
	}
	return c.Text, nil
}

// fit drops entries until the rendering is at most budget characters.
func fit(turns []memory.Turn, facts []longterm.Result, budget int) Context {
	turnLines := make([]string, len(turns))
	for i, t := range turns {
		turnLines[i] = renderTurn(t)
	}
	factLines := make([]string, len(facts))
	for i, f := range facts {
		factLines[i] = renderFact(f)
	}

	c := Context{}
	nt, nf := len(turnLines), len(factLines)
	for renderedLen(turnLines[len(turnLines)-nt:], factLines[:nf]) > budget {
		switch {
		case nf > 0:
			nf--
			c.DroppedFacts++
		case nt > 0:
			nt--
			c.DroppedTurns++
		}
		c.Truncated = true
	}

	c.Turns = turns[len(turns)-nt:]
	c.Facts = facts[:nf]
	c.Text = render(turnLines[len(turnLines)-nt:], factLines[:nf])
	return c
}

func renderTurn(t memory.Turn) string {
	return strings.ToUpper(string(t.Role)) + ": " + t.Content
}

func renderFact(r longterm.Result) string {
	return fmt.Sprintf("[%s | relevance: %.2f] %s", r.Fact.Priority, r.Similarity, r.Fact.Text)
}

func render(turnLines, factLines []string) string {
	var sections []string
	if len(turnLines) > 0 {
		sections = append(sections, recentHeader+"\n"+strings.Join(turnLines, "\n"))
	}
	if len(factLines) > 0 {
		sections = append(sections, knowledgeHeader+"\n"+strings.Join(factLines, "\n"))
	}
	return strings.Join(sections, "\n\n")
}

// renderedLen is utf8.RuneCountInString(render(turnLines, factLines))
// without building the string.
func renderedLen(turnLines, factLines []string) int {
	section := func(header string, lines []string) int {
		if len(lines) == 0 {
			return 0
		}
		n := utf8.RuneCountInString(header)
		for _, l := range lines {
			n += 1 + utf8.RuneCountInString(l)
		}
		return n
	}
	a, b := section(recentHeader, turnLines), section(knowledgeHeader, factLines)
	if a > 0 && b > 0 {
		return a + 2 + b
	}
	return a + b
}
