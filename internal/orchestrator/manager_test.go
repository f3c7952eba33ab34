package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nidhogg/nuka-memory/internal/longterm"
	"github.com/nidhogg/nuka-memory/internal/memory"
	"github.com/nidhogg/nuka-memory/internal/working"
)

type tableEmbedder struct {
	mu      sync.Mutex
	vectors map[string][]float32
	err     error
}

func (e *tableEmbedder) Embed(_ context.Context, texts []string) ([][]float32, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.err != nil {
		return nil, e.err
	}
	out := make([][]float32, len(texts))
	for i, t := range texts {
		v, ok := e.vectors[t]
		if !ok {
			// Unknown texts land far from everything in the table.
			v = []float32{0, 0, 10}
		}
		out[i] = v
	}
	return out, nil
}

func (e *tableEmbedder) Dimension() int { return 3 }

func (e *tableEmbedder) fail(err error) {
	e.mu.Lock()
	e.err = err
	e.mu.Unlock()
}

// brokenStore fails every call like an unreachable backend.
type brokenStore struct{}

func (brokenStore) Append(context.Context, memory.Turn) error {
	return fmt.Errorf("%w: dial tcp: refused", memory.ErrStoreUnavailable)
}

func (brokenStore) Recent(context.Context, string, int) ([]memory.Turn, error) {
	return nil, fmt.Errorf("%w: dial tcp: refused", memory.ErrStoreUnavailable)
}

func (brokenStore) Clear(context.Context, string) error {
	return fmt.Errorf("%w: dial tcp: refused", memory.ErrStoreUnavailable)
}

func (brokenStore) Stats(context.Context) (working.Stats, error) {
	return working.Stats{}, fmt.Errorf("%w: dial tcp: refused", memory.ErrStoreUnavailable)
}

type fixture struct {
	m     *Manager
	emb   *tableEmbedder
	index *longterm.Index
	paths longterm.Paths
}

func newFixture(t *testing.T, store working.Store, cfg Config, opts ...Option) *fixture {
	t.Helper()
	emb := &tableEmbedder{vectors: map[string][]float32{
		"A": {1, 0, 0},
		"B": {0, 1, 0},
		"C": {0.8, 0.2, 0},
	}}
	if store == nil {
		store = working.NewInMemoryStore(working.Options{}, nil)
	}
	dir := t.TempDir()
	paths := longterm.Paths{
		Index:    filepath.Join(dir, "memory_index.bin"),
		Metadata: filepath.Join(dir, "memory_map.json"),
	}
	index := longterm.New(emb, longterm.Options{Dimension: 3}, nil)
	coord := longterm.NewCoordinator(index, paths, nil)
	return &fixture{
		m:     New(store, index, coord, cfg, nil, opts...),
		emb:   emb,
		index: index,
		paths: paths,
	}
}

func TestManager_AddInteraction(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil, DefaultConfig())

	assert.True(t, f.m.AddInteraction(ctx, "s1", memory.RoleUser, "hello", memory.PriorityMedium, nil))
	assert.True(t, f.m.AddInteraction(ctx, "s1", memory.RoleAgent, "hi", 0, map[string]any{"k": 1}))
	assert.False(t, f.m.AddInteraction(ctx, "s1", memory.Role("system"), "nope", memory.PriorityLow, nil))

	turns, err := f.m.RecentTurns(ctx, "s1", 0)
	require.NoError(t, err)
	require.Len(t, turns, 2)
	assert.Equal(t, "hello", turns[0].Content)
	assert.Equal(t, memory.PriorityMedium, turns[1].Priority)
	assert.Zero(t, f.index.Len(), "medium turns are not promoted")
}

func TestManager_AddInteractionStoreDown(t *testing.T) {
	f := newFixture(t, brokenStore{}, DefaultConfig())
	assert.False(t, f.m.AddInteraction(context.Background(), "s1", memory.RoleUser, "hello", memory.PriorityHigh, nil))
	assert.Zero(t, f.index.Len())
}

func TestManager_PromotesHighPriorityTurns(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil, DefaultConfig())

	require.True(t, f.m.AddInteraction(ctx, "s1", memory.RoleUser, "A", memory.PriorityHigh, nil))

	facts := f.m.ListFacts(longterm.Filter{Tags: []string{PromotedTag}})
	require.Len(t, facts, 1)
	assert.Equal(t, "A", facts[0].Text)
	assert.Equal(t, []string{"interaction", "user"}, facts[0].Tags)
	assert.Equal(t, memory.PriorityHigh, facts[0].Priority)

	f.emb.fail(errors.New("provider down"))
	assert.True(t, f.m.AddInteraction(ctx, "s1", memory.RoleUser, "B", memory.PriorityHigh, nil),
		"a stored turn reports success even when promotion fails")
	turns, err := f.m.RecentTurns(ctx, "s1", 0)
	require.NoError(t, err)
	assert.Len(t, turns, 2, "the turn itself is kept in working memory")
	assert.Equal(t, 1, f.index.Len())
}

func TestManager_PromotionDisabled(t *testing.T) {
	cfg := DefaultConfig()
	cfg.PromoteThreshold = 0
	f := newFixture(t, nil, cfg)
	require.True(t, f.m.AddInteraction(context.Background(), "s1", memory.RoleUser, "A", memory.PriorityHigh, nil))
	assert.Zero(t, f.index.Len())
}

func TestManager_AddFact(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil, DefaultConfig())

	id, err := f.m.AddFact(ctx, "A", FactOptions{UserID: "u1", Tags: []string{"pref"}})
	require.NoError(t, err)
	fact, err := f.m.GetFact(id)
	require.NoError(t, err)
	assert.Equal(t, memory.PriorityHigh, fact.Priority)
	assert.Equal(t, "u1", fact.UserID)

	f.emb.fail(errors.New("provider down"))
	_, err = f.m.AddFact(ctx, "B", FactOptions{})
	assert.ErrorIs(t, err, memory.ErrEmbedding)
	assert.Equal(t, 1, f.index.Len())
}

func TestManager_SearchScenario(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil, DefaultConfig())
	for _, text := range []string{"A", "B", "C"} {
		_, err := f.m.AddFact(ctx, text, FactOptions{})
		require.NoError(t, err)
	}

	results, err := f.m.SearchFacts(ctx, "A", longterm.SearchOptions{TopK: 2})
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, "A", results[0].Fact.Text)
	assert.Equal(t, "C", results[1].Fact.Text)
	assert.Greater(t, results[0].Similarity, results[1].Similarity)

	results, err = f.m.SearchFacts(ctx, "A", longterm.SearchOptions{})
	require.NoError(t, err)
	assert.Len(t, results, 3, "default depth is RetrievalTopK")
}

func TestManager_GetAgentContextRendering(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil, Config{RetrievalTopK: 2, PromoteThreshold: 0})
	require.True(t, f.m.AddInteraction(ctx, "s1", memory.RoleUser, "hello", memory.PriorityMedium, nil))
	require.True(t, f.m.AddInteraction(ctx, "s1", memory.RoleAgent, "hi there", memory.PriorityMedium, nil))
	for _, text := range []string{"A", "B", "C"} {
		_, err := f.m.AddFact(ctx, text, FactOptions{})
		require.NoError(t, err)
	}

	text, err := f.m.GetAgentContext(ctx, ContextRequest{SessionID: "s1", Query: "A"})
	require.NoError(t, err)
	want := strings.Join([]string{
		"=== Recent Conversation ===",
		"USER: hello",
		"AGENT: hi there",
		"",
		"=== Relevant Knowledge ===",
		"[HIGH | relevance: 1.00] A",
		"[HIGH | relevance: 0.93] C",
	}, "\n")
	assert.Equal(t, want, text)

	text, err = f.m.GetAgentContext(ctx, ContextRequest{SessionID: "s1", Query: "A", SkipLongTerm: true})
	require.NoError(t, err)
	assert.Equal(t, "=== Recent Conversation ===\nUSER: hello\nAGENT: hi there", text)

	text, err = f.m.GetAgentContext(ctx, ContextRequest{SessionID: "other", Query: "B"})
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(text, "=== Relevant Knowledge ===\n[HIGH | relevance: 1.00] B"))
}

func TestManager_ContextTruncatesFactsBeforeTurns(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil, Config{RetrievalTopK: 3, PromoteThreshold: 0})
	for i := 1; i <= 3; i++ {
		require.True(t, f.m.AddInteraction(ctx, "s1", memory.RoleUser, strings.Repeat("x", 20), memory.PriorityMedium, nil))
	}
	for _, text := range []string{"A", "B", "C"} {
		_, err := f.m.AddFact(ctx, text, FactOptions{})
		require.NoError(t, err)
	}

	// 25 tokens is 100 characters: the 108-character turn section survives
	// only in part, and every fact goes first.
	req := ContextRequest{SessionID: "s1", Query: "A", MaxTokens: 25}
	first, err := f.m.BuildContext(ctx, req)
	require.NoError(t, err)
	assert.True(t, first.Truncated)
	assert.Empty(t, first.Facts)
	assert.Equal(t, 3, first.DroppedFacts)
	assert.Equal(t, 1, first.DroppedTurns)
	assert.Len(t, first.Turns, 2)
	assert.LessOrEqual(t, utf8.RuneCountInString(first.Text), 100)
	assert.NotContains(t, first.Text, "Relevant Knowledge")

	second, err := f.m.BuildContext(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, first.Text, second.Text)
}

func TestFit(t *testing.T) {
	turns := []memory.Turn{
		{Role: memory.RoleUser, Content: "one"},
		{Role: memory.RoleAgent, Content: "two"},
	}
	facts := []longterm.Result{
		{Fact: memory.Fact{Text: "best", Priority: memory.PriorityHigh}, Similarity: 0.9},
		{Fact: memory.Fact{Text: "worse", Priority: memory.PriorityLow}, Similarity: 0.5},
	}
	full := fit(turns, facts, 1<<20)
	require.False(t, full.Truncated)
	assert.Equal(t, utf8.RuneCountInString(full.Text), renderedLen(
		[]string{"USER: one", "AGENT: two"},
		[]string{"[HIGH | relevance: 0.90] best", "[LOW | relevance: 0.50] worse"},
	))
	size := utf8.RuneCountInString(full.Text)

	c := fit(turns, facts, size-1)
	assert.Equal(t, 1, c.DroppedFacts)
	assert.Equal(t, "best", c.Facts[0].Fact.Text)
	assert.Len(t, c.Turns, 2)

	turnsOnly := utf8.RuneCountInString(render([]string{"USER: one", "AGENT: two"}, nil))
	c = fit(turns, facts, turnsOnly)
	assert.Empty(t, c.Facts)
	assert.Len(t, c.Turns, 2)
	assert.Equal(t, "=== Recent Conversation ===\nUSER: one\nAGENT: two", c.Text)

	c = fit(turns, facts, turnsOnly-1)
	require.Len(t, c.Turns, 1)
	assert.Equal(t, "two", c.Turns[0].Content)

	c = fit(turns, facts, 3)
	assert.Empty(t, c.Text)
	assert.Equal(t, 2, c.DroppedTurns)
}

func TestManager_ContextDegradesWithoutWorkingStore(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, brokenStore{}, DefaultConfig())
	_, err := f.m.AddFact(ctx, "A", FactOptions{})
	require.NoError(t, err)

	text, err := f.m.GetAgentContext(ctx, ContextRequest{SessionID: "s1", Query: "A"})
	require.NoError(t, err)
	assert.Equal(t, "=== Relevant Knowledge ===\n[HIGH | relevance: 1.00] A", text)
}

func TestManager_ContextPropagatesSearchErrors(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil, DefaultConfig())
	_, err := f.m.AddFact(ctx, "A", FactOptions{})
	require.NoError(t, err)

	f.emb.fail(errors.New("provider down"))
	_, err = f.m.GetAgentContext(ctx, ContextRequest{SessionID: "s1", Query: "A"})
	assert.ErrorIs(t, err, memory.ErrEmbedding)
}

func TestManager_Stats(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil, DefaultConfig())
	require.True(t, f.m.AddInteraction(ctx, "s1", memory.RoleUser, "A", memory.PriorityHigh, nil))
	_, err := f.m.AddFact(ctx, "B", FactOptions{Priority: memory.PriorityLow})
	require.NoError(t, err)

	st := f.m.GetStats(ctx)
	assert.True(t, st.WorkingAvailable)
	assert.Equal(t, working.Stats{Sessions: 1, Turns: 1}, st.Working)
	assert.Equal(t, 2, st.LongTerm.TotalFacts)
	assert.Equal(t, 1, st.LongTerm.ByPriority[memory.PriorityLow])

	down := newFixture(t, brokenStore{}, DefaultConfig())
	st = down.m.GetStats(ctx)
	assert.False(t, st.WorkingAvailable)
	assert.Zero(t, st.Working.Sessions)
}

func TestManager_ClearSession(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil, DefaultConfig())
	require.True(t, f.m.AddInteraction(ctx, "s1", memory.RoleUser, "hello", memory.PriorityLow, nil))
	assert.True(t, f.m.ClearSession(ctx, "s1"))
	assert.True(t, f.m.ClearSession(ctx, "s1"))

	turns, err := f.m.RecentTurns(ctx, "s1", 0)
	require.NoError(t, err)
	assert.Empty(t, turns)

	assert.False(t, newFixture(t, brokenStore{}, DefaultConfig()).m.ClearSession(ctx, "s1"))
}

func TestManager_SaveLoadRoundTrip(t *testing.T) {
	ctx := context.Background()
	src := newFixture(t, nil, DefaultConfig())
	for _, text := range []string{"A", "B", "C"} {
		_, err := src.m.AddFact(ctx, text, FactOptions{Tags: []string{"t"}})
		require.NoError(t, err)
	}
	require.NoError(t, src.m.SaveMemories(ctx, "", ""))

	dst := newFixture(t, nil, DefaultConfig())
	require.NoError(t, dst.m.LoadMemories(ctx, src.paths.Index, src.paths.Metadata))
	assert.Equal(t, src.m.ListFacts(longterm.Filter{}), dst.m.ListFacts(longterm.Filter{}))

	want, err := src.m.SearchFacts(ctx, "A", longterm.SearchOptions{TopK: 3})
	require.NoError(t, err)
	got, err := dst.m.SearchFacts(ctx, "A", longterm.SearchOptions{TopK: 3})
	require.NoError(t, err)
	for i := range want {
		assert.Equal(t, want[i].Fact.ID, got[i].Fact.ID)
	}

	fresh := newFixture(t, nil, DefaultConfig())
	require.NoError(t, fresh.m.LoadMemories(ctx, "", ""))
	assert.Zero(t, fresh.index.Len())
}

func TestManager_UpdateAndDeleteFact(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil, DefaultConfig())
	id, err := f.m.AddFact(ctx, "A", FactOptions{})
	require.NoError(t, err)

	updated, err := f.m.UpdateFact(ctx, id, longterm.Update{Priority: memory.PriorityLow})
	require.NoError(t, err)
	assert.Equal(t, memory.PriorityLow, updated.Priority)

	require.NoError(t, f.m.DeleteFact(id))
	_, err = f.m.GetFact(id)
	assert.ErrorIs(t, err, memory.ErrNotFound)
	assert.ErrorIs(t, f.m.DeleteFact(id), memory.ErrNotFound)
}

func TestManager_SummarizeFacts(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC)
	cfg := DefaultConfig()
	cfg.SummaryHistory = 2
	f := newFixture(t, nil, cfg, WithClock(func() time.Time { return now }))

	_, err := f.m.AddFact(ctx, "A", FactOptions{Tags: []string{"travel"}})
	require.NoError(t, err)
	_, err = f.m.AddFact(ctx, "B", FactOptions{Tags: []string{"travel"}})
	require.NoError(t, err)
	_, err = f.m.AddFact(ctx, "C", FactOptions{Tags: []string{"food"}})
	require.NoError(t, err)

	s, err := f.m.SummarizeFacts(ctx, SummarizeRequest{Filter: longterm.Filter{Tags: []string{"travel"}}, Topic: "travel"})
	require.NoError(t, err)
	assert.Equal(t, 2, s.SourceCount)
	assert.Equal(t, []int64{0, 1}, s.SourceIDs)
	assert.Equal(t, 2, s.OriginalLength)
	assert.Equal(t, now, s.CreatedAt)
	assert.Equal(t, "A", s.Summary)

	empty, err := f.m.SummarizeFacts(ctx, SummarizeRequest{Filter: longterm.Filter{Tags: []string{"none"}}})
	require.NoError(t, err)
	assert.Zero(t, empty.SourceCount)
	assert.Len(t, f.m.SummaryHistory(0), 1)

	for _, topic := range []string{"b", "c"} {
		_, err := f.m.SummarizeFacts(ctx, SummarizeRequest{Topic: topic})
		require.NoError(t, err)
	}
	history := f.m.SummaryHistory(0)
	require.Len(t, history, 2)
	assert.Equal(t, "b", history[0].Topic)
	assert.Equal(t, "c", f.m.SummaryHistory(1)[0].Topic)
	assert.Equal(t, 2, f.m.GetStats(ctx).Summaries)
}

type failingSummarizer struct{}

func (failingSummarizer) Summarize(context.Context, []string, int) (string, error) {
	return "", errors.New("boom")
}

func TestManager_SummarizeError(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil, DefaultConfig(), WithSummarizer(failingSummarizer{}))
	_, err := f.m.AddFact(ctx, "A", FactOptions{})
	require.NoError(t, err)

	_, err = f.m.SummarizeFacts(ctx, SummarizeRequest{})
	require.Error(t, err)
	assert.Empty(t, f.m.SummaryHistory(0))
}
