// Package longterm is the persistent, vector-searchable tier of agent
// memory: an exact flat index of fact embeddings paired one-to-one with
// fact metadata, plus the coordinator that saves and loads both together.
package longterm

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/nidhogg/nuka-memory/internal/embedding"
	"github.com/nidhogg/nuka-memory/internal/memory"
)

// Metric selects the distance used to rank facts.
type Metric string

const (
	// MetricL2 is squared Euclidean distance; similarity is 1/(1+d).
	MetricL2 Metric = "l2"
	// MetricCosine is 1 - cosine similarity; similarity is 1-d.
	MetricCosine Metric = "cosine"
)

// ParseMetric maps a config string onto a Metric. Empty means l2.
func ParseMetric(s string) (Metric, error) {
	switch Metric(strings.ToLower(strings.TrimSpace(s))) {
	case "", MetricL2:
		return MetricL2, nil
	case MetricCosine:
		return MetricCosine, nil
	}
	return "", fmt.Errorf("longterm: unknown metric %q", s)
}

// Options configure an Index.
type Options struct {
	// Dimension fixes the vector length. Zero adopts the length of the first
	// vector added or loaded.
	Dimension int
	Metric    Metric
	Now       func() time.Time
}

// AddOptions carry the metadata stored with a new fact.
type AddOptions struct {
	UserID   string
	Tags     []string
	Priority memory.Priority
}

// Filter restricts which facts a search or listing considers. A fact
// matches when it carries every requested tag, belongs to UserID (when
// set) and is at least MinPriority (when set).
type Filter struct {
	UserID      string
	Tags        []string
	MinPriority memory.Priority
}

func (f Filter) normalize() Filter {
	f.Tags = memory.NormalizeTags(f.Tags)
	return f
}

func (f Filter) match(fact *memory.Fact) bool {
	if f.UserID != "" && fact.UserID != f.UserID {
		return false
	}
	if f.MinPriority.Valid() && fact.Priority < f.MinPriority {
		return false
	}
	return fact.HasTags(f.Tags)
}

// SearchOptions bound a similarity search.
type SearchOptions struct {
	TopK int
	Filter
}

// Result is one ranked search hit.
type Result struct {
	Fact       memory.Fact `json:"fact"`
	Similarity float64     `json:"similarity"`
	Distance   float64     `json:"distance"`
}

// Update describes a change to an existing fact. Nil or zero fields are left alone.
type Update struct {
	Text     *string
	Tags     []string
	Priority memory.Priority
}

// Stats describes the index contents.
type Stats struct {
	TotalFacts int                     `json:"total_facts"`
	IndexSize  int                     `json:"index_size"`
	Dimension  int                     `json:"dimension"`
	Metric     Metric                  `json:"metric"`
	ByPriority map[memory.Priority]int `json:"by_priority"`
	ByTag      map[string]int          `json:"by_tag"`
}

type entry struct {
	fact   memory.Fact
	vector []float32
	norm   float64
}

func newEntry(fact memory.Fact, vector []float32) *entry {
	return &entry{fact: fact, vector: vector, norm: norm(vector)}
}

// Index is an exact flat vector index. Every entry holds its vector and its
// metadata in one struct, so the two can never drift apart in memory.
//
// writeMu serializes Add, Update, Delete, Save and Load. mu guards the data:
// writers take it exclusively only for the final insert or swap, so readers
// never observe a half-applied change.
type Index struct {
	embedder embedding.Provider
	opts     Options
	logger   *zap.Logger

	writeMu sync.Mutex

	mu        sync.RWMutex
	entries   []*entry // ascending id
	byID      map[int64]*entry
	dimension int
	nextID    int64
}

// New creates an empty index.
func New(embedder embedding.Provider, opts Options, logger *zap.Logger) *Index {
	if opts.Metric == "" {
		opts.Metric = MetricL2
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Index{
		embedder:  embedder,
		opts:      opts,
		logger:    logger,
		byID:      make(map[int64]*entry),
		dimension: opts.Dimension,
	}
}

// Add embeds text and stores it as a new fact, returning its id. When the
// embedder fails nothing is stored and the error wraps memory.ErrEmbedding.
func (x *Index) Add(ctx context.Context, text string, opts AddOptions) (int64, error) {
	if strings.TrimSpace(text) == "" {
		return 0, fmt.Errorf("longterm: empty fact text")
	}
	vec, err := x.embed(ctx, text)
	if err != nil {
		return 0, err
	}

	x.writeMu.Lock()
	defer x.writeMu.Unlock()
	x.mu.Lock()
	defer x.mu.Unlock()

	if err := x.checkDimensionLocked(len(vec)); err != nil {
		return 0, err
	}
	if x.dimension == 0 {
		x.dimension = len(vec)
	}

	id := x.nextID
	x.nextID++
	e := newEntry(memory.Fact{
		ID:        id,
		Text:      text,
		UserID:    opts.UserID,
		Tags:      memory.NormalizeTags(opts.Tags),
		Priority:  opts.Priority.OrDefault(memory.PriorityMedium),
		CreatedAt: x.opts.Now().UTC(),
	}, vec)
	x.entries = append(x.entries, e)
	x.byID[id] = e

	x.logger.Debug("added fact",
		zap.Int64("id", id),
		zap.String("priority", e.fact.Priority.String()),
		zap.Int("total", len(x.entries)))
	return id, nil
}

// Search returns up to TopK facts closest to query, best first, ties broken
// by lower id. Each returned fact has its access count incremented.
func (x *Index) Search(ctx context.Context, query string, opts SearchOptions) ([]Result, error) {
	if opts.TopK <= 0 || x.Len() == 0 {
		return []Result{}, nil
	}
	vec, err := x.embed(ctx, query)
	if err != nil {
		return nil, err
	}
	filter := opts.Filter.normalize()

	x.mu.RLock()
	if err := x.checkDimensionLocked(len(vec)); err != nil {
		x.mu.RUnlock()
		return nil, err
	}
	qnorm := norm(vec)
	type hit struct {
		e    *entry
		dist float64
	}
	hits := make([]hit, 0, len(x.entries))
	for _, e := range x.entries {
		if !filter.match(&e.fact) {
			continue
		}
		hits = append(hits, hit{e: e, dist: x.distance(vec, qnorm, e)})
	}
	x.mu.RUnlock()

	sort.Slice(hits, func(i, j int) bool {
		if hits[i].dist != hits[j].dist {
			return hits[i].dist < hits[j].dist
		}
		return hits[i].e.fact.ID < hits[j].e.fact.ID
	})
	if len(hits) > opts.TopK {
		hits = hits[:opts.TopK]
	}

	results := make([]Result, 0, len(hits))
	x.mu.Lock()
	for _, h := range hits {
		// The entry may have been deleted or replaced between the two locks.
		cur, ok := x.byID[h.e.fact.ID]
		if !ok {
			continue
		}
		cur.fact.AccessCount++
		results = append(results, Result{
			Fact:       cur.fact.Clone(),
			Similarity: x.similarity(h.dist),
			Distance:   h.dist,
		})
	}
	x.mu.Unlock()

	x.logger.Debug("searched facts",
		zap.Int("top_k", opts.TopK),
		zap.Int("results", len(results)))
	return results, nil
}

// Get returns a copy of the fact with the given id.
func (x *Index) Get(id int64) (memory.Fact, error) {
	x.mu.RLock()
	defer x.mu.RUnlock()
	e, ok := x.byID[id]
	if !ok {
		return memory.Fact{}, fmt.Errorf("fact %d: %w", id, memory.ErrNotFound)
	}
	return e.fact.Clone(), nil
}

// Update changes a fact in place. A new text is re-embedded before any lock
// is taken; the fact keeps its id, creation time and access count.
func (x *Index) Update(ctx context.Context, id int64, u Update) (memory.Fact, error) {
	var vec []float32
	if u.Text != nil {
		if strings.TrimSpace(*u.Text) == "" {
			return memory.Fact{}, fmt.Errorf("longterm: empty fact text")
		}
		var err error
		if vec, err = x.embed(ctx, *u.Text); err != nil {
			return memory.Fact{}, err
		}
	}

	x.writeMu.Lock()
	defer x.writeMu.Unlock()
	x.mu.Lock()
	defer x.mu.Unlock()

	old, ok := x.byID[id]
	if !ok {
		return memory.Fact{}, fmt.Errorf("fact %d: %w", id, memory.ErrNotFound)
	}
	if vec != nil {
		if err := x.checkDimensionLocked(len(vec)); err != nil {
			return memory.Fact{}, err
		}
	}

	fact := old.fact.Clone()
	vector := old.vector
	if u.Text != nil {
		fact.Text = *u.Text
		vector = vec
	}
	if u.Tags != nil {
		fact.Tags = memory.NormalizeTags(u.Tags)
	}
	if u.Priority.Valid() {
		fact.Priority = u.Priority
	}

	e := newEntry(fact, vector)
	x.entries[x.position(id)] = e
	x.byID[id] = e
	x.logger.Debug("updated fact", zap.Int64("id", id))
	return fact.Clone(), nil
}

// Delete removes a fact and its vector.
func (x *Index) Delete(id int64) error {
	x.writeMu.Lock()
	defer x.writeMu.Unlock()
	x.mu.Lock()
	defer x.mu.Unlock()

	if _, ok := x.byID[id]; !ok {
		return fmt.Errorf("fact %d: %w", id, memory.ErrNotFound)
	}
	i := x.position(id)
	x.entries = append(x.entries[:i], x.entries[i+1:]...)
	delete(x.byID, id)
	x.logger.Debug("deleted fact", zap.Int64("id", id))
	return nil
}

// List returns copies of every matching fact in id order.
func (x *Index) List(filter Filter) []memory.Fact {
	filter = filter.normalize()
	x.mu.RLock()
	defer x.mu.RUnlock()
	out := make([]memory.Fact, 0, len(x.entries))
	for _, e := range x.entries {
		if filter.match(&e.fact) {
			out = append(out, e.fact.Clone())
		}
	}
	return out
}

// Len is the number of stored facts.
func (x *Index) Len() int {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return len(x.entries)
}

// Dimension is the vector length, 0 while an unconfigured index is empty.
func (x *Index) Dimension() int {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return x.dimension
}

// Metric reports the configured distance.
func (x *Index) Metric() Metric { return x.opts.Metric }

// Stats summarizes the index.
func (x *Index) Stats() Stats {
	x.mu.RLock()
	defer x.mu.RUnlock()
	st := Stats{
		TotalFacts: len(x.byID),
		IndexSize:  len(x.entries),
		Dimension:  x.dimension,
		Metric:     x.opts.Metric,
		ByPriority: make(map[memory.Priority]int),
		ByTag:      make(map[string]int),
	}
	for _, e := range x.entries {
		st.ByPriority[e.fact.Priority]++
		for _, t := range e.fact.Tags {
			st.ByTag[t]++
		}
	}
	return st
}

func (x *Index) embed(ctx context.Context, text string) ([]float32, error) {
	vec, err := embedding.EmbedOne(ctx, x.embedder, text)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", memory.ErrEmbedding, err)
	}
	if len(vec) == 0 {
		return nil, fmt.Errorf("%w: empty vector", memory.ErrEmbedding)
	}
	return vec, nil
}

// checkDimensionLocked rejects a vector length that differs from the fixed
// dimension. Callers hold mu.
func (x *Index) checkDimensionLocked(n int) error {
	if x.dimension != 0 && n != x.dimension {
		return fmt.Errorf("%w: vector has %d dimensions, index has %d", memory.ErrDimensionMismatch, n, x.dimension)
	}
	return nil
}

// position finds id in entries. Callers hold mu and know id exists.
func (x *Index) position(id int64) int {
	return sort.Search(len(x.entries), func(i int) bool { return x.entries[i].fact.ID >= id })
}

func (x *Index) distance(q []float32, qnorm float64, e *entry) float64 {
	switch x.opts.Metric {
	case MetricCosine:
		if qnorm == 0 || e.norm == 0 {
			return 1
		}
		return 1 - dot(q, e.vector)/(qnorm*e.norm)
	default:
		var sum float64
		for i := range q {
			d := float64(q[i]) - float64(e.vector[i])
			sum += d * d
		}
		return sum
	}
}

func (x *Index) similarity(dist float64) float64 {
	if x.opts.Metric == MetricCosine {
		return 1 - dist
	}
	return 1 / (1 + dist)
}

func dot(a, b []float32) float64 {
	var sum float64
	for i := range a {
		sum += float64(a[i]) * float64(b[i])
	}
	return sum
}

func norm(v []float32) float64 {
	return math.Sqrt(dot(v, v))
}
