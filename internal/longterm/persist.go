package longterm

import (
	"bufio"
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/nidhogg/nuka-memory/internal/memory"
)

const (
	vectorMagic   = "NKMV"
	formatVersion = 1
	// magic(4) + version(2) + generation(16) + dimension(4) + count(8)
	vectorHeaderSize = 34
)

// Default artifact locations, relative to the working directory.
const (
	DefaultIndexPath    = "data/memory_index.bin"
	DefaultMetadataPath = "data/memory_map.json"
)

// Paths locate the two paired artifacts.
type Paths struct {
	Index    string `json:"index_path"`
	Metadata string `json:"metadata_path"`
}

func (p Paths) or(def Paths) Paths {
	if p.Index == "" {
		p.Index = def.Index
	}
	if p.Metadata == "" {
		p.Metadata = def.Metadata
	}
	return p
}

// Point is one fact with its vector, as handed to a Mirror.
type Point struct {
	Fact   memory.Fact
	Vector []float32
}

// Snapshot is a consistent copy of the index taken during Save.
type Snapshot struct {
	Generation uuid.UUID
	Dimension  int
	Metric     Metric
	NextID     int64
	Points     []Point
}

// Mirror receives every successfully saved snapshot.
type Mirror interface {
	Mirror(ctx context.Context, snap Snapshot) error
}

// Coordinator saves and loads an Index as a vector file plus a metadata
// file. Both carry the same generation id, dimension and entry count; Load
// refuses any pair that does not match exactly.
type Coordinator struct {
	index  *Index
	paths  Paths
	mirror Mirror
	logger *zap.Logger
}

// CoordinatorOption configures a Coordinator.
type CoordinatorOption func(*Coordinator)

// WithMirror pushes each saved snapshot to m. Mirror failures are logged and
// never fail the save.
func WithMirror(m Mirror) CoordinatorOption {
	return func(c *Coordinator) { c.mirror = m }
}

// NewCoordinator creates a coordinator whose empty paths fall back to defaults.
func NewCoordinator(index *Index, defaults Paths, logger *zap.Logger, opts ...CoordinatorOption) *Coordinator {
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Coordinator{
		index:  index,
		paths:  defaults.or(Paths{Index: DefaultIndexPath, Metadata: DefaultMetadataPath}),
		logger: logger,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Paths returns the default artifact locations.
func (c *Coordinator) Paths() Paths { return c.paths }

// Save writes both artifacts. Adds are blocked for the duration; searches
// continue against the pre-save state.
func (c *Coordinator) Save(ctx context.Context, p Paths) error {
	p = p.or(c.paths)
	snap, err := c.save(p)
	if err != nil {
		return err
	}
	c.logger.Info("saved long-term memory",
		zap.String("index", p.Index),
		zap.String("metadata", p.Metadata),
		zap.Int("facts", len(snap.Points)),
		zap.String("generation", snap.Generation.String()))

	if c.mirror != nil {
		if err := c.mirror.Mirror(ctx, snap); err != nil {
			c.logger.Warn("snapshot mirror failed", zap.Error(err))
		}
	}
	return nil
}

func (c *Coordinator) save(p Paths) (Snapshot, error) {
	if filepath.Clean(p.Index) == filepath.Clean(p.Metadata) {
		return Snapshot{}, fmt.Errorf("longterm: index and metadata paths are both %q", p.Index)
	}

	c.index.writeMu.Lock()
	defer c.index.writeMu.Unlock()

	snap := c.index.snapshot()
	snap.Generation = uuid.New()

	for _, path := range []string{p.Index, p.Metadata} {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return Snapshot{}, fmt.Errorf("create directory for %s: %w", path, err)
		}
	}

	vecTmp, err := writeTemp(p.Index, func(w io.Writer) error { return encodeVectors(w, snap) })
	if err != nil {
		return Snapshot{}, fmt.Errorf("write vector file: %w", err)
	}
	metaTmp, err := writeTemp(p.Metadata, func(w io.Writer) error { return encodeMetadata(w, snap) })
	if err != nil {
		os.Remove(vecTmp)
		return Snapshot{}, fmt.Errorf("write metadata file: %w", err)
	}

	// A crash between the two renames leaves artifacts with different
	// generations, which Load reports as corruption.
	if err := os.Rename(vecTmp, p.Index); err != nil {
		os.Remove(vecTmp)
		os.Remove(metaTmp)
		return Snapshot{}, fmt.Errorf("install vector file: %w", err)
	}
	if err := os.Rename(metaTmp, p.Metadata); err != nil {
		os.Remove(metaTmp)
		return Snapshot{}, fmt.Errorf("install metadata file: %w", err)
	}
	syncDir(filepath.Dir(p.Index))
	if d := filepath.Dir(p.Metadata); d != filepath.Dir(p.Index) {
		syncDir(d)
	}
	return snap, nil
}

// Load replaces the index contents with the saved pair. When neither file
// exists Load does nothing and returns nil.
func (c *Coordinator) Load(_ context.Context, p Paths) error {
	p = p.or(c.paths)

	vecOK, err := exists(p.Index)
	if err != nil {
		return err
	}
	metaOK, err := exists(p.Metadata)
	if err != nil {
		return err
	}
	switch {
	case !vecOK && !metaOK:
		c.logger.Info("no saved long-term memory, starting empty",
			zap.String("index", p.Index),
			zap.String("metadata", p.Metadata))
		return nil
	case !vecOK:
		return fmt.Errorf("%w: metadata %s has no vector file %s", memory.ErrIndexCorruption, p.Metadata, p.Index)
	case !metaOK:
		return fmt.Errorf("%w: vector file %s has no metadata %s", memory.ErrIndexCorruption, p.Index, p.Metadata)
	}

	c.index.writeMu.Lock()
	defer c.index.writeMu.Unlock()

	vf, err := readVectorFile(p.Index)
	if err != nil {
		return err
	}
	mf, err := readMetadataFile(p.Metadata)
	if err != nil {
		return err
	}
	entries, nextID, err := pair(vf, mf)
	if err != nil {
		return err
	}
	if want := c.index.opts.Dimension; want != 0 && (vf.dimension != 0 || len(entries) > 0) && int(vf.dimension) != want {
		return fmt.Errorf("%w: saved index has %d dimensions, configured %d", memory.ErrDimensionMismatch, vf.dimension, want)
	}
	if mf.Metric != "" && mf.Metric != c.index.opts.Metric {
		c.logger.Warn("saved metric differs from configured metric, ranking uses the configured one",
			zap.String("saved", string(mf.Metric)),
			zap.String("configured", string(c.index.opts.Metric)))
	}

	c.index.replace(entries, int(vf.dimension), nextID)
	c.logger.Info("loaded long-term memory",
		zap.String("index", p.Index),
		zap.Int("facts", len(entries)),
		zap.Int64("next_id", nextID),
		zap.String("generation", mf.Generation.String()))
	return nil
}

// snapshot copies the index. Callers hold writeMu.
func (x *Index) snapshot() Snapshot {
	x.mu.RLock()
	defer x.mu.RUnlock()
	snap := Snapshot{
		Dimension: x.dimension,
		Metric:    x.opts.Metric,
		NextID:    x.nextID,
		Points:    make([]Point, len(x.entries)),
	}
	for i, e := range x.entries {
		// Vectors are never mutated in place, so sharing them is safe.
		snap.Points[i] = Point{Fact: e.fact.Clone(), Vector: e.vector}
	}
	return snap
}

// replace swaps in loaded state. Callers hold writeMu.
func (x *Index) replace(entries []*entry, dimension int, nextID int64) {
	byID := make(map[int64]*entry, len(entries))
	for _, e := range entries {
		byID[e.fact.ID] = e
	}
	if dimension == 0 {
		dimension = x.opts.Dimension
	}

	x.mu.Lock()
	x.entries = entries
	x.byID = byID
	x.dimension = dimension
	x.nextID = nextID
	x.mu.Unlock()
}

type vectorHeader struct {
	Magic      [4]byte
	Version    uint16
	Generation [16]byte
	Dimension  uint32
	Count      uint64
}

type vectorFile struct {
	generation uuid.UUID
	dimension  uint32
	ids        []int64
	vectors    [][]float32
}

func encodeVectors(w io.Writer, snap Snapshot) error {
	h := vectorHeader{
		Version:    formatVersion,
		Generation: snap.Generation,
		Dimension:  uint32(snap.Dimension),
		Count:      uint64(len(snap.Points)),
	}
	copy(h.Magic[:], vectorMagic)
	if err := binary.Write(w, binary.LittleEndian, h); err != nil {
		return err
	}
	for _, pt := range snap.Points {
		if err := binary.Write(w, binary.LittleEndian, pt.Fact.ID); err != nil {
			return err
		}
		if err := binary.Write(w, binary.LittleEndian, pt.Vector); err != nil {
			return err
		}
	}
	return nil
}

func readVectorFile(path string) (*vectorFile, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open vector file: %w", err)
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("stat vector file: %w", err)
	}

	r := bufio.NewReader(f)
	var h vectorHeader
	if err := binary.Read(r, binary.LittleEndian, &h); err != nil {
		return nil, corrupt(path, "read header: %v", err)
	}
	if string(h.Magic[:]) != vectorMagic {
		return nil, corrupt(path, "bad magic %q", h.Magic[:])
	}
	if h.Version != formatVersion {
		return nil, corrupt(path, "unsupported version %d", h.Version)
	}
	if h.Count > 0 && h.Dimension == 0 {
		return nil, corrupt(path, "%d entries with zero dimension", h.Count)
	}
	// Checking the size first keeps a damaged count from driving allocation.
	// Count is bounded by the payload before multiplying so it cannot overflow.
	payload := uint64(info.Size()) - vectorHeaderSize
	perEntry := 8 + 4*uint64(h.Dimension)
	if h.Count > payload/perEntry || payload != h.Count*perEntry {
		return nil, corrupt(path, "size %d does not match %d entries of dimension %d", info.Size(), h.Count, h.Dimension)
	}

	vf := &vectorFile{
		generation: h.Generation,
		dimension:  h.Dimension,
		ids:        make([]int64, h.Count),
		vectors:    make([][]float32, h.Count),
	}
	for i := range vf.ids {
		if err := binary.Read(r, binary.LittleEndian, &vf.ids[i]); err != nil {
			return nil, corrupt(path, "read id %d: %v", i, err)
		}
		vec := make([]float32, h.Dimension)
		if err := binary.Read(r, binary.LittleEndian, vec); err != nil {
			return nil, corrupt(path, "read vector %d: %v", i, err)
		}
		vf.vectors[i] = vec
	}
	return vf, nil
}

type metadataEntry struct {
	ID          int64           `json:"id"`
	Text        string          `json:"text"`
	UserID      string          `json:"user_id"`
	Tags        []string        `json:"tags"`
	Priority    memory.Priority `json:"priority"`
	CreatedAt   time.Time       `json:"created_at"`
	AccessCount int64           `json:"access_count"`
}

type metadataFile struct {
	Version    int             `json:"version"`
	Generation uuid.UUID       `json:"generation"`
	Dimension  int             `json:"dimension"`
	Metric     Metric          `json:"metric"`
	NextID     int64           `json:"next_id"`
	Entries    []metadataEntry `json:"entries"`
}

func encodeMetadata(w io.Writer, snap Snapshot) error {
	mf := metadataFile{
		Version:    formatVersion,
		Generation: snap.Generation,
		Dimension:  snap.Dimension,
		Metric:     snap.Metric,
		NextID:     snap.NextID,
		Entries:    make([]metadataEntry, len(snap.Points)),
	}
	for i, pt := range snap.Points {
		f := pt.Fact
		tags := f.Tags
		if tags == nil {
			tags = []string{}
		}
		mf.Entries[i] = metadataEntry{
			ID:          f.ID,
			Text:        f.Text,
			UserID:      f.UserID,
			Tags:        tags,
			Priority:    f.Priority,
			CreatedAt:   f.CreatedAt,
			AccessCount: f.AccessCount,
		}
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(mf)
}

func readMetadataFile(path string) (*metadataFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read metadata file: %w", err)
	}
	var mf metadataFile
	if err := json.Unmarshal(data, &mf); err != nil {
		return nil, corrupt(path, "parse: %v", err)
	}
	if mf.Version != formatVersion {
		return nil, corrupt(path, "unsupported version %d", mf.Version)
	}
	return &mf, nil
}

// pair checks that the two artifacts describe exactly the same entries and
// joins them into index entries sorted by id.
func pair(vf *vectorFile, mf *metadataFile) ([]*entry, int64, error) {
	if vf.generation != mf.Generation {
		return nil, 0, fmt.Errorf("%w: generation %s in vector file, %s in metadata", memory.ErrIndexCorruption, vf.generation, mf.Generation)
	}
	if int(vf.dimension) != mf.Dimension {
		return nil, 0, fmt.Errorf("%w: dimension %d in vector file, %d in metadata", memory.ErrIndexCorruption, vf.dimension, mf.Dimension)
	}
	if len(vf.ids) > 0 && vf.dimension == 0 {
		return nil, 0, fmt.Errorf("%w: %d vectors with zero dimension", memory.ErrIndexCorruption, len(vf.ids))
	}
	if len(vf.ids) != len(mf.Entries) {
		return nil, 0, fmt.Errorf("%w: %d vectors but %d metadata entries", memory.ErrIndexCorruption, len(vf.ids), len(mf.Entries))
	}

	vectors := make(map[int64][]float32, len(vf.ids))
	for i, id := range vf.ids {
		if _, dup := vectors[id]; dup {
			return nil, 0, fmt.Errorf("%w: duplicate id %d in vector file", memory.ErrIndexCorruption, id)
		}
		vectors[id] = vf.vectors[i]
	}

	entries := make([]*entry, 0, len(mf.Entries))
	seen := make(map[int64]struct{}, len(mf.Entries))
	nextID := mf.NextID
	for _, m := range mf.Entries {
		if _, dup := seen[m.ID]; dup {
			return nil, 0, fmt.Errorf("%w: duplicate id %d in metadata", memory.ErrIndexCorruption, m.ID)
		}
		seen[m.ID] = struct{}{}
		vec, ok := vectors[m.ID]
		if !ok {
			return nil, 0, fmt.Errorf("%w: metadata id %d has no vector", memory.ErrIndexCorruption, m.ID)
		}
		if !m.Priority.Valid() {
			return nil, 0, fmt.Errorf("%w: id %d has no priority", memory.ErrIndexCorruption, m.ID)
		}
		entries = append(entries, newEntry(memory.Fact{
			ID:          m.ID,
			Text:        m.Text,
			UserID:      m.UserID,
			Tags:        memory.NormalizeTags(m.Tags),
			Priority:    m.Priority,
			CreatedAt:   m.CreatedAt,
			AccessCount: m.AccessCount,
		}, vec))
		if m.ID >= nextID {
			nextID = m.ID + 1
		}
	}
	// Equal counts, unique ids and every metadata id found means the id sets match.

	sort.Slice(entries, func(i, j int) bool { return entries[i].fact.ID < entries[j].fact.ID })
	return entries, nextID, nil
}

func corrupt(path, format string, args ...any) error {
	return fmt.Errorf("%w: %s: %s", memory.ErrIndexCorruption, path, fmt.Sprintf(format, args...))
}

func exists(path string) (bool, error) {
	_, err := os.Stat(path)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	return false, fmt.Errorf("stat %s: %w", path, err)
}

// writeTemp writes a sibling temp file of target and fsyncs it, returning
// its name.
func writeTemp(target string, write func(io.Writer) error) (string, error) {
	f, err := os.CreateTemp(filepath.Dir(target), "."+filepath.Base(target)+".tmp-*")
	if err != nil {
		return "", err
	}
	name := f.Name()
	fail := func(err error) (string, error) {
		f.Close()
		os.Remove(name)
		return "", err
	}

	w := bufio.NewWriter(f)
	if err := write(w); err != nil {
		return fail(err)
	}
	if err := w.Flush(); err != nil {
		return fail(err)
	}
	if err := f.Sync(); err != nil {
		return fail(err)
	}
	if err := f.Close(); err != nil {
		os.Remove(name)
		return "", err
	}
	return name, nil
}

func syncDir(dir string) {
	d, err := os.Open(dir)
	if err != nil {
		return
	}
	d.Sync() //nolint:errcheck // not supported on every platform
	d.Close()
}
