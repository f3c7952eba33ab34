package working

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/nidhogg/nuka-memory/internal/memory"
)

var _ Store = (*InMemoryStore)(nil)

type window struct {
	turns     []memory.Turn
	expiresAt time.Time
}

// InMemoryStore keeps windows in process memory. Expired sessions are
// removed lazily on access and by Stats.
type InMemoryStore struct {
	mu       sync.Mutex
	sessions map[string]*window
	opts     Options
	logger   *zap.Logger
}

// NewInMemoryStore creates an empty store.
func NewInMemoryStore(opts Options, logger *zap.Logger) *InMemoryStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &InMemoryStore{
		sessions: make(map[string]*window),
		opts:     opts.withDefaults(),
		logger:   logger,
	}
}

// Append implements Store.
func (s *InMemoryStore) Append(_ context.Context, turn memory.Turn) error {
	turn, err := s.opts.prepareTurn(turn)
	if err != nil {
		return err
	}
	now := s.opts.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	w := s.live(turn.SessionID, now)
	if w == nil {
		w = &window{}
		s.sessions[turn.SessionID] = w
	}
	w.turns = append(w.turns, turn)
	if over := len(w.turns) - s.opts.MaxWindowSize; over > 0 {
		w.turns = append([]memory.Turn(nil), w.turns[over:]...)
	}
	w.expiresAt = now.Add(s.opts.TTL)

	s.logger.Debug("appended turn",
		zap.String("session", turn.SessionID),
		zap.Int("window", len(w.turns)))
	return nil
}

// Recent implements Store.
func (s *InMemoryStore) Recent(_ context.Context, sessionID string, limit int) ([]memory.Turn, error) {
	limit = s.opts.clampLimit(limit)

	s.mu.Lock()
	defer s.mu.Unlock()

	w := s.live(sessionID, s.opts.Now())
	if w == nil {
		return []memory.Turn{}, nil
	}
	turns := w.turns
	if len(turns) > limit {
		turns = turns[len(turns)-limit:]
	}
	return s.opts.fresh(turns), nil
}

// Clear implements Store.
func (s *InMemoryStore) Clear(_ context.Context, sessionID string) error {
	s.mu.Lock()
	delete(s.sessions, sessionID)
	s.mu.Unlock()
	return nil
}

// Stats implements Store.
func (s *InMemoryStore) Stats(_ context.Context) (Stats, error) {
	now := s.opts.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	var st Stats
	for id := range s.sessions {
		w := s.live(id, now)
		if w == nil {
			continue
		}
		st.Sessions++
		st.Turns += len(s.opts.fresh(w.turns))
	}
	return st, nil
}

// live returns the session window, deleting it if expired. Callers hold mu.
func (s *InMemoryStore) live(sessionID string, now time.Time) *window {
	w, ok := s.sessions[sessionID]
	if !ok {
		return nil
	}
	if !now.Before(w.expiresAt) {
		delete(s.sessions, sessionID)
		return nil
	}
	return w
}
