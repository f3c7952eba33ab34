package working

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nidhogg/nuka-memory/internal/memory"
)

// fakeClock is a manually advanced clock shared by a store under test.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func userTurn(session, content string) memory.Turn {
	return memory.Turn{SessionID: session, Role: memory.RoleUser, Content: content}
}

func contents(turns []memory.Turn) []string {
	out := make([]string, len(turns))
	for i, t := range turns {
		out[i] = t.Content
	}
	return out
}

// storeFactory builds a fresh, empty store for one subtest.
type storeFactory func(t *testing.T, opts Options) Store

// runStoreContract checks the behavior every backend shares. Backends that
// expire by wall clock (Redis) pass ttlByClock=false and skip clock tests.
func runStoreContract(t *testing.T, newStore storeFactory, ttlByClock bool) {
	ctx := context.Background()

	t.Run("window keeps newest turns", func(t *testing.T) {
		s := newStore(t, Options{MaxWindowSize: 10})
		for i := 1; i <= 12; i++ {
			require.NoError(t, s.Append(ctx, userTurn("s1", fmt.Sprintf("t%d", i))))
		}

		turns, err := s.Recent(ctx, "s1", 0)
		require.NoError(t, err)
		want := []string{"t3", "t4", "t5", "t6", "t7", "t8", "t9", "t10", "t11", "t12"}
		assert.Equal(t, want, contents(turns))
	})

	t.Run("limit returns the tail", func(t *testing.T) {
		s := newStore(t, Options{MaxWindowSize: 5})
		for i := 1; i <= 4; i++ {
			require.NoError(t, s.Append(ctx, userTurn("s1", fmt.Sprintf("t%d", i))))
		}

		turns, err := s.Recent(ctx, "s1", 2)
		require.NoError(t, err)
		assert.Equal(t, []string{"t3", "t4"}, contents(turns))

		turns, err = s.Recent(ctx, "s1", 50)
		require.NoError(t, err)
		assert.Len(t, turns, 4)
	})

	t.Run("unknown session is empty", func(t *testing.T) {
		s := newStore(t, Options{})
		turns, err := s.Recent(ctx, "nobody", 5)
		require.NoError(t, err)
		assert.Empty(t, turns)
	})

	t.Run("sessions are isolated", func(t *testing.T) {
		s := newStore(t, Options{})
		require.NoError(t, s.Append(ctx, userTurn("a", "for a")))
		require.NoError(t, s.Append(ctx, userTurn("b", "for b")))

		turns, err := s.Recent(ctx, "a", 0)
		require.NoError(t, err)
		assert.Equal(t, []string{"for a"}, contents(turns))
	})

	t.Run("defaults are filled", func(t *testing.T) {
		s := newStore(t, Options{})
		require.NoError(t, s.Append(ctx, memory.Turn{
			SessionID: "s1",
			Role:      memory.RoleAgent,
			Content:   "hi",
			Metadata:  map[string]any{"channel": "web"},
		}))

		turns, err := s.Recent(ctx, "s1", 1)
		require.NoError(t, err)
		require.Len(t, turns, 1)
		assert.Equal(t, memory.PriorityMedium, turns[0].Priority)
		assert.Equal(t, memory.RoleAgent, turns[0].Role)
		assert.False(t, turns[0].Timestamp.IsZero())
		assert.Equal(t, "web", turns[0].Metadata["channel"])
	})

	t.Run("empty session id is rejected", func(t *testing.T) {
		s := newStore(t, Options{})
		assert.Error(t, s.Append(ctx, userTurn("", "x")))
	})

	t.Run("clear is idempotent", func(t *testing.T) {
		s := newStore(t, Options{})
		require.NoError(t, s.Append(ctx, userTurn("s1", "x")))
		require.NoError(t, s.Clear(ctx, "s1"))
		require.NoError(t, s.Clear(ctx, "s1"))

		turns, err := s.Recent(ctx, "s1", 0)
		require.NoError(t, err)
		assert.Empty(t, turns)
	})

	t.Run("stats count live sessions", func(t *testing.T) {
		s := newStore(t, Options{MaxWindowSize: 3})
		for i := 0; i < 5; i++ {
			require.NoError(t, s.Append(ctx, userTurn("a", "x")))
		}
		require.NoError(t, s.Append(ctx, userTurn("b", "y")))

		st, err := s.Stats(ctx)
		require.NoError(t, err)
		assert.Equal(t, Stats{Sessions: 2, Turns: 4}, st)
	})

	t.Run("concurrent appends respect the window", func(t *testing.T) {
		s := newStore(t, Options{MaxWindowSize: 10})
		var wg sync.WaitGroup
		for i := 0; i < 40; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				assert.NoError(t, s.Append(ctx, userTurn("busy", fmt.Sprintf("t%d", i))))
			}(i)
		}
		wg.Wait()

		turns, err := s.Recent(ctx, "busy", 0)
		require.NoError(t, err)
		assert.Len(t, turns, 10)
	})

	if !ttlByClock {
		return
	}

	t.Run("session expires after ttl", func(t *testing.T) {
		clock := newFakeClock()
		s := newStore(t, Options{TTL: time.Hour, Now: clock.Now})
		require.NoError(t, s.Append(ctx, userTurn("s1", "x")))

		clock.Advance(59 * time.Minute)
		turns, err := s.Recent(ctx, "s1", 0)
		require.NoError(t, err)
		assert.Len(t, turns, 1)

		clock.Advance(2 * time.Minute)
		turns, err = s.Recent(ctx, "s1", 0)
		require.NoError(t, err)
		assert.Empty(t, turns)

		st, err := s.Stats(ctx)
		require.NoError(t, err)
		assert.Zero(t, st.Sessions)
	})

	t.Run("append keeps the whole window alive", func(t *testing.T) {
		clock := newFakeClock()
		s := newStore(t, Options{TTL: time.Hour, Now: clock.Now})
		require.NoError(t, s.Append(ctx, userTurn("s1", "old")))

		clock.Advance(50 * time.Minute)
		require.NoError(t, s.Append(ctx, userTurn("s1", "new")))

		clock.Advance(20 * time.Minute)
		turns, err := s.Recent(ctx, "s1", 0)
		require.NoError(t, err)
		assert.Equal(t, []string{"old", "new"}, contents(turns))

		st, err := s.Stats(ctx)
		require.NoError(t, err)
		assert.Equal(t, Stats{Sessions: 1, Turns: 2}, st)
	})

	t.Run("max turn age hides old turns", func(t *testing.T) {
		clock := newFakeClock()
		s := newStore(t, Options{TTL: time.Hour, MaxTurnAge: time.Hour, Now: clock.Now})
		require.NoError(t, s.Append(ctx, userTurn("s1", "old")))

		clock.Advance(50 * time.Minute)
		require.NoError(t, s.Append(ctx, userTurn("s1", "new")))

		clock.Advance(20 * time.Minute)
		turns, err := s.Recent(ctx, "s1", 0)
		require.NoError(t, err)
		assert.Equal(t, []string{"new"}, contents(turns))
	})

	t.Run("append after expiry starts a new window", func(t *testing.T) {
		clock := newFakeClock()
		s := newStore(t, Options{TTL: time.Hour, Now: clock.Now})
		require.NoError(t, s.Append(ctx, userTurn("s1", "gone")))

		clock.Advance(2 * time.Hour)
		require.NoError(t, s.Append(ctx, userTurn("s1", "fresh")))

		turns, err := s.Recent(ctx, "s1", 0)
		require.NoError(t, err)
		assert.Equal(t, []string{"fresh"}, contents(turns))
	})
}

func TestInMemoryStore(t *testing.T) {
	runStoreContract(t, func(t *testing.T, opts Options) Store {
		return NewInMemoryStore(opts, nil)
	}, true)
}

func TestClampLimit(t *testing.T) {
	o := Options{MaxWindowSize: 10}.withDefaults()
	assert.Equal(t, 10, o.clampLimit(0))
	assert.Equal(t, 10, o.clampLimit(-3))
	assert.Equal(t, 4, o.clampLimit(4))
	assert.Equal(t, 10, o.clampLimit(11))
}

func TestUnavailableWrapsSentinel(t *testing.T) {
	err := unavailable("ping", fmt.Errorf("connection refused"))
	assert.ErrorIs(t, err, memory.ErrStoreUnavailable)
	assert.Contains(t, err.Error(), "connection refused")
}
