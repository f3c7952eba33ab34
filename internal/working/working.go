// Package working holds the short-term, per-session sliding window of
// conversation turns.
//
// Every backend enforces the same contract: a session keeps at most
// MaxWindowSize turns (oldest evicted first) and every append refreshes the
// TTL of the whole session, so any activity keeps the full window alive.
// Per-turn aging is opt-in through Options.MaxTurnAge.
package working

import (
	"context"
	"fmt"
	"time"

	"github.com/nidhogg/nuka-memory/internal/memory"
)

const (
	DefaultMaxWindowSize = 10
	DefaultTTL           = 24 * time.Hour
)

// Store is the capability set every working-memory backend provides.
type Store interface {
	// Append adds a turn at the tail of its session window, evicts from the
	// head past the window size and refreshes the session TTL, atomically.
	Append(ctx context.Context, turn memory.Turn) error
	// Recent returns up to limit most recent turns, oldest first. A missing
	// or expired session yields an empty slice and no error.
	Recent(ctx context.Context, sessionID string, limit int) ([]memory.Turn, error)
	// Clear drops the session. Clearing an absent session is not an error.
	Clear(ctx context.Context, sessionID string) error
	// Stats counts live sessions and turns.
	Stats(ctx context.Context) (Stats, error)
}

// Stats summarizes working memory.
type Stats struct {
	Sessions int `json:"sessions"`
	Turns    int `json:"turns"`
}

// Options are shared by all backends.
type Options struct {
	MaxWindowSize int
	TTL           time.Duration

	// MaxTurnAge hides individual turns older than this from reads.
	// Zero, the default, leaves visibility to session expiry alone.
	MaxTurnAge time.Duration

	// Now overrides the clock; tests use it to step past the TTL.
	Now func() time.Time
}

func (o Options) withDefaults() Options {
	if o.MaxWindowSize <= 0 {
		o.MaxWindowSize = DefaultMaxWindowSize
	}
	if o.TTL <= 0 {
		o.TTL = DefaultTTL
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	return o
}

// clampLimit maps a caller limit onto (0, window].
func (o Options) clampLimit(limit int) int {
	if limit <= 0 || limit > o.MaxWindowSize {
		return o.MaxWindowSize
	}
	return limit
}

// fresh drops turns older than MaxTurnAge. It returns turns unchanged when
// per-turn aging is off.
func (o Options) fresh(turns []memory.Turn) []memory.Turn {
	if o.MaxTurnAge <= 0 {
		return turns
	}
	cutoff := o.Now().Add(-o.MaxTurnAge)
	out := make([]memory.Turn, 0, len(turns))
	for _, t := range turns {
		if !t.Timestamp.Before(cutoff) {
			out = append(out, t)
		}
	}
	return out
}

// prepareTurn validates a turn and fills the timestamp and priority when unset.
func (o Options) prepareTurn(turn memory.Turn) (memory.Turn, error) {
	if turn.SessionID == "" {
		return turn, fmt.Errorf("working: empty session id")
	}
	if turn.Timestamp.IsZero() {
		turn.Timestamp = o.Now()
	}
	turn.Priority = turn.Priority.OrDefault(memory.PriorityMedium)
	return turn, nil
}

func unavailable(op string, err error) error {
	return fmt.Errorf("%w: %s: %v", memory.ErrStoreUnavailable, op, err)
}
