package memory

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// Priority ranks how important a memory is. The zero value is invalid;
// use the named constants. Ordering is total: LOW < MEDIUM < HIGH.
type Priority int

const (
	PriorityLow Priority = iota + 1
	PriorityMedium
	PriorityHigh
)

// String returns the upper-case name used in logs, context rendering and files.
func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "LOW"
	case PriorityMedium:
		return "MEDIUM"
	case PriorityHigh:
		return "HIGH"
	default:
		return fmt.Sprintf("Priority(%d)", int(p))
	}
}

// Valid reports whether p is one of the defined levels.
func (p Priority) Valid() bool {
	return p >= PriorityLow && p <= PriorityHigh
}

// OrDefault returns p, or def when p is unset.
func (p Priority) OrDefault(def Priority) Priority {
	if p.Valid() {
		return p
	}
	return def
}

// ParsePriority accepts "low", "medium" or "high" in any case.
func ParsePriority(s string) (Priority, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "LOW":
		return PriorityLow, nil
	case "MEDIUM":
		return PriorityMedium, nil
	case "HIGH":
		return PriorityHigh, nil
	}
	return 0, fmt.Errorf("unknown priority %q", s)
}

// MarshalText encodes the priority by name.
func (p Priority) MarshalText() ([]byte, error) {
	if !p.Valid() {
		return nil, fmt.Errorf("invalid priority %d", int(p))
	}
	return []byte(p.String()), nil
}

// UnmarshalText decodes a priority name.
func (p *Priority) UnmarshalText(b []byte) error {
	v, err := ParsePriority(string(b))
	if err != nil {
		return err
	}
	*p = v
	return nil
}

// Role identifies who produced a conversation turn.
type Role string

const (
	RoleUser  Role = "user"
	RoleAgent Role = "agent"
)

// Valid reports whether r is a known role.
func (r Role) Valid() bool {
	return r == RoleUser || r == RoleAgent
}

// Turn is a single working-memory entry.
type Turn struct {
	SessionID string         `json:"session_id"`
	Role      Role           `json:"role"`
	Content   string         `json:"content"`
	Timestamp time.Time      `json:"timestamp"`
	Priority  Priority       `json:"priority"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// Fact is a long-term memory entry. The embedding vector is owned by the
// index and never exposed on this type.
type Fact struct {
	ID          int64     `json:"id"`
	Text        string    `json:"text"`
	UserID      string    `json:"user_id,omitempty"`
	Tags        []string  `json:"tags"`
	Priority    Priority  `json:"priority"`
	CreatedAt   time.Time `json:"created_at"`
	AccessCount int64     `json:"access_count"`
}

// HasTags reports whether the fact carries every tag in want.
func (f *Fact) HasTags(want []string) bool {
	for _, w := range want {
		i := sort.SearchStrings(f.Tags, w)
		if i >= len(f.Tags) || f.Tags[i] != w {
			return false
		}
	}
	return true
}

// Clone returns a deep copy safe to hand to callers.
func (f *Fact) Clone() Fact {
	c := *f
	c.Tags = append([]string(nil), f.Tags...)
	return c
}

// NormalizeTags trims, deduplicates and sorts tags, dropping empty ones.
func NormalizeTags(tags []string) []string {
	seen := make(map[string]struct{}, len(tags))
	out := make([]string, 0, len(tags))
	for _, t := range tags {
		t = strings.TrimSpace(t)
		if t == "" {
			continue
		}
		if _, ok := seen[t]; ok {
			continue
		}
		seen[t] = struct{}{}
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}
