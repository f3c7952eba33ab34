package memory

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPriorityOrder(t *testing.T) {
	assert.Less(t, PriorityLow, PriorityMedium)
	assert.Less(t, PriorityMedium, PriorityHigh)
	assert.False(t, Priority(0).Valid())
	assert.Equal(t, PriorityHigh, Priority(0).OrDefault(PriorityHigh))
	assert.Equal(t, PriorityLow, PriorityLow.OrDefault(PriorityHigh))
}

func TestParsePriority(t *testing.T) {
	cases := map[string]Priority{
		"low":    PriorityLow,
		"MEDIUM": PriorityMedium,
		" High ": PriorityHigh,
	}
	for in, want := range cases {
		got, err := ParsePriority(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}

	_, err := ParsePriority("critical")
	assert.Error(t, err)
}

func TestPriorityJSON(t *testing.T) {
	b, err := json.Marshal(struct {
		P Priority `json:"p"`
	}{PriorityMedium})
	require.NoError(t, err)
	assert.JSONEq(t, `{"p":"MEDIUM"}`, string(b))

	var out struct {
		P Priority `json:"p"`
	}
	require.NoError(t, json.Unmarshal([]byte(`{"p":"high"}`), &out))
	assert.Equal(t, PriorityHigh, out.P)

	_, err = json.Marshal(Priority(7))
	assert.Error(t, err)
}

func TestNormalizeTags(t *testing.T) {
	got := NormalizeTags([]string{"b", " a", "", "b", "c "})
	assert.Equal(t, []string{"a", "b", "c"}, got)
	assert.Empty(t, NormalizeTags(nil))
}

func TestFactHasTags(t *testing.T) {
	f := Fact{Tags: NormalizeTags([]string{"insurance", "kb", "faq"})}
	assert.True(t, f.HasTags(nil))
	assert.True(t, f.HasTags([]string{"kb"}))
	assert.True(t, f.HasTags([]string{"insurance", "faq"}))
	assert.False(t, f.HasTags([]string{"kb", "missing"}))
}

func TestFactClone(t *testing.T) {
	f := Fact{ID: 1, Tags: []string{"a"}}
	c := f.Clone()
	c.Tags[0] = "z"
	assert.Equal(t, "a", f.Tags[0])
}

func TestRoleValid(t *testing.T) {
	assert.True(t, RoleUser.Valid())
	assert.True(t, RoleAgent.Valid())
	assert.False(t, Role("system").Valid())
}
