package record

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mesh-intelligence/unidb/pkg/types"
)

func TestNewID(t *testing.T) {
	id := NewID()
	parsed, err := uuid.Parse(id)
	require.NoError(t, err)
	assert.Equal(t, uuid.Version(7), parsed.Version())
	assert.NotEqual(t, id, NewID())
}

func TestClockStrictlyIncreases(t *testing.T) {
	fixed := time.Date(2024, 1, 1, 0, 0, 0, 123456789, time.UTC)
	c := NewClock(func() time.Time { return fixed })

	a := c.Now()
	b := c.Now()
	assert.Equal(t, fixed.Truncate(time.Millisecond), a)
	assert.True(t, b.After(a))
	assert.Equal(t, time.Millisecond, b.Sub(a))
}

func TestNew(t *testing.T) {
	r := New(types.MustFields(map[string]any{"name": "Ann"}))
	assert.NotEmpty(t, r.ID)
	assert.Equal(t, r.CreatedAt, r.UpdatedAt)
	assert.False(t, r.CreatedAt.IsZero())
}

func TestParseTime(t *testing.T) {
	want := time.Date(2024, 3, 4, 5, 6, 7, 8000000, time.UTC)
	for _, in := range []any{
		want,
		want.Format(types.TimeLayout),
		want.Format(time.RFC3339Nano),
		want.UnixMilli(),
		float64(want.UnixMilli()),
		types.TimeValue(want),
	} {
		got, err := ParseTime(in)
		require.NoError(t, err, "%T", in)
		assert.True(t, want.Equal(got), "%T: %v", in, got)
	}
	_, err := ParseTime(true)
	assert.Error(t, err)
}

func TestFromMap(t *testing.T) {
	now := time.Now().UTC().Truncate(time.Millisecond)
	r, err := FromMap(map[string]any{
		"_id":       "abc",
		"id":        "ignored",
		"name":      "Ann",
		"createdAt": now,
		"updatedAt": now.Format(types.TimeLayout),
	}, types.FieldObjectID)
	require.NoError(t, err)
	assert.Equal(t, "abc", r.ID)
	assert.Len(t, r.Fields, 1)
	assert.True(t, r.CreatedAt.Equal(now))
	assert.True(t, r.UpdatedAt.Equal(now))

	_, err = FromMap(map[string]any{"id": "x", "createdAt": "yesterday"}, types.FieldID)
	assert.Error(t, err)
}
