package query

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mesh-intelligence/unidb/pkg/types"
)

func TestParseUpdate(t *testing.T) {
	c, err := ParseUpdate(types.Update{"age": 31, "name": "Ann"})
	require.NoError(t, err)
	require.Len(t, c.Mutations, 2)
	assert.Equal(t, types.OpSet, c.Mutations[0].Op)
	assert.Equal(t, "age", c.Mutations[0].Field)

	c, err = ParseUpdate(types.Update{
		"$push": map[string]any{"tags": "new"},
		"$inc":  map[string]any{"visits": 1},
		"$set":  map[string]any{"name": "Ann"},
	})
	require.NoError(t, err)
	assert.Equal(t, []types.Operator{types.OpSet, types.OpInc, types.OpPush}, c.Ops())
	assert.Len(t, c.ByOp(types.OpInc), 1)

	c, err = ParseUpdate(types.Update{})
	require.NoError(t, err)
	assert.True(t, c.Empty())
}

func TestParseUpdateErrors(t *testing.T) {
	tests := []struct {
		name    string
		update  types.Update
		wantErr error
	}{
		{"mixed", types.Update{"$set": map[string]any{"a": 1}, "b": 2}, types.ErrDatabase},
		{"unknown operator", types.Update{"$unset": map[string]any{"a": 1}}, types.ErrUnsupportedOperator},
		{"query operator", types.Update{"$eq": map[string]any{"a": 1}}, types.ErrUnsupportedOperator},
		{"operand not object", types.Update{"$set": 1}, types.ErrDatabase},
		{"inc non number", types.Update{"$inc": map[string]any{"a": "x"}}, types.ErrDatabase},
		{"id", types.Update{"id": "x"}, types.ErrDatabase},
		{"createdAt", types.Update{"$set": map[string]any{"createdAt": 1}}, types.ErrDatabase},
		{"same path twice", types.Update{"$set": map[string]any{"a": 1}, "$inc": map[string]any{"a": 1}}, types.ErrDatabase},
		{"nested path conflict", types.Update{"$set": map[string]any{"a": map[string]any{}, "a.b": 1}}, types.ErrDatabase},
		{"operator inside value", types.Update{"a": map[string]any{"$inc": 1}}, types.ErrDatabase},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseUpdate(tt.update)
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestApply(t *testing.T) {
	fields := types.MustFields(map[string]any{
		"visits": 1,
		"score":  1.5,
		"tags":   []string{"a"},
		"name":   "Ann",
	})
	c, err := ParseUpdate(types.Update{
		"$set":  map[string]any{"address.city": "Oslo"},
		"$inc":  map[string]any{"visits": 2, "score": 1, "fresh": 5},
		"$push": map[string]any{"tags": "a"},
		"$add":  map[string]any{"labels": "x"},
	})
	require.NoError(t, err)

	out, err := Apply(c, fields)
	require.NoError(t, err)

	visits, ok := out["visits"].AsInt()
	require.True(t, ok)
	assert.Equal(t, int64(3), visits)
	score, _ := out["score"].AsFloat()
	assert.Equal(t, 2.5, score)
	fresh, _ := out["fresh"].AsInt()
	assert.Equal(t, int64(5), fresh)
	tags, _ := out["tags"].AsList()
	assert.Len(t, tags, 2)
	labels, _ := out["labels"].AsList()
	assert.Len(t, labels, 1)
	city, ok := out.Get("address.city")
	require.True(t, ok)
	assert.True(t, city.Equal(types.StringValue("Oslo")))

	orig, _ := fields["visits"].AsInt()
	assert.Equal(t, int64(1), orig, "input must not be modified")

	c, err = ParseUpdate(types.Update{"$add": map[string]any{"tags": "a"}})
	require.NoError(t, err)
	out, err = Apply(c, fields)
	require.NoError(t, err)
	tags, _ = out["tags"].AsList()
	assert.Len(t, tags, 1, "$add keeps set semantics")
}

func TestApplyTypeErrors(t *testing.T) {
	fields := types.MustFields(map[string]any{"name": "Ann"})
	for _, u := range []types.Update{
		{"$inc": map[string]any{"name": 1}},
		{"$push": map[string]any{"name": "x"}},
		{"$set": map[string]any{"name.first": "x"}},
	} {
		c, err := ParseUpdate(u)
		require.NoError(t, err)
		_, err = Apply(c, fields)
		assert.ErrorIs(t, err, types.ErrDatabase, "%v", u)
	}
}

func TestCheckUpdate(t *testing.T) {
	c, err := ParseUpdate(types.Update{"$inc": map[string]any{"n": 1}})
	require.NoError(t, err)
	assert.ErrorIs(t, CheckUpdate(types.BackendCassandra, c, types.OpInc), types.ErrUnsupportedOperator)
	assert.NoError(t, CheckUpdate(types.BackendCassandra, c, types.OpPush))
}
