package schema

import (
	"encoding/base64"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mesh-intelligence/unidb/pkg/types"
)

func TestEnforce(t *testing.T) {
	s, err := Normalize(types.Schema{
		"name":   {Type: types.TypeString, Required: true},
		"age":    {Type: types.TypeNumber, Default: 18},
		"active": {Type: types.TypeBoolean, Default: true},
	}, nil)
	require.NoError(t, err)

	out, err := Enforce(s, types.MustFields(map[string]any{"name": "Ann", "age": nil, "extra": 1}))
	require.NoError(t, err)
	assert.True(t, out["age"].Equal(types.IntValue(18)))
	assert.True(t, out["active"].Equal(types.BoolValue(true)))
	assert.True(t, out["extra"].Equal(types.IntValue(1)), "undeclared fields pass through")

	_, err = Enforce(s, types.MustFields(map[string]any{"age": 3}))
	assert.ErrorIs(t, err, types.ErrDatabase)

	_, err = Enforce(s, types.MustFields(map[string]any{"name": 3}))
	assert.ErrorIs(t, err, types.ErrDatabase)
}

func TestValidateNested(t *testing.T) {
	s, err := Normalize(sampleSchema(), nil)
	require.NoError(t, err)

	ok := types.MustFields(map[string]any{
		"name":    "Ann",
		"tags":    []string{"a"},
		"address": map[string]any{"city": "Oslo", "pos": map[string]any{"lat": 59.9}},
		"history": []any{map[string]any{"at": "2024-01-01T00:00:00Z"}},
		"meta":    map[string]any{"anything": []any{1, "x"}},
	})
	out, err := Validate(s, ok)
	require.NoError(t, err)
	hist, _ := out["history"].AsList()
	at, _ := hist[0].AsMap()
	assert.Equal(t, types.ValueTime, at["at"].Kind())

	for name, f := range map[string]map[string]any{
		"nested required": {"name": "Ann", "address": map[string]any{"zip": "1"}},
		"nested type":     {"name": "Ann", "address": map[string]any{"city": 1}},
		"items type":      {"name": "Ann", "tags": []any{1}},
		"array not list":  {"name": "Ann", "tags": "a"},
	} {
		_, err := Validate(s, types.MustFields(f))
		assert.ErrorIs(t, err, types.ErrDatabase, name)
	}
}

func TestCoerce(t *testing.T) {
	s := types.Schema{
		"at":   {Type: types.TypeDate},
		"ms":   {Type: types.TypeDate},
		"blob": {Type: types.TypeBuffer},
		"name": {Type: types.TypeString},
	}
	when := time.Date(2024, 5, 6, 7, 8, 9, 0, time.UTC)
	out := Coerce(s, types.Fields{
		"at":   types.StringValue(when.Format(types.TimeLayout)),
		"ms":   types.IntValue(when.UnixMilli()),
		"blob": types.StringValue(base64.StdEncoding.EncodeToString([]byte("hi"))),
		"name": types.StringValue("2024-05-06T07:08:09Z"),
	})
	at, ok := out["at"].AsTime()
	require.True(t, ok)
	assert.True(t, at.Equal(when))
	ms, ok := out["ms"].AsTime()
	require.True(t, ok)
	assert.True(t, ms.Equal(when))
	blob, ok := out["blob"].AsBytes()
	require.True(t, ok)
	assert.Equal(t, []byte("hi"), blob)
	assert.Equal(t, types.ValueString, out["name"].Kind())
}

func TestValidateUUID(t *testing.T) {
	s := types.Schema{"ref": {Type: types.TypeUUID}}
	_, err := Validate(s, types.Fields{"ref": types.StringValue("0190d5b0-7c4e-7a3c-9f6e-2b1d4c3a5e6f")})
	assert.NoError(t, err)
	_, err = Validate(s, types.Fields{"ref": types.StringValue("nope")})
	assert.ErrorIs(t, err, types.ErrDatabase)
}
