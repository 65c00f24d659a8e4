package schema

import (
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mesh-intelligence/unidb/pkg/types"
)

// textTarget renders each node as a short type expression.
type textTarget struct {
	native bool
	fail   string
}

func (t textTarget) Scalar(path string, def types.FieldDef) (string, error) {
	if path == t.fail {
		return "", errors.New("boom")
	}
	return string(def.Type), nil
}

func (textTarget) Array(_ string, def types.FieldDef, items string) (string, error) {
	return fmt.Sprintf("%s<%s>", def.Type, items), nil
}

func (textTarget) Object(_ string, _ types.FieldDef, props []Prop[string]) (string, error) {
	parts := make([]string, len(props))
	for i, p := range props {
		parts[i] = p.Name + ":" + p.Node
	}
	return "{" + strings.Join(parts, ",") + "}", nil
}

func (textTarget) Dynamic(_ string, def types.FieldDef) (string, error) {
	return "dynamic", nil
}

func (t textTarget) NativeTimestamps() bool { return t.native }

func render(props []Prop[string]) []string {
	out := make([]string, len(props))
	for i, p := range props {
		out[i] = p.Name + "=" + p.Node
	}
	return out
}

func TestCompile(t *testing.T) {
	s, err := Normalize(sampleSchema(), nil)
	require.NoError(t, err)

	props, err := Compile[string](s, textTarget{})
	require.NoError(t, err)
	assert.Equal(t, []string{
		"address={city:string,pos:{lat:number},zip:string}",
		"age=number",
		"born=date",
		"extras=map",
		"geo=dynamic",
		"history=array<{at:date}>",
		"labels=set<dynamic>",
		"meta=dynamic",
		"name=string",
		"owner=objectId",
		"payload=buffer",
		"tags=array<string>",
		"createdAt=date",
		"updatedAt=date",
	}, render(props))
	assert.True(t, props[len(props)-1].Def.Required)
}

func TestCompileNativeTimestamps(t *testing.T) {
	props, err := Compile[string](types.Schema{"a": {Type: types.TypeString}}, textTarget{native: true})
	require.NoError(t, err)
	assert.Equal(t, []string{"a=string"}, render(props))
}

func TestCompileEmptySchemaGetsEnvelope(t *testing.T) {
	props, err := Compile[string](types.Schema{}, textTarget{})
	require.NoError(t, err)
	assert.Equal(t, []string{"createdAt=date", "updatedAt=date"}, render(props))
}

func TestCompilePropagatesTargetErrors(t *testing.T) {
	s := types.Schema{"o": {Type: types.TypeObject, Properties: types.Schema{"x": {Type: types.TypeString}}}}
	_, err := Compile[string](s, textTarget{fail: "o.x"})
	assert.EqualError(t, err, "boom")
}
