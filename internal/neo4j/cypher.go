package neo4j

import (
	"sort"
	"strconv"
	"strings"

	"github.com/mesh-intelligence/unidb/internal/query"
	"github.com/mesh-intelligence/unidb/pkg/types"
)

// Internal node properties. User fields are mirrored as properties of the
// same name so Cypher can filter on them; the record itself lives in docProp.
const (
	docProp    = "_unidb_doc"
	keysProp   = "_unidb_keys"
	opaqueProp = "_unidb_opaque"
	internal   = "_unidb_"
	modelLabel = "_unidb_model"
)

// params collects Cypher parameters in order.
type params map[string]any

func (p params) add(v any) string {
	name := "p" + strconv.Itoa(len(p))
	p[name] = v
	return "$" + name
}

// clause renders one condition, or "" when the condition can only be
// decided in Go.
type clause func(p params) string

func quote(name string) string {
	return "`" + strings.ReplaceAll(name, "`", "``") + "`"
}

// prop returns the Cypher expression for a top-level field and whether it
// is mirrored at all. Envelope fields are always present.
func prop(field string) (expr string, envelope, ok bool) {
	switch field {
	case types.FieldID, types.FieldCreatedAt, types.FieldUpdatedAt:
		return "n." + field, true, true
	}
	if strings.Contains(field, ".") || strings.HasPrefix(field, internal) {
		return "", false, false
	}
	return "n." + quote(field), false, true
}

// cypherValue converts a value to its mirrored property form. Times become
// TimeLayout strings; lists must be homogeneous scalars. ok is false when the
// value has no property form.
func cypherValue(v types.Value) (any, bool) {
	switch v.Kind() {
	case types.ValueNull:
		return nil, true
	case types.ValueTime:
		t, _ := v.AsTime()
		return t.UTC().Format(types.TimeLayout), true
	case types.ValueMap:
		return nil, false
	case types.ValueList:
		return cypherList(v)
	}
	return v.Interface(), true
}

func cypherList(v types.Value) (any, bool) {
	items, _ := v.AsList()
	out := make([]any, len(items))
	var kind types.ValueKind
	mixedNumbers := false
	for i, item := range items {
		k := item.Kind()
		switch k {
		case types.ValueNull, types.ValueList, types.ValueMap, types.ValueBytes:
			return nil, false
		case types.ValueTime:
			k = types.ValueString
		}
		if i > 0 && k != kind {
			numbers := (k == types.ValueInt || k == types.ValueFloat) && (kind == types.ValueInt || kind == types.ValueFloat)
			if !numbers {
				return nil, false
			}
			mixedNumbers = true
		}
		kind = k
		out[i], _ = cypherValue(item)
	}
	if mixedNumbers {
		for i, item := range items {
			out[i], _ = item.AsNumber()
		}
	}
	return out, true
}

// native wraps a clause on a user field so records whose field has no
// property form still reach the Go matcher.
func native(field, expr string, envelope bool, p params) string {
	if envelope {
		return expr
	}
	return "(" + expr + " OR " + p.add(field) + " IN n." + opaqueProp + ")"
}

func present(field string, envelope bool, p params) string {
	if envelope {
		return "true"
	}
	return p.add(field) + " IN n." + keysProp
}

func compareOp(symbol string) query.Clause[clause] {
	return func(c query.Cond) (clause, error) {
		expr, envelope, ok := prop(c.Field)
		operand, representable := cypherValue(c.Operand)
		if !ok || !representable || c.Operand.IsNull() {
			return nil, nil
		}
		return func(p params) string {
			return native(c.Field, expr+" "+symbol+" "+p.add(operand), envelope, p)
		}, nil
	}
}

// equality renders $eq, or $ne when negate is set.
func equality(negate bool) query.Clause[clause] {
	return func(c query.Cond) (clause, error) {
		expr, envelope, ok := prop(c.Field)
		operand, representable := cypherValue(c.Operand)
		if !ok || !representable {
			return nil, nil
		}
		return func(p params) string {
			if c.Operand.IsNull() {
				has := present(c.Field, envelope, p)
				if negate {
					return has
				}
				return "NOT " + has
			}
			eq := expr + " = " + p.add(operand)
			if negate {
				return native(c.Field, "NOT coalesce("+eq+", false)", envelope, p)
			}
			return native(c.Field, eq, envelope, p)
		}, nil
	}
}

// membership renders $in, or $nin when negate is set. A null item also
// selects records missing the field.
func membership(negate bool) query.Clause[clause] {
	return func(c query.Cond) (clause, error) {
		expr, envelope, ok := prop(c.Field)
		items, _ := c.Operand.AsList()
		if !ok {
			return nil, nil
		}
		var values []any
		withNull := false
		for _, item := range items {
			if item.IsNull() {
				withNull = true
				continue
			}
			v, representable := cypherValue(item)
			if !representable {
				return nil, nil
			}
			values = append(values, v)
		}
		if values == nil {
			values = []any{}
		}
		return func(p params) string {
			in := "coalesce(" + expr + " IN " + p.add(values) + ", false)"
			if withNull {
				in = "(NOT " + present(c.Field, envelope, p) + " OR " + in + ")"
			}
			if negate {
				return native(c.Field, "NOT "+in, envelope, p)
			}
			return native(c.Field, in, envelope, p)
		}, nil
	}
}

var clauses = query.MustTable(types.BackendNeo4j, map[types.Operator]query.Clause[clause]{
	types.OpEq:  equality(false),
	types.OpNe:  equality(true),
	types.OpGt:  compareOp(">"),
	types.OpGte: compareOp(">="),
	types.OpLt:  compareOp("<"),
	types.OpLte: compareOp("<="),
	types.OpIn:  membership(false),
	types.OpNin: membership(true),
	types.OpContains: func(c query.Cond) (clause, error) {
		expr, envelope, ok := prop(c.Field)
		operand, representable := cypherValue(c.Operand)
		if !ok || !representable || c.Operand.Kind() == types.ValueList || c.Operand.IsNull() {
			return nil, nil
		}
		return func(p params) string {
			cond := "CASE WHEN valueType(" + expr + ") STARTS WITH 'LIST' THEN " + p.add(operand) + " IN " + expr + " ELSE false END"
			return native(c.Field, cond, envelope, p)
		}, nil
	},
	types.OpRegex: func(c query.Cond) (clause, error) {
		expr, envelope, ok := prop(c.Field)
		pattern, _ := c.Operand.AsString()
		if !ok {
			return nil, nil
		}
		// =~ matches the whole string; the Go matcher finds a substring.
		return func(p params) string {
			return native(c.Field, "coalesce("+expr+" =~ "+p.add("(?s).*(?:"+pattern+").*")+", false)", envelope, p)
		}, nil
	},
	types.OpExists: func(c query.Cond) (clause, error) {
		_, envelope, ok := prop(c.Field)
		if !ok {
			return nil, nil
		}
		want, _ := c.Operand.AsBool()
		return func(p params) string {
			if want {
				return present(c.Field, envelope, p)
			}
			return "NOT " + present(c.Field, envelope, p)
		}, nil
	},
})

// where renders the WHERE clause for f into p. The result narrows the
// candidates; the Go matcher makes the final decision.
func where(f query.Filter, p params) (string, error) {
	if f.HasID {
		return " WHERE n.id = " + p.add(f.ID), nil
	}
	built, err := clauses.Build(f)
	if err != nil {
		return "", err
	}
	var parts []string
	for _, c := range built {
		if c == nil {
			continue
		}
		parts = append(parts, c(p))
	}
	if len(parts) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(parts, " AND "), nil
}

// properties builds the node property map for r: the envelope, the JSON
// document, the present and opaque key lists, and every field with a
// property form.
func properties(r *types.Record, doc string) map[string]any {
	out := map[string]any{
		types.FieldID:        r.ID,
		types.FieldCreatedAt: r.CreatedAt.UTC().Format(types.TimeLayout),
		types.FieldUpdatedAt: r.UpdatedAt.UTC().Format(types.TimeLayout),
		docProp:              doc,
	}
	keys := []any{}
	opaque := []any{}
	names := make([]string, 0, len(r.Fields))
	for k := range r.Fields {
		names = append(names, k)
	}
	sort.Strings(names)
	for _, k := range names {
		v := r.Fields[k]
		if v.IsNull() {
			continue
		}
		keys = append(keys, k)
		if strings.HasPrefix(k, internal) {
			opaque = append(opaque, k)
			continue
		}
		x, ok := cypherValue(v)
		if !ok {
			opaque = append(opaque, k)
			continue
		}
		out[k] = x
	}
	out[keysProp] = keys
	out[opaqueProp] = opaque
	return out
}
