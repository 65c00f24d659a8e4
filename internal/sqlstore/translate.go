package sqlstore

import (
	"encoding/json"
	"errors"
	"strings"

	"github.com/mesh-intelligence/unidb/internal/query"
	"github.com/mesh-intelligence/unidb/internal/record"
	"github.com/mesh-intelligence/unidb/pkg/types"
)

// args collects bind values and hands out placeholders.
type args struct {
	d    dialect
	vals []any
}

func (a *args) add(v any) string {
	a.vals = append(a.vals, v)
	return a.d.placeholder(len(a.vals))
}

// fragment renders one condition against a model.
type fragment func(m *model, a *args) (string, error)

type opTable = query.Table[fragment]

// ref is a resolved field reference: a typed column, or a path inside a
// JSON column.
type ref struct {
	col  string
	typ  types.FieldType
	path []string
}

func (r ref) isJSON() bool { return r.path != nil }

const badPathChars = `'"{},\[]$`

// resolve maps a query field to where it is stored.
func (m *model) resolve(field string) (ref, error) {
	switch field {
	case types.FieldID, types.FieldObjectID:
		return ref{col: colID, typ: types.TypeString}, nil
	case types.FieldCreatedAt:
		return ref{col: colCreatedAt, typ: types.TypeDate}, nil
	case types.FieldUpdatedAt:
		return ref{col: colUpdatedAt, typ: types.TypeDate}, nil
	}
	segs := strings.Split(field, ".")
	for _, s := range segs {
		if s == "" || strings.ContainsAny(s, badPathChars) {
			return ref{}, types.Malformed("field %q cannot be addressed in SQL", field)
		}
	}
	if c, ok := m.byField[segs[0]]; ok {
		if !c.json {
			if len(segs) > 1 {
				return ref{}, errNoPath
			}
			return ref{col: c.name, typ: c.def.Type}, nil
		}
		return ref{col: c.name, typ: types.TypeMixed, path: segs[1:]}, nil
	}
	return ref{col: colExtra, typ: types.TypeMixed, path: segs}, nil
}

// errNoPath marks a path below a scalar column, which never holds a value.
var errNoPath = errors.New("path below a scalar column")

// sqlDialect is the part of a dialect the translator needs.
type sqlDialect interface {
	dialect
	// expr renders the reference for comparison against bound scalars.
	expr(r ref) string
	// present renders a test for a non-null value at r.
	present(r ref) string
	// eq renders equality against one operand value.
	eq(r ref, v types.Value, a *args) (string, bool)
	// ordered renders a range comparison.
	ordered(r ref, op string, v types.Value, a *args) (string, bool)
	// contains renders array membership.
	contains(r ref, v types.Value, a *args) (string, bool)
	// regex renders a pattern match.
	regex(r ref, pattern string, a *args) (string, bool)
}

const (
	sqlFalse = "1 = 0"
	sqlTrue  = "1 = 1"
)

func not(s string) string { return "(" + s + ") IS NOT TRUE" }

// buildTable wires every operator to the generic SQL renderer. Each
// dialect supports the whole vocabulary.
func buildTable(d sqlDialect) opTable {
	render := func(c query.Cond) (fragment, error) {
		return func(m *model, a *args) (string, error) {
			return renderCond(d, m, c, a)
		}, nil
	}
	clauses := make(map[types.Operator]query.Clause[fragment], len(types.QueryOperators))
	for _, op := range types.QueryOperators {
		clauses[op] = render
	}
	return query.MustTable(d.backend(), clauses)
}

var rangeOps = map[types.Operator]string{
	types.OpGt:  ">",
	types.OpGte: ">=",
	types.OpLt:  "<",
	types.OpLte: "<=",
}

func renderCond(d sqlDialect, m *model, c query.Cond, a *args) (string, error) {
	r, err := m.resolve(c.Field)
	if err == errNoPath {
		// Nothing is stored there: behave as a missing field.
		switch c.Op {
		case types.OpNe, types.OpNin:
			return sqlTrue, nil
		case types.OpEq:
			if c.Operand.IsNull() {
				return sqlTrue, nil
			}
		case types.OpIn:
			items, _ := c.Operand.AsList()
			for _, item := range items {
				if item.IsNull() {
					return sqlTrue, nil
				}
			}
		case types.OpExists:
			if want, _ := c.Operand.AsBool(); !want {
				return sqlTrue, nil
			}
		}
		return sqlFalse, nil
	}
	if err != nil {
		return "", err
	}

	switch c.Op {
	case types.OpEq:
		return eqOrNull(d, r, c.Operand, a), nil
	case types.OpNe:
		return not(eqOrNull(d, r, c.Operand, a)), nil
	case types.OpIn, types.OpNin:
		items, _ := c.Operand.AsList()
		var parts []string
		for _, item := range items {
			parts = append(parts, eqOrNull(d, r, item, a))
		}
		s := sqlFalse
		if len(parts) > 0 {
			s = "(" + strings.Join(parts, " OR ") + ")"
		}
		if c.Op == types.OpNin {
			return not(s), nil
		}
		return s, nil
	case types.OpGt, types.OpGte, types.OpLt, types.OpLte:
		if s, ok := d.ordered(r, rangeOps[c.Op], c.Operand, a); ok {
			return s, nil
		}
		return sqlFalse, nil
	case types.OpContains:
		if s, ok := d.contains(r, c.Operand, a); ok {
			return s, nil
		}
		return sqlFalse, nil
	case types.OpRegex:
		pattern, _ := c.Operand.AsString()
		if s, ok := d.regex(r, pattern, a); ok {
			return s, nil
		}
		return sqlFalse, nil
	case types.OpExists:
		want, _ := c.Operand.AsBool()
		if want {
			return d.present(r), nil
		}
		return not(d.present(r)), nil
	}
	return "", types.UnsupportedOperator(d.backend(), c.Op)
}

func eqOrNull(d sqlDialect, r ref, v types.Value, a *args) string {
	if v.IsNull() {
		return not(d.present(r))
	}
	if s, ok := d.eq(r, v, a); ok {
		return s
	}
	return sqlFalse
}

// where renders the WHERE clause of f, or "" when it matches everything.
func where(d sqlDialect, t opTable, m *model, f query.Filter, a *args) (string, error) {
	if f.HasID {
		return " WHERE " + quoteIdent(colID) + " = " + a.add(f.ID), nil
	}
	frags, err := t.Build(f)
	if err != nil {
		return "", err
	}
	if len(frags) == 0 {
		return "", nil
	}
	parts := make([]string, 0, len(frags))
	for _, frag := range frags {
		s, err := frag(m, a)
		if err != nil {
			return "", err
		}
		parts = append(parts, s)
	}
	return " WHERE " + strings.Join(parts, " AND "), nil
}

// scalarFor converts an operand to what a typed column stores, reporting
// false when the two can never be equal or ordered.
func scalarFor(t types.FieldType, v types.Value) (types.Value, bool) {
	switch t {
	case types.TypeString, types.TypeObjectID, types.TypeUUID:
		_, ok := v.AsString()
		return v, ok
	case types.TypeNumber:
		return v, v.IsNumber()
	case types.TypeBoolean:
		_, ok := v.AsBool()
		return v, ok
	case types.TypeDate:
		if _, ok := v.AsTime(); ok {
			return v, true
		}
		if s, ok := v.AsString(); ok {
			if ts, err := record.ParseTime(s); err == nil {
				return types.TimeValue(ts), true
			}
		}
		return v, false
	case types.TypeBuffer:
		_, ok := v.AsBytes()
		return v, ok
	}
	return v, false
}

// jsonScalar is the form a JSON-stored scalar takes once extracted: times
// are TimeLayout strings.
func jsonScalar(v types.Value) types.Value {
	if t, ok := v.AsTime(); ok {
		return types.StringValue(t.UTC().Format(types.TimeLayout))
	}
	return v
}

func jsonText(v types.Value) string {
	data, err := json.Marshal(v)
	if err != nil {
		return "null"
	}
	return string(data)
}
