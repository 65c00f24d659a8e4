package query

import (
	"time"

	"github.com/mesh-intelligence/unidb/pkg/types"
)

// Match reports whether r satisfies every condition of f.
//
// A field that is missing or null matches $ne, $nin and $exists:false, and
// $eq or $in against null. Range operators only compare values of the same
// kind, with ints and floats comparable, and strings in TimeLayout
// comparable with times.
func Match(f Filter, r *types.Record) bool {
	if f.HasID {
		return r.ID == f.ID
	}
	for _, c := range f.Conds {
		if !matchCond(c, r) {
			return false
		}
	}
	return true
}

func fieldValue(r *types.Record, field string) (types.Value, bool) {
	switch field {
	case types.FieldID:
		return types.StringValue(r.ID), true
	case types.FieldCreatedAt:
		return types.TimeValue(r.CreatedAt), true
	case types.FieldUpdatedAt:
		return types.TimeValue(r.UpdatedAt), true
	}
	v, ok := r.Fields.Get(field)
	if !ok || v.IsNull() {
		return types.Value{}, false
	}
	return v, true
}

func matchCond(c Cond, r *types.Record) bool {
	v, present := fieldValue(r, c.Field)
	switch c.Op {
	case types.OpEq:
		return equals(v, present, c.Operand)
	case types.OpNe:
		return !equals(v, present, c.Operand)
	case types.OpGt, types.OpGte, types.OpLt, types.OpLte:
		if !present {
			return false
		}
		cmp, ok := compare(v, c.Operand)
		if !ok {
			return false
		}
		switch c.Op {
		case types.OpGt:
			return cmp > 0
		case types.OpGte:
			return cmp >= 0
		case types.OpLt:
			return cmp < 0
		}
		return cmp <= 0
	case types.OpIn:
		return in(v, present, c.Operand)
	case types.OpNin:
		return !in(v, present, c.Operand)
	case types.OpContains:
		items, ok := v.AsList()
		if !present || !ok {
			return false
		}
		for _, item := range items {
			if equals(item, true, c.Operand) {
				return true
			}
		}
		return false
	case types.OpRegex:
		s, ok := v.AsString()
		return present && ok && RegexOperand(c).MatchString(s)
	case types.OpExists:
		want, _ := c.Operand.AsBool()
		return present == want
	}
	return false
}

func equals(v types.Value, present bool, operand types.Value) bool {
	if !present {
		return operand.IsNull()
	}
	if v.Equal(operand) {
		return true
	}
	cmp, ok := compare(v, operand)
	return ok && cmp == 0 && (v.Kind() == types.ValueTime || operand.Kind() == types.ValueTime)
}

func in(v types.Value, present bool, operand types.Value) bool {
	items, _ := operand.AsList()
	for _, item := range items {
		if equals(v, present, item) {
			return true
		}
	}
	return false
}

// compare is Value.Compare plus time/string coercion: documents decoded
// from JSON carry times as TimeLayout strings.
func compare(a, b types.Value) (int, bool) {
	if cmp, ok := a.Compare(b); ok {
		return cmp, true
	}
	ta, okA := asTime(a)
	tb, okB := asTime(b)
	if okA && okB {
		return ta.Compare(tb), true
	}
	return 0, false
}

func asTime(v types.Value) (time.Time, bool) {
	if t, ok := v.AsTime(); ok {
		return t, true
	}
	s, ok := v.AsString()
	if !ok {
		return time.Time{}, false
	}
	t, err := time.Parse(types.TimeLayout, s)
	if err != nil {
		t, err = time.Parse(time.RFC3339Nano, s)
	}
	return t, err == nil
}

// Predicate is a compiled in-process condition.
type Predicate func(r *types.Record) bool

// Predicates returns the operator table of backends that filter in Go.
// Every operator is supported.
func Predicates(backend types.Backend) Table[Predicate] {
	clauses := make(map[types.Operator]Clause[Predicate], len(types.QueryOperators))
	for _, op := range types.QueryOperators {
		clauses[op] = func(c Cond) (Predicate, error) {
			return func(r *types.Record) bool { return matchCond(c, r) }, nil
		}
	}
	return MustTable(backend, clauses)
}

// CompilePredicate builds one conjunctive predicate for f from t.
func CompilePredicate(t Table[Predicate], f Filter) (Predicate, error) {
	if f.HasID {
		id := f.ID
		return func(r *types.Record) bool { return r.ID == id }, nil
	}
	preds, err := t.Build(f)
	if err != nil {
		return nil, err
	}
	return func(r *types.Record) bool {
		for _, p := range preds {
			if !p(r) {
				return false
			}
		}
		return true
	}, nil
}
