package query

import (
	"github.com/mesh-intelligence/unidb/pkg/types"
)

// Apply returns a copy of fields with c applied. $inc treats a missing
// field as zero and keeps integers integral; $push appends; $add appends
// only when no equal element is present. The input is not modified.
func Apply(c Change, fields types.Fields) (types.Fields, error) {
	out := fields.Clone()
	for _, m := range c.Mutations {
		cur, present := out.Get(m.Field)
		if present && cur.IsNull() {
			present = false
		}

		var next types.Value
		switch m.Op {
		case types.OpSet:
			next = m.Operand
		case types.OpInc:
			n, err := increment(m, cur, present)
			if err != nil {
				return nil, err
			}
			next = n
		case types.OpPush, types.OpAdd:
			var items []types.Value
			if present {
				list, ok := cur.AsList()
				if !ok {
					return nil, types.Malformed("field %q: %s needs a list, found %s", m.Field, m.Op, cur.Kind())
				}
				items = append(items, list...)
			}
			if m.Op == types.OpAdd && containsValue(items, m.Operand) {
				continue
			}
			next = types.ListValue(append(items, m.Operand)...)
		default:
			return nil, types.UnsupportedOperator("", m.Op)
		}
		if err := out.Set(m.Field, next); err != nil {
			return nil, types.Malformed("field %q: %v", m.Field, err)
		}
	}
	return out, nil
}

func increment(m Mutation, cur types.Value, present bool) (types.Value, error) {
	if !present {
		return m.Operand, nil
	}
	if !cur.IsNumber() {
		return types.Value{}, types.Malformed("field %q: $inc on a %s", m.Field, cur.Kind())
	}
	a, aInt := cur.AsInt()
	b, bInt := m.Operand.AsInt()
	if aInt && bInt {
		return types.IntValue(a + b), nil
	}
	x, _ := cur.AsNumber()
	y, _ := m.Operand.AsNumber()
	return types.FloatValue(x + y), nil
}

func containsValue(items []types.Value, v types.Value) bool {
	for _, item := range items {
		if item.Equal(v) {
			return true
		}
	}
	return false
}
