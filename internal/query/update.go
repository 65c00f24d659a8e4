package query

import (
	"sort"
	"strings"

	"github.com/mesh-intelligence/unidb/pkg/types"
)

// Mutation is one update operator applied to one field.
type Mutation struct {
	Op      types.Operator
	Field   string
	Operand types.Value
}

// Change is a parsed update, ordered by operator then field. An empty
// Change only refreshes updatedAt.
type Change struct {
	Mutations []Mutation
}

// Empty reports whether the change touches no field.
func (c Change) Empty() bool { return len(c.Mutations) == 0 }

// Ops returns the distinct operators used, in vocabulary order.
func (c Change) Ops() []types.Operator {
	var out []types.Operator
	for i, m := range c.Mutations {
		if i == 0 || c.Mutations[i-1].Op != m.Op {
			out = append(out, m.Op)
		}
	}
	return out
}

// ByOp returns the mutations of a single operator.
func (c Change) ByOp(op types.Operator) []Mutation {
	var out []Mutation
	for _, m := range c.Mutations {
		if m.Op == op {
			out = append(out, m)
		}
	}
	return out
}

// ParseUpdate validates u. Either every key is an update operator or none
// is, in which case the whole map is a $set. Identity and envelope fields
// cannot be changed, and one path cannot be targeted twice.
func ParseUpdate(u types.Update) (Change, error) {
	if len(u) == 0 {
		return Change{}, nil
	}
	opKeys := 0
	for k := range u {
		if strings.HasPrefix(k, "$") {
			opKeys++
		}
	}

	var muts []Mutation
	switch {
	case opKeys == 0:
		for field, raw := range u {
			m, err := parseMutation(types.OpSet, field, raw)
			if err != nil {
				return Change{}, err
			}
			muts = append(muts, m)
		}
	case opKeys < len(u):
		return Change{}, types.Malformed("update mixes operators and plain fields")
	default:
		for k, raw := range u {
			op := types.Operator(k)
			if !types.IsUpdateOperator(op) {
				return Change{}, types.UnsupportedOperator("", op)
			}
			fields, err := types.ValueOf(raw)
			if err != nil {
				return Change{}, types.Malformed("%s: %v", op, err)
			}
			entries, ok := fields.AsMap()
			if !ok {
				return Change{}, types.Malformed("%s takes an object of field: operand", op)
			}
			for field, v := range entries {
				m, err := parseMutation(op, field, v)
				if err != nil {
					return Change{}, err
				}
				muts = append(muts, m)
			}
		}
	}

	sort.Slice(muts, func(i, j int) bool {
		if muts[i].Op != muts[j].Op {
			return muts[i].Op.Rank() < muts[j].Op.Rank()
		}
		return muts[i].Field < muts[j].Field
	})
	if err := checkConflicts(muts); err != nil {
		return Change{}, err
	}
	return Change{Mutations: muts}, nil
}

func parseMutation(op types.Operator, field string, raw any) (Mutation, error) {
	if field == "" || strings.HasPrefix(field, "$") {
		return Mutation{}, types.Malformed("invalid update field %q", field)
	}
	root, _, _ := strings.Cut(field, ".")
	if types.IsReserved(root) {
		return Mutation{}, types.Malformed("field %q cannot be updated", field)
	}
	v, err := types.ValueOf(raw)
	if err != nil {
		return Mutation{}, types.Malformed("field %q: %v", field, err)
	}
	if m, ok := v.AsMap(); ok {
		for k := range m {
			if strings.HasPrefix(k, "$") {
				return Mutation{}, types.Malformed("field %q: operand contains operator %q", field, k)
			}
		}
	}
	if op == types.OpInc && !v.IsNumber() {
		return Mutation{}, types.Malformed("field %q: $inc needs a number, got %s", field, v.Kind())
	}
	return Mutation{Op: op, Field: field, Operand: v}, nil
}

func checkConflicts(muts []Mutation) error {
	paths := make([]string, len(muts))
	for i, m := range muts {
		paths[i] = m.Field
	}
	sort.Strings(paths)
	for i := 1; i < len(paths); i++ {
		prev, cur := paths[i-1], paths[i]
		if prev == cur || strings.HasPrefix(cur, prev+".") {
			return types.Malformed("update targets %q and %q at once", prev, cur)
		}
	}
	return nil
}

// CheckUpdate fails with ErrUnsupportedOperator when c uses one of the
// operators the backend cannot apply.
func CheckUpdate(backend types.Backend, c Change, unsupported ...types.Operator) error {
	for _, m := range c.Mutations {
		for _, op := range unsupported {
			if m.Op == op {
				return types.UnsupportedOperator(backend, op)
			}
		}
	}
	return nil
}
