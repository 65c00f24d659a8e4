// Package query parses abstract queries and updates into a validated
// intermediate form that every backend translator consumes, and provides
// the in-process matcher and update applier used by backends that filter
// and mutate records in Go.
package query

import (
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/mesh-intelligence/unidb/pkg/types"
)

// Cond is one operator applied to one field.
type Cond struct {
	Field   string
	Op      types.Operator
	Operand types.Value

	pattern *regexp.Regexp
}

// Filter is a parsed query. When HasID is set the filter is a point lookup
// and Conds is empty.
type Filter struct {
	ID    string
	HasID bool
	Conds []Cond
}

// MatchAll reports whether the filter selects every record.
func (f Filter) MatchAll() bool {
	return !f.HasID && len(f.Conds) == 0
}

// Fields returns the distinct fields referenced by the filter, in order.
func (f Filter) Fields() []string {
	var out []string
	for i, c := range f.Conds {
		if i == 0 || f.Conds[i-1].Field != c.Field {
			out = append(out, c.Field)
		}
	}
	return out
}

// Parse validates q and converts it to a Filter. A literal value means $eq.
// An id or _id key short-circuits to a point lookup and the remaining keys
// are ignored. Operators outside the vocabulary fail with
// ErrUnsupportedOperator; malformed operands fail with ErrDatabase.
func Parse(q types.Query) (Filter, error) {
	for _, key := range []string{types.FieldID, types.FieldObjectID} {
		raw, ok := q[key]
		if !ok {
			continue
		}
		id, err := parseID(raw)
		if err != nil {
			return Filter{}, err
		}
		return Filter{ID: id, HasID: true}, nil
	}

	var conds []Cond
	for field, raw := range q {
		if field == "" {
			return Filter{}, types.Malformed("empty field name in query")
		}
		if strings.HasPrefix(field, "$") {
			return Filter{}, types.Malformed("query key %q is an operator, not a field", field)
		}
		ops, isOps, err := operatorObject(raw)
		if err != nil {
			return Filter{}, fmt.Errorf("field %q: %w", field, err)
		}
		if !isOps {
			v, err := types.ValueOf(raw)
			if err != nil {
				return Filter{}, types.Malformed("field %q: %v", field, err)
			}
			conds = append(conds, Cond{Field: field, Op: types.OpEq, Operand: v})
			continue
		}
		for op, operand := range ops {
			c, err := parseCond(field, op, operand)
			if err != nil {
				return Filter{}, err
			}
			conds = append(conds, c)
		}
	}

	sort.Slice(conds, func(i, j int) bool {
		if conds[i].Field != conds[j].Field {
			return conds[i].Field < conds[j].Field
		}
		return conds[i].Op.Rank() < conds[j].Op.Rank()
	})
	return Filter{Conds: conds}, nil
}

func parseID(raw any) (string, error) {
	switch id := raw.(type) {
	case string:
		return id, nil
	case types.Value:
		if s, ok := id.AsString(); ok {
			return s, nil
		}
	case interface{ Hex() string }:
		return id.Hex(), nil
	}
	return "", types.Malformed("id must be a string, got %T", raw)
}

// operatorObject reports whether raw is an operator object and returns its
// entries. A map mixing operator and plain keys is malformed.
func operatorObject(raw any) (map[types.Operator]any, bool, error) {
	switch m := raw.(type) {
	case types.Ops:
		return map[types.Operator]any(m), len(m) > 0, nil
	case map[types.Operator]any:
		return m, len(m) > 0, nil
	case map[string]any:
		return splitOps(len(m), func(yield func(string, any)) {
			for k, v := range m {
				yield(k, v)
			}
		})
	case map[string]types.Value:
		return splitOps(len(m), func(yield func(string, any)) {
			for k, v := range m {
				yield(k, v)
			}
		})
	}
	return nil, false, nil
}

func splitOps(n int, each func(func(string, any))) (map[types.Operator]any, bool, error) {
	if n == 0 {
		return nil, false, nil
	}
	ops := make(map[types.Operator]any, n)
	plain := 0
	each(func(k string, v any) {
		if strings.HasPrefix(k, "$") {
			ops[types.Operator(k)] = v
		} else {
			plain++
		}
	})
	switch {
	case plain == n:
		return nil, false, nil
	case plain > 0:
		return nil, false, types.Malformed("operator object mixes operators and plain keys")
	}
	return ops, true, nil
}

func parseCond(field string, op types.Operator, operand any) (Cond, error) {
	if !types.IsQueryOperator(op) {
		return Cond{}, types.UnsupportedOperator("", op)
	}
	v, err := types.ValueOf(operand)
	if err != nil {
		return Cond{}, types.Malformed("field %q %s: %v", field, op, err)
	}
	c := Cond{Field: field, Op: op, Operand: v}

	switch op {
	case types.OpIn, types.OpNin:
		if v.Kind() != types.ValueList {
			c.Operand = types.ListValue(v)
		}
	case types.OpExists:
		if v.Kind() != types.ValueBool {
			return Cond{}, types.Malformed("field %q: $exists takes a boolean, got %s", field, v.Kind())
		}
	case types.OpRegex:
		pattern, ok := v.AsString()
		if !ok {
			return Cond{}, types.Malformed("field %q: $regex takes a string, got %s", field, v.Kind())
		}
		re, err := regexp.Compile(pattern)
		if err != nil {
			return Cond{}, types.Malformed("field %q: invalid $regex: %v", field, err)
		}
		c.pattern = re
	case types.OpGt, types.OpGte, types.OpLt, types.OpLte:
		switch v.Kind() {
		case types.ValueNull, types.ValueList, types.ValueMap:
			return Cond{}, types.Malformed("field %q: %s needs a scalar operand, got %s", field, op, v.Kind())
		}
	case types.OpContains:
		if v.Kind() == types.ValueList || v.Kind() == types.ValueMap {
			return Cond{}, types.Malformed("field %q: $contains takes a single element", field)
		}
	}
	return c, nil
}

// RegexOperand returns the compiled pattern of a $regex condition. Parse
// compiles it once; a Cond built by hand is compiled here.
func RegexOperand(c Cond) *regexp.Regexp {
	if c.pattern != nil {
		return c.pattern
	}
	s, _ := c.Operand.AsString()
	return regexp.MustCompile(s)
}
