package query

import (
	"fmt"

	"github.com/mesh-intelligence/unidb/pkg/types"
)

// Clause builds the native form of one condition. C is whatever the
// backend composes: a bson.E, a SQL fragment builder, a DSL map.
type Clause[C any] func(c Cond) (C, error)

// Table maps every query operator to a clause constructor for one backend.
// A nil constructor marks the operator as unsupported.
type Table[C any] struct {
	backend types.Backend
	clauses map[types.Operator]Clause[C]
}

// MustTable builds a Table and panics unless it has an entry, possibly nil,
// for every query operator and nothing else. Call it from a package-level
// var so a missing operator fails at startup.
func MustTable[C any](backend types.Backend, clauses map[types.Operator]Clause[C]) Table[C] {
	for _, op := range types.QueryOperators {
		if _, ok := clauses[op]; !ok {
			panic(fmt.Sprintf("query table for %s: missing operator %s", backend, op))
		}
	}
	if len(clauses) != len(types.QueryOperators) {
		for op := range clauses {
			if !types.IsQueryOperator(op) {
				panic(fmt.Sprintf("query table for %s: %s is not a query operator", backend, op))
			}
		}
	}
	return Table[C]{backend: backend, clauses: clauses}
}

// Supports reports whether op has a constructor.
func (t Table[C]) Supports(op types.Operator) bool {
	return t.clauses[op] != nil
}

// Build translates every condition of f in order. The caller joins the
// results conjunctively. An unsupported operator fails with
// ErrUnsupportedOperator naming the operator and backend.
func (t Table[C]) Build(f Filter) ([]C, error) {
	out := make([]C, 0, len(f.Conds))
	for _, c := range f.Conds {
		build := t.clauses[c.Op]
		if build == nil {
			return nil, types.UnsupportedOperator(t.backend, c.Op)
		}
		clause, err := build(c)
		if err != nil {
			return nil, err
		}
		out = append(out, clause)
	}
	return out, nil
}

// Check fails with ErrUnsupportedOperator when a condition of f uses an
// operator t cannot build. Backends that match in Go use it to keep the
// same capability errors as the native translators.
func (t Table[C]) Check(f Filter) error {
	for _, c := range f.Conds {
		if t.clauses[c.Op] == nil {
			return types.UnsupportedOperator(t.backend, c.Op)
		}
	}
	return nil
}
