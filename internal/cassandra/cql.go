package cassandra

import (
	"strings"

	"github.com/mesh-intelligence/unidb/internal/query"
	"github.com/mesh-intelligence/unidb/pkg/types"
)

// restriction is one CQL condition with its bind argument. A zero
// restriction means the condition is decided in Go only.
type restriction struct {
	expr string
	arg  any
}

// restrict renders a condition against a compiled model.
type restrict func(m *model) restriction

// target resolves a field to a typed column. Envelope fields map to their
// own columns; JSON columns and undeclared fields cannot be restricted.
func (m *model) target(field string) (string, *column) {
	switch field {
	case types.FieldID:
		return colID, &column{cql: "text", kind: kindText}
	case types.FieldCreatedAt:
		return colCreatedAt, &column{cql: "timestamp", kind: kindTime}
	case types.FieldUpdatedAt:
		return colUpdatedAt, &column{cql: "timestamp", kind: kindTime}
	}
	c, ok := m.byField[field]
	if !ok || c.kind == kindJSON || c.kind == kindMap {
		return "", nil
	}
	return quote(c.field), c
}

func relation(symbol string) query.Clause[restrict] {
	return func(c query.Cond) (restrict, error) {
		return func(m *model) restriction {
			name, col := m.target(c.Field)
			if col == nil || !col.scalar() || c.Operand.IsNull() {
				return restriction{}
			}
			arg, err := bind(col, c.Operand)
			if err != nil {
				return restriction{}
			}
			return restriction{expr: name + " " + symbol + " ?", arg: arg}
		}, nil
	}
}

// restrictions is the operator table. CQL has no negation, IN is limited
// to key columns and there is no pattern matching, so those operators are
// unsupported.
var restrictions = query.MustTable(types.BackendCassandra, map[types.Operator]query.Clause[restrict]{
	types.OpEq:  relation("="),
	types.OpNe:  nil,
	types.OpGt:  relation(">"),
	types.OpGte: relation(">="),
	types.OpLt:  relation("<"),
	types.OpLte: relation("<="),
	types.OpIn:  nil,
	types.OpNin: nil,
	types.OpContains: func(c query.Cond) (restrict, error) {
		return func(m *model) restriction {
			_, col := m.target(c.Field)
			if col == nil || !col.collection() || c.Operand.IsNull() {
				return restriction{}
			}
			arg, err := bind(col.elem, c.Operand)
			if err != nil {
				return restriction{}
			}
			return restriction{expr: quote(col.field) + " CONTAINS ?", arg: arg}
		}, nil
	},
	types.OpRegex:  nil,
	types.OpExists: nil,
})

// selectStmt renders the SELECT for f. Non-key restrictions need ALLOW
// FILTERING; the Go matcher still checks every returned row.
func selectStmt(m *model, f query.Filter) (string, []any, error) {
	stmt := m.selectFrom()
	if f.HasID {
		return stmt + " WHERE " + colID + " = ?", []any{f.ID}, nil
	}
	built, err := restrictions.Build(f)
	if err != nil {
		return "", nil, err
	}
	var exprs []string
	var args []any
	for _, r := range built {
		out := r(m)
		if out.expr == "" {
			continue
		}
		exprs = append(exprs, out.expr)
		args = append(args, out.arg)
	}
	if len(exprs) == 0 {
		return stmt, nil, nil
	}
	return stmt + " WHERE " + strings.Join(exprs, " AND ") + " ALLOW FILTERING", args, nil
}
