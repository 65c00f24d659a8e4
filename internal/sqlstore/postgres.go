package sqlstore

import (
	"strings"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/mesh-intelligence/unidb/pkg/types"
)

func pgPath(path []string) string {
	return "'{" + strings.Join(path, ",") + "}'"
}

// expr renders a typed column, or the jsonb value at a path.
func (postgresDialect) expr(r ref) string {
	if !r.isJSON() || len(r.path) == 0 {
		return quoteIdent(r.col)
	}
	return "(" + quoteIdent(r.col) + " #> " + pgPath(r.path) + ")"
}

// text renders the value at a JSON path as text.
func (postgresDialect) text(r ref) string {
	return "(" + quoteIdent(r.col) + " #>> " + pgPath(r.path) + ")"
}

func (d postgresDialect) jsonKind(r ref) string {
	return "jsonb_typeof(" + d.expr(r) + ")"
}

func (d postgresDialect) present(r ref) string {
	if !r.isJSON() {
		return d.expr(r) + " IS NOT NULL"
	}
	return "(" + d.expr(r) + " IS NOT NULL AND " + d.jsonKind(r) + " <> 'null')"
}

func (d postgresDialect) eq(r ref, v types.Value, a *args) (string, bool) {
	if !r.isJSON() {
		sv, ok := scalarFor(r.typ, v)
		if !ok {
			return "", false
		}
		arg, err := d.arg(r.typ, sv)
		if err != nil {
			return "", false
		}
		return d.expr(r) + " = " + a.add(arg), true
	}
	return d.expr(r) + " = " + a.add(jsonText(v)) + "::jsonb", true
}

func (d postgresDialect) ordered(r ref, op string, v types.Value, a *args) (string, bool) {
	if !r.isJSON() {
		sv, ok := scalarFor(r.typ, v)
		if !ok {
			return "", false
		}
		arg, err := d.arg(r.typ, sv)
		if err != nil {
			return "", false
		}
		lhs := d.expr(r)
		if _, isString := sv.AsString(); isString {
			lhs += ` COLLATE "C"`
		}
		return lhs + " " + op + " " + a.add(arg), true
	}
	v = jsonScalar(v)
	switch v.Kind() {
	case types.ValueInt, types.ValueFloat:
		return "(" + d.jsonKind(r) + " = 'number' AND " + d.expr(r) + " " + op + " " + a.add(jsonText(v)) + "::jsonb)", true
	case types.ValueBool:
		return "(" + d.jsonKind(r) + " = 'boolean' AND " + d.expr(r) + " " + op + " " + a.add(jsonText(v)) + "::jsonb)", true
	case types.ValueString:
		s, _ := v.AsString()
		return "(" + d.jsonKind(r) + " = 'string' AND " + d.text(r) + ` COLLATE "C" ` + op + " " + a.add(s) + ")", true
	}
	return "", false
}

func (d postgresDialect) contains(r ref, v types.Value, a *args) (string, bool) {
	if !r.isJSON() {
		return "", false
	}
	return "(" + d.jsonKind(r) + " = 'array' AND " + d.expr(r) + " @> " +
		a.add(jsonText(types.ListValue(v))) + "::jsonb)", true
}

func (d postgresDialect) regex(r ref, pattern string, a *args) (string, bool) {
	if !r.isJSON() {
		switch r.typ {
		case types.TypeString, types.TypeObjectID, types.TypeUUID:
			return d.expr(r) + " ~ " + a.add(pattern), true
		}
		return "", false
	}
	return "(" + d.jsonKind(r) + " = 'string' AND " + d.text(r) + " ~ " + a.add(pattern) + ")", true
}
