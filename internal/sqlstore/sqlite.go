package sqlstore

import (
	"database/sql/driver"
	"regexp"
	"strings"
	"sync"

	"modernc.org/sqlite"

	"github.com/mesh-intelligence/unidb/pkg/types"
)

// patterns caches compiled REGEXP operands across statements.
var patterns sync.Map

func init() {
	// SQLite has no built-in REGEXP: "x REGEXP p" calls regexp(p, x).
	sqlite.MustRegisterDeterministicScalarFunction("regexp", 2,
		func(_ *sqlite.FunctionContext, argv []driver.Value) (driver.Value, error) {
			pattern, ok := argv[0].(string)
			if !ok {
				return int64(0), nil
			}
			var subject string
			switch s := argv[1].(type) {
			case string:
				subject = s
			case []byte:
				subject = string(s)
			default:
				return int64(0), nil
			}
			re, err := compiledPattern(pattern)
			if err != nil {
				return nil, err
			}
			if re.MatchString(subject) {
				return int64(1), nil
			}
			return int64(0), nil
		})
}

func compiledPattern(pattern string) (*regexp.Regexp, error) {
	if re, ok := patterns.Load(pattern); ok {
		return re.(*regexp.Regexp), nil
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, err
	}
	patterns.Store(pattern, re)
	return re, nil
}

func sqliteJSONPath(path []string) string {
	var b strings.Builder
	b.WriteString("'$")
	for _, seg := range path {
		b.WriteString(`."` + seg + `"`)
	}
	b.WriteString("'")
	return b.String()
}

func (sqliteDialect) jsonArgs(r ref) string {
	return quoteIdent(r.col) + ", " + sqliteJSONPath(r.path)
}

func (d sqliteDialect) expr(r ref) string {
	if !r.isJSON() {
		return quoteIdent(r.col)
	}
	return "json_extract(" + d.jsonArgs(r) + ")"
}

func (d sqliteDialect) jsonKind(r ref) string {
	return "json_type(" + d.jsonArgs(r) + ")"
}

func (d sqliteDialect) present(r ref) string {
	return d.expr(r) + " IS NOT NULL"
}

// bindJSON converts a scalar for comparison with json_extract output,
// which yields text, integers, reals and 0/1 for booleans.
func bindJSON(v types.Value) any {
	v = jsonScalar(v)
	if b, ok := v.AsBool(); ok {
		if b {
			return int64(1)
		}
		return int64(0)
	}
	if _, ok := v.AsBytes(); ok {
		text := jsonText(v)
		return strings.Trim(text, `"`)
	}
	return v.Interface()
}

// kindGuard restricts a JSON comparison to stored values of the operand's
// JSON type.
func (d sqliteDialect) kindGuard(r ref, v types.Value) string {
	switch v.Kind() {
	case types.ValueInt, types.ValueFloat:
		return d.jsonKind(r) + " IN ('integer', 'real')"
	case types.ValueBool:
		return d.jsonKind(r) + " IN ('true', 'false')"
	case types.ValueList:
		return d.jsonKind(r) + " = 'array'"
	case types.ValueMap:
		return d.jsonKind(r) + " = 'object'"
	}
	return d.jsonKind(r) + " = 'text'"
}

func (d sqliteDialect) eq(r ref, v types.Value, a *args) (string, bool) {
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
	switch v.Kind() {
	case types.ValueList, types.ValueMap:
		return "(" + d.kindGuard(r, v) + " AND " + d.expr(r) + " = json(" + a.add(jsonText(v)) + "))", true
	}
	return "(" + d.kindGuard(r, jsonScalar(v)) + " AND " + d.expr(r) + " = " + a.add(bindJSON(v)) + ")", true
}

func (d sqliteDialect) ordered(r ref, op string, v types.Value, a *args) (string, bool) {
	if !r.isJSON() {
		sv, ok := scalarFor(r.typ, v)
		if !ok {
			return "", false
		}
		arg, err := d.arg(r.typ, sv)
		if err != nil {
			return "", false
		}
		return d.expr(r) + " " + op + " " + a.add(arg), true
	}
	if v.Kind() == types.ValueBytes {
		return "", false
	}
	return "(" + d.kindGuard(r, jsonScalar(v)) + " AND " + d.expr(r) + " " + op + " " + a.add(bindJSON(v)) + ")", true
}

func (d sqliteDialect) contains(r ref, v types.Value, a *args) (string, bool) {
	if !r.isJSON() {
		return "", false
	}
	elem := "value = " + a.add(bindJSON(v))
	switch jsonScalar(v).Kind() {
	case types.ValueBool:
		elem = "type IN ('true', 'false') AND " + elem
	case types.ValueString:
		elem = "type = 'text' AND " + elem
	case types.ValueInt, types.ValueFloat:
		elem = "type IN ('integer', 'real') AND " + elem
	}
	return "(" + d.jsonKind(r) + " = 'array' AND EXISTS (SELECT 1 FROM json_each(" +
		d.jsonArgs(r) + ") WHERE " + elem + "))", true
}

func (d sqliteDialect) regex(r ref, pattern string, a *args) (string, bool) {
	if !r.isJSON() {
		switch r.typ {
		case types.TypeString, types.TypeObjectID, types.TypeUUID:
			return d.expr(r) + " REGEXP " + a.add(pattern), true
		}
		return "", false
	}
	return "(" + d.jsonKind(r) + " = 'text' AND " + d.expr(r) + " REGEXP " + a.add(pattern) + ")", true
}
