package elastic

import (
	"github.com/mesh-intelligence/unidb/internal/query"
	"github.com/mesh-intelligence/unidb/pkg/types"
)

// clause is one bool-query entry. A nil node leaves the condition to the
// Go matcher; negate puts the node under must_not.
type clause struct {
	node   object
	negate bool
}

// build renders a condition against the collection schema.
type build func(s types.Schema) clause

// term converts a scalar operand to its search form. Times use TimeLayout,
// which date_nanos fields parse.
func term(v types.Value) (any, bool) {
	switch v.Kind() {
	case types.ValueString, types.ValueInt, types.ValueFloat, types.ValueBool:
		return v.Interface(), true
	case types.ValueTime:
		t, _ := v.AsTime()
		return t.Format(types.TimeLayout), true
	}
	return nil, false
}

// match is an exact lookup that ignores values the field cannot parse, so
// a mistyped operand selects nothing instead of failing the search.
func match(field string, v any) object {
	return object{"match": object{field: object{"query": v, "lenient": true}}}
}

func missing(field string) object {
	return object{"bool": object{"must_not": []any{object{"exists": object{"field": field}}}}}
}

// searchable reports whether conditions on field can be sent to the index.
// Negated conditions also need a declared single-valued field: must_not
// drops a document when any array element matches.
func searchable(s types.Schema, field string, negate bool) bool {
	r := fieldType(s, field)
	return r.ok && (!negate || r.scalar)
}

func equality(negate bool) query.Clause[build] {
	return func(c query.Cond) (build, error) {
		return func(s types.Schema) clause {
			if !searchable(s, c.Field, negate) {
				return clause{}
			}
			if c.Operand.IsNull() {
				if negate {
					// exists skips empty arrays, which count as present.
					return clause{}
				}
				return clause{node: missing(c.Field)}
			}
			v, ok := term(c.Operand)
			if !ok {
				return clause{}
			}
			return clause{node: match(c.Field, v), negate: negate}
		}, nil
	}
}

// compatible reports whether a range over a field of type t can take v.
func compatible(t types.FieldType, v types.Value) bool {
	switch t {
	case types.TypeNumber:
		return v.IsNumber()
	case types.TypeDate:
		return v.Kind() == types.ValueTime
	case types.TypeString, types.TypeObjectID, types.TypeUUID:
		return v.Kind() == types.ValueString
	}
	return false
}

// ranged only reaches the index for declared fields whose type fits the
// operand; range queries have no lenient mode.
func ranged(bound string) query.Clause[build] {
	return func(c query.Cond) (build, error) {
		return func(s types.Schema) clause {
			r := fieldType(s, c.Field)
			if !r.ok || !r.declared || !compatible(r.typ, c.Operand) {
				return clause{}
			}
			v, _ := term(c.Operand)
			return clause{node: object{"range": object{c.Field: object{bound: v}}}}
		}, nil
	}
}

func membership(negate bool) query.Clause[build] {
	return func(c query.Cond) (build, error) {
		return func(s types.Schema) clause {
			if !searchable(s, c.Field, negate) {
				return clause{}
			}
			items, _ := c.Operand.AsList()
			var should []any
			for _, item := range items {
				if item.IsNull() {
					if negate {
						continue
					}
					should = append(should, missing(c.Field))
					continue
				}
				v, ok := term(item)
				if !ok {
					return clause{}
				}
				should = append(should, match(c.Field, v))
			}
			if len(should) == 0 {
				if negate {
					return clause{}
				}
				return clause{node: object{"match_none": object{}}}
			}
			return clause{node: object{"bool": object{"should": should, "minimum_should_match": 1}}, negate: negate}
		}, nil
	}
}

// builders is the operator table. $regex and $exists:true have no exact
// index form: Lucene patterns are anchored with their own syntax, and
// exists skips empty arrays. Both are decided by the Go matcher.
var builders = query.MustTable(types.BackendElasticsearch, map[types.Operator]query.Clause[build]{
	types.OpEq:  equality(false),
	types.OpNe:  equality(true),
	types.OpGt:  ranged("gt"),
	types.OpGte: ranged("gte"),
	types.OpLt:  ranged("lt"),
	types.OpLte: ranged("lte"),
	types.OpIn:  membership(false),
	types.OpNin: membership(true),
	types.OpContains: func(c query.Cond) (build, error) {
		return func(s types.Schema) clause {
			v, ok := term(c.Operand)
			if !ok || !searchable(s, c.Field, false) {
				return clause{}
			}
			return clause{node: match(c.Field, v)}
		}, nil
	},
	types.OpRegex: func(query.Cond) (build, error) {
		return func(types.Schema) clause { return clause{} }, nil
	},
	types.OpExists: func(c query.Cond) (build, error) {
		return func(s types.Schema) clause {
			if want, _ := c.Operand.AsBool(); want || !searchable(s, c.Field, false) {
				return clause{}
			}
			return clause{node: missing(c.Field)}
		}, nil
	},
})

// translate builds the search query for f. The result selects a superset
// of the matches; callers filter hits with the Go matcher.
func translate(s types.Schema, f query.Filter) (object, error) {
	if f.HasID {
		return object{"ids": object{"values": []string{f.ID}}}, nil
	}
	built, err := builders.Build(f)
	if err != nil {
		return nil, err
	}
	var filter, mustNot []any
	for _, b := range built {
		c := b(s)
		switch {
		case c.node == nil:
		case c.negate:
			mustNot = append(mustNot, c.node)
		default:
			filter = append(filter, c.node)
		}
	}
	if filter == nil && mustNot == nil {
		return object{"match_all": object{}}, nil
	}
	q := object{}
	if filter != nil {
		q["filter"] = filter
	}
	if mustNot != nil {
		q["must_not"] = mustNot
	}
	return object{"bool": q}, nil
}
