package mongodb

import (
	"go.mongodb.org/mongo-driver/v2/bson"

	"github.com/mesh-intelligence/unidb/internal/query"
	"github.com/mesh-intelligence/unidb/pkg/types"
)

// field maps an abstract field name to its document path.
func field(name string) string {
	if name == types.FieldID {
		return types.FieldObjectID
	}
	return name
}

// operand converts a query value to BSON. Values compared with _id become
// ObjectIDs when they parse as one.
func operand(name string, v types.Value) any {
	if field(name) == types.FieldObjectID {
		return idValue(v)
	}
	return bsonValue(v)
}

func idValue(v types.Value) any {
	if items, ok := v.AsList(); ok {
		out := make(bson.A, len(items))
		for i, item := range items {
			out[i] = idValue(item)
		}
		return out
	}
	if s, ok := v.AsString(); ok {
		if oid, err := bson.ObjectIDFromHex(s); err == nil {
			return oid
		}
	}
	return bsonValue(v)
}

func op(name string, o string, v any) bson.D {
	return bson.D{{Key: field(name), Value: bson.D{{Key: o, Value: v}}}}
}

func isArray(name string) bson.D { return op(name, "$type", "array") }

func notArray(name string) bson.D {
	return op(name, "$not", bson.D{{Key: "$type", Value: "array"}})
}

func and(clauses ...bson.D) bson.D { return bson.D{{Key: "$and", Value: list(clauses)}} }

func or(clauses ...bson.D) bson.D { return bson.D{{Key: "$or", Value: list(clauses)}} }

func list(clauses []bson.D) bson.A {
	out := make(bson.A, len(clauses))
	for i, c := range clauses {
		out[i] = c
	}
	return out
}

// holdsList reports whether v is a list or a list containing a list. Only
// such operands can equal a whole array field.
func holdsList(v types.Value) bool {
	items, ok := v.AsList()
	if !ok {
		return false
	}
	for _, item := range items {
		if item.Kind() == types.ValueList {
			return true
		}
	}
	return false
}

// scalar wraps o so array fields never match: MongoDB would otherwise
// compare each element.
func scalar(o string) query.Clause[bson.D] {
	return func(c query.Cond) (bson.D, error) {
		return and(op(c.Field, o, operand(c.Field, c.Operand)), notArray(c.Field)), nil
	}
}

// filters is the operator table. Arrays are whole values: $eq and $in
// exclude array fields unless the operand holds a list, $regex and the
// range operators always exclude them, and $ne and $nin keep them.
var filters = query.MustTable(types.BackendMongoDB, map[types.Operator]query.Clause[bson.D]{
	types.OpEq: func(c query.Cond) (bson.D, error) {
		eq := op(c.Field, "$eq", operand(c.Field, c.Operand))
		switch c.Operand.Kind() {
		case types.ValueNull, types.ValueList:
			return eq, nil
		}
		return and(eq, notArray(c.Field)), nil
	},
	types.OpNe: func(c query.Cond) (bson.D, error) {
		ne := op(c.Field, "$ne", operand(c.Field, c.Operand))
		switch c.Operand.Kind() {
		case types.ValueNull, types.ValueList:
			return ne, nil
		}
		return or(ne, isArray(c.Field)), nil
	},
	types.OpGt:  scalar("$gt"),
	types.OpGte: scalar("$gte"),
	types.OpLt:  scalar("$lt"),
	types.OpLte: scalar("$lte"),
	types.OpIn: func(c query.Cond) (bson.D, error) {
		in := op(c.Field, "$in", operand(c.Field, c.Operand))
		if holdsList(c.Operand) {
			return in, nil
		}
		return and(in, notArray(c.Field)), nil
	},
	types.OpNin: func(c query.Cond) (bson.D, error) {
		nin := op(c.Field, "$nin", operand(c.Field, c.Operand))
		if holdsList(c.Operand) {
			return nin, nil
		}
		return or(nin, isArray(c.Field)), nil
	},
	types.OpContains: func(c query.Cond) (bson.D, error) {
		return op(c.Field, "$elemMatch", bson.D{{Key: "$eq", Value: operand(c.Field, c.Operand)}}), nil
	},
	types.OpRegex: func(c query.Cond) (bson.D, error) {
		pattern, _ := c.Operand.AsString()
		return and(op(c.Field, "$regex", bson.Regex{Pattern: pattern}), notArray(c.Field)), nil
	},
	types.OpExists: func(c query.Cond) (bson.D, error) {
		if want, _ := c.Operand.AsBool(); want {
			return bson.D{{Key: field(c.Field), Value: bson.D{{Key: "$exists", Value: true}, {Key: "$ne", Value: nil}}}}, nil
		}
		return op(c.Field, "$eq", nil), nil
	},
})

// translate builds the filter document for f. A point lookup with an id
// that is not an ObjectID selects nothing.
func translate(f query.Filter) (bson.D, error) {
	if f.HasID {
		oid, err := bson.ObjectIDFromHex(f.ID)
		if err != nil {
			return bson.D{{Key: types.FieldObjectID, Value: bson.D{{Key: "$exists", Value: false}}}}, nil
		}
		return bson.D{{Key: types.FieldObjectID, Value: oid}}, nil
	}
	clauses, err := filters.Build(f)
	if err != nil {
		return nil, err
	}
	switch len(clauses) {
	case 0:
		return bson.D{}, nil
	case 1:
		return clauses[0], nil
	}
	return and(clauses...), nil
}

var updateOps = map[types.Operator]string{
	types.OpSet:  "$set",
	types.OpInc:  "$inc",
	types.OpPush: "$push",
	types.OpAdd:  "$addToSet",
}

// translateUpdate builds the update document for c and stamps updatedAt.
// refs lists objectId fields whose string operands are stored as ObjectIDs.
func translateUpdate(c query.Change, refs map[string]bool, now any) bson.D {
	var out bson.D
	var set bson.D
	for _, o := range c.Ops() {
		var doc bson.D
		for _, m := range c.ByOp(o) {
			v := bsonValue(m.Operand)
			if refs[m.Field] {
				v = idValue(m.Operand)
			}
			doc = append(doc, bson.E{Key: m.Field, Value: v})
		}
		if o == types.OpSet {
			set = doc
			continue
		}
		out = append(out, bson.E{Key: updateOps[o], Value: doc})
	}
	set = append(set, bson.E{Key: types.FieldUpdatedAt, Value: now})
	return append(bson.D{{Key: "$set", Value: set}}, out...)
}
