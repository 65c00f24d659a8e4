package types

// Reserved field names. The envelope fields are owned by adapters and cannot
// be declared in a schema or changed by an update.
const (
	FieldID        = "id"
	FieldObjectID  = "_id"
	FieldCreatedAt = "createdAt"
	FieldUpdatedAt = "updatedAt"
)

// Query maps a field name to a literal, which means equality, or to an
// operator object. Operator objects are Ops values or map[string]any values
// whose keys all start with "$", as produced by decoding JSON.
//
//	types.Query{"name": "Ann", "age": types.Ops{types.OpGte: 18, types.OpLt: 65}}
//
// An empty Query matches every record. The id and _id keys request a point
// lookup and cause every other key to be ignored.
type Query map[string]any

// Ops is an operator object: operator -> operand.
type Ops map[Operator]any

// ByID returns a point-lookup query.
func ByID(id string) Query {
	return Query{FieldID: id}
}

// Update describes a mutation. Either every key is an update operator
// mapping fields to operands, or none is and the whole map is an implicit
// $set.
//
//	types.Update{"age": 31}
//	types.Update{"$inc": map[string]any{"visits": 1}, "$push": map[string]any{"tags": "new"}}
type Update map[string]any

// IsReserved reports whether name is an id or envelope field.
func IsReserved(name string) bool {
	switch name {
	case FieldID, FieldObjectID, FieldCreatedAt, FieldUpdatedAt:
		return true
	}
	return false
}
