package mongodb

import (
	"fmt"

	"go.mongodb.org/mongo-driver/v2/bson"

	"github.com/mesh-intelligence/unidb/internal/record"
	"github.com/mesh-intelligence/unidb/internal/schema"
	"github.com/mesh-intelligence/unidb/pkg/types"
)

// bsonValue converts a value to what the driver encodes natively.
func bsonValue(v types.Value) any {
	switch v.Kind() {
	case types.ValueList:
		items, _ := v.AsList()
		out := make(bson.A, len(items))
		for i, item := range items {
			out[i] = bsonValue(item)
		}
		return out
	case types.ValueMap:
		m, _ := v.AsMap()
		out := make(bson.M, len(m))
		for k, item := range m {
			out[k] = bsonValue(item)
		}
		return out
	case types.ValueBytes:
		b, _ := v.AsBytes()
		return bson.Binary{Data: b}
	}
	return v.Interface()
}

// document converts a record to a BSON document. oid is the stored _id;
// refs lists objectId fields stored as ObjectIDs.
func document(r *types.Record, oid bson.ObjectID, refs map[string]bool) bson.M {
	doc := make(bson.M, len(r.Fields)+3)
	for k, v := range r.Fields {
		if refs[k] {
			doc[k] = idValue(v)
			continue
		}
		doc[k] = bsonValue(v)
	}
	doc[types.FieldObjectID] = oid
	doc[types.FieldCreatedAt] = r.CreatedAt
	doc[types.FieldUpdatedAt] = r.UpdatedAt
	return doc
}

// plain converts decoded BSON to native values: ObjectIDs become hex
// strings, DateTimes become times, binaries become bytes.
func plain(x any) any {
	switch v := x.(type) {
	case bson.ObjectID:
		return v.Hex()
	case bson.DateTime:
		return v.Time().UTC()
	case bson.Binary:
		return v.Data
	case bson.Decimal128:
		return v.String()
	case bson.Regex:
		return v.Pattern
	case int32:
		return int64(v)
	case bson.A:
		out := make([]any, len(v))
		for i, e := range v {
			out[i] = plain(e)
		}
		return out
	case bson.M:
		out := make(map[string]any, len(v))
		for k, e := range v {
			out[k] = plain(e)
		}
		return out
	case bson.D:
		out := make(map[string]any, len(v))
		for _, e := range v {
			out[e.Key] = plain(e.Value)
		}
		return out
	}
	return x
}

// fromDocument rebuilds a record from a stored document.
func fromDocument(doc bson.M, s types.Schema) (*types.Record, error) {
	m := plain(doc).(map[string]any)
	r, err := record.FromMap(m, types.FieldObjectID)
	if err != nil {
		return nil, fmt.Errorf("document %v: %w", doc[types.FieldObjectID], err)
	}
	r.Fields = schema.Coerce(s, r.Fields)
	return r, nil
}
