package mongodb

import (
	"go.mongodb.org/mongo-driver/v2/bson"

	"github.com/mesh-intelligence/unidb/internal/schema"
	"github.com/mesh-intelligence/unidb/pkg/types"
)

const uuidPattern = `^[0-9a-fA-F]{8}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{12}$`

// jsonSchema compiles canonical schemas to $jsonSchema nodes. Optional
// fields also accept null.
type jsonSchema struct{}

func bsonTypes(def types.FieldDef, t ...string) any {
	if !def.Required {
		t = append(t, "null")
	}
	if len(t) == 1 {
		return t[0]
	}
	out := make(bson.A, len(t))
	for i, s := range t {
		out[i] = s
	}
	return out
}

func (jsonSchema) Scalar(_ string, def types.FieldDef) (bson.M, error) {
	switch def.Type {
	case types.TypeNumber:
		return bson.M{"bsonType": bsonTypes(def, "double", "int", "long", "decimal")}, nil
	case types.TypeBoolean:
		return bson.M{"bsonType": bsonTypes(def, "bool")}, nil
	case types.TypeDate:
		return bson.M{"bsonType": bsonTypes(def, "date")}, nil
	case types.TypeObjectID:
		return bson.M{"bsonType": bsonTypes(def, "objectId", "string")}, nil
	case types.TypeUUID:
		return bson.M{"bsonType": bsonTypes(def, "string"), "pattern": uuidPattern}, nil
	case types.TypeBuffer:
		return bson.M{"bsonType": bsonTypes(def, "binData")}, nil
	case types.TypeMap:
		return bson.M{"bsonType": bsonTypes(def, "object")}, nil
	}
	return bson.M{"bsonType": bsonTypes(def, "string")}, nil
}

func (jsonSchema) Array(_ string, def types.FieldDef, items bson.M) (bson.M, error) {
	n := bson.M{"bsonType": bsonTypes(def, "array"), "items": items}
	if def.Type == types.TypeSet {
		n["uniqueItems"] = true
	}
	return n, nil
}

func (jsonSchema) Object(_ string, def types.FieldDef, props []schema.Prop[bson.M]) (bson.M, error) {
	return objectNode(bsonTypes(def, "object"), props), nil
}

func (jsonSchema) Dynamic(string, types.FieldDef) (bson.M, error) {
	return bson.M{}, nil
}

func (jsonSchema) NativeTimestamps() bool { return false }

func objectNode(bsonType any, props []schema.Prop[bson.M]) bson.M {
	properties := bson.M{}
	var required bson.A
	for _, p := range props {
		properties[p.Name] = p.Node
		if p.Def.Required {
			required = append(required, p.Name)
		}
	}
	n := bson.M{"bsonType": bsonType, "properties": properties}
	if len(required) > 0 {
		n["required"] = required
	}
	return n
}

// validator returns the collection validator for a canonical schema.
func validator(s types.Schema) (bson.M, error) {
	props, err := schema.Compile[bson.M](s, jsonSchema{})
	if err != nil {
		return nil, err
	}
	return bson.M{"$jsonSchema": objectNode("object", props)}, nil
}

// refFields lists top-level objectId fields.
func refFields(s types.Schema) map[string]bool {
	out := map[string]bool{}
	for name, def := range s {
		if def.Type == types.TypeObjectID {
			out[name] = true
		}
	}
	return out
}
