package cli

import (
	"errors"
	"fmt"

	"gopkg.in/yaml.v3"

	"github.com/mesh-intelligence/unidb/pkg/types"
)

// decodeSchema reads a schema file in YAML or JSON. Besides full field
// definitions it accepts shorthands:
//
//	name: string          # {type: string}
//	tags: [string]        # {type: array, items: {type: string}}
//	address:              # {type: object, properties: {...}}
//	  city: string
func decodeSchema(data []byte) (types.Schema, error) {
	var doc yaml.Node
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, err
	}
	if len(doc.Content) == 0 {
		return types.Schema{}, nil
	}
	return schemaNode(doc.Content[0])
}

func schemaNode(n *yaml.Node) (types.Schema, error) {
	if n.Kind != yaml.MappingNode {
		return nil, errors.New("schema must be a mapping of field names")
	}
	out := make(types.Schema, len(n.Content)/2)
	for i := 0; i+1 < len(n.Content); i += 2 {
		name := n.Content[i].Value
		def, err := fieldNode(n.Content[i+1])
		if err != nil {
			return nil, fmt.Errorf("field %q: %w", name, err)
		}
		out[name] = def
	}
	return out, nil
}

// fieldDoc is the long form of a field definition.
type fieldDoc struct {
	Type       string     `yaml:"type"`
	Required   bool       `yaml:"required"`
	Unique     bool       `yaml:"unique"`
	Default    any        `yaml:"default"`
	Ref        string     `yaml:"ref"`
	Items      *yaml.Node `yaml:"items"`
	Properties *yaml.Node `yaml:"properties"`
}

func fieldNode(n *yaml.Node) (types.FieldDef, error) {
	switch n.Kind {
	case yaml.ScalarNode:
		return types.FieldDef{Type: types.FieldType(n.Value)}, nil
	case yaml.SequenceNode:
		if len(n.Content) != 1 {
			return types.FieldDef{}, errors.New("array shorthand takes exactly one item type")
		}
		items, err := fieldNode(n.Content[0])
		if err != nil {
			return types.FieldDef{}, err
		}
		return types.FieldDef{Type: types.TypeArray, Items: &items}, nil
	case yaml.MappingNode:
	default:
		return types.FieldDef{}, fmt.Errorf("unexpected %s at line %d", n.Tag, n.Line)
	}

	if !hasScalarKey(n, "type") {
		props, err := schemaNode(n)
		if err != nil {
			return types.FieldDef{}, err
		}
		return types.FieldDef{Type: types.TypeObject, Properties: props}, nil
	}

	var doc fieldDoc
	if err := n.Decode(&doc); err != nil {
		return types.FieldDef{}, err
	}
	def := types.FieldDef{
		Type:     types.FieldType(doc.Type),
		Required: doc.Required,
		Unique:   doc.Unique,
		Default:  doc.Default,
		Ref:      doc.Ref,
	}
	if doc.Items != nil {
		items, err := fieldNode(doc.Items)
		if err != nil {
			return types.FieldDef{}, fmt.Errorf("items: %w", err)
		}
		def.Items = &items
	}
	if doc.Properties != nil {
		props, err := schemaNode(doc.Properties)
		if err != nil {
			return types.FieldDef{}, fmt.Errorf("properties: %w", err)
		}
		def.Properties = props
	}
	return def, nil
}

func hasScalarKey(n *yaml.Node, key string) bool {
	for i := 0; i+1 < len(n.Content); i += 2 {
		if n.Content[i].Value == key && n.Content[i+1].Kind == yaml.ScalarNode {
			return true
		}
	}
	return false
}
