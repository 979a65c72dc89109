// Package schema models the user-provided description of which entity
// types and fields the cache should hold.
//
// The description is a YAML mapping of entity type names to field
// mappings. A field is either a bare string naming its data type, or a
// mapping with a data_type key and, for entity-like fields, the list of
// allowed target types:
//
//	Shot:
//	  code: text
//	  sg_sequence:
//	    data_type: entity
//	    entity_types: [Sequence]
//	Task:
//	  content: text
//	  task_assignees:
//	    data_type: multi_entity
//	    entity_types: [HumanUser, Group]
package schema

import (
	"fmt"
	"os"
	"sort"

	"gopkg.in/yaml.v3"
)

// Schema maps entity type names to their field descriptions.
type Schema map[string]EntitySchema

// EntitySchema maps field names to their descriptions. Every entity
// implicitly carries an "id" field of type number.
type EntitySchema map[string]FieldSchema

// FieldSchema describes one field of an entity type.
type FieldSchema struct {
	DataType    string   `yaml:"data_type"`
	EntityTypes []string `yaml:"entity_types"`
}

// UnmarshalYAML accepts either a bare data-type string or a mapping.
func (f *FieldSchema) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind == yaml.ScalarNode {
		var s string
		if err := node.Decode(&s); err != nil {
			return err
		}
		f.DataType = s
		return nil
	}
	type plain FieldSchema
	var p plain
	if err := node.Decode(&p); err != nil {
		return err
	}
	*f = FieldSchema(p)
	return nil
}

// Load reads and validates a schema description from a YAML file.
func Load(path string) (Schema, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read schema: %w", err)
	}
	return Parse(raw)
}

// Parse decodes and validates a schema description.
func Parse(raw []byte) (Schema, error) {
	var s Schema
	if err := yaml.Unmarshal(raw, &s); err != nil {
		return nil, fmt.Errorf("parse schema: %w", err)
	}
	for typeName, fields := range s {
		// Every type has an integer primary key whether declared or not.
		if _, ok := fields["id"]; !ok {
			fields["id"] = FieldSchema{DataType: "number"}
		}
		for fieldName, fs := range fields {
			if err := validateField(typeName, fieldName, fs); err != nil {
				return nil, err
			}
		}
	}
	return s, nil
}

func validateField(typeName, fieldName string, fs FieldSchema) error {
	if fs.DataType == "" {
		return fmt.Errorf("schema: %s.%s has no data_type", typeName, fieldName)
	}
	switch fs.DataType {
	case "entity", "multi_entity":
		if len(fs.EntityTypes) == 0 {
			return fmt.Errorf("schema: %s field %s.%s needs entity_types", fs.DataType, typeName, fieldName)
		}
	}
	return nil
}

// TypeNames returns the entity type names in sorted order.
func (s Schema) TypeNames() []string {
	names := make([]string, 0, len(s))
	for name := range s {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// FieldNames returns the field names of one entity in sorted order.
func (e EntitySchema) FieldNames() []string {
	names := make([]string, 0, len(e))
	for name := range e {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
