package oplog

import (
	"encoding/json"
	"fmt"

	"github.com/xeipuuv/gojsonschema"
)

// SchemaSet holds compiled JSON schemas keyed by operation kind. Kinds with
// no schema accept any payload.
type SchemaSet struct {
	schemas map[string]*gojsonschema.Schema
}

// NewSchemaSet compiles the given raw schemas. An invalid schema is a
// configuration error, not a runtime one.
func NewSchemaSet(raw map[string]json.RawMessage) (*SchemaSet, error) {
	set := &SchemaSet{schemas: make(map[string]*gojsonschema.Schema, len(raw))}
	for kind, doc := range raw {
		if len(doc) == 0 {
			continue
		}
		schema, err := gojsonschema.NewSchema(gojsonschema.NewBytesLoader(doc))
		if err != nil {
			return nil, fmt.Errorf("compile schema for kind %q: %w", kind, err)
		}
		set.schemas[kind] = schema
	}
	return set, nil
}

// Validate checks payload against the schema registered for kind, if any.
// Violations surface as validation errors and never reach the journal.
func (s *SchemaSet) Validate(kind string, payload json.RawMessage) error {
	schema, ok := s.schemas[kind]
	if !ok {
		return nil
	}
	if len(payload) == 0 {
		return NewValidationError(fmt.Sprintf("kind %q requires a payload", kind))
	}
	result, err := schema.Validate(gojsonschema.NewBytesLoader(payload))
	if err != nil {
		return NewValidationError(fmt.Sprintf("payload for kind %q is not valid JSON: %v", kind, err))
	}
	if !result.Valid() {
		first := result.Errors()[0]
		return NewValidationError(fmt.Sprintf("payload for kind %q: %s", kind, first.String()))
	}
	return nil
}
