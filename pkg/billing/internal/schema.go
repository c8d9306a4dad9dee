package internal

import (
	"bytes"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// Schema validates raw webhook payloads before any field is read.
type Schema struct {
	schema *jsonschema.Schema
}

// MustCompileSchema compiles an embedded JSON schema document and panics on
// error. Schemas are compiled at package init, so a bad schema is a build bug.
func MustCompileSchema(name string, doc []byte) *Schema {
	s, err := CompileSchema(name, doc)
	if err != nil {
		panic(err)
	}
	return s
}

// CompileSchema compiles a JSON schema document registered under name.
func CompileSchema(name string, doc []byte) (*Schema, error) {
	parsed, err := jsonschema.UnmarshalJSON(bytes.NewReader(doc))
	if err != nil {
		return nil, fmt.Errorf("failed to parse schema %s: %w", name, err)
	}
	url := "mem://paysync/" + name
	c := jsonschema.NewCompiler()
	if err := c.AddResource(url, parsed); err != nil {
		return nil, fmt.Errorf("failed to add schema %s: %w", name, err)
	}
	compiled, err := c.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("failed to compile schema %s: %w", name, err)
	}
	return &Schema{schema: compiled}, nil
}

// Validate checks raw JSON against the schema.
func (s *Schema) Validate(raw []byte) error {
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return fmt.Errorf("malformed JSON: %w", err)
	}
	if err := s.schema.Validate(inst); err != nil {
		return err
	}
	return nil
}
