// Package validate checks configuration documents against embedded JSON
// schemas before any other code interprets them.
package validate

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// ValidateAgainstSchema validates a JSON document against the given schema.
// The name only labels the schema in error messages.
func ValidateAgainstSchema(name string, schema, data []byte) error {
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(name, bytes.NewReader(schema)); err != nil {
		return fmt.Errorf("loading schema %s: %w", name, err)
	}
	compiled, err := compiler.Compile(name)
	if err != nil {
		return fmt.Errorf("compiling schema %s: %w", name, err)
	}

	var document interface{}
	if err := json.Unmarshal(data, &document); err != nil {
		return fmt.Errorf("parsing document: %w", err)
	}
	if err := compiled.Validate(document); err != nil {
		return fmt.Errorf("document does not match schema %s: %w", name, err)
	}
	return nil
}

// ValidateValue validates an already-decoded document (e.g. from YAML)
// against the given schema.
func ValidateValue(name string, schema []byte, document interface{}) error {
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(name, bytes.NewReader(schema)); err != nil {
		return fmt.Errorf("loading schema %s: %w", name, err)
	}
	compiled, err := compiler.Compile(name)
	if err != nil {
		return fmt.Errorf("compiling schema %s: %w", name, err)
	}
	if err := compiled.Validate(document); err != nil {
		return fmt.Errorf("document does not match schema %s: %w", name, err)
	}
	return nil
}
