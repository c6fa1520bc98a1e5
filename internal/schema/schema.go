// Package schema validates custom-event payloads against an optional JSON
// Schema. Validation is advisory: an invalid payload is reported through
// diagnostics and the event is buffered anyway, since the capture API never
// fails the caller.
package schema

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// Validator checks payloads against a compiled schema.
type Validator struct {
	schema *jsonschema.Schema
}

// Load compiles the JSON Schema at path. An empty path yields a nil
// validator, which accepts everything.
func Load(path string) (*Validator, error) {
	if path == "" {
		return nil, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read schema: %w", err)
	}

	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(path, bytes.NewReader(data)); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}

	compiled, err := compiler.Compile(path)
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}

	return &Validator{schema: compiled}, nil
}

// Validate checks one payload. A nil validator accepts everything.
func (v *Validator) Validate(payload json.RawMessage) error {
	if v == nil || v.schema == nil {
		return nil
	}

	var instance any
	if err := json.Unmarshal(payload, &instance); err != nil {
		return fmt.Errorf("unmarshal payload: %w", err)
	}

	if err := v.schema.Validate(instance); err != nil {
		return fmt.Errorf("validate payload: %w", err)
	}

	return nil
}
