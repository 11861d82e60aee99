// Package toolschema derives tool parameter schemas from Go structs and
// validates model-supplied arguments against them.
package toolschema

import (
	"bytes"
	"encoding/json"
	"fmt"

	invopop "github.com/invopop/jsonschema"
	"github.com/santhosh-tekuri/jsonschema/v5"
)

// Reflect returns a self-contained JSON Schema for v's type. Definitions are
// inlined and the $schema/$id keys dropped so provider SDKs accept it as a
// plain object schema.
func Reflect(v any) json.RawMessage {
	r := &invopop.Reflector{
		ExpandedStruct:            true,
		DoNotReference:            true,
		AllowAdditionalProperties: false,
	}
	schema := r.Reflect(v)
	schema.Version = ""
	schema.ID = ""
	raw, err := json.Marshal(schema)
	if err != nil {
		// Reflection output is always marshalable.
		panic(fmt.Sprintf("toolschema: marshal schema: %v", err))
	}
	return raw
}

// Validator checks raw arguments against a compiled schema.
type Validator struct {
	schema *jsonschema.Schema
}

// NewValidator compiles schema. name is used only in error messages.
func NewValidator(name string, schema json.RawMessage) (*Validator, error) {
	compiled, err := jsonschema.CompileString(name+".schema.json", string(schema))
	if err != nil {
		return nil, fmt.Errorf("compile %s schema: %w", name, err)
	}
	return &Validator{schema: compiled}, nil
}

// MustValidator is NewValidator for schemas known at init time.
func MustValidator(name string, schema json.RawMessage) *Validator {
	v, err := NewValidator(name, schema)
	if err != nil {
		panic(err)
	}
	return v
}

// Decode validates params and unmarshals them into dst.
func (v *Validator) Decode(params json.RawMessage, dst any) error {
	if len(bytes.TrimSpace(params)) == 0 {
		params = json.RawMessage(`{}`)
	}
	var decoded any
	if err := json.Unmarshal(params, &decoded); err != nil {
		return fmt.Errorf("invalid JSON: %w", err)
	}
	if err := v.schema.Validate(decoded); err != nil {
		return err
	}
	if err := json.Unmarshal(params, dst); err != nil {
		return fmt.Errorf("decode parameters: %w", err)
	}
	return nil
}
