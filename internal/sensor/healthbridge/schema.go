package healthbridge

import (
	"bytes"
	"embed"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

//go:embed schema/*.json
var schemaFS embed.FS

const (
	readingSchema  = "schema/reading.schema.json"
	locationSchema = "schema/location.schema.json"
)

var (
	schemasOnce sync.Once
	schemas     map[string]*jsonschema.Schema
	schemasErr  error
)

func compileSchemas() (map[string]*jsonschema.Schema, error) {
	schemasOnce.Do(func() {
		compiler := jsonschema.NewCompiler()
		compiler.AssertFormat = true

		out := make(map[string]*jsonschema.Schema)
		for _, name := range []string{readingSchema, locationSchema} {
			data, err := schemaFS.ReadFile(name)
			if err != nil {
				schemasErr = fmt.Errorf("read schema %s: %w", name, err)
				return
			}
			if err := compiler.AddResource(name, bytes.NewReader(data)); err != nil {
				schemasErr = fmt.Errorf("add schema resource %s: %w", name, err)
				return
			}
			s, err := compiler.Compile(name)
			if err != nil {
				schemasErr = fmt.Errorf("compile schema %s: %w", name, err)
				return
			}
			out[name] = s
		}
		schemas = out
	})
	return schemas, schemasErr
}

// decodeValidated validates payload against the named schema, then decodes
// it into v.
func decodeValidated(name string, payload []byte, v any) error {
	compiled, err := compileSchemas()
	if err != nil {
		return err
	}

	var instance any
	if err := json.Unmarshal(payload, &instance); err != nil {
		return fmt.Errorf("decode json: %w", err)
	}
	if err := compiled[name].Validate(instance); err != nil {
		return fmt.Errorf("schema: %w", err)
	}
	if err := json.Unmarshal(payload, v); err != nil {
		return fmt.Errorf("decode json: %w", err)
	}
	return nil
}
