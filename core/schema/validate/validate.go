package validate

import (
	"fmt"
	"sync"

	"github.com/davidahmann/timeloop/core/schema"
	"github.com/kaptinlin/jsonschema"
)

var (
	compiledMu sync.Mutex
	compiled   = map[schema.Name]*jsonschema.Schema{}
)

// ValidateJSON checks a structured-text document against the named embedded schema.
func ValidateJSON(name schema.Name, data []byte) error {
	compiledSchema, err := loadSchema(name)
	if err != nil {
		return err
	}
	return validateJSON(compiledSchema, data)
}

// Matches reports whether data satisfies the named schema. Used to sniff document shapes.
func Matches(name schema.Name, data []byte) bool {
	compiledSchema, err := loadSchema(name)
	if err != nil {
		return false
	}
	return compiledSchema.ValidateJSON(data).IsValid()
}

func loadSchema(name schema.Name) (*jsonschema.Schema, error) {
	compiledMu.Lock()
	defer compiledMu.Unlock()
	if cached, ok := compiled[name]; ok {
		return cached, nil
	}
	data, err := schema.Raw(name)
	if err != nil {
		return nil, fmt.Errorf("read schema: %w", err)
	}
	compiler := jsonschema.NewCompiler()
	compiler.AssertFormat = true
	compiledSchema, err := compiler.Compile(data)
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}
	compiled[name] = compiledSchema
	return compiledSchema, nil
}

func validateJSON(compiledSchema *jsonschema.Schema, data []byte) error {
	result := compiledSchema.ValidateJSON(data)
	if result.IsValid() {
		return nil
	}
	return fmt.Errorf("schema validation failed: %v", result.Errors)
}
