package mcpclient

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// ArgumentValidator compiles and caches a JSON Schema per tool name,
// rejecting tool-call arguments that don't conform before they reach the
// tool's implementation.
type ArgumentValidator struct {
	mu      sync.Mutex
	schemas map[string]*jsonschema.Schema
}

// NewArgumentValidator returns an empty validator; schemas are compiled
// lazily as tools are registered.
func NewArgumentValidator() *ArgumentValidator {
	return &ArgumentValidator{schemas: make(map[string]*jsonschema.Schema)}
}

// Register compiles toolName's parameter schema so future CallTool
// invocations for it can be validated. A tool with no schema is left
// unvalidated (arguments pass through as-is).
func (v *ArgumentValidator) Register(toolName string, parametersSchema json.RawMessage) error {
	if len(parametersSchema) == 0 {
		return nil
	}

	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(string(parametersSchema)))
	if err != nil {
		return fmt.Errorf("mcpclient: unmarshal schema for %q: %w", toolName, err)
	}

	c := jsonschema.NewCompiler()
	resourceID := "tool:" + toolName
	if err := c.AddResource(resourceID, doc); err != nil {
		return fmt.Errorf("mcpclient: add schema resource for %q: %w", toolName, err)
	}
	schema, err := c.Compile(resourceID)
	if err != nil {
		return fmt.Errorf("mcpclient: compile schema for %q: %w", toolName, err)
	}

	v.mu.Lock()
	v.schemas[toolName] = schema
	v.mu.Unlock()
	return nil
}

// Validate checks arguments against toolName's registered schema. A tool
// with no registered schema always validates.
func (v *ArgumentValidator) Validate(toolName string, arguments json.RawMessage) error {
	v.mu.Lock()
	schema := v.schemas[toolName]
	v.mu.Unlock()
	if schema == nil {
		return nil
	}

	parsed, err := jsonschema.UnmarshalJSON(strings.NewReader(string(arguments)))
	if err != nil {
		return fmt.Errorf("mcpclient: tool %q arguments are not valid JSON: %w", toolName, err)
	}
	if err := schema.Validate(parsed); err != nil {
		return fmt.Errorf("mcpclient: tool %q arguments failed schema validation: %w", toolName, err)
	}
	return nil
}
