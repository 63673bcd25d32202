// Package schema validates tool-call arguments against each tool's JSON
// Schema before dispatch (step 4 of the tool-use loop's per-call sequence).
package schema

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

var compileCache sync.Map

func compile(name string, schema json.RawMessage) (*jsonschema.Schema, error) {
	key := name + "\x00" + string(schema)
	if cached, ok := compileCache.Load(key); ok {
		if compiled, ok := cached.(*jsonschema.Schema); ok {
			return compiled, nil
		}
	}
	compiled, err := jsonschema.CompileString(name+".schema.json", string(schema))
	if err != nil {
		return nil, fmt.Errorf("compile schema for %s: %w", name, err)
	}
	compileCache.Store(key, compiled)
	return compiled, nil
}

// ValidateArguments checks a tool call's raw JSON arguments against the
// tool's schema. A nil or empty schema admits any arguments — not every
// tool declares one.
func ValidateArguments(toolName string, schema json.RawMessage, args json.RawMessage) error {
	if len(schema) == 0 {
		return nil
	}
	compiled, err := compile(toolName, schema)
	if err != nil {
		return err
	}
	if len(args) == 0 {
		args = json.RawMessage(`{}`)
	}
	var decoded any
	if err := json.Unmarshal(args, &decoded); err != nil {
		return fmt.Errorf("decode arguments for %s: %w", toolName, err)
	}
	if err := compiled.Validate(decoded); err != nil {
		return fmt.Errorf("arguments for %s invalid: %w", toolName, err)
	}
	return nil
}
