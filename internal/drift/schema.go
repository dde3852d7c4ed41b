package drift

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// ValidateInputSchema confirms a tool's declared inputSchema is itself a
// well-formed JSON Schema document. It does not validate any particular
// call's arguments.
func ValidateInputSchema(toolName string, inputSchema interface{}) error {
	_, err := CompileInputSchema(toolName, inputSchema)
	return err
}

// CompileInputSchema compiles a tool's inputSchema under the 2020-12 draft,
// returning nil for a tool that declares no schema. Its only caller is
// ValidateInputSchema; call arguments are not checked against the result.
func CompileInputSchema(toolName string, inputSchema interface{}) (*jsonschema.Schema, error) {
	if inputSchema == nil {
		return nil, nil
	}
	raw, err := json.Marshal(inputSchema)
	if err != nil {
		return nil, fmt.Errorf("drift: marshaling inputSchema for %q: %w", toolName, err)
	}

	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	schemaURL := fmt.Sprintf("https://bifrost.local/tools/%s.schema.json", toolName)
	if err := c.AddResource(schemaURL, strings.NewReader(string(raw))); err != nil {
		return nil, fmt.Errorf("drift: inputSchema for %q is not a loadable schema: %w", toolName, err)
	}
	return c.Compile(schemaURL)
}
