package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// Limits on tool invocations to prevent resource exhaustion.
const (
	// MaxToolNameLength is the maximum length of a tool name.
	MaxToolNameLength = 256

	// MaxToolParamsSize is the maximum size of tool argument JSON (10MB).
	MaxToolParamsSize = 10 << 20
)

// ToolRegistry manages available tools with thread-safe registration and
// lookup. Each tool's declared JSON schema is compiled at registration and
// arguments are validated against it at invocation time.
type ToolRegistry struct {
	mu      sync.RWMutex
	tools   map[string]Tool
	schemas map[string]*jsonschema.Schema
}

// NewToolRegistry creates an empty tool registry.
func NewToolRegistry() *ToolRegistry {
	return &ToolRegistry{
		tools:   make(map[string]Tool),
		schemas: make(map[string]*jsonschema.Schema),
	}
}

// Register adds a tool under its name, replacing any previous registration.
// Returns an error if the tool's declared schema does not compile.
func (r *ToolRegistry) Register(tool Tool) error {
	name := tool.Name()
	if name == "" || len(name) > MaxToolNameLength {
		return fmt.Errorf("invalid tool name %q", name)
	}

	var schema *jsonschema.Schema
	if raw := tool.Schema(); len(raw) > 0 {
		compiled, err := jsonschema.CompileString(name+".schema.json", string(raw))
		if err != nil {
			return fmt.Errorf("tool %s: schema does not compile: %w", name, err)
		}
		schema = compiled
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[name] = tool
	r.schemas[name] = schema
	return nil
}

// Unregister removes a tool by name.
func (r *ToolRegistry) Unregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.tools, name)
	delete(r.schemas, name)
}

// Get returns a tool by name.
func (r *ToolRegistry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	tool, ok := r.tools[name]
	return tool, ok
}

// Execute validates the arguments against the tool's schema and runs the
// tool. Not-found and invalid-argument conditions are returned as typed
// errors; the executor converts them to error tool results.
func (r *ToolRegistry) Execute(ctx context.Context, name string, params json.RawMessage) (*ToolResult, error) {
	if len(name) > MaxToolNameLength {
		return nil, NewToolError(ToolErrorInvalidInput, name, "",
			fmt.Errorf("tool name exceeds maximum length of %d characters", MaxToolNameLength))
	}
	if len(params) > MaxToolParamsSize {
		return nil, NewToolError(ToolErrorInvalidInput, name, "",
			fmt.Errorf("tool arguments exceed maximum size of %d bytes", MaxToolParamsSize))
	}

	r.mu.RLock()
	tool, ok := r.tools[name]
	schema := r.schemas[name]
	r.mu.RUnlock()
	if !ok {
		return nil, NewToolError(ToolErrorNotFound, name, "", ErrToolNotFound)
	}

	if schema != nil {
		var decoded any
		args := params
		if len(args) == 0 {
			args = json.RawMessage("{}")
		}
		if err := json.Unmarshal(args, &decoded); err != nil {
			return nil, NewToolError(ToolErrorInvalidInput, name, "",
				fmt.Errorf("arguments are not valid JSON: %w", err))
		}
		if err := schema.Validate(decoded); err != nil {
			return nil, NewToolError(ToolErrorInvalidInput, name, "", err)
		}
	}

	return tool.Execute(ctx, params)
}

// List returns all registered tools, for passing to the provider as
// descriptors.
func (r *ToolRegistry) List() []Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	tools := make([]Tool, 0, len(r.tools))
	for _, t := range r.tools {
		tools = append(tools, t)
	}
	return tools
}
