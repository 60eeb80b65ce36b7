package files

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/haasonsaas/clawgate/internal/agent"
)

// EditTool applies an exact find/replace edit to a file in the workspace.
type EditTool struct {
	resolver Resolver
}

// NewEditTool creates an edit tool scoped to the workspace.
func NewEditTool(cfg Config) *EditTool {
	return &EditTool{resolver: Resolver{Root: cfg.Workspace}}
}

func (t *EditTool) Name() string { return "edit" }

func (t *EditTool) Description() string {
	return "Replace exact text in a workspace file. Fails if old_text is not found."
}

func (t *EditTool) Schema() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"path": {"type": "string", "description": "Path to edit, relative to the workspace."},
			"old_text": {"type": "string", "description": "Exact text to replace."},
			"new_text": {"type": "string", "description": "Replacement text."},
			"replace_all": {"type": "boolean", "description": "Replace every occurrence."}
		},
		"required": ["path", "old_text", "new_text"]
	}`)
}

func (t *EditTool) Execute(ctx context.Context, params json.RawMessage) (*agent.ToolResult, error) {
	var input struct {
		Path       string `json:"path"`
		OldText    string `json:"old_text"`
		NewText    string `json:"new_text"`
		ReplaceAll bool   `json:"replace_all"`
	}
	if err := json.Unmarshal(params, &input); err != nil {
		return toolError(fmt.Sprintf("invalid parameters: %v", err)), nil
	}
	if strings.TrimSpace(input.Path) == "" {
		return toolError("path is required"), nil
	}
	if input.OldText == "" {
		return toolError("old_text is required"), nil
	}

	resolved, err := t.resolver.Resolve(input.Path)
	if err != nil {
		return toolError(err.Error()), nil
	}

	data, err := os.ReadFile(resolved)
	if err != nil {
		return toolError(fmt.Sprintf("read file: %v", err)), nil
	}

	content := string(data)
	if !strings.Contains(content, input.OldText) {
		return toolError("old_text not found in file"), nil
	}

	replacements := 1
	if input.ReplaceAll {
		replacements = strings.Count(content, input.OldText)
		content = strings.ReplaceAll(content, input.OldText, input.NewText)
	} else {
		content = strings.Replace(content, input.OldText, input.NewText, 1)
	}

	if err := os.WriteFile(resolved, []byte(content), 0o644); err != nil {
		return toolError(fmt.Sprintf("write file: %v", err)), nil
	}

	payload, err := json.Marshal(map[string]any{
		"path":         input.Path,
		"replacements": replacements,
	})
	if err != nil {
		return toolError(fmt.Sprintf("encode result: %v", err)), nil
	}
	return &agent.ToolResult{Content: string(payload)}, nil
}
