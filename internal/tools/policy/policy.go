// Package policy provides tool authorization: allow and deny lists with
// group expansion. Deny rules always take precedence over allow rules; when
// an allow list is present, unlisted tools are denied, and with no allow
// list tools are permitted unless denied.
package policy

import "strings"

// Policy defines tool access rules for a session or job.
type Policy struct {
	// Allow lists permitted tools or groups. Empty means everything not
	// denied is permitted.
	Allow []string `json:"allow,omitempty" yaml:"allow"`

	// Deny lists forbidden tools or groups; it overrides Allow.
	Deny []string `json:"deny,omitempty" yaml:"deny"`
}

// DefaultGroups are the built-in tool groups.
var DefaultGroups = map[string][]string{
	"group:fs":   {"read", "write", "edit"},
	"group:exec": {"exec"},
	"group:all":  {"read", "write", "edit", "exec"},
}

// toolAliases maps alternative names to canonical tool names.
var toolAliases = map[string]string{
	"bash":        "exec",
	"shell":       "exec",
	"apply_patch": "edit",
}

// NormalizeTool lowercases a tool name and resolves known aliases.
func NormalizeTool(name string) string {
	normalized := strings.ToLower(strings.TrimSpace(name))
	if alias, ok := toolAliases[normalized]; ok {
		return alias
	}
	return normalized
}

// Resolver resolves tool access against policies.
type Resolver struct {
	groups map[string][]string
}

// NewResolver creates a resolver with the default groups.
func NewResolver() *Resolver {
	groups := make(map[string][]string, len(DefaultGroups))
	for name, tools := range DefaultGroups {
		groups[name] = tools
	}
	return &Resolver{groups: groups}
}

// AddGroup registers a custom tool group.
func (r *Resolver) AddGroup(name string, tools []string) {
	r.groups[NormalizeTool(name)] = tools
}

// ExpandGroups expands group references in a tool list into tool names,
// deduplicated and normalized.
func (r *Resolver) ExpandGroups(items []string) []string {
	var result []string
	seen := make(map[string]bool)
	for _, item := range items {
		normalized := NormalizeTool(item)
		if tools, ok := r.groups[normalized]; ok {
			for _, tool := range tools {
				if !seen[tool] {
					seen[tool] = true
					result = append(result, tool)
				}
			}
			continue
		}
		if normalized != "" && !seen[normalized] {
			seen[normalized] = true
			result = append(result, normalized)
		}
	}
	return result
}

// IsAllowed checks whether a tool is permitted by the policy.
func (r *Resolver) IsAllowed(policy *Policy, toolName string) bool {
	if policy == nil {
		return true
	}
	normalized := NormalizeTool(toolName)

	for _, d := range r.ExpandGroups(policy.Deny) {
		if d == normalized {
			return false
		}
	}

	if len(policy.Allow) == 0 {
		return true
	}
	for _, a := range r.ExpandGroups(policy.Allow) {
		if a == normalized {
			return true
		}
	}
	return false
}

// FilterAllowed keeps only the tool names the policy permits.
func (r *Resolver) FilterAllowed(policy *Policy, tools []string) []string {
	var result []string
	for _, tool := range tools {
		if r.IsAllowed(policy, tool) {
			result = append(result, tool)
		}
	}
	return result
}
