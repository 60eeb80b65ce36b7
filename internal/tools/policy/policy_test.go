package policy

import "testing"

func TestIsAllowed_DenyBeatsAllow(t *testing.T) {
	r := NewResolver()
	p := &Policy{Allow: []string{"read", "exec"}, Deny: []string{"exec"}}

	if !r.IsAllowed(p, "read") {
		t.Error("read should be allowed")
	}
	if r.IsAllowed(p, "exec") {
		t.Error("exec denied explicitly, deny must win over allow")
	}
}

func TestIsAllowed_AllowListDeniesUnlisted(t *testing.T) {
	r := NewResolver()
	p := &Policy{Allow: []string{"read"}}

	if !r.IsAllowed(p, "read") {
		t.Error("listed tool should be allowed")
	}
	if r.IsAllowed(p, "write") {
		t.Error("unlisted tool must be denied when an allow list is present")
	}
}

func TestIsAllowed_NoAllowListPermitsUnlessDenied(t *testing.T) {
	r := NewResolver()
	p := &Policy{Deny: []string{"exec"}}

	if !r.IsAllowed(p, "read") {
		t.Error("tool should be permitted with no allow list")
	}
	if r.IsAllowed(p, "exec") {
		t.Error("denied tool must be refused")
	}
}

func TestIsAllowed_NilPolicyPermitsAll(t *testing.T) {
	r := NewResolver()
	if !r.IsAllowed(nil, "exec") {
		t.Error("nil policy should permit everything")
	}
}

func TestIsAllowed_GroupExpansion(t *testing.T) {
	r := NewResolver()
	p := &Policy{Allow: []string{"group:fs"}}

	for _, tool := range []string{"read", "write", "edit"} {
		if !r.IsAllowed(p, tool) {
			t.Errorf("%s should be allowed via group:fs", tool)
		}
	}
	if r.IsAllowed(p, "exec") {
		t.Error("exec is not in group:fs")
	}

	denyGroup := &Policy{Deny: []string{"group:fs"}}
	if r.IsAllowed(denyGroup, "write") {
		t.Error("write should be denied via group:fs deny")
	}
}

func TestNormalizeTool_Aliases(t *testing.T) {
	tests := map[string]string{
		"bash":  "exec",
		"Shell": "exec",
		" Read": "read",
		"edit":  "edit",
	}
	for in, want := range tests {
		if got := NormalizeTool(in); got != want {
			t.Errorf("NormalizeTool(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestIsAllowed_AliasesApplyToPolicy(t *testing.T) {
	r := NewResolver()
	p := &Policy{Deny: []string{"bash"}}
	if r.IsAllowed(p, "exec") {
		t.Error("deny of alias bash must also deny exec")
	}
}

func TestExpandGroups_Dedupes(t *testing.T) {
	r := NewResolver()
	got := r.ExpandGroups([]string{"group:fs", "read", "write"})
	seen := map[string]int{}
	for _, tool := range got {
		seen[tool]++
	}
	for tool, n := range seen {
		if n > 1 {
			t.Errorf("%s appears %d times, want deduplicated", tool, n)
		}
	}
}

func TestFilterAllowed(t *testing.T) {
	r := NewResolver()
	p := &Policy{Allow: []string{"read", "write"}, Deny: []string{"write"}}
	got := r.FilterAllowed(p, []string{"read", "write", "exec"})
	if len(got) != 1 || got[0] != "read" {
		t.Errorf("FilterAllowed() = %v, want [read]", got)
	}
}
