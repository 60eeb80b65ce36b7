package files

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
)

func TestResolveRejectsEscapes(t *testing.T) {
	resolver := Resolver{Root: t.TempDir()}

	for _, path := range []string{"../outside.txt", "../../etc/passwd", "a/../../outside"} {
		if _, err := resolver.Resolve(path); err == nil {
			t.Errorf("Resolve(%q) succeeded, want escape error", path)
		}
	}

	if _, err := resolver.Resolve("/etc/passwd"); err == nil {
		t.Error("absolute path outside workspace must be rejected")
	}
}

func TestResolveAllowsInsidePaths(t *testing.T) {
	root := t.TempDir()
	resolver := Resolver{Root: root}

	resolved, err := resolver.Resolve("sub/dir/file.txt")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if !filepath.IsAbs(resolved) {
		t.Errorf("resolved path %q is not absolute", resolved)
	}

	// "a/../b" normalizes but stays inside.
	if _, err := resolver.Resolve("a/../b.txt"); err != nil {
		t.Errorf("Resolve(a/../b.txt): %v", err)
	}
}

func TestWriteThenRead(t *testing.T) {
	root := t.TempDir()
	cfg := Config{Workspace: root}
	write := NewWriteTool(cfg)
	read := NewReadTool(cfg)
	ctx := context.Background()

	res, err := write.Execute(ctx, json.RawMessage(`{"path":"notes/hello.txt","content":"hello gateway"}`))
	if err != nil {
		t.Fatalf("write Execute: %v", err)
	}
	if res.IsError {
		t.Fatalf("write failed: %s", res.Content)
	}

	res, err = read.Execute(ctx, json.RawMessage(`{"path":"notes/hello.txt"}`))
	if err != nil {
		t.Fatalf("read Execute: %v", err)
	}
	if res.IsError {
		t.Fatalf("read failed: %s", res.Content)
	}
	var out struct {
		Content   string `json:"content"`
		Truncated bool   `json:"truncated"`
	}
	if err := json.Unmarshal([]byte(res.Content), &out); err != nil {
		t.Fatalf("decode result: %v", err)
	}
	if out.Content != "hello gateway" {
		t.Errorf("content = %q, want %q", out.Content, "hello gateway")
	}
	if out.Truncated {
		t.Error("short read must not be marked truncated")
	}
}

func TestReadOffsetAndTruncation(t *testing.T) {
	root := t.TempDir()
	if err := os.WriteFile(filepath.Join(root, "data.txt"), []byte("0123456789"), 0o644); err != nil {
		t.Fatal(err)
	}
	read := NewReadTool(Config{Workspace: root, MaxReadBytes: 4})

	res, err := read.Execute(context.Background(), json.RawMessage(`{"path":"data.txt","offset":2}`))
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	var out struct {
		Content   string `json:"content"`
		Truncated bool   `json:"truncated"`
	}
	if err := json.Unmarshal([]byte(res.Content), &out); err != nil {
		t.Fatalf("decode result: %v", err)
	}
	if out.Content != "2345" {
		t.Errorf("content = %q, want %q", out.Content, "2345")
	}
	if !out.Truncated {
		t.Error("capped read must be marked truncated")
	}
}

func TestWriteAppend(t *testing.T) {
	root := t.TempDir()
	write := NewWriteTool(Config{Workspace: root})
	ctx := context.Background()

	for _, params := range []string{
		`{"path":"log.txt","content":"one"}`,
		`{"path":"log.txt","content":"two","append":true}`,
	} {
		res, err := write.Execute(ctx, json.RawMessage(params))
		if err != nil || res.IsError {
			t.Fatalf("write failed: %v %s", err, res.Content)
		}
	}

	data, err := os.ReadFile(filepath.Join(root, "log.txt"))
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "onetwo" {
		t.Errorf("file = %q, want %q", data, "onetwo")
	}
}

func TestEditReplacesText(t *testing.T) {
	root := t.TempDir()
	if err := os.WriteFile(filepath.Join(root, "cfg.yaml"), []byte("port: 8080\nhost: a\nport: 8080\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	edit := NewEditTool(Config{Workspace: root})
	ctx := context.Background()

	res, err := edit.Execute(ctx, json.RawMessage(`{"path":"cfg.yaml","old_text":"port: 8080","new_text":"port: 9090","replace_all":true}`))
	if err != nil || res.IsError {
		t.Fatalf("edit failed: %v %s", err, res.Content)
	}
	var out struct {
		Replacements int `json:"replacements"`
	}
	if err := json.Unmarshal([]byte(res.Content), &out); err != nil {
		t.Fatal(err)
	}
	if out.Replacements != 2 {
		t.Errorf("replacements = %d, want 2", out.Replacements)
	}

	data, _ := os.ReadFile(filepath.Join(root, "cfg.yaml"))
	if string(data) != "port: 9090\nhost: a\nport: 9090\n" {
		t.Errorf("file after edit = %q", data)
	}
}

func TestEditMissingTextIsErrorResult(t *testing.T) {
	root := t.TempDir()
	if err := os.WriteFile(filepath.Join(root, "a.txt"), []byte("abc"), 0o644); err != nil {
		t.Fatal(err)
	}
	edit := NewEditTool(Config{Workspace: root})

	res, err := edit.Execute(context.Background(), json.RawMessage(`{"path":"a.txt","old_text":"zzz","new_text":"y"}`))
	if err != nil {
		t.Fatalf("Execute returned error: %v", err)
	}
	if !res.IsError {
		t.Error("missing old_text must produce an error result")
	}
}

func TestToolsRefuseEscapingPaths(t *testing.T) {
	cfg := Config{Workspace: t.TempDir()}
	ctx := context.Background()

	read := NewReadTool(cfg)
	if res, _ := read.Execute(ctx, json.RawMessage(`{"path":"../secret"}`)); !res.IsError {
		t.Error("read outside workspace must fail")
	}
	write := NewWriteTool(cfg)
	if res, _ := write.Execute(ctx, json.RawMessage(`{"path":"../secret","content":"x"}`)); !res.IsError {
		t.Error("write outside workspace must fail")
	}
	edit := NewEditTool(cfg)
	if res, _ := edit.Execute(ctx, json.RawMessage(`{"path":"../secret","old_text":"a","new_text":"b"}`)); !res.IsError {
		t.Error("edit outside workspace must fail")
	}
}
