package exec

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"
)

func runExec(t *testing.T, tool *ExecTool, params string) Result {
	t.Helper()
	res, err := tool.Execute(context.Background(), json.RawMessage(params))
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.IsError {
		t.Fatalf("unexpected error result: %s", res.Content)
	}
	var out Result
	if err := json.Unmarshal([]byte(res.Content), &out); err != nil {
		t.Fatalf("decode result: %v", err)
	}
	return out
}

func TestExecCapturesOutputAndExitCode(t *testing.T) {
	tool := NewExecTool(Config{Workspace: t.TempDir()})

	out := runExec(t, tool, `{"command":"echo hello; echo oops >&2"}`)
	if strings.TrimSpace(out.Stdout) != "hello" {
		t.Errorf("stdout = %q, want hello", out.Stdout)
	}
	if strings.TrimSpace(out.Stderr) != "oops" {
		t.Errorf("stderr = %q, want oops", out.Stderr)
	}
	if out.ExitCode != 0 {
		t.Errorf("exit code = %d, want 0", out.ExitCode)
	}
}

func TestExecNonzeroExitIsFailureWithOutput(t *testing.T) {
	tool := NewExecTool(Config{Workspace: t.TempDir()})

	res, err := tool.Execute(context.Background(), json.RawMessage(`{"command":"echo partial; exit 3"}`))
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !res.IsError {
		t.Fatal("nonzero exit must be a failure result")
	}
	var out Result
	if err := json.Unmarshal([]byte(res.Content), &out); err != nil {
		t.Fatalf("decode result: %v", err)
	}
	if out.ExitCode != 3 {
		t.Errorf("exit code = %d, want 3", out.ExitCode)
	}
	if strings.TrimSpace(out.Stdout) != "partial" {
		t.Errorf("stdout = %q, want partial", out.Stdout)
	}
	if out.Error == "" {
		t.Error("expected error text for nonzero exit")
	}
}

func TestExecStdinAndEnv(t *testing.T) {
	tool := NewExecTool(Config{Workspace: t.TempDir()})

	out := runExec(t, tool, `{"command":"cat; printf %s \"$GREETING\"","input":"piped:","env":{"GREETING":"hi"}}`)
	if out.Stdout != "piped:hi" {
		t.Errorf("stdout = %q, want piped:hi", out.Stdout)
	}
}

func TestExecTimeout(t *testing.T) {
	tool := NewExecTool(Config{Workspace: t.TempDir()})

	start := time.Now()
	res, err := tool.Execute(context.Background(), json.RawMessage(`{"command":"sleep 5","timeout_seconds":1}`))
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if elapsed := time.Since(start); elapsed > 3*time.Second {
		t.Fatalf("command ran %v, timeout did not fire", elapsed)
	}
	if !res.IsError {
		t.Fatal("timed out command must be a failure result")
	}
	var out Result
	if err := json.Unmarshal([]byte(res.Content), &out); err != nil {
		t.Fatalf("decode result: %v", err)
	}
	if out.ExitCode == 0 {
		t.Error("timed out command must not report exit 0")
	}
	if !strings.Contains(out.Error, "timed out") {
		t.Errorf("error = %q, want timeout note", out.Error)
	}
}

func TestExecOutputCap(t *testing.T) {
	tool := NewExecTool(Config{Workspace: t.TempDir(), MaxOutputBytes: 10})

	out := runExec(t, tool, `{"command":"printf 0123456789abcdef"}`)
	if out.Stdout != "0123456789" {
		t.Errorf("stdout = %q, want first 10 bytes only", out.Stdout)
	}
}

func TestExecRejectsEscapingCwd(t *testing.T) {
	tool := NewExecTool(Config{Workspace: t.TempDir()})

	res, err := tool.Execute(context.Background(), json.RawMessage(`{"command":"pwd","cwd":"../../"}`))
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !res.IsError {
		t.Error("cwd outside workspace must produce an error result")
	}
}

func TestExecMissingCommand(t *testing.T) {
	tool := NewExecTool(Config{Workspace: t.TempDir()})

	res, err := tool.Execute(context.Background(), json.RawMessage(`{"command":"  "}`))
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !res.IsError {
		t.Error("blank command must produce an error result")
	}
}
