// Package exec provides a shell command tool confined to the workspace.
// Commands run synchronously; a nonzero exit lands in the result payload
// instead of failing the invocation, so the model can read stderr and
// react.
package exec

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	osexec "os/exec"
	"strings"
	"sync"
	"time"

	"github.com/haasonsaas/clawgate/internal/agent"
	"github.com/haasonsaas/clawgate/internal/tools/files"
)

// defaultMaxOutput caps captured stdout/stderr per command.
const defaultMaxOutput = 64_000

// Config controls the exec tool.
type Config struct {
	// Workspace is the root directory commands run under.
	Workspace string

	// MaxOutputBytes caps captured stdout and stderr each.
	// Zero uses defaultMaxOutput.
	MaxOutputBytes int

	// DefaultTimeout bounds a command when the call does not set one.
	// Zero leaves the deadline to the surrounding executor.
	DefaultTimeout time.Duration
}

// Result summarizes one command execution.
type Result struct {
	Command  string `json:"command"`
	Cwd      string `json:"cwd,omitempty"`
	Stdout   string `json:"stdout"`
	Stderr   string `json:"stderr"`
	ExitCode int    `json:"exit_code"`
	Duration string `json:"duration"`
	Error    string `json:"error,omitempty"`
}

// ExecTool runs shell commands in the workspace.
type ExecTool struct {
	resolver  files.Resolver
	maxOutput int
	timeout   time.Duration
}

// NewExecTool creates an exec tool scoped to the workspace.
func NewExecTool(cfg Config) *ExecTool {
	maxOutput := cfg.MaxOutputBytes
	if maxOutput <= 0 {
		maxOutput = defaultMaxOutput
	}
	return &ExecTool{
		resolver:  files.Resolver{Root: cfg.Workspace},
		maxOutput: maxOutput,
		timeout:   cfg.DefaultTimeout,
	}
}

func (t *ExecTool) Name() string { return "exec" }

func (t *ExecTool) Description() string {
	return "Run a shell command in the workspace and return stdout, stderr, and the exit code."
}

func (t *ExecTool) Schema() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"command": {"type": "string", "description": "Shell command to execute."},
			"cwd": {"type": "string", "description": "Working directory, relative to the workspace."},
			"env": {"type": "object", "description": "Environment overrides with string values."},
			"input": {"type": "string", "description": "Stdin content for the command."},
			"timeout_seconds": {"type": "integer", "description": "Timeout in seconds.", "minimum": 0}
		},
		"required": ["command"]
	}`)
}

func (t *ExecTool) Execute(ctx context.Context, params json.RawMessage) (*agent.ToolResult, error) {
	var input struct {
		Command        string            `json:"command"`
		Cwd            string            `json:"cwd"`
		Env            map[string]string `json:"env"`
		Input          string            `json:"input"`
		TimeoutSeconds int               `json:"timeout_seconds"`
	}
	if err := json.Unmarshal(params, &input); err != nil {
		return toolError(fmt.Sprintf("invalid parameters: %v", err)), nil
	}
	command := strings.TrimSpace(input.Command)
	if command == "" {
		return toolError("command is required"), nil
	}

	timeout := t.timeout
	if input.TimeoutSeconds > 0 {
		timeout = time.Duration(input.TimeoutSeconds) * time.Second
	}
	runCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	dir, err := t.workDir(input.Cwd)
	if err != nil {
		return toolError(err.Error()), nil
	}

	cmd := osexec.CommandContext(runCtx, "/bin/sh", "-c", command)
	cmd.Dir = dir
	if len(input.Env) > 0 {
		base := os.Environ()
		for k, v := range input.Env {
			base = append(base, k+"="+v)
		}
		cmd.Env = base
	}
	if input.Input != "" {
		cmd.Stdin = strings.NewReader(input.Input)
	}

	stdout := newLimitedBuffer(t.maxOutput)
	stderr := newLimitedBuffer(t.maxOutput)
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	start := time.Now()
	runErr := cmd.Run()

	result := Result{
		Command:  command,
		Cwd:      input.Cwd,
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		ExitCode: exitCode(runErr),
		Duration: time.Since(start).Round(time.Millisecond).String(),
	}
	if runErr != nil {
		result.Error = runErr.Error()
		if runCtx.Err() != nil {
			result.Error = fmt.Sprintf("command timed out: %v", runErr)
		}
	}

	payload, err := json.Marshal(result)
	if err != nil {
		return toolError(fmt.Sprintf("encode result: %v", err)), nil
	}
	// A nonzero exit is a failure result, but the full output still goes
	// back so the model can react to it.
	return &agent.ToolResult{Content: string(payload), IsError: runErr != nil}, nil
}

func (t *ExecTool) workDir(cwd string) (string, error) {
	if strings.TrimSpace(cwd) != "" {
		return t.resolver.Resolve(cwd)
	}
	return t.resolver.Resolve(".")
}

func toolError(message string) *agent.ToolResult {
	payload, err := json.Marshal(map[string]string{"error": message})
	if err != nil {
		return &agent.ToolResult{Content: message, IsError: true}
	}
	return &agent.ToolResult{Content: string(payload), IsError: true}
}

func exitCode(err error) int {
	if err == nil {
		return 0
	}
	var exitErr *osexec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode()
	}
	return -1
}

// limitedBuffer keeps the first max bytes written and discards the rest.
type limitedBuffer struct {
	mu  sync.Mutex
	buf []byte
	max int
}

func newLimitedBuffer(max int) *limitedBuffer {
	return &limitedBuffer{max: max}
}

func (b *limitedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.buf) >= b.max {
		return len(p), nil
	}
	if remaining := b.max - len(b.buf); len(p) > remaining {
		b.buf = append(b.buf, p[:remaining]...)
		return len(p), nil
	}
	b.buf = append(b.buf, p...)
	return len(p), nil
}

func (b *limitedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return string(b.buf)
}
