package agent

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/haasonsaas/clawgate/internal/backoff"
	"github.com/haasonsaas/clawgate/pkg/models"
)

// ExecutorConfig configures parallel tool execution: the concurrency bound,
// the per-invocation deadline, and retry behavior for retryable failures.
type ExecutorConfig struct {
	// MaxConcurrency limits parallel tool executions. Default: 4.
	MaxConcurrency int

	// Timeout is the per-invocation deadline. Default: 60s.
	Timeout time.Duration

	// Retries is the number of additional attempts for retryable
	// failures. Default: 0 (timeouts are not retried by default since
	// the turn already waited once).
	Retries int

	// RetryPolicy shapes the backoff between attempts.
	RetryPolicy backoff.Policy
}

// DefaultExecutorConfig returns the default executor configuration.
func DefaultExecutorConfig() *ExecutorConfig {
	return &ExecutorConfig{
		MaxConcurrency: 4,
		Timeout:        60 * time.Second,
		Retries:        0,
		RetryPolicy:    backoff.Policy{InitialMs: 100, MaxMs: 5000, Factor: 2, Jitter: 0.1},
	}
}

// Executor runs tool calls against a registry with a concurrency bound,
// per-invocation timeout, and panic recovery. Every failure mode, from a
// denied or unknown tool through timeouts and panics, is captured as an
// error ToolResult, never propagated as a fatal error to the turn.
type Executor struct {
	registry *ToolRegistry
	config   *ExecutorConfig
	sem      chan struct{}
}

// NewExecutor creates an executor over the given registry.
// A nil config uses DefaultExecutorConfig.
func NewExecutor(registry *ToolRegistry, config *ExecutorConfig) *Executor {
	if config == nil {
		config = DefaultExecutorConfig()
	}
	if config.MaxConcurrency < 1 {
		config.MaxConcurrency = 1
	}
	if config.Timeout <= 0 {
		config.Timeout = 60 * time.Second
	}
	return &Executor{
		registry: registry,
		config:   config,
		sem:      make(chan struct{}, config.MaxConcurrency),
	}
}

// ExecutionResult is the outcome of a single invocation.
type ExecutionResult struct {
	ToolCallID string
	ToolName   string
	Result     models.ToolResult
	Duration   time.Duration
	Attempts   int
	// Err records the structured failure, already folded into Result.
	Err error
}

// ExecuteAll runs the calls in parallel, bounded by the concurrency limit.
// Results are returned in input order; every call gets a result.
func (e *Executor) ExecuteAll(ctx context.Context, calls []models.ToolCall) []*ExecutionResult {
	if len(calls) == 0 {
		return nil
	}
	results := make([]*ExecutionResult, len(calls))
	var wg sync.WaitGroup
	for i, call := range calls {
		wg.Add(1)
		go func(idx int, tc models.ToolCall) {
			defer wg.Done()
			results[idx] = e.Execute(ctx, tc)
		}(i, call)
	}
	wg.Wait()
	return results
}

// Execute runs one tool call with timeout and retry handling.
func (e *Executor) Execute(ctx context.Context, call models.ToolCall) *ExecutionResult {
	start := time.Now()
	out := &ExecutionResult{ToolCallID: call.ID, ToolName: call.Name}

	select {
	case e.sem <- struct{}{}:
		defer func() { <-e.sem }()
	case <-ctx.Done():
		// A deadline hit while queued is a timeout; plain cancellation is not.
		errType := ToolErrorExecution
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			errType = ToolErrorTimeout
		}
		out.Err = NewToolError(errType, call.Name, call.ID, ctx.Err())
		out.Result = errorResult(call.ID, out.Err)
		out.Duration = time.Since(start)
		return out
	}

	var lastErr error
	for attempt := 0; attempt <= e.config.Retries; attempt++ {
		out.Attempts = attempt + 1

		result, err := e.executeWithTimeout(ctx, call)
		if err == nil {
			out.Result = models.ToolResult{
				ToolCallID: call.ID,
				Content:    result.Content,
				IsError:    result.IsError,
			}
			out.Duration = time.Since(start)
			return out
		}
		lastErr = err

		var toolErr *ToolError
		retryable := errors.As(err, &toolErr) && toolErr.Type.IsRetryable()
		if !retryable || ctx.Err() != nil || attempt >= e.config.Retries {
			break
		}
		if err := backoff.SleepAttempt(ctx, e.config.RetryPolicy, attempt+1); err != nil {
			break
		}
	}

	out.Err = lastErr
	out.Result = errorResult(call.ID, lastErr)
	out.Duration = time.Since(start)
	return out
}

// executeWithTimeout runs the call under the per-invocation deadline with
// panic recovery.
func (e *Executor) executeWithTimeout(ctx context.Context, call models.ToolCall) (*ToolResult, error) {
	execCtx, cancel := context.WithTimeout(ctx, e.config.Timeout)
	defer cancel()

	type outcome struct {
		result *ToolResult
		err    error
	}
	resultCh := make(chan outcome, 1)

	go func() {
		defer func() {
			if r := recover(); r != nil {
				resultCh <- outcome{err: NewToolError(ToolErrorPanic, call.Name, call.ID,
					fmt.Errorf("panic: %v\n%s", r, debug.Stack()))}
			}
		}()
		result, err := e.registry.Execute(execCtx, call.Name, call.Input)
		if err != nil {
			var toolErr *ToolError
			if !errors.As(err, &toolErr) {
				err = NewToolError(ToolErrorExecution, call.Name, call.ID, err)
			}
			resultCh <- outcome{err: err}
			return
		}
		resultCh <- outcome{result: result}
	}()

	select {
	case res := <-resultCh:
		return res.result, res.err
	case <-execCtx.Done():
		if ctx.Err() != nil {
			return nil, NewToolError(ToolErrorTimeout, call.Name, call.ID, ctx.Err())
		}
		return nil, NewToolError(ToolErrorTimeout, call.Name, call.ID,
			fmt.Errorf("%w after %s", ErrToolTimeout, e.config.Timeout))
	}
}

func errorResult(toolCallID string, err error) models.ToolResult {
	content := "tool execution failed"
	if err != nil {
		content = err.Error()
	}
	return models.ToolResult{
		ToolCallID: toolCallID,
		Content:    content,
		IsError:    true,
	}
}
