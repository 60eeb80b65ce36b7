package agent

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Sentinel errors for turn resolution.
var (
	// ErrTurnLimitExceeded indicates the tool-resolution round guard fired.
	ErrTurnLimitExceeded = errors.New("turn limit exceeded")

	// ErrNoProvider indicates no model provider is configured.
	ErrNoProvider = errors.New("no provider configured")

	// ErrToolNotFound indicates a requested tool is not registered.
	ErrToolNotFound = errors.New("tool not found")

	// ErrToolTimeout indicates a tool invocation exceeded its deadline.
	ErrToolTimeout = errors.New("tool execution timed out")
)

// TransportError is a network-level provider failure: connection reset,
// non-2xx status, or a broken stream. It is retryable only while no content
// has been forwarded for the turn.
type TransportError struct {
	// StatusCode is the HTTP status, when one was received.
	StatusCode int

	// RetryAfter is the provider-supplied retry hint for rate limits,
	// zero if none was given.
	RetryAfter time.Duration

	Cause error
}

func (e *TransportError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("provider transport error (status %d): %v", e.StatusCode, e.Cause)
	}
	return fmt.Sprintf("provider transport error: %v", e.Cause)
}

func (e *TransportError) Unwrap() error { return e.Cause }

// IsRateLimited reports whether the provider rejected the request for rate
// limiting.
func (e *TransportError) IsRateLimited() bool { return e.StatusCode == 429 }

// DecodeError is a malformed provider frame or an unparseable tool argument
// payload. Decode failures are terminal for the turn; the partial data is
// never surfaced as a tool call.
type DecodeError struct {
	Detail string
	Cause  error
}

func (e *DecodeError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("provider decode error: %s: %v", e.Detail, e.Cause)
	}
	return "provider decode error: " + e.Detail
}

func (e *DecodeError) Unwrap() error { return e.Cause }

// TurnError wraps a failure with the state and round it occurred in.
type TurnError struct {
	State TurnState
	Round int
	Cause error
}

func (e *TurnError) Error() string {
	return fmt.Sprintf("turn failed in %s (round %d): %v", e.State, e.Round, e.Cause)
}

func (e *TurnError) Unwrap() error { return e.Cause }

// ToolErrorType categorizes tool invocation failures. All of them are
// non-fatal to the turn: they become error tool results.
type ToolErrorType string

const (
	// ToolErrorDenied indicates the policy refused the call before execution.
	ToolErrorDenied ToolErrorType = "denied"

	// ToolErrorNotFound indicates the tool is not registered.
	ToolErrorNotFound ToolErrorType = "not_found"

	// ToolErrorInvalidInput indicates arguments failed schema validation.
	ToolErrorInvalidInput ToolErrorType = "invalid_input"

	// ToolErrorTimeout indicates the per-invocation deadline expired.
	ToolErrorTimeout ToolErrorType = "timeout"

	// ToolErrorExecution indicates a runtime failure during execution.
	ToolErrorExecution ToolErrorType = "execution"

	// ToolErrorPanic indicates the tool panicked.
	ToolErrorPanic ToolErrorType = "panic"
)

// IsRetryable reports whether re-invoking the tool may succeed.
func (t ToolErrorType) IsRetryable() bool {
	return t == ToolErrorTimeout
}

// ToolError is a structured tool invocation failure.
type ToolError struct {
	Type       ToolErrorType
	ToolName   string
	ToolCallID string
	Message    string
	Cause      error
}

func (e *ToolError) Error() string {
	var parts []string
	parts = append(parts, fmt.Sprintf("[tool:%s]", e.Type))
	if e.ToolName != "" {
		parts = append(parts, e.ToolName)
	}
	if e.Message != "" {
		parts = append(parts, e.Message)
	} else if e.Cause != nil {
		parts = append(parts, e.Cause.Error())
	}
	return strings.Join(parts, " ")
}

func (e *ToolError) Unwrap() error { return e.Cause }

// NewToolError builds a ToolError for the given call and type.
func NewToolError(toolType ToolErrorType, toolName, toolCallID string, cause error) *ToolError {
	e := &ToolError{
		Type:       toolType,
		ToolName:   toolName,
		ToolCallID: toolCallID,
		Cause:      cause,
	}
	if cause != nil {
		e.Message = cause.Error()
	}
	return e
}

// IsRetryableTransport reports whether err is a transport error that may be
// retried (decode errors never are). Rate limits, server errors, and
// connection failures qualify; auth and validation rejections do not.
func IsRetryableTransport(err error) bool {
	var te *TransportError
	if !errors.As(err, &te) {
		return false
	}
	switch {
	case te.StatusCode == 0:
		return true
	case te.StatusCode == 408 || te.StatusCode == 429:
		return true
	case te.StatusCode >= 500:
		return true
	default:
		return false
	}
}

// RetryAfterHint extracts a provider-supplied retry hint from err, if any.
func RetryAfterHint(err error) (time.Duration, bool) {
	var te *TransportError
	if errors.As(err, &te) && te.RetryAfter > 0 {
		return te.RetryAfter, true
	}
	return 0, false
}
