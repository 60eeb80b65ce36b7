package agent

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/haasonsaas/clawgate/internal/sessions"
	"github.com/haasonsaas/clawgate/internal/tools/policy"
	"github.com/haasonsaas/clawgate/pkg/models"
)

// scriptedProvider replays one prepared chunk sequence per Complete call.
type scriptedProvider struct {
	mu     sync.Mutex
	calls  int
	rounds [][]*CompletionChunk
}

func (p *scriptedProvider) Name() string { return "scripted" }

func (p *scriptedProvider) Complete(ctx context.Context, req *CompletionRequest) (<-chan *CompletionChunk, error) {
	p.mu.Lock()
	idx := p.calls
	p.calls++
	p.mu.Unlock()

	if idx >= len(p.rounds) {
		return nil, errors.New("unexpected provider call")
	}
	script := p.rounds[idx]
	ch := make(chan *CompletionChunk, len(script)+1)
	for _, c := range script {
		ch <- c
	}
	ch <- &CompletionChunk{Done: true}
	close(ch)
	return ch, nil
}

func (p *scriptedProvider) callCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

type fakeTool struct {
	name     string
	executed atomic.Int32
	fn       func(ctx context.Context, params json.RawMessage) (*ToolResult, error)
}

func (t *fakeTool) Name() string            { return t.name }
func (t *fakeTool) Description() string     { return "test tool" }
func (t *fakeTool) Schema() json.RawMessage { return json.RawMessage(`{"type":"object"}`) }

func (t *fakeTool) Execute(ctx context.Context, params json.RawMessage) (*ToolResult, error) {
	t.executed.Add(1)
	if t.fn != nil {
		return t.fn(ctx, params)
	}
	return &ToolResult{Content: "ok"}, nil
}

func newTestStore(t *testing.T, key string) sessions.Store {
	t.Helper()
	store := sessions.NewMemoryStore(8)
	if _, err := store.GetOrCreate(context.Background(), key, models.ChannelAPI, "test"); err != nil {
		t.Fatalf("GetOrCreate: %v", err)
	}
	return store
}

func collectChunks(t *testing.T, ch <-chan *ResponseChunk) []*ResponseChunk {
	t.Helper()
	var out []*ResponseChunk
	deadline := time.After(5 * time.Second)
	for {
		select {
		case chunk, ok := <-ch:
			if !ok {
				return out
			}
			out = append(out, chunk)
		case <-deadline:
			t.Fatal("timed out draining response chunks")
		}
	}
}

func userMessage(content string) *models.Message {
	return &models.Message{
		Channel:   models.ChannelAPI,
		Direction: models.DirectionInbound,
		Role:      models.RoleUser,
		Content:   content,
	}
}

func toolCallChunk(id, name, args string) *CompletionChunk {
	return &CompletionChunk{ToolCall: &models.ToolCall{
		ID:    id,
		Name:  name,
		Input: json.RawMessage(args),
	}}
}

func TestLoopPlainTextTurn(t *testing.T) {
	const key = "api:test"
	store := newTestStore(t, key)
	provider := &scriptedProvider{rounds: [][]*CompletionChunk{
		{{Text: "hello"}, {Text: " world"}},
	}}

	loop := NewLoop(provider, NewToolRegistry(), store, nil)
	ch, err := loop.Run(context.Background(), key, userMessage("hi"))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	chunks := collectChunks(t, ch)

	var text strings.Builder
	var final *models.Message
	for _, c := range chunks {
		if c.Error != nil {
			t.Fatalf("unexpected error chunk: %v", c.Error)
		}
		text.WriteString(c.Text)
		if c.Done {
			final = c.Message
		}
	}
	if text.String() != "hello world" {
		t.Errorf("streamed text = %q, want %q", text.String(), "hello world")
	}
	if final == nil || final.Content != "hello world" {
		t.Fatalf("final message = %+v, want content %q", final, "hello world")
	}
	if final.Role != models.RoleAssistant {
		t.Errorf("final role = %q, want assistant", final.Role)
	}

	history, err := store.GetHistory(context.Background(), key, 0)
	if err != nil {
		t.Fatalf("GetHistory: %v", err)
	}
	if len(history) != 2 {
		t.Fatalf("history length = %d, want 2", len(history))
	}
	if history[0].Role != models.RoleUser || history[1].Role != models.RoleAssistant {
		t.Errorf("history roles = %q, %q", history[0].Role, history[1].Role)
	}
}

func TestLoopMixedAllowedAndDeniedTools(t *testing.T) {
	const key = "api:test"
	store := newTestStore(t, key)

	echo := &fakeTool{name: "read", fn: func(_ context.Context, params json.RawMessage) (*ToolResult, error) {
		return &ToolResult{Content: "file contents"}, nil
	}}
	denied := &fakeTool{name: "exec"}
	registry := NewToolRegistry()
	for _, tool := range []Tool{echo, denied} {
		if err := registry.Register(tool); err != nil {
			t.Fatalf("Register(%s): %v", tool.Name(), err)
		}
	}

	provider := &scriptedProvider{rounds: [][]*CompletionChunk{
		{
			toolCallChunk("tc-1", "read", `{"path":"notes.txt"}`),
			toolCallChunk("tc-2", "exec", `{"command":"rm -rf /"}`),
		},
		{{Text: "done"}},
	}}

	loop := NewLoop(provider, registry, store, &LoopConfig{
		Policy: &policy.Policy{Deny: []string{"exec"}},
	})
	ch, err := loop.Run(context.Background(), key, userMessage("read then exec"))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	chunks := collectChunks(t, ch)

	var results []*models.ToolResult
	done := false
	for _, c := range chunks {
		if c.Error != nil {
			t.Fatalf("unexpected error chunk: %v", c.Error)
		}
		if c.ToolResult != nil {
			results = append(results, c.ToolResult)
		}
		if c.Done {
			done = true
		}
	}
	if !done {
		t.Fatal("turn did not complete")
	}
	if len(results) != 2 {
		t.Fatalf("tool results = %d, want 2", len(results))
	}
	if results[0].ToolCallID != "tc-1" || results[0].IsError {
		t.Errorf("allowed result = %+v, want success for tc-1", results[0])
	}
	if results[1].ToolCallID != "tc-2" || !results[1].IsError {
		t.Errorf("denied result = %+v, want error for tc-2", results[1])
	}
	if got := denied.executed.Load(); got != 0 {
		t.Errorf("denied tool executed %d times, want 0", got)
	}
	if got := provider.callCount(); got != 2 {
		t.Errorf("provider calls = %d, want 2 (continuation after tool round)", got)
	}

	history, err := store.GetHistory(context.Background(), key, 0)
	if err != nil {
		t.Fatalf("GetHistory: %v", err)
	}
	// user, assistant(tool calls), tool results, final assistant
	if len(history) != 4 {
		t.Fatalf("history length = %d, want 4", len(history))
	}
	if len(history[1].ToolCalls) != 2 {
		t.Errorf("assistant tool calls = %d, want 2", len(history[1].ToolCalls))
	}
	if history[2].Role != models.RoleTool || len(history[2].ToolResults) != 2 {
		t.Errorf("tool message = %+v, want role tool with 2 results", history[2])
	}
}

func TestLoopRoundLimit(t *testing.T) {
	const key = "api:test"
	store := newTestStore(t, key)

	tool := &fakeTool{name: "read"}
	registry := NewToolRegistry()
	if err := registry.Register(tool); err != nil {
		t.Fatalf("Register: %v", err)
	}

	// Every round requests another tool call, so the guard has to stop it.
	rounds := make([][]*CompletionChunk, 10)
	for i := range rounds {
		rounds[i] = []*CompletionChunk{toolCallChunk("tc", "read", `{}`)}
	}
	provider := &scriptedProvider{rounds: rounds}

	loop := NewLoop(provider, registry, store, &LoopConfig{MaxRounds: 2})
	ch, err := loop.Run(context.Background(), key, userMessage("loop forever"))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	chunks := collectChunks(t, ch)

	last := chunks[len(chunks)-1]
	if last.Error == nil {
		t.Fatal("expected failure chunk, got none")
	}
	if !errors.Is(last.Error, ErrTurnLimitExceeded) {
		t.Errorf("error = %v, want ErrTurnLimitExceeded", last.Error)
	}
	var turnErr *TurnError
	if !errors.As(last.Error, &turnErr) {
		t.Fatalf("error = %T, want *TurnError", last.Error)
	}
	if got := provider.callCount(); got != 2 {
		t.Errorf("provider calls = %d, want 2 (no call after limit)", got)
	}
}

func TestLoopStreamFailureAppendsNothing(t *testing.T) {
	const key = "api:test"
	store := newTestStore(t, key)

	provider := &scriptedProvider{rounds: [][]*CompletionChunk{
		{
			{Text: "partial answ"},
			{Error: &DecodeError{Detail: "malformed tool arguments"}},
		},
	}}

	loop := NewLoop(provider, NewToolRegistry(), store, nil)
	ch, err := loop.Run(context.Background(), key, userMessage("hi"))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	chunks := collectChunks(t, ch)

	last := chunks[len(chunks)-1]
	if last.Error == nil {
		t.Fatal("expected failure chunk, got none")
	}
	var decodeErr *DecodeError
	if !errors.As(last.Error, &decodeErr) {
		t.Errorf("error = %v, want *DecodeError", last.Error)
	}
	var turnErr *TurnError
	if !errors.As(last.Error, &turnErr) || turnErr.State != StateAwaitingProvider {
		t.Errorf("failed state = %v, want awaiting_provider", last.Error)
	}

	history, err := store.GetHistory(context.Background(), key, 0)
	if err != nil {
		t.Fatalf("GetHistory: %v", err)
	}
	// Only the inbound user message; the partial text never lands.
	if len(history) != 1 {
		t.Fatalf("history length = %d, want 1", len(history))
	}
	if history[0].Role != models.RoleUser {
		t.Errorf("history[0].Role = %q, want user", history[0].Role)
	}
}

func TestLoopUnknownToolBecomesErrorResult(t *testing.T) {
	const key = "api:test"
	store := newTestStore(t, key)

	provider := &scriptedProvider{rounds: [][]*CompletionChunk{
		{toolCallChunk("tc-1", "nonexistent", `{}`)},
		{{Text: "recovered"}},
	}}

	loop := NewLoop(provider, NewToolRegistry(), store, nil)
	ch, err := loop.Run(context.Background(), key, userMessage("use a tool"))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	chunks := collectChunks(t, ch)

	var result *models.ToolResult
	done := false
	for _, c := range chunks {
		if c.Error != nil {
			t.Fatalf("unexpected error chunk: %v", c.Error)
		}
		if c.ToolResult != nil {
			result = c.ToolResult
		}
		if c.Done {
			done = true
		}
	}
	if result == nil || !result.IsError {
		t.Fatalf("tool result = %+v, want error result", result)
	}
	if !done {
		t.Fatal("turn did not complete after tool failure")
	}
}

func TestLoopCancelledBeforeRound(t *testing.T) {
	const key = "api:test"
	store := newTestStore(t, key)
	provider := &scriptedProvider{rounds: [][]*CompletionChunk{{{Text: "never"}}}}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	loop := NewLoop(provider, NewToolRegistry(), store, nil)
	ch, err := loop.Run(ctx, key, userMessage("hi"))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	chunks := collectChunks(t, ch)

	last := chunks[len(chunks)-1]
	if last.Error == nil || !errors.Is(last.Error, context.Canceled) {
		t.Fatalf("error = %v, want context.Canceled", last.Error)
	}
}
