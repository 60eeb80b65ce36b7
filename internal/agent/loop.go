// Package agent implements the conversation engine: the turn-resolution
// state machine, the provider contract, the tool registry, and bounded
// parallel tool execution.
package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/haasonsaas/clawgate/internal/observability"
	"github.com/haasonsaas/clawgate/internal/sessions"
	"github.com/haasonsaas/clawgate/internal/tools/policy"
	"github.com/haasonsaas/clawgate/pkg/models"
)

// TurnState is the phase of one turn resolution.
type TurnState string

const (
	StateIdle             TurnState = "idle"
	StateAwaitingProvider TurnState = "awaiting_provider"
	StateResolvingTools   TurnState = "resolving_tools"
	StateCompleted        TurnState = "completed"
	StateFailed           TurnState = "failed"
)

// chunkBufferSize buffers the outbound chunk channel so slow consumers do
// not stall provider streaming for short bursts.
const chunkBufferSize = 64

// LoopConfig configures turn resolution.
type LoopConfig struct {
	// Model is the provider model for every exchange.
	Model string

	// System is the system prompt, sent separately from messages.
	System string

	// MaxTokens limits response length per exchange.
	MaxTokens int

	// MaxRounds bounds tool-resolution rounds per turn; reaching it fails
	// the turn with ErrTurnLimitExceeded. Default: 5.
	MaxRounds int

	// Trim bounds the history view sent upstream.
	Trim sessions.TrimOptions

	// Policy and Resolver gate tool calls. A denied call never reaches
	// the executor but still yields an error tool result.
	Policy   *policy.Policy
	Resolver *policy.Resolver

	// ExecutorConfig configures parallel tool execution.
	ExecutorConfig *ExecutorConfig

	// Logger receives structured turn logs. Nil uses slog.Default.
	Logger *slog.Logger

	// Metrics records tool execution outcomes when set.
	Metrics *observability.Metrics
}

func sanitizeLoopConfig(config *LoopConfig) *LoopConfig {
	cfg := LoopConfig{}
	if config != nil {
		cfg = *config
	}
	if cfg.MaxRounds <= 0 {
		cfg.MaxRounds = 5
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 4096
	}
	if cfg.ExecutorConfig == nil {
		cfg.ExecutorConfig = DefaultExecutorConfig()
	}
	if cfg.Resolver == nil {
		cfg.Resolver = policy.NewResolver()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &cfg
}

// Loop drives one turn at a time through the state machine
//
//	Idle → AwaitingProvider → (ResolvingTools → AwaitingProvider)* → Completed | Failed
//
// Text deltas are relayed live while streaming. Every tool call surfaced in
// a round is resolved (denied calls included) before the continuation
// exchange. Failures never append a partial assistant message to history.
type Loop struct {
	provider LLMProvider
	registry *ToolRegistry
	executor *Executor
	store    sessions.Store
	config   *LoopConfig
	logger   *slog.Logger
}

// NewLoop creates a turn loop over the given provider, registry, and store.
func NewLoop(provider LLMProvider, registry *ToolRegistry, store sessions.Store, config *LoopConfig) *Loop {
	config = sanitizeLoopConfig(config)
	if registry == nil {
		registry = NewToolRegistry()
	}
	return &Loop{
		provider: provider,
		registry: registry,
		executor: NewExecutor(registry, config.ExecutorConfig),
		store:    store,
		config:   config,
		logger:   config.Logger.With("component", "agent"),
	}
}

// Registry returns the loop's tool registry.
func (l *Loop) Registry() *ToolRegistry { return l.registry }

// turnState carries per-turn accumulation across rounds.
type turnState struct {
	state    TurnState
	round    int
	messages []CompletionMessage
	text     strings.Builder
	thinking strings.Builder
}

// Run resolves one turn for the session identified by key and streams the
// resolution through the returned channel. The inbound message is appended
// to history before the first provider exchange. The channel closes after
// exactly one Done or Error chunk.
//
// Callers must serialize turns per session key; Run itself assumes it is
// the only in-flight turn for the key.
func (l *Loop) Run(ctx context.Context, key string, inbound *models.Message) (<-chan *ResponseChunk, error) {
	if l.provider == nil {
		return nil, ErrNoProvider
	}
	if l.store == nil {
		return nil, errors.New("no session store configured")
	}
	if inbound == nil {
		return nil, errors.New("message is required")
	}

	if inbound.ID == "" {
		inbound.ID = uuid.NewString()
	}
	if inbound.Role == "" {
		inbound.Role = models.RoleUser
	}
	if inbound.Direction == "" {
		inbound.Direction = models.DirectionInbound
	}
	if err := l.store.AppendMessage(ctx, key, inbound); err != nil {
		return nil, fmt.Errorf("append inbound message: %w", err)
	}

	chunks := make(chan *ResponseChunk, chunkBufferSize)
	go l.resolve(ctx, key, chunks)
	return chunks, nil
}

func (l *Loop) resolve(ctx context.Context, key string, chunks chan<- *ResponseChunk) {
	defer close(chunks)

	st := &turnState{state: StateIdle}

	history, err := l.store.GetHistory(ctx, key, 0)
	if err != nil {
		l.fail(chunks, st, fmt.Errorf("load history: %w", err))
		return
	}
	st.messages = historyToMessages(sessions.TrimmedHistory(history, l.config.Trim))

	for st.round = 0; st.round < l.config.MaxRounds; st.round++ {
		if err := ctx.Err(); err != nil {
			l.fail(chunks, st, err)
			return
		}

		st.state = StateAwaitingProvider
		toolCalls, err := l.streamRound(ctx, st, chunks)
		if err != nil {
			l.fail(chunks, st, err)
			return
		}

		if len(toolCalls) == 0 {
			final, err := l.appendAssistantMessage(ctx, key, st, nil)
			if err != nil {
				l.fail(chunks, st, err)
				return
			}
			st.state = StateCompleted
			chunks <- &ResponseChunk{Done: true, Message: final}
			return
		}

		st.state = StateResolvingTools
		if _, err := l.appendAssistantMessage(ctx, key, st, toolCalls); err != nil {
			l.fail(chunks, st, err)
			return
		}

		results := l.resolveTools(ctx, toolCalls, chunks)
		if err := l.appendToolMessage(ctx, key, results); err != nil {
			l.fail(chunks, st, err)
			return
		}

		l.continueWith(st, toolCalls, results)
	}

	// Round guard fired: surface the limit and issue no further provider
	// calls for this turn.
	l.fail(chunks, st, fmt.Errorf("%w after %d rounds", ErrTurnLimitExceeded, l.config.MaxRounds))
}

// streamRound runs one provider exchange, relaying deltas live and
// collecting fully assembled tool calls.
func (l *Loop) streamRound(ctx context.Context, st *turnState, chunks chan<- *ResponseChunk) ([]models.ToolCall, error) {
	req := &CompletionRequest{
		Model:     l.config.Model,
		System:    l.config.System,
		Messages:  st.messages,
		Tools:     l.availableTools(),
		MaxTokens: l.config.MaxTokens,
	}

	stream, err := l.provider.Complete(ctx, req)
	if err != nil {
		return nil, err
	}

	st.text.Reset()
	st.thinking.Reset()
	var toolCalls []models.ToolCall

	for chunk := range stream {
		if chunk.Error != nil {
			return nil, chunk.Error
		}
		if chunk.Thinking != "" {
			st.thinking.WriteString(chunk.Thinking)
			chunks <- &ResponseChunk{Thinking: chunk.Thinking}
		}
		if chunk.Text != "" {
			st.text.WriteString(chunk.Text)
			chunks <- &ResponseChunk{Text: chunk.Text}
		}
		if chunk.ToolCall != nil {
			toolCalls = append(toolCalls, *chunk.ToolCall)
		}
	}
	return toolCalls, nil
}

// availableTools returns registered tools filtered by policy, so the model
// never sees descriptors it cannot call.
func (l *Loop) availableTools() []Tool {
	tools := l.registry.List()
	if l.config.Policy == nil {
		return tools
	}
	filtered := make([]Tool, 0, len(tools))
	for _, tool := range tools {
		if l.config.Resolver.IsAllowed(l.config.Policy, tool.Name()) {
			filtered = append(filtered, tool)
		}
	}
	return filtered
}

// resolveTools resolves every surfaced call: policy-denied calls yield error
// results without reaching the executor, the rest run in parallel. Results
// are returned in call order and streamed as they are known.
func (l *Loop) resolveTools(ctx context.Context, calls []models.ToolCall, chunks chan<- *ResponseChunk) []models.ToolResult {
	results := make([]models.ToolResult, len(calls))
	allowed := make([]models.ToolCall, 0, len(calls))
	allowedIdx := make([]int, 0, len(calls))

	for i, tc := range calls {
		if l.config.Policy != nil && !l.config.Resolver.IsAllowed(l.config.Policy, tc.Name) {
			denial := NewToolError(ToolErrorDenied, tc.Name, tc.ID,
				fmt.Errorf("tool not allowed by policy: %s", tc.Name))
			results[i] = models.ToolResult{
				ToolCallID: tc.ID,
				Content:    denial.Error(),
				IsError:    true,
			}
			l.recordTool(tc.Name, "denied", 0)
			l.logger.Warn("tool call denied", "tool", tc.Name, "tool_call_id", tc.ID)
			continue
		}
		allowed = append(allowed, tc)
		allowedIdx = append(allowedIdx, i)
	}

	execResults := l.executor.ExecuteAll(ctx, allowed)
	for i, r := range execResults {
		idx := allowedIdx[i]
		results[idx] = r.Result
		status := "success"
		if r.Result.IsError {
			status = "error"
			var toolErr *ToolError
			if errors.As(r.Err, &toolErr) && toolErr.Type == ToolErrorTimeout {
				status = "timeout"
			}
		}
		l.recordTool(r.ToolName, status, r.Duration)
		l.logger.Debug("tool executed",
			"tool", r.ToolName,
			"tool_call_id", r.ToolCallID,
			"status", status,
			"duration_ms", r.Duration.Milliseconds(),
			"attempts", r.Attempts,
		)
	}

	for i := range results {
		chunks <- &ResponseChunk{ToolResult: &results[i]}
	}
	return results
}

// continueWith folds the resolved round into the request messages for the
// continuation exchange.
func (l *Loop) continueWith(st *turnState, calls []models.ToolCall, results []models.ToolResult) {
	st.messages = append(st.messages, CompletionMessage{
		Role:      string(models.RoleAssistant),
		Content:   st.text.String(),
		ToolCalls: calls,
	})
	st.messages = append(st.messages, CompletionMessage{
		Role:        string(models.RoleTool),
		ToolResults: results,
	})
}

// appendAssistantMessage persists the round's assistant output. It is only
// called after a round streamed to completion; failed rounds never reach it,
// so no partial message lands in history.
func (l *Loop) appendAssistantMessage(ctx context.Context, key string, st *turnState, calls []models.ToolCall) (*models.Message, error) {
	msg := &models.Message{
		ID:        uuid.NewString(),
		Direction: models.DirectionOutbound,
		Role:      models.RoleAssistant,
		Content:   st.text.String(),
		Thinking:  st.thinking.String(),
		ToolCalls: calls,
		CreatedAt: time.Now(),
	}
	if err := l.store.AppendMessage(ctx, key, msg); err != nil {
		return nil, fmt.Errorf("append assistant message: %w", err)
	}
	return msg, nil
}

func (l *Loop) appendToolMessage(ctx context.Context, key string, results []models.ToolResult) error {
	if len(results) == 0 {
		return nil
	}
	msg := &models.Message{
		ID:          uuid.NewString(),
		Direction:   models.DirectionInbound,
		Role:        models.RoleTool,
		ToolResults: results,
		CreatedAt:   time.Now(),
	}
	if err := l.store.AppendMessage(ctx, key, msg); err != nil {
		return fmt.Errorf("append tool results: %w", err)
	}
	return nil
}

func (l *Loop) fail(chunks chan<- *ResponseChunk, st *turnState, err error) {
	failedIn := st.state
	st.state = StateFailed
	l.logger.Warn("turn failed", "state", string(failedIn), "round", st.round, "error", err)
	chunks <- &ResponseChunk{Error: &TurnError{State: failedIn, Round: st.round, Cause: err}}
}

func (l *Loop) recordTool(name, status string, d time.Duration) {
	if l.config.Metrics != nil {
		l.config.Metrics.RecordToolExecution(name, status, d.Seconds())
	}
}

// historyToMessages converts stored history to provider request messages.
// Thinking text is never resent upstream.
func historyToMessages(history []*models.Message) []CompletionMessage {
	out := make([]CompletionMessage, 0, len(history))
	for _, m := range history {
		out = append(out, CompletionMessage{
			Role:        string(m.Role),
			Content:     m.Content,
			ToolCalls:   m.ToolCalls,
			ToolResults: m.ToolResults,
		})
	}
	return out
}
