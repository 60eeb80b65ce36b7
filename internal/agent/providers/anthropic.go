// Package providers implements streaming model backends for the agent
// runtime. Each provider converts between the runtime's message format and
// the upstream wire format, decodes streaming frames, and retries transient
// failures while nothing has been forwarded yet.
package providers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"

	"github.com/haasonsaas/clawgate/internal/agent"
	"github.com/haasonsaas/clawgate/internal/backoff"
	"github.com/haasonsaas/clawgate/internal/observability"
	"github.com/haasonsaas/clawgate/pkg/models"
)

// tokenUsage accumulates the usage counts reported by a stream.
type tokenUsage struct {
	input  int
	output int
}

// maxEmptyStreamEvents bounds consecutive events that produce no output
// before the stream is treated as malformed.
const maxEmptyStreamEvents = 300

// AnthropicConfig configures an AnthropicProvider. APIKey is required;
// everything else has defaults.
type AnthropicConfig struct {
	// APIKey is the Anthropic API authentication key (sk-ant-...).
	APIKey string

	// BaseURL overrides the default API base URL, mainly for tests.
	BaseURL string

	// MaxRetries bounds attempts for transient failures before any output
	// has been forwarded. Default: 3.
	MaxRetries int

	// Backoff shapes the delay between retry attempts. A rate-limit
	// retry-after hint overrides the computed delay when longer.
	Backoff backoff.Policy

	// DefaultModel is used when the request does not name one.
	DefaultModel string

	// Metrics records request outcomes, retries, and token usage when set.
	Metrics *observability.Metrics
}

// AnthropicProvider implements agent.LLMProvider over the official SDK.
//
// Each Complete call opens an independent SSE stream and decodes it on its
// own goroutine, so the provider is safe for concurrent use. Transient
// failures (rate limits, 5xx, connection errors) are retried with
// exponential backoff, but only while no chunk has been forwarded: once the
// caller has seen output, a broken stream fails the exchange instead of
// silently restarting it.
type AnthropicProvider struct {
	client       anthropic.Client
	maxRetries   int
	policy       backoff.Policy
	defaultModel string
	metrics      *observability.Metrics
}

// NewAnthropicProvider creates a provider from config, applying defaults.
func NewAnthropicProvider(config AnthropicConfig) (*AnthropicProvider, error) {
	if config.APIKey == "" {
		return nil, errors.New("anthropic: API key is required")
	}
	if config.MaxRetries <= 0 {
		config.MaxRetries = 3
	}
	if config.Backoff.InitialMs <= 0 {
		config.Backoff = backoff.DefaultPolicy()
	}
	if config.DefaultModel == "" {
		config.DefaultModel = "claude-sonnet-4-20250514"
	}

	// SDK-level retries are disabled: retry decisions live in Complete so
	// they stop once output has been forwarded.
	options := []option.RequestOption{
		option.WithAPIKey(config.APIKey),
		option.WithMaxRetries(0),
	}
	if strings.TrimSpace(config.BaseURL) != "" {
		options = append(options, option.WithBaseURL(config.BaseURL))
	}

	return &AnthropicProvider{
		client:       anthropic.NewClient(options...),
		maxRetries:   config.MaxRetries,
		policy:       config.Backoff,
		defaultModel: config.DefaultModel,
		metrics:      config.Metrics,
	}, nil
}

// Name returns "anthropic".
func (p *AnthropicProvider) Name() string {
	return "anthropic"
}

func (p *AnthropicProvider) recordRequest(model, status string, started time.Time, usage tokenUsage) {
	if p.metrics == nil {
		return
	}
	p.metrics.RecordProviderRequest(p.Name(), model, status, time.Since(started).Seconds(), usage.input, usage.output)
}

// Complete opens one streaming exchange. The returned channel delivers text
// and thinking deltas as they arrive, fully assembled tool calls, and
// finally either a Done chunk with token counts or an Error chunk.
func (p *AnthropicProvider) Complete(ctx context.Context, req *agent.CompletionRequest) (<-chan *agent.CompletionChunk, error) {
	chunks := make(chan *agent.CompletionChunk)

	model := p.model(req.Model)
	go func() {
		defer close(chunks)

		for attempt := 0; ; attempt++ {
			started := time.Now()
			stream, err := p.createStream(ctx, req)
			var forwarded bool
			var usage tokenUsage
			if err == nil {
				forwarded, err = p.relayStream(stream, chunks, &usage)
			}
			if err == nil {
				p.recordRequest(model, "success", started, usage)
				return
			}

			err = p.wrapError(err)

			// Once output reached the caller, a restart would replay
			// or drop content, so the exchange fails instead.
			if forwarded || !agent.IsRetryableTransport(err) || attempt >= p.maxRetries {
				p.recordRequest(model, "error", started, usage)
				chunks <- &agent.CompletionChunk{Error: err}
				return
			}

			p.recordRequest(model, "retried", started, usage)
			if p.metrics != nil {
				p.metrics.ProviderRetryCounter.WithLabelValues(p.Name()).Inc()
			}

			delay := backoff.Compute(p.policy, attempt)
			if hint, ok := agent.RetryAfterHint(err); ok && hint > delay {
				delay = hint
			}
			if serr := backoff.Sleep(ctx, delay); serr != nil {
				chunks <- &agent.CompletionChunk{Error: serr}
				return
			}
		}
	}()

	return chunks, nil
}

func (p *AnthropicProvider) createStream(ctx context.Context, req *agent.CompletionRequest) (*ssestream.Stream[anthropic.MessageStreamEventUnion], error) {
	messages, err := p.convertMessages(req.Messages)
	if err != nil {
		return nil, fmt.Errorf("anthropic: convert messages: %w", err)
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(p.model(req.Model)),
		Messages:  messages,
		MaxTokens: int64(p.maxTokens(req.MaxTokens)),
	}

	// The system prompt travels outside the message list.
	if req.System != "" {
		params.System = []anthropic.TextBlockParam{{Type: "text", Text: req.System}}
	}

	if len(req.Tools) > 0 {
		tools, err := p.convertTools(req.Tools)
		if err != nil {
			return nil, fmt.Errorf("anthropic: convert tools: %w", err)
		}
		params.Tools = tools
	}

	return p.client.Messages.NewStreaming(ctx, params), nil
}

// relayStream decodes SSE events into chunks. It reports whether anything
// was forwarded so the caller can decide if a failure is still retryable.
//
// Tool calls arrive in pieces: content_block_start carries the ID and name,
// input_json_delta events stream argument fragments, and content_block_stop
// finalizes the call. A call is only forwarded once its assembled arguments
// parse as JSON; a malformed payload is a decode failure for the whole
// exchange, never a partial tool call.
func (p *AnthropicProvider) relayStream(stream *ssestream.Stream[anthropic.MessageStreamEventUnion], chunks chan<- *agent.CompletionChunk, usage *tokenUsage) (bool, error) {
	var currentToolCall *models.ToolCall
	var currentToolInput strings.Builder
	forwarded := false
	emptyEvents := 0

	for stream.Next() {
		event := stream.Current()
		eventProcessed := false

		switch event.Type {
		case "message_start":
			messageStart := event.AsMessageStart()
			if messageStart.Message.Usage.InputTokens > 0 {
				usage.input = int(messageStart.Message.Usage.InputTokens)
			}
			eventProcessed = true

		case "content_block_start":
			contentBlock := event.AsContentBlockStart().ContentBlock
			if contentBlock.Type == "tool_use" {
				toolUse := contentBlock.AsToolUse()
				currentToolCall = &models.ToolCall{
					ID:   toolUse.ID,
					Name: toolUse.Name,
				}
				currentToolInput.Reset()
				eventProcessed = true
			}

		case "content_block_delta":
			delta := event.AsContentBlockDelta().Delta
			switch delta.Type {
			case "text_delta":
				if delta.Text != "" {
					chunks <- &agent.CompletionChunk{Text: delta.Text}
					forwarded = true
					eventProcessed = true
				}
			case "thinking_delta":
				if delta.Thinking != "" {
					chunks <- &agent.CompletionChunk{Thinking: delta.Thinking}
					forwarded = true
					eventProcessed = true
				}
			case "input_json_delta":
				if delta.PartialJSON != "" {
					currentToolInput.WriteString(delta.PartialJSON)
					eventProcessed = true
				}
			}

		case "content_block_stop":
			if currentToolCall != nil {
				raw := currentToolInput.String()
				if raw == "" {
					raw = "{}"
				}
				if !json.Valid([]byte(raw)) {
					return forwarded, &agent.DecodeError{
						Detail: fmt.Sprintf("tool call %s arguments are not valid JSON", currentToolCall.Name),
					}
				}
				currentToolCall.Input = json.RawMessage(raw)
				chunks <- &agent.CompletionChunk{ToolCall: currentToolCall}
				currentToolCall = nil
				forwarded = true
				eventProcessed = true
			}

		case "message_delta":
			messageDelta := event.AsMessageDelta()
			if messageDelta.Usage.OutputTokens > 0 {
				usage.output = int(messageDelta.Usage.OutputTokens)
			}
			eventProcessed = true

		case "message_stop":
			chunks <- &agent.CompletionChunk{
				Done:         true,
				InputTokens:  usage.input,
				OutputTokens: usage.output,
			}
			return true, nil

		case "error":
			return forwarded, &agent.TransportError{Cause: errors.New("anthropic stream error event")}
		}

		if eventProcessed {
			emptyEvents = 0
		} else {
			emptyEvents++
			if emptyEvents >= maxEmptyStreamEvents {
				return forwarded, &agent.DecodeError{
					Detail: fmt.Sprintf("stream appears malformed: %d consecutive empty events", emptyEvents),
				}
			}
		}
	}

	if err := stream.Err(); err != nil {
		return forwarded, err
	}
	return forwarded, &agent.DecodeError{Detail: "stream ended without message_stop"}
}

// convertMessages maps runtime messages onto Anthropic content blocks.
// System messages are dropped here; the system prompt is a request param.
// Tool-role messages become user messages carrying tool result blocks.
func (p *AnthropicProvider) convertMessages(messages []agent.CompletionMessage) ([]anthropic.MessageParam, error) {
	var result []anthropic.MessageParam

	for _, msg := range messages {
		if msg.Role == "system" {
			continue
		}

		var content []anthropic.ContentBlockParamUnion

		if msg.Content != "" {
			content = append(content, anthropic.NewTextBlock(msg.Content))
		}

		for _, toolResult := range msg.ToolResults {
			content = append(content, anthropic.NewToolResultBlock(
				toolResult.ToolCallID,
				toolResult.Content,
				toolResult.IsError,
			))
		}

		for _, toolCall := range msg.ToolCalls {
			var input map[string]interface{}
			if err := json.Unmarshal(toolCall.Input, &input); err != nil {
				return nil, fmt.Errorf("invalid tool call input for %s: %w", toolCall.Name, err)
			}
			content = append(content, anthropic.NewToolUseBlock(
				toolCall.ID,
				input,
				toolCall.Name,
			))
		}

		if len(content) == 0 {
			continue
		}

		if msg.Role == "assistant" {
			result = append(result, anthropic.NewAssistantMessage(content...))
		} else {
			result = append(result, anthropic.NewUserMessage(content...))
		}
	}

	return result, nil
}

func (p *AnthropicProvider) convertTools(tools []agent.Tool) ([]anthropic.ToolUnionParam, error) {
	var result []anthropic.ToolUnionParam

	for _, tool := range tools {
		var schema anthropic.ToolInputSchemaParam
		if err := json.Unmarshal(tool.Schema(), &schema); err != nil {
			return nil, fmt.Errorf("invalid tool schema for %s: %w", tool.Name(), err)
		}

		toolParam := anthropic.ToolUnionParamOfTool(schema, tool.Name())
		if toolParam.OfTool == nil {
			return nil, fmt.Errorf("invalid tool schema for %s: missing tool definition", tool.Name())
		}
		toolParam.OfTool.Description = anthropic.String(tool.Description())

		result = append(result, toolParam)
	}

	return result, nil
}

func (p *AnthropicProvider) model(model string) string {
	if model == "" {
		return p.defaultModel
	}
	return model
}

func (p *AnthropicProvider) maxTokens(maxTokens int) int {
	if maxTokens <= 0 {
		return 4096
	}
	return maxTokens
}

// wrapError classifies upstream failures. API errors become transport
// errors carrying the HTTP status and any retry-after hint; decode errors
// and context errors pass through unchanged.
func (p *AnthropicProvider) wrapError(err error) error {
	if err == nil {
		return nil
	}

	var decodeErr *agent.DecodeError
	if errors.As(err, &decodeErr) {
		return err
	}
	var transportErr *agent.TransportError
	if errors.As(err, &transportErr) {
		return err
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}

	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		te := &agent.TransportError{StatusCode: apiErr.StatusCode, Cause: err}
		if apiErr.Response != nil {
			te.RetryAfter = parseRetryAfter(apiErr.Response.Header.Get("retry-after"))
		}
		return te
	}

	return &agent.TransportError{Cause: err}
}

func parseRetryAfter(value string) time.Duration {
	if value == "" {
		return 0
	}
	if secs, err := strconv.Atoi(strings.TrimSpace(value)); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	return 0
}
