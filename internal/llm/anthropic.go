package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

// AnthropicProvider adapts the Anthropic Messages API to the Provider
// interface. Safe for concurrent use; each stream call runs in its own
// goroutine.
type AnthropicProvider struct {
	client anthropic.Client
	model  string
}

// AnthropicConfig configures the Anthropic adapter.
type AnthropicConfig struct {
	// APIKey is required. Format: sk-ant-...
	APIKey string
	// BaseURL overrides the API endpoint, mainly for tests.
	BaseURL string
	// Model defaults to claude-sonnet-4-20250514.
	Model string
}

// NewAnthropicProvider creates the adapter.
func NewAnthropicProvider(cfg AnthropicConfig) (*AnthropicProvider, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("anthropic: API key is required")
	}
	if cfg.Model == "" {
		cfg.Model = "claude-sonnet-4-20250514"
	}

	opts := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if strings.TrimSpace(cfg.BaseURL) != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}

	return &AnthropicProvider{
		client: anthropic.NewClient(opts...),
		model:  cfg.Model,
	}, nil
}

// Model returns the configured model ID.
func (p *AnthropicProvider) Model() string { return p.model }

// Name identifies the vendor for metrics labels.
func (p *AnthropicProvider) Name() string { return "anthropic" }

// CreateMessage performs a synchronous completion call.
func (p *AnthropicProvider) CreateMessage(ctx context.Context, req Request) (*Response, error) {
	params, err := p.buildParams(req)
	if err != nil {
		return nil, err
	}

	msg, err := p.client.Messages.New(ctx, params)
	if err != nil {
		return nil, p.wrapError(err)
	}
	return p.convertResponse(msg), nil
}

// CreateMessageStream starts a streaming completion. Text arrives as
// text_delta events; tool calls are assembled across input_json_delta events
// and surface complete. The final content_complete event carries the fully
// assembled Response, then the channel closes.
func (p *AnthropicProvider) CreateMessageStream(ctx context.Context, req Request) (<-chan StreamEvent, error) {
	params, err := p.buildParams(req)
	if err != nil {
		return nil, err
	}

	events := make(chan StreamEvent)
	go func() {
		defer close(events)

		stream := p.client.Messages.NewStreaming(ctx, params)

		resp := &Response{Model: p.model, StopReason: StopEndTurn}
		var textBuf strings.Builder
		var toolID, toolName string
		var toolInput strings.Builder
		inToolBlock := false

		flushText := func() {
			if textBuf.Len() > 0 {
				resp.Content = append(resp.Content, TextBlock(textBuf.String()))
				textBuf.Reset()
			}
		}
		flushTool := func() {
			if !inToolBlock {
				return
			}
			input := map[string]any{}
			if raw := toolInput.String(); raw != "" {
				// Malformed accumulated JSON becomes an empty input; the
				// tool layer reports the missing arguments.
				_ = json.Unmarshal([]byte(raw), &input)
			}
			resp.Content = append(resp.Content, ToolUseBlock(toolID, toolName, input))
			events <- StreamEvent{Type: EventToolUseEnd, ToolID: toolID, ToolName: toolName}
			inToolBlock = false
			toolInput.Reset()
		}

		for stream.Next() {
			event := stream.Current()
			switch event.Type {
			case "message_start":
				start := event.AsMessageStart()
				resp.Usage.InputTokens = int(start.Message.Usage.InputTokens)

			case "content_block_start":
				blockStart := event.AsContentBlockStart()
				if blockStart.ContentBlock.Type == "tool_use" {
					flushText()
					use := blockStart.ContentBlock.AsToolUse()
					toolID = use.ID
					toolName = use.Name
					toolInput.Reset()
					inToolBlock = true
					events <- StreamEvent{Type: EventToolUseStart, ToolID: toolID, ToolName: toolName}
				}

			case "content_block_delta":
				delta := event.AsContentBlockDelta().Delta
				switch delta.Type {
				case "text_delta":
					if delta.Text != "" {
						textBuf.WriteString(delta.Text)
						events <- StreamEvent{Type: EventTextDelta, Text: delta.Text}
					}
				case "input_json_delta":
					if delta.PartialJSON != "" {
						toolInput.WriteString(delta.PartialJSON)
						events <- StreamEvent{Type: EventToolUseDelta, ToolID: toolID, ToolName: toolName}
					}
				}

			case "content_block_stop":
				if inToolBlock {
					flushTool()
				} else {
					flushText()
				}

			case "message_delta":
				msgDelta := event.AsMessageDelta()
				if msgDelta.Usage.OutputTokens > 0 {
					resp.Usage.OutputTokens = int(msgDelta.Usage.OutputTokens)
				}
				if sr := string(msgDelta.Delta.StopReason); sr != "" {
					resp.StopReason = sr
				}

			case "message_stop":
				flushTool()
				flushText()
				events <- StreamEvent{Type: EventContentComplete, Response: resp}
				return

			case "error":
				events <- StreamEvent{Type: EventError, Err: p.wrapError(errors.New("anthropic stream error"))}
				return
			}
		}

		if err := stream.Err(); err != nil {
			events <- StreamEvent{Type: EventError, Err: p.wrapError(err)}
			return
		}
		// Stream ended without message_stop; surface what was assembled.
		flushTool()
		flushText()
		events <- StreamEvent{Type: EventContentComplete, Response: resp}
	}()

	return events, nil
}

func (p *AnthropicProvider) buildParams(req Request) (anthropic.MessageNewParams, error) {
	messages, err := p.convertMessages(req.Messages)
	if err != nil {
		return anthropic.MessageNewParams{}, err
	}

	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 4096
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(p.model),
		Messages:  messages,
		MaxTokens: int64(maxTokens),
	}

	if req.System != "" {
		params.System = []anthropic.TextBlockParam{{Type: "text", Text: req.System}}
	}

	if len(req.Tools) > 0 {
		tools, err := p.convertTools(req.Tools)
		if err != nil {
			return anthropic.MessageNewParams{}, err
		}
		params.Tools = tools
	}

	return params, nil
}

func (p *AnthropicProvider) convertMessages(messages []Message) ([]anthropic.MessageParam, error) {
	result := make([]anthropic.MessageParam, 0, len(messages))
	for _, msg := range messages {
		if msg.Role == "system" {
			continue
		}

		var content []anthropic.ContentBlockParamUnion
		for _, block := range msg.Content.AsBlocks() {
			switch block.Type {
			case BlockText:
				content = append(content, anthropic.NewTextBlock(block.Text))
			case BlockToolUse:
				input := block.Input
				if input == nil {
					input = map[string]any{}
				}
				content = append(content, anthropic.NewToolUseBlock(block.ID, input, block.Name))
			case BlockToolResult:
				content = append(content, anthropic.NewToolResultBlock(block.ToolUseID, block.Content, block.IsError))
			default:
				return nil, fmt.Errorf("anthropic: unsupported content block type %q", block.Type)
			}
		}

		if msg.Role == "assistant" {
			result = append(result, anthropic.NewAssistantMessage(content...))
		} else {
			result = append(result, anthropic.NewUserMessage(content...))
		}
	}
	return result, nil
}

func (p *AnthropicProvider) convertTools(tools []ToolSchema) ([]anthropic.ToolUnionParam, error) {
	result := make([]anthropic.ToolUnionParam, 0, len(tools))
	for _, tool := range tools {
		raw, err := json.Marshal(tool.InputSchema)
		if err != nil {
			return nil, fmt.Errorf("anthropic: invalid input schema for %s: %w", tool.Name, err)
		}
		var schema anthropic.ToolInputSchemaParam
		if err := json.Unmarshal(raw, &schema); err != nil {
			return nil, fmt.Errorf("anthropic: invalid input schema for %s: %w", tool.Name, err)
		}

		param := anthropic.ToolUnionParamOfTool(schema, tool.Name)
		if param.OfTool == nil {
			return nil, fmt.Errorf("anthropic: invalid tool definition for %s", tool.Name)
		}
		param.OfTool.Description = anthropic.String(tool.Description)
		result = append(result, param)
	}
	return result, nil
}

func (p *AnthropicProvider) convertResponse(msg *anthropic.Message) *Response {
	resp := &Response{
		Model:      string(msg.Model),
		StopReason: string(msg.StopReason),
		Usage: Usage{
			InputTokens:  int(msg.Usage.InputTokens),
			OutputTokens: int(msg.Usage.OutputTokens),
		},
	}
	if resp.StopReason == "" {
		resp.StopReason = StopEndTurn
	}

	for _, block := range msg.Content {
		switch block.Type {
		case "text":
			resp.Content = append(resp.Content, TextBlock(block.AsText().Text))
		case "tool_use":
			use := block.AsToolUse()
			input := map[string]any{}
			if len(use.Input) > 0 {
				_ = json.Unmarshal(use.Input, &input)
			}
			resp.Content = append(resp.Content, ToolUseBlock(use.ID, use.Name, input))
		}
	}
	return resp
}

func (p *AnthropicProvider) wrapError(err error) error {
	if err == nil {
		return nil
	}
	var pe *ProviderError
	if errors.As(err, &pe) {
		return err
	}
	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		return &ProviderError{Provider: "anthropic", Model: p.model, Status: apiErr.StatusCode, Cause: err}
	}
	return &ProviderError{Provider: "anthropic", Model: p.model, Cause: err}
}
