package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	openai "github.com/sashabaranov/go-openai"
)

// OpenAIProvider adapts the OpenAI chat completions API to the Provider
// interface. It is a non-streaming adapter: CreateMessageStream returns
// ErrStreamingUnsupported and callers fall back to CreateMessage.
type OpenAIProvider struct {
	client *openai.Client
	model  string
}

// OpenAIConfig configures the OpenAI adapter.
type OpenAIConfig struct {
	// APIKey is required. Format: sk-...
	APIKey string
	// BaseURL overrides the API endpoint, mainly for tests.
	BaseURL string
	// Model defaults to gpt-4o.
	Model string
}

// NewOpenAIProvider creates the adapter.
func NewOpenAIProvider(cfg OpenAIConfig) (*OpenAIProvider, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("openai: API key is required")
	}
	if cfg.Model == "" {
		cfg.Model = "gpt-4o"
	}

	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}

	return &OpenAIProvider{
		client: openai.NewClientWithConfig(clientCfg),
		model:  cfg.Model,
	}, nil
}

// Model returns the configured model ID.
func (p *OpenAIProvider) Model() string { return p.model }

// Name identifies the vendor for metrics labels.
func (p *OpenAIProvider) Name() string { return "openai" }

// CreateMessage performs a synchronous completion call.
func (p *OpenAIProvider) CreateMessage(ctx context.Context, req Request) (*Response, error) {
	messages, err := p.convertMessages(req.Messages, req.System)
	if err != nil {
		return nil, err
	}

	chatReq := openai.ChatCompletionRequest{
		Model:    p.model,
		Messages: messages,
	}
	if req.MaxTokens > 0 {
		chatReq.MaxTokens = req.MaxTokens
	}
	if len(req.Tools) > 0 {
		chatReq.Tools = p.convertTools(req.Tools)
	}

	resp, err := p.client.CreateChatCompletion(ctx, chatReq)
	if err != nil {
		return nil, p.wrapError(err)
	}
	if len(resp.Choices) == 0 {
		return nil, &ProviderError{Provider: "openai", Model: p.model, Cause: errors.New("empty choices in response")}
	}
	return p.convertResponse(&resp), nil
}

// CreateMessageStream reports that this adapter does not stream.
func (p *OpenAIProvider) CreateMessageStream(ctx context.Context, req Request) (<-chan StreamEvent, error) {
	return nil, ErrStreamingUnsupported
}

// convertMessages flattens the internal block format into OpenAI's shape:
// the system prompt becomes a leading system message, tool_use blocks become
// assistant tool_calls, and each tool_result becomes its own tool-role
// message keyed by tool_call_id.
func (p *OpenAIProvider) convertMessages(messages []Message, system string) ([]openai.ChatCompletionMessage, error) {
	var result []openai.ChatCompletionMessage
	if system != "" {
		result = append(result, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: system,
		})
	}

	for _, msg := range messages {
		var text string
		var toolCalls []openai.ToolCall
		var toolResults []ContentBlock

		for _, block := range msg.Content.AsBlocks() {
			switch block.Type {
			case BlockText:
				text += block.Text
			case BlockToolUse:
				args, err := json.Marshal(block.Input)
				if err != nil {
					return nil, fmt.Errorf("openai: invalid tool input for %s: %w", block.Name, err)
				}
				toolCalls = append(toolCalls, openai.ToolCall{
					ID:   block.ID,
					Type: openai.ToolTypeFunction,
					Function: openai.FunctionCall{
						Name:      block.Name,
						Arguments: string(args),
					},
				})
			case BlockToolResult:
				toolResults = append(toolResults, block)
			default:
				return nil, fmt.Errorf("openai: unsupported content block type %q", block.Type)
			}
		}

		if text != "" || len(toolCalls) > 0 {
			role := openai.ChatMessageRoleUser
			if msg.Role == "assistant" {
				role = openai.ChatMessageRoleAssistant
			}
			result = append(result, openai.ChatCompletionMessage{
				Role:      role,
				Content:   text,
				ToolCalls: toolCalls,
			})
		}

		for _, tr := range toolResults {
			result = append(result, openai.ChatCompletionMessage{
				Role:       openai.ChatMessageRoleTool,
				Content:    tr.Content,
				ToolCallID: tr.ToolUseID,
			})
		}
	}
	return result, nil
}

func (p *OpenAIProvider) convertTools(tools []ToolSchema) []openai.Tool {
	result := make([]openai.Tool, 0, len(tools))
	for _, tool := range tools {
		result = append(result, openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        tool.Name,
				Description: tool.Description,
				Parameters:  tool.InputSchema,
			},
		})
	}
	return result
}

func (p *OpenAIProvider) convertResponse(resp *openai.ChatCompletionResponse) *Response {
	choice := resp.Choices[0]

	out := &Response{
		Model: resp.Model,
		Usage: Usage{
			InputTokens:  resp.Usage.PromptTokens,
			OutputTokens: resp.Usage.CompletionTokens,
		},
	}

	if choice.Message.Content != "" {
		out.Content = append(out.Content, TextBlock(choice.Message.Content))
	}
	for _, tc := range choice.Message.ToolCalls {
		input := map[string]any{}
		if tc.Function.Arguments != "" {
			_ = json.Unmarshal([]byte(tc.Function.Arguments), &input)
		}
		out.Content = append(out.Content, ToolUseBlock(tc.ID, tc.Function.Name, input))
	}

	switch choice.FinishReason {
	case openai.FinishReasonToolCalls:
		out.StopReason = StopToolUse
	case openai.FinishReasonLength:
		out.StopReason = StopMaxTokens
	default:
		out.StopReason = StopEndTurn
	}
	return out
}

func (p *OpenAIProvider) wrapError(err error) error {
	if err == nil {
		return nil
	}
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return &ProviderError{Provider: "openai", Model: p.model, Status: apiErr.HTTPStatusCode, Cause: err}
	}
	return &ProviderError{Provider: "openai", Model: p.model, Cause: err}
}
