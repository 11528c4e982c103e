// Package llm defines the provider-agnostic LLM contract: the internal
// message shape, tagged content blocks, stream events, and the Provider
// interface vendor adapters implement.
package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Block types.
const (
	BlockText       = "text"
	BlockToolUse    = "tool_use"
	BlockToolResult = "tool_result"
)

// Stop reasons.
const (
	StopEndTurn      = "end_turn"
	StopToolUse      = "tool_use"
	StopMaxTokens    = "max_tokens"
	StopStopSequence = "stop_sequence"
)

// ErrStreamingUnsupported is returned by providers without a streaming API.
// Callers fall back to CreateMessage.
var ErrStreamingUnsupported = errors.New("llm: provider does not support streaming")

// ContentBlock is the tagged variant carried inside messages and responses:
// Text{text} | ToolUse{id, name, input} | ToolResult{tool_use_id, content, is_error}.
type ContentBlock struct {
	Type string `json:"type"`

	// Text block
	Text string `json:"text,omitempty"`

	// ToolUse block
	ID    string         `json:"id,omitempty"`
	Name  string         `json:"name,omitempty"`
	Input map[string]any `json:"input,omitempty"`

	// ToolResult block
	ToolUseID string `json:"tool_use_id,omitempty"`
	Content   string `json:"content,omitempty"`
	IsError   bool   `json:"is_error,omitempty"`
}

// TextBlock builds a text content block.
func TextBlock(text string) ContentBlock {
	return ContentBlock{Type: BlockText, Text: text}
}

// ToolUseBlock builds a tool_use content block.
func ToolUseBlock(id, name string, input map[string]any) ContentBlock {
	return ContentBlock{Type: BlockToolUse, ID: id, Name: name, Input: input}
}

// ToolResultBlock builds a tool_result content block.
func ToolResultBlock(toolUseID, content string, isError bool) ContentBlock {
	return ContentBlock{Type: BlockToolResult, ToolUseID: toolUseID, Content: content, IsError: isError}
}

// MessageContent is either a plain string or an ordered block list, matching
// the wire shape both vendors accept.
type MessageContent struct {
	Plain  string
	Blocks []ContentBlock
	isText bool
}

// TextContent wraps a plain string content.
func TextContent(s string) MessageContent {
	return MessageContent{Plain: s, isText: true}
}

// BlockContent wraps a block-list content.
func BlockContent(blocks ...ContentBlock) MessageContent {
	return MessageContent{Blocks: blocks}
}

// IsText reports whether the content is a plain string.
func (c MessageContent) IsText() bool { return c.isText }

// AsBlocks returns the content as a block list, converting plain strings.
func (c MessageContent) AsBlocks() []ContentBlock {
	if c.isText {
		return []ContentBlock{TextBlock(c.Plain)}
	}
	return c.Blocks
}

// MarshalJSON emits a JSON string for plain content, an array otherwise.
func (c MessageContent) MarshalJSON() ([]byte, error) {
	if c.isText {
		return json.Marshal(c.Plain)
	}
	return json.Marshal(c.Blocks)
}

// UnmarshalJSON accepts either a JSON string or a block array.
func (c *MessageContent) UnmarshalJSON(data []byte) error {
	trimmed := strings.TrimSpace(string(data))
	if strings.HasPrefix(trimmed, `"`) {
		c.isText = true
		c.Blocks = nil
		return json.Unmarshal(data, &c.Plain)
	}
	c.isText = false
	c.Plain = ""
	return json.Unmarshal(data, &c.Blocks)
}

// Message is one role-tagged entry in a conversation. Tool results ride in
// user-role messages as tool_result blocks keyed by tool_use_id.
type Message struct {
	Role    string         `json:"role"`
	Content MessageContent `json:"content"`
}

// UserText builds a user message with plain string content.
func UserText(text string) Message {
	return Message{Role: "user", Content: TextContent(text)}
}

// AssistantBlocks builds an assistant message carrying response blocks.
func AssistantBlocks(blocks []ContentBlock) Message {
	return Message{Role: "assistant", Content: BlockContent(blocks...)}
}

// ToolResultsMessage builds the user-role message carrying tool results.
func ToolResultsMessage(results []ContentBlock) Message {
	return Message{Role: "user", Content: BlockContent(results...)}
}

// ToolSchema describes one tool to the model.
type ToolSchema struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	InputSchema map[string]any `json:"input_schema"`
}

// Request is a provider-agnostic completion request.
type Request struct {
	Messages  []Message
	System    string
	Tools     []ToolSchema
	MaxTokens int
}

// Usage carries the provider's token accounting for one call.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// Response is a provider-agnostic completion response.
type Response struct {
	Content    []ContentBlock `json:"content"`
	StopReason string         `json:"stop_reason"`
	Model      string         `json:"model"`
	Usage      Usage          `json:"usage"`
}

// TextContent concatenates the text blocks of the response.
func (r *Response) TextContent() string {
	var b strings.Builder
	for _, block := range r.Content {
		if block.Type == BlockText {
			b.WriteString(block.Text)
		}
	}
	return b.String()
}

// ToolUses returns the tool_use blocks of the response in order.
func (r *Response) ToolUses() []ContentBlock {
	var uses []ContentBlock
	for _, block := range r.Content {
		if block.Type == BlockToolUse {
			uses = append(uses, block)
		}
	}
	return uses
}

// Stream event types.
const (
	EventTextDelta       = "text_delta"
	EventToolUseStart    = "tool_use_start"
	EventToolUseDelta    = "tool_use_delta"
	EventToolUseEnd      = "tool_use_end"
	EventContentComplete = "content_complete"
	EventError           = "error"
)

// StreamEvent is the tagged variant produced during streaming generation.
type StreamEvent struct {
	Type string

	// EventTextDelta
	Text string

	// EventToolUseStart / EventToolUseEnd
	ToolID   string
	ToolName string

	// EventContentComplete: the fully assembled response
	Response *Response

	// EventError
	Err error
}

// Provider is the vendor-neutral LLM contract. Adapters translate into and
// out of the internal shape at their edges; the engine has no vendor-specific
// knowledge.
type Provider interface {
	// CreateMessage performs a synchronous completion call.
	CreateMessage(ctx context.Context, req Request) (*Response, error)

	// CreateMessageStream performs a streaming call. Providers without a
	// streaming API return ErrStreamingUnsupported.
	CreateMessageStream(ctx context.Context, req Request) (<-chan StreamEvent, error)

	// Model returns the model name used for cost lookup.
	Model() string
}

// ProviderError wraps a vendor API failure and carries its HTTP status so the
// retry layer can classify it.
type ProviderError struct {
	Provider string
	Model    string
	Status   int
	Cause    error
}

func (e *ProviderError) Error() string {
	if e.Status > 0 {
		return fmt.Sprintf("%s: request failed with status %d: %v", e.Provider, e.Status, e.Cause)
	}
	return fmt.Sprintf("%s: request failed: %v", e.Provider, e.Cause)
}

func (e *ProviderError) Unwrap() error { return e.Cause }

// StatusCode implements retry.StatusCoder.
func (e *ProviderError) StatusCode() int { return e.Status }
