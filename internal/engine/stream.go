package engine

import (
	"context"
	"errors"

	"github.com/haasonsaas/flux/internal/llm"
)

// Engine-level stream event types. These extend the provider events with
// synthesised tool results and the terminal turn summary.
const (
	EventTextDelta    = "text_delta"
	EventToolUseStart = "tool_use_start"
	EventToolResult   = "tool_result"
	EventToolUseEnd   = "tool_use_end"
	EventTurnComplete = "turn_complete"
	EventError        = "error"
)

// StreamEvent is one event of a streaming turn.
type StreamEvent struct {
	Type string

	// EventTextDelta
	Text string

	// Tool events
	ToolID   string
	ToolName string
	// EventToolResult: the marker-wrapped output or protocol error string
	Content string

	// EventTurnComplete
	Result *TurnResult
	// Messages is the full message list after the turn, for persistence.
	Messages []llm.Message

	// EventError
	Err error
}

// RunTurnStream executes one turn, emitting events as generation and tool
// execution progress. The channel closes after turn_complete or error. On
// providers without streaming support the engine falls back to the
// synchronous path and emits a single turn_complete.
func (e *Engine) RunTurnStream(ctx context.Context, messages []llm.Message, userID string) <-chan StreamEvent {
	out := make(chan StreamEvent, 16)
	go func() {
		defer close(out)

		emit := func(ev StreamEvent) {
			select {
			case out <- ev:
			case <-ctx.Done():
			}
		}

		msgs, result, err := e.run(ctx, messages, userID, emit)
		if errors.Is(err, llm.ErrStreamingUnsupported) {
			msgs, result, err = e.run(ctx, messages, userID, nil)
		}
		if err != nil {
			emit(StreamEvent{Type: EventError, Err: err})
			return
		}
		emit(StreamEvent{Type: EventTurnComplete, Result: result, Messages: msgs})
	}()
	return out
}
