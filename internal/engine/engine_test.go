package engine

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"testing"

	"github.com/haasonsaas/flux/internal/llm"
	"github.com/haasonsaas/flux/internal/observability"
	"github.com/haasonsaas/flux/internal/retry"
	"github.com/haasonsaas/flux/internal/tools"
	"github.com/haasonsaas/flux/internal/usage"
)

// scriptedProvider replays a fixed sequence of responses. The last response
// repeats once the script runs out.
type scriptedProvider struct {
	responses []*llm.Response
	requests  []llm.Request
	streaming bool
}

func (p *scriptedProvider) next() *llm.Response {
	i := len(p.requests) - 1
	if i >= len(p.responses) {
		i = len(p.responses) - 1
	}
	return p.responses[i]
}

func (p *scriptedProvider) CreateMessage(_ context.Context, req llm.Request) (*llm.Response, error) {
	p.requests = append(p.requests, req)
	return p.next(), nil
}

func (p *scriptedProvider) CreateMessageStream(_ context.Context, req llm.Request) (<-chan llm.StreamEvent, error) {
	if !p.streaming {
		return nil, llm.ErrStreamingUnsupported
	}
	p.requests = append(p.requests, req)
	resp := p.next()
	out := make(chan llm.StreamEvent, 8)
	go func() {
		defer close(out)
		for _, block := range resp.Content {
			if block.Type == llm.BlockText {
				out <- llm.StreamEvent{Type: llm.EventTextDelta, Text: block.Text}
			}
		}
		out <- llm.StreamEvent{Type: llm.EventContentComplete, Response: resp}
	}()
	return out, nil
}

func (p *scriptedProvider) Model() string { return "claude-sonnet-4-20250514" }

// fakeRegistry records invocations and returns canned outputs per tool.
type fakeRegistry struct {
	outputs map[string]string
	invoked []string
}

func (r *fakeRegistry) Has(name string) bool {
	_, ok := r.outputs[name]
	return ok
}

func (r *fakeRegistry) Schemas() []llm.ToolSchema {
	schemas := make([]llm.ToolSchema, 0, len(r.outputs))
	for name := range r.outputs {
		schemas = append(schemas, llm.ToolSchema{Name: name, InputSchema: map[string]any{"type": "object"}})
	}
	return schemas
}

func (r *fakeRegistry) Invoke(_ context.Context, name string, _ map[string]any) string {
	r.invoked = append(r.invoked, name)
	out := r.outputs[name]
	if strings.HasPrefix(out, "Error:") {
		return out
	}
	return tools.WrapOutput(out)
}

func textResponse(text string, in, out int) *llm.Response {
	return &llm.Response{
		Content:    []llm.ContentBlock{llm.TextBlock(text)},
		StopReason: llm.StopEndTurn,
		Model:      "claude-sonnet-4-20250514",
		Usage:      llm.Usage{InputTokens: in, OutputTokens: out},
	}
}

func toolUseResponse(id, name string, input map[string]any, in, out int) *llm.Response {
	return &llm.Response{
		Content:    []llm.ContentBlock{llm.ToolUseBlock(id, name, input)},
		StopReason: llm.StopToolUse,
		Model:      "claude-sonnet-4-20250514",
		Usage:      llm.Usage{InputTokens: in, OutputTokens: out},
	}
}

func newTestEngine(t *testing.T, provider llm.Provider, registry ToolInvoker, cfg Config) *Engine {
	t.Helper()
	cfg.Retry = retry.Config{MaxRetries: 0, BaseDelay: 1, MaxDelay: 1}
	cost := llm.NewCostTracker(observability.NewNopLogger(), nil)
	usageStore := usage.NewStore(filepath.Join(t.TempDir(), "usage_data.json"), usage.Limits{})
	return New(provider, registry, cost, usageStore, observability.NewTestMetrics(), observability.NewNopLogger(), cfg)
}

func TestRunTurnNoTools(t *testing.T) {
	provider := &scriptedProvider{responses: []*llm.Response{textResponse("hi", 10, 2)}}
	eng := newTestEngine(t, provider, &fakeRegistry{}, Config{})

	msgs, result, err := eng.RunTurn(context.Background(), []llm.Message{llm.UserText("hello")}, "alice")
	if err != nil {
		t.Fatalf("RunTurn: %v", err)
	}
	if result.Text != "hi" || result.ToolRounds != 0 || result.StopReason != llm.StopEndTurn {
		t.Errorf("result = %+v", result)
	}
	if result.InputTokens != 10 || result.OutputTokens != 2 {
		t.Errorf("tokens = %d/%d", result.InputTokens, result.OutputTokens)
	}
	// claude-sonnet-4: $3/M input, $15/M output.
	want := 10*3.0/1e6 + 2*15.0/1e6
	if diff := result.CostUSD - want; diff > 1e-12 || diff < -1e-12 {
		t.Errorf("cost = %v, want %v", result.CostUSD, want)
	}
	if len(msgs) != 2 || msgs[1].Role != "assistant" {
		t.Errorf("messages = %+v", msgs)
	}
}

func TestRunTurnOneToolRound(t *testing.T) {
	provider := &scriptedProvider{responses: []*llm.Response{
		toolUseResponse("t1", "weather", map[string]any{"city": "Seoul"}, 20, 5),
		textResponse("맑음", 30, 4),
	}}
	registry := &fakeRegistry{outputs: map[string]string{"weather": "sunny"}}
	eng := newTestEngine(t, provider, registry, Config{})

	msgs, result, err := eng.RunTurn(context.Background(), []llm.Message{llm.UserText("날씨?")}, "alice")
	if err != nil {
		t.Fatal(err)
	}
	if result.Text != "맑음" || result.ToolRounds != 1 {
		t.Errorf("result = %+v", result)
	}
	if result.InputTokens != 50 || result.OutputTokens != 9 {
		t.Errorf("tokens = %d/%d", result.InputTokens, result.OutputTokens)
	}
	if len(msgs) != 4 {
		t.Fatalf("messages = %d, want 4", len(msgs))
	}
	toolResult := msgs[2].Content.AsBlocks()[0]
	if toolResult.Type != llm.BlockToolResult || toolResult.ToolUseID != "t1" {
		t.Errorf("tool result block = %+v", toolResult)
	}
	if toolResult.Content != "[TOOL OUTPUT]sunny[/TOOL OUTPUT]" || toolResult.IsError {
		t.Errorf("tool result content = %+v", toolResult)
	}
	if len(registry.invoked) != 1 || registry.invoked[0] != "weather" {
		t.Errorf("invoked = %v", registry.invoked)
	}
}

func TestRunTurnRestrictedTool(t *testing.T) {
	provider := &scriptedProvider{responses: []*llm.Response{
		toolUseResponse("t1", "save_text_file", nil, 10, 5),
		textResponse("done", 10, 2),
	}}
	registry := &fakeRegistry{outputs: map[string]string{"save_text_file": "written"}}
	eng := newTestEngine(t, provider, registry, Config{Restricted: []string{"save_text_file"}})

	msgs, _, err := eng.RunTurn(context.Background(), []llm.Message{llm.UserText("save it")}, "alice")
	if err != nil {
		t.Fatal(err)
	}
	toolResult := msgs[2].Content.AsBlocks()[0]
	if !strings.HasPrefix(toolResult.Content, "Error: 'save_text_file'") || !toolResult.IsError {
		t.Errorf("restricted result = %+v", toolResult)
	}
	if len(registry.invoked) != 0 {
		t.Errorf("restricted tool was invoked: %v", registry.invoked)
	}
	// The restricted schema is hidden from the model.
	for _, s := range provider.requests[0].Tools {
		if s.Name == "save_text_file" {
			t.Error("restricted schema sent to provider")
		}
	}
}

func TestRunTurnUnknownTool(t *testing.T) {
	provider := &scriptedProvider{responses: []*llm.Response{
		toolUseResponse("t1", "ghost", nil, 10, 5),
		textResponse("ok", 10, 2),
	}}
	eng := newTestEngine(t, provider, &fakeRegistry{}, Config{})

	msgs, _, err := eng.RunTurn(context.Background(), []llm.Message{llm.UserText("go")}, "alice")
	if err != nil {
		t.Fatal(err)
	}
	toolResult := msgs[2].Content.AsBlocks()[0]
	if !strings.Contains(toolResult.Content, "알 수 없는 도구") || !toolResult.IsError {
		t.Errorf("unknown-tool result = %+v", toolResult)
	}
}

func TestRunTurnMaxRoundsExhaustion(t *testing.T) {
	provider := &scriptedProvider{responses: []*llm.Response{
		toolUseResponse("t1", "weather", nil, 1, 1),
	}}
	registry := &fakeRegistry{outputs: map[string]string{"weather": "sunny"}}
	eng := newTestEngine(t, provider, registry, Config{MaxToolRounds: 10})

	_, result, err := eng.RunTurn(context.Background(), []llm.Message{llm.UserText("loop")}, "alice")
	if err != nil {
		t.Fatal(err)
	}
	if result.ToolRounds != 10 {
		t.Errorf("rounds = %d, want 10", result.ToolRounds)
	}
	if result.Error != "도구 호출이 10회를 초과하여 중단되었습니다." {
		t.Errorf("error = %q", result.Error)
	}
}

func TestRunTurnMaxTokensWithToolUse(t *testing.T) {
	truncated := toolUseResponse("t1", "weather", nil, 10, 5)
	truncated.StopReason = llm.StopMaxTokens
	provider := &scriptedProvider{responses: []*llm.Response{
		truncated,
		textResponse("recovered", 10, 2),
	}}
	registry := &fakeRegistry{outputs: map[string]string{"weather": "sunny"}}
	eng := newTestEngine(t, provider, registry, Config{})

	msgs, result, err := eng.RunTurn(context.Background(), []llm.Message{llm.UserText("go")}, "alice")
	if err != nil {
		t.Fatal(err)
	}
	if result.Text != "recovered" {
		t.Errorf("result = %+v", result)
	}
	// The truncated round still got an error tool_result, not an invocation.
	toolResult := msgs[2].Content.AsBlocks()[0]
	if !toolResult.IsError || toolResult.ToolUseID != "t1" {
		t.Errorf("truncation result = %+v", toolResult)
	}
	if len(registry.invoked) != 0 {
		t.Errorf("truncated tool_use was invoked: %v", registry.invoked)
	}
}

func TestTrimHistory(t *testing.T) {
	msgs := []llm.Message{
		{Role: "assistant", Content: llm.TextContent("stale")},
		llm.UserText("q1"),
		{Role: "assistant", Content: llm.TextContent("a1")},
		llm.UserText("q2"),
	}
	got := trimHistory(msgs, 3)
	if len(got) != 3 || got[0].Content.Plain != "q1" {
		t.Errorf("trim to 3 = %+v", got)
	}

	// When the cut lands on an assistant message, it is discarded too.
	got = trimHistory(msgs, 2)
	if len(got) != 1 || got[0].Content.Plain != "q2" {
		t.Errorf("trim to 2 = %+v", got)
	}

	got = trimHistory(msgs, 10)
	if len(got) != 3 || got[0].Role != "user" {
		t.Errorf("leading assistant not discarded: %+v", got)
	}
}

func TestRunTurnStreamEvents(t *testing.T) {
	provider := &scriptedProvider{
		streaming: true,
		responses: []*llm.Response{
			toolUseResponse("t1", "weather", map[string]any{"city": "Seoul"}, 20, 5),
			textResponse("맑음", 30, 4),
		},
	}
	registry := &fakeRegistry{outputs: map[string]string{"weather": "sunny"}}
	eng := newTestEngine(t, provider, registry, Config{})

	var types []string
	var final *TurnResult
	for ev := range eng.RunTurnStream(context.Background(), []llm.Message{llm.UserText("날씨?")}, "alice") {
		types = append(types, ev.Type)
		if ev.Type == EventTurnComplete {
			final = ev.Result
			if len(ev.Messages) != 4 {
				t.Errorf("turn_complete messages = %d, want 4", len(ev.Messages))
			}
		}
		if ev.Type == EventError {
			t.Fatalf("stream error: %v", ev.Err)
		}
	}

	want := []string{EventToolUseStart, EventToolResult, EventToolUseEnd, EventTextDelta, EventTurnComplete}
	if fmt.Sprint(types) != fmt.Sprint(want) {
		t.Errorf("event order = %v, want %v", types, want)
	}
	if final == nil || final.Text != "맑음" || final.ToolRounds != 1 {
		t.Errorf("final = %+v", final)
	}
}

func TestRunTurnStreamFallback(t *testing.T) {
	provider := &scriptedProvider{responses: []*llm.Response{textResponse("hi", 5, 1)}}
	eng := newTestEngine(t, provider, &fakeRegistry{}, Config{})

	var events []StreamEvent
	for ev := range eng.RunTurnStream(context.Background(), []llm.Message{llm.UserText("hello")}, "alice") {
		events = append(events, ev)
	}
	if len(events) != 1 || events[0].Type != EventTurnComplete {
		t.Fatalf("fallback events = %+v", events)
	}
	if events[0].Result.Text != "hi" {
		t.Errorf("fallback result = %+v", events[0].Result)
	}
}
