package llm

import (
	"encoding/json"
	"testing"

	"github.com/haasonsaas/flux/internal/observability"
)

func TestMessageContentRoundTrip(t *testing.T) {
	plain := UserText("hello")
	data, err := json.Marshal(plain)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if string(data) != `{"role":"user","content":"hello"}` {
		t.Errorf("plain content serialized as %s", data)
	}

	var back Message
	if err := json.Unmarshal(data, &back); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if !back.Content.IsText() || back.Content.Plain != "hello" {
		t.Errorf("round-trip lost plain content: %+v", back.Content)
	}

	blocks := AssistantBlocks([]ContentBlock{
		TextBlock("checking"),
		ToolUseBlock("toolu_1", "calc", map[string]any{"expr": "1+1"}),
	})
	data, err = json.Marshal(blocks)
	if err != nil {
		t.Fatalf("marshal blocks: %v", err)
	}
	var back2 Message
	if err := json.Unmarshal(data, &back2); err != nil {
		t.Fatalf("unmarshal blocks: %v", err)
	}
	if back2.Content.IsText() {
		t.Fatal("block content decoded as plain string")
	}
	got := back2.Content.AsBlocks()
	if len(got) != 2 || got[0].Type != BlockText || got[1].Type != BlockToolUse {
		t.Errorf("blocks round-trip = %+v", got)
	}
	if got[1].ID != "toolu_1" || got[1].Name != "calc" {
		t.Errorf("tool_use block lost identity: %+v", got[1])
	}
}

func TestResponseHelpers(t *testing.T) {
	resp := &Response{
		Content: []ContentBlock{
			TextBlock("Let me "),
			ToolUseBlock("toolu_1", "weather", map[string]any{"city": "Seoul"}),
			TextBlock("check."),
		},
		StopReason: StopToolUse,
	}
	if got := resp.TextContent(); got != "Let me check." {
		t.Errorf("TextContent() = %q", got)
	}
	uses := resp.ToolUses()
	if len(uses) != 1 || uses[0].Name != "weather" {
		t.Errorf("ToolUses() = %+v", uses)
	}
}

func TestCostTrackerLookup(t *testing.T) {
	tracker := NewCostTracker(observability.NewNopLogger(), nil)
	usage := Usage{InputTokens: 1_000_000, OutputTokens: 1_000_000}

	tests := []struct {
		model string
		want  float64
	}{
		{"gpt-4o", 12.5},
		{"claude-sonnet-4-20250514", 18.0},  // substring match on claude-sonnet-4
		{"claude-3-5-haiku-20241022", 4.8},  // versioned ID
		{"Claude-Sonnet-4-20250514", 18.0},  // substring pass ignores case
		{"totally-unknown-model", 0},
	}
	for _, tt := range tests {
		if got := tracker.Cost(tt.model, usage); got != tt.want {
			t.Errorf("Cost(%q) = %v, want %v", tt.model, got, tt.want)
		}
	}
}

func TestCostTrackerSubstringPrefersLongestKey(t *testing.T) {
	tracker := NewCostTracker(observability.NewNopLogger(), nil)
	usage := Usage{InputTokens: 1_000_000}

	// gpt-4o-mini contains both "gpt-4o" and "gpt-4o-mini"; the longer key
	// must win.
	if got := tracker.Cost("gpt-4o-mini-2024-07-18", usage); got != 0.15 {
		t.Errorf("Cost(gpt-4o-mini...) = %v, want 0.15", got)
	}
}

func TestCostTrackerRecordAccumulates(t *testing.T) {
	tracker := NewCostTracker(observability.NewNopLogger(), map[string]Pricing{
		"test-model": {InputPerMTok: 1, OutputPerMTok: 2},
	})

	tracker.Record("test-model", Usage{InputTokens: 500_000, OutputTokens: 250_000})
	tracker.Record("test-model", Usage{InputTokens: 500_000})

	if got := tracker.TotalUSD(); got != 1.5 {
		t.Errorf("TotalUSD() = %v, want 1.5", got)
	}
	byModel := tracker.ByModel()
	mc, ok := byModel["test-model"]
	if !ok {
		t.Fatal("model missing from ByModel()")
	}
	if mc.Calls != 2 || mc.InputTokens != 1_000_000 || mc.OutputTokens != 250_000 {
		t.Errorf("ByModel()[test-model] = %+v", mc)
	}
}

func TestOpenAIMessageConversion(t *testing.T) {
	p := &OpenAIProvider{model: "gpt-4o"}

	msgs, err := p.convertMessages([]Message{
		UserText("what is the weather"),
		AssistantBlocks([]ContentBlock{
			ToolUseBlock("call_1", "weather", map[string]any{"city": "Seoul"}),
		}),
		ToolResultsMessage([]ContentBlock{
			ToolResultBlock("call_1", "sunny", false),
		}),
	}, "be brief")
	if err != nil {
		t.Fatalf("convertMessages: %v", err)
	}

	// system + user + assistant(tool_calls) + tool
	if len(msgs) != 4 {
		t.Fatalf("got %d messages, want 4: %+v", len(msgs), msgs)
	}
	if msgs[0].Role != "system" || msgs[0].Content != "be brief" {
		t.Errorf("system message = %+v", msgs[0])
	}
	if len(msgs[2].ToolCalls) != 1 || msgs[2].ToolCalls[0].Function.Name != "weather" {
		t.Errorf("assistant tool_calls = %+v", msgs[2].ToolCalls)
	}
	if msgs[3].Role != "tool" || msgs[3].ToolCallID != "call_1" {
		t.Errorf("tool result message = %+v", msgs[3])
	}
}
