// Package engine implements the conversation turn loop: LLM round → tool
// dispatch → loop, bounded by a maximum number of tool rounds, with cost
// and usage accounting on every round.
package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/haasonsaas/flux/internal/llm"
	"github.com/haasonsaas/flux/internal/observability"
	"github.com/haasonsaas/flux/internal/retry"
	"github.com/haasonsaas/flux/internal/tools"
	"github.com/haasonsaas/flux/internal/usage"
)

// ToolInvoker is the registry surface the engine needs. tools.Registry
// satisfies it.
type ToolInvoker interface {
	Has(name string) bool
	Schemas() []llm.ToolSchema
	Invoke(ctx context.Context, name string, inputs map[string]any) string
}

// Observer receives tool lifecycle callbacks during a turn. All methods are
// called from the turn's own goroutine.
type Observer interface {
	OnToolStart(name string, inputs map[string]any)
	OnToolEnd(name string, result string)
}

// NopObserver ignores every callback.
type NopObserver struct{}

func (NopObserver) OnToolStart(string, map[string]any) {}
func (NopObserver) OnToolEnd(string, string)           {}

// Protocol strings surfaced to the LLM as tool_result content. The Korean
// text is conversation-visible and must stay byte-exact.
const (
	restrictedToolFormat = "Error: '%s'은(는) 제한된 도구입니다."
	unknownToolFormat    = "Error: '%s'은(는) 알 수 없는 도구입니다."
	truncatedToolResult  = "Error: 응답이 잘려 도구를 실행하지 못했습니다."
	roundsExceededFormat = "도구 호출이 %d회를 초과하여 중단되었습니다."
)

// Config configures an Engine.
type Config struct {
	// MaxToolRounds bounds LLM↔tool alternations per turn. Default: 10.
	MaxToolRounds int
	// MaxHistory trims the message list before the first LLM call.
	// Default: 40.
	MaxHistory int
	// MaxTokens per LLM response. Default: 4096.
	MaxTokens int
	// SystemPrompt is sent with every LLM call.
	SystemPrompt string
	// Restricted tool names are rejected at call time without invocation.
	Restricted []string
	// Retry wraps every LLM call.
	Retry retry.Config
}

// TurnResult summarises one completed conversation turn.
type TurnResult struct {
	Text         string  `json:"text"`
	ToolRounds   int     `json:"tool_rounds"`
	InputTokens  int     `json:"input_tokens"`
	OutputTokens int     `json:"output_tokens"`
	CostUSD      float64 `json:"cost_usd"`
	StopReason   string  `json:"stop_reason"`
	// Error is set when the turn ended abnormally, e.g. tool round
	// exhaustion. The turn still produced the accounting above.
	Error string `json:"error,omitempty"`
}

// Engine drives conversation turns. It holds no per-request mutable state;
// independent turns may run concurrently.
type Engine struct {
	provider   llm.Provider
	registry   ToolInvoker
	cost       *llm.CostTracker
	usage      *usage.Store
	metrics    *observability.Metrics
	logger     *observability.Logger
	observer   Observer
	cfg        Config
	restricted map[string]bool
}

// New creates an Engine. Provider and registry are required; everything
// else has working defaults.
func New(provider llm.Provider, registry ToolInvoker, cost *llm.CostTracker, usageStore *usage.Store, metrics *observability.Metrics, logger *observability.Logger, cfg Config) *Engine {
	if cfg.MaxToolRounds <= 0 {
		cfg.MaxToolRounds = 10
	}
	if cfg.MaxHistory <= 0 {
		cfg.MaxHistory = 40
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 4096
	}
	if cfg.Retry.MaxRetries == 0 && cfg.Retry.BaseDelay == 0 {
		cfg.Retry = retry.DefaultConfig()
	}
	if logger == nil {
		logger = observability.NewNopLogger()
	}
	restricted := make(map[string]bool, len(cfg.Restricted))
	for _, name := range cfg.Restricted {
		restricted[name] = true
	}
	return &Engine{
		provider:   provider,
		registry:   registry,
		cost:       cost,
		usage:      usageStore,
		metrics:    metrics,
		logger:     logger,
		observer:   NopObserver{},
		cfg:        cfg,
		restricted: restricted,
	}
}

// SetObserver installs tool lifecycle callbacks. Must be called before the
// first turn.
func (e *Engine) SetObserver(obs Observer) {
	if obs != nil {
		e.observer = obs
	}
}

// schemas returns the registered tool schemas minus restricted ones; the
// model never sees a tool it is not allowed to call.
func (e *Engine) schemas() []llm.ToolSchema {
	all := e.registry.Schemas()
	visible := make([]llm.ToolSchema, 0, len(all))
	for _, s := range all {
		if !e.restricted[s.Name] {
			visible = append(visible, s)
		}
	}
	return visible
}

// trimHistory keeps the most recent max entries, then discards leading
// non-user messages so the list always opens with a user turn.
func trimHistory(messages []llm.Message, max int) []llm.Message {
	if len(messages) > max {
		messages = messages[len(messages)-max:]
	}
	for len(messages) > 0 && messages[0].Role != "user" {
		messages = messages[1:]
	}
	return messages
}

// RunTurn executes one conversation turn synchronously. The returned
// message list extends the input with the assistant and tool_result
// messages produced during the turn.
func (e *Engine) RunTurn(ctx context.Context, messages []llm.Message, userID string) ([]llm.Message, *TurnResult, error) {
	return e.run(ctx, messages, userID, nil)
}

// run is the shared loop. When emit is non-nil, per-invocation tool events
// are forwarded to it (the streaming path).
func (e *Engine) run(ctx context.Context, messages []llm.Message, userID string, emit func(StreamEvent)) ([]llm.Message, *TurnResult, error) {
	messages = trimHistory(messages, e.cfg.MaxHistory)
	schemas := e.schemas()
	result := &TurnResult{}

	for round := 0; round < e.cfg.MaxToolRounds; round++ {
		resp, err := e.callLLM(ctx, messages, schemas, emit)
		if err != nil {
			return messages, nil, err
		}
		e.account(ctx, userID, resp, result)
		result.StopReason = resp.StopReason

		if resp.StopReason == llm.StopMaxTokens {
			// A truncated response that asked for tools must still get
			// tool_results, or the next round is conversationally broken.
			messages = append(messages, llm.AssistantBlocks(resp.Content))
			uses := resp.ToolUses()
			if len(uses) == 0 {
				result.Text = resp.TextContent()
				return messages, result, nil
			}
			results := make([]llm.ContentBlock, 0, len(uses))
			for _, tu := range uses {
				results = append(results, llm.ToolResultBlock(tu.ID, truncatedToolResult, true))
			}
			messages = append(messages, llm.ToolResultsMessage(results))
			result.ToolRounds = round + 1
			continue
		}

		uses := resp.ToolUses()
		if len(uses) == 0 {
			messages = append(messages, llm.AssistantBlocks(resp.Content))
			result.Text = resp.TextContent()
			e.observeRounds(result.ToolRounds)
			return messages, result, nil
		}

		messages = append(messages, llm.AssistantBlocks(resp.Content))
		results := make([]llm.ContentBlock, 0, len(uses))
		for _, tu := range uses {
			results = append(results, e.dispatch(ctx, tu, emit))
		}
		messages = append(messages, llm.ToolResultsMessage(results))
		result.ToolRounds = round + 1
	}

	result.Error = fmt.Sprintf(roundsExceededFormat, e.cfg.MaxToolRounds)
	e.logger.Warn(ctx, "tool rounds exhausted", "rounds", e.cfg.MaxToolRounds, "user_id", userID)
	e.observeRounds(result.ToolRounds)
	return messages, result, nil
}

// dispatch resolves one tool_use block into its tool_result.
func (e *Engine) dispatch(ctx context.Context, tu llm.ContentBlock, emit func(StreamEvent)) llm.ContentBlock {
	if e.restricted[tu.Name] {
		e.logger.Warn(ctx, "restricted tool requested", "tool", tu.Name)
		e.countTool(tu.Name, "error")
		return llm.ToolResultBlock(tu.ID, fmt.Sprintf(restrictedToolFormat, tu.Name), true)
	}
	if !e.registry.Has(tu.Name) {
		e.countTool(tu.Name, "error")
		return llm.ToolResultBlock(tu.ID, fmt.Sprintf(unknownToolFormat, tu.Name), true)
	}

	e.observer.OnToolStart(tu.Name, tu.Input)
	if emit != nil {
		emit(StreamEvent{Type: EventToolUseStart, ToolID: tu.ID, ToolName: tu.Name})
	}

	start := time.Now()
	output := e.registry.Invoke(ctx, tu.Name, tu.Input)
	isErr := isToolError(output)

	if e.metrics != nil {
		e.metrics.ToolExecutionDuration.WithLabelValues(tu.Name).Observe(time.Since(start).Seconds())
	}
	e.countTool(tu.Name, toolStatus(output))

	e.observer.OnToolEnd(tu.Name, output)
	if emit != nil {
		emit(StreamEvent{Type: EventToolResult, ToolID: tu.ID, ToolName: tu.Name, Content: output})
		emit(StreamEvent{Type: EventToolUseEnd, ToolID: tu.ID, ToolName: tu.Name})
	}
	return llm.ToolResultBlock(tu.ID, output, isErr)
}

// callLLM performs one retry-wrapped provider call.
func (e *Engine) callLLM(ctx context.Context, messages []llm.Message, schemas []llm.ToolSchema, emit func(StreamEvent)) (*llm.Response, error) {
	req := llm.Request{
		Messages:  messages,
		System:    e.cfg.SystemPrompt,
		Tools:     schemas,
		MaxTokens: e.cfg.MaxTokens,
	}

	start := time.Now()
	resp, err := retry.DoWithValue(ctx, e.cfg.Retry, func() (*llm.Response, error) {
		if emit != nil {
			return e.streamOnce(ctx, req, emit)
		}
		return e.provider.CreateMessage(ctx, req)
	})
	if e.metrics != nil {
		e.metrics.LLMRequestDuration.WithLabelValues(providerLabel(e.provider), e.provider.Model()).Observe(time.Since(start).Seconds())
		status := "success"
		if err != nil {
			status = "error"
		}
		e.metrics.LLMRequestCounter.WithLabelValues(providerLabel(e.provider), e.provider.Model(), status).Inc()
	}
	if err != nil {
		return nil, fmt.Errorf("engine: LLM call: %w", err)
	}
	return resp, nil
}

// streamOnce consumes one streaming call, forwarding text deltas to emit
// and returning the assembled response from content_complete.
func (e *Engine) streamOnce(ctx context.Context, req llm.Request, emit func(StreamEvent)) (*llm.Response, error) {
	events, err := e.provider.CreateMessageStream(ctx, req)
	if err != nil {
		return nil, err
	}
	var resp *llm.Response
	for event := range events {
		switch event.Type {
		case llm.EventTextDelta:
			emit(StreamEvent{Type: EventTextDelta, Text: event.Text})
		case llm.EventToolUseStart, llm.EventToolUseDelta, llm.EventToolUseEnd:
			// The engine re-emits tool events around actual invocation; the
			// raw provider events only describe the model's request.
		case llm.EventContentComplete:
			resp = event.Response
		case llm.EventError:
			return nil, event.Err
		}
	}
	if resp == nil {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("engine: stream ended without content_complete")
	}
	return resp, nil
}

// account records cost and usage for one LLM round.
func (e *Engine) account(ctx context.Context, userID string, resp *llm.Response, result *TurnResult) {
	var costUSD float64
	if e.cost != nil {
		costUSD = e.cost.Record(resp.Model, resp.Usage)
	}
	result.InputTokens += resp.Usage.InputTokens
	result.OutputTokens += resp.Usage.OutputTokens
	result.CostUSD += costUSD

	if e.metrics != nil {
		e.metrics.LLMTokensUsed.WithLabelValues(providerLabel(e.provider), resp.Model, "input").Add(float64(resp.Usage.InputTokens))
		e.metrics.LLMTokensUsed.WithLabelValues(providerLabel(e.provider), resp.Model, "output").Add(float64(resp.Usage.OutputTokens))
	}
	if e.usage != nil {
		if err := e.usage.Record(userID, resp.Usage.InputTokens, resp.Usage.OutputTokens, costUSD); err != nil {
			e.logger.Warn(ctx, "usage record failed", "user_id", userID, "error", err.Error())
		}
	}
}

func (e *Engine) observeRounds(rounds int) {
	if e.metrics != nil {
		e.metrics.TurnRounds.Observe(float64(rounds))
	}
}

func (e *Engine) countTool(name, status string) {
	if e.metrics != nil {
		e.metrics.ToolExecutionCounter.WithLabelValues(name, status).Inc()
	}
}

func isToolError(output string) bool {
	return output == tools.ErrToolTimeout || output == tools.ErrToolFailure
}

func toolStatus(output string) string {
	switch output {
	case tools.ErrToolTimeout:
		return "timeout"
	case tools.ErrToolFailure:
		return "error"
	default:
		return "success"
	}
}

type namedProvider interface{ Name() string }

func providerLabel(p llm.Provider) string {
	if np, ok := p.(namedProvider); ok {
		return np.Name()
	}
	return "llm"
}
