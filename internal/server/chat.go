package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/haasonsaas/flux/internal/auth"
	"github.com/haasonsaas/flux/internal/engine"
	"github.com/haasonsaas/flux/internal/llm"
	"github.com/haasonsaas/flux/internal/observability"
	"github.com/haasonsaas/flux/internal/store"
	"github.com/haasonsaas/flux/internal/usage"
	"github.com/haasonsaas/flux/internal/webhooks"
)

type chatRequest struct {
	Message        string `json:"message"`
	ConversationID string `json:"conversation_id,omitempty"`
}

type usagePayload struct {
	InputTokens  int     `json:"input_tokens"`
	OutputTokens int     `json:"output_tokens"`
	CostUSD      float64 `json:"cost_usd"`
}

type chatResponse struct {
	Response       string       `json:"response"`
	ConversationID string       `json:"conversation_id"`
	Usage          usagePayload `json:"usage"`
	Error          string       `json:"error,omitempty"`
}

// handleChat runs one synchronous conversation turn.
func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.jsonError(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	uc := userFrom(r.Context())

	var req chatRequest
	if err := decodeJSON(r, &req); err != nil || req.Message == "" {
		s.jsonError(w, "message is required", http.StatusBadRequest)
		return
	}
	if status, msg := s.checkDailyLimit(uc); status != 0 {
		s.jsonError(w, msg, status)
		return
	}

	convID, msgs, err := s.prepareTurn(r, uc.UserID, req)
	if err != nil {
		s.jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	ctx := observability.WithConversationID(r.Context(), convID)

	returned, result, err := s.cfg.Engine.RunTurn(ctx, msgs, uc.UserID)
	if err != nil {
		s.cfg.Logger.Error(ctx, "turn failed", "error", err.Error())
		s.dispatch(ctx, webhooks.EventChatError, map[string]any{
			"conversation_id": convID,
			"user_id":         uc.UserID,
			"error":           err.Error(),
		})
		s.jsonError(w, "conversation turn failed", http.StatusInternalServerError)
		return
	}

	s.persistTurn(ctx, convID, returned[len(msgs):])
	s.dispatchCompleted(ctx, convID, uc.UserID, result)

	s.writeJSON(w, http.StatusOK, chatResponse{
		Response:       result.Text,
		ConversationID: convID,
		Usage: usagePayload{
			InputTokens:  result.InputTokens,
			OutputTokens: result.OutputTokens,
			CostUSD:      result.CostUSD,
		},
		Error: result.Error,
	})
}

// handleChatStream runs one turn over SSE. Frames are always
// "data: <json>\n\n": text deltas, tool start/end markers, then a final
// done frame carrying usage and the conversation ID.
func (s *Server) handleChatStream(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.jsonError(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	uc := userFrom(r.Context())

	var req chatRequest
	if err := decodeJSON(r, &req); err != nil || req.Message == "" {
		s.jsonError(w, "message is required", http.StatusBadRequest)
		return
	}
	if status, msg := s.checkDailyLimit(uc); status != 0 {
		s.jsonError(w, msg, status)
		return
	}

	convID, msgs, err := s.prepareTurn(r, uc.UserID, req)
	if err != nil {
		s.jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	ctx := observability.WithConversationID(r.Context(), convID)

	flusher, ok := w.(http.Flusher)
	if !ok {
		s.jsonError(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	frame := func(v any) {
		raw, err := json.Marshal(v)
		if err != nil {
			return
		}
		fmt.Fprintf(w, "data: %s\n\n", raw)
		flusher.Flush()
	}

	for ev := range s.cfg.Engine.RunTurnStream(ctx, msgs, uc.UserID) {
		switch ev.Type {
		case engine.EventTextDelta:
			frame(map[string]string{"type": "data", "text": ev.Text})
		case engine.EventToolUseStart:
			frame(map[string]string{"type": "tool_start", "tool": ev.ToolName})
		case engine.EventToolUseEnd:
			frame(map[string]string{"type": "tool_end", "tool": ev.ToolName})
		case engine.EventError:
			s.cfg.Logger.Error(ctx, "stream turn failed", "error", ev.Err.Error())
			s.dispatch(ctx, webhooks.EventChatError, map[string]any{
				"conversation_id": convID,
				"user_id":         uc.UserID,
				"error":           ev.Err.Error(),
			})
			frame(map[string]string{"type": "error", "message": ev.Err.Error()})
		case engine.EventTurnComplete:
			s.persistTurn(ctx, convID, ev.Messages[len(msgs):])
			s.dispatchCompleted(ctx, convID, uc.UserID, ev.Result)
			done := map[string]any{
				"usage": usagePayload{
					InputTokens:  ev.Result.InputTokens,
					OutputTokens: ev.Result.OutputTokens,
					CostUSD:      ev.Result.CostUSD,
				},
				"conversation_id": convID,
			}
			if ev.Result.Error != "" {
				done["error"] = ev.Result.Error
			}
			frame(done)
		}
	}
}

// checkDailyLimit maps a usage cap violation to 429. The user's own
// max_daily_calls takes precedence over the store-wide limit. Returns
// (0, "") when the request may proceed.
func (s *Server) checkDailyLimit(uc *auth.UserContext) (int, string) {
	if s.cfg.Usage == nil {
		return 0, ""
	}
	if err := s.cfg.Usage.CheckDailyLimit(uc.UserID, uc.MaxDailyCalls); err != nil {
		if errors.Is(err, usage.ErrLimitExceeded) {
			return http.StatusTooManyRequests, err.Error()
		}
		return http.StatusInternalServerError, "usage check failed"
	}
	return 0, ""
}

// prepareTurn resolves the conversation, loads trimmed history, appends and
// persists the user message, and returns the message list for the engine.
// The history is trimmed here so the appended turn messages are exactly the
// suffix of what the engine returns.
func (s *Server) prepareTurn(r *http.Request, userID string, req chatRequest) (string, []llm.Message, error) {
	ctx := r.Context()

	convID := req.ConversationID
	if convID == "" {
		conv, err := s.cfg.Store.CreateConversation(ctx, "", "api", userID, nil)
		if err != nil {
			return "", nil, err
		}
		convID = conv.ID
	} else if _, err := s.cfg.Store.GetConversation(ctx, convID); err != nil {
		if !errors.Is(err, store.ErrConversationNotFound) {
			return "", nil, err
		}
		if _, err := s.cfg.Store.CreateConversation(ctx, convID, "api", userID, nil); err != nil {
			return "", nil, err
		}
	}

	history, err := s.cfg.Store.History(ctx, convID, s.cfg.MaxHistory-1)
	if err != nil {
		return "", nil, err
	}
	for len(history) > 0 && history[0].Role != "user" {
		history = history[1:]
	}

	userMsg := llm.UserText(req.Message)
	if _, err := s.cfg.Store.AddMessage(ctx, convID, userMsg, 0); err != nil {
		return "", nil, err
	}
	return convID, append(history, userMsg), nil
}

// persistTurn stores the messages the engine appended during the turn:
// assistant blocks and tool_result messages alike, so the next turn's
// history replays the full exchange.
func (s *Server) persistTurn(ctx context.Context, convID string, appended []llm.Message) {
	for _, msg := range appended {
		if _, err := s.cfg.Store.AddMessage(ctx, convID, msg, 0); err != nil {
			s.cfg.Logger.Warn(ctx, "message persist failed", "error", err.Error())
			return
		}
	}
}

// dispatch fires a webhook event when a dispatcher is configured.
func (s *Server) dispatch(ctx context.Context, eventType string, payload map[string]any) {
	if s.cfg.Dispatcher == nil {
		return
	}
	if err := s.cfg.Dispatcher.Dispatch(ctx, eventType, payload); err != nil {
		s.cfg.Logger.Warn(ctx, "webhook dispatch failed", "event", eventType, "error", err.Error())
	}
}

func (s *Server) dispatchCompleted(ctx context.Context, convID, userID string, result *engine.TurnResult) {
	s.dispatch(ctx, webhooks.EventChatCompleted, map[string]any{
		"conversation_id": convID,
		"user_id":         userID,
		"input_tokens":    result.InputTokens,
		"output_tokens":   result.OutputTokens,
		"cost_usd":        result.CostUSD,
		"tool_rounds":     result.ToolRounds,
	})
}
