package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/dvcrn/dify-proxy/internal/codec"
	"github.com/dvcrn/dify-proxy/internal/config"
	"github.com/dvcrn/dify-proxy/internal/dify"
	"github.com/dvcrn/dify-proxy/internal/metrics"
)

const maxRequestBody = 16 << 20

func (s *Server) chatCompletionsHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBody))
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to read request body")
		s.writeError(w, http.StatusBadRequest, errTypeInvalidRequest, nil, "Invalid request format")
		return
	}

	var req ChatCompletionRequest
	if err := json.Unmarshal(body, &req); err != nil {
		s.logger.Warn().Err(err).Msg("Failed to parse chat completion request")
		s.writeError(w, http.StatusBadRequest, errTypeInvalidRequest, nil, "Invalid request format")
		return
	}

	apiKey, ok := s.registry.Lookup(req.Model)
	if !ok {
		msg := s.unknownModelMessage(req.Model)
		s.logger.Error().Str("model", req.Model).Msg(msg)
		s.writeError(w, http.StatusNotFound, errTypeInvalidRequest, "model_not_found", msg)
		return
	}

	if len(req.OtherParams) > 0 {
		ignored := make([]string, 0, len(req.OtherParams))
		for k := range req.OtherParams {
			ignored = append(ignored, k)
		}
		s.logger.Debug().Strs("params", ignored).Msg("Ignoring unsupported request parameters")
	}

	upstreamReq := s.translator.Translate(&req)
	s.logger.Info().
		Str("model", req.Model).
		Bool("stream", req.Stream).
		Int("messages", len(req.Messages)).
		Str("memory_mode", s.opts.MemoryMode.String()).
		Bool("has_conversation_id", upstreamReq.ConversationID != "").
		Msg("Forwarding chat request to Dify")

	if req.Stream {
		s.streamChat(w, r, req.Model, apiKey, upstreamReq)
		return
	}
	s.blockingChat(w, r, req.Model, apiKey, upstreamReq)
}

func (s *Server) blockingChat(w http.ResponseWriter, r *http.Request, model, apiKey string, req dify.ChatRequest) {
	start := time.Now()
	resp, err := s.upstream.ChatMessagesBlocking(r.Context(), apiKey, req)
	metrics.UpstreamLatency.WithLabelValues(model, string(req.ResponseMode)).Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.UpstreamRequestsTotal.WithLabelValues(model, string(req.ResponseMode), "error").Inc()
		s.writeUpstreamError(w, r, err)
		return
	}
	metrics.UpstreamRequestsTotal.WithLabelValues(model, string(req.ResponseMode), "ok").Inc()

	out := s.assembleCompletion(resp, model)
	if resp.ConversationID != "" {
		w.Header().Set("Conversation-Id", resp.ConversationID)
	}
	s.writeJSON(w, http.StatusOK, out)
}

func (s *Server) writeUpstreamError(w http.ResponseWriter, r *http.Request, err error) {
	var statusErr *dify.StatusError
	if errors.As(err, &statusErr) {
		msg := "Dify API error: " + statusErr.Body
		s.logger.Error().Int("status", statusErr.StatusCode).Msg(msg)
		s.writeError(w, statusErr.StatusCode, errTypeAPI, statusErr.StatusCode, msg)
		return
	}
	if errors.Is(err, context.Canceled) && r.Context().Err() != nil {
		s.logger.Info().Msg("Client disconnected before upstream responded")
		return
	}
	msg := "Failed to connect to Dify: " + err.Error()
	s.logger.Error().Err(err).Msg("Upstream request failed")
	s.writeError(w, http.StatusServiceUnavailable, errTypeAPI, "connection_error", msg)
}

// assembleCompletion builds the non-streaming response. Agent apps that
// report no answer fall back to their last non-empty thought.
func (s *Server) assembleCompletion(resp *dify.ChatResponse, model string) ChatCompletionResponse {
	answer := ""
	if resp.Answer != nil {
		answer = *resp.Answer
	} else {
		for _, th := range resp.AgentThoughts {
			if th.Thought != "" {
				answer = th.Thought
			}
		}
	}

	if s.shouldInjectToken(resp.ConversationID, resp.ConversationHistory) {
		answer += codec.Encode(resp.ConversationID)
		metrics.TokensInjectedTotal.WithLabelValues("blocking").Inc()
		s.logger.Debug().Str("conversation_id", resp.ConversationID).Msg("Appended conversation token")
	}

	id := resp.MessageID
	if id == "" {
		id = newCompletionID()
	}
	created := resp.CreatedAt
	if created == 0 {
		created = s.now().Unix()
	}

	return ChatCompletionResponse{
		ID:      id,
		Object:  "chat.completion",
		Created: created,
		Model:   model,
		Choices: []ChatCompletionChoice{{
			Index:        0,
			Message:      ResponseMessage{Role: "assistant", Content: answer},
			FinishReason: "stop",
		}},
	}
}

// shouldInjectToken is true only in invisible memory mode, for a known
// conversation whose echoed history does not already carry a token.
func (s *Server) shouldInjectToken(conversationID string, history []dify.HistoryMessage) bool {
	if s.opts.MemoryMode != config.MemoryInvisible || conversationID == "" {
		return false
	}
	return !historyHasToken(history)
}

func newCompletionID() string {
	return "chatcmpl-" + uuid.NewString()
}
