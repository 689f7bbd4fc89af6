package server

import (
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"github.com/dvcrn/dify-proxy/internal/codec"
	"github.com/dvcrn/dify-proxy/internal/config"
	"github.com/dvcrn/dify-proxy/internal/dify"
)

// Framing used when a system prompt has to travel inside the query. Dify
// apps built for this proxy are prompted with these exact markers.
const (
	systemFraming  = "系统指令: %s\n\n用户问题: %s"
	historyFraming = "<history>\n%s\n</history>\n\n用户当前问题: %s"
)

// RequestTranslator builds Dify chat requests from OpenAI chat requests.
type RequestTranslator struct {
	mode        config.MemoryMode
	defaultUser string
	logger      zerolog.Logger
}

func NewRequestTranslator(mode config.MemoryMode, defaultUser string, logger zerolog.Logger) *RequestTranslator {
	return &RequestTranslator{mode: mode, defaultUser: defaultUser, logger: logger}
}

// Translate never fails: missing fields become empty text.
func (t *RequestTranslator) Translate(req *ChatCompletionRequest) dify.ChatRequest {
	user := req.User
	if user == "" {
		user = t.defaultUser
	}

	out := dify.ChatRequest{
		Inputs:       map[string]interface{}{},
		ResponseMode: dify.ResponseModeBlocking,
		User:         user,
	}
	if req.Stream {
		out.ResponseMode = dify.ResponseModeStreaming
	}

	systemContent := firstSystemContent(req.Messages)
	if systemContent != "" {
		t.logger.Info().Str("system", preview(systemContent, 100)).Msg("Found system message")
	}

	if t.mode == config.MemoryInvisible {
		out.ConversationID = recoverConversationID(req.Messages)
		out.Query = liveQuery(req.Messages)
		if systemContent != "" && out.ConversationID == "" {
			out.Query = fmt.Sprintf(systemFraming, systemContent, out.Query)
			t.logger.Debug().Msg("First turn, system prompt prefixed to query")
		}
		return out
	}

	out.Query = t.historyQuery(req.Messages, systemContent)
	return out
}

func (t *RequestTranslator) historyQuery(messages []ChatMessage, systemContent string) string {
	query := liveQuery(messages)
	if len(messages) <= 1 {
		if systemContent != "" {
			return fmt.Sprintf(systemFraming, systemContent, query)
		}
		return query
	}

	var lines []string
	systemInHistory := false
	for _, m := range messages[:len(messages)-1] {
		if m.Role == "" || m.Content == "" {
			continue
		}
		if m.Role == "system" {
			systemInHistory = true
		}
		lines = append(lines, m.Role+": "+string(m.Content))
	}
	if systemContent != "" && !systemInHistory {
		lines = append([]string{"system: " + systemContent}, lines...)
	}
	if len(lines) == 0 {
		return query
	}
	return fmt.Sprintf(historyFraming, strings.Join(lines, "\n\n"), query)
}

func firstSystemContent(messages []ChatMessage) string {
	for _, m := range messages {
		if m.Role == "system" {
			return string(m.Content)
		}
	}
	return ""
}

// liveQuery is the last message, unless that message is a system prompt.
func liveQuery(messages []ChatMessage) string {
	if len(messages) == 0 {
		return ""
	}
	last := messages[len(messages)-1]
	if last.Role == "system" {
		return ""
	}
	return string(last.Content)
}

// recoverConversationID scans prior assistant replies newest first for an
// embedded conversation token.
func recoverConversationID(messages []ChatMessage) string {
	if len(messages) <= 1 {
		return ""
	}
	for i := len(messages) - 2; i >= 0; i-- {
		if messages[i].Role != "assistant" {
			continue
		}
		if id, ok := codec.Decode(string(messages[i].Content)); ok && id != "" {
			return id
		}
	}
	return ""
}

// historyHasToken reports whether any assistant turn Dify echoed back
// already carries a conversation token.
func historyHasToken(history []dify.HistoryMessage) bool {
	for _, m := range history {
		if m.Role != "assistant" {
			continue
		}
		if id, ok := codec.Decode(m.Content); ok && id != "" {
			return true
		}
	}
	return false
}

func preview(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}
