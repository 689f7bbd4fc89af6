package server

import (
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dvcrn/dify-proxy/internal/codec"
	"github.com/dvcrn/dify-proxy/internal/config"
	"github.com/dvcrn/dify-proxy/internal/dify"
)

func msgs(pairs ...string) []ChatMessage {
	out := make([]ChatMessage, 0, len(pairs)/2)
	for i := 0; i+1 < len(pairs); i += 2 {
		out = append(out, ChatMessage{Role: pairs[i], Content: MessageContent(pairs[i+1])})
	}
	return out
}

func TestTranslateHistoryMode(t *testing.T) {
	tr := NewRequestTranslator(config.MemoryHistory, "default_user", zerolog.Nop())

	t.Run("system prompt appears once and order is kept", func(t *testing.T) {
		req := &ChatCompletionRequest{Messages: msgs(
			"system", "be terse",
			"user", "hi",
			"assistant", "hello",
			"user", "what now",
		)}
		out := tr.Translate(req)

		assert.Equal(t, 1, strings.Count(out.Query, "system: "))
		iSys := strings.Index(out.Query, "system: be terse")
		iUser := strings.Index(out.Query, "user: hi")
		iAsst := strings.Index(out.Query, "assistant: hello")
		require.True(t, iSys >= 0 && iUser >= 0 && iAsst >= 0, out.Query)
		assert.Less(t, iSys, iUser)
		assert.Less(t, iUser, iAsst)
		assert.True(t, strings.HasPrefix(out.Query, "<history>\n"))
		assert.True(t, strings.HasSuffix(out.Query, "用户当前问题: what now"))
		assert.Empty(t, out.ConversationID)
	})

	t.Run("system prompt outside history is prepended", func(t *testing.T) {
		req := &ChatCompletionRequest{Messages: []ChatMessage{
			{Role: "user", Content: "hi"},
			{Role: "assistant", Content: "hello"},
			{Role: "system", Content: "be terse"},
		}}
		out := tr.Translate(req)
		// the trailing system message is not a live query
		assert.True(t, strings.HasSuffix(out.Query, "用户当前问题: "))
		assert.Contains(t, out.Query, "<history>\nsystem: be terse\n\nuser: hi\n\nassistant: hello\n</history>")
	})

	t.Run("first turn with system uses instruction framing", func(t *testing.T) {
		out := tr.Translate(&ChatCompletionRequest{Messages: msgs("system", "be terse")})
		assert.Equal(t, "系统指令: be terse\n\n用户问题: ", out.Query)

		out = tr.Translate(&ChatCompletionRequest{Messages: msgs("user", "hi")})
		assert.Equal(t, "hi", out.Query)
	})

	t.Run("empty messages", func(t *testing.T) {
		out := tr.Translate(&ChatCompletionRequest{})
		assert.Equal(t, "", out.Query)
		assert.NotNil(t, out.Inputs)
		assert.Equal(t, dify.ResponseModeBlocking, out.ResponseMode)
		assert.Equal(t, "default_user", out.User)
	})
}

func TestTranslateInvisibleMode(t *testing.T) {
	tr := NewRequestTranslator(config.MemoryInvisible, "default_user", zerolog.Nop())

	t.Run("recovers conversation id and drops system prefix", func(t *testing.T) {
		req := &ChatCompletionRequest{
			Stream: true,
			User:   "alice",
			Messages: msgs(
				"system", "be terse",
				"user", "hi",
				"assistant", "hello"+codec.Encode("abc123"),
				"user", "again",
			),
		}
		out := tr.Translate(req)
		assert.Equal(t, "abc123", out.ConversationID)
		assert.Equal(t, "again", out.Query)
		assert.Equal(t, dify.ResponseModeStreaming, out.ResponseMode)
		assert.Equal(t, "alice", out.User)
	})

	t.Run("newest decodable assistant turn wins", func(t *testing.T) {
		req := &ChatCompletionRequest{Messages: msgs(
			"assistant", "old"+codec.Encode("first"),
			"user", "q",
			"assistant", "no token here",
			"assistant", "new"+codec.Encode("second"),
			"user", "q2",
		)}
		assert.Equal(t, "second", tr.Translate(req).ConversationID)
	})

	t.Run("first turn prefixes system prompt", func(t *testing.T) {
		out := tr.Translate(&ChatCompletionRequest{Messages: msgs("system", "be terse", "user", "hi")})
		assert.Empty(t, out.ConversationID)
		assert.Equal(t, "系统指令: be terse\n\n用户问题: hi", out.Query)

		out = tr.Translate(&ChatCompletionRequest{Messages: msgs("system", "be terse")})
		assert.Equal(t, "系统指令: be terse\n\n用户问题: ", out.Query)
	})

	t.Run("never embeds history", func(t *testing.T) {
		out := tr.Translate(&ChatCompletionRequest{Messages: msgs("user", "hi", "assistant", "hello", "user", "bye")})
		assert.Equal(t, "bye", out.Query)
		assert.NotContains(t, out.Query, "<history>")
	})
}

func TestMessageContentAcceptsParts(t *testing.T) {
	var req ChatCompletionRequest
	err := req.UnmarshalJSON([]byte(`{"model":"m","messages":[{"role":"user","content":[{"type":"text","text":"a"},{"type":"image_url","image_url":{}},{"type":"text","text":"b"}]}],"temperature":0.2}`))
	require.NoError(t, err)
	require.Len(t, req.Messages, 1)
	assert.Equal(t, MessageContent("ab"), req.Messages[0].Content)
	assert.Contains(t, req.OtherParams, "temperature")
}

func TestHistoryHasToken(t *testing.T) {
	assert.False(t, historyHasToken(nil))
	assert.False(t, historyHasToken([]dify.HistoryMessage{{Role: "user", Content: "x" + codec.Encode("s1")}}))
	assert.True(t, historyHasToken([]dify.HistoryMessage{{Role: "assistant", Content: "x" + codec.Encode("s1")}}))
}
