package dify

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChatMessagesSendsBody(t *testing.T) {
	var got map[string]interface{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/chat-messages", r.URL.Path)
		assert.Equal(t, "Bearer app-key", r.Header.Get("Authorization"))
		assert.Equal(t, "text/event-stream", r.Header.Get("Accept"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.Header().Set("Content-Type", "text/event-stream")
		io.WriteString(w, "data: {\"event\":\"message_end\"}\n\n")
	}))
	defer srv.Close()

	c := NewClient(srv.URL+"/v1/", nil, zerolog.Nop())
	resp, err := c.ChatMessages(context.Background(), "app-key", ChatRequest{
		Query:        "hello",
		ResponseMode: ResponseModeStreaming,
		User:         "u1",
	})
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, "hello", got["query"])
	assert.Equal(t, "streaming", got["response_mode"])
	assert.Equal(t, map[string]interface{}{}, got["inputs"])
	assert.NotContains(t, got, "conversation_id")
}

func TestChatMessagesStatusError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		io.WriteString(w, `{"code":"invalid_param","message":"query is required","status":400}`)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, nil, zerolog.Nop())
	_, err := c.ChatMessagesBlocking(context.Background(), "k", ChatRequest{})
	require.Error(t, err)

	var statusErr *StatusError
	require.True(t, errors.As(err, &statusErr))
	assert.Equal(t, http.StatusBadRequest, statusErr.StatusCode)
	assert.Equal(t, "query is required", statusErr.Message())
}

func TestChatMessagesBlockingDecodes(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body ChatRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, ResponseModeBlocking, body.ResponseMode)
		assert.Equal(t, "conv-1", body.ConversationID)
		io.WriteString(w, `{"message_id":"m1","conversation_id":"conv-1","answer":"hi there","created_at":1700000000}`)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, nil, zerolog.Nop())
	out, err := c.ChatMessagesBlocking(context.Background(), "k", ChatRequest{Query: "hi", ConversationID: "conv-1"})
	require.NoError(t, err)
	require.NotNil(t, out.Answer)
	assert.Equal(t, "hi there", *out.Answer)
	assert.Equal(t, "m1", out.MessageID)
	assert.Equal(t, int64(1700000000), out.CreatedAt)
}

func TestAppInfo(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/info", r.URL.Path)
		assert.Equal(t, "default_user", r.URL.Query().Get("user"))
		if r.Header.Get("Authorization") != "Bearer good" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		io.WriteString(w, `{"name":"Support Bot","tags":["prod"]}`)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, nil, zerolog.Nop())

	info, err := c.AppInfo(context.Background(), "good", "default_user")
	require.NoError(t, err)
	assert.Equal(t, "Support Bot", info.Name)

	_, err = c.AppInfo(context.Background(), "bad", "default_user")
	assert.Error(t, err)
}
