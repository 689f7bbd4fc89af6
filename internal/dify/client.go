// Package dify talks to the Dify application API: the chat-messages endpoint
// in both response modes, the app info endpoint used to name models, and the
// event stream protocol.
package dify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// HTTPClient is an interface for making HTTP requests
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// StatusError is returned when Dify answers with a non-2xx status.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("dify returned status %d: %s", e.StatusCode, e.Body)
}

// Message extracts the human readable message from a Dify error body,
// falling back to the raw body.
func (e *StatusError) Message() string {
	var body ErrorBody
	if err := json.Unmarshal([]byte(e.Body), &body); err == nil && body.Message != "" {
		return body.Message
	}
	return e.Body
}

type Client struct {
	baseURL    string
	httpClient HTTPClient
	logger     zerolog.Logger
}

// NewClient creates a client for the API rooted at baseURL (for example
// https://api.dify.ai/v1). A nil httpClient selects NewHTTPClient;
// cancellation is carried by the request context.
func NewClient(baseURL string, httpClient HTTPClient, logger zerolog.Logger) *Client {
	if httpClient == nil {
		httpClient = NewHTTPClient()
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: httpClient,
		logger:     logger,
	}
}

// ChatMessages posts req and returns the open response. Non-2xx statuses are
// turned into a *StatusError after the body has been drained; on success the
// caller owns resp.Body.
func (c *Client) ChatMessages(ctx context.Context, apiKey string, req ChatRequest) (*http.Response, error) {
	if req.Inputs == nil {
		req.Inputs = map[string]interface{}{}
	}
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal chat request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat-messages", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create upstream request: %w", err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+apiKey)
	httpReq.Header.Set("Content-Type", "application/json")
	if req.ResponseMode == ResponseModeStreaming {
		httpReq.Header.Set("Accept", "text/event-stream")
		httpReq.Header.Set("Cache-Control", "no-cache")
		httpReq.Header.Set("Connection", "keep-alive")
	}

	c.logger.Debug().
		Str("endpoint", httpReq.URL.String()).
		Str("response_mode", string(req.ResponseMode)).
		Bool("has_conversation_id", req.ConversationID != "").
		Int("query_len", len(req.Query)).
		Msg("Sending request to Dify")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("failed to send request: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		defer resp.Body.Close()
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
		return nil, &StatusError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	return resp, nil
}

// ChatMessagesBlocking posts req in blocking mode and decodes the answer.
func (c *Client) ChatMessagesBlocking(ctx context.Context, apiKey string, req ChatRequest) (*ChatResponse, error) {
	req.ResponseMode = ResponseModeBlocking
	resp, err := c.ChatMessages(ctx, apiKey, req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var out ChatResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("failed to decode blocking response: %w", err)
	}
	return &out, nil
}

// AppInfo fetches the application metadata for apiKey.
func (c *Client) AppInfo(ctx context.Context, apiKey, user string) (*AppInfo, error) {
	u := c.baseURL + "/info?" + url.Values{"user": {user}}.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create info request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+apiKey)
	req.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch app info: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
		return nil, &StatusError{StatusCode: resp.StatusCode, Body: string(b)}
	}

	var info AppInfo
	if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
		return nil, fmt.Errorf("failed to decode app info: %w", err)
	}
	if info.Name == "" {
		info.Name = "Unknown App"
	}

	c.logger.Debug().
		Str("app_name", info.Name).
		Dur("duration", time.Since(start)).
		Msg("Fetched Dify app info")
	return &info, nil
}
