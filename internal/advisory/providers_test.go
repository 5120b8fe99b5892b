package advisory

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oasisops/oasis/internal/oasiserr"
)

func chatReq() ChatRequest {
	return ChatRequest{
		System:   "be terse",
		Messages: []Message{{Role: "user", Content: "why is it broken"}},
	}
}

func TestOpenAIChat(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))

		var req map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "gpt-test", req["model"])
		msgs := req["messages"].([]any)
		require.Len(t, msgs, 2)
		assert.Equal(t, "system", msgs[0].(map[string]any)["role"])

		fmt.Fprint(w, `{"choices":[{"message":{"role":"assistant","content":"deploy gone wrong"}}],
			"usage":{"prompt_tokens":10,"completion_tokens":4}}`)
	}))
	defer srv.Close()

	c := NewOpenAIClient("test-key", "gpt-test", srv.URL, time.Second)
	resp, err := c.Chat(context.Background(), chatReq())
	require.NoError(t, err)
	assert.Equal(t, "deploy gone wrong", resp.Content)
	assert.Equal(t, 10, resp.InputTokens)
	assert.Equal(t, 4, resp.OutputTokens)
}

func TestOpenAIChatRateLimitIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		fmt.Fprint(w, `{"error":{"message":"slow down","type":"rate_limit_error"}}`)
	}))
	defer srv.Close()

	c := NewOpenAIClient("test-key", "gpt-test", srv.URL, time.Second)
	_, err := c.Chat(context.Background(), chatReq())
	require.Error(t, err)
	assert.True(t, oasiserr.IsTransient(err))
}

func TestOpenAIChatAuthFailureIsPermanent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		fmt.Fprint(w, `{"error":{"message":"bad key","type":"invalid_request_error"}}`)
	}))
	defer srv.Close()

	c := NewOpenAIClient("bad-key", "gpt-test", srv.URL, time.Second)
	_, err := c.Chat(context.Background(), chatReq())
	require.Error(t, err)
	assert.False(t, oasiserr.IsTransient(err))
}

func TestAnthropicChat(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "test-key", r.Header.Get("x-api-key"))
		assert.Equal(t, "2023-06-01", r.Header.Get("anthropic-version"))

		var req map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "be terse", req["system"])
		assert.NotZero(t, req["max_tokens"])

		fmt.Fprint(w, `{"content":[{"type":"text","text":"rollback "},{"type":"text","text":"the deploy"}],
			"usage":{"input_tokens":12,"output_tokens":5}}`)
	}))
	defer srv.Close()

	c := NewAnthropicClient("test-key", "claude-test", srv.URL, time.Second)
	resp, err := c.Chat(context.Background(), chatReq())
	require.NoError(t, err)
	assert.Equal(t, "rollback the deploy", resp.Content)
	assert.Equal(t, 12, resp.InputTokens)
}

func TestAnthropicChatServerErrorIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		fmt.Fprint(w, `{"error":{"type":"overloaded_error","message":"overloaded"}}`)
	}))
	defer srv.Close()

	c := NewAnthropicClient("test-key", "claude-test", srv.URL, time.Second)
	_, err := c.Chat(context.Background(), chatReq())
	require.Error(t, err)
	assert.True(t, oasiserr.IsTransient(err))
}
