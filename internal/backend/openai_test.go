package backend

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tempo/internal/config"
	"tempo/internal/errs"
	"tempo/internal/ports"
	"tempo/internal/utils/id"
)

func testClient(t *testing.T, server *httptest.Server) *Client {
	t.Helper()
	cfg := config.Default()
	cfg.BaseURL = server.URL
	cfg.APIKey = "test-key"
	cfg.Model = "test-model"
	return New(*cfg, nil)
}

func sse(w http.ResponseWriter, payload string) {
	fmt.Fprintf(w, "data: %s\n\n", payload)
	if f, ok := w.(http.Flusher); ok {
		f.Flush()
	}
}

func collect(t *testing.T, stream <-chan ports.Chunk) []ports.Chunk {
	t.Helper()
	var chunks []ports.Chunk
	for chunk := range stream {
		chunks = append(chunks, chunk)
	}
	return chunks
}

func TestCreateMessageStreamsDeltas(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/chat/completions", r.URL.Path)
		require.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))

		var payload map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&payload))
		assert.Equal(t, "test-model", payload["model"])
		assert.Equal(t, true, payload["stream"])

		msgs, ok := payload["messages"].([]any)
		require.True(t, ok)
		require.Len(t, msgs, 2)
		first := msgs[0].(map[string]any)
		assert.Equal(t, "system", first["role"])

		w.Header().Set("Content-Type", "text/event-stream")
		sse(w, `{"choices":[{"delta":{"reasoning_content":"thinking"}}]}`)
		sse(w, `{"choices":[{"delta":{"content":"Hel"}}]}`)
		sse(w, `{"choices":[{"delta":{"content":"lo"}}]}`)
		sse(w, `{"choices":[],"usage":{"prompt_tokens":120,"completion_tokens":5,"prompt_tokens_details":{"cached_tokens":20}}}`)
		sse(w, "[DONE]")
	}))
	defer server.Close()

	client := testClient(t, server)
	history := []ports.ModelMessage{
		{Role: ports.RoleUser, Content: []ports.ContentBlock{ports.TextBlock("hi")}},
	}
	stream, err := client.CreateMessage(context.Background(), "you are terse", history, ports.RequestMeta{RequestID: "req-1"})
	require.NoError(t, err)

	chunks := collect(t, stream)
	require.Len(t, chunks, 4)
	assert.Equal(t, ports.ChunkReasoning, chunks[0].Kind)
	assert.Equal(t, "thinking", chunks[0].Text)
	assert.Equal(t, "Hel", chunks[1].Text)
	assert.Equal(t, "lo", chunks[2].Text)

	usage := chunks[3]
	require.Equal(t, ports.ChunkUsage, usage.Kind)
	require.NotNil(t, usage.Usage)
	assert.Equal(t, int64(100), usage.Usage.InputTokens)
	assert.Equal(t, int64(20), usage.Usage.CacheReadTokens)
	assert.Equal(t, int64(5), usage.Usage.OutputTokens)
}

func TestCreateMessageStampsContextIdentifiers(t *testing.T) {
	t.Parallel()

	headers := make(chan http.Header, 1)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		headers <- r.Header.Clone()
		sse(w, `{"choices":[{"delta":{"content":"ok"}}]}`)
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
	defer server.Close()

	ctx := id.WithTaskID(context.Background(), "task-77")
	ctx = id.WithRequestID(ctx, "req-aa")

	// Identifiers travel on the context when the meta struct is empty.
	stream, err := testClient(t, server).CreateMessage(ctx, "system", nil, ports.RequestMeta{})
	require.NoError(t, err)
	collect(t, stream)

	got := <-headers
	assert.Equal(t, "task-77", got.Get("X-Task-Id"))
	assert.Equal(t, "req-aa", got.Get("X-Request-Id"))
}

func TestCreateMessageHTTPErrorCarriesHints(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "42")
		w.WriteHeader(http.StatusTooManyRequests)
		fmt.Fprint(w, `{"error":{"message":"slow down"}}`)
	}))
	defer server.Close()

	client := testClient(t, server)
	_, err := client.CreateMessage(context.Background(), "", nil, ports.RequestMeta{})
	require.Error(t, err)
	require.True(t, errs.IsFirstChunk(err))
	assert.Equal(t, 42, errs.RetryAfterHint(err))
	assert.Contains(t, err.Error(), "slow down")
}

func TestCreateMessageMidStreamFailureArrivesAsErrChunk(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		sse(w, `{"choices":[{"delta":{"content":"partial"}}]}`)
		// Drop the connection without the [DONE] sentinel.
		if hj, ok := w.(http.Hijacker); ok {
			conn, _, err := hj.Hijack()
			require.NoError(t, err)
			_ = conn.Close()
		}
	}))
	defer server.Close()

	client := testClient(t, server)
	stream, err := client.CreateMessage(context.Background(), "", nil, ports.RequestMeta{})
	require.NoError(t, err)

	chunks := collect(t, stream)
	require.Len(t, chunks, 2)
	assert.Equal(t, "partial", chunks[0].Text)
	require.Error(t, chunks[1].Err)
}

func TestConvertMessagesRendersLegacyToolBlocks(t *testing.T) {
	t.Parallel()

	client := New(*config.Default(), nil)
	history := []ports.ModelMessage{
		{Role: ports.RoleAssistant, Content: []ports.ContentBlock{
			{Type: ports.BlockToolUse, ToolUseID: "t1", ToolName: "read_file", ToolInput: map[string]any{"path": "main.go"}},
		}},
		{Role: ports.RoleUser, Content: []ports.ContentBlock{
			{Type: ports.BlockToolResult, ToolUseID: "t1", Text: "package main"},
		}},
	}

	msgs := client.convertMessages("", history)
	require.Len(t, msgs, 2)
	assert.Contains(t, msgs[0]["content"], "read_file")
	assert.Contains(t, msgs[1]["content"], "package main")
}

func TestConvertMessagesBuildsImageParts(t *testing.T) {
	t.Parallel()

	client := New(*config.Default(), nil)
	history := []ports.ModelMessage{
		{Role: ports.RoleUser, Content: []ports.ContentBlock{
			ports.TextBlock("what is this"),
			{Type: ports.BlockImage, MediaType: "image/png", ImageData: "aGk="},
		}},
	}

	msgs := client.convertMessages("sys", history)
	require.Len(t, msgs, 2)
	parts, ok := msgs[1]["content"].([]map[string]any)
	require.True(t, ok)
	require.Len(t, parts, 2)
	assert.Equal(t, "text", parts[0]["type"])
	assert.Equal(t, "image_url", parts[1]["type"])
}
