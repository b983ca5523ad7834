// Package backend implements the model provider adapter. It speaks the
// OpenAI-compatible chat completions streaming protocol, so any conforming
// gateway (OpenAI, DeepSeek, local proxies) can back the engine.
package backend

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"tempo/internal/config"
	"tempo/internal/errs"
	"tempo/internal/logging"
	"tempo/internal/ports"
	"tempo/internal/utils/id"
)

const requestTimeout = 10 * time.Minute

// Client streams chat completions from an OpenAI-compatible endpoint.
type Client struct {
	baseURL    string
	apiKey     string
	model      string
	limits     ports.ModelLimits
	httpClient *http.Client
	logger     logging.Logger
}

var _ ports.ModelBackend = (*Client)(nil)

// New builds a streaming client from the engine configuration.
func New(cfg config.Config, logger logging.Logger) *Client {
	return &Client{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:  cfg.APIKey,
		model:   cfg.Model,
		limits: ports.ModelLimits{
			MaxTokens:     cfg.MaxOutputTokens,
			ContextWindow: cfg.ContextWindow,
		},
		httpClient: &http.Client{Timeout: requestTimeout},
		logger:     logging.OrNop(logger),
	}
}

// Limits reports the configured model budget.
func (c *Client) Limits() ports.ModelLimits { return c.limits }

// Model returns the configured model identifier.
func (c *Client) Model() string { return c.model }

// CreateMessage opens a streaming completion. Connection and HTTP-level
// failures are returned directly; failures after the stream opened arrive
// as an Err chunk before the channel closes.
func (c *Client) CreateMessage(ctx context.Context, system string, history []ports.ModelMessage, meta ports.RequestMeta) (<-chan ports.Chunk, error) {
	payload := map[string]any{
		"model":          c.model,
		"messages":       c.convertMessages(system, history),
		"max_tokens":     c.limits.MaxTokens,
		"stream":         true,
		"stream_options": map[string]any{"include_usage": true},
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	endpoint := c.baseURL + "/chat/completions"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	requestID := meta.RequestID
	if requestID == "" {
		requestID = id.RequestIDFromContext(ctx)
	}
	if requestID != "" {
		httpReq.Header.Set("X-Request-Id", requestID)
	}
	taskID := meta.TaskID
	if taskID == "" {
		taskID = id.TaskIDFromContext(ctx)
	}
	if taskID != "" {
		httpReq.Header.Set("X-Task-Id", taskID)
	}

	if parent := id.ParentTaskIDFromContext(ctx); parent != "" {
		c.logger.Debug("POST %s model=%s task=%s parent=%s request=%s", endpoint, c.model, taskID, parent, requestID)
	} else {
		c.logger.Debug("POST %s model=%s task=%s request=%s", endpoint, c.model, taskID, requestID)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		defer func() { _ = resp.Body.Close() }()
		respBody, readErr := io.ReadAll(io.LimitReader(resp.Body, 8*1024))
		if readErr != nil {
			return nil, fmt.Errorf("read error response: %w", readErr)
		}
		return nil, &errs.FirstChunkError{
			Err:        fmt.Errorf("%s: %s", resp.Status, strings.TrimSpace(string(respBody))),
			StatusCode: resp.StatusCode,
			RetryAfter: retryAfterSeconds(resp.Header),
		}
	}

	out := make(chan ports.Chunk)
	go c.consume(resp.Body, out, meta)
	return out, nil
}

// one SSE "data:" event of an OpenAI-compatible completion stream.
type streamEvent struct {
	Choices []struct {
		Delta struct {
			Content          string `json:"content"`
			ReasoningContent string `json:"reasoning_content"`
		} `json:"delta"`
		FinishReason *string `json:"finish_reason"`
	} `json:"choices"`
	Usage *struct {
		PromptTokens        int64 `json:"prompt_tokens"`
		CompletionTokens    int64 `json:"completion_tokens"`
		PromptTokensDetails struct {
			CachedTokens int64 `json:"cached_tokens"`
		} `json:"prompt_tokens_details"`
	} `json:"usage"`
}

// consume reads SSE lines off the response body and forwards chunks until
// the terminal [DONE] sentinel or a read failure.
func (c *Client) consume(body io.ReadCloser, out chan<- ports.Chunk, meta ports.RequestMeta) {
	defer close(out)
	defer func() { _ = body.Close() }()

	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 2*1024*1024)

	var usage *ports.TokenUsage
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		payload := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if payload == "" {
			continue
		}
		if payload == "[DONE]" {
			break
		}

		var event streamEvent
		if err := json.Unmarshal([]byte(payload), &event); err != nil {
			c.logger.Debug("skipping undecodable stream event (request=%s): %v", meta.RequestID, err)
			continue
		}

		if event.Usage != nil {
			cached := event.Usage.PromptTokensDetails.CachedTokens
			usage = &ports.TokenUsage{
				InputTokens:     event.Usage.PromptTokens - cached,
				OutputTokens:    event.Usage.CompletionTokens,
				CacheReadTokens: cached,
			}
		}
		if len(event.Choices) == 0 {
			continue
		}

		delta := event.Choices[0].Delta
		if delta.ReasoningContent != "" {
			out <- ports.Chunk{Kind: ports.ChunkReasoning, Text: delta.ReasoningContent}
		}
		if delta.Content != "" {
			out <- ports.Chunk{Kind: ports.ChunkText, Text: delta.Content}
		}
	}

	if err := scanner.Err(); err != nil {
		out <- ports.Chunk{Err: fmt.Errorf("read response stream: %w", err)}
		return
	}
	if usage != nil {
		out <- ports.Chunk{Kind: ports.ChunkUsage, Usage: usage}
	}
}

// convertMessages flattens the engine history into OpenAI chat messages.
// Image blocks become multimodal content parts; legacy tool blocks are
// rendered as text so old persisted histories stay replayable.
func (c *Client) convertMessages(system string, history []ports.ModelMessage) []map[string]any {
	msgs := make([]map[string]any, 0, len(history)+1)
	if system != "" {
		msgs = append(msgs, map[string]any{"role": "system", "content": system})
	}

	for _, m := range history {
		hasImage := false
		for _, b := range m.Content {
			if b.Type == ports.BlockImage {
				hasImage = true
				break
			}
		}

		if !hasImage {
			var sb strings.Builder
			for _, b := range m.Content {
				if sb.Len() > 0 {
					sb.WriteString("\n\n")
				}
				sb.WriteString(blockText(b))
			}
			msgs = append(msgs, map[string]any{"role": m.Role, "content": sb.String()})
			continue
		}

		parts := make([]map[string]any, 0, len(m.Content))
		for _, b := range m.Content {
			if b.Type == ports.BlockImage {
				parts = append(parts, map[string]any{
					"type": "image_url",
					"image_url": map[string]any{
						"url": fmt.Sprintf("data:%s;base64,%s", b.MediaType, b.ImageData),
					},
				})
				continue
			}
			parts = append(parts, map[string]any{"type": "text", "text": blockText(b)})
		}
		msgs = append(msgs, map[string]any{"role": m.Role, "content": parts})
	}
	return msgs
}

func blockText(b ports.ContentBlock) string {
	switch b.Type {
	case ports.BlockToolUse:
		input, _ := json.Marshal(b.ToolInput)
		return fmt.Sprintf("[tool call: %s %s]", b.ToolName, input)
	case ports.BlockToolResult:
		return fmt.Sprintf("[tool result for %s]\n%s", b.ToolUseID, b.Text)
	default:
		return b.Text
	}
}

// retryAfterSeconds parses a provider Retry-After header, seconds form only.
func retryAfterSeconds(h http.Header) int {
	raw := h.Get("Retry-After")
	if raw == "" {
		return 0
	}
	secs, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil || secs < 0 {
		return 0
	}
	return secs
}
