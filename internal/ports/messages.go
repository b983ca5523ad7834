// Package ports declares the contracts between the orchestration engine
// and its external collaborators: the model backend, persistence, action
// execution, and the presentation layer.
package ports

import "time"

// Role of a model-facing message.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Content block types.
const (
	BlockText       = "text"
	BlockImage      = "image"
	BlockToolUse    = "tool_use"
	BlockToolResult = "tool_result"
)

// ContentBlock is one typed segment of a model-facing message.
// Tool-use and tool-result blocks exist for histories written by older
// versions; new turns carry actions inside text blocks.
type ContentBlock struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`

	// Image payload, base64 data plus media type.
	ImageData string `json:"image_data,omitempty"`
	MediaType string `json:"media_type,omitempty"`

	// Legacy tool plumbing.
	ToolUseID string         `json:"tool_use_id,omitempty"`
	ToolName  string         `json:"tool_name,omitempty"`
	ToolInput map[string]any `json:"tool_input,omitempty"`
}

// TextBlock builds a plain text content block.
func TextBlock(text string) ContentBlock {
	return ContentBlock{Type: BlockText, Text: text}
}

// ModelMessage is one durable entry in the history sent to the model.
type ModelMessage struct {
	Role      string         `json:"role"`
	Content   []ContentBlock `json:"content"`
	CreatedAt time.Time      `json:"created_at"`
}

// Display message kinds.
const (
	KindAsk = "ask"
	KindSay = "say"
)

// Ask subtypes.
const (
	AskFollowup       = "followup"
	AskRetryApproval  = "api_req_failed"
	AskActionApproval = "action_approval"
	AskMistakeLimit   = "mistake_limit_reached"
	AskAutoApproveCap = "auto_approval_limit_reached"
	AskResumeTask     = "resume_task"
)

// Say subtypes.
const (
	SayText           = "text"
	SayReasoning      = "reasoning"
	SayError          = "error"
	SayRequestStart   = "api_req_started"
	SayRetryCountdown = "api_req_retry_delayed"
	SayCondense       = "condense_context"
	SaySubtaskResult  = "subtask_result"
)

// DisplayMessage is one entry in the user-facing transcript.
//
// Ts is assigned once, at creation, and is the message's stable identity
// key. Partial is a tri-state: nil means the message was always atomic,
// true means still streaming, false means it just finalized.
type DisplayMessage struct {
	Ts       int64    `json:"ts"`
	Kind     string   `json:"kind"`
	Subtype  string   `json:"subtype"`
	Text     string   `json:"text,omitempty"`
	Images   []string `json:"images,omitempty"`
	Partial  *bool    `json:"partial,omitempty"`
	Progress string   `json:"progress,omitempty"`

	// Side payloads.
	Usage    *TokenUsage     `json:"usage,omitempty"`
	Condense *CondenseRecord `json:"condense,omitempty"`
}

// IsPartial reports whether the message is an open, still-streaming slot.
func (m *DisplayMessage) IsPartial() bool {
	return m.Partial != nil && *m.Partial
}

// TokenUsage accumulates token counts and cost for one model request.
type TokenUsage struct {
	InputTokens      int64   `json:"input_tokens"`
	OutputTokens     int64   `json:"output_tokens"`
	CacheWriteTokens int64   `json:"cache_write_tokens"`
	CacheReadTokens  int64   `json:"cache_read_tokens"`
	TotalCost        float64 `json:"total_cost"`
}

// Add folds another snapshot into this one.
func (u *TokenUsage) Add(other TokenUsage) {
	u.InputTokens += other.InputTokens
	u.OutputTokens += other.OutputTokens
	u.CacheWriteTokens += other.CacheWriteTokens
	u.CacheReadTokens += other.CacheReadTokens
	u.TotalCost += other.TotalCost
}

// Total returns the combined token count across all categories.
func (u TokenUsage) Total() int64 {
	return u.InputTokens + u.OutputTokens + u.CacheWriteTokens + u.CacheReadTokens
}

// CondenseRecord captures one context condensation event.
type CondenseRecord struct {
	Summary      string  `json:"summary"`
	Cost         float64 `json:"cost"`
	TokensBefore int64   `json:"tokens_before"`
	TokensAfter  int64   `json:"tokens_after"`
}

// TaskMetadata is derived from a display log on resume.
type TaskMetadata struct {
	LastCondense *CondenseRecord `json:"last_condense,omitempty"`
	Usage        TokenUsage      `json:"usage"`
}
