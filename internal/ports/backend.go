package ports

import "context"

// ChunkKind discriminates streamed chunk variants.
type ChunkKind string

const (
	ChunkText      ChunkKind = "text"
	ChunkReasoning ChunkKind = "reasoning"
	ChunkUsage     ChunkKind = "usage"
)

// Chunk is one element of a model response stream. A non-nil Err means
// the stream failed after it started producing output; the channel is
// closed immediately after.
type Chunk struct {
	Kind  ChunkKind
	Text  string
	Usage *TokenUsage
	Err   error
}

// RequestMeta carries per-request identifiers for logging and billing.
type RequestMeta struct {
	TaskID    string
	RequestID string
}

// ModelLimits describes the active model's budget.
type ModelLimits struct {
	MaxTokens           int
	ContextWindow       int
	SupportsPromptCache bool
}

// ModelBackend is the provider adapter the engine streams from.
//
// CreateMessage returns before the first chunk arrives. Connection and
// auth failures therefore surface either as the returned error or as the
// first element on the channel; callers probe the first chunk eagerly to
// tell the two failure classes apart.
type ModelBackend interface {
	CreateMessage(ctx context.Context, system string, history []ModelMessage, meta RequestMeta) (<-chan Chunk, error)

	// Limits reports the active model's context budget.
	Limits() ModelLimits

	// Model returns the model identifier.
	Model() string
}
