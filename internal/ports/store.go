package ports

import "context"

// Store persists both conversation logs per task. Implementations must
// tolerate concurrent tasks writing to different task IDs.
type Store interface {
	LoadModelHistory(ctx context.Context, taskID string) ([]ModelMessage, error)
	SaveModelHistory(ctx context.Context, taskID string, messages []ModelMessage) error

	LoadDisplayHistory(ctx context.Context, taskID string) ([]DisplayMessage, error)
	SaveDisplayHistory(ctx context.Context, taskID string, messages []DisplayMessage) error

	// DeriveMetadata recomputes aggregate usage and the latest condense
	// record from a display log. Used on resume and after every mutation.
	DeriveMetadata(messages []DisplayMessage) TaskMetadata
}
