package ports

import "context"

// PresentationSink receives push notifications for transcript changes.
// The engine never consumes a return value from the sink.
type PresentationSink interface {
	OnDisplayMessageCreated(msg DisplayMessage)
	OnDisplayMessageUpdated(msg DisplayMessage)
}

// MentionResolver expands external-content mentions in operator input
// and captures the working environment for the turn prologue.
type MentionResolver interface {
	ResolveMentions(ctx context.Context, content string) (string, error)
	SnapshotEnvironment(ctx context.Context, includeFileDetails bool) (string, error)
}

// CheckpointService snapshots workspace state. Initialization is
// fire-and-forget at loop start; the engine never awaits it.
type CheckpointService interface {
	Initialize(ctx context.Context, taskID string)
}

// Workspace exposes the narrow teardown surface the abort path needs.
type Workspace interface {
	// RevertPendingEdits discards uncommitted edit-view state left by an
	// interrupted stream.
	RevertPendingEdits(ctx context.Context) error

	// ReleaseResources closes interactive sessions and watch handles.
	ReleaseResources(ctx context.Context) error
}

// ModeController reports and switches the host's active mode. The loop
// consults it after resuming from a sub-task pause.
type ModeController interface {
	CurrentMode() string
	SwitchMode(ctx context.Context, mode string) error
}
