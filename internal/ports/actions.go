package ports

import "context"

// ActionRequest is one parsed external action extracted from assistant
// text. Raw preserves the exact span the parser consumed.
type ActionRequest struct {
	ID        string         `json:"id"`
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
	Raw       string         `json:"raw"`
}

// ActionParser extracts action requests from streamed assistant text.
//
// Parse is called incrementally with the full accumulated text so far.
// It returns nil when no complete action request is present yet. End is
// the byte offset just past the parsed request, so the caller can
// discard trailing content once one action has been honored.
type ActionParser interface {
	Parse(content string) (req *ActionRequest, end int, err error)
}

// ActionResult is what an executed action feeds into the next turn.
type ActionResult struct {
	Blocks []ContentBlock
}

// ActionExecutor runs one external action. The engine guarantees at most
// one call per turn; everything about the action itself (side effects,
// validation, sandboxing) belongs to the executor.
type ActionExecutor interface {
	Execute(ctx context.Context, req ActionRequest) (ActionResult, error)
}
