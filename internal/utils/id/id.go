// Package id generates the identifiers used across task execution boundaries
// and propagates them through context.Context.
package id

import (
	"context"
	"strings"

	"github.com/google/uuid"
)

type contextKey string

const (
	taskKey       contextKey = "tempo_task_id"
	parentTaskKey contextKey = "tempo_parent_task_id"
	requestKey    contextKey = "tempo_request_id"
)

// NewTaskID returns a fresh task identifier.
func NewTaskID() string {
	return "task-" + uuid.NewString()
}

// NewRequestID returns a fresh model-request identifier.
func NewRequestID() string {
	return "req-" + strings.Split(uuid.NewString(), "-")[0] + strings.Split(uuid.NewString(), "-")[1]
}

// WithTaskID stores the task identifier on the context.
func WithTaskID(ctx context.Context, taskID string) context.Context {
	if taskID == "" {
		return ctx
	}
	return context.WithValue(ctx, taskKey, taskID)
}

// TaskIDFromContext retrieves the task identifier, or "" when absent.
func TaskIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	v, _ := ctx.Value(taskKey).(string)
	return v
}

// WithParentTaskID stores the parent task identifier on the context.
func WithParentTaskID(ctx context.Context, taskID string) context.Context {
	if taskID == "" {
		return ctx
	}
	return context.WithValue(ctx, parentTaskKey, taskID)
}

// ParentTaskIDFromContext retrieves the parent task identifier, or "".
func ParentTaskIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	v, _ := ctx.Value(parentTaskKey).(string)
	return v
}

// WithRequestID stores the in-flight model request identifier on the context.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	if requestID == "" {
		return ctx
	}
	return context.WithValue(ctx, requestKey, requestID)
}

// RequestIDFromContext retrieves the request identifier, or "".
func RequestIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	v, _ := ctx.Value(requestKey).(string)
	return v
}
