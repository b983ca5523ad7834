package id

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestContextRoundTrip(t *testing.T) {
	t.Parallel()

	ctx := WithTaskID(context.Background(), "task-1")
	ctx = WithParentTaskID(ctx, "task-0")
	ctx = WithRequestID(ctx, "req-9")

	assert.Equal(t, "task-1", TaskIDFromContext(ctx))
	assert.Equal(t, "task-0", ParentTaskIDFromContext(ctx))
	assert.Equal(t, "req-9", RequestIDFromContext(ctx))
}

func TestEmptyValuesAreNotStored(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	assert.Equal(t, ctx, WithTaskID(ctx, ""))
	assert.Equal(t, ctx, WithParentTaskID(ctx, ""))
	assert.Equal(t, ctx, WithRequestID(ctx, ""))

	assert.Empty(t, TaskIDFromContext(ctx))
	assert.Empty(t, ParentTaskIDFromContext(ctx))
	assert.Empty(t, RequestIDFromContext(ctx))
}

func TestGeneratedIdentifierShape(t *testing.T) {
	t.Parallel()

	assert.True(t, len(NewTaskID()) > len("task-"))
	assert.NotEqual(t, NewTaskID(), NewTaskID())
	assert.True(t, len(NewRequestID()) > len("req-"))
}
