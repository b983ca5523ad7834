package metrics

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"

	"tempo/internal/utils/id"
)

func TestNilCollectorIsSafe(t *testing.T) {
	var c *Collector
	ctx := context.Background()

	c.RecordRetry(ctx, "m")
	c.RecordAction(ctx, "read_file", false)
	c.TaskStarted(ctx)
	c.TaskFinished(ctx)
	c.RecordCondensation(ctx)
	assert.NoError(t, c.Shutdown(ctx))
	assert.Nil(t, c.Ledger("t"))
}

func TestLedgerAccumulates(t *testing.T) {
	c := &Collector{}
	ctx := id.WithTaskID(context.Background(), "task-1")

	c.RecordAction(ctx, "read_file", false)
	c.RecordAction(ctx, "read_file", true)
	c.RecordAction(ctx, "run_command", false)

	ledger := c.Ledger("task-1")
	assert.Equal(t, int64(2), ledger["read_file"].Attempts)
	assert.Equal(t, int64(1), ledger["read_file"].Failures)
	assert.Equal(t, int64(1), ledger["run_command"].Attempts)
	assert.Equal(t, int64(0), ledger["run_command"].Failures)
}

func TestLedgerKeepsTasksSeparate(t *testing.T) {
	c := &Collector{}
	parent := id.WithTaskID(context.Background(), "task-parent")
	child := id.WithTaskID(context.Background(), "task-child")

	c.RecordAction(parent, "read_file", false)
	c.RecordAction(child, "read_file", true)
	c.RecordAction(child, "read_file", false)

	assert.Equal(t, int64(1), c.Ledger("task-parent")["read_file"].Attempts)
	assert.Equal(t, int64(0), c.Ledger("task-parent")["read_file"].Failures)
	assert.Equal(t, int64(2), c.Ledger("task-child")["read_file"].Attempts)
	assert.Equal(t, int64(1), c.Ledger("task-child")["read_file"].Failures)
	assert.Nil(t, c.Ledger("task-other"))
}
