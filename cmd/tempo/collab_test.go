package main

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolveMentionsInlinesFiles(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "notes.txt")
	require.NoError(t, os.WriteFile(path, []byte("remember the milk"), 0o644))

	r := &workspaceResolver{}
	out, err := r.ResolveMentions(context.Background(), "see @"+path+" for details")
	require.NoError(t, err)
	assert.Contains(t, out, "remember the milk")
	assert.Contains(t, out, path)
}

func TestResolveMentionsReportsMissingFile(t *testing.T) {
	r := &workspaceResolver{}
	out, err := r.ResolveMentions(context.Background(), "read @/definitely/not/here.txt please")
	require.NoError(t, err)
	assert.Contains(t, out, "Error reading file")
}

func TestResolveMentionsNoopWithoutMentions(t *testing.T) {
	r := &workspaceResolver{}
	out, err := r.ResolveMentions(context.Background(), "plain input, no file references")
	require.NoError(t, err)
	assert.Equal(t, "plain input, no file references", out)
}

func TestSnapshotEnvironmentListsFilesOnlyWhenAsked(t *testing.T) {
	r := &workspaceResolver{}

	lean, err := r.SnapshotEnvironment(context.Background(), false)
	require.NoError(t, err)
	assert.Contains(t, lean, "Working directory:")
	assert.NotContains(t, lean, "Files:")

	full, err := r.SnapshotEnvironment(context.Background(), true)
	require.NoError(t, err)
	assert.Contains(t, full, "Files:")
}
