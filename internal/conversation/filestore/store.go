// Package filestore persists task conversation logs as JSON files under
// a per-task directory: <base>/<taskID>/model_history.json and
// display_history.json. Writes go through a temp file plus rename so a
// crash mid-write never corrupts the previous snapshot.
package filestore

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"tempo/internal/logging"
	"tempo/internal/ports"
)

const (
	modelHistoryFile   = "model_history.json"
	displayHistoryFile = "display_history.json"
)

// TaskLister is the extra enumeration surface this store provides on
// top of ports.Store. The resume command uses it to offer a picker.
type TaskLister interface {
	ListTasks() ([]string, error)
}

type store struct {
	baseDir string
	logger  logging.Logger
}

// New creates a file-backed ports.Store rooted at baseDir. A leading ~/
// is expanded against the user's home directory.
func New(baseDir string) ports.Store {
	if strings.HasPrefix(baseDir, "~/") {
		home, _ := os.UserHomeDir()
		baseDir = filepath.Join(home, baseDir[2:])
	}
	_ = os.MkdirAll(baseDir, 0755)
	return &store{
		baseDir: baseDir,
		logger:  logging.NewComponentLogger("filestore"),
	}
}

func (s *store) taskDir(taskID string) string {
	return filepath.Join(s.baseDir, taskID)
}

func (s *store) LoadModelHistory(_ context.Context, taskID string) ([]ports.ModelMessage, error) {
	var messages []ports.ModelMessage
	if err := s.readJSON(filepath.Join(s.taskDir(taskID), modelHistoryFile), &messages); err != nil {
		return nil, err
	}
	return messages, nil
}

func (s *store) SaveModelHistory(_ context.Context, taskID string, messages []ports.ModelMessage) error {
	return s.writeJSON(taskID, modelHistoryFile, messages)
}

func (s *store) LoadDisplayHistory(_ context.Context, taskID string) ([]ports.DisplayMessage, error) {
	var messages []ports.DisplayMessage
	if err := s.readJSON(filepath.Join(s.taskDir(taskID), displayHistoryFile), &messages); err != nil {
		return nil, err
	}
	return messages, nil
}

func (s *store) SaveDisplayHistory(_ context.Context, taskID string, messages []ports.DisplayMessage) error {
	return s.writeJSON(taskID, displayHistoryFile, messages)
}

// DeriveMetadata folds usage payloads across the display log and keeps
// the most recent condense record.
func (s *store) DeriveMetadata(messages []ports.DisplayMessage) ports.TaskMetadata {
	var meta ports.TaskMetadata
	for i := range messages {
		if messages[i].Usage != nil {
			meta.Usage.Add(*messages[i].Usage)
		}
		if messages[i].Condense != nil {
			meta.LastCondense = messages[i].Condense
		}
	}
	return meta
}

// ListTasks returns the IDs of every persisted task.
func (s *store) ListTasks() ([]string, error) {
	entries, err := os.ReadDir(s.baseDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	var ids []string
	for _, e := range entries {
		if e.IsDir() {
			ids = append(ids, e.Name())
		}
	}
	return ids, nil
}

func (s *store) readJSON(path string, v any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read %s: %w", path, err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		s.logger.Error("decode %s: %v", path, err)
		return fmt.Errorf("decode %s: %w", path, err)
	}
	return nil
}

func (s *store) writeJSON(taskID, name string, v any) error {
	dir := s.taskDir(taskID)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create task dir: %w", err)
	}
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}

	path := filepath.Join(dir, name)
	tmp, err := os.CreateTemp(dir, name+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
		return fmt.Errorf("write %s: %w", name, err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("commit %s: %w", name, err)
	}
	return nil
}
