package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"

	"tempo/internal/ports"
)

// operatorExecutor is the host-side action surface. The engine honors at
// most one action per turn; this host offers the two actions every task
// needs to converse with the operator and to finish.
type operatorExecutor struct {
	h *host
}

func (e *operatorExecutor) Execute(ctx context.Context, req ports.ActionRequest) (ports.ActionResult, error) {
	switch req.Name {
	case "attempt_completion":
		return e.attemptCompletion(ctx, req)
	case "ask_followup_question":
		return e.askFollowup(req)
	default:
		return ports.ActionResult{}, fmt.Errorf(
			"unknown action %q; available actions: ask_followup_question, attempt_completion", req.Name)
	}
}

// attemptCompletion presents the result. Accepting it ends the task;
// feedback sends the task back for another round.
func (e *operatorExecutor) attemptCompletion(ctx context.Context, req ports.ActionRequest) (ports.ActionResult, error) {
	result, _ := req.Arguments["result"].(string)
	if strings.TrimSpace(result) == "" {
		return ports.ActionResult{}, fmt.Errorf("attempt_completion requires a non-empty result argument")
	}

	fmt.Println()
	resultText.Println(result)

	line, err := e.h.readLine("accept? (enter to finish, or type feedback)> ")
	if err != nil || strings.TrimSpace(line) == "" {
		e.h.completed.Store(true)
		e.h.tk.Abort(ctx, false)
		return ports.ActionResult{}, nil
	}
	return ports.ActionResult{Blocks: []ports.ContentBlock{
		ports.TextBlock("[operator feedback] " + strings.TrimSpace(line)),
	}}, nil
}

func (e *operatorExecutor) askFollowup(req ports.ActionRequest) (ports.ActionResult, error) {
	question, _ := req.Arguments["question"].(string)
	if strings.TrimSpace(question) == "" {
		return ports.ActionResult{}, fmt.Errorf("ask_followup_question requires a question argument")
	}

	fmt.Println()
	askStyle.Printf("? %s\n", question)
	line, err := e.h.readLine("answer> ")
	if err != nil {
		return ports.ActionResult{}, fmt.Errorf("operator declined to answer")
	}
	return ports.ActionResult{Blocks: []ports.ContentBlock{
		ports.TextBlock("<answer>\n" + strings.TrimSpace(line) + "\n</answer>"),
	}}, nil
}

const maxMentionBytes = 32 * 1024

var mentionPattern = regexp.MustCompile(`@((?:/|\./)[^\s]+)`)

// workspaceResolver expands @/path file mentions in operator input and
// snapshots the working directory for the turn prologue.
type workspaceResolver struct{}

func (r *workspaceResolver) ResolveMentions(_ context.Context, content string) (string, error) {
	matches := mentionPattern.FindAllStringSubmatch(content, -1)
	if len(matches) == 0 {
		return content, nil
	}

	var sb strings.Builder
	sb.WriteString(content)
	seen := map[string]bool{}
	for _, m := range matches {
		path := m[1]
		if seen[path] {
			continue
		}
		seen[path] = true

		data, err := os.ReadFile(path)
		if err != nil {
			sb.WriteString(fmt.Sprintf("\n\n<file_content path=%q>\nError reading file: %v\n</file_content>", path, err))
			continue
		}
		if len(data) > maxMentionBytes {
			data = append(data[:maxMentionBytes], []byte("\n[truncated]")...)
		}
		sb.WriteString(fmt.Sprintf("\n\n<file_content path=%q>\n%s\n</file_content>", path, data))
	}
	return sb.String(), nil
}

func (r *workspaceResolver) SnapshotEnvironment(_ context.Context, includeFileDetails bool) (string, error) {
	cwd, err := os.Getwd()
	if err != nil {
		return "", err
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Working directory: %s\n", cwd)
	fmt.Fprintf(&sb, "Current time: %s\n", time.Now().Format(time.RFC1123))

	if includeFileDetails {
		entries, err := os.ReadDir(cwd)
		if err == nil {
			names := make([]string, 0, len(entries))
			for _, entry := range entries {
				name := entry.Name()
				if strings.HasPrefix(name, ".") {
					continue
				}
				if entry.IsDir() {
					name += string(filepath.Separator)
				}
				names = append(names, name)
			}
			sort.Strings(names)
			if len(names) > 200 {
				names = names[:200]
			}
			fmt.Fprintf(&sb, "Files:\n%s\n", strings.Join(names, "\n"))
		}
	}
	return sb.String(), nil
}
