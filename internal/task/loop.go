package task

import (
	"context"
	"fmt"
	"strings"
	"time"

	"tempo/internal/conversation"
	"tempo/internal/errs"
	"tempo/internal/ports"
	"tempo/internal/utils/id"
)

// Interruption markers written into the assistant message when the
// stream is cut short. They become part of the durable history so a
// resumed task can see what happened.
const (
	interruptedByUser       = "[interrupted by user]"
	interruptedByFeedback   = "[interrupted by feedback]"
	interruptedByToolResult = "[interrupted by tool result]"
	interruptedMidStream    = "[interrupted: the response stream failed]"
)

const noActionNudge = "You responded with plain text but did not request an action. " +
	"Either request exactly one action or ask the operator a question."

const mistakeLimitText = "Several consecutive turns made no progress. " +
	"Provide guidance, or send an empty response to let the task continue as is."

// Run executes the loop for a fresh task until it ends or is aborted.
func (t *Task) Run(ctx context.Context, taskText string) error {
	return t.runLoop(ctx, []ports.ContentBlock{
		ports.TextBlock(fmt.Sprintf("<task>\n%s\n</task>", taskText)),
	})
}

// Resume restores a task from its persisted history and continues it
// once the operator confirms. Dangling tool uses in the stored history
// are repaired before the first request.
func (t *Task) Resume(ctx context.Context) error {
	if err := t.store.LoadPersisted(ctx); err != nil {
		return fmt.Errorf("load persisted task %s: %w", t.id, err)
	}
	t.lastUsage = t.store.Metadata().Usage

	resp, err := t.exchange.Ask(ctx, ports.AskResumeTask,
		"This task was interrupted. Resume it?", nil, nil)
	if err != nil {
		if errs.IsAbort(err) {
			return err
		}
		return fmt.Errorf("confirm resume of task %s: %w", t.id, err)
	}
	if !resp.Approved {
		return nil
	}

	input := []ports.ContentBlock{
		ports.TextBlock("[task resumed] The previous session was interrupted. " +
			"Reassess the state of the work and continue."),
	}
	if fb := strings.TrimSpace(resp.Text); fb != "" {
		input = append(input, ports.TextBlock("[operator feedback] "+fb))
	}
	return t.runLoop(ctx, input)
}

func (t *Task) runLoop(ctx context.Context, input []ports.ContentBlock) error {
	ctx = id.WithTaskID(ctx, t.id)
	ctx = id.WithParentTaskID(ctx, t.parentID)

	if cp := t.services.Checkpoints; cp != nil {
		// Fire and forget; the loop never waits on checkpointing.
		go cp.Initialize(ctx, t.id)
	}
	t.services.Metrics.TaskStarted(ctx)
	defer t.services.Metrics.TaskFinished(ctx)

	next := input
	for {
		end := t.runTurn(ctx, &next)
		if end || t.aborted.Load() {
			break
		}
	}
	if t.aborted.Load() && !t.abandoned.Load() {
		return errs.ErrTaskAborted
	}
	return nil
}

// runTurn performs one full iteration. It never lets an error escape:
// anything unexpected ends the loop, since the only legitimate source of
// such a failure is the abort path and the host is already discarding
// this task instance.
func (t *Task) runTurn(ctx context.Context, next *[]ports.ContentBlock) (end bool) {
	defer func() {
		if r := recover(); r != nil {
			t.logger.Error("turn %d panicked: %v", t.turns, r)
			end = true
		}
	}()

	if t.aborted.Load() {
		return true
	}
	t.turns++

	if t.consecutiveMistakes >= t.cfg.MistakeLimit {
		if end := t.handleMistakeLimit(ctx, next); end {
			return true
		}
	}

	if t.paused.Load() {
		if err := t.waitForResume(ctx); err != nil {
			return true
		}
	}

	// The loading placeholder goes up before mention resolution and the
	// environment snapshot, which can be slow.
	placeholder, _ := t.store.Upsert(ctx, ports.KindSay, ports.SayRequestStart, "", nil,
		&conversation.UpsertOptions{NonInteractive: true})

	userMsg, err := t.buildUserMessage(ctx, *next)
	if err != nil {
		t.logger.Error("build turn input: %v", err)
		return true
	}
	if t.aborted.Load() {
		return true
	}
	t.store.AppendModelMessage(ctx, userMsg)

	t.applyBudget(ctx)

	start := time.Now()
	meta := ports.RequestMeta{TaskID: t.id, RequestID: id.NewRequestID()}
	ctx = id.WithRequestID(ctx, meta.RequestID)
	chunks, err := t.stream.Request(ctx, t.system, t.store.ModelHistory(), meta)
	if err != nil {
		if errs.IsAbort(err) {
			return true
		}
		t.sayError(ctx, errs.FormatForOperator(err))
		return true
	}

	outcome := t.consumeStream(ctx, chunks)

	status := "ok"
	if outcome.marker != "" || outcome.err != nil {
		status = "interrupted"
	}
	t.store.UpdateByTs(ctx, placeholder.Ts, func(m *ports.DisplayMessage) {
		usage := outcome.usage
		m.Usage = &usage
	})
	t.lastUsage = outcome.usage
	t.services.Metrics.RecordRequest(ctx, t.services.Backend.Model(), status,
		time.Since(start), outcome.usage.InputTokens, outcome.usage.OutputTokens, outcome.usage.TotalCost)

	t.appendAssistantMessage(ctx, outcome)

	switch {
	case outcome.err != nil:
		// Partial output may already have triggered side effects, so the
		// task is cancelled rather than retried. It can be restarted from
		// the persisted history.
		t.sayError(ctx, errs.FormatForOperator(outcome.err))
		t.Abort(ctx, false)
		return true

	case outcome.marker == interruptedByUser:
		return true

	case outcome.feedback != "":
		t.consecutiveMistakes = 0
		*next = []ports.ContentBlock{ports.TextBlock("[operator feedback] " + outcome.feedback)}
		return false

	case strings.TrimSpace(outcome.text) == "" && outcome.action == nil:
		t.sayError(ctx, "The model returned an empty response.")
		t.store.AppendModelMessage(ctx, ports.ModelMessage{
			Role:    ports.RoleAssistant,
			Content: []ports.ContentBlock{ports.TextBlock("Failure: no assistant content was produced for this turn.")},
		})
		return true

	case outcome.action != nil:
		// An abort raised after the action was parsed must still win:
		// no external side effects on an aborted task.
		if t.aborted.Load() {
			return true
		}
		*next = t.executeAction(ctx, *outcome.action)
		return false

	default:
		t.consecutiveMistakes++
		*next = []ports.ContentBlock{ports.TextBlock(noActionNudge)}
		return false
	}
}

// handleMistakeLimit surfaces the stuck-loop ask. Substantive guidance
// is folded into the turn input; either way the counter resets.
func (t *Task) handleMistakeLimit(ctx context.Context, next *[]ports.ContentBlock) (end bool) {
	resp, err := t.exchange.Ask(ctx, ports.AskMistakeLimit, mistakeLimitText, nil, nil)
	if err != nil {
		return true
	}
	if strings.TrimSpace(resp.Text) != "" {
		*next = append([]ports.ContentBlock{
			ports.TextBlock("[operator guidance] " + resp.Text),
		}, *next...)
	}
	t.consecutiveMistakes = 0
	return false
}

// buildUserMessage resolves mentions, folds in the environment snapshot,
// and appends the language steering instruction when configured.
func (t *Task) buildUserMessage(ctx context.Context, input []ports.ContentBlock) (ports.ModelMessage, error) {
	blocks := append([]ports.ContentBlock(nil), input...)

	if resolver := t.services.Resolver; resolver != nil {
		for i := range blocks {
			if blocks[i].Type != ports.BlockText {
				continue
			}
			expanded, err := resolver.ResolveMentions(ctx, blocks[i].Text)
			if err != nil {
				return ports.ModelMessage{}, fmt.Errorf("resolve mentions: %w", err)
			}
			blocks[i].Text = expanded
		}

		// Full file details only on the first turn; later snapshots stay
		// cheap.
		snapshot, err := resolver.SnapshotEnvironment(ctx, t.turns == 1)
		if err != nil {
			t.logger.Warn("environment snapshot: %v", err)
		} else if snapshot != "" {
			blocks = append(blocks, ports.TextBlock("<environment>\n"+snapshot+"\n</environment>"))
		}
	}

	if lang := t.cfg.PreferredLanguage; lang != "" {
		blocks = append(blocks, ports.TextBlock("Always respond in "+lang+"."))
	}

	return ports.ModelMessage{Role: ports.RoleUser, Content: blocks}, nil
}

// applyBudget runs the context window policy and reports a condensation
// to the operator when one happened.
func (t *Task) applyBudget(ctx context.Context) {
	res := t.window.EnsureBudget(ctx, t.store.ModelHistory(), t.lastUsage)
	switch {
	case res.Condensed != nil:
		t.store.OverwriteModelHistory(ctx, res.History)
		t.services.Metrics.RecordCondensation(ctx)
		t.store.Upsert(ctx, ports.KindSay, ports.SayCondense, res.Condensed.Summary, nil,
			&conversation.UpsertOptions{Condense: res.Condensed, NonInteractive: true})
		// Usage snapshots predating the condensation no longer describe
		// the history; force a recount next turn.
		t.lastUsage = ports.TokenUsage{}
	case res.Truncated:
		t.store.OverwriteModelHistory(ctx, res.History)
		t.lastUsage = ports.TokenUsage{}
	}
}

// appendAssistantMessage writes the streamed output, with any
// interruption marker, into the durable model history.
func (t *Task) appendAssistantMessage(ctx context.Context, outcome streamOutcome) {
	text := outcome.text
	if outcome.marker != "" {
		if text != "" {
			text += "\n\n"
		}
		text += outcome.marker
	}
	if text == "" {
		return
	}
	t.store.AppendModelMessage(ctx, ports.ModelMessage{
		Role:    ports.RoleAssistant,
		Content: []ports.ContentBlock{ports.TextBlock(text)},
	})
}

// executeAction runs the single honored action and shapes the next
// turn's input from its result.
func (t *Task) executeAction(ctx context.Context, req ports.ActionRequest) []ports.ContentBlock {
	result, err := t.services.Executor.Execute(ctx, req)
	t.services.Metrics.RecordAction(ctx, req.Name, err != nil)
	if err != nil {
		t.consecutiveMistakes++
		return []ports.ContentBlock{
			ports.TextBlock(fmt.Sprintf("[%s failed] Error: %v", req.Name, err)),
		}
	}
	t.consecutiveMistakes = 0
	if len(result.Blocks) == 0 {
		return []ports.ContentBlock{
			ports.TextBlock(fmt.Sprintf("[%s completed with no output]", req.Name)),
		}
	}
	return result.Blocks
}

func (t *Task) sayError(ctx context.Context, text string) {
	t.store.Upsert(ctx, ports.KindSay, ports.SayError, text, nil, nil)
}
