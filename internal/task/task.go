// Package task drives one end-to-end unit of agent work: the turn-taking
// loop against the model backend, single-action-per-turn execution, the
// pause/resume hand-off with sub-tasks, and cooperative abort.
package task

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"tempo/internal/config"
	"tempo/internal/contextmgr"
	"tempo/internal/conversation"
	"tempo/internal/errs"
	"tempo/internal/exchange"
	"tempo/internal/logging"
	"tempo/internal/metrics"
	"tempo/internal/ports"
	"tempo/internal/stream"
	"tempo/internal/utils/id"
)

const defaultPausePoll = time.Second

// Services bundles the external collaborators a task consumes. Backend,
// Persistence, Parser and Executor are required; the rest are optional
// capability handles checked before every use.
type Services struct {
	Backend     ports.ModelBackend
	Persistence ports.Store
	Parser      ports.ActionParser
	Executor    ports.ActionExecutor

	Resolver    ports.MentionResolver
	Sink        ports.PresentationSink
	Checkpoints ports.CheckpointService
	Workspace   ports.Workspace
	Modes       ports.ModeController
	Metrics     *metrics.Collector
}

// Task is one unit of agent work. All of its loop, streaming, and waits
// run on a single logical thread; concurrency comes only from sibling
// tasks and bounded timers.
type Task struct {
	id       string
	parentID string

	cfg      *config.Config
	system   string
	services Services

	store    *conversation.Store
	exchange *exchange.Controller
	stream   *stream.Controller
	window   *contextmgr.Manager
	logger   logging.Logger

	aborted   atomic.Bool
	abandoned atomic.Bool
	paused    atomic.Bool

	// feedback delivered mid-stream by the operator; consumed once by
	// the streaming read loop.
	mu             sync.Mutex
	streamFeedback string

	turns               int
	consecutiveMistakes int
	lastUsage           ports.TokenUsage

	pausedMode string
	pausePoll  time.Duration
}

// New creates a task ready to Run. parentID is empty for top-level tasks.
func New(cfg *config.Config, system string, services Services, parentID string) *Task {
	return newTask(id.NewTaskID(), parentID, cfg, system, services)
}

// NewFromHistory binds a task to an existing persisted task ID so it can
// be Resumed.
func NewFromHistory(cfg *config.Config, system string, services Services, taskID string) *Task {
	return newTask(taskID, "", cfg, system, services)
}

func newTask(taskID, parentID string, cfg *config.Config, system string, services Services) *Task {
	t := &Task{
		id:        taskID,
		parentID:  parentID,
		cfg:       cfg,
		system:    system,
		services:  services,
		logger:    logging.NewComponentLogger("task"),
		pausePoll: defaultPausePoll,
	}
	t.store = conversation.NewStore(t.id, services.Persistence, services.Sink, t.logger)
	t.exchange = exchange.NewController(t.store, t.aborted.Load, t.logger)
	t.stream = stream.NewController(
		services.Backend,
		t.exchange,
		errs.NewCircuitBreaker(services.Backend.Model(), errs.DefaultCircuitBreakerConfig()),
		services.Metrics,
		stream.Options{
			Retry: errs.RetryConfig{
				AutoRetry:   cfg.AutoRetry,
				MaxAttempts: cfg.MaxRetryAttempts,
				BaseDelay:   cfg.RetryBaseDelay,
				MaxDelay:    cfg.RetryMaxDelay,
			},
			RateLimitInterval: cfg.RateLimitInterval,
			AutoApprovalLimit: cfg.AutoApprovalLimit,
		},
		t.aborted.Load,
		t.logger,
	)
	t.window = contextmgr.NewManager(services.Backend, contextmgr.Options{
		CondenseEnabled:   cfg.CondenseEnabled,
		CondenseThreshold: cfg.CondenseThreshold,
	}, t.logger)
	return t
}

// ID returns the task identifier.
func (t *Task) ID() string { return t.id }

// ParentID returns the parent task identifier, empty for top-level tasks.
func (t *Task) ParentID() string { return t.parentID }

// Store exposes the task's conversation logs.
func (t *Task) Store() *conversation.Store { return t.store }

// Aborted reports whether the task has been cancelled.
func (t *Task) Aborted() bool { return t.aborted.Load() }

// Abandoned reports whether a replacement task instance took over.
func (t *Task) Abandoned() bool { return t.abandoned.Load() }

// Paused reports whether the task is waiting on a sub-task.
func (t *Task) Paused() bool { return t.paused.Load() }

// Turns returns the number of completed loop iterations.
func (t *Task) Turns() int { return t.turns }

// HandleResponse delivers the operator's answer to the pending ask.
func (t *Task) HandleResponse(resp exchange.Response) {
	t.exchange.HandleResponse(resp)
}

// InterruptWithFeedback rejects the in-flight stream: the read loop stops
// at the next chunk and marks the rest of the message as interrupted by
// feedback. The text is folded into the next turn's input.
func (t *Task) InterruptWithFeedback(text string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if text == "" {
		text = "(rejected without comment)"
	}
	t.streamFeedback = text
}

func (t *Task) takeStreamFeedback() (string, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	fb := t.streamFeedback
	t.streamFeedback = ""
	return fb, fb != ""
}

// Abort sets the cooperative cancellation flag, clears any pause wait,
// and tears down externally-held resources. Idempotent; the stream's own
// read loop observes the flag and shuts down gracefully on its next
// chunk. isAbandoned additionally marks the task as replaced, so all
// further async work silently no-ops.
func (t *Task) Abort(ctx context.Context, isAbandoned bool) {
	if isAbandoned {
		t.abandoned.Store(true)
	}
	if t.aborted.Swap(true) {
		return
	}
	t.paused.Store(false)

	if ws := t.services.Workspace; ws != nil {
		if err := ws.RevertPendingEdits(ctx); err != nil {
			t.logger.Warn("revert pending edits: %v", err)
		}
		if err := ws.ReleaseResources(ctx); err != nil {
			t.logger.Warn("release resources: %v", err)
		}
	}
	t.logger.Info("task %s aborted (abandoned=%v)", t.id, isAbandoned)
}

// Pause suspends the loop while a sub-task runs and remembers the active
// mode so it can be restored on resume.
func (t *Task) Pause() {
	if modes := t.services.Modes; modes != nil {
		t.pausedMode = modes.CurrentMode()
	}
	t.paused.Store(true)
	t.logger.Info("task %s paused", t.id)
}

// ResumeWithResult clears the pause and folds the child's result into
// the conversation as a synthetic turn: a display message for the
// operator and a user-role model message for the next request.
func (t *Task) ResumeWithResult(ctx context.Context, result string) {
	t.paused.Store(false)

	if err := t.exchange.Say(ctx, ports.SaySubtaskResult, result, nil, nil); err != nil {
		t.logger.Warn("report subtask result: %v", err)
	}
	t.store.AppendModelMessage(ctx, ports.ModelMessage{
		Role:    ports.RoleUser,
		Content: []ports.ContentBlock{ports.TextBlock(fmt.Sprintf("[new_task completed] Result: %s", result))},
	})
	t.logger.Info("task %s resumed with subtask result", t.id)
}

// SpawnSubtask pauses this task and creates the child that will perform
// the delegated work. The host runs the child and calls ResumeWithResult
// with its outcome.
func (t *Task) SpawnSubtask() *Task {
	t.Pause()
	return New(t.cfg, t.system, t.services, t.id)
}

// waitForResume polls the pause flag on a bounded interval. The ticker
// is stopped on every exit path, so no timer outlives the wait. There is
// deliberately no timeout: a parent waits on its child indefinitely.
func (t *Task) waitForResume(ctx context.Context) error {
	ticker := time.NewTicker(t.pausePoll)
	defer ticker.Stop()

	for t.paused.Load() {
		if t.aborted.Load() {
			return errs.ErrTaskAborted
		}
		select {
		case <-ctx.Done():
			return errs.ErrTaskAborted
		case <-ticker.C:
		}
	}
	if t.aborted.Load() {
		return errs.ErrTaskAborted
	}

	// Restore the mode that was active when the pause began.
	if modes := t.services.Modes; modes != nil && t.pausedMode != "" && modes.CurrentMode() != t.pausedMode {
		if err := modes.SwitchMode(ctx, t.pausedMode); err != nil {
			t.logger.Warn("switch mode back to %s: %v", t.pausedMode, err)
		} else {
			// Give the host a moment to apply the switch.
			select {
			case <-ctx.Done():
				return errs.ErrTaskAborted
			case <-time.After(t.pausePoll / 10):
			}
		}
	}
	return nil
}
