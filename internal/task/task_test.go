package task

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tempo/internal/actions"
	"tempo/internal/config"
	"tempo/internal/errs"
	"tempo/internal/exchange"
	"tempo/internal/ports"
	"tempo/internal/ports/mocks"
)

// fnBackend scripts each turn as a function that writes chunks. Turns
// past the script stream a usage chunk and nothing else, which ends the
// loop through the empty-response path.
type fnBackend struct {
	mu      sync.Mutex
	turns   []func(ch chan<- ports.Chunk)
	history [][]ports.ModelMessage
}

func (b *fnBackend) CreateMessage(_ context.Context, _ string, history []ports.ModelMessage, _ ports.RequestMeta) (<-chan ports.Chunk, error) {
	b.mu.Lock()
	b.history = append(b.history, append([]ports.ModelMessage(nil), history...))
	var fn func(ch chan<- ports.Chunk)
	if len(b.turns) > 0 {
		fn = b.turns[0]
		b.turns = b.turns[1:]
	}
	b.mu.Unlock()

	ch := make(chan ports.Chunk)
	go func() {
		defer close(ch)
		if fn != nil {
			fn(ch)
		}
		ch <- ports.Chunk{Kind: ports.ChunkUsage, Usage: &ports.TokenUsage{InputTokens: 10, OutputTokens: 5, TotalCost: 0.001}}
	}()
	return ch, nil
}

func (b *fnBackend) Limits() ports.ModelLimits {
	return ports.ModelLimits{MaxTokens: 8192, ContextWindow: 200000}
}

func (b *fnBackend) Model() string { return "fn-model" }

func (b *fnBackend) callCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.history)
}

func (b *fnBackend) historyAt(i int) []ports.ModelMessage {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.history[i]
}

func sendText(texts ...string) func(ch chan<- ports.Chunk) {
	return func(ch chan<- ports.Chunk) {
		for _, text := range texts {
			ch <- ports.Chunk{Kind: ports.ChunkText, Text: text}
		}
	}
}

func actionBlock(name string) string {
	return "```action\n{\"name\": \"" + name + "\", \"arguments\": {}}\n```"
}

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.RetryBaseDelay = time.Millisecond
	cfg.RetryMaxDelay = 5 * time.Millisecond
	cfg.AutoApprovalLimit = 0
	cfg.CondenseEnabled = false
	return cfg
}

func newTestTask(t *testing.T, backend ports.ModelBackend) (*Task, *mocks.MockExecutor, *mocks.MockWorkspace) {
	t.Helper()
	executor := &mocks.MockExecutor{}
	workspace := &mocks.MockWorkspace{}
	tk := New(testConfig(), "system prompt", Services{
		Backend:     backend,
		Persistence: mocks.NewMemoryStore(),
		Parser:      actions.NewParser(nil),
		Executor:    executor,
		Workspace:   workspace,
	}, "")
	tk.pausePoll = 5 * time.Millisecond
	return tk, executor, workspace
}

func TestTurnExecutesActionAndFeedsResultForward(t *testing.T) {
	backend := &fnBackend{turns: []func(ch chan<- ports.Chunk){
		sendText("Reading the file.\n", actionBlock("read_file")),
	}}
	tk, executor, _ := newTestTask(t, backend)
	executor.ExecuteFunc = func(_ context.Context, req ports.ActionRequest) (ports.ActionResult, error) {
		return ports.ActionResult{Blocks: []ports.ContentBlock{ports.TextBlock("file contents here")}}, nil
	}

	require.NoError(t, tk.Run(context.Background(), "fix the bug"))

	require.Equal(t, 1, executor.ExecutedCount())
	assert.Equal(t, "read_file", executor.Executed[0].Name)

	// Turn 2's request carries the action result as the new user message.
	require.GreaterOrEqual(t, backend.callCount(), 2)
	second := backend.historyAt(1)
	last := second[len(second)-1]
	assert.Equal(t, ports.RoleUser, last.Role)
	assert.Equal(t, "file contents here", last.Content[0].Text)
}

func TestOnlyFirstActionIsHonored(t *testing.T) {
	backend := &fnBackend{turns: []func(ch chan<- ports.Chunk){
		sendText(
			"First: ", actionBlock("first_action"),
			"\nand also ", actionBlock("second_action"),
		),
	}}
	tk, executor, _ := newTestTask(t, backend)

	require.NoError(t, tk.Run(context.Background(), "fix the bug"))

	require.Equal(t, 1, executor.ExecutedCount(), "exactly one action per turn")
	assert.Equal(t, "first_action", executor.Executed[0].Name)

	// The trailing content is discarded and the cut is marked.
	history := tk.Store().ModelHistory()
	var assistant *ports.ModelMessage
	for i := range history {
		if history[i].Role == ports.RoleAssistant {
			assistant = &history[i]
			break
		}
	}
	require.NotNil(t, assistant)
	text := assistant.Content[0].Text
	assert.Contains(t, text, "first_action")
	assert.NotContains(t, text, "second_action")
	assert.Contains(t, text, interruptedByToolResult)
}

func TestAbortWhileStreamingWritesMarker(t *testing.T) {
	gate := make(chan struct{})
	backend := &fnBackend{turns: []func(ch chan<- ports.Chunk){
		func(ch chan<- ports.Chunk) {
			ch <- ports.Chunk{Kind: ports.ChunkText, Text: "partial answer"}
			<-gate
			ch <- ports.Chunk{Kind: ports.ChunkText, Text: " never shown"}
		},
	}}
	tk, _, workspace := newTestTask(t, backend)
	ctx := context.Background()

	done := make(chan error, 1)
	go func() { done <- tk.Run(ctx, "fix the bug") }()

	waitForDisplay(t, tk, func(m ports.DisplayMessage) bool {
		return m.Subtype == ports.SayText && strings.Contains(m.Text, "partial answer")
	})
	tk.Abort(ctx, false)
	close(gate)

	require.ErrorIs(t, <-done, errs.ErrTaskAborted)

	// Transcript shows the partial text plus the marker.
	var final string
	for _, m := range tk.Store().DisplayHistory() {
		if m.Subtype == ports.SayText {
			final = m.Text
		}
	}
	assert.Contains(t, final, "partial answer")
	assert.Contains(t, final, interruptedByUser)

	// The model-facing history carries the same marker, not a silent cut.
	history := tk.Store().ModelHistory()
	last := history[len(history)-1]
	assert.Equal(t, ports.RoleAssistant, last.Role)
	assert.Contains(t, last.Content[0].Text, interruptedByUser)

	assert.Equal(t, 1, workspace.Reverted, "abort reverts pending edit state")
	assert.Equal(t, 1, workspace.Released)
}

func TestAbortDuringTrailingDiscardSkipsAction(t *testing.T) {
	gate := make(chan struct{})
	backend := &fnBackend{turns: []func(ch chan<- ports.Chunk){
		func(ch chan<- ports.Chunk) {
			ch <- ports.Chunk{Kind: ports.ChunkText, Text: "Plan: " + actionBlock("run_command")}
			ch <- ports.Chunk{Kind: ports.ChunkText, Text: " trailing prose"}
			<-gate
			ch <- ports.Chunk{Kind: ports.ChunkText, Text: " more trailing prose"}
		},
	}}
	tk, executor, _ := newTestTask(t, backend)
	ctx := context.Background()

	done := make(chan error, 1)
	go func() { done <- tk.Run(ctx, "fix the bug") }()

	waitForDisplay(t, tk, func(m ports.DisplayMessage) bool {
		return m.Subtype == ports.SayText && strings.Contains(m.Text, "run_command")
	})
	tk.Abort(ctx, false)
	close(gate)

	require.ErrorIs(t, <-done, errs.ErrTaskAborted)
	assert.Zero(t, executor.ExecutedCount(), "no action runs after abort")

	// The cut is attributed to the user, not the discarded tail.
	history := tk.Store().ModelHistory()
	last := history[len(history)-1]
	require.Equal(t, ports.RoleAssistant, last.Role)
	assert.Contains(t, last.Content[0].Text, interruptedByUser)
	assert.NotContains(t, last.Content[0].Text, interruptedByToolResult)
}

func TestAbortIsIdempotent(t *testing.T) {
	tk, _, workspace := newTestTask(t, &fnBackend{})
	ctx := context.Background()

	tk.Abort(ctx, false)
	tk.Abort(ctx, true)
	tk.Abort(ctx, false)

	assert.True(t, tk.Aborted())
	assert.True(t, tk.Abandoned(), "abandoned sticks even when set on a repeat call")
	assert.Equal(t, 1, workspace.Reverted, "teardown runs once")
}

func TestMidStreamFailureCancelsTask(t *testing.T) {
	backend := &fnBackend{turns: []func(ch chan<- ports.Chunk){
		func(ch chan<- ports.Chunk) {
			ch <- ports.Chunk{Kind: ports.ChunkText, Text: "half an answer"}
			ch <- ports.Chunk{Err: errors.New("connection reset by peer")}
		},
	}}
	tk, executor, _ := newTestTask(t, backend)

	err := tk.Run(context.Background(), "fix the bug")
	require.ErrorIs(t, err, errs.ErrTaskAborted)

	assert.True(t, tk.Aborted(), "mid-stream failure forces cancellation")
	assert.Zero(t, executor.ExecutedCount())

	history := tk.Store().ModelHistory()
	last := history[len(history)-1]
	assert.Contains(t, last.Content[0].Text, interruptedMidStream)
	assert.Equal(t, 1, backend.callCount(), "mid-stream failures are never retried")
}

func TestEmptyResponseEndsLoopWithFailurePlaceholder(t *testing.T) {
	tk, _, _ := newTestTask(t, &fnBackend{})

	require.NoError(t, tk.Run(context.Background(), "fix the bug"))

	history := tk.Store().ModelHistory()
	last := history[len(history)-1]
	assert.Equal(t, ports.RoleAssistant, last.Role)
	assert.Contains(t, last.Content[0].Text, "Failure")

	var sawError bool
	for _, m := range tk.Store().DisplayHistory() {
		if m.Subtype == ports.SayError {
			sawError = true
		}
	}
	assert.True(t, sawError)
}

func TestNoActionNudgeIncrementsMistakes(t *testing.T) {
	backend := &fnBackend{turns: []func(ch chan<- ports.Chunk){
		sendText("Just musing out loud, no action requested."),
	}}
	tk, _, _ := newTestTask(t, backend)

	require.NoError(t, tk.Run(context.Background(), "fix the bug"))

	assert.Equal(t, 1, tk.consecutiveMistakes)
	second := backend.historyAt(1)
	last := second[len(second)-1]
	assert.Contains(t, last.Content[0].Text, "did not request an action")
}

func TestMistakeLimitAskResetsCounter(t *testing.T) {
	tk, _, _ := newTestTask(t, &fnBackend{})
	tk.consecutiveMistakes = tk.cfg.MistakeLimit

	go func() {
		waitForDisplay(t, tk, func(m ports.DisplayMessage) bool {
			return m.Subtype == ports.AskMistakeLimit
		})
		tk.HandleResponse(exchange.Response{Text: ""})
	}()

	next := []ports.ContentBlock{ports.TextBlock("original input")}
	end := tk.handleMistakeLimit(context.Background(), &next)

	assert.False(t, end)
	assert.Zero(t, tk.consecutiveMistakes, "counter resets even without guidance")
	require.Len(t, next, 1, "no guidance means no extra input block")
	assert.Equal(t, "original input", next[0].Text)
}

func TestMistakeLimitGuidanceIsFoldedIn(t *testing.T) {
	tk, _, _ := newTestTask(t, &fnBackend{})
	tk.consecutiveMistakes = tk.cfg.MistakeLimit

	go func() {
		waitForDisplay(t, tk, func(m ports.DisplayMessage) bool {
			return m.Subtype == ports.AskMistakeLimit
		})
		tk.HandleResponse(exchange.Response{Text: "try the other module"})
	}()

	next := []ports.ContentBlock{ports.TextBlock("original input")}
	end := tk.handleMistakeLimit(context.Background(), &next)

	assert.False(t, end)
	require.Len(t, next, 2)
	assert.Contains(t, next[0].Text, "try the other module")
	assert.Equal(t, "original input", next[1].Text)
}

func TestSubtaskResultResumesParent(t *testing.T) {
	tk, _, _ := newTestTask(t, &fnBackend{})
	ctx := context.Background()

	child := tk.SpawnSubtask()
	assert.True(t, tk.Paused())
	assert.Equal(t, tk.ID(), child.ParentID())
	assert.NotEqual(t, tk.ID(), child.ID())

	waitDone := make(chan error, 1)
	go func() { waitDone <- tk.waitForResume(ctx) }()

	time.Sleep(15 * time.Millisecond)
	tk.ResumeWithResult(ctx, "R")

	require.NoError(t, <-waitDone)
	assert.False(t, tk.Paused())

	var sawResult bool
	for _, m := range tk.Store().DisplayHistory() {
		if m.Subtype == ports.SaySubtaskResult && m.Text == "R" {
			sawResult = true
		}
	}
	assert.True(t, sawResult)

	history := tk.Store().ModelHistory()
	last := history[len(history)-1]
	assert.Equal(t, ports.RoleUser, last.Role)
	assert.Equal(t, "[new_task completed] Result: R", last.Content[0].Text)
}

func TestAbortUnblocksPauseWait(t *testing.T) {
	tk, _, _ := newTestTask(t, &fnBackend{})
	ctx := context.Background()

	tk.Pause()
	done := make(chan error, 1)
	go func() { done <- tk.waitForResume(ctx) }()

	time.Sleep(15 * time.Millisecond)
	tk.Abort(ctx, false)

	select {
	case err := <-done:
		assert.ErrorIs(t, err, errs.ErrTaskAborted)
	case <-time.After(time.Second):
		t.Fatal("pause wait leaked past abort")
	}
}

func TestResumeRepairsDanglingToolUse(t *testing.T) {
	persistence := mocks.NewMemoryStore()
	ctx := context.Background()

	backend := &fnBackend{}
	executor := &mocks.MockExecutor{}
	tk := New(testConfig(), "system prompt", Services{
		Backend:     backend,
		Persistence: persistence,
		Parser:      actions.NewParser(nil),
		Executor:    executor,
	}, "")
	tk.pausePoll = 5 * time.Millisecond

	require.NoError(t, persistence.SaveModelHistory(ctx, tk.ID(), []ports.ModelMessage{
		{Role: ports.RoleUser, Content: []ports.ContentBlock{ports.TextBlock("fix the bug")}},
		{Role: ports.RoleAssistant, Content: []ports.ContentBlock{
			{Type: ports.BlockToolUse, ToolUseID: "t1", ToolName: "write_file"},
		}},
	}))

	go func() {
		waitForDisplay(t, tk, func(m ports.DisplayMessage) bool {
			return m.Kind == ports.KindAsk && m.Subtype == ports.AskResumeTask
		})
		tk.HandleResponse(exchange.Response{Approved: true, Text: "focus on the parser"})
	}()

	require.NoError(t, tk.Resume(ctx))

	first := backend.historyAt(0)
	var sawRepair, sawResumption, sawGuidance bool
	for _, msg := range first {
		for _, block := range msg.Content {
			if block.Type == ports.BlockToolResult && block.ToolUseID == "t1" {
				sawRepair = true
			}
			if strings.Contains(block.Text, "[task resumed]") {
				sawResumption = true
			}
			if strings.Contains(block.Text, "[operator feedback] focus on the parser") {
				sawGuidance = true
			}
		}
	}
	assert.True(t, sawRepair, "dangling tool use gets an interrupted result")
	assert.True(t, sawResumption)
	assert.True(t, sawGuidance)
}

func TestResumeDeclinedLeavesTaskUntouched(t *testing.T) {
	persistence := mocks.NewMemoryStore()
	ctx := context.Background()

	backend := &fnBackend{}
	tk := New(testConfig(), "system prompt", Services{
		Backend:     backend,
		Persistence: persistence,
		Parser:      actions.NewParser(nil),
		Executor:    &mocks.MockExecutor{},
	}, "")

	require.NoError(t, persistence.SaveModelHistory(ctx, tk.ID(), []ports.ModelMessage{
		{Role: ports.RoleUser, Content: []ports.ContentBlock{ports.TextBlock("fix the bug")}},
	}))

	go func() {
		waitForDisplay(t, tk, func(m ports.DisplayMessage) bool {
			return m.Kind == ports.KindAsk && m.Subtype == ports.AskResumeTask
		})
		tk.HandleResponse(exchange.Response{Approved: false})
	}()

	require.NoError(t, tk.Resume(ctx))
	assert.Equal(t, 0, backend.callCount(), "no request is issued for a declined resume")
}

func TestFeedbackMidStreamStartsNextTurnWithIt(t *testing.T) {
	gate := make(chan struct{})
	backend := &fnBackend{turns: []func(ch chan<- ports.Chunk){
		func(ch chan<- ports.Chunk) {
			ch <- ports.Chunk{Kind: ports.ChunkText, Text: "about to do something bad"}
			<-gate
			ch <- ports.Chunk{Kind: ports.ChunkText, Text: " more"}
		},
	}}
	tk, _, _ := newTestTask(t, backend)

	done := make(chan error, 1)
	go func() { done <- tk.Run(context.Background(), "fix the bug") }()

	waitForDisplay(t, tk, func(m ports.DisplayMessage) bool {
		return m.Subtype == ports.SayText && strings.Contains(m.Text, "about to do")
	})
	tk.InterruptWithFeedback("do not touch prod")
	close(gate)

	require.NoError(t, <-done)

	require.GreaterOrEqual(t, backend.callCount(), 2)
	second := backend.historyAt(1)
	last := second[len(second)-1]
	assert.Contains(t, last.Content[0].Text, "do not touch prod")

	// The cut is visible in the durable history.
	var sawMarker bool
	for _, msg := range second {
		for _, block := range msg.Content {
			if strings.Contains(block.Text, interruptedByFeedback) {
				sawMarker = true
			}
		}
	}
	assert.True(t, sawMarker)
}

func TestPreferredLanguageSteering(t *testing.T) {
	backend := &fnBackend{}
	executor := &mocks.MockExecutor{}
	cfg := testConfig()
	cfg.PreferredLanguage = "Spanish"
	tk := New(cfg, "system prompt", Services{
		Backend:     backend,
		Persistence: mocks.NewMemoryStore(),
		Parser:      actions.NewParser(nil),
		Executor:    executor,
	}, "")

	require.NoError(t, tk.Run(context.Background(), "fix the bug"))

	first := backend.historyAt(0)
	var sawSteering bool
	for _, block := range first[0].Content {
		if strings.Contains(block.Text, "Always respond in Spanish") {
			sawSteering = true
		}
	}
	assert.True(t, sawSteering)
}

// waitForDisplay polls the transcript until a message matches, failing
// the test after a generous deadline.
func waitForDisplay(t *testing.T, tk *Task, match func(ports.DisplayMessage) bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		for _, m := range tk.Store().DisplayHistory() {
			if match(m) {
				return
			}
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal("expected display message never appeared")
}
