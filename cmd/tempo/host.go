package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"github.com/chzyer/readline"
	"github.com/fatih/color"
	"github.com/manifoldco/promptui"
	"golang.org/x/term"

	"tempo/internal/actions"
	"tempo/internal/backend"
	"tempo/internal/config"
	"tempo/internal/conversation/filestore"
	"tempo/internal/errs"
	"tempo/internal/exchange"
	"tempo/internal/logging"
	"tempo/internal/metrics"
	"tempo/internal/ports"
	"tempo/internal/task"
)

const systemPrompt = `You are an autonomous coding agent. You work in turns: each of
your responses may request exactly one action, as a fenced block:

` + "```action" + `
{"name": "<action name>", "arguments": {...}}
` + "```" + `

Anything after the first action block in a response is discarded.
Available actions:

- ask_followup_question: arguments {"question": string}. Ask the operator
  when you need information you cannot derive yourself.
- attempt_completion: arguments {"result": string}. Present the final
  outcome of the task. Use it once the task is done.

Work step by step and keep your reasoning short.`

var (
	dimText    = color.New(color.FgHiBlack)
	errorText  = color.New(color.FgRed, color.Bold)
	noteText   = color.New(color.FgYellow)
	resultText = color.New(color.FgGreen)
	askStyle   = color.New(color.FgCyan, color.Bold)
)

// sinkEvent carries one transcript notification from the engine to the
// render loop.
type sinkEvent struct {
	msg     ports.DisplayMessage
	created bool
}

type channelSink struct {
	events chan<- sinkEvent
}

func (s *channelSink) OnDisplayMessageCreated(msg ports.DisplayMessage) {
	s.events <- sinkEvent{msg: msg, created: true}
}

func (s *channelSink) OnDisplayMessageUpdated(msg ports.DisplayMessage) {
	s.events <- sinkEvent{msg: msg}
}

// host owns the terminal: it renders transcript events pushed by the
// engine and answers asks. All prompting happens on the render loop or
// on the engine goroutine while the render loop is idle, never on both
// at once.
type host struct {
	cfg     *config.Config
	logger  logging.Logger
	store   ports.Store
	backend ports.ModelBackend
	metrics *metrics.Collector
	rl      *readline.Instance

	events chan sinkEvent
	tk     *task.Task

	// completed flips when the operator accepts an attempt_completion;
	// the abort that ends the loop is then reported as success.
	completed atomic.Bool

	// bytes of each open partial slot already written to the terminal,
	// keyed by the slot's identity timestamp.
	printed map[int64]int
}

func newHost(cfg *config.Config) (*host, error) {
	if !term.IsTerminal(int(os.Stdin.Fd())) {
		return nil, fmt.Errorf("the interactive host requires a terminal")
	}
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("no API key configured; set TEMPO_API_KEY or api_key in config.yaml")
	}

	logger := logging.NewComponentLogger("host")

	collector, err := metrics.New(cfg.MetricsAddr, logger)
	if err != nil {
		return nil, fmt.Errorf("start metrics: %w", err)
	}

	homeDir, _ := os.UserHomeDir()
	rl, err := readline.NewEx(&readline.Config{
		Prompt:            "> ",
		HistoryFile:       filepath.Join(homeDir, ".tempo", "history"),
		InterruptPrompt:   "^C",
		EOFPrompt:         "exit",
		HistorySearchFold: true,
	})
	if err != nil {
		return nil, fmt.Errorf("initialize readline: %w", err)
	}

	return &host{
		cfg:     cfg,
		logger:  logger,
		store:   filestore.New(cfg.StateDir),
		backend: backend.New(*cfg, logger),
		metrics: collector,
		rl:      rl,
		events:  make(chan sinkEvent, 256),
		printed: make(map[int64]int),
	}, nil
}

// Close releases the terminal and stops the metrics listener.
func (h *host) Close() {
	_ = h.rl.Close()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	_ = h.metrics.Shutdown(ctx)
}

func (h *host) services() task.Services {
	return task.Services{
		Backend:     h.backend,
		Persistence: h.store,
		Parser:      actions.NewParser(h.logger),
		Executor:    &operatorExecutor{h: h},
		Resolver:    &workspaceResolver{},
		Sink:        &channelSink{events: h.events},
		Metrics:     h.metrics,
	}
}

// RunNew starts a fresh task, prompting for the task text when none was
// given on the command line.
func (h *host) RunNew(ctx context.Context, taskText string) error {
	if taskText == "" {
		line, err := h.readLine("task> ")
		if err != nil {
			return err
		}
		taskText = strings.TrimSpace(line)
		if taskText == "" {
			return fmt.Errorf("empty task")
		}
	}

	t := task.New(h.cfg, systemPrompt, h.services(), "")
	h.tk = t
	dimText.Printf("task %s\n", t.ID())
	return h.drive(ctx, t, func(ctx context.Context) error {
		return t.Run(ctx, taskText)
	})
}

// RunResume restores a persisted task, replaying its transcript first.
// With no ID it offers a picker over the persisted tasks.
func (h *host) RunResume(ctx context.Context, taskID string) error {
	if taskID == "" {
		ids, err := listTaskIDs(h.cfg)
		if err != nil {
			return err
		}
		if len(ids) == 0 {
			return fmt.Errorf("no persisted tasks to resume")
		}
		picker := promptui.Select{Label: "Resume task", Items: ids}
		_, picked, err := picker.Run()
		if err != nil {
			return err
		}
		taskID = picked
	}

	h.replayTranscript(ctx, taskID)

	t := task.NewFromHistory(h.cfg, systemPrompt, h.services(), taskID)
	h.tk = t
	dimText.Printf("resuming task %s\n", t.ID())
	return h.drive(ctx, t, t.Resume)
}

func listTaskIDs(cfg *config.Config) ([]string, error) {
	lister, ok := filestore.New(cfg.StateDir).(filestore.TaskLister)
	if !ok {
		return nil, fmt.Errorf("store does not support listing tasks")
	}
	return lister.ListTasks()
}

// replayTranscript prints the finalized history of a task being resumed.
// Historical asks are shown but never re-prompted.
func (h *host) replayTranscript(ctx context.Context, taskID string) {
	msgs, err := h.store.LoadDisplayHistory(ctx, taskID)
	if err != nil {
		h.logger.Warn("load transcript for %s: %v", taskID, err)
		return
	}
	for _, msg := range msgs {
		if msg.IsPartial() || msg.Text == "" {
			continue
		}
		switch {
		case msg.Kind == ports.KindAsk:
			askStyle.Printf("? %s\n", msg.Text)
		case msg.Subtype == ports.SayError:
			errorText.Printf("Error: %s\n", msg.Text)
		case msg.Subtype == ports.SayText:
			fmt.Println(msg.Text)
		default:
			dimText.Printf("%s\n", msg.Text)
		}
	}
}

// drive runs the task loop on its own goroutine while the render loop
// owns the terminal. Ctrl+C is routed to the feedback/abort prompt.
func (h *host) drive(ctx context.Context, t *task.Task, run func(context.Context) error) error {
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt)
	defer signal.Stop(sig)

	done := make(chan error, 1)
	go func() { done <- run(ctx) }()

	for {
		select {
		case ev := <-h.events:
			h.handleEvent(ctx, t, ev, true)
		case <-sig:
			h.handleInterrupt(ctx, t)
		case err := <-done:
			h.flushEvents(ctx, t)
			fmt.Println()
			if h.completed.Load() && errors.Is(err, errs.ErrTaskAborted) {
				return nil
			}
			return err
		}
	}
}

// flushEvents renders whatever the engine pushed before the loop ended.
// No prompting: there is nothing left to answer.
func (h *host) flushEvents(ctx context.Context, t *task.Task) {
	for {
		select {
		case ev := <-h.events:
			h.handleEvent(ctx, t, ev, false)
		default:
			return
		}
	}
}

func (h *host) handleEvent(ctx context.Context, t *task.Task, ev sinkEvent, interactive bool) {
	if ev.msg.Kind == ports.KindAsk {
		h.renderAsk(ctx, t, ev.msg, interactive)
		return
	}
	h.renderSay(ev.msg)
}

// renderAsk shows the question and, when the ask is awaiting an answer,
// prompts the operator and delivers the response.
func (h *host) renderAsk(ctx context.Context, t *task.Task, msg ports.DisplayMessage, interactive bool) {
	if msg.IsPartial() {
		return
	}
	fmt.Println()
	if !interactive {
		askStyle.Printf("? %s\n", msg.Text)
		return
	}

	switch msg.Subtype {
	case ports.AskRetryApproval, ports.AskAutoApproveCap, ports.AskActionApproval, ports.AskResumeTask:
		ok, err := h.confirm(msg.Text)
		if err != nil {
			t.Abort(ctx, false)
			return
		}
		t.HandleResponse(exchange.Response{Approved: ok})
	default:
		askStyle.Printf("? %s\n", msg.Text)
		line, err := h.readLine("answer> ")
		if err != nil {
			t.Abort(ctx, false)
			return
		}
		t.HandleResponse(exchange.Response{Approved: true, Text: strings.TrimSpace(line)})
	}
}

func (h *host) renderSay(msg ports.DisplayMessage) {
	switch msg.Subtype {
	case ports.SayRequestStart:
		if msg.Usage != nil {
			dimText.Printf("\n[tokens in=%d out=%d cost=$%.4f]\n",
				msg.Usage.InputTokens, msg.Usage.OutputTokens, msg.Usage.TotalCost)
		}

	case ports.SayText:
		h.streamText(msg, nil)

	case ports.SayReasoning:
		h.streamText(msg, dimText)

	case ports.SayRetryCountdown:
		noteText.Printf("\r%s", msg.Text)
		if !msg.IsPartial() {
			fmt.Println()
		}

	case ports.SayError:
		errorText.Printf("\nError: %s\n", msg.Text)

	case ports.SayCondense:
		if msg.Condense != nil {
			noteText.Printf("\n[condensed context: %d -> %d tokens]\n",
				msg.Condense.TokensBefore, msg.Condense.TokensAfter)
		}

	case ports.SaySubtaskResult:
		resultText.Printf("\n[subtask result] %s\n", msg.Text)

	default:
		if msg.Text != "" {
			fmt.Println(msg.Text)
		}
	}
}

// streamText prints only the not-yet-written tail of an open partial
// slot, so streaming output appears incrementally on one flow.
func (h *host) streamText(msg ports.DisplayMessage, style *color.Color) {
	already := h.printed[msg.Ts]
	if already > len(msg.Text) {
		// The finalized text can only grow; a shrink means a fresh slot
		// reused the terminal line.
		already = 0
	}
	delta := msg.Text[already:]
	if delta != "" {
		if style != nil {
			style.Print(delta)
		} else {
			fmt.Print(delta)
		}
	}

	if msg.IsPartial() {
		h.printed[msg.Ts] = len(msg.Text)
		return
	}
	fmt.Println()
	delete(h.printed, msg.Ts)
}

// handleInterrupt converts Ctrl+C into either mid-stream feedback or an
// abort. An empty line (or a second Ctrl+C) aborts.
func (h *host) handleInterrupt(ctx context.Context, t *task.Task) {
	if t.Aborted() {
		return
	}
	fmt.Println()
	line, err := h.readLine("interrupted. feedback (empty aborts)> ")
	if err != nil || strings.TrimSpace(line) == "" {
		t.Abort(ctx, false)
		noteText.Println("aborting task")
		return
	}
	t.InterruptWithFeedback(strings.TrimSpace(line))
}

func (h *host) readLine(prompt string) (string, error) {
	h.rl.SetPrompt(prompt)
	defer h.rl.SetPrompt("> ")
	return h.rl.Readline()
}

func (h *host) confirm(label string) (bool, error) {
	sel := promptui.Select{Label: label, Items: []string{"Yes", "No"}}
	idx, _, err := sel.Run()
	if err != nil {
		return false, err
	}
	return idx == 0, nil
}
