package contextmgr

import (
	"context"
	"fmt"
	"strings"

	"tempo/internal/logging"
	"tempo/internal/ports"
)

// summaryMarker prefixes every synthetic summary message so later passes
// can find the last condensation point in a reloaded history.
const summaryMarker = "[conversation summary]"

const summarizeSystemPrompt = `You are summarizing an agent coding session so it can continue in a smaller context window.
Produce a dense recap of: the user's goal, decisions made, files touched, actions taken and their results, and what remains to be done.
Write plain prose. Do not address the user.`

// Options configures the manager.
type Options struct {
	// CondenseEnabled turns summarization on. When off, only lossy
	// truncation is applied.
	CondenseEnabled bool

	// CondenseThreshold is the fraction of the context window at which
	// condensation triggers, e.g. 0.75.
	CondenseThreshold float64
}

// Result is the outcome of one EnsureBudget pass.
type Result struct {
	History   []ports.ModelMessage
	Condensed *ports.CondenseRecord
	Truncated bool
}

// Manager applies the budget policy before each model request.
type Manager struct {
	backend ports.ModelBackend
	counter *TokenCounter
	opts    Options
	logger  logging.Logger
}

// NewManager builds a manager that summarizes through the same backend
// the task streams from.
func NewManager(backend ports.ModelBackend, opts Options, logger logging.Logger) *Manager {
	return &Manager{
		backend: backend,
		counter: NewTokenCounter(),
		opts:    opts,
		logger:  logging.OrNop(logger),
	}
}

// Counter exposes the manager's token counter.
func (m *Manager) Counter() *TokenCounter { return m.counter }

// EnsureBudget fits history into the model's window. lastUsage is the
// usage snapshot from the previous request; when zero the history is
// counted directly. Summarization failure is non-fatal: the manager
// falls back to truncation and the turn proceeds.
func (m *Manager) EnsureBudget(ctx context.Context, history []ports.ModelMessage, lastUsage ports.TokenUsage) Result {
	limits := m.backend.Limits()
	budget := limits.ContextWindow - limits.MaxTokens
	if budget <= 0 {
		budget = limits.ContextWindow
	}

	tokens := lastUsage.InputTokens + lastUsage.CacheWriteTokens + lastUsage.CacheReadTokens + lastUsage.OutputTokens
	if tokens == 0 {
		tokens = int64(m.counter.CountHistory(history))
	}

	overHardMax := tokens > int64(budget)
	overThreshold := m.opts.CondenseEnabled &&
		float64(tokens) > float64(limits.ContextWindow)*m.opts.CondenseThreshold

	if !overHardMax && !overThreshold {
		return Result{History: history}
	}

	if m.opts.CondenseEnabled {
		if condensed, record, ok := m.condense(ctx, history, tokens); ok {
			return Result{History: condensed, Condensed: record}
		}
	}

	if !overHardMax {
		// Threshold crossed but condensation produced nothing new; do not
		// truncate until the hard limit forces it.
		return Result{History: history}
	}

	truncated := m.truncate(history, budget)
	return Result{History: truncated, Truncated: len(truncated) != len(history)}
}

// condense replaces the oldest eligible span with one summary message.
// The first message and everything from the most recent user turn onward
// are always kept; a previous summary is folded into the new one. It is
// a no-op when nothing has been said since the last summary, which makes
// immediate re-invocation idempotent.
func (m *Manager) condense(ctx context.Context, history []ports.ModelMessage, tokensBefore int64) ([]ports.ModelMessage, *ports.CondenseRecord, bool) {
	keepFrom := lastUserIndex(history)
	if keepFrom <= 1 {
		return nil, nil, false
	}
	lastSummary := lastSummaryIndex(history)
	if lastSummary >= 0 && keepFrom-lastSummary <= 1 {
		return nil, nil, false
	}

	span := history[1:keepFrom]
	summary, cost, err := m.summarize(ctx, span)
	if err != nil {
		m.logger.Warn("condense failed, falling back to truncation: %v", err)
		return nil, nil, false
	}

	summaryMsg := ports.ModelMessage{
		Role:    ports.RoleAssistant,
		Content: []ports.ContentBlock{ports.TextBlock(summaryMarker + "\n" + summary)},
	}

	condensed := make([]ports.ModelMessage, 0, 2+len(history)-keepFrom)
	condensed = append(condensed, history[0], summaryMsg)
	condensed = append(condensed, history[keepFrom:]...)

	record := &ports.CondenseRecord{
		Summary:      summary,
		Cost:         cost,
		TokensBefore: tokensBefore,
		TokensAfter:  int64(m.counter.CountHistory(condensed)),
	}
	return condensed, record, true
}

// summarize runs one summarization request over the span and returns the
// summary text plus the monetary cost of the call itself.
func (m *Manager) summarize(ctx context.Context, span []ports.ModelMessage) (string, float64, error) {
	request := append(append([]ports.ModelMessage(nil), span...), ports.ModelMessage{
		Role:    ports.RoleUser,
		Content: []ports.ContentBlock{ports.TextBlock("Summarize the conversation above.")},
	})

	chunks, err := m.backend.CreateMessage(ctx, summarizeSystemPrompt, request, ports.RequestMeta{})
	if err != nil {
		return "", 0, err
	}

	var text strings.Builder
	var cost float64
	for chunk := range chunks {
		if chunk.Err != nil {
			return "", 0, chunk.Err
		}
		switch chunk.Kind {
		case ports.ChunkText:
			text.WriteString(chunk.Text)
		case ports.ChunkUsage:
			if chunk.Usage != nil {
				cost += chunk.Usage.TotalCost
			}
		}
	}
	if strings.TrimSpace(text.String()) == "" {
		return "", 0, fmt.Errorf("summarizer produced no content")
	}
	return text.String(), cost, nil
}

// truncate drops the oldest full user-assistant turns after the first
// message until the history fits. The most recent user turn is never
// removed and role alternation is preserved by always dropping pairs.
func (m *Manager) truncate(history []ports.ModelMessage, budget int) []ports.ModelMessage {
	out := append([]ports.ModelMessage(nil), history...)
	for m.counter.CountHistory(out) > budget {
		keepFrom := lastUserIndex(out)
		if keepFrom <= 1 || len(out) <= 3 {
			break
		}
		drop := 2
		if 1+drop > keepFrom {
			break
		}
		out = append(out[:1], out[1+drop:]...)
	}
	return out
}

func lastUserIndex(history []ports.ModelMessage) int {
	for i := len(history) - 1; i >= 0; i-- {
		if history[i].Role == ports.RoleUser {
			return i
		}
	}
	return -1
}

func lastSummaryIndex(history []ports.ModelMessage) int {
	for i := len(history) - 1; i >= 0; i-- {
		if history[i].Role != ports.RoleAssistant {
			continue
		}
		for _, block := range history[i].Content {
			if block.Type == ports.BlockText && strings.HasPrefix(block.Text, summaryMarker) {
				return i
			}
		}
	}
	return -1
}
