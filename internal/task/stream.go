package task

import (
	"context"

	"tempo/internal/ports"
)

// streamOutcome is everything one streaming read produced.
type streamOutcome struct {
	text      string
	reasoning string
	usage     ports.TokenUsage
	action    *ports.ActionRequest
	marker    string
	feedback  string
	err       error
}

// consumeStream reads chunks until the stream ends or is cut short by
// abort, operator feedback, a mid-stream failure, or the detection of
// one complete action request. Only one action is honored per turn:
// once one is parsed, further text is discarded so side effects stay
// serializable.
func (t *Task) consumeStream(ctx context.Context, chunks <-chan ports.Chunk) streamOutcome {
	var out streamOutcome
	discarding := false
	trailingText := false

	for chunk := range chunks {
		if t.aborted.Load() {
			out.marker = interruptedByUser
			drain(chunks)
			break
		}
		if fb, ok := t.takeStreamFeedback(); ok {
			out.feedback = fb
			out.marker = interruptedByFeedback
			drain(chunks)
			break
		}
		if chunk.Err != nil {
			out.err = chunk.Err
			out.marker = interruptedMidStream
			drain(chunks)
			break
		}

		switch chunk.Kind {
		case ports.ChunkUsage:
			if chunk.Usage != nil {
				out.usage.Add(*chunk.Usage)
			}

		case ports.ChunkReasoning:
			if discarding {
				continue
			}
			out.reasoning += chunk.Text
			t.presentPartial(ctx, ports.SayReasoning, out.reasoning)

		case ports.ChunkText:
			if discarding {
				trailingText = true
				continue
			}
			out.text += chunk.Text

			if req := t.parseAction(out.text); req != nil {
				out.action = req.request
				out.text = out.text[:req.end]
				t.presentPartial(ctx, ports.SayText, out.text)
				// Keep reading for usage chunks, but every further token
				// of content is discarded.
				discarding = true
				continue
			}
			t.presentPartial(ctx, ports.SayText, out.text)
		}
	}

	// An abort or feedback cut recorded its own marker; the discard
	// marker only applies to a stream that ran to completion.
	if trailingText && out.marker == "" {
		out.marker = interruptedByToolResult
	}
	t.finalizePresented(ctx, out)
	return out
}

type parsedAction struct {
	request *ports.ActionRequest
	end     int
}

func (t *Task) parseAction(accumulated string) *parsedAction {
	req, end, err := t.services.Parser.Parse(accumulated)
	if err != nil {
		t.logger.Debug("action parse: %v", err)
		return nil
	}
	if req == nil {
		return nil
	}
	return &parsedAction{request: req, end: end}
}

// presentPartial streams accumulated content into the open display slot.
// It writes to the store directly: presentation must keep working during
// cleanup, after the abort flag would make exchange.Say fail fast.
func (t *Task) presentPartial(ctx context.Context, subtype, text string) {
	partial := true
	t.store.Upsert(ctx, ports.KindSay, subtype, text, &partial, nil)
}

// finalizePresented closes any still-open display slots, appending the
// interruption marker to the visible text when the stream was cut.
func (t *Task) finalizePresented(ctx context.Context, out streamOutcome) {
	done := false
	if out.reasoning != "" {
		t.store.Upsert(ctx, ports.KindSay, ports.SayReasoning, out.reasoning, &done, nil)
	}
	if out.text != "" || out.marker != "" {
		text := out.text
		if out.marker != "" {
			if text != "" {
				text += "\n\n"
			}
			text += out.marker
		}
		t.store.Upsert(ctx, ports.KindSay, ports.SayText, text, &done, nil)
	}
}

// drain discards the rest of a cut-short stream so the relay goroutine
// can exit.
func drain(chunks <-chan ports.Chunk) {
	go func() {
		for range chunks {
		}
	}()
}
