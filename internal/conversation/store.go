// Package conversation owns the two per-task message logs: the
// model-facing history and the user-facing display transcript. It keeps
// an in-memory mirror, persists every mutation best-effort, and pushes
// change notifications to the presentation sink.
package conversation

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"tempo/internal/logging"
	"tempo/internal/ports"
)

type partialKey struct {
	kind    string
	subtype string
}

// UpsertOptions carries the optional payloads of a display mutation.
type UpsertOptions struct {
	Images   []string
	Progress string
	Usage    *ports.TokenUsage
	Condense *ports.CondenseRecord

	// NonInteractive suppresses the interactive-message pointer update so
	// background says cannot supersede a pending ask.
	NonInteractive bool
}

// Store is exclusively owned by one task. A child task never touches its
// parent's store; results cross task boundaries through the pause/resume
// hand-off only.
type Store struct {
	taskID      string
	persistence ports.Store
	sink        ports.PresentationSink
	logger      logging.Logger

	mu           sync.Mutex
	modelHistory []ports.ModelMessage
	display      []ports.DisplayMessage
	openPartials map[partialKey]int
	metadata     ports.TaskMetadata

	// Identity timestamp of the latest interactive message. Asks watch it
	// to detect being overtaken.
	lastInteractiveTs int64

	lastTs int64
}

// NewStore creates an empty store for taskID. sink may be nil.
func NewStore(taskID string, persistence ports.Store, sink ports.PresentationSink, logger logging.Logger) *Store {
	return &Store{
		taskID:       taskID,
		persistence:  persistence,
		sink:         sink,
		logger:       logging.OrNop(logger),
		openPartials: make(map[partialKey]int),
	}
}

// nextTs returns a strictly increasing identity timestamp.
func (s *Store) nextTs() int64 {
	ts := time.Now().UnixMilli()
	if ts <= s.lastTs {
		ts = s.lastTs + 1
	}
	s.lastTs = ts
	return ts
}

// AppendModelMessage stamps and appends one model-facing message. A
// failed save is logged and swallowed, never surfaced to the turn.
func (s *Store) AppendModelMessage(ctx context.Context, msg ports.ModelMessage) {
	s.mu.Lock()
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now()
	}
	s.modelHistory = append(s.modelHistory, msg)
	snapshot := append([]ports.ModelMessage(nil), s.modelHistory...)
	s.mu.Unlock()

	s.persistModel(ctx, snapshot)
}

// OverwriteModelHistory replaces the full model-facing log. Used by
// truncation, condensation, and resume repair.
func (s *Store) OverwriteModelHistory(ctx context.Context, history []ports.ModelMessage) {
	s.mu.Lock()
	s.modelHistory = append([]ports.ModelMessage(nil), history...)
	snapshot := append([]ports.ModelMessage(nil), s.modelHistory...)
	s.mu.Unlock()

	s.persistModel(ctx, snapshot)
}

// ModelHistory returns a copy of the model-facing log.
func (s *Store) ModelHistory() []ports.ModelMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]ports.ModelMessage(nil), s.modelHistory...)
}

// DisplayHistory returns a copy of the display transcript.
func (s *Store) DisplayHistory() []ports.DisplayMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]ports.DisplayMessage(nil), s.display...)
}

// Metadata returns the usage aggregate derived after the last mutation.
func (s *Store) Metadata() ports.TaskMetadata {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.metadata
}

// LastInteractiveTs reports the identity timestamp of the most recent
// interactive message.
func (s *Store) LastInteractiveTs() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastInteractiveTs
}

// Upsert applies the partial-coalescing rule and returns the resulting
// message plus whether an existing entry was mutated in place.
//
// partial == nil appends an atomic message. partial == true mutates the
// open slot for (kind, subtype) or opens one. partial == false finalizes
// the open slot or, absent one, appends an already-complete message.
func (s *Store) Upsert(ctx context.Context, kind, subtype, text string, partial *bool, opts *UpsertOptions) (ports.DisplayMessage, bool) {
	if opts == nil {
		opts = &UpsertOptions{}
	}
	key := partialKey{kind: kind, subtype: subtype}

	s.mu.Lock()
	var msg ports.DisplayMessage
	updated := false

	if partial != nil {
		if idx, ok := s.openPartials[key]; ok {
			slot := &s.display[idx]
			slot.Text = text
			slot.Progress = opts.Progress
			if opts.Images != nil {
				slot.Images = opts.Images
			}
			if opts.Usage != nil {
				slot.Usage = opts.Usage
			}
			if opts.Condense != nil {
				slot.Condense = opts.Condense
			}
			if !*partial {
				// Finalized. The entry is immutable history from here on.
				f := false
				slot.Partial = &f
				delete(s.openPartials, key)
			}
			msg = *slot
			updated = true
		}
	}

	if !updated {
		msg = ports.DisplayMessage{
			Ts:       s.nextTs(),
			Kind:     kind,
			Subtype:  subtype,
			Text:     text,
			Images:   opts.Images,
			Progress: opts.Progress,
			Usage:    opts.Usage,
			Condense: opts.Condense,
		}
		if partial != nil {
			p := *partial
			msg.Partial = &p
			if p {
				s.openPartials[key] = len(s.display)
			}
		}
		s.display = append(s.display, msg)
	}

	if !opts.NonInteractive {
		s.lastInteractiveTs = msg.Ts
	}
	s.afterDisplayMutationLocked()
	snapshot := append([]ports.DisplayMessage(nil), s.display...)
	s.mu.Unlock()

	s.persistDisplay(ctx, snapshot)
	s.notify(msg, updated)
	return msg, updated
}

// UpdateByTs mutates the payload fields of an existing display message,
// identified by its stable timestamp. The timestamp itself is never
// changed. Used to fold final usage onto the request-start placeholder.
func (s *Store) UpdateByTs(ctx context.Context, ts int64, mutate func(*ports.DisplayMessage)) bool {
	s.mu.Lock()
	idx := -1
	for i := range s.display {
		if s.display[i].Ts == ts {
			idx = i
			break
		}
	}
	if idx < 0 {
		s.mu.Unlock()
		return false
	}
	mutate(&s.display[idx])
	s.display[idx].Ts = ts
	msg := s.display[idx]
	s.afterDisplayMutationLocked()
	snapshot := append([]ports.DisplayMessage(nil), s.display...)
	s.mu.Unlock()

	s.persistDisplay(ctx, snapshot)
	s.notify(msg, true)
	return true
}

func (s *Store) afterDisplayMutationLocked() {
	if s.persistence != nil {
		s.metadata = s.persistence.DeriveMetadata(s.display)
	}
}

func (s *Store) notify(msg ports.DisplayMessage, updated bool) {
	if s.sink == nil {
		return
	}
	if updated {
		s.sink.OnDisplayMessageUpdated(msg)
	} else {
		s.sink.OnDisplayMessageCreated(msg)
	}
}

func (s *Store) persistModel(ctx context.Context, history []ports.ModelMessage) {
	if s.persistence == nil {
		return
	}
	if err := s.persistence.SaveModelHistory(ctx, s.taskID, history); err != nil {
		s.logger.Error("save model history for %s: %v", s.taskID, err)
	}
}

func (s *Store) persistDisplay(ctx context.Context, display []ports.DisplayMessage) {
	if s.persistence == nil {
		return
	}
	if err := s.persistence.SaveDisplayHistory(ctx, s.taskID, display); err != nil {
		s.logger.Error("save display history for %s: %v", s.taskID, err)
	}
}

// LoadPersisted restores both logs from the last durable snapshot,
// repairing any dangling tool uses in the model history.
func (s *Store) LoadPersisted(ctx context.Context) error {
	if s.persistence == nil {
		return nil
	}
	var (
		model   []ports.ModelMessage
		display []ports.DisplayMessage
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		model, err = s.persistence.LoadModelHistory(gctx, s.taskID)
		return err
	})
	g.Go(func() error {
		var err error
		display, err = s.persistence.LoadDisplayHistory(gctx, s.taskID)
		return err
	})
	if err := g.Wait(); err != nil {
		return err
	}

	repaired, changed := Repair(model)

	s.mu.Lock()
	s.modelHistory = repaired
	s.display = display
	s.openPartials = make(map[partialKey]int)
	displayChanged := false
	for i := range s.display {
		// A partial that survived a restart belongs to a dead stream;
		// finalize it so resume starts from immutable history.
		if s.display[i].IsPartial() {
			f := false
			s.display[i].Partial = &f
			displayChanged = true
		}
		if s.display[i].Ts > s.lastTs {
			s.lastTs = s.display[i].Ts
		}
	}
	if n := len(s.display); n > 0 {
		s.lastInteractiveTs = s.display[n-1].Ts
	}
	s.metadata = s.persistence.DeriveMetadata(s.display)
	displaySnapshot := append([]ports.DisplayMessage(nil), s.display...)
	s.mu.Unlock()

	if changed {
		s.persistModel(ctx, repaired)
	}
	if displayChanged {
		s.persistDisplay(ctx, displaySnapshot)
	}
	return nil
}
