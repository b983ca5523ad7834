// Package mocks provides scriptable fakes for the engine's collaborator
// contracts, used across package tests.
package mocks

import (
	"context"
	"sync"

	"tempo/internal/ports"
)

// BackendTurn scripts one CreateMessage call. Err, when set, is returned
// before any chunk is produced. Otherwise Chunks are streamed in order.
type BackendTurn struct {
	Err    error
	Chunks []ports.Chunk
}

// BackendCall records the arguments of one CreateMessage invocation.
type BackendCall struct {
	System  string
	History []ports.ModelMessage
	Meta    ports.RequestMeta
}

// ScriptedBackend replays a fixed sequence of turns. Once the script is
// exhausted every further call streams nothing and closes immediately.
type ScriptedBackend struct {
	mu        sync.Mutex
	Turns     []BackendTurn
	Calls     []BackendCall
	LimitsVal ports.ModelLimits
	ModelID   string
}

// NewScriptedBackend builds a backend with sensible default limits.
func NewScriptedBackend(turns ...BackendTurn) *ScriptedBackend {
	return &ScriptedBackend{
		Turns:     turns,
		LimitsVal: ports.ModelLimits{MaxTokens: 8192, ContextWindow: 200000, SupportsPromptCache: true},
		ModelID:   "scripted-model",
	}
}

func (b *ScriptedBackend) CreateMessage(ctx context.Context, system string, history []ports.ModelMessage, meta ports.RequestMeta) (<-chan ports.Chunk, error) {
	b.mu.Lock()
	b.Calls = append(b.Calls, BackendCall{System: system, History: history, Meta: meta})
	var turn BackendTurn
	if len(b.Turns) > 0 {
		turn = b.Turns[0]
		b.Turns = b.Turns[1:]
	}
	b.mu.Unlock()

	if turn.Err != nil {
		return nil, turn.Err
	}

	out := make(chan ports.Chunk)
	go func() {
		defer close(out)
		for _, c := range turn.Chunks {
			select {
			case out <- c:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

func (b *ScriptedBackend) Limits() ports.ModelLimits { return b.LimitsVal }
func (b *ScriptedBackend) Model() string             { return b.ModelID }

// CallCount reports how many requests have been issued so far.
func (b *ScriptedBackend) CallCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.Calls)
}

// TextTurn builds a turn that streams the given texts then a usage chunk.
func TextTurn(texts ...string) BackendTurn {
	var chunks []ports.Chunk
	for _, t := range texts {
		chunks = append(chunks, ports.Chunk{Kind: ports.ChunkText, Text: t})
	}
	chunks = append(chunks, ports.Chunk{
		Kind:  ports.ChunkUsage,
		Usage: &ports.TokenUsage{InputTokens: 100, OutputTokens: 50, TotalCost: 0.01},
	})
	return BackendTurn{Chunks: chunks}
}

// MemoryStore is an in-memory ports.Store. SaveErr, when set, is returned
// from every save to exercise the best-effort persistence path.
type MemoryStore struct {
	mu      sync.Mutex
	model   map[string][]ports.ModelMessage
	display map[string][]ports.DisplayMessage

	SaveErr   error
	SaveCount int
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		model:   make(map[string][]ports.ModelMessage),
		display: make(map[string][]ports.DisplayMessage),
	}
}

func (s *MemoryStore) LoadModelHistory(_ context.Context, taskID string) ([]ports.ModelMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]ports.ModelMessage(nil), s.model[taskID]...), nil
}

func (s *MemoryStore) SaveModelHistory(_ context.Context, taskID string, messages []ports.ModelMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.SaveCount++
	if s.SaveErr != nil {
		return s.SaveErr
	}
	s.model[taskID] = append([]ports.ModelMessage(nil), messages...)
	return nil
}

func (s *MemoryStore) LoadDisplayHistory(_ context.Context, taskID string) ([]ports.DisplayMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]ports.DisplayMessage(nil), s.display[taskID]...), nil
}

func (s *MemoryStore) SaveDisplayHistory(_ context.Context, taskID string, messages []ports.DisplayMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.SaveCount++
	if s.SaveErr != nil {
		return s.SaveErr
	}
	s.display[taskID] = append([]ports.DisplayMessage(nil), messages...)
	return nil
}

func (s *MemoryStore) DeriveMetadata(messages []ports.DisplayMessage) ports.TaskMetadata {
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

// RecordingSink captures presentation notifications in order.
type RecordingSink struct {
	mu      sync.Mutex
	Created []ports.DisplayMessage
	Updated []ports.DisplayMessage
}

func (s *RecordingSink) OnDisplayMessageCreated(msg ports.DisplayMessage) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Created = append(s.Created, msg)
}

func (s *RecordingSink) OnDisplayMessageUpdated(msg ports.DisplayMessage) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Updated = append(s.Updated, msg)
}

// MockResolver passes content through unchanged unless overridden.
type MockResolver struct {
	ResolveMentionsFunc     func(ctx context.Context, content string) (string, error)
	SnapshotEnvironmentFunc func(ctx context.Context, includeFileDetails bool) (string, error)
}

func (m *MockResolver) ResolveMentions(ctx context.Context, content string) (string, error) {
	if m.ResolveMentionsFunc != nil {
		return m.ResolveMentionsFunc(ctx, content)
	}
	return content, nil
}

func (m *MockResolver) SnapshotEnvironment(ctx context.Context, includeFileDetails bool) (string, error) {
	if m.SnapshotEnvironmentFunc != nil {
		return m.SnapshotEnvironmentFunc(ctx, includeFileDetails)
	}
	return "", nil
}

// MockExecutor records executed actions and returns scripted results.
type MockExecutor struct {
	mu          sync.Mutex
	Executed    []ports.ActionRequest
	ExecuteFunc func(ctx context.Context, req ports.ActionRequest) (ports.ActionResult, error)
}

func (m *MockExecutor) Execute(ctx context.Context, req ports.ActionRequest) (ports.ActionResult, error) {
	m.mu.Lock()
	m.Executed = append(m.Executed, req)
	m.mu.Unlock()
	if m.ExecuteFunc != nil {
		return m.ExecuteFunc(ctx, req)
	}
	return ports.ActionResult{Blocks: []ports.ContentBlock{ports.TextBlock("ok")}}, nil
}

// ExecutedCount reports how many actions ran.
func (m *MockExecutor) ExecutedCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.Executed)
}

// MockModeController is a fixed-mode host.
type MockModeController struct {
	mu       sync.Mutex
	Mode     string
	Switched []string
}

func (m *MockModeController) CurrentMode() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Mode == "" {
		return "code"
	}
	return m.Mode
}

func (m *MockModeController) SwitchMode(_ context.Context, mode string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Mode = mode
	m.Switched = append(m.Switched, mode)
	return nil
}

// MockWorkspace counts teardown calls.
type MockWorkspace struct {
	mu        sync.Mutex
	Reverted  int
	Released  int
	RevertErr error
}

func (w *MockWorkspace) RevertPendingEdits(context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.Reverted++
	return w.RevertErr
}

func (w *MockWorkspace) ReleaseResources(context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.Released++
	return nil
}

// MockCheckpoint records initialization calls.
type MockCheckpoint struct {
	mu    sync.Mutex
	Inits []string
}

func (c *MockCheckpoint) Initialize(_ context.Context, taskID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Inits = append(c.Inits, taskID)
}
