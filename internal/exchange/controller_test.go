package exchange

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tempo/internal/conversation"
	"tempo/internal/errs"
	"tempo/internal/ports"
	"tempo/internal/ports/mocks"
)

func boolPtr(b bool) *bool { return &b }

func newTestController(t *testing.T) (*Controller, *conversation.Store, *atomic.Bool) {
	t.Helper()
	store := conversation.NewStore("task-1", mocks.NewMemoryStore(), nil, nil)
	var aborted atomic.Bool
	c := NewController(store, aborted.Load, nil)
	c.pollInterval = 5 * time.Millisecond
	return c, store, &aborted
}

func TestPartialAskReturnsIgnored(t *testing.T) {
	c, store, _ := newTestController(t)

	_, err := c.Ask(context.Background(), ports.AskFollowup, "thinking...", boolPtr(true), nil)
	assert.ErrorIs(t, err, errs.ErrPartialAskIgnored)
	assert.Len(t, store.DisplayHistory(), 1)
}

func TestAtomicAskResolvedByResponse(t *testing.T) {
	c, _, _ := newTestController(t)

	go func() {
		time.Sleep(20 * time.Millisecond)
		c.HandleResponse(Response{Text: "use the left branch"})
	}()

	resp, err := c.Ask(context.Background(), ports.AskFollowup, "which branch?", nil, nil)
	require.NoError(t, err)
	assert.Equal(t, "use the left branch", resp.Text)
}

func TestAskSupersededByLaterMessage(t *testing.T) {
	c, store, _ := newTestController(t)

	go func() {
		time.Sleep(20 * time.Millisecond)
		store.Upsert(context.Background(), ports.KindAsk, ports.AskRetryApproval, "retry?", nil, nil)
	}()

	_, err := c.Ask(context.Background(), ports.AskFollowup, "which branch?", nil, nil)
	assert.ErrorIs(t, err, errs.ErrAskSuperseded)
}

func TestAskAfterAbortFailsFast(t *testing.T) {
	c, _, aborted := newTestController(t)
	aborted.Store(true)

	_, err := c.Ask(context.Background(), ports.AskFollowup, "anyone?", nil, nil)
	assert.ErrorIs(t, err, errs.ErrTaskAborted)

	err = c.Say(context.Background(), ports.SayText, "hello", nil, nil)
	assert.ErrorIs(t, err, errs.ErrTaskAborted)
}

func TestAbortDuringWaitUnblocks(t *testing.T) {
	c, _, aborted := newTestController(t)

	go func() {
		time.Sleep(20 * time.Millisecond)
		aborted.Store(true)
	}()

	start := time.Now()
	_, err := c.Ask(context.Background(), ports.AskFollowup, "stuck?", nil, nil)
	assert.ErrorIs(t, err, errs.ErrTaskAborted)
	assert.Less(t, time.Since(start), time.Second, "abort must unblock the wait promptly")
}

func TestFinalizingAskKeepsSingleEntryAndWaits(t *testing.T) {
	c, store, _ := newTestController(t)
	ctx := context.Background()

	_, err := c.Ask(ctx, ports.AskFollowup, "partial text", boolPtr(true), nil)
	require.ErrorIs(t, err, errs.ErrPartialAskIgnored)

	go func() {
		time.Sleep(20 * time.Millisecond)
		c.HandleResponse(Response{Approved: true})
	}()

	resp, err := c.Ask(ctx, ports.AskFollowup, "final text", boolPtr(false), nil)
	require.NoError(t, err)
	assert.True(t, resp.Approved)

	log := store.DisplayHistory()
	require.Len(t, log, 1)
	assert.Equal(t, "final text", log[0].Text)
}

func TestStaleResponseDiscardedOnNewAsk(t *testing.T) {
	c, _, _ := newTestController(t)

	// An answer nobody is waiting for must not satisfy the next ask.
	c.HandleResponse(Response{Text: "stale"})

	go func() {
		time.Sleep(20 * time.Millisecond)
		c.HandleResponse(Response{Text: "fresh"})
	}()

	resp, err := c.Ask(context.Background(), ports.AskFollowup, "q", nil, nil)
	require.NoError(t, err)
	assert.Equal(t, "fresh", resp.Text)
}

func TestNonInteractiveSayDoesNotSupersedeAsk(t *testing.T) {
	c, _, _ := newTestController(t)
	ctx := context.Background()

	done := make(chan error, 1)
	go func() {
		_, err := c.Ask(ctx, ports.AskFollowup, "q", nil, nil)
		done <- err
	}()

	time.Sleep(20 * time.Millisecond)
	require.NoError(t, c.Say(ctx, ports.SayRequestStart, "", nil, &conversation.UpsertOptions{NonInteractive: true}))

	time.Sleep(20 * time.Millisecond)
	c.HandleResponse(Response{Text: "answer"})

	select {
	case err := <-done:
		assert.NoError(t, err, "background say must not supersede the ask")
	case <-time.After(time.Second):
		t.Fatal("ask never resolved")
	}
}
