// Package exchange implements the ask/say protocol between the engine
// and the operator. Asks block the calling turn until a response arrives
// or the ask is overtaken; says never block.
package exchange

import (
	"context"
	"sync"
	"time"

	"tempo/internal/conversation"
	"tempo/internal/errs"
	"tempo/internal/logging"
	"tempo/internal/ports"
)

const defaultPollInterval = 100 * time.Millisecond

// Response is the operator's answer to an ask.
type Response struct {
	Approved bool
	Text     string
	Images   []string
}

// Controller mediates all operator interaction for one task.
type Controller struct {
	store   *conversation.Store
	aborted func() bool
	logger  logging.Logger

	pollInterval time.Duration

	mu       sync.Mutex
	response *Response
}

// NewController wires the protocol to a task's store. aborted is polled
// at every suspension point; it must be cheap and safe to call often.
func NewController(store *conversation.Store, aborted func() bool, logger logging.Logger) *Controller {
	if aborted == nil {
		aborted = func() bool { return false }
	}
	return &Controller{
		store:        store,
		aborted:      aborted,
		logger:       logging.OrNop(logger),
		pollInterval: defaultPollInterval,
	}
}

// Ask posts an operator question per the coalescing rules and, for
// complete or atomic asks, blocks until a response arrives.
//
// A partial ask mutates or opens the slot for its subtype and returns
// ErrPartialAskIgnored: the protocol never resolves a superseded partial
// ask, so the caller must stop waiting on it. A finalizing or atomic ask
// waits; the wait ends with ErrAskSuperseded when a later message takes
// over the interactive pointer, or ErrTaskAborted on abort.
func (c *Controller) Ask(ctx context.Context, subtype, text string, partial *bool, opts *conversation.UpsertOptions) (Response, error) {
	if c.aborted() {
		return Response{}, errs.ErrTaskAborted
	}

	msg, _ := c.store.Upsert(ctx, ports.KindAsk, subtype, text, partial, opts)

	if partial != nil && *partial {
		return Response{}, errs.ErrPartialAskIgnored
	}

	// Whatever answer was meant for an earlier ask is stale now.
	c.mu.Lock()
	c.response = nil
	c.mu.Unlock()

	return c.waitForResponse(ctx, msg.Ts)
}

// Say posts a non-blocking informational message under the same
// coalescing rules.
func (c *Controller) Say(ctx context.Context, subtype, text string, partial *bool, opts *conversation.UpsertOptions) error {
	if c.aborted() {
		return errs.ErrTaskAborted
	}
	c.store.Upsert(ctx, ports.KindSay, subtype, text, partial, opts)
	return nil
}

// HandleResponse delivers the operator's answer to the pending ask.
func (c *Controller) HandleResponse(resp Response) {
	c.mu.Lock()
	defer c.mu.Unlock()
	r := resp
	c.response = &r
}

func (c *Controller) takeResponse() (Response, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.response == nil {
		return Response{}, false
	}
	resp := *c.response
	c.response = nil
	return resp, true
}

// waitForResponse polls the shared response slot on a bounded interval,
// watching for abort and for the identity timestamp drifting, which
// means another ask overtook this one.
func (c *Controller) waitForResponse(ctx context.Context, askTs int64) (Response, error) {
	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()

	for {
		if c.aborted() {
			return Response{}, errs.ErrTaskAborted
		}
		if c.store.LastInteractiveTs() != askTs {
			c.logger.Debug("ask %d superseded by %d", askTs, c.store.LastInteractiveTs())
			return Response{}, errs.ErrAskSuperseded
		}
		if resp, ok := c.takeResponse(); ok {
			return resp, nil
		}

		select {
		case <-ctx.Done():
			return Response{}, errs.ErrTaskAborted
		case <-ticker.C:
		}
	}
}
