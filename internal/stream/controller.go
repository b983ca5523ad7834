// Package stream issues model requests and owns all retry policy. A
// request failure before the first chunk is retryable; once any chunk
// has been delivered the stream is never restarted, because partially
// parsed output may already have triggered external side effects.
package stream

import (
	"context"
	"fmt"
	"time"

	"tempo/internal/errs"
	"tempo/internal/exchange"
	"tempo/internal/logging"
	"tempo/internal/metrics"
	"tempo/internal/ports"
)

// Options configures one task's request controller.
type Options struct {
	Retry             errs.RetryConfig
	RateLimitInterval time.Duration

	// AutoApprovalLimit caps consecutive requests issued without an
	// explicit operator approval. Zero disables the ceiling.
	AutoApprovalLimit int
}

// Controller performs requests for exactly one task.
type Controller struct {
	backend  ports.ModelBackend
	exchange *exchange.Controller
	breaker  *errs.CircuitBreaker
	metrics  *metrics.Collector
	opts     Options
	logger   logging.Logger

	aborted func() bool

	lastRequestAt time.Time
	autoApproved  int

	// tick is the countdown step, shortened by tests.
	tick time.Duration
}

// NewController wires a request controller. metrics may be nil.
func NewController(backend ports.ModelBackend, ex *exchange.Controller, breaker *errs.CircuitBreaker, collector *metrics.Collector, opts Options, aborted func() bool, logger logging.Logger) *Controller {
	if aborted == nil {
		aborted = func() bool { return false }
	}
	return &Controller{
		backend:  backend,
		exchange: ex,
		breaker:  breaker,
		metrics:  collector,
		opts:     opts,
		logger:   logging.OrNop(logger),
		aborted:  aborted,
		tick:     time.Second,
	}
}

// Request issues one model request and returns its chunk stream. The
// first chunk has already been probed by the time the channel is
// returned, so connection and auth failures never surface mid-stream.
// Chunks carrying a non-nil Err wrap a MidStreamError.
func (c *Controller) Request(ctx context.Context, system string, history []ports.ModelMessage, meta ports.RequestMeta) (<-chan ports.Chunk, error) {
	if err := c.checkAutoApprovalCeiling(ctx); err != nil {
		return nil, err
	}

	if err := c.rateLimitDelay(ctx); err != nil {
		return nil, err
	}

	for attempt := 0; ; attempt++ {
		if c.aborted() {
			return nil, errs.ErrTaskAborted
		}
		if c.breaker != nil {
			if err := c.breaker.Allow(); err != nil {
				return nil, err
			}
		}

		c.lastRequestAt = time.Now()
		stream, err := c.attempt(ctx, system, history, meta)
		if err == nil {
			if c.breaker != nil {
				c.breaker.Mark(nil)
			}
			return stream, nil
		}
		if errs.IsAbort(err) {
			return nil, err
		}
		if c.breaker != nil {
			c.breaker.Mark(err)
		}

		c.logger.Warn("request attempt %d failed before first chunk: %v", attempt, err)
		if retry, retryErr := c.shouldRetry(ctx, err, attempt); retryErr != nil {
			return nil, retryErr
		} else if !retry {
			return nil, err
		}
		c.metrics.RecordRetry(ctx, c.backend.Model())
	}
}

// attempt performs one request and probes the first chunk eagerly.
func (c *Controller) attempt(ctx context.Context, system string, history []ports.ModelMessage, meta ports.RequestMeta) (<-chan ports.Chunk, error) {
	raw, err := c.backend.CreateMessage(ctx, system, history, meta)
	if err != nil {
		if errs.IsFirstChunk(err) {
			return nil, err
		}
		return nil, &errs.FirstChunkError{Err: err}
	}

	probe := time.NewTicker(c.tick)
	defer probe.Stop()
	for {
		select {
		case first, ok := <-raw:
			if !ok {
				return nil, &errs.FirstChunkError{Err: fmt.Errorf("stream closed before first chunk")}
			}
			if first.Err != nil {
				return nil, &errs.FirstChunkError{Err: first.Err}
			}
			return c.relay(first, raw), nil
		case <-ctx.Done():
			return nil, errs.ErrTaskAborted
		case <-probe.C:
			if c.aborted() {
				return nil, errs.ErrTaskAborted
			}
		}
	}
}

// relay re-emits the probed first chunk ahead of the rest of the stream,
// wrapping any later failure as a mid-stream error.
func (c *Controller) relay(first ports.Chunk, raw <-chan ports.Chunk) <-chan ports.Chunk {
	out := make(chan ports.Chunk)
	go func() {
		defer close(out)
		out <- first
		for chunk := range raw {
			if chunk.Err != nil {
				chunk.Err = &errs.MidStreamError{Err: chunk.Err}
			}
			out <- chunk
		}
	}()
	return out
}

// shouldRetry applies the retry branch for a first-chunk failure: either
// an automatic backoff with a live countdown, or a blocking ask.
func (c *Controller) shouldRetry(ctx context.Context, cause error, attempt int) (bool, error) {
	if attempt+1 >= c.opts.Retry.MaxAttempts {
		return false, nil
	}

	if c.opts.Retry.AutoRetry {
		delay := errs.Backoff(c.opts.Retry, attempt, c.opts.RateLimitInterval, errs.RetryAfterHint(cause))
		if err := c.countdown(ctx, delay, "Request failed, retrying"); err != nil {
			return false, err
		}
		return true, nil
	}

	resp, err := c.exchange.Ask(ctx, ports.AskRetryApproval, errs.FormatForOperator(cause), nil, nil)
	if err != nil {
		return false, err
	}
	if !resp.Approved {
		return false, nil
	}
	return true, nil
}

// checkAutoApprovalCeiling blocks on an explicit approval ask once the
// configured number of unattended requests has been issued.
func (c *Controller) checkAutoApprovalCeiling(ctx context.Context) error {
	if c.opts.AutoApprovalLimit <= 0 {
		return nil
	}
	c.autoApproved++
	if c.autoApproved <= c.opts.AutoApprovalLimit {
		return nil
	}

	text := fmt.Sprintf("Reached %d consecutive requests without operator review. Continue?", c.opts.AutoApprovalLimit)
	resp, err := c.exchange.Ask(ctx, ports.AskAutoApproveCap, text, nil, nil)
	if err != nil {
		return err
	}
	if !resp.Approved {
		return errs.ErrTaskAborted
	}
	c.autoApproved = 1
	return nil
}

// rateLimitDelay enforces the minimum interval between requests with a
// live countdown.
func (c *Controller) rateLimitDelay(ctx context.Context) error {
	if c.opts.RateLimitInterval <= 0 || c.lastRequestAt.IsZero() {
		return nil
	}
	elapsed := time.Since(c.lastRequestAt)
	if remaining := c.opts.RateLimitInterval - elapsed; remaining > 0 {
		return c.countdown(ctx, remaining, "Rate limiting")
	}
	return nil
}

// countdown waits out delay one tick at a time, publishing a live
// "N seconds" progress say and re-checking the abort flag on every tick.
func (c *Controller) countdown(ctx context.Context, delay time.Duration, prefix string) error {
	partial := true
	remaining := delay
	for remaining > 0 {
		if c.aborted() {
			return errs.ErrTaskAborted
		}
		secs := int((remaining + c.tick - 1) / c.tick)
		text := fmt.Sprintf("%s in %d seconds...", prefix, secs)
		if err := c.exchange.Say(ctx, ports.SayRetryCountdown, text, &partial, nil); err != nil {
			return err
		}

		step := c.tick
		if step > remaining {
			step = remaining
		}
		select {
		case <-ctx.Done():
			return errs.ErrTaskAborted
		case <-time.After(step):
		}
		remaining -= step
	}

	done := false
	return c.exchange.Say(ctx, ports.SayRetryCountdown, prefix+" now", &done, nil)
}
