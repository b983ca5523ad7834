// Package errs defines the engine's error taxonomy, transient/permanent
// classification for model backend failures, and the retry/backoff policy.
package errs

import (
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"syscall"
)

// Sentinel conditions raised by the engine. Callers test them with errors.Is.
var (
	// ErrTaskAborted is returned from any suspension point after the owning
	// task's abort flag is set. Always recoverable by discarding the task.
	ErrTaskAborted = errors.New("task aborted")

	// ErrTaskAbandoned marks the stronger form of abort used when a
	// replacement task instance has taken over bookkeeping.
	ErrTaskAbandoned = errors.New("task abandoned")

	// ErrAskSuperseded signals that a newer message overtook a pending ask;
	// the waiter must stop waiting rather than hang.
	ErrAskSuperseded = errors.New("ask superseded by newer message")

	// ErrPartialAskIgnored tells the caller of a partial ask that its pending
	// wait was abandoned because the partial was updated or replaced. The
	// protocol never resolves a superseded partial ask.
	ErrPartialAskIgnored = errors.New("partial ask ignored")

	// ErrModelNoContent marks an assistant turn that produced no content at
	// all. Terminal for the turn: reported, never recursed on.
	ErrModelNoContent = errors.New("model produced no assistant content")

	// ErrMistakeLimit is surfaced when the consecutive-mistake counter
	// reaches its configured limit. Recoverable with operator guidance.
	ErrMistakeLimit = errors.New("consecutive mistake limit exceeded")
)

// FirstChunkError wraps a failure that happened before the model produced any
// output. It is the only stream failure the controller may retry.
type FirstChunkError struct {
	Err error

	// RetryAfter carries a provider-supplied retry hint in seconds (e.g. an
	// HTTP 429 structured delay). Zero means no hint.
	RetryAfter int

	StatusCode int
}

func (e *FirstChunkError) Error() string {
	return fmt.Sprintf("stream failed before first chunk: %v", e.Err)
}

func (e *FirstChunkError) Unwrap() error { return e.Err }

// MidStreamError wraps a failure that happened after partial output was
// already emitted. Never retried transparently: arbitrary external side
// effects may already have been triggered by partially parsed output.
type MidStreamError struct {
	Err error
}

func (e *MidStreamError) Error() string {
	return fmt.Sprintf("stream failed mid-flight: %v", e.Err)
}

func (e *MidStreamError) Unwrap() error { return e.Err }

// IsFirstChunk reports whether err is a pre-content stream failure.
func IsFirstChunk(err error) bool {
	var fc *FirstChunkError
	return errors.As(err, &fc)
}

// IsMidStream reports whether err is a post-content stream failure.
func IsMidStream(err error) bool {
	var ms *MidStreamError
	return errors.As(err, &ms)
}

// RetryAfterHint extracts a provider retry-after hint in seconds, or 0.
func RetryAfterHint(err error) int {
	var fc *FirstChunkError
	if errors.As(err, &fc) {
		return fc.RetryAfter
	}
	return 0
}

// IsAbort reports whether err means the task was cancelled or replaced.
func IsAbort(err error) bool {
	return errors.Is(err, ErrTaskAborted) || errors.Is(err, ErrTaskAbandoned)
}

// IsTransient reports whether a model backend error is worth retrying.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if IsAbort(err) {
		return false
	}

	if isNetworkError(err) {
		return true
	}
	if code := httpStatusCode(err); code > 0 {
		return isTransientHTTPStatus(code)
	}
	if isSyscallError(err) {
		return true
	}
	return false
}

// FormatForOperator converts backend errors into an actionable message shown
// in the transcript.
func FormatForOperator(err error) string {
	if err == nil {
		return ""
	}

	lowerErr := strings.ToLower(err.Error())

	switch {
	case strings.Contains(lowerErr, "rate limit") || strings.Contains(lowerErr, "429"):
		return "API rate limit reached. The request will be retried with backoff."
	case strings.Contains(lowerErr, "timeout") || strings.Contains(lowerErr, "deadline exceeded"):
		return "Request timed out. The request will be retried."
	case strings.Contains(lowerErr, "connection refused"):
		return "Model backend is unreachable. Check that the service is running."
	case strings.Contains(lowerErr, "unauthorized") || strings.Contains(lowerErr, "401"):
		return "Authentication failed. Check your API key configuration."
	case strings.Contains(lowerErr, "forbidden") || strings.Contains(lowerErr, "403"):
		return "Permission denied for this model or resource."
	case strings.Contains(lowerErr, "500"), strings.Contains(lowerErr, "502"),
		strings.Contains(lowerErr, "503"), strings.Contains(lowerErr, "internal server error"):
		return "Model backend reported a server error. The request will be retried."
	default:
		return err.Error()
	}
}

func isNetworkError(err error) bool {
	var netErr net.Error
	if errors.As(err, &netErr) {
		return netErr.Timeout()
	}

	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return true
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return dnsErr.Temporary()
	}

	errStr := strings.ToLower(err.Error())
	for _, pattern := range []string{
		"connection refused",
		"connection reset",
		"broken pipe",
		"timeout",
		"deadline exceeded",
		"network",
	} {
		if strings.Contains(errStr, pattern) {
			return true
		}
	}
	return false
}

func isSyscallError(err error) bool {
	var errno syscall.Errno
	if errors.As(err, &errno) {
		switch errno {
		case syscall.ECONNREFUSED, syscall.ECONNRESET, syscall.EPIPE,
			syscall.ETIMEDOUT, syscall.ENETUNREACH, syscall.EHOSTUNREACH:
			return true
		}
	}
	return false
}

func isTransientHTTPStatus(code int) bool {
	switch code {
	case http.StatusTooManyRequests,
		http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return true
	}
	return false
}

// httpStatusCode pulls a status code out of typed stream errors or, failing
// that, out of the error text.
func httpStatusCode(err error) int {
	var fc *FirstChunkError
	if errors.As(err, &fc) && fc.StatusCode > 0 {
		return fc.StatusCode
	}

	lowerErr := strings.ToLower(err.Error())
	for _, code := range []int{429, 500, 502, 503, 504, 400, 401, 403, 404} {
		if strings.Contains(lowerErr, fmt.Sprintf("%d", code)) {
			return code
		}
	}
	return 0
}
