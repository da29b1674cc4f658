// Package execution contains the tool execution result types and the
// typed error taxonomy. Every error in the taxonomy reports whether the
// failure is worth retrying; the gateway itself never retries.
package execution

import (
	"errors"
	"fmt"
	"time"
)

// retryable is implemented by every error in the taxonomy.
type retryable interface {
	Retryable() bool
}

// Retryable reports whether err (or any error it wraps) is marked
// retryable. Unknown errors are not retryable.
func Retryable(err error) bool {
	var r retryable
	if errors.As(err, &r) {
		return r.Retryable()
	}
	return false
}

// ValidationError reports call arguments rejected by the tool's input
// schema. Not retryable: the same arguments will fail again.
type ValidationError struct {
	Tool   string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid arguments for tool %q: %s", e.Tool, e.Reason)
}

// Retryable always returns false.
func (e *ValidationError) Retryable() bool { return false }

// NotPermittedError reports a tool outside the caller's resolved set.
// Indistinguishable from a nonexistent tool on purpose.
type NotPermittedError struct {
	Tool string
}

func (e *NotPermittedError) Error() string {
	return fmt.Sprintf("tool %q not found or not permitted", e.Tool)
}

// Retryable always returns false.
func (e *NotPermittedError) Retryable() bool { return false }

// TokenExchangeError reports a failed OAuth token exchange. Retryable
// iff the failure looks transient (5xx or network), not when the
// identity provider rejected the request outright.
type TokenExchangeError struct {
	Audience  string
	Status    int
	Reason    string
	Transient bool
}

func (e *TokenExchangeError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("token exchange for audience %q failed with status %d: %s", e.Audience, e.Status, e.Reason)
	}
	return fmt.Sprintf("token exchange for audience %q failed: %s", e.Audience, e.Reason)
}

// Retryable reports whether the failure was transient.
func (e *TokenExchangeError) Retryable() bool { return e.Transient }

// TemplateRenderError reports a template that failed to render. Not
// retryable: it is a catalog configuration bug.
type TemplateRenderError struct {
	Template string
	Reason   string
}

func (e *TemplateRenderError) Error() string {
	return fmt.Sprintf("rendering %s template: %s", e.Template, e.Reason)
}

// Retryable always returns false.
func (e *TemplateRenderError) Retryable() bool { return false }

// CircuitOpenError reports a call rejected by an open circuit breaker
// without contacting the upstream. Retryable after the recovery window.
type CircuitOpenError struct {
	SourceKey  string
	RetryAfter time.Duration
}

func (e *CircuitOpenError) Error() string {
	return fmt.Sprintf("circuit open for source %q", e.SourceKey)
}

// Retryable always returns true.
func (e *CircuitOpenError) Retryable() bool { return true }

// UpstreamTimeoutError reports an upstream call that exceeded its
// timeout. Retryable.
type UpstreamTimeoutError struct {
	SourceKey string
	Err       error
}

func (e *UpstreamTimeoutError) Error() string {
	return fmt.Sprintf("upstream %q timed out: %v", e.SourceKey, e.Err)
}

func (e *UpstreamTimeoutError) Unwrap() error { return e.Err }

// Retryable always returns true.
func (e *UpstreamTimeoutError) Retryable() bool { return true }

// UpstreamConnectionError reports a network-level failure reaching the
// upstream. Retryable.
type UpstreamConnectionError struct {
	SourceKey string
	Err       error
}

func (e *UpstreamConnectionError) Error() string {
	return fmt.Sprintf("upstream %q unreachable: %v", e.SourceKey, e.Err)
}

func (e *UpstreamConnectionError) Unwrap() error { return e.Err }

// Retryable always returns true.
func (e *UpstreamConnectionError) Retryable() bool { return true }

// UpstreamStatusError reports a non-2xx upstream response. Retryable for
// server-side statuses only.
type UpstreamStatusError struct {
	SourceKey string
	Status    int
}

func (e *UpstreamStatusError) Error() string {
	return fmt.Sprintf("upstream %q returned status %d", e.SourceKey, e.Status)
}

// Retryable reports whether the status indicates a server-side failure.
func (e *UpstreamStatusError) Retryable() bool { return e.Status >= 500 }

// PollTimeoutError reports an async operation still pending after the
// poll attempt budget. Retryable: the operation may complete out of band.
type PollTimeoutError struct {
	Tool     string
	Attempts int
}

func (e *PollTimeoutError) Error() string {
	return fmt.Sprintf("tool %q still pending after %d poll attempts", e.Tool, e.Attempts)
}

// Retryable always returns true.
func (e *PollTimeoutError) Retryable() bool { return true }

// DeadlineExceededError reports the caller's context expiring during
// execution. Retryable with a fresh deadline.
type DeadlineExceededError struct {
	Phase string
}

func (e *DeadlineExceededError) Error() string {
	return fmt.Sprintf("deadline exceeded during %s", e.Phase)
}

// Retryable always returns true.
func (e *DeadlineExceededError) Retryable() bool { return true }

// InternalError is the non-retryable catch-all.
type InternalError struct {
	Err error
}

func (e *InternalError) Error() string {
	return fmt.Sprintf("internal error: %v", e.Err)
}

func (e *InternalError) Unwrap() error { return e.Err }

// Retryable always returns false.
func (e *InternalError) Retryable() bool { return false }
