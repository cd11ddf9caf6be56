package domain

import "errors"

// Error taxonomy (sentinels). Adapters wrap these with fmt.Errorf("op=...: %w")
// so callers can branch with errors.Is while keeping operation context.
var (
	ErrInvalidArgument   = errors.New("invalid argument")
	ErrNotFound          = errors.New("not found")
	ErrConflict          = errors.New("conflict")
	ErrRateLimited       = errors.New("rate limited")
	ErrQueueFull         = errors.New("queue full")
	ErrUpstreamTimeout   = errors.New("upstream timeout")
	ErrUpstreamRateLimit = errors.New("upstream rate limit")
	ErrUpstreamRejected  = errors.New("upstream rejected request")
	ErrRenderFailed      = errors.New("render failed")
	ErrInternal          = errors.New("internal error")
)

// ErrorKind tags a terminal job failure for clients and the usage ledger.
type ErrorKind string

// Failure kinds.
const (
	ErrKindNone              ErrorKind = ""
	ErrKindAdmissionDenied   ErrorKind = "admission_denied"
	ErrKindUpstreamTransient ErrorKind = "upstream_transient"
	ErrKindUpstreamPermanent ErrorKind = "upstream_permanent"
	ErrKindRenderFailure     ErrorKind = "render_failure"
	ErrKindTimeout           ErrorKind = "timeout"
	ErrKindStalenessExpired  ErrorKind = "staleness_expired"
	ErrKindCancelled         ErrorKind = "cancelled"
	ErrKindInternal          ErrorKind = "internal"
)

// Retryable reports whether the executor schedules another attempt for this
// kind. Only transient upstream failures (including LLM timeouts, which are
// folded into the transient class) are retried.
func (k ErrorKind) Retryable() bool {
	return k == ErrKindUpstreamTransient
}

// ClassifyGenerationError maps an LLM call error onto the failure taxonomy.
// Transport errors, timeouts, and provider overload are transient; explicit
// rejections (malformed request, policy, authentication) are permanent.
func ClassifyGenerationError(err error) ErrorKind {
	switch {
	case err == nil:
		return ErrKindNone
	case errors.Is(err, ErrUpstreamTimeout):
		// LLM timeouts are retried like any transient upstream failure.
		return ErrKindUpstreamTransient
	case errors.Is(err, ErrUpstreamRateLimit):
		return ErrKindUpstreamTransient
	case errors.Is(err, ErrUpstreamRejected), errors.Is(err, ErrInvalidArgument):
		return ErrKindUpstreamPermanent
	case errors.Is(err, ErrInternal):
		return ErrKindInternal
	default:
		// Unclassified transport-level errors default to transient.
		return ErrKindUpstreamTransient
	}
}
