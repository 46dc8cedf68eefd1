// Package outcome models the result of a pipeline stage or inference call
// that may degrade instead of failing: Ok carries a value, Unavailable means
// the capability could not produce one (callers fall back), and Failed
// carries an unexpected error.
package outcome

import "fmt"

// Kind discriminates the three outcomes.
type Kind int

const (
	KindOK Kind = iota
	KindUnavailable
	KindFailed
)

func (k Kind) String() string {
	switch k {
	case KindOK:
		return "ok"
	case KindUnavailable:
		return "unavailable"
	case KindFailed:
		return "failed"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Reason classifies why a result is not Ok.
type Reason string

const (
	ReasonNotConfigured   Reason = "not_configured"
	ReasonQuotaExceeded   Reason = "quota_exceeded"
	ReasonProviderFailure Reason = "provider_failure"
	ReasonMalformedOutput Reason = "malformed_output"
	ReasonCancelled       Reason = "cancelled"
	ReasonStageFailure    Reason = "stage_failure"
)

// Result is Ok(value) | Unavailable(reason) | Failed(reason, err).
type Result[T any] struct {
	Value  T
	Kind   Kind
	Reason Reason
	Err    error
}

// OK wraps a successful value.
func OK[T any](v T) Result[T] {
	return Result[T]{Value: v, Kind: KindOK}
}

// Unavailable reports that no value could be produced for the given reason.
// err is optional and kept for logging.
func Unavailable[T any](reason Reason, err error) Result[T] {
	return Result[T]{Kind: KindUnavailable, Reason: reason, Err: err}
}

// Failed reports an unexpected error.
func Failed[T any](reason Reason, err error) Result[T] {
	return Result[T]{Kind: KindFailed, Reason: reason, Err: err}
}

func (r Result[T]) IsOK() bool { return r.Kind == KindOK }

// Get returns the value and whether it is usable.
func (r Result[T]) Get() (T, bool) {
	return r.Value, r.Kind == KindOK
}

func (r Result[T]) String() string {
	if r.Kind == KindOK {
		return "ok"
	}
	if r.Err != nil {
		return fmt.Sprintf("%s(%s): %v", r.Kind, r.Reason, r.Err)
	}
	return fmt.Sprintf("%s(%s)", r.Kind, r.Reason)
}
