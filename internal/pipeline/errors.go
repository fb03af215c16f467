package pipeline

import (
	"errors"
	"fmt"
)

// ErrorKind is a stable classification of a failure recorded in a run report.
type ErrorKind string

const (
	KindNone           ErrorKind = ""
	KindGuardFailed    ErrorKind = "guard_failed" // Stage skipped, not an error
	KindTaskFailed     ErrorKind = "task_failed"
	KindTaskFaulted    ErrorKind = "task_faulted"
	KindHookFaulted    ErrorKind = "hook_faulted"
	KindTransportError ErrorKind = "transport_error"
	KindAuthError      ErrorKind = "auth_error"
	KindLaunchError    ErrorKind = "launch_error"
	KindTimeout        ErrorKind = "timeout"
	KindAborted        ErrorKind = "aborted"
)

// Sentinel errors, one per kind, for errors.Is checks.
var (
	ErrGuardFailed     = errors.New("guard failed")
	ErrTaskFailed      = errors.New("task failed")
	ErrTaskFaulted     = errors.New("task faulted")
	ErrHookFaulted     = errors.New("hook faulted")
	ErrTransport       = errors.New("remote transport unreachable")
	ErrAuth            = errors.New("credential rejected")
	ErrLaunch          = errors.New("launch failed")
	ErrTimeout         = errors.New("stage timed out")
	ErrAborted         = errors.New("run aborted")
	ErrInvalidPipeline = errors.New("invalid pipeline")
)

var kindSentinels = map[ErrorKind]error{
	KindGuardFailed:    ErrGuardFailed,
	KindTaskFailed:     ErrTaskFailed,
	KindTaskFaulted:    ErrTaskFaulted,
	KindHookFaulted:    ErrHookFaulted,
	KindTransportError: ErrTransport,
	KindAuthError:      ErrAuth,
	KindLaunchError:    ErrLaunch,
	KindTimeout:        ErrTimeout,
	KindAborted:        ErrAborted,
}

// Failure is a classified error carrying a stable kind and free-text detail.
type Failure struct {
	Kind   ErrorKind
	Detail string
	Err    error
}

// NewFailure creates a Failure of the given kind.
func NewFailure(kind ErrorKind, detail string, err error) *Failure {
	return &Failure{Kind: kind, Detail: detail, Err: err}
}

// Failuref creates a Failure with a formatted detail and no wrapped error.
func Failuref(kind ErrorKind, format string, args ...any) *Failure {
	return &Failure{Kind: kind, Detail: fmt.Sprintf(format, args...)}
}

func (f *Failure) Error() string {
	switch {
	case f.Detail != "" && f.Err != nil:
		return fmt.Sprintf("%s: %s: %v", f.Kind, f.Detail, f.Err)
	case f.Err != nil:
		return fmt.Sprintf("%s: %v", f.Kind, f.Err)
	case f.Detail != "":
		return fmt.Sprintf("%s: %s", f.Kind, f.Detail)
	default:
		return string(f.Kind)
	}
}

func (f *Failure) Unwrap() error {
	return f.Err
}

// Is matches the sentinel error for the failure's kind.
func (f *Failure) Is(target error) bool {
	sentinel, ok := kindSentinels[f.Kind]
	return ok && sentinel == target
}

// KindOf classifies err. A *Failure anywhere in the chain wins; any other
// non-nil error is a plain task failure.
func KindOf(err error) ErrorKind {
	if err == nil {
		return KindNone
	}
	var f *Failure
	if errors.As(err, &f) {
		return f.Kind
	}
	return KindTaskFailed
}

// DetailOf returns the human-readable diagnostic for err. A Failure that
// wraps another Failure reports the inner detail without its kind prefix.
func DetailOf(err error) string {
	if err == nil {
		return ""
	}
	var f *Failure
	if !errors.As(err, &f) {
		return err.Error()
	}
	switch {
	case f.Detail != "" && f.Err != nil:
		return f.Detail + ": " + DetailOf(f.Err)
	case f.Err != nil:
		return DetailOf(f.Err)
	case f.Detail != "":
		return f.Detail
	default:
		return string(f.Kind)
	}
}

// FailureRecord is the serializable form of a failure in a run report.
type FailureRecord struct {
	Kind   ErrorKind `json:"kind"`
	Detail string    `json:"detail"`
}

// Record converts err into a FailureRecord. Returns nil for a nil error.
func Record(err error) *FailureRecord {
	if err == nil {
		return nil
	}
	return &FailureRecord{Kind: KindOf(err), Detail: DetailOf(err)}
}
