package emergency

import (
	"errors"
	"fmt"
)

var (
	ErrVisitNotFound          = errors.New("visit not found")
	ErrOrderNotFound          = errors.New("order not found")
	ErrAlertNotFound          = errors.New("alert not found")
	ErrBundleItemNotFound     = errors.New("bundle item not found")
	ErrConsultationNotFound   = errors.New("consultation not found")
	ErrActivationNotFound     = errors.New("activation not found")
	ErrInvalidStateTransition = errors.New("invalid state transition")
	ErrValidation             = errors.New("validation failed")
	ErrResourceUnavailable    = errors.New("resource unavailable")
	ErrDependencyFailure      = errors.New("dependency failure")
	ErrVersionConflict        = errors.New("version conflict")
)

// Kind classifies an error into the engine's taxonomy.
type Kind string

const (
	KindNotFound               Kind = "not_found"
	KindInvalidStateTransition Kind = "invalid_state_transition"
	KindValidation             Kind = "validation"
	KindResourceUnavailable    Kind = "resource_unavailable"
	KindDependencyFailure      Kind = "dependency_failure"
	KindConflict               Kind = "conflict"
	KindInternal               Kind = "internal"
)

// Error carries the kind, the failing operation and the sentinel cause.
type Error struct {
	Kind    Kind   `json:"kind"`
	Op      string `json:"op,omitempty"`
	Message string `json:"message"`
	Err     error  `json:"-"`
}

func (e *Error) Error() string {
	if e.Op != "" {
		return fmt.Sprintf("%s: %s", e.Op, e.Message)
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Err
}

func kindOfSentinel(err error) Kind {
	switch {
	case errors.Is(err, ErrVisitNotFound), errors.Is(err, ErrOrderNotFound),
		errors.Is(err, ErrAlertNotFound), errors.Is(err, ErrBundleItemNotFound),
		errors.Is(err, ErrConsultationNotFound), errors.Is(err, ErrActivationNotFound):
		return KindNotFound
	case errors.Is(err, ErrInvalidStateTransition):
		return KindInvalidStateTransition
	case errors.Is(err, ErrValidation):
		return KindValidation
	case errors.Is(err, ErrResourceUnavailable):
		return KindResourceUnavailable
	case errors.Is(err, ErrDependencyFailure):
		return KindDependencyFailure
	case errors.Is(err, ErrVersionConflict):
		return KindConflict
	}
	return KindInternal
}

// KindOf returns the taxonomy kind of err, or KindInternal for foreign errors.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return kindOfSentinel(err)
}

func newError(op string, sentinel error, format string, args ...interface{}) *Error {
	return &Error{
		Kind:    kindOfSentinel(sentinel),
		Op:      op,
		Message: fmt.Sprintf(format, args...),
		Err:     sentinel,
	}
}

func notFound(op string, sentinel error, id interface{}) *Error {
	return newError(op, sentinel, "%v: %v", sentinel, id)
}

func invalidTransition(op string, from, to interface{}) *Error {
	return newError(op, ErrInvalidStateTransition, "cannot transition from %v to %v", from, to)
}

func terminalVisit(op string, status VisitStatus) *Error {
	return newError(op, ErrInvalidStateTransition, "visit is in terminal status %s", status)
}

func validationError(op, format string, args ...interface{}) *Error {
	return newError(op, ErrValidation, format, args...)
}

// Warning reports a side effect that failed after the clinical record was
// committed. It never implies a rollback.
type Warning struct {
	Kind    Kind   `json:"kind"`
	Message string `json:"message"`
}

func warningFrom(kind Kind, format string, args ...interface{}) Warning {
	return Warning{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Outcome is returned by every mutating operation: the committed visit plus
// any non-blocking warnings.
type Outcome struct {
	Visit            *Visit            `json:"visit"`
	Warnings         []Warning         `json:"warnings,omitempty"`
	StrokeCode       *StrokeCode       `json:"stroke_code,omitempty"`
	TraumaActivation *TraumaActivation `json:"trauma_activation,omitempty"`
}
