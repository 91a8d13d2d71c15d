package core

import (
	"errors"
	"fmt"
)

// Kind classifies a failure so callers can tell retryable infrastructure trouble
// from caller mistakes and from duplicate triggers.
type Kind string

const (
	KindValidation            Kind = "ValidationError"
	KindStorage               Kind = "StorageError"
	KindExtraction            Kind = "ExtractionError"
	KindInvalidState          Kind = "InvalidStateError"
	KindNotFound              Kind = "NotFoundError"
	KindCallback              Kind = "CallbackError"
	KindCallbackUndeliverable Kind = "CallbackUndeliverable"
	KindInternal              Kind = "InternalError"
)

// Error is the error type returned across package boundaries.
type Error struct {
	Kind    Kind
	Op      string
	Message string
	Err     error
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	} else if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	if e.Op != "" {
		return fmt.Sprintf("%s: %s: %s", e.Op, e.Kind, msg)
	}
	return fmt.Sprintf("%s: %s", e.Kind, msg)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Retryable reports whether re-invoking the triggering event may succeed.
func (e *Error) Retryable() bool {
	switch e.Kind {
	case KindStorage, KindExtraction, KindCallback:
		return true
	}
	return false
}

// E builds an *Error. cause may be an error or a string message.
func E(kind Kind, op string, cause any) *Error {
	e := &Error{Kind: kind, Op: op}
	switch c := cause.(type) {
	case error:
		e.Err = c
	case string:
		e.Message = c
	case nil:
	default:
		e.Message = fmt.Sprint(c)
	}
	return e
}

// Ef is E with a formatted message.
func Ef(kind Kind, op, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Message: fmt.Sprintf(format, args...)}
}

// KindOf returns the Kind of the outermost *Error in err's chain,
// KindInternal for foreign errors, and "" for nil.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// Message returns the human readable part of err without the op prefix.
func Message(err error) string {
	var e *Error
	if errors.As(err, &e) {
		if e.Message != "" && e.Err != nil {
			return fmt.Sprintf("%s: %v", e.Message, e.Err)
		}
		if e.Message != "" {
			return e.Message
		}
		if e.Err != nil {
			return Message(e.Err)
		}
	}
	if err == nil {
		return ""
	}
	return err.Error()
}
