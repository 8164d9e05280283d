package validation

import (
	"errors"
	"fmt"
)

// Kind classifies why a message or parameter failed validation.
type Kind string

const (
	KindMalformed       Kind = "MALFORMED"
	KindStaleTimestamp  Kind = "STALE_TIMESTAMP"
	KindFutureTimestamp Kind = "FUTURE_TIMESTAMP"
	KindOutOfRange      Kind = "OUT_OF_RANGE"
)

// Sentinels for errors.Is matching against a *Error of the same kind.
var (
	ErrMalformed       = errors.New("malformed payload")
	ErrStaleTimestamp  = errors.New("stale timestamp")
	ErrFutureTimestamp = errors.New("future timestamp")
	ErrOutOfRange      = errors.New("parameter out of range")
)

// Error is a validation failure. Parameter and Value are only set for
// KindOutOfRange.
type Error struct {
	Kind      Kind
	Parameter string
	Value     float64
	Detail    string
}

func (e *Error) Error() string {
	if e.Kind == KindOutOfRange {
		return fmt.Sprintf("%s: %s=%g %s", e.Kind, e.Parameter, e.Value, e.Detail)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Detail)
}

// Unwrap exposes the sentinel for this error's kind.
func (e *Error) Unwrap() error {
	switch e.Kind {
	case KindMalformed:
		return ErrMalformed
	case KindStaleTimestamp:
		return ErrStaleTimestamp
	case KindFutureTimestamp:
		return ErrFutureTimestamp
	case KindOutOfRange:
		return ErrOutOfRange
	}
	return nil
}

// KindOf returns the validation kind of err, or "" if err is not a validation error.
func KindOf(err error) Kind {
	var verr *Error
	if errors.As(err, &verr) {
		return verr.Kind
	}
	return ""
}

func malformed(format string, args ...interface{}) *Error {
	return &Error{Kind: KindMalformed, Detail: fmt.Sprintf(format, args...)}
}
