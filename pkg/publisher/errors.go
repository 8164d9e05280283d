package publisher

import (
	"errors"
	"fmt"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// ErrBreakerOpen signals that a batch was deferred, not attempted.
var ErrBreakerOpen = errors.New("publish deferred: circuit breaker open")

// ErrorKind says whether a publish failure may succeed on retry.
type ErrorKind int

const (
	Transient ErrorKind = iota
	Permanent
)

func (k ErrorKind) String() string {
	if k == Permanent {
		return "PERMANENT"
	}
	return "TRANSIENT"
}

// PublishError is a classified transport failure.
type PublishError struct {
	Kind ErrorKind
	Err  error
}

func (e *PublishError) Error() string {
	return fmt.Sprintf("%s publish error: %v", e.Kind, e.Err)
}

func (e *PublishError) Unwrap() error {
	return e.Err
}

// NewTransientError wraps err as retryable.
func NewTransientError(err error) error {
	return &PublishError{Kind: Transient, Err: err}
}

// NewPermanentError wraps err as not retryable.
func NewPermanentError(err error) error {
	return &PublishError{Kind: Permanent, Err: err}
}

// Classify decides whether err is worth retrying. Explicit *PublishError
// values win; otherwise gRPC status codes that describe the request rather
// than the service are permanent and everything else is transient.
func Classify(err error) ErrorKind {
	var perr *PublishError
	if errors.As(err, &perr) {
		return perr.Kind
	}
	if st, ok := status.FromError(err); ok {
		switch st.Code() {
		case codes.InvalidArgument, codes.FailedPrecondition, codes.PermissionDenied,
			codes.NotFound, codes.Unauthenticated, codes.OutOfRange, codes.Unimplemented:
			return Permanent
		}
	}
	return Transient
}
