package mes

import (
	"errors"
	"fmt"
)

// ErrAuthExpired signals an HTTP 401 from a monitoring call. It is handled
// locally: the broker refreshes once and the page is retried.
var ErrAuthExpired = errors.New("mes: access token expired")

// AuthError is returned when a token endpoint answers with a non-200
// envelope. It fails the current job.
type AuthError struct {
	Code    int
	Message string
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("mes: token request rejected (code=%d): %s", e.Code, e.Message)
}

// UpstreamError is returned when the MES monitoring endpoint answers with a
// non-200 envelope. It fails the current device but not the batch.
type UpstreamError struct {
	Code    int
	Message string
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("mes: upstream error (code=%d): %s", e.Code, e.Message)
}

// TransportError wraps network-level failures (timeout, reset, DNS).
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("mes: transport failure during %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// IsTransport reports whether err is a network-level failure eligible for
// bounded retry.
func IsTransport(err error) bool {
	var te *TransportError
	return errors.As(err, &te)
}
