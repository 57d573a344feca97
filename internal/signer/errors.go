package signer

import (
	"errors"
	"fmt"
)

var (
	ErrSigningTimeout = errors.New("signing request timed out")
	ErrQueueClosed    = errors.New("signing queue closed")
	ErrNotDelivered   = errors.New("signing request not accepted by any relay")
	ErrClientClosed   = errors.New("signer client closed")
)

// SigningError is a failure reported by, or attributable to, the remote
// signer: an explicit error response or an unusable result.
type SigningError struct {
	Method  string
	Message string
}

func (e *SigningError) Error() string {
	return fmt.Sprintf("%s failed: %s", e.Method, e.Message)
}

// IsSigningError reports whether err is (or wraps) a SigningError
func IsSigningError(err error) bool {
	var se *SigningError
	return errors.As(err, &se)
}
