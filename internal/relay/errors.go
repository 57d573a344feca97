package relay

import (
	"errors"
	"fmt"
)

var (
	ErrUnsafeURL  = errors.New("relay URL blocked: unsafe destination")
	ErrLinkClosed = errors.New("relay link closed")
	ErrPoolClosed = errors.New("relay pool closed")
)

// ConnectionError is a transport-level failure talking to one relay.
// Callers decide whether to retry; the link never retries on its own.
type ConnectionError struct {
	URL string
	Err error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("relay %s: connection error: %v", e.URL, e.Err)
}

func (e *ConnectionError) Unwrap() error {
	return e.Err
}

// IsConnectionError reports whether err is (or wraps) a ConnectionError
func IsConnectionError(err error) bool {
	var ce *ConnectionError
	return errors.As(err, &ce)
}
