package retry

import (
	"context"
	"errors"
	"net"
	"strings"
)

// RecoverableError is implemented by errors that know whether a retry may
// succeed.
type RecoverableError interface {
	error
	IsRecoverable() bool
}

// markedError carries an explicit retry decision for the wrapped error.
type markedError struct {
	err         error
	recoverable bool
}

func (e *markedError) Error() string       { return e.err.Error() }
func (e *markedError) Unwrap() error       { return e.err }
func (e *markedError) IsRecoverable() bool { return e.recoverable }

// Transient marks err as worth retrying.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &markedError{err: err, recoverable: true}
}

// Permanent marks err as not worth retrying.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &markedError{err: err, recoverable: false}
}

// transientMessages are substrings of errors from databases and networks
// that usually clear up on their own.
var transientMessages = []string{
	"database is locked",
	"sqlite_busy",
	"connection refused",
	"connection reset",
	"broken pipe",
	"too many connections",
	"i/o timeout",
}

// IsRecoverable reports whether err may succeed on retry. An explicit
// decision from a RecoverableError wins; otherwise deadlines, network
// timeouts, and a few well-known transient messages are recoverable.
func IsRecoverable(err error) bool {
	if err == nil {
		return false
	}
	var recoverable RecoverableError
	if errors.As(err, &recoverable) {
		return recoverable.IsRecoverable()
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, pattern := range transientMessages {
		if strings.Contains(msg, pattern) {
			return true
		}
	}
	return false
}
