package mplex

import "errors"

// Stream/session errors named by spec.md §4.2 and §7.
var (
	ErrSessionClosed    = errors.New("mplex: session closed")
	ErrChannelReset     = errors.New("mplex: channel reset")
	ErrChannelClosed    = errors.New("mplex: channel closed for writing")
	ErrInvalidMessage   = errors.New("mplex: invalid message type")
	ErrMaxSizeExceeded  = errors.New("mplex: max message size exceeded")
)

// timeoutError implements net.Error for deadline-exceeded reads/writes.
type timeoutError struct{}

func (timeoutError) Error() string   { return "mplex: i/o deadline exceeded" }
func (timeoutError) Timeout() bool   { return true }
func (timeoutError) Temporary() bool { return true }

var errTimeout = timeoutError{}
