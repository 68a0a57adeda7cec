package bridge

import "errors"

var (
	// ErrTaskTimeout indicates no completion arrived within the caller's deadline
	ErrTaskTimeout = errors.New("call timed out waiting for completion")

	// ErrUnknownFunction indicates the worker has no handler for the called function
	ErrUnknownFunction = errors.New("unknown bridge function")
)

// RemoteError carries a failure raised by the remote handler
type RemoteError struct {
	Fn      string
	Message string
}

func (e *RemoteError) Error() string {
	return "remote call " + e.Fn + " failed: " + e.Message
}
