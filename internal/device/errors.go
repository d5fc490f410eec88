package device

import (
	"errors"
	"fmt"
)

var (
	// ErrNoCandidates is wrapped in a ConnectError when no explicit port is
	// configured and the candidate table is empty.
	ErrNoCandidates = errors.New("no candidate serial ports configured")

	// ErrSessionShutdown is returned by Open once Shutdown has been called.
	ErrSessionShutdown = errors.New("device session shut down")
)

// ConnectError reports that no handle could be opened. Port is the last
// port tried, empty when there was nothing to try.
type ConnectError struct {
	Port string
	Err  error
}

func (e *ConnectError) Error() string {
	if e.Port == "" {
		return fmt.Sprintf("connect: %v", e.Err)
	}
	return fmt.Sprintf("connect %s: %v", e.Port, e.Err)
}

func (e *ConnectError) Unwrap() error { return e.Err }

// ScanReadError reports a failure while reading or decoding a rotation.
type ScanReadError struct {
	Err error
}

func (e *ScanReadError) Error() string {
	return fmt.Sprintf("scan read: %v", e.Err)
}

func (e *ScanReadError) Unwrap() error { return e.Err }

// CloseError reports a failure while stopping or disconnecting a handle.
// Err may combine several failures.
type CloseError struct {
	Err error
}

func (e *CloseError) Error() string {
	return fmt.Sprintf("close: %v", e.Err)
}

func (e *CloseError) Unwrap() error { return e.Err }
