// Package serialport wraps go.bug.st/serial behind a small interface so the
// sensor driver can be exercised without hardware.
package serialport

import (
	"io"
	"time"
)

// Port defines the subset of a serial port the LIDAR driver needs.
// go.bug.st/serial.Port satisfies it.
type Port interface {
	io.ReadWriter
	io.Closer

	// ResetInputBuffer discards bytes received but not yet read.
	ResetInputBuffer() error

	// SetDTR drives the DTR line. RPLIDAR A-series boards wire it to the
	// motor enable, active low.
	SetDTR(dtr bool) error

	// SetReadTimeout bounds each Read. A Read that times out returns 0, nil.
	SetReadTimeout(t time.Duration) error
}

// Opener opens the port at path with the given options.
// This allows for easier testing by replacing the opener function.
type Opener func(path string, opts PortOptions) (Port, error)
