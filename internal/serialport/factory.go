package serialport

import (
	"fmt"

	"go.bug.st/serial"
)

// Open opens a real serial port at path and applies the read timeout from
// opts. It satisfies Opener.
func Open(path string, opts PortOptions) (Port, error) {
	opts, err := opts.Normalize()
	if err != nil {
		return nil, err
	}
	mode, err := opts.SerialMode()
	if err != nil {
		return nil, err
	}

	port, err := serial.Open(path, mode)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	if err := port.SetReadTimeout(opts.ReadTimeout); err != nil {
		port.Close()
		return nil, fmt.Errorf("set read timeout on %s: %w", path, err)
	}
	return port, nil
}

// ListPorts returns the serial ports the OS currently reports. It is only
// used for diagnostics when no candidate port opens.
func ListPorts() ([]string, error) {
	return serial.GetPortsList()
}
