package device

import (
	"runtime"

	"github.com/banshee-data/lidarcast/internal/rplidar"
	"github.com/banshee-data/lidarcast/internal/scan"
	"github.com/banshee-data/lidarcast/internal/serialport"
)

// DefaultCandidates returns the ports tried, in order, when no port is
// configured. An empty goos means the running OS.
func DefaultCandidates(goos string) []string {
	if goos == "" {
		goos = runtime.GOOS
	}
	switch goos {
	case "windows":
		return []string{"COM7", "COM11"}
	default:
		return []string{"/dev/ttyUSB0", "/dev/ttyUSB1", "/dev/ttyAMA0"}
	}
}

// RPLidarDriver opens RPLIDAR A-series devices over serial.
type RPLidarDriver struct {
	opts  serialport.PortOptions
	open  serialport.Opener
	ports func() ([]string, error)
}

// NewRPLidarDriver returns a Driver that opens real serial ports with opts.
func NewRPLidarDriver(opts serialport.PortOptions) *RPLidarDriver {
	return &RPLidarDriver{
		opts:  opts,
		open:  serialport.Open,
		ports: serialport.ListPorts,
	}
}

// Open implements Driver. On failure the ports the OS does report are
// logged to help pick the right one.
func (d *RPLidarDriver) Open(port string) (Handle, error) {
	l, err := rplidar.Open(d.open, port, d.opts)
	if err != nil {
		if d.ports != nil {
			if available, lerr := d.ports(); lerr == nil {
				logf("Available serial ports: %v", available)
			}
		}
		return nil, err
	}

	if info, err := l.Info(); err != nil {
		logf("Device info on %s unavailable: %v", l.Path(), err)
	} else {
		logf("Device on %s: %s", l.Path(), info)
	}
	return &rplidarHandle{l}, nil
}

type rplidarHandle struct {
	*rplidar.Lidar
}

func (h *rplidarHandle) NextScan() ([]scan.Raw, error) {
	ms, err := h.Lidar.NextScan()
	if err != nil {
		return nil, err
	}
	raw := make([]scan.Raw, len(ms))
	for i, m := range ms {
		raw[i] = scan.Raw{Quality: m.Quality, AngleDeg: m.AngleDeg, DistanceMM: m.DistanceMM}
	}
	return raw, nil
}
