package rplidar

import (
	"encoding/binary"
	"fmt"
	"sync/atomic"
	"time"

	"go.uber.org/multierr"

	"github.com/banshee-data/lidarcast/internal/monitoring"
	"github.com/banshee-data/lidarcast/internal/serialport"
)

const (
	// DefaultMotorPWM is the A2 motor duty cycle used by Slamtec's tools.
	DefaultMotorPWM = 660

	// MinScanLen is the number of non-zero measurements a rotation must
	// exceed to be emitted. Shorter rotations are dropped as spin-up noise.
	MinScanLen = 5
)

var logf = monitoring.Component("RPLidar")

// Lidar is a connection to one RPLIDAR device. NextScan must only be called
// from a single goroutine; Stop and Disconnect may be called from another to
// abort it.
type Lidar struct {
	port     serialport.Port
	path     string
	scanning atomic.Bool
	pending  []Measurement
}

// New wraps an already open port.
func New(port serialport.Port) *Lidar {
	return &Lidar{port: port}
}

// Open opens the serial port at path, starts the motor and checks that the
// device answers a health query with a non-error status.
func Open(open serialport.Opener, path string, opts serialport.PortOptions) (*Lidar, error) {
	port, err := open(path, opts)
	if err != nil {
		return nil, err
	}

	l := New(port)
	l.path = path

	if err := l.StartMotor(); err != nil {
		port.Close()
		return nil, fmt.Errorf("start motor on %s: %w", path, err)
	}

	health, err := l.Health()
	if err != nil {
		port.Close()
		return nil, fmt.Errorf("query health on %s: %w", path, err)
	}
	if health.Status == HealthError {
		logf("Device on %s reports error (code %d), resetting", path, health.ErrorCode)
		if health, err = l.resetAndCheck(); err != nil {
			port.Close()
			return nil, fmt.Errorf("reset %s: %w", path, err)
		}
		if health.Status == HealthError {
			port.Close()
			return nil, fmt.Errorf("%w: %s (code %d)", ErrDeviceError, path, health.ErrorCode)
		}
		logf("Device on %s recovered after reset", path)
	}
	if health.Status == HealthWarning {
		logf("Device on %s reports warning (code %d)", path, health.ErrorCode)
	}

	return l, nil
}

// Path returns the port path passed to Open, if any.
func (l *Lidar) Path() string {
	return l.path
}

// StartMotor enables the motor. A1 boards use DTR, A2 boards take a PWM
// command; both are sent.
func (l *Lidar) StartMotor() error {
	if err := l.port.SetDTR(false); err != nil {
		return err
	}
	return l.setPWM(DefaultMotorPWM)
}

// StopMotor stops the motor.
func (l *Lidar) StopMotor() error {
	return multierr.Combine(
		l.setPWM(0),
		l.port.SetDTR(true),
	)
}

func (l *Lidar) setPWM(pwm uint16) error {
	payload := make([]byte, 2)
	binary.LittleEndian.PutUint16(payload, pwm)
	return l.send(cmdSetPWM, payload)
}

// Info queries model, firmware, hardware revision and serial number.
func (l *Lidar) Info() (Info, error) {
	raw, err := l.query(cmdGetInfo, infoLen, infoType)
	if err != nil {
		return Info{}, err
	}
	return decodeInfo(raw), nil
}

// Health queries the device self-test status.
func (l *Lidar) Health() (Health, error) {
	raw, err := l.query(cmdGetHealth, healthLen, healthType)
	if err != nil {
		return Health{}, err
	}
	return decodeHealth(raw), nil
}

// ClearInput discards bytes the device sent before we were ready to read
// them, along with any partially assembled rotation.
func (l *Lidar) ClearInput() error {
	l.pending = nil
	return l.port.ResetInputBuffer()
}

// NextScan blocks until one full rotation has been received and returns its
// measurements with zero distances removed. The first call starts scanning.
func (l *Lidar) NextScan() ([]Measurement, error) {
	if !l.scanning.Load() {
		if err := l.startScan(); err != nil {
			return nil, err
		}
	}

	buf := make([]byte, scanLen)
	for {
		if err := l.readFull(buf); err != nil {
			return nil, err
		}
		m, err := decodeMeasurement(buf)
		if err != nil {
			return nil, err
		}

		var done []Measurement
		if m.NewScan {
			done = l.pending
			l.pending = nil
		}
		if m.DistanceMM > 0 {
			l.pending = append(l.pending, m)
		}
		if len(done) > MinScanLen {
			return done, nil
		}
	}
}

func (l *Lidar) startScan() error {
	if err := l.send(cmdScan, nil); err != nil {
		return err
	}
	d, err := l.readDescriptor()
	if err != nil {
		return err
	}
	if err := d.expect(scanLen, false, scanType); err != nil {
		return err
	}
	l.pending = nil
	l.scanning.Store(true)
	return nil
}

// Stop ends scanning, drops unread input and stops the motor. Every step is
// attempted; their errors are combined.
func (l *Lidar) Stop() error {
	l.scanning.Store(false)
	err := l.send(cmdStop, nil)
	// The device needs a moment before it accepts the next request.
	time.Sleep(time.Millisecond)
	return multierr.Combine(
		err,
		l.port.ResetInputBuffer(),
		l.StopMotor(),
	)
}

// Reset reboots the device core. It takes a couple of milliseconds before
// the device accepts requests again, and the motor state is not kept.
func (l *Lidar) Reset() error {
	l.scanning.Store(false)
	l.pending = nil
	if err := l.send(cmdReset, nil); err != nil {
		return err
	}
	time.Sleep(2 * time.Millisecond)
	return l.port.ResetInputBuffer()
}

// resetAndCheck resets the core, restarts the motor the reset turned off and asks
// for health again.
func (l *Lidar) resetAndCheck() (Health, error) {
	if err := l.Reset(); err != nil {
		return Health{}, err
	}
	if err := l.StartMotor(); err != nil {
		return Health{}, err
	}
	return l.Health()
}

// Disconnect closes the serial port.
func (l *Lidar) Disconnect() error {
	l.scanning.Store(false)
	return l.port.Close()
}

func (l *Lidar) query(cmd byte, size int, dataType byte) ([]byte, error) {
	if err := l.send(cmd, nil); err != nil {
		return nil, err
	}
	d, err := l.readDescriptor()
	if err != nil {
		return nil, err
	}
	if err := d.expect(size, true, dataType); err != nil {
		return nil, err
	}
	raw := make([]byte, size)
	if err := l.readFull(raw); err != nil {
		return nil, err
	}
	return raw, nil
}

func (l *Lidar) send(cmd byte, payload []byte) error {
	frame := request(cmd, payload)
	n, err := l.port.Write(frame)
	if err != nil {
		return fmt.Errorf("rplidar: write command %#x: %w", cmd, err)
	}
	if n != len(frame) {
		return fmt.Errorf("rplidar: short write for command %#x: %d of %d bytes", cmd, n, len(frame))
	}
	return nil
}

func (l *Lidar) readDescriptor() (descriptor, error) {
	raw := make([]byte, descriptorLen)
	if err := l.readFull(raw); err != nil {
		return descriptor{}, err
	}
	return parseDescriptor(raw)
}

// readFull fills buf. A read that returns no bytes means the port's read
// timeout expired, which the protocol never allows mid-stream.
func (l *Lidar) readFull(buf []byte) error {
	for off := 0; off < len(buf); {
		n, err := l.port.Read(buf[off:])
		if err != nil {
			return fmt.Errorf("rplidar: read: %w", err)
		}
		if n == 0 {
			return ErrTimeout
		}
		off += n
	}
	return nil
}
