// Package device owns the connection to a scanning LIDAR: choosing a serial
// port, opening and closing the driver handle and turning its blocking reads
// into a sequence of rotations.
package device

import (
	"errors"
	"iter"
	"sync"

	"go.uber.org/multierr"

	"github.com/banshee-data/lidarcast/internal/monitoring"
	"github.com/banshee-data/lidarcast/internal/scan"
)

var logf = monitoring.Component("Device")

// Driver opens a handle on a serial port.
type Driver interface {
	Open(port string) (Handle, error)
}

// Handle is an open device. NextScan blocks until one full rotation has
// been read. Stop and Disconnect may be called from another goroutine to
// abort a blocked NextScan.
type Handle interface {
	ClearInput() error
	NextScan() ([]scan.Raw, error)
	Stop() error
	Disconnect() error
}

// State is the connection state of a Session.
type State int

const (
	Disconnected State = iota
	Connected
)

func (s State) String() string {
	if s == Connected {
		return "connected"
	}
	return "disconnected"
}

// Option configures a Session.
type Option func(*Session)

// WithPort pins the session to one port. The candidate table is ignored.
func WithPort(port string) Option {
	return func(s *Session) { s.port = port }
}

// WithCandidates replaces the candidate table tried when no explicit port
// is set.
func WithCandidates(candidates []string) Option {
	return func(s *Session) { s.candidates = append([]string(nil), candidates...) }
}

// Session holds at most one open Handle.
type Session struct {
	driver     Driver
	port       string
	candidates []string

	mu       sync.Mutex
	handle   Handle
	openPort string
	shutdown bool
}

// NewSession creates a disconnected session. Without options it tries
// DefaultCandidates for the running OS.
func NewSession(driver Driver, opts ...Option) *Session {
	s := &Session{
		driver:     driver,
		candidates: DefaultCandidates(""),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Open closes any handle still open, then opens a new one on the explicit
// port or on the first candidate that accepts. Stale input is discarded
// before Open returns.
func (s *Session) Open() error {
	s.mu.Lock()
	if s.shutdown {
		s.mu.Unlock()
		return ErrSessionShutdown
	}
	s.mu.Unlock()

	s.Close()

	ports := s.candidates
	if s.port != "" {
		ports = []string{s.port}
	}
	if len(ports) == 0 {
		return &ConnectError{Err: ErrNoCandidates}
	}

	var (
		h    Handle
		port string
		err  error
	)
	for _, port = range ports {
		h, err = s.driver.Open(port)
		if err == nil {
			break
		}
		logf("Open %s failed: %v", port, err)
	}
	if err != nil {
		return &ConnectError{Port: port, Err: err}
	}

	if err := h.ClearInput(); err != nil {
		closeHandle(h)
		return &ConnectError{Port: port, Err: err}
	}

	s.mu.Lock()
	if s.shutdown {
		s.mu.Unlock()
		closeHandle(h)
		return ErrSessionShutdown
	}
	s.handle = h
	s.openPort = port
	s.mu.Unlock()

	logf("Connected on %s", port)
	return nil
}

// Scans yields one rotation per step from the open handle. The first read
// error is yielded wrapped in a ScanReadError and ends the sequence. With no
// open handle the sequence yields a single ScanReadError.
func (s *Session) Scans() iter.Seq2[[]scan.Raw, error] {
	return func(yield func([]scan.Raw, error) bool) {
		s.mu.Lock()
		h := s.handle
		s.mu.Unlock()

		if h == nil {
			yield(nil, &ScanReadError{Err: errors.New("no open handle")})
			return
		}
		for {
			raw, err := h.NextScan()
			if err != nil {
				yield(nil, &ScanReadError{Err: err})
				return
			}
			if !yield(raw, nil) {
				return
			}
		}
	}
}

// Close stops and disconnects the open handle, if any. Failures are logged
// and swallowed; the session always ends Disconnected.
func (s *Session) Close() {
	s.mu.Lock()
	h, port := s.handle, s.openPort
	s.handle, s.openPort = nil, ""
	s.mu.Unlock()

	if h == nil {
		return
	}
	if err := closeHandle(h); err != nil {
		logf("Close %s: %v", port, err)
		return
	}
	logf("Disconnected from %s", port)
}

// Shutdown closes the session and makes every later Open fail with
// ErrSessionShutdown.
func (s *Session) Shutdown() {
	s.mu.Lock()
	s.shutdown = true
	s.mu.Unlock()
	s.Close()
}

// State reports whether a handle is open.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.handle != nil {
		return Connected
	}
	return Disconnected
}

// Port returns the port of the open handle, or "" when disconnected.
func (s *Session) Port() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.openPort
}

// closeHandle runs both teardown steps regardless of failures.
func closeHandle(h Handle) error {
	err := multierr.Combine(h.Stop(), h.Disconnect())
	if err != nil {
		return &CloseError{Err: err}
	}
	return nil
}
