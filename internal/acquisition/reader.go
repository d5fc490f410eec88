// Package acquisition runs the loop that keeps a LIDAR connected and
// scanning, retrying forever on failure, and hands the latest rotation to
// any number of readers.
package acquisition

import (
	"errors"
	"fmt"
	"iter"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"tailscale.com/tsweb"

	"github.com/banshee-data/lidarcast/internal/httputil"
	"github.com/banshee-data/lidarcast/internal/monitoring"
	"github.com/banshee-data/lidarcast/internal/scan"
	"github.com/banshee-data/lidarcast/internal/timeutil"
)

const (
	DefaultReconnectDelay = time.Second
	DefaultStopTimeout    = 2 * time.Second

	// statsLogEvery controls how often a scan count line is logged.
	statsLogEvery = 600
)

var logf = monitoring.Component("LidarReader")

// ErrStopped is returned by Start once Stop has been called.
var ErrStopped = errors.New("acquisition: reader stopped")

// errScanEnded is the fault recorded when the scan sequence finishes
// without an error while the loop is still meant to be running.
var errScanEnded = errors.New("scan sequence ended")

// Session is the device connection the loop drives. *device.Session
// satisfies it.
type Session interface {
	Open() error
	Scans() iter.Seq2[[]scan.Raw, error]
	Close()
	Shutdown()
}

// State is the loop's position in its lifecycle.
type State int32

const (
	Idle State = iota
	Connecting
	Scanning
	BackingOff
	Stopped
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Connecting:
		return "connecting"
	case Scanning:
		return "scanning"
	case BackingOff:
		return "backing-off"
	case Stopped:
		return "stopped"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

// FaultCause says which phase of the loop failed.
type FaultCause int

const (
	FaultConnect FaultCause = iota
	FaultScanRead
)

func (c FaultCause) String() string {
	if c == FaultConnect {
		return "connect"
	}
	return "scan read"
}

// Fault is any failure of the loop. Both causes are retried the same way.
type Fault struct {
	Cause FaultCause
	Err   error
}

func (f *Fault) Error() string {
	return fmt.Sprintf("%s fault: %v", f.Cause, f.Err)
}

func (f *Fault) Unwrap() error { return f.Err }

// Option configures a Reader.
type Option func(*Reader)

// WithReconnectDelay sets the wait between a fault and the next connect.
func WithReconnectDelay(d time.Duration) Option {
	return func(r *Reader) { r.reconnectDelay = d }
}

// WithStopTimeout bounds how long Stop waits for the loop to exit.
func WithStopTimeout(d time.Duration) Option {
	return func(r *Reader) { r.stopTimeout = d }
}

// WithClock replaces the real clock, for tests.
func WithClock(c timeutil.Clock) Option {
	return func(r *Reader) { r.clock = c }
}

// Reader owns the acquisition loop.
type Reader struct {
	session        Session
	cell           scan.Cell
	clock          timeutil.Clock
	reconnectDelay time.Duration
	stopTimeout    time.Duration

	mu      sync.Mutex
	started bool
	stopped bool
	running atomic.Bool
	stopCh  chan struct{}
	done    chan struct{}

	state           atomic.Int32
	scansRead       atomic.Uint64
	connectAttempts atomic.Uint64
	faults          atomic.Uint64
	lastFault       atomic.Pointer[string]
}

// NewReader creates an idle reader over session.
func NewReader(session Session, opts ...Option) *Reader {
	r := &Reader{
		session:        session,
		clock:          timeutil.RealClock{},
		reconnectDelay: DefaultReconnectDelay,
		stopTimeout:    DefaultStopTimeout,
		stopCh:         make(chan struct{}),
		done:           make(chan struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Start launches the loop. It is a no-op while the loop is running and
// fails with ErrStopped after Stop.
func (r *Reader) Start() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.stopped {
		return ErrStopped
	}
	if r.started {
		return nil
	}
	r.started = true
	r.running.Store(true)
	r.setState(Connecting)
	go r.run()
	return nil
}

// Stop asks the loop to exit and waits for it up to the stop timeout, then
// shuts the session down whether or not the loop has exited. Shutting the
// session down unblocks a loop stuck in a device read.
func (r *Reader) Stop() {
	r.mu.Lock()
	if r.stopped {
		r.mu.Unlock()
		return
	}
	r.stopped = true
	started := r.started
	r.running.Store(false)
	close(r.stopCh)
	r.mu.Unlock()

	if started {
		select {
		case <-r.done:
		case <-r.clock.After(r.stopTimeout):
			logf("Loop did not exit within %v, shutting down the session anyway", r.stopTimeout)
		}
	}
	r.session.Shutdown()
	r.setState(Stopped)
	logf("Stopped after %d scans", r.scansRead.Load())
}

// Latest returns a copy of the most recent rotation, or an empty Scan if
// none has been read yet.
func (r *Reader) Latest() scan.Scan {
	return r.cell.Load()
}

// State returns the loop's current state.
func (r *Reader) State() State {
	return State(r.state.Load())
}

// setState moves to s unless the loop is already Stopped.
func (r *Reader) setState(s State) {
	for {
		cur := r.state.Load()
		if State(cur) == Stopped {
			return
		}
		if r.state.CompareAndSwap(cur, int32(s)) {
			return
		}
	}
}

func (r *Reader) run() {
	defer close(r.done)
	defer r.setState(Stopped)

	for r.running.Load() {
		r.setState(Connecting)
		r.connectAttempts.Add(1)
		if err := r.session.Open(); err != nil {
			r.fault(FaultConnect, err)
		} else {
			r.setState(Scanning)
			// A read that fails because Stop shut the session down is not a fault.
			if err := r.scan(); err != nil && r.running.Load() {
				r.fault(FaultScanRead, err)
				r.session.Close()
			}
		}

		if !r.running.Load() {
			return
		}
		r.setState(BackingOff)
		if !r.wait(r.reconnectDelay) {
			return
		}
	}
}

// scan stores rotations until the sequence fails or a stop is requested.
func (r *Reader) scan() error {
	for raw, err := range r.session.Scans() {
		if err != nil {
			return err
		}
		if !r.running.Load() {
			return nil
		}
		r.cell.Store(scan.FromRaw(raw), r.clock.Now())
		if n := r.scansRead.Add(1); n == 1 || n%statsLogEvery == 0 {
			logf("%d scans read, latest %s", n, scan.Summarize(r.cell.Load()))
		}
	}
	if r.running.Load() {
		return errScanEnded
	}
	return nil
}

func (r *Reader) fault(cause FaultCause, err error) {
	f := &Fault{Cause: cause, Err: err}
	msg := f.Error()
	r.faults.Add(1)
	r.lastFault.Store(&msg)
	logf("%v; reconnecting in %v", f, r.reconnectDelay)
}

// wait sleeps for d and reports false if a stop was requested first.
func (r *Reader) wait(d time.Duration) bool {
	select {
	case <-r.clock.After(d):
		return true
	case <-r.stopCh:
		return false
	}
}

// Stats is a point-in-time view of the loop for the debug surface.
type Stats struct {
	State           string       `json:"state"`
	ScansRead       uint64       `json:"scans_read"`
	ConnectAttempts uint64       `json:"connect_attempts"`
	Faults          uint64       `json:"faults"`
	LastFault       string       `json:"last_fault,omitempty"`
	ScanVersion     uint64       `json:"scan_version"`
	LastScanAt      time.Time    `json:"last_scan_at,omitzero"`
	Latest          scan.Summary `json:"latest"`
}

// Stats returns the current counters.
func (r *Reader) Stats() Stats {
	st := Stats{
		State:           r.State().String(),
		ScansRead:       r.scansRead.Load(),
		ConnectAttempts: r.connectAttempts.Load(),
		Faults:          r.faults.Load(),
		ScanVersion:     r.cell.Version(),
		LastScanAt:      r.cell.UpdatedAt(),
		Latest:          scan.Summarize(r.cell.Load()),
	}
	if p := r.lastFault.Load(); p != nil {
		st.LastFault = *p
	}
	return st
}

// AttachAdminRoutes serves the loop's stats at /debug/lidar and adds the
// state to the debug index.
func (r *Reader) AttachAdminRoutes(mux *http.ServeMux) {
	debug := tsweb.Debugger(mux)
	debug.KVFunc("LIDAR state", func() any { return r.State().String() })
	debug.KVFunc("LIDAR scans read", func() any { return r.scansRead.Load() })
	debug.HandleFunc("lidar", "LIDAR acquisition stats", func(w http.ResponseWriter, req *http.Request) {
		if req.Method != http.MethodGet {
			httputil.MethodNotAllowed(w)
			return
		}
		httputil.WriteJSONOK(w, r.Stats())
	})
}
