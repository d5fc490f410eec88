// Package publisher samples the latest scan at a fixed cadence and hands
// each encoded packet to a transport sink.
package publisher

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"tailscale.com/tsweb"

	"github.com/banshee-data/lidarcast/internal/httputil"
	"github.com/banshee-data/lidarcast/internal/monitoring"
	"github.com/banshee-data/lidarcast/internal/packet"
	"github.com/banshee-data/lidarcast/internal/scan"
	"github.com/banshee-data/lidarcast/internal/timeutil"
	"github.com/banshee-data/lidarcast/internal/transport"
)

const (
	DefaultInterval = 100 * time.Millisecond

	// statsLogEvery controls how often a packet count line is logged.
	statsLogEvery = 600
)

var logf = monitoring.Component("Publisher")

// Source supplies the most recent scan. It must not block.
type Source interface {
	Latest() scan.Scan
}

// Option configures a Publisher.
type Option func(*Publisher)

// WithInterval sets the time between ticks.
func WithInterval(d time.Duration) Option {
	return func(p *Publisher) { p.interval = d }
}

// WithClock replaces the real clock, for tests.
func WithClock(c timeutil.Clock) Option {
	return func(p *Publisher) { p.clock = c }
}

// Publisher turns snapshots into numbered packets.
type Publisher struct {
	source   Source
	sink     transport.Sink
	topic    string
	interval time.Duration
	clock    timeutil.Clock

	mu    sync.Mutex
	next  uint64
	stats Stats
}

// Stats counts what the publisher has done.
type Stats struct {
	Sent         uint64    `json:"sent"`
	EmptyTicks   uint64    `json:"empty_ticks"`
	SinkErrors   uint64    `json:"sink_errors"`
	EncodeErrors uint64    `json:"encode_errors"`
	LastID       uint64    `json:"last_id"`
	LastPoints   int       `json:"last_points"`
	LastBytes    int       `json:"last_bytes"`
	LastSentAt   time.Time `json:"last_sent_at,omitzero"`
	LastError    string    `json:"last_error,omitempty"`
}

// New creates a publisher. The first packet gets id 0.
func New(source Source, sink transport.Sink, topic string, opts ...Option) *Publisher {
	p := &Publisher{
		source:   source,
		sink:     sink,
		topic:    topic,
		interval: DefaultInterval,
		clock:    timeutil.RealClock{},
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Run ticks every interval until ctx is done, then returns ctx.Err().
func (p *Publisher) Run(ctx context.Context) error {
	ticker := p.clock.NewTicker(p.interval)
	defer ticker.Stop()

	logf("Publishing to %q every %v", p.topic, p.interval)
	for {
		select {
		case <-ctx.Done():
			st := p.Stats()
			logf("Stopped after %d packets (%d sink errors)", st.Sent, st.SinkErrors)
			return ctx.Err()
		case now := <-ticker.C():
			p.Tick(now)
		}
	}
}

// Tick publishes one packet built from the latest scan, stamped with now.
// It reports false and consumes no id when there is no scan yet. A packet
// the sink fails to take still consumes its id. The sink is called without
// holding the stats lock.
func (p *Publisher) Tick(now time.Time) (packet.Packet, bool) {
	latest := p.source.Latest()

	p.mu.Lock()
	if len(latest) == 0 {
		p.stats.EmptyTicks++
		p.mu.Unlock()
		return packet.Packet{}, false
	}
	id := p.next
	p.next++
	p.mu.Unlock()

	pkt := packet.New(id, now, latest)
	payload, err := packet.Encode(pkt)
	if err != nil {
		p.mu.Lock()
		p.stats.EncodeErrors++
		p.stats.LastError = err.Error()
		p.mu.Unlock()
		logf("Encode packet %d: %v", pkt.ID, err)
		return pkt, true
	}

	pubErr := p.sink.Publish(p.topic, payload)

	p.mu.Lock()
	defer p.mu.Unlock()
	if pubErr != nil {
		p.stats.SinkErrors++
		p.stats.LastError = pubErr.Error()
		if p.stats.SinkErrors == 1 || p.stats.SinkErrors%statsLogEvery == 0 {
			logf("Publish packet %d failed (%d failures so far): %v", pkt.ID, p.stats.SinkErrors, pubErr)
		}
	} else {
		p.stats.Sent++
	}

	p.stats.LastID = pkt.ID
	p.stats.LastPoints = len(pkt.Points)
	p.stats.LastBytes = len(payload)
	p.stats.LastSentAt = now
	if pkt.ID%statsLogEvery == 0 {
		logf("Packet %d: %d points, %s", pkt.ID, len(pkt.Points), humanize.Bytes(uint64(len(payload))))
	}
	return pkt, true
}

// Stats returns a copy of the counters.
func (p *Publisher) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stats
}

// AttachAdminRoutes serves the counters at /debug/publisher.
func (p *Publisher) AttachAdminRoutes(mux *http.ServeMux) {
	debug := tsweb.Debugger(mux)
	debug.KVFunc("Packets sent", func() any { return p.Stats().Sent })
	debug.KVFunc("Last packet size", func() any { return humanize.Bytes(uint64(p.Stats().LastBytes)) })
	debug.HandleFunc("publisher", "publisher stats", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			httputil.MethodNotAllowed(w)
			return
		}
		httputil.WriteJSONOK(w, p.Stats())
	})
}
