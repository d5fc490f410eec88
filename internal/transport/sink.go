// Package transport delivers encoded packets to subscribers over the
// publish/subscribe systems lidarcast supports. Every sink is
// fire-and-forget: a Publish that fails is reported to the caller and
// otherwise forgotten.
package transport

import (
	"go.uber.org/multierr"

	"github.com/banshee-data/lidarcast/internal/monitoring"
)

var logf = monitoring.Component("Transport")

// Sink publishes payloads on a topic.
type Sink interface {
	Publish(topic string, payload []byte) error
	Close() error
}

// Discard drops every payload. It is used when no transport is enabled.
type Discard struct{}

func (Discard) Publish(string, []byte) error { return nil }
func (Discard) Close() error                 { return nil }

// Fanout publishes every payload to all of its sinks. One failing sink does
// not stop delivery to the others.
type Fanout []Sink

// Publish implements Sink. The returned error combines every sink failure.
func (f Fanout) Publish(topic string, payload []byte) error {
	var err error
	for _, s := range f {
		err = multierr.Append(err, s.Publish(topic, payload))
	}
	return err
}

// Close closes every sink.
func (f Fanout) Close() error {
	var err error
	for _, s := range f {
		err = multierr.Append(err, s.Close())
	}
	return err
}

// Join returns the sinks as one Sink: Discard when there are none, the sink
// itself when there is one, a Fanout otherwise.
func Join(sinks ...Sink) Sink {
	switch len(sinks) {
	case 0:
		return Discard{}
	case 1:
		return sinks[0]
	default:
		return Fanout(sinks)
	}
}
