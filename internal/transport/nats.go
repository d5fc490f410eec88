package transport

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
)

const natsReconnectWait = 2 * time.Second

// NATSOptions configures DialNATS.
type NATSOptions struct {
	URL string
	// Subject overrides the subject derived from the topic.
	Subject string
}

type natsConn interface {
	Publish(subject string, data []byte) error
	IsConnected() bool
	Drain() error
}

// NATSSink publishes to a NATS server.
type NATSSink struct {
	conn    natsConn
	subject string
}

// DialNATS connects to the server and keeps reconnecting forever.
func DialNATS(o NATSOptions) (*NATSSink, error) {
	url := o.URL
	if url == "" {
		url = nats.DefaultURL
	}
	conn, err := nats.Connect(url,
		nats.Name("lidarcast"),
		nats.ReconnectWait(natsReconnectWait),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logf("NATS disconnected: %v", err)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logf("NATS reconnected to %s", nc.ConnectedUrl())
		}),
		nats.ClosedHandler(func(*nats.Conn) {
			logf("NATS connection closed")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("transport: connect nats %s: %w", url, err)
	}
	logf("NATS connected to %s", url)
	return &NATSSink{conn: conn, subject: o.Subject}, nil
}

// Subject maps an MQTT-style topic to a NATS subject: a/b becomes a.b.
func Subject(topic string) string {
	return strings.ReplaceAll(strings.Trim(topic, "/"), "/", ".")
}

// Publish implements Sink.
func (s *NATSSink) Publish(topic string, payload []byte) error {
	if !s.conn.IsConnected() {
		return ErrNotConnected
	}
	subject := s.subject
	if subject == "" {
		subject = Subject(topic)
	}
	if subject == "" {
		return errors.New("transport: empty nats subject")
	}
	return s.conn.Publish(subject, payload)
}

// Close flushes pending messages and closes the connection.
func (s *NATSSink) Close() error {
	return s.conn.Drain()
}
