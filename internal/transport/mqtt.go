package transport

import (
	"errors"
	"fmt"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
)

const (
	DefaultMQTTPort      = 1883
	DefaultMQTTKeepAlive = 60 * time.Second

	mqttConnectTimeout = 5 * time.Second
	mqttQuiesceMillis  = 250
)

// ErrNotConnected is returned by Publish while a sink has no live
// connection to its broker.
var ErrNotConnected = errors.New("transport: not connected")

// MQTTOptions configures DialMQTT.
type MQTTOptions struct {
	Broker    string
	Port      int
	KeepAlive time.Duration
	// ClientID defaults to lidarcast-<random uuid>.
	ClientID string
}

func (o MQTTOptions) brokerURL() string {
	port := o.Port
	if port == 0 {
		port = DefaultMQTTPort
	}
	return fmt.Sprintf("tcp://%s:%d", o.Broker, port)
}

// mqttClient is the part of mqtt.Client the sink uses.
type mqttClient interface {
	IsConnectionOpen() bool
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
	Disconnect(quiesce uint)
}

// MQTTSink publishes to an MQTT broker at QoS 0, not retained.
type MQTTSink struct {
	client mqttClient
	broker string
}

// DialMQTT connects to the broker. The client reconnects on its own after
// the first connection; a first connection that does not complete within a
// few seconds keeps retrying in the background.
func DialMQTT(o MQTTOptions) (*MQTTSink, error) {
	if o.Broker == "" {
		return nil, errors.New("transport: mqtt broker not set")
	}
	keepAlive := o.KeepAlive
	if keepAlive <= 0 {
		keepAlive = DefaultMQTTKeepAlive
	}
	clientID := o.ClientID
	if clientID == "" {
		clientID = "lidarcast-" + uuid.NewString()
	}
	broker := o.brokerURL()

	opts := mqtt.NewClientOptions().
		AddBroker(broker).
		SetClientID(clientID).
		SetKeepAlive(keepAlive).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetOrderMatters(false).
		SetOnConnectHandler(func(mqtt.Client) {
			logf("MQTT connected to %s as %s", broker, clientID)
		}).
		SetConnectionLostHandler(func(_ mqtt.Client, err error) {
			logf("MQTT connection to %s lost: %v", broker, err)
		})

	client := mqtt.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(mqttConnectTimeout) {
		logf("MQTT broker %s not reachable yet, retrying in background", broker)
	} else if err := token.Error(); err != nil {
		return nil, fmt.Errorf("transport: connect mqtt %s: %w", broker, err)
	}

	return &MQTTSink{client: client, broker: broker}, nil
}

// Publish implements Sink. It does not wait for the broker.
func (s *MQTTSink) Publish(topic string, payload []byte) error {
	if !s.client.IsConnectionOpen() {
		return ErrNotConnected
	}
	s.client.Publish(topic, 0, false, payload)
	return nil
}

// Close disconnects from the broker.
func (s *MQTTSink) Close() error {
	s.client.Disconnect(mqttQuiesceMillis)
	logf("MQTT disconnected from %s", s.broker)
	return nil
}
