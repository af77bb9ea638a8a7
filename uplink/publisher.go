// Package uplink implements the upstream publish path: a Publisher
// interface backed by MQTT, and a bounded spill buffer that survives a
// broker outage by falling back to disk and replaying in FIFO order on
// recovery.
package uplink

import (
	"fmt"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// Publisher delivers a single formatted record to the upstream topic.
type Publisher interface {
	Publish(topic, message string) error
	Healthy() bool
	Close() error
}

// MQTTPublisher wraps paho.mqtt.golang and implements Publisher.
type MQTTPublisher struct {
	client mqtt.Client
	qos    byte
}

// MQTTConfig configures the upstream MQTT connection.
type MQTTConfig struct {
	BrokerURL string
	ClientID  string
	QOS       byte
}

// NewMQTTPublisher creates a connected MQTT client with auto-reconnect,
// so transient broker outages are absorbed by the client itself; the
// spill buffer in Dispatcher exists for the case where outages outlast
// that reconnection.
func NewMQTTPublisher(cfg MQTTConfig) (*MQTTPublisher, error) {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(cfg.BrokerURL)
	opts.SetClientID(cfg.ClientID)
	opts.SetKeepAlive(60 * time.Second)
	opts.SetCleanSession(true)
	opts.SetAutoReconnect(true)

	client := mqtt.NewClient(opts)
	if token := client.Connect(); token.Wait() && token.Error() != nil {
		return nil, fmt.Errorf("connecting to mqtt broker %q: %w", cfg.BrokerURL, token.Error())
	}
	return &MQTTPublisher{client: client, qos: cfg.QOS}, nil
}

// Publish sends message on topic and waits for the broker to acknowledge.
func (p *MQTTPublisher) Publish(topic, message string) error {
	token := p.client.Publish(topic, p.qos, false, message)
	token.Wait()
	return token.Error()
}

// Healthy reports whether the client currently holds a live connection to
// the broker.
func (p *MQTTPublisher) Healthy() bool {
	return p.client.IsConnectionOpen()
}

// Close disconnects from the broker gracefully.
func (p *MQTTPublisher) Close() error {
	p.client.Disconnect(250)
	return nil
}
