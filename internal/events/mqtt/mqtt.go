// Package mqtt publishes hotword events to an MQTT broker.
package mqtt

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"

	"github.com/MrWong99/micarray/internal/events"
)

// Config configures the sink.
type Config struct {
	Broker   string
	ClientID string
	Username string
	Password string

	// Topic may contain "{device_id}", replaced per event.
	Topic string

	// QoS is the publish quality of service. Default 1.
	QoS byte
}

// client is the subset of paho.Client the sink uses.
type client interface {
	Publish(topic string, qos byte, retained bool, payload any) paho.Token
	IsConnectionOpen() bool
	Disconnect(quiesce uint)
}

// Sink publishes JSON-encoded events.
type Sink struct {
	c     client
	topic string
	qos   byte
}

var _ events.Sink = (*Sink)(nil)

// New connects to the broker. The client reconnects automatically after the
// initial connection succeeds.
func New(ctx context.Context, cfg Config) (*Sink, error) {
	opts := paho.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	opts.SetClientID(cfg.ClientID)
	opts.SetUsername(cfg.Username)
	opts.SetPassword(cfg.Password)
	opts.SetAutoReconnect(true)
	opts.SetKeepAlive(30 * time.Second)
	opts.SetPingTimeout(10 * time.Second)
	opts.SetOnConnectHandler(func(paho.Client) {
		slog.Info("mqtt: connected", "broker", cfg.Broker)
	})
	opts.SetConnectionLostHandler(func(_ paho.Client, err error) {
		slog.Warn("mqtt: connection lost", "broker", cfg.Broker, "err", err)
	})

	c := paho.NewClient(opts)
	if err := wait(ctx, c.Connect()); err != nil {
		return nil, fmt.Errorf("mqtt: connect %s: %w", cfg.Broker, err)
	}
	return newSink(c, cfg), nil
}

func newSink(c client, cfg Config) *Sink {
	qos := cfg.QoS
	if qos == 0 {
		qos = 1
	}
	return &Sink{c: c, topic: cfg.Topic, qos: qos}
}

// Name implements [events.Sink].
func (s *Sink) Name() string { return "mqtt" }

// Publish implements [events.Sink].
func (s *Sink) Publish(ctx context.Context, e events.Event) error {
	if !s.c.IsConnectionOpen() {
		return fmt.Errorf("mqtt: not connected")
	}
	payload, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("mqtt: marshal event: %w", err)
	}
	if err := wait(ctx, s.c.Publish(Topic(s.topic, e.DeviceID), s.qos, false, payload)); err != nil {
		return fmt.Errorf("mqtt: publish: %w", err)
	}
	return nil
}

// Close disconnects, giving in-flight messages 250 ms.
func (s *Sink) Close() error {
	s.c.Disconnect(250)
	return nil
}

// Topic expands the {device_id} placeholder in pattern.
func Topic(pattern, deviceID string) string {
	return strings.ReplaceAll(pattern, "{device_id}", deviceID)
}

func wait(ctx context.Context, t paho.Token) error {
	select {
	case <-t.Done():
		return t.Error()
	case <-ctx.Done():
		return ctx.Err()
	}
}
