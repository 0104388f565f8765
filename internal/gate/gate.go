// Package gate decides, once per sensor cycle, whether a reading is
// published and which status the device reports for it.
package gate

import (
	"context"
	"log/slog"

	"github.com/NotHydra/smart-med-guard/internal/device"
)

// Status is the outcome of one sensor cycle.
type Status int

const (
	// Published means the reading reached the broker client.
	Published Status = iota + 1
	// PublishFailed means the client rejected the publish.
	PublishFailed
	// SensorError means temperature or humidity could not be read.
	SensorError
	// Offline means WiFi is down; the reading was dropped.
	Offline
	// MQTTDisconnected means WiFi is up but there is no broker session.
	MQTTDisconnected
)

// String returns the display label.
func (s Status) String() string {
	switch s {
	case Published:
		return "Published"
	case PublishFailed:
		return "Publish Failed"
	case SensorError:
		return "Sensor Error"
	case Offline:
		return "Offline"
	case MQTTDisconnected:
		return "MQTT Disconn."
	default:
		return "Unknown"
	}
}

// Name returns a stable machine name for logs and the status API.
func (s Status) Name() string {
	switch s {
	case Published:
		return "published"
	case PublishFailed:
		return "publish_failed"
	case SensorError:
		return "sensor_error"
	case Offline:
		return "offline"
	case MQTTDisconnected:
		return "mqtt_disconnected"
	default:
		return "unknown"
	}
}

// MarshalText encodes the status by name.
func (s Status) MarshalText() ([]byte, error) {
	return []byte(s.Name()), nil
}

// Connectivity is the read-only view of connection state the gate
// needs.
type Connectivity interface {
	OfflineMode() bool
	MQTTConnected() bool
	PresenceDetected() bool
}

// Publisher sends one message to the broker.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload []byte) error
}

// Gate turns readings into publishes. The topic is fixed at creation.
type Gate struct {
	id     device.Identity
	topic  string
	pub    Publisher
	logger *slog.Logger
}

// New creates a gate publishing for the given room.
func New(id device.Identity, pub Publisher, logger *slog.Logger) *Gate {
	if logger == nil {
		logger = slog.Default()
	}
	return &Gate{
		id:     id,
		topic:  id.Topic(),
		pub:    pub,
		logger: logger,
	}
}

// Topic returns the publish topic.
func (g *Gate) Topic() string {
	return g.topic
}

// Evaluate classifies the reading and publishes it when the device is
// online with a broker session. The first matching rule wins: sensor
// failure, offline mode, broker session up, no broker session.
func (g *Gate) Evaluate(ctx context.Context, r device.Reading, conn Connectivity) Status {
	if !r.Valid() {
		g.logger.Warn("failed to read environmental sensor")
		return SensorError
	}
	if conn.OfflineMode() {
		g.logger.Debug("offline, reading dropped",
			"temperature", r.Temperature,
			"humidity", r.Humidity,
		)
		return Offline
	}
	if !conn.MQTTConnected() {
		return MQTTDisconnected
	}

	payload, err := NewPayload(g.id, r, conn.PresenceDetected()).Encode()
	if err != nil {
		g.logger.Error("failed to encode payload", "error", err)
		return PublishFailed
	}

	g.logger.Debug("publishing reading", "topic", g.topic, "payload", string(payload))

	if err := g.pub.Publish(ctx, g.topic, payload); err != nil {
		g.logger.Warn("failed to publish reading", "topic", g.topic, "error", err)
		return PublishFailed
	}
	return Published
}
