package connwatch

import (
	"context"
	"log/slog"
	"time"

	"github.com/NotHydra/smart-med-guard/internal/device"
)

// MQTTConfig controls the MQTT supervisor.
type MQTTConfig struct {
	Host     string
	Port     int
	ClientID string

	// MaxAttempts is the number of synchronous connect attempts per
	// round (default 10).
	MaxAttempts int

	// RetryDelay is the blocking sleep between failed attempts.
	RetryDelay time.Duration

	// OnConnect is called after a round connects. Optional.
	OnConnect func()
}

// MQTTSupervisor manages the broker session on top of the WiFi link.
// WiFi loss always takes precedence: the broker is never retried on a
// dead link.
type MQTTSupervisor struct {
	cfg    MQTTConfig
	broker device.Broker
	wifi   *WiFiSupervisor
	state  *State
	mono   Monotonic
	logger *slog.Logger
}

// NewMQTTSupervisor creates an MQTT supervisor mutating state.
func NewMQTTSupervisor(cfg MQTTConfig, broker device.Broker, wifi *WiFiSupervisor, state *State, mono Monotonic, logger *slog.Logger) *MQTTSupervisor {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 10
	}
	return &MQTTSupervisor{
		cfg:    cfg,
		broker: broker,
		wifi:   wifi,
		state:  state,
		mono:   mono,
		logger: logger,
	}
}

// Setup points the broker client at host:port.
func (m *MQTTSupervisor) Setup(host string, port int) {
	m.logger.Info("setting up mqtt", "broker_host", host, "broker_port", port, "client_id", m.cfg.ClientID)
	m.broker.Setup(host, port)
}

// Connect makes up to maxAttempts synchronous connect attempts, sleeping
// retryDelay between failures. Exhaustion leaves the session down but
// does not touch offline mode: WiFi is still up, only the broker is
// unreachable.
func (m *MQTTSupervisor) Connect(ctx context.Context, clientID string, maxAttempts int, retryDelay time.Duration) Result {
	m.logger.Info("connecting to mqtt broker", "client_id", clientID, "max_attempts", maxAttempts)

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if m.broker.Connected() {
			break
		}

		err := m.broker.Connect(ctx, clientID)
		if err == nil {
			m.logger.Info("mqtt connected", "attempt", attempt, "max_attempts", maxAttempts)
			break
		}

		m.logger.Warn("mqtt connect failed",
			"attempt", attempt,
			"max_attempts", maxAttempts,
			"retry_in", retryDelay.String(),
			"error", err,
		)

		if attempt == maxAttempts {
			break
		}
		if !m.mono.Sleep(ctx, retryDelay) {
			break
		}
	}

	if !m.broker.Connected() {
		m.state.SetMQTTConnected(false)
		m.logger.Error("failed to connect to mqtt broker, check the broker configuration",
			"attempts", maxAttempts)
		return Exhausted
	}

	m.state.SetMQTTConnected(true)
	if m.cfg.OnConnect != nil {
		m.cfg.OnConnect()
	}
	return Connected
}

// EnsureConnected makes sure a broker session is up. If WiFi is down
// it switches the device to offline mode and returns false without
// touching the broker. If the session is already up it returns true
// immediately; otherwise it runs a full connect round.
func (m *MQTTSupervisor) EnsureConnected(ctx context.Context) bool {
	if !m.wifi.IsOnline(ctx) {
		m.logger.Warn("wifi disconnected, entering offline mode")
		m.state.EnterOffline(m.mono.Elapsed())
		return false
	}

	if m.broker.Connected() {
		m.state.SetMQTTConnected(true)
		return true
	}

	return m.Connect(ctx, m.cfg.ClientID, m.cfg.MaxAttempts, m.cfg.RetryDelay) == Connected
}

// Connected reports whether the broker client currently holds a session.
func (m *MQTTSupervisor) Connected() bool {
	return m.broker.Connected()
}

// Service pumps the client's incoming traffic and reconciles the state
// with the client's view of the session, so a session dropped by the
// broker is noticed on the next tick.
func (m *MQTTSupervisor) Service() {
	up := m.broker.Connected()
	if up {
		m.broker.Loop()
	}
	if m.state.MQTTConnected() && !up {
		m.logger.Warn("mqtt session lost")
	}
	m.state.SetMQTTConnected(up)
}
