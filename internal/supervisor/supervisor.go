// Package supervisor runs the device: a one-time boot sequence followed
// by a fixed-cadence monitoring loop that keeps WiFi and the broker
// session alive and runs a sensor cycle every sensor interval.
//
// Everything happens on the caller's goroutine. Connect rounds block
// the loop, delaying sensor cycles, which is accepted. Observers
// outside the loop see the device only through the event bus.
package supervisor

import (
	"context"
	"log/slog"
	"math"
	"time"

	"github.com/NotHydra/smart-med-guard/internal/connwatch"
	"github.com/NotHydra/smart-med-guard/internal/device"
	"github.com/NotHydra/smart-med-guard/internal/display"
	"github.com/NotHydra/smart-med-guard/internal/events"
	"github.com/NotHydra/smart-med-guard/internal/gate"
	"github.com/NotHydra/smart-med-guard/internal/rtc"
)

// Phase is the loop's lifecycle stage. Booting is left exactly once.
type Phase int

const (
	// Booting runs peripheral checks and the initial connects.
	Booting Phase = iota
	// Monitoring runs ticks until shutdown.
	Monitoring
)

func (p Phase) String() string {
	if p == Monitoring {
		return "monitoring"
	}
	return "booting"
}

// Config is the immutable runtime configuration of the loop.
type Config struct {
	Identity device.Identity
	ClientID string

	WiFiSSID              string
	WiFiPassword          string
	WiFiTimeout           int // one-second polls at boot
	WiFiReconnectAttempts int
	WiFiReconnectInterval time.Duration

	MQTTHost          string
	MQTTPort          int
	MQTTRetryAttempts int
	MQTTRetryDelay    time.Duration

	SensorInterval      time.Duration
	SensorWarmup        time.Duration
	PresenceTimeout     time.Duration
	TickInterval        time.Duration
	TimezoneOffsetHours int
}

// ClockSyncer sets the clock from network time.
type ClockSyncer interface {
	Sync(ctx context.Context) (rtc.SyncResult, error)
}

// Deps are the loop's collaborators. Display, Syncer and Bus are
// optional.
type Deps struct {
	Sensor  device.Sensor
	Clock   device.Clock
	Display device.Display
	Link    device.Link
	Broker  device.Broker
	Mono    connwatch.Monotonic
	Syncer  ClockSyncer
	Bus     *events.Bus
	Logger  *slog.Logger
}

// Loop owns the connectivity state and drives both supervisors, the
// publish gate and the display.
type Loop struct {
	cfg     Config
	sensor  device.Sensor
	clock   device.Clock
	display device.Display
	mono    connwatch.Monotonic
	syncer  ClockSyncer
	bus     *events.Bus
	logger  *slog.Logger

	state *connwatch.State
	wifi  *connwatch.WiFiSupervisor
	mqtt  *connwatch.MQTTSupervisor
	gate  *gate.Gate

	phase           Phase
	brokerReady     bool
	lastSensorCycle time.Duration
	lastStatus      gate.Status
}

// New wires a loop. Nothing touches the network until Boot.
func New(cfg Config, d Deps) *Loop {
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	if d.Display == nil {
		d.Display = display.Nop{}
	}

	l := &Loop{
		cfg:     cfg,
		sensor:  d.Sensor,
		clock:   d.Clock,
		display: d.Display,
		mono:    d.Mono,
		syncer:  d.Syncer,
		bus:     d.Bus,
		logger:  d.Logger,
		state:   connwatch.NewState(cfg.PresenceTimeout),
	}

	l.wifi = connwatch.NewWiFiSupervisor(connwatch.WiFiConfig{
		SSID:              cfg.WiFiSSID,
		Password:          cfg.WiFiPassword,
		ReconnectAttempts: cfg.WiFiReconnectAttempts,
		ReconnectInterval: cfg.WiFiReconnectInterval,
		OnConnect:         l.onWiFiConnect,
	}, d.Link, l.state, d.Mono, d.Logger.With("component", "wifi"))

	l.mqtt = connwatch.NewMQTTSupervisor(connwatch.MQTTConfig{
		Host:        cfg.MQTTHost,
		Port:        cfg.MQTTPort,
		ClientID:    cfg.ClientID,
		MaxAttempts: cfg.MQTTRetryAttempts,
		RetryDelay:  cfg.MQTTRetryDelay,
		OnConnect:   l.onBrokerConnect,
	}, d.Broker, l.wifi, l.state, d.Mono, d.Logger.With("component", "mqtt"))

	l.gate = gate.New(cfg.Identity, d.Broker, d.Logger.With("component", "gate"))
	return l
}

// Phase returns the current lifecycle stage.
func (l *Loop) Phase() Phase { return l.phase }

// Snapshot copies the connectivity state.
func (l *Loop) Snapshot() connwatch.Snapshot { return l.state.Snapshot() }

// LastStatus returns the status of the latest sensor cycle, or zero
// before the first one.
func (l *Loop) LastStatus() gate.Status { return l.lastStatus }

// Topic returns the publish topic.
func (l *Loop) Topic() string { return l.gate.Topic() }

// Run boots if needed, then ticks every TickInterval until ctx is
// cancelled.
func (l *Loop) Run(ctx context.Context) error {
	if l.phase == Booting {
		l.Boot(ctx)
	}
	for {
		l.Tick(ctx)
		if !l.mono.Sleep(ctx, l.cfg.TickInterval) {
			l.logger.Info("monitoring stopped")
			return nil
		}
	}
}

// Boot runs the startup sequence: sensor warm-up, clock check, WiFi
// connect, and, if WiFi came up, the broker connect. Every failure is
// degraded continuation; Boot always ends in Monitoring.
func (l *Loop) Boot(ctx context.Context) {
	if l.phase != Booting {
		return
	}
	l.logger.Info("SmartMedGuard booting",
		"agency", l.cfg.Identity.Agency,
		"floor", l.cfg.Identity.Floor,
		"room", l.cfg.Identity.Room,
		"topic", l.gate.Topic(),
	)
	l.display.Log("SmartMedGuard\nInitializing...")

	l.warmUpSensors(ctx)
	l.checkClock()

	l.display.Log("Connecting to\nWiFi...")
	if l.wifi.Connect(ctx, l.cfg.WiFiTimeout) != connwatch.Connected {
		l.display.Log("WiFi Failed!\nOffline Mode")
		l.bus.Emit(events.SourceWiFi, events.KindLinkDown, map[string]any{
			"retry_in_ms": l.cfg.WiFiReconnectInterval.Milliseconds(),
		})
	}

	if !l.state.OfflineMode() {
		l.setupBroker()
		l.display.Log("Connecting to\nMQTT broker...")
		if l.mqtt.Connect(ctx, l.cfg.ClientID, l.cfg.MQTTRetryAttempts, l.cfg.MQTTRetryDelay) != connwatch.Connected {
			l.brokerDown("exhausted")
		}
	}

	l.phase = Monitoring
	snap := l.state.Snapshot()
	l.logger.Info("starting monitoring",
		"wifi_connected", snap.WiFiConnected,
		"mqtt_connected", snap.MQTTConnected,
		"offline_mode", snap.OfflineMode,
	)
	l.display.Log("Starting\nmonitoring...")
	l.bus.Emit(events.SourceSupervisor, events.KindBoot, map[string]any{
		"phase":          l.phase.String(),
		"wifi_connected": snap.WiFiConnected,
		"mqtt_connected": snap.MQTTConnected,
		"offline_mode":   snap.OfflineMode,
	})
}

// Tick runs one monitoring iteration. While offline only the
// background WiFi reconnect runs, at its own cadence; while online a
// missing broker session is re-established. A reconnect and a broker
// connect never happen in the same tick.
func (l *Loop) Tick(ctx context.Context) {
	switch {
	case l.wifi.ReconnectDue():
		l.wifi.AttemptReconnect(ctx)
	case !l.state.OfflineMode() && !l.mqtt.Connected():
		l.setupBroker()
		if !l.mqtt.EnsureConnected(ctx) {
			if l.state.OfflineMode() {
				l.bus.Emit(events.SourceWiFi, events.KindLinkDown, map[string]any{
					"retry_in_ms": l.cfg.WiFiReconnectInterval.Milliseconds(),
				})
			} else {
				l.brokerDown("exhausted")
			}
		}
	}

	if !l.state.OfflineMode() {
		wasUp := l.state.MQTTConnected()
		l.mqtt.Service()
		if wasUp && !l.state.MQTTConnected() {
			l.brokerDown("session_lost")
		}
	}

	if l.mono.Elapsed()-l.lastSensorCycle >= l.cfg.SensorInterval {
		l.SensorCycle(ctx)
		l.lastSensorCycle = l.mono.Elapsed()
	}
}

// SensorCycle reads the sensors, updates presence, decides the
// publish, and renders the result.
func (l *Loop) SensorCycle(ctx context.Context) gate.Status {
	now := l.mono.Elapsed()
	r := device.Reading{
		Temperature: l.sensor.ReadTemperature(),
		Humidity:    l.sensor.ReadHumidity(),
		Motion:      l.sensor.ReadMotion(),
		Timestamp:   l.clock.Now(),
	}

	// Occupancy does not depend on the environmental sensor.
	presence := l.state.ObserveMotion(r.Motion, now)
	status := l.gate.Evaluate(ctx, r, l.state)
	l.lastStatus = status

	local := rtc.Local(r.Timestamp, l.cfg.TimezoneOffsetHours)
	fields := []any{
		"local_time", local.Format(display.TimeLayout),
		"motion", r.Motion,
		"presence", presence,
		"status", status.Name(),
	}
	if r.Valid() {
		fields = append(fields, "temperature", r.Temperature, "humidity", r.Humidity)
	}
	if last, seen := l.state.LastMotionAt(); presence && !r.Motion && seen {
		fields = append(fields, "last_motion_ago", (now - last).Truncate(time.Second).String())
	}
	l.logger.Info("sensor reading", fields...)

	l.display.Show(display.Screen{
		Room:        l.cfg.Identity.Room,
		LocalTime:   local,
		Offline:     l.state.OfflineMode(),
		Valid:       r.Valid(),
		Temperature: r.Temperature,
		Humidity:    r.Humidity,
		Occupied:    presence,
		Status:      status.String(),
	}.Render())

	data := map[string]any{
		"status":   status.Name(),
		"label":    status.String(),
		"motion":   r.Motion,
		"presence": presence,
		"state":    l.state.Snapshot(),
	}
	if !math.IsNaN(r.Temperature) {
		data["temperature"] = r.Temperature
	}
	if !math.IsNaN(r.Humidity) {
		data["humidity"] = r.Humidity
	}
	l.bus.Emit(events.SourceSupervisor, events.KindSensorCycle, data)
	return status
}

func (l *Loop) warmUpSensors(ctx context.Context) {
	l.display.Log("Warming up\nSensors...")
	l.mono.Sleep(ctx, l.cfg.SensorWarmup)

	t, h := l.sensor.ReadTemperature(), l.sensor.ReadHumidity()
	if math.IsNaN(t) || math.IsNaN(h) {
		l.logger.Warn("environmental sensor not responding, check wiring")
		return
	}
	l.logger.Info("environmental sensor ready", "temperature", t, "humidity", h)
}

func (l *Loop) checkClock() {
	if l.clock.LostPower() {
		l.logger.Info("clock lost power, time will be synced after wifi connects")
		return
	}
	l.logger.Info("clock ready", "utc", l.clock.Now().Format(time.DateTime))
}

// setupBroker points the broker client at the configured address once.
// When boot started offline this happens on the first tick after WiFi
// comes back.
func (l *Loop) setupBroker() {
	if l.brokerReady {
		return
	}
	l.mqtt.Setup(l.cfg.MQTTHost, l.cfg.MQTTPort)
	l.brokerReady = true
}

func (l *Loop) onWiFiConnect(ctx context.Context, initial bool) {
	l.bus.Emit(events.SourceWiFi, events.KindLinkUp, map[string]any{"initial": initial})
	if initial {
		l.display.Log("WiFi Connected!")
	}

	if l.syncer == nil || (!initial && !l.clock.LostPower()) {
		return
	}
	l.display.Log("Syncing time\nwith NTP...")
	res, err := l.syncer.Sync(ctx)
	if err != nil {
		l.display.Log("NTP Failed\nUsing RTC")
		return
	}
	l.display.Log("Time Synced!")
	l.bus.Emit(events.SourceClock, events.KindClockSynced, map[string]any{
		"server":  res.Server,
		"step_ms": res.Step.Milliseconds(),
	})
}

func (l *Loop) onBrokerConnect() {
	l.logger.Info("device configuration",
		"agency", l.cfg.Identity.Agency,
		"floor", l.cfg.Identity.Floor,
		"room", l.cfg.Identity.Room,
	)
	l.display.Log("MQTT Connected!")
	l.bus.Emit(events.SourceMQTT, events.KindBrokerUp, map[string]any{"client_id": l.cfg.ClientID})
}

func (l *Loop) brokerDown(reason string) {
	l.bus.Emit(events.SourceMQTT, events.KindBrokerDown, map[string]any{"reason": reason})
}
