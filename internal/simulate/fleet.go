// Package simulate runs a fleet of simulated room monitors against a
// real broker. Each simulated room has its own auto-reconnecting
// session and publishes the same payload a physical unit does, minus
// the timestamp, on a fixed cadence. It is used to load-test the
// dashboard side without hardware.
package simulate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/NotHydra/smart-med-guard/internal/config"
	"github.com/NotHydra/smart-med-guard/internal/device"
	"github.com/NotHydra/smart-med-guard/internal/gate"
	"github.com/NotHydra/smart-med-guard/internal/sensor"
)

// ErrNoDevices is returned by [Fleet.Run] when there is nothing to
// simulate.
var ErrNoDevices = errors.New("simulate: no devices configured")

// Conn is one simulated device's broker session.
type Conn interface {
	Publish(ctx context.Context, topic string, payload []byte) error
	Close(ctx context.Context) error
}

// Dialer opens a session for clientID. Implementations are expected to
// reconnect on their own after the first successful dial.
type Dialer func(ctx context.Context, clientID string) (Conn, error)

// Config controls a fleet run.
type Config struct {
	Devices  []device.Identity
	Interval time.Duration
	Stagger  time.Duration
	// Seed makes readings reproducible. Device i uses Seed+i; zero
	// picks random seeds.
	Seed uint64
}

// Fleet runs simulated devices.
type Fleet struct {
	cfg    Config
	dial   Dialer
	logger *slog.Logger

	published atomic.Uint64
	failed    atomic.Uint64
}

// New creates a fleet. An empty device list uses [DefaultFleet].
func New(cfg Config, dial Dialer, logger *slog.Logger) *Fleet {
	if logger == nil {
		logger = slog.Default()
	}
	if len(cfg.Devices) == 0 {
		cfg.Devices = DefaultFleet()
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 3 * time.Second
	}
	return &Fleet{cfg: cfg, dial: dial, logger: logger}
}

// Devices returns the rooms the fleet simulates.
func (f *Fleet) Devices() []device.Identity {
	return f.cfg.Devices
}

// Published returns the number of successful publishes so far.
func (f *Fleet) Published() uint64 { return f.published.Load() }

// Failed returns the number of failed publishes so far.
func (f *Fleet) Failed() uint64 { return f.failed.Load() }

// Run starts every device, device i after i*Stagger, and blocks until
// ctx is cancelled and every device has closed its session.
func (f *Fleet) Run(ctx context.Context) error {
	if len(f.cfg.Devices) == 0 {
		return ErrNoDevices
	}

	f.logger.Info("starting simulated fleet",
		"devices", len(f.cfg.Devices),
		"interval", f.cfg.Interval.String(),
		"stagger", f.cfg.Stagger.String(),
	)

	var wg sync.WaitGroup
	for i, id := range f.cfg.Devices {
		wg.Add(1)
		go func() {
			defer wg.Done()
			f.runDevice(ctx, i, id)
		}()
	}
	wg.Wait()

	f.logger.Info("simulated fleet stopped",
		"published", f.published.Load(),
		"failed", f.failed.Load(),
	)
	return nil
}

func (f *Fleet) runDevice(ctx context.Context, index int, id device.Identity) {
	logger := f.logger.With("device", id.String())

	if !sleepCtx(ctx, time.Duration(index)*f.cfg.Stagger) {
		return
	}

	clientID := ClientID(id)
	logger.Info("starting simulated device", "client_id", clientID, "topic", id.Topic())

	conn, err := f.dial(ctx, clientID)
	if err != nil {
		logger.Error("simulated device failed to connect", "client_id", clientID, "error", err)
		return
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := conn.Close(closeCtx); err != nil {
			logger.Debug("simulated device close failed", "error", err)
		}
	}()

	var seed uint64
	if f.cfg.Seed != 0 {
		seed = f.cfg.Seed + uint64(index)
	}
	src := sensor.NewSimulated(seed)

	ticker := time.NewTicker(f.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			f.publishOnce(ctx, conn, id, src, logger)
		}
	}
}

func (f *Fleet) publishOnce(ctx context.Context, conn Conn, id device.Identity, src device.Sensor, logger *slog.Logger) {
	r := device.Reading{
		Temperature: src.ReadTemperature(),
		Humidity:    src.ReadHumidity(),
		Motion:      src.ReadMotion(),
	}
	// Simulated rooms report motion directly as occupancy.
	payload, err := gate.NewPayload(id, r, r.Motion).Encode()
	if err != nil {
		f.failed.Add(1)
		logger.Error("simulated payload encode failed", "error", err)
		return
	}

	pubCtx, cancel := context.WithTimeout(ctx, f.cfg.Interval)
	defer cancel()
	if err := conn.Publish(pubCtx, id.Topic(), payload); err != nil {
		f.failed.Add(1)
		logger.Warn("simulated publish failed", "error", err)
		return
	}
	f.published.Add(1)
	logger.Debug("simulated reading published",
		"temperature", r.Temperature,
		"humidity", r.Humidity,
		"occupancy", r.Motion,
	)
}

// ClientID returns a unique client id for a simulated device:
// iot-device-<agency>-<floor>-<room>-<8 hex>.
func ClientID(id device.Identity) string {
	return fmt.Sprintf("iot-device-%s-%s-%s-%s",
		config.Slug(id.Agency), strconv.Itoa(id.Floor), config.Slug(id.Room), uuid.NewString()[:8])
}

// FromConfig converts configured devices to identities.
func FromConfig(devices []config.DeviceConfig) []device.Identity {
	out := make([]device.Identity, 0, len(devices))
	for _, d := range devices {
		out = append(out, device.Identity{Agency: d.Agency, Floor: d.Floor, Room: d.Room})
	}
	return out
}

// DefaultFleet returns the built-in fleet of twenty rooms across four
// hospitals.
func DefaultFleet() []device.Identity {
	rooms := []struct {
		agency string
		floor  int
		names  []string
	}{
		{"Pertamina Hospital", 1, []string{"Melati 001", "Melati 002", "Melati 003"}},
		{"Pertamina Hospital", 2, []string{"Anggrek 001", "Anggrek 002"}},
		{"Pertamina Hospital", 3, []string{"Tulip 001"}},
		{"Kanojoso Hospital", 1, []string{"Dahlia 001", "Dahlia 002"}},
		{"Kanojoso Hospital", 2, []string{"Mawar 001", "Mawar 002", "Mawar 003"}},
		{"Kanojoso Hospital", 3, []string{"Sakura 001"}},
		{"Siloam Hospital", 1, []string{"Kenanga 001", "Kenanga 002"}},
		{"Siloam Hospital", 2, []string{"Teratai 001", "Teratai 002"}},
		{"RS Budi Kemuliaan", 1, []string{"Seruni 001", "Seruni 002"}},
		{"RS Budi Kemuliaan", 2, []string{"Kamboja 001", "Kamboja 002"}},
	}

	var fleet []device.Identity
	for _, r := range rooms {
		for _, name := range r.names {
			fleet = append(fleet, device.Identity{Agency: r.agency, Floor: r.floor, Room: name})
		}
	}
	return fleet
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
