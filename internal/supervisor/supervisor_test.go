package supervisor

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/NotHydra/smart-med-guard/internal/device"
	"github.com/NotHydra/smart-med-guard/internal/device/devicetest"
	"github.com/NotHydra/smart-med-guard/internal/events"
	"github.com/NotHydra/smart-med-guard/internal/gate"
	"github.com/NotHydra/smart-med-guard/internal/rtc"
)

type fakeSyncer struct {
	clock *devicetest.Clock
	err   error
	calls int
}

func (s *fakeSyncer) Sync(context.Context) (rtc.SyncResult, error) {
	s.calls++
	if s.err != nil {
		return rtc.SyncResult{}, s.err
	}
	t := time.Date(2025, 6, 1, 8, 0, 0, 0, time.UTC)
	s.clock.Adjust(t)
	return rtc.SyncResult{Server: "pool.ntp.org", Time: t}, nil
}

type rig struct {
	sensor  *devicetest.Sensor
	clock   *devicetest.Clock
	display *devicetest.Display
	link    *devicetest.Link
	broker  *devicetest.Broker
	up      *devicetest.Uptime
	syncer  *fakeSyncer
	bus     *events.Bus
	events  <-chan events.Event
	loop    *Loop
}

func testConfig() Config {
	return Config{
		Identity:              device.Identity{Agency: "klinik-itk", Floor: 1, Room: "001"},
		ClientID:              "iot-device-klinik-itk-1-001",
		WiFiSSID:              "SmartMedGuard",
		WiFiPassword:          "123123123",
		WiFiTimeout:           30,
		WiFiReconnectAttempts: 5,
		WiFiReconnectInterval: 60 * time.Second,
		MQTTHost:              "smart-med-guard.local",
		MQTTPort:              1883,
		MQTTRetryAttempts:     10,
		MQTTRetryDelay:        5 * time.Second,
		SensorInterval:        3 * time.Second,
		SensorWarmup:          3 * time.Second,
		PresenceTimeout:       5 * time.Minute,
		TickInterval:          500 * time.Millisecond,
		TimezoneOffsetHours:   8,
	}
}

func newRig(t *testing.T, linkUp bool) *rig {
	t.Helper()
	r := &rig{
		sensor:  &devicetest.Sensor{Temperature: 24.456, Humidity: 55.123},
		clock:   &devicetest.Clock{T: time.Date(2000, 1, 1, 0, 0, 0, 0, time.UTC), Lost: true},
		display: &devicetest.Display{},
		link:    &devicetest.Link{Up: linkUp},
		broker:  &devicetest.Broker{},
		up:      &devicetest.Uptime{},
		bus:     events.New(),
	}
	r.syncer = &fakeSyncer{clock: r.clock}
	r.events = r.bus.Subscribe(256)
	t.Cleanup(func() { r.bus.Unsubscribe(r.events) })

	r.loop = New(testConfig(), Deps{
		Sensor:  r.sensor,
		Clock:   r.clock,
		Display: r.display,
		Link:    r.link,
		Broker:  r.broker,
		Mono:    r.up,
		Syncer:  r.syncer,
		Bus:     r.bus,
		Logger:  slog.New(slog.DiscardHandler),
	})
	return r
}

// kinds drains the event channel and returns the kinds seen.
func (r *rig) kinds() []string {
	var out []string
	for {
		select {
		case e := <-r.events:
			out = append(out, e.Kind)
		default:
			return out
		}
	}
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func TestBoot_AllUp(t *testing.T) {
	t.Parallel()
	r := newRig(t, true)

	r.loop.Boot(t.Context())

	if r.loop.Phase() != Monitoring {
		t.Fatalf("Phase = %v, want monitoring", r.loop.Phase())
	}
	snap := r.loop.Snapshot()
	if !snap.WiFiConnected || !snap.MQTTConnected || snap.OfflineMode {
		t.Errorf("snapshot = %+v, want wifi and mqtt up", snap)
	}
	if r.broker.Host != "smart-med-guard.local" || r.broker.Port != 1883 {
		t.Errorf("broker address = %s:%d", r.broker.Host, r.broker.Port)
	}
	if len(r.broker.ClientIDs) != 1 || r.broker.ClientIDs[0] != "iot-device-klinik-itk-1-001" {
		t.Errorf("client IDs = %v", r.broker.ClientIDs)
	}
	if r.syncer.calls != 1 || r.clock.Lost {
		t.Errorf("sync calls = %d, lost = %v; want one sync at boot", r.syncer.calls, r.clock.Lost)
	}
	if r.up.Sleeps[0] != 3*time.Second {
		t.Errorf("first sleep = %v, want 3s sensor warm-up", r.up.Sleeps[0])
	}

	kinds := r.kinds()
	for _, want := range []string{events.KindLinkUp, events.KindClockSynced, events.KindBrokerUp, events.KindBoot} {
		if !contains(kinds, want) {
			t.Errorf("events %v missing %q", kinds, want)
		}
	}
}

func TestBoot_WiFiFailsContinuesOffline(t *testing.T) {
	t.Parallel()
	r := newRig(t, false)

	r.loop.Boot(t.Context())

	if r.loop.Phase() != Monitoring {
		t.Fatalf("Phase = %v, want monitoring after a failed wifi connect", r.loop.Phase())
	}
	snap := r.loop.Snapshot()
	if !snap.OfflineMode || snap.WiFiConnected || snap.MQTTConnected {
		t.Errorf("snapshot = %+v, want offline", snap)
	}
	if r.broker.Host != "" || len(r.broker.ClientIDs) != 0 {
		t.Error("broker touched while offline")
	}
	if r.syncer.calls != 0 {
		t.Errorf("sync calls = %d, want 0", r.syncer.calls)
	}
	if !contains(r.display.Lines, "WiFi Failed!\nOffline Mode") {
		t.Errorf("display lines = %q", r.display.Lines)
	}
	// Warm-up plus thirty one-second polls.
	if got := r.up.Elapsed(); got != 33*time.Second {
		t.Errorf("boot took %v, want 33s", got)
	}
	if !contains(r.kinds(), events.KindLinkDown) {
		t.Error("no link_down event")
	}
}

func TestBoot_BrokerExhausted(t *testing.T) {
	t.Parallel()
	r := newRig(t, true)
	r.broker.FailConnects = -1

	r.loop.Boot(t.Context())

	snap := r.loop.Snapshot()
	if snap.MQTTConnected || snap.OfflineMode || !snap.WiFiConnected {
		t.Errorf("snapshot = %+v, want wifi up, mqtt down, online", snap)
	}
	if len(r.broker.ClientIDs) != 10 {
		t.Errorf("connect attempts = %d, want 10", len(r.broker.ClientIDs))
	}
	if r.loop.Phase() != Monitoring {
		t.Errorf("Phase = %v", r.loop.Phase())
	}
	if !contains(r.kinds(), events.KindBrokerDown) {
		t.Error("no broker_down event")
	}
}

func TestBoot_Once(t *testing.T) {
	t.Parallel()
	r := newRig(t, true)
	r.loop.Boot(t.Context())
	r.loop.Boot(t.Context())

	if len(r.broker.ClientIDs) != 1 {
		t.Errorf("connect attempts = %d after two Boot calls, want 1", len(r.broker.ClientIDs))
	}
}

func TestTick_Publishes(t *testing.T) {
	t.Parallel()
	r := newRig(t, true)
	r.sensor.Motion = true
	r.loop.Boot(t.Context())

	r.loop.Tick(t.Context())

	if got := r.loop.LastStatus(); got != gate.Published {
		t.Fatalf("LastStatus = %v, want Published", got)
	}
	if len(r.broker.Published) != 1 {
		t.Fatalf("publishes = %d, want 1", len(r.broker.Published))
	}
	msg := r.broker.Published[0]
	if msg.Topic != "iot-device/klinik-itk/1/001" {
		t.Errorf("topic = %q", msg.Topic)
	}
	p, err := gate.Decode(msg.Payload)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	want := gate.Payload{
		Agency: "klinik-itk", Floor: 1, Room: "001",
		Temperature: 24.46, Humidity: 55.12, Occupancy: true,
		Timestamp: "2025-06-01 08:00:00",
	}
	if p != want {
		t.Errorf("payload = %+v, want %+v", p, want)
	}

	screen := r.display.Last()
	for _, line := range []string{"SmartMedGuard #001", "2025-06-01 16:00:00", "Temp: 24.5C", "Presence: Occupied", "Status: Published"} {
		if !strings.Contains(screen, line) {
			t.Errorf("screen missing %q:\n%s", line, screen)
		}
	}
	if r.broker.Loops != 1 {
		t.Errorf("Loop calls = %d, want 1", r.broker.Loops)
	}
}

func TestTick_OfflineDropsReading(t *testing.T) {
	t.Parallel()
	r := newRig(t, false)
	r.loop.Boot(t.Context())

	r.loop.Tick(t.Context())

	if got := r.loop.LastStatus(); got != gate.Offline {
		t.Fatalf("LastStatus = %v, want Offline", got)
	}
	if len(r.broker.Published) != 0 || r.broker.Loops != 0 {
		t.Errorf("broker used while offline: publishes=%d loops=%d", len(r.broker.Published), r.broker.Loops)
	}
	if !strings.Contains(r.display.Last(), "[OFFLINE]") {
		t.Errorf("screen missing offline marker:\n%s", r.display.Last())
	}
}

func TestTick_SensorErrorStillTracksPresence(t *testing.T) {
	t.Parallel()
	r := newRig(t, true)
	r.loop.Boot(t.Context())
	r.sensor.Failed = true
	r.sensor.Motion = true

	r.loop.Tick(t.Context())

	if got := r.loop.LastStatus(); got != gate.SensorError {
		t.Fatalf("LastStatus = %v, want SensorError", got)
	}
	if !r.loop.Snapshot().PresenceDetected {
		t.Error("presence not updated on a sensor error cycle")
	}
	if len(r.broker.Published) != 0 {
		t.Error("published a failed reading")
	}
	if !strings.Contains(r.display.Last(), "Sensor Error!") {
		t.Errorf("screen:\n%s", r.display.Last())
	}
}

func TestTick_SensorCadence(t *testing.T) {
	t.Parallel()
	r := newRig(t, true)
	r.loop.Boot(t.Context())

	cycles := 0
	for range 24 { // 12 seconds of 500ms ticks
		before := len(r.display.Screens)
		r.loop.Tick(t.Context())
		if len(r.display.Screens) > before {
			cycles++
		}
		r.up.Advance(500 * time.Millisecond)
	}

	// One immediately after boot, then every 3s: 0, 3, 6, 9.
	if cycles != 4 {
		t.Errorf("sensor cycles = %d over 12s, want 4", cycles)
	}
}

func TestTick_OfflineReconnectCadence(t *testing.T) {
	t.Parallel()
	r := newRig(t, false)
	r.loop.Boot(t.Context())
	begins := r.link.Begins

	r.loop.Tick(t.Context())
	r.up.Advance(59 * time.Second)
	r.loop.Tick(t.Context())
	if r.link.Begins != begins {
		t.Fatalf("reconnect attempted before the interval elapsed")
	}

	r.up.Advance(time.Second)
	r.link.Up = true
	r.loop.Tick(t.Context())

	if r.link.Begins != begins+1 {
		t.Fatalf("WiFiBegin calls = %d, want %d", r.link.Begins, begins+1)
	}
	snap := r.loop.Snapshot()
	if snap.OfflineMode || !snap.WiFiConnected {
		t.Fatalf("snapshot = %+v, want online", snap)
	}
	if len(r.broker.ClientIDs) != 0 {
		t.Error("broker connect in the same tick as the wifi reconnect")
	}

	r.loop.Tick(t.Context())

	if r.broker.Host != "smart-med-guard.local" {
		t.Error("broker not set up before the first connect")
	}
	if !r.loop.Snapshot().MQTTConnected {
		t.Error("broker not connected on the tick after reconnect")
	}
}

func TestTick_ReconnectSyncsOnlyLostClock(t *testing.T) {
	t.Parallel()
	r := newRig(t, false)
	r.clock.Lost = false
	r.loop.Boot(t.Context())
	r.up.Advance(time.Minute)
	r.link.Up = true

	r.loop.Tick(t.Context())

	if r.syncer.calls != 0 {
		t.Errorf("sync calls = %d, want 0 with a trusted clock", r.syncer.calls)
	}

	r2 := newRig(t, false)
	r2.loop.Boot(t.Context())
	r2.up.Advance(time.Minute)
	r2.link.Up = true

	r2.loop.Tick(t.Context())

	if r2.syncer.calls != 1 {
		t.Errorf("sync calls = %d, want 1 with a lost clock", r2.syncer.calls)
	}
}

func TestTick_WiFiLossEntersOffline(t *testing.T) {
	t.Parallel()
	r := newRig(t, true)
	r.loop.Boot(t.Context())
	attempts := len(r.broker.ClientIDs)

	r.link.Up = false
	r.broker.Up = false
	r.loop.Tick(t.Context())

	snap := r.loop.Snapshot()
	if !snap.OfflineMode || snap.MQTTConnected {
		t.Errorf("snapshot = %+v, want offline", snap)
	}
	if len(r.broker.ClientIDs) != attempts {
		t.Error("broker connect attempted with wifi down")
	}
	if got := r.loop.LastStatus(); got != gate.Offline {
		t.Errorf("LastStatus = %v, want Offline", got)
	}
	if !contains(r.kinds(), events.KindLinkDown) {
		t.Error("no link_down event")
	}
}

func TestTick_SessionLost(t *testing.T) {
	t.Parallel()
	r := newRig(t, true)
	r.loop.Boot(t.Context())
	r.loop.Tick(t.Context())
	r.kinds()

	// The broker drops the session and refuses reconnects.
	r.broker.Up = false
	r.broker.FailConnects = -1
	r.loop.Tick(t.Context())

	if r.loop.Snapshot().MQTTConnected {
		t.Error("MQTTConnected = true after the session dropped")
	}
	if !contains(r.kinds(), events.KindBrokerDown) {
		t.Error("no broker_down event")
	}
}

func TestTick_SyncFailureKeepsGoing(t *testing.T) {
	t.Parallel()
	r := newRig(t, true)
	r.syncer.err = errors.New("no ntp server answered")

	r.loop.Boot(t.Context())

	if !r.loop.Snapshot().MQTTConnected {
		t.Error("broker not connected after a failed clock sync")
	}
	if !contains(r.display.Lines, "NTP Failed\nUsing RTC") {
		t.Errorf("display lines = %q", r.display.Lines)
	}
}

func TestRun_StopsOnCancel(t *testing.T) {
	t.Parallel()
	r := newRig(t, true)
	ctx, cancel := context.WithCancel(t.Context())

	// Cancel once the first sensor cycle has been shown.
	r.loop.display = cancelOnShow{Display: r.display, cancel: cancel}

	if err := r.loop.Run(ctx); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if r.loop.Phase() != Monitoring {
		t.Errorf("Phase = %v", r.loop.Phase())
	}
	if len(r.display.Screens) != 1 {
		t.Errorf("screens = %d, want 1", len(r.display.Screens))
	}
}

type cancelOnShow struct {
	*devicetest.Display
	cancel context.CancelFunc
}

func (c cancelOnShow) Show(text string) {
	c.Display.Show(text)
	c.cancel()
}

func TestPhase_String(t *testing.T) {
	t.Parallel()
	if Booting.String() != "booting" || Monitoring.String() != "monitoring" {
		t.Errorf("phase names = %q, %q", Booting, Monitoring)
	}
}
