package simulate

import (
	"context"
	"errors"
	"log/slog"
	"regexp"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/NotHydra/smart-med-guard/internal/config"
	"github.com/NotHydra/smart-med-guard/internal/device"
	"github.com/NotHydra/smart-med-guard/internal/gate"
)

type fakeConn struct {
	mu        sync.Mutex
	clientID  string
	topics    []string
	payloads  [][]byte
	closed    bool
	publishFn func() error
}

func (c *fakeConn) Publish(_ context.Context, topic string, payload []byte) error {
	if c.publishFn != nil {
		if err := c.publishFn(); err != nil {
			return err
		}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.topics = append(c.topics, topic)
	c.payloads = append(c.payloads, append([]byte(nil), payload...))
	return nil
}

func (c *fakeConn) Close(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *fakeConn) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.payloads)
}

type fakeDialer struct {
	mu    sync.Mutex
	conns []*fakeConn
	fail  string // client id prefix that fails to dial
}

func (d *fakeDialer) dial(_ context.Context, clientID string) (Conn, error) {
	if d.fail != "" && strings.HasPrefix(clientID, d.fail) {
		return nil, errors.New("dial refused")
	}
	c := &fakeConn{clientID: clientID}
	d.mu.Lock()
	d.conns = append(d.conns, c)
	d.mu.Unlock()
	return c, nil
}

func (d *fakeDialer) snapshot() []*fakeConn {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]*fakeConn(nil), d.conns...)
}

func testFleet() []device.Identity {
	return []device.Identity{
		{Agency: "Klinik ITK", Floor: 1, Room: "001"},
		{Agency: "Klinik ITK", Floor: 1, Room: "002"},
		{Agency: "Klinik ITK", Floor: 2, Room: "001"},
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met before deadline")
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func TestDefaultFleet(t *testing.T) {
	fleet := DefaultFleet()
	if len(fleet) != 20 {
		t.Fatalf("len(DefaultFleet()) = %d, want 20", len(fleet))
	}

	topics := make(map[string]bool)
	agencies := make(map[string]bool)
	for _, id := range fleet {
		if topics[id.Topic()] {
			t.Errorf("duplicate topic %q", id.Topic())
		}
		topics[id.Topic()] = true
		agencies[id.Agency] = true
	}
	if len(agencies) != 4 {
		t.Errorf("agencies = %d, want 4", len(agencies))
	}
	if got := fleet[0].Topic(); got != "iot-device/Pertamina Hospital/1/Melati 001" {
		t.Errorf("first topic = %q", got)
	}
}

func TestClientID(t *testing.T) {
	id := device.Identity{Agency: "Pertamina Hospital", Floor: 2, Room: "Anggrek 001"}
	re := regexp.MustCompile(`^iot-device-pertamina-hospital-2-anggrek-001-[0-9a-f]{8}$`)

	a, b := ClientID(id), ClientID(id)
	if !re.MatchString(a) {
		t.Errorf("ClientID = %q, does not match %s", a, re)
	}
	if a == b {
		t.Errorf("ClientID returned %q twice", a)
	}
}

func TestFromConfig(t *testing.T) {
	got := FromConfig([]config.DeviceConfig{{Agency: "Siloam Hospital", Floor: 1, Room: "Kenanga 001"}})
	want := device.Identity{Agency: "Siloam Hospital", Floor: 1, Room: "Kenanga 001"}
	if len(got) != 1 || got[0] != want {
		t.Errorf("FromConfig = %+v, want [%+v]", got, want)
	}
}

func TestNew_Defaults(t *testing.T) {
	f := New(Config{}, (&fakeDialer{}).dial, slog.New(slog.DiscardHandler))
	if len(f.Devices()) != 20 {
		t.Errorf("devices = %d, want default fleet of 20", len(f.Devices()))
	}
	if f.cfg.Interval != 3*time.Second {
		t.Errorf("interval = %v, want 3s", f.cfg.Interval)
	}
}

func TestBrokerConfigURL(t *testing.T) {
	u := BrokerConfig{Host: "broker.local", Port: 1883}.URL()
	if got := u.String(); got != "mqtt://broker.local:1883" {
		t.Errorf("URL = %q", got)
	}
}

func TestRun_PublishesPerDevice(t *testing.T) {
	t.Parallel()

	d := &fakeDialer{}
	f := New(Config{
		Devices:  testFleet(),
		Interval: 5 * time.Millisecond,
		Stagger:  time.Millisecond,
		Seed:     7,
	}, d.dial, slog.New(slog.DiscardHandler))

	ctx, cancel := context.WithCancel(t.Context())
	done := make(chan error, 1)
	go func() { done <- f.Run(ctx) }()

	waitFor(t, func() bool {
		conns := d.snapshot()
		if len(conns) != 3 {
			return false
		}
		for _, c := range conns {
			if c.count() < 2 {
				return false
			}
		}
		return true
	})
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run() = %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}

	if f.Published() < 6 {
		t.Errorf("Published() = %d, want >= 6", f.Published())
	}
	if f.Failed() != 0 {
		t.Errorf("Failed() = %d, want 0", f.Failed())
	}

	wantTopics := make(map[string]bool)
	for _, id := range testFleet() {
		wantTopics[id.Topic()] = true
	}

	for _, c := range d.snapshot() {
		c.mu.Lock()
		if !c.closed {
			t.Errorf("%s: session not closed", c.clientID)
		}
		topic := c.topics[0]
		if !wantTopics[topic] {
			t.Errorf("%s: unexpected topic %q", c.clientID, topic)
		}
		for _, tp := range c.topics {
			if tp != topic {
				t.Errorf("%s: published to %q and %q", c.clientID, topic, tp)
			}
		}

		p, err := gate.Decode(c.payloads[0])
		if err != nil {
			t.Errorf("%s: Decode = %v", c.clientID, err)
		} else {
			if p.Agency != "Klinik ITK" {
				t.Errorf("agency = %q", p.Agency)
			}
			if p.Timestamp != "" {
				t.Errorf("timestamp = %q, want omitted", p.Timestamp)
			}
			if p.Temperature < 20 || p.Temperature > 28 {
				t.Errorf("temperature %v out of range", p.Temperature)
			}
			if p.Humidity < 40 || p.Humidity > 65 {
				t.Errorf("humidity %v out of range", p.Humidity)
			}
		}
		c.mu.Unlock()
	}
}

func TestRun_DialFailureIsolated(t *testing.T) {
	t.Parallel()

	d := &fakeDialer{fail: "iot-device-klinik-itk-2-"}
	f := New(Config{
		Devices:  testFleet(),
		Interval: 5 * time.Millisecond,
	}, d.dial, slog.New(slog.DiscardHandler))

	ctx, cancel := context.WithCancel(t.Context())
	done := make(chan error, 1)
	go func() { done <- f.Run(ctx) }()

	waitFor(t, func() bool {
		conns := d.snapshot()
		return len(conns) == 2 && conns[0].count() > 0 && conns[1].count() > 0
	})
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("Run() = %v", err)
	}
	if n := len(d.snapshot()); n != 2 {
		t.Errorf("sessions = %d, want 2", n)
	}
}

func TestRun_CountsPublishFailures(t *testing.T) {
	t.Parallel()

	conn := &fakeConn{publishFn: func() error { return errors.New("not connected") }}
	dial := func(context.Context, string) (Conn, error) { return conn, nil }
	f := New(Config{
		Devices:  testFleet()[:1],
		Interval: 5 * time.Millisecond,
	}, dial, slog.New(slog.DiscardHandler))

	ctx, cancel := context.WithCancel(t.Context())
	done := make(chan error, 1)
	go func() { done <- f.Run(ctx) }()

	waitFor(t, func() bool { return f.Failed() >= 2 })
	cancel()
	<-done

	if f.Published() != 0 {
		t.Errorf("Published() = %d, want 0", f.Published())
	}
}

func TestRun_CancelDuringStagger(t *testing.T) {
	t.Parallel()

	d := &fakeDialer{}
	f := New(Config{
		Devices:  testFleet(),
		Interval: time.Hour,
		Stagger:  time.Hour,
	}, d.dial, slog.New(slog.DiscardHandler))

	ctx, cancel := context.WithCancel(t.Context())
	done := make(chan error, 1)
	go func() { done <- f.Run(ctx) }()

	// The first device starts immediately.
	waitFor(t, func() bool { return len(d.snapshot()) == 1 })
	cancel()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return while devices were staggered")
	}
	if n := len(d.snapshot()); n != 1 {
		t.Errorf("sessions = %d, want 1", n)
	}
}

func TestRun_NoDevices(t *testing.T) {
	f := &Fleet{logger: slog.New(slog.DiscardHandler)}
	if err := f.Run(t.Context()); !errors.Is(err, ErrNoDevices) {
		t.Errorf("Run() = %v, want ErrNoDevices", err)
	}
}
