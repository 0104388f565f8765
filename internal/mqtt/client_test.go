package mqtt

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/eclipse/paho.golang/packets"
)

// testBroker is a minimal MQTT 5 server: it acknowledges CONNECT with a
// fixed reason code, acknowledges QoS 1 publishes and records what it
// receives.
type testBroker struct {
	ln        net.Listener
	reason    byte
	connects  chan *packets.Connect
	publishes chan *packets.Publish
	conns     chan net.Conn
}

func startBroker(t *testing.T, reason byte) *testBroker {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	b := &testBroker{
		ln:        ln,
		reason:    reason,
		connects:  make(chan *packets.Connect, 16),
		publishes: make(chan *packets.Publish, 16),
		conns:     make(chan net.Conn, 16),
	}
	t.Cleanup(func() { ln.Close() })
	go b.serve()
	return b
}

func (b *testBroker) hostPort(t *testing.T) (string, int) {
	t.Helper()
	host, portStr, err := net.SplitHostPort(b.ln.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	port, _ := strconv.Atoi(portStr)
	return host, port
}

func (b *testBroker) serve() {
	for {
		conn, err := b.ln.Accept()
		if err != nil {
			return
		}
		b.conns <- conn
		go b.handle(conn)
	}
}

func (b *testBroker) handle(conn net.Conn) {
	defer conn.Close()
	for {
		cp, err := packets.ReadPacket(conn)
		if err != nil {
			return
		}
		switch p := cp.Content.(type) {
		case *packets.Connect:
			b.connects <- p
			ack := packets.NewControlPacket(packets.CONNACK)
			ack.Content.(*packets.Connack).ReasonCode = b.reason
			if _, err := ack.WriteTo(conn); err != nil {
				return
			}
			if b.reason >= 0x80 {
				return
			}
		case *packets.Publish:
			b.publishes <- p
			if p.QoS == 1 {
				ack := packets.NewControlPacket(packets.PUBACK)
				ack.Content.(*packets.Puback).PacketID = p.PacketID
				if _, err := ack.WriteTo(conn); err != nil {
					return
				}
			}
		case *packets.Pingreq:
			if _, err := packets.NewControlPacket(packets.PINGRESP).WriteTo(conn); err != nil {
				return
			}
		case *packets.Disconnect:
			return
		}
	}
}

func testClient(cfg Config) *Client {
	cfg.ConnectTimeout = 2 * time.Second
	return NewClient(cfg, slog.New(slog.DiscardHandler))
}

func receive[T any](t *testing.T, ch <-chan T) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for broker")
	}
	var zero T
	return zero
}

func TestClient_ConnectAndPublish(t *testing.T) {
	t.Parallel()
	b := startBroker(t, 0)
	c := testClient(Config{Username: "device", Password: "pw", KeepAlive: 15 * time.Second})
	c.Setup(b.hostPort(t))

	if err := c.Connect(t.Context(), "iot-device-klinik-itk-1-001"); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer c.Disconnect(context.Background())

	cp := receive(t, b.connects)
	if cp.ClientID != "iot-device-klinik-itk-1-001" {
		t.Errorf("ClientID = %q", cp.ClientID)
	}
	if !cp.CleanStart || cp.KeepAlive != 15 {
		t.Errorf("CleanStart = %v, KeepAlive = %d", cp.CleanStart, cp.KeepAlive)
	}
	if cp.Username != "device" || string(cp.Password) != "pw" {
		t.Errorf("credentials = %q/%q", cp.Username, cp.Password)
	}
	if cp.WillFlag {
		t.Error("will message set without an availability topic")
	}
	if !c.Connected() {
		t.Fatal("Connected = false after Connect")
	}

	if err := c.Publish(t.Context(), "iot-device/klinik-itk/1/001", []byte(`{"data":"{}"}`)); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	pub := receive(t, b.publishes)
	if pub.Topic != "iot-device/klinik-itk/1/001" || string(pub.Payload) != `{"data":"{}"}` {
		t.Errorf("published %q to %q", pub.Payload, pub.Topic)
	}
	if pub.QoS != 0 {
		t.Errorf("QoS = %d, want 0", pub.QoS)
	}
}

func TestClient_Availability(t *testing.T) {
	t.Parallel()
	b := startBroker(t, 0)
	c := testClient(Config{AvailabilityTopic: "iot-device/klinik-itk/1/001/availability"})
	c.Setup(b.hostPort(t))

	if err := c.Connect(t.Context(), "unit"); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	cp := receive(t, b.connects)
	if !cp.WillFlag || !cp.WillRetain || cp.WillTopic != "iot-device/klinik-itk/1/001/availability" || string(cp.WillMessage) != Offline {
		t.Errorf("will = flag %v retain %v topic %q msg %q", cp.WillFlag, cp.WillRetain, cp.WillTopic, cp.WillMessage)
	}

	birth := receive(t, b.publishes)
	if string(birth.Payload) != Online || !birth.Retain {
		t.Errorf("birth = %q retain %v", birth.Payload, birth.Retain)
	}

	if err := c.Disconnect(t.Context()); err != nil {
		t.Fatalf("Disconnect: %v", err)
	}
	last := receive(t, b.publishes)
	if string(last.Payload) != Offline {
		t.Errorf("disconnect published %q, want %q", last.Payload, Offline)
	}
	if c.Connected() {
		t.Error("Connected = true after Disconnect")
	}
}

func TestClient_ConnectRefused(t *testing.T) {
	t.Parallel()
	b := startBroker(t, 0x87) // not authorized
	c := testClient(Config{})
	c.Setup(b.hostPort(t))

	if err := c.Connect(t.Context(), "unit"); err == nil {
		t.Fatal("Connect succeeded with a refusing broker")
	}
	if c.Connected() {
		t.Error("Connected = true after refused CONNACK")
	}
}

func TestClient_DialFailure(t *testing.T) {
	t.Parallel()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	addr := ln.Addr().(*net.TCPAddr)
	ln.Close()

	c := testClient(Config{})
	c.Setup("127.0.0.1", addr.Port)

	if err := c.Connect(t.Context(), "unit"); err == nil {
		t.Fatal("Connect succeeded with nothing listening")
	}
	if c.Connected() {
		t.Error("Connected = true after dial failure")
	}
}

func TestClient_NotSetUp(t *testing.T) {
	t.Parallel()
	c := testClient(Config{})
	if err := c.Connect(t.Context(), "unit"); err == nil {
		t.Error("Connect succeeded without Setup")
	}
}

func TestClient_PublishWithoutSession(t *testing.T) {
	t.Parallel()
	c := testClient(Config{})
	if err := c.Publish(t.Context(), "t", nil); !errors.Is(err, ErrNotConnected) {
		t.Errorf("Publish error = %v, want ErrNotConnected", err)
	}
	if err := c.Disconnect(t.Context()); err != nil {
		t.Errorf("Disconnect without session: %v", err)
	}
	c.Loop()
}

func TestClient_NoticesDroppedSession(t *testing.T) {
	t.Parallel()
	b := startBroker(t, 0)
	c := testClient(Config{})
	c.Setup(b.hostPort(t))

	if err := c.Connect(t.Context(), "unit"); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	conn := receive(t, b.conns)
	conn.Close()

	deadline := time.Now().Add(3 * time.Second)
	for c.Connected() && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if c.Connected() {
		t.Fatal("Connected = true after the broker closed the connection")
	}

	c.Loop()
	if n := len(c.errs); n != 0 {
		t.Errorf("Loop left %d errors queued", n)
	}
}

func TestClient_Addr(t *testing.T) {
	t.Parallel()
	c := testClient(Config{})
	c.Setup("smart-med-guard.local", 1883)
	if got := c.Addr(); got != "smart-med-guard.local:1883" {
		t.Errorf("Addr = %q", got)
	}
}
