package mqtt

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/eclipse/paho.golang/paho"
)

// ErrNotConnected is returned by Publish without a broker session.
var ErrNotConnected = errors.New("mqtt: not connected")

// Availability payloads.
const (
	Online  = "online"
	Offline = "offline"
)

// Config controls a [Client].
type Config struct {
	Username string
	Password string

	// KeepAlive is the MQTT keep-alive interval.
	KeepAlive time.Duration

	// ConnectTimeout bounds one dial plus CONNECT/CONNACK exchange
	// (default 10s).
	ConnectTimeout time.Duration

	// AvailabilityTopic enables the will/birth messages when set.
	AvailabilityTopic string
}

// Client implements a synchronous MQTT 5 client. Setup, Connect,
// Publish, Loop and Disconnect are called from the supervisor loop;
// paho's callbacks run on its own goroutines and only touch the
// atomic session flag and the error channel.
type Client struct {
	cfg    Config
	logger *slog.Logger

	mu     sync.Mutex
	addr   string
	client *paho.Client

	connected atomic.Bool
	// session numbers connect attempts so callbacks from a replaced
	// paho client are ignored.
	session atomic.Uint64
	errs    chan error

	dial func(ctx context.Context, addr string) (net.Conn, error)
}

// NewClient creates a client. Call Setup before Connect.
func NewClient(cfg Config, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 10 * time.Second
	}
	var d net.Dialer
	return &Client{
		cfg:    cfg,
		logger: logger,
		errs:   make(chan error, 8),
		dial: func(ctx context.Context, addr string) (net.Conn, error) {
			return d.DialContext(ctx, "tcp", addr)
		},
	}
}

// Setup records the broker address.
func (c *Client) Setup(host string, port int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.addr = net.JoinHostPort(host, strconv.Itoa(port))
}

// Addr returns the broker address set by Setup.
func (c *Client) Addr() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.addr
}

// Connect makes one connection attempt: dial, CONNECT with a clean
// start, wait for CONNACK. Any previous session is dropped first.
func (c *Client) Connect(ctx context.Context, clientID string) error {
	c.mu.Lock()
	addr := c.addr
	prev := c.client
	c.client = nil
	c.mu.Unlock()

	if addr == "" {
		return errors.New("mqtt: broker address not set")
	}
	if prev != nil {
		c.connected.Store(false)
		_ = prev.Disconnect(&paho.Disconnect{ReasonCode: 0})
	}

	ctx, cancel := context.WithTimeout(ctx, c.cfg.ConnectTimeout)
	defer cancel()

	conn, err := c.dial(ctx, addr)
	if err != nil {
		return fmt.Errorf("dial %s: %w", addr, err)
	}

	session := c.session.Add(1)
	pc := paho.NewClient(paho.ClientConfig{
		ClientID: clientID,
		Conn:     conn,
		OnClientError: func(err error) {
			c.lost(session, err)
		},
		OnServerDisconnect: func(d *paho.Disconnect) {
			c.lost(session, fmt.Errorf("server disconnected: reason %d", d.ReasonCode))
		},
	})

	cp := &paho.Connect{
		ClientID:   clientID,
		KeepAlive:  uint16(c.cfg.KeepAlive / time.Second),
		CleanStart: true,
	}
	if c.cfg.Username != "" {
		cp.Username = c.cfg.Username
		cp.UsernameFlag = true
	}
	if c.cfg.Password != "" {
		cp.Password = []byte(c.cfg.Password)
		cp.PasswordFlag = true
	}
	if c.cfg.AvailabilityTopic != "" {
		cp.WillMessage = &paho.WillMessage{
			Topic:   c.cfg.AvailabilityTopic,
			Payload: []byte(Offline),
			QoS:     1,
			Retain:  true,
		}
	}

	ack, err := pc.Connect(ctx, cp)
	if err != nil {
		conn.Close()
		if ack != nil {
			return fmt.Errorf("connect %s: reason %d: %w", addr, ack.ReasonCode, err)
		}
		return fmt.Errorf("connect %s: %w", addr, err)
	}

	c.mu.Lock()
	c.client = pc
	c.mu.Unlock()
	c.connected.Store(true)

	c.logger.Debug("mqtt session established", "broker", addr, "client_id", clientID)

	if c.cfg.AvailabilityTopic != "" {
		c.publishAvailability(ctx, pc, Online)
	}
	return nil
}

// Connected reports whether a session is up.
func (c *Client) Connected() bool {
	return c.connected.Load()
}

// Publish sends payload to topic at QoS 0.
func (c *Client) Publish(ctx context.Context, topic string, payload []byte) error {
	c.mu.Lock()
	pc := c.client
	c.mu.Unlock()

	if pc == nil || !c.connected.Load() {
		return ErrNotConnected
	}
	if _, err := pc.Publish(ctx, &paho.Publish{
		Topic:   topic,
		QoS:     0,
		Payload: payload,
	}); err != nil {
		return fmt.Errorf("publish %s: %w", topic, err)
	}
	return nil
}

// Loop reports asynchronous client errors collected since the last
// call. Network I/O itself runs on paho's goroutines.
func (c *Client) Loop() {
	for {
		select {
		case err := <-c.errs:
			c.logger.Warn("mqtt client error", "error", err)
		default:
			return
		}
	}
}

// Disconnect ends the session, publishing "offline" first if
// availability is enabled. It is safe to call without a session.
func (c *Client) Disconnect(ctx context.Context) error {
	c.mu.Lock()
	pc := c.client
	c.client = nil
	c.mu.Unlock()

	if pc == nil {
		return nil
	}
	if c.cfg.AvailabilityTopic != "" && c.connected.Load() {
		c.publishAvailability(ctx, pc, Offline)
	}
	c.connected.Store(false)
	c.session.Add(1)
	if err := pc.Disconnect(&paho.Disconnect{ReasonCode: 0}); err != nil {
		return fmt.Errorf("mqtt disconnect: %w", err)
	}
	return nil
}

func (c *Client) publishAvailability(ctx context.Context, pc *paho.Client, status string) {
	if _, err := pc.Publish(ctx, &paho.Publish{
		Topic:   c.cfg.AvailabilityTopic,
		Payload: []byte(status),
		QoS:     1,
		Retain:  true,
	}); err != nil {
		c.logger.Warn("mqtt availability publish failed", "status", status, "error", err)
		return
	}
	c.logger.Debug("mqtt availability published", "status", status)
}

func (c *Client) lost(session uint64, err error) {
	if c.session.Load() != session {
		return
	}
	c.connected.Store(false)
	select {
	case c.errs <- err:
	default:
	}
}
