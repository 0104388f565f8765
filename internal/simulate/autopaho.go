package simulate

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/url"
	"strconv"

	"github.com/eclipse/paho.golang/autopaho"
	"github.com/eclipse/paho.golang/paho"
)

// BrokerConfig describes the broker the simulated fleet connects to.
type BrokerConfig struct {
	Host      string
	Port      int
	Username  string
	Password  string
	KeepAlive uint16
}

// URL returns the broker address as an mqtt:// URL.
func (b BrokerConfig) URL() *url.URL {
	return &url.URL{Scheme: "mqtt", Host: net.JoinHostPort(b.Host, strconv.Itoa(b.Port))}
}

// AutopahoDialer returns a [Dialer] backed by autopaho connection
// managers. Each session starts clean and reconnects in the background
// after the first dial; publishes made while reconnecting wait for the
// session until their context expires.
func AutopahoDialer(b BrokerConfig, logger *slog.Logger) Dialer {
	if logger == nil {
		logger = slog.Default()
	}
	keepAlive := b.KeepAlive
	if keepAlive == 0 {
		keepAlive = 30
	}
	server := b.URL()

	return func(ctx context.Context, clientID string) (Conn, error) {
		log := logger.With("client_id", clientID)
		cfg := autopaho.ClientConfig{
			ServerUrls:                    []*url.URL{server},
			KeepAlive:                     keepAlive,
			CleanStartOnInitialConnection: true,
			ConnectUsername:               b.Username,
			ConnectPassword:               []byte(b.Password),
			OnConnectionUp: func(*autopaho.ConnectionManager, *paho.Connack) {
				log.Info("simulated device connected", "broker", server.String())
			},
			OnConnectError: func(err error) {
				log.Warn("simulated device connection error, reconnecting", "error", err)
			},
			ClientConfig: paho.ClientConfig{
				ClientID: clientID,
			},
		}

		cm, err := autopaho.NewConnection(ctx, cfg)
		if err != nil {
			return nil, fmt.Errorf("mqtt connect %s: %w", clientID, err)
		}
		return &autopahoConn{cm: cm}, nil
	}
}

type autopahoConn struct {
	cm *autopaho.ConnectionManager
}

func (c *autopahoConn) Publish(ctx context.Context, topic string, payload []byte) error {
	_, err := c.cm.Publish(ctx, &paho.Publish{
		Topic:   topic,
		Payload: payload,
		QoS:     0,
	})
	return err
}

func (c *autopahoConn) Close(ctx context.Context) error {
	return c.cm.Disconnect(ctx)
}
