// Package mqttbus implements the relay bus on an MQTT broker.
package mqttbus

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// ErrConnectTimeout is returned when the broker does not accept the
// connection within Config.ConnectTimeout.
var ErrConnectTimeout = errors.New("mqttbus: connect timeout")

// ErrNotConnected is returned by Publish and Subscribe before Connect.
var ErrNotConnected = errors.New("mqttbus: not connected")

// Config is the broker connection. It is immutable after New.
type Config struct {
	Host           string
	Port           int
	ClientID       string
	Keepalive      time.Duration
	Username       string
	Password       string
	TLS            bool
	QoS            byte
	ConnectTimeout time.Duration
}

// Client is a single MQTT connection. It never reconnects: a lost
// connection is reported once on Lost.
type Client struct {
	cfg    Config
	client mqtt.Client
	lost   chan error

	mu        sync.RWMutex
	connected bool
	abandoned bool // Connect gave up; late callbacks are ignored
}

// New creates an unconnected client.
func New(cfg Config) *Client {
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 10 * time.Second
	}
	return &Client{
		cfg:  cfg,
		lost: make(chan error, 1),
	}
}

// BrokerURL returns the broker address, ssl:// when TLS is enabled.
func (c *Client) BrokerURL() string {
	scheme := "tcp"
	if c.cfg.TLS {
		scheme = "ssl"
	}
	return fmt.Sprintf("%s://%s:%d", scheme, c.cfg.Host, c.cfg.Port)
}

func (c *Client) options() *mqtt.ClientOptions {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(c.BrokerURL())
	opts.SetClientID(c.cfg.ClientID)
	opts.SetCleanSession(true)
	opts.SetAutoReconnect(false)
	opts.SetConnectRetry(false)
	opts.SetConnectTimeout(c.cfg.ConnectTimeout)
	if c.cfg.Keepalive > 0 {
		opts.SetKeepAlive(c.cfg.Keepalive)
	}
	if c.cfg.Username != "" {
		opts.SetUsername(c.cfg.Username)
		opts.SetPassword(c.cfg.Password)
	}
	if c.cfg.TLS {
		opts.SetTLSConfig(&tls.Config{MinVersion: tls.VersionTLS12})
	}

	opts.OnConnect = func(mqtt.Client) {
		if c.isAbandoned() {
			slog.Warn("mqtt connection completed after connect gave up, dropping it", "broker", c.BrokerURL())
			return
		}
		c.setConnected(true)
		slog.Info("mqtt connection established",
			"broker", c.BrokerURL(),
			"client_id", c.cfg.ClientID)
	}
	opts.OnConnectionLost = func(_ mqtt.Client, err error) {
		if c.isAbandoned() {
			return
		}
		c.setConnected(false)
		slog.Error("mqtt connection lost", "broker", c.BrokerURL(), "error", err)
		select {
		case c.lost <- err:
		default:
		}
	}
	return opts
}

// Connect dials the broker and waits for the CONNACK, the connect timeout
// or ctx, whichever comes first.
func (c *Client) Connect(ctx context.Context) error {
	c.client = mqtt.NewClient(c.options())

	slog.Info("connecting to mqtt broker", "broker", c.BrokerURL(), "tls", c.cfg.TLS)

	token := c.client.Connect()
	timer := time.NewTimer(c.cfg.ConnectTimeout)
	defer timer.Stop()

	select {
	case <-token.Done():
	case <-timer.C:
		c.abandon()
		return fmt.Errorf("%w: %s after %s", ErrConnectTimeout, c.BrokerURL(), c.cfg.ConnectTimeout)
	case <-ctx.Done():
		c.abandon()
		return ctx.Err()
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("mqttbus: connect %s: %w", c.BrokerURL(), err)
	}

	c.setConnected(true)
	return nil
}

// Publish hands payload to the client. It does not wait for the broker
// acknowledgement; only errors known immediately are returned.
func (c *Client) Publish(topic string, payload []byte) error {
	if !c.IsConnected() {
		return ErrNotConnected
	}

	token := c.client.Publish(topic, c.cfg.QoS, false, payload)
	select {
	case <-token.Done():
		if err := token.Error(); err != nil {
			return fmt.Errorf("mqttbus: publish %s: %w", topic, err)
		}
	default:
	}
	return nil
}

// Subscribe registers handler for topic and waits for the SUBACK.
func (c *Client) Subscribe(topic string, handler func(topic string, payload []byte)) error {
	if !c.IsConnected() {
		return ErrNotConnected
	}

	token := c.client.Subscribe(topic, c.cfg.QoS, func(_ mqtt.Client, msg mqtt.Message) {
		handler(msg.Topic(), msg.Payload())
	})
	if !token.WaitTimeout(c.cfg.ConnectTimeout) {
		return fmt.Errorf("mqttbus: subscribe %s: timeout", topic)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("mqttbus: subscribe %s: %w", topic, err)
	}
	slog.Debug("mqtt subscribed", "topic", topic, "qos", c.cfg.QoS)
	return nil
}

// Disconnect closes the connection with a short grace period.
func (c *Client) Disconnect() {
	if c.client != nil && c.client.IsConnected() {
		c.client.Disconnect(250)
		slog.Info("mqtt disconnected", "broker", c.BrokerURL())
	}
	c.setConnected(false)
}

// abandon stops an in-flight connection attempt from ever being used.
func (c *Client) abandon() {
	c.mu.Lock()
	c.abandoned = true
	c.connected = false
	c.mu.Unlock()

	// Disconnect blocks until the pending attempt resolves.
	go c.client.Disconnect(0)
}

func (c *Client) isAbandoned() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.abandoned
}

func (c *Client) Lost() <-chan error {
	return c.lost
}

func (c *Client) IsConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.connected
}

func (c *Client) setConnected(v bool) {
	c.mu.Lock()
	c.connected = v
	c.mu.Unlock()
}
