package mqtt

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"sync"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"

	"github.com/davdef/airlift-node-sub001/internal/errors"
	"github.com/davdef/airlift-node-sub001/internal/logger"
	"github.com/davdef/airlift-node-sub001/internal/observability/metrics"
)

const componentMQTT = "mqtt"

// client implements Client on top of paho. Reconnects after a lost
// connection are left to paho's auto reconnect.
type client struct {
	config         Config
	internalClient paho.Client
	mu             sync.Mutex
	metrics        *metrics.MQTTMetrics
	log            logger.Logger
}

// NewClient creates a client. m may be nil.
func NewClient(cfg Config, m *metrics.MQTTMetrics, log logger.Logger) (Client, error) {
	cfg.applyDefaults()
	u, err := url.Parse(cfg.Broker)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, errors.Newf("invalid broker URL %q", cfg.Broker).
			Component(componentMQTT).
			Category(errors.CategoryConfiguration).
			Build()
	}
	return &client{config: cfg, metrics: m, log: log}, nil
}

// Connect resolves the broker host first so a DNS failure is reported as
// such instead of as a generic connect timeout.
func (c *client) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	u, err := url.Parse(c.config.Broker)
	if err != nil {
		return fmt.Errorf("invalid broker URL: %w", err)
	}
	host := u.Hostname()
	if net.ParseIP(host) == nil {
		if _, err := net.DefaultResolver.LookupHost(ctx, host); err != nil {
			c.countError()
			return errors.New(fmt.Errorf("failed to resolve hostname %s: %w", host, err)).
				Component(componentMQTT).
				Category(errors.CategoryNetwork).
				Context("broker", c.config.Broker).
				Build()
		}
	}

	opts := paho.NewClientOptions()
	opts.AddBroker(c.config.Broker)
	opts.SetClientID(c.config.ClientID)
	opts.SetUsername(c.config.Username)
	opts.SetPassword(c.config.Password)
	opts.SetCleanSession(true)
	opts.SetAutoReconnect(true)
	opts.SetMaxReconnectInterval(c.config.MaxReconnectDelay)
	opts.SetConnectTimeout(c.config.ConnectTimeout)
	opts.SetWill(c.config.AvailabilityTopic(), PayloadOffline, 1, true)
	opts.SetOnConnectHandler(c.onConnect)
	opts.SetConnectionLostHandler(c.onConnectionLost)

	c.internalClient = paho.NewClient(opts)
	if err := c.wait(ctx, c.internalClient.Connect(), c.config.ConnectTimeout); err != nil {
		c.countError()
		return errors.New(fmt.Errorf("connection error: %w", err)).
			Component(componentMQTT).
			Category(errors.CategoryNetwork).
			Context("broker", c.config.Broker).
			Build()
	}
	c.setConnected(true)
	return nil
}

// Publish sends a message with QoS 1.
func (c *client) Publish(ctx context.Context, topic string, payload []byte, retain bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.isConnected() {
		return errors.Newf("not connected to MQTT broker").
			Component(componentMQTT).
			Category(errors.CategoryNetwork).
			Build()
	}

	if c.metrics != nil {
		defer c.metrics.StartPublishTimer().ObserveDuration()
	}

	if err := c.wait(ctx, c.internalClient.Publish(topic, 1, retain, payload), c.config.PublishTimeout); err != nil {
		c.countError()
		return fmt.Errorf("publish to %s: %w", topic, err)
	}
	if c.metrics != nil {
		c.metrics.IncrementMessagesDelivered(len(payload))
	}
	return nil
}

// IsConnected returns true if the client is currently connected to the MQTT broker.
func (c *client) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.isConnected()
}

func (c *client) isConnected() bool {
	return c.internalClient != nil && c.internalClient.IsConnected()
}

// Disconnect closes the connection to the MQTT broker.
func (c *client) Disconnect() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.internalClient != nil && c.internalClient.IsConnected() {
		c.internalClient.Disconnect(uint(c.config.DisconnectTimeout.Milliseconds()))
	}
	c.setConnected(false)
}

// wait blocks on a paho token until it completes, ctx ends or timeout
// passes.
func (c *client) wait(ctx context.Context, token paho.Token, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	select {
	case <-token.Done():
		return token.Error()
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *client) onConnect(paho.Client) {
	c.log.Info("connected to MQTT broker", logger.String("broker", c.config.Broker))
	c.setConnected(true)
}

func (c *client) onConnectionLost(_ paho.Client, err error) {
	c.log.Warn("connection to MQTT broker lost", logger.String("broker", c.config.Broker), logger.Error(err))
	c.setConnected(false)
	c.countError()
}

func (c *client) setConnected(connected bool) {
	if c.metrics != nil {
		c.metrics.UpdateConnectionStatus(connected)
	}
}

func (c *client) countError() {
	if c.metrics != nil {
		c.metrics.IncrementErrors()
	}
}
