// Package mqtt publishes the node status to an MQTT broker so a fleet of
// airlift nodes can be watched from one place.
package mqtt

import (
	"context"
	"time"
)

// Client defines the interface for MQTT client operations.
type Client interface {
	// Connect attempts to connect to the MQTT broker.
	Connect(ctx context.Context) error

	// Publish sends payload to topic. Retained messages are kept by the
	// broker and handed to late subscribers.
	Publish(ctx context.Context, topic string, payload []byte, retain bool) error

	// IsConnected returns true if the client is currently connected.
	IsConnected() bool

	// Disconnect closes the connection to the MQTT broker.
	Disconnect()
}

// Config holds the configuration for the MQTT client.
type Config struct {
	Broker   string
	ClientID string
	Username string
	Password string
	// Topic is the prefix; status goes to Topic/status and the online
	// marker to Topic/availability.
	Topic string
	// Connection timeouts
	ConnectTimeout    time.Duration
	PublishTimeout    time.Duration
	DisconnectTimeout time.Duration
	MaxReconnectDelay time.Duration
}

// Availability payloads.
const (
	PayloadOnline  = "online"
	PayloadOffline = "offline"
)

// StatusTopic returns the topic carrying the JSON status.
func (c Config) StatusTopic() string { return c.Topic + "/status" }

// AvailabilityTopic returns the topic carrying the online marker and the
// last will.
func (c Config) AvailabilityTopic() string { return c.Topic + "/availability" }

// DefaultConfig returns a Config with reasonable default values
func DefaultConfig() Config {
	return Config{
		Topic:             "airlift",
		ClientID:          "airlift-node",
		ConnectTimeout:    30 * time.Second,
		PublishTimeout:    10 * time.Second,
		DisconnectTimeout: 250 * time.Millisecond,
		MaxReconnectDelay: 2 * time.Minute,
	}
}

func (c *Config) applyDefaults() {
	d := DefaultConfig()
	if c.Topic == "" {
		c.Topic = d.Topic
	}
	if c.ClientID == "" {
		c.ClientID = d.ClientID
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = d.ConnectTimeout
	}
	if c.PublishTimeout <= 0 {
		c.PublishTimeout = d.PublishTimeout
	}
	if c.DisconnectTimeout <= 0 {
		c.DisconnectTimeout = d.DisconnectTimeout
	}
	if c.MaxReconnectDelay <= 0 {
		c.MaxReconnectDelay = d.MaxReconnectDelay
	}
}
