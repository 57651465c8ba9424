package broker

import (
	"fmt"
	"net"
	"net/url"
	"strconv"
	"time"
)

// Config holds the broker connection and consumption settings.
type Config struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
	VHost    string `mapstructure:"vhost"`

	// RoutingKey binds the consumer queue. Queue defaults to RoutingKey.
	RoutingKey string `mapstructure:"routing_key"`
	Queue      string `mapstructure:"queue"`

	ConnectionRetries int           `mapstructure:"connection_retries"`
	RetryDelay        time.Duration `mapstructure:"retry_delay"`
	Heartbeat         time.Duration `mapstructure:"heartbeat"`

	Prefetch        int           `mapstructure:"prefetch"`
	Workers         int           `mapstructure:"workers"`
	ProcessTimeout  time.Duration `mapstructure:"process_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`

	ConnectionName string `mapstructure:"connection_name"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Host:              "localhost",
		Port:              5672,
		Username:          "guest",
		Password:          "guest",
		VHost:             "/",
		RoutingKey:        "email",
		ConnectionRetries: 5,
		RetryDelay:        5 * time.Second,
		Heartbeat:         10 * time.Second,
		Prefetch:          10,
		Workers:           4,
		ProcessTimeout:    60 * time.Second,
		ShutdownTimeout:   30 * time.Second,
		ConnectionName:    "email-service",
	}
}

// URL returns the AMQP URI for the configured server.
func (c Config) URL() string {
	return c.uri().String()
}

// Redacted returns URL with the password masked, for logging.
func (c Config) Redacted() string {
	return c.uri().Redacted()
}

func (c Config) uri() *url.URL {
	vhost := c.VHost
	if vhost == "" {
		vhost = "/"
	}
	// The default vhost "/" must be sent as an escaped path segment.
	return &url.URL{
		Scheme:  "amqp",
		User:    url.UserPassword(c.Username, c.Password),
		Host:    net.JoinHostPort(c.Host, strconv.Itoa(c.Port)),
		Path:    "/" + vhost,
		RawPath: "/" + url.PathEscape(vhost),
	}
}

// QueueName returns the queue bound to routingKey.
func (c Config) QueueName(routingKey string) string {
	if c.Queue != "" {
		return c.Queue
	}
	return routingKey
}

// Validate checks that the settings are usable.
func (c Config) Validate() error {
	if c.Host == "" {
		return fmt.Errorf("broker host is required")
	}
	if c.Port <= 0 {
		return fmt.Errorf("invalid broker port: %d", c.Port)
	}
	if c.RoutingKey == "" {
		return fmt.Errorf("broker routing key is required")
	}
	if c.Workers < 1 {
		return fmt.Errorf("broker workers must be at least 1, got %d", c.Workers)
	}
	if c.Prefetch < 0 {
		return fmt.Errorf("broker prefetch must not be negative, got %d", c.Prefetch)
	}
	if c.RetryDelay < 0 {
		return fmt.Errorf("broker retry delay must not be negative")
	}
	return nil
}
