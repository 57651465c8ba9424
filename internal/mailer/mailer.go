// Package mailer is the delivery primitive: it turns a rendered message into
// one transmission attempt. SMTP is the production driver; stdout prints
// messages for local development.
package mailer

import (
	"context"
	"fmt"
	"net/mail"
	"time"
)

// Sender performs a single delivery attempt.
type Sender interface {
	// Send transmits msg. A nil error means the server accepted the message.
	Send(ctx context.Context, msg *Message) error
	// Name returns the driver identifier (e.g., "smtp", "stdout").
	Name() string
}

// Message is a fully rendered email.
type Message struct {
	To      *mail.Address
	Subject string
	HTML    string
}

// Config holds the transport settings for outbound mail.
type Config struct {
	Driver   string        `mapstructure:"driver"` // smtp (default) or stdout
	Server   string        `mapstructure:"server"`
	Port     int           `mapstructure:"port"`
	Username string        `mapstructure:"username"`
	Password string        `mapstructure:"password"`
	From     string        `mapstructure:"from"`
	FromName string        `mapstructure:"from_name"`
	Timeout  time.Duration `mapstructure:"timeout"`

	// StartTLS upgrades a plain connection; SSLTLS dials with implicit TLS.
	StartTLS       bool `mapstructure:"starttls"`
	SSLTLS         bool `mapstructure:"ssl_tls"`
	UseCredentials bool `mapstructure:"use_credentials"`
	ValidateCerts  bool `mapstructure:"validate_certs"`

	DKIM DKIMConfig `mapstructure:"dkim"`
}

// DKIMConfig enables DKIM signing when Selector is set.
type DKIMConfig struct {
	Selector   string `mapstructure:"selector"`
	Domain     string `mapstructure:"domain"`
	KeyPath    string `mapstructure:"key_path"`
	PrivateKey string `mapstructure:"private_key"`
}

// Validate checks the settings the selected driver needs.
func (c Config) Validate() error {
	switch c.Driver {
	case "", "smtp":
	case "stdout":
		return nil
	default:
		return fmt.Errorf("unknown mail driver: %s", c.Driver)
	}

	if c.Server == "" {
		return fmt.Errorf("mail server is required")
	}
	if c.Port <= 0 {
		return fmt.Errorf("invalid mail port: %d", c.Port)
	}
	if c.StartTLS && c.SSLTLS {
		return fmt.Errorf("starttls and ssl_tls are mutually exclusive")
	}
	if c.From == "" {
		return fmt.Errorf("mail from address is required")
	}
	if _, err := mail.ParseAddress(c.From); err != nil {
		return fmt.Errorf("invalid mail from address %q: %w", c.From, err)
	}
	return nil
}
