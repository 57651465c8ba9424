package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

// noFiles loads nothing from disk so only defaults and env apply.
func noFiles(t *testing.T) Options {
	t.Helper()
	return Options{SearchPaths: []string{t.TempDir()}}
}

func TestLoad_ValidConfigFile(t *testing.T) {
	cfg, err := Load(Options{SearchPaths: []string{"../../config"}})
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}

	if cfg.Service.Name != "email-service" {
		t.Errorf("expected service name email-service, got %s", cfg.Service.Name)
	}
	if cfg.API.Port != 8000 {
		t.Errorf("expected API port 8000, got %d", cfg.API.Port)
	}
	if cfg.API.Prefix != "/api/v1" {
		t.Errorf("expected API prefix /api/v1, got %s", cfg.API.Prefix)
	}
	if cfg.Broker.RetryDelay != 5*time.Second {
		t.Errorf("expected retry delay 5s, got %v", cfg.Broker.RetryDelay)
	}
	if cfg.Broker.Workers != 4 {
		t.Errorf("expected 4 workers, got %d", cfg.Broker.Workers)
	}
	if cfg.Mail.Port != 1025 {
		t.Errorf("expected mail port 1025, got %d", cfg.Mail.Port)
	}
	if cfg.Mail.FromName != "Email Service" {
		t.Errorf("expected from name 'Email Service', got %q", cfg.Mail.FromName)
	}
	if cfg.Mail.StartTLS {
		t.Error("expected starttls disabled in sample config")
	}
	if cfg.Dedup.TTL != 24*time.Hour {
		t.Errorf("expected dedup ttl 24h, got %v", cfg.Dedup.TTL)
	}
}

func TestLoad_DefaultsWithoutFile(t *testing.T) {
	cfg, err := Load(noFiles(t))
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}

	if cfg.API.Addr() != "0.0.0.0:8000" {
		t.Errorf("expected addr 0.0.0.0:8000, got %s", cfg.API.Addr())
	}
	if cfg.Broker.Host != "localhost" || cfg.Broker.Port != 5672 {
		t.Errorf("unexpected broker default %s:%d", cfg.Broker.Host, cfg.Broker.Port)
	}
	if cfg.Broker.RoutingKey != "email" {
		t.Errorf("expected routing key email, got %s", cfg.Broker.RoutingKey)
	}
	if cfg.Broker.ConnectionRetries != 5 {
		t.Errorf("expected 5 connection retries, got %d", cfg.Broker.ConnectionRetries)
	}
	if !cfg.Mail.StartTLS || !cfg.Mail.UseCredentials || !cfg.Mail.ValidateCerts {
		t.Error("expected starttls, use_credentials and validate_certs to default to true")
	}
	if cfg.Mail.SSLTLS {
		t.Error("expected ssl_tls to default to false")
	}
	if cfg.Logging.Level != "info" {
		t.Errorf("expected log level info, got %s", cfg.Logging.Level)
	}
	if cfg.Dedup.Enabled {
		t.Error("expected dedup disabled by default")
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("EMAIL_BROKER_HOST", "rabbit.internal")
	t.Setenv("EMAIL_MAIL_SERVER", "smtp.example.com")
	t.Setenv("EMAIL_MAIL_PORT", "2525")
	t.Setenv("EMAIL_MAIL_STARTTLS", "false")
	t.Setenv("EMAIL_BROKER_PROCESS_TIMEOUT", "15s")
	t.Setenv("EMAIL_API_PREFIX", "/v2")

	cfg, err := Load(noFiles(t))
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}

	if cfg.Broker.Host != "rabbit.internal" {
		t.Errorf("expected broker host override, got %s", cfg.Broker.Host)
	}
	if cfg.Mail.Server != "smtp.example.com" {
		t.Errorf("expected mail server override, got %s", cfg.Mail.Server)
	}
	if cfg.Mail.Port != 2525 {
		t.Errorf("expected mail port 2525, got %d", cfg.Mail.Port)
	}
	if cfg.Mail.StartTLS {
		t.Error("expected starttls override to false")
	}
	if cfg.Broker.ProcessTimeout != 15*time.Second {
		t.Errorf("expected process timeout 15s, got %v", cfg.Broker.ProcessTimeout)
	}
	if cfg.API.Prefix != "/v2" {
		t.Errorf("expected prefix /v2, got %s", cfg.API.Prefix)
	}
}

func TestLoad_LegacyEnvNames(t *testing.T) {
	t.Setenv("EMAIL_RABBITMQ_HOST", "legacy-rabbit")
	t.Setenv("EMAIL_RABBITMQ_USER", "legacy-user")
	t.Setenv("EMAIL_RABBITMQ_PASS", "legacy-pass")
	t.Setenv("EMAIL_SERVICE_PORT", "9000")
	t.Setenv("EMAIL_RABBITMQ_CONNECTION_RETRY_DELAY", "3")
	t.Setenv("EMAIL_RABBITMQ_SEND_EMAIL_ROUTING_KEY", "send_email")
	t.Setenv("EMAIL_USE_CREDENTIALS", "false")

	cfg, err := Load(noFiles(t))
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}

	if cfg.Broker.Host != "legacy-rabbit" {
		t.Errorf("expected legacy broker host, got %s", cfg.Broker.Host)
	}
	if cfg.Broker.Username != "legacy-user" || cfg.Broker.Password != "legacy-pass" {
		t.Errorf("expected legacy credentials, got %s/%s", cfg.Broker.Username, cfg.Broker.Password)
	}
	if cfg.API.Port != 9000 {
		t.Errorf("expected api port 9000, got %d", cfg.API.Port)
	}
	if cfg.Broker.RetryDelay != 3*time.Second {
		t.Errorf("expected bare number to mean seconds, got %v", cfg.Broker.RetryDelay)
	}
	if cfg.Broker.RoutingKey != "send_email" {
		t.Errorf("expected legacy routing key, got %s", cfg.Broker.RoutingKey)
	}
	if cfg.Mail.UseCredentials {
		t.Error("expected legacy use_credentials override to false")
	}
}

func TestLoad_GroupedNameWinsOverLegacy(t *testing.T) {
	t.Setenv("EMAIL_BROKER_HOST", "grouped")
	t.Setenv("EMAIL_RABBITMQ_HOST", "legacy")

	cfg, err := Load(noFiles(t))
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if cfg.Broker.Host != "grouped" {
		t.Errorf("expected grouped name to win, got %s", cfg.Broker.Host)
	}
}

func TestLoad_EnvFile(t *testing.T) {
	dir := t.TempDir()
	envPath := filepath.Join(dir, ".env")
	if err := os.WriteFile(envPath, []byte("EMAIL_MAIL_FROM=team@example.org\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	// godotenv sets process variables; clear it after the test.
	t.Setenv("EMAIL_MAIL_FROM", "")
	os.Unsetenv("EMAIL_MAIL_FROM")

	cfg, err := Load(Options{SearchPaths: []string{dir}, EnvFiles: []string{envPath, filepath.Join(dir, "missing.env")}})
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if cfg.Mail.From != "team@example.org" {
		t.Errorf("expected from address from .env, got %s", cfg.Mail.From)
	}
}

func TestLoad_ExplicitFileMissing(t *testing.T) {
	_, err := Load(Options{ConfigFile: filepath.Join(t.TempDir(), "nope.yaml")})
	if err == nil {
		t.Fatal("expected error for missing explicit config file")
	}
}

func TestLoad_InvalidYAML(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "config.yaml"), []byte("api: [unclosed"), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(Options{SearchPaths: []string{dir}}); err == nil {
		t.Fatal("expected error for invalid yaml")
	}
}

func TestLoad_ValidationErrors(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
	}{
		{"bad api port", map[string]string{"EMAIL_API_PORT": "0"}},
		{"prefix without slash", map[string]string{"EMAIL_API_PREFIX": "api"}},
		{"unknown mail driver", map[string]string{"EMAIL_MAIL_DRIVER": "pigeon"}},
		{"zero workers", map[string]string{"EMAIL_BROKER_WORKERS": "0"}},
		{"conflicting tls", map[string]string{"EMAIL_MAIL_SSL_TLS": "true"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			if _, err := Load(noFiles(t)); err == nil {
				t.Errorf("expected validation error for %s", tt.name)
			}
		})
	}
}
