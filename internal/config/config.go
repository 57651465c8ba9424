package config

import (
	"errors"
	"fmt"
	"io/fs"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/sungwon/email-service/internal/broker"
	"github.com/sungwon/email-service/internal/dedup"
	"github.com/sungwon/email-service/internal/logger"
	"github.com/sungwon/email-service/internal/mailer"
)

// EnvPrefix is prepended to every environment variable name.
const EnvPrefix = "EMAIL"

// Config holds all application configuration.
type Config struct {
	Service   ServiceConfig   `mapstructure:"service"`
	API       APIConfig       `mapstructure:"api"`
	Broker    broker.Config   `mapstructure:"broker"`
	Mail      mailer.Config   `mapstructure:"mail"`
	Templates TemplatesConfig `mapstructure:"templates"`
	Logging   logger.Config   `mapstructure:"logging"`
	Dedup     dedup.Config    `mapstructure:"dedup"`
}

// ServiceConfig identifies the running service.
type ServiceConfig struct {
	Name        string `mapstructure:"name"`
	Version     string `mapstructure:"version"`
	Environment string `mapstructure:"environment"`
}

// APIConfig holds HTTP server configuration.
type APIConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	Prefix          string        `mapstructure:"prefix"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// TemplatesConfig locates the HTML templates. An empty Dir uses the
// templates built into the binary.
type TemplatesConfig struct {
	Dir string `mapstructure:"dir"`
}

// Options control where Load looks for configuration.
type Options struct {
	// ConfigFile is an explicit config file path. When empty, config.yaml is
	// searched for in SearchPaths.
	ConfigFile  string
	SearchPaths []string
	// EnvFiles are loaded into the process environment before reading
	// variables. Missing files are ignored.
	EnvFiles []string
}

// DefaultOptions searches the usual locations and loads ./.env.
func DefaultOptions() Options {
	return Options{
		SearchPaths: []string{".", "./config", "/etc/email-service"},
		EnvFiles:    []string{".env"},
	}
}

// legacyEnv maps keys to the flat variable names the service used before
// settings were grouped. They are consulted after the grouped names.
var legacyEnv = map[string][]string{
	"service.environment":       {"EMAIL_ENVIRONMENT"},
	"api.port":                  {"EMAIL_SERVICE_PORT"},
	"broker.host":               {"EMAIL_RABBITMQ_HOST"},
	"broker.port":               {"EMAIL_RABBITMQ_PORT"},
	"broker.username":           {"EMAIL_RABBITMQ_USER"},
	"broker.password":           {"EMAIL_RABBITMQ_PASS"},
	"broker.routing_key":        {"EMAIL_RABBITMQ_SEND_EMAIL_ROUTING_KEY"},
	"broker.connection_retries": {"EMAIL_RABBITMQ_CONNECTION_RETRIES"},
	"broker.retry_delay":        {"EMAIL_RABBITMQ_CONNECTION_RETRY_DELAY"},
	"mail.use_credentials":      {"EMAIL_USE_CREDENTIALS"},
	"mail.validate_certs":       {"EMAIL_VALIDATE_CERTS"},
}

// Load reads configuration from defaults, an optional config.yaml, .env
// files and environment variables, in increasing order of precedence.
// Environment variables use the EMAIL_ prefix with dots replaced by
// underscores; for example EMAIL_BROKER_HOST overrides broker.host.
func Load(opts Options) (*Config, error) {
	for _, f := range opts.EnvFiles {
		if err := godotenv.Load(f); err != nil && !isNotExist(err) {
			return nil, fmt.Errorf("load env file %s: %w", f, err)
		}
	}

	v := viper.New()
	setDefaults(v)

	if opts.ConfigFile != "" {
		v.SetConfigFile(opts.ConfigFile)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		for _, p := range opts.SearchPaths {
			v.AddConfigPath(p)
		}
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if opts.ConfigFile != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		// No config file: defaults and environment only.
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	for key, names := range legacyEnv {
		grouped := EnvPrefix + "_" + strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
		if err := v.BindEnv(append([]string{key, grouped}, names...)...); err != nil {
			return nil, fmt.Errorf("bind env %s: %w", key, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		secondsToDurationHook(),
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	))); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("service.name", "email-service")
	v.SetDefault("service.version", "0.1.0")
	v.SetDefault("service.environment", "development")

	v.SetDefault("api.host", "0.0.0.0")
	v.SetDefault("api.port", 8000)
	v.SetDefault("api.prefix", "/api/v1")
	v.SetDefault("api.read_timeout", 10*time.Second)
	v.SetDefault("api.write_timeout", 90*time.Second)
	v.SetDefault("api.shutdown_timeout", 30*time.Second)

	b := broker.DefaultConfig()
	v.SetDefault("broker.host", b.Host)
	v.SetDefault("broker.port", b.Port)
	v.SetDefault("broker.username", b.Username)
	v.SetDefault("broker.password", b.Password)
	v.SetDefault("broker.vhost", b.VHost)
	v.SetDefault("broker.routing_key", b.RoutingKey)
	v.SetDefault("broker.queue", "")
	v.SetDefault("broker.connection_retries", b.ConnectionRetries)
	v.SetDefault("broker.retry_delay", b.RetryDelay)
	v.SetDefault("broker.heartbeat", b.Heartbeat)
	v.SetDefault("broker.prefetch", b.Prefetch)
	v.SetDefault("broker.workers", b.Workers)
	v.SetDefault("broker.process_timeout", b.ProcessTimeout)
	v.SetDefault("broker.shutdown_timeout", b.ShutdownTimeout)
	v.SetDefault("broker.connection_name", b.ConnectionName)

	v.SetDefault("mail.driver", "smtp")
	v.SetDefault("mail.server", "localhost")
	v.SetDefault("mail.port", 587)
	v.SetDefault("mail.username", "")
	v.SetDefault("mail.password", "")
	v.SetDefault("mail.from", "noreply@example.com")
	v.SetDefault("mail.from_name", "")
	v.SetDefault("mail.timeout", 30*time.Second)
	v.SetDefault("mail.starttls", true)
	v.SetDefault("mail.ssl_tls", false)
	v.SetDefault("mail.use_credentials", true)
	v.SetDefault("mail.validate_certs", true)
	v.SetDefault("mail.dkim.selector", "")
	v.SetDefault("mail.dkim.domain", "")
	v.SetDefault("mail.dkim.key_path", "")
	v.SetDefault("mail.dkim.private_key", "")

	v.SetDefault("templates.dir", "")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.output", "stdout")
	v.SetDefault("logging.file_path", "logs/email-service.log")
	v.SetDefault("logging.max_size_mb", 100)
	v.SetDefault("logging.max_files", 5)
	v.SetDefault("logging.max_age_days", 30)

	v.SetDefault("dedup.enabled", false)
	v.SetDefault("dedup.redis_addr", "localhost:6379")
	v.SetDefault("dedup.redis_password", "")
	v.SetDefault("dedup.redis_db", 0)
	v.SetDefault("dedup.ttl", 24*time.Hour)
	v.SetDefault("dedup.key_prefix", "email:sent:")
}

// Validate checks cross-field constraints.
func (c *Config) Validate() error {
	if c.API.Port <= 0 || c.API.Port > 65535 {
		return fmt.Errorf("invalid api port: %d", c.API.Port)
	}
	if c.API.Prefix != "" && !strings.HasPrefix(c.API.Prefix, "/") {
		return fmt.Errorf("api prefix must start with '/': %q", c.API.Prefix)
	}
	if err := c.Broker.Validate(); err != nil {
		return err
	}
	if err := c.Mail.Validate(); err != nil {
		return err
	}
	if c.Dedup.Enabled && c.Dedup.RedisAddr == "" {
		return fmt.Errorf("dedup redis address is required when dedup is enabled")
	}
	return nil
}

// Addr returns the HTTP listen address.
func (c APIConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

var durationType = reflect.TypeOf(time.Duration(0))

// secondsToDurationHook accepts bare numbers for duration fields and
// interprets them as seconds, matching the legacy integer settings.
func secondsToDurationHook() mapstructure.DecodeHookFuncType {
	return func(from reflect.Type, to reflect.Type, data any) (any, error) {
		if to != durationType || from == durationType {
			return data, nil
		}
		switch from.Kind() {
		case reflect.String:
			s := strings.TrimSpace(data.(string))
			if secs, err := strconv.ParseFloat(s, 64); err == nil {
				return time.Duration(secs * float64(time.Second)), nil
			}
		case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
			return time.Duration(reflect.ValueOf(data).Int()) * time.Second, nil
		case reflect.Float32, reflect.Float64:
			return time.Duration(reflect.ValueOf(data).Float() * float64(time.Second)), nil
		}
		return data, nil
	}
}

func isNotExist(err error) bool {
	return errors.Is(err, fs.ErrNotExist)
}
