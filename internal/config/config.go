package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Port           string        `mapstructure:"PORT"`
	Env            string        `mapstructure:"ENV"`
	DatabaseURL    string        `mapstructure:"DATABASE_URL"`
	DBMaxConns     int32         `mapstructure:"DB_MAX_CONNS"`
	DBMinConns     int32         `mapstructure:"DB_MIN_CONNS"`
	RedisURL       string        `mapstructure:"REDIS_URL"`
	AuthSigningKey string        `mapstructure:"AUTH_SIGNING_KEY"`
	AuthIssuer     string        `mapstructure:"AUTH_ISSUER"`
	AuthAudience   string        `mapstructure:"AUTH_AUDIENCE"`
	CORSOrigins    []string      `mapstructure:"CORS_ORIGINS"`
	RateLimitRPS   float64       `mapstructure:"RATE_LIMIT_RPS"`
	RateLimitBurst int           `mapstructure:"RATE_LIMIT_BURST"`
	RequestTimeout time.Duration `mapstructure:"REQUEST_TIMEOUT"`
	MigrationsDir  string        `mapstructure:"MIGRATIONS_DIR"`

	ClinicTimezone string `mapstructure:"CLINIC_TIMEZONE"`
	SlotMinutes    int    `mapstructure:"SLOT_MINUTES"`

	ReminderEnabled         bool          `mapstructure:"REMINDER_ENABLED"`
	ReminderInterval        time.Duration `mapstructure:"REMINDER_INTERVAL"`
	ReminderBatchSize       int           `mapstructure:"REMINDER_BATCH_SIZE"`
	ReminderDispatchTimeout time.Duration `mapstructure:"REMINDER_DISPATCH_TIMEOUT"`

	NotifyTransport     string   `mapstructure:"NOTIFY_TRANSPORT"`
	NotifyWebhookURL    string   `mapstructure:"NOTIFY_WEBHOOK_URL"`
	NotifyWebhookRPS    float64  `mapstructure:"NOTIFY_WEBHOOK_RPS"`
	NotifyWebhookSecret string   `mapstructure:"NOTIFY_WEBHOOK_SECRET"`
	KafkaBrokers        []string `mapstructure:"KAFKA_BROKERS"`
	KafkaTopic          string   `mapstructure:"KAFKA_TOPIC"`

	TracingEnabled  bool    `mapstructure:"TRACING_ENABLED"`
	OTLPEndpoint    string  `mapstructure:"OTLP_ENDPOINT"`
	TraceSampleRate float64 `mapstructure:"TRACE_SAMPLE_RATE"`
}

var keys = []string{
	"PORT", "ENV", "DATABASE_URL", "DB_MAX_CONNS", "DB_MIN_CONNS", "REDIS_URL",
	"AUTH_SIGNING_KEY", "AUTH_ISSUER", "AUTH_AUDIENCE", "CORS_ORIGINS",
	"RATE_LIMIT_RPS", "RATE_LIMIT_BURST", "REQUEST_TIMEOUT", "MIGRATIONS_DIR",
	"CLINIC_TIMEZONE", "SLOT_MINUTES",
	"REMINDER_ENABLED", "REMINDER_INTERVAL", "REMINDER_BATCH_SIZE", "REMINDER_DISPATCH_TIMEOUT",
	"NOTIFY_TRANSPORT", "NOTIFY_WEBHOOK_URL", "NOTIFY_WEBHOOK_RPS", "NOTIFY_WEBHOOK_SECRET", "KAFKA_BROKERS", "KAFKA_TOPIC",
	"TRACING_ENABLED", "OTLP_ENDPOINT", "TRACE_SAMPLE_RATE",
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.AutomaticEnv()

	v.SetDefault("PORT", "8000")
	v.SetDefault("ENV", "development")
	v.SetDefault("DB_MAX_CONNS", 20)
	v.SetDefault("DB_MIN_CONNS", 2)
	v.SetDefault("AUTH_ISSUER", "careline")
	v.SetDefault("CORS_ORIGINS", "http://localhost:3000")
	v.SetDefault("RATE_LIMIT_RPS", 100)
	v.SetDefault("RATE_LIMIT_BURST", 200)
	v.SetDefault("REQUEST_TIMEOUT", "30s")
	v.SetDefault("MIGRATIONS_DIR", "migrations")
	v.SetDefault("CLINIC_TIMEZONE", "UTC")
	v.SetDefault("SLOT_MINUTES", 30)
	v.SetDefault("REMINDER_ENABLED", true)
	v.SetDefault("REMINDER_INTERVAL", "10m")
	v.SetDefault("REMINDER_BATCH_SIZE", 50)
	v.SetDefault("REMINDER_DISPATCH_TIMEOUT", "10s")
	v.SetDefault("NOTIFY_TRANSPORT", "log")
	v.SetDefault("NOTIFY_WEBHOOK_RPS", 20)
	v.SetDefault("KAFKA_TOPIC", "careline.notifications")
	v.SetDefault("OTLP_ENDPOINT", "localhost:4318")
	v.SetDefault("TRACE_SAMPLE_RATE", 1.0)

	// Bind env vars explicitly so Unmarshal picks them up
	for _, k := range keys {
		_ = v.BindEnv(k)
	}

	// Try reading .env file, but don't fail if missing
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	cfg.CORSOrigins = splitList(cfg.CORSOrigins, v.GetString("CORS_ORIGINS"))
	cfg.KafkaBrokers = splitList(cfg.KafkaBrokers, v.GetString("KAFKA_BROKERS"))

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}

	return cfg, nil
}

// splitList normalizes comma-separated list values. Viper may hand back a
// single unsplit element or elements it already split; every element is
// split again, trimmed and dropped when empty.
func splitList(parsed []string, raw string) []string {
	if len(parsed) == 0 && raw != "" {
		parsed = []string{raw}
	}
	var out []string
	for _, p := range parsed {
		for _, s := range strings.Split(p, ",") {
			if s = strings.TrimSpace(s); s != "" {
				out = append(out, s)
			}
		}
	}
	return out
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// IsProduction returns true when the server is configured for production mode.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// Location resolves CLINIC_TIMEZONE. Slot generation and notification text
// use this zone.
func (c *Config) Location() (*time.Location, error) {
	return time.LoadLocation(c.ClinicTimezone)
}

// Validate checks that the configuration is safe to run.
func (c *Config) Validate() error {
	if !c.IsDev() && c.AuthSigningKey == "" {
		return fmt.Errorf("AUTH_SIGNING_KEY is required when ENV=%q", c.Env)
	}
	if c.AuthSigningKey != "" && len(c.AuthSigningKey) < 32 {
		return fmt.Errorf("AUTH_SIGNING_KEY must be at least 32 bytes, got %d", len(c.AuthSigningKey))
	}
	if _, err := c.Location(); err != nil {
		return fmt.Errorf("CLINIC_TIMEZONE %q: %w", c.ClinicTimezone, err)
	}
	if c.SlotMinutes <= 0 || c.SlotMinutes > 240 {
		return fmt.Errorf("SLOT_MINUTES must be between 1 and 240, got %d", c.SlotMinutes)
	}
	if c.ReminderInterval <= 0 {
		return fmt.Errorf("REMINDER_INTERVAL must be positive, got %s", c.ReminderInterval)
	}
	if c.ReminderBatchSize <= 0 {
		return fmt.Errorf("REMINDER_BATCH_SIZE must be positive, got %d", c.ReminderBatchSize)
	}
	if c.ReminderDispatchTimeout <= 0 {
		return fmt.Errorf("REMINDER_DISPATCH_TIMEOUT must be positive, got %s", c.ReminderDispatchTimeout)
	}

	switch c.NotifyTransport {
	case "log":
	case "webhook":
		if c.NotifyWebhookURL == "" {
			return fmt.Errorf("NOTIFY_WEBHOOK_URL is required when NOTIFY_TRANSPORT is \"webhook\"")
		}
	case "kafka":
		if len(c.KafkaBrokers) == 0 {
			return fmt.Errorf("KAFKA_BROKERS is required when NOTIFY_TRANSPORT is \"kafka\"")
		}
	default:
		return fmt.Errorf("NOTIFY_TRANSPORT must be \"log\", \"webhook\", or \"kafka\", got %q", c.NotifyTransport)
	}

	if c.TraceSampleRate < 0 || c.TraceSampleRate > 1 {
		return fmt.Errorf("TRACE_SAMPLE_RATE must be within [0,1], got %v", c.TraceSampleRate)
	}
	return nil
}
