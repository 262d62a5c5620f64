package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"

	"aquarium/internal/telemetry"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// Loader reads the configuration file and applies environment overrides
type Loader struct {
	path      string
	logger    *zap.Logger
	lookupEnv func(string) (string, bool)
	config    *Config
}

// NewLoader creates a new configuration loader. An empty path skips the
// file and uses defaults plus environment.
func NewLoader(path string, logger *zap.Logger) *Loader {
	return &Loader{
		path:      path,
		logger:    logger,
		lookupEnv: os.LookupEnv,
	}
}

// Load builds the configuration: defaults, then the YAML file, then
// AQUARIUM_* environment variables. The result is validated.
func (l *Loader) Load() (*Config, error) {
	cfg := Default()

	if l.path != "" {
		l.logger.Info("Loading configuration file", zap.String("path", l.path))
		data, err := os.ReadFile(l.path)
		switch {
		case errors.Is(err, fs.ErrNotExist):
			l.logger.Warn("Configuration file not found, using defaults", zap.String("path", l.path))
		case err != nil:
			return nil, fmt.Errorf("failed to read config: %w", err)
		default:
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return nil, fmt.Errorf("failed to parse config: %w", err)
			}
		}
	}

	if err := l.applyEnv(&cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	l.config = &cfg
	l.logger.Info("Configuration loaded",
		zap.String("storage", cfg.Storage.Driver),
		zap.String("sessions", cfg.Sessions.Driver),
		zap.String("broker", cfg.MQTT.Broker),
		zap.Bool("history", cfg.History.Enabled))
	return &cfg, nil
}

// Get returns the last loaded configuration
func (l *Loader) Get() *Config {
	return l.config
}

func (l *Loader) applyEnv(cfg *Config) error {
	strs := map[string]*string{
		"AQUARIUM_DEVICE_ID":          &cfg.Device.ID,
		"AQUARIUM_TIMEZONE":           &cfg.Device.Timezone,
		"AQUARIUM_MQTT_BROKER":        &cfg.MQTT.Broker,
		"AQUARIUM_MQTT_CLIENT_ID":     &cfg.MQTT.ClientID,
		"AQUARIUM_MQTT_USERNAME":      &cfg.MQTT.Username,
		"AQUARIUM_MQTT_PASSWORD":      &cfg.MQTT.Password,
		"AQUARIUM_STORAGE_DRIVER":     &cfg.Storage.Driver,
		"AQUARIUM_BOLT_PATH":          &cfg.Storage.BoltPath,
		"AQUARIUM_POSTGRES_DSN":       &cfg.Storage.Postgres.DSN,
		"AQUARIUM_SESSIONS_DRIVER":    &cfg.Sessions.Driver,
		"AQUARIUM_REDIS_ADDR":         &cfg.Sessions.Redis.Addr,
		"AQUARIUM_REDIS_PASSWORD":     &cfg.Sessions.Redis.Password,
		"AQUARIUM_ADMIN_USER":         &cfg.Auth.AdminUser,
		"AQUARIUM_ADMIN_PASSWORD":     &cfg.Auth.AdminPassword,
		"AQUARIUM_INFLUX_URL":         &cfg.History.URL,
		"AQUARIUM_INFLUX_TOKEN":       &cfg.History.Token,
		"AQUARIUM_INFLUX_ORG":         &cfg.History.Org,
		"AQUARIUM_INFLUX_BUCKET":      &cfg.History.Bucket,
		"AQUARIUM_LOG_LEVEL":          &cfg.Logging.Level,
		"AQUARIUM_LOG_FORMAT":         &cfg.Logging.Format,
		"AQUARIUM_RETENTION_SCHEDULE": &cfg.Retention.Schedule,
	}
	for name, dst := range strs {
		if v, ok := l.lookupEnv(name); ok {
			*dst = v
		}
	}

	if v, ok := l.lookupEnv("AQUARIUM_ECHO_MODE"); ok {
		cfg.Telemetry.EchoMode = telemetry.EchoMode(v)
	}
	if v, ok := l.lookupEnv("AQUARIUM_HISTORY_ENABLED"); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("AQUARIUM_HISTORY_ENABLED: %w", err)
		}
		cfg.History.Enabled = b
	}
	if v, ok := l.lookupEnv("AQUARIUM_TANK_HEIGHT"); ok {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("AQUARIUM_TANK_HEIGHT: %w", err)
		}
		cfg.Device.TankHeight = f
	}

	// PORT is honoured for hosting platforms that inject it.
	for _, name := range []string{"PORT", "AQUARIUM_HTTP_PORT"} {
		if v, ok := l.lookupEnv(name); ok {
			port, err := strconv.Atoi(v)
			if err != nil {
				return fmt.Errorf("%s: %w", name, err)
			}
			cfg.HTTP.Port = port
		}
	}
	return nil
}
