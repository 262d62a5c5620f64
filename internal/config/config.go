package config

import (
	"errors"
	"fmt"
	"time"

	"aquarium/internal/autoloop"
	"aquarium/internal/device"
	"aquarium/internal/history"
	"aquarium/internal/mqtt"
	"aquarium/internal/outbox"
	"aquarium/internal/retention"
	"aquarium/internal/safety"
	"aquarium/internal/store"
	"aquarium/internal/telemetry"
)

// Config is the complete controller configuration.
type Config struct {
	Device    DeviceConfig    `yaml:"device"`
	MQTT      mqtt.Config     `yaml:"mqtt"`
	Control   ControlConfig   `yaml:"control"`
	Wiring    WiringConfig    `yaml:"wiring"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
	Storage   StorageConfig   `yaml:"storage"`
	Sessions  SessionsConfig  `yaml:"sessions"`
	Auth      AuthConfig      `yaml:"auth"`
	HTTP      HTTPConfig      `yaml:"http"`
	History   history.Config  `yaml:"history"`
	Retention RetentionConfig `yaml:"retention"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// DeviceConfig describes the tank.
type DeviceConfig struct {
	ID string `yaml:"id"`
	// TankHeight is the distance from the level sensor to the tank floor, in mm.
	TankHeight float64 `yaml:"tank_height"`
	Timezone   string  `yaml:"timezone"`
}

// ControlConfig tunes the dispatcher safety rules and the auto loop.
type ControlConfig struct {
	Period         time.Duration `yaml:"period"`
	Margin         float64       `yaml:"margin"`
	Debounce       time.Duration `yaml:"debounce"`
	Cooldown       time.Duration `yaml:"cooldown"`
	OutboxCapacity int           `yaml:"outbox_capacity"`
}

// WiringConfig records relay polarity.
type WiringConfig struct {
	PumpActiveLow  bool `yaml:"pump_active_low"`
	LightActiveLow bool `yaml:"light_active_low"`
}

// TelemetryConfig tunes the reconciler.
type TelemetryConfig struct {
	EchoMode   telemetry.EchoMode   `yaml:"echo_mode"`
	Tolerances telemetry.Tolerances `yaml:"tolerances"`
}

// StorageConfig selects the persistence backend.
type StorageConfig struct {
	Driver   string               `yaml:"driver"` // bolt, postgres or memory
	BoltPath string               `yaml:"bolt_path"`
	Postgres store.PostgresConfig `yaml:"postgres"`
}

// SessionsConfig selects where login sessions live.
type SessionsConfig struct {
	Driver string        `yaml:"driver"` // memory or redis
	TTL    time.Duration `yaml:"ttl"`
	Redis  RedisConfig   `yaml:"redis"`
}

// RedisConfig holds Redis connection settings.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Prefix   string `yaml:"prefix"`
}

// AuthConfig holds the bootstrap admin account.
type AuthConfig struct {
	AdminUser     string `yaml:"admin_user"`
	AdminPassword string `yaml:"admin_password"`
	BcryptCost    int    `yaml:"bcrypt_cost"`
}

// HTTPConfig configures the API server.
type HTTPConfig struct {
	Port int `yaml:"port"`
}

// RetentionConfig configures log pruning.
type RetentionConfig struct {
	MaxAge   time.Duration `yaml:"max_age"`
	Schedule string        `yaml:"schedule"`
}

// LoggingConfig configures the process logger.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Default returns a configuration that runs against a local broker with an
// embedded store.
func Default() Config {
	return Config{
		Device: DeviceConfig{
			ID:         device.DefaultDeviceID,
			TankHeight: 300,
			Timezone:   "Asia/Ho_Chi_Minh",
		},
		MQTT: mqtt.DefaultConfig(),
		Control: ControlConfig{
			Period:         autoloop.DefaultPeriod,
			Margin:         autoloop.DefaultMargin,
			Debounce:       safety.DefaultDebounce,
			Cooldown:       safety.DefaultCooldown,
			OutboxCapacity: outbox.DefaultCapacity,
		},
		Wiring: WiringConfig{PumpActiveLow: true},
		Telemetry: TelemetryConfig{
			EchoMode:   telemetry.EchoIgnore,
			Tolerances: telemetry.DefaultTolerances(),
		},
		Storage: StorageConfig{
			Driver:   "bolt",
			BoltPath: "aquarium.db",
			Postgres: store.PostgresConfig{MaxOpenConns: 10, MaxIdleConns: 2, ConnMaxLifetime: 30 * time.Minute},
		},
		Sessions: SessionsConfig{
			Driver: "memory",
			TTL:    24 * time.Hour,
			Redis:  RedisConfig{Addr: "localhost:6379", Prefix: "aquarium:session:"},
		},
		Auth: AuthConfig{AdminUser: "admin"},
		HTTP: HTTPConfig{Port: 3000},
		History: history.DefaultConfig(),
		Retention: RetentionConfig{
			MaxAge:   retention.DefaultMaxAge,
			Schedule: "@daily",
		},
		Logging: LoggingConfig{Level: "info", Format: "json"},
	}
}

// DeviceWiring converts the polarity settings.
func (c *Config) DeviceWiring() device.Wiring {
	return device.Wiring{ActiveLow: map[device.Key]bool{
		device.KeyPump:  c.Wiring.PumpActiveLow,
		device.KeyLight: c.Wiring.LightActiveLow,
	}}
}

// Location loads the configured timezone.
func (c *Config) Location() (*time.Location, error) {
	loc, err := time.LoadLocation(c.Device.Timezone)
	if err != nil {
		return nil, fmt.Errorf("load timezone %q: %w", c.Device.Timezone, err)
	}
	return loc, nil
}

// Validate reports every invalid setting.
func (c *Config) Validate() error {
	var errs []error
	add := func(format string, args ...interface{}) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	if c.Device.ID == "" {
		add("device.id is required")
	}
	if c.Device.TankHeight <= 0 {
		add("device.tank_height must be positive")
	}
	if _, err := c.Location(); err != nil {
		add("device.timezone: %v", err)
	}

	if c.MQTT.Broker == "" {
		add("mqtt.broker is required")
	}
	if c.MQTT.QoS > 2 {
		add("mqtt.qos must be 0, 1 or 2")
	}
	if c.MQTT.ConnectTimeout <= 0 || c.MQTT.PublishTimeout <= 0 {
		add("mqtt timeouts must be positive")
	}

	if c.Control.Period < autoloop.MinPeriod || c.Control.Period > autoloop.MaxPeriod {
		add("control.period must be between %s and %s", autoloop.MinPeriod, autoloop.MaxPeriod)
	}
	if c.Control.Margin <= 0 {
		add("control.margin must be positive")
	}
	if c.Control.Debounce <= 0 || c.Control.Cooldown <= 0 {
		add("control.debounce and control.cooldown must be positive")
	}

	if !c.Telemetry.EchoMode.Valid() {
		add("telemetry.echo_mode must be %q or %q", telemetry.EchoIgnore, telemetry.EchoDebounced)
	}

	switch c.Storage.Driver {
	case "bolt":
		if c.Storage.BoltPath == "" {
			add("storage.bolt_path is required for the bolt driver")
		}
	case "postgres":
		if c.Storage.Postgres.DSN == "" {
			add("storage.postgres.dsn is required for the postgres driver")
		}
	case "memory":
	default:
		add("storage.driver must be bolt, postgres or memory")
	}

	switch c.Sessions.Driver {
	case "memory":
	case "redis":
		if c.Sessions.Redis.Addr == "" {
			add("sessions.redis.addr is required for the redis driver")
		}
	default:
		add("sessions.driver must be memory or redis")
	}

	if c.Auth.AdminUser == "" {
		add("auth.admin_user is required")
	}
	if c.HTTP.Port <= 0 || c.HTTP.Port > 65535 {
		add("http.port must be between 1 and 65535")
	}
	if c.History.Enabled && (c.History.URL == "" || c.History.Org == "" || c.History.Bucket == "") {
		add("history.url, history.org and history.bucket are required when history is enabled")
	}
	if c.Retention.Schedule != "" && c.Retention.MaxAge <= 0 {
		add("retention.max_age must be positive")
	}

	return errors.Join(errs...)
}
