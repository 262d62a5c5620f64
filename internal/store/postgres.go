package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"aquarium/internal/device"

	_ "github.com/lib/pq"
	"go.uber.org/zap"
)

const schema = `
CREATE TABLE IF NOT EXISTS device_state (
	device_id     TEXT PRIMARY KEY,
	auto_mode     SMALLINT NOT NULL DEFAULT 0,
	pump          SMALLINT NOT NULL DEFAULT 0,
	light         SMALLINT NOT NULL DEFAULT 0,
	temperature   DOUBLE PRECISION NOT NULL DEFAULT 0,
	water_level   DOUBLE PRECISION NOT NULL DEFAULT 0,
	raw_distance  DOUBLE PRECISION NOT NULL DEFAULT 0,
	wifi_ssid     TEXT NOT NULL DEFAULT '',
	ip            TEXT NOT NULL DEFAULT '',
	rssi          DOUBLE PRECISION NOT NULL DEFAULT 0,
	threshold     DOUBLE PRECISION NOT NULL DEFAULT 100,
	light_on      TEXT NOT NULL DEFAULT '18:00',
	light_off     TEXT NOT NULL DEFAULT '06:00',
	last_updated  TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE TABLE IF NOT EXISTS device_log (
	id        BIGSERIAL PRIMARY KEY,
	ts        TIMESTAMPTZ NOT NULL,
	source    TEXT NOT NULL,
	action    TEXT NOT NULL,
	key       TEXT NOT NULL,
	value     TEXT NOT NULL,
	message   TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS device_log_ts_idx ON device_log (ts);
CREATE TABLE IF NOT EXISTS users (
	username       TEXT PRIMARY KEY,
	password_hash  BYTEA NOT NULL,
	role           TEXT NOT NULL
);`

// PostgresConfig holds connection settings.
type PostgresConfig struct {
	DSN             string        `yaml:"dsn"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

// Postgres is the SQL backend.
type Postgres struct {
	db     *sql.DB
	logger *zap.Logger
}

// OpenPostgres connects with lib/pq and verifies the connection.
func OpenPostgres(ctx context.Context, cfg PostgresConfig, logger *zap.Logger) (*Postgres, error) {
	db, err := sql.Open("postgres", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open postgres: %w", err)
	}
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping postgres: %w", err)
	}

	return NewPostgres(db, logger), nil
}

// NewPostgres wraps an existing handle.
func NewPostgres(db *sql.DB, logger *zap.Logger) *Postgres {
	return &Postgres{db: db, logger: logger.Named("store")}
}

// Migrate creates the tables when missing.
func (p *Postgres) Migrate(ctx context.Context) error {
	if _, err := p.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to migrate schema: %w", err)
	}
	p.logger.Info("Postgres schema ready")
	return nil
}

func (p *Postgres) LoadState(ctx context.Context, deviceID string) (device.State, error) {
	var s device.State
	err := p.db.QueryRowContext(ctx, `
		SELECT device_id, auto_mode, pump, light, temperature, water_level, raw_distance,
		       wifi_ssid, ip, rssi, threshold, light_on, light_off, last_updated
		FROM device_state WHERE device_id = $1`, deviceID).Scan(
		&s.DeviceID, &s.AutoMode, &s.Pump, &s.Light,
		&s.Temperature, &s.WaterLevel, &s.RawDistance,
		&s.WifiSSID, &s.IP, &s.RSSI,
		&s.Threshold, &s.LightSchedule.On, &s.LightSchedule.Off, &s.LastUpdated,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return device.State{}, ErrNotFound
	}
	if err != nil {
		return device.State{}, fmt.Errorf("failed to load state: %w", err)
	}
	return s, nil
}

func (p *Postgres) SaveState(ctx context.Context, s device.State) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO device_state (device_id, auto_mode, pump, light, temperature, water_level, raw_distance,
		                          wifi_ssid, ip, rssi, threshold, light_on, light_off, last_updated)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		ON CONFLICT (device_id) DO UPDATE SET
			auto_mode = EXCLUDED.auto_mode, pump = EXCLUDED.pump, light = EXCLUDED.light,
			temperature = EXCLUDED.temperature, water_level = EXCLUDED.water_level,
			raw_distance = EXCLUDED.raw_distance, wifi_ssid = EXCLUDED.wifi_ssid,
			ip = EXCLUDED.ip, rssi = EXCLUDED.rssi, threshold = EXCLUDED.threshold,
			light_on = EXCLUDED.light_on, light_off = EXCLUDED.light_off,
			last_updated = EXCLUDED.last_updated`,
		s.DeviceID, s.AutoMode, s.Pump, s.Light,
		s.Temperature, s.WaterLevel, s.RawDistance,
		s.WifiSSID, s.IP, s.RSSI,
		s.Threshold, s.LightSchedule.On, s.LightSchedule.Off, s.LastUpdated,
	)
	if err != nil {
		return fmt.Errorf("failed to save state: %w", err)
	}
	return nil
}

func (p *Postgres) AppendLog(ctx context.Context, rec device.LogRecord) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO device_log (ts, source, action, key, value, message)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		rec.Timestamp, rec.Source, rec.Action, rec.Key, rec.Value, rec.Message,
	)
	if err != nil {
		return fmt.Errorf("failed to append log: %w", err)
	}
	return nil
}

func (p *Postgres) RecentLogs(ctx context.Context, limit int) ([]device.LogRecord, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, ts, source, action, key, value, message
		FROM device_log ORDER BY ts DESC, id DESC LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query logs: %w", err)
	}
	defer rows.Close()

	out := make([]device.LogRecord, 0, limit)
	for rows.Next() {
		var rec device.LogRecord
		if err := rows.Scan(&rec.ID, &rec.Timestamp, &rec.Source, &rec.Action, &rec.Key, &rec.Value, &rec.Message); err != nil {
			return nil, fmt.Errorf("failed to scan log: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (p *Postgres) DeleteLogsBefore(ctx context.Context, cutoff time.Time) (int, error) {
	res, err := p.db.ExecContext(ctx, `DELETE FROM device_log WHERE ts < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to delete logs: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(n), nil
}

func (p *Postgres) GetUser(ctx context.Context, username string) (User, error) {
	var u User
	err := p.db.QueryRowContext(ctx,
		`SELECT username, password_hash, role FROM users WHERE username = $1`, username,
	).Scan(&u.Username, &u.PasswordHash, &u.Role)
	if errors.Is(err, sql.ErrNoRows) {
		return User{}, ErrNotFound
	}
	if err != nil {
		return User{}, fmt.Errorf("failed to load user: %w", err)
	}
	return u, nil
}

func (p *Postgres) CreateUser(ctx context.Context, u User) error {
	res, err := p.db.ExecContext(ctx, `
		INSERT INTO users (username, password_hash, role) VALUES ($1, $2, $3)
		ON CONFLICT (username) DO NOTHING`,
		u.Username, u.PasswordHash, u.Role,
	)
	if err != nil {
		return fmt.Errorf("failed to create user: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrExists
	}
	return nil
}

func (p *Postgres) UpsertUser(ctx context.Context, u User) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO users (username, password_hash, role) VALUES ($1, $2, $3)
		ON CONFLICT (username) DO UPDATE SET password_hash = EXCLUDED.password_hash, role = EXCLUDED.role`,
		u.Username, u.PasswordHash, u.Role,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert user: %w", err)
	}
	return nil
}

func (p *Postgres) Close() error {
	return p.db.Close()
}
