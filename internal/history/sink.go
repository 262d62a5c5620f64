// Package history mirrors every telemetry reading into InfluxDB.
package history

import (
	"context"
	"errors"
	"fmt"
	"time"

	"aquarium/internal/metrics"
	"aquarium/internal/telemetry"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api/write"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"
)

// Config holds the InfluxDB target and fault-isolation settings.
type Config struct {
	Enabled         bool          `yaml:"enabled"`
	URL             string        `yaml:"url"`
	Token           string        `yaml:"token"`
	Org             string        `yaml:"org"`
	Bucket          string        `yaml:"bucket"`
	Measurement     string        `yaml:"measurement"`
	QueueSize       int           `yaml:"queue_size"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	BreakerFailures uint32        `yaml:"breaker_failures"`
	BreakerOpen     time.Duration `yaml:"breaker_open"`
}

// DefaultConfig returns a disabled sink with sane limits.
func DefaultConfig() Config {
	return Config{
		Measurement:     "aquarium",
		QueueSize:       256,
		WriteTimeout:    5 * time.Second,
		BreakerFailures: 5,
		BreakerOpen:     30 * time.Second,
	}
}

// PointWriter is satisfied by influxdb2 api.WriteAPIBlocking.
type PointWriter interface {
	WritePoint(ctx context.Context, point ...*write.Point) error
}

// Sink queues readings and writes them on its own goroutine, so a slow or
// absent database never delays telemetry handling.
type Sink struct {
	writer   PointWriter
	breaker  *gobreaker.CircuitBreaker
	queue    chan telemetry.Reading
	cfg      Config
	deviceID string
	metrics  *metrics.Metrics
	logger   *zap.Logger
	closeFn  func()
}

// New creates a sink around writer.
func New(writer PointWriter, cfg Config, deviceID string, m *metrics.Metrics, logger *zap.Logger) *Sink {
	def := DefaultConfig()
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = def.QueueSize
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = def.WriteTimeout
	}
	if cfg.BreakerFailures == 0 {
		cfg.BreakerFailures = def.BreakerFailures
	}
	if cfg.BreakerOpen <= 0 {
		cfg.BreakerOpen = def.BreakerOpen
	}
	if cfg.Measurement == "" {
		cfg.Measurement = def.Measurement
	}

	s := &Sink{
		writer:   writer,
		queue:    make(chan telemetry.Reading, cfg.QueueSize),
		cfg:      cfg,
		deviceID: deviceID,
		metrics:  m,
		logger:   logger.Named("history"),
	}
	failures := cfg.BreakerFailures
	s.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "influxdb",
		Timeout: cfg.BreakerOpen,
		ReadyToTrip: func(c gobreaker.Counts) bool {
			return c.ConsecutiveFailures >= failures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			s.logger.Warn("History breaker changed state",
				zap.String("from", from.String()),
				zap.String("to", to.String()))
		},
	})
	return s
}

// Open connects to InfluxDB and returns a sink writing to cfg.Bucket.
func Open(cfg Config, deviceID string, m *metrics.Metrics, logger *zap.Logger) (*Sink, error) {
	if cfg.URL == "" || cfg.Org == "" || cfg.Bucket == "" {
		return nil, errors.New("history: url, org and bucket are required")
	}
	client := influxdb2.NewClient(cfg.URL, cfg.Token)
	s := New(client.WriteAPIBlocking(cfg.Org, cfg.Bucket), cfg, deviceID, m, logger)
	s.closeFn = client.Close
	return s, nil
}

// Observe enqueues a reading. When the queue is full the reading is dropped.
func (s *Sink) Observe(r telemetry.Reading) {
	select {
	case s.queue <- r:
	default:
		s.metrics.HistoryWrite("dropped")
		s.logger.Debug("History queue full, dropping reading")
	}
}

// Run writes queued readings until ctx is cancelled.
func (s *Sink) Run(ctx context.Context) {
	s.logger.Info("History writer started", zap.String("measurement", s.cfg.Measurement))
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("History writer stopped", zap.Int("pending", len(s.queue)))
			return
		case r := <-s.queue:
			if err := s.write(ctx, r); err != nil {
				s.logger.Debug("Failed to write reading", zap.Error(err))
			}
		}
	}
}

// Close releases the InfluxDB client, if the sink owns one.
func (s *Sink) Close() {
	if s.closeFn != nil {
		s.closeFn()
	}
}

func (s *Sink) write(ctx context.Context, r telemetry.Reading) error {
	point, ok := s.point(r)
	if !ok {
		return nil
	}

	_, err := s.breaker.Execute(func() (interface{}, error) {
		wctx, cancel := context.WithTimeout(ctx, s.cfg.WriteTimeout)
		defer cancel()
		return nil, s.writer.WritePoint(wctx, point)
	})
	switch {
	case err == nil:
		s.metrics.HistoryWrite("ok")
		return nil
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		s.metrics.HistoryWrite("rejected")
		return err
	default:
		s.metrics.HistoryWrite("error")
		return fmt.Errorf("write point: %w", err)
	}
}

// point converts a reading to a line-protocol point. Readings without any
// field produce no point.
func (s *Sink) point(r telemetry.Reading) (*write.Point, bool) {
	fields := make(map[string]interface{})
	if r.Temperature != nil {
		fields["temperature"] = *r.Temperature
	}
	if r.RawDistance != nil {
		fields["raw_distance"] = *r.RawDistance
	}
	if r.WaterLevel != nil {
		fields["water_level"] = *r.WaterLevel
	}
	if r.Pump != nil {
		fields["pump_level"] = *r.Pump
	}
	if r.Light != nil {
		fields["light_level"] = *r.Light
	}
	if r.AutoMode != nil {
		fields["auto_mode"] = *r.AutoMode
	}
	if r.RSSI != nil {
		fields["rssi"] = *r.RSSI
	}
	if len(fields) == 0 {
		return nil, false
	}

	t := r.Time
	if t.IsZero() {
		t = time.Now()
	}
	tags := map[string]string{"device_id": s.deviceID}
	return influxdb2.NewPoint(s.cfg.Measurement, tags, fields, t), true
}
