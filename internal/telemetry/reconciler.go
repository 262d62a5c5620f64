// Package telemetry folds sensor and status reports from the board into the
// device record.
package telemetry

import (
	"context"
	"fmt"
	"math"
	"sync"

	"aquarium/internal/clock"
	"aquarium/internal/device"
	"aquarium/internal/dispatch"
	"aquarium/internal/metrics"

	"go.uber.org/zap"
)

// EchoMode controls what happens to actuator levels reported by the board.
type EchoMode string

const (
	// EchoIgnore treats telemetry as sensor-only.
	EchoIgnore EchoMode = "ignore"
	// EchoDebounced routes reported levels through the dispatcher.
	EchoDebounced EchoMode = "debounced"
)

// Valid reports whether m is a known mode.
func (m EchoMode) Valid() bool {
	return m == EchoIgnore || m == EchoDebounced
}

// Tolerances are the minimum changes that cause a write.
type Tolerances struct {
	Temperature float64 `yaml:"temperature"`
	Distance    float64 `yaml:"distance"`
	Level       float64 `yaml:"level"`
}

// DefaultTolerances returns 0.5 degrees, 2mm and 2mm.
func DefaultTolerances() Tolerances {
	return Tolerances{Temperature: 0.5, Distance: 2, Level: 2}
}

// Options tunes a Reconciler.
type Options struct {
	// TankHeight is the sensor-to-bottom distance in mm.
	TankHeight float64
	Tolerances Tolerances
	EchoMode   EchoMode
	Wiring     device.Wiring
}

// Dispatcher is the subset of the dispatcher the reconciler writes through.
type Dispatcher interface {
	State() device.State
	Record(ctx context.Context, patch device.Patch) ([]string, error)
	Apply(ctx context.Context, key device.Key, value int, source device.Source) (dispatch.Result, error)
}

// HistorySink receives every parsed reading.
type HistorySink interface {
	Observe(r Reading)
}

type seenFields struct {
	temperature bool
	distance    bool
	level       bool
}

// Reconciler turns reports into device-record patches.
type Reconciler struct {
	// mu serializes Ingest so tolerance checks see the previous write.
	mu sync.Mutex
	// seen marks sensor fields reported since boot. The first report of a
	// field is stored regardless of tolerance.
	seen seenFields

	dispatcher Dispatcher
	history    HistorySink
	opts       Options
	clock      clock.Clock
	metrics    *metrics.Metrics
	logger     *zap.Logger
}

// NewReconciler creates a Reconciler. history may be nil.
func NewReconciler(d Dispatcher, history HistorySink, opts Options, clk clock.Clock, m *metrics.Metrics, logger *zap.Logger) *Reconciler {
	if opts.EchoMode == "" {
		opts.EchoMode = EchoIgnore
	}
	if opts.Wiring.ActiveLow == nil {
		opts.Wiring = device.DefaultWiring()
	}
	return &Reconciler{
		dispatcher: d,
		history:    history,
		opts:       opts,
		clock:      clk,
		metrics:    m,
		logger:     logger.Named("telemetry"),
	}
}

// Ingest parses payload and applies whatever changed beyond tolerance.
// Malformed payloads are counted and returned as an error; nothing is
// applied from them.
func (r *Reconciler) Ingest(ctx context.Context, payload []byte) error {
	reading, err := Parse(payload)
	if err != nil {
		r.metrics.Telemetry("malformed")
		return err
	}
	if reading.Empty() {
		r.metrics.Telemetry("empty")
		r.logger.Debug("Report carried no recognized fields")
		return nil
	}
	reading.Time = r.clock.Now()

	if r.history != nil {
		r.history.Observe(reading)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	current := r.dispatcher.State()
	patch := r.patch(current, reading)

	changed, err := r.dispatcher.Record(ctx, patch)
	if err != nil {
		r.metrics.Telemetry("failed")
		return fmt.Errorf("record telemetry: %w", err)
	}
	r.markSeen(patch)

	if r.opts.EchoMode == EchoDebounced {
		r.applyEchoes(ctx, reading)
	}

	if len(changed) == 0 {
		r.metrics.Telemetry("unchanged")
	} else {
		r.metrics.Telemetry("applied")
		r.logger.Debug("Telemetry applied", zap.Strings("fields", changed))
	}
	r.metrics.ObserveState(r.dispatcher.State())
	return nil
}

// patch builds the sensor and network changes that exceed tolerance.
func (r *Reconciler) patch(current device.State, reading Reading) device.Patch {
	var p device.Patch
	tol := r.opts.Tolerances

	if t := reading.Temperature; t != nil && (!r.seen.temperature || exceeds(*t, current.Temperature, tol.Temperature)) {
		p.Temperature = device.Float(*t)
	}
	if d := reading.RawDistance; d != nil && (!r.seen.distance || exceeds(*d, current.RawDistance, tol.Distance)) {
		p.RawDistance = device.Float(*d)
	}

	var level *float64
	switch {
	case reading.WaterLevel != nil:
		level = device.Float(r.clampLevel(*reading.WaterLevel))
	case reading.RawDistance != nil:
		level = device.Float(r.clampLevel(r.opts.TankHeight - *reading.RawDistance))
	}
	if level != nil && (!r.seen.level || exceeds(*level, current.WaterLevel, tol.Level)) {
		p.WaterLevel = level
	}

	if s := reading.WifiSSID; s != nil && *s != current.WifiSSID {
		p.WifiSSID = s
	}
	if ip := reading.IP; ip != nil && *ip != current.IP {
		p.IP = ip
	}
	if rssi := reading.RSSI; rssi != nil && *rssi != current.RSSI {
		p.RSSI = rssi
	}
	return p
}

func (r *Reconciler) markSeen(p device.Patch) {
	if p.Temperature != nil {
		r.seen.temperature = true
	}
	if p.RawDistance != nil {
		r.seen.distance = true
	}
	if p.WaterLevel != nil {
		r.seen.level = true
	}
}

func (r *Reconciler) applyEchoes(ctx context.Context, reading Reading) {
	for _, key := range device.ControlKeys {
		level, ok := reading.Level(key)
		if !ok {
			continue
		}
		value := r.opts.Wiring.ToLogical(key, level)
		res, err := r.dispatcher.Apply(ctx, key, value, device.SourceTelemetryEcho)
		if err != nil {
			r.logger.Warn("Failed to apply reported level",
				zap.String("key", string(key)),
				zap.Int("value", value),
				zap.Error(err))
			continue
		}
		if res.Applied {
			r.logger.Info("Adopted level reported by board",
				zap.String("key", string(key)),
				zap.Int("value", value))
		}
	}
}

func (r *Reconciler) clampLevel(v float64) float64 {
	return math.Max(0, math.Min(v, r.opts.TankHeight))
}

func exceeds(next, current, tolerance float64) bool {
	return math.Abs(next-current) > tolerance
}
