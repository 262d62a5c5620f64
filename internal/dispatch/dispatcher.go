// Package dispatch is the single mutation boundary for the device record.
// Every writer (HTTP, MQTT telemetry, physical buttons, the auto loop) goes
// through one Dispatcher, which serializes the read-decide-write sequence,
// applies the safety rules and queues the resulting command and log record.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strconv"
	"sync"
	"time"

	"aquarium/internal/clock"
	"aquarium/internal/device"
	"aquarium/internal/metrics"
	"aquarium/internal/outbox"
	"aquarium/internal/safety"
	"aquarium/internal/state"

	"go.uber.org/zap"
)

// Reason explains the outcome of an Apply call.
type Reason string

const (
	ReasonApplied      Reason = "applied"
	ReasonNoop         Reason = "noop"
	ReasonDebounced    Reason = "debounced"
	ReasonLockout      Reason = "lockout"
	ReasonCooldown     Reason = "cooldown"
	ReasonAutoDisabled Reason = "auto-disabled"
	ReasonFailed       Reason = "failed"
)

var (
	// ErrInvalidValue is returned for control values other than 0 and 1.
	ErrInvalidValue = errors.New("control value must be 0 or 1")
	// ErrInvalidSource is returned for unknown sources.
	ErrInvalidSource = errors.New("unknown source")
	// ErrInvalidConfig is returned when a configuration change fails validation.
	ErrInvalidConfig = errors.New("invalid configuration")
)

// Result is the outcome of a control write. A policy rejection is a normal
// result with Applied=false, never an error.
type Result struct {
	Applied  bool         `json:"applied"`
	Reason   Reason       `json:"reason"`
	Cascaded []device.Key `json:"cascaded,omitempty"`
}

// Sink receives the side effects of accepted transitions.
type Sink interface {
	Push(items ...outbox.Item)
}

// Options tunes a Dispatcher.
type Options struct {
	Wiring device.Wiring
	// MaxThreshold bounds the configurable water-level set point.
	MaxThreshold float64
}

// Dispatcher applies control writes one at a time.
type Dispatcher struct {
	mu      sync.Mutex
	state   *state.Manager
	guard   *safety.Guard
	sink    Sink
	opts    Options
	clock   clock.Clock
	metrics *metrics.Metrics
	logger  *zap.Logger
}

// New creates a dispatcher.
func New(stateManager *state.Manager, guard *safety.Guard, sink Sink, opts Options, clk clock.Clock, m *metrics.Metrics, logger *zap.Logger) *Dispatcher {
	if opts.Wiring.ActiveLow == nil {
		opts.Wiring = device.DefaultWiring()
	}
	if opts.MaxThreshold <= 0 {
		opts.MaxThreshold = 1000
	}
	return &Dispatcher{
		state:   stateManager,
		guard:   guard,
		sink:    sink,
		opts:    opts,
		clock:   clk,
		metrics: m,
		logger:  logger.Named("dispatch"),
	}
}

// State returns the current device snapshot.
func (d *Dispatcher) State() device.State {
	return d.state.Get()
}

// Apply requests key=value on behalf of source. When disabling automatic
// mode succeeds but an actuator cannot be forced off, the result reports the
// applied mode change and the error names the actuators left as they were.
func (d *Dispatcher) Apply(ctx context.Context, key device.Key, value int, source device.Source) (Result, error) {
	if err := validate(key, source); err != nil {
		return Result{}, err
	}
	if value != 0 && value != 1 {
		return Result{}, fmt.Errorf("%w: %s=%d", ErrInvalidValue, key, value)
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	return d.applyLocked(ctx, key, value, source)
}

// Toggle flips key. The current value is read under the dispatcher lock so
// concurrent toggles cannot both act on the same reading.
func (d *Dispatcher) Toggle(ctx context.Context, key device.Key, source device.Source) (Result, error) {
	if err := validate(key, source); err != nil {
		return Result{}, err
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	current, _ := d.state.Get().Value(key)
	return d.applyLocked(ctx, key, 1-current, source)
}

func validate(key device.Key, source device.Source) error {
	if _, err := device.ParseKey(string(key)); err != nil {
		return err
	}
	if !source.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidSource, source)
	}
	return nil
}

func (d *Dispatcher) applyLocked(ctx context.Context, key device.Key, value int, source device.Source) (Result, error) {
	s := d.state.Get()
	current, _ := s.Value(key)

	if current == value {
		return d.reject(key, value, source, ReasonNoop), nil
	}
	if d.guard.Debounced(key) {
		return d.reject(key, value, source, ReasonDebounced), nil
	}
	if s.AutoMode == 1 && key.IsActuator() && source != device.SourceAuto {
		return d.reject(key, value, source, ReasonLockout), nil
	}
	if source == device.SourceAuto && key.IsActuator() {
		if d.guard.CoolingDown(key) {
			return d.reject(key, value, source, ReasonCooldown), nil
		}
		if s.AutoMode == 0 {
			return d.reject(key, value, source, ReasonAutoDisabled), nil
		}
	}

	ok, err := d.state.CompareAndSet(ctx, key, current, value)
	if err != nil {
		d.metrics.Rejected(string(ReasonFailed))
		d.logger.Error("Failed to apply state change",
			zap.String("key", string(key)),
			zap.Int("value", value),
			zap.String("source", string(source)),
			zap.Error(err))
		return Result{Reason: ReasonFailed}, err
	}
	if !ok {
		return d.reject(key, value, source, ReasonNoop), nil
	}

	d.guard.MarkWrite(key)
	d.metrics.CommandApplied(key, source)

	now := d.clock.Now()
	items := []outbox.Item{
		d.commandItem(key, value, source, now),
		d.logItem(now, source, device.ActionUpdate, string(key), strconv.Itoa(value)),
	}
	result := Result{Applied: true, Reason: ReasonApplied}

	var cascadeErr error
	if key == device.KeyAutoMode && value == 0 {
		var cascadeItems []outbox.Item
		result.Cascaded, cascadeItems, cascadeErr = d.autoOffLocked(ctx, source, now)
		items = append(items, cascadeItems...)
	}

	d.sink.Push(items...)

	if cascadeErr != nil {
		return result, fmt.Errorf("failed to force actuators off: %w", cascadeErr)
	}

	d.logger.Info("State change applied",
		zap.String("key", string(key)),
		zap.Int("from", current),
		zap.Int("to", value),
		zap.String("source", string(source)),
		zap.Any("cascaded", result.Cascaded))
	return result, nil
}

// autoOffLocked forces every actuator off after automatic mode is disabled.
// Commands are sent for both actuators even when already off so the relays
// match the record; only real transitions are logged. An actuator whose off
// state could not be stored gets no command and its error is returned.
func (d *Dispatcher) autoOffLocked(ctx context.Context, source device.Source, now time.Time) ([]device.Key, []outbox.Item, error) {
	var cascaded []device.Key
	var items []outbox.Item
	var errs []error

	for _, key := range device.Actuators {
		current, _ := d.state.Get().Value(key)
		if current != 0 {
			ok, err := d.state.CompareAndSet(ctx, key, current, 0)
			if err != nil {
				d.metrics.Rejected(string(ReasonFailed))
				d.logger.Error("Failed to force actuator off",
					zap.String("key", string(key)),
					zap.Error(err))
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				continue
			}
			if ok {
				d.guard.MarkWrite(key)
				d.metrics.CommandApplied(key, source)
				cascaded = append(cascaded, key)
				items = append(items, d.logItem(now, source, device.ActionAutoOff, string(key), "0"))
			}
		}
		items = append(items, d.commandItem(key, 0, source, now))
	}

	d.guard.StartCooldown(device.Actuators...)
	return cascaded, items, errors.Join(errs...)
}

func (d *Dispatcher) reject(key device.Key, value int, source device.Source, reason Reason) Result {
	d.metrics.Rejected(string(reason))
	d.logger.Debug("State change not applied",
		zap.String("key", string(key)),
		zap.Int("value", value),
		zap.String("source", string(source)),
		zap.String("reason", string(reason)))
	return Result{Reason: reason}
}

func (d *Dispatcher) commandItem(key device.Key, value int, source device.Source, now time.Time) outbox.Item {
	return outbox.Item{Command: &device.Command{
		Key:       key,
		Value:     value,
		Payload:   d.opts.Wiring.Payload(key, value),
		Source:    source,
		Timestamp: now,
	}}
}

func (d *Dispatcher) logItem(now time.Time, source device.Source, action, key, value string) outbox.Item {
	rec := device.NewLogRecord(now, string(source), action, key, value)
	return outbox.Item{Log: &rec}
}

// ConfigChange carries optional configuration updates.
type ConfigChange struct {
	Threshold     *float64         `json:"threshold,omitempty"`
	LightSchedule *device.Schedule `json:"lightSchedule,omitempty"`
}

// Validate checks the change against the dispatcher's bounds.
func (d *Dispatcher) Validate(change ConfigChange) error {
	if change.Threshold == nil && change.LightSchedule == nil {
		return fmt.Errorf("%w: nothing to change", ErrInvalidConfig)
	}
	if t := change.Threshold; t != nil {
		if math.IsNaN(*t) || math.IsInf(*t, 0) || *t < 0 || *t > d.opts.MaxThreshold {
			return fmt.Errorf("%w: threshold must be between 0 and %g", ErrInvalidConfig, d.opts.MaxThreshold)
		}
	}
	if s := change.LightSchedule; s != nil {
		if err := s.Validate(); err != nil {
			return fmt.Errorf("%w: lightSchedule %v", ErrInvalidConfig, err)
		}
	}
	return nil
}

// Configure writes configuration fields. These are not actuators, so the
// automatic-mode lockout does not apply. One log record per changed field.
func (d *Dispatcher) Configure(ctx context.Context, change ConfigChange, source device.Source) ([]string, error) {
	if err := d.Validate(change); err != nil {
		return nil, err
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	changed, err := d.state.ApplyPatch(ctx, device.Patch{
		Threshold:     change.Threshold,
		LightSchedule: change.LightSchedule,
	})
	if err != nil {
		return nil, err
	}

	now := d.clock.Now()
	var items []outbox.Item
	for _, field := range changed {
		var value string
		switch field {
		case "threshold":
			value = strconv.FormatFloat(*change.Threshold, 'f', -1, 64)
		case "lightSchedule":
			value = change.LightSchedule.String()
		}
		items = append(items, d.logItem(now, source, device.ActionConfig, field, value))
	}
	d.sink.Push(items...)

	if len(changed) > 0 {
		d.logger.Info("Configuration updated",
			zap.Strings("fields", changed),
			zap.String("source", string(source)))
	}
	return changed, nil
}

// Record stores sensor and network readings. No command, no log record.
func (d *Dispatcher) Record(ctx context.Context, patch device.Patch) ([]string, error) {
	if patch.Empty() {
		return nil, nil
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state.ApplyPatch(ctx, patch)
}
