// Package autoloop drives the pump and light while automatic mode is on.
package autoloop

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"aquarium/internal/clock"
	"aquarium/internal/device"
	"aquarium/internal/dispatch"
	"aquarium/internal/metrics"
	"aquarium/internal/shadowstate"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

const (
	DefaultPeriod = 5 * time.Second
	MinPeriod     = time.Second
	MaxPeriod     = 10 * time.Minute
)

// ErrInvalidPeriod is returned for periods outside [MinPeriod, MaxPeriod].
var ErrInvalidPeriod = errors.New("auto-control period out of range")

// Dispatcher is the subset of the dispatcher the loop uses.
type Dispatcher interface {
	State() device.State
	Apply(ctx context.Context, key device.Key, value int, source device.Source) (dispatch.Result, error)
}

// Options tunes a Loop.
type Options struct {
	Period   time.Duration
	Margin   float64
	Location *time.Location
}

// Loop evaluates the control rules on a fixed period.
type Loop struct {
	dispatcher Dispatcher
	cron       *cron.Cron
	clock      clock.Clock
	margin     float64
	location   *time.Location
	tracker    *shadowstate.ControlTracker
	metrics    *metrics.Metrics
	logger     *zap.Logger

	mu      sync.Mutex
	period  time.Duration
	entryID cron.EntryID
	running bool
	ctx     context.Context
}

// New creates a Loop that schedules itself on c.
func New(d Dispatcher, c *cron.Cron, opts Options, clk clock.Clock, m *metrics.Metrics, logger *zap.Logger) *Loop {
	if opts.Period == 0 {
		opts.Period = DefaultPeriod
	}
	if opts.Margin <= 0 {
		opts.Margin = DefaultMargin
	}
	if opts.Location == nil {
		opts.Location = time.UTC
	}
	return &Loop{
		dispatcher: d,
		cron:       c,
		clock:      clk,
		margin:     opts.Margin,
		location:   opts.Location,
		tracker:    shadowstate.NewControlTracker(clk),
		metrics:    m,
		logger:     logger.Named("autoloop"),
		period:     opts.Period,
	}
}

// GetShadowState returns the loop's inputs and last decisions.
func (l *Loop) GetShadowState() *shadowstate.ControlShadowState {
	return l.tracker.GetState()
}

// Period returns the current tick period.
func (l *Loop) Period() time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.period
}

// Start schedules the loop. ctx is passed to every tick.
func (l *Loop) Start(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.running {
		return nil
	}
	if err := validatePeriod(l.period); err != nil {
		return err
	}
	l.ctx = ctx
	l.schedule()
	l.running = true

	l.logger.Info("Auto-control loop started",
		zap.Duration("period", l.period),
		zap.Float64("margin", l.margin),
		zap.String("timezone", l.location.String()))
	return nil
}

// Stop removes the loop from the scheduler. A tick already running finishes.
func (l *Loop) Stop() {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.running {
		return
	}
	l.cron.Remove(l.entryID)
	l.running = false
	l.logger.Info("Auto-control loop stopped")
}

// SetPeriod changes the tick period, rescheduling if the loop is running.
func (l *Loop) SetPeriod(period time.Duration) error {
	if err := validatePeriod(period); err != nil {
		return err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	l.period = period
	if l.running {
		l.cron.Remove(l.entryID)
		l.schedule()
	}
	l.logger.Info("Auto-control period changed", zap.Duration("period", period))
	return nil
}

func (l *Loop) schedule() {
	ctx := l.ctx
	l.entryID = l.cron.Schedule(cron.Every(l.period), cron.FuncJob(func() {
		if err := l.Tick(ctx); err != nil {
			l.logger.Warn("Auto-control tick failed", zap.Error(err))
		}
	}))
}

func validatePeriod(period time.Duration) error {
	if period < MinPeriod || period > MaxPeriod {
		return fmt.Errorf("%w: %s not in [%s, %s]", ErrInvalidPeriod, period, MinPeriod, MaxPeriod)
	}
	return nil
}

// Tick evaluates the rules once. It does nothing unless automatic mode is on.
func (l *Loop) Tick(ctx context.Context) error {
	s := l.dispatcher.State()
	if s.AutoMode != 1 {
		l.metrics.AutoTick("idle")
		l.tracker.RecordTick("idle")
		return nil
	}

	local := l.clock.Now().In(l.location)
	l.tracker.UpdateCurrentInputs(map[string]interface{}{
		"waterLevel":    s.WaterLevel,
		"threshold":     s.Threshold,
		"margin":        l.margin,
		"pump":          s.Pump,
		"light":         s.Light,
		"lightSchedule": s.LightSchedule.String(),
		"localTime":     local.Format("15:04"),
	})

	decisions, decideErr := Decide(s, local, l.margin)
	if decideErr != nil {
		l.logger.Warn("Skipping light decision", zap.Error(decideErr))
	}
	if len(decisions) > 0 {
		l.tracker.SnapshotInputsForAction()
	}

	var errs []error
	if decideErr != nil {
		errs = append(errs, decideErr)
	}
	for _, d := range decisions {
		res, err := l.dispatcher.Apply(ctx, d.Key, d.Value, device.SourceAuto)
		if err != nil {
			errs = append(errs, fmt.Errorf("apply %s=%d: %w", d.Key, d.Value, err))
			l.tracker.RecordDecision(string(d.Key), d.Value, false, string(dispatch.ReasonFailed), d.Reason)
			continue
		}
		l.tracker.RecordDecision(string(d.Key), d.Value, res.Applied, string(res.Reason), d.Reason)
		if res.Applied {
			l.logger.Info("Auto-control changed actuator",
				zap.String("key", string(d.Key)),
				zap.Int("value", d.Value),
				zap.String("reason", d.Reason))
		}
	}

	if err := errors.Join(errs...); err != nil {
		l.metrics.AutoTick("error")
		l.tracker.RecordTick("error")
		return err
	}
	l.metrics.AutoTick("ok")
	l.tracker.RecordTick("ok")
	return nil
}
