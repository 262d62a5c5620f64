package autoloop

import (
	"fmt"
	"time"

	"aquarium/internal/device"
)

// DefaultMargin is the half-width of the pump hysteresis band in mm.
const DefaultMargin = 10.0

// Decision is one actuator change the loop wants.
type Decision struct {
	Key    device.Key
	Value  int
	Reason string
}

// DecidePump applies hysteresis around threshold: below the band the pump
// turns on, above it the pump turns off, inside it the current value holds.
func DecidePump(level, threshold, margin float64, current int) (int, string) {
	switch {
	case level < threshold-margin:
		return 1, fmt.Sprintf("level %.1f below %.1f", level, threshold-margin)
	case level > threshold+margin:
		return 0, fmt.Sprintf("level %.1f above %.1f", level, threshold+margin)
	default:
		return current, "inside hysteresis band"
	}
}

// DecideLight returns 1 when localNow falls inside the schedule window.
func DecideLight(schedule device.Schedule, localNow time.Time) (int, string, error) {
	on, err := schedule.Contains(localNow)
	if err != nil {
		return 0, "", err
	}
	if on {
		return 1, fmt.Sprintf("%s inside %s", localNow.Format("15:04"), schedule), nil
	}
	return 0, fmt.Sprintf("%s outside %s", localNow.Format("15:04"), schedule), nil
}

// Decide returns the changes automatic mode wants for s at localNow. Only
// actuators whose desired value differs from the record are returned. An
// invalid light schedule is reported but does not block the pump decision.
func Decide(s device.State, localNow time.Time, margin float64) ([]Decision, error) {
	var decisions []Decision

	light, reason, err := DecideLight(s.LightSchedule, localNow)
	if err != nil {
		err = fmt.Errorf("light schedule: %w", err)
	} else if light != s.Light {
		decisions = append(decisions, Decision{Key: device.KeyLight, Value: light, Reason: reason})
	}

	pump, reason := DecidePump(s.WaterLevel, s.Threshold, margin, s.Pump)
	if pump != s.Pump {
		decisions = append(decisions, Decision{Key: device.KeyPump, Value: pump, Reason: reason})
	}

	return decisions, err
}
