// Package device holds the aquarium controller's data model: the single
// device-state record, its control keys, the light schedule, actuator wiring
// and the audit log record.
package device

import (
	"errors"
	"fmt"
)

// Key names a binary control field of the device state.
type Key string

const (
	KeyAutoMode Key = "autoMode"
	KeyPump     Key = "pump"
	KeyLight    Key = "light"
)

// ControlKeys lists every key accepted by the dispatcher, in display order.
var ControlKeys = []Key{KeyAutoMode, KeyPump, KeyLight}

// Actuators are the keys driven by automatic control.
var Actuators = []Key{KeyPump, KeyLight}

// ErrUnknownKey is returned for control keys outside ControlKeys.
var ErrUnknownKey = errors.New("unknown control key")

// ParseKey validates a control key name.
func ParseKey(s string) (Key, error) {
	for _, k := range ControlKeys {
		if string(k) == s {
			return k, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownKey, s)
}

// IsActuator reports whether the key drives a relay.
func (k Key) IsActuator() bool {
	return k == KeyPump || k == KeyLight
}

// Source identifies who requested a change.
type Source string

const (
	SourceWeb           Source = "web"
	SourceButton        Source = "button"
	SourceAuto          Source = "auto"
	SourceTelemetryEcho Source = "telemetry-echo"
)

// Valid reports whether s is a known source.
func (s Source) Valid() bool {
	switch s {
	case SourceWeb, SourceButton, SourceAuto, SourceTelemetryEcho:
		return true
	}
	return false
}
