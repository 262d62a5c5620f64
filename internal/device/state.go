package device

import (
	"fmt"
	"time"
)

// DefaultDeviceID is the record id used when none is configured.
const DefaultDeviceID = "aquarium_main"

// State is the single persisted record describing the aquarium.
// Pump, Light and AutoMode are logical values: 1 means functionally on,
// regardless of relay polarity.
type State struct {
	DeviceID string `json:"deviceId"`

	AutoMode int `json:"autoMode"`
	Pump     int `json:"pump"`
	Light    int `json:"light"`

	Temperature float64 `json:"temperature"`
	WaterLevel  float64 `json:"waterLevel"`
	RawDistance float64 `json:"rawDistance"`

	WifiSSID string  `json:"wifiSSID"`
	IP       string  `json:"ip"`
	RSSI     float64 `json:"rssi"`

	Threshold     float64  `json:"threshold"`
	LightSchedule Schedule `json:"lightSchedule"`

	LastUpdated time.Time `json:"lastUpdated"`
}

// Default returns the record created on first start.
func Default(deviceID string) State {
	if deviceID == "" {
		deviceID = DefaultDeviceID
	}
	return State{
		DeviceID:      deviceID,
		WifiSSID:      "Disconnect",
		IP:            "0.0.0.0",
		Threshold:     100,
		LightSchedule: Schedule{On: "18:00", Off: "06:00"},
	}
}

// Value returns the current value of a control key.
func (s State) Value(key Key) (int, error) {
	switch key {
	case KeyAutoMode:
		return s.AutoMode, nil
	case KeyPump:
		return s.Pump, nil
	case KeyLight:
		return s.Light, nil
	}
	return 0, fmt.Errorf("%w: %q", ErrUnknownKey, key)
}

// SetValue writes a control key in place.
func (s *State) SetValue(key Key, v int) error {
	switch key {
	case KeyAutoMode:
		s.AutoMode = v
	case KeyPump:
		s.Pump = v
	case KeyLight:
		s.Light = v
	default:
		return fmt.Errorf("%w: %q", ErrUnknownKey, key)
	}
	return nil
}

// Patch is a set of non-control field updates. Nil members are left alone.
type Patch struct {
	Temperature *float64
	WaterLevel  *float64
	RawDistance *float64

	WifiSSID *string
	IP       *string
	RSSI     *float64

	Threshold     *float64
	LightSchedule *Schedule
}

// Empty reports whether the patch changes nothing.
func (p Patch) Empty() bool {
	return p.Temperature == nil && p.WaterLevel == nil && p.RawDistance == nil &&
		p.WifiSSID == nil && p.IP == nil && p.RSSI == nil &&
		p.Threshold == nil && p.LightSchedule == nil
}

// ApplyTo writes the patch into s and returns the JSON names of the fields
// whose value actually changed.
func (p Patch) ApplyTo(s *State) []string {
	var changed []string
	setFloat := func(name string, dst *float64, v *float64) {
		if v != nil && *dst != *v {
			*dst = *v
			changed = append(changed, name)
		}
	}
	setString := func(name string, dst *string, v *string) {
		if v != nil && *dst != *v {
			*dst = *v
			changed = append(changed, name)
		}
	}

	setFloat("temperature", &s.Temperature, p.Temperature)
	setFloat("waterLevel", &s.WaterLevel, p.WaterLevel)
	setFloat("rawDistance", &s.RawDistance, p.RawDistance)
	setString("wifiSSID", &s.WifiSSID, p.WifiSSID)
	setString("ip", &s.IP, p.IP)
	setFloat("rssi", &s.RSSI, p.RSSI)
	setFloat("threshold", &s.Threshold, p.Threshold)
	if p.LightSchedule != nil && s.LightSchedule != *p.LightSchedule {
		s.LightSchedule = *p.LightSchedule
		changed = append(changed, "lightSchedule")
	}
	return changed
}

// Float returns a pointer to v, for building patches.
func Float(v float64) *float64 { return &v }

// String returns a pointer to v, for building patches.
func String(v string) *string { return &v }
