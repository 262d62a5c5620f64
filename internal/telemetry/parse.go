package telemetry

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"aquarium/internal/device"
)

// ErrMalformed is returned for payloads that are not a JSON object.
var ErrMalformed = errors.New("malformed telemetry payload")

// Reading is one parsed report. Nil fields were absent or unparseable.
// Actuator fields hold physical levels as reported by the board.
type Reading struct {
	Time        time.Time
	Temperature *float64
	RawDistance *float64
	WaterLevel  *float64
	AutoMode    *int
	Pump        *int
	Light       *int
	WifiSSID    *string
	IP          *string
	RSSI        *float64
}

// Empty reports whether no field was recognized.
func (r Reading) Empty() bool {
	return r.Temperature == nil && r.RawDistance == nil && r.WaterLevel == nil &&
		r.AutoMode == nil && r.Pump == nil && r.Light == nil &&
		r.WifiSSID == nil && r.IP == nil && r.RSSI == nil
}

// Level returns the reported level of a control key, if present.
func (r Reading) Level(key device.Key) (int, bool) {
	var p *int
	switch key {
	case device.KeyAutoMode:
		p = r.AutoMode
	case device.KeyPump:
		p = r.Pump
	case device.KeyLight:
		p = r.Light
	}
	if p == nil {
		return 0, false
	}
	return *p, true
}

var (
	temperatureAliases = []string{"temperature", "temp", "tempC"}
	distanceAliases    = []string{"distance", "dist", "distance_mm", "rawDistance"}
	levelAliases       = []string{"waterLevel", "water_level", "level"}
	autoModeAliases    = []string{"autoMode", "auto_mode", "auto"}
	pumpAliases        = []string{"pump", "pumpState", "pump_state"}
	lightAliases       = []string{"light", "lightState", "light_state"}
	ssidAliases        = []string{"wifiSSID", "ssid"}
	ipAliases          = []string{"ip"}
	rssiAliases        = []string{"rssi"}
)

// Parse decodes a telemetry or status payload. The first alias present
// with a usable value wins; unusable values are skipped.
func Parse(payload []byte) (Reading, error) {
	dec := json.NewDecoder(bytes.NewReader(payload))
	dec.UseNumber()

	var raw map[string]interface{}
	if err := dec.Decode(&raw); err != nil {
		return Reading{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if raw == nil {
		return Reading{}, fmt.Errorf("%w: not an object", ErrMalformed)
	}

	return Reading{
		Temperature: firstNumber(raw, temperatureAliases),
		RawDistance: firstNumber(raw, distanceAliases),
		WaterLevel:  firstNumber(raw, levelAliases),
		AutoMode:    firstLevel(raw, autoModeAliases),
		Pump:        firstLevel(raw, pumpAliases),
		Light:       firstLevel(raw, lightAliases),
		WifiSSID:    firstString(raw, ssidAliases),
		IP:          firstString(raw, ipAliases),
		RSSI:        firstNumber(raw, rssiAliases),
	}, nil
}

func firstNumber(raw map[string]interface{}, aliases []string) *float64 {
	for _, name := range aliases {
		if v, ok := raw[name]; ok {
			if f, ok := toFloat(v); ok {
				return &f
			}
		}
	}
	return nil
}

func firstLevel(raw map[string]interface{}, aliases []string) *int {
	for _, name := range aliases {
		v, ok := raw[name]
		if !ok {
			continue
		}
		if s, ok := v.(string); ok {
			switch strings.ToLower(strings.TrimSpace(s)) {
			case "on", "true", "high":
				one := 1
				return &one
			case "off", "false", "low":
				zero := 0
				return &zero
			}
		}
		if f, ok := toFloat(v); ok && (f == 0 || f == 1) {
			level := int(f)
			return &level
		}
	}
	return nil
}

func firstString(raw map[string]interface{}, aliases []string) *string {
	for _, name := range aliases {
		if s, ok := raw[name].(string); ok {
			s = strings.TrimSpace(s)
			if s != "" {
				return &s
			}
		}
	}
	return nil
}

func toFloat(v interface{}) (float64, bool) {
	var f float64
	switch x := v.(type) {
	case json.Number:
		n, err := x.Float64()
		if err != nil {
			return 0, false
		}
		f = n
	case string:
		n, err := strconv.ParseFloat(strings.TrimSpace(x), 64)
		if err != nil {
			return 0, false
		}
		f = n
	case bool:
		if x {
			f = 1
		}
	default:
		return 0, false
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, false
	}
	return f, true
}
