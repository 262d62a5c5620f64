package device

import "strconv"

// Wiring records which actuator relays are active-low. An active-low relay
// is energized by physical level 0, so logical 1 is sent as "0".
type Wiring struct {
	ActiveLow map[Key]bool
}

// DefaultWiring matches the stock board: pump relay active-low, light
// relay active-high.
func DefaultWiring() Wiring {
	return Wiring{ActiveLow: map[Key]bool{KeyPump: true}}
}

// ToPhysical translates a logical value to the level sent to the device.
func (w Wiring) ToPhysical(key Key, logical int) int {
	if w.ActiveLow[key] {
		return 1 - logical
	}
	return logical
}

// ToLogical translates a level reported by the device to the logical value.
// The translation is its own inverse.
func (w Wiring) ToLogical(key Key, physical int) int {
	return w.ToPhysical(key, physical)
}

// Payload renders the command body for key with the given logical value.
func (w Wiring) Payload(key Key, logical int) string {
	return strconv.Itoa(w.ToPhysical(key, logical))
}
