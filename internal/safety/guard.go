// Package safety rate-limits writes per control key and holds off automatic
// commands for a short window after automatic mode is switched off.
package safety

import (
	"sync"
	"time"

	"aquarium/internal/clock"
	"aquarium/internal/device"
)

const (
	DefaultDebounce = 1200 * time.Millisecond
	DefaultCooldown = 3 * time.Second
)

// Guard tracks per-key debounce and cooldown windows. Each key has its own
// timestamps; a write to one key never suppresses another.
type Guard struct {
	clock    clock.Clock
	debounce time.Duration
	cooldown time.Duration

	mu            sync.Mutex
	lastWrite     map[device.Key]time.Time
	cooldownUntil map[device.Key]time.Time
}

// NewGuard creates a guard. Zero durations fall back to the defaults.
func NewGuard(clk clock.Clock, debounce, cooldown time.Duration) *Guard {
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	if cooldown <= 0 {
		cooldown = DefaultCooldown
	}
	return &Guard{
		clock:         clk,
		debounce:      debounce,
		cooldown:      cooldown,
		lastWrite:     make(map[device.Key]time.Time),
		cooldownUntil: make(map[device.Key]time.Time),
	}
}

// Debounced reports whether the last accepted write to key is still inside
// the debounce window.
func (g *Guard) Debounced(key device.Key) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	last, ok := g.lastWrite[key]
	if !ok {
		return false
	}
	return g.clock.Since(last) < g.debounce
}

// MarkWrite records an accepted write to key.
func (g *Guard) MarkWrite(key device.Key) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.lastWrite[key] = g.clock.Now()
}

// StartCooldown opens a cooldown window on each key.
func (g *Guard) StartCooldown(keys ...device.Key) {
	g.mu.Lock()
	defer g.mu.Unlock()

	until := g.clock.Now().Add(g.cooldown)
	for _, k := range keys {
		g.cooldownUntil[k] = until
	}
}

// CoolingDown reports whether key is inside a cooldown window.
func (g *Guard) CoolingDown(key device.Key) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	until, ok := g.cooldownUntil[key]
	if !ok {
		return false
	}
	if !g.clock.Now().Before(until) {
		delete(g.cooldownUntil, key)
		return false
	}
	return true
}

// Windows returns the configured debounce and cooldown durations.
func (g *Guard) Windows() (debounce, cooldown time.Duration) {
	return g.debounce, g.cooldown
}
