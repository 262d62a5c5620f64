package safety

import (
	"testing"
	"time"

	"aquarium/internal/clock"
	"aquarium/internal/device"

	"github.com/stretchr/testify/assert"
)

func TestGuard_Debounce(t *testing.T) {
	clk := clock.NewMockClock(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	g := NewGuard(clk, 0, 0)

	assert.False(t, g.Debounced(device.KeyPump), "no write yet")

	g.MarkWrite(device.KeyPump)
	assert.True(t, g.Debounced(device.KeyPump))
	assert.False(t, g.Debounced(device.KeyLight), "windows are per key")

	clk.Advance(1199 * time.Millisecond)
	assert.True(t, g.Debounced(device.KeyPump))

	clk.Advance(time.Millisecond)
	assert.False(t, g.Debounced(device.KeyPump))
}

func TestGuard_Cooldown(t *testing.T) {
	clk := clock.NewMockClock(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	g := NewGuard(clk, time.Second, 3*time.Second)

	g.StartCooldown(device.KeyPump, device.KeyLight)
	assert.True(t, g.CoolingDown(device.KeyPump))
	assert.True(t, g.CoolingDown(device.KeyLight))
	assert.False(t, g.CoolingDown(device.KeyAutoMode))

	clk.Advance(2999 * time.Millisecond)
	assert.True(t, g.CoolingDown(device.KeyPump))

	clk.Advance(time.Millisecond)
	assert.False(t, g.CoolingDown(device.KeyPump))
	assert.False(t, g.CoolingDown(device.KeyLight))
}

func TestGuard_Windows(t *testing.T) {
	g := NewGuard(clock.NewRealClock(), 0, 0)
	debounce, cooldown := g.Windows()
	assert.Equal(t, DefaultDebounce, debounce)
	assert.Equal(t, DefaultCooldown, cooldown)
}
