package autoloop

import (
	"testing"
	"time"

	"aquarium/internal/device"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecidePump_HysteresisSequence(t *testing.T) {
	levels := []float64{85, 108, 115, 95}
	want := []int{1, 1, 0, 0}

	current := 0
	for i, level := range levels {
		current, _ = DecidePump(level, 100, DefaultMargin, current)
		assert.Equal(t, want[i], current, "level %v", level)
	}
}

func TestDecidePump_BandEdges(t *testing.T) {
	tests := []struct {
		level   float64
		current int
		want    int
	}{
		{90, 0, 0},
		{89.9, 0, 1},
		{110, 1, 1},
		{110.1, 1, 0},
		{100, 1, 1},
		{100, 0, 0},
	}
	for _, tt := range tests {
		got, _ := DecidePump(tt.level, 100, 10, tt.current)
		assert.Equal(t, tt.want, got, "level %v current %d", tt.level, tt.current)
	}
}

func at(hour, minute int) time.Time {
	return time.Date(2024, 6, 1, hour, minute, 0, 0, time.UTC)
}

func TestDecideLight(t *testing.T) {
	overnight := device.Schedule{On: "18:00", Off: "06:00"}
	daytime := device.Schedule{On: "08:00", Off: "20:00"}
	empty := device.Schedule{On: "07:00", Off: "07:00"}

	tests := []struct {
		name     string
		schedule device.Schedule
		now      time.Time
		want     int
	}{
		{"overnight evening", overnight, at(19, 0), 1},
		{"overnight at on", overnight, at(18, 0), 1},
		{"overnight early morning", overnight, at(5, 59), 1},
		{"overnight at off", overnight, at(6, 0), 0},
		{"overnight midday", overnight, at(12, 0), 0},
		{"daytime inside", daytime, at(8, 0), 1},
		{"daytime at off", daytime, at(20, 0), 0},
		{"daytime before", daytime, at(7, 59), 0},
		{"empty window", empty, at(7, 0), 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, _, err := DecideLight(tt.schedule, tt.now)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestDecide(t *testing.T) {
	s := device.Default(device.DefaultDeviceID)
	s.AutoMode = 1
	s.WaterLevel = 85

	t.Run("only changes are returned", func(t *testing.T) {
		decisions, err := Decide(s, at(19, 0), DefaultMargin)
		require.NoError(t, err)
		require.Len(t, decisions, 2)
		assert.Equal(t, device.KeyLight, decisions[0].Key)
		assert.Equal(t, 1, decisions[0].Value)
		assert.Equal(t, device.KeyPump, decisions[1].Key)
		assert.Equal(t, 1, decisions[1].Value)

		on := s
		on.Light, on.Pump = 1, 1
		decisions, err = Decide(on, at(19, 0), DefaultMargin)
		require.NoError(t, err)
		assert.Empty(t, decisions)
	})

	t.Run("bad schedule still decides pump", func(t *testing.T) {
		broken := s
		broken.LightSchedule = device.Schedule{On: "25:00", Off: "06:00"}

		decisions, err := Decide(broken, at(19, 0), DefaultMargin)
		assert.ErrorIs(t, err, device.ErrInvalidSchedule)
		require.Len(t, decisions, 1)
		assert.Equal(t, device.KeyPump, decisions[0].Key)
	})
}
