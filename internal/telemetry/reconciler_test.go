package telemetry

import (
	"context"
	"testing"
	"time"

	"aquarium/internal/clock"
	"aquarium/internal/device"
	"aquarium/internal/dispatch"
	"aquarium/internal/outbox"
	"aquarium/internal/safety"
	"aquarium/internal/state"
	"aquarium/internal/store"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type discardSink struct{ items []outbox.Item }

func (d *discardSink) Push(items ...outbox.Item) { d.items = append(d.items, items...) }

type historyRecorder struct{ readings []Reading }

func (h *historyRecorder) Observe(r Reading) { h.readings = append(h.readings, r) }

func newTestReconciler(t *testing.T, echo EchoMode) (*Reconciler, *dispatch.Dispatcher, *historyRecorder, *clock.MockClock) {
	t.Helper()
	clk := clock.NewMockClock(time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC))
	sm := state.NewManager(store.NewMemory(), clk, device.DefaultDeviceID, zap.NewNop())
	require.NoError(t, sm.Load(context.Background()))

	d := dispatch.New(sm, safety.NewGuard(clk, 0, 0), &discardSink{}, dispatch.Options{MaxThreshold: 300}, clk, nil, zap.NewNop())
	hist := &historyRecorder{}
	r := NewReconciler(d, hist, Options{
		TankHeight: 300,
		Tolerances: DefaultTolerances(),
		EchoMode:   echo,
		Wiring:     device.DefaultWiring(),
	}, clk, nil, zap.NewNop())
	return r, d, hist, clk
}

func TestParse_Aliases(t *testing.T) {
	tests := []struct {
		name    string
		payload string
		check   func(t *testing.T, r Reading)
	}{
		{"temperature", `{"temperature": 25.5}`, func(t *testing.T, r Reading) {
			require.NotNil(t, r.Temperature)
			assert.Equal(t, 25.5, *r.Temperature)
		}},
		{"temp as string", `{"temp": "26.1"}`, func(t *testing.T, r Reading) {
			require.NotNil(t, r.Temperature)
			assert.Equal(t, 26.1, *r.Temperature)
		}},
		{"tempC", `{"tempC": 24}`, func(t *testing.T, r Reading) {
			require.NotNil(t, r.Temperature)
			assert.Equal(t, 24.0, *r.Temperature)
		}},
		{"dist", `{"dist": 180}`, func(t *testing.T, r Reading) {
			require.NotNil(t, r.RawDistance)
			assert.Equal(t, 180.0, *r.RawDistance)
		}},
		{"distance_mm", `{"distance_mm": "175"}`, func(t *testing.T, r Reading) {
			require.NotNil(t, r.RawDistance)
			assert.Equal(t, 175.0, *r.RawDistance)
		}},
		{"water_level", `{"water_level": 120}`, func(t *testing.T, r Reading) {
			require.NotNil(t, r.WaterLevel)
			assert.Equal(t, 120.0, *r.WaterLevel)
		}},
		{"pump bool", `{"pumpState": true}`, func(t *testing.T, r Reading) {
			require.NotNil(t, r.Pump)
			assert.Equal(t, 1, *r.Pump)
		}},
		{"light string", `{"light_state": "OFF"}`, func(t *testing.T, r Reading) {
			require.NotNil(t, r.Light)
			assert.Equal(t, 0, *r.Light)
		}},
		{"auto numeric string", `{"auto_mode": "1"}`, func(t *testing.T, r Reading) {
			require.NotNil(t, r.AutoMode)
			assert.Equal(t, 1, *r.AutoMode)
		}},
		{"network", `{"ssid": "reef", "ip": "10.0.0.7", "rssi": -61}`, func(t *testing.T, r Reading) {
			require.NotNil(t, r.WifiSSID)
			require.NotNil(t, r.IP)
			require.NotNil(t, r.RSSI)
			assert.Equal(t, "reef", *r.WifiSSID)
			assert.Equal(t, "10.0.0.7", *r.IP)
			assert.Equal(t, -61.0, *r.RSSI)
		}},
		{"unparseable fields skipped", `{"temp": "warm", "pump": 7, "ssid": ""}`, func(t *testing.T, r Reading) {
			assert.True(t, r.Empty())
		}},
		{"first usable alias wins", `{"temperature": "n/a", "temp": 22}`, func(t *testing.T, r Reading) {
			require.NotNil(t, r.Temperature)
			assert.Equal(t, 22.0, *r.Temperature)
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r, err := Parse([]byte(tt.payload))
			require.NoError(t, err)
			tt.check(t, r)
		})
	}
}

func TestParse_Malformed(t *testing.T) {
	for _, payload := range []string{"", "not json", "[1,2]", "null", `"text"`} {
		_, err := Parse([]byte(payload))
		assert.ErrorIs(t, err, ErrMalformed, payload)
	}
}

func TestIngest_WaterLevel(t *testing.T) {
	ctx := context.Background()
	r, d, _, _ := newTestReconciler(t, EchoIgnore)

	require.NoError(t, r.Ingest(ctx, []byte(`{"dist": 200}`)))
	assert.Equal(t, 200.0, d.State().RawDistance)
	assert.Equal(t, 100.0, d.State().WaterLevel)

	require.NoError(t, r.Ingest(ctx, []byte(`{"dist": 350}`)))
	assert.Equal(t, 0.0, d.State().WaterLevel, "level clamps at the bottom")

	require.NoError(t, r.Ingest(ctx, []byte(`{"dist": 120, "waterLevel": 500}`)))
	assert.Equal(t, 300.0, d.State().WaterLevel, "direct level wins and clamps at the top")
}

func TestIngest_Tolerance(t *testing.T) {
	ctx := context.Background()
	r, d, hist, _ := newTestReconciler(t, EchoIgnore)

	require.NoError(t, r.Ingest(ctx, []byte(`{"temp": 25, "dist": 200}`)))
	require.NoError(t, r.Ingest(ctx, []byte(`{"temp": 25.4, "dist": 201.5}`)))

	s := d.State()
	assert.Equal(t, 25.0, s.Temperature)
	assert.Equal(t, 200.0, s.RawDistance)
	assert.Equal(t, 100.0, s.WaterLevel)

	require.NoError(t, r.Ingest(ctx, []byte(`{"temp": 25.6, "dist": 197}`)))
	s = d.State()
	assert.Equal(t, 25.6, s.Temperature)
	assert.Equal(t, 197.0, s.RawDistance)
	assert.Equal(t, 103.0, s.WaterLevel)

	assert.Len(t, hist.readings, 3, "history sees every reading")
}

func TestIngest_FirstReadingAfterBootIsStored(t *testing.T) {
	ctx := context.Background()
	r, d, _, _ := newTestReconciler(t, EchoIgnore)

	require.NoError(t, r.Ingest(ctx, []byte(`{"waterLevel": 1.5, "temp": 0.2}`)))
	s := d.State()
	assert.Equal(t, 1.5, s.WaterLevel, "within tolerance of the default but never reported before")
	assert.Equal(t, 0.2, s.Temperature)

	require.NoError(t, r.Ingest(ctx, []byte(`{"waterLevel": 2.5, "temp": 0.4}`)))
	s = d.State()
	assert.Equal(t, 1.5, s.WaterLevel, "later readings are gated again")
	assert.Equal(t, 0.2, s.Temperature)
}

func TestIngest_NetworkFields(t *testing.T) {
	r, d, _, _ := newTestReconciler(t, EchoIgnore)

	require.NoError(t, r.Ingest(context.Background(), []byte(`{"wifiSSID": "reef", "ip": "192.168.1.9", "rssi": "-70"}`)))

	s := d.State()
	assert.Equal(t, "reef", s.WifiSSID)
	assert.Equal(t, "192.168.1.9", s.IP)
	assert.Equal(t, -70.0, s.RSSI)
}

func TestIngest_Malformed(t *testing.T) {
	r, d, hist, _ := newTestReconciler(t, EchoIgnore)
	before := d.State()

	err := r.Ingest(context.Background(), []byte(`{"temp": 30`))
	assert.ErrorIs(t, err, ErrMalformed)
	assert.Equal(t, before, d.State())
	assert.Empty(t, hist.readings)
}

func TestIngest_EchoIgnored(t *testing.T) {
	r, d, _, _ := newTestReconciler(t, EchoIgnore)

	require.NoError(t, r.Ingest(context.Background(), []byte(`{"pump": 0, "light": 1, "autoMode": 1}`)))

	s := d.State()
	assert.Equal(t, 0, s.Pump)
	assert.Equal(t, 0, s.Light)
	assert.Equal(t, 0, s.AutoMode)
}

func TestIngest_EchoDebounced(t *testing.T) {
	ctx := context.Background()
	r, d, _, clk := newTestReconciler(t, EchoDebounced)

	// pump relay is active-low: physical 0 is logical on
	require.NoError(t, r.Ingest(ctx, []byte(`{"pump": 0, "light": 1}`)))
	s := d.State()
	assert.Equal(t, 1, s.Pump)
	assert.Equal(t, 1, s.Light)

	// a contradicting echo inside the debounce window is ignored
	require.NoError(t, r.Ingest(ctx, []byte(`{"light": 0}`)))
	assert.Equal(t, 1, d.State().Light)

	clk.Advance(2 * time.Second)
	require.NoError(t, r.Ingest(ctx, []byte(`{"light": 0}`)))
	assert.Equal(t, 0, d.State().Light)
}
