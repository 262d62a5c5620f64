package history

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"aquarium/internal/metrics"
	"aquarium/internal/telemetry"

	"github.com/influxdata/influxdb-client-go/v2/api/write"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeWriter struct {
	mu    sync.Mutex
	lines []string
	calls int
	err   error
}

func (f *fakeWriter) WritePoint(ctx context.Context, points ...*write.Point) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return f.err
	}
	for _, p := range points {
		f.lines = append(f.lines, write.PointToLineProtocol(p, time.Second))
	}
	return nil
}

func (f *fakeWriter) written() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.lines...)
}

func reading(temp float64) telemetry.Reading {
	return telemetry.Reading{
		Time:        time.Unix(1717236000, 0),
		Temperature: &temp,
	}
}

func TestSink_WritesPoint(t *testing.T) {
	w := &fakeWriter{}
	s := New(w, Config{}, "aquarium_main", nil, zap.NewNop())

	pump := 0
	level := 95.0
	r := reading(25.5)
	r.Pump = &pump
	r.WaterLevel = &level

	require.NoError(t, s.write(context.Background(), r))

	lines := w.written()
	require.Len(t, lines, 1)
	assert.Contains(t, lines[0], "aquarium,device_id=aquarium_main ")
	assert.Contains(t, lines[0], "temperature=25.5")
	assert.Contains(t, lines[0], "water_level=95")
	assert.Contains(t, lines[0], "pump_level=0i")
	assert.Contains(t, lines[0], " 1717236000")
}

func TestSink_SkipsReadingsWithoutFields(t *testing.T) {
	w := &fakeWriter{}
	s := New(w, Config{}, "aquarium_main", nil, zap.NewNop())

	ssid := "reef"
	require.NoError(t, s.write(context.Background(), telemetry.Reading{WifiSSID: &ssid}))
	assert.Equal(t, 0, w.calls)
}

func TestSink_BreakerOpensAfterFailures(t *testing.T) {
	w := &fakeWriter{err: errors.New("influx down")}
	m := metrics.New()
	s := New(w, Config{BreakerFailures: 2, BreakerOpen: time.Minute}, "aquarium_main", m, zap.NewNop())
	ctx := context.Background()

	assert.Error(t, s.write(ctx, reading(25)))
	assert.Error(t, s.write(ctx, reading(25)))

	err := s.write(ctx, reading(25))
	assert.ErrorIs(t, err, gobreaker.ErrOpenState)
	assert.Equal(t, 2, w.calls, "open breaker does not reach the writer")

	expected := `
# HELP aquarium_history_writes_total Time-series writes by outcome.
# TYPE aquarium_history_writes_total counter
aquarium_history_writes_total{result="error"} 2
aquarium_history_writes_total{result="rejected"} 1
`
	assert.NoError(t, testutil.GatherAndCompare(m.Registry(), strings.NewReader(expected), "aquarium_history_writes_total"))
}

func TestSink_ObserveDropsWhenFull(t *testing.T) {
	w := &fakeWriter{}
	s := New(w, Config{QueueSize: 1}, "aquarium_main", nil, zap.NewNop())

	s.Observe(reading(20))
	s.Observe(reading(21))
	assert.Len(t, s.queue, 1)
}

func TestSink_Run(t *testing.T) {
	w := &fakeWriter{}
	s := New(w, Config{}, "aquarium_main", nil, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.Run(ctx)
		close(done)
	}()

	s.Observe(reading(24))
	s.Observe(reading(24.5))

	require.Eventually(t, func() bool {
		return len(w.written()) == 2
	}, time.Second, 10*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("writer did not stop")
	}
}
