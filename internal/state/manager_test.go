package state

import (
	"context"
	"errors"
	"testing"
	"time"

	"aquarium/internal/clock"
	"aquarium/internal/device"
	"aquarium/internal/store"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// failingRepo wraps a memory store and fails SaveState on demand.
type failingRepo struct {
	*store.Memory
	fail bool
}

func (f *failingRepo) SaveState(ctx context.Context, s device.State) error {
	if f.fail {
		return errors.New("disk full")
	}
	return f.Memory.SaveState(ctx, s)
}

func newTestManager(t *testing.T) (*Manager, *failingRepo, *clock.MockClock) {
	t.Helper()
	repo := &failingRepo{Memory: store.NewMemory()}
	clk := clock.NewMockClock(time.Date(2024, 6, 1, 9, 0, 0, 0, time.UTC))
	m := NewManager(repo, clk, "tank", zap.NewNop())
	require.NoError(t, m.Load(context.Background()))
	return m, repo, clk
}

func TestManager_LoadCreatesDefault(t *testing.T) {
	m, repo, clk := newTestManager(t)

	s := m.Get()
	assert.Equal(t, "tank", s.DeviceID)
	assert.Equal(t, 100.0, s.Threshold)
	assert.Equal(t, clk.Now(), s.LastUpdated)

	persisted, err := repo.LoadState(context.Background(), "tank")
	require.NoError(t, err)
	assert.Equal(t, s, persisted)
}

func TestManager_LoadExisting(t *testing.T) {
	repo := store.NewMemory()
	existing := device.Default("tank")
	existing.Pump = 1
	existing.Threshold = 140
	require.NoError(t, repo.SaveState(context.Background(), existing))

	m := NewManager(repo, clock.NewRealClock(), "tank", zap.NewNop())
	require.NoError(t, m.Load(context.Background()))

	assert.Equal(t, 1, m.Get().Pump)
	assert.Equal(t, 140.0, m.Get().Threshold)
}

func TestManager_CompareAndSet(t *testing.T) {
	ctx := context.Background()

	t.Run("swaps when expected matches", func(t *testing.T) {
		m, repo, clk := newTestManager(t)
		clk.Advance(time.Minute)

		ok, err := m.CompareAndSet(ctx, device.KeyPump, 0, 1)
		require.NoError(t, err)
		assert.True(t, ok)
		assert.Equal(t, 1, m.Get().Pump)
		assert.Equal(t, clk.Now(), m.Get().LastUpdated)

		persisted, _ := repo.LoadState(ctx, "tank")
		assert.Equal(t, 1, persisted.Pump)
	})

	t.Run("no-op when expected differs", func(t *testing.T) {
		m, _, _ := newTestManager(t)
		before := m.Get()

		ok, err := m.CompareAndSet(ctx, device.KeyPump, 1, 0)
		require.NoError(t, err)
		assert.False(t, ok)
		assert.Equal(t, before, m.Get())
	})

	t.Run("rolls back on persistence failure", func(t *testing.T) {
		m, repo, _ := newTestManager(t)
		before := m.Get()
		repo.fail = true

		ok, err := m.CompareAndSet(ctx, device.KeyLight, 0, 1)
		assert.Error(t, err)
		assert.False(t, ok)
		assert.Equal(t, before, m.Get())
	})

	t.Run("unknown key", func(t *testing.T) {
		m, _, _ := newTestManager(t)
		_, err := m.CompareAndSet(ctx, "heater", 0, 1)
		assert.ErrorIs(t, err, device.ErrUnknownKey)
	})
}

func TestManager_ApplyPatch(t *testing.T) {
	ctx := context.Background()

	t.Run("changes only differing fields", func(t *testing.T) {
		m, _, _ := newTestManager(t)

		changed, err := m.ApplyPatch(ctx, device.Patch{
			Temperature: device.Float(26),
			Threshold:   device.Float(100),
		})
		require.NoError(t, err)
		assert.Equal(t, []string{"temperature"}, changed)
		assert.Equal(t, 26.0, m.Get().Temperature)
	})

	t.Run("empty change skips persistence", func(t *testing.T) {
		m, repo, _ := newTestManager(t)
		repo.fail = true

		changed, err := m.ApplyPatch(ctx, device.Patch{Threshold: device.Float(100)})
		assert.NoError(t, err)
		assert.Empty(t, changed)
	})

	t.Run("rolls back on failure", func(t *testing.T) {
		m, repo, _ := newTestManager(t)
		repo.fail = true

		_, err := m.ApplyPatch(ctx, device.Patch{WaterLevel: device.Float(42)})
		assert.Error(t, err)
		assert.Equal(t, 0.0, m.Get().WaterLevel)
	})
}

func TestManager_Subscribe(t *testing.T) {
	ctx := context.Background()
	m, _, _ := newTestManager(t)

	pumpCh := make(chan interface{}, 4)
	allCh := make(chan string, 4)

	sub := m.Subscribe("pump", func(key string, oldValue, newValue interface{}) {
		pumpCh <- newValue
	})
	m.Subscribe(AllKeys, func(key string, oldValue, newValue interface{}) {
		allCh <- key
	})

	_, err := m.CompareAndSet(ctx, device.KeyPump, 0, 1)
	require.NoError(t, err)

	select {
	case v := <-pumpCh:
		assert.Equal(t, 1, v)
	case <-time.After(time.Second):
		t.Fatal("pump subscriber not notified")
	}
	select {
	case k := <-allCh:
		assert.Equal(t, "pump", k)
	case <-time.After(time.Second):
		t.Fatal("wildcard subscriber not notified")
	}

	sub.Unsubscribe()
	_, err = m.CompareAndSet(ctx, device.KeyPump, 1, 0)
	require.NoError(t, err)

	select {
	case <-allCh:
	case <-time.After(time.Second):
		t.Fatal("wildcard subscriber not notified")
	}
	select {
	case <-pumpCh:
		t.Fatal("unsubscribed handler was called")
	case <-time.After(50 * time.Millisecond):
	}
}
