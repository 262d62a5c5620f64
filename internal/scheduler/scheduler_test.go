package scheduler

import (
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestNew_RecoversFromPanics(t *testing.T) {
	c := New(time.UTC, zap.NewNop())

	var runs int32
	c.Schedule(cron.Every(time.Second), cron.FuncJob(func() {
		if atomic.AddInt32(&runs, 1) == 1 {
			panic("first run fails")
		}
	}))
	c.Start()
	defer c.Stop()

	require.Eventually(t, func() bool {
		return atomic.LoadInt32(&runs) >= 2
	}, 5*time.Second, 50*time.Millisecond, "job keeps running after a panic")
}

func TestLogger(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)
	l := NewLogger(zap.New(core))

	l.Info("schedule", "entry", 1)
	l.Error(errors.New("boom"), "panic", "job", "auto")

	entries := logs.All()
	require.Len(t, entries, 2)
	assert.Equal(t, zap.DebugLevel, entries[0].Level)
	assert.Equal(t, zap.ErrorLevel, entries[1].Level)
	assert.Equal(t, "boom", entries[1].ContextMap()["error"])
}
