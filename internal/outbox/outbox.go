// Package outbox delivers the side effects of accepted transitions
// (device commands and audit log rows) in the order the dispatcher produced
// them, outside of any state lock.
package outbox

import (
	"context"
	"sync"
	"time"

	"aquarium/internal/device"
	"aquarium/internal/metrics"

	"go.uber.org/zap"
)

// DefaultCapacity bounds the number of undelivered items.
const DefaultCapacity = 1024

// Item is one side effect. Exactly one member is set.
type Item struct {
	Command *device.Command
	Log     *device.LogRecord
}

// CommandSender delivers a command to the device.
type CommandSender interface {
	SendCommand(ctx context.Context, cmd device.Command) error
}

// LogAppender persists an audit record.
type LogAppender interface {
	AppendLog(ctx context.Context, rec device.LogRecord) error
}

// Queue is a bounded FIFO drained by a single worker.
type Queue struct {
	sender  CommandSender
	logs    LogAppender
	logger  *zap.Logger
	metrics *metrics.Metrics
	timeout time.Duration

	mu       sync.Mutex
	ring     *ring
	overflow bool
	notify   chan struct{}

	drainMu sync.Mutex
}

// New creates a queue. capacity <= 0 uses DefaultCapacity.
func New(capacity int, sender CommandSender, logs LogAppender, m *metrics.Metrics, logger *zap.Logger) *Queue {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Queue{
		sender:  sender,
		logs:    logs,
		logger:  logger.Named("outbox"),
		metrics: m,
		timeout: 5 * time.Second,
		ring:    newRing(capacity),
		notify:  make(chan struct{}, 1),
	}
}

// Push appends items atomically with respect to other pushes.
func (q *Queue) Push(items ...Item) {
	if len(items) == 0 {
		return
	}

	q.mu.Lock()
	for _, item := range items {
		if q.ring.push(item) {
			q.metrics.OutboxDropped()
			if !q.overflow {
				q.logger.Warn("Outbox full, dropping oldest item", zap.Int("capacity", q.ring.capacity))
				q.overflow = true
			}
		}
	}
	q.mu.Unlock()

	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// Len returns the number of pending items.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.ring.len()
}

// Drain delivers every pending item in order and returns how many were
// processed. Failed deliveries are logged and abandoned; the next
// transition or tick produces fresh ones.
func (q *Queue) Drain(ctx context.Context) int {
	q.drainMu.Lock()
	defer q.drainMu.Unlock()

	q.mu.Lock()
	items := q.ring.drainAll()
	q.overflow = false
	q.mu.Unlock()

	for _, item := range items {
		q.deliver(ctx, item)
	}
	return len(items)
}

func (q *Queue) deliver(ctx context.Context, item Item) {
	ctx, cancel := context.WithTimeout(ctx, q.timeout)
	defer cancel()

	switch {
	case item.Command != nil:
		if err := q.sender.SendCommand(ctx, *item.Command); err != nil {
			q.metrics.OutboxFailed("command")
			q.logger.Error("Failed to send command",
				zap.String("key", string(item.Command.Key)),
				zap.String("payload", item.Command.Payload),
				zap.Error(err))
		}
	case item.Log != nil:
		if err := q.logs.AppendLog(ctx, *item.Log); err != nil {
			q.metrics.OutboxFailed("log")
			q.logger.Error("Failed to append log record",
				zap.String("key", item.Log.Key),
				zap.Error(err))
		}
	}
}

// Run drains the queue whenever items arrive until ctx is cancelled, then
// makes one last attempt with a short deadline.
func (q *Queue) Run(ctx context.Context) {
	q.logger.Info("Outbox worker started")
	for {
		select {
		case <-ctx.Done():
			final, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			n := q.Drain(final)
			cancel()
			q.logger.Info("Outbox worker stopped", zap.Int("flushed", n))
			return
		case <-q.notify:
			q.Drain(ctx)
		}
	}
}
