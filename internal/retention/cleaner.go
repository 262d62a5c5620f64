// Package retention prunes old audit log records.
package retention

import (
	"context"
	"fmt"
	"time"

	"aquarium/internal/clock"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// DefaultMaxAge keeps a month of history.
const DefaultMaxAge = 30 * 24 * time.Hour

// LogPruner deletes log records older than cutoff.
type LogPruner interface {
	DeleteLogsBefore(ctx context.Context, cutoff time.Time) (int, error)
}

// Cleaner deletes log records older than maxAge.
type Cleaner struct {
	logs   LogPruner
	maxAge time.Duration
	clock  clock.Clock
	logger *zap.Logger
}

// NewCleaner creates a Cleaner. maxAge <= 0 uses DefaultMaxAge.
func NewCleaner(logs LogPruner, maxAge time.Duration, clk clock.Clock, logger *zap.Logger) *Cleaner {
	if maxAge <= 0 {
		maxAge = DefaultMaxAge
	}
	return &Cleaner{logs: logs, maxAge: maxAge, clock: clk, logger: logger.Named("retention")}
}

// Run deletes expired records once and returns how many were removed.
func (c *Cleaner) Run(ctx context.Context) (int, error) {
	cutoff := c.clock.Now().Add(-c.maxAge)
	n, err := c.logs.DeleteLogsBefore(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("prune logs before %s: %w", cutoff.Format(time.RFC3339), err)
	}
	if n > 0 {
		c.logger.Info("Pruned old log records",
			zap.Int("deleted", n),
			zap.Time("cutoff", cutoff))
	}
	return n, nil
}

// Schedule registers the cleaner on c using a standard cron spec or
// descriptor such as "@daily".
func (c *Cleaner) Schedule(ctx context.Context, cr *cron.Cron, spec string) (cron.EntryID, error) {
	id, err := cr.AddFunc(spec, func() {
		if _, err := c.Run(ctx); err != nil {
			c.logger.Error("Log retention failed", zap.Error(err))
		}
	})
	if err != nil {
		return 0, fmt.Errorf("schedule retention %q: %w", spec, err)
	}
	c.logger.Info("Log retention scheduled",
		zap.String("schedule", spec),
		zap.Duration("max_age", c.maxAge))
	return id, nil
}
