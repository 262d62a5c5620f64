// Package scheduler builds the cron instance shared by the periodic jobs.
package scheduler

import (
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// New returns a cron scheduler in loc whose jobs recover from panics and
// never overlap with themselves.
func New(loc *time.Location, logger *zap.Logger) *cron.Cron {
	if loc == nil {
		loc = time.UTC
	}
	l := NewLogger(logger.Named("cron"))
	return cron.New(
		cron.WithLocation(loc),
		cron.WithLogger(l),
		cron.WithChain(cron.Recover(l), cron.SkipIfStillRunning(l)),
	)
}

// Logger adapts zap to cron.Logger.
type Logger struct {
	sugar *zap.SugaredLogger
}

// NewLogger creates a cron.Logger backed by logger.
func NewLogger(logger *zap.Logger) *Logger {
	return &Logger{sugar: logger.Sugar()}
}

// Info logs routine scheduler activity at debug level.
func (l *Logger) Info(msg string, keysAndValues ...interface{}) {
	l.sugar.Debugw(msg, keysAndValues...)
}

// Error logs job failures and recovered panics.
func (l *Logger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.sugar.Errorw(msg, append(keysAndValues, "error", err)...)
}
