// Package store persists the device record, the audit log and dashboard
// users. Three backends share one contract: Memory for tests, Bolt for a
// single-board deployment and Postgres for a hosted one.
package store

import (
	"context"
	"errors"
	"time"

	"aquarium/internal/device"
)

var (
	// ErrNotFound is returned when a record does not exist.
	ErrNotFound = errors.New("store: not found")
	// ErrExists is returned when creating a record that already exists.
	ErrExists = errors.New("store: already exists")
)

// StateRepository persists the single device record.
type StateRepository interface {
	LoadState(ctx context.Context, deviceID string) (device.State, error)
	SaveState(ctx context.Context, s device.State) error
}

// LogRepository persists the append-only audit log.
type LogRepository interface {
	AppendLog(ctx context.Context, rec device.LogRecord) error
	// RecentLogs returns at most limit records, newest first.
	RecentLogs(ctx context.Context, limit int) ([]device.LogRecord, error)
	DeleteLogsBefore(ctx context.Context, cutoff time.Time) (int, error)
}

// User is a dashboard account.
type User struct {
	Username     string
	PasswordHash []byte
	Role         string
}

// UserRepository persists dashboard accounts.
type UserRepository interface {
	GetUser(ctx context.Context, username string) (User, error)
	CreateUser(ctx context.Context, u User) error
	UpsertUser(ctx context.Context, u User) error
}

// Repository is everything the controller persists.
type Repository interface {
	StateRepository
	LogRepository
	UserRepository
	Close() error
}
