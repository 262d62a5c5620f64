package store

import (
	"context"
	"sync"
	"time"

	"aquarium/internal/device"
)

// Memory keeps everything in process memory.
type Memory struct {
	mu     sync.RWMutex
	states map[string]device.State
	logs   []device.LogRecord
	nextID uint64
	users  map[string]User
}

// NewMemory creates an empty in-memory repository.
func NewMemory() *Memory {
	return &Memory{
		states: make(map[string]device.State),
		users:  make(map[string]User),
	}
}

func (m *Memory) LoadState(ctx context.Context, deviceID string) (device.State, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s, ok := m.states[deviceID]
	if !ok {
		return device.State{}, ErrNotFound
	}
	return s, nil
}

func (m *Memory) SaveState(ctx context.Context, s device.State) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.states[s.DeviceID] = s
	return nil
}

func (m *Memory) AppendLog(ctx context.Context, rec device.LogRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.nextID++
	rec.ID = m.nextID
	m.logs = append(m.logs, rec)
	return nil
}

func (m *Memory) RecentLogs(ctx context.Context, limit int) ([]device.LogRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]device.LogRecord, 0, limit)
	for i := len(m.logs) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, m.logs[i])
	}
	return out, nil
}

func (m *Memory) DeleteLogsBefore(ctx context.Context, cutoff time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	kept := m.logs[:0]
	deleted := 0
	for _, rec := range m.logs {
		if rec.Timestamp.Before(cutoff) {
			deleted++
			continue
		}
		kept = append(kept, rec)
	}
	m.logs = kept
	return deleted, nil
}

func (m *Memory) GetUser(ctx context.Context, username string) (User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	u, ok := m.users[username]
	if !ok {
		return User{}, ErrNotFound
	}
	return u, nil
}

func (m *Memory) CreateUser(ctx context.Context, u User) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.users[u.Username]; ok {
		return ErrExists
	}
	m.users[u.Username] = u
	return nil
}

func (m *Memory) UpsertUser(ctx context.Context, u User) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.users[u.Username] = u
	return nil
}

// LogCount returns the number of stored log records.
func (m *Memory) LogCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.logs)
}

func (m *Memory) Close() error { return nil }
