package state

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"aquarium/internal/clock"
	"aquarium/internal/device"
	"aquarium/internal/store"

	"go.uber.org/zap"
)

// AllKeys subscribes a handler to every change.
const AllKeys = "*"

// StateChangeHandler is called when a state field changes
type StateChangeHandler func(key string, oldValue, newValue interface{})

// Subscription represents an active state change subscription
type Subscription interface {
	Unsubscribe()
}

type subscription struct {
	key     string
	id      uint64
	manager *Manager
}

func (s *subscription) Unsubscribe() {
	s.manager.unsubscribe(s.key, s.id)
}

type handlerEntry struct {
	id      uint64
	handler StateChangeHandler
}

// Manager owns the in-memory snapshot of the device record and writes it
// through to the repository. Writers are expected to be serialized by the
// dispatcher; the cache lock only guards the snapshot itself.
type Manager struct {
	repo        store.StateRepository
	clock       clock.Clock
	logger      *zap.Logger
	deviceID    string
	cache       device.State
	cacheMu     sync.RWMutex
	subscribers map[string][]handlerEntry
	nextSubID   uint64
	subsMu      sync.RWMutex
}

// NewManager creates a new state manager
func NewManager(repo store.StateRepository, clk clock.Clock, deviceID string, logger *zap.Logger) *Manager {
	return &Manager{
		repo:        repo,
		clock:       clk,
		logger:      logger.Named("state"),
		deviceID:    deviceID,
		cache:       device.Default(deviceID),
		subscribers: make(map[string][]handlerEntry),
	}
}

// Load reads the device record, creating the default one when it is missing.
func (m *Manager) Load(ctx context.Context) error {
	s, err := m.repo.LoadState(ctx, m.deviceID)
	if errors.Is(err, store.ErrNotFound) {
		s = device.Default(m.deviceID)
		s.LastUpdated = m.clock.Now()
		if err := m.repo.SaveState(ctx, s); err != nil {
			return fmt.Errorf("failed to create default state: %w", err)
		}
		m.logger.Info("Created default device state", zap.String("device_id", m.deviceID))
	} else if err != nil {
		return fmt.Errorf("failed to load state: %w", err)
	}

	m.cacheMu.Lock()
	m.cache = s
	m.cacheMu.Unlock()

	m.logger.Info("State loaded",
		zap.String("device_id", s.DeviceID),
		zap.Int("auto_mode", s.AutoMode),
		zap.Int("pump", s.Pump),
		zap.Int("light", s.Light))
	return nil
}

// Get returns a copy of the current snapshot.
func (m *Manager) Get() device.State {
	m.cacheMu.RLock()
	defer m.cacheMu.RUnlock()
	return m.cache
}

// CompareAndSet writes value to key only when the cached value equals
// expected. The snapshot is swapped under the lock, the lock is released and
// the record persisted; a persistence failure rolls the snapshot back.
func (m *Manager) CompareAndSet(ctx context.Context, key device.Key, expected, value int) (bool, error) {
	m.cacheMu.Lock()

	current, err := m.cache.Value(key)
	if err != nil {
		m.cacheMu.Unlock()
		return false, err
	}
	if current != expected {
		m.cacheMu.Unlock()
		return false, nil
	}

	previous := m.cache
	next := m.cache
	next.SetValue(key, value)
	next.LastUpdated = m.clock.Now()
	m.cache = next

	// Release lock before persisting so readers never wait on storage
	m.cacheMu.Unlock()

	if err := m.repo.SaveState(ctx, next); err != nil {
		m.rollback(previous, next)
		return false, fmt.Errorf("failed to persist %s: %w", key, err)
	}

	m.notifySubscribers(string(key), current, value)
	return true, nil
}

// ApplyPatch writes every non-nil member of p and returns the names of the
// fields that changed. Nothing is persisted when no field changes.
func (m *Manager) ApplyPatch(ctx context.Context, p device.Patch) ([]string, error) {
	m.cacheMu.Lock()

	previous := m.cache
	next := m.cache
	changed := p.ApplyTo(&next)
	if len(changed) == 0 {
		m.cacheMu.Unlock()
		return nil, nil
	}
	next.LastUpdated = m.clock.Now()
	m.cache = next
	m.cacheMu.Unlock()

	if err := m.repo.SaveState(ctx, next); err != nil {
		m.rollback(previous, next)
		return nil, fmt.Errorf("failed to persist %v: %w", changed, err)
	}

	for _, name := range changed {
		m.notifySubscribers(name, nil, next)
	}
	return changed, nil
}

// rollback restores previous unless another write already replaced next.
func (m *Manager) rollback(previous, next device.State) {
	m.cacheMu.Lock()
	defer m.cacheMu.Unlock()
	if m.cache == next {
		m.cache = previous
	}
}

// notifySubscribers notifies all subscribers of a state change
func (m *Manager) notifySubscribers(key string, oldValue, newValue interface{}) {
	m.subsMu.RLock()
	handlers := append([]handlerEntry(nil), m.subscribers[key]...)
	handlers = append(handlers, m.subscribers[AllKeys]...)
	m.subsMu.RUnlock()

	for _, entry := range handlers {
		go entry.handler(key, oldValue, newValue)
	}
}

// Subscribe registers handler for changes to key, or to every key with AllKeys.
func (m *Manager) Subscribe(key string, handler StateChangeHandler) Subscription {
	m.subsMu.Lock()
	defer m.subsMu.Unlock()

	m.nextSubID++
	m.subscribers[key] = append(m.subscribers[key], handlerEntry{id: m.nextSubID, handler: handler})

	return &subscription{
		key:     key,
		id:      m.nextSubID,
		manager: m,
	}
}

func (m *Manager) unsubscribe(key string, id uint64) {
	m.subsMu.Lock()
	defer m.subsMu.Unlock()

	entries := m.subscribers[key]
	for i, e := range entries {
		if e.id == id {
			m.subscribers[key] = append(entries[:i:i], entries[i+1:]...)
			return
		}
	}
}
