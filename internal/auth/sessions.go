package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"aquarium/internal/clock"

	"github.com/go-redis/redis/v8"
)

// ErrSessionNotFound is returned for unknown or expired tokens.
var ErrSessionNotFound = errors.New("session not found")

// Session is an authenticated dashboard login.
type Session struct {
	Token     string    `json:"token"`
	Username  string    `json:"username"`
	Role      Role      `json:"role"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// SessionStore keeps sessions between requests.
type SessionStore interface {
	Save(ctx context.Context, s Session) error
	Get(ctx context.Context, token string) (Session, error)
	Delete(ctx context.Context, token string) error
}

// MemorySessions keeps sessions in process memory. Sessions are lost on
// restart.
type MemorySessions struct {
	mu       sync.RWMutex
	clock    clock.Clock
	sessions map[string]Session
}

// NewMemorySessions creates an empty in-memory store.
func NewMemorySessions(clk clock.Clock) *MemorySessions {
	return &MemorySessions{clock: clk, sessions: make(map[string]Session)}
}

func (m *MemorySessions) Save(ctx context.Context, s Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[s.Token] = s
	return nil
}

func (m *MemorySessions) Get(ctx context.Context, token string) (Session, error) {
	m.mu.RLock()
	s, ok := m.sessions[token]
	m.mu.RUnlock()

	if !ok {
		return Session{}, ErrSessionNotFound
	}
	if !s.ExpiresAt.IsZero() && !m.clock.Now().Before(s.ExpiresAt) {
		_ = m.Delete(ctx, token)
		return Session{}, ErrSessionNotFound
	}
	return s, nil
}

func (m *MemorySessions) Delete(ctx context.Context, token string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, token)
	return nil
}

// RedisSessions keeps sessions in Redis with a TTL, so logins survive
// restarts and can be shared between instances.
type RedisSessions struct {
	client *redis.Client
	prefix string
	clock  clock.Clock
}

// NewRedisSessions creates a Redis-backed store. Keys are prefix+token.
func NewRedisSessions(client *redis.Client, prefix string, clk clock.Clock) *RedisSessions {
	if prefix == "" {
		prefix = "aquarium:session:"
	}
	return &RedisSessions{client: client, prefix: prefix, clock: clk}
}

func (r *RedisSessions) key(token string) string {
	return r.prefix + token
}

func (r *RedisSessions) Save(ctx context.Context, s Session) error {
	data, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("marshal session: %w", err)
	}
	var ttl time.Duration
	if !s.ExpiresAt.IsZero() {
		ttl = s.ExpiresAt.Sub(r.clock.Now())
		if ttl <= 0 {
			return nil
		}
	}
	if err := r.client.Set(ctx, r.key(s.Token), data, ttl).Err(); err != nil {
		return fmt.Errorf("save session: %w", err)
	}
	return nil
}

func (r *RedisSessions) Get(ctx context.Context, token string) (Session, error) {
	data, err := r.client.Get(ctx, r.key(token)).Bytes()
	if errors.Is(err, redis.Nil) {
		return Session{}, ErrSessionNotFound
	}
	if err != nil {
		return Session{}, fmt.Errorf("get session: %w", err)
	}

	var s Session
	if err := json.Unmarshal(data, &s); err != nil {
		return Session{}, fmt.Errorf("unmarshal session: %w", err)
	}
	return s, nil
}

func (r *RedisSessions) Delete(ctx context.Context, token string) error {
	if err := r.client.Del(ctx, r.key(token)).Err(); err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	return nil
}
