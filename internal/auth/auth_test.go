package auth

import (
	"context"
	"testing"
	"time"

	"aquarium/internal/clock"
	"aquarium/internal/store"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
)

func newService(t *testing.T, sessions SessionStore, clk clock.Clock) *Service {
	t.Helper()
	return NewService(store.NewMemory(), sessions, Options{BcryptCost: bcrypt.MinCost, SessionTTL: time.Hour}, clk, zap.NewNop())
}

func TestParseRole(t *testing.T) {
	r, err := ParseRole("")
	require.NoError(t, err)
	assert.Equal(t, RoleViewer, r)

	r, err = ParseRole(" Admin ")
	require.NoError(t, err)
	assert.Equal(t, RoleAdmin, r)

	_, err = ParseRole("root")
	assert.ErrorIs(t, err, ErrInvalidRole)
}

func TestTokenFromHeader(t *testing.T) {
	assert.Equal(t, "abc", TokenFromHeader("abc"))
	assert.Equal(t, "abc", TokenFromHeader("Bearer abc"))
	assert.Equal(t, "abc", TokenFromHeader("bearer  abc "))
	assert.Equal(t, "", TokenFromHeader(""))
}

func TestService_LoginAndAuthorize(t *testing.T) {
	ctx := context.Background()
	clk := clock.NewMockClock(time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC))
	svc := newService(t, NewMemorySessions(clk), clk)

	require.NoError(t, svc.EnsureAdmin(ctx, "admin", "123"))
	require.NoError(t, svc.Register(ctx, "guest", "pw", "viewer"))

	t.Run("wrong password", func(t *testing.T) {
		_, err := svc.Login(ctx, "admin", "nope")
		assert.ErrorIs(t, err, ErrInvalidCredentials)
		_, err = svc.Login(ctx, "ghost", "123")
		assert.ErrorIs(t, err, ErrInvalidCredentials)
	})

	t.Run("admin may write", func(t *testing.T) {
		sess, err := svc.Login(ctx, "admin", "123")
		require.NoError(t, err)
		assert.Equal(t, RoleAdmin, sess.Role)
		assert.NotEmpty(t, sess.Token)

		got, err := svc.Authorize(ctx, "Bearer "+sess.Token, RoleAdmin)
		require.NoError(t, err)
		assert.Equal(t, "admin", got.Username)
	})

	t.Run("viewer is forbidden from admin actions", func(t *testing.T) {
		sess, err := svc.Login(ctx, "guest", "pw")
		require.NoError(t, err)

		_, err = svc.Authorize(ctx, sess.Token, RoleAdmin)
		assert.ErrorIs(t, err, ErrForbidden)
		_, err = svc.Authorize(ctx, sess.Token, RoleViewer)
		assert.NoError(t, err)
	})

	t.Run("missing and expired tokens", func(t *testing.T) {
		_, err := svc.Authorize(ctx, "", RoleViewer)
		assert.ErrorIs(t, err, ErrUnauthorized)

		sess, err := svc.Login(ctx, "admin", "123")
		require.NoError(t, err)
		clk.Advance(2 * time.Hour)
		_, err = svc.Authorize(ctx, sess.Token, RoleAdmin)
		assert.ErrorIs(t, err, ErrUnauthorized)
	})

	t.Run("logout", func(t *testing.T) {
		sess, err := svc.Login(ctx, "admin", "123")
		require.NoError(t, err)
		require.NoError(t, svc.Logout(ctx, sess.Token))
		_, err = svc.Authorize(ctx, sess.Token, RoleAdmin)
		assert.ErrorIs(t, err, ErrUnauthorized)
	})
}

func TestService_Register(t *testing.T) {
	ctx := context.Background()
	clk := clock.NewRealClock()
	svc := newService(t, NewMemorySessions(clk), clk)

	require.NoError(t, svc.Register(ctx, "alice", "pw", ""))
	assert.ErrorIs(t, svc.Register(ctx, "alice", "pw2", "viewer"), ErrUserExists)
	assert.ErrorIs(t, svc.Register(ctx, "", "pw", "viewer"), ErrInvalidUser)
	assert.ErrorIs(t, svc.Register(ctx, "bob", "", "viewer"), ErrInvalidUser)
	assert.ErrorIs(t, svc.Register(ctx, "bob", "pw", "owner"), ErrInvalidRole)

	sess, err := svc.Login(ctx, "alice", "pw")
	require.NoError(t, err)
	assert.Equal(t, RoleViewer, sess.Role)
}

func TestService_EnsureAdminResetsPassword(t *testing.T) {
	ctx := context.Background()
	clk := clock.NewRealClock()
	svc := newService(t, NewMemorySessions(clk), clk)

	require.NoError(t, svc.Register(ctx, "admin", "old", "viewer"))
	require.NoError(t, svc.EnsureAdmin(ctx, "admin", "new"))

	_, err := svc.Login(ctx, "admin", "old")
	assert.ErrorIs(t, err, ErrInvalidCredentials)
	sess, err := svc.Login(ctx, "admin", "new")
	require.NoError(t, err)
	assert.Equal(t, RoleAdmin, sess.Role)
}

func TestRedisSessions(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	ctx := context.Background()
	clk := clock.NewMockClock(time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC))
	sessions := NewRedisSessions(client, "test:session:", clk)

	sess := Session{Token: "tok", Username: "admin", Role: RoleAdmin, ExpiresAt: clk.Now().Add(time.Hour)}
	require.NoError(t, sessions.Save(ctx, sess))

	assert.True(t, mr.Exists("test:session:tok"))
	assert.Equal(t, time.Hour, mr.TTL("test:session:tok"))

	got, err := sessions.Get(ctx, "tok")
	require.NoError(t, err)
	assert.Equal(t, "admin", got.Username)
	assert.Equal(t, RoleAdmin, got.Role)

	mr.FastForward(2 * time.Hour)
	_, err = sessions.Get(ctx, "tok")
	assert.ErrorIs(t, err, ErrSessionNotFound)

	require.NoError(t, sessions.Save(ctx, sess))
	require.NoError(t, sessions.Delete(ctx, "tok"))
	_, err = sessions.Get(ctx, "tok")
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestService_WithRedisSessions(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	ctx := context.Background()
	clk := clock.NewRealClock()
	svc := newService(t, NewRedisSessions(client, "", clk), clk)

	require.NoError(t, svc.EnsureAdmin(ctx, "admin", "123"))
	sess, err := svc.Login(ctx, "admin", "123")
	require.NoError(t, err)

	_, err = svc.Authorize(ctx, sess.Token, RoleAdmin)
	assert.NoError(t, err)
}
