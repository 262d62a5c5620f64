package mqtt

import (
	"context"
	"errors"
	"testing"
	"time"

	"aquarium/internal/device"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestTopics(t *testing.T) {
	topics := DefaultTopics()

	assert.Equal(t, "fish/cmd/pump", topics.Command(device.KeyPump))
	assert.Equal(t, "fish/cmd/autoMode", topics.Command(device.KeyAutoMode))
	assert.Equal(t, []string{"fish/tele", "fish/aquarium_main/status", "fish/button/#"}, topics.Subscriptions())

	t.Run("trailing slash on prefix", func(t *testing.T) {
		topics := DefaultTopics()
		topics.CommandPrefix = "fish/cmd/"
		assert.Equal(t, "fish/cmd/light", topics.Command(device.KeyLight))
	})

	t.Run("button suffix", func(t *testing.T) {
		tests := []struct {
			topic  string
			suffix string
			ok     bool
		}{
			{"fish/button/pump", "pump", true},
			{"fish/button/autoMode", "autoMode", true},
			{"fish/button/", "", false},
			{"fish/tele", "", false},
			{"fish/buttonpump", "", false},
		}
		for _, tt := range tests {
			suffix, ok := topics.ButtonSuffix(tt.topic)
			assert.Equal(t, tt.ok, ok, tt.topic)
			assert.Equal(t, tt.suffix, suffix, tt.topic)
		}
	})
}

func TestCommander(t *testing.T) {
	ctx := context.Background()

	t.Run("publishes physical payload on key topic", func(t *testing.T) {
		pub := NewFakePublisher()
		c := NewCommander(pub, DefaultTopics())

		err := c.SendCommand(ctx, device.Command{Key: device.KeyPump, Value: 1, Payload: "0"})
		require.NoError(t, err)
		assert.Equal(t, []Message{{Topic: "fish/cmd/pump", Payload: "0"}}, pub.Published())
	})

	t.Run("wraps publish errors", func(t *testing.T) {
		pub := NewFakePublisher()
		pub.PublishError = errors.New("broker gone")
		c := NewCommander(pub, DefaultTopics())

		err := c.SendCommand(ctx, device.Command{Key: device.KeyLight, Payload: "1"})
		assert.ErrorIs(t, err, pub.PublishError)
	})

	t.Run("reset wifi", func(t *testing.T) {
		pub := NewFakePublisher()
		c := NewCommander(pub, DefaultTopics())

		require.NoError(t, c.ResetWifi(ctx))
		assert.Equal(t, []Message{{Topic: "fish/aquarium_main/set", Payload: "RESET_WIFI"}}, pub.Published())

		pub.SetConnected(false)
		assert.ErrorIs(t, c.ResetWifi(ctx), ErrNotConnected)
		assert.False(t, c.IsConnected())
	})
}

type fakeIngester struct {
	payloads []string
	err      error
	panics   bool
}

func (f *fakeIngester) Ingest(ctx context.Context, payload []byte) error {
	if f.panics {
		panic("bad payload")
	}
	f.payloads = append(f.payloads, string(payload))
	return f.err
}

type fakeButtons struct {
	suffixes []string
}

func (f *fakeButtons) OnButton(ctx context.Context, suffix string) error {
	f.suffixes = append(f.suffixes, suffix)
	return nil
}

func TestRouter(t *testing.T) {
	ctx := context.Background()
	tele := &fakeIngester{}
	buttons := &fakeButtons{}
	r := NewRouter(DefaultTopics(), tele, buttons, zap.NewNop())

	r.Handle(ctx, "fish/tele", []byte(`{"temp":25}`))
	r.Handle(ctx, "fish/aquarium_main/status", []byte(`{"ssid":"reef"}`))
	r.Handle(ctx, "fish/button/light", []byte("1"))
	r.Handle(ctx, "fish/other", []byte("x"))

	assert.Equal(t, []string{`{"temp":25}`, `{"ssid":"reef"}`}, tele.payloads)
	assert.Equal(t, []string{"light"}, buttons.suffixes)

	t.Run("handler errors and panics are contained", func(t *testing.T) {
		tele.err = errors.New("malformed")
		assert.NotPanics(t, func() { r.Handle(ctx, "fish/tele", []byte("{")) })

		tele.panics = true
		assert.NotPanics(t, func() { r.Handle(ctx, "fish/tele", []byte("{}")) })
	})
}

func TestFakePublisher(t *testing.T) {
	pub := NewFakePublisher()
	ctx := context.Background()

	require.NoError(t, pub.Publish(ctx, "a", []byte("1")))
	pub.SetConnected(false)
	assert.ErrorIs(t, pub.Publish(ctx, "b", []byte("2")), ErrNotConnected)
	require.NoError(t, pub.Close())
	assert.True(t, pub.Closed)

	pub.Reset()
	assert.Empty(t, pub.Published())
	assert.True(t, pub.IsConnected())
}

func TestClient_BeforeConnect(t *testing.T) {
	c := NewClient(DefaultConfig(), zap.NewNop())

	assert.False(t, c.IsConnected())
	err := c.Publish(context.Background(), "fish/cmd/pump", []byte("1"))
	assert.ErrorIs(t, err, ErrNotConnected)

	cmd := NewCommander(c, DefaultTopics())
	assert.ErrorIs(t, cmd.ResetWifi(context.Background()), ErrNotConnected)
}

func TestClient_ConnectGivesUp(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Broker = "tcp://127.0.0.1:1"
	cfg.MaxRetries = 1
	cfg.ConnectTimeout = 200 * time.Millisecond

	c := NewClient(cfg, zap.NewNop())
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err := c.Connect(ctx, func(context.Context, string, []byte) {})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "tcp://127.0.0.1:1")
}
