// Package mqtt connects the controller to the aquarium's embedded board.
package mqtt

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"aquarium/internal/device"
)

// ResetWifiPayload asks the board to forget its WiFi credentials.
const ResetWifiPayload = "RESET_WIFI"

// ErrNotConnected is returned when publishing without a broker connection.
var ErrNotConnected = errors.New("mqtt: not connected")

// Topics holds every topic the controller uses.
type Topics struct {
	Telemetry     string `yaml:"telemetry"`
	Status        string `yaml:"status"`
	Buttons       string `yaml:"buttons"`
	CommandPrefix string `yaml:"command_prefix"`
	Set           string `yaml:"set"`
}

// DefaultTopics returns the board firmware's topic layout.
func DefaultTopics() Topics {
	return Topics{
		Telemetry:     "fish/tele",
		Status:        "fish/aquarium_main/status",
		Buttons:       "fish/button/#",
		CommandPrefix: "fish/cmd",
		Set:           "fish/aquarium_main/set",
	}
}

// Command returns the topic a control key is published on.
func (t Topics) Command(key device.Key) string {
	return strings.TrimSuffix(t.CommandPrefix, "/") + "/" + string(key)
}

// Subscriptions lists the topic filters to subscribe to.
func (t Topics) Subscriptions() []string {
	return []string{t.Telemetry, t.Status, t.Buttons}
}

// ButtonSuffix extracts the key part of a button topic.
func (t Topics) ButtonSuffix(topic string) (string, bool) {
	prefix := strings.TrimSuffix(strings.TrimSuffix(t.Buttons, "#"), "/") + "/"
	if !strings.HasPrefix(topic, prefix) {
		return "", false
	}
	suffix := strings.TrimPrefix(topic, prefix)
	return suffix, suffix != ""
}

// Config holds broker connection settings.
type Config struct {
	Broker         string        `yaml:"broker"`
	ClientID       string        `yaml:"client_id"`
	Username       string        `yaml:"username"`
	Password       string        `yaml:"password"`
	QoS            byte          `yaml:"qos"`
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
	PublishTimeout time.Duration `yaml:"publish_timeout"`
	MaxRetries     uint64        `yaml:"max_retries"`
	Topics         Topics        `yaml:"topics"`
}

// DefaultConfig returns settings for a local broker.
func DefaultConfig() Config {
	return Config{
		Broker:         "tcp://localhost:1883",
		ClientID:       "aquarium-backend",
		QoS:            1,
		ConnectTimeout: 10 * time.Second,
		PublishTimeout: 5 * time.Second,
		MaxRetries:     5,
		Topics:         DefaultTopics(),
	}
}

// Publisher sends raw payloads to the broker.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload []byte) error
	IsConnected() bool
	Close() error
}

// Commander turns device commands into MQTT publishes.
type Commander struct {
	pub    Publisher
	topics Topics
}

// NewCommander creates a Commander.
func NewCommander(pub Publisher, topics Topics) *Commander {
	return &Commander{pub: pub, topics: topics}
}

// SendCommand publishes the command's physical level on its key's topic.
func (c *Commander) SendCommand(ctx context.Context, cmd device.Command) error {
	if err := c.pub.Publish(ctx, c.topics.Command(cmd.Key), []byte(cmd.Payload)); err != nil {
		return fmt.Errorf("send %s command: %w", cmd.Key, err)
	}
	return nil
}

// ResetWifi tells the board to drop its WiFi configuration.
func (c *Commander) ResetWifi(ctx context.Context) error {
	if !c.pub.IsConnected() {
		return ErrNotConnected
	}
	if err := c.pub.Publish(ctx, c.topics.Set, []byte(ResetWifiPayload)); err != nil {
		return fmt.Errorf("reset wifi: %w", err)
	}
	return nil
}

// IsConnected reports whether the underlying publisher is connected.
func (c *Commander) IsConnected() bool {
	return c.pub.IsConnected()
}
