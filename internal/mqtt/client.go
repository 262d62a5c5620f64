package mqtt

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	paho "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap"
)

// MessageHandler receives every message on a subscribed topic.
type MessageHandler func(ctx context.Context, topic string, payload []byte)

// Client is a paho-backed Publisher that re-subscribes after every
// reconnect.
type Client struct {
	client  paho.Client
	cfg     Config
	handler MessageHandler
	ctx     context.Context
	logger  *zap.Logger

	closeOnce sync.Once
}

// NewClient prepares a client for cfg without dialing. Publish returns
// ErrNotConnected until Connect succeeds, so the client can be handed to
// publishers before the message handler exists.
func NewClient(cfg Config, logger *zap.Logger) *Client {
	c := &Client{
		cfg:    cfg,
		ctx:    context.Background(),
		logger: logger.Named("mqtt"),
	}

	opts := paho.NewClientOptions().
		AddBroker(cfg.Broker).
		SetClientID(cfg.ClientID).
		SetUsername(cfg.Username).
		SetPassword(cfg.Password).
		SetCleanSession(true).
		SetAutoReconnect(true).
		SetMaxReconnectInterval(30 * time.Second).
		SetOnConnectHandler(c.onConnect).
		SetConnectionLostHandler(func(_ paho.Client, err error) {
			c.logger.Warn("Connection to broker lost", zap.Error(err))
		}).
		SetReconnectingHandler(func(_ paho.Client, _ *paho.ClientOptions) {
			c.logger.Info("Reconnecting to broker", zap.String("broker", cfg.Broker))
		})
	c.client = paho.NewClient(opts)
	return c
}

// Connect dials the broker, retrying with exponential backoff, and
// subscribes to the configured topics. ctx bounds the retries and is passed
// to handler for the lifetime of the client.
func (c *Client) Connect(ctx context.Context, handler MessageHandler) error {
	c.handler = handler
	c.ctx = ctx

	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = 0
	policy := backoff.WithContext(backoff.WithMaxRetries(bo, c.cfg.MaxRetries), ctx)

	err := backoff.RetryNotify(func() error {
		token := c.client.Connect()
		if !token.WaitTimeout(c.cfg.ConnectTimeout) {
			return fmt.Errorf("connect timeout after %s", c.cfg.ConnectTimeout)
		}
		return token.Error()
	}, policy, func(err error, next time.Duration) {
		c.logger.Warn("Failed to connect to broker, retrying",
			zap.String("broker", c.cfg.Broker),
			zap.Duration("retry_in", next),
			zap.Error(err))
	})
	if err != nil {
		return fmt.Errorf("connect to %s: %w", c.cfg.Broker, err)
	}

	c.logger.Info("Connected to broker", zap.String("broker", c.cfg.Broker))
	return nil
}

// onConnect runs on every successful (re)connect. Paho calls it on its own
// goroutine, so waiting on tokens here is safe.
func (c *Client) onConnect(client paho.Client) {
	for _, topic := range c.cfg.Topics.Subscriptions() {
		token := client.Subscribe(topic, c.cfg.QoS, c.onMessage)
		if !token.WaitTimeout(c.cfg.ConnectTimeout) {
			c.logger.Error("Subscribe timed out", zap.String("topic", topic))
			continue
		}
		if err := token.Error(); err != nil {
			c.logger.Error("Failed to subscribe", zap.String("topic", topic), zap.Error(err))
			continue
		}
		c.logger.Debug("Subscribed", zap.String("topic", topic))
	}
}

func (c *Client) onMessage(_ paho.Client, msg paho.Message) {
	if c.handler == nil {
		return
	}
	c.handler(c.ctx, msg.Topic(), msg.Payload())
}

// Publish sends payload and waits for the broker acknowledgement, the
// publish timeout or ctx, whichever comes first.
func (c *Client) Publish(ctx context.Context, topic string, payload []byte) error {
	if !c.client.IsConnectionOpen() {
		return ErrNotConnected
	}

	ctx, cancel := context.WithTimeout(ctx, c.cfg.PublishTimeout)
	defer cancel()

	token := c.client.Publish(topic, c.cfg.QoS, false, payload)
	select {
	case <-token.Done():
		if err := token.Error(); err != nil {
			return fmt.Errorf("publish %s: %w", topic, err)
		}
		return nil
	case <-ctx.Done():
		return fmt.Errorf("publish %s: %w", topic, ctx.Err())
	}
}

// IsConnected reports whether the connection is currently up.
func (c *Client) IsConnected() bool {
	return c.client.IsConnectionOpen()
}

// Close disconnects from the broker, allowing in-flight work 250ms.
func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		c.client.Disconnect(250)
		c.logger.Info("Disconnected from broker")
	})
	return nil
}
