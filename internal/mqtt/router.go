package mqtt

import (
	"context"

	"go.uber.org/zap"
)

// TelemetryIngester consumes telemetry and status reports.
type TelemetryIngester interface {
	Ingest(ctx context.Context, payload []byte) error
}

// ButtonHandler consumes physical button presses.
type ButtonHandler interface {
	OnButton(ctx context.Context, suffix string) error
}

// Router dispatches inbound messages by topic. It never lets a panic or
// an error escape into the MQTT client.
type Router struct {
	topics    Topics
	telemetry TelemetryIngester
	buttons   ButtonHandler
	logger    *zap.Logger
}

// NewRouter creates a Router.
func NewRouter(topics Topics, telemetry TelemetryIngester, buttons ButtonHandler, logger *zap.Logger) *Router {
	return &Router{
		topics:    topics,
		telemetry: telemetry,
		buttons:   buttons,
		logger:    logger.Named("mqtt.router"),
	}
}

// Handle is a MessageHandler.
func (r *Router) Handle(ctx context.Context, topic string, payload []byte) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("Recovered from panic in message handler",
				zap.String("topic", topic),
				zap.Any("panic", rec))
		}
	}()

	var err error
	switch {
	case topic == r.topics.Telemetry || topic == r.topics.Status:
		err = r.telemetry.Ingest(ctx, payload)
	default:
		suffix, ok := r.topics.ButtonSuffix(topic)
		if !ok {
			r.logger.Debug("Ignoring message on unrouted topic", zap.String("topic", topic))
			return
		}
		err = r.buttons.OnButton(ctx, suffix)
	}

	if err != nil {
		r.logger.Warn("Failed to handle message",
			zap.String("topic", topic),
			zap.Error(err))
	}
}
