// Package input handles manual toggles from physical buttons and the web
// dashboard.
package input

import (
	"context"
	"fmt"

	"aquarium/internal/device"
	"aquarium/internal/dispatch"

	"go.uber.org/zap"
)

// Toggler flips a control key. Policy checks belong to the implementation.
type Toggler interface {
	Toggle(ctx context.Context, key device.Key, source device.Source) (dispatch.Result, error)
}

// Handler routes manual toggles to the dispatcher.
type Handler struct {
	toggler Toggler
	logger  *zap.Logger
}

// NewHandler creates a Handler.
func NewHandler(t Toggler, logger *zap.Logger) *Handler {
	return &Handler{toggler: t, logger: logger.Named("input")}
}

// OnToggle flips key on behalf of a button press or a dashboard click.
func (h *Handler) OnToggle(ctx context.Context, key device.Key, source device.Source) (dispatch.Result, error) {
	if source != device.SourceButton && source != device.SourceWeb {
		return dispatch.Result{}, fmt.Errorf("%w: %q is not a manual source", dispatch.ErrInvalidSource, source)
	}

	res, err := h.toggler.Toggle(ctx, key, source)
	if err != nil {
		return res, err
	}
	if !res.Applied {
		h.logger.Info("Manual toggle not applied",
			zap.String("key", string(key)),
			zap.String("source", string(source)),
			zap.String("reason", string(res.Reason)))
	}
	return res, nil
}

// OnButton handles a press reported on fish/button/<suffix>. Unknown keys
// are logged and dropped.
func (h *Handler) OnButton(ctx context.Context, suffix string) error {
	key, err := device.ParseKey(suffix)
	if err != nil {
		h.logger.Warn("Ignoring press of unknown button", zap.String("button", suffix))
		return nil
	}
	_, err = h.OnToggle(ctx, key, device.SourceButton)
	return err
}
