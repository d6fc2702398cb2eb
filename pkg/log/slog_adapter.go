package log

import (
	"context"
	"log/slog"
)

// SlogAdapter writes protocol events to an slog.Logger.
// Useful for development when you want to see protocol events in console.
type SlogAdapter struct {
	logger *slog.Logger
}

// NewSlogAdapter creates a new SlogAdapter that writes to the given slog.Logger.
func NewSlogAdapter(logger *slog.Logger) *SlogAdapter {
	return &SlogAdapter{logger: logger}
}

// Log writes the event to the slog logger at Debug level.
func (a *SlogAdapter) Log(event Event) {
	attrs := []slog.Attr{
		slog.String("conn_id", event.ConnectionID),
		slog.String("direction", event.Direction.String()),
		slog.String("layer", event.Layer.String()),
		slog.String("category", event.Category.String()),
	}

	if event.Host != "" {
		attrs = append(attrs, slog.String("host", event.Host))
	}
	if event.LinkName != "" {
		attrs = append(attrs, slog.String("link", event.LinkName))
	}
	if event.Address != "" {
		attrs = append(attrs, slog.String("address", event.Address))
	}

	// Add type-specific attributes
	switch {
	case event.Message != nil:
		attrs = append(attrs, slog.Int("size", event.Message.Size))
		if event.Message.DeliveryID != 0 {
			attrs = append(attrs, slog.Uint64("delivery_id", event.Message.DeliveryID))
		}
		if event.Message.MessageID != "" {
			attrs = append(attrs, slog.String("msg_id", event.Message.MessageID))
		}
		if event.Message.CorrelationID != "" {
			attrs = append(attrs, slog.String("correlation_id", event.Message.CorrelationID))
		}
	case event.Settlement != nil:
		attrs = append(attrs, slog.String("outcome", event.Settlement.Outcome.String()))
		if event.Settlement.DeliveryID != 0 {
			attrs = append(attrs, slog.Uint64("delivery_id", event.Settlement.DeliveryID))
		}
		if event.Settlement.MessageID != "" {
			attrs = append(attrs, slog.String("msg_id", event.Settlement.MessageID))
		}
		if event.Settlement.Latency != nil {
			attrs = append(attrs, slog.Duration("latency", *event.Settlement.Latency))
		}
	case event.StateChange != nil:
		attrs = append(attrs,
			slog.String("entity", event.StateChange.Entity.String()),
			slog.String("old_state", event.StateChange.OldState),
			slog.String("new_state", event.StateChange.NewState),
		)
		if event.StateChange.Reason != "" {
			attrs = append(attrs, slog.String("reason", event.StateChange.Reason))
		}
	case event.Token != nil:
		attrs = append(attrs,
			slog.String("audience", event.Token.Audience),
			slog.String("request_id", event.Token.RequestID),
		)
		if event.Token.StatusCode != nil {
			attrs = append(attrs, slog.Int("status_code", *event.Token.StatusCode))
		}
		if event.Token.Description != "" {
			attrs = append(attrs, slog.String("status_description", event.Token.Description))
		}
	case event.Error != nil:
		attrs = append(attrs,
			slog.String("error_layer", event.Error.Layer.String()),
			slog.String("error_msg", event.Error.Message),
			slog.String("error_context", event.Error.Context),
		)
		if event.Error.Kind != "" {
			attrs = append(attrs, slog.String("error_kind", event.Error.Kind))
		}
		if event.Error.Condition != "" {
			attrs = append(attrs, slog.String("error_condition", event.Error.Condition))
		}
	}

	a.logger.LogAttrs(context.Background(), slog.LevelDebug, "protocol", attrs...)
}

// Compile-time interface satisfaction check.
var _ Logger = (*SlogAdapter)(nil)
