package notify

import (
	"context"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Delivery statuses reported by a dispatcher.
const (
	StatusSent   = "sent"
	StatusFailed = "failed"
)

// Delivery identifies one outbound message attempt.
type Delivery struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

// Dispatcher is the outbound message gateway. Delivery is at-least-once:
// callers log the returned status and do not retry beyond the next
// scheduled pass.
type Dispatcher interface {
	Send(ctx context.Context, tenantID, recipient, message string) (Delivery, error)
}

// LogDispatcher writes messages to the log instead of a real gateway.
// Default for dev and for deployments with delivery disabled.
type LogDispatcher struct {
	log zerolog.Logger
}

func NewLogDispatcher(log zerolog.Logger) *LogDispatcher {
	return &LogDispatcher{log: log.With().Str("component", "dispatcher").Logger()}
}

func (d *LogDispatcher) Send(_ context.Context, tenantID, recipient, message string) (Delivery, error) {
	id := uuid.New().String()
	d.log.Info().
		Str("tenant", tenantID).
		Str("recipient", recipient).
		Str("delivery_id", id).
		Str("message", message).
		Msg("notification dispatched")
	return Delivery{ID: id, Status: StatusSent}, nil
}
