package forward

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/fleetrelay/amqp-forward/internal/rabbitmq"
)

// Notification is the document published for every user notification
type Notification struct {
	User         any `json:"user"`
	Notification any `json:"notification"`
	Event        any `json:"event"`
	Position     any `json:"position"`
}

// Notificator publishes notifications over a client opened for each send.
// Notifications are rare, so no channel is held between sends.
type Notificator struct {
	source ConnectionSource
	dest   Destination
	logger *slog.Logger
}

// NewNotificator prepares a notificator; no connection is made until Send
func NewNotificator(source ConnectionSource, dest Destination, opts ...Option) *Notificator {
	o := buildOptions(opts)
	logger := o.logger.With("notificator", "amqp")

	logger.Debug("notificator configured",
		"url", rabbitmq.SanitizeURL(dest.URL),
		"exchange", dest.Exchange,
		"topic", dest.RoutingKey)

	return &Notificator{source: source, dest: dest, logger: logger}
}

// Send publishes notification. With PolicyDegrade a broker failure is logged and
// swallowed; encoding errors are always returned.
func (n *Notificator) Send(ctx context.Context, notification Notification) error {
	body, err := json.Marshal(notification)
	if err != nil {
		return fmt.Errorf("notificator: encoding notification: %w", err)
	}

	err = n.dest.attempt(ctx, n.logger, func(ctx context.Context) error {
		client, err := openClient(ctx, n.source, n.dest, n.logger)
		if err != nil {
			return err
		}
		defer client.Close()

		return client.Publish(ctx, body)
	})
	if err != nil {
		return n.fail(err)
	}

	return nil
}

func (n *Notificator) fail(err error) error {
	n.logger.Warn("failed to publish notification", "error", err)
	if n.dest.OnFailure == PolicyDegrade {
		return nil
	}
	return fmt.Errorf("notificator: %w", err)
}
