package forward

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/fleetrelay/amqp-forward/internal/rabbitmq"
)

// Forwarder publishes every payload it is given to one destination over a
// client it holds for its whole lifetime. It is used for continuous streams
// such as events and positions.
type Forwarder struct {
	kind   string
	dest   Destination
	client *rabbitmq.Client // nil when disabled
	logger *slog.Logger
}

// NewEventForwarder connects the event stream to dest
func NewEventForwarder(ctx context.Context, source ConnectionSource, dest Destination, opts ...Option) (*Forwarder, error) {
	return newForwarder(ctx, "event", source, dest, opts)
}

// NewPositionForwarder connects the position stream to dest
func NewPositionForwarder(ctx context.Context, source ConnectionSource, dest Destination, opts ...Option) (*Forwarder, error) {
	return newForwarder(ctx, "position", source, dest, opts)
}

func newForwarder(ctx context.Context, kind string, source ConnectionSource, dest Destination, opts []Option) (*Forwarder, error) {
	o := buildOptions(opts)
	logger := o.logger.With("forwarder", kind)

	logger.Debug("creating connection to RabbitMQ",
		"url", rabbitmq.SanitizeURL(dest.URL),
		"exchange", dest.Exchange,
		"topic", dest.RoutingKey)

	f := &Forwarder{kind: kind, dest: dest, logger: logger}

	client, err := openClient(ctx, source, dest, logger)
	if err != nil {
		if dest.OnFailure == PolicyDegrade {
			logger.Warn("forwarder disabled, broker unavailable", "error", err)
			return f, nil
		}
		return nil, fmt.Errorf("%s forwarder: %w", kind, err)
	}

	f.client = client
	f.logger = logger.With("client", client.ID())
	return f, nil
}

// Enabled reports whether payloads are actually published
func (f *Forwarder) Enabled() bool {
	return f.client != nil
}

// Forward serializes payload as JSON and publishes it. A disabled forwarder
// drops the payload and returns nil.
func (f *Forwarder) Forward(ctx context.Context, payload any) error {
	if f.client == nil {
		f.logger.Debug("dropping payload, forwarder disabled")
		return nil
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("%s forwarder: encoding payload: %w", f.kind, err)
	}

	err = f.dest.attempt(ctx, f.logger, func(ctx context.Context) error {
		return f.client.Publish(ctx, body)
	})
	if err != nil {
		if rabbitmq.IsFatal(err) {
			f.logger.Error("failed forwarding, further publishes will fail too",
				"clientOpen", f.client.IsOpen(),
				"error", err)
		} else {
			f.logger.Warn("failed forwarding", "error", err)
		}
		return fmt.Errorf("%s forwarder: %w", f.kind, err)
	}

	f.logger.Debug("published forward", "body", string(body))
	return nil
}

// Close releases the forwarder's channel
func (f *Forwarder) Close() error {
	if f.client == nil {
		return nil
	}
	return f.client.Close()
}
