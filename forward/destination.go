package forward

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/fleetrelay/amqp-forward/config"
	"github.com/fleetrelay/amqp-forward/internal/rabbitmq"
	"github.com/fleetrelay/amqp-forward/internal/retry"
)

// FailurePolicy decides what a forwarder does when the broker is unreachable
type FailurePolicy int

const (
	// PolicyFatal returns the failure to the caller
	PolicyFatal FailurePolicy = iota
	// PolicyDegrade logs the failure and keeps going without publishing
	PolicyDegrade
)

func (p FailurePolicy) String() string {
	switch p {
	case PolicyFatal:
		return config.OnFailureFatal
	case PolicyDegrade:
		return config.OnFailureDegrade
	default:
		return fmt.Sprintf("FailurePolicy(%d)", int(p))
	}
}

// ParseFailurePolicy converts "fatal" or "degrade"; empty means fatal
func ParseFailurePolicy(s string) (FailurePolicy, error) {
	switch strings.ToLower(s) {
	case "", config.OnFailureFatal:
		return PolicyFatal, nil
	case config.OnFailureDegrade:
		return PolicyDegrade, nil
	default:
		return 0, fmt.Errorf("%w: unknown failure policy %q", rabbitmq.ErrInvalidConfiguration, s)
	}
}

// Destination is one exchange and routing key on one broker
type Destination struct {
	URL        string
	Exchange   string
	RoutingKey string

	DeclareExchange bool
	ExchangeKind    rabbitmq.ExchangeKind
	Durable         bool

	TLS       *rabbitmq.TLSMaterial
	OnFailure FailurePolicy

	// Retry repeats publishes that failed with a retryable error; nil
	// publishes once
	Retry retry.Policy
}

// DestinationFromConfig converts a configuration section into a Destination
func DestinationFromConfig(c config.DestinationConfig) (Destination, error) {
	kind, err := rabbitmq.ParseExchangeKind(c.Declare.Type)
	if err != nil {
		return Destination{}, err
	}
	policy, err := ParseFailurePolicy(c.OnFailure)
	if err != nil {
		return Destination{}, err
	}

	d := Destination{
		URL:             c.URL,
		Exchange:        c.Exchange,
		RoutingKey:      c.Topic,
		DeclareExchange: c.Declare.Enabled,
		ExchangeKind:    kind,
		Durable:         c.Declare.Durable,
		OnFailure:       policy,
	}

	if c.Retry.MaxAttempts > 1 {
		d.Retry = retry.NewBackoff(c.Retry.InitialInterval, c.Retry.MaxInterval, c.Retry.MaxAttempts, rabbitmq.IsRetryable)
	}

	if c.TLS != nil {
		d.TLS = &rabbitmq.TLSMaterial{
			KeyStorePath:       c.TLS.KeyStore.Path,
			KeyStorePassword:   c.TLS.KeyStore.Password,
			TrustStorePath:     c.TLS.TrustStore.Path,
			TrustStorePassword: c.TLS.TrustStore.Password,
			Format:             rabbitmq.StoreFormat(strings.ToLower(c.TLS.Format)),
		}
	}

	return d, nil
}

// ConnectionSource hands out pooled broker connections
type ConnectionSource interface {
	GetOrCreateConnection(ctx context.Context, url string, material *rabbitmq.TLSMaterial) (rabbitmq.Connection, error)
}

// Option configures forwarders and notificators
type Option func(*options)

type options struct {
	logger *slog.Logger
}

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

func buildOptions(opts []Option) options {
	o := options{logger: slog.Default()}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// openClient connects, opens a client and declares the exchange when asked.
// On failure nothing is left open.
func openClient(ctx context.Context, source ConnectionSource, dest Destination, logger *slog.Logger) (*rabbitmq.Client, error) {
	conn, err := source.GetOrCreateConnection(ctx, dest.URL, dest.TLS)
	if err != nil {
		return nil, err
	}

	client, err := rabbitmq.NewClient(conn, dest.Exchange, dest.RoutingKey, rabbitmq.WithClientLogger(logger))
	if err != nil {
		return nil, err
	}

	if dest.DeclareExchange {
		if err := client.DeclareExchange(dest.ExchangeKind, dest.Durable); err != nil {
			client.Close()
			return nil, err
		}
	}

	return client, nil
}

// attempt runs fn under the destination's retry policy
func (d Destination) attempt(ctx context.Context, logger *slog.Logger, fn func(ctx context.Context) error) error {
	if d.Retry == nil {
		return fn(ctx)
	}

	attempts := 0
	return retry.Do(ctx, d.Retry, func(ctx context.Context) error {
		attempts++
		if attempts > 1 {
			logger.Debug("retrying publish", "attempt", attempts)
		}
		return fn(ctx)
	})
}
