package rabbitmq

import (
	"context"
	"crypto/tls"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Connection is a long-lived broker connection shared by every Client derived from it
type Connection interface {
	// Channel opens a new channel. Each call returns a distinct channel.
	Channel() (Channel, error)
	IsClosed() bool
	Close() error
}

// Channel is the subset of *amqp.Channel used for publishing and declaring
type Channel interface {
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	IsClosed() bool
	Close() error
}

// DialConfig carries everything a Dialer needs for one connection attempt
type DialConfig struct {
	URL       string
	TLS       *tls.Config // nil for plain connections
	Timeout   time.Duration
	Heartbeat time.Duration
	Name      string // reported to the broker as connection_name
}

// Dialer opens a physical broker connection
type Dialer interface {
	Dial(ctx context.Context, cfg DialConfig) (Connection, error)
}

// DialerFunc adapts a function to the Dialer interface
type DialerFunc func(ctx context.Context, cfg DialConfig) (Connection, error)

func (f DialerFunc) Dial(ctx context.Context, cfg DialConfig) (Connection, error) {
	return f(ctx, cfg)
}

// amqpConnection adapts *amqp.Connection to Connection
type amqpConnection struct {
	*amqp.Connection
}

func (c *amqpConnection) Channel() (Channel, error) {
	ch, err := c.Connection.Channel()
	if err != nil {
		return nil, err
	}
	return ch, nil
}

// AMQPDialer dials real brokers with amqp091-go
type AMQPDialer struct{}

// Dial connects and performs the protocol handshake. The attempt is bounded by
// cfg.Timeout at the socket level and abandoned early when ctx is done; a
// connection that completes after abandonment is closed.
func (AMQPDialer) Dial(ctx context.Context, cfg DialConfig) (Connection, error) {
	props := amqp.NewConnectionProperties()
	if cfg.Name != "" {
		props.SetClientConnectionName(cfg.Name)
	}

	amqpCfg := amqp.Config{
		Heartbeat:       cfg.Heartbeat,
		Locale:          "en_US",
		TLSClientConfig: cfg.TLS,
		Properties:      props,
		Dial:            amqp.DefaultDial(cfg.Timeout),
	}

	connChan := make(chan *amqp.Connection, 1)
	errChan := make(chan error, 1)

	go func() {
		conn, err := amqp.DialConfig(cfg.URL, amqpCfg)
		if err != nil {
			errChan <- err
			return
		}
		connChan <- conn
	}()

	select {
	case conn := <-connChan:
		return &amqpConnection{Connection: conn}, nil

	case err := <-errChan:
		return nil, err

	case <-ctx.Done():
		go func() {
			select {
			case conn := <-connChan:
				_ = conn.Close()
			case <-errChan:
			}
		}()
		return nil, ctx.Err()
	}
}
