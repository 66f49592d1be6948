package rabbitmq

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
)

// liveClients counts open clients across the process. Diagnostics only.
var liveClients atomic.Int64

// LiveClients returns the number of clients created and not yet closed
func LiveClients() int64 {
	return liveClients.Load()
}

// Client publishes to one exchange with one routing key over its own channel.
//
// A Client is intended for a single producer at a time. Calls are serialized
// internally so Close is safe against a concurrent Publish, but concurrent
// publishers should each own a Client.
type Client struct {
	id         string
	exchange   string
	routingKey string
	logger     *slog.Logger

	mu      sync.Mutex
	channel Channel // nil once closed
}

// ClientOption configures the client
type ClientOption func(*Client)

// WithClientLogger sets the logger
func WithClientLogger(logger *slog.Logger) ClientOption {
	return func(c *Client) {
		c.logger = logger
	}
}

// NewClient opens a fresh channel on conn bound to exchange and routingKey
func NewClient(conn Connection, exchange, routingKey string, options ...ClientOption) (*Client, error) {
	c := &Client{
		id:         uuid.New().String(),
		exchange:   exchange,
		routingKey: routingKey,
		logger:     slog.Default(),
	}

	for _, opt := range options {
		opt(c)
	}

	if conn == nil {
		return nil, &ChannelError{
			Op:        "open channel",
			ChannelID: c.id,
			Err:       fmt.Errorf("%w: connection is nil", ErrInvalidConfiguration),
			Timestamp: time.Now(),
		}
	}
	if conn.IsClosed() {
		return nil, &ChannelError{
			Op:        "open channel",
			ChannelID: c.id,
			Err:       ErrConnectionClosed,
			Timestamp: time.Now(),
		}
	}

	ch, err := conn.Channel()
	if err != nil {
		return nil, &ChannelError{
			Op:        "open channel",
			ChannelID: c.id,
			Err:       fmt.Errorf("%w: %w", ErrChannelCreationFailed, err),
			Timestamp: time.Now(),
		}
	}
	c.channel = ch

	c.logger.Debug("amqp client opened",
		"client", c.id,
		"exchange", exchange,
		"routingKey", routingKey,
		"liveClients", liveClients.Add(1))

	return c, nil
}

// ID returns the identifier used for this client's channel in logs and errors
func (c *Client) ID() string {
	return c.id
}

// Exchange returns the bound exchange name
func (c *Client) Exchange() string {
	return c.exchange
}

// RoutingKey returns the bound routing key
func (c *Client) RoutingKey() string {
	return c.routingKey
}

// DeclareExchange declares the bound exchange. Redeclaring with identical
// parameters is a no-op at the broker; conflicting parameters fail and the
// broker closes the channel.
func (c *Client) DeclareExchange(kind ExchangeKind, durable bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.channel == nil {
		return ErrClientClosed
	}

	decl := ExchangeDeclaration{Name: c.exchange, Kind: kind, Durable: durable}
	fail := func(err error) error {
		return &DeclareError{
			Exchange:  c.exchange,
			Kind:      kind,
			Durable:   durable,
			Err:       err,
			Timestamp: time.Now(),
		}
	}

	if !kind.Valid() {
		return fail(fmt.Errorf("%w: %q", ErrInvalidExchangeKind, string(kind)))
	}
	if c.channel.IsClosed() {
		return fail(ErrChannelClosed)
	}

	if err := declareExchange(c.channel, decl); err != nil {
		c.logger.Error("failed declaring exchange, already exists with other parameters or no rights?",
			"client", c.id,
			"exchange", c.exchange,
			"kind", kind,
			"durable", durable,
			"error", err)
		return fail(err)
	}

	return nil
}

// Publish sends body to the bound exchange and routing key as a persistent
// plain text message. It returns once the frame is written; no broker
// confirmation is awaited. A failure leaves the client open.
func (c *Client) Publish(ctx context.Context, body []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.channel == nil {
		return ErrClientClosed
	}

	// The broker closes a channel after a channel-level error
	if c.channel.IsClosed() {
		return &PublishError{
			Exchange:   c.exchange,
			RoutingKey: c.routingKey,
			Err:        ErrChannelClosed,
			Timestamp:  time.Now(),
		}
	}

	publishing := amqp.Publishing{
		ContentType:  "text/plain",
		DeliveryMode: amqp.Persistent,
		Timestamp:    time.Now(),
		Body:         body,
	}

	err := c.channel.PublishWithContext(
		ctx,
		c.exchange,
		c.routingKey,
		false, // mandatory
		false, // immediate
		publishing,
	)
	if err != nil {
		return &PublishError{
			Exchange:   c.exchange,
			RoutingKey: c.routingKey,
			Err:        err,
			Timestamp:  time.Now(),
		}
	}

	return nil
}

// IsOpen reports whether the client can still publish
func (c *Client) IsOpen() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.channel != nil && !c.channel.IsClosed()
}

// Close closes the channel. It is idempotent and never fails: close errors are
// logged, since Close usually runs during cleanup after another error.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.channel == nil {
		return nil
	}

	if !c.channel.IsClosed() {
		if err := c.channel.Close(); err != nil {
			c.logger.Warn("got error closing channel", "client", c.id, "error", err)
		}
	}
	c.channel = nil

	c.logger.Debug("amqp client closed",
		"client", c.id,
		"liveClients", liveClients.Add(-1))

	return nil
}
