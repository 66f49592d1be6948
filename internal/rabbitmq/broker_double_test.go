package rabbitmq

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// fakeBroker records declares and publishes the way a broker would see them
type fakeBroker struct {
	mu        sync.Mutex
	exchanges map[string]ExchangeDeclaration
	declares  []ExchangeDeclaration
	publishes []fakePublish

	dials     atomic.Int32
	dialDelay time.Duration
	dialErr   error
}

type fakePublish struct {
	Exchange   string
	RoutingKey string
	Msg        amqp.Publishing
}

func newFakeBroker() *fakeBroker {
	return &fakeBroker{exchanges: make(map[string]ExchangeDeclaration)}
}

func (b *fakeBroker) dialer() Dialer {
	return DialerFunc(func(ctx context.Context, cfg DialConfig) (Connection, error) {
		b.dials.Add(1)
		if b.dialDelay > 0 {
			select {
			case <-time.After(b.dialDelay):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
		if b.dialErr != nil {
			return nil, b.dialErr
		}
		return &fakeConnection{broker: b, url: cfg.URL}, nil
	})
}

func (b *fakeBroker) Declares() []ExchangeDeclaration {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]ExchangeDeclaration(nil), b.declares...)
}

func (b *fakeBroker) Publishes() []fakePublish {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]fakePublish(nil), b.publishes...)
}

type fakeConnection struct {
	broker   *fakeBroker
	url      string
	closed   atomic.Bool
	channels atomic.Int32
	chanErr  error
}

func (c *fakeConnection) Channel() (Channel, error) {
	if c.chanErr != nil {
		return nil, c.chanErr
	}
	if c.closed.Load() {
		return nil, amqp.ErrClosed
	}
	id := c.channels.Add(1)
	return &fakeChannel{broker: c.broker, id: int(id)}, nil
}

func (c *fakeConnection) IsClosed() bool {
	return c.closed.Load()
}

func (c *fakeConnection) Close() error {
	c.closed.Store(true)
	return nil
}

type fakeChannel struct {
	broker     *fakeBroker
	id         int
	closed     bool
	closeErr   error
	closeCalls int
	publishErr error
	ops        int
}

func (ch *fakeChannel) ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error {
	ch.ops++
	if ch.closed {
		return amqp.ErrClosed
	}

	b := ch.broker
	b.mu.Lock()
	defer b.mu.Unlock()

	decl := ExchangeDeclaration{Name: name, Kind: ExchangeKind(kind), Durable: durable}
	if existing, ok := b.exchanges[name]; ok && existing != decl {
		// The broker closes the channel on a precondition failure
		ch.closed = true
		return &amqp.Error{
			Code:   amqp.PreconditionFailed,
			Reason: fmt.Sprintf("PRECONDITION_FAILED - inequivalent arg 'type' for exchange '%s'", name),
		}
	}
	b.exchanges[name] = decl
	b.declares = append(b.declares, decl)
	return nil
}

func (ch *fakeChannel) PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error {
	ch.ops++
	if ch.closed {
		return amqp.ErrClosed
	}
	if ch.publishErr != nil {
		return ch.publishErr
	}

	b := ch.broker
	b.mu.Lock()
	defer b.mu.Unlock()
	b.publishes = append(b.publishes, fakePublish{Exchange: exchange, RoutingKey: key, Msg: msg})
	return nil
}

func (ch *fakeChannel) IsClosed() bool {
	return ch.closed
}

func (ch *fakeChannel) Close() error {
	ch.closeCalls++
	ch.closed = true
	return ch.closeErr
}
