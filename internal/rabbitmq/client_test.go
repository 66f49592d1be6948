package rabbitmq

import (
	"context"
	"errors"
	"testing"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestConnection(t *testing.T, broker *fakeBroker) Connection {
	t.Helper()
	pool := NewConnectionPool(WithDialer(broker.dialer()))
	conn, err := pool.GetOrCreateConnection(context.Background(), testURL, nil)
	require.NoError(t, err)
	return conn
}

func channelOf(c *Client) *fakeChannel {
	return c.channel.(*fakeChannel)
}

func TestNewClient(t *testing.T) {
	t.Run("opens a channel bound to exchange and routing key", func(t *testing.T) {
		conn := newTestConnection(t, newFakeBroker())

		client, err := NewClient(conn, "events", "device.42")
		require.NoError(t, err)
		defer client.Close()

		assert.Equal(t, "events", client.Exchange())
		assert.Equal(t, "device.42", client.RoutingKey())
		assert.NotEmpty(t, client.ID())
		assert.True(t, client.IsOpen())
	})

	t.Run("clients from one connection never share a channel", func(t *testing.T) {
		conn := newTestConnection(t, newFakeBroker())

		a, err := NewClient(conn, "events", "a")
		require.NoError(t, err)
		defer a.Close()
		b, err := NewClient(conn, "events", "b")
		require.NoError(t, err)
		defer b.Close()

		assert.NotSame(t, channelOf(a), channelOf(b))
		assert.NotEqual(t, channelOf(a).id, channelOf(b).id)
		assert.NotEqual(t, a.ID(), b.ID())
	})

	t.Run("closed connection yields ChannelError", func(t *testing.T) {
		conn := newTestConnection(t, newFakeBroker())
		require.NoError(t, conn.Close())

		client, err := NewClient(conn, "events", "device.42")
		assert.Nil(t, client)

		var chanErr *ChannelError
		require.ErrorAs(t, err, &chanErr)
		assert.Equal(t, "open channel", chanErr.Op)
		assert.ErrorIs(t, err, ErrConnectionClosed)
	})

	t.Run("channel open failure yields ChannelError", func(t *testing.T) {
		cause := &amqp.Error{Code: amqp.ChannelError, Reason: "channel_max reached"}
		conn := &fakeConnection{broker: newFakeBroker(), chanErr: cause}
		before := LiveClients()

		_, err := NewClient(conn, "events", "device.42")
		var chanErr *ChannelError
		require.ErrorAs(t, err, &chanErr)
		assert.ErrorIs(t, err, ErrChannelCreationFailed)

		var amqpErr *amqp.Error
		require.ErrorAs(t, err, &amqpErr)
		assert.Equal(t, amqp.ChannelError, amqpErr.Code)
		assert.Equal(t, before, LiveClients())
	})

	t.Run("nil connection is rejected", func(t *testing.T) {
		_, err := NewClient(nil, "events", "device.42")
		assert.ErrorIs(t, err, ErrInvalidConfiguration)
	})
}

func TestClientDeclareAndPublish(t *testing.T) {
	ctx := context.Background()

	t.Run("declares topic exchange then publishes persistent plain text", func(t *testing.T) {
		broker := newFakeBroker()
		client, err := NewClient(newTestConnection(t, broker), "events", "device.42")
		require.NoError(t, err)
		defer client.Close()

		require.NoError(t, client.DeclareExchange(ExchangeTopic, true))
		require.NoError(t, client.Publish(ctx, []byte(`{"id":1}`)))

		declares := broker.Declares()
		require.Len(t, declares, 1)
		assert.Equal(t, ExchangeDeclaration{Name: "events", Kind: ExchangeTopic, Durable: true}, declares[0])

		publishes := broker.Publishes()
		require.Len(t, publishes, 1)
		assert.Equal(t, "events", publishes[0].Exchange)
		assert.Equal(t, "device.42", publishes[0].RoutingKey)
		assert.Equal(t, `{"id":1}`, string(publishes[0].Msg.Body))
		assert.Equal(t, amqp.Persistent, publishes[0].Msg.DeliveryMode)
		assert.Equal(t, "text/plain", publishes[0].Msg.ContentType)
	})

	t.Run("conflicting redeclaration on a second client yields DeclareError", func(t *testing.T) {
		broker := newFakeBroker()
		conn := newTestConnection(t, broker)

		first, err := NewClient(conn, "events", "device.42")
		require.NoError(t, err)
		defer first.Close()
		require.NoError(t, first.DeclareExchange(ExchangeTopic, true))

		second, err := NewClient(conn, "events", "device.42")
		require.NoError(t, err)
		defer second.Close()

		err = second.DeclareExchange(ExchangeFanout, false)
		var declErr *DeclareError
		require.ErrorAs(t, err, &declErr)
		assert.Equal(t, "events", declErr.Exchange)
		assert.Equal(t, ExchangeFanout, declErr.Kind)
		assert.False(t, declErr.Durable)

		var amqpErr *amqp.Error
		require.ErrorAs(t, err, &amqpErr)
		assert.Equal(t, amqp.PreconditionFailed, amqpErr.Code)
		assert.True(t, IsFatal(err))
	})

	t.Run("identical redeclaration is accepted", func(t *testing.T) {
		broker := newFakeBroker()
		conn := newTestConnection(t, broker)

		for i := 0; i < 2; i++ {
			client, err := NewClient(conn, "positions", "pos")
			require.NoError(t, err)
			assert.NoError(t, client.DeclareExchange(ExchangeDirect, true))
			client.Close()
		}
		assert.Len(t, broker.Declares(), 2)
	})

	t.Run("unknown exchange kind is rejected before reaching the broker", func(t *testing.T) {
		broker := newFakeBroker()
		client, err := NewClient(newTestConnection(t, broker), "events", "device.42")
		require.NoError(t, err)
		defer client.Close()

		err = client.DeclareExchange(ExchangeKind("x-delayed"), true)
		var declErr *DeclareError
		require.ErrorAs(t, err, &declErr)
		assert.ErrorIs(t, err, ErrInvalidExchangeKind)
		assert.Empty(t, broker.Declares())
	})

	t.Run("publish failure yields PublishError and keeps the client open", func(t *testing.T) {
		broker := newFakeBroker()
		client, err := NewClient(newTestConnection(t, broker), "events", "device.42")
		require.NoError(t, err)
		defer client.Close()

		ioErr := errors.New("write: broken pipe")
		channelOf(client).publishErr = ioErr

		err = client.Publish(ctx, []byte("x"))
		var pubErr *PublishError
		require.ErrorAs(t, err, &pubErr)
		assert.Equal(t, "events", pubErr.Exchange)
		assert.Equal(t, "device.42", pubErr.RoutingKey)
		assert.ErrorIs(t, err, ioErr)
		assert.True(t, client.IsOpen())

		channelOf(client).publishErr = nil
		assert.NoError(t, client.Publish(ctx, []byte("y")))
		assert.Len(t, broker.Publishes(), 1)
	})
}

func TestClientClose(t *testing.T) {
	ctx := context.Background()

	t.Run("close twice decrements the live counter once", func(t *testing.T) {
		conn := newTestConnection(t, newFakeBroker())
		before := LiveClients()

		client, err := NewClient(conn, "events", "device.42")
		require.NoError(t, err)
		assert.Equal(t, before+1, LiveClients())

		ch := channelOf(client)
		assert.NoError(t, client.Close())
		assert.NoError(t, client.Close())

		assert.Equal(t, before, LiveClients())
		assert.Equal(t, 1, ch.closeCalls)
		assert.False(t, client.IsOpen())
	})

	t.Run("operations after close fail without touching the channel", func(t *testing.T) {
		broker := newFakeBroker()
		client, err := NewClient(newTestConnection(t, broker), "events", "device.42")
		require.NoError(t, err)

		ch := channelOf(client)
		require.NoError(t, client.Close())
		opsAtClose := ch.ops

		assert.ErrorIs(t, client.Publish(ctx, []byte("late")), ErrClientClosed)
		assert.ErrorIs(t, client.DeclareExchange(ExchangeTopic, true), ErrClientClosed)
		assert.Equal(t, opsAtClose, ch.ops)
		assert.Empty(t, broker.Publishes())
	})

	t.Run("channel closed by the broker fails fast and is not retryable", func(t *testing.T) {
		broker := newFakeBroker()
		client, err := NewClient(newTestConnection(t, broker), "events", "device.42")
		require.NoError(t, err)
		defer client.Close()

		ch := channelOf(client)
		ch.closed = true
		opsBefore := ch.ops

		err = client.Publish(ctx, []byte("x"))
		var pubErr *PublishError
		require.ErrorAs(t, err, &pubErr)
		assert.ErrorIs(t, err, ErrChannelClosed)
		assert.True(t, IsFatal(err))
		assert.False(t, client.IsOpen())

		err = client.DeclareExchange(ExchangeTopic, true)
		var declErr *DeclareError
		require.ErrorAs(t, err, &declErr)
		assert.ErrorIs(t, err, ErrChannelClosed)

		assert.Equal(t, opsBefore, ch.ops)
		assert.Empty(t, broker.Publishes())
	})

	t.Run("close swallows channel close errors", func(t *testing.T) {
		client, err := NewClient(newTestConnection(t, newFakeBroker()), "events", "device.42")
		require.NoError(t, err)

		channelOf(client).closeErr = errors.New("connection reset")
		assert.NoError(t, client.Close())
		assert.False(t, client.IsOpen())
	})

	t.Run("close skips a channel the broker already closed", func(t *testing.T) {
		client, err := NewClient(newTestConnection(t, newFakeBroker()), "events", "device.42")
		require.NoError(t, err)

		ch := channelOf(client)
		ch.closed = true
		assert.NoError(t, client.Close())
		assert.Equal(t, 0, ch.closeCalls)
	})
}
