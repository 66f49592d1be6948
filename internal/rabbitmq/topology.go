package rabbitmq

import (
	"fmt"
	"strings"

	amqp "github.com/rabbitmq/amqp091-go"
)

// ExchangeKind is one of the broker's built-in exchange types
type ExchangeKind string

const (
	ExchangeDirect  ExchangeKind = amqp.ExchangeDirect
	ExchangeFanout  ExchangeKind = amqp.ExchangeFanout
	ExchangeTopic   ExchangeKind = amqp.ExchangeTopic
	ExchangeHeaders ExchangeKind = amqp.ExchangeHeaders
)

// DefaultExchangeKind is used when configuration leaves the type empty
const DefaultExchangeKind = ExchangeTopic

// ParseExchangeKind converts a case-insensitive type name into an ExchangeKind.
// An empty name yields DefaultExchangeKind.
func ParseExchangeKind(name string) (ExchangeKind, error) {
	kind := ExchangeKind(strings.ToLower(strings.TrimSpace(name)))
	if kind == "" {
		return DefaultExchangeKind, nil
	}
	if !kind.Valid() {
		return "", fmt.Errorf("%w: %q", ErrInvalidExchangeKind, name)
	}
	return kind, nil
}

// Valid reports whether k is a built-in exchange type
func (k ExchangeKind) Valid() bool {
	switch k {
	case ExchangeDirect, ExchangeFanout, ExchangeTopic, ExchangeHeaders:
		return true
	}
	return false
}

func (k ExchangeKind) String() string {
	return string(k)
}

// ExchangeDeclaration defines an exchange to be declared
type ExchangeDeclaration struct {
	Name    string
	Kind    ExchangeKind
	Durable bool
}

// declareExchange declares an exchange on the given channel
func declareExchange(ch Channel, exchange ExchangeDeclaration) error {
	return ch.ExchangeDeclare(
		exchange.Name,
		string(exchange.Kind),
		exchange.Durable,
		false, // auto-delete
		false, // internal
		false, // no-wait
		nil,   // arguments
	)
}
