package rabbitmq

import (
	"errors"
	"fmt"
	"net/url"
	"time"
)

var (
	// Connection errors
	ErrPoolClosed         = errors.New("rabbitmq: connection pool is closed")
	ErrConnectionClosed   = errors.New("rabbitmq: connection is closed")
	ErrConnectionTimeout  = errors.New("rabbitmq: connection timeout")
	ErrTLSRequiresSecured = errors.New("rabbitmq: tls material requires an amqps url")

	// Channel errors
	ErrChannelClosed         = errors.New("rabbitmq: channel is closed")
	ErrChannelCreationFailed = errors.New("rabbitmq: failed to create channel")

	// Client errors
	ErrClientClosed = errors.New("rabbitmq: client is closed")

	// Topology errors
	ErrInvalidExchangeKind = errors.New("rabbitmq: invalid exchange kind")

	// General errors
	ErrInvalidConfiguration = errors.New("rabbitmq: invalid configuration")
	ErrOperationCancelled   = errors.New("rabbitmq: operation cancelled")
)

// ConnectionError represents a failure to establish a broker connection
type ConnectionError struct {
	Op        string    // Operation that failed
	URL       string    // Connection URL (sanitized)
	Err       error     // Underlying error
	Timestamp time.Time // When the error occurred
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("rabbitmq connection error: %s %s failed: %v", e.Op, e.URL, e.Err)
}

func (e *ConnectionError) Unwrap() error {
	return e.Err
}

// TLSError represents a failure to build a TLS configuration from key and trust stores
type TLSError struct {
	Store string // "key store" or "trust store"
	Path  string
	Err   error
}

func (e *TLSError) Error() string {
	if e.Path == "" {
		return fmt.Sprintf("rabbitmq tls error: %s: %v", e.Store, e.Err)
	}
	return fmt.Sprintf("rabbitmq tls error: %s %s: %v", e.Store, e.Path, e.Err)
}

func (e *TLSError) Unwrap() error {
	return e.Err
}

// ChannelError represents a channel-related error
type ChannelError struct {
	Op        string    // Operation that failed
	ChannelID string    // Channel identifier
	Err       error     // Underlying error
	Timestamp time.Time // When the error occurred
}

func (e *ChannelError) Error() string {
	return fmt.Sprintf("rabbitmq channel error: %s on channel %s: %v", e.Op, e.ChannelID, e.Err)
}

func (e *ChannelError) Unwrap() error {
	return e.Err
}

// DeclareError represents a rejected exchange declaration
type DeclareError struct {
	Exchange  string
	Kind      ExchangeKind
	Durable   bool
	Err       error
	Timestamp time.Time
}

func (e *DeclareError) Error() string {
	return fmt.Sprintf("rabbitmq declare error: failed to declare exchange '%s' (%s, durable=%v): %v",
		e.Exchange, e.Kind, e.Durable, e.Err)
}

func (e *DeclareError) Unwrap() error {
	return e.Err
}

// PublishError represents a publish operation error
type PublishError struct {
	Exchange   string    // Target exchange
	RoutingKey string    // Routing key used
	Err        error     // Underlying error
	Timestamp  time.Time // When the error occurred
}

func (e *PublishError) Error() string {
	return fmt.Sprintf("rabbitmq publish error: failed to publish to %s/%s: %v",
		e.Exchange, e.RoutingKey, e.Err)
}

func (e *PublishError) Unwrap() error {
	return e.Err
}

// IsRetryable determines if an error is worth retrying with a fresh attempt
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	switch {
	case errors.Is(err, ErrInvalidConfiguration):
		return false
	case errors.Is(err, ErrInvalidExchangeKind):
		return false
	case errors.Is(err, ErrTLSRequiresSecured):
		return false
	case errors.Is(err, ErrOperationCancelled):
		return false
	case errors.Is(err, ErrClientClosed):
		return false
	case errors.Is(err, ErrChannelClosed):
		return false
	case errors.Is(err, ErrPoolClosed):
		return false
	}

	// Bad key material and conflicting declarations fail the same way every time
	var tlsErr *TLSError
	if errors.As(err, &tlsErr) {
		return false
	}

	var declErr *DeclareError
	if errors.As(err, &declErr) {
		return false
	}

	return true
}

// IsFatal determines if an error is fatal and should not be retried
func IsFatal(err error) bool {
	return !IsRetryable(err)
}

// SanitizeURL removes the password from a connection URL so it can be logged
func SanitizeURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return "***"
	}
	return u.Redacted()
}
