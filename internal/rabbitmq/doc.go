// Package rabbitmq provides the broker connection and publishing layer.
//
// This package includes:
//   - ConnectionPool: keeps at most one live connection per connection URL,
//     created lazily with single-flight semantics
//   - BuildTLSConfig: builds a mutual TLS configuration from key and trust stores
//   - Client: a short-lived channel bound to one exchange and routing key that
//     declares the exchange and publishes persistent messages
//
// Connections are long-lived and shared; channels are cheap and owned by
// exactly one Client. Every failure is surfaced as one of the typed errors in
// errors.go so callers decide whether it is fatal.
package rabbitmq
