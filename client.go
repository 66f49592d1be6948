// Copyright 2024 The amqp-forward Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package amqpforward

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/fleetrelay/amqp-forward/config"
	"github.com/fleetrelay/amqp-forward/forward"
	"github.com/fleetrelay/amqp-forward/health"
	"github.com/fleetrelay/amqp-forward/internal/rabbitmq"
)

// Broker owns the process-wide connection pool and builds the forwarders
// that publish through it. Create one at start-up and pass it around.
type Broker struct {
	pool   *rabbitmq.ConnectionPool
	logger *slog.Logger
}

// brokerConfig holds broker configuration
type brokerConfig struct {
	logger   *slog.Logger
	poolOpts []rabbitmq.PoolOption
}

// BrokerOption configures the broker
type BrokerOption func(*brokerConfig)

// WithLogger sets the logger for all components
func WithLogger(logger *slog.Logger) BrokerOption {
	return func(cfg *brokerConfig) {
		cfg.logger = logger
	}
}

// WithPoolOptions passes options through to the connection pool
func WithPoolOptions(opts ...rabbitmq.PoolOption) BrokerOption {
	return func(cfg *brokerConfig) {
		cfg.poolOpts = append(cfg.poolOpts, opts...)
	}
}

// WithConnectionConfig applies the connection section of the configuration
func WithConnectionConfig(c config.ConnectionConfig) BrokerOption {
	return func(cfg *brokerConfig) {
		if c.DialTimeout > 0 {
			cfg.poolOpts = append(cfg.poolOpts, rabbitmq.WithDialTimeout(c.DialTimeout))
		}
		if c.Heartbeat > 0 {
			cfg.poolOpts = append(cfg.poolOpts, rabbitmq.WithHeartbeat(c.Heartbeat))
		}
		if c.Name != "" {
			cfg.poolOpts = append(cfg.poolOpts, rabbitmq.WithConnectionName(c.Name))
		}
		cfg.poolOpts = append(cfg.poolOpts, rabbitmq.WithRecreateClosed(c.RecreateClosed))
	}
}

// NewBroker creates a broker with an empty connection pool. No connection is
// made until something publishes.
func NewBroker(options ...BrokerOption) *Broker {
	cfg := &brokerConfig{
		logger: slog.Default(),
	}

	for _, opt := range options {
		opt(cfg)
	}

	poolOpts := append([]rabbitmq.PoolOption{rabbitmq.WithLogger(cfg.logger)}, cfg.poolOpts...)

	return &Broker{
		pool:   rabbitmq.NewConnectionPool(poolOpts...),
		logger: cfg.logger,
	}
}

// Pool returns the underlying connection pool
func (b *Broker) Pool() *rabbitmq.ConnectionPool {
	return b.pool
}

// Connection returns the pooled connection for url, dialing it on first use
func (b *Broker) Connection(ctx context.Context, url string, material *rabbitmq.TLSMaterial) (rabbitmq.Connection, error) {
	return b.pool.GetOrCreateConnection(ctx, url, material)
}

// NewClient opens a publishing client on the pooled connection for url
func (b *Broker) NewClient(ctx context.Context, url, exchange, routingKey string, material *rabbitmq.TLSMaterial) (*rabbitmq.Client, error) {
	conn, err := b.Connection(ctx, url, material)
	if err != nil {
		return nil, err
	}
	return rabbitmq.NewClient(conn, exchange, routingKey, rabbitmq.WithClientLogger(b.logger))
}

// NewEventForwarder builds an event forwarder from a configuration section
func (b *Broker) NewEventForwarder(ctx context.Context, c config.DestinationConfig) (*forward.Forwarder, error) {
	dest, err := forward.DestinationFromConfig(c)
	if err != nil {
		return nil, fmt.Errorf("event forwarder: %w", err)
	}
	return forward.NewEventForwarder(ctx, b.pool, dest, forward.WithLogger(b.logger))
}

// NewPositionForwarder builds a position forwarder from a configuration section
func (b *Broker) NewPositionForwarder(ctx context.Context, c config.DestinationConfig) (*forward.Forwarder, error) {
	dest, err := forward.DestinationFromConfig(c)
	if err != nil {
		return nil, fmt.Errorf("position forwarder: %w", err)
	}
	return forward.NewPositionForwarder(ctx, b.pool, dest, forward.WithLogger(b.logger))
}

// NewNotificator builds a notificator from a configuration section
func (b *Broker) NewNotificator(c config.DestinationConfig) (*forward.Notificator, error) {
	dest, err := forward.DestinationFromConfig(c)
	if err != nil {
		return nil, fmt.Errorf("notificator: %w", err)
	}
	return forward.NewNotificator(b.pool, dest, forward.WithLogger(b.logger)), nil
}

// HealthCheckers returns the checkers describing the broker's state
func (b *Broker) HealthCheckers(leakThreshold int64) []health.Checker {
	return []health.Checker{
		health.NewPoolChecker(b.pool, b.logger),
		health.NewClientLeakChecker(leakThreshold),
	}
}

// Close closes every pooled connection
func (b *Broker) Close() error {
	return b.pool.Close()
}
