package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"golang.org/x/sync/singleflight"
)

// ConnectionPool keeps at most one live connection per connection URL.
//
// Lookups of an existing connection never block on creation; creation for a
// given URL is single-flight, so concurrent callers share one dial attempt and
// receive its connection or its error. The pool is meant to be built once at
// start-up and handed to everything that publishes.
type ConnectionPool struct {
	conns sync.Map // url -> Connection
	group singleflight.Group

	mu     sync.Mutex // guards closed and inserts into conns
	closed bool

	dialer         Dialer
	dialTimeout    time.Duration
	heartbeat      time.Duration
	connectionName string
	recreateClosed bool
	logger         *slog.Logger
}

// PoolOption configures the ConnectionPool
type PoolOption func(*ConnectionPool)

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) PoolOption {
	return func(p *ConnectionPool) {
		p.logger = logger
	}
}

// WithDialer replaces the broker dialer
func WithDialer(dialer Dialer) PoolOption {
	return func(p *ConnectionPool) {
		p.dialer = dialer
	}
}

// WithDialTimeout bounds the socket connect and handshake of each attempt
func WithDialTimeout(timeout time.Duration) PoolOption {
	return func(p *ConnectionPool) {
		p.dialTimeout = timeout
	}
}

// WithHeartbeat sets the heartbeat interval negotiated with the broker
func WithHeartbeat(interval time.Duration) PoolOption {
	return func(p *ConnectionPool) {
		p.heartbeat = interval
	}
}

// WithConnectionName sets the connection name shown in the broker's management UI
func WithConnectionName(name string) PoolOption {
	return func(p *ConnectionPool) {
		p.connectionName = name
	}
}

// WithRecreateClosed makes the pool replace a cached connection that reports
// itself closed instead of handing it out again
func WithRecreateClosed(enabled bool) PoolOption {
	return func(p *ConnectionPool) {
		p.recreateClosed = enabled
	}
}

// NewConnectionPool creates an empty pool
func NewConnectionPool(options ...PoolOption) *ConnectionPool {
	p := &ConnectionPool{
		dialer:      AMQPDialer{},
		dialTimeout: 30 * time.Second,
		heartbeat:   10 * time.Second,
		logger:      slog.Default(),
	}

	for _, opt := range options {
		opt(p)
	}

	return p
}

// GetOrCreateConnection returns the pooled connection for rawURL, dialing it on
// first use. material is optional; when given, the connection uses mutual TLS
// built from it and rawURL must use the amqps scheme. Every failure is returned
// as a *ConnectionError; TLS problems additionally match *TLSError.
//
// The shared dial is not tied to any one caller's ctx: it is bounded by the
// pool's dial timeout, and each caller stops waiting when its own ctx is done.
func (p *ConnectionPool) GetOrCreateConnection(ctx context.Context, rawURL string, material *TLSMaterial) (Connection, error) {
	if conn, ok := p.lookup(rawURL); ok {
		return conn, nil
	}
	if err := ctx.Err(); err != nil {
		return nil, p.abandoned(rawURL, err)
	}

	flight := context.WithoutCancel(ctx)
	results := p.group.DoChan(rawURL, func() (interface{}, error) {
		// Another flight may have finished between the lookup and DoChan
		if conn, ok := p.lookup(rawURL); ok {
			return conn, nil
		}
		dialCtx, cancel := p.dialContext(flight)
		defer cancel()
		return p.create(dialCtx, rawURL, material)
	})

	select {
	case res := <-results:
		if res.Err != nil {
			return nil, res.Err
		}
		if res.Shared {
			p.logger.Debug("joined in-flight connection attempt", "url", SanitizeURL(rawURL))
		}
		return res.Val.(Connection), nil

	case <-ctx.Done():
		return nil, p.abandoned(rawURL, ctx.Err())
	}
}

func (p *ConnectionPool) dialContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if p.dialTimeout > 0 {
		return context.WithTimeout(ctx, p.dialTimeout)
	}
	return context.WithCancel(ctx)
}

// abandoned reports a caller that stopped waiting for a connection
func (p *ConnectionPool) abandoned(rawURL string, cause error) error {
	return &ConnectionError{
		Op:        "connect",
		URL:       SanitizeURL(rawURL),
		Err:       contextError(cause),
		Timestamp: time.Now(),
	}
}

func contextError(err error) error {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("%w: %w", ErrConnectionTimeout, err)
	case errors.Is(err, context.Canceled):
		return fmt.Errorf("%w: %w", ErrOperationCancelled, err)
	default:
		return err
	}
}

// lookup is the lock-free fast path
func (p *ConnectionPool) lookup(rawURL string) (Connection, bool) {
	v, ok := p.conns.Load(rawURL)
	if !ok {
		return nil, false
	}
	conn := v.(Connection)
	if p.recreateClosed && conn.IsClosed() {
		return nil, false
	}
	return conn, true
}

func (p *ConnectionPool) create(ctx context.Context, rawURL string, material *TLSMaterial) (Connection, error) {
	sanitized := SanitizeURL(rawURL)
	fail := func(op string, err error) error {
		return &ConnectionError{
			Op:        op,
			URL:       sanitized,
			Err:       err,
			Timestamp: time.Now(),
		}
	}

	if p.isClosed() {
		return nil, fail("connect", ErrPoolClosed)
	}

	uri, err := amqp.ParseURI(rawURL)
	if err != nil {
		return nil, fail("parse url", fmt.Errorf("%w: %w", ErrInvalidConfiguration, err))
	}

	cfg := DialConfig{
		URL:       rawURL,
		Timeout:   p.dialTimeout,
		Heartbeat: p.heartbeat,
		Name:      p.connectionName,
	}

	if material != nil {
		if !strings.EqualFold(uri.Scheme, "amqps") {
			return nil, fail("configure tls", ErrTLSRequiresSecured)
		}
		tlsCfg, err := BuildTLSConfig(*material)
		if err != nil {
			p.logger.Error("failed to build tls configuration", "url", sanitized, "error", err)
			return nil, fail("configure tls", err)
		}
		tlsCfg.ServerName = uri.Host
		cfg.TLS = tlsCfg
	}

	conn, err := p.dialer.Dial(ctx, cfg)
	if err != nil {
		return nil, fail("connect", contextError(err))
	}

	// Insert before the flight completes so later lookups observe it
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		_ = conn.Close()
		return nil, fail("connect", ErrPoolClosed)
	}
	if old, ok := p.conns.Load(rawURL); ok && old.(Connection).IsClosed() {
		p.logger.Info("replacing closed connection", "url", sanitized)
	}
	p.conns.Store(rawURL, conn)
	p.mu.Unlock()

	p.logger.Info("connected to RabbitMQ", "url", sanitized, "tls", cfg.TLS != nil)
	return conn, nil
}

func (p *ConnectionPool) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

// Size returns the number of pooled connections
func (p *ConnectionPool) Size() int {
	n := 0
	p.conns.Range(func(_, _ interface{}) bool {
		n++
		return true
	})
	return n
}

// Snapshot returns the pooled connections keyed by their URL
func (p *ConnectionPool) Snapshot() map[string]Connection {
	out := make(map[string]Connection)
	p.conns.Range(func(k, v interface{}) bool {
		out[k.(string)] = v.(Connection)
		return true
	})
	return out
}

// Close closes every pooled connection. Afterwards the pool refuses to create
// connections. Close is meant for process shutdown.
func (p *ConnectionPool) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.mu.Unlock()

	var errs []error
	p.conns.Range(func(k, v interface{}) bool {
		conn := v.(Connection)
		if !conn.IsClosed() {
			if err := conn.Close(); err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", SanitizeURL(k.(string)), err))
			}
		}
		p.conns.Delete(k)
		return true
	})

	p.logger.Info("connection pool closed")
	return errors.Join(errs...)
}
