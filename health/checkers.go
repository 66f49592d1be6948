package health

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/fleetrelay/amqp-forward/internal/rabbitmq"
)

// PoolChecker checks every pooled broker connection
type PoolChecker struct {
	pool   *rabbitmq.ConnectionPool
	logger *slog.Logger
}

// NewPoolChecker creates a new connection pool health checker
func NewPoolChecker(pool *rabbitmq.ConnectionPool, logger *slog.Logger) *PoolChecker {
	if logger == nil {
		logger = slog.Default()
	}
	return &PoolChecker{
		pool:   pool,
		logger: logger,
	}
}

func (c *PoolChecker) Name() string {
	return "rabbitmq"
}

// Check probes each connection by opening and closing a channel. An empty
// pool is healthy; a pool where only some connections work is degraded.
func (c *PoolChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	result := CheckResult{
		Name:      c.Name(),
		Timestamp: start,
		Details:   make(map[string]interface{}),
	}

	conns := c.pool.Snapshot()
	failed := 0
	for url, conn := range conns {
		key := rabbitmq.SanitizeURL(url)
		if err := probe(conn); err != nil {
			failed++
			result.Details[key] = err.Error()
			c.logger.Warn("connection health check failed", "url", key, "error", err)
			continue
		}
		result.Details[key] = "ok"
	}

	result.Details["connections"] = len(conns)
	switch {
	case failed == 0:
		result.Status = StatusHealthy
		result.Message = "Connections are healthy"
	case failed == len(conns):
		result.Status = StatusUnhealthy
		result.Message = "No connection is usable"
	default:
		result.Status = StatusDegraded
		result.Message = fmt.Sprintf("%d of %d connections unusable", failed, len(conns))
	}

	result.Duration = time.Since(start)
	result.Details["response_time_ms"] = result.Duration.Milliseconds()
	return result
}

func probe(conn rabbitmq.Connection) error {
	if conn.IsClosed() {
		return rabbitmq.ErrConnectionClosed
	}
	ch, err := conn.Channel()
	if err != nil {
		return fmt.Errorf("%w: %w", rabbitmq.ErrChannelCreationFailed, err)
	}
	return ch.Close()
}

// ClientLeakChecker flags a suspicious number of open publishing clients
type ClientLeakChecker struct {
	threshold int64
	live      func() int64
}

// NewClientLeakChecker reports degraded once more than threshold clients are open
func NewClientLeakChecker(threshold int64) *ClientLeakChecker {
	return &ClientLeakChecker{threshold: threshold, live: rabbitmq.LiveClients}
}

func (c *ClientLeakChecker) Name() string {
	return "amqp_clients"
}

func (c *ClientLeakChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	live := c.live()

	result := CheckResult{
		Name:      c.Name(),
		Status:    StatusHealthy,
		Message:   "Client count is normal",
		Timestamp: start,
		Details:   map[string]interface{}{"live_clients": live, "threshold": c.threshold},
	}
	if live > c.threshold {
		result.Status = StatusDegraded
		result.Message = fmt.Sprintf("High client count: %d", live)
	}

	result.Duration = time.Since(start)
	return result
}
