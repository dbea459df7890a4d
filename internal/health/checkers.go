package health

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
	"go.temporal.io/sdk/client"

	"github.com/Kocoro-lab/chatflow/internal/circuitbreaker"
)

// slowThreshold marks a responsive dependency as degraded.
const slowThreshold = 100 * time.Millisecond

// Pinger is satisfied by db.Store.
type Pinger interface {
	Ping(ctx context.Context) error
}

// StoreChecker pings the persistence store.
type StoreChecker struct {
	store Pinger
}

func NewStoreChecker(store Pinger) *StoreChecker { return &StoreChecker{store: store} }

func (c *StoreChecker) Name() string     { return "database" }
func (c *StoreChecker) IsCritical() bool { return true }

func (c *StoreChecker) Check(ctx context.Context) CheckResult {
	return pingResult(ctx, "Database", c.store.Ping)
}

// RedisChecker checks the stream replay backend.
type RedisChecker struct {
	client redis.UniversalClient
}

func NewRedisChecker(client redis.UniversalClient) *RedisChecker {
	return &RedisChecker{client: client}
}

func (c *RedisChecker) Name() string     { return "redis" }
func (c *RedisChecker) IsCritical() bool { return true }

func (c *RedisChecker) Check(ctx context.Context) CheckResult {
	return pingResult(ctx, "Redis", func(ctx context.Context) error {
		return c.client.Ping(ctx).Err()
	})
}

// TemporalChecker checks the Temporal frontend used for async tasks.
type TemporalChecker struct {
	client client.Client
}

func NewTemporalChecker(c client.Client) *TemporalChecker { return &TemporalChecker{client: c} }

func (c *TemporalChecker) Name() string     { return "temporal" }
func (c *TemporalChecker) IsCritical() bool { return true }

func (c *TemporalChecker) Check(ctx context.Context) CheckResult {
	return pingResult(ctx, "Temporal", func(ctx context.Context) error {
		_, err := c.client.CheckHealth(ctx, &client.CheckHealthRequest{})
		return err
	})
}

// BreakerChecker reports a circuit breaker. It is not critical: an open
// generation breaker still lets the engine answer with apologies.
type BreakerChecker struct {
	name  string
	state func() circuitbreaker.State
}

func NewBreakerChecker(name string, state func() circuitbreaker.State) *BreakerChecker {
	return &BreakerChecker{name: name, state: state}
}

func (c *BreakerChecker) Name() string     { return c.name }
func (c *BreakerChecker) IsCritical() bool { return false }

func (c *BreakerChecker) Check(context.Context) CheckResult {
	st := c.state()
	result := CheckResult{Details: map[string]interface{}{"state": st.String()}}
	switch st {
	case circuitbreaker.StateOpen:
		result.Status = StatusUnhealthy
		result.Message = "circuit breaker open"
	case circuitbreaker.StateHalfOpen:
		result.Status = StatusDegraded
		result.Message = "circuit breaker probing"
	default:
		result.Status = StatusHealthy
		result.Message = "circuit breaker closed"
	}
	return result
}

func pingResult(ctx context.Context, label string, ping func(context.Context) error) CheckResult {
	start := time.Now()
	err := ping(ctx)
	elapsed := time.Since(start)
	result := CheckResult{Details: map[string]interface{}{"latency_ms": elapsed.Milliseconds()}}
	switch {
	case err != nil:
		result.Status = StatusUnhealthy
		result.Error = err.Error()
		result.Message = label + " ping failed"
	case elapsed > slowThreshold:
		result.Status = StatusDegraded
		result.Message = label + " responding but with high latency"
	default:
		result.Status = StatusHealthy
		result.Message = label + " healthy"
	}
	return result
}
