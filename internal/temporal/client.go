package temporal

import (
	"context"
	"fmt"
	"net"
	"time"

	"go.temporal.io/sdk/client"
	"go.uber.org/zap"
)

// Dial connects to the Temporal frontend at host, waiting for the TCP endpoint
// and retrying the SDK handshake with a capped linear backoff until ctx ends.
func Dial(ctx context.Context, host, namespace string, logger *zap.Logger) (client.Client, error) {
	for attempt := 1; ; attempt++ {
		conn, err := net.DialTimeout("tcp", host, 2*time.Second)
		if err == nil {
			_ = conn.Close()
			break
		}
		logger.Warn("Waiting for Temporal TCP endpoint", zap.String("host", host), zap.Int("attempt", attempt))
		if err := sleep(ctx, time.Second); err != nil {
			return nil, fmt.Errorf("temporal endpoint %s not reachable: %w", host, err)
		}
	}

	for attempt := 1; ; attempt++ {
		c, err := client.Dial(client.Options{
			HostPort:  host,
			Namespace: namespace,
			Logger:    NewLogger(logger),
		})
		if err == nil {
			return c, nil
		}
		delay := time.Duration(attempt) * time.Second
		if delay > 15*time.Second {
			delay = 15 * time.Second
		}
		logger.Warn("Temporal not ready, retrying",
			zap.Int("attempt", attempt),
			zap.String("host", host),
			zap.Duration("sleep", delay),
			zap.Error(err),
		)
		if err := sleep(ctx, delay); err != nil {
			return nil, fmt.Errorf("failed to dial temporal: %w", err)
		}
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
