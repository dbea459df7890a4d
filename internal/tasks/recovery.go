package tasks

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
)

// recoveryBatch bounds how many expired tasks one sweep re-dispatches.
const recoveryBatch = 100

// RecoverExpired re-dispatches processing tasks whose worker lease has
// lapsed. The next worker to claim one resumes it from its stored progress.
// Dispatch failures are logged and retried on the next sweep.
func (s *Service) RecoverExpired(ctx context.Context) (int, error) {
	if s.dispatcher == nil {
		return 0, errors.New("no dispatcher configured")
	}
	ids, err := s.store.ExpiredTaskIDs(ctx, recoveryBatch)
	if err != nil {
		return 0, err
	}
	recovered := 0
	for _, id := range ids {
		if err := s.dispatcher.Dispatch(ctx, id); err != nil {
			s.logger.Warn("Failed to re-dispatch expired task", zap.String("task_id", id), zap.Error(err))
			continue
		}
		recovered++
	}
	if recovered > 0 {
		s.logger.Info("Re-dispatched tasks with expired leases", zap.Int("count", recovered))
	}
	return recovered, nil
}

// RunLeaseRecovery sweeps for expired leases every RecoveryInterval until ctx
// is done.
func (s *Service) RunLeaseRecovery(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.RecoveryInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.RecoverExpired(ctx); err != nil && ctx.Err() == nil {
				s.logger.Warn("Lease recovery sweep failed", zap.Error(err))
			}
		}
	}
}
