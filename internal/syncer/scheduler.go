package syncer

import (
	"context"
	"errors"
	"time"

	"github.com/phivo/statsync/internal/common"
)

// Schedule launches a goroutine that triggers a window sync at the top of
// every hour until the context is cancelled. A failed or skipped run is
// logged and never stops the schedule.
func (s *Syncer) Schedule(ctx context.Context) {
	go func() {
		logger := common.Logger()
		for {
			next := time.Now().UTC().Truncate(time.Hour).Add(time.Hour)
			timer := time.NewTimer(time.Until(next))
			select {
			case <-ctx.Done():
				timer.Stop()
				logger.Info("sync: scheduler stopped")
				return
			case <-timer.C:
			}
			if err := s.RunWindow(ctx); err != nil {
				if errors.Is(err, ErrSyncRunning) {
					logger.Warn("sync: scheduled run skipped, sync already in flight")
					continue
				}
				logger.Error("sync: scheduled run failed", "error", err)
			}
		}
	}()
}
