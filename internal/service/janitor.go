package service

import (
	"context"
	"time"

	"go.uber.org/zap"

	"usage-integrity-service/internal/util"
)

// ExpiredPurger is the maintenance surface of the session ledger.
type ExpiredPurger interface {
	PurgeExpired(ctx context.Context, now time.Time) (int, error)
}

// RunLedgerJanitor deletes expired ledger rows every interval until
// ctx is canceled. Detection already filters expired rows on read; the
// janitor keeps dead rows from accumulating under the partitions.
func RunLedgerJanitor(ctx context.Context, ledger ExpiredPurger, interval time.Duration, logger *zap.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	logger.Info("Ledger janitor started", util.Duration("interval", interval))

	for {
		select {
		case <-ctx.Done():
			logger.Info("Ledger janitor stopped")
			return
		case now := <-ticker.C:
			purged, err := ledger.PurgeExpired(ctx, now.UTC())
			if err != nil {
				// Next tick retries; a partial sweep is not a failure
				// state.
				logger.Warn("Ledger purge failed", util.ErrorField(err))
				continue
			}
			if purged > 0 {
				logger.Info("Ledger purge completed", util.Int("purged", purged))
			}
		}
	}
}
