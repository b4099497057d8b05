package job

import (
	"context"
	"time"

	"tontinepay/internal/config"
	"tontinepay/internal/service"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
)

// PayoutRedriveJob periodically puts back payout jobs that died while their
// group still waits on the payout and the ledger allows another attempt.
type PayoutRedriveJob struct {
	recovery  *service.PayoutRecovery
	guard     maintenanceGuard
	log       *zap.Logger
	stopCh    chan struct{}
	interval  time.Duration
	batchSize int
}

// NewPayoutRedriveJob sweeps every two maintenance intervals. With rdb set,
// only one instance sweeps at a time.
func NewPayoutRedriveJob(recovery *service.PayoutRecovery, rdb *redis.Client, cfg *config.Config, log *zap.Logger) *PayoutRedriveJob {
	log = log.Named("payout_redrive")
	return &PayoutRedriveJob{
		recovery:  recovery,
		guard:     maintenanceGuard{client: rdb, ttl: cfg.Business.MaintenanceInterval, log: log},
		log:       log,
		stopCh:    make(chan struct{}),
		interval:  2 * cfg.Business.MaintenanceInterval,
		batchSize: 100,
	}
}

func (j *PayoutRedriveJob) Start(ctx context.Context) {
	j.log.Info("payout redrive job started", zap.Duration("interval", j.interval))

	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-j.stopCh:
			j.log.Info("payout redrive job stopped")
			return
		case <-ticker.C:
			j.guard.run(ctx, "payout_redrive", j.redrive)
		}
	}
}

func (j *PayoutRedriveJob) Stop() {
	close(j.stopCh)
}

func (j *PayoutRedriveJob) redrive(ctx context.Context) {
	n, err := j.recovery.Redrive(ctx, j.batchSize)
	if err != nil {
		j.log.Error("redrive payouts", zap.Int("redriven", n), zap.Error(err))
		return
	}
	if n > 0 {
		j.log.Warn("re-drove stuck payouts", zap.Int("count", n))
	}
}
