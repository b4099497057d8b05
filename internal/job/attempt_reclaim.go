package job

import (
	"context"
	"time"

	"tontinepay/internal/config"
	"tontinepay/internal/service"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
)

// AttemptReclaimJob releases payment attempts left in processing by a worker
// that crashed mid-payout, so the next delivery of their job can claim them.
type AttemptReclaimJob struct {
	ledger    *service.LedgerService
	guard     maintenanceGuard
	log       *zap.Logger
	stopCh    chan struct{}
	interval  time.Duration
	batchSize int
}

func NewAttemptReclaimJob(ledger *service.LedgerService, rdb *redis.Client, cfg *config.Config, log *zap.Logger) *AttemptReclaimJob {
	log = log.Named("attempt_reclaim")
	return &AttemptReclaimJob{
		ledger:    ledger,
		guard:     maintenanceGuard{client: rdb, ttl: cfg.Business.MaintenanceInterval, log: log},
		log:       log,
		stopCh:    make(chan struct{}),
		interval:  cfg.Business.MaintenanceInterval,
		batchSize: 50,
	}
}

func (j *AttemptReclaimJob) Start(ctx context.Context) {
	j.log.Info("attempt reclaim job started", zap.Duration("interval", j.interval))

	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-j.stopCh:
			j.log.Info("attempt reclaim job stopped")
			return
		case <-ticker.C:
			j.guard.run(ctx, "attempt_reclaim", j.reclaim)
		}
	}
}

func (j *AttemptReclaimJob) Stop() {
	close(j.stopCh)
}

func (j *AttemptReclaimJob) reclaim(ctx context.Context) {
	released, err := j.ledger.ReclaimStale(ctx, j.batchSize)
	if err != nil {
		j.log.Error("reclaim stale attempts", zap.Int("released", released), zap.Error(err))
		return
	}
	if released > 0 {
		j.log.Warn("released stale payment attempts", zap.Int("count", released))
	}
}
