package job

import (
	"context"
	"time"

	"tontinepay/internal/config"
	"tontinepay/internal/repository"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// RetentionJob prunes settled payment attempts and completed queue jobs older
// than the retention period. Failed jobs and unsettled attempts are kept.
type RetentionJob struct {
	attemptRepo *repository.AttemptRepository
	jobRepo     *repository.JobRepository
	retention   time.Duration
	guard       maintenanceGuard
	log         *zap.Logger
	stopCh      chan struct{}
	interval    time.Duration
	batchSize   int
	now         func() time.Time
}

func NewRetentionJob(db *gorm.DB, rdb *redis.Client, cfg *config.Config, log *zap.Logger) *RetentionJob {
	log = log.Named("retention")
	return &RetentionJob{
		attemptRepo: repository.NewAttemptRepository(db),
		jobRepo:     repository.NewJobRepository(db),
		retention:   time.Duration(cfg.Business.RetentionDays) * 24 * time.Hour,
		guard:       maintenanceGuard{client: rdb, ttl: cfg.Business.MaintenanceInterval, log: log},
		log:         log,
		stopCh:      make(chan struct{}),
		interval:    10 * cfg.Business.MaintenanceInterval,
		batchSize:   500,
		now:         func() time.Time { return time.Now().UTC() },
	}
}

func (j *RetentionJob) Start(ctx context.Context) {
	j.log.Info("retention job started", zap.Duration("retention", j.retention))

	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-j.stopCh:
			j.log.Info("retention job stopped")
			return
		case <-ticker.C:
			j.guard.run(ctx, "retention", j.prune)
		}
	}
}

func (j *RetentionJob) Stop() {
	close(j.stopCh)
}

func (j *RetentionJob) prune(ctx context.Context) {
	cutoff := j.now().Add(-j.retention)

	attempts, err := j.attemptRepo.DeleteSettledBefore(ctx, cutoff, j.batchSize)
	if err != nil {
		j.log.Error("prune payment attempts", zap.Error(err))
	}
	jobs, err := j.jobRepo.DeleteCompletedBefore(ctx, cutoff, j.batchSize)
	if err != nil {
		j.log.Error("prune queue jobs", zap.Error(err))
	}

	if attempts > 0 || jobs > 0 {
		j.log.Info("pruned old records",
			zap.Int64("payment_attempts", attempts),
			zap.Int64("queue_jobs", jobs),
			zap.Time("cutoff", cutoff))
	}
}
