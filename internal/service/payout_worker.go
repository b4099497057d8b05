package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"tontinepay/internal/config"
	"tontinepay/internal/infrastructure/lock"
	"tontinepay/internal/infrastructure/metrics"
	"tontinepay/internal/model"
	"tontinepay/internal/queue"
	"tontinepay/internal/rail"
	"tontinepay/internal/repository"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

const defaultRecordTimeout = 30 * time.Second

type payoutNotifier interface {
	PayoutSucceeded(ctx context.Context, tx *gorm.DB, payout *model.Payout, attempt *model.PaymentAttempt, paidAt time.Time) error
}

// PayoutWorker executes payout jobs: claim in the ledger, pay through the
// rail with no lock or transaction held, then record the outcome.
type PayoutWorker struct {
	db            *gorm.DB
	groupRepo     *repository.GroupRepository
	payoutRepo    *repository.PayoutRepository
	locker        lock.GroupLocker
	ledger        *LedgerService
	cycles        *CycleService
	rail          rail.Rail
	notifier      payoutNotifier
	railTimeout   time.Duration
	recordTimeout time.Duration
	metrics       *metrics.Metrics
	log           *zap.Logger
	now           func() time.Time
}

// NewPayoutWorker wires the worker. notifier receives the success event inside
// the transaction that records the payout.
func NewPayoutWorker(db *gorm.DB, locker lock.GroupLocker, ledger *LedgerService, cycles *CycleService,
	r rail.Rail, notifier payoutNotifier, cfg config.PayoutConfig, m *metrics.Metrics, log *zap.Logger) *PayoutWorker {
	return &PayoutWorker{
		db:            db,
		groupRepo:     repository.NewGroupRepository(db),
		payoutRepo:    repository.NewPayoutRepository(db),
		locker:        locker,
		ledger:        ledger,
		cycles:        cycles,
		rail:          r,
		notifier:      notifier,
		railTimeout:   cfg.RailTimeout,
		recordTimeout: defaultRecordTimeout,
		metrics:       m,
		log:           log.Named("payout"),
		now:           func() time.Time { return time.Now().UTC() },
	}
}

// Process handles one payout job. A nil return completes the job; a
// queue.Permanent error dead-letters it; any other error retries it.
func (w *PayoutWorker) Process(ctx context.Context, job *model.QueueJob) error {
	var p model.PayoutJob
	if err := queue.Decode(job, &p); err != nil {
		return err
	}
	if err := p.Validate(); err != nil {
		return queue.Permanent(err)
	}
	logger := w.log.With(zap.String("key", p.IdempotencyKey), zap.String("job_no", job.JobNo))

	claim, payout, err := w.claim(ctx, &p, job.LockedBy)
	if err != nil {
		var busy *InProgressError
		if errors.As(err, &busy) {
			logger.Info("payout claimed by another worker, deferring", zap.Time("stale_at", busy.StaleAt))
			return queue.RetryAt(err, busy.StaleAt)
		}
		if errors.Is(err, repository.ErrAttemptNotFound) || errors.Is(err, repository.ErrPayoutNotFound) {
			return queue.Permanent(err)
		}
		return err
	}

	switch claim.Outcome {
	case ClaimAlreadySucceeded:
		logger.Info("payout already succeeded", zap.String("receipt", claim.Attempt.Receipt))
		w.metrics.PayoutOutcome("duplicate")
		return nil
	case ClaimPermanentlyFailed:
		logger.Warn("payout permanently failed earlier, skipping", zap.String("error", claim.Attempt.ErrorMessage))
		w.metrics.PayoutOutcome("skipped")
		return nil
	}

	railCtx, cancel := context.WithTimeout(ctx, w.railTimeout)
	start := time.Now()
	res, railErr := w.rail.Pay(railCtx, rail.PayRequest{
		Address:        payout.RecipientAddress,
		Amount:         payout.NetAmount,
		IdempotencyKey: p.IdempotencyKey,
	})
	cancel()
	if railErr == nil && res == nil {
		railErr = fmt.Errorf("%w: empty result", rail.ErrTransient)
	}
	if errors.Is(railErr, context.DeadlineExceeded) || errors.Is(railErr, context.Canceled) {
		railErr = fmt.Errorf("%w: %v", rail.ErrTransient, railErr)
	}

	// the rail may have paid; the outcome is stored even when shutdown
	// cancelled ctx, otherwise the claim would go stale and be paid again
	recordCtx, cancelRecord := context.WithTimeout(context.WithoutCancel(ctx), w.recordTimeout)
	defer cancelRecord()

	if railErr != nil {
		w.metrics.ObserveRailCall("error", time.Since(start))
		return w.recordFailure(recordCtx, logger, &p, payout, railErr)
	}
	w.metrics.ObserveRailCall("success", time.Since(start))
	return w.recordSuccess(recordCtx, logger, &p, payout, res)
}

func (w *PayoutWorker) claim(ctx context.Context, p *model.PayoutJob, workerID string) (*ClaimResult, *model.Payout, error) {
	var (
		claim  *ClaimResult
		payout *model.Payout
	)
	err := w.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := w.locker.Lock(ctx, tx, p.GroupID); err != nil {
			return fmt.Errorf("lock group %d: %w", p.GroupID, err)
		}

		var err error
		claim, err = w.ledger.Claim(ctx, tx, p.IdempotencyKey, workerID)
		if err != nil {
			return err
		}
		if claim.Outcome != ClaimAcquired {
			return nil
		}

		if _, err := w.groupRepo.TransitionCycleStatus(ctx, tx, p.GroupID, p.CycleNumber,
			model.CycleStatusPayoutPending, model.CycleStatusPayoutInProgress); err != nil {
			return err
		}

		payout, err = w.payoutRepo.GetByGroupCycle(ctx, tx, p.GroupID, p.CycleNumber)
		return err
	})
	if err != nil {
		return nil, nil, err
	}
	return claim, payout, nil
}

func (w *PayoutWorker) recordSuccess(ctx context.Context, logger *zap.Logger, p *model.PayoutJob, payout *model.Payout, res *rail.PayResult) error {
	paidAt := w.now()
	err := w.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := w.locker.Lock(ctx, tx, p.GroupID); err != nil {
			return fmt.Errorf("lock group %d: %w", p.GroupID, err)
		}

		attempt, err := w.ledger.MarkSucceeded(ctx, tx, p.IdempotencyKey, res.Receipt, res.Fee)
		if err != nil {
			return err
		}
		if _, err := w.payoutRepo.MarkPaid(ctx, tx, payout.ID, paidAt); err != nil {
			return fmt.Errorf("mark payout paid: %w", err)
		}

		advanced, err := w.groupRepo.AdvanceCycle(ctx, tx, p.GroupID, p.CycleNumber)
		if err != nil {
			return fmt.Errorf("advance cycle: %w", err)
		}
		if !advanced {
			logger.Warn("group was not waiting on this payout, cycle left unchanged")
		}

		if err := w.notifier.PayoutSucceeded(ctx, tx, payout, attempt, paidAt); err != nil {
			return err
		}

		// contributions for the next cycle may all be in already
		if advanced {
			if _, err := w.cycles.CheckCompletion(ctx, tx, p.GroupID); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		// the rail has paid; a retry replays the same idempotency key
		logger.Error("payout sent but not recorded", zap.String("receipt", res.Receipt), zap.Error(err))
		return err
	}

	w.metrics.PayoutOutcome("success")
	logger.Info("payout succeeded",
		zap.String("payout_no", payout.PayoutNo),
		zap.Int64("net_amount", payout.NetAmount),
		zap.String("receipt", res.Receipt))
	return nil
}

func (w *PayoutWorker) recordFailure(ctx context.Context, logger *zap.Logger, p *model.PayoutJob, payout *model.Payout, railErr error) error {
	permanent := rail.IsPermanent(railErr)

	var attempt *model.PaymentAttempt
	err := w.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		attempt, err = w.ledger.MarkFailed(ctx, tx, p.IdempotencyKey, railErr.Error(), permanent)
		if err != nil {
			return err
		}
		if !attempt.IsTerminal() {
			return nil
		}
		if _, err := w.payoutRepo.MarkFailed(ctx, tx, payout.ID); err != nil {
			return fmt.Errorf("mark payout failed: %w", err)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("record payout failure (%v): %w", railErr, err)
	}

	if attempt.IsTerminal() {
		w.metrics.PayoutOutcome("failed")
		logger.Error("payout failed permanently",
			zap.Int("attempt_count", attempt.AttemptCount),
			zap.Bool("rail_rejected", permanent),
			zap.Error(railErr))
		return queue.Permanent(fmt.Errorf("payout %s: %w", p.IdempotencyKey, railErr))
	}

	w.metrics.PayoutOutcome("retry")
	logger.Warn("payout attempt failed",
		zap.Int("attempt_count", attempt.AttemptCount),
		zap.Int("max_attempts", attempt.MaxAttempts),
		zap.Error(railErr))
	return fmt.Errorf("payout %s attempt %d: %w", p.IdempotencyKey, attempt.AttemptCount, railErr)
}
