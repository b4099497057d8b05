package service

import (
	"context"
	"errors"
	"fmt"

	"tontinepay/internal/config"
	"tontinepay/internal/infrastructure/lock"
	"tontinepay/internal/model"
	"tontinepay/internal/queue"
	"tontinepay/internal/repository"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

var (
	ErrNothingToRearm    = errors.New("no failed payout to re-arm")
	ErrPayoutAlreadyPaid = errors.New("payout already succeeded")
)

// RearmResult identifies the payout job scheduled by Rearm.
type RearmResult struct {
	Key          string `json:"idempotency_key"`
	JobNo        string `json:"job_no,omitempty"`
	AttemptCount int    `json:"attempt_count"`
	MaxAttempts  int    `json:"max_attempts"`
}

// PayoutRecovery puts payouts back on the queue when their job is gone while
// the group still waits on them: automatically when the ledger still allows
// another attempt, on operator request after a terminal failure.
type PayoutRecovery struct {
	db          *gorm.DB
	groupRepo   *repository.GroupRepository
	payoutRepo  *repository.PayoutRepository
	attemptRepo *repository.AttemptRepository
	locker      lock.GroupLocker
	queue       *queue.Queue
	maxAttempts int
	log         *zap.Logger
}

// NewPayoutRecovery builds the recovery service. A re-armed attempt gets
// cfg.MaxAttempts more attempts.
func NewPayoutRecovery(db *gorm.DB, locker lock.GroupLocker, q *queue.Queue, cfg config.PayoutConfig, log *zap.Logger) *PayoutRecovery {
	return &PayoutRecovery{
		db:          db,
		groupRepo:   repository.NewGroupRepository(db),
		payoutRepo:  repository.NewPayoutRepository(db),
		attemptRepo: repository.NewAttemptRepository(db),
		locker:      locker,
		queue:       q,
		maxAttempts: cfg.MaxAttempts,
		log:         log.Named("recovery"),
	}
}

// Redrive scans up to limit groups waiting on a payout and revives the payout
// job of every one whose job has finished although its attempt may still be
// retried. Terminal attempts are left for Rearm.
func (r *PayoutRecovery) Redrive(ctx context.Context, limit int) (int, error) {
	groups, err := r.groupRepo.ListByCycleStatus(ctx,
		[]string{model.CycleStatusPayoutPending, model.CycleStatusPayoutInProgress}, limit)
	if err != nil {
		return 0, err
	}

	redriven := 0
	for _, g := range groups {
		var scheduled bool
		err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			var err error
			scheduled, err = r.redriveGroup(ctx, tx, g.ID, g.CurrentCycle)
			return err
		})
		if err != nil {
			return redriven, fmt.Errorf("redrive group %d: %w", g.ID, err)
		}
		if scheduled {
			redriven++
		}
	}
	return redriven, nil
}

func (r *PayoutRecovery) redriveGroup(ctx context.Context, tx *gorm.DB, groupID int64, cycle int) (bool, error) {
	if err := r.locker.Lock(ctx, tx, groupID); err != nil {
		return false, fmt.Errorf("lock group %d: %w", groupID, err)
	}
	group, err := r.groupRepo.GetByID(ctx, tx, groupID)
	if err != nil {
		return false, err
	}
	if group.CurrentCycle != cycle || group.CycleStatus == model.CycleStatusActive {
		return false, nil
	}

	key := model.PayoutIdempotencyKey(groupID, cycle)
	logger := r.log.With(zap.String("key", key))
	attempt, err := r.attemptRepo.GetByKey(ctx, tx, key)
	if err != nil {
		if errors.Is(err, repository.ErrAttemptNotFound) {
			logger.Error("group waits on a payout without ledger row")
			return false, nil
		}
		return false, err
	}
	if attempt.IsTerminal() {
		if attempt.Status != model.AttemptStatusSuccess {
			logger.Warn("payout failed for good, waiting for an operator", zap.String("error", attempt.ErrorMessage))
		}
		return false, nil
	}

	scheduled, err := r.schedule(ctx, tx, groupID, cycle)
	if err != nil {
		return false, err
	}
	if scheduled {
		logger.Warn("payout job re-driven",
			zap.String("attempt_status", attempt.Status),
			zap.Int("attempt_count", attempt.AttemptCount))
	}
	return scheduled, nil
}

// Rearm gives a terminally failed payout a fresh attempt budget and puts its
// job back on the queue. The attempt keeps its history and idempotency key,
// so the rail still deduplicates the retry.
func (r *PayoutRecovery) Rearm(ctx context.Context, groupID int64, cycle int) (*RearmResult, error) {
	var result *RearmResult
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := r.locker.Lock(ctx, tx, groupID); err != nil {
			return fmt.Errorf("lock group %d: %w", groupID, err)
		}
		group, err := r.groupRepo.GetByID(ctx, tx, groupID)
		if err != nil {
			return err
		}
		if group.CurrentCycle != cycle || group.CycleStatus == model.CycleStatusActive {
			return fmt.Errorf("%w: group %d is %s in cycle %d", ErrNothingToRearm, groupID, group.CycleStatus, group.CurrentCycle)
		}

		key := model.PayoutIdempotencyKey(groupID, cycle)
		attempt, err := r.attemptRepo.GetByKeyForUpdate(ctx, tx, key)
		if err != nil {
			return err
		}
		switch {
		case attempt.Status == model.AttemptStatusSuccess:
			return fmt.Errorf("%w: %s", ErrPayoutAlreadyPaid, key)
		case attempt.Status == model.AttemptStatusProcessing:
			return fmt.Errorf("%w (claimed by %s)", &InProgressError{Key: key}, attempt.ClaimedBy)
		case attempt.IsTerminal():
			ok, err := r.attemptRepo.CompareAndUpdate(ctx, tx, attempt.ID, attempt.Status, attempt.AttemptCount,
				map[string]interface{}{
					"status":        model.AttemptStatusPending,
					"terminal":      false,
					"max_attempts":  attempt.AttemptCount + r.maxAttempts,
					"error_message": "",
				})
			if err != nil {
				return err
			}
			if !ok {
				return &InProgressError{Key: key}
			}
			attempt.MaxAttempts = attempt.AttemptCount + r.maxAttempts
		}

		payout, err := r.payoutRepo.GetByGroupCycle(ctx, tx, groupID, cycle)
		if err != nil {
			return err
		}
		if _, err := r.payoutRepo.Reopen(ctx, tx, payout.ID); err != nil {
			return fmt.Errorf("reopen payout: %w", err)
		}

		if _, err := r.schedule(ctx, tx, groupID, cycle); err != nil {
			return err
		}
		job, err := r.queue.Lookup(ctx, tx, key)
		if err != nil {
			return err
		}
		result = &RearmResult{
			Key:          key,
			JobNo:        job.JobNo,
			AttemptCount: attempt.AttemptCount,
			MaxAttempts:  attempt.MaxAttempts,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	r.log.Warn("payout re-armed by operator",
		zap.String("key", result.Key),
		zap.String("job_no", result.JobNo),
		zap.Int("max_attempts", result.MaxAttempts))
	return result, nil
}

// schedule revives the payout job or creates it if it never existed.
func (r *PayoutRecovery) schedule(ctx context.Context, tx *gorm.DB, groupID int64, cycle int) (bool, error) {
	req := payoutJobRequest(groupID, cycle, r.maxAttempts)
	revived, err := r.queue.Revive(ctx, tx, req.Key)
	if err == nil {
		return revived, nil
	}
	if !errors.Is(err, repository.ErrJobNotFound) {
		return false, err
	}
	handle, err := r.queue.Enqueue(ctx, tx, req)
	if err != nil {
		return false, err
	}
	return handle.Created, nil
}
