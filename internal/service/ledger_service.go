package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"tontinepay/internal/model"
	"tontinepay/internal/repository"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

var (
	ErrAttemptInProgress    = errors.New("payment attempt is being processed by another worker")
	ErrAttemptNotProcessing = errors.New("payment attempt is not in processing state")
)

// InProgressError is returned by Claim while another worker holds a fresh
// claim. StaleAt is the earliest time the claim may be taken over.
type InProgressError struct {
	Key     string
	Holder  string
	StaleAt time.Time
}

func (e *InProgressError) Error() string {
	if e.Holder == "" {
		return fmt.Sprintf("%s: %s", ErrAttemptInProgress, e.Key)
	}
	return fmt.Sprintf("%s: %s held by %s until %s", ErrAttemptInProgress, e.Key, e.Holder, e.StaleAt.Format(time.RFC3339))
}

func (e *InProgressError) Is(target error) bool {
	return target == ErrAttemptInProgress
}

// ClaimOutcome says whether the caller may call the rail.
type ClaimOutcome string

const (
	ClaimAcquired          ClaimOutcome = "claimed"
	ClaimAlreadySucceeded  ClaimOutcome = "already_succeeded"
	ClaimPermanentlyFailed ClaimOutcome = "permanently_failed"
)

// ClaimResult carries the attempt as it stands after Claim.
type ClaimResult struct {
	Outcome ClaimOutcome
	Attempt *model.PaymentAttempt
}

// LedgerService owns payment_attempt rows. A rail call may only be made by
// the worker holding a fresh claim.
type LedgerService struct {
	db          *gorm.DB
	attemptRepo *repository.AttemptRepository
	staleAfter  time.Duration
	log         *zap.Logger
	now         func() time.Time
}

// NewLedgerService builds the ledger. A processing claim older than staleAfter
// may be taken over by another worker.
func NewLedgerService(db *gorm.DB, staleAfter time.Duration, log *zap.Logger) *LedgerService {
	return &LedgerService{
		db:          db,
		attemptRepo: repository.NewAttemptRepository(db),
		staleAfter:  staleAfter,
		log:         log.Named("ledger"),
		now:         func() time.Time { return time.Now().UTC() },
	}
}

// SetClock replaces the time source.
func (s *LedgerService) SetClock(now func() time.Time) {
	s.now = now
}

// Claim moves the attempt keyed by key to processing for workerID. It must
// run inside tx so the claim commits together with the caller's other writes.
func (s *LedgerService) Claim(ctx context.Context, tx *gorm.DB, key, workerID string) (*ClaimResult, error) {
	attempt, err := s.attemptRepo.GetByKeyForUpdate(ctx, tx, key)
	if err != nil {
		return nil, err
	}

	if attempt.Status == model.AttemptStatusSuccess {
		return &ClaimResult{Outcome: ClaimAlreadySucceeded, Attempt: attempt}, nil
	}
	if attempt.IsTerminal() {
		return &ClaimResult{Outcome: ClaimPermanentlyFailed, Attempt: attempt}, nil
	}

	now := s.now()
	if attempt.Status == model.AttemptStatusProcessing {
		if attempt.ClaimedAt != nil && now.Sub(*attempt.ClaimedAt) < s.staleAfter {
			return nil, &InProgressError{Key: key, Holder: attempt.ClaimedBy, StaleAt: attempt.ClaimedAt.Add(s.staleAfter)}
		}
		s.log.Warn("reclaiming stale payment attempt",
			zap.String("key", key),
			zap.String("previous_worker", attempt.ClaimedBy),
			zap.Int("attempt_count", attempt.AttemptCount))

		// the stale run already used its budget slot
		if attempt.AttemptCount >= attempt.MaxAttempts {
			updates := map[string]interface{}{
				"status":        model.AttemptStatusFailed,
				"terminal":      true,
				"error_message": "attempt budget exhausted by an abandoned claim",
			}
			ok, err := s.attemptRepo.CompareAndUpdate(ctx, tx, attempt.ID, attempt.Status, attempt.AttemptCount, updates)
			if err != nil {
				return nil, err
			}
			if !ok {
				return nil, &InProgressError{Key: key, StaleAt: now.Add(s.staleAfter)}
			}
			attempt.Status = model.AttemptStatusFailed
			attempt.Terminal = true
			return &ClaimResult{Outcome: ClaimPermanentlyFailed, Attempt: attempt}, nil
		}
	}

	updates := map[string]interface{}{
		"status":        model.AttemptStatusProcessing,
		"attempt_count": attempt.AttemptCount + 1,
		"claimed_by":    workerID,
		"claimed_at":    now,
	}
	ok, err := s.attemptRepo.CompareAndUpdate(ctx, tx, attempt.ID, attempt.Status, attempt.AttemptCount, updates)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, &InProgressError{Key: key, StaleAt: now.Add(s.staleAfter)}
	}

	attempt.Status = model.AttemptStatusProcessing
	attempt.AttemptCount++
	attempt.ClaimedBy = workerID
	attempt.ClaimedAt = &now
	return &ClaimResult{Outcome: ClaimAcquired, Attempt: attempt}, nil
}

// MarkSucceeded records the rail receipt. success is a sink.
func (s *LedgerService) MarkSucceeded(ctx context.Context, tx *gorm.DB, key, receipt string, fee int64) (*model.PaymentAttempt, error) {
	return s.settle(ctx, tx, key, map[string]interface{}{
		"status":        model.AttemptStatusSuccess,
		"receipt":       receipt,
		"rail_fee":      fee,
		"error_message": "",
	})
}

// MarkFailed records a failed rail call. The attempt becomes terminal when
// terminal is set or its budget is spent; otherwise it may be claimed again.
func (s *LedgerService) MarkFailed(ctx context.Context, tx *gorm.DB, key, errMsg string, terminal bool) (*model.PaymentAttempt, error) {
	return s.settle(ctx, tx, key, map[string]interface{}{
		"status":        model.AttemptStatusFailed,
		"terminal":      terminal,
		"error_message": errMsg,
	})
}

func (s *LedgerService) settle(ctx context.Context, tx *gorm.DB, key string, updates map[string]interface{}) (*model.PaymentAttempt, error) {
	var out *model.PaymentAttempt
	run := func(tx *gorm.DB) error {
		attempt, err := s.attemptRepo.GetByKeyForUpdate(ctx, tx, key)
		if err != nil {
			return err
		}
		if attempt.Status != model.AttemptStatusProcessing {
			return fmt.Errorf("%w: %s is %s", ErrAttemptNotProcessing, key, attempt.Status)
		}

		ok, err := s.attemptRepo.CompareAndUpdate(ctx, tx, attempt.ID, attempt.Status, attempt.AttemptCount, updates)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("%w: %s changed concurrently", ErrAttemptNotProcessing, key)
		}

		out, err = s.attemptRepo.GetByKey(ctx, tx, key)
		return err
	}

	var err error
	if tx != nil {
		err = run(tx)
	} else {
		err = s.db.WithContext(ctx).Transaction(run)
	}
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Get loads the attempt keyed by key.
func (s *LedgerService) Get(ctx context.Context, key string) (*model.PaymentAttempt, error) {
	return s.attemptRepo.GetByKey(ctx, nil, key)
}

// ReclaimStale releases attempts whose worker stopped reporting back. They
// become failed without the terminal flag so the next delivery of their job
// may claim them, unless their budget is already spent.
func (s *LedgerService) ReclaimStale(ctx context.Context, limit int) (int, error) {
	stale, err := s.attemptRepo.ListStaleProcessing(ctx, s.now().Add(-s.staleAfter), limit)
	if err != nil {
		return 0, err
	}

	released := 0
	for _, attempt := range stale {
		ok, err := s.attemptRepo.CompareAndUpdate(ctx, nil, attempt.ID, attempt.Status, attempt.AttemptCount,
			map[string]interface{}{
				"status":        model.AttemptStatusFailed,
				"error_message": fmt.Sprintf("claim by %s expired", attempt.ClaimedBy),
			})
		if err != nil {
			return released, err
		}
		if ok {
			released++
			s.log.Warn("released stale payment attempt",
				zap.String("key", attempt.IdempotencyKey),
				zap.String("worker", attempt.ClaimedBy),
				zap.Int("attempt_count", attempt.AttemptCount))
		}
	}
	return released, nil
}
