package service

import (
	"context"
	"errors"
	"fmt"

	"tontinepay/internal/config"
	"tontinepay/internal/infrastructure/lock"
	"tontinepay/internal/infrastructure/metrics"
	"tontinepay/internal/model"
	"tontinepay/internal/queue"
	"tontinepay/internal/repository"
	"tontinepay/pkg/idgen"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

// CompletionOutcome is the result of one completion check.
type CompletionOutcome string

const (
	CompletionCompleted      CompletionOutcome = "completed"
	CompletionNotReady       CompletionOutcome = "not_ready"
	CompletionAlreadyHandled CompletionOutcome = "already_handled"
)

// CompletionResult describes what CheckCompletion saw and did. PayoutNo and
// JobNo are set only when the cycle was completed by this call.
type CompletionResult struct {
	Outcome  CompletionOutcome
	GroupID  int64
	Cycle    int
	Paid     int64
	PayoutNo string
	JobNo    string
}

// CycleService detects the moment the last contribution of a cycle lands and
// schedules exactly one payout for it.
type CycleService struct {
	db               *gorm.DB
	groupRepo        *repository.GroupRepository
	contributionRepo *repository.ContributionRepository
	payoutRepo       *repository.PayoutRepository
	attemptRepo      *repository.AttemptRepository
	locker           lock.GroupLocker
	queue            *queue.Queue
	ids              *idgen.Generator
	fees             FeePolicy
	maxAttempts      int
	metrics          *metrics.Metrics
	log              *zap.Logger
}

// NewCycleService wires the service. cfg supplies the fee policy and the
// attempt budget given to every payout it schedules.
func NewCycleService(db *gorm.DB, locker lock.GroupLocker, q *queue.Queue, ids *idgen.Generator,
	cfg config.PayoutConfig, m *metrics.Metrics, log *zap.Logger) *CycleService {
	return &CycleService{
		db:               db,
		groupRepo:        repository.NewGroupRepository(db),
		contributionRepo: repository.NewContributionRepository(db),
		payoutRepo:       repository.NewPayoutRepository(db),
		attemptRepo:      repository.NewAttemptRepository(db),
		locker:           locker,
		queue:            q,
		ids:              ids,
		fees:             feePolicy(cfg),
		maxAttempts:      cfg.MaxAttempts,
		metrics:          m,
		log:              log.Named("cycle"),
	}
}

// CheckCompletion takes the group lock inside tx, re-reads the group and its
// paid contributions, and if the current cycle is fully funded moves it to
// payout_pending and creates the payout, its ledger row and its job, all in
// tx. With a nil tx it runs in a transaction of its own.
func (s *CycleService) CheckCompletion(ctx context.Context, tx *gorm.DB, groupID int64) (*CompletionResult, error) {
	if tx == nil {
		var result *CompletionResult
		err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			var err error
			result, err = s.CheckCompletion(ctx, tx, groupID)
			return err
		})
		if err != nil {
			return nil, err
		}
		return result, nil
	}

	if err := s.locker.Lock(ctx, tx, groupID); err != nil {
		return nil, fmt.Errorf("lock group %d: %w", groupID, err)
	}

	group, err := s.groupRepo.GetByID(ctx, tx, groupID)
	if err != nil {
		return nil, err
	}
	result := &CompletionResult{GroupID: groupID, Cycle: group.CurrentCycle}

	if group.CycleStatus != model.CycleStatusActive {
		result.Outcome = CompletionAlreadyHandled
		s.metrics.CycleCheck(string(result.Outcome))
		return result, nil
	}

	paid, err := s.contributionRepo.CountPaid(ctx, tx, groupID, group.CurrentCycle)
	if err != nil {
		return nil, fmt.Errorf("count paid contributions: %w", err)
	}
	result.Paid = paid
	if paid < int64(group.MemberCount) {
		result.Outcome = CompletionNotReady
		s.metrics.CycleCheck(string(result.Outcome))
		return result, nil
	}

	moved, err := s.groupRepo.TransitionCycleStatus(ctx, tx, groupID, group.CurrentCycle,
		model.CycleStatusActive, model.CycleStatusPayoutPending)
	if err != nil {
		return nil, err
	}
	if !moved {
		result.Outcome = CompletionAlreadyHandled
		s.metrics.CycleCheck(string(result.Outcome))
		return result, nil
	}

	payout, err := s.createPayout(ctx, tx, group)
	if err != nil {
		return nil, err
	}
	result.PayoutNo = payout.PayoutNo

	key := model.PayoutIdempotencyKey(groupID, group.CurrentCycle)
	if _, err := s.attemptRepo.CreateIfAbsent(ctx, tx, &model.PaymentAttempt{
		IdempotencyKey: key,
		GroupID:        groupID,
		CycleNumber:    group.CurrentCycle,
		Status:         model.AttemptStatusPending,
		MaxAttempts:    s.maxAttempts,
	}); err != nil {
		return nil, fmt.Errorf("create payment attempt: %w", err)
	}

	handle, err := s.queue.Enqueue(ctx, tx, payoutJobRequest(groupID, group.CurrentCycle, s.maxAttempts))
	if err != nil {
		return nil, fmt.Errorf("enqueue payout: %w", err)
	}
	result.JobNo = handle.JobNo
	result.Outcome = CompletionCompleted
	s.metrics.CycleCheck(string(result.Outcome))

	s.log.Info("cycle complete, payout scheduled",
		zap.Int64("group_id", groupID),
		zap.Int("cycle", group.CurrentCycle),
		zap.String("payout_no", payout.PayoutNo),
		zap.Int64("amount", payout.Amount),
		zap.Int64("net_amount", payout.NetAmount),
		zap.String("job_no", handle.JobNo))
	return result, nil
}

// createPayout returns the payout of the group's current cycle, creating it
// unless one exists already.
func feePolicy(cfg config.PayoutConfig) FeePolicy {
	return FeePolicy{
		Bps:               cfg.FeeBps,
		MinFee:            cfg.MinFee,
		CommunityShareBps: cfg.CommunityShareBps,
		PartnerShareBps:   cfg.PartnerShareBps,
	}
}

func (s *CycleService) createPayout(ctx context.Context, tx *gorm.DB, group *model.Group) (*model.Payout, error) {
	recipient, err := s.groupRepo.GetMemberByPosition(ctx, tx, group.ID, group.RecipientPosition(group.CurrentCycle))
	if err != nil {
		if errors.Is(err, repository.ErrMemberNotFound) {
			return nil, fmt.Errorf("no recipient for group %d cycle %d: %w", group.ID, group.CurrentCycle, err)
		}
		return nil, err
	}

	gross := group.PotAmount()
	fees := s.fees.Breakdown(gross, group.Verified)
	payout := &model.Payout{
		PayoutNo:         s.ids.PayoutNo(),
		GroupID:          group.ID,
		CycleNumber:      group.CurrentCycle,
		RecipientUserID:  recipient.UserID,
		RecipientAddress: recipient.PayoutAddress,
		Amount:           gross,
		PlatformFee:      fees.Fee,
		PlatformShare:    fees.Platform,
		CommunityShare:   fees.Community,
		PartnerReserved:  fees.Partner,
		NetAmount:        fees.Net,
		Status:           model.PayoutStatusPending,
	}

	created, err := s.payoutRepo.CreateIfAbsent(ctx, tx, payout)
	if err != nil {
		return nil, fmt.Errorf("create payout: %w", err)
	}
	if created {
		return payout, nil
	}

	// leftover of an earlier run; ledger row and job below are idempotent too
	s.log.Warn("payout already exists for active cycle",
		zap.Int64("group_id", group.ID), zap.Int("cycle", group.CurrentCycle))
	return s.payoutRepo.GetByGroupCycle(ctx, tx, group.ID, group.CurrentCycle)
}

func payoutJobRequest(groupID int64, cycle, maxAttempts int) queue.EnqueueRequest {
	key := model.PayoutIdempotencyKey(groupID, cycle)
	return queue.EnqueueRequest{
		Queue: model.QueuePayouts,
		Type:  model.JobTypePayout,
		Key:   key,
		Payload: model.PayoutJob{
			IdempotencyKey: key,
			GroupID:        groupID,
			CycleNumber:    cycle,
		},
		MaxAttempts: maxAttempts,
	}
}
