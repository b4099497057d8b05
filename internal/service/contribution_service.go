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

// ConfirmOutcome says what Confirm did with an event.
type ConfirmOutcome string

const (
	ConfirmPaid      ConfirmOutcome = "paid"
	ConfirmDuplicate ConfirmOutcome = "duplicate"
	ConfirmIgnored   ConfirmOutcome = "ignored"
)

// ConfirmResult is the outcome of Confirm. Completion is set only when the
// contribution was newly marked paid.
type ConfirmResult struct {
	Outcome    ConfirmOutcome
	Reason     string
	Completion *CompletionResult
}

// ContributionService applies confirmed payment events to contributions.
type ContributionService struct {
	db               *gorm.DB
	contributionRepo *repository.ContributionRepository
	cycles           *CycleService
	log              *zap.Logger
	now              func() time.Time
}

// NewContributionService builds the service. cycles runs the completion check.
func NewContributionService(db *gorm.DB, cycles *CycleService, log *zap.Logger) *ContributionService {
	return &ContributionService{
		db:               db,
		contributionRepo: repository.NewContributionRepository(db),
		cycles:           cycles,
		log:              log.Named("contribution"),
		now:              func() time.Time { return time.Now().UTC() },
	}
}

// Confirm marks the contribution referenced by event as paid and runs the
// completion check in the same transaction. Redelivered events, unknown
// references and events that do not settle the invoice change nothing.
func (s *ContributionService) Confirm(ctx context.Context, event *model.PaymentEvent) (*ConfirmResult, error) {
	if event.Status != model.EventStatusSettled {
		s.log.Info("payment event does not settle invoice",
			zap.String("reference", event.ExternalReference), zap.String("status", event.Status))
		return &ConfirmResult{Outcome: ConfirmIgnored, Reason: "status " + event.Status}, nil
	}

	contribution, err := s.contributionRepo.GetByExternalReference(ctx, nil, event.ExternalReference)
	if err != nil {
		if errors.Is(err, repository.ErrContributionNotFound) {
			s.log.Warn("payment event for unknown invoice", zap.String("reference", event.ExternalReference))
			return &ConfirmResult{Outcome: ConfirmIgnored, Reason: "unknown reference"}, nil
		}
		return nil, fmt.Errorf("load contribution: %w", err)
	}

	if event.Amount < contribution.Amount {
		s.log.Warn("underpaid contribution",
			zap.String("reference", event.ExternalReference),
			zap.Int64("expected", contribution.Amount),
			zap.Int64("received", event.Amount))
		return &ConfirmResult{Outcome: ConfirmIgnored, Reason: "underpaid"}, nil
	}
	if contribution.Status == model.ContributionStatusPaid {
		return &ConfirmResult{Outcome: ConfirmDuplicate}, nil
	}

	result := &ConfirmResult{Outcome: ConfirmPaid}
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		marked, err := s.contributionRepo.MarkPaid(ctx, tx, contribution.ID, s.now())
		if err != nil {
			return fmt.Errorf("mark contribution paid: %w", err)
		}
		if !marked {
			result.Outcome = ConfirmDuplicate
			return nil
		}

		completion, err := s.cycles.CheckCompletion(ctx, tx, contribution.GroupID)
		if err != nil {
			return err
		}
		if completion.Cycle != contribution.CycleNumber {
			s.log.Warn("contribution paid outside the current cycle",
				zap.String("reference", event.ExternalReference),
				zap.Int("contribution_cycle", contribution.CycleNumber),
				zap.Int("current_cycle", completion.Cycle))
		}
		result.Completion = completion
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.log.Info("contribution confirmed",
		zap.String("reference", event.ExternalReference),
		zap.Int64("group_id", contribution.GroupID),
		zap.String("outcome", string(result.Outcome)))
	return result, nil
}
