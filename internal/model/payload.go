package model

import (
	"errors"
	"fmt"
	"strings"
)

const (
	EventStatusSettled = "settled"
	EventStatusFailed  = "failed"
	EventStatusExpired = "expired"
)

// PaymentEvent is the body of an inbound payment-confirmation webhook and the
// payload of payment_event jobs.
type PaymentEvent struct {
	ExternalReference string `json:"external_reference" binding:"required,max=128"`
	Status            string `json:"status" binding:"required,oneof=settled failed expired"`
	Amount            int64  `json:"amount" binding:"gte=0"`
}

// EventIdempotencyKey identifies a redelivered event. The same reference and
// status always yield the same key.
func (e *PaymentEvent) EventIdempotencyKey() string {
	return fmt.Sprintf("event:%s:%s", e.ExternalReference, e.Status)
}

func (e *PaymentEvent) Validate() error {
	if strings.TrimSpace(e.ExternalReference) == "" {
		return errors.New("external_reference is required")
	}
	switch e.Status {
	case EventStatusSettled, EventStatusFailed, EventStatusExpired:
	default:
		return fmt.Errorf("unknown event status %q", e.Status)
	}
	if e.Amount < 0 {
		return errors.New("amount must not be negative")
	}
	return nil
}

// PayoutJob is the payload of payout jobs.
type PayoutJob struct {
	IdempotencyKey string `json:"idempotencyKey"`
	GroupID        int64  `json:"groupId"`
	CycleNumber    int    `json:"cycleNumber"`
}

// PayoutIdempotencyKey is derived from (group, cycle) only, so re-enqueuing the
// same logical payout always collides.
func PayoutIdempotencyKey(groupID int64, cycle int) string {
	return fmt.Sprintf("payout:%d:%d", groupID, cycle)
}

func (p *PayoutJob) Validate() error {
	if p.GroupID <= 0 || p.CycleNumber <= 0 {
		return errors.New("groupId and cycleNumber are required")
	}
	if p.IdempotencyKey != PayoutIdempotencyKey(p.GroupID, p.CycleNumber) {
		return fmt.Errorf("idempotencyKey %q does not match group %d cycle %d", p.IdempotencyKey, p.GroupID, p.CycleNumber)
	}
	return nil
}
