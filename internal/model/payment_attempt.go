package model

import (
	"time"
)

const (
	AttemptStatusPending    = "pending"
	AttemptStatusProcessing = "processing"
	AttemptStatusSuccess    = "success"
	AttemptStatusFailed     = "failed"
)

// PaymentAttempt is the ledger row that decides whether a payout has already
// been executed. success and terminal failures are sinks.
type PaymentAttempt struct {
	ID             int64      `gorm:"primaryKey;autoIncrement" json:"id"`
	IdempotencyKey string     `gorm:"type:varchar(128);uniqueIndex;not null" json:"idempotency_key"`
	GroupID        int64      `gorm:"not null;index" json:"group_id"`
	CycleNumber    int        `gorm:"not null" json:"cycle_number"`
	Status         string     `gorm:"type:varchar(20);index;not null;default:pending" json:"status"`
	Terminal       bool       `gorm:"not null;default:false" json:"terminal"`
	AttemptCount   int        `gorm:"not null;default:0" json:"attempt_count"`
	MaxAttempts    int        `gorm:"not null" json:"max_attempts"`
	Receipt        string     `gorm:"type:varchar(256)" json:"receipt,omitempty"`
	RailFee        int64      `gorm:"not null;default:0" json:"rail_fee"`
	ErrorMessage   string     `gorm:"type:text" json:"error_message,omitempty"`
	ClaimedBy      string     `gorm:"type:varchar(64)" json:"claimed_by,omitempty"`
	ClaimedAt      *time.Time `gorm:"index" json:"claimed_at,omitempty"`
	CreatedAt      time.Time  `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt      time.Time  `gorm:"autoUpdateTime;index" json:"updated_at"`
}

func (PaymentAttempt) TableName() string {
	return "payment_attempt"
}

// IsTerminal reports whether no further rail call may be made for this attempt.
func (a *PaymentAttempt) IsTerminal() bool {
	if a.Status == AttemptStatusSuccess {
		return true
	}
	return a.Status == AttemptStatusFailed && (a.Terminal || a.AttemptCount >= a.MaxAttempts)
}
