package model

import (
	"time"
)

const (
	JobStatusWaiting   = "waiting"
	JobStatusActive    = "active"
	JobStatusCompleted = "completed"
	JobStatusFailed    = "failed"
)

const (
	QueuePaymentEvents = "payment-events"
	QueuePayouts       = "payouts"

	JobTypePaymentEvent = "payment_event"
	JobTypePayout       = "payout"
)

// QueueJob is one unit of work in a durable queue. IdempotencyKey is unique
// across all queues.
type QueueJob struct {
	ID             int64      `gorm:"primaryKey;autoIncrement" json:"id"`
	JobNo          string     `gorm:"type:varchar(64);uniqueIndex;not null" json:"job_no"`
	Queue          string     `gorm:"type:varchar(64);not null;index:idx_job_poll" json:"queue"`
	JobType        string     `gorm:"type:varchar(64);not null" json:"job_type"`
	IdempotencyKey string     `gorm:"type:varchar(191);uniqueIndex;not null" json:"idempotency_key"`
	Payload        string     `gorm:"type:text;not null" json:"payload"`
	Status         string     `gorm:"type:varchar(20);not null;default:waiting;index:idx_job_poll" json:"status"`
	Attempts       int        `gorm:"not null;default:0" json:"attempts"`
	MaxAttempts    int        `gorm:"not null" json:"max_attempts"`
	RunAt          time.Time  `gorm:"not null;index:idx_job_poll" json:"run_at"`
	LockedBy       string     `gorm:"type:varchar(64)" json:"locked_by,omitempty"`
	LockedUntil    *time.Time `json:"locked_until,omitempty"`
	LastError      string     `gorm:"type:text" json:"last_error,omitempty"`
	FinishedAt     *time.Time `json:"finished_at,omitempty"`
	CreatedAt      time.Time  `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt      time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}

func (QueueJob) TableName() string {
	return "queue_job"
}
