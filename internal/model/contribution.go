package model

import (
	"time"
)

const (
	ContributionStatusPending = "pending"
	ContributionStatusPaid    = "paid"
)

// Contribution is one member's payment for one cycle. It is created when the
// invoice is issued and flips to paid exactly once.
type Contribution struct {
	ID                int64      `gorm:"primaryKey;autoIncrement" json:"id"`
	GroupID           int64      `gorm:"not null;uniqueIndex:uk_contribution_member_cycle;index:idx_contribution_cycle_status" json:"group_id"`
	UserID            int64      `gorm:"not null;uniqueIndex:uk_contribution_member_cycle" json:"user_id"`
	CycleNumber       int        `gorm:"not null;uniqueIndex:uk_contribution_member_cycle;index:idx_contribution_cycle_status" json:"cycle_number"`
	Amount            int64      `gorm:"not null" json:"amount"`
	ExternalReference string     `gorm:"type:varchar(128);uniqueIndex;not null" json:"external_reference"`
	Status            string     `gorm:"type:varchar(20);not null;default:pending;index:idx_contribution_cycle_status" json:"status"`
	PaidAt            *time.Time `json:"paid_at"`
	CreatedAt         time.Time  `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt         time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}

func (Contribution) TableName() string {
	return "contribution"
}
