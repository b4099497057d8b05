package model

import (
	"time"
)

const (
	PayoutStatusPending = "pending"
	PayoutStatusPaid    = "paid"
	PayoutStatusFailed  = "failed"
)

// Payout is the pot of one cycle. The (group_id, cycle_number) unique index is
// what makes a second payout for the same cycle impossible. PlatformFee is the
// whole fee withheld; PlatformShare, CommunityShare and PartnerReserved are
// its allocation.
type Payout struct {
	ID               int64      `gorm:"primaryKey;autoIncrement" json:"id"`
	PayoutNo         string     `gorm:"type:varchar(64);uniqueIndex;not null" json:"payout_no"`
	GroupID          int64      `gorm:"not null;uniqueIndex:uk_payout_group_cycle" json:"group_id"`
	CycleNumber      int        `gorm:"not null;uniqueIndex:uk_payout_group_cycle" json:"cycle_number"`
	RecipientUserID  int64      `gorm:"not null" json:"recipient_user_id"`
	RecipientAddress string     `gorm:"type:varchar(512);not null" json:"recipient_address"`
	Amount           int64      `gorm:"not null" json:"amount"`
	PlatformFee      int64      `gorm:"not null;default:0" json:"platform_fee"`
	PlatformShare    int64      `gorm:"not null;default:0" json:"platform_share"`
	CommunityShare   int64      `gorm:"not null;default:0" json:"community_share"`
	PartnerReserved  int64      `gorm:"not null;default:0" json:"partner_reserved"`
	NetAmount        int64      `gorm:"not null" json:"net_amount"`
	Status           string     `gorm:"type:varchar(20);index;not null;default:pending" json:"status"`
	PaidAt           *time.Time `json:"paid_at"`
	CreatedAt        time.Time  `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt        time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}

func (Payout) TableName() string {
	return "payout"
}
