package lock

import (
	"context"
	"fmt"

	"github.com/cespare/xxhash/v2"
	"gorm.io/gorm"
)

// GroupLocker serializes completion checks for one group inside a
// transaction. The lock is released when the transaction ends.
type GroupLocker interface {
	Lock(ctx context.Context, tx *gorm.DB, groupID int64) error
}

// NewGroupLocker picks the lock primitive that matches the dialect of db.
func NewGroupLocker(db *gorm.DB) GroupLocker {
	switch db.Dialector.Name() {
	case "postgres":
		return advisoryLocker{}
	case "mysql":
		return rowLocker{}
	default:
		return noopLocker{}
	}
}

// GroupLockKey maps a group to a Postgres advisory lock key. Two groups may
// share a key; they then contend needlessly but stay correct.
func GroupLockKey(groupID int64) int64 {
	return int64(xxhash.Sum64String(fmt.Sprintf("tontine_group:%d", groupID)))
}

type advisoryLocker struct{}

func (advisoryLocker) Lock(ctx context.Context, tx *gorm.DB, groupID int64) error {
	return tx.WithContext(ctx).Exec("SELECT pg_advisory_xact_lock(?)", GroupLockKey(groupID)).Error
}

// rowLocker uses the group row itself; InnoDB holds it until commit.
type rowLocker struct{}

func (rowLocker) Lock(ctx context.Context, tx *gorm.DB, groupID int64) error {
	var id int64
	return tx.WithContext(ctx).
		Raw("SELECT id FROM tontine_group WHERE id = ? FOR UPDATE", groupID).
		Scan(&id).Error
}

// noopLocker is used on SQLite, where a write transaction already excludes
// every other writer.
type noopLocker struct{}

func (noopLocker) Lock(context.Context, *gorm.DB, int64) error {
	return nil
}
