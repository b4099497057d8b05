package lock

import (
	"context"
	"testing"

	"tontinepay/internal/testutil"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

func TestGroupLockKey(t *testing.T) {
	assert.Equal(t, GroupLockKey(42), GroupLockKey(42))
	assert.NotEqual(t, GroupLockKey(42), GroupLockKey(43))
}

func TestNewGroupLockerSQLite(t *testing.T) {
	db := testutil.NewDB(t)
	locker := NewGroupLocker(db)
	require.IsType(t, noopLocker{}, locker)

	err := db.Transaction(func(tx *gorm.DB) error {
		return locker.Lock(context.Background(), tx, 1)
	})
	assert.NoError(t, err)
}
