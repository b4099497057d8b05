// Package testutil builds throwaway databases and fixtures for package tests.
package testutil

import (
	"context"
	"fmt"
	"testing"

	"tontinepay/internal/config"
	"tontinepay/internal/infrastructure/database"
	"tontinepay/internal/model"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// NewDB opens a migrated in-memory SQLite database private to t.
func NewDB(t *testing.T) *gorm.DB {
	t.Helper()

	db, err := database.Open(&config.DatabaseConfig{
		Driver:       "sqlite",
		DSN:          fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString()),
		MaxOpenConns: 1,
		MaxIdleConns: 1,
		LogLevel:     "silent",
	}, zap.NewNop())
	require.NoError(t, err)

	sqlDB, err := db.DB()
	require.NoError(t, err)
	t.Cleanup(func() { _ = sqlDB.Close() })
	return db
}

// Fixture is a group with its members and the pending contributions of its
// current cycle.
type Fixture struct {
	Group         *model.Group
	Members       []*model.GroupMember
	Contributions []*model.Contribution
}

// SeedGroup creates a group of members paying amount per cycle, with one
// pending contribution per member for cycle 1.
func SeedGroup(t *testing.T, db *gorm.DB, members int, amount int64) *Fixture {
	t.Helper()
	ctx := context.Background()

	group := &model.Group{
		Name:               fmt.Sprintf("group-%s", uuid.NewString()[:8]),
		ContributionAmount: amount,
		CycleLengthDays:    30,
		MemberCount:        members,
		CurrentCycle:       1,
		CycleStatus:        model.CycleStatusActive,
	}
	require.NoError(t, db.WithContext(ctx).Create(group).Error)

	f := &Fixture{Group: group}
	for i := 1; i <= members; i++ {
		member := &model.GroupMember{
			GroupID:        group.ID,
			UserID:         int64(100 + i),
			PayoutPosition: i,
			PayoutAddress:  fmt.Sprintf("lnaddr-%d-%d", group.ID, i),
		}
		require.NoError(t, db.WithContext(ctx).Create(member).Error)
		f.Members = append(f.Members, member)
	}
	f.Contributions = SeedContributions(t, db, group, 1)
	return f
}

// SeedContributions adds one pending contribution per member for cycle.
func SeedContributions(t *testing.T, db *gorm.DB, group *model.Group, cycle int) []*model.Contribution {
	t.Helper()

	var out []*model.Contribution
	for i := 1; i <= group.MemberCount; i++ {
		c := &model.Contribution{
			GroupID:           group.ID,
			UserID:            int64(100 + i),
			CycleNumber:       cycle,
			Amount:            group.ContributionAmount,
			ExternalReference: fmt.Sprintf("inv-%d-%d-%d", group.ID, i, cycle),
			Status:            model.ContributionStatusPending,
		}
		require.NoError(t, db.Create(c).Error)
		out = append(out, c)
	}
	return out
}

// ReloadGroup reads the current state of group.
func ReloadGroup(t *testing.T, db *gorm.DB, groupID int64) *model.Group {
	t.Helper()
	var g model.Group
	require.NoError(t, db.First(&g, groupID).Error)
	return &g
}

// Count returns the number of rows of m matching query.
func Count(t *testing.T, db *gorm.DB, m interface{}, query string, args ...interface{}) int64 {
	t.Helper()
	var n int64
	q := db.Model(m)
	if query != "" {
		q = q.Where(query, args...)
	}
	require.NoError(t, q.Count(&n).Error)
	return n
}
