package handler

import (
	"context"
	"fmt"
	"net/http"
	"testing"

	"tontinepay/internal/model"
	"tontinepay/internal/testutil"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func bearer(token string) map[string]string {
	return map[string]string{"Authorization": "Bearer " + token}
}

// failedPayout completes cycle 1 of a new group and marks its payout as
// failed for good with a dead job, as the payout worker leaves it.
func failedPayout(t *testing.T, s *testServer) *testutil.Fixture {
	t.Helper()
	f := testutil.SeedGroup(t, s.db, 2, 10000)
	for _, c := range f.Contributions {
		_, err := s.contributions.Confirm(context.Background(), &model.PaymentEvent{
			ExternalReference: c.ExternalReference,
			Status:            model.EventStatusSettled,
			Amount:            c.Amount,
		})
		require.NoError(t, err)
	}

	key := model.PayoutIdempotencyKey(f.Group.ID, 1)
	require.NoError(t, s.db.Model(&model.PaymentAttempt{}).Where("idempotency_key = ?", key).
		Updates(map[string]interface{}{"status": model.AttemptStatusFailed, "terminal": true, "attempt_count": 1}).Error)
	require.NoError(t, s.db.Model(&model.Payout{}).Where("group_id = ?", f.Group.ID).
		Update("status", model.PayoutStatusFailed).Error)
	require.NoError(t, s.db.Model(&model.QueueJob{}).Where("idempotency_key = ?", key).
		Update("status", model.JobStatusFailed).Error)
	return f
}

func rearmPath(groupID int64, cycle int) string {
	return fmt.Sprintf("/api/v1/admin/groups/%d/cycles/%d/payout/rearm", groupID, cycle)
}

func TestRearmPayout(t *testing.T) {
	s := newTestServer(t)
	f := failedPayout(t, s)
	key := model.PayoutIdempotencyKey(f.Group.ID, 1)

	w, out := s.do(t, http.MethodPost, rearmPath(f.Group.ID, 1), nil, bearer(testAdminToken))
	require.Equal(t, http.StatusOK, w.Code)
	data := out["data"].(map[string]interface{})
	assert.Equal(t, key, data["idempotency_key"])
	assert.NotEmpty(t, data["job_no"])
	assert.Equal(t, float64(1), data["attempt_count"])

	attempt, err := s.ledger.Get(context.Background(), key)
	require.NoError(t, err)
	assert.Equal(t, model.AttemptStatusPending, attempt.Status)
	assert.False(t, attempt.IsTerminal())
	assert.Equal(t, int64(1), testutil.Count(t, s.db, &model.QueueJob{}, "idempotency_key = ? AND status = ?", key, model.JobStatusWaiting))
	assert.Equal(t, int64(1), testutil.Count(t, s.db, &model.Payout{}, "status = ?", model.PayoutStatusPending))
}

func TestRearmPayout_Errors(t *testing.T) {
	s := newTestServer(t)
	f := failedPayout(t, s)

	tests := []struct {
		name     string
		path     string
		headers  map[string]string
		wantHTTP int
		wantCode float64
	}{
		{"no token", rearmPath(f.Group.ID, 1), nil, http.StatusUnauthorized, 401},
		{"wrong token", rearmPath(f.Group.ID, 1), bearer("guess"), http.StatusUnauthorized, 401},
		{"bad group id", "/api/v1/admin/groups/x/cycles/1/payout/rearm", bearer(testAdminToken), http.StatusBadRequest, 400},
		{"bad cycle", "/api/v1/admin/groups/1/cycles/0/payout/rearm", bearer(testAdminToken), http.StatusBadRequest, 400},
		{"unknown group", rearmPath(f.Group.ID+100, 1), bearer(testAdminToken), http.StatusNotFound, 404},
		{"not waiting on that cycle", rearmPath(f.Group.ID, 2), bearer(testAdminToken), http.StatusConflict, 1003},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w, out := s.do(t, http.MethodPost, tt.path, nil, tt.headers)
			assert.Equal(t, tt.wantHTTP, w.Code)
			assert.Equal(t, tt.wantCode, out["code"])
		})
	}

	require.NoError(t, s.db.Model(&model.PaymentAttempt{}).
		Where("idempotency_key = ?", model.PayoutIdempotencyKey(f.Group.ID, 1)).
		Update("status", model.AttemptStatusSuccess).Error)
	w, out := s.do(t, http.MethodPost, rearmPath(f.Group.ID, 1), nil, bearer(testAdminToken))
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, float64(1002), out["code"])
	assert.Equal(t, int64(1), testutil.Count(t, s.db, &model.QueueJob{}, "queue = ?", model.QueuePayouts))
}

func TestAdminRoutesAbsentWithoutHandler(t *testing.T) {
	s := newTestServer(t)
	s.router = SetupRouter(&Handler{}, nil, prometheus.NewRegistry(), zap.NewNop())
	w, _ := s.do(t, http.MethodPost, rearmPath(1, 1), nil, bearer(testAdminToken))
	assert.Equal(t, http.StatusNotFound, w.Code)
}
