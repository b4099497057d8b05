package service

import (
	"context"
	"testing"
	"time"

	"tontinepay/internal/model"
	"tontinepay/internal/queue"
	"tontinepay/internal/rail"
	"tontinepay/internal/testutil"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

func completedGroup(t *testing.T, h *harness) *testutil.Fixture {
	t.Helper()
	f := testutil.SeedGroup(t, h.db, 3, 10000)
	h.confirmAll(t, f.Contributions)
	return f
}

func TestPayoutWorker_TransientFailuresThenSuccess(t *testing.T) {
	h := newHarness(t, 5)
	h.rail.errs = []error{errRailDown, errRailDown}
	f := completedGroup(t, h)

	h.drainPayouts(t)

	attempt := h.attempt(t, f.Group.ID, 1)
	assert.Equal(t, model.AttemptStatusSuccess, attempt.Status)
	assert.Equal(t, 3, attempt.AttemptCount)
	assert.Equal(t, "rcpt-payout:"+itoa(f.Group.ID)+":1", attempt.Receipt)
	assert.Equal(t, int64(2), attempt.RailFee)
	assert.Equal(t, 3, h.rail.Calls())
	assert.Len(t, h.outbox(t, h.topics.PayoutNotification), 1)
	assert.Empty(t, h.outbox(t, h.topics.AdminAlert))

	for _, req := range h.rail.requests {
		assert.Equal(t, attempt.IdempotencyKey, req.IdempotencyKey)
	}

	group := testutil.ReloadGroup(t, h.db, f.Group.ID)
	assert.Equal(t, 2, group.CurrentCycle)
	assert.Equal(t, model.CycleStatusActive, group.CycleStatus)
}

func TestPayoutWorker_RetryBudgetExhausted(t *testing.T) {
	h := newHarness(t, 3)
	h.rail.always = errRailDown
	f := completedGroup(t, h)

	h.drainPayouts(t)

	attempt := h.attempt(t, f.Group.ID, 1)
	assert.Equal(t, model.AttemptStatusFailed, attempt.Status)
	assert.Equal(t, 3, attempt.AttemptCount)
	assert.True(t, attempt.IsTerminal())
	assert.Equal(t, 3, h.rail.Calls())

	payout, err := h.cycles.payoutRepo.GetByGroupCycle(context.Background(), nil, f.Group.ID, 1)
	require.NoError(t, err)
	assert.Equal(t, model.PayoutStatusFailed, payout.Status)

	stats, err := h.queue.Stats(context.Background(), model.QueuePayouts)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.Failed)
	assert.Len(t, h.outbox(t, h.topics.AdminAlert), 1)
	assert.Empty(t, h.outbox(t, h.topics.PayoutNotification))

	group := testutil.ReloadGroup(t, h.db, f.Group.ID)
	assert.Equal(t, 1, group.CurrentCycle)
	assert.Equal(t, model.CycleStatusPayoutInProgress, group.CycleStatus)
}

func TestPayoutWorker_PermanentRailFailure(t *testing.T) {
	h := newHarness(t, 5)
	h.rail.always = &rail.PermanentError{Reason: "invalid recipient"}
	f := completedGroup(t, h)

	h.drainPayouts(t)

	attempt := h.attempt(t, f.Group.ID, 1)
	assert.Equal(t, model.AttemptStatusFailed, attempt.Status)
	assert.True(t, attempt.Terminal)
	assert.Equal(t, 1, attempt.AttemptCount)
	assert.Contains(t, attempt.ErrorMessage, "invalid recipient")
	assert.Equal(t, 1, h.rail.Calls())
	assert.Len(t, h.outbox(t, h.topics.AdminAlert), 1)
}

func payoutJob(t *testing.T, h *harness, groupID int64, workerID string) *model.QueueJob {
	t.Helper()
	job, err := h.queue.Dequeue(context.Background(), model.QueuePayouts, workerID)
	require.NoError(t, err)
	if job != nil {
		return job
	}
	// hand-built redelivery of an already finished job
	key := model.PayoutIdempotencyKey(groupID, 1)
	return &model.QueueJob{
		JobNo:          "JOB-redelivery",
		Queue:          model.QueuePayouts,
		JobType:        model.JobTypePayout,
		IdempotencyKey: key,
		Payload:        `{"idempotencyKey":"` + key + `","groupId":` + itoa(groupID) + `,"cycleNumber":1}`,
		LockedBy:       workerID,
	}
}

func TestPayoutWorker_RedeliveryAfterSuccessIsNoop(t *testing.T) {
	h := newHarness(t, 5)
	f := completedGroup(t, h)
	h.drainPayouts(t)
	require.Equal(t, 1, h.rail.Calls())

	for i := 0; i < 5; i++ {
		err := h.worker.Process(context.Background(), payoutJob(t, h, f.Group.ID, "worker-2"))
		require.NoError(t, err)
	}

	assert.Equal(t, 1, h.rail.Calls())
	assert.Len(t, h.outbox(t, h.topics.PayoutNotification), 1)
	assert.Equal(t, 2, testutil.ReloadGroup(t, h.db, f.Group.ID).CurrentCycle)
	assert.Equal(t, 1, h.attempt(t, f.Group.ID, 1).AttemptCount)
}

func TestPayoutWorker_ConcurrentClaimIsRejectedUntilStale(t *testing.T) {
	h := newHarness(t, 5)
	f := completedGroup(t, h)
	ctx := context.Background()
	key := model.PayoutIdempotencyKey(f.Group.ID, 1)

	// worker-1 claims and dies before reporting back
	require.NoError(t, h.db.Transaction(func(tx *gorm.DB) error {
		_, err := h.ledger.Claim(ctx, tx, key, "worker-1")
		return err
	}))

	job := payoutJob(t, h, f.Group.ID, "worker-2")
	err := h.worker.Process(ctx, job)
	assert.ErrorIs(t, err, ErrAttemptInProgress)
	assert.False(t, queue.IsPermanent(err))
	assert.Equal(t, 0, h.rail.Calls())

	h.clock.Advance(6 * time.Minute)
	require.NoError(t, h.worker.Process(ctx, job))

	attempt := h.attempt(t, f.Group.ID, 1)
	assert.Equal(t, model.AttemptStatusSuccess, attempt.Status)
	assert.Equal(t, 2, attempt.AttemptCount)
	assert.Equal(t, "worker-2", attempt.ClaimedBy)
	assert.Equal(t, 1, h.rail.Calls())
}

func TestPayoutWorker_RejectsMalformedPayload(t *testing.T) {
	h := newHarness(t, 5)

	err := h.worker.Process(context.Background(), &model.QueueJob{JobType: model.JobTypePayout, Payload: `{"groupId":1}`})
	assert.True(t, queue.IsPermanent(err))

	err = h.worker.Process(context.Background(), &model.QueueJob{JobType: model.JobTypePayout, Payload: `not json`})
	assert.True(t, queue.IsPermanent(err))

	err = h.worker.Process(context.Background(), &model.QueueJob{
		JobType: model.JobTypePayout,
		Payload: `{"idempotencyKey":"payout:9:1","groupId":9,"cycleNumber":1}`,
	})
	assert.True(t, queue.IsPermanent(err), "no ledger row for the key")
	assert.Equal(t, 0, h.rail.Calls())
}

func TestPayoutWorker_CrashedClaimIsRetakenWithoutSpendingJobBudget(t *testing.T) {
	// two job attempts: the crashed run and the takeover already use both
	h := newHarness(t, 2)
	f := completedGroup(t, h)
	ctx := context.Background()
	key := model.PayoutIdempotencyKey(f.Group.ID, 1)

	// worker-1 leases the job, claims the attempt and dies before the rail call
	crashed, err := h.queue.Dequeue(ctx, model.QueuePayouts, "worker-1")
	require.NoError(t, err)
	require.NotNil(t, crashed)
	require.NoError(t, h.db.Transaction(func(tx *gorm.DB) error {
		_, err := h.ledger.Claim(ctx, tx, key, crashed.LockedBy)
		return err
	}))
	staleAt := h.attempt(t, f.Group.ID, 1).ClaimedAt.Add(5 * time.Minute)

	// the lease expires long before the claim goes stale
	h.clock.Advance(2*time.Minute + time.Second)
	job, err := h.queue.Dequeue(ctx, model.QueuePayouts, "worker-2")
	require.NoError(t, err)
	require.NotNil(t, job)
	require.Equal(t, job.MaxAttempts, job.Attempts)

	err = h.worker.Process(ctx, job)
	require.ErrorIs(t, err, ErrAttemptInProgress)
	require.NoError(t, h.queue.Fail(ctx, job, err))

	stored, err := h.queue.Lookup(ctx, nil, key)
	require.NoError(t, err)
	assert.Equal(t, model.JobStatusWaiting, stored.Status)
	assert.Equal(t, 1, stored.Attempts)
	assert.True(t, stored.RunAt.Equal(staleAt), "run_at %s, want %s", stored.RunAt, staleAt)
	assert.Equal(t, 0, h.rail.Calls())

	early, err := h.queue.Dequeue(ctx, model.QueuePayouts, "worker-2")
	require.NoError(t, err)
	assert.Nil(t, early)

	h.clock.Advance(3 * time.Minute)
	job, err = h.queue.Dequeue(ctx, model.QueuePayouts, "worker-2")
	require.NoError(t, err)
	require.NotNil(t, job)
	require.NoError(t, h.worker.Process(ctx, job))
	require.NoError(t, h.queue.Complete(ctx, job))

	attempt := h.attempt(t, f.Group.ID, 1)
	assert.Equal(t, model.AttemptStatusSuccess, attempt.Status)
	assert.Equal(t, 2, attempt.AttemptCount)
	assert.Equal(t, "worker-2", attempt.ClaimedBy)
	assert.Equal(t, 1, h.rail.Calls())

	stats, err := h.queue.Stats(ctx, model.QueuePayouts)
	require.NoError(t, err)
	assert.Equal(t, queue.Stats{Completed: 1}, stats)
	assert.Empty(t, h.outbox(t, h.topics.AdminAlert))
	assert.Equal(t, 2, testutil.ReloadGroup(t, h.db, f.Group.ID).CurrentCycle)
}

func TestPayoutWorker_ShutdownAfterRailPaidStillRecords(t *testing.T) {
	h := newHarness(t, 5)
	f := completedGroup(t, h)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	// shutdown lands between the rail accepting the payment and the write-back
	h.rail.afterPay = cancel

	job, err := h.queue.Dequeue(ctx, model.QueuePayouts, "worker-1")
	require.NoError(t, err)
	require.NotNil(t, job)
	require.NoError(t, h.worker.Process(ctx, job))
	require.ErrorIs(t, ctx.Err(), context.Canceled)

	attempt := h.attempt(t, f.Group.ID, 1)
	assert.Equal(t, model.AttemptStatusSuccess, attempt.Status)
	assert.Equal(t, 1, attempt.AttemptCount)
	assert.Len(t, h.outbox(t, h.topics.PayoutNotification), 1)
	assert.Equal(t, 2, testutil.ReloadGroup(t, h.db, f.Group.ID).CurrentCycle)

	// the pool never acked the job; its redelivery must not pay twice
	h.rail.afterPay = nil
	h.clock.Advance(3 * time.Minute)
	h.drainPayouts(t)

	assert.Equal(t, 1, h.rail.Calls())
	assert.Len(t, h.outbox(t, h.topics.PayoutNotification), 1)
	assert.Equal(t, 1, h.attempt(t, f.Group.ID, 1).AttemptCount)
}
