package service

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"tontinepay/internal/config"
	"tontinepay/internal/infrastructure/lock"
	"tontinepay/internal/model"
	"tontinepay/internal/queue"
	"tontinepay/internal/rail"
	"tontinepay/internal/testutil"
	"tontinepay/pkg/idgen"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// scriptedRail fails with errs in order, then keeps failing with always if
// set, otherwise succeeds. afterPay runs once a payment has gone through.
type scriptedRail struct {
	mu       sync.Mutex
	errs     []error
	always   error
	afterPay func()
	requests []rail.PayRequest
}

func (r *scriptedRail) Pay(_ context.Context, req rail.PayRequest) (*rail.PayResult, error) {
	res, err := r.pay(req)
	if err == nil && r.afterPay != nil {
		r.afterPay()
	}
	return res, err
}

func (r *scriptedRail) pay(req rail.PayRequest) (*rail.PayResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.requests = append(r.requests, req)
	if len(r.errs) > 0 {
		err := r.errs[0]
		r.errs = r.errs[1:]
		if err != nil {
			return nil, err
		}
	}
	if r.always != nil {
		return nil, r.always
	}
	return &rail.PayResult{Receipt: "rcpt-" + req.IdempotencyKey, Fee: 2}, nil
}

func (r *scriptedRail) Calls() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.requests)
}

var errRailDown = fmt.Errorf("%w: connection reset", rail.ErrTransient)

type harness struct {
	db            *gorm.DB
	clock         *fakeClock
	queue         *queue.Queue
	notifier      *Notifier
	ledger        *LedgerService
	cycles        *CycleService
	contributions *ContributionService
	events        *EventProcessor
	worker        *PayoutWorker
	recovery      *PayoutRecovery
	rail          *scriptedRail
	topics        config.KafkaTopicConfig
}

func newHarness(t *testing.T, maxAttempts int) *harness {
	t.Helper()
	return newHarnessOn(t, testutil.NewDB(t), maxAttempts)
}

func newHarnessOn(t *testing.T, db *gorm.DB, maxAttempts int) *harness {
	t.Helper()
	log := zap.NewNop()

	ids, err := idgen.NewGenerator(1)
	require.NoError(t, err)

	cfg := config.Defaults()
	cfg.Payout.MaxAttempts = maxAttempts
	cfg.Payout.RailTimeout = time.Second
	cfg.Payout.StaleAfter = 5 * time.Minute

	clock := &fakeClock{now: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}
	notifier := NewNotifier(db, cfg.Kafka.Topic, log)
	q := queue.New(db, ids, queue.Options{
		MaxAttempts:   cfg.Queue.MaxAttempts,
		BackoffBase:   time.Second,
		BackoffMax:    time.Minute,
		LeaseDuration: 2 * time.Minute,
	}, notifier, log)
	q.SetClock(clock.Now)

	locker := lock.NewGroupLocker(db)
	ledger := NewLedgerService(db, cfg.Payout.StaleAfter, log)
	ledger.SetClock(clock.Now)
	cycles := NewCycleService(db, locker, q, ids, cfg.Payout, nil, log)
	contributions := NewContributionService(db, cycles, log)
	r := &scriptedRail{}

	return &harness{
		db:            db,
		clock:         clock,
		queue:         q,
		notifier:      notifier,
		ledger:        ledger,
		cycles:        cycles,
		contributions: contributions,
		events:        NewEventProcessor(q, contributions, log),
		worker:        NewPayoutWorker(db, locker, ledger, cycles, r, notifier, cfg.Payout, nil, log),
		recovery:      NewPayoutRecovery(db, locker, q, cfg.Payout, log),
		rail:          r,
		topics:        cfg.Kafka.Topic,
	}
}

func settled(c *model.Contribution) *model.PaymentEvent {
	return &model.PaymentEvent{
		ExternalReference: c.ExternalReference,
		Status:            model.EventStatusSettled,
		Amount:            c.Amount,
	}
}

// drain runs queueName to quiescence on one worker, moving the clock forward
// whenever the remaining jobs are backing off.
func (h *harness) drain(t *testing.T, queueName string, handle func(context.Context, *model.QueueJob) error) {
	t.Helper()
	ctx := context.Background()
	for i := 0; i < 200; i++ {
		job, err := h.queue.Dequeue(ctx, queueName, "worker-1")
		require.NoError(t, err)
		if job == nil {
			stats, err := h.queue.Stats(ctx, queueName)
			require.NoError(t, err)
			if stats.Waiting == 0 && stats.Active == 0 {
				return
			}
			h.clock.Advance(time.Minute)
			continue
		}

		if err := handle(ctx, job); err != nil {
			require.NoError(t, h.queue.Fail(ctx, job, err))
			continue
		}
		require.NoError(t, h.queue.Complete(ctx, job))
	}
	t.Fatalf("queue %s did not drain", queueName)
}

func (h *harness) drainPayouts(t *testing.T) {
	h.drain(t, model.QueuePayouts, h.worker.Process)
}

func (h *harness) attempt(t *testing.T, groupID int64, cycle int) *model.PaymentAttempt {
	t.Helper()
	a, err := h.ledger.Get(context.Background(), model.PayoutIdempotencyKey(groupID, cycle))
	require.NoError(t, err)
	return a
}

func (h *harness) outbox(t *testing.T, topic string) []*model.OutboxMessage {
	t.Helper()
	var msgs []*model.OutboxMessage
	require.NoError(t, h.db.Where("topic = ?", topic).Order("id").Find(&msgs).Error)
	return msgs
}

func (h *harness) confirmAll(t *testing.T, contributions []*model.Contribution) {
	t.Helper()
	for _, c := range contributions {
		_, err := h.contributions.Confirm(context.Background(), settled(c))
		require.NoError(t, err)
	}
}

func itoa(n int64) string {
	return fmt.Sprintf("%d", n)
}
