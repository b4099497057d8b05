package job

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"tontinepay/internal/config"
	"tontinepay/internal/infrastructure/metrics"
	"tontinepay/internal/model"
	"tontinepay/internal/queue"
	"tontinepay/internal/testutil"
	"tontinepay/pkg/idgen"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type recordingAlerter struct {
	dead atomic.Int32
}

func (a *recordingAlerter) JobDead(context.Context, *model.QueueJob, error) error {
	a.dead.Add(1)
	return nil
}

func newPoolQueue(t *testing.T) (*queue.Queue, *recordingAlerter) {
	t.Helper()
	db := testutil.NewDB(t)
	ids, err := idgen.NewGenerator(2)
	require.NoError(t, err)
	alerter := &recordingAlerter{}
	q := queue.New(db, ids, queue.Options{
		MaxAttempts: 2,
		BackoffBase: 10 * time.Millisecond,
		BackoffMax:  50 * time.Millisecond,
	}, alerter, zap.NewNop())
	return q, alerter
}

func poolConfig() config.QueueConfig {
	return config.QueueConfig{
		WorkersPerQueue: 2,
		PollInterval:    10 * time.Millisecond,
		JobTimeout:      time.Second,
	}
}

func enqueueN(t *testing.T, q *queue.Queue, queueName string, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		_, err := q.Enqueue(context.Background(), nil, queue.EnqueueRequest{
			Queue:   queueName,
			Type:    "test",
			Key:     fmt.Sprintf("%s:%d", queueName, i),
			Payload: map[string]int{"n": i},
		})
		require.NoError(t, err)
	}
}

func TestWorkerPool_ProcessesEveryJobOnce(t *testing.T) {
	q, _ := newPoolQueue(t)
	enqueueN(t, q, model.QueuePaymentEvents, 10)
	enqueueN(t, q, model.QueuePayouts, 5)

	var events, payouts atomic.Int32
	pool := NewWorkerPool(poolConfig(), q, map[string]Handler{
		model.QueuePaymentEvents: func(context.Context, *model.QueueJob) error { events.Add(1); return nil },
		model.QueuePayouts:       func(context.Context, *model.QueueJob) error { payouts.Add(1); return nil },
	}, nil, metrics.New(prometheus.NewRegistry()), zap.NewNop())

	require.NoError(t, pool.Start(context.Background()))
	assert.ErrorIs(t, pool.Start(context.Background()), ErrPoolRunning)

	require.Eventually(t, func() bool {
		return events.Load() == 10 && payouts.Load() == 5
	}, 5*time.Second, 10*time.Millisecond)

	health, err := pool.HealthCheck(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(10), health[model.QueuePaymentEvents].Completed)
	assert.Equal(t, int64(5), health[model.QueuePayouts].Completed)
	assert.Equal(t, int64(2), health[model.QueuePayouts].WorkersAlive)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, pool.Stop(ctx))

	health, err = pool.HealthCheck(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(0), health[model.QueuePayouts].WorkersAlive)
}

func TestWorkerPool_RetriesThenDeadLetters(t *testing.T) {
	q, alerter := newPoolQueue(t)
	enqueueN(t, q, model.QueuePayouts, 1)

	var calls atomic.Int32
	pool := NewWorkerPool(poolConfig(), q, map[string]Handler{
		model.QueuePayouts: func(context.Context, *model.QueueJob) error {
			calls.Add(1)
			return errors.New("rail down")
		},
	}, nil, nil, zap.NewNop())

	require.NoError(t, pool.Start(context.Background()))
	defer func() { _ = pool.Stop(context.Background()) }()

	require.Eventually(t, func() bool { return alerter.dead.Load() == 1 }, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, int32(2), calls.Load())

	stats, err := q.Stats(context.Background(), model.QueuePayouts)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.Failed)
}

func TestWorkerPool_RecoversFromPanic(t *testing.T) {
	q, alerter := newPoolQueue(t)
	enqueueN(t, q, model.QueuePayouts, 1)

	pool := NewWorkerPool(poolConfig(), q, map[string]Handler{
		model.QueuePayouts: func(context.Context, *model.QueueJob) error {
			panic("boom")
		},
	}, nil, nil, zap.NewNop())

	require.NoError(t, pool.Start(context.Background()))
	defer func() { _ = pool.Stop(context.Background()) }()

	require.Eventually(t, func() bool { return alerter.dead.Load() == 1 }, 5*time.Second, 10*time.Millisecond)
}
