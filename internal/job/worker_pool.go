package job

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"tontinepay/internal/config"
	"tontinepay/internal/infrastructure/cache"
	"tontinepay/internal/infrastructure/metrics"
	"tontinepay/internal/model"
	"tontinepay/internal/queue"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// ErrPoolRunning is returned by a second Start.
var ErrPoolRunning = errors.New("worker pool already running")

// Handler processes one job. Returning nil completes it; see queue.Queue.Fail
// for what happens to errors.
type Handler func(ctx context.Context, job *model.QueueJob) error

// QueueHealth reports the depth and live workers of one queue.
type QueueHealth struct {
	queue.Stats
	WorkersAlive int64 `json:"workers_alive"`
}

// WorkerPool runs a fixed number of polling workers per queue.
type WorkerPool struct {
	cfg        config.QueueConfig
	queue      *queue.Queue
	handlers   map[string]Handler
	heartbeats *cache.HeartbeatStore
	metrics    *metrics.Metrics
	log        *zap.Logger
	instance   string

	mu      sync.Mutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running bool
	beats   map[string]workerBeat
}

type workerBeat struct {
	queue string
	at    time.Time
}

// NewWorkerPool wires handlers keyed by queue name. heartbeats may be nil, in
// which case liveness only covers this instance.
func NewWorkerPool(cfg config.QueueConfig, q *queue.Queue, handlers map[string]Handler,
	heartbeats *cache.HeartbeatStore, m *metrics.Metrics, log *zap.Logger) *WorkerPool {
	return &WorkerPool{
		cfg:        cfg,
		queue:      q,
		handlers:   handlers,
		heartbeats: heartbeats,
		metrics:    m,
		log:        log.Named("workers"),
		instance:   uuid.NewString()[:8],
		beats:      make(map[string]workerBeat),
	}
}

// Start launches the workers. They stop when ctx ends or Stop is called.
func (p *WorkerPool) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running {
		return ErrPoolRunning
	}

	ctx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	p.running = true

	for _, name := range p.queueNames() {
		for i := 0; i < p.cfg.WorkersPerQueue; i++ {
			workerID := fmt.Sprintf("%s-%s-%d", p.instance, name, i)
			p.wg.Add(1)
			go p.run(ctx, name, workerID, p.handlers[name])
		}
	}
	p.log.Info("worker pool started",
		zap.Strings("queues", p.queueNames()),
		zap.Int("workers_per_queue", p.cfg.WorkersPerQueue))
	return nil
}

// Stop cancels the workers and waits for in-flight jobs until ctx expires.
// Jobs cut off by ctx are picked up again once their lease runs out.
func (p *WorkerPool) Stop(ctx context.Context) error {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return nil
	}
	p.cancel()
	p.running = false
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.log.Info("worker pool stopped")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("stop worker pool: %w", ctx.Err())
	}
}

// HealthCheck reports job counts and live workers per queue.
func (p *WorkerPool) HealthCheck(ctx context.Context) (map[string]QueueHealth, error) {
	now := time.Now().UTC()
	out := make(map[string]QueueHealth, len(p.handlers))
	for _, name := range p.queueNames() {
		stats, err := p.queue.Stats(ctx, name)
		if err != nil {
			return nil, fmt.Errorf("stats for %s: %w", name, err)
		}
		alive, err := p.aliveWorkers(ctx, name, now)
		if err != nil {
			return nil, err
		}

		out[name] = QueueHealth{Stats: stats, WorkersAlive: alive}
		p.metrics.SetQueueDepth(name, map[string]int64{
			model.JobStatusWaiting:   stats.Waiting,
			model.JobStatusActive:    stats.Active,
			model.JobStatusCompleted: stats.Completed,
			model.JobStatusFailed:    stats.Failed,
		})
		p.metrics.SetWorkersAlive(name, int(alive))
	}
	return out, nil
}

func (p *WorkerPool) aliveWorkers(ctx context.Context, name string, now time.Time) (int64, error) {
	if p.heartbeats != nil {
		alive, err := p.heartbeats.Alive(ctx, name, now)
		if err == nil {
			return alive, nil
		}
		p.log.Warn("heartbeat store unavailable, reporting local workers", zap.Error(err))
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	var alive int64
	for _, beat := range p.beats {
		if beat.queue == name && now.Sub(beat.at) <= p.livenessWindow() {
			alive++
		}
	}
	return alive, nil
}

func (p *WorkerPool) livenessWindow() time.Duration {
	return 3*p.cfg.PollInterval + p.cfg.JobTimeout
}

func (p *WorkerPool) queueNames() []string {
	names := make([]string, 0, len(p.handlers))
	for name := range p.handlers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (p *WorkerPool) run(ctx context.Context, name, workerID string, handle Handler) {
	defer p.wg.Done()
	logger := p.log.With(zap.String("queue", name), zap.String("worker", workerID))
	defer p.retire(name, workerID)

	for {
		p.beat(ctx, name, workerID)

		job, err := p.queue.Dequeue(ctx, name, workerID)
		if err != nil && ctx.Err() == nil {
			logger.Error("dequeue failed", zap.Error(err))
		}
		if job != nil {
			p.execute(ctx, logger, job, handle)
			continue
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(p.cfg.PollInterval):
		}
	}
}

func (p *WorkerPool) execute(ctx context.Context, logger *zap.Logger, job *model.QueueJob, handle Handler) {
	jobCtx, cancel := context.WithTimeout(ctx, p.cfg.JobTimeout)
	err := p.safeHandle(jobCtx, job, handle)
	cancel()

	// bookkeeping must land even when shutdown cancelled ctx
	doneCtx := context.WithoutCancel(ctx)
	if err == nil {
		if err := p.queue.Complete(doneCtx, job); err != nil {
			logger.Error("complete job", zap.String("job_no", job.JobNo), zap.Error(err))
		}
		p.metrics.JobProcessed(job.Queue, "completed")
		return
	}

	outcome := "retried"
	if _, deferred := queue.DeferredUntil(err); deferred && !queue.IsPermanent(err) {
		outcome = "deferred"
	} else if queue.IsPermanent(err) || job.Attempts >= job.MaxAttempts {
		outcome = "dead"
	}
	if ferr := p.queue.Fail(doneCtx, job, err); ferr != nil {
		logger.Error("record job failure", zap.String("job_no", job.JobNo), zap.Error(ferr))
	}
	p.metrics.JobProcessed(job.Queue, outcome)
}

func (p *WorkerPool) safeHandle(ctx context.Context, job *model.QueueJob, handle Handler) (err error) {
	defer func() {
		if r := recover(); r != nil {
			p.log.Error("job handler panicked", zap.String("job_no", job.JobNo), zap.Any("panic", r))
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return handle(ctx, job)
}

func (p *WorkerPool) beat(ctx context.Context, name, workerID string) {
	now := time.Now().UTC()
	p.mu.Lock()
	p.beats[workerID] = workerBeat{queue: name, at: now}
	p.mu.Unlock()

	if p.heartbeats != nil {
		if err := p.heartbeats.Beat(ctx, name, workerID, now); err != nil && ctx.Err() == nil {
			p.log.Debug("heartbeat failed", zap.String("worker", workerID), zap.Error(err))
		}
	}
}

func (p *WorkerPool) retire(name, workerID string) {
	p.mu.Lock()
	delete(p.beats, workerID)
	p.mu.Unlock()

	if p.heartbeats != nil {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = p.heartbeats.Remove(ctx, name, workerID)
	}
}
