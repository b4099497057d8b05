// Package queue is a durable at-least-once work queue stored in the main
// database. Jobs are deduplicated by idempotency key, leased to one worker at
// a time and retried with exponential backoff until their budget runs out.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"tontinepay/internal/model"
	"tontinepay/internal/repository"
	"tontinepay/pkg/idgen"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

// ErrEmptyKey rejects jobs enqueued without an idempotency key.
var ErrEmptyKey = errors.New("queue: idempotency key is required")

// Alerter is told about every job that ends up dead.
type Alerter interface {
	JobDead(ctx context.Context, job *model.QueueJob, cause error) error
}

// Options tunes retry and leasing. Zero fields take the defaults.
type Options struct {
	MaxAttempts   int
	BackoffBase   time.Duration
	BackoffMax    time.Duration
	LeaseDuration time.Duration
	ClaimBatch    int
}

func (o Options) withDefaults() Options {
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 5
	}
	if o.BackoffBase <= 0 {
		o.BackoffBase = 2 * time.Second
	}
	if o.BackoffMax <= 0 {
		o.BackoffMax = 5 * time.Minute
	}
	if o.LeaseDuration <= 0 {
		o.LeaseDuration = 2 * time.Minute
	}
	if o.ClaimBatch <= 0 {
		o.ClaimBatch = 5
	}
	return o
}

// Queue schedules, leases and settles jobs stored in queue_jobs.
type Queue struct {
	jobs    *repository.JobRepository
	ids     *idgen.Generator
	opts    Options
	alerter Alerter
	log     *zap.Logger
	now     func() time.Time
}

// New builds a queue on db. alerter may be nil.
func New(db *gorm.DB, ids *idgen.Generator, opts Options, alerter Alerter, log *zap.Logger) *Queue {
	return &Queue{
		jobs:    repository.NewJobRepository(db),
		ids:     ids,
		opts:    opts.withDefaults(),
		alerter: alerter,
		log:     log.Named("queue"),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// SetClock replaces the time source.
func (q *Queue) SetClock(now func() time.Time) {
	q.now = now
}

// EnqueueRequest describes a job. MaxAttempts falls back to Options.MaxAttempts.
type EnqueueRequest struct {
	Queue       string
	Type        string
	Key         string
	Payload     interface{}
	MaxAttempts int
}

// Handle identifies an enqueued job. Created is false when the key was
// already known and nothing new was scheduled.
type Handle struct {
	JobNo   string
	Created bool
}

// Enqueue schedules a job inside tx (or on its own when tx is nil).
func (q *Queue) Enqueue(ctx context.Context, tx *gorm.DB, req EnqueueRequest) (*Handle, error) {
	if req.Key == "" {
		return nil, ErrEmptyKey
	}
	payload, err := json.Marshal(req.Payload)
	if err != nil {
		return nil, fmt.Errorf("encode %s payload: %w", req.Type, err)
	}

	maxAttempts := req.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = q.opts.MaxAttempts
	}

	job := &model.QueueJob{
		JobNo:          q.ids.JobNo(),
		Queue:          req.Queue,
		JobType:        req.Type,
		IdempotencyKey: req.Key,
		Payload:        string(payload),
		Status:         model.JobStatusWaiting,
		MaxAttempts:    maxAttempts,
		RunAt:          q.now(),
	}

	created, err := q.jobs.CreateIfAbsent(ctx, tx, job)
	if err != nil {
		return nil, fmt.Errorf("enqueue %s: %w", req.Key, err)
	}
	if created {
		return &Handle{JobNo: job.JobNo, Created: true}, nil
	}

	existing, err := q.jobs.GetByKey(ctx, tx, req.Key)
	if err != nil {
		return nil, fmt.Errorf("load existing job %s: %w", req.Key, err)
	}
	return &Handle{JobNo: existing.JobNo, Created: false}, nil
}

// Dequeue leases the next runnable job of queueName to workerID. It returns
// nil, nil when nothing is due.
func (q *Queue) Dequeue(ctx context.Context, queueName, workerID string) (*model.QueueJob, error) {
	now := q.now()
	candidates, err := q.jobs.FindClaimable(ctx, queueName, now, q.opts.ClaimBatch)
	if err != nil {
		return nil, err
	}

	lockedUntil := now.Add(q.opts.LeaseDuration)
	for _, job := range candidates {
		claimed, err := q.jobs.Claim(ctx, job, workerID, lockedUntil)
		if err != nil {
			return nil, err
		}
		if !claimed {
			continue
		}
		if job.Status == model.JobStatusActive {
			q.log.Warn("reclaimed job with expired lease",
				zap.String("job_no", job.JobNo), zap.String("previous_worker", job.LockedBy))
		}
		job.Status = model.JobStatusActive
		job.Attempts++
		job.LockedBy = workerID
		job.LockedUntil = &lockedUntil
		return job, nil
	}
	return nil, nil
}

// Complete settles a job leased by job.LockedBy. It returns
// repository.ErrJobLeaseLost when the lease has passed to another worker.
func (q *Queue) Complete(ctx context.Context, job *model.QueueJob) error {
	return q.jobs.MarkCompleted(ctx, job.ID, job.LockedBy, q.now())
}

// Fail records a failed run. A RetryAt error puts the job back without
// counting the run. Otherwise the job is retried after Backoff unless the
// error is Permanent or the attempt budget is spent, in which case it is
// dead-lettered and the alerter is called.
func (q *Queue) Fail(ctx context.Context, job *model.QueueJob, cause error) error {
	if cause == nil {
		cause = errors.New("unknown failure")
	}
	now := q.now()

	if until, ok := DeferredUntil(cause); ok && !IsPermanent(cause) {
		if !until.After(now) {
			until = now.Add(q.opts.BackoffBase)
		}
		q.log.Info("job deferred",
			zap.String("job_no", job.JobNo),
			zap.Time("run_at", until),
			zap.Error(cause))
		return q.jobs.Defer(ctx, job.ID, job.LockedBy, until, cause.Error())
	}

	if IsPermanent(cause) || job.Attempts >= job.MaxAttempts {
		if err := q.jobs.MarkFailed(ctx, job.ID, job.LockedBy, cause.Error(), now); err != nil {
			return err
		}
		q.log.Error("job dead-lettered",
			zap.String("job_no", job.JobNo),
			zap.String("queue", job.Queue),
			zap.String("key", job.IdempotencyKey),
			zap.Int("attempts", job.Attempts),
			zap.Error(cause))
		if q.alerter != nil {
			if err := q.alerter.JobDead(ctx, job, cause); err != nil {
				return fmt.Errorf("alert for dead job %s: %w", job.JobNo, err)
			}
		}
		return nil
	}

	delay := Backoff(q.opts.BackoffBase, q.opts.BackoffMax, job.Attempts)
	q.log.Warn("job failed, retrying",
		zap.String("job_no", job.JobNo),
		zap.Int("attempts", job.Attempts),
		zap.Duration("backoff", delay),
		zap.Error(cause))
	return q.jobs.Reschedule(ctx, job.ID, job.LockedBy, now.Add(delay), cause.Error())
}

// Lookup loads the job keyed by key.
func (q *Queue) Lookup(ctx context.Context, tx *gorm.DB, key string) (*model.QueueJob, error) {
	return q.jobs.GetByKey(ctx, tx, key)
}

// Revive puts the finished job keyed by key back in line with a fresh budget.
// It returns false when the job is still waiting or running, and
// repository.ErrJobNotFound when no job has the key.
func (q *Queue) Revive(ctx context.Context, tx *gorm.DB, key string) (bool, error) {
	revived, err := q.jobs.Revive(ctx, tx, key, q.now())
	if err != nil {
		return false, err
	}
	if revived {
		q.log.Warn("job revived", zap.String("key", key))
	}
	return revived, nil
}

// Stats counts the jobs of one queue by status.
type Stats struct {
	Waiting   int64 `json:"waiting"`
	Active    int64 `json:"active"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
}

// Stats reads the current job counts of queueName.
func (q *Queue) Stats(ctx context.Context, queueName string) (Stats, error) {
	counts, err := q.jobs.CountByStatus(ctx, queueName)
	if err != nil {
		return Stats{}, err
	}
	return Stats{
		Waiting:   counts[model.JobStatusWaiting],
		Active:    counts[model.JobStatusActive],
		Completed: counts[model.JobStatusCompleted],
		Failed:    counts[model.JobStatusFailed],
	}, nil
}

// Decode unmarshals the job payload into v.
func Decode(job *model.QueueJob, v interface{}) error {
	if err := json.Unmarshal([]byte(job.Payload), v); err != nil {
		return Permanent(fmt.Errorf("decode %s payload: %w", job.JobType, err))
	}
	return nil
}
