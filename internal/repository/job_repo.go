package repository

import (
	"context"
	"errors"
	"time"

	"tontinepay/internal/model"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	ErrJobNotFound  = errors.New("queue job not found")
	ErrJobLeaseLost = errors.New("queue job lease lost")
)

// JobRepository is the storage behind queue.Queue.
type JobRepository struct {
	db *gorm.DB
}

// NewJobRepository binds the repository to db.
func NewJobRepository(db *gorm.DB) *JobRepository {
	return &JobRepository{db: db}
}

// CreateIfAbsent inserts job unless its idempotency key has been seen before.
func (r *JobRepository) CreateIfAbsent(ctx context.Context, tx *gorm.DB, job *model.QueueJob) (bool, error) {
	result := pick(r.db, tx).WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "idempotency_key"}},
			DoNothing: true,
		}).
		Create(job)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

// GetByKey loads the job with the given idempotency key, or ErrJobNotFound.
func (r *JobRepository) GetByKey(ctx context.Context, tx *gorm.DB, key string) (*model.QueueJob, error) {
	var job model.QueueJob
	err := pick(r.db, tx).WithContext(ctx).Where("idempotency_key = ?", key).First(&job).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrJobNotFound
		}
		return nil, err
	}
	return &job, nil
}

// GetByID loads a job by primary key, or ErrJobNotFound.
func (r *JobRepository) GetByID(ctx context.Context, jobID int64) (*model.QueueJob, error) {
	var job model.QueueJob
	err := r.db.WithContext(ctx).Where("id = ?", jobID).First(&job).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrJobNotFound
		}
		return nil, err
	}
	return &job, nil
}

// FindClaimable lists waiting jobs that are due and active jobs whose lease
// has run out, oldest first.
func (r *JobRepository) FindClaimable(ctx context.Context, queue string, now time.Time, limit int) ([]*model.QueueJob, error) {
	var jobs []*model.QueueJob
	err := r.db.WithContext(ctx).
		Where("queue = ? AND ((status = ? AND run_at <= ?) OR (status = ? AND locked_until < ?))",
			queue, model.JobStatusWaiting, now, model.JobStatusActive, now).
		Order("run_at ASC").
		Order("id ASC").
		Limit(limit).
		Find(&jobs).Error
	return jobs, err
}

// Claim leases the job to workerID if nobody changed it since it was read.
func (r *JobRepository) Claim(ctx context.Context, job *model.QueueJob, workerID string, lockedUntil time.Time) (bool, error) {
	result := r.db.WithContext(ctx).
		Model(&model.QueueJob{}).
		Where("id = ? AND status = ? AND attempts = ?", job.ID, job.Status, job.Attempts).
		Updates(map[string]interface{}{
			"status":       model.JobStatusActive,
			"attempts":     gorm.Expr("attempts + 1"),
			"locked_by":    workerID,
			"locked_until": lockedUntil,
		})
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

// MarkCompleted settles a job still leased by workerID.
func (r *JobRepository) MarkCompleted(ctx context.Context, jobID int64, workerID string, finishedAt time.Time) error {
	return r.finish(ctx, jobID, workerID, map[string]interface{}{
		"status":       model.JobStatusCompleted,
		"locked_until": nil,
		"finished_at":  finishedAt,
	})
}

// Reschedule releases the lease and makes the job due again at runAt.
func (r *JobRepository) Reschedule(ctx context.Context, jobID int64, workerID string, runAt time.Time, lastError string) error {
	return r.finish(ctx, jobID, workerID, map[string]interface{}{
		"status":       model.JobStatusWaiting,
		"run_at":       runAt,
		"locked_by":    "",
		"locked_until": nil,
		"last_error":   lastError,
	})
}

// Defer returns the job to waiting and gives back the attempt its lease took.
func (r *JobRepository) Defer(ctx context.Context, jobID int64, workerID string, runAt time.Time, lastError string) error {
	return r.finish(ctx, jobID, workerID, map[string]interface{}{
		"status":       model.JobStatusWaiting,
		"attempts":     gorm.Expr("CASE WHEN attempts > 0 THEN attempts - 1 ELSE 0 END"),
		"run_at":       runAt,
		"locked_by":    "",
		"locked_until": nil,
		"last_error":   lastError,
	})
}

// MarkFailed dead-letters a job still leased by workerID.
func (r *JobRepository) MarkFailed(ctx context.Context, jobID int64, workerID string, lastError string, finishedAt time.Time) error {
	return r.finish(ctx, jobID, workerID, map[string]interface{}{
		"status":       model.JobStatusFailed,
		"locked_until": nil,
		"last_error":   lastError,
		"finished_at":  finishedAt,
	})
}

func (r *JobRepository) finish(ctx context.Context, jobID int64, workerID string, updates map[string]interface{}) error {
	result := r.db.WithContext(ctx).
		Model(&model.QueueJob{}).
		Where("id = ? AND status = ? AND locked_by = ?", jobID, model.JobStatusActive, workerID).
		Updates(updates)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrJobLeaseLost
	}
	return nil
}

// Revive returns a finished job to waiting with a fresh attempt budget.
// It reports false when the job is still waiting or active.
func (r *JobRepository) Revive(ctx context.Context, tx *gorm.DB, key string, runAt time.Time) (bool, error) {
	result := pick(r.db, tx).WithContext(ctx).
		Model(&model.QueueJob{}).
		Where("idempotency_key = ? AND status IN ?", key, []string{model.JobStatusFailed, model.JobStatusCompleted}).
		Updates(map[string]interface{}{
			"status":       model.JobStatusWaiting,
			"attempts":     0,
			"run_at":       runAt,
			"locked_by":    "",
			"locked_until": nil,
			"finished_at":  nil,
		})
	if result.Error != nil {
		return false, result.Error
	}
	if result.RowsAffected > 0 {
		return true, nil
	}
	if _, err := r.GetByKey(ctx, tx, key); err != nil {
		return false, err
	}
	return false, nil
}

type statusCount struct {
	Status string
	Total  int64
}

func (r *JobRepository) CountByStatus(ctx context.Context, queue string) (map[string]int64, error) {
	var rows []statusCount
	err := r.db.WithContext(ctx).
		Model(&model.QueueJob{}).
		Select("status, COUNT(*) AS total").
		Where("queue = ?", queue).
		Group("status").
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}

	counts := make(map[string]int64, len(rows))
	for _, row := range rows {
		counts[row.Status] = row.Total
	}
	return counts, nil
}

// DeleteCompletedBefore prunes completed jobs. Failed jobs are kept for operators.
func (r *JobRepository) DeleteCompletedBefore(ctx context.Context, cutoff time.Time, limit int) (int64, error) {
	var ids []int64
	err := r.db.WithContext(ctx).
		Model(&model.QueueJob{}).
		Where("status = ? AND finished_at < ?", model.JobStatusCompleted, cutoff).
		Order("id ASC").
		Limit(limit).
		Pluck("id", &ids).Error
	if err != nil || len(ids) == 0 {
		return 0, err
	}

	result := r.db.WithContext(ctx).Where("id IN ?", ids).Delete(&model.QueueJob{})
	return result.RowsAffected, result.Error
}
