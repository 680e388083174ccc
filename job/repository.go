package job

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.opentelemetry.io/otel"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/concrnt/ccworld-ap-core/types"
)

var tracer = otel.Tracer("job")

// Queue is the enqueue side of the work queue, the only part the
// ingestion pipeline needs.
type Queue interface {
	Enqueue(ctx context.Context, kind string, payload any, delay time.Duration) (types.Job, error)
}

type Repository interface {
	Queue
	Dequeue(ctx context.Context) (*types.Job, error)
	Complete(ctx context.Context, id, status, result string) (types.Job, error)
	Clean(ctx context.Context, olderThan time.Time) error
}

type repository struct {
	db *gorm.DB
}

func NewRepository(db *gorm.DB) Repository {
	return &repository{db}
}

// Enqueue schedules a job for execution after delay. The payload is
// serialized as JSON.
func (r *repository) Enqueue(ctx context.Context, kind string, payload any, delay time.Duration) (types.Job, error) {
	ctx, span := tracer.Start(ctx, "Job.Repository.Enqueue")
	defer span.End()

	body, err := json.Marshal(payload)
	if err != nil {
		return types.Job{}, errors.Wrap(err, "failed to serialize job payload")
	}

	job := types.Job{
		ID:        uuid.New().String(),
		Kind:      kind,
		Payload:   string(body),
		Scheduled: time.Now().Add(delay),
		Status:    "pending",
	}

	if err := r.db.WithContext(ctx).Create(&job).Error; err != nil {
		return types.Job{}, err
	}

	return job, nil
}

// Dequeue claims the next due job. The row is selected with
// FOR UPDATE SKIP LOCKED so concurrent workers never pick the same
// one: a row mid-claim by another transaction is skipped, not waited
// on.
func (r *repository) Dequeue(ctx context.Context) (*types.Job, error) {
	ctx, span := tracer.Start(ctx, "Job.Repository.Dequeue")
	defer span.End()

	tx := r.db.WithContext(ctx).Begin()
	if tx.Error != nil {
		span.RecordError(tx.Error)
		return nil, tx.Error
	}

	var job types.Job
	err := tx.WithContext(ctx).
		Model(&types.Job{}).
		Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"}).
		Where("status = 'pending' AND scheduled <= ?", time.Now()).
		Order("scheduled ASC").
		First(&job).Error
	if err != nil {
		tx.Rollback()
		return nil, err
	}

	job.Status = "running"
	job.TraceID = span.SpanContext().TraceID().String()
	if err := tx.WithContext(ctx).Save(&job).Error; err != nil {
		span.RecordError(err)
		tx.Rollback()
		return nil, err
	}

	tx.WithContext(ctx).Commit()

	return &job, nil
}

func (r *repository) Complete(ctx context.Context, id, status, result string) (types.Job, error) {
	ctx, span := tracer.Start(ctx, "Job.Repository.Complete")
	defer span.End()

	var job types.Job
	err := r.db.WithContext(ctx).Where("id = ?", id).First(&job).Error
	if err != nil {
		return types.Job{}, err
	}

	job.Status = status
	job.Result = result

	if err := r.db.WithContext(ctx).Save(&job).Error; err != nil {
		return types.Job{}, err
	}

	return job, nil
}

// Clean drops finished jobs older than the given time.
func (r *repository) Clean(ctx context.Context, olderThan time.Time) error {
	ctx, span := tracer.Start(ctx, "Job.Repository.Clean")
	defer span.End()

	return r.db.WithContext(ctx).
		Where("scheduled < ? AND (status = 'completed' OR status = 'failed')", olderThan).
		Delete(&types.Job{}).Error
}
