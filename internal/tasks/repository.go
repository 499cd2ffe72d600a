// Package tasks is the durable ledger of background indexing tasks.
package tasks

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/nomoretears/backend/internal/metrics"
	"github.com/nomoretears/backend/internal/models"
	"github.com/nomoretears/backend/pkg/apperr"
)

const selectColumns = `SELECT id, lecture_id, course_id, video_key, ai_task_id, status, attempt, segment_count,
	COALESCE(error,''), requested_at, started_at, finished_at, updated_at FROM indexing_tasks`

// Repository handles indexing task persistence.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository creates an indexing task repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// Create inserts a queued task and fills in its id and timestamps. A set RequestedAt is stored as
// given, since it is the segment version of the task's results and must share the clock that
// stamped the lecture; a zero RequestedAt falls back to the database clock.
func (r *Repository) Create(ctx context.Context, t *models.IndexingTask) error {
	const q = `INSERT INTO indexing_tasks (lecture_id, course_id, video_key, ai_task_id, status, requested_at)
		VALUES ($1, $2, $3, $4, $5, COALESCE($6, NOW()))
		RETURNING id, requested_at, updated_at`
	if t.Status == "" {
		t.Status = models.IndexingTaskQueued
	}
	var requestedAt *time.Time
	if !t.RequestedAt.IsZero() {
		ts := t.RequestedAt.UTC()
		requestedAt = &ts
	}
	err := r.pool.QueryRow(ctx, q, t.LectureID, t.CourseID, t.VideoKey, t.AITaskID, t.Status, requestedAt).
		Scan(&t.ID, &t.RequestedAt, &t.UpdatedAt)
	if err != nil {
		return apperr.Persistence("create indexing task", err)
	}
	metrics.IndexingTasks.WithLabelValues(t.Status).Inc()
	return nil
}

// GetByID returns a task by id.
func (r *Repository) GetByID(ctx context.Context, id uuid.UUID) (*models.IndexingTask, error) {
	return r.getOne(ctx, selectColumns+` WHERE id = $1`, id)
}

// GetByAITaskID returns the newest task carrying the AI service's task id.
func (r *Repository) GetByAITaskID(ctx context.Context, aiTaskID string) (*models.IndexingTask, error) {
	return r.getOne(ctx, selectColumns+` WHERE ai_task_id = $1 ORDER BY requested_at DESC LIMIT 1`, aiTaskID)
}

// LatestByLecture returns the most recently requested task for a lecture.
func (r *Repository) LatestByLecture(ctx context.Context, lectureID string) (*models.IndexingTask, error) {
	return r.getOne(ctx, selectColumns+` WHERE lecture_id = $1 ORDER BY requested_at DESC LIMIT 1`, lectureID)
}

// ListByLecture returns every task for a lecture, newest first.
func (r *Repository) ListByLecture(ctx context.Context, lectureID string, limit int) ([]models.IndexingTask, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := r.pool.Query(ctx, selectColumns+` WHERE lecture_id = $1 ORDER BY requested_at DESC LIMIT $2`, lectureID, limit)
	if err != nil {
		return nil, apperr.Persistence("list indexing tasks", err)
	}
	defer rows.Close()
	var list []models.IndexingTask
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, apperr.Persistence("scan indexing task", err)
		}
		list = append(list, *t)
	}
	if err := rows.Err(); err != nil {
		return nil, apperr.Persistence("list indexing tasks", err)
	}
	return list, nil
}

// MarkRunning claims a task for one worker: it moves a queued task to running and bumps its
// attempt. A running task is claimed again only once its lease (updated_at, kept fresh by Renew)
// is older than lease, which means its previous holder is gone. It reports false when the task
// is finished or still held.
func (r *Repository) MarkRunning(ctx context.Context, id uuid.UUID, lease time.Duration) (bool, error) {
	const q = `UPDATE indexing_tasks SET status = $1, attempt = attempt + 1, started_at = NOW(), updated_at = NOW()
		WHERE id = $2 AND (status = $3 OR (status = $1 AND updated_at < NOW() - $4::float8 * INTERVAL '1 second'))`
	tag, err := r.pool.Exec(ctx, q, models.IndexingTaskRunning, id, models.IndexingTaskQueued, lease.Seconds())
	if err != nil {
		return false, apperr.Persistence("mark indexing task running", err)
	}
	if tag.RowsAffected() == 0 {
		return false, nil
	}
	metrics.IndexingTasks.WithLabelValues(models.IndexingTaskRunning).Inc()
	return true, nil
}

// Renew extends the lease of a running task.
func (r *Repository) Renew(ctx context.Context, id uuid.UUID) error {
	const q = `UPDATE indexing_tasks SET updated_at = NOW() WHERE id = $1 AND status = $2`
	if _, err := r.pool.Exec(ctx, q, id, models.IndexingTaskRunning); err != nil {
		return apperr.Persistence("renew indexing task", err)
	}
	return nil
}

// Requeue hands a running task back to the queue after a failed attempt that will be retried.
func (r *Repository) Requeue(ctx context.Context, id uuid.UUID, msg string) error {
	const q = `UPDATE indexing_tasks SET status = $1, error = $2, updated_at = NOW() WHERE id = $3 AND status = $4`
	if _, err := r.pool.Exec(ctx, q, models.IndexingTaskQueued, msg, id, models.IndexingTaskRunning); err != nil {
		return apperr.Persistence("requeue indexing task", err)
	}
	metrics.IndexingTasks.WithLabelValues(models.IndexingTaskQueued).Inc()
	return nil
}

// MarkDone records a successful segmentation round.
func (r *Repository) MarkDone(ctx context.Context, id uuid.UUID, segmentCount int) error {
	const q = `UPDATE indexing_tasks SET status = $1, segment_count = $2, error = NULL, finished_at = NOW(), updated_at = NOW()
		WHERE id = $3`
	if _, err := r.pool.Exec(ctx, q, models.IndexingTaskDone, segmentCount, id); err != nil {
		return apperr.Persistence("mark indexing task done", err)
	}
	metrics.IndexingTasks.WithLabelValues(models.IndexingTaskDone).Inc()
	return nil
}

// MarkFailed records a failed round. A task already done stays done.
func (r *Repository) MarkFailed(ctx context.Context, id uuid.UUID, msg string) error {
	const q = `UPDATE indexing_tasks SET status = $1, error = $2, finished_at = NOW(), updated_at = NOW()
		WHERE id = $3 AND status <> $4`
	if _, err := r.pool.Exec(ctx, q, models.IndexingTaskFailed, msg, id, models.IndexingTaskDone); err != nil {
		return apperr.Persistence("mark indexing task failed", err)
	}
	metrics.IndexingTasks.WithLabelValues(models.IndexingTaskFailed).Inc()
	return nil
}

func (r *Repository) getOne(ctx context.Context, q string, arg any) (*models.IndexingTask, error) {
	t, err := scanTask(r.pool.QueryRow(ctx, q, arg))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperr.NotFound("indexing task not found")
	}
	if err != nil {
		return nil, apperr.Persistence("get indexing task", err)
	}
	return t, nil
}

func scanTask(row pgx.Row) (*models.IndexingTask, error) {
	var t models.IndexingTask
	err := row.Scan(&t.ID, &t.LectureID, &t.CourseID, &t.VideoKey, &t.AITaskID, &t.Status, &t.Attempt, &t.SegmentCount,
		&t.Error, &t.RequestedAt, &t.StartedAt, &t.FinishedAt, &t.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &t, nil
}
