package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	// QueueSegmentation is the Redis list key for pending segmentation jobs.
	QueueSegmentation = "worker:segmentation"
	// QueueSegmentationProcessing prefixes the per-consumer lists of jobs taken but not yet
	// acknowledged ("worker:segmentation:processing:{consumer}").
	QueueSegmentationProcessing = "worker:segmentation:processing"
	// ConsumerRegistry is the set of consumer ids that may own a processing list.
	ConsumerRegistry = "worker:segmentation:consumers"
	// consumerHeartbeatPrefix prefixes the liveness key of each consumer.
	consumerHeartbeatPrefix = "worker:segmentation:consumer:"
	// QueueDLQ is the dead-letter queue for jobs that used up their attempts.
	QueueDLQ = "worker:dlq"
	// DequeueTimeout bounds one blocking pop so the worker loop can observe shutdown.
	DequeueTimeout = 5 * time.Second
	// RetryBackoff is the pause after a dequeue error.
	RetryBackoff = 10 * time.Second
	// ConsumerTTL is how long a consumer counts as alive after its last heartbeat.
	ConsumerTTL = 30 * time.Second
	// HeartbeatInterval is how often a live consumer refreshes its heartbeat.
	HeartbeatInterval = 10 * time.Second
)

// JobType identifies the job kind.
type JobType string

const (
	JobTypeSegmentation JobType = "segmentation"
)

// SegmentationPayload is the payload for segmentation jobs.
type SegmentationPayload struct {
	IndexingTaskID uuid.UUID `json:"indexing_task_id"`
	LectureID      string    `json:"lecture_id"`
	CourseID       string    `json:"course_id"`
	VideoKey       string    `json:"video_key"`
	AITaskID       string    `json:"ai_task_id"`
}

// Job is a generic job envelope.
type Job struct {
	ID        string          `json:"id"`
	Type      JobType         `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	Attempt   int             `json:"attempt"`
	CreatedAt time.Time       `json:"created_at"`

	raw string // exact list entry, needed to acknowledge
}

// SegmentationPayload decodes the job payload.
func (j *Job) SegmentationPayload() (SegmentationPayload, error) {
	var p SegmentationPayload
	if j.Type != JobTypeSegmentation {
		return p, fmt.Errorf("unknown job type: %s", j.Type)
	}
	if err := json.Unmarshal(j.Payload, &p); err != nil {
		return p, fmt.Errorf("unmarshal payload: %w", err)
	}
	return p, nil
}

// Queue enqueues and dequeues jobs via Redis. Each Queue is one consumer: a taken job stays in
// that consumer's own processing list until Ack or Retry, and the consumer keeps a heartbeat key
// alive while it runs. Recover only hands back the lists of consumers whose heartbeat expired,
// so jobs held by live workers are never redelivered.
type Queue struct {
	client      *redis.Client
	logger      *zap.Logger
	maxAttempts int
	consumer    string
	ttl         time.Duration
}

// NewQueue creates a new Redis-backed job queue with a fresh consumer id. maxAttempts < 1 is
// treated as 1.
func NewQueue(client *redis.Client, logger *zap.Logger, maxAttempts int) *Queue {
	if logger == nil {
		logger = zap.NewNop()
	}
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	return &Queue{
		client:      client,
		logger:      logger,
		maxAttempts: maxAttempts,
		consumer:    uuid.NewString(),
		ttl:         ConsumerTTL,
	}
}

// ConsumerID identifies this queue's processing list.
func (q *Queue) ConsumerID() string { return q.consumer }

func (q *Queue) processing() string { return processingKey(q.consumer) }

func processingKey(consumer string) string { return QueueSegmentationProcessing + ":" + consumer }

// EnqueueSegmentation enqueues a segmentation job and returns its id.
func (q *Queue) EnqueueSegmentation(ctx context.Context, payload SegmentationPayload) (string, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal payload: %w", err)
	}
	job := Job{
		ID:        uuid.New().String(),
		Type:      JobTypeSegmentation,
		Payload:   body,
		Attempt:   0,
		CreatedAt: time.Now(),
	}
	raw, err := json.Marshal(job)
	if err != nil {
		return "", fmt.Errorf("marshal job: %w", err)
	}
	if err := q.client.RPush(ctx, QueueSegmentation, raw).Err(); err != nil {
		return "", fmt.Errorf("rpush: %w", err)
	}
	q.logger.Debug("enqueued segmentation job", zap.String("job_id", job.ID), zap.String("lecture_id", payload.LectureID))
	return job.ID, nil
}

// Heartbeat registers this consumer and marks it alive for ConsumerTTL. Call it before the first
// Dequeue and then every HeartbeatInterval.
func (q *Queue) Heartbeat(ctx context.Context) error {
	_, err := q.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.SAdd(ctx, ConsumerRegistry, q.consumer)
		pipe.Set(ctx, consumerHeartbeatPrefix+q.consumer, time.Now().UTC().Format(time.RFC3339), q.ttl)
		return nil
	})
	if err != nil {
		return fmt.Errorf("heartbeat: %w", err)
	}
	return nil
}

// Dequeue blocks up to DequeueTimeout for a job and moves it to this consumer's processing list.
// Returns nil, nil on timeout.
func (q *Queue) Dequeue(ctx context.Context) (*Job, error) {
	raw, err := q.client.BLMove(ctx, QueueSegmentation, q.processing(), "LEFT", "RIGHT", DequeueTimeout).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, err
	}
	var job Job
	if err := json.Unmarshal([]byte(raw), &job); err != nil {
		q.logger.Warn("invalid job payload, dropping", zap.String("raw", raw), zap.Error(err))
		_ = q.client.LRem(ctx, q.processing(), 1, raw).Err()
		return nil, nil
	}
	job.raw = raw
	return &job, nil
}

// Ack removes a finished job from the processing list.
func (q *Queue) Ack(ctx context.Context, job *Job) error {
	if err := q.client.LRem(ctx, q.processing(), 1, job.raw).Err(); err != nil {
		return fmt.Errorf("lrem: %w", err)
	}
	return nil
}

// Retry re-enqueues a job with incremented attempt. Once attempts reach the limit it goes to the DLQ.
// Reports whether the job was dead-lettered.
func (q *Queue) Retry(ctx context.Context, job *Job) (bool, error) {
	job.Attempt++
	raw, err := json.Marshal(job)
	if err != nil {
		return false, err
	}
	dead := job.Attempt >= q.maxAttempts
	target := QueueSegmentation
	if dead {
		target = QueueDLQ
	}
	_, err = q.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.LRem(ctx, q.processing(), 1, job.raw)
		pipe.RPush(ctx, target, raw)
		return nil
	})
	if err != nil {
		q.logger.Error("retry push failed", zap.Error(err), zap.String("job_id", job.ID), zap.String("target", target))
		return dead, err
	}
	if dead {
		q.logger.Warn("job moved to DLQ", zap.String("job_id", job.ID), zap.Int("attempt", job.Attempt))
	} else {
		q.logger.Info("job retried", zap.String("job_id", job.ID), zap.Int("attempt", job.Attempt))
	}
	return dead, nil
}

// Postpone puts a job back at the tail of the pending list unchanged, without using an attempt.
func (q *Queue) Postpone(ctx context.Context, job *Job) error {
	_, err := q.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.LRem(ctx, q.processing(), 1, job.raw)
		pipe.RPush(ctx, QueueSegmentation, job.raw)
		return nil
	})
	if err != nil {
		return fmt.Errorf("postpone: %w", err)
	}
	return nil
}

// Recover moves the jobs of consumers whose heartbeat expired (workers that died mid-job) back to
// the front of the pending list and forgets those consumers. Live consumers, this one included,
// keep their lists. Safe to run concurrently from several workers.
func (q *Queue) Recover(ctx context.Context) (int, error) {
	consumers, err := q.client.SMembers(ctx, ConsumerRegistry).Result()
	if err != nil {
		return 0, fmt.Errorf("smembers: %w", err)
	}
	n := 0
	for _, c := range consumers {
		if c == q.consumer {
			continue
		}
		alive, err := q.client.Exists(ctx, consumerHeartbeatPrefix+c).Result()
		if err != nil {
			return n, fmt.Errorf("exists: %w", err)
		}
		if alive > 0 {
			continue
		}
		moved, err := q.drain(ctx, processingKey(c))
		n += moved
		if err != nil {
			return n, err
		}
		if err := q.client.SRem(ctx, ConsumerRegistry, c).Err(); err != nil {
			return n, fmt.Errorf("srem: %w", err)
		}
		if moved > 0 {
			q.logger.Warn("recovered jobs of expired consumer", zap.String("consumer", c), zap.Int("count", moved))
		}
	}
	return n, nil
}

func (q *Queue) drain(ctx context.Context, list string) (int, error) {
	n := 0
	for {
		err := q.client.LMove(ctx, list, QueueSegmentation, "RIGHT", "LEFT").Err()
		if errors.Is(err, redis.Nil) {
			return n, nil
		}
		if err != nil {
			return n, fmt.Errorf("lmove: %w", err)
		}
		n++
	}
}

// Release drops this consumer's heartbeat on shutdown so other workers can recover anything it
// left behind without waiting for ConsumerTTL.
func (q *Queue) Release(ctx context.Context) error {
	if err := q.client.Del(ctx, consumerHeartbeatPrefix+q.consumer).Err(); err != nil {
		return fmt.Errorf("del heartbeat: %w", err)
	}
	return nil
}
