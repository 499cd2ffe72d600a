package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/nomoretears/backend/internal/aiservice"
	"github.com/nomoretears/backend/internal/metrics"
	"github.com/nomoretears/backend/internal/models"
	"github.com/nomoretears/backend/internal/segments"
	"github.com/nomoretears/backend/pkg/apperr"
	"github.com/nomoretears/backend/pkg/queue"
)

// JobSource is the segmentation queue as seen by a consumer.
type JobSource interface {
	Heartbeat(ctx context.Context) error
	Recover(ctx context.Context) (int, error)
	Dequeue(ctx context.Context) (*queue.Job, error)
	Ack(ctx context.Context, job *queue.Job) error
	Retry(ctx context.Context, job *queue.Job) (bool, error)
	Postpone(ctx context.Context, job *queue.Job) error
	Release(ctx context.Context) error
}

// TaskLedger tracks indexing task state.
type TaskLedger interface {
	GetByID(ctx context.Context, id uuid.UUID) (*models.IndexingTask, error)
	MarkRunning(ctx context.Context, id uuid.UUID, lease time.Duration) (bool, error)
	Renew(ctx context.Context, id uuid.UUID) error
	Requeue(ctx context.Context, id uuid.UUID, msg string) error
	MarkDone(ctx context.Context, id uuid.UUID, segmentCount int) error
	MarkFailed(ctx context.Context, id uuid.UUID, msg string) error
}

// VideoLinker presigns read access to stored videos.
type VideoLinker interface {
	PresignDownload(ctx context.Context, key string) (string, error)
}

// Segmenter runs AI segmentation of one video.
type Segmenter interface {
	SegmentVideo(ctx context.Context, req aiservice.SegmentRequest) (*aiservice.SegmentResult, error)
}

// SegmentApplier persists segment results.
type SegmentApplier interface {
	ApplySegments(ctx context.Context, in segments.Input) (segments.Result, error)
}

// CallbackTokens issues per-task tokens the AI service presents to the webhook.
type CallbackTokens interface {
	Issue(lectureID, indexingTaskID string) (string, error)
}

// Deps are the collaborators of a SegmentationProcessor. Tokens, Events and CallbackURL are optional.
type Deps struct {
	Queue       JobSource
	Tasks       TaskLedger
	Store       VideoLinker
	AI          Segmenter
	Updater     SegmentApplier
	Tokens      CallbackTokens
	Events      segments.EventPublisher
	CallbackURL string

	// Lease is how long a running task stays claimed without renewal. Defaults to queue.ConsumerTTL.
	Lease time.Duration
}

// SegmentationProcessor consumes segmentation jobs: it asks the AI service for segments and hands
// the result to the segment updater, keeping the indexing ledger in step.
type SegmentationProcessor struct {
	Deps
	logger     *zap.Logger
	errBackoff time.Duration
	heartbeat  time.Duration
}

// NewSegmentationProcessor creates a segmentation processor.
func NewSegmentationProcessor(deps Deps, logger *zap.Logger) *SegmentationProcessor {
	if logger == nil {
		logger = zap.NewNop()
	}
	if deps.Lease <= 0 {
		deps.Lease = queue.ConsumerTTL
	}
	return &SegmentationProcessor{Deps: deps, logger: logger, errBackoff: queue.RetryBackoff, heartbeat: queue.HeartbeatInterval}
}

var (
	// errSkip marks a job that needs no work (task already finished or unknown).
	errSkip = errors.New("skip job")
	// errBusy marks a job whose task another live worker holds.
	errBusy = errors.New("task held by another worker")
)

// Process executes one segmentation job.
func (p *SegmentationProcessor) Process(ctx context.Context, job *queue.Job) error {
	payload, err := job.SegmentationPayload()
	if err != nil {
		return err
	}
	log := p.logger.With(zap.String("job_id", job.ID), zap.String("lecture_id", payload.LectureID),
		zap.String("indexing_task_id", payload.IndexingTaskID.String()))

	task, err := p.Tasks.GetByID(ctx, payload.IndexingTaskID)
	if apperr.Is(err, apperr.KindNotFound) {
		log.Warn("indexing task not in ledger, dropping job")
		return errSkip
	}
	if err != nil {
		return fmt.Errorf("load indexing task: %w", err)
	}
	started, err := p.Tasks.MarkRunning(ctx, task.ID, p.Lease)
	if err != nil {
		return fmt.Errorf("mark running: %w", err)
	}
	if !started {
		if task.Terminal() {
			log.Info("indexing task already finished, skipping", zap.String("status", task.Status))
			return errSkip
		}
		log.Info("indexing task held by another worker")
		return errBusy
	}
	stopLease := p.keepLease(ctx, log, task.ID)
	defer stopLease()

	videoURL, err := p.Store.PresignDownload(ctx, payload.VideoKey)
	if err != nil {
		return fmt.Errorf("presign video: %w", err)
	}
	metrics.UploadURLsIssued.WithLabelValues("ai_fetch").Inc()

	req := aiservice.SegmentRequest{
		VideoURL:  videoURL,
		LectureID: payload.LectureID,
		TaskID:    payload.AITaskID,
	}
	if p.CallbackURL != "" && p.Tokens != nil {
		token, err := p.Tokens.Issue(payload.LectureID, task.ID.String())
		if err != nil {
			log.Warn("issue callback token failed", zap.Error(err))
		} else {
			req.CallbackURL, req.CallbackToken = p.CallbackURL, token
		}
	}

	log.Info("segmenting video")
	res, err := p.AI.SegmentVideo(ctx, req)
	if err != nil {
		return fmt.Errorf("segment video: %w", err)
	}

	courseID := payload.CourseID
	if courseID == "" {
		courseID = task.CourseID
	}
	out, err := p.Updater.ApplySegments(ctx, segments.Input{
		LectureID:     payload.LectureID,
		CourseID:      courseID,
		Segments:      res.Segments,
		RawAIMetaData: res.RawAIMetaData,
		VideoID:       res.VideoID,
		Version:       task.Version(),
	})
	if err != nil {
		return fmt.Errorf("apply segments: %w", err)
	}
	if out.Applied() {
		if err := p.Tasks.MarkDone(ctx, task.ID, len(out.Segments)); err != nil {
			log.Error("mark indexing task done failed", zap.Error(err))
		}
	} else if err := p.Tasks.MarkFailed(ctx, task.ID, out.SkipReason()); err != nil {
		log.Error("mark indexing task failed", zap.Error(err))
	}
	log.Info("segmentation job completed", zap.Int("segments", len(out.Segments)), zap.Bool("applied", out.Applied()),
		zap.Bool("stale", out.Stale))
	return nil
}

// keepLease renews the task's claim until the returned stop is called.
func (p *SegmentationProcessor) keepLease(ctx context.Context, log *zap.Logger, id uuid.UUID) (stop func()) {
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		every := p.Lease / 3
		if every <= 0 {
			every = queue.HeartbeatInterval
		}
		t := time.NewTicker(every)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				if err := p.Tasks.Renew(ctx, id); err != nil && ctx.Err() == nil {
					log.Warn("renew indexing task lease failed", zap.Error(err))
				}
			}
		}
	}()
	return func() {
		cancel()
		<-done
	}
}

// Run starts the worker loop: announce this consumer, recover jobs of dead consumers, then
// dequeue, process, ack or retry. A background loop keeps the heartbeat fresh and keeps
// recovering jobs of consumers that die later.
func (p *SegmentationProcessor) Run(ctx context.Context) {
	if err := p.Queue.Heartbeat(ctx); err != nil {
		p.logger.Error("consumer heartbeat failed", zap.Error(err))
	}
	p.recover(ctx)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		p.keepAlive(ctx)
	}()
	defer func() {
		wg.Wait()
		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := p.Queue.Release(rctx); err != nil {
			p.logger.Warn("release consumer failed", zap.Error(err))
		}
	}()

	p.logger.Info("segmentation worker started")
	for {
		select {
		case <-ctx.Done():
			p.logger.Info("segmentation worker stopping")
			return
		default:
		}

		job, err := p.Queue.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil {
				continue
			}
			p.logger.Warn("dequeue error", zap.Error(err))
			p.sleep(ctx)
			continue
		}
		if job == nil {
			continue
		}
		p.handle(ctx, job)
	}
}

func (p *SegmentationProcessor) keepAlive(ctx context.Context) {
	t := time.NewTicker(p.heartbeat)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if err := p.Queue.Heartbeat(ctx); err != nil && ctx.Err() == nil {
				p.logger.Warn("consumer heartbeat failed", zap.Error(err))
			}
			p.recover(ctx)
		}
	}
}

func (p *SegmentationProcessor) recover(ctx context.Context) {
	if _, err := p.Queue.Recover(ctx); err != nil && ctx.Err() == nil {
		p.logger.Error("recover jobs of expired consumers failed", zap.Error(err))
	}
}

func (p *SegmentationProcessor) handle(ctx context.Context, job *queue.Job) {
	p.logger.Debug("processing job", zap.String("job_id", job.ID), zap.String("type", string(job.Type)))
	err := p.Process(ctx, job)
	if errors.Is(err, errBusy) {
		metrics.WorkerJobs.WithLabelValues("postponed").Inc()
		if pErr := p.Queue.Postpone(ctx, job); pErr != nil {
			p.logger.Error("postpone failed", zap.String("job_id", job.ID), zap.Error(pErr))
		}
		p.sleep(ctx)
		return
	}
	if err == nil || errors.Is(err, errSkip) {
		outcome := "done"
		if err != nil {
			outcome = "skipped"
		}
		metrics.WorkerJobs.WithLabelValues(outcome).Inc()
		if ackErr := p.Queue.Ack(ctx, job); ackErr != nil {
			p.logger.Error("ack failed", zap.String("job_id", job.ID), zap.Error(ackErr))
		}
		return
	}

	p.logger.Error("job failed", zap.String("job_id", job.ID), zap.Int("attempt", job.Attempt), zap.Error(err))
	dead, reErr := p.Queue.Retry(ctx, job)
	if reErr != nil {
		p.logger.Error("retry enqueue failed", zap.Error(reErr))
	}
	if !dead {
		metrics.WorkerJobs.WithLabelValues("retried").Inc()
		if payload, pErr := job.SegmentationPayload(); pErr == nil && payload.IndexingTaskID != uuid.Nil {
			if rqErr := p.Tasks.Requeue(ctx, payload.IndexingTaskID, err.Error()); rqErr != nil {
				p.logger.Error("requeue indexing task failed", zap.Error(rqErr))
			}
		}
		return
	}
	metrics.WorkerJobs.WithLabelValues("dead").Inc()
	p.fail(ctx, job, err)
}

// fail records a job that used up its attempts and tells dashboards.
func (p *SegmentationProcessor) fail(ctx context.Context, job *queue.Job, cause error) {
	payload, err := job.SegmentationPayload()
	if err != nil {
		return
	}
	if payload.IndexingTaskID != uuid.Nil {
		if err := p.Tasks.MarkFailed(ctx, payload.IndexingTaskID, cause.Error()); err != nil {
			p.logger.Error("mark indexing task failed", zap.Error(err))
		}
	}
	if p.Events == nil || payload.CourseID == "" {
		return
	}
	event := map[string]any{
		"lectureId":      payload.LectureID,
		"courseId":       payload.CourseID,
		"indexingTaskId": payload.IndexingTaskID,
		"error":          cause.Error(),
	}
	if err := p.Events.PublishCourseEvent(ctx, payload.CourseID, models.EventIndexingFailed, event); err != nil {
		p.logger.Warn("publish indexing_failed failed", zap.Error(err))
	}
}

func (p *SegmentationProcessor) sleep(ctx context.Context) {
	t := time.NewTimer(p.errBackoff)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
