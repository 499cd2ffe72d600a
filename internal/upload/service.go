// Package upload implements lecture video upload completion and AI indexing hand-off.
package upload

import (
	"context"
	"io"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/nomoretears/backend/internal/aiservice"
	"github.com/nomoretears/backend/internal/metrics"
	"github.com/nomoretears/backend/internal/models"
	"github.com/nomoretears/backend/internal/segments"
	"github.com/nomoretears/backend/pkg/apperr"
	"github.com/nomoretears/backend/pkg/queue"
	"github.com/nomoretears/backend/pkg/storage"
)

const (
	MessageIndexingStarted    = "Upload completed. AI indexing in progress."
	MessageIndexingNotStarted = "Upload completed. AI indexing not started."
)

// ObjectStore is the subset of *storage.S3 used by uploads.
type ObjectStore interface {
	PresignUpload(ctx context.Context, key, contentType string) (string, error)
	PresignDownload(ctx context.Context, key string) (string, error)
	PresignExpire() time.Duration
	PublicObjectURL(key string) string
	Upload(ctx context.Context, key, contentType string, body io.Reader, contentLength int64) (string, error)
	ObjectExists(ctx context.Context, key string) (bool, error)
}

// CourseStore reads courses and upserts their lectures.
type CourseStore interface {
	FindByID(ctx context.Context, courseID string) (*models.Course, error)
	UpsertLecture(ctx context.Context, courseID string, lec models.Lecture, resetSegments bool) error
}

// LecturerStore upserts lectures into an instructor's aggregate.
type LecturerStore interface {
	UpsertLecture(ctx context.Context, userID string, lec models.Lecture, resetSegments bool) error
}

// Indexer starts AI indexing.
type Indexer interface {
	WaitHealthy(ctx context.Context) error
	IndexVideo(ctx context.Context, videoURL, lectureID string) (aiservice.IndexResult, error)
}

// TaskLedger records indexing tasks.
type TaskLedger interface {
	Create(ctx context.Context, t *models.IndexingTask) error
	GetByID(ctx context.Context, id uuid.UUID) (*models.IndexingTask, error)
	GetByAITaskID(ctx context.Context, aiTaskID string) (*models.IndexingTask, error)
	LatestByLecture(ctx context.Context, lectureID string) (*models.IndexingTask, error)
	MarkDone(ctx context.Context, id uuid.UUID, segmentCount int) error
	MarkFailed(ctx context.Context, id uuid.UUID, msg string) error
}

// JobQueue schedules background segmentation.
type JobQueue interface {
	EnqueueSegmentation(ctx context.Context, p queue.SegmentationPayload) (string, error)
}

// SegmentApplier persists segment results.
type SegmentApplier interface {
	ApplySegments(ctx context.Context, in segments.Input) (segments.Result, error)
}

// Deps are the collaborators of Service. Events may be nil.
type Deps struct {
	Store     ObjectStore
	Courses   CourseStore
	Lecturers LecturerStore
	AI        Indexer
	Tasks     TaskLedger
	Queue     JobQueue
	Updater   SegmentApplier
	Events    segments.EventPublisher

	// IndexingBudget bounds the health check plus index-video during CompleteUpload so the
	// degraded response is sent before the server's write deadline. Zero means unbounded.
	IndexingBudget time.Duration
}

// Service orchestrates presigned URLs, upload completion, and segment callbacks.
type Service struct {
	Deps
	logger *zap.Logger
	now    func() time.Time
}

// NewService creates an upload service.
func NewService(deps Deps, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{Deps: deps, logger: logger, now: time.Now}
}

// UploadURLRequest is the body of POST /upload/presigned-url.
type UploadURLRequest struct {
	UserID      string `json:"userId"`
	LectureID   string `json:"lectureId"`
	Filename    string `json:"filename"`
	ContentType string `json:"contentType"`
}

// UploadURL is a presigned PUT for one lecture video.
type UploadURL struct {
	PresignedURL string `json:"presignedUrl"`
	Key          string `json:"key"`
	PublicURL    string `json:"publicUrl"`
	ContentType  string `json:"contentType"`
	ExpiresIn    int    `json:"expiresIn"`
}

// IssueUploadURL validates the filename and returns a presigned PUT URL for the generated key.
func (s *Service) IssueUploadURL(ctx context.Context, req UploadURLRequest) (*UploadURL, error) {
	if err := storage.ValidateVideoFilename(req.Filename); err != nil {
		return nil, err
	}
	key, err := storage.VideoKey(req.UserID, req.LectureID, req.Filename)
	if err != nil {
		return nil, err
	}
	contentType := strings.TrimSpace(req.ContentType)
	if contentType == "" {
		contentType = storage.ContentTypeForFilename(req.Filename)
	}
	u, err := s.Store.PresignUpload(ctx, key, contentType)
	if err != nil {
		return nil, err
	}
	metrics.UploadURLsIssued.WithLabelValues("upload").Inc()
	return &UploadURL{
		PresignedURL: u,
		Key:          key,
		PublicURL:    s.Store.PublicObjectURL(key),
		ContentType:  contentType,
		ExpiresIn:    int(s.Store.PresignExpire().Seconds()),
	}, nil
}

// CompleteRequest is the body of POST /upload/complete.
type CompleteRequest struct {
	UserID       string `json:"userId"`
	LectureID    string `json:"lectureId"`
	VideoKey     string `json:"videoKey"`
	CourseID     string `json:"courseId"`
	LectureTitle string `json:"lectureTitle"`
}

// CompleteResult is returned by CompleteUpload. Message is sent in the envelope.
type CompleteResult struct {
	LectureID          string `json:"lectureId"`
	CourseID           string `json:"courseId"`
	VideoKey           string `json:"videoKey"`
	VideoURL           string `json:"videoUrl"`
	IndexingInProgress bool   `json:"indexingInProgress"`
	TaskID             string `json:"taskId,omitempty"`
	IndexingTaskID     string `json:"indexingTaskId,omitempty"`
	Message            string `json:"-"`
}

// CompleteUpload records an uploaded lecture and hands it to the AI service. Ownership and
// existence are checked before any write. AI unavailability degrades the result instead of
// failing it.
func (s *Service) CompleteUpload(ctx context.Context, req CompleteRequest) (*CompleteResult, error) {
	req.UserID = strings.TrimSpace(req.UserID)
	req.LectureID = strings.TrimSpace(req.LectureID)
	req.VideoKey = strings.TrimPrefix(strings.TrimSpace(req.VideoKey), "/")
	req.CourseID = strings.TrimSpace(req.CourseID)
	for _, f := range [][2]string{{"userId", req.UserID}, {"lectureId", req.LectureID}, {"videoKey", req.VideoKey}, {"courseId", req.CourseID}} {
		if f[1] == "" {
			return nil, apperr.Validation("%s is required", f[0])
		}
	}
	log := s.logger.With(zap.String("user_id", req.UserID), zap.String("lecture_id", req.LectureID),
		zap.String("course_id", req.CourseID), zap.String("video_key", req.VideoKey))

	course, err := s.Courses.FindByID(ctx, req.CourseID)
	if err != nil {
		return nil, err
	}
	if course.InstructorID != req.UserID {
		log.Warn("upload completion rejected: caller does not own course")
		return nil, apperr.Permission("you do not own this course")
	}
	exists, err := s.Store.ObjectExists(ctx, req.VideoKey)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, apperr.NotFound("video %q not found", req.VideoKey)
	}
	fetchURL, err := s.Store.PresignDownload(ctx, req.VideoKey)
	if err != nil {
		return nil, err
	}
	metrics.UploadURLsIssued.WithLabelValues("ai_fetch").Inc()

	// Persist before queuing so a fast worker cannot be overwritten by this upsert. The same instant
	// becomes the indexing task's requested_at, so reset version and result version share one clock.
	now := s.now().UTC().Truncate(time.Millisecond)
	lec := models.Lecture{
		LectureID:       req.LectureID,
		LectureTitle:    strings.TrimSpace(req.LectureTitle),
		CourseID:        req.CourseID,
		VideoURL:        s.Store.PublicObjectURL(req.VideoKey),
		VideoKey:        req.VideoKey,
		CreatedAt:       now,
		UpdatedAt:       now,
		SegmentsVersion: now.UnixMilli(),
	}
	existing := course.FindLecture(req.LectureID)
	reset := existing == nil || existing.VideoKey != req.VideoKey
	if !reset {
		// Same video: a lecturer aggregate missing this lecture gets the course's current segments.
		lec.CreatedAt = existing.CreatedAt
		lec.LectureSegments = existing.LectureSegments
		lec.RawAIMetaData = existing.RawAIMetaData
		lec.SegmentsVersion = existing.SegmentsVersion
	}
	if lec.LectureTitle == "" {
		lec.LectureTitle = req.LectureID
		if existing != nil && existing.LectureTitle != "" {
			lec.LectureTitle = existing.LectureTitle
		}
	}
	if err := s.Courses.UpsertLecture(ctx, req.CourseID, lec, reset); err != nil {
		return nil, err
	}
	if err := s.Lecturers.UpsertLecture(ctx, req.UserID, lec, reset); err != nil {
		return nil, err
	}

	res := &CompleteResult{
		LectureID: req.LectureID,
		CourseID:  req.CourseID,
		VideoKey:  req.VideoKey,
		VideoURL:  lec.VideoURL,
		Message:   MessageIndexingNotStarted,
	}
	outcome := s.startIndexing(ctx, log, req, fetchURL, now, res)
	metrics.UploadCompletions.WithLabelValues(outcome).Inc()
	log.Info("upload completed", zap.Bool("reset_segments", reset), zap.String("indexing", outcome))
	return res, nil
}

// startIndexing fills the indexing fields of res and returns the metrics outcome label.
func (s *Service) startIndexing(ctx context.Context, log *zap.Logger, req CompleteRequest, fetchURL string, requestedAt time.Time, res *CompleteResult) string {
	aiCtx := ctx
	if s.IndexingBudget > 0 {
		var cancel context.CancelFunc
		aiCtx, cancel = context.WithTimeout(ctx, s.IndexingBudget)
		defer cancel()
	}
	if err := s.AI.WaitHealthy(aiCtx); err != nil {
		log.Warn("ai service unavailable, indexing skipped", zap.Error(err))
		return "degraded"
	}
	idx, err := s.AI.IndexVideo(aiCtx, fetchURL, req.LectureID)
	if err != nil {
		log.Warn("index-video failed, indexing skipped", zap.Error(err))
		return "degraded"
	}
	if idx.TaskID == "" {
		log.Warn("index-video returned no task id", zap.String("status", idx.Status))
		return "no_task"
	}
	res.TaskID = idx.TaskID

	task := &models.IndexingTask{
		LectureID:   req.LectureID,
		CourseID:    req.CourseID,
		VideoKey:    req.VideoKey,
		AITaskID:    idx.TaskID,
		RequestedAt: requestedAt,
	}
	if err := s.Tasks.Create(ctx, task); err != nil {
		log.Error("record indexing task failed", zap.String("task_id", idx.TaskID), zap.Error(err))
		return "enqueue_failed"
	}
	jobID, err := s.Queue.EnqueueSegmentation(ctx, queue.SegmentationPayload{
		IndexingTaskID: task.ID,
		LectureID:      req.LectureID,
		CourseID:       req.CourseID,
		VideoKey:       req.VideoKey,
		AITaskID:       idx.TaskID,
	})
	if err != nil {
		log.Error("enqueue segmentation failed", zap.String("indexing_task_id", task.ID.String()), zap.Error(err))
		if mErr := s.Tasks.MarkFailed(ctx, task.ID, "enqueue failed: "+err.Error()); mErr != nil {
			log.Error("mark indexing task failed", zap.Error(mErr))
		}
		return "enqueue_failed"
	}

	res.IndexingInProgress = true
	res.IndexingTaskID = task.ID.String()
	res.Message = MessageIndexingStarted
	log.Info("segmentation queued", zap.String("task_id", idx.TaskID), zap.String("job_id", jobID),
		zap.String("indexing_task_id", task.ID.String()))
	s.publish(ctx, req.CourseID, models.EventIndexingStarted, map[string]any{
		"lectureId":      req.LectureID,
		"courseId":       req.CourseID,
		"taskId":         idx.TaskID,
		"indexingTaskId": task.ID.String(),
	})
	return "queued"
}

// DirectUploadRequest is a server-proxied upload. Size may be -1 when unknown.
type DirectUploadRequest struct {
	UserID      string
	LectureID   string
	Filename    string
	ContentType string
	Body        io.Reader
	Size        int64
}

// DirectUploadResult is returned by DirectUpload.
type DirectUploadResult struct {
	Key string `json:"key"`
	URL string `json:"url"`
}

// DirectUpload streams the body to the object store under the generated key. It does not start
// indexing.
func (s *Service) DirectUpload(ctx context.Context, req DirectUploadRequest) (*DirectUploadResult, error) {
	if err := storage.ValidateVideoFilename(req.Filename); err != nil {
		return nil, err
	}
	key, err := storage.VideoKey(req.UserID, req.LectureID, req.Filename)
	if err != nil {
		return nil, err
	}
	if req.Body == nil || req.Size == 0 {
		return nil, apperr.Validation("request body is empty")
	}
	contentType := strings.TrimSpace(req.ContentType)
	if contentType == "" || contentType == "application/octet-stream" {
		contentType = storage.ContentTypeForFilename(req.Filename)
	}
	u, err := s.Store.Upload(ctx, key, contentType, req.Body, req.Size)
	if err != nil {
		return nil, err
	}
	if req.Size > 0 {
		metrics.DirectUploadBytes.Add(float64(req.Size))
	}
	s.logger.Info("direct upload stored", zap.String("key", key), zap.Int64("size", req.Size))
	return &DirectUploadResult{Key: key, URL: u}, nil
}

// StreamURL is a presigned playback URL.
type StreamURL struct {
	StreamURL string `json:"streamUrl"`
	ExpiresIn int    `json:"expiresIn"`
}

// IssueStreamURL returns a presigned GET for an existing video.
func (s *Service) IssueStreamURL(ctx context.Context, videoKey string) (*StreamURL, error) {
	videoKey = strings.TrimPrefix(strings.TrimSpace(videoKey), "/")
	if videoKey == "" {
		return nil, apperr.Validation("videoKey is required")
	}
	exists, err := s.Store.ObjectExists(ctx, videoKey)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, apperr.NotFound("video %q not found", videoKey)
	}
	u, err := s.Store.PresignDownload(ctx, videoKey)
	if err != nil {
		return nil, err
	}
	metrics.UploadURLsIssued.WithLabelValues("stream").Inc()
	return &StreamURL{StreamURL: u, ExpiresIn: int(s.Store.PresignExpire().Seconds())}, nil
}

// WebhookRequest is the body of POST /upload/segmentation-complete.
type WebhookRequest struct {
	LectureID     string           `json:"lectureId"`
	CourseID      string           `json:"courseId"`
	Segments      []map[string]any `json:"segments"`
	RawAIMetaData map[string]any   `json:"rawAiMetaData"`
	VideoID       string           `json:"videoId"`
	VideoIDSnake  string           `json:"video_id"`
	TaskID        string           `json:"taskId"`

	// ScopedTaskID is the indexing task named by the caller's callback token, if any.
	ScopedTaskID string `json:"-"`
}

// SegmentationWebhook applies results pushed by the AI service. A known taskId supplies the
// segment version and closes its ledger row.
func (s *Service) SegmentationWebhook(ctx context.Context, req WebhookRequest) (*segments.Result, error) {
	req.LectureID = strings.TrimSpace(req.LectureID)
	if req.LectureID == "" {
		return nil, apperr.Validation("lectureId is required")
	}
	in := segments.Input{
		LectureID:     req.LectureID,
		CourseID:      req.CourseID,
		Segments:      req.Segments,
		RawAIMetaData: req.RawAIMetaData,
		VideoID:       req.VideoID,
	}
	if in.VideoID == "" {
		in.VideoID = req.VideoIDSnake
	}

	task, err := s.webhookTask(ctx, req)
	if err != nil {
		return nil, err
	}
	if task != nil {
		in.Version = task.Version()
		if in.CourseID == "" {
			in.CourseID = task.CourseID
		}
	}

	res, err := s.Updater.ApplySegments(ctx, in)
	if err != nil {
		return nil, err
	}
	if task != nil {
		s.closeTask(ctx, task, res)
	}
	return &res, nil
}

// webhookTask resolves the ledger task whose version a webhook result carries. A token scoped to
// a task pins that task; the body's taskId must then name the same one.
func (s *Service) webhookTask(ctx context.Context, req WebhookRequest) (*models.IndexingTask, error) {
	if req.ScopedTaskID != "" {
		id, err := uuid.Parse(req.ScopedTaskID)
		if err != nil {
			return nil, apperr.Permission("token names an invalid indexing task")
		}
		t, err := s.Tasks.GetByID(ctx, id)
		if apperr.Is(err, apperr.KindNotFound) {
			return nil, apperr.Permission("token names an unknown indexing task")
		}
		if err != nil {
			return nil, err
		}
		if t.LectureID != req.LectureID {
			return nil, apperr.Permission("token is not valid for lecture %q", req.LectureID)
		}
		if req.TaskID != "" && req.TaskID != t.AITaskID {
			return nil, apperr.Permission("token is not valid for task %q", req.TaskID)
		}
		return t, nil
	}
	if req.TaskID == "" {
		return nil, nil
	}
	t, err := s.Tasks.GetByAITaskID(ctx, req.TaskID)
	switch {
	case err == nil && t.LectureID == req.LectureID:
		return t, nil
	case err == nil:
		s.logger.Warn("webhook task belongs to another lecture", zap.String("task_id", req.TaskID),
			zap.String("lecture_id", req.LectureID), zap.String("task_lecture_id", t.LectureID))
	case !apperr.Is(err, apperr.KindNotFound):
		s.logger.Warn("lookup indexing task failed", zap.String("task_id", req.TaskID), zap.Error(err))
	}
	return nil, nil
}

// closeTask records the outcome of a result on its ledger row. A result no copy took is not a success.
func (s *Service) closeTask(ctx context.Context, task *models.IndexingTask, res segments.Result) {
	var err error
	if res.Applied() {
		err = s.Tasks.MarkDone(ctx, task.ID, len(res.Segments))
	} else {
		err = s.Tasks.MarkFailed(ctx, task.ID, res.SkipReason())
	}
	if err != nil {
		s.logger.Error("close indexing task failed", zap.String("indexing_task_id", task.ID.String()), zap.Error(err))
	}
}

// IndexingStatus returns the latest indexing task of a lecture.
func (s *Service) IndexingStatus(ctx context.Context, lectureID string) (*models.IndexingTask, error) {
	lectureID = strings.TrimSpace(lectureID)
	if lectureID == "" {
		return nil, apperr.Validation("lectureId is required")
	}
	return s.Tasks.LatestByLecture(ctx, lectureID)
}

func (s *Service) publish(ctx context.Context, courseID, event string, payload any) {
	if s.Events == nil || courseID == "" {
		return
	}
	if err := s.Events.PublishCourseEvent(ctx, courseID, event, payload); err != nil {
		s.logger.Warn("publish course event failed", zap.String("event", event), zap.Error(err))
	}
}
