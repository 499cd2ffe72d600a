// Package segments writes AI segment results into every stored copy of a lecture.
package segments

import (
	"context"
	"strings"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/nomoretears/backend/internal/metrics"
	"github.com/nomoretears/backend/internal/models"
	"github.com/nomoretears/backend/pkg/apperr"
)

// CourseWriter overwrites the lecture copy inside a course. An empty courseID matches any course
// holding the lecture.
type CourseWriter interface {
	SetLectureSegments(ctx context.Context, courseID, lectureID string, update models.SegmentUpdate) (models.WriteOutcome, error)
}

// LecturerWriter overwrites the lecture copy in every lecturer aggregate holding it.
type LecturerWriter interface {
	SetLectureSegments(ctx context.Context, lectureID string, update models.SegmentUpdate) (models.WriteOutcome, error)
}

// EventPublisher fans out lecture events to dashboards subscribed to a course.
type EventPublisher interface {
	PublishCourseEvent(ctx context.Context, courseID, event string, payload any) error
}

// Input is one segment result, from the worker or from the AI service webhook.
// Version orders results; zero means "now".
type Input struct {
	LectureID     string
	CourseID      string
	Segments      []map[string]any
	RawAIMetaData map[string]any
	VideoID       string
	Version       int64
}

// Result summarizes an ApplySegments call.
type Result struct {
	Segments         []models.Segment `json:"lectureSegments"`
	Version          int64            `json:"segmentsVersion"`
	CourseUpdated    bool             `json:"courseUpdated"`
	LecturersUpdated int64            `json:"lecturersUpdated"`
	Stale            bool             `json:"stale"`
}

// Applied reports whether at least one copy of the lecture took the result.
func (r Result) Applied() bool {
	return r.CourseUpdated || r.LecturersUpdated > 0
}

// SkipReason explains a result that no copy took.
func (r Result) SkipReason() string {
	if r.Stale {
		return "result superseded by newer segments"
	}
	return "lecture not found"
}

// Updater is the single writer of lecture segment lists.
type Updater struct {
	courses   CourseWriter
	lecturers LecturerWriter
	events    EventPublisher
	logger    *zap.Logger
	now       func() time.Time
}

// NewUpdater creates an updater. events may be nil.
func NewUpdater(courses CourseWriter, lecturers LecturerWriter, events EventPublisher, logger *zap.Logger) *Updater {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Updater{courses: courses, lecturers: lecturers, events: events, logger: logger, now: time.Now}
}

// ApplySegments normalizes the segments and overwrites the lecture in its course, then in every
// lecturer aggregate. Both writes are attempted; their errors are combined. Re-applying the same
// result is a pure overwrite. A result older than the stored version is skipped.
func (u *Updater) ApplySegments(ctx context.Context, in Input) (Result, error) {
	in.LectureID = strings.TrimSpace(in.LectureID)
	in.CourseID = strings.TrimSpace(in.CourseID)
	if in.LectureID == "" {
		return Result{}, apperr.Validation("lectureId is required")
	}
	now := u.now()
	version := in.Version
	if version <= 0 {
		version = now.UnixMilli()
	}
	update := models.SegmentUpdate{
		Segments:      Normalize(in.Segments),
		RawAIMetaData: rawMetadata(in.RawAIMetaData, in.VideoID),
		Version:       version,
		UpdatedAt:     now,
	}
	res := Result{Segments: update.Segments, Version: version}
	log := u.logger.With(zap.String("lecture_id", in.LectureID), zap.String("course_id", in.CourseID),
		zap.Int("segments", len(update.Segments)), zap.Int64("version", version))

	var errs error
	courseOut, err := u.courses.SetLectureSegments(ctx, in.CourseID, in.LectureID, update)
	switch {
	case err != nil:
		metrics.SegmentWrites.WithLabelValues("course", "error").Inc()
		log.Error("course segment write failed", zap.Error(err))
		errs = multierr.Append(errs, apperr.Persistence("update course lecture", err))
	case courseOut.Applied > 0:
		metrics.SegmentWrites.WithLabelValues("course", "applied").Inc()
		res.CourseUpdated = true
	case courseOut.Stale:
		metrics.SegmentWrites.WithLabelValues("course", "stale").Inc()
		res.Stale = true
		log.Warn("course holds newer segments, result ignored")
	default:
		metrics.SegmentWrites.WithLabelValues("course", "missing").Inc()
		log.Warn("no course holds this lecture")
	}

	lecturerOut, err := u.lecturers.SetLectureSegments(ctx, in.LectureID, update)
	switch {
	case err != nil:
		metrics.SegmentWrites.WithLabelValues("lecturer", "error").Inc()
		log.Error("lecturer segment write failed", zap.Error(err))
		errs = multierr.Append(errs, apperr.Persistence("update lecturer lectures", err))
	case lecturerOut.Applied > 0:
		metrics.SegmentWrites.WithLabelValues("lecturer", "applied").Inc()
		res.LecturersUpdated = lecturerOut.Applied
	case lecturerOut.Stale:
		metrics.SegmentWrites.WithLabelValues("lecturer", "stale").Inc()
		res.Stale = true
	default:
		metrics.SegmentWrites.WithLabelValues("lecturer", "missing").Inc()
		log.Warn("no lecturer holds this lecture")
	}

	if errs != nil {
		return res, errs
	}
	log.Info("lecture segments saved",
		zap.Bool("course_updated", res.CourseUpdated), zap.Int64("lecturers_updated", res.LecturersUpdated))

	if u.events != nil && in.CourseID != "" && res.Applied() {
		payload := map[string]any{
			"lectureId":       in.LectureID,
			"courseId":        in.CourseID,
			"lectureSegments": res.Segments,
			"segmentsVersion": version,
		}
		if err := u.events.PublishCourseEvent(ctx, in.CourseID, models.EventSegmentsReady, payload); err != nil {
			log.Warn("publish segments_ready failed", zap.Error(err))
		}
	}
	return res, nil
}

func rawMetadata(raw map[string]any, videoID string) bson.M {
	if raw == nil && videoID == "" {
		return nil
	}
	out := bson.M{}
	for k, v := range raw {
		out[k] = v
	}
	if videoID != "" {
		if _, ok := out["video_id"]; !ok {
			if _, ok := out["videoId"]; !ok {
				out["videoId"] = videoID
			}
		}
	}
	return out
}
