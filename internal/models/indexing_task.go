package models

import (
	"time"

	"github.com/google/uuid"
)

// IndexingTaskStatus is the lifecycle of a background segmentation task.
const (
	IndexingTaskQueued  = "queued"
	IndexingTaskRunning = "running"
	IndexingTaskDone    = "done"
	IndexingTaskFailed  = "failed"
)

// IndexingTask is the durable record of one AI indexing + segmentation round for a lecture.
type IndexingTask struct {
	ID           uuid.UUID  `json:"id"`
	LectureID    string     `json:"lectureId"`
	CourseID     string     `json:"courseId"`
	VideoKey     string     `json:"videoKey"`
	AITaskID     string     `json:"taskId"`
	Status       string     `json:"status"`
	Attempt      int        `json:"attempt"`
	SegmentCount int        `json:"segmentCount"`
	Error        string     `json:"error,omitempty"`
	RequestedAt  time.Time  `json:"requestedAt"`
	StartedAt    *time.Time `json:"startedAt,omitempty"`
	FinishedAt   *time.Time `json:"finishedAt,omitempty"`
	UpdatedAt    time.Time  `json:"updatedAt"`
}

// Version is the segment version carried by results of this task.
func (t *IndexingTask) Version() int64 {
	return t.RequestedAt.UnixMilli()
}

// Terminal reports whether the task reached done or failed.
func (t *IndexingTask) Terminal() bool {
	return t.Status == IndexingTaskDone || t.Status == IndexingTaskFailed
}
