package models

// Course events fanned out to dashboards watching a course.
const (
	EventIndexingStarted = "lecture.indexing_started"
	EventSegmentsReady   = "lecture.segments_ready"
	EventIndexingFailed  = "lecture.indexing_failed"
)
