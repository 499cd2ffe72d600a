package models

import (
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

// DefaultSegmentTitle is used when the AI service returns a segment without a title.
const DefaultSegmentTitle = "Untitled Segment"

// Segment is a titled time range of a lecture video produced by AI indexing.
type Segment struct {
	Start   float64 `bson:"start" json:"start"`
	End     float64 `bson:"end" json:"end"`
	Title   string  `bson:"title" json:"title"`
	Summary string  `bson:"summary" json:"summary"`
}

// Lecture is embedded in both Course.Lectures and Lecturer.Lectures.
// SegmentsVersion orders segment writes: a write with a lower version than the stored one is ignored.
type Lecture struct {
	LectureID           string    `bson:"lectureId" json:"lectureId"`
	LectureTitle        string    `bson:"lectureTitle" json:"lectureTitle"`
	CourseID            string    `bson:"courseId" json:"courseId"`
	VideoURL            string    `bson:"videoUrl" json:"videoUrl"`
	VideoKey            string    `bson:"videoKey,omitempty" json:"videoKey,omitempty"`
	CreatedAt           time.Time `bson:"createdAt" json:"createdAt"`
	UpdatedAt           time.Time `bson:"updatedAt,omitempty" json:"updatedAt,omitempty"`
	LectureSegments     []Segment `bson:"lectureSegments" json:"lectureSegments"`
	RawAIMetaData       bson.M    `bson:"rawAiMetaData,omitempty" json:"rawAiMetaData,omitempty"`
	StudentRewindEvents []bson.M  `bson:"studentRewindEvents,omitempty" json:"studentRewindEvents,omitempty"`
	SegmentsVersion     int64     `bson:"segmentsVersion,omitempty" json:"segmentsVersion,omitempty"`
}

// Course owns an ordered list of lectures and belongs to one instructor.
type Course struct {
	ID           primitive.ObjectID `bson:"_id,omitempty" json:"-"`
	CourseID     string             `bson:"courseId" json:"courseId"`
	CourseName   string             `bson:"courseName" json:"courseName"`
	InstructorID string             `bson:"instructorId" json:"instructorId"`
	Lectures     []Lecture          `bson:"lectures" json:"lectures"`
}

// FindLecture returns the lecture with lectureID, or nil.
func (c *Course) FindLecture(lectureID string) *Lecture {
	for i := range c.Lectures {
		if c.Lectures[i].LectureID == lectureID {
			return &c.Lectures[i]
		}
	}
	return nil
}

// Lecturer is the per-instructor aggregate holding a denormalized copy of their lectures.
type Lecturer struct {
	ID       primitive.ObjectID `bson:"_id,omitempty" json:"-"`
	UserID   string             `bson:"userId" json:"userId"`
	Name     string             `bson:"name,omitempty" json:"name,omitempty"`
	Email    string             `bson:"email,omitempty" json:"email,omitempty"`
	Lectures []Lecture          `bson:"lectures" json:"lectures"`
}

// SegmentUpdate is one overwrite of a lecture's segment list, applied to every stored copy.
type SegmentUpdate struct {
	Segments      []Segment
	RawAIMetaData bson.M
	Version       int64
	UpdatedAt     time.Time
}

// WriteOutcome reports what a guarded segment write did to one collection.
type WriteOutcome struct {
	Applied int64 // documents whose lecture copy was overwritten
	Stale   bool  // the lecture exists but holds a newer version
}
