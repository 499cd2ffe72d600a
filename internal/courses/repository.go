// Package courses persists courses and their embedded lectures.
package courses

import (
	"context"
	"errors"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/nomoretears/backend/internal/models"
	"github.com/nomoretears/backend/pkg/apperr"
	"github.com/nomoretears/backend/pkg/database"
)

// Repository handles course persistence.
type Repository struct {
	coll *mongo.Collection
}

// NewRepository creates a courses repository.
func NewRepository(db *database.Mongo) *Repository {
	return &Repository{coll: db.Collection(database.CollectionCourses)}
}

// FindByID returns the course with courseID.
func (r *Repository) FindByID(ctx context.Context, courseID string) (*models.Course, error) {
	var c models.Course
	err := r.coll.FindOne(ctx, bson.M{"courseId": courseID}).Decode(&c)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, apperr.NotFound("course not found")
	}
	if err != nil {
		return nil, apperr.Persistence("find course", err)
	}
	return &c, nil
}

// UpsertLecture replaces the lecture's metadata in place, or appends it when the course does not
// hold it yet. resetSegments clears the segment list and stamps lec.SegmentsVersion.
func (r *Repository) UpsertLecture(ctx context.Context, courseID string, lec models.Lecture, resetSegments bool) error {
	for attempt := 0; attempt < 2; attempt++ {
		res, err := r.coll.UpdateOne(ctx,
			bson.M{"courseId": courseID, "lectures.lectureId": lec.LectureID},
			bson.M{"$set": LectureFieldUpdate("lectures.$.", lec, resetSegments)})
		if err != nil {
			return apperr.Persistence("update course lecture", err)
		}
		if res.MatchedCount > 0 {
			return nil
		}

		res, err = r.coll.UpdateOne(ctx,
			bson.M{"courseId": courseID, "lectures.lectureId": bson.M{"$ne": lec.LectureID}},
			bson.M{"$push": bson.M{"lectures": NewLectureDocument(lec)}})
		if err != nil {
			return apperr.Persistence("append course lecture", err)
		}
		if res.MatchedCount > 0 {
			return nil
		}
		// Neither matched: the course is gone, or a concurrent completion appended the lecture.
	}
	return apperr.NotFound("course not found")
}

// SetLectureSegments overwrites the lecture's segments when the stored version is not newer.
// An empty courseID matches every course holding the lecture.
func (r *Repository) SetLectureSegments(ctx context.Context, courseID, lectureID string, u models.SegmentUpdate) (models.WriteOutcome, error) {
	filter := bson.M{"lectures": bson.M{"$elemMatch": VersionGuard(lectureID, u.Version, "")}}
	if courseID != "" {
		filter["courseId"] = courseID
	}
	opts := options.Update().SetArrayFilters(options.ArrayFilters{
		Filters: []interface{}{VersionGuard(lectureID, u.Version, "l.")},
	})
	res, err := r.coll.UpdateMany(ctx, filter, bson.M{"$set": SegmentFieldUpdate("lectures.$[l].", u)}, opts)
	if err != nil {
		return models.WriteOutcome{}, err
	}
	if res.MatchedCount > 0 {
		return models.WriteOutcome{Applied: res.MatchedCount}, nil
	}

	holds := bson.M{"lectures.lectureId": lectureID}
	if courseID != "" {
		holds["courseId"] = courseID
	}
	n, err := r.coll.CountDocuments(ctx, holds)
	if err != nil {
		return models.WriteOutcome{}, err
	}
	return models.WriteOutcome{Stale: n > 0}, nil
}

// VersionGuard matches a lecture element whose stored segmentsVersion is absent or <= version.
// prefix is "" inside $elemMatch and the array filter identifier (e.g. "l.") otherwise.
func VersionGuard(lectureID string, version int64, prefix string) bson.M {
	return bson.M{
		prefix + "lectureId":       lectureID,
		prefix + "segmentsVersion": bson.M{"$not": bson.M{"$gt": version}},
	}
}

// SegmentFieldUpdate builds the $set document for a segment overwrite under path.
func SegmentFieldUpdate(path string, u models.SegmentUpdate) bson.M {
	segs := u.Segments
	if segs == nil {
		segs = []models.Segment{}
	}
	set := bson.M{
		path + "lectureSegments": segs,
		path + "segmentsVersion": u.Version,
		path + "updatedAt":       u.UpdatedAt,
	}
	if u.RawAIMetaData != nil {
		set[path+"rawAiMetaData"] = u.RawAIMetaData
	}
	return set
}

// LectureFieldUpdate builds the $set document for an upload re-completion under path.
// createdAt and studentRewindEvents are left untouched.
func LectureFieldUpdate(path string, lec models.Lecture, resetSegments bool) bson.M {
	set := bson.M{
		path + "lectureTitle": lec.LectureTitle,
		path + "courseId":     lec.CourseID,
		path + "videoUrl":     lec.VideoURL,
		path + "videoKey":     lec.VideoKey,
		path + "updatedAt":    lec.UpdatedAt,
	}
	if resetSegments {
		set[path+"lectureSegments"] = []models.Segment{}
		set[path+"rawAiMetaData"] = bson.M{}
		set[path+"segmentsVersion"] = lec.SegmentsVersion
	}
	return set
}

// NewLectureDocument returns lec ready to be appended, with an empty segment list.
func NewLectureDocument(lec models.Lecture) models.Lecture {
	if lec.CreatedAt.IsZero() {
		lec.CreatedAt = time.Now().UTC()
	}
	if lec.UpdatedAt.IsZero() {
		lec.UpdatedAt = lec.CreatedAt
	}
	if lec.LectureSegments == nil {
		lec.LectureSegments = []models.Segment{}
	}
	return lec
}
