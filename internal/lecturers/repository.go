// Package lecturers persists the per-instructor lecture aggregate.
package lecturers

import (
	"context"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/nomoretears/backend/internal/courses"
	"github.com/nomoretears/backend/internal/models"
	"github.com/nomoretears/backend/pkg/apperr"
	"github.com/nomoretears/backend/pkg/database"
)

// Repository handles lecturer persistence.
type Repository struct {
	coll *mongo.Collection
}

// NewRepository creates a lecturers repository.
func NewRepository(db *database.Mongo) *Repository {
	return &Repository{coll: db.Collection(database.CollectionLecturers)}
}

// FindByUserID returns the lecturer aggregate for userID.
func (r *Repository) FindByUserID(ctx context.Context, userID string) (*models.Lecturer, error) {
	var l models.Lecturer
	err := r.coll.FindOne(ctx, bson.M{"userId": userID}).Decode(&l)
	if err == mongo.ErrNoDocuments {
		return nil, apperr.NotFound("lecturer not found")
	}
	if err != nil {
		return nil, apperr.Persistence("find lecturer", err)
	}
	return &l, nil
}

// UpsertLecture writes lec into the aggregate of userID, creating the aggregate when missing.
func (r *Repository) UpsertLecture(ctx context.Context, userID string, lec models.Lecture, resetSegments bool) error {
	var err error
	// A concurrent first upload for the same user inserts the aggregate between our two writes; the
	// losing upsert hits the unique userId index and the second round updates or appends in place.
	for attempt := 0; attempt < 2; attempt++ {
		var done bool
		done, err = r.upsertLectureOnce(ctx, userID, lec, resetSegments)
		if done {
			return nil
		}
		if !mongo.IsDuplicateKeyError(err) {
			break
		}
	}
	return err
}

func (r *Repository) upsertLectureOnce(ctx context.Context, userID string, lec models.Lecture, resetSegments bool) (bool, error) {
	res, err := r.coll.UpdateOne(ctx,
		bson.M{"userId": userID, "lectures.lectureId": lec.LectureID},
		bson.M{"$set": courses.LectureFieldUpdate("lectures.$.", lec, resetSegments)})
	if err != nil {
		return false, apperr.Persistence("update lecturer lecture", err)
	}
	if res.MatchedCount > 0 {
		return true, nil
	}

	// Upsert seeds userId from the filter.
	_, err = r.coll.UpdateOne(ctx,
		bson.M{"userId": userID, "lectures.lectureId": bson.M{"$ne": lec.LectureID}},
		bson.M{"$push": bson.M{"lectures": courses.NewLectureDocument(lec)}},
		options.Update().SetUpsert(true))
	if err != nil {
		return false, apperr.Persistence("append lecturer lecture", err)
	}
	return true, nil
}

// SetLectureSegments overwrites the lecture in every aggregate holding it, skipping copies with a
// newer version.
func (r *Repository) SetLectureSegments(ctx context.Context, lectureID string, u models.SegmentUpdate) (models.WriteOutcome, error) {
	opts := options.Update().SetArrayFilters(options.ArrayFilters{
		Filters: []interface{}{courses.VersionGuard(lectureID, u.Version, "l.")},
	})
	res, err := r.coll.UpdateMany(ctx,
		bson.M{"lectures": bson.M{"$elemMatch": courses.VersionGuard(lectureID, u.Version, "")}},
		bson.M{"$set": courses.SegmentFieldUpdate("lectures.$[l].", u)}, opts)
	if err != nil {
		return models.WriteOutcome{}, err
	}
	if res.MatchedCount > 0 {
		return models.WriteOutcome{Applied: res.MatchedCount}, nil
	}
	n, err := r.coll.CountDocuments(ctx, bson.M{"lectures.lectureId": lectureID})
	if err != nil {
		return models.WriteOutcome{}, err
	}
	return models.WriteOutcome{Stale: n > 0}, nil
}
