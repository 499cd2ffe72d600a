package upload

import (
	"context"
	"errors"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nomoretears/backend/internal/aiservice"
	"github.com/nomoretears/backend/internal/models"
	"github.com/nomoretears/backend/internal/segments"
	"github.com/nomoretears/backend/pkg/apperr"
	"github.com/nomoretears/backend/pkg/queue"
)

type fakeStore struct {
	mu       sync.Mutex
	objects  map[string][]byte
	calls    int
	bucketOK bool
}

func newFakeStore() *fakeStore {
	return &fakeStore{objects: map[string][]byte{}, bucketOK: true}
}

func (f *fakeStore) touch() error {
	f.calls++
	if !f.bucketOK {
		return apperr.Configuration("video bucket is not configured")
	}
	return nil
}

func (f *fakeStore) PresignUpload(_ context.Context, key, _ string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.touch(); err != nil {
		return "", err
	}
	return "https://videos.example/" + key + "?X-Amz-Expires=3600&X-Amz-Signature=put", nil
}

func (f *fakeStore) PresignDownload(_ context.Context, key string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.touch(); err != nil {
		return "", err
	}
	return "https://videos.example/" + key + "?X-Amz-Expires=3600&X-Amz-Signature=get", nil
}

func (f *fakeStore) PresignExpire() time.Duration { return time.Hour }

func (f *fakeStore) PublicObjectURL(key string) string { return "https://videos.example/" + key }

func (f *fakeStore) Upload(_ context.Context, key, _ string, body io.Reader, _ int64) (string, error) {
	data, err := io.ReadAll(body)
	if err != nil {
		return "", err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.touch(); err != nil {
		return "", err
	}
	f.objects[key] = data
	return "https://videos.example/" + key, nil
}

func (f *fakeStore) ObjectExists(_ context.Context, key string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.touch(); err != nil {
		return false, err
	}
	_, ok := f.objects[key]
	return ok, nil
}

func (f *fakeStore) put(key string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.objects[key] = []byte("video")
}

// fakeDocs holds courses and lecturer aggregates and applies the same version guard as Mongo.
type fakeDocs struct {
	mu        sync.Mutex
	courses   map[string]*models.Course
	lecturers map[string]*models.Lecturer
	writes    int
}

func newFakeDocs(courses ...*models.Course) *fakeDocs {
	d := &fakeDocs{courses: map[string]*models.Course{}, lecturers: map[string]*models.Lecturer{}}
	for _, c := range courses {
		d.courses[c.CourseID] = c
	}
	return d
}

func upsertInto(list []models.Lecture, lec models.Lecture, reset bool) []models.Lecture {
	for i := range list {
		if list[i].LectureID != lec.LectureID {
			continue
		}
		cur := &list[i]
		cur.LectureTitle, cur.CourseID, cur.VideoURL, cur.VideoKey, cur.UpdatedAt =
			lec.LectureTitle, lec.CourseID, lec.VideoURL, lec.VideoKey, lec.UpdatedAt
		if reset {
			cur.LectureSegments = []models.Segment{}
			cur.SegmentsVersion = lec.SegmentsVersion
		}
		return list
	}
	if lec.LectureSegments == nil {
		lec.LectureSegments = []models.Segment{}
	}
	return append(list, lec)
}

func applyGuarded(list []models.Lecture, lectureID string, u models.SegmentUpdate) (applied, stale bool) {
	for i := range list {
		if list[i].LectureID != lectureID {
			continue
		}
		if list[i].SegmentsVersion > u.Version {
			stale = true
			continue
		}
		list[i].LectureSegments = u.Segments
		list[i].RawAIMetaData = u.RawAIMetaData
		list[i].SegmentsVersion = u.Version
		applied = true
	}
	return applied, stale
}

type fakeCourses struct{ *fakeDocs }

func (f fakeCourses) FindByID(_ context.Context, courseID string) (*models.Course, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.courses[courseID]
	if !ok {
		return nil, apperr.NotFound("course not found")
	}
	cp := *c
	cp.Lectures = append([]models.Lecture(nil), c.Lectures...)
	return &cp, nil
}

func (f fakeCourses) UpsertLecture(_ context.Context, courseID string, lec models.Lecture, reset bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.courses[courseID]
	if !ok {
		return apperr.NotFound("course not found")
	}
	f.writes++
	c.Lectures = upsertInto(c.Lectures, lec, reset)
	return nil
}

func (f fakeCourses) SetLectureSegments(_ context.Context, courseID, lectureID string, u models.SegmentUpdate) (models.WriteOutcome, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out models.WriteOutcome
	for id, c := range f.courses {
		if courseID != "" && id != courseID {
			continue
		}
		applied, stale := applyGuarded(c.Lectures, lectureID, u)
		if applied {
			out.Applied++
		}
		out.Stale = out.Stale || stale
	}
	if out.Applied > 0 {
		out.Stale = false
	}
	return out, nil
}

type fakeLecturers struct{ *fakeDocs }

func (f fakeLecturers) UpsertLecture(_ context.Context, userID string, lec models.Lecture, reset bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	l, ok := f.lecturers[userID]
	if !ok {
		l = &models.Lecturer{UserID: userID}
		f.lecturers[userID] = l
	}
	f.writes++
	l.Lectures = upsertInto(l.Lectures, lec, reset)
	return nil
}

func (f fakeLecturers) SetLectureSegments(_ context.Context, lectureID string, u models.SegmentUpdate) (models.WriteOutcome, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out models.WriteOutcome
	for _, l := range f.lecturers {
		applied, stale := applyGuarded(l.Lectures, lectureID, u)
		if applied {
			out.Applied++
		}
		out.Stale = out.Stale || stale
	}
	if out.Applied > 0 {
		out.Stale = false
	}
	return out, nil
}

func (d *fakeDocs) courseLecture(courseID, lectureID string) *models.Lecture {
	d.mu.Lock()
	defer d.mu.Unlock()
	c, ok := d.courses[courseID]
	if !ok {
		return nil
	}
	if l := c.FindLecture(lectureID); l != nil {
		cp := *l
		return &cp
	}
	return nil
}

func (d *fakeDocs) lecturerLecture(userID, lectureID string) *models.Lecture {
	d.mu.Lock()
	defer d.mu.Unlock()
	l, ok := d.lecturers[userID]
	if !ok {
		return nil
	}
	for _, lec := range l.Lectures {
		if lec.LectureID == lectureID {
			cp := lec
			return &cp
		}
	}
	return nil
}

type fakeAI struct {
	blockHealth bool // WaitHealthy waits for its context to end
	healthErr   error
	result      aiservice.IndexResult
	indexErr    error
	indexCalls  int
	lastURL     string
}

func (f *fakeAI) WaitHealthy(ctx context.Context) error {
	if f.blockHealth {
		<-ctx.Done()
		return apperr.Upstream("ai service unreachable", ctx.Err())
	}
	return f.healthErr
}

func (f *fakeAI) IndexVideo(_ context.Context, videoURL, _ string) (aiservice.IndexResult, error) {
	f.indexCalls++
	f.lastURL = videoURL
	return f.result, f.indexErr
}

type fakeLedger struct {
	mu        sync.Mutex
	tasks     []*models.IndexingTask
	createErr error
	clock     func() time.Time // database clock for rows created without requested_at
}

func (f *fakeLedger) Create(_ context.Context, t *models.IndexingTask) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		return f.createErr
	}
	t.ID = uuid.New()
	t.Status = models.IndexingTaskQueued
	dbNow := time.Now
	if f.clock != nil {
		dbNow = f.clock
	}
	if t.RequestedAt.IsZero() {
		t.RequestedAt = dbNow()
	}
	t.UpdatedAt = dbNow()
	cp := *t
	f.tasks = append(f.tasks, &cp)
	return nil
}

func (f *fakeLedger) find(match func(*models.IndexingTask) bool) (*models.IndexingTask, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := len(f.tasks) - 1; i >= 0; i-- {
		if match(f.tasks[i]) {
			cp := *f.tasks[i]
			return &cp, nil
		}
	}
	return nil, apperr.NotFound("indexing task not found")
}

func (f *fakeLedger) GetByID(_ context.Context, id uuid.UUID) (*models.IndexingTask, error) {
	return f.find(func(t *models.IndexingTask) bool { return t.ID == id })
}

func (f *fakeLedger) GetByAITaskID(_ context.Context, id string) (*models.IndexingTask, error) {
	return f.find(func(t *models.IndexingTask) bool { return t.AITaskID == id })
}

func (f *fakeLedger) LatestByLecture(_ context.Context, lectureID string) (*models.IndexingTask, error) {
	return f.find(func(t *models.IndexingTask) bool { return t.LectureID == lectureID })
}

func (f *fakeLedger) set(id uuid.UUID, fn func(*models.IndexingTask)) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, t := range f.tasks {
		if t.ID == id {
			fn(t)
			return nil
		}
	}
	return errors.New("no such task")
}

func (f *fakeLedger) MarkDone(_ context.Context, id uuid.UUID, n int) error {
	return f.set(id, func(t *models.IndexingTask) { t.Status, t.SegmentCount = models.IndexingTaskDone, n })
}

func (f *fakeLedger) MarkFailed(_ context.Context, id uuid.UUID, msg string) error {
	return f.set(id, func(t *models.IndexingTask) { t.Status, t.Error = models.IndexingTaskFailed, msg })
}

type fakeQueue struct {
	jobs []queue.SegmentationPayload
	err  error
}

func (f *fakeQueue) EnqueueSegmentation(_ context.Context, p queue.SegmentationPayload) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	f.jobs = append(f.jobs, p)
	return uuid.NewString(), nil
}

type recordingApplier struct {
	inputs []segments.Input
}

func (r *recordingApplier) ApplySegments(_ context.Context, in segments.Input) (segments.Result, error) {
	r.inputs = append(r.inputs, in)
	return segments.Result{Segments: segments.Normalize(in.Segments), Version: in.Version, CourseUpdated: true}, nil
}

type eventLog struct {
	mu     sync.Mutex
	events []string
}

func (e *eventLog) PublishCourseEvent(_ context.Context, courseID, event string, _ any) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.events = append(e.events, courseID+":"+event)
	return nil
}

type fixture struct {
	svc    *Service
	store  *fakeStore
	docs   *fakeDocs
	ai     *fakeAI
	ledger *fakeLedger
	queue  *fakeQueue
	events *eventLog
}

func newFixture() *fixture {
	f := &fixture{
		store: newFakeStore(),
		docs: newFakeDocs(&models.Course{
			CourseID: "C1", CourseName: "Calculus", InstructorID: "u1", Lectures: []models.Lecture{},
		}),
		ai:     &fakeAI{result: aiservice.IndexResult{TaskID: "t1", Status: "started"}},
		ledger: &fakeLedger{},
		queue:  &fakeQueue{},
		events: &eventLog{},
	}
	courses, lecturers := fakeCourses{f.docs}, fakeLecturers{f.docs}
	f.svc = NewService(Deps{
		Store:     f.store,
		Courses:   courses,
		Lecturers: lecturers,
		AI:        f.ai,
		Tasks:     f.ledger,
		Queue:     f.queue,
		Updater:   segments.NewUpdater(courses, lecturers, f.events, nil),
		Events:    f.events,
	}, nil)
	return f
}

func (f *fixture) putVideo(key string) { f.store.put(key) }
