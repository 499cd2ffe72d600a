package worker

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/nomoretears/backend/internal/aiservice"
	"github.com/nomoretears/backend/internal/models"
	"github.com/nomoretears/backend/internal/segments"
	"github.com/nomoretears/backend/pkg/apperr"
	"github.com/nomoretears/backend/pkg/queue"
)

type fakeQueue struct {
	mu          sync.Mutex
	pending     []*queue.Job
	acked       []string
	retried     []string
	dead        []string
	postponed   []string
	heartbeats  int
	recovers    int
	released    bool
	maxAttempts int
	onEmpty     func()
	onPostpone  func()
}

func (q *fakeQueue) Heartbeat(context.Context) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.heartbeats++
	return nil
}

func (q *fakeQueue) Recover(context.Context) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.recovers++
	return 0, nil
}

func (q *fakeQueue) Dequeue(context.Context) (*queue.Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.pending) == 0 {
		if q.onEmpty != nil {
			q.onEmpty()
		} else {
			time.Sleep(time.Millisecond)
		}
		return nil, nil
	}
	job := q.pending[0]
	q.pending = q.pending[1:]
	return job, nil
}

func (q *fakeQueue) Ack(_ context.Context, job *queue.Job) error {
	q.acked = append(q.acked, job.ID)
	return nil
}

func (q *fakeQueue) Retry(_ context.Context, job *queue.Job) (bool, error) {
	job.Attempt++
	if job.Attempt >= q.maxAttempts {
		q.dead = append(q.dead, job.ID)
		return true, nil
	}
	q.retried = append(q.retried, job.ID)
	q.mu.Lock()
	q.pending = append(q.pending, job)
	q.mu.Unlock()
	return false, nil
}

func (q *fakeQueue) Postpone(_ context.Context, job *queue.Job) error {
	q.postponed = append(q.postponed, job.ID)
	if q.onPostpone != nil {
		q.onPostpone()
	}
	q.mu.Lock()
	q.pending = append(q.pending, job)
	q.mu.Unlock()
	return nil
}

func (q *fakeQueue) Release(context.Context) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.released = true
	return nil
}

// fakeLedger models the lease: a running task can be claimed again only once expired is set.
type fakeLedger struct {
	mu       sync.Mutex
	tasks    map[uuid.UUID]*models.IndexingTask
	expired  bool
	renewals int
	requeued []string
}

func (l *fakeLedger) GetByID(_ context.Context, id uuid.UUID) (*models.IndexingTask, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	t, ok := l.tasks[id]
	if !ok {
		return nil, apperr.NotFound("indexing task not found")
	}
	cp := *t
	return &cp, nil
}

func (l *fakeLedger) MarkRunning(_ context.Context, id uuid.UUID, lease time.Duration) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if lease <= 0 {
		return false, errors.New("lease must be set")
	}
	t := l.tasks[id]
	if t.Terminal() || (t.Status == models.IndexingTaskRunning && !l.expired) {
		return false, nil
	}
	t.Status = models.IndexingTaskRunning
	t.Attempt++
	return true, nil
}

func (l *fakeLedger) Renew(_ context.Context, id uuid.UUID) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.tasks[id].Status == models.IndexingTaskRunning {
		l.renewals++
	}
	return nil
}

func (l *fakeLedger) Requeue(_ context.Context, id uuid.UUID, msg string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if t := l.tasks[id]; t.Status == models.IndexingTaskRunning {
		t.Status, t.Error = models.IndexingTaskQueued, msg
		l.requeued = append(l.requeued, msg)
	}
	return nil
}

func (l *fakeLedger) MarkDone(_ context.Context, id uuid.UUID, n int) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.tasks[id].Status, l.tasks[id].SegmentCount = models.IndexingTaskDone, n
	return nil
}

func (l *fakeLedger) MarkFailed(_ context.Context, id uuid.UUID, msg string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.tasks[id].Status != models.IndexingTaskDone {
		l.tasks[id].Status, l.tasks[id].Error = models.IndexingTaskFailed, msg
	}
	return nil
}

type fakeLinker struct{}

func (fakeLinker) PresignDownload(_ context.Context, key string) (string, error) {
	return "https://videos.example/" + key + "?sig=get", nil
}

type fakeAI struct {
	calls []aiservice.SegmentRequest
	res   *aiservice.SegmentResult
	err   error
	delay time.Duration
}

func (a *fakeAI) SegmentVideo(_ context.Context, req aiservice.SegmentRequest) (*aiservice.SegmentResult, error) {
	a.calls = append(a.calls, req)
	time.Sleep(a.delay)
	return a.res, a.err
}

type fakeApplier struct {
	inputs []segments.Input
	stale  bool
}

func (f *fakeApplier) ApplySegments(_ context.Context, in segments.Input) (segments.Result, error) {
	f.inputs = append(f.inputs, in)
	if f.stale {
		return segments.Result{Version: in.Version, Stale: true}, nil
	}
	return segments.Result{Segments: segments.Normalize(in.Segments), Version: in.Version, CourseUpdated: true}, nil
}

type fakeTokens struct{}

func (fakeTokens) Issue(lectureID, taskID string) (string, error) { return lectureID + "." + taskID, nil }

type events struct{ names []string }

func (e *events) PublishCourseEvent(_ context.Context, courseID, event string, _ any) error {
	e.names = append(e.names, courseID+":"+event)
	return nil
}

type harness struct {
	proc   *SegmentationProcessor
	queue  *fakeQueue
	ledger *fakeLedger
	ai     *fakeAI
	apply  *fakeApplier
	events *events
	task   *models.IndexingTask
}

func newHarness() *harness {
	task := &models.IndexingTask{
		ID: uuid.New(), LectureID: "L1", CourseID: "C1", VideoKey: "u1/L1/a.mp4", AITaskID: "t1",
		Status: models.IndexingTaskQueued, RequestedAt: time.UnixMilli(1_700_000_000_000),
	}
	h := &harness{
		queue:  &fakeQueue{maxAttempts: 1},
		ledger: &fakeLedger{tasks: map[uuid.UUID]*models.IndexingTask{task.ID: task}},
		ai: &fakeAI{res: &aiservice.SegmentResult{
			Segments: []map[string]any{{"start": 0, "end": 30, "title": "Intro"}, {"start": 30, "end": 90, "title": "Limits"}},
			VideoID:  "vid-9",
		}},
		apply:  &fakeApplier{},
		events: &events{},
		task:   task,
	}
	h.proc = NewSegmentationProcessor(Deps{
		Queue: h.queue, Tasks: h.ledger, Store: fakeLinker{}, AI: h.ai, Updater: h.apply,
		Tokens: fakeTokens{}, Events: h.events, CallbackURL: "https://api.example/upload/segmentation-complete",
	}, nil)
	h.proc.errBackoff = time.Millisecond
	return h
}

func (h *harness) job(t *testing.T) *queue.Job {
	t.Helper()
	body, err := json.Marshal(queue.SegmentationPayload{
		IndexingTaskID: h.task.ID, LectureID: "L1", CourseID: "C1", VideoKey: "u1/L1/a.mp4", AITaskID: "t1",
	})
	if err != nil {
		t.Fatal(err)
	}
	return &queue.Job{ID: uuid.NewString(), Type: queue.JobTypeSegmentation, Payload: body}
}

func TestProcessAppliesSegmentsWithTaskVersion(t *testing.T) {
	h := newHarness()
	if err := h.proc.Process(context.Background(), h.job(t)); err != nil {
		t.Fatalf("Process: %v", err)
	}

	if len(h.ai.calls) != 1 {
		t.Fatalf("segment calls = %d", len(h.ai.calls))
	}
	req := h.ai.calls[0]
	if req.VideoURL != "https://videos.example/u1/L1/a.mp4?sig=get" || req.TaskID != "t1" {
		t.Fatalf("request = %+v", req)
	}
	if req.CallbackToken != "L1."+h.task.ID.String() || req.CallbackURL == "" {
		t.Fatalf("callback = %q %q", req.CallbackURL, req.CallbackToken)
	}

	if len(h.apply.inputs) != 1 {
		t.Fatalf("apply calls = %d", len(h.apply.inputs))
	}
	in := h.apply.inputs[0]
	if in.Version != h.task.RequestedAt.UnixMilli() || in.CourseID != "C1" || in.VideoID != "vid-9" {
		t.Fatalf("input = %+v", in)
	}
	got := h.ledger.tasks[h.task.ID]
	if got.Status != models.IndexingTaskDone || got.SegmentCount != 2 || got.Attempt != 1 {
		t.Fatalf("task = %+v", got)
	}
}

func TestProcessSkipsFinishedTask(t *testing.T) {
	h := newHarness()
	h.task.Status = models.IndexingTaskDone

	err := h.proc.Process(context.Background(), h.job(t))
	if !errors.Is(err, errSkip) {
		t.Fatalf("err = %v, want errSkip", err)
	}
	if len(h.ai.calls) != 0 || len(h.apply.inputs) != 0 {
		t.Fatal("finished task must not be segmented again")
	}
}

func TestProcessDropsUnknownTask(t *testing.T) {
	h := newHarness()
	delete(h.ledger.tasks, h.task.ID)
	if err := h.proc.Process(context.Background(), h.job(t)); !errors.Is(err, errSkip) {
		t.Fatalf("err = %v, want errSkip", err)
	}
}

func TestProcessRejectsUnknownJobType(t *testing.T) {
	h := newHarness()
	job := h.job(t)
	job.Type = "recording_upload"
	if err := h.proc.Process(context.Background(), job); err == nil {
		t.Fatal("expected error for unknown job type")
	}
}

func TestProcessWithoutCallbackSendsNoToken(t *testing.T) {
	h := newHarness()
	h.proc.CallbackURL = ""
	if err := h.proc.Process(context.Background(), h.job(t)); err != nil {
		t.Fatal(err)
	}
	if h.ai.calls[0].CallbackToken != "" || h.ai.calls[0].CallbackURL != "" {
		t.Fatalf("request = %+v", h.ai.calls[0])
	}
}

func runUntilDrained(t *testing.T, h *harness) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	h.queue.onEmpty = cancel
	done := make(chan struct{})
	go func() {
		h.proc.Run(ctx)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		cancel()
		t.Fatal("worker did not stop")
	}
}

func TestRunAcksSuccessfulJob(t *testing.T) {
	h := newHarness()
	job := h.job(t)
	h.queue.pending = []*queue.Job{job}

	runUntilDrained(t, h)

	if h.queue.heartbeats == 0 || h.queue.recovers == 0 {
		t.Fatalf("heartbeats = %d, recovers = %d before consuming", h.queue.heartbeats, h.queue.recovers)
	}
	if !h.queue.released {
		t.Fatal("consumer not released on stop")
	}
	if len(h.queue.acked) != 1 || h.queue.acked[0] != job.ID {
		t.Fatalf("acked = %v", h.queue.acked)
	}
	if len(h.events.names) != 0 {
		t.Fatalf("events = %v", h.events.names)
	}
}

func TestRunAcksDuplicateJob(t *testing.T) {
	h := newHarness()
	h.queue.pending = []*queue.Job{h.job(t), h.job(t)}

	runUntilDrained(t, h)

	if len(h.queue.acked) != 2 || len(h.ai.calls) != 1 {
		t.Fatalf("acked = %d, segment calls = %d", len(h.queue.acked), len(h.ai.calls))
	}
}

func TestRunDeadLettersFailedJob(t *testing.T) {
	h := newHarness()
	h.ai.err = errors.New("segment-video: ai service returned 500")
	job := h.job(t)
	h.queue.pending = []*queue.Job{job}

	runUntilDrained(t, h)

	if len(h.queue.dead) != 1 || len(h.queue.acked) != 0 {
		t.Fatalf("dead = %v, acked = %v", h.queue.dead, h.queue.acked)
	}
	got := h.ledger.tasks[h.task.ID]
	if got.Status != models.IndexingTaskFailed || got.Error == "" {
		t.Fatalf("task = %+v", got)
	}
	if len(h.events.names) != 1 || h.events.names[0] != "C1:"+models.EventIndexingFailed {
		t.Fatalf("events = %v", h.events.names)
	}
}

func TestRunRetriesBeforeDeadLetter(t *testing.T) {
	h := newHarness()
	h.queue.maxAttempts = 2
	h.ai.err = errors.New("timeout")
	h.queue.pending = []*queue.Job{h.job(t)}

	runUntilDrained(t, h)

	if len(h.queue.retried) != 1 || len(h.queue.dead) != 1 {
		t.Fatalf("retried = %v, dead = %v", h.queue.retried, h.queue.dead)
	}
	if len(h.ai.calls) != 2 {
		t.Fatalf("segment calls = %d, want 2", len(h.ai.calls))
	}
	if len(h.ledger.requeued) != 1 || h.ledger.requeued[0] != "segment video: timeout" {
		t.Fatalf("requeued = %v", h.ledger.requeued)
	}
}

func TestProcessStaleResultFailsTask(t *testing.T) {
	h := newHarness()
	h.apply.stale = true

	if err := h.proc.Process(context.Background(), h.job(t)); err != nil {
		t.Fatalf("Process: %v", err)
	}
	got := h.ledger.tasks[h.task.ID]
	if got.Status != models.IndexingTaskFailed || got.SegmentCount != 0 || !strings.Contains(got.Error, "superseded") {
		t.Fatalf("task = %+v", got)
	}
}

func TestRunPostponesTaskHeldByLiveWorker(t *testing.T) {
	h := newHarness()
	h.task.Status = models.IndexingTaskRunning
	job := h.job(t)
	h.queue.pending = []*queue.Job{job}
	// the holder finishes while the job waits at the tail
	h.queue.onPostpone = func() {
		h.ledger.mu.Lock()
		h.task.Status = models.IndexingTaskDone
		h.ledger.mu.Unlock()
	}

	runUntilDrained(t, h)

	if len(h.ai.calls) != 0 {
		t.Fatalf("segment calls = %d, held task must not be segmented twice", len(h.ai.calls))
	}
	if len(h.queue.postponed) != 1 || len(h.queue.acked) != 1 || len(h.queue.retried) != 0 || len(h.queue.dead) != 0 {
		t.Fatalf("postponed = %v, acked = %v, retried = %v, dead = %v", h.queue.postponed, h.queue.acked, h.queue.retried, h.queue.dead)
	}
}

func TestProcessReclaimsExpiredLease(t *testing.T) {
	h := newHarness()
	h.task.Status = models.IndexingTaskRunning
	h.ledger.expired = true

	if err := h.proc.Process(context.Background(), h.job(t)); err != nil {
		t.Fatalf("Process: %v", err)
	}
	if len(h.ai.calls) != 1 || h.ledger.tasks[h.task.ID].Status != models.IndexingTaskDone {
		t.Fatalf("segment calls = %d, task = %+v", len(h.ai.calls), h.ledger.tasks[h.task.ID])
	}
}

func TestProcessRenewsLeaseWhileSegmenting(t *testing.T) {
	h := newHarness()
	h.proc.Lease = 15 * time.Millisecond
	h.ai.delay = 60 * time.Millisecond

	if err := h.proc.Process(context.Background(), h.job(t)); err != nil {
		t.Fatalf("Process: %v", err)
	}
	h.ledger.mu.Lock()
	defer h.ledger.mu.Unlock()
	if h.ledger.renewals == 0 {
		t.Fatal("lease never renewed during a long segmentation call")
	}
}

func TestRunKeepsHeartbeatAndRecovers(t *testing.T) {
	h := newHarness()
	h.proc.heartbeat = 5 * time.Millisecond
	ctx, cancel := context.WithTimeout(context.Background(), 80*time.Millisecond)
	defer cancel()

	h.proc.Run(ctx)

	h.queue.mu.Lock()
	defer h.queue.mu.Unlock()
	if h.queue.heartbeats < 3 || h.queue.recovers < 3 {
		t.Fatalf("heartbeats = %d, recovers = %d", h.queue.heartbeats, h.queue.recovers)
	}
	if !h.queue.released {
		t.Fatal("consumer not released on stop")
	}
}
