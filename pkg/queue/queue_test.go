package queue

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

func TestSegmentationPayloadDecodes(t *testing.T) {
	id := uuid.New()
	body, _ := json.Marshal(SegmentationPayload{IndexingTaskID: id, LectureID: "L1", CourseID: "C1", VideoKey: "u1/L1/a.mp4", AITaskID: "t1"})
	raw, _ := json.Marshal(Job{ID: "j1", Type: JobTypeSegmentation, Payload: body, Attempt: 2})

	var job Job
	if err := json.Unmarshal(raw, &job); err != nil {
		t.Fatal(err)
	}
	p, err := job.SegmentationPayload()
	if err != nil {
		t.Fatal(err)
	}
	if p.IndexingTaskID != id || p.VideoKey != "u1/L1/a.mp4" || p.AITaskID != "t1" || job.Attempt != 2 {
		t.Fatalf("payload = %+v, attempt = %d", p, job.Attempt)
	}
}

func TestSegmentationPayloadRejectsOtherTypes(t *testing.T) {
	job := Job{Type: "recording_upload", Payload: json.RawMessage(`{}`)}
	if _, err := job.SegmentationPayload(); err == nil {
		t.Fatal("expected error")
	}
	job = Job{Type: JobTypeSegmentation, Payload: json.RawMessage(`{"indexing_task_id": 7}`)}
	if _, err := job.SegmentationPayload(); err == nil {
		t.Fatal("expected decode error")
	}
}

func TestNewQueueClampsAttempts(t *testing.T) {
	if q := NewQueue(nil, nil, 0); q.maxAttempts != 1 {
		t.Fatalf("maxAttempts = %d", q.maxAttempts)
	}
}

func newRedisQueue(t *testing.T, maxAttempts int) (*Queue, *redis.Client, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewQueue(client, nil, maxAttempts), client, mr
}

func enqueue(t *testing.T, q *Queue, lectureID string) string {
	t.Helper()
	id, err := q.EnqueueSegmentation(context.Background(), SegmentationPayload{IndexingTaskID: uuid.New(), LectureID: lectureID})
	if err != nil {
		t.Fatal(err)
	}
	return id
}

func dequeue(t *testing.T, q *Queue) *Job {
	t.Helper()
	job, err := q.Dequeue(context.Background())
	if err != nil || job == nil {
		t.Fatalf("Dequeue = %v, %v", job, err)
	}
	return job
}

func listLen(t *testing.T, mr *miniredis.Miniredis, key string) int {
	t.Helper()
	if !mr.Exists(key) {
		return 0
	}
	l, err := mr.List(key)
	if err != nil {
		t.Fatal(err)
	}
	return len(l)
}

func TestDequeueHoldsJobInConsumerListUntilAck(t *testing.T) {
	ctx := context.Background()
	q, _, mr := newRedisQueue(t, 1)
	id := enqueue(t, q, "L1")

	job := dequeue(t, q)
	if job.ID != id {
		t.Fatalf("job = %s, want %s", job.ID, id)
	}
	if n := listLen(t, mr, processingKey(q.ConsumerID())); n != 1 {
		t.Fatalf("consumer list = %d, want 1", n)
	}
	if n := listLen(t, mr, QueueSegmentation); n != 0 {
		t.Fatalf("pending = %d, want 0", n)
	}

	if err := q.Ack(ctx, job); err != nil {
		t.Fatal(err)
	}
	if n := listLen(t, mr, processingKey(q.ConsumerID())); n != 0 {
		t.Fatalf("consumer list after ack = %d", n)
	}
}

func TestRetryDeadLettersAtMaxAttempts(t *testing.T) {
	ctx := context.Background()
	q, _, mr := newRedisQueue(t, 2)
	enqueue(t, q, "L1")

	dead, err := q.Retry(ctx, dequeue(t, q))
	if err != nil || dead {
		t.Fatalf("first retry: dead = %v, err = %v", dead, err)
	}
	job := dequeue(t, q)
	if job.Attempt != 1 {
		t.Fatalf("attempt = %d, want 1", job.Attempt)
	}

	dead, err = q.Retry(ctx, job)
	if err != nil || !dead {
		t.Fatalf("second retry: dead = %v, err = %v", dead, err)
	}
	if n := listLen(t, mr, QueueDLQ); n != 1 {
		t.Fatalf("dlq = %d, want 1", n)
	}
	if listLen(t, mr, QueueSegmentation) != 0 || listLen(t, mr, processingKey(q.ConsumerID())) != 0 {
		t.Fatal("dead job left behind in pending or processing")
	}
}

func TestPostponeKeepsAttempt(t *testing.T) {
	ctx := context.Background()
	q, _, mr := newRedisQueue(t, 1)
	first := enqueue(t, q, "L1")
	second := enqueue(t, q, "L2")

	if err := q.Postpone(ctx, dequeue(t, q)); err != nil {
		t.Fatal(err)
	}
	if n := listLen(t, mr, processingKey(q.ConsumerID())); n != 0 {
		t.Fatalf("consumer list = %d", n)
	}
	if job := dequeue(t, q); job.ID != second {
		t.Fatalf("next job = %s, want %s", job.ID, second)
	}
	job := dequeue(t, q)
	if job.ID != first || job.Attempt != 0 {
		t.Fatalf("postponed job = %s attempt %d", job.ID, job.Attempt)
	}
}

func TestRecoverOnlyTakesJobsOfExpiredConsumers(t *testing.T) {
	ctx := context.Background()
	dead, client, mr := newRedisQueue(t, 1)
	live := NewQueue(client, nil, 1)
	for _, q := range []*Queue{dead, live} {
		if err := q.Heartbeat(ctx); err != nil {
			t.Fatal(err)
		}
	}
	lost := enqueue(t, dead, "L1")
	held := enqueue(t, dead, "L2")
	dequeue(t, dead)
	heldJob := dequeue(t, live)
	if heldJob.ID != held {
		t.Fatalf("live consumer holds %s, want %s", heldJob.ID, held)
	}

	// both consumers are still alive: nothing moves
	if n, err := live.Recover(ctx); err != nil || n != 0 {
		t.Fatalf("Recover with live consumers = %d, %v", n, err)
	}

	mr.FastForward(ConsumerTTL + time.Second)
	if err := live.Heartbeat(ctx); err != nil {
		t.Fatal(err)
	}

	n, err := live.Recover(ctx)
	if err != nil || n != 1 {
		t.Fatalf("Recover = %d, %v; want 1", n, err)
	}
	if got := dequeue(t, live); got.ID != lost {
		t.Fatalf("recovered job = %s, want %s", got.ID, lost)
	}
	if n := listLen(t, mr, processingKey(live.ConsumerID())); n != 2 {
		t.Fatalf("live consumer list = %d, want its own job plus the recovered one", n)
	}
	members, err := mr.Members(ConsumerRegistry)
	if err != nil {
		t.Fatal(err)
	}
	if len(members) != 1 || members[0] != live.ConsumerID() {
		t.Fatalf("registry = %v, want only the live consumer", members)
	}

	// the live consumer's ack still finds its job
	if err := live.Ack(ctx, heldJob); err != nil {
		t.Fatal(err)
	}
	if n := listLen(t, mr, processingKey(live.ConsumerID())); n != 1 {
		t.Fatalf("live consumer list after ack = %d, want 1", n)
	}
}

func TestReleaseDropsHeartbeat(t *testing.T) {
	ctx := context.Background()
	q, client, mr := newRedisQueue(t, 1)
	if err := q.Heartbeat(ctx); err != nil {
		t.Fatal(err)
	}
	if ttl := mr.TTL(consumerHeartbeatPrefix + q.ConsumerID()); ttl != ConsumerTTL {
		t.Fatalf("heartbeat ttl = %v", ttl)
	}
	enqueue(t, q, "L1")
	dequeue(t, q)
	if err := q.Release(ctx); err != nil {
		t.Fatal(err)
	}

	if n, err := NewQueue(client, nil, 1).Recover(ctx); err != nil || n != 1 {
		t.Fatalf("Recover after release = %d, %v; want 1", n, err)
	}
}
