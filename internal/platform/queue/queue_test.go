package queue

import (
	"context"
	"errors"
	"testing"
	"time"

	"signet/internal/platform/database"
)

type testClock struct {
	now time.Time
}

func (c *testClock) Now() time.Time { return c.now }

func (c *testClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

func setupTestQueue(t *testing.T) (*Queue, *testClock) {
	t.Helper()
	db, err := database.OpenMigratedMemory(context.Background())
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	clock := &testClock{now: time.UnixMilli(1_700_000_000_000)}
	q := New(db)
	q.now = clock.Now
	return q, clock
}

func TestEnqueueClaimComplete(t *testing.T) {
	q, _ := setupTestQueue(t)
	ctx := context.Background()

	id, err := q.Enqueue(ctx, QueueWebhookDelivery, "webhook.deliver", map[string]string{"event_id": "evt_1"}, DefaultJobOptions())
	if err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}

	job, err := q.Claim(ctx, QueueWebhookDelivery, "w1", 45*time.Second)
	if err != nil {
		t.Fatalf("Claim failed: %v", err)
	}
	if job == nil || job.ID != id {
		t.Fatalf("expected to claim %s, got %+v", id, job)
	}
	if job.Status != StatusActive || job.MaxAttempts != 3 || job.BackoffDelay != time.Second {
		t.Errorf("unexpected claimed job: %+v", job)
	}
	if string(job.Payload) != `{"event_id":"evt_1"}` {
		t.Errorf("payload = %s", job.Payload)
	}

	again, err := q.Claim(ctx, QueueWebhookDelivery, "w2", 45*time.Second)
	if err != nil || again != nil {
		t.Fatalf("active job must not be claimed twice, got %+v, %v", again, err)
	}

	if err := q.Complete(ctx, job); err != nil {
		t.Fatalf("Complete failed: %v", err)
	}

	stored, err := q.Get(ctx, id)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if stored.Status != StatusCompleted || stored.AttemptsMade != 1 || stored.FinishedAt == nil {
		t.Errorf("unexpected completed job: %+v", stored)
	}
}

func TestEnqueue_JobIDIsIdempotent(t *testing.T) {
	q, _ := setupTestQueue(t)
	ctx := context.Background()

	opts := DefaultJobOptions()
	opts.JobID = "rem_1"
	for i := 0; i < 2; i++ {
		id, err := q.Enqueue(ctx, QueueDeadlineReminders, "reminder.deadline", map[string]int{"n": i}, opts)
		if err != nil {
			t.Fatalf("Enqueue %d failed: %v", i, err)
		}
		if id != "rem_1" {
			t.Errorf("id = %s, want rem_1", id)
		}
	}

	counts, err := q.Counts(ctx)
	if err != nil {
		t.Fatalf("Counts failed: %v", err)
	}
	if got := counts[QueueDeadlineReminders][StatusWaiting]; got != 1 {
		t.Errorf("waiting jobs = %d, want 1", got)
	}

	job, _ := q.Get(ctx, "rem_1")
	if string(job.Payload) != `{"n":0}` {
		t.Errorf("first payload must win, got %s", job.Payload)
	}
}

func TestEnqueue_Delay(t *testing.T) {
	q, clock := setupTestQueue(t)
	ctx := context.Background()

	opts := DefaultJobOptions()
	opts.Delay = time.Hour
	id, err := q.Enqueue(ctx, QueueDeadlineReminders, "reminder.deadline", nil, opts)
	if err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}

	job, _ := q.Get(ctx, id)
	if job.Status != StatusDelayed {
		t.Errorf("status = %s, want delayed", job.Status)
	}

	if job, _ := q.Claim(ctx, QueueDeadlineReminders, "w1", time.Minute); job != nil {
		t.Fatal("delayed job claimed before run_at")
	}

	clock.Advance(time.Hour)
	if job, _ := q.Claim(ctx, QueueDeadlineReminders, "w1", time.Minute); job == nil {
		t.Fatal("due job was not claimed")
	}
}

func TestFail_RetriesWithExponentialBackoff(t *testing.T) {
	q, clock := setupTestQueue(t)
	ctx := context.Background()

	id, _ := q.Enqueue(ctx, QueueWebhookDelivery, "webhook.deliver", nil, DefaultJobOptions())
	cause := errors.New("endpoint returned 500")

	wantDelays := []time.Duration{time.Second, 2 * time.Second}
	for i, delay := range wantDelays {
		job, err := q.Claim(ctx, QueueWebhookDelivery, "w1", 45*time.Second)
		if err != nil || job == nil {
			t.Fatalf("attempt %d: claim failed: %v", i+1, err)
		}
		terminal, err := q.Fail(ctx, job, cause)
		if err != nil {
			t.Fatalf("attempt %d: Fail failed: %v", i+1, err)
		}
		if terminal {
			t.Fatalf("attempt %d: should not be terminal", i+1)
		}
		if job.Status != StatusDelayed || job.AttemptsMade != i+1 {
			t.Errorf("attempt %d: unexpected job %+v", i+1, job)
		}
		if want := clock.Now().Add(delay).UnixMilli(); job.RunAt != want {
			t.Errorf("attempt %d: run_at = %d, want %d", i+1, job.RunAt, want)
		}
		clock.Advance(delay)
	}

	job, _ := q.Claim(ctx, QueueWebhookDelivery, "w1", 45*time.Second)
	terminal, err := q.Fail(ctx, job, cause)
	if err != nil {
		t.Fatalf("final Fail failed: %v", err)
	}
	if !terminal {
		t.Fatal("third failure should be terminal")
	}
	if !ShouldMoveToDeadLetterQueue(job) {
		t.Error("exhausted job should move to the dead letter queue")
	}

	stored, _ := q.Get(ctx, id)
	if stored.Status != StatusFailed || stored.AttemptsMade != 3 {
		t.Errorf("unexpected stored job: %+v", stored)
	}
	if stored.LastError == nil || *stored.LastError != cause.Error() {
		t.Errorf("last_error = %v", stored.LastError)
	}
}

func TestFail_Unrecoverable(t *testing.T) {
	q, _ := setupTestQueue(t)
	ctx := context.Background()

	q.Enqueue(ctx, QueueWebhookDelivery, "webhook.deliver", nil, DefaultJobOptions())
	job, _ := q.Claim(ctx, QueueWebhookDelivery, "w1", 45*time.Second)

	cause := Unrecoverable(errors.New("endpoint returned 404"))
	terminal, err := q.Fail(ctx, job, cause)
	if err != nil {
		t.Fatalf("Fail failed: %v", err)
	}
	if !terminal || job.Status != StatusFailed || job.AttemptsMade != 1 {
		t.Errorf("unrecoverable failure should be terminal after one attempt, got %+v", job)
	}
	if ShouldMoveToDeadLetterQueue(job) {
		t.Error("attempt budget is not exhausted")
	}
	if !IsUnrecoverable(cause) || IsUnrecoverable(errors.New("x")) {
		t.Error("IsUnrecoverable misclassified")
	}
	if Unrecoverable(nil) != nil {
		t.Error("Unrecoverable(nil) should be nil")
	}
}

func TestComplete_LockLost(t *testing.T) {
	q, clock := setupTestQueue(t)
	ctx := context.Background()

	q.Enqueue(ctx, QueueWebhookDelivery, "webhook.deliver", nil, DefaultJobOptions())
	job, _ := q.Claim(ctx, QueueWebhookDelivery, "w1", time.Second)

	clock.Advance(2 * time.Second)
	if _, err := q.RecoverStalled(ctx, QueueWebhookDelivery); err != nil {
		t.Fatalf("RecoverStalled failed: %v", err)
	}

	if err := q.Complete(ctx, job); !errors.Is(err, ErrLockLost) {
		t.Errorf("Complete after reclaim = %v, want ErrLockLost", err)
	}
}

func TestRecoverStalled(t *testing.T) {
	q, clock := setupTestQueue(t)
	ctx := context.Background()

	opts := DefaultJobOptions()
	opts.Attempts = 2
	id, _ := q.Enqueue(ctx, QueueWebhookDelivery, "webhook.deliver", nil, opts)

	q.Claim(ctx, QueueWebhookDelivery, "w1", time.Second)
	clock.Advance(2 * time.Second)

	failed, err := q.RecoverStalled(ctx, QueueWebhookDelivery)
	if err != nil {
		t.Fatalf("RecoverStalled failed: %v", err)
	}
	if len(failed) != 0 {
		t.Fatalf("first stall should requeue, got %d failed", len(failed))
	}
	job, _ := q.Get(ctx, id)
	if job.Status != StatusWaiting || job.AttemptsMade != 1 || job.LockedBy != nil {
		t.Errorf("unexpected requeued job: %+v", job)
	}

	q.Claim(ctx, QueueWebhookDelivery, "w2", time.Second)
	clock.Advance(2 * time.Second)

	failed, err = q.RecoverStalled(ctx, QueueWebhookDelivery)
	if err != nil {
		t.Fatalf("RecoverStalled failed: %v", err)
	}
	if len(failed) != 1 || failed[0].ID != id || failed[0].Status != StatusFailed {
		t.Fatalf("second stall should fail the job, got %+v", failed)
	}
	if !ShouldMoveToDeadLetterQueue(failed[0]) {
		t.Error("stalled-out job should move to the dead letter queue")
	}
}

func TestRemove(t *testing.T) {
	q, _ := setupTestQueue(t)
	ctx := context.Background()

	opts := DefaultJobOptions()
	opts.Delay = time.Hour
	delayed, _ := q.Enqueue(ctx, QueueDeadlineReminders, "reminder.deadline", nil, opts)
	active, _ := q.Enqueue(ctx, QueueDeadlineReminders, "reminder.deadline", nil, DefaultJobOptions())
	q.Claim(ctx, QueueDeadlineReminders, "w1", time.Minute)

	tests := []struct {
		name string
		id   string
		want bool
	}{
		{"delayed job", delayed, true},
		{"active job", active, false},
		{"unknown job", "job_missing", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := q.Remove(ctx, tt.id)
			if err != nil {
				t.Fatalf("Remove failed: %v", err)
			}
			if got != tt.want {
				t.Errorf("Remove() = %v, want %v", got, tt.want)
			}
		})
	}

	if _, err := q.Get(ctx, delayed); !errors.Is(err, ErrJobNotFound) {
		t.Errorf("Get removed job = %v, want ErrJobNotFound", err)
	}
}

func TestClean(t *testing.T) {
	q, clock := setupTestQueue(t)
	ctx := context.Background()

	for i := 0; i < CompletedRetention.Count+5; i++ {
		q.Enqueue(ctx, QueueEmail, "email.send", nil, DefaultJobOptions())
		job, _ := q.Claim(ctx, QueueEmail, "w1", time.Minute)
		q.Complete(ctx, job)
		clock.Advance(time.Millisecond)
	}

	removed, err := q.Clean(ctx, QueueEmail)
	if err != nil {
		t.Fatalf("Clean failed: %v", err)
	}
	if removed != 5 {
		t.Errorf("removed = %d, want 5", removed)
	}

	clock.Advance(25 * time.Hour)
	removed, err = q.Clean(ctx, QueueEmail)
	if err != nil {
		t.Fatalf("Clean failed: %v", err)
	}
	if removed != int64(CompletedRetention.Count) {
		t.Errorf("removed = %d, want %d", removed, CompletedRetention.Count)
	}
}
