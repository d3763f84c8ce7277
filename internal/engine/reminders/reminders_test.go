package reminders

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"signet/internal/jobs"
	"signet/internal/platform/database"
	"signet/internal/platform/mailer"
	"signet/internal/platform/models"
	"signet/internal/platform/queue"
	"signet/internal/platform/repositories"
)

type fakeSender struct {
	mu   sync.Mutex
	sent []mailer.ReminderEmail
	err  error
}

func (f *fakeSender) SendReminder(ctx context.Context, email mailer.ReminderEmail) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.sent = append(f.sent, email)
	return nil
}

type testEnv struct {
	documents *repositories.DocumentRepository
	signers   *repositories.SignerRepository
	reminders *repositories.ReminderRepository
	queue     *queue.Queue
	scheduler *Scheduler
	worker    *Worker
	sender    *fakeSender
	now       time.Time
}

func setupTestEnv(t *testing.T) *testEnv {
	t.Helper()
	db, err := database.OpenMigratedMemory(context.Background())
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	env := &testEnv{
		documents: repositories.NewDocumentRepository(db),
		signers:   repositories.NewSignerRepository(db),
		reminders: repositories.NewReminderRepository(db),
		queue:     queue.New(db),
		sender:    &fakeSender{},
		now:       time.Now().Truncate(time.Millisecond),
	}
	env.scheduler = NewScheduler(env.documents, env.signers, env.reminders, env.queue, []int{7, 3, 1})
	env.scheduler.now = func() time.Time { return env.now }
	env.worker = NewWorker(env.documents, env.signers, env.reminders, env.sender, "https://sign.example.com/sign/")
	env.worker.now = func() time.Time { return env.now }
	return env
}

func (env *testEnv) createDocument(t *testing.T, status string, expiresIn time.Duration, signers ...string) (*models.Document, []*models.Signer) {
	t.Helper()
	ctx := context.Background()
	expiresAt := env.now.Add(expiresIn).UnixMilli()
	doc := &models.Document{
		OwnerID:    "usr_1",
		Title:      "Lease agreement",
		SenderName: "Grace",
		Status:     status,
		ExpiresAt:  &expiresAt,
		CreatedAt:  env.now.Add(-50 * time.Hour).UnixMilli(),
	}
	if err := env.documents.Create(ctx, doc); err != nil {
		t.Fatalf("failed to create document: %v", err)
	}

	var created []*models.Signer
	for _, email := range signers {
		s := &models.Signer{DocumentID: doc.ID, Email: email, Name: "Signer"}
		if err := env.signers.Create(ctx, s); err != nil {
			t.Fatalf("failed to create signer: %v", err)
		}
		created = append(created, s)
	}
	return doc, created
}

func TestScheduleForDocument(t *testing.T) {
	tests := []struct {
		name      string
		status    string
		expiresIn time.Duration
		want      []string
	}{
		{"all offsets in the future", models.DocumentStatusPending, 10 * day, []string{models.ReminderType7Day, models.ReminderType3Day, models.ReminderType1Day}},
		{"only one day left to fire", models.DocumentStatusPending, 2 * day, []string{models.ReminderType1Day}},
		{"expires too soon", models.DocumentStatusPending, 12 * time.Hour, nil},
		{"draft document", models.DocumentStatusDraft, 10 * day, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := setupTestEnv(t)
			ctx := context.Background()
			doc, signers := env.createDocument(t, tt.status, tt.expiresIn, "a@example.com")

			n, err := env.scheduler.ScheduleForDocument(ctx, doc.ID)
			if err != nil {
				t.Fatalf("ScheduleForDocument failed: %v", err)
			}
			if n != len(tt.want) {
				t.Fatalf("scheduled %d reminders, want %d", n, len(tt.want))
			}

			reminders, _ := env.reminders.ListUnsent(ctx, doc.ID, signers[0].ID)
			got := map[string]*models.DocumentReminder{}
			for _, r := range reminders {
				got[r.ReminderType] = r
			}
			for _, typ := range tt.want {
				r, ok := got[typ]
				if !ok {
					t.Errorf("missing %s reminder", typ)
					continue
				}
				if r.JobID == nil || *r.JobID != r.ID {
					t.Errorf("%s reminder job id = %v", typ, r.JobID)
					continue
				}
				job, err := env.queue.Get(ctx, *r.JobID)
				if err != nil {
					t.Fatalf("job of %s reminder: %v", typ, err)
				}
				if drift := job.RunAt - r.ScheduledFor; drift < -1000 || drift > time.Minute.Milliseconds() {
					t.Errorf("%s job runs at %d, reminder fires at %d", typ, job.RunAt, r.ScheduledFor)
				}
				if job.Status != queue.StatusDelayed || job.Queue != queue.QueueDeadlineReminders {
					t.Errorf("unexpected job for %s reminder: %+v", typ, job)
				}
			}
		})
	}
}

func TestScheduleForDocument_IgnoresDuplicates(t *testing.T) {
	env := setupTestEnv(t)
	ctx := context.Background()
	doc, _ := env.createDocument(t, models.DocumentStatusPending, 10*day, "a@example.com", "b@example.com")

	first, err := env.scheduler.ScheduleForDocument(ctx, doc.ID)
	if err != nil || first != 6 {
		t.Fatalf("first schedule = %d, %v; want 6", first, err)
	}
	second, err := env.scheduler.ScheduleForDocument(ctx, doc.ID)
	if err != nil || second != 0 {
		t.Fatalf("second schedule = %d, %v; want 0", second, err)
	}

	counts, _ := env.queue.Counts(ctx)
	if got := counts[queue.QueueDeadlineReminders][queue.StatusDelayed]; got != 6 {
		t.Errorf("delayed jobs = %d, want 6", got)
	}
}

func TestScheduleForDocument_UnknownOffsetIsSkipped(t *testing.T) {
	env := setupTestEnv(t)
	env.scheduler.daysBefore = []int{5, 1}
	doc, _ := env.createDocument(t, models.DocumentStatusPending, 10*day, "a@example.com")

	n, err := env.scheduler.ScheduleForDocument(context.Background(), doc.ID)
	if err != nil || n != 1 {
		t.Errorf("ScheduleForDocument = %d, %v; want 1", n, err)
	}
}

func TestScheduleForDocument_NotFound(t *testing.T) {
	env := setupTestEnv(t)
	if _, err := env.scheduler.ScheduleForDocument(context.Background(), "doc_missing"); !errors.Is(err, ErrDocumentNotFound) {
		t.Errorf("err = %v, want ErrDocumentNotFound", err)
	}
}

func TestScheduleCustom(t *testing.T) {
	env := setupTestEnv(t)
	ctx := context.Background()
	doc, signers := env.createDocument(t, models.DocumentStatusPending, 10*day, "a@example.com")

	r, err := env.scheduler.ScheduleCustom(ctx, doc.ID, signers[0].ID, env.now.Add(time.Hour))
	if err != nil {
		t.Fatalf("ScheduleCustom failed: %v", err)
	}
	if r.ReminderType != models.ReminderTypeCustom || r.JobID == nil {
		t.Errorf("unexpected reminder: %+v", r)
	}

	if _, err := env.scheduler.ScheduleCustom(ctx, doc.ID, signers[0].ID, env.now.Add(2*time.Hour)); !errors.Is(err, repositories.ErrDuplicateReminder) {
		t.Errorf("second custom reminder = %v, want ErrDuplicateReminder", err)
	}
	if _, err := env.scheduler.ScheduleCustom(ctx, doc.ID, signers[0].ID, env.now.Add(-time.Hour)); err == nil {
		t.Error("expected error for a reminder in the past")
	}
	if _, err := env.scheduler.ScheduleCustom(ctx, "doc_other", signers[0].ID, env.now.Add(time.Hour)); !errors.Is(err, ErrSignerNotFound) {
		t.Errorf("signer of another document = %v, want ErrSignerNotFound", err)
	}
}

func TestCancel(t *testing.T) {
	env := setupTestEnv(t)
	ctx := context.Background()
	doc, signers := env.createDocument(t, models.DocumentStatusPending, 10*day, "a@example.com", "b@example.com")
	env.scheduler.ScheduleForDocument(ctx, doc.ID)

	removed, err := env.scheduler.CancelForSigner(ctx, doc.ID, signers[0].ID)
	if err != nil || removed != 3 {
		t.Fatalf("CancelForSigner = %d, %v; want 3", removed, err)
	}

	removed, err = env.scheduler.CancelForDocument(ctx, doc.ID)
	if err != nil || removed != 3 {
		t.Fatalf("CancelForDocument = %d, %v; want the 3 remaining", removed, err)
	}

	counts, _ := env.queue.Counts(ctx)
	if got := counts[queue.QueueDeadlineReminders][queue.StatusDelayed]; got != 0 {
		t.Errorf("delayed jobs left = %d", got)
	}
}

func TestSweep(t *testing.T) {
	env := setupTestEnv(t)
	ctx := context.Background()
	env.createDocument(t, models.DocumentStatusPending, 10*day, "a@example.com")
	env.createDocument(t, models.DocumentStatusCompleted, 10*day, "b@example.com")
	env.createDocument(t, models.DocumentStatusPending, -day, "c@example.com")

	n, err := env.scheduler.Sweep(ctx)
	if err != nil || n != 3 {
		t.Fatalf("Sweep = %d, %v; want 3", n, err)
	}
	n, err = env.scheduler.Sweep(ctx)
	if err != nil || n != 0 {
		t.Fatalf("second Sweep = %d, %v; want 0", n, err)
	}
}

func TestSweep_PagesThroughAllDocuments(t *testing.T) {
	env := setupTestEnv(t)
	ctx := context.Background()
	env.scheduler.batchSize = 2

	// Same expiration for every document so pages split inside a run of equal keys.
	for _, email := range []string{"a@example.com", "b@example.com", "c@example.com", "d@example.com", "e@example.com"} {
		env.createDocument(t, models.DocumentStatusPending, 10*day, email)
	}

	n, err := env.scheduler.Sweep(ctx)
	if err != nil || n != 15 {
		t.Fatalf("Sweep = %d, %v; want 15", n, err)
	}
	counts, _ := env.queue.Counts(ctx)
	if got := counts[queue.QueueDeadlineReminders][queue.StatusDelayed]; got != 15 {
		t.Errorf("delayed reminder jobs = %d, want 15", got)
	}
}

func TestWorker_SendsReminder(t *testing.T) {
	env := setupTestEnv(t)
	ctx := context.Background()
	doc, signers := env.createDocument(t, models.DocumentStatusPending, 3*day-time.Hour, "a@example.com")
	r, _ := env.scheduler.ScheduleCustom(ctx, doc.ID, signers[0].ID, env.now.Add(time.Minute))

	job := jobs.DeadlineReminder{DocumentID: doc.ID, SignerID: signers[0].ID, ReminderType: r.ReminderType, ReminderID: r.ID}
	outcome, err := env.worker.Process(ctx, job)
	if err != nil || outcome != OutcomeSent {
		t.Fatalf("Process = %s, %v; want sent", outcome, err)
	}

	if len(env.sender.sent) != 1 {
		t.Fatalf("sent %d emails, want 1", len(env.sender.sent))
	}
	email := env.sender.sent[0]
	if email.RecipientEmail != "a@example.com" || email.DocumentTitle != "Lease agreement" || email.SenderName != "Grace" {
		t.Errorf("unexpected email: %+v", email)
	}
	if email.SigningURL != "https://sign.example.com/sign/"+signers[0].SigningToken {
		t.Errorf("signing url = %s", email.SigningURL)
	}
	if email.DaysRemaining != 3 || email.DaysWaiting != 2 {
		t.Errorf("days remaining/waiting = %d/%d, want 3/2", email.DaysRemaining, email.DaysWaiting)
	}

	stored, _ := env.reminders.GetByID(ctx, r.ID)
	if stored.SentAt == nil || *stored.SentAt != env.now.UnixMilli() {
		t.Errorf("sent_at = %v", stored.SentAt)
	}

	// A duplicate delivery of the same job must not send a second email.
	outcome, err = env.worker.Process(ctx, job)
	if err != nil || outcome != OutcomeAlreadySent {
		t.Fatalf("duplicate Process = %s, %v; want already_sent", outcome, err)
	}
	if len(env.sender.sent) != 1 {
		t.Errorf("sent %d emails, want 1", len(env.sender.sent))
	}
}

// A signer who signs before the reminder fires gets no email.
func TestWorker_SkipsSignedSigner(t *testing.T) {
	env := setupTestEnv(t)
	ctx := context.Background()
	doc, signers := env.createDocument(t, models.DocumentStatusPending, 10*day, "a@example.com")
	env.scheduler.ScheduleForDocument(ctx, doc.ID)

	if ok, err := env.signers.MarkSigned(ctx, signers[0].ID); err != nil || !ok {
		t.Fatalf("MarkSigned = %v, %v", ok, err)
	}

	reminders, _ := env.reminders.ListUnsent(ctx, doc.ID, signers[0].ID)
	r := reminders[0]
	outcome, err := env.worker.Process(ctx, jobs.DeadlineReminder{DocumentID: doc.ID, SignerID: signers[0].ID, ReminderType: r.ReminderType, ReminderID: r.ID})
	if err != nil || outcome != OutcomeSignerNotPending {
		t.Fatalf("Process = %s, %v; want signer_not_pending", outcome, err)
	}
	if len(env.sender.sent) != 0 {
		t.Error("no email should be sent")
	}
	stored, _ := env.reminders.GetByID(ctx, r.ID)
	if stored.SentAt != nil {
		t.Error("sent_at should remain null")
	}
}

func TestWorker_Skips(t *testing.T) {
	env := setupTestEnv(t)
	ctx := context.Background()

	pending, signers := env.createDocument(t, models.DocumentStatusPending, 10*day, "a@example.com")
	completed, _ := env.createDocument(t, models.DocumentStatusCompleted, 10*day, "b@example.com")

	tests := []struct {
		name string
		job  jobs.DeadlineReminder
		want Outcome
	}{
		{"document deleted", jobs.DeadlineReminder{DocumentID: "doc_missing", SignerID: signers[0].ID, ReminderID: "rem_1"}, OutcomeDocumentNotFound},
		{"document completed", jobs.DeadlineReminder{DocumentID: completed.ID, SignerID: signers[0].ID, ReminderID: "rem_1"}, OutcomeDocumentNotPending},
		{"owner notification", jobs.DeadlineReminder{DocumentID: pending.ID, ReminderType: models.ReminderTypeOwner, ReminderID: "rem_1"}, OutcomeOwnerNotificationSkipped},
		{"signer missing", jobs.DeadlineReminder{DocumentID: pending.ID, SignerID: "sgn_missing", ReminderID: "rem_1"}, OutcomeSignerNotFound},
		{"reminder missing", jobs.DeadlineReminder{DocumentID: pending.ID, SignerID: signers[0].ID, ReminderID: "rem_missing"}, OutcomeReminderNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := env.worker.Process(ctx, tt.job)
			if err != nil {
				t.Fatalf("Process failed: %v", err)
			}
			if got != tt.want {
				t.Errorf("Process() = %s, want %s", got, tt.want)
			}
		})
	}
	if len(env.sender.sent) != 0 {
		t.Errorf("sent %d emails, want 0", len(env.sender.sent))
	}
}

func TestWorker_SendFailurePropagates(t *testing.T) {
	env := setupTestEnv(t)
	ctx := context.Background()
	doc, signers := env.createDocument(t, models.DocumentStatusPending, 10*day, "a@example.com")
	r, _ := env.scheduler.ScheduleCustom(ctx, doc.ID, signers[0].ID, env.now.Add(time.Minute))

	env.sender.err = errors.New("smtp unavailable")
	_, err := env.worker.Process(ctx, jobs.DeadlineReminder{DocumentID: doc.ID, SignerID: signers[0].ID, ReminderID: r.ID})
	if err == nil {
		t.Fatal("expected the send error to propagate")
	}

	stored, _ := env.reminders.GetByID(ctx, r.ID)
	if stored.SentAt != nil {
		t.Error("sent_at must stay null when the send failed")
	}
}

func TestDaysRemaining(t *testing.T) {
	now := time.Unix(1700000000, 0)
	tests := []struct {
		left time.Duration
		want int
	}{
		{-time.Hour, 0},
		{time.Minute, 1},
		{day, 1},
		{day + time.Second, 2},
		{7 * day, 7},
	}
	for _, tt := range tests {
		if got := DaysRemaining(now.Add(tt.left).UnixMilli(), now); got != tt.want {
			t.Errorf("DaysRemaining(%s) = %d, want %d", tt.left, got, tt.want)
		}
	}
}
