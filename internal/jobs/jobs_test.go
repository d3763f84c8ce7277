package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"signet/internal/platform/queue"
)

func TestDecode(t *testing.T) {
	tests := []struct {
		name    string
		kind    string
		raw     string
		want    Payload
		wantErr bool
	}{
		{
			name: "webhook delivery",
			kind: KindWebhookDelivery,
			raw:  `{"event_id":"evt_1"}`,
			want: WebhookDelivery{EventID: "evt_1"},
		},
		{
			name: "deadline reminder",
			kind: KindDeadlineReminder,
			raw:  `{"document_id":"doc_1","signer_id":"sgn_1","reminder_type":"3_day","reminder_id":"rem_1"}`,
			want: DeadlineReminder{DocumentID: "doc_1", SignerID: "sgn_1", ReminderType: "3_day", ReminderID: "rem_1"},
		},
		{
			name: "owner reminder without signer",
			kind: KindDeadlineReminder,
			raw:  `{"document_id":"doc_1","reminder_type":"owner","reminder_id":"rem_2"}`,
			want: DeadlineReminder{DocumentID: "doc_1", ReminderType: "owner", ReminderID: "rem_2"},
		},
		{name: "missing event id", kind: KindWebhookDelivery, raw: `{}`, wantErr: true},
		{name: "malformed json", kind: KindDeadlineReminder, raw: `{`, wantErr: true},
		{name: "unknown kind", kind: "pdf.thumbnail", raw: `{}`, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Decode(tt.kind, json.RawMessage(tt.raw))
			if (err != nil) != tt.wantErr {
				t.Fatalf("Decode() error = %v, wantErr %v", err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("Decode() = %#v, want %#v", got, tt.want)
			}
		})
	}
}

func TestDecode_UnknownKindSentinel(t *testing.T) {
	_, err := Decode("nope", nil)
	if !errors.Is(err, ErrUnknownKind) {
		t.Errorf("err = %v, want ErrUnknownKind", err)
	}
}

type recordingEnqueuer struct {
	queueName, jobName string
	payload            interface{}
}

func (r *recordingEnqueuer) Enqueue(ctx context.Context, queueName, jobName string, payload interface{}, opts queue.JobOptions) (string, error) {
	r.queueName, r.jobName, r.payload = queueName, jobName, payload
	return "job_1", nil
}

func TestSubmit(t *testing.T) {
	tests := []struct {
		payload   Payload
		wantQueue string
	}{
		{WebhookDelivery{EventID: "evt_1"}, queue.QueueWebhookDelivery},
		{DeadlineReminder{DocumentID: "doc_1", ReminderID: "rem_1"}, queue.QueueDeadlineReminders},
	}

	for _, tt := range tests {
		t.Run(tt.payload.Kind(), func(t *testing.T) {
			e := &recordingEnqueuer{}
			if _, err := Submit(context.Background(), e, tt.payload, queue.DefaultJobOptions()); err != nil {
				t.Fatalf("Submit failed: %v", err)
			}
			if e.queueName != tt.wantQueue || e.jobName != tt.payload.Kind() {
				t.Errorf("submitted to %s/%s", e.queueName, e.jobName)
			}
		})
	}
}
