package models

const (
	DocumentStatusDraft     = "draft"
	DocumentStatusPending   = "pending"
	DocumentStatusCompleted = "completed"
	DocumentStatusCancelled = "cancelled"
	DocumentStatusDeclined  = "declined"

	SignerStatusPending  = "pending"
	SignerStatusSigned   = "signed"
	SignerStatusDeclined = "declined"
)

const (
	ReminderType1Day   = "1_day"
	ReminderType3Day   = "3_day"
	ReminderType7Day   = "7_day"
	ReminderTypeCustom = "custom"
	ReminderTypeOwner  = "owner"
)

type Document struct {
	ID         string `json:"id"`
	OwnerID    string `json:"owner_id"`
	Title      string `json:"title"`
	SenderName string `json:"sender_name"`
	Status     string `json:"status"`
	FilePath   string `json:"-"`
	ExpiresAt  *int64 `json:"expires_at,omitempty"`
	CreatedAt  int64  `json:"created_at"`
	UpdatedAt  int64  `json:"updated_at"`
}

type Signer struct {
	ID           string `json:"id"`
	DocumentID   string `json:"document_id"`
	Email        string `json:"email"`
	Name         string `json:"name"`
	Status       string `json:"status"`
	SigningToken string `json:"-"`
	SignedAt     *int64 `json:"signed_at,omitempty"`
	CreatedAt    int64  `json:"created_at"`
	UpdatedAt    int64  `json:"updated_at"`
}

// DocumentReminder is one scheduled reminder. A nil SignerID means an owner notification;
// a nil SentAt means the reminder has not been delivered yet.
type DocumentReminder struct {
	ID           string  `json:"id"`
	DocumentID   string  `json:"document_id"`
	SignerID     *string `json:"signer_id,omitempty"`
	ReminderType string  `json:"reminder_type"`
	ScheduledFor int64   `json:"scheduled_for"`
	SentAt       *int64  `json:"sent_at,omitempty"`
	JobID        *string `json:"job_id,omitempty"`
	CreatedAt    int64   `json:"created_at"`
}
