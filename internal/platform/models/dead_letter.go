package models

import "encoding/json"

const (
	DeadLetterStatusFailed    = "failed"
	DeadLetterStatusRetrying  = "retrying"
	DeadLetterStatusResolved  = "resolved"
	DeadLetterStatusDiscarded = "discarded"
)

// DeadLetterEntry snapshots a job that exhausted its queue attempts. It carries no foreign keys:
// the job payload is kept as an opaque copy.
type DeadLetterEntry struct {
	ID           string                 `json:"id"`
	QueueName    string                 `json:"queue_name"`
	JobID        string                 `json:"job_id"`
	JobName      string                 `json:"job_name"`
	JobData      json.RawMessage        `json:"job_data"`
	ErrorMessage string                 `json:"error_message"`
	ErrorStack   string                 `json:"error_stack"`
	AttemptsMade int                    `json:"attempts_made"`
	MaxAttempts  int                    `json:"max_attempts"`
	FailedAt     int64                  `json:"failed_at"`
	Status       string                 `json:"status"`
	RetryCount   int                    `json:"retry_count"`
	RetriedAt    *int64                 `json:"retried_at,omitempty"`
	Metadata     map[string]interface{} `json:"metadata"`
	CreatedAt    int64                  `json:"created_at"`
	UpdatedAt    int64                  `json:"updated_at"`
}

type AuditLog struct {
	ID           string                 `json:"id"`
	UserID       string                 `json:"user_id"`
	Action       string                 `json:"action"`
	ResourceType string                 `json:"resource_type"`
	ResourceID   string                 `json:"resource_id"`
	Metadata     map[string]interface{} `json:"metadata"`
	IPAddress    string                 `json:"ip_address"`
	UserAgent    string                 `json:"user_agent"`
	CreatedAt    int64                  `json:"created_at"`
}
