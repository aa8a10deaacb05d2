package campaign

import "time"

// RetryStatus is the lifecycle status of a scheduled retry attempt.
type RetryStatus string

const (
	RetryScheduled RetryStatus = "scheduled"
	RetryProcessing RetryStatus = "processing"
	RetryCompleted  RetryStatus = "completed"
	RetryCancelled  RetryStatus = "cancelled"
	RetryFailed     RetryStatus = "failed"
)

// RetryAttempt links an originating call-log to a scheduled future re-dial.
type RetryAttempt struct {
	ID                 string
	CampaignID         string
	ContactID          string
	OriginatingCallLog string
	AttemptNumber      int
	Reason             FailureCategory
	ScheduledFor       time.Time
	Status             RetryStatus
	CreatedAt          time.Time
	UpdatedAt          time.Time
}
