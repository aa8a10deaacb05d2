package campaign

import (
	"fmt"
	"regexp"
	"time"
)

// ContactStatus is the dial-target lifecycle status.
type ContactStatus string

const (
	ContactPending    ContactStatus = "pending"
	ContactQueued     ContactStatus = "queued"
	ContactInProgress ContactStatus = "in-progress"
	ContactCompleted  ContactStatus = "completed"
	ContactFailed     ContactStatus = "failed"
	ContactNoAnswer   ContactStatus = "no-answer"
	ContactBusy       ContactStatus = "busy"
	ContactVoicemail  ContactStatus = "voicemail"
	ContactSkipped    ContactStatus = "skipped"
)

// Terminal reports whether the status is final regardless of retry
// eligibility: completed, failed, and skipped. The retryable outcomes
// (no-answer/busy/voicemail) report false; whether a contact left in one
// of them is finished depends on its attempt count against the campaign's
// MaxRetryAttempts.
func (s ContactStatus) Terminal() bool {
	switch s {
	case ContactCompleted, ContactFailed, ContactSkipped:
		return true
	default:
		return false
	}
}

// Retryable reports whether the status belongs to a category that §4.J
// allows to be retried, independent of the attempt-count cap.
func (s ContactStatus) Retryable() bool {
	switch s {
	case ContactNoAnswer, ContactBusy, ContactVoicemail:
		return true
	default:
		return false
	}
}

var e164 = regexp.MustCompile(`^\+[1-9]\d{1,14}$`)

// ValidE164 reports whether phone is a validly formatted E.164 number.
func ValidE164(phone string) bool {
	return e164.MatchString(phone)
}

// Contact is a single dial target belonging to exactly one campaign.
type Contact struct {
	ID               string
	CampaignID       string
	PhoneNumber      string
	Name             string
	Email            string
	Metadata         map[string]string
	Priority         int
	Status           ContactStatus
	AttemptCount     int
	LastAttemptAt    time.Time
	CallLogIDs       []string
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// Validate checks the fields an API layer (out of scope here) would
// otherwise reject before the contact ever reaches the dispatch pipeline.
func (c *Contact) Validate() error {
	if !ValidE164(c.PhoneNumber) {
		return fmt.Errorf("invalid phone number %q: must be E.164", c.PhoneNumber)
	}
	if c.CampaignID == "" {
		return fmt.Errorf("contact missing campaign id")
	}
	return nil
}
