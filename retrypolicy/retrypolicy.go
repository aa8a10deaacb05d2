// Package retrypolicy implements the pure retry-decision table from
// spec.md §4.J and a Scheduler that applies it with the DB/queue side
// effects (recording a RetryAttempt, pushing a delayed queue job).
package retrypolicy

import (
	"context"
	"time"

	"github.com/dialcore/campaign-core/campaign"
	"github.com/dialcore/campaign-core/queue"
	"github.com/dialcore/campaign-core/store"
)

// Decision is the outcome of evaluating a failed call against a campaign's
// retry settings.
type Decision struct {
	ShouldRetry bool
	DelayAfter  time.Duration
	Terminal    campaign.ContactStatus
}

// Decide implements spec.md §4.J's table: invalid-number and completed
// calls never retry (terminal immediately); network errors, busy,
// no-answer, and voicemail retry up to MaxRetryAttempts with
// RetryDelayMinutes backoff; ExcludeVoicemail short-circuits a
// detected-voicemail call to terminal regardless of attempt count.
func Decide(settings campaign.Settings, category campaign.FailureCategory, attemptsSoFar int) Decision {
	switch category {
	case campaign.FailureVoicemail:
		if settings.ExcludeVoicemail {
			return Decision{ShouldRetry: false, Terminal: campaign.ContactVoicemail}
		}
	case campaign.FailureInvalidNumber:
		return Decision{ShouldRetry: false, Terminal: campaign.ContactFailed}
	case campaign.FailureCompleted:
		return Decision{ShouldRetry: false, Terminal: campaign.ContactCompleted}
	}
	if attemptsSoFar >= settings.MaxRetryAttempts {
		return Decision{ShouldRetry: false, Terminal: terminalFor(category)}
	}
	delay := time.Duration(settings.RetryDelayMinutes) * time.Minute
	if category == campaign.FailureBusy {
		// Busy redials sooner than a plain no-answer: spec.md §4.J calls for
		// "short delay (half of base)".
		delay /= 2
	}
	// Exponential backoff from the base delay, capped to avoid runaway
	// scheduling horizons for campaigns with a high MaxRetryAttempts.
	for i := 0; i < attemptsSoFar && i < 6; i++ {
		delay *= 2
	}
	return Decision{ShouldRetry: true, DelayAfter: delay}
}

func terminalFor(category campaign.FailureCategory) campaign.ContactStatus {
	switch category {
	case campaign.FailureNoAnswer:
		return campaign.ContactNoAnswer
	case campaign.FailureBusy:
		return campaign.ContactBusy
	case campaign.FailureVoicemail:
		return campaign.ContactVoicemail
	default:
		return campaign.ContactFailed
	}
}

// Scheduler applies Decide and carries out its side effects.
type Scheduler struct {
	retries store.RetryAttemptStore
	contacts store.ContactStore
	q       queue.Queue
}

// New constructs a Scheduler.
func New(retries store.RetryAttemptStore, contacts store.ContactStore, q queue.Queue) *Scheduler {
	return &Scheduler{retries: retries, contacts: contacts, q: q}
}

// Handle evaluates a failed call log and either schedules a retry (writing
// a RetryAttempt row and a delayed queue job) or marks the contact
// terminal, per spec.md §4.J.
func (s *Scheduler) Handle(ctx context.Context, settings campaign.Settings, cl *campaign.CallLog, contact *campaign.Contact, attemptsSoFar int) (Decision, error) {
	category := campaign.Categorize(cl.Status, cl.DetectedVoicemail)
	d := Decide(settings, category, attemptsSoFar)
	if !d.ShouldRetry {
		contact.Status = d.Terminal
		return d, s.contacts.Update(ctx, contact)
	}
	contact.Status = campaign.ContactPending
	if err := s.contacts.Update(ctx, contact); err != nil {
		return d, err
	}
	runAt := time.Now().Add(d.DelayAfter)
	now := time.Now()
	ra := &campaign.RetryAttempt{
		ID:                 cl.ID + "-retry-" + now.Format("150405.000000000"),
		CampaignID:         cl.CampaignID,
		ContactID:          contact.ID,
		OriginatingCallLog: cl.ID,
		AttemptNumber:      attemptsSoFar + 1,
		Reason:             category,
		ScheduledFor:       runAt,
		Status:             campaign.RetryScheduled,
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	if err := s.retries.Insert(ctx, ra); err != nil {
		return d, err
	}
	return d, s.q.PushDelayed(ctx, queue.Job{
		CampaignID: cl.CampaignID,
		ContactID:  contact.ID,
		Attempt:    attemptsSoFar + 1,
	}, runAt)
}
