// Package dispatch implements the job-handling pipeline described in
// spec.md §4.D: HandleJob takes a queued job through reservation, pre-dial
// lease, and vendor dial; HandleVendorEvent takes the vendor's async
// callbacks through lease upgrade, release, and retry scheduling.
package dispatch

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/dialcore/campaign-core/campaign"
	"github.com/dialcore/campaign-core/concurrency"
	"github.com/dialcore/campaign-core/coreerrors"
	"github.com/dialcore/campaign-core/queue"
	"github.com/dialcore/campaign-core/retrypolicy"
	"github.com/dialcore/campaign-core/store"
	"github.com/dialcore/campaign-core/telemetry"
	"github.com/dialcore/campaign-core/telephony"
	"github.com/dialcore/campaign-core/waitlist"
)

// Pipeline wires the Concurrency Tracker, waitlist Service, vendor circuit
// breaker, persistence, queue, and telephony Initiator into the two
// dispatch entry points, per spec.md §4.D.
type Pipeline struct {
	track     *concurrency.Tracker
	wait      *waitlist.Service
	circuit   *Circuit
	campaigns store.CampaignStore
	contacts  store.ContactStore
	calllogs  store.CallLogStore
	q         queue.Queue
	initiator telephony.Initiator
	retries   *retrypolicy.Scheduler
	logger    telemetry.Logger
	metrics   telemetry.Metrics
}

// Deps bundles Pipeline's collaborators for New.
type Deps struct {
	Tracker   *concurrency.Tracker
	Waitlist  *waitlist.Service
	Circuit   *Circuit
	Campaigns store.CampaignStore
	Contacts  store.ContactStore
	CallLogs  store.CallLogStore
	Queue     queue.Queue
	Initiator telephony.Initiator
	Retries   *retrypolicy.Scheduler
	Logger    telemetry.Logger
	Metrics   telemetry.Metrics
}

// New constructs a Pipeline.
func New(d Deps) *Pipeline {
	return &Pipeline{
		track:     d.Tracker,
		wait:      d.Waitlist,
		circuit:   d.Circuit,
		campaigns: d.Campaigns,
		contacts:  d.Contacts,
		calllogs:  d.CallLogs,
		q:         d.Queue,
		initiator: d.Initiator,
		retries:   d.Retries,
		logger:    d.Logger,
		metrics:   d.Metrics,
	}
}

// HandleJob implements spec.md §4.D's five-step queued-job pipeline:
//  1. Pre-flight: a paused campaign returns the job to the waitlist head
//     with origin preserved; a terminal campaign drops the job and marks
//     the contact skipped; a missing campaign, missing contact, or
//     terminal contact drops.
//  2. reserveSlot; if waitlisted, push the job onto the waitlist and
//     return. Jobs carrying an Origin tag were reserved at promotion time
//     and skip this step.
//  3. Check the vendor circuit breaker; if open, release the reservation
//     and push back onto the waitlist head (treated as a transient
//     capacity condition).
//  4. createPreDialLease and write a queued CallLog row.
//  5. Call the telephony Initiator; on a synchronous rejection,
//     force-release the slot and hand the failure to the retry scheduler.
func (p *Pipeline) HandleJob(ctx context.Context, j queue.Job) error {
	c, err := p.campaigns.Get(ctx, j.CampaignID)
	if err != nil {
		if err == store.ErrNotFound {
			return nil
		}
		return err
	}
	contact, err := p.contacts.Get(ctx, j.CampaignID, j.ContactID)
	if err != nil {
		if err == store.ErrNotFound {
			return nil
		}
		return err
	}
	if c.State.Terminal() {
		if !contact.Status.Terminal() {
			contact.Status = campaign.ContactSkipped
			contact.UpdatedAt = time.Now()
			if uerr := p.contacts.Update(ctx, contact); uerr != nil {
				return uerr
			}
		}
		return nil
	}
	if contact.Status.Terminal() {
		return nil
	}

	wlJob := waitlist.Job{CampaignID: j.CampaignID, ContactID: j.ContactID, Attempt: j.Attempt, Priority: contact.Priority}
	jobID := waitlist.JobID(wlJob)
	origin := waitlist.OriginFor(c.Settings.PriorityMode, contact.Priority, c.Settings.HighPriorityThreshold)
	if j.Origin != "" {
		origin = waitlist.Origin(j.Origin)
	}

	paused, err := p.track.IsPaused(ctx, j.CampaignID)
	if err != nil {
		return err
	}
	if paused || c.State == campaign.StatePaused {
		if j.Origin != "" {
			if rerr := p.track.ReleaseReservation(ctx, j.CampaignID, string(origin), jobID); rerr != nil {
				p.logger.Warn(ctx, "failed to release reservation for paused campaign", "error", rerr.Error())
			}
		}
		return p.wait.PushHead(ctx, j.CampaignID, origin, jobID)
	}

	if j.Origin == "" {
		result, err := p.track.ReserveSlot(ctx, j.CampaignID, string(origin), jobID, time.Now().UnixMilli())
		if err != nil {
			if coreerrors.Is(err, coreerrors.Conflict) {
				// Paused flag raced in after the check above; same path.
				return p.wait.PushHead(ctx, j.CampaignID, origin, jobID)
			}
			return err
		}
		if result == concurrency.Waitlisted {
			return p.wait.Push(ctx, j.CampaignID, c.Settings, wlJob, false)
		}
	}

	allow, err := p.circuit.Allow(ctx, j.CampaignID)
	if err != nil {
		return err
	}
	if !allow {
		if rerr := p.track.ReleaseReservation(ctx, j.CampaignID, string(origin), jobID); rerr != nil {
			p.logger.Warn(ctx, "failed to release reservation after open circuit", "error", rerr.Error())
		}
		return p.wait.Requeue(ctx, j.CampaignID, waitlist.Promoted{JobID: jobID, Origin: origin})
	}

	callID := uuid.NewString()
	if _, err := p.track.CreatePreDialLease(ctx, j.CampaignID, callID, string(origin), jobID, concurrency.MinPreDialTTL); err != nil {
		return err
	}

	now := time.Now()
	cl := &campaign.CallLog{
		ID:         callID,
		Direction:  campaign.DirectionOutbound,
		ToNumber:   contact.PhoneNumber,
		CampaignID: j.CampaignID,
		ContactID:  j.ContactID,
		Status:     campaign.CallQueued,
		StartedAt:  now,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if j.Attempt > 0 {
		cl.RetryOf = fmt.Sprintf("%s:%d", j.ContactID, j.Attempt-1)
	}
	if err := p.calllogs.Insert(ctx, cl); err != nil {
		return err
	}
	contact.Status = campaign.ContactInProgress
	contact.AttemptCount++
	contact.LastAttemptAt = now
	contact.CallLogIDs = append(contact.CallLogIDs, callID)
	if err := p.contacts.Update(ctx, contact); err != nil {
		return err
	}

	res, err := p.initiator.Initiate(ctx, telephony.DialRequest{
		CampaignID: j.CampaignID,
		ContactID:  j.ContactID,
		CallID:     callID,
		PhoneE164:  contact.PhoneNumber,
	})
	if err != nil || !res.Accepted {
		if err := p.track.ForceReleaseSlot(ctx, j.CampaignID, callID); err != nil {
			p.logger.Warn(ctx, "force-release after vendor rejection failed", "error", err.Error())
		}
		if cerr := p.circuit.RecordFailure(ctx, j.CampaignID); cerr != nil {
			p.logger.Warn(ctx, "circuit record failure failed", "error", cerr.Error())
		}
		cl.Status = campaign.CallFailed
		cl.EndedAt = time.Now()
		if uerr := p.calllogs.Update(ctx, cl); uerr != nil {
			return uerr
		}
		_, derr := p.retries.Handle(ctx, c.Settings, cl, contact, contact.AttemptCount-1)
		return derr
	}
	return nil
}

// HandleVendorEvent implements spec.md §4.D's async vendor-event steps:
//
//  6. On the first event beyond "queued" (ringing or later), upgrade the
//     pre-dial lease to active. A failed upgrade (lost race) force-releases
//     the slot rather than leaving an orphaned pre-dial lease.
//  7. On a terminal event, release the active lease, record the final
//     CallLog state and cost, update campaign totals, and hand the outcome
//     to the retry scheduler when it was not a success.
func (p *Pipeline) HandleVendorEvent(ctx context.Context, ev telephony.VendorEvent, preDialToken string) error {
	cl, err := p.calllogs.Get(ctx, ev.CallID)
	if err != nil {
		return err
	}

	status := statusFor(ev.Type)
	if status.BeyondQueued() && cl.Status == campaign.CallQueued {
		newToken, err := p.track.UpgradeToActive(ctx, ev.CampaignID, ev.CallID, preDialToken, concurrency.MinActiveTTL)
		if err != nil {
			return err
		}
		if newToken == "" {
			if err := p.track.ForceReleaseSlot(ctx, ev.CampaignID, ev.CallID); err != nil {
				return err
			}
			p.logger.Warn(ctx, "lost upgrade race, force-released slot", "call_id", ev.CallID)
			return nil
		}
	}

	cl.Status = status
	cl.DetectedVoicemail = cl.DetectedVoicemail || ev.DetectedVoicemail || ev.Type == telephony.EventVoicemail
	cl.DurationSeconds = ev.DurationSeconds
	cl.Cost.TelephonyCents = ev.CostCents
	cl.Cost.TotalCents = cl.Cost.TelephonyCents + cl.Cost.AICents
	cl.UpdatedAt = time.Now()

	if !status.Terminal() {
		return p.calllogs.Update(ctx, cl)
	}
	cl.EndedAt = time.Now()
	if err := p.calllogs.Update(ctx, cl); err != nil {
		return err
	}
	if err := p.track.ReleaseActive(ctx, ev.CampaignID, ev.CallID); err != nil {
		return err
	}
	if status == campaign.CallCompleted {
		// The vendor connected and finished the call; the circuit breaker
		// counts vendor health, not dispositions, so a voicemail still
		// resets the failure streak.
		if err := p.circuit.RecordSuccess(ctx, ev.CampaignID); err != nil {
			p.logger.Warn(ctx, "circuit record success failed", "error", err.Error())
		}
	}

	contact, err := p.contacts.Get(ctx, ev.CampaignID, cl.ContactID)
	if err != nil {
		return err
	}
	c, err := p.campaigns.Get(ctx, ev.CampaignID)
	if err != nil {
		return err
	}
	// A detected voicemail is a vendor-completed call but not a reached
	// contact: categorize routes it (and every other non-success) through
	// the retry table rather than marking the contact done.
	if campaign.Categorize(status, cl.DetectedVoicemail) == campaign.FailureCompleted {
		if _, err := p.campaigns.IncrTotals(ctx, ev.CampaignID, "completed", 1); err != nil {
			return err
		}
		contact.Status = campaign.ContactCompleted
		return p.contacts.Update(ctx, contact)
	}
	_, err = p.retries.Handle(ctx, c.Settings, cl, contact, contact.AttemptCount-1)
	return err
}

func statusFor(t telephony.EventType) campaign.CallStatus {
	switch t {
	case telephony.EventRinging:
		return campaign.CallRinging
	case telephony.EventAnswered:
		return campaign.CallInProgress
	case telephony.EventCompleted:
		return campaign.CallCompleted
	case telephony.EventFailed:
		return campaign.CallFailed
	case telephony.EventNoAnswer:
		return campaign.CallNoAnswer
	case telephony.EventBusy:
		return campaign.CallBusy
	case telephony.EventVoicemail:
		return campaign.CallCompleted
	default:
		return campaign.CallFailed
	}
}
