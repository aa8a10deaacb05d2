// Package lifecycle implements the Lifecycle Controller (spec.md §4.I):
// the campaign state machine transitions and the operator-facing
// operations (Start, Pause, Resume, Cancel, RetryFailed,
// UpdateConcurrentCallsLimit, Purge) that drive them, coordinating the
// durable campaign record with the KV-native concurrency and waitlist
// state.
package lifecycle

import (
	"context"
	"fmt"
	"time"

	"github.com/dialcore/campaign-core/campaign"
	"github.com/dialcore/campaign-core/concurrency"
	"github.com/dialcore/campaign-core/coreerrors"
	"github.com/dialcore/campaign-core/kv"
	"github.com/dialcore/campaign-core/kv/keys"
	"github.com/dialcore/campaign-core/queue"
	"github.com/dialcore/campaign-core/store"
	"github.com/dialcore/campaign-core/telemetry"
	"github.com/dialcore/campaign-core/waitlist"
)

// DefaultPurgeGraceWait is how long Purge waits after pausing a campaign
// before tearing down its state, giving in-flight dispatchers time to
// observe the pause flag and stop issuing new reservations.
const DefaultPurgeGraceWait = 2 * time.Second

// PausedTTLSeconds is the :paused flag's TTL. The flag is re-asserted by
// PauseRefresher well inside this window, so a crashed controller fleet
// fails open (dispatch resumes) rather than leaving campaigns wedged
// paused forever.
const PausedTTLSeconds = 300

// DefaultColdStartRamp is how long a freshly started campaign's
// :cold-start marker persists, during which waitlist promotion halves its
// batch to avoid a thundering herd of simultaneous first dials.
const DefaultColdStartRamp = 20 * time.Second

// DefaultCancelDrainTimeout bounds how long Cancel waits for in-flight
// calls to finish before force-releasing whatever leases remain.
const DefaultCancelDrainTimeout = 60 * time.Second

// Controller owns the campaign state machine and the operator API that
// drives it.
type Controller struct {
	kvc            *kv.Coordinator
	track          *concurrency.Tracker
	wait           *waitlist.Service
	q              queue.Queue
	campaigns      store.CampaignStore
	contacts       store.ContactStore
	calllogs       store.CallLogStore
	retries        store.RetryAttemptStore
	logger         telemetry.Logger
	purgeGraceWait time.Duration
	coldStartRamp  time.Duration
	cancelDrain    time.Duration
}

// Deps bundles Controller's collaborators for New.
type Deps struct {
	Tracker        *concurrency.Tracker
	Waitlist       *waitlist.Service
	Queue          queue.Queue
	Campaigns      store.CampaignStore
	Contacts       store.ContactStore
	CallLogs       store.CallLogStore
	Retries        store.RetryAttemptStore
	Logger         telemetry.Logger
	PurgeGraceWait time.Duration
	ColdStartRamp  time.Duration
	// CancelDrainTimeout bounds Cancel's wait for in-flight calls before
	// force-releasing their leases.
	CancelDrainTimeout time.Duration
}

// New constructs a Controller.
func New(kvc *kv.Coordinator, d Deps) *Controller {
	grace := d.PurgeGraceWait
	if grace <= 0 {
		grace = DefaultPurgeGraceWait
	}
	ramp := d.ColdStartRamp
	if ramp <= 0 {
		ramp = DefaultColdStartRamp
	}
	drain := d.CancelDrainTimeout
	if drain <= 0 {
		drain = DefaultCancelDrainTimeout
	}
	return &Controller{
		kvc: kvc, track: d.Tracker, wait: d.Waitlist, q: d.Queue,
		campaigns: d.Campaigns, contacts: d.Contacts, calllogs: d.CallLogs, retries: d.Retries,
		logger: d.Logger, purgeGraceWait: grace, coldStartRamp: ramp, cancelDrain: drain,
	}
}

// Start implements spec.md §4.I's draft -> active transition: it seeds the
// concurrency tracker's :limit key from the campaign's configured
// ConcurrentCallsLimit, clears any leftover paused flag, seeds the
// cold-start marker (waitlist promotion damps its batch while it lives),
// and enqueues every pending contact as an attempt-zero job.
func (c *Controller) Start(ctx context.Context, campaignID string) (*campaign.Campaign, error) {
	camp, err := c.campaigns.Get(ctx, campaignID)
	if err != nil {
		return nil, err
	}
	if err := camp.State.Transition(campaign.StateActive); err != nil {
		return nil, coreerrors.Conflictf("lifecycle.Start", "%w", err)
	}
	if err := c.track.SeedLimit(ctx, campaignID, camp.Settings.ConcurrentCallsLimit); err != nil {
		return nil, err
	}
	if err := c.kvc.Del(ctx, keys.Paused(campaignID)); err != nil {
		return nil, err
	}
	if err := c.kvc.SetEX(ctx, keys.ColdStart(campaignID), "1", int64(c.coldStartRamp.Seconds())); err != nil {
		return nil, err
	}
	if err := c.enqueuePending(ctx, campaignID); err != nil {
		return nil, err
	}
	camp.State = campaign.StateActive
	camp.UpdatedAt = time.Now()
	if err := c.campaigns.Update(ctx, camp); err != nil {
		return nil, err
	}
	return camp, nil
}

// enqueuePending pages through every pending contact and pushes an
// attempt-zero job for each, marking it queued.
func (c *Controller) enqueuePending(ctx context.Context, campaignID string) error {
	const pageSize = 500
	for {
		pending, err := c.contacts.ListByStatus(ctx, campaignID, campaign.ContactPending, pageSize)
		if err != nil {
			return err
		}
		if len(pending) == 0 {
			return nil
		}
		for _, ct := range pending {
			if err := c.q.Push(ctx, queue.Job{CampaignID: campaignID, ContactID: ct.ID, Attempt: 0, Priority: ct.Priority}); err != nil {
				return err
			}
			ct.Status = campaign.ContactQueued
			ct.UpdatedAt = time.Now()
			if err := c.contacts.Update(ctx, ct); err != nil {
				return err
			}
		}
		if len(pending) < pageSize {
			return nil
		}
	}
}

// Pause implements spec.md §4.I's active -> paused transition: it sets the
// KV paused flag, which reserveSlot consults before granting any further
// reservation, and stops the queue from popping this campaign's jobs.
// In-flight calls are left to finish naturally.
func (c *Controller) Pause(ctx context.Context, campaignID string) (*campaign.Campaign, error) {
	camp, err := c.campaigns.Get(ctx, campaignID)
	if err != nil {
		return nil, err
	}
	if err := camp.State.Transition(campaign.StatePaused); err != nil {
		return nil, coreerrors.Conflictf("lifecycle.Pause", "%w", err)
	}
	if err := c.kvc.SetEX(ctx, keys.Paused(campaignID), "1", PausedTTLSeconds); err != nil {
		return nil, err
	}
	if err := c.q.Pause(ctx, campaignID); err != nil {
		return nil, err
	}
	camp.State = campaign.StatePaused
	camp.UpdatedAt = time.Now()
	if err := c.campaigns.Update(ctx, camp); err != nil {
		return nil, err
	}
	return camp, nil
}

// Resume implements spec.md §4.I's paused -> active transition.
func (c *Controller) Resume(ctx context.Context, campaignID string) (*campaign.Campaign, error) {
	camp, err := c.campaigns.Get(ctx, campaignID)
	if err != nil {
		return nil, err
	}
	if err := camp.State.Transition(campaign.StateActive); err != nil {
		return nil, coreerrors.Conflictf("lifecycle.Resume", "%w", err)
	}
	if err := c.kvc.Del(ctx, keys.Paused(campaignID)); err != nil {
		return nil, err
	}
	if err := c.q.Resume(ctx, campaignID); err != nil {
		return nil, err
	}
	camp.State = campaign.StateActive
	camp.UpdatedAt = time.Now()
	if err := c.campaigns.Update(ctx, camp); err != nil {
		return nil, err
	}
	if err := c.wait.PublishSlotAvailable(ctx, campaignID); err != nil {
		c.logger.Warn(ctx, "lifecycle: publish slot-available after resume failed", "campaign_id", campaignID, "error", err.Error())
	}
	return camp, nil
}

// Cancel implements spec.md §4.I's active|paused -> cancelled transition:
// queued and waitlisted work is dropped immediately; calls already in
// flight are left to finish (their vendor events still land and release
// their leases normally), with a background drain that force-releases
// whatever is still held after the drain timeout and then unlinks the
// campaign's ephemeral KV state.
func (c *Controller) Cancel(ctx context.Context, campaignID string) (*campaign.Campaign, error) {
	camp, err := c.campaigns.Get(ctx, campaignID)
	if err != nil {
		return nil, err
	}
	if err := camp.State.Transition(campaign.StateCancelled); err != nil {
		return nil, coreerrors.Conflictf("lifecycle.Cancel", "%w", err)
	}
	if err := c.q.CancelCampaignJobs(ctx, campaignID); err != nil {
		return nil, err
	}
	if err := c.wait.Clear(ctx, campaignID); err != nil {
		return nil, err
	}
	camp.State = campaign.StateCancelled
	camp.UpdatedAt = time.Now()
	if err := c.campaigns.Update(ctx, camp); err != nil {
		return nil, err
	}
	go func() {
		drainCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.cancelDrain+10*time.Second)
		defer cancel()
		if err := c.DrainCancelled(drainCtx, campaignID); err != nil {
			c.logger.Warn(drainCtx, "lifecycle: cancel drain failed", "campaign_id", campaignID, "error", err.Error())
		}
	}()
	return camp, nil
}

// DrainCancelled waits up to the cancel-drain timeout for a cancelled
// campaign's in-flight calls to finish, force-releases any lease still
// held after the deadline, and unlinks the campaign's remaining ephemeral
// KV keys. Cancel runs it in the background; it is exported so callers
// that need the drain to have completed (tests, an operator CLI) can run
// it synchronously.
func (c *Controller) DrainCancelled(ctx context.Context, campaignID string) error {
	deadline := time.Now().Add(c.cancelDrain)
	t := time.NewTicker(500 * time.Millisecond)
	defer t.Stop()
	for {
		held, err := c.track.GetActiveCalls(ctx, campaignID)
		if err != nil {
			return err
		}
		if held == 0 || time.Now().After(deadline) {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
		}
	}
	members, err := c.track.ListMembers(ctx, campaignID)
	if err != nil {
		return err
	}
	for _, m := range members {
		if err := c.track.ForceReleaseSlot(ctx, campaignID, keys.CallIDFromMember(m)); err != nil {
			return err
		}
	}
	if err := c.kvc.Unlink(ctx, keys.StaticKeys(campaignID)...); err != nil {
		return err
	}
	return c.purgeDynamicKeys(ctx, campaignID)
}

// RetryFailed re-queues every contact currently in the terminal "failed"
// status as a fresh attempt, an operator-triggered escape hatch distinct
// from the automatic retry scheduling in package retrypolicy.
func (c *Controller) RetryFailed(ctx context.Context, campaignID string) (int, error) {
	const pageSize = 500
	var n int
	for {
		failed, err := c.contacts.ListByStatus(ctx, campaignID, campaign.ContactFailed, pageSize)
		if err != nil {
			return n, err
		}
		if len(failed) == 0 {
			return n, nil
		}
		for _, ct := range failed {
			if err := c.q.Push(ctx, queue.Job{CampaignID: campaignID, ContactID: ct.ID, Attempt: ct.AttemptCount, Priority: ct.Priority}); err != nil {
				return n, err
			}
			ct.Status = campaign.ContactQueued
			ct.UpdatedAt = time.Now()
			if err := c.contacts.Update(ctx, ct); err != nil {
				return n, err
			}
			n++
		}
		if len(failed) < pageSize {
			return n, nil
		}
	}
}

// UpdateConcurrentCallsLimit implements spec.md §4.I's saturation-guarded
// limit change: a reduction is rejected with coreerrors.NearSaturation
// when held calls exceed 0.9x the requested limit, rather than silently
// clamped, since the caller must decide whether to wait or force calls
// down first. Increases are never guarded and immediately drive
// promotion via the published slot-available event.
func (c *Controller) UpdateConcurrentCallsLimit(ctx context.Context, campaignID string, newLimit int64) (*campaign.Campaign, error) {
	camp, err := c.campaigns.Get(ctx, campaignID)
	if err != nil {
		return nil, err
	}
	active, err := c.track.ActiveCount(ctx, campaignID)
	if err != nil {
		return nil, err
	}
	predial, err := c.track.PreDialCount(ctx, campaignID)
	if err != nil {
		return nil, err
	}
	held := active + predial
	if newLimit < camp.Settings.ConcurrentCallsLimit && float64(held) > 0.9*float64(newLimit) {
		return nil, coreerrors.NewNearSaturation(held, newLimit)
	}
	if err := c.track.SetLimit(ctx, campaignID, newLimit); err != nil {
		return nil, err
	}
	camp.Settings.ConcurrentCallsLimit = newLimit
	camp.UpdatedAt = time.Now()
	if err := c.campaigns.Update(ctx, camp); err != nil {
		return nil, err
	}
	if err := c.wait.PublishSlotAvailable(ctx, campaignID); err != nil {
		c.logger.Warn(ctx, "lifecycle: publish slot-available after limit increase failed", "campaign_id", campaignID, "error", err.Error())
	}
	return camp, nil
}

// Purge removes every piece of a campaign's distributed KV state without
// leaking a key, following spec.md §4.I's seven ordered steps: (1) set the
// paused flag; (2) update the durable campaign state to paused; (3) wait
// out purgeGraceWait so in-flight dispatchers observe the pause flag and
// stop issuing new reservations; (4) cancel queued jobs; (5) force-release
// every lease SET member, pre-dial or active; (6-7) enumerate and UNLINK
// the static keys plus the SCAN-discovered dynamic ones (per-call lease
// keys, per-job waitlist markers). Durable rows are left intact — the
// campaign remains readable in its paused (or already-terminal) state.
func (c *Controller) Purge(ctx context.Context, campaignID string) error {
	if err := c.kvc.SetEX(ctx, keys.Paused(campaignID), "1", PausedTTLSeconds); err != nil {
		return err
	}
	if err := c.q.Pause(ctx, campaignID); err != nil {
		return err
	}
	camp, err := c.campaigns.Get(ctx, campaignID)
	if err != nil && err != store.ErrNotFound {
		return err
	}
	if camp != nil && !camp.State.Terminal() && camp.State != campaign.StatePaused {
		camp.State = campaign.StatePaused
		camp.UpdatedAt = time.Now()
		if err := c.campaigns.Update(ctx, camp); err != nil {
			return err
		}
	}
	if err := c.waitGrace(ctx); err != nil {
		return err
	}
	if err := c.q.CancelCampaignJobs(ctx, campaignID); err != nil {
		return err
	}
	if err := c.wait.Clear(ctx, campaignID); err != nil {
		return err
	}
	members, err := c.track.ListMembers(ctx, campaignID)
	if err != nil {
		return err
	}
	for _, m := range members {
		if err := c.track.ForceReleaseSlot(ctx, campaignID, keys.CallIDFromMember(m)); err != nil {
			return err
		}
	}
	if err := c.kvc.Unlink(ctx, keys.StaticKeys(campaignID)...); err != nil {
		return err
	}
	return c.purgeDynamicKeys(ctx, campaignID)
}

func (c *Controller) waitGrace(ctx context.Context) error {
	t := time.NewTimer(c.purgeGraceWait)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// purgeDynamicKeys removes per-call lease keys and per-job waitlist markers
// left over after the static-key unlink, since those are named by callID
// and jobID rather than campaign id alone.
func (c *Controller) purgeDynamicKeys(ctx context.Context, campaignID string) error {
	return c.kvc.Scan(ctx, keys.ScanGlob(campaignID), 200, func(batch []string) bool {
		if uerr := c.kvc.Unlink(ctx, batch...); uerr != nil {
			c.logger.Warn(ctx, "lifecycle: purge dynamic keys failed", "campaign_id", campaignID, "error", fmt.Errorf("purge dynamic keys: %w", uerr).Error())
			return false
		}
		return true
	})
}
