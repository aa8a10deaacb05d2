package reconcile

import (
	"context"
	"sync"
	"time"

	"github.com/dialcore/campaign-core/campaign"
	"github.com/dialcore/campaign-core/concurrency"
	"github.com/dialcore/campaign-core/queue"
	"github.com/dialcore/campaign-core/retrypolicy"
	"github.com/dialcore/campaign-core/store"
	"github.com/dialcore/campaign-core/telemetry"
	"github.com/dialcore/campaign-core/ticker"
)

// DefaultQueueInterval is the implementer-chosen cadence for the Queue
// Reconciler (spec.md §4.G).
const DefaultQueueInterval = 20 * time.Second

// DefaultStallThreshold is how long a call-log may sit non-terminal before
// its job is treated as stalled.
const DefaultStallThreshold = 3 * time.Minute

// QueueReconciler implements spec.md §4.G: it detects "ghost" queue jobs
// referencing a campaign the durable store no longer has, and "stalled"
// jobs whose call-log never reached a terminal status, recovering the slot
// each stalled job is holding.
//
// This queue implementation carries no durable job-state of its own beyond
// the ready list and the delayed sorted set (spec.md §4.D's design note:
// "the queue never holds the sole copy of any fact"), so stalled-job
// detection is grounded on CallLogStore.ListOrphanedBefore rather than a
// literal in-flight/ack queue structure.
type QueueReconciler struct {
	q              queue.Queue
	track          *concurrency.Tracker
	campaigns      store.CampaignStore
	contacts       store.ContactStore
	calllogs       store.CallLogStore
	retries        *retrypolicy.Scheduler
	logger         telemetry.Logger
	interval       time.Duration
	stallThreshold time.Duration
	tickerSrc      *ticker.Source

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

// NewQueueReconciler constructs a QueueReconciler.
func NewQueueReconciler(q queue.Queue, track *concurrency.Tracker, campaigns store.CampaignStore, contacts store.ContactStore, calllogs store.CallLogStore, retries *retrypolicy.Scheduler, logger telemetry.Logger, interval, stallThreshold time.Duration, tickerSrc *ticker.Source) *QueueReconciler {
	if interval <= 0 {
		interval = DefaultQueueInterval
	}
	if stallThreshold <= 0 {
		stallThreshold = DefaultStallThreshold
	}
	return &QueueReconciler{
		q: q, track: track, campaigns: campaigns, contacts: contacts, calllogs: calllogs, retries: retries,
		logger: logger, interval: interval, stallThreshold: stallThreshold,
		tickerSrc: tickerSrc, stopCh: make(chan struct{}),
	}
}

func (r *QueueReconciler) Start(ctx context.Context) error {
	r.mu.Lock()
	if r.running {
		r.mu.Unlock()
		return nil
	}
	r.running = true
	r.stopCh = make(chan struct{})
	r.wg.Add(1)
	r.mu.Unlock()

	t, err := newTicker(ctx, r.tickerSrc, "queue-reconciler", r.interval)
	if err != nil {
		r.mu.Lock()
		r.running = false
		r.mu.Unlock()
		r.wg.Done()
		return err
	}
	go r.run(ctx, t)
	return nil
}

func (r *QueueReconciler) Stop(ctx context.Context) error {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return nil
	}
	r.running = false
	close(r.stopCh)
	r.mu.Unlock()
	return waitOrDeadline(ctx, &r.wg)
}

func (r *QueueReconciler) run(ctx context.Context, t ticker.Ticker) {
	defer r.wg.Done()
	defer t.Stop()
	for {
		select {
		case <-r.stopCh:
			return
		case <-ctx.Done():
			return
		case <-t.C():
			r.sweepGhosts(ctx)
			r.sweepStalled(ctx)
		}
	}
}

// sweepGhosts removes every queued job whose campaign no longer exists in
// the durable store.
func (r *QueueReconciler) sweepGhosts(ctx context.Context) {
	campaignIDs, err := r.q.QueuedCampaignIDs(ctx)
	if err != nil {
		r.logger.Warn(ctx, "queue reconciler: list queued campaigns failed", "error", err.Error())
		return
	}
	for _, id := range campaignIDs {
		_, err := r.campaigns.Get(ctx, id)
		if err == nil {
			continue
		}
		if err != store.ErrNotFound {
			r.logger.Warn(ctx, "queue reconciler: lookup campaign failed", "campaign_id", id, "error", err.Error())
			continue
		}
		if err := r.q.CancelCampaignJobs(ctx, id); err != nil {
			r.logger.Warn(ctx, "queue reconciler: cancel ghost jobs failed", "campaign_id", id, "error", err.Error())
			continue
		}
		r.logger.Info(ctx, "queue reconciler: purged ghost jobs for missing campaign", "campaign_id", id)
	}
}

// sweepStalled recovers the slot held by any call-log that never reached a
// terminal status within stallThreshold, force-releasing its lease and
// handing the outcome to the retry scheduler as a network-error failure.
func (r *QueueReconciler) sweepStalled(ctx context.Context) {
	campaigns, err := r.campaigns.ListActive(ctx)
	if err != nil {
		r.logger.Warn(ctx, "queue reconciler: list active campaigns failed", "error", err.Error())
		return
	}
	cutoff := time.Now().Add(-r.stallThreshold)
	for _, c := range campaigns {
		stalled, err := r.calllogs.ListOrphanedBefore(ctx, c.ID, cutoff)
		if err != nil {
			r.logger.Warn(ctx, "queue reconciler: list orphaned call logs failed", "campaign_id", c.ID, "error", err.Error())
			continue
		}
		for _, cl := range stalled {
			if err := r.recoverStalled(ctx, c, cl); err != nil {
				r.logger.Warn(ctx, "queue reconciler: recover stalled job failed", "call_id", cl.ID, "error", err.Error())
			}
		}
	}
}

func (r *QueueReconciler) recoverStalled(ctx context.Context, c *campaign.Campaign, cl *campaign.CallLog) error {
	if err := r.track.ForceReleaseSlot(ctx, c.ID, cl.ID); err != nil {
		return err
	}
	cl.Status = campaign.CallFailed
	cl.EndedAt = time.Now()
	if err := r.calllogs.Update(ctx, cl); err != nil {
		return err
	}
	contact, err := r.contacts.Get(ctx, c.ID, cl.ContactID)
	if err != nil {
		return err
	}
	r.logger.Info(ctx, "queue reconciler: recovered stalled job", "campaign_id", c.ID, "call_id", cl.ID, "contact_id", cl.ContactID)
	_, err = r.retries.Handle(ctx, c.Settings, cl, contact, contact.AttemptCount-1)
	return err
}
