// Package reconcile implements the Reservation-Ledger Reconciler and Queue
// Reconciler (spec.md §4.F, §4.G): periodic, idempotent background passes
// that repair drift between the KV-native reservation accounting, the
// dispatch queue, and the durable store. Both services share the same
// Start/Stop/run lifecycle shape as package janitor, grounded on the
// teacher pack's campaign sweeper.
package reconcile

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/dialcore/campaign-core/campaign"
	"github.com/dialcore/campaign-core/concurrency"
	"github.com/dialcore/campaign-core/kv"
	"github.com/dialcore/campaign-core/kv/keys"
	"github.com/dialcore/campaign-core/queue"
	"github.com/dialcore/campaign-core/store"
	"github.com/dialcore/campaign-core/telemetry"
	"github.com/dialcore/campaign-core/ticker"
	"github.com/dialcore/campaign-core/waitlist"
)

// DefaultLedgerInterval is the implementer-chosen cadence for the
// Reservation-Ledger Reconciler, well inside the reserved-ledger's own
// grace window so drift cannot accumulate across a full window.
const DefaultLedgerInterval = 10 * time.Second

// DefaultLedgerGraceWindow is how old a reserved-ledger entry must be
// before it is eligible for reconciliation (spec.md §4.F default 15s).
const DefaultLedgerGraceWindow = 15 * time.Second

// LedgerReconciler periodically scans each active campaign's
// reserved-ledger for entries older than GraceWindow and removes the ones
// no longer backed by an in-flight dispatch attempt.
type LedgerReconciler struct {
	kvc         *kv.Coordinator
	track       *concurrency.Tracker
	wait        *waitlist.Service
	q           queue.Queue
	campaigns   store.CampaignStore
	contacts    store.ContactStore
	logger      telemetry.Logger
	interval    time.Duration
	graceWindow time.Duration
	tickerSrc   *ticker.Source

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

// NewLedgerReconciler constructs a LedgerReconciler. tickerSrc may be nil
// for single-process/tests, matching package janitor's convention.
func NewLedgerReconciler(kvc *kv.Coordinator, track *concurrency.Tracker, wait *waitlist.Service, q queue.Queue, campaigns store.CampaignStore, contacts store.ContactStore, logger telemetry.Logger, interval, graceWindow time.Duration, tickerSrc *ticker.Source) *LedgerReconciler {
	if interval <= 0 {
		interval = DefaultLedgerInterval
	}
	if graceWindow <= 0 {
		graceWindow = DefaultLedgerGraceWindow
	}
	return &LedgerReconciler{
		kvc: kvc, track: track, wait: wait, q: q, campaigns: campaigns, contacts: contacts,
		logger: logger, interval: interval, graceWindow: graceWindow,
		tickerSrc: tickerSrc, stopCh: make(chan struct{}),
	}
}

func (r *LedgerReconciler) Start(ctx context.Context) error {
	r.mu.Lock()
	if r.running {
		r.mu.Unlock()
		return nil
	}
	r.running = true
	r.stopCh = make(chan struct{})
	r.wg.Add(1)
	r.mu.Unlock()

	t, err := newTicker(ctx, r.tickerSrc, "ledger-reconciler", r.interval)
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

func (r *LedgerReconciler) Stop(ctx context.Context) error {
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

func (r *LedgerReconciler) run(ctx context.Context, t ticker.Ticker) {
	defer r.wg.Done()
	defer t.Stop()
	for {
		select {
		case <-r.stopCh:
			return
		case <-ctx.Done():
			return
		case <-t.C():
			r.sweep(ctx)
		}
	}
}

func (r *LedgerReconciler) sweep(ctx context.Context) {
	campaigns, err := r.campaigns.ListActive(ctx)
	if err != nil {
		r.logger.Warn(ctx, "ledger reconciler: list active campaigns failed", "error", err.Error())
		return
	}
	for _, c := range campaigns {
		if err := r.sweepCampaign(ctx, c.ID); err != nil {
			r.logger.Warn(ctx, "ledger reconciler: sweep campaign failed", "campaign_id", c.ID, "error", err.Error())
		}
	}
}

// sweepCampaign implements spec.md §4.F: a reserved-ledger entry older than
// GraceWindow is stale unless a contact's current attempt is still
// in-flight for the same job. jobID namespaces the ledger entry by
// contactID:attempt, the same identifier waitlist.JobID derives, so the
// two can be correlated without a durable callID<->jobID mapping.
func (r *LedgerReconciler) sweepCampaign(ctx context.Context, campaignID string) error {
	cutoff := time.Now().Add(-r.graceWindow).UnixMilli()
	stale, err := r.kvc.ZRangeByScore(ctx, keys.ReservedLedger(campaignID), "-inf", fmt.Sprintf("%d", cutoff))
	if err != nil {
		return err
	}
	for _, member := range stale {
		origin, contactID, attempt, ok := parseLedgerMember(member)
		if !ok {
			r.logger.Warn(ctx, "ledger reconciler: malformed ledger entry", "campaign_id", campaignID, "member", member)
			if err := r.kvc.ZRem(ctx, keys.ReservedLedger(campaignID), member); err != nil {
				return err
			}
			continue
		}
		accounted, err := r.accountedFor(ctx, campaignID, contactID, attempt)
		if err != nil {
			return err
		}
		if accounted {
			continue
		}
		if err := r.kvc.ZRem(ctx, keys.ReservedLedger(campaignID), member); err != nil {
			return err
		}
		if _, err := r.track.DecrReserved(ctx, campaignID); err != nil {
			return err
		}
		jobID := fmt.Sprintf("%s:%d", contactID, attempt)
		if err := r.wait.PushHead(ctx, campaignID, waitlist.Origin(origin), jobID); err != nil {
			return err
		}
		r.logger.Info(ctx, "ledger reconciler: re-waitlisted orphaned reservation", "campaign_id", campaignID, "origin", origin, "contact_id", contactID, "attempt", attempt)
	}
	return r.reseedIfOvercounted(ctx, campaignID)
}

// reseedIfOvercounted handles the inverse drift: the reserved counter
// claims in-flight reservations the ledger has no record of (a crashed
// worker incremented without its ledger write surviving a partial Lua
// replay, or an operator flushed the ledger by hand). Leases are
// authoritative and never deleted here; the counter is recomputed from
// scratch at zero and rebuilt by subsequent reservations.
func (r *LedgerReconciler) reseedIfOvercounted(ctx context.Context, campaignID string) error {
	reserved, err := r.track.Reserved(ctx, campaignID)
	if err != nil {
		return err
	}
	if reserved == 0 {
		return nil
	}
	entries, err := r.kvc.ZCard(ctx, keys.ReservedLedger(campaignID))
	if err != nil {
		return err
	}
	if entries > 0 {
		return nil
	}
	if err := r.track.ResetReserved(ctx, campaignID); err != nil {
		return err
	}
	r.logger.Warn(ctx, "ledger reconciler: reserved counter had no ledger backing, re-seeded at zero", "campaign_id", campaignID, "reserved", reserved)
	return nil
}

// accountedFor implements spec.md §4.F's liveness checks for a ledger
// entry: (a) the job is still scheduled on the main queue (a promoted job
// holds its reservation while it waits to be popped), or (b) dispatch is
// actively holding the slot. This codebase mints a fresh, unrelated callID
// once the pre-dial lease is created (at which point the ledger entry is
// removed atomically), so (b)'s observable proxy is a contact whose
// current attempt matches this entry's and whose status is in-progress.
func (r *LedgerReconciler) accountedFor(ctx context.Context, campaignID, contactID string, attempt int) (bool, error) {
	if r.q != nil {
		queued, err := r.q.HasJob(ctx, campaignID, contactID, attempt)
		if err != nil {
			return false, err
		}
		if queued {
			return true, nil
		}
	}
	contact, err := r.contacts.Get(ctx, campaignID, contactID)
	if err != nil {
		if err == store.ErrNotFound {
			return false, nil
		}
		return false, err
	}
	return contact.Status == campaign.ContactInProgress && contact.AttemptCount-1 == attempt, nil
}

func parseLedgerMember(member string) (origin, contactID string, attempt int, ok bool) {
	parts := strings.SplitN(member, ":", 3)
	if len(parts) != 3 {
		return "", "", 0, false
	}
	var n int
	if _, err := fmt.Sscanf(parts[2], "%d", &n); err != nil {
		return "", "", 0, false
	}
	return parts[0], parts[1], n, true
}

func newTicker(ctx context.Context, src *ticker.Source, name string, interval time.Duration) (ticker.Ticker, error) {
	if src != nil {
		return src.New(ctx, name, interval)
	}
	return ticker.NewLocal(interval), nil
}

func waitOrDeadline(ctx context.Context, wg *sync.WaitGroup) error {
	done := make(chan struct{})
	go func() { wg.Wait(); close(done) }()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
