// Package janitor implements the Lease Janitor (spec.md §4.E): a
// background service that periodically scans every active campaign's
// lease membership, repairing drift between the :leases SET and the
// individual lease keys. The Start/Stop/run lifecycle follows the
// teacher pack's campaign sweeper (lcaraballopro-apicall's
// internal/campaign/sweeper.go and internal/database/orphan_cleaner.go): a
// mutex-guarded running flag, a stop channel, and a WaitGroup the caller
// can block on during shutdown.
package janitor

import (
	"context"
	"sync"
	"time"

	"github.com/dialcore/campaign-core/concurrency"
	"github.com/dialcore/campaign-core/kv"
	"github.com/dialcore/campaign-core/kv/keys"
	"github.com/dialcore/campaign-core/store"
	"github.com/dialcore/campaign-core/telemetry"
	"github.com/dialcore/campaign-core/ticker"
)

// DefaultInterval is the implementer-chosen default scan cadence within
// spec.md §4.E's 30-60s range.
const DefaultInterval = 45 * time.Second

// DefaultOrphanGrace is the default lease-orphan grace period. The sweep
// does not read it: a member whose lease key is absent is force-released
// on the first sweep that observes it.
const DefaultOrphanGrace = 5 * time.Second

// Janitor owns the periodic scan described in spec.md §4.E.
type Janitor struct {
	kvc       *kv.Coordinator
	track     *concurrency.Tracker
	campaigns store.CampaignStore
	logger    telemetry.Logger
	interval  time.Duration
	tickerSrc *ticker.Source

	mu       sync.Mutex
	running  bool
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// New constructs a Janitor. tickerSrc may be nil, in which case a
// single-process ticker.NewLocal is used (safe only when exactly one
// dispatcher process runs the janitor).
func New(kvc *kv.Coordinator, track *concurrency.Tracker, campaigns store.CampaignStore, logger telemetry.Logger, interval time.Duration, tickerSrc *ticker.Source) *Janitor {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Janitor{
		kvc:       kvc,
		track:     track,
		campaigns: campaigns,
		logger:    logger,
		interval:  interval,
		tickerSrc: tickerSrc,
		stopCh:    make(chan struct{}),
	}
}

// Start begins the janitor's background loop. It is idempotent: calling
// Start while already running is a no-op.
func (j *Janitor) Start(ctx context.Context) error {
	j.mu.Lock()
	if j.running {
		j.mu.Unlock()
		return nil
	}
	j.running = true
	j.stopCh = make(chan struct{})
	j.wg.Add(1)
	j.mu.Unlock()

	t, err := j.newTicker(ctx)
	if err != nil {
		j.mu.Lock()
		j.running = false
		j.mu.Unlock()
		j.wg.Done()
		return err
	}
	go j.run(ctx, t)
	return nil
}

func (j *Janitor) newTicker(ctx context.Context) (ticker.Ticker, error) {
	if j.tickerSrc != nil {
		return j.tickerSrc.New(ctx, "janitor", j.interval)
	}
	return ticker.NewLocal(j.interval), nil
}

// Stop signals the background loop to exit and waits for it to finish.
func (j *Janitor) Stop(ctx context.Context) error {
	j.mu.Lock()
	if !j.running {
		j.mu.Unlock()
		return nil
	}
	j.running = false
	close(j.stopCh)
	j.mu.Unlock()

	done := make(chan struct{})
	go func() { j.wg.Wait(); close(done) }()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (j *Janitor) run(ctx context.Context, t ticker.Ticker) {
	defer j.wg.Done()
	defer t.Stop()
	for {
		select {
		case <-j.stopCh:
			return
		case <-ctx.Done():
			return
		case <-t.C():
			j.sweep(ctx)
		}
	}
}

func (j *Janitor) sweep(ctx context.Context) {
	campaigns, err := j.campaigns.ListActive(ctx)
	if err != nil {
		j.logger.Warn(ctx, "janitor: list active campaigns failed", "error", err.Error())
		return
	}
	for _, c := range campaigns {
		if err := j.sweepCampaign(ctx, c.ID); err != nil {
			j.logger.Warn(ctx, "janitor: sweep campaign failed", "campaign_id", c.ID, "error", err.Error())
		}
	}
}

// sweepCampaign is idempotent: running it twice back to back converges to
// the same final state, since ForceReleaseSlot and SADD re-add are both
// idempotent operations.
func (j *Janitor) sweepCampaign(ctx context.Context, campaignID string) error {
	members, err := j.track.ListMembers(ctx, campaignID)
	if err != nil {
		return err
	}
	memberSet := make(map[string]bool, len(members))
	for _, m := range members {
		memberSet[m] = true
	}

	// Forward direction: every member must correspond to a lease key with
	// positive TTL (invariant 2). A member whose key is absent (or has no
	// expiry) is an orphan and is released at once, with no grace period;
	// a key that is still live, however close to expiry, is left alone.
	for _, m := range members {
		callID := keys.CallIDFromMember(m)
		leaseKey := keys.LeaseActive(campaignID, callID)
		if keys.IsPreDial(m) {
			leaseKey = keys.LeasePreDial(campaignID, callID)
		}
		ttl, err := j.kvc.TTL(ctx, leaseKey)
		if err != nil {
			return err
		}
		if ttl < 0 {
			// Key absent (-2) or, implausibly, persistent (-1): either way
			// membership no longer corresponds to a live lease.
			if err := j.track.ForceReleaseSlot(ctx, campaignID, callID); err != nil {
				return err
			}
			j.logger.Info(ctx, "janitor: released orphaned lease", "campaign_id", campaignID, "call_id", callID)
		}
	}

	// Reverse direction: every lease key must correspond to SET
	// membership. A key surviving with no membership is re-added
	// (observation-only repair, per spec.md §4.E).
	var scanErr error
	if err := j.kvc.Scan(ctx, keys.Campaign(campaignID)+":lease:*", 100, func(batch []string) bool {
		for _, k := range batch {
			callID, preDial, ok := keys.ParseLeaseKey(k)
			if !ok {
				continue
			}
			member := callID
			if preDial {
				member = keys.PreDialMember(callID)
			}
			if !memberSet[member] {
				if serr := j.kvc.SAdd(ctx, keys.Leases(campaignID), member); serr != nil {
					scanErr = serr
					return false
				}
				j.logger.Info(ctx, "janitor: re-added lease membership missing from SET", "campaign_id", campaignID, "call_id", callID)
			}
		}
		return true
	}); err != nil {
		return err
	}
	return scanErr
}
