package waitlist

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/dialcore/campaign-core/kv/keys"
	"github.com/dialcore/campaign-core/store"
	"github.com/dialcore/campaign-core/telemetry"
	"github.com/dialcore/campaign-core/ticker"
)

// DefaultCompactorInterval is the implementer-chosen cadence for the
// Waitlist Compactor referenced by spec.md §4.C's maintenance notes.
const DefaultCompactorInterval = 5 * time.Second

// Compactor periodically repairs drift between a campaign's waitlist lists,
// their dedup (:seen) set, and their per-job markers, and purges entries
// for contacts that have already reached a terminal status without ever
// being promoted (e.g. cancelled mid-wait by a lifecycle operation).
type Compactor struct {
	svc       *Service
	contacts  store.ContactStore
	campaigns store.CampaignStore
	logger    telemetry.Logger
	interval  time.Duration
	tickerSrc *ticker.Source

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

// NewCompactor constructs a Compactor over an existing waitlist Service.
func NewCompactor(svc *Service, contacts store.ContactStore, campaigns store.CampaignStore, logger telemetry.Logger, interval time.Duration, tickerSrc *ticker.Source) *Compactor {
	if interval <= 0 {
		interval = DefaultCompactorInterval
	}
	return &Compactor{
		svc: svc, contacts: contacts, campaigns: campaigns, logger: logger,
		interval: interval, tickerSrc: tickerSrc, stopCh: make(chan struct{}),
	}
}

func (c *Compactor) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return nil
	}
	c.running = true
	c.stopCh = make(chan struct{})
	c.wg.Add(1)
	c.mu.Unlock()

	var t ticker.Ticker
	var err error
	if c.tickerSrc != nil {
		t, err = c.tickerSrc.New(ctx, "waitlist-compactor", c.interval)
	} else {
		t = ticker.NewLocal(c.interval)
	}
	if err != nil {
		c.mu.Lock()
		c.running = false
		c.mu.Unlock()
		c.wg.Done()
		return err
	}
	go c.run(ctx, t)
	return nil
}

func (c *Compactor) Stop(ctx context.Context) error {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return nil
	}
	c.running = false
	close(c.stopCh)
	c.mu.Unlock()

	done := make(chan struct{})
	go func() { c.wg.Wait(); close(done) }()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Compactor) run(ctx context.Context, t ticker.Ticker) {
	defer c.wg.Done()
	defer t.Stop()
	for {
		select {
		case <-c.stopCh:
			return
		case <-ctx.Done():
			return
		case <-t.C():
			c.sweep(ctx)
		}
	}
}

func (c *Compactor) sweep(ctx context.Context) {
	campaigns, err := c.campaigns.ListActive(ctx)
	if err != nil {
		c.logger.Warn(ctx, "waitlist compactor: list active campaigns failed", "error", err.Error())
		return
	}
	for _, camp := range campaigns {
		if err := c.compactCampaign(ctx, camp.ID); err != nil {
			c.logger.Warn(ctx, "waitlist compactor: compact campaign failed", "campaign_id", camp.ID, "error", err.Error())
		}
	}
}

// compactCampaign implements three repair passes:
//
//  1. Every list entry without a marker gets one synthesized (origin
//     inferred from the list it was found in), so a later Promote can read
//     its age.
//  2. Every list entry whose owning contact has already reached a terminal
//     status is purged from the list, its marker, and the seen set — it
//     will never be promoted and would otherwise sit forever.
//  3. Every seen entry with no corresponding list entry in either lane is
//     removed together with its marker, since Promote always clears both
//     and a lingering one means a prior pass crashed between the two
//     writes.
func (c *Compactor) compactCampaign(ctx context.Context, campaignID string) error {
	highEntries, err := c.svc.kvc.LRange(ctx, keys.WaitlistHigh(campaignID), 0, -1)
	if err != nil {
		return err
	}
	normalEntries, err := c.svc.kvc.LRange(ctx, keys.WaitlistNormal(campaignID), 0, -1)
	if err != nil {
		return err
	}
	listed := make(map[string]Origin, len(highEntries)+len(normalEntries))
	for _, j := range highEntries {
		listed[j] = OriginHigh
	}
	for _, j := range normalEntries {
		listed[j] = OriginNormal
	}

	for jobID, origin := range listed {
		if terminal, err := c.contactTerminal(ctx, campaignID, jobID); err != nil {
			c.logger.Warn(ctx, "waitlist compactor: contact lookup failed", "campaign_id", campaignID, "job_id", jobID, "error", err.Error())
		} else if terminal {
			if err := c.svc.kvc.LRem(ctx, listKey(campaignID, origin), 0, jobID); err != nil {
				return err
			}
			if err := c.svc.removeFromSeenAndMarker(ctx, campaignID, jobID); err != nil {
				return err
			}
			c.logger.Info(ctx, "waitlist compactor: purged terminal contact's waitlist entry", "campaign_id", campaignID, "job_id", jobID)
			continue
		}
		if _, _, err := c.svc.markerAge(ctx, campaignID, jobID); err != nil {
			if err := c.svc.writeMarker(ctx, campaignID, jobID, origin); err != nil {
				return err
			}
			c.logger.Info(ctx, "waitlist compactor: synthesized missing marker", "campaign_id", campaignID, "job_id", jobID)
		}
	}

	seen, err := c.svc.kvc.SMembers(ctx, keys.WaitlistSeen(campaignID))
	if err != nil {
		return err
	}
	for _, jobID := range seen {
		if _, ok := listed[jobID]; ok {
			continue
		}
		if err := c.svc.removeFromSeenAndMarker(ctx, campaignID, jobID); err != nil {
			return err
		}
		c.logger.Info(ctx, "waitlist compactor: removed orphaned dedup entry", "campaign_id", campaignID, "job_id", jobID)
	}

	// First-seen fairness entries outlive Requeue bounces on purpose, so
	// prune only the ones with no list entry left in either lane.
	fair, err := c.svc.kvc.ZRange(ctx, keys.Fairness(campaignID), 0, -1)
	if err != nil {
		return err
	}
	for _, jobID := range fair {
		if _, ok := listed[jobID]; ok {
			continue
		}
		if err := c.svc.Forget(ctx, campaignID, jobID); err != nil {
			return err
		}
	}
	return nil
}

func (c *Compactor) contactTerminal(ctx context.Context, campaignID, jobID string) (bool, error) {
	contactID := jobID
	if i := strings.LastIndex(jobID, ":"); i >= 0 {
		contactID = jobID[:i]
	}
	contact, err := c.contacts.Get(ctx, campaignID, contactID)
	if err != nil {
		if err == store.ErrNotFound {
			return true, nil
		}
		return false, err
	}
	return contact.Status.Terminal(), nil
}
