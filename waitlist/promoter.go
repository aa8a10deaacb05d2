package waitlist

import (
	"context"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/dialcore/campaign-core/concurrency"
	"github.com/dialcore/campaign-core/coreerrors"
	"github.com/dialcore/campaign-core/kv"
	"github.com/dialcore/campaign-core/queue"
	"github.com/dialcore/campaign-core/store"
	"github.com/dialcore/campaign-core/telemetry"
	"github.com/dialcore/campaign-core/ticker"
)

// DefaultPromoterTickInterval is the periodic fallback cadence: promotion
// is primarily event-driven via slot-available pub/sub, with this tick
// catching campaigns whose events were lost (subscriber reconnect, worker
// crash between release and publish).
const DefaultPromoterTickInterval = 3 * time.Second

// promoterEventRate bounds how many event-driven promotion passes a single
// process runs per second across all campaigns. Slot releases arrive in
// bursts when a batch of calls ends together; the promote-gate coalesces
// per-campaign bursts, and this limiter bounds the cross-campaign
// aggregate so a fleet-wide completion wave cannot stampede the KV store.
// Events shed here are picked up by the fallback tick.
const promoterEventRate = 50

// Promoter consumes slot-available events and runs promotion passes,
// completing the release -> promote -> reserve -> re-enqueue loop from
// spec.md §2's data flow. It is the only caller that converts a Promoted
// job back into main-queue work.
type Promoter struct {
	svc       *Service
	track     *concurrency.Tracker
	q         queue.Queue
	campaigns store.CampaignStore
	contacts  store.ContactStore
	logger    telemetry.Logger
	interval  time.Duration
	aging     time.Duration
	batch     int
	limiter   *rate.Limiter
	tickerSrc *ticker.Source

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

// NewPromoter constructs a Promoter. interval, aging, and batch fall back
// to the package defaults when zero; tickerSrc may be nil for
// single-process/tests.
func NewPromoter(svc *Service, track *concurrency.Tracker, q queue.Queue, campaigns store.CampaignStore, contacts store.ContactStore, logger telemetry.Logger, interval, aging time.Duration, batch int, tickerSrc *ticker.Source) *Promoter {
	if interval <= 0 {
		interval = DefaultPromoterTickInterval
	}
	if aging <= 0 {
		aging = DefaultAgingThreshold
	}
	if batch <= 0 {
		batch = DefaultPromotionBatchSize
	}
	return &Promoter{
		svc: svc, track: track, q: q, campaigns: campaigns, contacts: contacts,
		logger: logger, interval: interval, aging: aging, batch: batch,
		limiter:   rate.NewLimiter(rate.Limit(promoterEventRate), promoterEventRate),
		tickerSrc: tickerSrc, stopCh: make(chan struct{}),
	}
}

func (p *Promoter) Start(ctx context.Context) error {
	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		return nil
	}
	p.running = true
	p.stopCh = make(chan struct{})
	p.wg.Add(1)
	p.mu.Unlock()

	var t ticker.Ticker
	var err error
	if p.tickerSrc != nil {
		t, err = p.tickerSrc.New(ctx, "waitlist-promoter", p.interval)
	} else {
		t = ticker.NewLocal(p.interval)
	}
	if err != nil {
		p.mu.Lock()
		p.running = false
		p.mu.Unlock()
		p.wg.Done()
		return err
	}

	sub, err := p.svc.kvc.PSubscribe(ctx, "campaign:*:slot-available")
	if err != nil {
		t.Stop()
		p.mu.Lock()
		p.running = false
		p.mu.Unlock()
		p.wg.Done()
		return err
	}

	go p.run(ctx, t, sub)
	return nil
}

func (p *Promoter) Stop(ctx context.Context) error {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return nil
	}
	p.running = false
	close(p.stopCh)
	p.mu.Unlock()

	done := make(chan struct{})
	go func() { p.wg.Wait(); close(done) }()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *Promoter) run(ctx context.Context, t ticker.Ticker, sub kv.Subscriber) {
	defer p.wg.Done()
	defer t.Stop()
	defer func() { _ = sub.Close() }()
	msgs := sub.Channel()
	for {
		select {
		case <-p.stopCh:
			return
		case <-ctx.Done():
			return
		case m, ok := <-msgs:
			if !ok {
				// Subscription closed under us; the fallback tick keeps
				// promotion alive until the process restarts.
				msgs = nil
				continue
			}
			p.onEvent(ctx, m.Channel)
		case <-t.C():
			p.sweep(ctx)
		}
	}
}

// PromoteCampaign runs one promotion pass for a campaign and re-enqueues
// every job it manages to reserve a slot for. Exposed for tests and for
// callers (lifecycle controller) that want an immediate pass rather than
// waiting for an event.
func (p *Promoter) PromoteCampaign(ctx context.Context, campaignID string) error {
	limit, ok, err := p.track.Limit(ctx, campaignID)
	if err != nil {
		return err
	}
	if !ok {
		return nil // never started; nothing to promote against
	}
	promoted, err := p.svc.Promote(ctx, campaignID, limit, p.aging, p.batch)
	if err != nil {
		return err
	}
	for _, job := range promoted {
		if err := p.dispatchPromoted(ctx, campaignID, job); err != nil {
			p.logger.Warn(ctx, "promoter: dispatch promoted job failed", "campaign_id", campaignID, "job_id", job.JobID, "error", err.Error())
			if rerr := p.svc.Requeue(ctx, campaignID, job); rerr != nil {
				p.logger.Warn(ctx, "promoter: requeue after failure failed", "campaign_id", campaignID, "job_id", job.JobID, "error", rerr.Error())
			}
		}
	}
	return nil
}

// dispatchPromoted attempts the promoted job's reservation and, on grant,
// pushes it back onto the main queue tagged with its origin lane. The
// reservation's ledger score reuses the job's first-seen timestamp so
// aging survives the reissue (spec.md §4.B tie-breaks).
func (p *Promoter) dispatchPromoted(ctx context.Context, campaignID string, job Promoted) error {
	contactID, attempt, ok := splitJobID(job.JobID)
	if !ok {
		p.logger.Warn(ctx, "promoter: malformed waitlist job id dropped", "campaign_id", campaignID, "job_id", job.JobID)
		return nil
	}
	contact, err := p.contacts.Get(ctx, campaignID, contactID)
	if err != nil {
		if err == store.ErrNotFound {
			return p.svc.Forget(ctx, campaignID, job.JobID)
		}
		return err
	}
	if contact.Status.Terminal() {
		return p.svc.Forget(ctx, campaignID, job.JobID)
	}

	enqueuedAt, err := p.svc.firstSeen(ctx, campaignID, job.JobID)
	if err != nil {
		return err
	}
	result, err := p.track.ReserveSlot(ctx, campaignID, string(job.Origin), job.JobID, enqueuedAt)
	if err != nil {
		if coreerrors.Is(err, coreerrors.Conflict) {
			return p.svc.Requeue(ctx, campaignID, job) // paused mid-promotion
		}
		return err
	}
	if result != concurrency.Granted {
		return p.svc.Requeue(ctx, campaignID, job)
	}
	if err := p.q.Push(ctx, queue.Job{
		CampaignID: campaignID,
		ContactID:  contactID,
		Attempt:    attempt,
		Priority:   contact.Priority,
		Origin:     string(job.Origin),
	}); err != nil {
		if rerr := p.track.ReleaseReservation(ctx, campaignID, string(job.Origin), job.JobID); rerr != nil {
			p.logger.Warn(ctx, "promoter: release reservation after push failure failed", "campaign_id", campaignID, "error", rerr.Error())
		}
		return err
	}
	return p.svc.Forget(ctx, campaignID, job.JobID)
}

func (p *Promoter) sweep(ctx context.Context) {
	campaigns, err := p.campaigns.ListActive(ctx)
	if err != nil {
		p.logger.Warn(ctx, "promoter: list active campaigns failed", "error", err.Error())
		return
	}
	for _, c := range campaigns {
		if err := p.PromoteCampaign(ctx, c.ID); err != nil {
			p.logger.Warn(ctx, "promoter: promotion pass failed", "campaign_id", c.ID, "error", err.Error())
		}
	}
}

// onEvent handles one slot-available message: the promote-gate coalesces
// bursts for campaigns with nothing waiting, and the process-local rate
// limiter sheds the cross-campaign excess onto the fallback tick.
func (p *Promoter) onEvent(ctx context.Context, channel string) {
	campaignID, ok := campaignFromChannel(channel)
	if !ok {
		return
	}
	armed, err := p.svc.GateArmed(ctx, campaignID)
	if err != nil {
		p.logger.Warn(ctx, "promoter: gate check failed", "campaign_id", campaignID, "error", err.Error())
		return
	}
	if armed {
		return
	}
	if !p.limiter.Allow() {
		return
	}
	if err := p.PromoteCampaign(ctx, campaignID); err != nil {
		p.logger.Warn(ctx, "promoter: event-driven promotion failed", "campaign_id", campaignID, "error", err.Error())
	}
}

// campaignFromChannel extracts the campaign id from a
// "campaign:<id>:slot-available" channel name.
func campaignFromChannel(channel string) (string, bool) {
	const prefix, suffix = "campaign:", ":slot-available"
	if !strings.HasPrefix(channel, prefix) || !strings.HasSuffix(channel, suffix) {
		return "", false
	}
	id := channel[len(prefix) : len(channel)-len(suffix)]
	return id, id != ""
}

// splitJobID parses a "<contactId>:<attempt>" waitlist job id.
func splitJobID(jobID string) (contactID string, attempt int, ok bool) {
	i := strings.LastIndex(jobID, ":")
	if i <= 0 {
		return "", 0, false
	}
	n, err := strconv.Atoi(jobID[i+1:])
	if err != nil {
		return "", 0, false
	}
	return jobID[:i], n, true
}
