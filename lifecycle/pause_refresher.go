package lifecycle

import (
	"context"
	"sync"
	"time"

	"github.com/dialcore/campaign-core/campaign"
	"github.com/dialcore/campaign-core/kv"
	"github.com/dialcore/campaign-core/kv/keys"
	"github.com/dialcore/campaign-core/queue"
	"github.com/dialcore/campaign-core/store"
	"github.com/dialcore/campaign-core/telemetry"
	"github.com/dialcore/campaign-core/ticker"
)

// DefaultPauseRefresherInterval is the implementer-chosen cadence for
// PauseRefresher.
const DefaultPauseRefresherInterval = 30 * time.Second

// PauseRefresher periodically re-asserts the KV paused flag and queue
// pause state for every campaign the durable store has in StatePaused.
// Pause is meant to be two writes (the KV flag and the queue pause
// marker) applied alongside one durable Update; a process crash between
// those writes would otherwise leave a campaign durably paused but still
// dispatching. This is a pure repair pass: it never touches a campaign
// that Get reports as anything other than paused.
type PauseRefresher struct {
	kvc       *kv.Coordinator
	q         queue.Queue
	campaigns store.CampaignStore
	logger    telemetry.Logger
	interval  time.Duration
	tickerSrc *ticker.Source

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

// NewPauseRefresher constructs a PauseRefresher.
func NewPauseRefresher(kvc *kv.Coordinator, q queue.Queue, campaigns store.CampaignStore, logger telemetry.Logger, interval time.Duration, tickerSrc *ticker.Source) *PauseRefresher {
	if interval <= 0 {
		interval = DefaultPauseRefresherInterval
	}
	return &PauseRefresher{
		kvc: kvc, q: q, campaigns: campaigns, logger: logger,
		interval: interval, tickerSrc: tickerSrc, stopCh: make(chan struct{}),
	}
}

func (p *PauseRefresher) Start(ctx context.Context) error {
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
		t, err = p.tickerSrc.New(ctx, "pause-refresher", p.interval)
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
	go p.run(ctx, t)
	return nil
}

func (p *PauseRefresher) Stop(ctx context.Context) error {
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

func (p *PauseRefresher) run(ctx context.Context, t ticker.Ticker) {
	defer p.wg.Done()
	defer t.Stop()
	for {
		select {
		case <-p.stopCh:
			return
		case <-ctx.Done():
			return
		case <-t.C():
			p.sweep(ctx)
		}
	}
}

func (p *PauseRefresher) sweep(ctx context.Context) {
	paused, err := p.campaigns.ListByState(ctx, campaign.StatePaused)
	if err != nil {
		p.logger.Warn(ctx, "pause refresher: list paused campaigns failed", "error", err.Error())
		return
	}
	for _, c := range paused {
		if err := p.kvc.SetEX(ctx, keys.Paused(c.ID), "1", PausedTTLSeconds); err != nil {
			p.logger.Warn(ctx, "pause refresher: re-assert paused flag failed", "campaign_id", c.ID, "error", err.Error())
			continue
		}
		if err := p.q.Pause(ctx, c.ID); err != nil {
			p.logger.Warn(ctx, "pause refresher: re-assert queue pause failed", "campaign_id", c.ID, "error", err.Error())
		}
	}
}
