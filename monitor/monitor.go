// Package monitor implements the Invariant Monitor (spec.md §4.H): a
// slow-cadence background pass that asserts the concurrency-accounting
// invariants from spec.md §3.2 hold for every active campaign and raises
// an alert (rather than attempting repair) when one is violated, since a
// violated invariant indicates a bug elsewhere in the core rather than
// ordinary operational drift.
package monitor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/dialcore/campaign-core/concurrency"
	"github.com/dialcore/campaign-core/kv"
	"github.com/dialcore/campaign-core/kv/keys"
	"github.com/dialcore/campaign-core/store"
	"github.com/dialcore/campaign-core/telemetry"
	"github.com/dialcore/campaign-core/ticker"
)

// DefaultInterval is the implementer-chosen cadence for the Invariant
// Monitor, deliberately slower than the janitor/reconcilers since its job
// is to catch sustained bugs, not transient operational drift.
const DefaultInterval = 2 * time.Minute

// Violation describes one invariant breach observed for a campaign.
type Violation struct {
	CampaignID string
	Invariant  string
	Detail     string
}

// AlertSink receives invariant violations. Production wiring can fan these
// out to telemetry, paging, or both; tests can supply a slice-collecting
// stub.
type AlertSink interface {
	Alert(ctx context.Context, v Violation)
}

// LoggingAlertSink is the default AlertSink: it logs every violation as an
// error, used whenever no richer alerting integration is wired.
type LoggingAlertSink struct {
	Logger telemetry.Logger
}

func (s *LoggingAlertSink) Alert(ctx context.Context, v Violation) {
	s.Logger.Error(ctx, "invariant violation", "campaign_id", v.CampaignID, "invariant", v.Invariant, "detail", v.Detail)
}

// Monitor owns the periodic invariant-assertion pass.
type Monitor struct {
	kvc       *kv.Coordinator
	track     *concurrency.Tracker
	campaigns store.CampaignStore
	sink      AlertSink
	logger    telemetry.Logger
	interval  time.Duration
	tickerSrc *ticker.Source

	// capacityBreach tracks which campaigns exceeded capacity on the
	// previous sweep: a capacity overrun alerts only when sustained across
	// two consecutive cycles, since the janitor/reconcilers routinely close
	// a single-cycle excursion on their own.
	capacityBreach map[string]bool

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

// New constructs a Monitor.
func New(kvc *kv.Coordinator, track *concurrency.Tracker, campaigns store.CampaignStore, sink AlertSink, logger telemetry.Logger, interval time.Duration, tickerSrc *ticker.Source) *Monitor {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Monitor{
		kvc: kvc, track: track, campaigns: campaigns, sink: sink, logger: logger,
		interval: interval, tickerSrc: tickerSrc,
		capacityBreach: make(map[string]bool), stopCh: make(chan struct{}),
	}
}

func (m *Monitor) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return nil
	}
	m.running = true
	m.stopCh = make(chan struct{})
	m.wg.Add(1)
	m.mu.Unlock()

	t, err := newTicker(ctx, m.tickerSrc, m.interval)
	if err != nil {
		m.mu.Lock()
		m.running = false
		m.mu.Unlock()
		m.wg.Done()
		return err
	}
	go m.run(ctx, t)
	return nil
}

func (m *Monitor) Stop(ctx context.Context) error {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return nil
	}
	m.running = false
	close(m.stopCh)
	m.mu.Unlock()

	done := make(chan struct{})
	go func() { m.wg.Wait(); close(done) }()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *Monitor) run(ctx context.Context, t ticker.Ticker) {
	defer m.wg.Done()
	defer t.Stop()
	for {
		select {
		case <-m.stopCh:
			return
		case <-ctx.Done():
			return
		case <-t.C():
			m.sweep(ctx)
		}
	}
}

func (m *Monitor) sweep(ctx context.Context) {
	campaigns, err := m.campaigns.ListActive(ctx)
	if err != nil {
		m.logger.Warn(ctx, "invariant monitor: list active campaigns failed", "error", err.Error())
		return
	}
	for _, c := range campaigns {
		for _, v := range m.checkCampaign(ctx, c.ID) {
			m.sink.Alert(ctx, v)
		}
	}
}

// checkCampaign asserts spec.md §3.2's invariant 1 (capacity never
// exceeded, alerted only when sustained across two consecutive sweeps),
// invariant 2 (every SET member has a live lease key), and invariant 5
// (reserved never negative). Invariant 4 is structurally enforced by the
// atomic upgrade script in package concurrency; this pass exists to catch
// the case where accounting drifts in a way the janitor and reconcilers
// cannot detect or fix, i.e. a genuine bug.
func (m *Monitor) checkCampaign(ctx context.Context, campaignID string) []Violation {
	var out []Violation
	limit, ok, err := m.track.Limit(ctx, campaignID)
	if err != nil {
		m.logger.Warn(ctx, "invariant monitor: read limit failed", "campaign_id", campaignID, "error", err.Error())
		return out
	}
	if !ok {
		return out
	}
	active, err := m.track.ActiveCount(ctx, campaignID)
	if err != nil {
		return out
	}
	predial, err := m.track.PreDialCount(ctx, campaignID)
	if err != nil {
		return out
	}
	reserved, err := m.track.Reserved(ctx, campaignID)
	if err != nil {
		return out
	}
	if reserved < 0 {
		out = append(out, Violation{
			CampaignID: campaignID,
			Invariant:  "reserved-non-negative",
			Detail:     fmt.Sprintf("reserved=%d", reserved),
		})
	}
	if total := active + predial + reserved; total > limit {
		if m.capacityBreach[campaignID] {
			out = append(out, Violation{
				CampaignID: campaignID,
				Invariant:  "capacity",
				Detail:     fmt.Sprintf("active=%d predial=%d reserved=%d limit=%d", active, predial, reserved, limit),
			})
		}
		m.capacityBreach[campaignID] = true
	} else {
		delete(m.capacityBreach, campaignID)
	}
	if v, ok := m.checkMembership(ctx, campaignID); ok {
		out = append(out, v)
	}
	return out
}

// checkMembership asserts invariant 2's forward direction: every :leases
// SET member corresponds to a lease key that still exists. The janitor
// repairs this; the monitor alerting on it means the janitor is not
// keeping up or is itself broken.
func (m *Monitor) checkMembership(ctx context.Context, campaignID string) (Violation, bool) {
	members, err := m.track.ListMembers(ctx, campaignID)
	if err != nil {
		return Violation{}, false
	}
	var dangling int
	for _, member := range members {
		callID := keys.CallIDFromMember(member)
		leaseKey := keys.LeaseActive(campaignID, callID)
		if keys.IsPreDial(member) {
			leaseKey = keys.LeasePreDial(campaignID, callID)
		}
		exists, err := m.kvc.Exists(ctx, leaseKey)
		if err != nil {
			return Violation{}, false
		}
		if !exists {
			dangling++
		}
	}
	if dangling == 0 {
		return Violation{}, false
	}
	return Violation{
		CampaignID: campaignID,
		Invariant:  "membership",
		Detail:     fmt.Sprintf("members=%d dangling=%d", len(members), dangling),
	}, true
}

func newTicker(ctx context.Context, src *ticker.Source, interval time.Duration) (ticker.Ticker, error) {
	if src != nil {
		return src.New(ctx, "invariant-monitor", interval)
	}
	return ticker.NewLocal(interval), nil
}
