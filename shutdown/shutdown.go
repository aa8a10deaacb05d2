// Package shutdown implements the Graceful Shutdown sequence from spec.md
// §4.K: stop accepting new work, let in-flight dispatch finish within a
// grace window, drain active calls, force-release whatever is left, and
// close the process's KV/DB connections in a fixed order so no step runs
// against a connection a later step has already torn down.
package shutdown

import (
	"context"
	"io"
	"sync"
	"time"

	"github.com/dialcore/campaign-core/concurrency"
	"github.com/dialcore/campaign-core/kv"
	"github.com/dialcore/campaign-core/kv/keys"
	"github.com/dialcore/campaign-core/store"
	"github.com/dialcore/campaign-core/telemetry"
	"github.com/dialcore/campaign-core/waitlist"
)

// DefaultGrace bounds how long Run waits for in-flight HandleJob/vendor-
// event calls to return once new work has stopped being accepted.
const DefaultGrace = 3 * time.Second

// DefaultDrainWait bounds how long Run waits for active calls across every
// campaign to reach zero before force-releasing whatever remains.
const DefaultDrainWait = 30 * time.Second

// Stoppable is any background service with the janitor/reconcile/monitor
// Start/Stop lifecycle shape.
type Stoppable interface {
	Stop(ctx context.Context) error
}

// Service orchestrates the ordered shutdown sequence for one dispatcher
// process.
type Service struct {
	kvc       *kv.Coordinator
	track     *concurrency.Tracker
	wait      *waitlist.Service
	campaigns store.CampaignStore
	logger    telemetry.Logger
	grace     time.Duration
	drainWait time.Duration

	background  []Stoppable
	workerCancel context.CancelFunc
	workerWG     *sync.WaitGroup
	kvCloser     io.Closer
	storeCloser  io.Closer
}

// Deps bundles Service's collaborators for New.
type Deps struct {
	KVC       *kv.Coordinator
	Tracker   *concurrency.Tracker
	Waitlist  *waitlist.Service
	Campaigns store.CampaignStore
	Logger    telemetry.Logger
	Grace     time.Duration
	DrainWait time.Duration

	// Background lists every reconciliation service (janitor, ledger and
	// queue reconcilers, invariant monitor, waitlist compactor, pause
	// refresher) that must stop before the process exits.
	Background []Stoppable
	// WorkerCancel stops the dispatch worker pool from pulling further
	// jobs off the queue.
	WorkerCancel context.CancelFunc
	// WorkerWG is done once every in-flight HandleJob/HandleVendorEvent
	// call the worker pool started has returned.
	WorkerWG *sync.WaitGroup
	// KVCloser and StoreCloser close the process's Redis and database
	// connections; either may be nil if the caller manages that
	// lifecycle itself.
	KVCloser    io.Closer
	StoreCloser io.Closer
}

// New constructs a Service.
func New(d Deps) *Service {
	grace := d.Grace
	if grace <= 0 {
		grace = DefaultGrace
	}
	drainWait := d.DrainWait
	if drainWait <= 0 {
		drainWait = DefaultDrainWait
	}
	return &Service{
		kvc: d.KVC, track: d.Tracker, wait: d.Waitlist, campaigns: d.Campaigns, logger: d.Logger,
		grace: grace, drainWait: drainWait,
		background: d.Background, workerCancel: d.WorkerCancel, workerWG: d.WorkerWG,
		kvCloser: d.KVCloser, storeCloser: d.StoreCloser,
	}
}

// Run executes the ordered shutdown sequence. It does not return early on
// a step failure — every step is attempted and failures are logged, since
// a process exiting is not a context in which later steps can be retried.
// The first error encountered, if any, is returned after every step runs.
func (s *Service) Run(ctx context.Context) error {
	var firstErr error
	record := func(step string, err error) {
		if err == nil {
			return
		}
		s.logger.Warn(ctx, "shutdown step failed", "step", step, "error", err.Error())
		if firstErr == nil {
			firstErr = err
		}
	}

	// 1. Pause the main queue at the worker level: cancelling the worker
	// pool's context stops every worker from pulling further jobs.
	if s.workerCancel != nil {
		s.workerCancel()
	}

	// 2. Stop background reconciliation services so none of them act on
	// state this sequence is about to tear down from under them.
	for _, b := range s.background {
		record("stop-background-service", b.Stop(ctx))
	}

	// 3. For every active campaign, force-release every pre-dial lease;
	// active leases are preserved so in-flight calls finish naturally.
	record("force-release-predial", s.forceReleasePreDial(ctx))

	// 4. Grace window for in-flight HandleJob/HandleVendorEvent calls.
	if s.workerWG != nil {
		record("wait-workers", waitWithin(s.workerWG, s.grace))
	}

	// 5. Drain the reserved-ledger back onto the waitlists, then drop the
	// reserved counter and ledger, since no new reservations will be
	// granted once background services and the worker pool have stopped.
	record("drain-ledger", s.drainLedger(ctx))

	// 6. Wait for active calls across every active campaign to drain, up
	// to drainWait, then force-release whatever is still held.
	record("drain-active-calls", s.drainActiveCalls(ctx))
	record("force-release-remaining", s.forceReleaseRemaining(ctx))

	// 7. Close KV and store connections last, in that order, so steps
	// 1-6 can still reach them.
	if s.kvCloser != nil {
		record("close-kv", s.kvCloser.Close())
	}
	if s.storeCloser != nil {
		record("close-store", s.storeCloser.Close())
	}
	return firstErr
}

func waitWithin(wg *sync.WaitGroup, timeout time.Duration) error {
	done := make(chan struct{})
	go func() { wg.Wait(); close(done) }()
	select {
	case <-done:
		return nil
	case <-time.After(timeout):
		return context.DeadlineExceeded
	}
}

func (s *Service) drainActiveCalls(ctx context.Context) error {
	deadline := time.Now().Add(s.drainWait)
	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()
	for {
		total, err := s.totalActiveCalls(ctx)
		if err != nil {
			return err
		}
		if total == 0 {
			return nil
		}
		if time.Now().After(deadline) {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (s *Service) totalActiveCalls(ctx context.Context) (int64, error) {
	campaigns, err := s.campaigns.ListActive(ctx)
	if err != nil {
		return 0, err
	}
	var total int64
	for _, c := range campaigns {
		n, err := s.track.GetActiveCalls(ctx, c.ID)
		if err != nil {
			return 0, err
		}
		total += n
	}
	return total, nil
}

// forceReleasePreDial implements spec.md §4.K step 3: only pre-dial leases
// are torn down here, never active ones, so a call already acknowledged by
// the vendor keeps running and releases normally through its own webhook.
func (s *Service) forceReleasePreDial(ctx context.Context) error {
	campaigns, err := s.campaigns.ListActive(ctx)
	if err != nil {
		return err
	}
	for _, c := range campaigns {
		members, err := s.track.ListMembers(ctx, c.ID)
		if err != nil {
			return err
		}
		for _, m := range members {
			if !keys.IsPreDial(m) {
				continue
			}
			callID := keys.CallIDFromMember(m)
			if err := s.track.ForceReleaseSlot(ctx, c.ID, callID); err != nil {
				return err
			}
			s.logger.Info(ctx, "shutdown: force-released pre-dial lease", "campaign_id", c.ID, "call_id", callID)
		}
	}
	return nil
}

// drainLedger implements spec.md §4.K step 5: every reserved-ledger entry
// is parsed for its origin lane and pushed back onto the corresponding
// waitlist head, after which the reserved counter and ledger are dropped
// so a restarted fleet starts from a clean, zeroed reservation count.
func (s *Service) drainLedger(ctx context.Context) error {
	if s.kvc == nil || s.wait == nil {
		return nil
	}
	campaigns, err := s.campaigns.ListActive(ctx)
	if err != nil {
		return err
	}
	for _, c := range campaigns {
		members, err := s.kvc.ZRange(ctx, keys.ReservedLedger(c.ID), 0, -1)
		if err != nil {
			return err
		}
		for _, member := range members {
			origin, jobID, ok := splitLedgerMember(member)
			if !ok {
				continue
			}
			if err := s.wait.PushHead(ctx, c.ID, waitlist.Origin(origin), jobID); err != nil {
				return err
			}
		}
		if err := s.kvc.Del(ctx, keys.Reserved(c.ID), keys.ReservedLedger(c.ID)); err != nil {
			return err
		}
	}
	return nil
}

// splitLedgerMember parses a "<origin>:<jobId>" reserved-ledger member,
// where jobID itself may contain further colons (it is "<contactId>:<attempt>").
func splitLedgerMember(member string) (origin, jobID string, ok bool) {
	for i := 0; i < len(member); i++ {
		if member[i] == ':' {
			return member[:i], member[i+1:], true
		}
	}
	return "", "", false
}

func (s *Service) forceReleaseRemaining(ctx context.Context) error {
	campaigns, err := s.campaigns.ListActive(ctx)
	if err != nil {
		return err
	}
	for _, c := range campaigns {
		members, err := s.track.ListMembers(ctx, c.ID)
		if err != nil {
			return err
		}
		for _, m := range members {
			callID := keys.CallIDFromMember(m)
			if err := s.track.ForceReleaseSlot(ctx, c.ID, callID); err != nil {
				return err
			}
			s.logger.Warn(ctx, "shutdown: force-released lease still held at drain deadline", "campaign_id", c.ID, "call_id", callID)
		}
	}
	return nil
}
