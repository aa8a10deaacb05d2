// Package queue declares the dispatch work-queue interface. The concrete
// Redis-list-backed implementation lives in queue/redisqueue.
package queue

import (
	"context"
	"time"
)

// Job is one unit of dispatch work: "attempt to place a call for this
// contact". Jobs are intentionally small and re-derivable from the
// database, per spec.md §4.D's pipeline notes — the queue never holds the
// sole copy of any fact.
type Job struct {
	CampaignID string
	ContactID  string
	Attempt    int
	Priority   int
	// Origin is the waitlist lane ("H"/"N") this job was promoted from,
	// empty for jobs that never waited. A non-empty origin means the
	// promoter already holds a reservation for this job, so the dispatch
	// pipeline must not reserve again.
	Origin string
}

// Queue is the transport the dispatch pipeline pulls work from and pushes
// retries/promotions back onto.
type Queue interface {
	Push(ctx context.Context, j Job) error
	// PushDelayed schedules j for delivery no earlier than at, used by the
	// retry scheduler (spec.md §4.J).
	PushDelayed(ctx context.Context, j Job, at time.Time) error
	// Pop blocks up to the context's deadline for the next ready job across
	// all campaigns (including any delayed jobs whose time has arrived).
	// ok is false on a timeout, not an error.
	Pop(ctx context.Context) (Job, bool, error)
	Pause(ctx context.Context, campaignID string) error
	Resume(ctx context.Context, campaignID string) error
	ActiveCount(ctx context.Context, campaignID string) (int64, error)
	// CancelCampaignJobs removes every queued and delayed job for a
	// campaign, used by Lifecycle.Cancel and Purge.
	CancelCampaignJobs(ctx context.Context, campaignID string) error
	// QueuedCampaignIDs returns every campaign id the queue has accepted
	// ready jobs for and not since cancelled (its ready list may already be
	// empty), used by the Queue Reconciler (spec.md §4.G) to detect "ghost"
	// jobs referencing a campaign no longer present in the database.
	QueuedCampaignIDs(ctx context.Context) ([]string, error)
	// HasJob reports whether a ready or delayed job still exists for the
	// given contact/attempt, used by the Reservation-Ledger Reconciler
	// (spec.md §4.F) to distinguish a live in-flight reservation from an
	// orphaned ledger entry.
	HasJob(ctx context.Context, campaignID, contactID string, attempt int) (bool, error)
}
