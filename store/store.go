// Package store defines the durable persistence interfaces for campaign
// domain objects (spec.md §3's durable entities) and a couple of small
// query types the dispatch and lifecycle packages need. Concrete
// implementations live in store/mongo (production) and store/memory
// (tests); no other package imports a database driver directly.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/dialcore/campaign-core/campaign"
)

// ErrNotFound is returned by Get-style methods when no record matches.
var ErrNotFound = errors.New("store: not found")

// CampaignStore persists Campaign aggregates.
type CampaignStore interface {
	Get(ctx context.Context, id string) (*campaign.Campaign, error)
	Insert(ctx context.Context, c *campaign.Campaign) error
	Update(ctx context.Context, c *campaign.Campaign) error
	// IncrTotals atomically bumps the named Totals field (e.g. "completed",
	// "failed", "in_progress") by delta, returning the updated Campaign.
	IncrTotals(ctx context.Context, id, field string, delta int64) (*campaign.Campaign, error)
	ListActive(ctx context.Context) ([]*campaign.Campaign, error)
	// ListByState returns every campaign in the given state, used by the
	// pause-flag refresher (paused campaigns) and by the invariant monitor.
	ListByState(ctx context.Context, state campaign.CampaignState) ([]*campaign.Campaign, error)
	Delete(ctx context.Context, id string) error
}

// ContactStore persists per-campaign Contact rows.
type ContactStore interface {
	Get(ctx context.Context, campaignID, contactID string) (*campaign.Contact, error)
	Insert(ctx context.Context, c *campaign.Contact) error
	Update(ctx context.Context, c *campaign.Contact) error
	// ListByStatus pages through a campaign's contacts in a given status,
	// used by retry scheduling and Purge.
	ListByStatus(ctx context.Context, campaignID string, status campaign.ContactStatus, limit int) ([]*campaign.Contact, error)
	CountByStatus(ctx context.Context, campaignID string, status campaign.ContactStatus) (int64, error)
	DeleteByCampaign(ctx context.Context, campaignID string) error
}

// CallLogStore persists CallLog rows.
type CallLogStore interface {
	Get(ctx context.Context, id string) (*campaign.CallLog, error)
	Insert(ctx context.Context, cl *campaign.CallLog) error
	Update(ctx context.Context, cl *campaign.CallLog) error
	ListOrphanedBefore(ctx context.Context, campaignID string, cutoff time.Time) ([]*campaign.CallLog, error)
	DeleteByCampaign(ctx context.Context, campaignID string) error
}

// RetryAttemptStore persists RetryAttempt rows.
type RetryAttemptStore interface {
	Get(ctx context.Context, id string) (*campaign.RetryAttempt, error)
	Insert(ctx context.Context, r *campaign.RetryAttempt) error
	Update(ctx context.Context, r *campaign.RetryAttempt) error
	ListDue(ctx context.Context, campaignID string, before time.Time, limit int) ([]*campaign.RetryAttempt, error)
	DeleteByCampaign(ctx context.Context, campaignID string) error
}

// Store bundles the four entity stores behind one handle for convenience at
// wiring time (cmd/dispatcher/main.go); domain packages should still accept
// the narrowest interface they need.
type Store struct {
	Campaigns CampaignStore
	Contacts  ContactStore
	CallLogs  CallLogStore
	Retries   RetryAttemptStore
}
