// Package campaign defines the durable domain entities of the outbound
// calling platform core: Campaign, Contact, CallLog, and RetryAttempt, along
// with the state machines and validation rules that govern their lifecycle.
//
// Slot leases, waitlist entries, and reserved-ledger entries are
// deliberately absent from this package: per the concurrency model, they
// are ephemeral KV-native concepts with no durable representation (see
// packages concurrency and waitlist).
package campaign

import (
	"fmt"
	"time"
)

// CampaignState is the campaign lifecycle state.
type CampaignState string

const (
	StateDraft     CampaignState = "draft"
	StateActive    CampaignState = "active"
	StatePaused    CampaignState = "paused"
	StateCompleted CampaignState = "completed"
	StateCancelled CampaignState = "cancelled"
)

// Terminal reports whether the state accepts no further transitions.
func (s CampaignState) Terminal() bool {
	return s == StateCompleted || s == StateCancelled
}

var campaignTransitions = map[CampaignState]map[CampaignState]bool{
	StateDraft:     {StateActive: true},
	StateActive:    {StatePaused: true, StateCompleted: true, StateCancelled: true},
	StatePaused:    {StateActive: true, StateCancelled: true},
	StateCompleted: {},
	StateCancelled: {},
}

// Transition reports whether moving from s to next is a legal campaign
// state transition per spec.md §4.I's state machine:
// draft -> active; active <-> paused; active -> completed | cancelled;
// paused -> cancelled.
func (s CampaignState) Transition(next CampaignState) error {
	if s == next {
		return nil // idempotent no-op transitions are allowed by callers that check first
	}
	if allowed, ok := campaignTransitions[s]; ok && allowed[next] {
		return nil
	}
	return fmt.Errorf("illegal campaign transition %s -> %s", s, next)
}

// PriorityMode controls how contacts are ordered for dispatch and how the
// waitlist service assigns origin lanes.
type PriorityMode string

const (
	PriorityFIFO     PriorityMode = "fifo"
	PriorityLIFO     PriorityMode = "lifo"
	PriorityPriority PriorityMode = "priority"
)

// Settings holds the per-campaign configuration knobs from spec.md §3.1.
type Settings struct {
	ConcurrentCallsLimit int64
	RetryPolicy          string
	PriorityMode         PriorityMode
	ExcludeVoicemail     bool
	MaxRetryAttempts     int
	RetryDelayMinutes    int
	// HighPriorityThreshold is the contact Priority at or above which the
	// waitlist service assigns the "H" (high) origin lane in priority mode.
	HighPriorityThreshold int
}

// Totals tracks aggregate contact counts for progress reporting.
type Totals struct {
	TotalContacts int64
	Queued        int64
	InProgress    int64
	Completed     int64
	Failed        int64
}

// Campaign is a user-owned named batch of outbound contacts.
type Campaign struct {
	ID        string
	OwnerID   string
	Name      string
	State     CampaignState
	Settings  Settings
	Totals    Totals
	CreatedAt time.Time
	UpdatedAt time.Time
}

// AllTerminal reports whether every contact in the campaign has reached a
// terminal status, i.e. the campaign is ready to transition to completed.
func (t Totals) AllTerminal() bool {
	return t.TotalContacts > 0 && t.Completed+t.Failed >= t.TotalContacts
}
